package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/tascord/embedder/internal/browser/browsertest"
	"github.com/tascord/embedder/internal/lock"
	"github.com/tascord/embedder/internal/sandbox"
	"github.com/tascord/embedder/internal/sandbox/sandboxtest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLocks(t *testing.T) (lock.Locker, lock.Locker) {
	t.Helper()
	dir := t.TempDir()
	return lock.NewFileLock(filepath.Join(dir, "build.lock"), 10*time.Millisecond),
		lock.NewFileLock(filepath.Join(dir, "port.lock"), 10*time.Millisecond)
}

// newTestOrchestrator wires o to rt and a page-serving dialer. Ports count
// as free unless rt has marked them bound.
func newTestOrchestrator(t *testing.T, rt *sandboxtest.Runtime, pages map[string]string, mutate func(*Config)) (*Orchestrator, *browsertest.Dialer) {
	t.Helper()
	buildLock, portLock := testLocks(t)
	dialer := &browsertest.Dialer{Pages: pages}
	cfg := Config{
		PortBase:        4444,
		PortMax:         4460,
		LaunchRetries:   2,
		TeardownTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o := New(cfg, Deps{
		Runtime:   func(context.Context) (sandbox.Runtime, error) { return rt, nil },
		BuildLock: buildLock,
		PortLock:  portLock,
		Dialer:    dialer,
	}, testLogger())
	o.ports.probe = func(_ string, port int) bool { return !rt.IsBound(port) }
	return o, dialer
}

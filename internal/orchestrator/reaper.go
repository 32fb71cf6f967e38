package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tascord/embedder/internal/monitor"
	"github.com/tascord/embedder/internal/sandbox"
)

// AliveFunc reports whether a process with the given pid still exists.
type AliveFunc func(pid int) bool

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

type ReaperConfig struct {
	Interval time.Duration
	// Timeout bounds one sweep.
	Timeout time.Duration
}

// Reaper removes session containers whose owning process on this host is
// gone. Containers owned by this process or by another host are left alone.
type Reaper struct {
	resolve   RuntimeResolver
	alive     AliveFunc
	ownerPID  int
	ownerHost string
	config    ReaperConfig
	logger    *slog.Logger
	stopCh    chan struct{}
}

func NewReaper(o *Orchestrator, config ReaperConfig, logger *slog.Logger) *Reaper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Reaper{
		resolve:   o.Runtime,
		alive:     processAlive,
		ownerPID:  o.ownerPID,
		ownerHost: o.ownerHost,
		config:    config,
		logger:    logger.With("component", "reaper"),
		stopCh:    make(chan struct{}),
	}
}

// Start runs Sweep on every tick until Stop. It blocks.
func (r *Reaper) Start() {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("Reaper started", "interval", r.config.Interval)
	for {
		select {
		case <-r.stopCh:
			r.logger.Info("Reaper stopped")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("Sweep failed", "error", err)
			}
			cancel()
		}
	}
}

func (r *Reaper) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

// Sweep removes orphaned containers once and reports how many went.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	rt, err := r.resolve(ctx)
	if err != nil {
		return 0, err
	}
	list, err := rt.ListManaged(ctx)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, c := range list {
		if !r.orphaned(c) {
			continue
		}
		r.logger.Warn("Removing orphaned container",
			"container", c.Name,
			"owner_pid", c.OwnerPID(),
			"running", c.Running,
		)
		if err := rt.Remove(ctx, c.Name); err != nil && !errors.Is(err, sandbox.ErrContainerNotFound) {
			r.logger.Error("Failed to remove orphaned container", "container", c.Name, "error", err)
			continue
		}
		reaped++
	}

	if reaped > 0 {
		monitor.OrphansReaped.Add(float64(reaped))
		r.logger.Info("Sweep completed", "reaped", reaped)
	}
	return reaped, nil
}

func (r *Reaper) orphaned(c sandbox.ManagedContainer) bool {
	if c.OwnerHost() != r.ownerHost {
		return false
	}
	pid := c.OwnerPID()
	if pid <= 0 {
		// no owner recorded; not ours to judge
		return false
	}
	if pid == r.ownerPID {
		return false
	}
	return !r.alive(pid)
}

func hostname() string {
	h, _ := os.Hostname()
	return h
}

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/tascord/embedder/internal/lock"
	"github.com/tascord/embedder/internal/monitor"
)

// ProbeFunc reports whether host:port can be bound right now.
type ProbeFunc func(host string, port int) bool

func probeListen(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// PortAllocator hands out loopback ports. The scan runs under a
// cross-process lock; ports handed out stay reserved in this process until
// Release so concurrent launches never share one.
type PortAllocator struct {
	host   string
	base   int
	max    int
	lock   lock.Locker
	probe  ProbeFunc
	logger *slog.Logger

	mu       sync.Mutex
	reserved map[int]int
}

func NewPortAllocator(host string, base, max int, l lock.Locker, logger *slog.Logger) *PortAllocator {
	return &PortAllocator{
		host:     host,
		base:     base,
		max:      max,
		lock:     l,
		probe:    probeListen,
		logger:   logger.With("component", "port-allocator"),
		reserved: make(map[int]int),
	}
}

// Allocate returns preferred untouched when it is non-zero; otherwise the
// first free port in [base, max].
func (a *PortAllocator) Allocate(ctx context.Context, preferred int) (int, error) {
	if preferred > 0 {
		a.reserve(preferred)
		return preferred, nil
	}

	waitStart := time.Now()
	release, err := a.lock.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire port lock: %w", err)
	}
	monitor.LockWaitSeconds.WithLabelValues("port").Observe(time.Since(waitStart).Seconds())
	defer func() {
		if err := release(); err != nil {
			a.logger.Warn("Failed to release port lock", "error", err)
		}
	}()

	probed := 0
	for port := a.base; port <= a.max; port++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if a.isReserved(port) {
			continue
		}
		probed++
		if a.probe(a.host, port) {
			a.reserve(port)
			monitor.PortScanLength.Observe(float64(probed))
			a.logger.Debug("Allocated port", "port", port, "probed", probed)
			return port, nil
		}
	}

	monitor.PortScanLength.Observe(float64(probed))
	return 0, fmt.Errorf("%w: %d-%d", ErrPortsExhausted, a.base, a.max)
}

func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := a.reserved[port]; n > 1 {
		a.reserved[port] = n - 1
		return
	}
	delete(a.reserved, port)
}

func (a *PortAllocator) reserve(port int) {
	a.mu.Lock()
	a.reserved[port]++
	a.mu.Unlock()
}

func (a *PortAllocator) isReserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved[port] > 0
}

package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tascord/embedder/internal/lock"
	"github.com/tascord/embedder/internal/monitor"
	"github.com/tascord/embedder/internal/sandbox"
)

const defaultBuildTimeout = 10 * time.Minute

// ImageBuilder makes sure the session image exists, building it at most
// once at a time across every process sharing the build lock.
type ImageBuilder struct {
	image   string
	lock    lock.Locker
	recipe  func() io.Reader
	timeout time.Duration
	logger  *slog.Logger

	group singleflight.Group
	mu    sync.Mutex
	ready bool
}

func NewImageBuilder(image string, l lock.Locker, recipe func() io.Reader, logger *slog.Logger) *ImageBuilder {
	if recipe == nil {
		recipe = sandbox.Recipe
	}
	return &ImageBuilder{
		image:   image,
		lock:    l,
		recipe:  recipe,
		timeout: defaultBuildTimeout,
		logger:  logger.With("component", "image-builder", "image", image),
	}
}

func (b *ImageBuilder) Ensure(ctx context.Context, rt sandbox.Runtime) error {
	b.mu.Lock()
	ready := b.ready
	b.mu.Unlock()
	if ready {
		return nil
	}

	// Callers in this process share one attempt; the lock covers the rest.
	// The attempt outlives whichever caller started it, so one caller
	// giving up does not fail the others.
	ch := b.group.DoChan(b.image, func() (any, error) {
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
		defer cancel()
		return nil, b.ensure(buildCtx, rt)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (b *ImageBuilder) ensure(ctx context.Context, rt sandbox.Runtime) error {
	waitStart := time.Now()
	release, err := b.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire build lock: %w", err)
	}
	monitor.LockWaitSeconds.WithLabelValues("build").Observe(time.Since(waitStart).Seconds())
	defer func() {
		if err := release(); err != nil {
			b.logger.Warn("Failed to release build lock", "error", err)
		}
	}()

	exists, err := rt.ImageExists(ctx, b.image)
	if err != nil {
		return fmt.Errorf("check image: %w", err)
	}
	if !exists {
		b.logger.Info("Image missing, building")
		if err := rt.BuildImage(ctx, b.image, b.recipe()); err != nil {
			monitor.ImageBuilds.WithLabelValues("error").Inc()
			return err
		}
		monitor.ImageBuilds.WithLabelValues("ok").Inc()
	}

	b.mu.Lock()
	b.ready = true
	b.mu.Unlock()
	return nil
}

// Forget drops the cached "image present" state, e.g. after the image was
// removed out of band.
func (b *ImageBuilder) Forget() {
	b.mu.Lock()
	b.ready = false
	b.mu.Unlock()
}

package sandbox

import (
	"context"
	"io"
	"time"
)

// Runtime is the subset of a container engine the orchestrator drives.
// Containers are addressed by name everywhere.
type Runtime interface {
	Name() string
	ImageExists(ctx context.Context, image string) (bool, error)
	// BuildImage builds image from the recipe read from r. Build output is
	// discarded; failures wrap ErrBuildFailed.
	BuildImage(ctx context.Context, image string, r io.Reader) error
	// Run starts a detached container and returns its id. A host port
	// collision yields an error for which IsPortConflict is true.
	Run(ctx context.Context, spec RunSpec) (string, error)
	// Stop asks the container to exit, killing it after grace.
	Stop(ctx context.Context, name string, grace time.Duration) error
	Remove(ctx context.Context, name string) error
	IsRunning(ctx context.Context, name string) (bool, error)
	ListManaged(ctx context.Context) ([]ManagedContainer, error)
}

package orchestrator

import (
	"context"
	"time"

	"github.com/tascord/embedder/internal/browser"
	"github.com/tascord/embedder/internal/sandbox"
)

// RuntimeResolver produces the container runtime. It is called lazily on
// first launch and its successful result is kept.
type RuntimeResolver func(ctx context.Context) (sandbox.Runtime, error)

type Config struct {
	Image       string
	NamePrefix  string
	PublishHost string
	PortBase    int
	PortMax     int
	// LaunchRetries is how many extra attempts a launch gets after the
	// runtime reports a host port conflict.
	LaunchRetries   int
	TeardownTimeout time.Duration
	// StopGrace is how long a container may take to exit before it is killed.
	StopGrace time.Duration
	// BuildTimeout bounds one image build, independent of the callers
	// waiting on it.
	BuildTimeout    time.Duration
	MaxDownloadSize int64
	Capabilities    browser.Capabilities
}

func (c *Config) setDefaults() {
	if c.Image == "" {
		c.Image = "embedder-container"
	}
	if c.NamePrefix == "" {
		c.NamePrefix = "embedder"
	}
	if c.PublishHost == "" {
		c.PublishHost = "127.0.0.1"
	}
	if c.PortBase == 0 {
		c.PortBase = 4444
	}
	if c.PortMax == 0 {
		c.PortMax = c.PortBase + 1000
	}
	if c.PortMax > 65535 {
		c.PortMax = 65535
	}
	if c.LaunchRetries < 0 {
		c.LaunchRetries = 0
	}
	if c.TeardownTimeout == 0 {
		c.TeardownTimeout = 30 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = sandbox.DefaultStopGrace
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = defaultBuildTimeout
	}
	if c.MaxDownloadSize == 0 {
		c.MaxDownloadSize = 64 << 20
	}
}

// LaunchOptions requests one session.
type LaunchOptions struct {
	// Name is the logical session name; unique among live sessions.
	Name string
	// Capabilities override the orchestrator defaults field by field.
	Capabilities *browser.Capabilities
	// Port, when non-zero, is used as is without probing.
	Port int
}

// State is the lifecycle position of a Session.
type State int32

const (
	StateLaunching State = iota
	StateConnected
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLaunching:
		return "launching"
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Info is a point-in-time view of a session for listings.
type Info struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ContainerName string    `json:"container_name"`
	Port          int       `json:"port"`
	State         string    `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
}

package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docker/docker/client"
	"github.com/redis/go-redis/v9"

	"github.com/tascord/embedder/internal/browser"
	"github.com/tascord/embedder/internal/config"
	"github.com/tascord/embedder/internal/lock"
	"github.com/tascord/embedder/internal/metadata"
	"github.com/tascord/embedder/internal/orchestrator"
	"github.com/tascord/embedder/internal/sandbox"
)

const (
	runtimeCLI       = "cli"
	runtimeDockerAPI = "docker-api"

	lockFlock = "flock"
	lockRedis = "redis"

	buildLeaseKey = "embedder:lock:build"
	portLeaseKey  = "embedder:lock:port"
)

// NewRuntimeResolver picks the container runtime for cfg. The CLI path is
// located on first use so a runtime installed later is still found.
func NewRuntimeResolver(cfg config.RuntimeConfig, docker *client.Client, logger *slog.Logger) orchestrator.RuntimeResolver {
	if cfg.Kind == runtimeDockerAPI {
		return func(ctx context.Context) (sandbox.Runtime, error) {
			c := docker
			if c == nil {
				var err error
				if c, err = NewDockerClient(ctx); err != nil {
					return nil, err
				}
			}
			return sandbox.NewEngineRuntime(c, logger), nil
		}
	}
	return func(context.Context) (sandbox.Runtime, error) {
		path := cfg.Path
		if path == "" {
			var err error
			if path, err = sandbox.Locate(nil); err != nil {
				return nil, err
			}
		}
		return sandbox.NewCLIRuntime(path, logger), nil
	}
}

// NewLocks returns the build and port locks. Redis leases need rdb.
func NewLocks(cfg config.LockConfig, rdb redis.Cmdable, logger *slog.Logger) (build, port lock.Locker, err error) {
	switch cfg.Kind {
	case lockRedis:
		if rdb == nil {
			return nil, nil, fmt.Errorf("%w: lock.kind redis needs a redis client", config.ErrInvalid)
		}
		return lock.NewRedisLease(rdb, buildLeaseKey, cfg.LeaseTTL, cfg.Poll, logger),
			lock.NewRedisLease(rdb, portLeaseKey, cfg.LeaseTTL, cfg.Poll, logger), nil
	case lockFlock, "":
		return lock.NewFileLock(cfg.BuildPath, cfg.Poll), lock.NewFileLock(cfg.PortPath, cfg.Poll), nil
	default:
		return nil, nil, fmt.Errorf("%w: lock.kind %q", config.ErrInvalid, cfg.Kind)
	}
}

func NewOrchestrator(cfg *config.Config, docker *client.Client, rdb redis.Cmdable, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	buildLock, portLock, err := NewLocks(cfg.Lock, rdb, logger)
	if err != nil {
		return nil, err
	}

	s := cfg.Session
	return orchestrator.New(orchestrator.Config{
		Image:           cfg.Runtime.Image,
		NamePrefix:      s.NamePrefix,
		PublishHost:     cfg.Ports.PublishHost,
		PortBase:        cfg.Ports.Base,
		PortMax:         cfg.Ports.Max,
		LaunchRetries:   s.LaunchRetries,
		TeardownTimeout: s.TeardownTimeout,
		StopGrace:       s.StopGrace,
		BuildTimeout:    cfg.Runtime.BuildTimeout,
		MaxDownloadSize: s.MaxDownload,
		Capabilities: browser.Capabilities{
			UserAgent:      s.UserAgent,
			ViewportWidth:  s.ViewportWidth,
			ViewportHeight: s.ViewportHeight,
			Timeout:        s.PageTimeout,
		},
	}, orchestrator.Deps{
		Runtime:   NewRuntimeResolver(cfg.Runtime, docker, logger),
		BuildLock: buildLock,
		PortLock:  portLock,
		Dialer:    browser.NewRodDialer(s.ConnectTimeout, s.ConnectRetry, logger),
	}, logger), nil
}

func NewStaticFetcher(cfg config.FetchConfig, logger *slog.Logger) *metadata.StaticFetcher {
	return metadata.NewStaticFetcher(nil, metadata.StaticConfig{
		UserAgent: cfg.UserAgent,
		MaxBody:   cfg.MaxBody,
		Timeout:   cfg.Timeout,
	}, logger)
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tascord/embedder/internal/browser"
	"github.com/tascord/embedder/internal/lock"
	"github.com/tascord/embedder/internal/monitor"
	"github.com/tascord/embedder/internal/sandbox"
)

// container names must satisfy both podman and docker
var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,62}$`)

// Orchestrator launches and tracks browser sessions. It owns the image
// builder and port allocator; all state is per instance.
type Orchestrator struct {
	cfg        Config
	resolve    RuntimeResolver
	builder    *ImageBuilder
	ports      *PortAllocator
	dialer     browser.Dialer
	httpClient *http.Client
	logger     *slog.Logger
	ownerPID   int
	ownerHost  string

	rtMu sync.Mutex
	rt   sandbox.Runtime

	mu       sync.Mutex
	sessions map[string]*Session
	names    map[string]string
}

// Deps are the collaborators an Orchestrator is assembled from.
type Deps struct {
	Runtime    RuntimeResolver
	BuildLock  lock.Locker
	PortLock   lock.Locker
	Dialer     browser.Dialer
	HTTPClient *http.Client
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Orchestrator {
	cfg.setDefaults()
	logger = logger.With("component", "orchestrator")

	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	builder := NewImageBuilder(cfg.Image, deps.BuildLock, nil, logger)
	builder.timeout = cfg.BuildTimeout
	return &Orchestrator{
		cfg:        cfg,
		resolve:    deps.Runtime,
		builder:    builder,
		ports:      NewPortAllocator(cfg.PublishHost, cfg.PortBase, cfg.PortMax, deps.PortLock, logger),
		dialer:     deps.Dialer,
		httpClient: httpClient,
		logger:     logger,
		ownerPID:   os.Getpid(),
		ownerHost:  hostname(),
		sessions:   make(map[string]*Session),
		names:      make(map[string]string),
	}
}

// Runtime resolves the container runtime, caching only a success so a
// later install is picked up.
func (o *Orchestrator) Runtime(ctx context.Context) (sandbox.Runtime, error) {
	o.rtMu.Lock()
	defer o.rtMu.Unlock()
	if o.rt != nil {
		return o.rt, nil
	}
	rt, err := o.resolve(ctx)
	if err != nil {
		return nil, err
	}
	o.logger.Info("Using container runtime", "runtime", rt.Name())
	o.rt = rt
	return rt, nil
}

// EnsureImage builds the session image if it is missing.
func (o *Orchestrator) EnsureImage(ctx context.Context) error {
	rt, err := o.Runtime(ctx)
	if err != nil {
		return err
	}
	return o.builder.Ensure(ctx, rt)
}

func (o *Orchestrator) Launch(ctx context.Context, opts LaunchOptions) (*Session, error) {
	start := time.Now()
	sess, err := o.launch(ctx, opts)
	if err != nil {
		var le *LaunchError
		if errors.As(err, &le) {
			monitor.SessionLaunchErrors.WithLabelValues(string(le.Step)).Inc()
		}
		o.logger.Error("Launch failed", "name", opts.Name, "error", err)
		return nil, err
	}
	monitor.SessionLaunchLatency.Observe(time.Since(start).Seconds())
	monitor.SessionActiveCount.Inc()
	return sess, nil
}

func (o *Orchestrator) launch(ctx context.Context, opts LaunchOptions) (*Session, error) {
	name := opts.Name
	fail := func(step Step, err error) error {
		return &LaunchError{Step: step, Name: name, Err: err}
	}

	if !validName.MatchString(name) {
		return nil, fail(StepValidate, fmt.Errorf("%w: %q", ErrInvalidName, name))
	}
	if err := o.claimName(name); err != nil {
		return nil, fail(StepValidate, err)
	}
	registered := false
	defer func() {
		if !registered {
			o.releaseName(name)
		}
	}()

	rt, err := o.Runtime(ctx)
	if err != nil {
		return nil, fail(StepLocate, err)
	}
	if err := o.builder.Ensure(ctx, rt); err != nil {
		return nil, fail(StepBuild, err)
	}

	id := uuid.New().String()
	caps := o.capabilities(opts.Capabilities)
	logger := o.logger.With("session_id", id, "name", name)

	var (
		port          int
		containerName string
	)
	for attempt := 0; ; attempt++ {
		port, err = o.ports.Allocate(ctx, opts.Port)
		if err != nil {
			return nil, fail(StepAllocate, err)
		}

		containerName = sandbox.ContainerName(o.cfg.NamePrefix, name, strings.ReplaceAll(id, "-", "")[:8]+suffixFor(attempt))
		_, err = rt.Run(ctx, sandbox.RunSpec{
			Image:         o.cfg.Image,
			Name:          containerName,
			HostIP:        o.cfg.PublishHost,
			HostPort:      port,
			ContainerPort: port,
			Labels:        sandbox.ManagedLabels(id, o.ownerPID, o.ownerHost),
		})
		if err == nil {
			break
		}

		o.ports.Release(port)
		o.discard(rt, containerName, logger)
		if sandbox.IsImageNotFound(err) {
			// removed behind our back; the next launch rebuilds it
			o.builder.Forget()
		}
		if sandbox.IsPortConflict(err) && opts.Port == 0 && attempt < o.cfg.LaunchRetries {
			monitor.SessionLaunchRetries.Inc()
			logger.Warn("Port taken before container bound it, retrying", "port", port, "attempt", attempt+1)
			continue
		}
		return nil, fail(StepStart, err)
	}

	logger = logger.With("container", containerName, "port", port)
	addr := net.JoinHostPort(o.cfg.PublishHost, strconv.Itoa(port))
	client, err := o.dialer.Dial(ctx, addr, caps)
	if err != nil {
		o.discard(rt, containerName, logger)
		o.ports.Release(port)
		return nil, fail(StepConnect, fmt.Errorf("%w: %w", ErrConnect, err))
	}

	sess := &Session{
		id:            id,
		name:          name,
		containerName: containerName,
		port:          port,
		client:        client,
		rt:            rt,
		httpClient:    o.httpClient,
		maxDownload:   o.cfg.MaxDownloadSize,
		teardown:      o.cfg.TeardownTimeout,
		stopGrace:     o.cfg.StopGrace,
		onClose:       o.forget,
		logger:        logger,
		state:         StateConnected,
		createdAt:     time.Now(),
	}

	o.mu.Lock()
	o.sessions[id] = sess
	o.names[name] = id
	o.mu.Unlock()
	registered = true

	logger.Info("Session launched")
	return sess, nil
}

func suffixFor(attempt int) string {
	if attempt == 0 {
		return ""
	}
	return "-" + strconv.Itoa(attempt)
}

func (o *Orchestrator) capabilities(override *browser.Capabilities) browser.Capabilities {
	caps := o.cfg.Capabilities
	if override == nil {
		return caps
	}
	if override.UserAgent != "" {
		caps.UserAgent = override.UserAgent
	}
	if len(override.Headers) > 0 {
		caps.Headers = override.Headers
	}
	if override.ViewportWidth > 0 && override.ViewportHeight > 0 {
		caps.ViewportWidth = override.ViewportWidth
		caps.ViewportHeight = override.ViewportHeight
	}
	if override.Timeout > 0 {
		caps.Timeout = override.Timeout
	}
	return caps
}

// discard removes a container that never became a session.
func (o *Orchestrator) discard(rt sandbox.Runtime, name string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.TeardownTimeout)
	defer cancel()
	if err := rt.Remove(ctx, name); err != nil && !errors.Is(err, sandbox.ErrContainerNotFound) {
		monitor.TeardownFailures.Inc()
		logger.Warn("Failed to remove unused container", "container", name, "error", err)
	}
}

func (o *Orchestrator) claimName(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, taken := o.names[name]; taken {
		return fmt.Errorf("%w: %q", ErrSessionExists, name)
	}
	o.names[name] = ""
	return nil
}

func (o *Orchestrator) releaseName(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.names[name] == "" {
		delete(o.names, name)
	}
}

// forget runs once per session after its teardown.
func (o *Orchestrator) forget(s *Session) {
	o.ports.Release(s.port)
	o.mu.Lock()
	delete(o.sessions, s.id)
	if o.names[s.name] == s.id {
		delete(o.names, s.name)
	}
	o.mu.Unlock()
	monitor.SessionActiveCount.Dec()
}

// WithSession launches a session, runs fn and always closes the session.
// A teardown failure is logged; fn's error is returned.
func (o *Orchestrator) WithSession(ctx context.Context, opts LaunchOptions, fn func(*Session) error) error {
	sess, err := o.Launch(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(ctx); cerr != nil {
			o.logger.Warn("Session teardown reported errors", "session_id", sess.ID(), "error", cerr)
		}
	}()
	return fn(sess)
}

func (o *Orchestrator) Get(id string) (*Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Sessions lists live sessions, oldest first.
func (o *Orchestrator) Sessions() []Info {
	o.mu.Lock()
	list := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		list = append(list, s)
	}
	o.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].createdAt.Before(list[j].createdAt) })
	infos := make([]Info, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	return infos
}

// Close tears down the session with the given id.
func (o *Orchestrator) Close(ctx context.Context, id string) error {
	s, err := o.Get(id)
	if err != nil {
		return err
	}
	return s.Close(ctx)
}

// Shutdown closes every live session concurrently.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	list := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		list = append(list, s)
	}
	o.mu.Unlock()

	if len(list) == 0 {
		return nil
	}
	o.logger.Info("Closing sessions on shutdown", "count", len(list))

	var (
		errMu sync.Mutex
		errs  []error
	)
	var g errgroup.Group
	for _, s := range list {
		g.Go(func() error {
			if err := s.Close(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tascord/embedder/internal/browser"
	"github.com/tascord/embedder/internal/eventbus"
	"github.com/tascord/embedder/internal/job"
	"github.com/tascord/embedder/internal/metadata"
	"github.com/tascord/embedder/internal/monitor"
	"github.com/tascord/embedder/internal/orchestrator"
)

// Service ties the fetch strategies, the session orchestrator and the job
// queue together for the API, the CLI and the worker.
type Service struct {
	Orchestrator *orchestrator.Orchestrator
	// Jobs is nil when no queue is configured.
	Jobs   *job.Manager
	Bus    eventbus.EventBus
	Logger *slog.Logger

	strategies map[job.Mode]Strategy
}

func NewService(
	orch *orchestrator.Orchestrator,
	static *metadata.StaticFetcher,
	jobs *job.Manager,
	bus eventbus.EventBus,
	logger *slog.Logger,
) *Service {
	logger = logger.With("component", "service")
	s := &Service{
		Orchestrator: orch,
		Jobs:         jobs,
		Bus:          bus,
		Logger:       logger,
		strategies:   make(map[job.Mode]Strategy),
	}
	s.Register(NewStaticStrategy(static))
	s.Register(NewRenderedStrategy(orch, bus, logger))
	return s
}

// Register adds or replaces the strategy for its mode.
func (s *Service) Register(st Strategy) {
	s.strategies[st.Mode()] = st
}

// Fetch extracts metadata from url using the strategy for mode.
func (s *Service) Fetch(ctx context.Context, url string, mode job.Mode) (*metadata.WebData, error) {
	if err := job.ValidateURL(url); err != nil {
		return nil, err
	}
	st, ok := s.strategies[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	start := time.Now()
	data, err := st.Fetch(ctx, url)
	monitor.FetchLatency.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	if err != nil {
		monitor.FetchTotal.WithLabelValues(string(mode), "error").Inc()
		s.Logger.Warn("Fetch failed", "url", url, "mode", mode, "error", err)
		return nil, err
	}
	monitor.FetchTotal.WithLabelValues(string(mode), "ok").Inc()
	return data, nil
}

func (s *Service) FetchStatic(ctx context.Context, url string) (*metadata.WebData, error) {
	return s.Fetch(ctx, url, job.ModeStatic)
}

func (s *Service) FetchRendered(ctx context.Context, url string) (*metadata.WebData, error) {
	return s.Fetch(ctx, url, job.ModeRendered)
}

// DownloadRequest names a page and the element whose attribute holds the
// link to download. Override, when set, is used instead of the element.
type DownloadRequest struct {
	URL      string
	Locator  browser.Locator
	Attr     string
	Override string
}

// Download fetches a file through a disposable browser session.
func (s *Service) Download(ctx context.Context, req DownloadRequest) ([]byte, error) {
	if err := job.ValidateURL(req.URL); err != nil {
		return nil, err
	}
	if req.Override == "" && req.Locator.IsZero() {
		return nil, fmt.Errorf("%w: selector or override required", ErrInvalidRequest)
	}
	if req.Attr == "" {
		req.Attr = "href"
	}

	var body []byte
	err := withSession(ctx, s.Orchestrator, s.Bus, s.Logger, "download", func(sess *orchestrator.Session) error {
		var err error
		body, err = sess.DownloadVia(ctx, req.URL, req.Locator, req.Attr, req.Override)
		return err
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// SubmitFetch queues a fetch for the worker and returns the pending job.
func (s *Service) SubmitFetch(ctx context.Context, url string, mode job.Mode) (*job.Job, error) {
	if s.Jobs == nil {
		return nil, ErrJobsDisabled
	}
	if _, ok := s.strategies[mode]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return s.Jobs.Submit(ctx, url, mode)
}

func (s *Service) GetFetch(ctx context.Context, id string) (*job.Job, error) {
	if s.Jobs == nil {
		return nil, ErrJobsDisabled
	}
	return s.Jobs.Get(ctx, id)
}

func (s *Service) ListSessions() []orchestrator.Info {
	return s.Orchestrator.Sessions()
}

// CloseSession tears down a live session, e.g. one stuck on a slow page.
func (s *Service) CloseSession(ctx context.Context, id string) error {
	if err := s.Orchestrator.Close(ctx, id); err != nil {
		return err
	}
	publish(ctx, s.Bus, s.Logger, eventbus.Event{Type: eventbus.EventSessionClosed, Subject: id})
	return nil
}

// WatchFetch subscribes to a job's completion events and then returns its
// current state, so a job that finished in between is seen either way.
func (s *Service) WatchFetch(ctx context.Context, id string) (*job.Job, <-chan eventbus.Event, error) {
	if s.Jobs == nil {
		return nil, nil, ErrJobsDisabled
	}
	if s.Bus == nil {
		return nil, nil, fmt.Errorf("%w: no event bus", ErrJobsDisabled)
	}
	events, err := s.Bus.Subscribe(ctx, eventbus.JobTopic(id))
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe to job %s: %w", id, err)
	}
	j, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return j, events, nil
}

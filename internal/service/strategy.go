package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"

	"github.com/tascord/embedder/internal/eventbus"
	"github.com/tascord/embedder/internal/job"
	"github.com/tascord/embedder/internal/metadata"
	"github.com/tascord/embedder/internal/orchestrator"
)

var (
	_ Strategy = (*StaticStrategy)(nil)
	_ Strategy = (*RenderedStrategy)(nil)
)

// Strategy is one way of turning a URL into metadata.
type Strategy interface {
	Mode() job.Mode
	Fetch(ctx context.Context, url string) (*metadata.WebData, error)
}

// StaticStrategy parses the HTML the server returns; no browser involved.
type StaticStrategy struct {
	fetcher *metadata.StaticFetcher
}

func NewStaticStrategy(fetcher *metadata.StaticFetcher) *StaticStrategy {
	return &StaticStrategy{fetcher: fetcher}
}

func (s *StaticStrategy) Mode() job.Mode {
	return job.ModeStatic
}

func (s *StaticStrategy) Fetch(ctx context.Context, url string) (*metadata.WebData, error) {
	return s.fetcher.Fetch(ctx, url)
}

// RenderedStrategy loads the page in a disposable browser session so
// script-generated tags are seen.
type RenderedStrategy struct {
	orch   *orchestrator.Orchestrator
	bus    eventbus.EventBus
	logger *slog.Logger
}

func NewRenderedStrategy(orch *orchestrator.Orchestrator, bus eventbus.EventBus, logger *slog.Logger) *RenderedStrategy {
	return &RenderedStrategy{orch: orch, bus: bus, logger: logger}
}

func (r *RenderedStrategy) Mode() job.Mode {
	return job.ModeRendered
}

func (r *RenderedStrategy) Fetch(ctx context.Context, url string) (*metadata.WebData, error) {
	var data *metadata.WebData
	err := withSession(ctx, r.orch, r.bus, r.logger, "fetch", func(s *orchestrator.Session) error {
		if err := s.Navigate(ctx, url); err != nil {
			return err
		}
		// extract against where the browser ended up
		final, err := s.URL(ctx)
		if err != nil || final == "" {
			final = url
		}
		data, err = metadata.Extract(ctx, s, final)
		return err
	})
	return data, err
}

// withSession runs fn in a fresh session named prefix-<random> and
// announces its lifecycle on the bus.
func withSession(ctx context.Context, orch *orchestrator.Orchestrator, bus eventbus.EventBus, logger *slog.Logger,
	prefix string, fn func(*orchestrator.Session) error) error {
	var id string
	err := orch.WithSession(ctx, orchestrator.LaunchOptions{Name: sessionName(prefix)}, func(s *orchestrator.Session) error {
		id = s.ID()
		publish(ctx, bus, logger, eventbus.Event{Type: eventbus.EventSessionLaunched, Subject: id, Payload: s.Info()})
		return fn(s)
	})
	if id != "" {
		publish(context.WithoutCancel(ctx), bus, logger, eventbus.Event{Type: eventbus.EventSessionClosed, Subject: id})
	}
	return err
}

func sessionName(prefix string) string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return prefix + "-" + hex.EncodeToString(b)
}

func publish(ctx context.Context, bus eventbus.EventBus, logger *slog.Logger, ev eventbus.Event) {
	if bus == nil {
		return
	}
	if err := bus.Publish(ctx, eventbus.SessionsTopic, ev); err != nil {
		logger.Warn("Failed to publish session event", "type", ev.Type, "error", err)
	}
}

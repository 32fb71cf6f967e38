package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tascord/embedder/internal/browser"
	"github.com/tascord/embedder/internal/browser/browsertest"
	"github.com/tascord/embedder/internal/eventbus"
	"github.com/tascord/embedder/internal/job"
	"github.com/tascord/embedder/internal/job/jobtest"
	"github.com/tascord/embedder/internal/lock"
	"github.com/tascord/embedder/internal/metadata"
	"github.com/tascord/embedder/internal/orchestrator"
	"github.com/tascord/embedder/internal/sandbox"
	"github.com/tascord/embedder/internal/sandbox/sandboxtest"
	"github.com/tascord/embedder/internal/service"
)

type recordingBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *recordingBus) Publish(_ context.Context, _ string, ev eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan eventbus.Event, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) types() []eventbus.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]eventbus.EventType, 0, len(b.events))
	for _, ev := range b.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	svc   *service.Service
	rt    *sandboxtest.Runtime
	bus   *recordingBus
	queue *jobtest.Queue
}

func newFixture(t *testing.T, pages map[string]string, client *http.Client, withJobs bool) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	rt := sandboxtest.NewRuntime()
	bus := &recordingBus{}

	orch := orchestrator.New(orchestrator.Config{
		PortBase:        47100,
		PortMax:         47199,
		TeardownTimeout: 5 * time.Second,
	}, orchestrator.Deps{
		Runtime:    func(context.Context) (sandbox.Runtime, error) { return rt, nil },
		BuildLock:  lock.NewFileLock(filepath.Join(dir, "build.lock"), 10*time.Millisecond),
		PortLock:   lock.NewFileLock(filepath.Join(dir, "port.lock"), 10*time.Millisecond),
		Dialer:     &browsertest.Dialer{Pages: pages},
		HTTPClient: client,
	}, logger)

	f := &fixture{rt: rt, bus: bus}
	var jobs *job.Manager
	if withJobs {
		f.queue = &jobtest.Queue{}
		jobs = job.NewManager(jobtest.NewRepository(), f.queue, job.ManagerConfig{}, logger)
	}
	static := metadata.NewStaticFetcher(client, metadata.StaticConfig{UserAgent: "embedder-test"}, logger)
	f.svc = service.NewService(orch, static, jobs, bus, logger)
	return f
}

const page = `<html><head>
<title>Rendered</title>
<meta property="og:type" content="video.movie">
<meta name="theme-color" content="#000">
</head><body><a class="dl" href="/files/report.pdf">report</a></body></html>`

func TestService_FetchRendered(t *testing.T) {
	f := newFixture(t, map[string]string{"https://movies.example/m/1": page}, nil, false)

	data, err := f.svc.FetchRendered(context.Background(), "https://movies.example/m/1")
	require.NoError(t, err)
	assert.Equal(t, "Rendered", data.Title)
	assert.Equal(t, metadata.MediaVideoMovie, data.Type)
	require.NotNil(t, data.Colour)
	assert.Equal(t, "#000", *data.Colour)

	assert.Equal(t, 0, f.rt.Live())
	assert.Empty(t, f.svc.ListSessions())
	assert.Equal(t, []eventbus.EventType{eventbus.EventSessionLaunched, eventbus.EventSessionClosed}, f.bus.types())
}

func TestService_FetchRenderedNavigationFailure(t *testing.T) {
	f := newFixture(t, map[string]string{}, nil, false)

	_, err := f.svc.FetchRendered(context.Background(), "https://nowhere.example/")
	assert.ErrorIs(t, err, orchestrator.ErrNavigation)
	assert.Equal(t, 0, f.rt.Live())
}

func TestService_FetchStatic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, page)
	}))
	defer srv.Close()

	f := newFixture(t, nil, srv.Client(), false)
	data, err := f.svc.FetchStatic(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, metadata.MediaVideoMovie, data.Type)

	// static fetches never start a container
	assert.Empty(t, f.rt.Runs())
}

func TestService_FetchRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil, nil, false)
	ctx := context.Background()

	_, err := f.svc.Fetch(ctx, "not a url", job.ModeStatic)
	assert.ErrorIs(t, err, job.ErrInvalidURL)

	_, err = f.svc.Fetch(ctx, "https://example.com", job.Mode("telepathy"))
	assert.ErrorIs(t, err, service.ErrUnknownMode)
}

func TestService_Download(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/files/report.pdf" {
			_, _ = io.WriteString(w, "%PDF-1.7")
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	pageURL := srv.URL + "/reports"
	f := newFixture(t, map[string]string{pageURL: page}, srv.Client(), false)
	ctx := context.Background()

	body, err := f.svc.Download(ctx, service.DownloadRequest{URL: pageURL, Locator: browser.CSS("a.dl")})
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(body))

	_, err = f.svc.Download(ctx, service.DownloadRequest{URL: pageURL})
	assert.ErrorIs(t, err, service.ErrInvalidRequest)

	_, err = f.svc.Download(ctx, service.DownloadRequest{URL: pageURL, Locator: browser.CSS("a.missing")})
	assert.ErrorIs(t, err, orchestrator.ErrElementNotFound)

	assert.Equal(t, 0, f.rt.Live())
}

func TestService_Jobs(t *testing.T) {
	ctx := context.Background()

	disabled := newFixture(t, nil, nil, false)
	_, err := disabled.svc.SubmitFetch(ctx, "https://example.com", job.ModeStatic)
	assert.ErrorIs(t, err, service.ErrJobsDisabled)
	_, err = disabled.svc.GetFetch(ctx, "x")
	assert.ErrorIs(t, err, service.ErrJobsDisabled)

	f := newFixture(t, nil, nil, true)
	j, err := f.svc.SubmitFetch(ctx, "https://example.com", job.ModeRendered)
	require.NoError(t, err)
	assert.Len(t, f.queue.Tasks, 1)

	got, err := f.svc.GetFetch(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
}

func TestService_CloseSessionUnknown(t *testing.T) {
	f := newFixture(t, nil, nil, false)
	err := f.svc.CloseSession(context.Background(), "missing")
	assert.ErrorIs(t, err, orchestrator.ErrSessionNotFound)
}

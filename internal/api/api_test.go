package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// chanBus hands out one channel per topic so tests can push events.
type chanBus struct {
	mu         sync.Mutex
	subs       map[string]chan eventbus.Event
	subscribed chan string
}

func newChanBus() *chanBus {
	return &chanBus{subs: make(map[string]chan eventbus.Event), subscribed: make(chan string, 8)}
}

func (b *chanBus) Publish(_ context.Context, topic string, ev eventbus.Event) error {
	b.mu.Lock()
	ch, ok := b.subs[topic]
	b.mu.Unlock()
	if ok {
		ch <- ev
	}
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, topic string) (<-chan eventbus.Event, error) {
	ch := make(chan eventbus.Event, 4)
	b.mu.Lock()
	b.subs[topic] = ch
	b.mu.Unlock()
	b.subscribed <- topic
	return ch, nil
}

type apiFixture struct {
	router *gin.Engine
	rt     *sandboxtest.Runtime
	repo   *jobtest.Repository
	bus    *chanBus
}

const sitePage = `<html><head>
<title>Station</title>
<meta property="og:type" content="music.radio_station">
</head><body><a id="get" href="/files/a.txt">a</a></body></html>`

func newAPIFixture(t *testing.T, pages map[string]string, client *http.Client, withJobs bool) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	rt := sandboxtest.NewRuntime()

	orch := orchestrator.New(orchestrator.Config{
		PortBase:        47200,
		PortMax:         47299,
		TeardownTimeout: 5 * time.Second,
	}, orchestrator.Deps{
		Runtime:    func(context.Context) (sandbox.Runtime, error) { return rt, nil },
		BuildLock:  lock.NewFileLock(filepath.Join(dir, "build.lock"), 10*time.Millisecond),
		PortLock:   lock.NewFileLock(filepath.Join(dir, "port.lock"), 10*time.Millisecond),
		Dialer:     &browsertest.Dialer{Pages: pages},
		HTTPClient: client,
	}, logger)

	f := &apiFixture{rt: rt, bus: newChanBus()}
	var jobs *job.Manager
	if withJobs {
		f.repo = jobtest.NewRepository()
		jobs = job.NewManager(f.repo, &jobtest.Queue{}, job.ManagerConfig{}, logger)
	}
	static := metadata.NewStaticFetcher(client, metadata.StaticConfig{}, logger)
	svc := service.NewService(orch, static, jobs, f.bus, logger)
	f.router = NewRouter(svc, logger)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, nil, nil, false)
	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "ok", resp.Status)
	assert.False(t, resp.Jobs)
}

func TestCreateFetch_Wait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, sitePage)
	}))
	defer srv.Close()
	f := newAPIFixture(t, map[string]string{"https://radio.example/": sitePage}, srv.Client(), false)

	w := f.do(t, http.MethodPost, "/api/v1/fetches", FetchRequest{URL: srv.URL, Wait: true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[FetchResponse](t, w)
	assert.Equal(t, "static", resp.Mode)
	assert.Equal(t, "Station", resp.Result.Title)

	w = f.do(t, http.MethodPost, "/api/v1/fetches", FetchRequest{URL: "https://radio.example/", Mode: "rendered", Wait: true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decode[FetchResponse](t, w)
	assert.Equal(t, metadata.MediaMusicRadioStation, resp.Result.Type)
	assert.Equal(t, 0, f.rt.Live())
}

func TestCreateFetch_BadRequests(t *testing.T) {
	f := newAPIFixture(t, nil, nil, true)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing url", map[string]any{"mode": "static"}, http.StatusBadRequest},
		{"unknown mode", map[string]any{"url": "https://a.example", "mode": "psychic"}, http.StatusBadRequest},
		{"bad scheme", map[string]any{"url": "ftp://a.example", "wait": true}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/fetches", tt.body)
			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.want, decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestCreateFetch_RenderedNavigationFailure(t *testing.T) {
	f := newAPIFixture(t, map[string]string{}, nil, false)
	w := f.do(t, http.MethodPost, "/api/v1/fetches", FetchRequest{URL: "https://gone.example/", Mode: "rendered", Wait: true})
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestFetchJobs(t *testing.T) {
	f := newAPIFixture(t, nil, nil, true)

	w := f.do(t, http.MethodPost, "/api/v1/fetches", FetchRequest{URL: "https://a.example/x", Mode: "rendered"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	created := decode[JobResponse](t, w)
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, "/api/v1/fetches/"+created.ID, w.Header().Get("Location"))

	w = f.do(t, http.MethodGet, "/api/v1/fetches/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, decode[JobResponse](t, w).ID)

	w = f.do(t, http.MethodGet, "/api/v1/fetches/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFetchJobs_Disabled(t *testing.T) {
	f := newAPIFixture(t, nil, nil, false)
	w := f.do(t, http.MethodPost, "/api/v1/fetches", FetchRequest{URL: "https://a.example/"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStreamFetch(t *testing.T) {
	f := newAPIFixture(t, nil, nil, true)
	srv := httptest.NewServer(f.router)
	defer srv.Close()
	ctx := context.Background()

	j, err := f.repo.GetByID(ctx, submit(t, f))
	require.NoError(t, err)

	done := make(chan string, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/api/v1/fetches/" + j.ID + "/stream")
		if err != nil {
			done <- err.Error()
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		done <- string(body)
	}()

	select {
	case topic := <-f.bus.subscribed:
		assert.Equal(t, eventbus.JobTopic(j.ID), topic)
	case <-time.After(5 * time.Second):
		t.Fatal("stream never subscribed")
	}
	require.NoError(t, f.bus.Publish(ctx, eventbus.JobTopic(j.ID), eventbus.Event{
		Type:      eventbus.EventJobCompleted,
		Subject:   j.ID,
		Timestamp: time.Now(),
	}))

	select {
	case body := <-done:
		assert.Contains(t, body, "event:message")
		assert.Contains(t, body, `"type":"job.completed"`)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after completion")
	}
}

func TestStreamFetch_AlreadyFinished(t *testing.T) {
	f := newAPIFixture(t, nil, nil, true)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	id := submit(t, f)
	require.NoError(t, f.repo.Fail(context.Background(), id, "boom"))

	resp, err := http.Get(srv.URL + "/api/v1/fetches/" + id + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	// gin appends a charset when it writes the first event
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"))
	assert.Contains(t, string(body), `"type":"job.failed"`)
	assert.Contains(t, string(body), "boom")
}

func submit(t *testing.T, f *apiFixture) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/fetches", FetchRequest{URL: "https://a.example/"})
	require.Equal(t, http.StatusAccepted, w.Code)
	return decode[JobResponse](t, w).ID
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/files/a.txt" {
			_, _ = io.WriteString(w, "plain text payload")
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()
	pageURL := srv.URL + "/station"
	f := newAPIFixture(t, map[string]string{pageURL: sitePage}, srv.Client(), false)

	w := f.do(t, http.MethodPost, "/api/v1/downloads", DownloadRequest{URL: pageURL, Selector: "#get"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "plain text payload", w.Body.String())
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))

	w = f.do(t, http.MethodPost, "/api/v1/downloads", DownloadRequest{URL: pageURL, Selector: "#nope"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/downloads", DownloadRequest{URL: pageURL, Selector: "#get", XPath: "//a"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/downloads", DownloadRequest{URL: pageURL})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/downloads", DownloadRequest{URL: pageURL, Override: "/missing"})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	assert.Equal(t, 0, f.rt.Live())
}

func TestSessions(t *testing.T) {
	f := newAPIFixture(t, nil, nil, false)

	w := f.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[SessionListResponse](t, w).Sessions)

	w = f.do(t, http.MethodDelete, "/api/v1/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMapServiceError(t *testing.T) {
	launch := &orchestrator.LaunchError{Step: orchestrator.StepAllocate, Name: "x", Err: orchestrator.ErrPortsExhausted}
	assert.Equal(t, http.StatusServiceUnavailable, mapServiceError(launch))
	assert.Equal(t, http.StatusNotFound, mapServiceError(job.ErrNotFound))
	assert.Equal(t, http.StatusConflict, mapServiceError(orchestrator.ErrSessionExists))
	assert.Equal(t, http.StatusGatewayTimeout, mapServiceError(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, mapServiceError(io.ErrUnexpectedEOF))
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tascord/embedder/internal/browser"
	"github.com/tascord/embedder/internal/metadata"
	"github.com/tascord/embedder/internal/sandbox"
	"github.com/tascord/embedder/internal/sandbox/sandboxtest"
)

const testPage = "https://example.test/page"

func TestLaunch_TwoSessionsAndTeardown(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	o, dialer := newTestOrchestrator(t, rt, map[string]string{testPage: "<title>t</title>"}, nil)
	ctx := context.Background()

	s1, err := o.Launch(ctx, LaunchOptions{Name: "s1"})
	require.NoError(t, err)
	s2, err := o.Launch(ctx, LaunchOptions{Name: "s2", Port: 4500})
	require.NoError(t, err)

	assert.Equal(t, 4444, s1.Port())
	assert.Equal(t, 4500, s2.Port())
	assert.Equal(t, "s1", s1.Name())
	assert.True(t, strings.HasPrefix(s1.ContainerName(), "embedder-s1-"))
	assert.True(t, strings.HasPrefix(s2.ContainerName(), "embedder-s2-"))
	assert.Equal(t, []string{"127.0.0.1:4444", "127.0.0.1:4500"}, dialer.Addrs)
	assert.Equal(t, 1, rt.Builds())
	assert.Len(t, o.Sessions(), 2)

	spec := rt.Runs()[0]
	assert.Equal(t, "embedder-container", spec.Image)
	assert.Equal(t, 4444, spec.HostPort)
	assert.Equal(t, sandbox.ManagedByValue, spec.Labels[sandbox.LabelManagedBy])
	assert.Equal(t, s1.ID(), spec.Labels[sandbox.LabelSession])

	require.NoError(t, s1.Close(ctx))
	require.NoError(t, s2.Close(ctx))

	assert.Equal(t, 0, rt.Live())
	assert.Empty(t, o.Sessions())
	assert.True(t, dialer.Clients[0].Closed())
	assert.True(t, dialer.Clients[1].Closed())
	assert.Equal(t, StateClosed, s1.State())
}

func TestLaunch_RejectsInvalidAndDuplicateNames(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	o, _ := newTestOrchestrator(t, rt, nil, nil)
	ctx := context.Background()

	_, err := o.Launch(ctx, LaunchOptions{Name: "has space"})
	assert.True(t, errors.Is(err, ErrInvalidName))

	s, err := o.Launch(ctx, LaunchOptions{Name: "dup"})
	require.NoError(t, err)

	_, err = o.Launch(ctx, LaunchOptions{Name: "dup"})
	var le *LaunchError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, StepValidate, le.Step)
	assert.True(t, errors.Is(err, ErrSessionExists))

	// the name frees up after teardown
	require.NoError(t, s.Close(ctx))
	s, err = o.Launch(ctx, LaunchOptions{Name: "dup"})
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))
}

func TestLaunch_RetriesOnPortConflict(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	rt.Conflicts = 1
	o, _ := newTestOrchestrator(t, rt, nil, nil)

	s, err := o.Launch(context.Background(), LaunchOptions{Name: "racy"})
	require.NoError(t, err)
	defer s.Close(context.Background())

	assert.Equal(t, 4445, s.Port())
	require.Len(t, rt.Runs(), 2)
	assert.Equal(t, 4444, rt.Runs()[0].HostPort)
	assert.True(t, strings.HasSuffix(s.ContainerName(), "-1"))
	assert.Contains(t, rt.Removed(), rt.Runs()[0].Name)
}

func TestLaunch_PortConflictWithPreferredPortFails(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	rt.Conflicts = 1
	o, _ := newTestOrchestrator(t, rt, nil, nil)

	_, err := o.Launch(context.Background(), LaunchOptions{Name: "pinned", Port: 4450})
	var le *LaunchError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, StepStart, le.Step)
	assert.True(t, errors.Is(err, sandbox.ErrPortConflict))
	assert.Len(t, rt.Runs(), 1)
}

func TestLaunch_ExhaustedPorts(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	o, _ := newTestOrchestrator(t, rt, nil, func(c *Config) {
		c.PortBase = 4444
		c.PortMax = 4444
	})

	s, err := o.Launch(context.Background(), LaunchOptions{Name: "a"})
	require.NoError(t, err)
	defer s.Close(context.Background())

	_, err = o.Launch(context.Background(), LaunchOptions{Name: "b"})
	var le *LaunchError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, StepAllocate, le.Step)
	assert.True(t, errors.Is(err, ErrPortsExhausted))
}

func TestLaunch_ConnectFailureRemovesContainer(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	o, dialer := newTestOrchestrator(t, rt, nil, nil)
	dialer.Err = browser.ErrUnreachable

	_, err := o.Launch(context.Background(), LaunchOptions{Name: "noconn"})
	var le *LaunchError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, StepConnect, le.Step)
	assert.True(t, errors.Is(err, ErrConnect))
	assert.True(t, errors.Is(err, browser.ErrUnreachable))

	assert.Equal(t, 0, rt.Live())
	assert.Len(t, rt.Removed(), 1)
	assert.Empty(t, o.Sessions())

	// the port went back to the pool
	dialer.Err = nil
	s, err := o.Launch(context.Background(), LaunchOptions{Name: "noconn"})
	require.NoError(t, err)
	defer s.Close(context.Background())
	assert.Equal(t, 4444, s.Port())
}

func TestLaunch_RuntimeFailureIsNotCached(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	o, _ := newTestOrchestrator(t, rt, nil, nil)
	calls := 0
	o.resolve = func(context.Context) (sandbox.Runtime, error) {
		calls++
		if calls == 1 {
			return nil, sandbox.ErrToolingMissing
		}
		return rt, nil
	}

	_, err := o.Launch(context.Background(), LaunchOptions{Name: "x"})
	var le *LaunchError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, StepLocate, le.Step)
	assert.True(t, errors.Is(err, sandbox.ErrToolingMissing))

	s, err := o.Launch(context.Background(), LaunchOptions{Name: "x"})
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestLaunch_BuildFailure(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	rt.BuildErr = sandbox.ErrBuildFailed
	o, _ := newTestOrchestrator(t, rt, nil, nil)

	_, err := o.Launch(context.Background(), LaunchOptions{Name: "x"})
	var le *LaunchError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, StepBuild, le.Step)
	assert.Empty(t, rt.Runs())
}

func TestLaunch_MissingImageIsRebuilt(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	o, _ := newTestOrchestrator(t, rt, nil, nil)
	ctx := context.Background()

	require.NoError(t, o.EnsureImage(ctx))
	require.Equal(t, 1, rt.Builds())

	// the image disappears and the runtime says so on the next run
	rt.DropImage()
	rt.SetRunErr(fmt.Errorf("%w: Unable to find image 'embedder-container:latest' locally", sandbox.ErrImageNotFound))
	_, err := o.Launch(ctx, LaunchOptions{Name: "gone"})
	var le *LaunchError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, StepStart, le.Step)
	assert.True(t, errors.Is(err, sandbox.ErrImageNotFound))

	rt.SetRunErr(nil)
	s, err := o.Launch(ctx, LaunchOptions{Name: "gone"})
	require.NoError(t, err)
	assert.Equal(t, 2, rt.Builds())
	require.NoError(t, s.Close(ctx))
}

func TestSession_CloseUsesStopGrace(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	o, _ := newTestOrchestrator(t, rt, nil, func(c *Config) { c.StopGrace = 12 * time.Second })
	ctx := context.Background()

	s, err := o.Launch(ctx, LaunchOptions{Name: "graceful"})
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	assert.Equal(t, []time.Duration{12 * time.Second}, rt.Stops())
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	o, _ := newTestOrchestrator(t, rt, map[string]string{testPage: "<title>t</title>"}, nil)
	ctx := context.Background()

	s, err := o.Launch(ctx, LaunchOptions{Name: "once"})
	require.NoError(t, err)

	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))
	assert.Len(t, rt.Removed(), 1)

	err = s.Navigate(ctx, testPage)
	assert.True(t, errors.Is(err, ErrSessionClosed))
	_, _, err = s.QueryAttribute(ctx, "title", "id")
	assert.True(t, errors.Is(err, ErrSessionClosed))
}

func TestSession_CloseReportsTeardownFailure(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	o, _ := newTestOrchestrator(t, rt, nil, nil)
	ctx := context.Background()

	s, err := o.Launch(ctx, LaunchOptions{Name: "stuck"})
	require.NoError(t, err)

	rt.SetRemoveErr(errors.New("device busy"))

	err = s.Close(ctx)
	assert.True(t, errors.Is(err, ErrTeardown))
	assert.Equal(t, err, s.Close(ctx))
	assert.Empty(t, o.Sessions())
}

func TestSession_CloseWithCancelledContextStillRemoves(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	o, _ := newTestOrchestrator(t, rt, nil, nil)

	s, err := o.Launch(context.Background(), LaunchOptions{Name: "late"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Close(ctx))
	assert.Equal(t, 0, rt.Live())
}

func TestSession_Queries(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	page := `<html><head>
		<title> Hello </title>
		<meta property="og:title" content="OG">
		<meta property="article:author" content="ann">
		<meta property="book:author" content="bob">
		<meta property="og:image">
	</head></html>`
	o, _ := newTestOrchestrator(t, rt, map[string]string{testPage: page}, nil)
	ctx := context.Background()

	s, err := o.Launch(ctx, LaunchOptions{Name: "q"})
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.Navigate(ctx, testPage))
	assert.Equal(t, StateActive, s.State())

	title, err := s.Title(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hello", title)

	v, ok, err := s.QueryAttribute(ctx, `meta[property="og:title"]`, "content")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "OG", v)

	_, ok, err = s.QueryAttribute(ctx, `meta[name="theme-color"]`, "content")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.QueryAttribute(ctx, `meta[property="og:image"]`, "content")
	require.NoError(t, err)
	assert.False(t, ok)

	authors, err := s.QueryAttributes(ctx, `meta[property$=":author"]`, "content")
	require.NoError(t, err)
	assert.Equal(t, []string{"ann", "bob"}, authors)

	none, err := s.QueryAttributes(ctx, "video", "src")
	require.NoError(t, err)
	assert.Empty(t, none)

	err = s.Navigate(ctx, "https://unknown.test/")
	assert.True(t, errors.Is(err, ErrNavigation))
}

func TestSession_DownloadVia(t *testing.T) {
	var gotCookie, gotUA, gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/file.bin":
			if c, err := r.Cookie("sid"); err == nil {
				gotCookie = c.Value
			}
			gotUA = r.UserAgent()
			gotReferer = r.Referer()
			_, _ = w.Write([]byte("payload"))
		case "/other.bin":
			_, _ = w.Write([]byte("override"))
		case "/big.bin":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	pageURL := srv.URL + "/page"
	page := `<a id="dl" href="/file.bin">get</a>
		<a id="nohref">none</a>
		<a id="gone" href="/missing.bin">404</a>
		<a id="big" href="/big.bin">big</a>`

	rt := sandboxtest.NewRuntime()
	o, dialer := newTestOrchestrator(t, rt, map[string]string{pageURL: page}, func(c *Config) {
		c.MaxDownloadSize = 32
	})
	o.httpClient = srv.Client()
	ctx := context.Background()

	s, err := o.Launch(ctx, LaunchOptions{Name: "dl"})
	require.NoError(t, err)
	defer s.Close(ctx)
	dialer.Clients[0].SetCookies(&http.Cookie{Name: "sid", Value: "abc"})

	body, err := s.DownloadVia(ctx, pageURL, browser.CSS("#dl"), "href", "")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
	assert.Equal(t, "abc", gotCookie)
	assert.Equal(t, "browsertest/1.0", gotUA)
	assert.Equal(t, pageURL, gotReferer)

	body, err = s.DownloadVia(ctx, pageURL, browser.CSS("#absent"), "href", srv.URL+"/other.bin")
	require.NoError(t, err)
	assert.Equal(t, "override", string(body))

	_, err = s.DownloadVia(ctx, pageURL, browser.CSS("#absent"), "href", "")
	assert.True(t, errors.Is(err, ErrElementNotFound))

	_, err = s.DownloadVia(ctx, pageURL, browser.CSS("#nohref"), "href", "")
	assert.True(t, errors.Is(err, ErrAttributeMissing))

	_, err = s.DownloadVia(ctx, pageURL, browser.CSS("#gone"), "href", "")
	assert.True(t, errors.Is(err, ErrDownloadFailed))

	_, err = s.DownloadVia(ctx, pageURL, browser.CSS("#big"), "href", "")
	assert.True(t, errors.Is(err, ErrDownloadFailed))
}

func TestWithSession_AlwaysCloses(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	o, _ := newTestOrchestrator(t, rt, nil, nil)
	boom := errors.New("boom")

	err := o.WithSession(context.Background(), LaunchOptions{Name: "w"}, func(s *Session) error {
		assert.Equal(t, 1, rt.Live())
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, rt.Live())
	assert.Empty(t, o.Sessions())
}

func TestOrchestrator_CloseAndShutdown(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	o, _ := newTestOrchestrator(t, rt, nil, nil)
	ctx := context.Background()

	a, err := o.Launch(ctx, LaunchOptions{Name: "a"})
	require.NoError(t, err)
	_, err = o.Launch(ctx, LaunchOptions{Name: "b"})
	require.NoError(t, err)
	_, err = o.Launch(ctx, LaunchOptions{Name: "c"})
	require.NoError(t, err)

	infos := o.Sessions()
	require.Len(t, infos, 3)
	assert.Equal(t, "a", infos[0].Name)

	got, err := o.Get(a.ID())
	require.NoError(t, err)
	assert.Same(t, a, got)

	require.NoError(t, o.Close(ctx, a.ID()))
	assert.True(t, errors.Is(o.Close(ctx, a.ID()), ErrSessionNotFound))

	require.NoError(t, o.Shutdown(ctx))
	assert.Empty(t, o.Sessions())
	assert.Equal(t, 0, rt.Live())
}

func TestReaper_Sweep(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	o, _ := newTestOrchestrator(t, rt, nil, nil)
	host := o.ownerHost

	managed := func(name, pid, owner string) sandbox.ManagedContainer {
		return sandbox.ManagedContainer{
			Name: name,
			Labels: map[string]string{
				sandbox.LabelManagedBy: sandbox.ManagedByValue,
				sandbox.LabelOwnerPID:  pid,
				sandbox.LabelOwnerHost: owner,
			},
		}
	}
	rt.Managed = []sandbox.ManagedContainer{
		managed("mine", "0", host),
		managed("dead", "999999", host),
		managed("alive", "1234", host),
		managed("elsewhere", "999999", "other-host"),
		managed("unlabelled", "", host),
	}
	rt.Managed[0].Labels[sandbox.LabelOwnerPID] = strconv.Itoa(o.ownerPID)
	for _, c := range rt.Managed {
		rt.AddContainer(c.Name)
	}

	r := NewReaper(o, ReaperConfig{}, testLogger())
	r.alive = func(pid int) bool { return pid == 1234 }

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"dead"}, rt.Removed())
}

func TestLaunch_ConcurrentSessionsExtractMetadata(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	pages := map[string]string{
		testPage:                     `<title>a</title><meta property="og:type" content="article">`,
		"https://example.test/plain": `<title>b</title>`,
	}
	o, _ := newTestOrchestrator(t, rt, pages, nil)
	ctx := context.Background()

	type result struct {
		port int
		data *metadata.WebData
		err  error
	}
	run := func(name, page string, port int, out chan<- result) {
		err := o.WithSession(ctx, LaunchOptions{Name: name, Port: port}, func(s *Session) error {
			if err := s.Navigate(ctx, page); err != nil {
				return err
			}
			data, err := metadata.Extract(ctx, s, page)
			out <- result{port: s.Port(), data: data, err: err}
			return err
		})
		if err != nil {
			out <- result{err: err}
		}
	}

	r1, r2 := make(chan result, 2), make(chan result, 2)
	go run("s1", testPage, 0, r1)
	go run("s2", "https://example.test/plain", 4459, r2)
	a, b := <-r1, <-r2

	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.NotEqual(t, a.port, b.port)
	assert.Equal(t, metadata.MediaArticle, a.data.Type)
	assert.Nil(t, b.data.Colour)
	assert.Equal(t, metadata.MediaWebsite, b.data.Type)

	assert.Eventually(t, func() bool { return rt.Live() == 0 }, time.Second, 10*time.Millisecond)
	assert.Empty(t, o.Sessions())
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tascord/embedder/internal/browser"
	"github.com/tascord/embedder/internal/metadata"
	"github.com/tascord/embedder/internal/monitor"
	"github.com/tascord/embedder/internal/sandbox"
)

var _ metadata.Querier = (*Session)(nil)

// Session is a live browser container plus its remote-control connection.
// It is safe for concurrent use; Close may be called any number of times.
type Session struct {
	id            string
	name          string
	containerName string
	port          int
	client        browser.Client
	rt            sandbox.Runtime
	httpClient    *http.Client
	maxDownload   int64
	teardown      time.Duration
	stopGrace     time.Duration
	onClose       func(*Session)
	logger        *slog.Logger
	createdAt     time.Time

	mu       sync.Mutex
	state    State
	once     sync.Once
	closeErr error
}

func (s *Session) ID() string            { return s.id }
func (s *Session) Name() string          { return s.name }
func (s *Session) Port() int             { return s.port }
func (s *Session) ContainerName() string { return s.containerName }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Info() Info {
	return Info{
		ID:            s.id,
		Name:          s.name,
		ContainerName: s.containerName,
		Port:          s.port,
		State:         s.State().String(),
		CreatedAt:     s.createdAt,
	}
}

// begin moves the session to Active unless teardown has started.
func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= StateClosing {
		return ErrSessionClosed
	}
	s.state = StateActive
	return nil
}

func (s *Session) Navigate(ctx context.Context, target string) error {
	if err := s.begin(); err != nil {
		return err
	}
	if err := s.client.Navigate(ctx, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNavigation, target, err)
	}
	return nil
}

func (s *Session) Title(ctx context.Context) (string, error) {
	if err := s.begin(); err != nil {
		return "", err
	}
	return s.client.Title(ctx)
}

// URL is the current document address.
func (s *Session) URL(ctx context.Context) (string, error) {
	if err := s.begin(); err != nil {
		return "", err
	}
	return s.client.URL(ctx)
}

// QueryAttribute returns attr of the first element matching selector that
// carries it. No match is reported as ok == false with a nil error.
func (s *Session) QueryAttribute(ctx context.Context, selector, attr string) (string, bool, error) {
	if err := s.begin(); err != nil {
		return "", false, err
	}
	els, err := s.client.FindAll(ctx, browser.CSS(selector))
	if err != nil {
		return "", false, err
	}
	for _, el := range els {
		v, ok, err := el.Attribute(ctx, attr)
		if err != nil {
			return "", false, err
		}
		if ok {
			return v, true, nil
		}
	}
	return "", false, nil
}

// QueryAttributes returns attr for every matching element that has it.
func (s *Session) QueryAttributes(ctx context.Context, selector, attr string) ([]string, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	els, err := s.client.FindAll(ctx, browser.CSS(selector))
	if err != nil {
		return nil, err
	}
	values := make([]string, 0, len(els))
	for _, el := range els {
		v, ok, err := el.Attribute(ctx, attr)
		if err != nil {
			return nil, err
		}
		if ok {
			values = append(values, v)
		}
	}
	return values, nil
}

// DownloadVia opens pageURL, takes the link from the element found by loc
// (or override, when non-empty) and fetches it with the browser's cookies
// and user agent. The whole body is returned.
func (s *Session) DownloadVia(ctx context.Context, pageURL string, loc browser.Locator, attr, override string) ([]byte, error) {
	if err := s.Navigate(ctx, pageURL); err != nil {
		return nil, err
	}

	link := override
	if link == "" {
		els, err := s.client.FindAll(ctx, loc)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrElementNotFound, loc, err)
		}
		if len(els) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrElementNotFound, loc)
		}
		v, ok, err := els[0].Attribute(ctx, attr)
		if err != nil {
			return nil, fmt.Errorf("%w: %s on %s: %v", ErrAttributeMissing, attr, loc, err)
		}
		if !ok || v == "" {
			return nil, fmt.Errorf("%w: %s on %s", ErrAttributeMissing, attr, loc)
		}
		link = v
	}

	base, err := s.client.URL(ctx)
	if err != nil || base == "" {
		base = pageURL
	}
	target, err := resolveLink(base, link)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	return s.fetch(ctx, target, base)
}

func resolveLink(base, link string) (string, error) {
	ref, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("bad link %q: %w", link, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("bad base %q: %w", base, err)
	}
	return b.ResolveReference(ref).String(), nil
}

func (s *Session) fetch(ctx context.Context, target, referer string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	if ua, err := s.client.UserAgent(ctx); err == nil && ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	cookies, err := s.client.Cookies(ctx, target)
	if err != nil {
		s.logger.Warn("Failed to read browser cookies", "url", target, "error", err)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %s", ErrDownloadFailed, target, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxDownload+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrDownloadFailed, err)
	}
	if int64(len(body)) > s.maxDownload {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrDownloadFailed, s.maxDownload)
	}

	monitor.DownloadBytes.Add(float64(len(body)))
	s.logger.Info("Downloaded", "url", target, "bytes", len(body))
	return body, nil
}

// Close disconnects the client and stops and removes the container. Only
// the first call does any work; later calls return the same result.
// Failures are logged and returned wrapped in ErrTeardown.
func (s *Session) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		s.mu.Unlock()

		s.closeErr = s.teardownContainer(ctx)

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		if s.onClose != nil {
			s.onClose(s)
		}
		if s.closeErr != nil {
			s.logger.Error("Session closed with errors", "error", s.closeErr)
		} else {
			s.logger.Info("Session closed")
		}
	})
	return s.closeErr
}

func (s *Session) teardownContainer(ctx context.Context) error {
	if err := s.client.Close(); err != nil {
		// the container is going away regardless
		s.logger.Debug("Browser close failed", "error", err)
	}

	ctx, cancel := context.WithTimeout(cleanupContext(ctx), s.teardown)
	defer cancel()

	stopErr := s.rt.Stop(ctx, s.containerName, s.stopGrace)
	if stopErr != nil && !errors.Is(stopErr, sandbox.ErrContainerNotFound) {
		s.logger.Warn("Failed to stop container", "error", stopErr)
	}

	removeErr := s.rt.Remove(ctx, s.containerName)
	if removeErr == nil || errors.Is(removeErr, sandbox.ErrContainerNotFound) {
		return nil
	}

	monitor.TeardownFailures.Inc()
	s.logger.Error("Failed to remove container", "error", removeErr)
	if stopErr != nil && !errors.Is(stopErr, sandbox.ErrContainerNotFound) {
		return fmt.Errorf("%w: %w", ErrTeardown, errors.Join(stopErr, removeErr))
	}
	return fmt.Errorf("%w: %w", ErrTeardown, removeErr)
}

// cleanupContext keeps teardown alive when the caller's context is
// already done.
func cleanupContext(ctx context.Context) context.Context {
	if ctx == nil || ctx.Err() != nil {
		return context.Background()
	}
	return ctx
}

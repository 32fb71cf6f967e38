package metadata

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"
)

// StaticFetcher reads metadata from the HTML a plain GET returns, without
// running any scripts.
type StaticFetcher struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	logger    *slog.Logger
}

type StaticConfig struct {
	UserAgent string
	MaxBody   int64
	Timeout   time.Duration
}

func NewStaticFetcher(client *http.Client, cfg StaticConfig, logger *slog.Logger) *StaticFetcher {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 8 << 20
	}
	return &StaticFetcher{
		client:    client,
		userAgent: cfg.UserAgent,
		maxBody:   cfg.MaxBody,
		logger:    logger.With("component", "static-fetcher"),
	}
}

func (f *StaticFetcher) Fetch(ctx context.Context, pageURL string) (*WebData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %s", ErrFetchFailed, pageURL, resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err == nil && mt != "text/html" && mt != "application/xhtml+xml" {
			return nil, fmt.Errorf("%w: %s", ErrNotHTML, mt)
		}
	}

	doc, err := ParseDocument(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrFetchFailed, err)
	}

	// relative links resolve against where redirects ended up
	base := resp.Request.URL.String()
	data, err := Extract(ctx, doc, base)
	if err != nil {
		return nil, err
	}
	f.logger.Debug("Fetched page", "url", pageURL, "final_url", base, "type", data.Type)
	return data, nil
}

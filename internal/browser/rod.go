package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

var (
	_ Client  = (*RodClient)(nil)
	_ Element = (*rodElement)(nil)
	_ Dialer  = (*RodDialer)(nil)
)

// RodDialer connects over the DevTools protocol. The driver inside a fresh
// container needs a moment before it answers, so Dial keeps retrying until
// ConnectTimeout.
type RodDialer struct {
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
	logger         *slog.Logger
}

func NewRodDialer(connectTimeout, retry time.Duration, logger *slog.Logger) *RodDialer {
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	if retry <= 0 {
		retry = 500 * time.Millisecond
	}
	return &RodDialer{
		ConnectTimeout: connectTimeout,
		RetryInterval:  retry,
		logger:         logger.With("component", "browser"),
	}
}

func (d *RodDialer) Dial(ctx context.Context, addr string, caps Capabilities) (Client, error) {
	waitCtx, cancel := context.WithTimeout(ctx, d.ConnectTimeout)
	defer cancel()

	var lastErr error
	attempts := 0
	for {
		attempts++
		u, err := resolveURL(waitCtx, addr)
		if err == nil {
			c, err := d.connect(waitCtx, u, caps)
			if err == nil {
				d.logger.Debug("Connected to browser", "addr", addr, "attempts", attempts)
				return c, nil
			}
			lastErr = err
		} else {
			lastErr = err
		}

		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrUnreachable, addr, attempts, lastErr)
		case <-time.After(d.RetryInterval):
		}
	}
}

// resolveURL runs launcher.ResolveURL without letting it outlive ctx.
func resolveURL(ctx context.Context, addr string) (string, error) {
	type result struct {
		u   string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("resolve %s: %v", addr, r)}
			}
		}()
		u, err := launcher.ResolveURL(addr)
		ch <- result{u: u, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.u, r.err
	}
}

func (d *RodDialer) connect(ctx context.Context, controlURL string, caps Capabilities) (*RodClient, error) {
	// The websocket lives as long as the client, not the dial context.
	life, stop := context.WithCancel(context.Background())

	b := rod.New().ControlURL(controlURL).Context(life)
	if err := b.Connect(); err != nil {
		stop()
		return nil, err
	}

	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = b.Close()
		stop()
		return nil, fmt.Errorf("open page: %w", err)
	}
	page = page.Context(life)

	c := &RodClient{browser: b, page: page, caps: caps, stop: stop}
	if err := c.apply(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// RodClient drives one page of a remote browser.
type RodClient struct {
	browser *rod.Browser
	page    *rod.Page
	caps    Capabilities
	stop    context.CancelFunc
}

func (c *RodClient) apply(ctx context.Context) error {
	p := c.page.Context(ctx)

	if c.caps.UserAgent != "" {
		if err := p.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: c.caps.UserAgent}); err != nil {
			return fmt.Errorf("set user agent: %w", err)
		}
	}

	if len(c.caps.Headers) > 0 {
		keys := make([]string, 0, len(c.caps.Headers))
		for k := range c.caps.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := make([]string, 0, 2*len(keys))
		for _, k := range keys {
			dict = append(dict, k, c.caps.Headers[k])
		}
		if _, err := p.SetExtraHeaders(dict); err != nil {
			return fmt.Errorf("set headers: %w", err)
		}
	}

	if c.caps.ViewportWidth > 0 && c.caps.ViewportHeight > 0 {
		err := p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             c.caps.ViewportWidth,
			Height:            c.caps.ViewportHeight,
			DeviceScaleFactor: 1,
		})
		if err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
	}
	return nil
}

// pageFor binds the page to ctx, adding the capability timeout when ctx
// has no deadline of its own.
func (c *RodClient) pageFor(ctx context.Context) (*rod.Page, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && c.caps.Timeout > 0 {
		tctx, cancel := context.WithTimeout(ctx, c.caps.Timeout)
		return c.page.Context(tctx), cancel
	}
	return c.page.Context(ctx), func() {}
}

func (c *RodClient) Navigate(ctx context.Context, url string) error {
	p, cancel := c.pageFor(ctx)
	defer cancel()

	if err := p.Navigate(url); err != nil {
		return err
	}
	return p.WaitLoad()
}

func (c *RodClient) Title(ctx context.Context) (string, error) {
	p, cancel := c.pageFor(ctx)
	defer cancel()

	info, err := p.Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (c *RodClient) URL(ctx context.Context) (string, error) {
	p, cancel := c.pageFor(ctx)
	defer cancel()

	info, err := p.Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (c *RodClient) FindAll(ctx context.Context, loc Locator) ([]Element, error) {
	p, cancel := c.pageFor(ctx)
	defer cancel()

	var (
		found rod.Elements
		err   error
	)
	if loc.XPath != "" {
		found, err = p.ElementsX(loc.XPath)
	} else {
		found, err = p.Elements(loc.CSS)
	}
	if err != nil {
		return nil, err
	}

	out := make([]Element, 0, len(found))
	for _, el := range found {
		out = append(out, &rodElement{el: el})
	}
	return out, nil
}

func (c *RodClient) Cookies(ctx context.Context, url string) ([]*http.Cookie, error) {
	p, cancel := c.pageFor(ctx)
	defer cancel()

	cookies, err := p.Cookies([]string{url})
	if err != nil {
		return nil, err
	}
	out := make([]*http.Cookie, 0, len(cookies))
	for _, ck := range cookies {
		out = append(out, &http.Cookie{Name: ck.Name, Value: ck.Value})
	}
	return out, nil
}

func (c *RodClient) UserAgent(ctx context.Context) (string, error) {
	if c.caps.UserAgent != "" {
		return c.caps.UserAgent, nil
	}
	res, err := proto.BrowserGetVersion{}.Call(c.browser.Context(ctx))
	if err != nil {
		return "", err
	}
	return res.UserAgent, nil
}

func (c *RodClient) Close() error {
	defer c.stop()
	return c.browser.Close()
}

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Attribute(ctx context.Context, name string) (string, bool, error) {
	v, err := e.el.Context(ctx).Attribute(name)
	if err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

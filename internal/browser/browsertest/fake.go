// Package browsertest provides an in-memory browser.Client for tests.
package browsertest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/tascord/embedder/internal/browser"
)

var (
	_ browser.Client = (*Client)(nil)
	_ browser.Dialer = (*Dialer)(nil)
)

// Client serves canned HTML documents keyed by URL. Only CSS locators are
// supported.
type Client struct {
	mu        sync.Mutex
	pages     map[string]string
	current   string
	doc       *goquery.Document
	cookies   []*http.Cookie
	userAgent string
	closed    bool
	// NavigateErr, when set, is returned by every Navigate call.
	NavigateErr error
}

func NewClient(pages map[string]string) *Client {
	return &Client{pages: pages, userAgent: "browsertest/1.0"}
}

func (c *Client) SetCookies(cookies ...*http.Cookie) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cookies = cookies
}

func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) Navigate(_ context.Context, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.NavigateErr != nil {
		return c.NavigateErr
	}
	html, ok := c.pages[url]
	if !ok {
		return fmt.Errorf("net::ERR_NAME_NOT_RESOLVED %s", url)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return err
	}
	c.current = url
	c.doc = doc
	return nil
}

func (c *Client) Title(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doc == nil {
		return "", nil
	}
	return strings.TrimSpace(c.doc.Find("title").First().Text()), nil
}

func (c *Client) URL(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, nil
}

func (c *Client) FindAll(_ context.Context, loc browser.Locator) ([]browser.Element, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if loc.XPath != "" {
		return nil, fmt.Errorf("browsertest: xpath not supported")
	}
	if c.doc == nil {
		return nil, nil
	}
	var out []browser.Element
	c.doc.Find(loc.CSS).Each(func(_ int, s *goquery.Selection) {
		out = append(out, element{s: s})
	})
	return out, nil
}

func (c *Client) Cookies(context.Context, string) ([]*http.Cookie, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cookies, nil
}

func (c *Client) UserAgent(context.Context) (string, error) {
	return c.userAgent, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type element struct {
	s *goquery.Selection
}

func (e element) Attribute(_ context.Context, name string) (string, bool, error) {
	v, ok := e.s.Attr(name)
	return v, ok, nil
}

// Dialer hands out Clients over the same page set and records every dial.
type Dialer struct {
	mu      sync.Mutex
	Pages   map[string]string
	Err     error
	Clients []*Client
	Addrs   []string
}

func (d *Dialer) Dial(_ context.Context, addr string, _ browser.Capabilities) (browser.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Addrs = append(d.Addrs, addr)
	if d.Err != nil {
		return nil, d.Err
	}
	c := NewClient(d.Pages)
	d.Clients = append(d.Clients, c)
	return c, nil
}

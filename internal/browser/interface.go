// Package browser is the remote-control client used to drive a headless
// browser inside a session container.
package browser

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var ErrUnreachable = errors.New("browser endpoint unreachable")

type Client interface {
	// Navigate loads url and waits for the load event.
	Navigate(ctx context.Context, url string) error
	Title(ctx context.Context) (string, error)
	// URL is the address of the current document after redirects.
	URL(ctx context.Context) (string, error)
	// FindAll returns every element matching loc; no match is an empty
	// slice, not an error.
	FindAll(ctx context.Context, loc Locator) ([]Element, error)
	// Cookies returns the cookies the browser would send to url.
	Cookies(ctx context.Context, url string) ([]*http.Cookie, error)
	UserAgent(ctx context.Context) (string, error)
	Close() error
}

type Element interface {
	// Attribute reports the attribute value and whether it is present.
	Attribute(ctx context.Context, name string) (string, bool, error)
}

// Dialer connects a Client to a browser listening on addr (host:port).
type Dialer interface {
	Dial(ctx context.Context, addr string, caps Capabilities) (Client, error)
}

// Capabilities shape the page a session drives.
type Capabilities struct {
	UserAgent      string            `mapstructure:"user_agent" json:"user_agent,omitempty"`
	Headers        map[string]string `mapstructure:"headers" json:"headers,omitempty"`
	ViewportWidth  int               `mapstructure:"viewport_width" json:"viewport_width,omitempty"`
	ViewportHeight int               `mapstructure:"viewport_height" json:"viewport_height,omitempty"`
	// Timeout bounds every page operation that has no earlier deadline.
	Timeout time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
}

// Locator selects elements either by CSS selector or by XPath.
type Locator struct {
	CSS   string `json:"css,omitempty"`
	XPath string `json:"xpath,omitempty"`
}

func CSS(selector string) Locator { return Locator{CSS: selector} }

func XPath(expr string) Locator { return Locator{XPath: expr} }

func (l Locator) IsZero() bool {
	return l.CSS == "" && l.XPath == ""
}

func (l Locator) String() string {
	if l.XPath != "" {
		return "xpath:" + l.XPath
	}
	return "css:" + l.CSS
}

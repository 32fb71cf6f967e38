package metadata

import (
	"context"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Querier is the read side of a loaded page. A Session satisfies it, as
// does a parsed Document.
type Querier interface {
	Title(ctx context.Context) (string, error)
	// QueryAttribute reports attr of the first match carrying it.
	QueryAttribute(ctx context.Context, selector, attr string) (string, bool, error)
	QueryAttributes(ctx context.Context, selector, attr string) ([]string, error)
}

const (
	selOGTitle       = `meta[property="og:title"]`
	selOGType        = `meta[property="og:type"]`
	selOGDescription = `meta[property="og:description"]`
	selDescription   = `meta[name="description"]`
	selOGImage       = `meta[property="og:image"]`
	selAuthors       = `meta[property$=":author"]`
	selThemeColor    = `meta[name="theme-color"]`
)

// Extract reads the metadata of the page q has loaded. Queries run
// concurrently; one that fails leaves its field empty. Only cancellation
// of ctx is reported as an error.
func Extract(ctx context.Context, q Querier, pageURL string) (*WebData, error) {
	data := &WebData{Type: MediaWebsite, Authors: []string{}}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		title, err := q.Title(gctx)
		if err == nil {
			title = strings.TrimSpace(title)
		}
		if title == "" {
			title, _ = content(gctx, q, selOGTitle)
		}
		data.Title = title
		return gctx.Err()
	})

	g.Go(func() error {
		if v, ok := content(gctx, q, selOGType); ok {
			data.Type = ParseMediaType(v)
		}
		return gctx.Err()
	})

	g.Go(func() error {
		v, ok := content(gctx, q, selOGDescription)
		if !ok {
			v, ok = content(gctx, q, selDescription)
		}
		if ok {
			data.Description = &v
		}
		return gctx.Err()
	})

	g.Go(func() error {
		if v, ok := content(gctx, q, selOGImage); ok {
			resolved := ResolveURL(v, pageURL)
			data.Image = &resolved
		}
		return gctx.Err()
	})

	g.Go(func() error {
		authors, err := q.QueryAttributes(gctx, selAuthors, "content")
		if err == nil && len(authors) > 0 {
			data.Authors = authors
		}
		return gctx.Err()
	})

	g.Go(func() error {
		if v, ok := content(gctx, q, selThemeColor); ok {
			data.Colour = &v
		}
		return gctx.Err()
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return data, nil
}

// content returns the trimmed content attribute of the first match;
// empty values count as absent.
func content(ctx context.Context, q Querier, selector string) (string, bool) {
	v, ok, err := q.QueryAttribute(ctx, selector, "content")
	if err != nil || !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// ResolveURL makes ref absolute against base. ref is returned unchanged
// when either fails to parse.
func ResolveURL(ref, base string) string {
	r, err := url.Parse(ref)
	if err != nil || r.IsAbs() {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return ref
	}
	return b.ResolveReference(r).String()
}

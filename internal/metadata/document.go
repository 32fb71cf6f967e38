package metadata

import (
	"context"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var _ Querier = (*Document)(nil)

// Document is a parsed HTML page queried in memory.
type Document struct {
	doc *goquery.Document
}

func ParseDocument(r io.Reader) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}
	return &Document{doc: doc}, nil
}

func (d *Document) Title(context.Context) (string, error) {
	return strings.TrimSpace(d.doc.Find("title").First().Text()), nil
}

func (d *Document) QueryAttribute(_ context.Context, selector, attr string) (string, bool, error) {
	var (
		value string
		found bool
	)
	d.doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		value, found = s.Attr(attr)
		return !found
	})
	return value, found, nil
}

func (d *Document) QueryAttributes(_ context.Context, selector, attr string) ([]string, error) {
	var values []string
	d.doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr(attr); ok {
			values = append(values, v)
		}
	})
	return values, nil
}

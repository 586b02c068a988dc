// Package linkparser extracts the current issue's document link from the
// portal's overview markup. Parsers only look at markup; resolving the link
// against the portal host is done by Resolve.
package linkparser

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrNotFound is returned when the markup does not contain the expected link,
// either because the page layout changed or the session silently expired.
var ErrNotFound = errors.New("document link not found in markup")

// Parser finds the document href in a page. The href is returned as written in
// the markup (entities decoded), usually relative to the portal host.
type Parser interface {
	Parse(page []byte) (string, error)
}

// DefaultMarker matches the download anchor on the overview page.
const DefaultMarker = `<a href="pdf.php`

// DefaultSelector is the goquery equivalent of DefaultMarker.
const DefaultSelector = `a[href^="pdf.php"]`

// Marker scans the page for a literal marker. The marker has to contain the
// opening quote of the href attribute: the link starts right after that quote
// and ends at the next matching quote.
type Marker struct {
	marker string
	quote  byte
	offset int
}

func NewMarker(marker string) (Marker, error) {
	if marker == "" {
		marker = DefaultMarker
	}
	offset := strings.IndexAny(marker, `"'`)
	if offset < 0 {
		return Marker{}, fmt.Errorf("link marker %q has no opening quote", marker)
	}
	return Marker{
		marker: marker,
		quote:  marker[offset],
		offset: offset + 1,
	}, nil
}

func (m Marker) Parse(page []byte) (string, error) {
	markerStart := bytes.Index(page, []byte(m.marker))
	if markerStart < 0 {
		return "", ErrNotFound
	}
	linkStart := markerStart + m.offset
	linkLen := bytes.IndexByte(page[linkStart:], m.quote)
	if linkLen < 0 {
		return "", fmt.Errorf("%w: unterminated href after marker", ErrNotFound)
	}
	href := html.UnescapeString(string(page[linkStart : linkStart+linkLen]))
	if href == "" {
		return "", fmt.Errorf("%w: empty href", ErrNotFound)
	}
	return href, nil
}

// Selector finds the first element matching a CSS selector and returns its href.
type Selector struct {
	selector string
}

func NewSelector(selector string) Selector {
	if selector == "" {
		selector = DefaultSelector
	}
	return Selector{selector: selector}
}

func (s Selector) Parse(page []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("parse overview page: %w", err)
	}
	href, ok := doc.Find(s.selector).First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return "", ErrNotFound
	}
	return strings.TrimSpace(href), nil
}

// New builds the parser named by kind ("marker" or "selector"), pattern is the
// marker or selector respectively and may be empty to use the default.
func New(kind, pattern string) (Parser, error) {
	switch kind {
	case "", "marker":
		return NewMarker(pattern)
	case "selector":
		return NewSelector(pattern), nil
	default:
		return nil, fmt.Errorf("unknown link parser %q", kind)
	}
}

// Resolve turns href into an absolute url. Absolute hrefs are kept, relative
// ones are appended to host with exactly one slash in between.
func Resolve(host, href string) (*url.URL, error) {
	parsed, err := url.Parse(href)
	if err != nil {
		return nil, fmt.Errorf("parse href %q: %w", href, err)
	}
	if parsed.IsAbs() {
		return parsed, nil
	}
	joined := strings.TrimRight(host, "/") + "/" + strings.TrimLeft(href, "/")
	resolved, err := url.Parse(joined)
	if err != nil {
		return nil, fmt.Errorf("parse resolved link %q: %w", joined, err)
	}
	return resolved, nil
}

// Package pager walks cursor-paginated JSON collections.
package pager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"calfeed/internal/fetch"
	appLog "calfeed/internal/log"
)

// ErrPageLimit is returned when a collection has more pages than the client's
// configured maximum. Records fetched so far are discarded.
var ErrPageLimit = errors.New("page limit reached")

// Getter loads one page body.
type Getter interface {
	Get(ctx context.Context, rawURL string, header http.Header) ([]byte, error)
}

// Page is the envelope of one API page. NextPageURL is the server-supplied
// cursor; nil or empty means there are no more pages.
type Page[T any] struct {
	Data        []T     `json:"data"`
	NextPageURL *string `json:"next_page_url"`
}

// Client holds the per-request settings shared by every page of a walk.
type Client struct {
	getter   Getter
	header   http.Header
	maxPages int
}

// New creates a Client. header is sent with every page request; maxPages <= 0
// means no limit.
func New(g Getter, header http.Header, maxPages int) *Client {
	return &Client{getter: g, header: header, maxPages: maxPages}
}

// FirstURL appends fixed query parameters to endpoint.
func FirstURL(endpoint string, params map[string]string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, params[k])
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Collect fetches firstURL and every page it links to, strictly in sequence,
// and returns all records in page order. Any failure discards the partial
// result.
func Collect[T any](ctx context.Context, c *Client, firstURL string) ([]T, error) {
	var all []T
	current := firstURL

	for page := 1; ; page++ {
		if c.maxPages > 0 && page > c.maxPages {
			return nil, fmt.Errorf("%w: more than %d pages at %s", ErrPageLimit, c.maxPages, fetch.RedactURL(firstURL))
		}

		body, err := c.getter.Get(ctx, current, c.header)
		if err != nil {
			return nil, fmt.Errorf("page %d request failed: %w", page, err)
		}

		var p Page[T]
		if err := fetch.DecodeJSON(body, &p); err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		all = append(all, p.Data...)

		appLog.Debug("page fetched", "page", page, "records", len(p.Data), "total", len(all))

		if p.NextPageURL == nil || *p.NextPageURL == "" {
			return all, nil
		}
		next, err := resolve(current, *p.NextPageURL)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		current = next
	}
}

// resolve interprets a next-page link relative to the page that returned it.
// Absolute links are returned unchanged.
func resolve(current, next string) (string, error) {
	ref, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("%w: invalid next_page_url %q: %w", fetch.ErrDecode, next, err)
	}
	if ref.IsAbs() {
		return next, nil
	}
	base, err := url.Parse(current)
	if err != nil {
		return "", fmt.Errorf("%w: invalid page url: %w", fetch.ErrDecode, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// Package pagination implements the pagination engine described in
// spec.md §4.6: it walks a paged GET endpoint through the resilient
// client, invoking a per-page callback and stopping on any of the
// several natural end conditions (short page, page_count reached, 404,
// or empty data array), while respecting a hard page ceiling and
// cooperative between-page cancellation.
package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"time"

	"hevysync.dev/agent/internal/clock"
	"hevysync.dev/agent/internal/herrors"
)

// CancelCheck reports whether the caller's wall-clock or step budget
// has been exceeded. Called only between page fetches, never mid-fetch.
type CancelCheck func() bool

// PageFetcher performs one GET for the given page/pageSize/extra query
// params and decodes the response into a *PageEnvelope. This is the
// thin seam pagination needs from hevyclient.Client, expressed as a
// function value so tests can fake it without standing up an HTTP
// server or the full resilient client stack.
type PageFetcher func(ctx context.Context, page, pageSize int, extraParams url.Values) (*PageEnvelope, error)

// PageEnvelope is the decoded shape of one page response: the items
// under dataKey, plus an optional page_count the server may report.
type PageEnvelope struct {
	Items     []json.RawMessage
	PageCount *int
}

// OnPage is invoked with the decoded items of one page. A non-nil error
// aborts the walk: Walk returns it immediately, and that page's items
// are not added to the running total.
type OnPage func(items []json.RawMessage) error

// Config configures one Walk invocation.
type Config struct {
	Path           string
	PageSize       int
	ExtraParams    url.Values
	OnPage         OnPage
	CancelCheck    CancelCheck
	MaxPages       int
	InterPageDelay time.Duration
	Clock          clock.Clock
}

// Walk fetches pages starting at 1 via fetch, invoking cfg.OnPage for
// each non-empty page, and returns the total item count processed.
func Walk(ctx context.Context, fetch PageFetcher, cfg Config) (int, error) {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}

	total := 0
	page := 1
	for {
		if cfg.MaxPages > 0 && page > cfg.MaxPages {
			return total, &herrors.PageLimitExceededError{Endpoint: cfg.Path, Page: page, Total: total}
		}
		if cfg.CancelCheck != nil && cfg.CancelCheck() {
			return total, &herrors.CancelledByTimeoutError{Endpoint: cfg.Path, Page: page}
		}

		envelope, err := fetch(ctx, page, cfg.PageSize, cfg.ExtraParams)
		if err != nil {
			var apiErr *herrors.ApiError
			if errors.As(err, &apiErr) && apiErr.Status == 404 {
				return total, nil
			}
			return total, err
		}

		if len(envelope.Items) == 0 {
			return total, nil
		}

		if cfg.OnPage != nil {
			if err := cfg.OnPage(envelope.Items); err != nil {
				return total, err
			}
		}
		total += len(envelope.Items)

		if len(envelope.Items) < cfg.PageSize {
			return total, nil
		}
		if envelope.PageCount != nil && page >= *envelope.PageCount {
			return total, nil
		}

		if cfg.InterPageDelay > 0 {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-c.After(cfg.InterPageDelay):
			}
		}
		page++
	}
}

// PageQuery builds the query parameters for one page fetch: page,
// page_size, plus any extra endpoint-specific parameters.
func PageQuery(page, pageSize int, extra url.Values) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	return q
}

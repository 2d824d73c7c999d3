package sourcecrm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mind-engage/vespa-sync/internal/obs"
	"github.com/mind-engage/vespa-sync/internal/ratelimit"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// HTTPDoer is satisfied by *http.Client; narrowed for testability.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Filters narrows a FetchAll/FetchForEstablishment call (spec §4.1).
type Filters struct {
	EstablishmentExternalID string
	CompletedAfter          string // ISO date, inclusive
	CompletedBefore         string // ISO date, inclusive
	Equals                  map[string]string
}

// Client talks to the source CRM's JSON-over-HTTPS paged API (spec §6.1).
type Client struct {
	BaseURL     string
	AppID       string
	APIKey      string
	HTTP        HTTPDoer
	Limiter     *ratelimit.Bucket
	Concurrency int // up to N in-flight page fetches (spec §5); <1 means 1
	maxRetries  int
}

// NewClient builds a Client with sane per-call timeouts (spec §5: 30s per
// extractor HTTP call), a 6-retry 429 backoff ceiling (spec §4.1), and up
// to concurrency in-flight page fetches (spec §5).
func NewClient(baseURL, appID, apiKey string, ratePerSecond, concurrency int) *Client {
	return &Client{
		BaseURL: baseURL,
		AppID:   appID,
		APIKey:  apiKey,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
		Limiter:     ratelimit.New(ratePerSecond),
		Concurrency: concurrency,
		maxRetries:  6,
	}
}

// page is one raw paged response from the source CRM.
type page struct {
	Records []json.RawMessage `json:"records"`
	Total   int                `json:"total_pages"`
}

// Batch is one page of raw records in source insertion order, untouched
// (spec §4.1: "no deduplication at this layer").
type Batch struct {
	Entity      EntityKind
	PageNumber  int
	TotalPages  int
	Records     []RawRecord
}

// FetchAll streams batches of up to pageSize records until the source
// reports no more pages (spec §4.1). startPage allows checkpoint resume
// (spec §6.5, §9).
func (c *Client) FetchAll(ctx context.Context, entity EntityKind, filters Filters, pageSize, startPage int) (<-chan Batch, <-chan error) {
	return c.stream(ctx, entity, filters, pageSize, startPage, "")
}

// FetchForEstablishment is the narrow variant driving the single-school
// refresh (spec §4.1): it constrains server-side via the establishment
// filter rather than filtering client-side after a full pull.
func (c *Client) FetchForEstablishment(ctx context.Context, entity EntityKind, establishmentExternalID string, filters Filters, pageSize int) (<-chan Batch, <-chan error) {
	filters.EstablishmentExternalID = establishmentExternalID
	return c.stream(ctx, entity, filters, pageSize, 1, establishmentExternalID)
}

// stream fetches the start page to learn how many pages exist, then fans the
// rest out across up to Concurrency in-flight fetches (spec §5: "up to N,
// default 4, in-flight page fetches"). Pages may therefore arrive on out out
// of order; callers must not assume page order (the loader dedupes within
// its own batch boundaries, not across pages — spec §4.1).
func (c *Client) stream(ctx context.Context, entity EntityKind, filters Filters, pageSize, startPage int, scopeLog string) (<-chan Batch, <-chan error) {
	out := make(chan Batch)
	errc := make(chan error, 1)
	log := obs.FromContext(ctx).With("entity", string(entity))

	go func() {
		defer close(out)
		defer close(errc)

		pageNum := startPage
		if pageNum < 1 {
			pageNum = 1
		}

		var pulled int32

		first, err := c.fetchPage(ctx, entity, filters, pageSize, pageNum)
		if err != nil {
			errc <- wrapPartial(entity, &pulled, err)
			return
		}
		if err := emitPage(ctx, out, log, entity, pageNum, first, &pulled); err != nil {
			errc <- wrapPartial(entity, &pulled, err)
			return
		}
		if pageNum >= first.Total || len(first.Records) == 0 {
			return
		}

		concurrency := c.Concurrency
		if concurrency < 1 {
			concurrency = 1
		}
		sem := semaphore.NewWeighted(int64(concurrency))
		g, gctx := errgroup.WithContext(ctx)

		for n := pageNum + 1; n <= first.Total; n++ {
			n := n
			if err := sem.Acquire(gctx, 1); err != nil {
				break
			}
			g.Go(func() error {
				defer sem.Release(1)
				p, err := c.fetchPage(gctx, entity, filters, pageSize, n)
				if err != nil {
					return err
				}
				return emitPage(gctx, out, log, entity, n, p, &pulled)
			})
		}
		if err := g.Wait(); err != nil {
			errc <- wrapPartial(entity, &pulled, err)
		}
	}()
	return out, errc
}

// wrapPartial turns an exhausted-retry transient network error into a
// PartialExtractionError carrying how many pages were already pulled
// (spec §4.1: "surfaces as PartialExtraction"); other errors pass through
// unchanged since they are already fatal (auth, malformed response) or a
// plain context cancellation.
func wrapPartial(entity EntityKind, pulled *int32, err error) error {
	if errors.Is(err, ErrTransientNetwork) {
		return &PartialExtractionError{Entity: entity, PagesPulled: int(atomic.LoadInt32(pulled)), Cause: err}
	}
	return err
}

func emitPage(ctx context.Context, out chan<- Batch, log *slog.Logger, entity EntityKind, pageNum int, p page, pulled *int32) error {
	records := make([]RawRecord, 0, len(p.Records))
	for _, raw := range p.Records {
		rec, err := decodeRecord(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		records = append(records, rec)
	}
	log.Info("fetched page", "page", pageNum, "total_pages", p.Total, "records", len(records))
	select {
	case out <- Batch{Entity: entity, PageNumber: pageNum, TotalPages: p.Total, Records: records}:
		atomic.AddInt32(pulled, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decodeRecord(raw json.RawMessage) (RawRecord, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return RawRecord{}, err
	}
	id, _ := fields["id"].(string)
	return RawRecord{ID: id, Fields: fields, Raw: raw}, nil
}

// fetchPage performs one HTTP call with retry/backoff per spec §4.1:
// 429 -> exponential backoff with jitter, capped at 6 retries;
// 401/403 -> fail immediately;
// network timeout -> retry up to 3 times with doubling backoff.
func (c *Client) fetchPage(ctx context.Context, entity EntityKind, filters Filters, pageSize, pageNum int) (page, error) {
	var result page

	op := func() error {
		if err := c.Limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := c.buildRequest(ctx, entity, filters, pageSize, pageNum)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(ErrAuthFailure)
		case resp.StatusCode == http.StatusTooManyRequests:
			return ErrRateLimitExceeded
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d", ErrTransientNetwork, resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("%w: status %d", ErrMalformedResponse, resp.StatusCode))
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 10 * time.Second
	bo.RandomizationFactor = 0.5 // jitter, per spec §4.1

	// Transient network failures stop retrying after 3 retries, even though
	// 429s may use all of maxRetries.
	const maxTransientRetries = 3
	transientFailures := 0
	capped := func() error {
		err := op()
		if errors.Is(err, ErrTransientNetwork) {
			transientFailures++
			if transientFailures > maxTransientRetries {
				return backoff.Permanent(err)
			}
		}
		return err
	}

	err := backoff.Retry(capped, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx))
	return result, err
}

func (c *Client) buildRequest(ctx context.Context, entity EntityKind, filters Filters, pageSize, pageNum int) (*http.Request, error) {
	body := map[string]any{
		"object": string(entity),
		"page":   pageNum,
		"page_size": pageSize,
	}
	if filters.EstablishmentExternalID != "" {
		body["establishment_external_id"] = filters.EstablishmentExternalID
	}
	if filters.CompletedAfter != "" {
		body["completed_after"] = filters.CompletedAfter
	}
	if filters.CompletedBefore != "" {
		body["completed_before"] = filters.CompletedBefore
	}
	for k, v := range filters.Equals {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/objects/query", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Application-Id", c.AppID)
	req.Header.Set("X-API-Key", c.APIKey)
	return req, nil
}

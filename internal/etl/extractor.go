package etl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RawRecord is one untyped source row. Numbers are json.Number.
type RawRecord = map[string]any

// Extractor produces the raw rows for one pipeline run.
type Extractor interface {
	Fetch(ctx context.Context) ([]RawRecord, error)
}

// HTTPExtractor reads the dataset from a Socrata (datos.gov.co) endpoint.
type HTTPExtractor struct {
	url        string
	pageSize   int
	limiter    *rate.Limiter
	httpClient *http.Client
	log        *zap.Logger
}

// HTTPOption configures an HTTPExtractor.
type HTTPOption func(*HTTPExtractor)

// WithPageSize makes the extractor page through the source with
// $limit/$offset. Zero or less issues a single request.
func WithPageSize(n int) HTTPOption {
	return func(e *HTTPExtractor) { e.pageSize = n }
}

// WithRate spaces page requests to at most perSec per second.
func WithRate(perSec float64) HTTPOption {
	return func(e *HTTPExtractor) {
		if perSec > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		}
	}
}

// WithHTTPClient replaces the default client, e.g. with an httptest one.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(e *HTTPExtractor) {
		if c != nil {
			e.httpClient = c
		}
	}
}

func WithExtractorLogger(l *zap.Logger) HTTPOption {
	return func(e *HTTPExtractor) {
		if l != nil {
			e.log = l
		}
	}
}

// NewHTTPExtractor creates an extractor for sourceURL whose requests are
// bounded by timeout.
func NewHTTPExtractor(sourceURL string, timeout time.Duration, opts ...HTTPOption) *HTTPExtractor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	e := &HTTPExtractor{
		url:        sourceURL,
		limiter:    rate.NewLimiter(rate.Inf, 1),
		httpClient: &http.Client{Timeout: timeout},
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fetch returns every row of the dataset. A failure on any page fails the
// whole fetch; no retries are attempted.
func (e *HTTPExtractor) Fetch(ctx context.Context) ([]RawRecord, error) {
	if e.pageSize <= 0 {
		return e.fetchPage(ctx, e.url)
	}

	base, err := url.Parse(e.url)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %v", ErrSourceUnavailable, err)
	}

	var all []RawRecord
	offset := 0
	for {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}

		params := base.Query()
		params.Set("$limit", strconv.Itoa(e.pageSize))
		params.Set("$offset", strconv.Itoa(offset))
		params.Set("$order", ":id")
		u := *base
		u.RawQuery = params.Encode()

		page, err := e.fetchPage(ctx, u.String())
		if err != nil {
			return nil, err
		}
		all = append(all, page...)

		// A short page is the last one.
		if len(page) < e.pageSize {
			break
		}
		offset += len(page)
	}
	return all, nil
}

func (e *HTTPExtractor) fetchPage(ctx context.Context, target string) ([]RawRecord, error) {
	start := time.Now()
	e.log.Debug("fetching source page", zap.String("url", target))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrSourceUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.log.Warn("source request failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		e.log.Warn("source returned error status", zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%w: status %d", ErrSourceUnavailable, resp.StatusCode)
	}

	rows, err := decodeRows(resp.Body)
	if err != nil {
		return nil, err
	}
	e.log.Debug("source page received",
		zap.Int("rows", len(rows)),
		zap.Duration("duration", time.Since(start)),
	)
	return rows, nil
}

// FileExtractor reads a JSON array of objects from disk. It is what the seed
// command and tests use in place of the remote source.
type FileExtractor struct {
	Path string
}

func (f FileExtractor) Fetch(ctx context.Context) ([]RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer fh.Close()
	return decodeRows(fh)
}

// decodeRows accepts only a JSON array whose elements are all objects.
func decodeRows(r io.Reader) ([]RawRecord, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var items []any
	if err := dec.Decode(&items); err != nil {
		var ute *json.UnmarshalTypeError
		if errors.As(err, &ute) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: expected a JSON array", ErrMalformedResponse)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if items == nil {
		return nil, fmt.Errorf("%w: expected a JSON array, got null", ErrMalformedResponse)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON array", ErrMalformedResponse)
	}

	rows := make([]RawRecord, 0, len(items))
	for i, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: element %d is not an object", ErrMalformedResponse, i)
		}
		rows = append(rows, obj)
	}
	return rows, nil
}

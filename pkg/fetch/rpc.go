package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ericvolp12/feedsync/pkg/feed"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("rate limited")

// PageRequest is the argument object of the paged query function. Nil fields
// are sent as null, which the function reads as "any" or "first page".
type PageRequest struct {
	Category       *string    `json:"category"`
	Status         *string    `json:"status"`
	AfterCreatedAt *time.Time `json:"after_created_at"`
	AfterID        *string    `json:"after_id"`
	PageSize       int        `json:"page_size"`
}

// NewPageRequest builds the query arguments for filter and cursor.
func NewPageRequest(filter feed.Filter, after *feed.Cursor) PageRequest {
	req := PageRequest{PageSize: filter.PageSize}
	if filter.Category != "" {
		req.Category = &filter.Category
	}
	if filter.Status != "" {
		req.Status = &filter.Status
	}
	if after != nil {
		at := after.CreatedAt.UTC()
		id := after.ID
		req.AfterCreatedAt = &at
		req.AfterID = &id
	}
	return req
}

// Filter is the inverse of NewPageRequest.
func (r PageRequest) Filter() feed.Filter {
	f := feed.Filter{PageSize: r.PageSize}
	if r.Category != nil {
		f.Category = *r.Category
	}
	if r.Status != nil {
		f.Status = *r.Status
	}
	return f
}

// After returns the cursor the request pages after, or nil for a first page.
func (r PageRequest) After() *feed.Cursor {
	if r.AfterCreatedAt == nil || r.AfterID == nil {
		return nil
	}
	return &feed.Cursor{CreatedAt: r.AfterCreatedAt.UTC(), ID: *r.AfterID}
}

type RPCConfig struct {
	BaseURL  string
	Function string
	APIKey   string
	Timeout  time.Duration
	// RequestsPerSecond of zero disables rate limiting.
	RequestsPerSecond float64
	Burst             int
}

// RPCFetcher calls a paged query function over HTTP: POST {base}/rpc/{function}.
type RPCFetcher struct {
	Logger   *slog.Logger
	Endpoint string
	Function string
	APIKey   string
	Limiter  *rate.Limiter

	Client *http.Client
}

var tracer = otel.Tracer("fetch")

func NewRPCFetcher(logger *slog.Logger, cfg RPCConfig) (*RPCFetcher, error) {
	if cfg.Function == "" {
		return nil, fmt.Errorf("rpc function name is required")
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &RPCFetcher{
		Logger:   logger.With("module", "fetch", "function", cfg.Function),
		Endpoint: base.JoinPath("rpc", cfg.Function).String(),
		Function: cfg.Function,
		APIKey:   cfg.APIKey,
		Limiter:  limiter,
		Client:   client,
	}, nil
}

func (f *RPCFetcher) FetchPage(ctx context.Context, filter feed.Filter, after *feed.Cursor) (feed.Page, error) {
	ctx, span := tracer.Start(ctx, "FetchPage")
	defer span.End()

	span.SetAttributes(
		attribute.String("function", f.Function),
		attribute.String("filter", filter.String()),
		attribute.Bool("first_page", after == nil),
	)

	start := time.Now()
	page, err := f.fetchPage(ctx, filter, after)
	requestDuration.WithLabelValues("rpc", f.Function).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		requestsTotal.WithLabelValues("rpc", f.Function, string(feed.Classify(err))).Inc()
		return feed.Page{}, err
	}

	requestsTotal.WithLabelValues("rpc", f.Function, "ok").Inc()
	rowsReturned.WithLabelValues("rpc", f.Function).Observe(float64(len(page.Records)))
	span.SetAttributes(attribute.Int("rows", len(page.Records)))

	return page, nil
}

func (f *RPCFetcher) fetchPage(ctx context.Context, filter feed.Filter, after *feed.Cursor) (feed.Page, error) {
	body, err := json.Marshal(NewPageRequest(filter, after))
	if err != nil {
		return feed.Page{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(body))
	if err != nil {
		return feed.Page{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "feedsync")
	if f.APIKey != "" {
		req.Header.Set("apikey", f.APIKey)
		req.Header.Set("Authorization", "Bearer "+f.APIKey)
	}

	// Rate limit requests
	err = f.Limiter.Wait(ctx)
	if err != nil {
		return feed.Page{}, fmt.Errorf("failed to wait for rate limiter: %w", err)
	}

	f.Logger.Debug("fetching page", "filter", filter.String(), "after", after)

	resp, err := f.Client.Do(req)
	if err != nil {
		return feed.Page{}, fmt.Errorf("failed to make request: %w: %w", feed.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return feed.Page{}, statusError(resp)
	}

	var rows []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return feed.Page{}, fmt.Errorf("failed to read response: %w: %w", feed.ErrNetwork, err)
		}
		return feed.Page{}, fmt.Errorf("failed to decode rows: %w: %w", feed.ErrBackend, err)
	}

	page, err := PageFromRows(rows)
	if err != nil {
		return feed.Page{}, fmt.Errorf("%w: %w", feed.ErrBackend, err)
	}

	return page, nil
}

// statusError maps a non-2xx response onto the feed error taxonomy. Gateway
// and throttling statuses are transient and count as network errors.
func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	detail := strings.TrimSpace(string(msg))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w: %s", feed.ErrNetwork, ErrRateLimited, resp.Status)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: unexpected response status: %s", feed.ErrNetwork, resp.Status)
	default:
		return fmt.Errorf("%w: unexpected response status: %s: %s", feed.ErrBackend, resp.Status, detail)
	}
}

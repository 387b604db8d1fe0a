package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ericvolp12/feedsync/pkg/feed"
	"github.com/ericvolp12/feedsync/pkg/geo"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pages serves records newest first and can be told to fail.
type pages struct {
	mu      sync.Mutex
	records []feed.Record
	err     error
}

func (p *pages) FetchPage(_ context.Context, filter feed.Filter, after *feed.Cursor) (feed.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return feed.Page{}, p.err
	}

	var out []feed.Record
	for _, r := range p.records {
		if !filter.Matches(r) || (after != nil && !after.Older(r)) {
			continue
		}
		out = append(out, r)
		if len(out) == filter.PageSize {
			return feed.Page{Records: out, Next: feed.CursorOf(r)}, nil
		}
	}
	return feed.Page{Records: out}, nil
}

func (p *pages) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

type quietSubscriber struct{}

func (quietSubscriber) Subscribe(context.Context, feed.Filter, func(feed.Event)) (feed.Handle, error) {
	return feed.NewHandle(func() error { return nil }), nil
}

type response struct {
	Filter  feed.Filter      `json:"filter"`
	Records []map[string]any `json:"records"`
	Cursor  *feed.Cursor     `json:"cursor"`
	Phase   string           `json:"phase"`
	Err     *feed.ErrorInfo  `json:"error"`
}

func (r response) ids() []string {
	var out []string
	for _, rec := range r.Records {
		out = append(out, rec["id"].(string))
	}
	return out
}

func newTestAPI(t *testing.T) (*pages, *geo.Provider, *httptest.Server) {
	t.Helper()

	manzini := &feed.Location{Lat: -26.4833, Lng: 31.3667}
	mbabane := &feed.Location{Lat: -26.3167, Lng: 31.1333}

	src := &pages{}
	for i, category := range []string{"plumbing", "electrical", "plumbing", "plumbing", "electrical"} {
		loc := manzini
		if i%2 == 1 {
			loc = mbabane
		}
		src.records = append(src.records, feed.Record{
			ID:        fmt.Sprintf("r%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			Category:  category,
			Status:    "open",
			Location:  loc,
		})
	}
	slices.Reverse(src.records)

	f, err := feed.Open(context.Background(), testLogger(), "gigs", feed.Filter{PageSize: 2}, src, quietSubscriber{})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	provider := geo.NewProvider(testLogger(), geo.NewMemoryStore(), geo.DefaultCoord)

	a := NewAPI(f, provider)
	a.Annotate(context.Background())

	e := echo.New()
	a.Register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return src, provider, srv
}

func call(t *testing.T, method, url, body string) (int, response) {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out response
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestAPI_GetFeed(t *testing.T) {
	_, _, srv := newTestAPI(t)

	status, got := call(t, http.MethodGet, srv.URL+"/feed", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"r4", "r3"}, got.ids())
	assert.Equal(t, "idle", got.Phase)
	assert.Equal(t, 2, got.Filter.PageSize)
	require.NotNil(t, got.Cursor)
	assert.Equal(t, "r3", got.Cursor.ID)

	// r4 sits in Manzini, the default reference location.
	assert.InDelta(t, 0, got.Records[0]["distance_km"], 0.001)
	assert.InDelta(t, 30.3, got.Records[1]["distance_km"], 1)
}

func TestAPI_LoadMoreAndRefresh(t *testing.T) {
	_, _, srv := newTestAPI(t)

	status, got := call(t, http.MethodPost, srv.URL+"/feed/more", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"r4", "r3", "r2", "r1"}, got.ids())

	status, got = call(t, http.MethodPost, srv.URL+"/feed/refresh", `{"category": "plumbing", "page_size": 5}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"r3", "r2", "r0"}, got.ids())
	assert.Nil(t, got.Cursor)
	assert.Equal(t, "plumbing", got.Filter.Category)

	// An empty body keeps the current filter.
	status, got = call(t, http.MethodPost, srv.URL+"/feed/refresh", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, feed.Filter{Category: "plumbing", PageSize: 5}, got.Filter)
}

func TestAPI_RefreshValidation(t *testing.T) {
	_, _, srv := newTestAPI(t)

	status, _ := call(t, http.MethodPost, srv.URL+"/feed/refresh", `{"page_size": 0}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, http.MethodPost, srv.URL+"/feed/refresh", `{"page_size": "many"}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPI_FetchFailureKeepsRecords(t *testing.T) {
	src, _, srv := newTestAPI(t)

	src.fail(fmt.Errorf("dial: %w", feed.ErrNetwork))
	status, got := call(t, http.MethodPost, srv.URL+"/feed/refresh", "")
	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.Equal(t, "error", got.Phase)
	require.NotNil(t, got.Err)
	assert.Equal(t, feed.KindNetwork, got.Err.Kind)
	assert.Equal(t, []string{"r4", "r3"}, got.ids())

	src.fail(fmt.Errorf("relation missing: %w", feed.ErrBackend))
	status, got = call(t, http.MethodPost, srv.URL+"/feed/more", "")
	assert.Equal(t, http.StatusBadGateway, status)
	require.NotNil(t, got.Err)
	assert.Equal(t, feed.KindBackend, got.Err.Kind)

	src.fail(nil)
	status, got = call(t, http.MethodPost, srv.URL+"/feed/refresh", "")
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, got.Err)
}

func TestAPI_PutLocation(t *testing.T) {
	_, provider, srv := newTestAPI(t)

	status, _ := call(t, http.MethodPut, srv.URL+"/location", `{"lat": -26.3167, "lng": 31.1333}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, geo.Coord{Lat: -26.3167, Lng: 31.1333}, provider.Resolve(context.Background()))

	_, got := call(t, http.MethodGet, srv.URL+"/feed", "")
	require.Len(t, got.Records, 2)
	assert.InDelta(t, 30.3, got.Records[0]["distance_km"], 1)
	assert.InDelta(t, 0, got.Records[1]["distance_km"], 0.001)

	tests := []struct {
		name string
		body string
	}{
		{"latitude out of range", `{"lat": 91, "lng": 0}`},
		{"longitude out of range", `{"lat": 0, "lng": -181}`},
		{"not json", `lat=1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := call(t, http.MethodPut, srv.URL+"/location", tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
		})
	}
}

type brokenStore struct{}

func (brokenStore) Load(context.Context) (geo.Coord, error) { return geo.Coord{}, geo.ErrNoCoord }
func (brokenStore) Save(context.Context, geo.Coord) error { return errors.New("disk full") }

func TestAPI_PutLocationStoreFailure(t *testing.T) {
	f, err := feed.Open(context.Background(), testLogger(), "gigs", feed.Filter{PageSize: 2}, &pages{}, quietSubscriber{})
	require.NoError(t, err)
	defer f.Close()

	e := echo.New()
	NewAPI(f, geo.NewProvider(testLogger(), brokenStore{}, geo.DefaultCoord)).Register(e)

	req := httptest.NewRequest(http.MethodPut, "/location", strings.NewReader(`{"lat": 1, "lng": 2}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAPI_ClosedFeed(t *testing.T) {
	f, err := feed.Open(context.Background(), testLogger(), "gigs", feed.Filter{PageSize: 2}, &pages{}, quietSubscriber{})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	e := echo.New()
	NewAPI(f, geo.NewProvider(testLogger(), geo.NewMemoryStore(), geo.DefaultCoord)).Register(e)

	req := httptest.NewRequest(http.MethodPost, "/feed/more", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

package fetch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ericvolp12/feedsync/pkg/feed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordedCall struct {
	path   string
	apiKey string
	req    PageRequest
}

func newRPCServer(t *testing.T, handler func(w http.ResponseWriter, req PageRequest)) (*httptest.Server, func() []recordedCall) {
	t.Helper()

	var mu sync.Mutex
	var calls []recordedCall

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req PageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		mu.Lock()
		calls = append(calls, recordedCall{path: r.URL.Path, apiKey: r.Header.Get("apikey"), req: req})
		mu.Unlock()

		handler(w, req)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []recordedCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedCall(nil), calls...)
	}
}

func newFetcher(t *testing.T, base string) *RPCFetcher {
	t.Helper()
	f, err := NewRPCFetcher(testLogger(), RPCConfig{
		BaseURL:  base,
		Function: "page_gigs",
		APIKey:   "anon-key",
		Timeout:  time.Second,
	})
	require.NoError(t, err)
	return f
}

func TestRPCFetcher_FetchPage(t *testing.T) {
	srv, calls := newRPCServer(t, func(w http.ResponseWriter, req PageRequest) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[
			{"id": "A", "created_at": "2024-03-01T10:00:05Z", "category": "plumbing", "status": "open",
			 "next_created_at": "2024-03-01T10:00:04Z", "next_id": "bogus"},
			{"id": "B", "created_at": "2024-03-01T10:00:04Z", "category": "plumbing", "status": "open",
			 "title": "Leaking tap",
			 "next_created_at": "2024-03-01T10:00:04Z", "next_id": "B"}
		]`)
	})

	f := newFetcher(t, srv.URL+"/")
	filter := feed.Filter{Category: "plumbing", PageSize: 2}

	page, err := f.FetchPage(context.Background(), filter, nil)
	require.NoError(t, err)

	require.Len(t, page.Records, 2)
	assert.Equal(t, "A", page.Records[0].ID)
	assert.Equal(t, map[string]any{"title": "Leaking tap"}, page.Records[1].Payload, "hints never reach the payload")
	require.NotNil(t, page.Next)
	assert.Equal(t, "B", page.Next.ID, "only the last row's hints are read")
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 4, 0, time.UTC), page.Next.CreatedAt)

	after := feed.Cursor{CreatedAt: time.Date(2024, 3, 1, 10, 0, 4, 0, time.UTC), ID: "B"}
	_, err = f.FetchPage(context.Background(), filter, &after)
	require.NoError(t, err)

	got := calls()
	require.Len(t, got, 2)
	assert.Equal(t, "/rpc/page_gigs", got[0].path)
	assert.Equal(t, "anon-key", got[0].apiKey)
	assert.Nil(t, got[0].req.After())
	assert.Nil(t, got[0].req.Status)
	assert.Equal(t, filter, got[0].req.Filter())

	require.NotNil(t, got[1].req.After())
	assert.Equal(t, after, *got[1].req.After())
}

func TestRPCFetcher_EndOfFeed(t *testing.T) {
	srv, _ := newRPCServer(t, func(w http.ResponseWriter, req PageRequest) {
		_, _ = io.WriteString(w, `[{"id": "A", "created_at": "2024-03-01T10:00:05Z", "next_created_at": null, "next_id": null}]`)
	})

	page, err := newFetcher(t, srv.URL).FetchPage(context.Background(), feed.Filter{PageSize: 2}, nil)
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
	assert.Nil(t, page.Next)

	srv, _ = newRPCServer(t, func(w http.ResponseWriter, req PageRequest) {
		_, _ = io.WriteString(w, `[]`)
	})
	page, err = newFetcher(t, srv.URL).FetchPage(context.Background(), feed.Filter{PageSize: 2}, nil)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Nil(t, page.Next)
}

func TestRPCFetcher_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"bad request", http.StatusBadRequest, `{"message": "column does not exist"}`, feed.ErrBackend},
		{"forbidden", http.StatusForbidden, `{"message": "permission denied"}`, feed.ErrBackend},
		{"bad gateway", http.StatusBadGateway, ``, feed.ErrNetwork},
		{"unavailable", http.StatusServiceUnavailable, ``, feed.ErrNetwork},
		{"throttled", http.StatusTooManyRequests, ``, ErrRateLimited},
		{"garbage", http.StatusOK, `{"not": "an array"}`, feed.ErrBackend},
		{"row without id", http.StatusOK, `[{"created_at": "2024-03-01T10:00:05Z"}]`, feed.ErrBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newRPCServer(t, func(w http.ResponseWriter, req PageRequest) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := newFetcher(t, srv.URL).FetchPage(context.Background(), feed.Filter{PageSize: 2}, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRPCFetcher_TransportFailureIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	f, err := NewRPCFetcher(testLogger(), RPCConfig{
		BaseURL:  srv.URL,
		Function: "page_gigs",
		Timeout:  20 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = f.FetchPage(context.Background(), feed.Filter{PageSize: 2}, nil)
	require.ErrorIs(t, err, feed.ErrNetwork)
	assert.Equal(t, feed.KindNetwork, feed.Classify(err))

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	f, err = NewRPCFetcher(testLogger(), RPCConfig{BaseURL: closed.URL, Function: "page_gigs"})
	require.NoError(t, err)
	_, err = f.FetchPage(context.Background(), feed.Filter{PageSize: 2}, nil)
	assert.ErrorIs(t, err, feed.ErrNetwork)
}

func TestNewRPCFetcher_Validation(t *testing.T) {
	_, err := NewRPCFetcher(testLogger(), RPCConfig{BaseURL: "http://localhost"})
	assert.Error(t, err)

	_, err = NewRPCFetcher(testLogger(), RPCConfig{BaseURL: "localhost:8080", Function: "f"})
	assert.Error(t, err)

	f, err := NewRPCFetcher(testLogger(), RPCConfig{BaseURL: "http://localhost:3000/rest/v1/", Function: "page_gigs", RequestsPerSecond: 5})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000/rest/v1/rpc/page_gigs", f.Endpoint)
	assert.Equal(t, 1, f.Limiter.Burst())
}

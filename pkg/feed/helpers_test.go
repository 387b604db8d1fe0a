package feed

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rec(id string, ms int64) Record {
	return Record{
		ID:        id,
		CreatedAt: time.UnixMilli(ms).UTC(),
		Category:  "plumbing",
		Status:    "open",
	}
}

func ids(s State) []string {
	out := make([]string, 0, len(s.Records))
	for _, r := range s.Records {
		out = append(out, r.ID)
	}
	return out
}

// memStore pages through an in-memory table with the same keyset semantics as
// the real backends.
type memStore struct {
	mu      sync.Mutex
	records []Record
	calls   int
	err     error
}

func newMemStore(records ...Record) *memStore {
	sorted := slices.Clone(records)
	slices.SortFunc(sorted, compareRecords)
	return &memStore{records: sorted}
}

func (m *memStore) FetchPage(_ context.Context, filter Filter, after *Cursor) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.err != nil {
		return Page{}, m.err
	}

	out := make([]Record, 0, filter.PageSize)
	for _, r := range m.records {
		if !filter.Matches(r) {
			continue
		}
		if after != nil && !after.Older(r) {
			continue
		}
		out = append(out, r)
		if len(out) == filter.PageSize {
			break
		}
	}

	page := Page{Records: out}
	if len(out) == filter.PageSize {
		page.Next = CursorOf(out[len(out)-1])
	}
	return page, nil
}

func (m *memStore) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *memStore) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// scriptedResponse is one canned FetchPage answer. When started is set it is
// closed as the fetch begins; when release is set the fetch blocks on it.
type scriptedResponse struct {
	page    Page
	err     error
	started chan struct{}
	release chan struct{}
}

type scriptedFetcher struct {
	mu        sync.Mutex
	responses []*scriptedResponse
	afters    []*Cursor
}

func (s *scriptedFetcher) FetchPage(ctx context.Context, _ Filter, after *Cursor) (Page, error) {
	s.mu.Lock()
	resp := s.responses[len(s.afters)]
	s.afters = append(s.afters, after)
	s.mu.Unlock()

	if resp.started != nil {
		close(resp.started)
	}
	if resp.release != nil {
		select {
		case <-resp.release:
		case <-ctx.Done():
			return Page{}, ctx.Err()
		}
	}
	return resp.page, resp.err
}

type fakeSubscriber struct {
	mu       sync.Mutex
	filters  []Filter
	handlers []func(Event)
	disposed []int
	err      error
}

func (s *fakeSubscriber) Subscribe(_ context.Context, filter Filter, onEvent func(Event)) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	idx := len(s.handlers)
	s.filters = append(s.filters, filter)
	s.handlers = append(s.handlers, onEvent)
	s.disposed = append(s.disposed, 0)

	return &countingHandle{sub: s, idx: idx}, nil
}

// countingHandle records every Dispose call, including repeats.
type countingHandle struct {
	sub *fakeSubscriber
	idx int
}

func (h *countingHandle) Dispose() error {
	h.sub.mu.Lock()
	defer h.sub.mu.Unlock()
	h.sub.disposed[h.idx]++
	return nil
}

func (s *fakeSubscriber) emit(idx int, ev Event) {
	s.mu.Lock()
	h := s.handlers[idx]
	s.mu.Unlock()
	h(ev)
}

func (s *fakeSubscriber) disposeCount(idx int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed[idx]
}

func (s *fakeSubscriber) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// live returns the filters of every subscription not yet disposed.
func (s *fakeSubscriber) live() []Filter {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Filter
	for i, n := range s.disposed {
		if n == 0 {
			out = append(out, s.filters[i])
		}
	}
	return out
}

func (s *fakeSubscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Page is one batch returned by a PageFetcher. Next is nil when the store
// returned fewer than Filter.PageSize records.
type Page struct {
	Records []Record
	Next    *Cursor
}

// PageFetcher runs one paged query against the backing store. A nil after
// requests the first page. Failures wrap ErrNetwork or ErrBackend.
type PageFetcher interface {
	FetchPage(ctx context.Context, filter Filter, after *Cursor) (Page, error)
}

type PageFetcherFunc func(ctx context.Context, filter Filter, after *Cursor) (Page, error)

func (f PageFetcherFunc) FetchPage(ctx context.Context, filter Filter, after *Cursor) (Page, error) {
	return f(ctx, filter, after)
}

type EventKind int

const (
	EventInsert EventKind = iota + 1
	EventUpdate
	EventDelete
)

func (k EventKind) String() string {
	switch k {
	case EventInsert:
		return "insert"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseEventKind reads the change type names used by the realtime backends.
func ParseEventKind(s string) (EventKind, error) {
	switch strings.ToLower(s) {
	case "insert", "create":
		return EventInsert, nil
	case "update", "replace":
		return EventUpdate, nil
	case "delete":
		return EventDelete, nil
	default:
		return 0, fmt.Errorf("unknown event kind %q", s)
	}
}

// Event is a single pushed change. Delivery may duplicate or reorder events.
type Event struct {
	Kind   EventKind
	Record Record
}

// Subscriber opens a realtime subscription scoped to filter. onEvent may be
// called from any goroutine until the returned Handle is disposed.
type Subscriber interface {
	Subscribe(ctx context.Context, filter Filter, onEvent func(Event)) (Handle, error)
}

// Handle releases a subscription. Dispose is idempotent.
type Handle interface {
	Dispose() error
}

type onceHandle struct {
	once sync.Once
	fn   func() error
	err  error
}

// NewHandle wraps fn so that it runs at most once.
func NewHandle(fn func() error) Handle {
	return &onceHandle{fn: fn}
}

func (h *onceHandle) Dispose() error {
	h.once.Do(func() {
		h.err = h.fn()
	})
	return h.err
}

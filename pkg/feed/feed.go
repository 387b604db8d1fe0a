package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ericvolp12/feedsync/pkg/geo"
)

var ErrClosed = errors.New("feed closed")

// Feed ties one Reconciler to the realtime subscription of its filter. The
// subscription is acquired by Open and released by Close, or replaced when a
// refresh switches filters.
type Feed struct {
	logger     *slog.Logger
	name       string
	subscriber Subscriber
	rec        *Reconciler

	mu     sync.Mutex
	handle Handle

	// Event callbacks read these without holding mu.
	gen    atomic.Uint64
	closed atomic.Bool
}

// Open subscribes to filter's realtime scope and loads the first page. A
// failing first page does not fail Open: the error is in State like any
// other fetch error, and the caller retries with Refresh.
func Open(ctx context.Context, logger *slog.Logger, name string, filter Filter, fetcher PageFetcher, subscriber Subscriber) (*Feed, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	f := &Feed{
		logger:     logger.With("module", "feed", "feed", name),
		name:       name,
		subscriber: subscriber,
		rec:        NewReconciler(logger, name, fetcher, filter),
	}

	f.mu.Lock()
	h, err := f.subscribeLocked(ctx, filter)
	if err == nil {
		f.handle = h
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := f.rec.Refresh(ctx, filter); err != nil {
		f.logger.Warn("initial refresh failed", "err", err)
	}

	return f, nil
}

// subscribeLocked opens a subscription for filter. Its events reach the
// reconciler only once the subscription is made current, which also silences
// the previous one.
func (f *Feed) subscribeLocked(ctx context.Context, filter Filter) (Handle, error) {
	gen := f.gen.Load() + 1

	onEvent := func(ev Event) {
		if f.gen.Load() != gen || f.closed.Load() {
			return
		}
		f.rec.OnEvent(ev)
	}

	handle, err := f.subscriber.Subscribe(ctx, filter, onEvent)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %s: %w", filter, err)
	}

	f.gen.Store(gen)
	f.logger.Info("subscribed", "filter", filter.String())
	return handle, nil
}

// Refresh reloads the first page. When filter differs from the current one the
// new subscription is opened first; if that fails the feed keeps its current
// filter, records and subscription, and the error is reported in State.
func (f *Feed) Refresh(ctx context.Context, filter Filter) error {
	if err := filter.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	if f.closed.Load() {
		f.mu.Unlock()
		return ErrClosed
	}
	if filter != f.rec.Filter() {
		h, err := f.subscribeLocked(ctx, filter)
		if err != nil {
			f.mu.Unlock()
			f.rec.noteSubscriptionError(err)
			return err
		}
		if err := f.disposeLocked(); err != nil {
			f.logger.Warn("failed to dispose previous subscription", "err", err)
		}
		f.handle = h
	}
	// The filter is committed before mu is released so that the reconciler
	// and the current subscription always agree on it.
	seq := f.rec.begin(filter)
	f.mu.Unlock()

	return f.rec.complete(ctx, filter, seq)
}

func (f *Feed) LoadMore(ctx context.Context) error {
	if f.closed.Load() {
		return ErrClosed
	}
	return f.rec.LoadMore(ctx)
}

func (f *Feed) AnnotateDistance(origin geo.Coord) {
	f.rec.AnnotateDistance(origin)
}

func (f *Feed) State() State {
	return f.rec.State()
}

func (f *Feed) Filter() Filter {
	return f.rec.Filter()
}

func (f *Feed) Updates() <-chan struct{} {
	return f.rec.Updates()
}

// Close releases the subscription. Further calls are no-ops.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed.Swap(true) {
		return nil
	}
	f.logger.Info("closing feed")
	return f.disposeLocked()
}

func (f *Feed) disposeLocked() error {
	if f.handle == nil {
		return nil
	}
	h := f.handle
	f.handle = nil
	return h.Dispose()
}

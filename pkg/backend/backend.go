package backend

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ericvolp12/feedsync/pkg/feed"
	"github.com/ericvolp12/feedsync/pkg/realtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// FunctionPrefix names the paged query function of a table: page_{table}.
const FunctionPrefix = "page_"

// Publisher delivers change envelopes to realtime consumers.
type Publisher interface {
	Publish(ctx context.Context, env realtime.Envelope) error
}

type namedPublisher struct {
	name string
	Publisher
}

// Backend is the development stand-in for the hosted store: a paged query
// function per table, record writes and realtime fan-out of every change.
type Backend struct {
	logger     *slog.Logger
	store      *Store
	hub        *Hub
	publishers []namedPublisher
	tables     []string

	ttl           time.Duration
	sweepInterval time.Duration
	shutdown      chan chan error
}

var tracer = otel.Tracer("backend")

// NewBackend serves tables out of store. Records older than ttl are swept
// periodically by Run; a zero ttl keeps everything.
func NewBackend(logger *slog.Logger, store *Store, hub *Hub, tables []string, ttl time.Duration) (*Backend, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("at least one table is required")
	}

	b := &Backend{
		logger:        logger.With("module", "backend"),
		store:         store,
		hub:           hub,
		tables:        slices.Clone(tables),
		ttl:           ttl,
		sweepInterval: 5 * time.Minute,
		shutdown:      make(chan chan error),
	}
	b.AddPublisher("websocket", hub)

	return b, nil
}

// AddPublisher fans changes out to p in addition to the websocket hub.
func (b *Backend) AddPublisher(name string, p Publisher) {
	b.publishers = append(b.publishers, namedPublisher{name: name, Publisher: p})
}

func (b *Backend) hasTable(table string) bool {
	return slices.Contains(b.tables, table)
}

func (b *Backend) defaultTable() string {
	return b.tables[0]
}

func (b *Backend) publish(ctx context.Context, table string, ev feed.Event) {
	ctx, span := tracer.Start(ctx, "Publish")
	defer span.End()

	span.SetAttributes(
		attribute.String("table", table),
		attribute.String("kind", ev.Kind.String()),
		attribute.String("id", ev.Record.ID),
	)

	env := realtime.NewEnvelope(table, ev, time.Now())
	for _, p := range b.publishers {
		if err := p.Publish(ctx, env); err != nil {
			publishErrors.WithLabelValues(p.name).Inc()
			b.logger.Error("failed to publish change", "publisher", p.name, "table", table, "id", ev.Record.ID, "err", err)
		}
	}
}

func (b *Backend) Create(ctx context.Context, table string, rec feed.Record) (feed.Record, error) {
	created, err := b.store.Create(ctx, table, rec)
	if err != nil {
		return feed.Record{}, err
	}
	writesTotal.WithLabelValues(table, "create").Inc()
	b.publish(ctx, table, feed.Event{Kind: feed.EventInsert, Record: created})
	return created, nil
}

func (b *Backend) Update(ctx context.Context, table, id string, patch PatchRequest) (feed.Record, error) {
	updated, err := b.store.Update(ctx, table, id, patch)
	if err != nil {
		return feed.Record{}, err
	}
	writesTotal.WithLabelValues(table, "update").Inc()
	b.publish(ctx, table, feed.Event{Kind: feed.EventUpdate, Record: updated})
	return updated, nil
}

func (b *Backend) Delete(ctx context.Context, table, id string) (feed.Record, error) {
	deleted, err := b.store.Delete(ctx, table, id)
	if err != nil {
		return feed.Record{}, err
	}
	writesTotal.WithLabelValues(table, "delete").Inc()
	b.publish(ctx, table, feed.Event{Kind: feed.EventDelete, Record: deleted})
	return deleted, nil
}

// Run sweeps expired records until Shutdown is called or ctx is done.
func (b *Backend) Run(ctx context.Context) error {
	b.logger.Info("running", "tables", b.tables, "ttl", b.ttl)

	var tick <-chan time.Time
	if b.ttl > 0 {
		ticker := time.NewTicker(b.sweepInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case errCh := <-b.shutdown:
			b.logger.Info("shutting down run loop")
			b.hub.Close()
			errCh <- nil
			return nil
		case <-tick:
			b.sweep(ctx)
		}
	}
}

func (b *Backend) sweep(ctx context.Context) {
	b.logger.Info("deleting expired records")

	rows, err := b.store.Expire(ctx, time.Now().Add(-b.ttl))
	if err != nil {
		b.logger.Error("failed to delete expired records", "err", err)
		return
	}

	for _, row := range rows {
		writesTotal.WithLabelValues(row.Source, "expire").Inc()
		b.publish(ctx, row.Source, feed.Event{Kind: feed.EventDelete, Record: row.Record()})
	}

	b.logger.Info("expired records deleted", "count", len(rows))
}

func (b *Backend) Shutdown(ctx context.Context) error {
	b.logger.Info("attempting to shutdown backend")
	errCh := make(chan error)
	select {
	case b.shutdown <- errCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-errCh
}

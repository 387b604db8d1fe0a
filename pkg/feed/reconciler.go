package feed

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ericvolp12/feedsync/pkg/geo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	opRefresh   = "refresh"
	opLoadMore  = "load_more"
	opSubscribe = "subscribe"
)

// Outcomes of applying a realtime event.
const (
	outcomeApplied  = "applied"
	outcomeIgnored  = "ignored"
	outcomeGap      = "gap"
	outcomeStale    = "stale"
	outcomeQueued   = "queued"
	outcomeFiltered = "filtered"
	outcomeLeft     = "left" // a held record moved out of the filter
)

// State is a read-only snapshot of a feed.
type State struct {
	Records []Record   `json:"records"`
	Cursor  *Cursor    `json:"cursor"`
	Phase   Phase      `json:"phase"`
	Err     *ErrorInfo `json:"error"`
}

// Reconciler owns the canonical, ordered, deduplicated collection of a feed
// and merges page fetches and realtime events into it. Fetches run outside
// the lock; every mutation is applied whole under it.
type Reconciler struct {
	logger  *slog.Logger
	name    string
	fetcher PageFetcher

	mu      sync.Mutex
	filter  Filter
	records []Record
	held    map[string]time.Time // id -> created_at of the held copy
	cursor  *Cursor
	phase   Phase
	lastErr *ErrorInfo
	seq     uint64
	pending []Event
	origin  *geo.Coord

	updates chan struct{}
}

var tracer = otel.Tracer("feed")

func NewReconciler(logger *slog.Logger, name string, fetcher PageFetcher, filter Filter) *Reconciler {
	return &Reconciler{
		logger:  logger.With("module", "reconciler", "feed", name),
		name:    name,
		fetcher: fetcher,
		filter:  filter,
		held:    make(map[string]time.Time),
		phase:   PhaseIdle,
		updates: make(chan struct{}, 1),
	}
}

// Updates signals after every visible change. Signals coalesce; read State
// to get the current collection.
func (r *Reconciler) Updates() <-chan struct{} {
	return r.updates
}

func (r *Reconciler) Filter() Filter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter
}

func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := State{
		Records: slices.Clone(r.records),
		Phase:   r.phase,
	}
	if s.Records == nil {
		s.Records = []Record{}
	}
	if r.cursor != nil {
		c := *r.cursor
		s.Cursor = &c
	}
	if r.lastErr != nil {
		e := *r.lastErr
		s.Err = &e
	}
	return s
}

// Refresh fetches the first page for filter and replaces the collection with
// it. A later Refresh supersedes this one: when the response arrives after a
// newer request has started it is dropped. On failure the last good records
// stay in place, unless filter differs from the previous one, in which case
// they were discarded up front.
func (r *Reconciler) Refresh(ctx context.Context, filter Filter) error {
	seq := r.begin(filter)
	return r.complete(ctx, filter, seq)
}

// begin commits filter and claims the next request sequence. Everything that
// arrives after it is judged against filter.
func (r *Reconciler) begin(filter Filter) uint64 {
	r.mu.Lock()
	if filter != r.filter {
		r.logger.Info("filter changed, discarding collection", "from", r.filter.String(), "to", filter.String())
		r.filter = filter
		r.reset()
	}
	r.seq++
	seq := r.seq
	r.setPhase(PhaseRefreshing)
	r.observe()
	r.mu.Unlock()
	r.notify()

	return seq
}

// complete runs the first-page fetch claimed by begin and applies it unless a
// newer request has started since.
func (r *Reconciler) complete(ctx context.Context, filter Filter, seq uint64) error {
	ctx, span := tracer.Start(ctx, "Refresh")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("seq", int64(seq)),
		attribute.String("filter", filter.String()),
	)

	start := time.Now()
	page, err := r.fetcher.FetchPage(ctx, filter, nil)
	fetchDuration.WithLabelValues(r.name, opRefresh).Observe(time.Since(start).Seconds())

	r.mu.Lock()
	defer r.notify()
	defer r.mu.Unlock()

	if seq != r.seq {
		r.logger.Debug("discarding superseded refresh", "seq", seq, "latest", r.seq)
		fetchesTotal.WithLabelValues(r.name, opRefresh, "stale").Inc()
		return nil
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.fail(opRefresh, err)
		r.replayPending()
		r.observe()
		return fmt.Errorf("refresh %s: %w", filter, err)
	}

	r.replace(page.Records)
	r.cursor = copyCursor(page.Next)
	r.lastErr = nil
	r.setPhase(PhaseIdle)
	r.replayPending()
	r.observe()

	fetchesTotal.WithLabelValues(r.name, opRefresh, "ok").Inc()
	r.logger.Debug("refreshed", "records", len(r.records), "more", r.cursor != nil)

	return nil
}

// LoadMore fetches the page after the cursor and appends records that are not
// held yet. It does nothing when the feed is exhausted or a fetch is in flight.
func (r *Reconciler) LoadMore(ctx context.Context) error {
	r.mu.Lock()
	if r.cursor == nil || !r.phase.CanTransition(PhaseLoadingMore) {
		r.logger.Debug("skipping load more", "phase", r.phase.String(), "exhausted", r.cursor == nil)
		fetchesTotal.WithLabelValues(r.name, opLoadMore, "skipped").Inc()
		r.mu.Unlock()
		return nil
	}
	r.seq++
	seq := r.seq
	after := *r.cursor
	filter := r.filter
	r.setPhase(PhaseLoadingMore)
	r.mu.Unlock()
	r.notify()

	ctx, span := tracer.Start(ctx, "LoadMore")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("seq", int64(seq)),
		attribute.String("filter", filter.String()),
		attribute.String("after", after.String()),
	)

	start := time.Now()
	page, err := r.fetcher.FetchPage(ctx, filter, &after)
	fetchDuration.WithLabelValues(r.name, opLoadMore).Observe(time.Since(start).Seconds())

	r.mu.Lock()
	defer r.notify()
	defer r.mu.Unlock()

	if seq != r.seq {
		r.logger.Debug("discarding superseded load more", "seq", seq, "latest", r.seq)
		fetchesTotal.WithLabelValues(r.name, opLoadMore, "stale").Inc()
		return nil
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.fail(opLoadMore, err)
		return fmt.Errorf("load more %s after %s: %w", filter, after, err)
	}

	added := 0
	for _, rec := range page.Records {
		if _, ok := r.held[rec.ID]; ok {
			continue
		}
		r.insert(rec)
		added++
	}
	r.cursor = copyCursor(page.Next)
	r.lastErr = nil
	r.setPhase(PhaseIdle)
	r.observe()

	fetchesTotal.WithLabelValues(r.name, opLoadMore, "ok").Inc()
	r.logger.Debug("loaded more", "added", added, "skipped", len(page.Records)-added, "more", r.cursor != nil)

	return nil
}

// OnEvent merges a realtime change. Events that arrive while a refresh is in
// flight are queued and replayed once it settles.
func (r *Reconciler) OnEvent(ev Event) {
	r.mu.Lock()
	if r.phase == PhaseRefreshing {
		r.pending = append(r.pending, ev)
		pendingEvents.WithLabelValues(r.name).Set(float64(len(r.pending)))
		realtimeEvents.WithLabelValues(r.name, ev.Kind.String(), outcomeQueued).Inc()
		r.mu.Unlock()
		return
	}

	outcome := r.apply(ev)
	r.observe()
	r.mu.Unlock()

	realtimeEvents.WithLabelValues(r.name, ev.Kind.String(), outcome).Inc()
	if outcome == outcomeApplied || outcome == outcomeLeft {
		r.notify()
	}
}

// noteSubscriptionError records a failed resubscription in State without
// touching the phase or the collection.
func (r *Reconciler) noteSubscriptionError(err error) {
	r.mu.Lock()
	r.lastErr = newErrorInfo(opSubscribe, err)
	r.mu.Unlock()
	r.notify()
}

// AnnotateDistance attaches the distance from origin to every located record
// and keeps doing so for records that arrive later.
func (r *Reconciler) AnnotateDistance(origin geo.Coord) {
	r.mu.Lock()
	r.origin = &origin
	for i := range r.records {
		r.records[i] = r.annotate(r.records[i])
	}
	r.mu.Unlock()
	r.notify()
}

func (r *Reconciler) apply(ev Event) string {
	rec := ev.Record

	switch ev.Kind {
	case EventDelete:
		if r.remove(rec.ID) {
			return outcomeApplied
		}
		return outcomeIgnored
	case EventInsert, EventUpdate:
		held, ok := r.get(rec.ID)
		if ok && isStaleUpdate(held, rec) {
			return outcomeStale
		}

		if !r.filter.Matches(rec) {
			if !ok {
				return outcomeFiltered
			}
			r.remove(rec.ID)
			return outcomeLeft
		}

		if ok {
			r.remove(rec.ID)
			r.insert(rec)
			return outcomeApplied
		}

		if r.opensGap(rec) {
			return outcomeGap
		}

		r.insert(rec)
		return outcomeApplied
	default:
		r.logger.Warn("ignoring event of unknown kind", "kind", int(ev.Kind), "id", rec.ID)
		return outcomeIgnored
	}
}

// opensGap reports whether rec belongs to history that is not fetched yet:
// older than everything held, or than the cursor once nothing is held.
func (r *Reconciler) opensGap(rec Record) bool {
	if r.cursor == nil {
		return false
	}
	if len(r.records) == 0 {
		return r.cursor.Older(rec)
	}
	return compareRecords(rec, r.records[len(r.records)-1]) > 0
}

func (r *Reconciler) replayPending() {
	if len(r.pending) == 0 {
		return
	}

	pending := r.pending
	r.pending = nil
	pendingEvents.WithLabelValues(r.name).Set(0)

	for _, ev := range pending {
		outcome := r.apply(ev)
		realtimeEvents.WithLabelValues(r.name, ev.Kind.String(), outcome).Inc()
	}

	r.logger.Debug("replayed queued events", "count", len(pending))
}

func (r *Reconciler) replace(records []Record) {
	r.records = make([]Record, 0, len(records))
	r.held = make(map[string]time.Time, len(records))
	for _, rec := range records {
		if _, ok := r.held[rec.ID]; ok {
			continue
		}
		r.insert(rec)
	}
}

func (r *Reconciler) reset() {
	r.records = nil
	r.held = make(map[string]time.Time)
	r.cursor = nil
	r.lastErr = nil
	r.pending = nil
	pendingEvents.WithLabelValues(r.name).Set(0)
}

func (r *Reconciler) insert(rec Record) {
	rec = r.annotate(rec)
	i, _ := slices.BinarySearchFunc(r.records, rec, compareRecords)
	r.records = slices.Insert(r.records, i, rec)
	r.held[rec.ID] = rec.CreatedAt
}

func (r *Reconciler) position(id string) (int, bool) {
	at, ok := r.held[id]
	if !ok {
		return 0, false
	}
	i, found := slices.BinarySearchFunc(r.records, Record{ID: id, CreatedAt: at}, compareRecords)
	if found {
		return i, true
	}
	// Only reachable if the index and the slice disagree.
	r.logger.Error("held record missing from collection", "id", id)
	return slices.IndexFunc(r.records, func(rec Record) bool { return rec.ID == id }), true
}

func (r *Reconciler) get(id string) (Record, bool) {
	i, ok := r.position(id)
	if !ok || i < 0 {
		return Record{}, false
	}
	return r.records[i], true
}

func (r *Reconciler) remove(id string) bool {
	i, ok := r.position(id)
	delete(r.held, id)
	if !ok || i < 0 {
		return false
	}
	r.records = slices.Delete(r.records, i, i+1)
	return true
}

func (r *Reconciler) annotate(rec Record) Record {
	if r.origin == nil {
		return rec
	}
	if rec.Location == nil {
		rec.DistanceKm = nil
		return rec
	}
	d := geo.DistanceKm(*r.origin, geo.Coord{Lat: rec.Location.Lat, Lng: rec.Location.Lng})
	rec.DistanceKm = &d
	return rec
}

func (r *Reconciler) fail(op string, err error) {
	r.lastErr = newErrorInfo(op, err)
	r.setPhase(PhaseError)
	fetchesTotal.WithLabelValues(r.name, op, string(r.lastErr.Kind)).Inc()
	r.logger.Error("fetch failed", "op", op, "kind", r.lastErr.Kind, "err", err)
}

func (r *Reconciler) setPhase(next Phase) {
	if !r.phase.CanTransition(next) {
		r.logger.Warn("unexpected phase transition", "from", r.phase.String(), "to", next.String())
	}
	r.phase = next
}

func (r *Reconciler) observe() {
	heldRecords.WithLabelValues(r.name).Set(float64(len(r.records)))
}

func (r *Reconciler) notify() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}

// isStaleUpdate reports whether incoming carries an updated_at older than the
// held copy. Records without updated_at are always taken.
func isStaleUpdate(held, incoming Record) bool {
	heldAt, ok := updatedAt(held)
	if !ok {
		return false
	}
	incomingAt, ok := updatedAt(incoming)
	if !ok {
		return false
	}
	return incomingAt.Before(heldAt)
}

func updatedAt(r Record) (time.Time, bool) {
	raw, ok := r.Payload["updated_at"]
	if !ok || raw == nil {
		return time.Time{}, false
	}
	t, err := ParseTime(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func copyCursor(c *Cursor) *Cursor {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

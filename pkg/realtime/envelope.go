package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ericvolp12/feedsync/pkg/feed"
)

// Envelope is one change message on the realtime channel.
type Envelope struct {
	Type            string         `json:"type"`
	Table           string         `json:"table"`
	Record          map[string]any `json:"record,omitempty"`
	OldRecord       map[string]any `json:"old_record,omitempty"`
	CommitTimestamp string         `json:"commit_timestamp,omitempty"`
}

var errNoRecord = errors.New("envelope carries no record")

// NewEnvelope describes ev for table. Deletes carry the removed record as
// old_record, everything else as record.
func NewEnvelope(table string, ev feed.Event, at time.Time) Envelope {
	env := Envelope{
		Type:            envelopeType(ev.Kind),
		Table:           table,
		CommitTimestamp: at.UTC().Format(time.RFC3339Nano),
	}
	if ev.Kind == feed.EventDelete {
		env.OldRecord = ev.Record.Document()
	} else {
		env.Record = ev.Record.Document()
	}
	return env
}

func envelopeType(k feed.EventKind) string {
	switch k {
	case feed.EventInsert:
		return "INSERT"
	case feed.EventUpdate:
		return "UPDATE"
	case feed.EventDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Event decodes the envelope into a feed event.
func (e Envelope) Event() (feed.Event, error) {
	kind, err := feed.ParseEventKind(e.Type)
	if err != nil {
		return feed.Event{}, err
	}

	doc := e.Record
	if kind == feed.EventDelete {
		doc = e.OldRecord
		if doc == nil {
			doc = e.Record
		}
	}
	if doc == nil {
		return feed.Event{}, fmt.Errorf("%s on %s: %w", e.Type, e.Table, errNoRecord)
	}

	rec, err := feed.DecodeRecord(doc)
	if err != nil {
		return feed.Event{}, fmt.Errorf("%s on %s: %w", e.Type, e.Table, err)
	}

	return feed.Event{Kind: kind, Record: rec}, nil
}

// DecodeEnvelope parses one raw message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return env, nil
}

// Scope is the subset of changes a realtime client asks for.
type Scope struct {
	Table    string
	Category string
	Status   string
}

func NewScope(table string, filter feed.Filter) Scope {
	return Scope{Table: table, Category: filter.Category, Status: filter.Status}
}

func ScopeFromQuery(q url.Values) Scope {
	return Scope{Table: q.Get("table"), Category: q.Get("category"), Status: q.Get("status")}
}

func (s Scope) Query() url.Values {
	q := url.Values{}
	q.Set("table", s.Table)
	if s.Category != "" {
		q.Set("category", s.Category)
	}
	if s.Status != "" {
		q.Set("status", s.Status)
	}
	return q
}

// Admits reports whether the change described by env belongs to the scope.
// Only inserts are narrowed by category and status: deletes may carry only
// the id, and an update may move a held record out of the scope.
func (s Scope) Admits(env Envelope, ev feed.Event) bool {
	if s.Table != "" && env.Table != s.Table {
		return false
	}
	if ev.Kind != feed.EventInsert {
		return true
	}
	f := feed.Filter{Category: s.Category, Status: s.Status}
	return f.Matches(ev.Record)
}

// Channel is the pub/sub channel name changes to table are published on.
func Channel(table string) string {
	return "realtime:" + table
}

package backend

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ericvolp12/feedsync/pkg/feed"
)

// Row is one record of any feed table. Tables share the schema and are told
// apart by Source.
type Row struct {
	ID        string    `gorm:"primaryKey;index:idx_rows_page,priority:4,sort:desc"`
	Source    string    `gorm:"primaryKey;index:idx_rows_page,priority:1"`
	CreatedAt time.Time `gorm:"index:idx_rows_page,priority:3,sort:desc"`
	UpdatedAt time.Time
	Category  string `gorm:"index:idx_rows_page,priority:2"`
	Status    string `gorm:"index"`
	Lat       *float64
	Lng       *float64
	Address   string
	Payload   []byte // Raw JSON data
}

// Timestamps are kept at microsecond precision so cursors survive a round
// trip through postgres unchanged.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func rowFromRecord(table string, r feed.Record) (Row, error) {
	row := Row{
		ID:        r.ID,
		Source:    table,
		CreatedAt: normalizeTime(r.CreatedAt),
		Category:  r.Category,
		Status:    r.Status,
	}

	if r.Location != nil {
		lat, lng := r.Location.Lat, r.Location.Lng
		row.Lat = &lat
		row.Lng = &lng
		row.Address = r.Location.Address
	}

	if len(r.Payload) > 0 {
		payload, err := json.Marshal(r.Payload)
		if err != nil {
			return Row{}, fmt.Errorf("failed to marshal payload: %w", err)
		}
		row.Payload = payload
	}

	return row, nil
}

func (row Row) Record() feed.Record {
	r := feed.Record{
		ID:        row.ID,
		CreatedAt: row.CreatedAt.UTC(),
		Category:  row.Category,
		Status:    row.Status,
	}

	if row.Lat != nil && row.Lng != nil {
		r.Location = &feed.Location{Lat: *row.Lat, Lng: *row.Lng, Address: row.Address}
	}

	if len(row.Payload) > 0 {
		var payload map[string]any
		if err := json.Unmarshal(row.Payload, &payload); err != nil {
			payload = map[string]any{"error": err.Error()}
		}
		r.Payload = payload
	}

	return r
}

// LocationRequest is a record location in a write request.
type LocationRequest struct {
	Lat     float64 `json:"lat" validate:"min=-90,max=90"`
	Lng     float64 `json:"lng" validate:"min=-180,max=180"`
	Address string  `json:"address" validate:"max=512"`
}

func (l *LocationRequest) location() *feed.Location {
	if l == nil {
		return nil
	}
	return &feed.Location{Lat: l.Lat, Lng: l.Lng, Address: l.Address}
}

// CreateRequest is the body of POST /records.
type CreateRequest struct {
	ID        string           `json:"id" validate:"omitempty,max=128"`
	CreatedAt *time.Time       `json:"created_at"`
	Category  string           `json:"category" validate:"required,max=128"`
	Status    string           `json:"status" validate:"required,max=64"`
	Location  *LocationRequest `json:"location" validate:"omitempty"`
	Payload   map[string]any   `json:"payload"`
}

// PatchRequest is the body of PATCH /records/:id. Absent fields are kept;
// payload keys are merged.
type PatchRequest struct {
	Category *string          `json:"category" validate:"omitempty,min=1,max=128"`
	Status   *string          `json:"status" validate:"omitempty,min=1,max=64"`
	Location *LocationRequest `json:"location" validate:"omitempty"`
	Payload  map[string]any   `json:"payload"`
}

// RecordsResponse is the body of GET /records.
type RecordsResponse struct {
	Records []feed.Record `json:"records"`
	Error   string        `json:"error,omitempty"`
}

type errorResponse struct {
	Message string `json:"message"`
}

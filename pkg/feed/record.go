package feed

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Location is where a listing, vendor or worker is based.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// Record is one entry of a feed: a gig, a vendor item, a worker, a
// notification or a group announcement. Everything the reconciler does not
// need to order, filter or annotate lives in Payload.
type Record struct {
	ID        string
	CreatedAt time.Time
	Category  string
	Status    string
	Location  *Location
	Payload   map[string]any

	// DistanceKm is derived on the client from the reference coordinate and
	// is never sent back to the store.
	DistanceKm *float64
}

// Cursor marks the boundary of the last fetched page. It is always copied
// from the last record the store returned.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

func (c Cursor) String() string {
	return fmt.Sprintf("%s/%s", c.CreatedAt.UTC().Format(time.RFC3339Nano), c.ID)
}

// CursorOf returns the cursor pointing just past r.
func CursorOf(r Record) *Cursor {
	return &Cursor{CreatedAt: r.CreatedAt, ID: r.ID}
}

// Filter identifies a logical feed. Empty Category or Status match anything.
type Filter struct {
	Category string `json:"category,omitempty" validate:"omitempty,max=128"`
	Status   string `json:"status,omitempty" validate:"omitempty,max=64"`
	PageSize int    `json:"page_size" validate:"min=1,max=1000"`
}

var validate = validator.New()

func (f Filter) Validate() error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("invalid filter: %w", err)
	}
	return nil
}

// Matches reports whether r belongs to the feed described by f.
func (f Filter) Matches(r Record) bool {
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

func (f Filter) String() string {
	category, status := f.Category, f.Status
	if category == "" {
		category = "*"
	}
	if status == "" {
		status = "*"
	}
	return fmt.Sprintf("%s/%s/%d", category, status, f.PageSize)
}

// compareKeys orders by created_at descending, then id descending, the same
// order the store pages in.
func compareKeys(aAt time.Time, aID string, bAt time.Time, bID string) int {
	switch {
	case aAt.After(bAt):
		return -1
	case aAt.Before(bAt):
		return 1
	case aID > bID:
		return -1
	case aID < bID:
		return 1
	default:
		return 0
	}
}

func compareRecords(a, b Record) int {
	return compareKeys(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
}

// Older reports whether r sorts after the cursor position, i.e. whether it
// belongs to a page that comes after c.
func (c Cursor) Older(r Record) bool {
	return compareKeys(r.CreatedAt, r.ID, c.CreatedAt, c.ID) > 0
}

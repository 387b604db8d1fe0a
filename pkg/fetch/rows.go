package fetch

import (
	"fmt"

	"github.com/ericvolp12/feedsync/pkg/feed"
)

// Pagination hints the paged query attaches to its rows.
const (
	hintCreatedAt = "next_created_at"
	hintID        = "next_id"
)

// PageFromRows decodes the rows of one paged query response. The hints are
// read from the last row only; a last row without them ends the feed.
func PageFromRows(rows []map[string]any) (feed.Page, error) {
	page := feed.Page{Records: make([]feed.Record, 0, len(rows))}
	if len(rows) == 0 {
		return page, nil
	}

	next, err := cursorFromHints(rows[len(rows)-1])
	if err != nil {
		return feed.Page{}, err
	}
	page.Next = next

	for i, row := range rows {
		delete(row, hintCreatedAt)
		delete(row, hintID)

		rec, err := feed.DecodeRecord(row)
		if err != nil {
			return feed.Page{}, fmt.Errorf("row %d: %w", i, err)
		}
		page.Records = append(page.Records, rec)
	}

	return page, nil
}

func cursorFromHints(row map[string]any) (*feed.Cursor, error) {
	rawAt, okAt := row[hintCreatedAt]
	rawID, okID := row[hintID]
	if !okAt || !okID || rawAt == nil || rawID == nil {
		return nil, nil
	}

	at, err := feed.ParseTime(rawAt)
	if err != nil {
		return nil, fmt.Errorf("bad %s hint: %w", hintCreatedAt, err)
	}

	id := fmt.Sprint(rawID)
	if id == "" {
		return nil, nil
	}

	return &feed.Cursor{CreatedAt: at, ID: id}, nil
}

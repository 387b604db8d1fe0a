package fetch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageFromRows(t *testing.T) {
	rows := []map[string]any{
		{"id": "A", "created_at": float64(5000), "next_created_at": nil, "next_id": nil},
		{"id": "B", "created_at": float64(4000), "next_created_at": float64(4000), "next_id": "B"},
	}

	page, err := PageFromRows(rows)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Nil(t, page.Records[0].Payload)
	require.NotNil(t, page.Next)
	assert.Equal(t, time.UnixMilli(4000).UTC(), page.Next.CreatedAt)

	// Hints on earlier rows are ignored.
	rows = []map[string]any{
		{"id": "A", "created_at": float64(5000), "next_created_at": float64(5000), "next_id": "A"},
		{"id": "B", "created_at": float64(4000)},
	}
	page, err = PageFromRows(rows)
	require.NoError(t, err)
	assert.Nil(t, page.Next)

	_, err = PageFromRows([]map[string]any{{"id": "A", "next_created_at": true, "next_id": "A"}})
	assert.Error(t, err)
}

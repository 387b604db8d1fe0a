package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/araddon/dateparse"
)

// Keys the codec owns. Everything else round-trips through Payload.
const (
	keyID         = "id"
	keyCreatedAt  = "created_at"
	keyCategory   = "category"
	keyStatus     = "status"
	keyLocation   = "location"
	keyDistanceKm = "distance_km"
)

var ErrMissingID = errors.New("record has no id")

// ParseTime accepts the timestamp shapes the backends emit: RFC3339 and
// friends as strings, time.Time from native drivers and unix milliseconds.
// Zone-less strings are read as UTC.
func ParseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		parsed, err := dateparse.ParseIn(t, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse time %q: %w", t, err)
		}
		return parsed.UTC(), nil
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case json.Number:
		ms, err := t.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse time %q: %w", t.String(), err)
		}
		return time.UnixMilli(ms).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported time value %T", v)
	}
}

func stringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(s, 10)
	case int:
		return strconv.Itoa(s)
	case json.Number:
		return s.String()
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(s)
	}
}

func floatValue(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	case int:
		return float64(f), true
	case int32:
		return float64(f), true
	case int64:
		return float64(f), true
	case json.Number:
		parsed, err := f.Float64()
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseFloat(f, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func decodeLocation(v any) (*Location, error) {
	switch l := v.(type) {
	case nil:
		return nil, nil
	case *Location:
		if l == nil {
			return nil, nil
		}
		loc := *l
		return &loc, nil
	case Location:
		return &l, nil
	}

	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("location is %T, not an object", v)
	}

	lat, okLat := floatValue(m["lat"])
	lng, okLng := floatValue(m["lng"])
	if !okLat || !okLng {
		// Rows without coordinates are common (remote gigs); treat as no location.
		return nil, nil
	}

	return &Location{
		Lat:     lat,
		Lng:     lng,
		Address: stringValue(m["address"]),
	}, nil
}

// DecodeRecord builds a Record from a generic document, as produced by
// encoding/json or a database driver. Unknown keys land in Payload.
func DecodeRecord(doc map[string]any) (Record, error) {
	r := Record{
		ID:       stringValue(doc[keyID]),
		Category: stringValue(doc[keyCategory]),
		Status:   stringValue(doc[keyStatus]),
	}
	if r.ID == "" {
		return Record{}, ErrMissingID
	}

	if raw, ok := doc[keyCreatedAt]; ok && raw != nil {
		t, err := ParseTime(raw)
		if err != nil {
			return Record{}, fmt.Errorf("record %s: %w", r.ID, err)
		}
		r.CreatedAt = t
	}

	loc, err := decodeLocation(doc[keyLocation])
	if err != nil {
		return Record{}, fmt.Errorf("record %s: %w", r.ID, err)
	}
	r.Location = loc

	for k, v := range doc {
		switch k {
		case keyID, keyCreatedAt, keyCategory, keyStatus, keyLocation, keyDistanceKm:
			continue
		}
		if r.Payload == nil {
			r.Payload = make(map[string]any)
		}
		r.Payload[k] = v
	}

	return r, nil
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	decoded, err := DecodeRecord(doc)
	if err != nil {
		return err
	}

	*r = decoded
	return nil
}

// Document flattens r back into the generic shape DecodeRecord reads.
func (r Record) Document() map[string]any {
	doc := make(map[string]any, len(r.Payload)+6)
	for k, v := range r.Payload {
		doc[k] = v
	}

	doc[keyID] = r.ID
	doc[keyCreatedAt] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	doc[keyCategory] = r.Category
	doc[keyStatus] = r.Status
	if r.Location != nil {
		doc[keyLocation] = r.Location
	} else {
		doc[keyLocation] = nil
	}
	if r.DistanceKm != nil {
		doc[keyDistanceKm] = *r.DistanceKm
	}

	return doc
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Document())
}

package schema

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Collection names a logical store.
type Collection string

const (
	Records    Collection = "records"
	Believers  Collection = "believers"
	Reminders  Collection = "reminders"
	Categories Collection = "categories"
	SyncQueue  Collection = "syncQueue"
	Settings   Collection = "settings"
)

// SyncedCollections are the collections whose mutations are enqueued for upload.
var SyncedCollections = []Collection{Records, Believers, Reminders, Categories}

// IsSynced reports whether mutations of c are tracked by the sync queue.
func (c Collection) IsSynced() bool {
	for _, s := range SyncedCollections {
		if s == c {
			return true
		}
	}
	return false
}

// ParseCollection validates a collection name.
func ParseCollection(s string) (Collection, error) {
	c := Collection(s)
	if _, ok := Current().Store(c); !ok {
		return "", fmt.Errorf("unknown collection %q", s)
	}
	return c, nil
}

// TimeLayout is the fixed-width timestamp format stored in documents.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// DateLayout is the calendar date format used by records and reminders.
const DateLayout = "2006-01-02"

// FormatTime renders t in TimeLayout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts TimeLayout and any RFC 3339 timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Document is a schema-less stored entity.
type Document map[string]any

// Field names shared by all synced entities.
const (
	FieldID        = "id"
	FieldKey       = "key"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// DecodeDocument parses a JSON object, keeping numbers as json.Number.
func DecodeDocument(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("document is null")
	}
	return doc, nil
}

// Encode marshals the document to JSON.
func (d Document) Encode() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return data, nil
}

// ID returns the "id" field as a string, or "" when missing.
func (d Document) ID() string {
	return d.Key(FieldID)
}

// Key returns the named key field normalized to a string.
func (d Document) Key(field string) string {
	return keyString(d[field])
}

// SetID sets the "id" field.
func (d Document) SetID(id string) {
	d[FieldID] = id
}

// String returns a string field, or "" when missing or not a string.
func (d Document) String(field string) string {
	s, _ := d[field].(string)
	return s
}

// Time parses a timestamp field.
func (d Document) Time(field string) (time.Time, bool) {
	s, ok := d[field].(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := ParseTime(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// UpdatedAt returns the parsed updatedAt field.
func (d Document) UpdatedAt() (time.Time, bool) {
	return d.Time(FieldUpdatedAt)
}

// Decimal returns a numeric field as a decimal.
func (d Document) Decimal(field string) (decimal.Decimal, bool) {
	return ToDecimal(d[field])
}

// Clone returns a deep copy made through a JSON round trip.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		out := make(Document, len(d))
		for k, v := range d {
			out[k] = v
		}
		return out
	}
	out, err := DecodeDocument(data)
	if err != nil {
		return nil
	}
	return out
}

// SameUpdatedAt reports whether a and b carry the same updatedAt instant.
func SameUpdatedAt(a, b Document) bool {
	return CompareUpdatedAt(a, b) == 0
}

// CompareUpdatedAt orders two documents by updatedAt. Unparsable values
// fall back to string comparison; a missing value sorts first.
func CompareUpdatedAt(a, b Document) int {
	ta, okA := a.UpdatedAt()
	tb, okB := b.UpdatedAt()
	if okA && okB {
		return ta.Compare(tb)
	}
	return strings.Compare(a.String(FieldUpdatedAt), b.String(FieldUpdatedAt))
}

func keyString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case json.Number:
		return id.String()
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(id), 'f', -1, 32)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case int32:
		return strconv.FormatInt(int64(id), 10)
	case uint64:
		return strconv.FormatUint(id, 10)
	default:
		return fmt.Sprint(id)
	}
}

// ToDecimal converts a JSON number, numeric string or Go number to a decimal.
func ToDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case int32:
		return decimal.NewFromInt32(n), true
	case decimal.Decimal:
		return n, true
	default:
		return decimal.Decimal{}, false
	}
}

// Number renders d as a JSON number literal so it is not quoted on encode.
func Number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

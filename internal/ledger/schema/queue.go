package schema

import (
	"fmt"
	"time"
)

// Action is the kind of local mutation recorded in the sync queue.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// SyncQueueItem records one local mutation awaiting upload.
//
// Items are created inside the same transaction as the mutation, are only
// ever mutated to flip Synced, and are pruned once synced and older than
// the retention window.
type SyncQueueItem struct {
	ID        string     `json:"id"`
	Action    Action     `json:"action"`
	Table     Collection `json:"table"`
	Data      Document   `json:"data"`
	Timestamp int64      `json:"timestamp"` // unix milliseconds
	Synced    bool       `json:"synced"`
	SyncedAt  string     `json:"syncedAt,omitempty"`
}

// Time returns the enqueue time.
func (q *SyncQueueItem) Time() time.Time {
	return time.UnixMilli(q.Timestamp).UTC()
}

// EntityID returns the id of the mutated entity.
func (q *SyncQueueItem) EntityID() string {
	return q.Data.ID()
}

// ToDocument converts the item to a syncQueue document.
func (q *SyncQueueItem) ToDocument() Document {
	doc := Document{
		FieldID:     q.ID,
		"action":    string(q.Action),
		"table":     string(q.Table),
		"data":      q.Data,
		"timestamp": q.Timestamp,
		"synced":    q.Synced,
	}
	if q.SyncedAt != "" {
		doc["syncedAt"] = q.SyncedAt
	}
	return doc
}

// QueueItemFromDocument is the inverse of ToDocument.
func QueueItemFromDocument(doc Document) (*SyncQueueItem, error) {
	var q SyncQueueItem
	if err := decodeInto(doc, &q); err != nil {
		return nil, fmt.Errorf("invalid sync queue item %s: %w", doc.ID(), err)
	}
	q.ID = doc.ID()
	if data, ok := doc["data"].(map[string]any); ok {
		q.Data = Document(data)
	} else if data, ok := doc["data"].(Document); ok {
		q.Data = data
	}
	return &q, nil
}

// Conflict is a divergence between the local and remote version of an
// entity. Conflicts are produced during reconciliation and never stored.
type Conflict struct {
	Type  Collection `json:"type"`
	ID    string     `json:"id"`
	Local Document   `json:"local"`
	Cloud Document   `json:"cloud"`
	Field string     `json:"field"`
}

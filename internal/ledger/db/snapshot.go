package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/templeledger/templeledger/internal/ledger/schema"
)

// Snapshot is a full export of the store, excluding the sync queue.
type Snapshot struct {
	Version     int                                     `json:"version" yaml:"version"`
	ExportedAt  string                                  `json:"exportedAt" yaml:"exportedAt"`
	Collections map[schema.Collection][]schema.Document `json:"collections" yaml:"collections"`
}

// ExportAllData returns every collection except syncQueue.
func (db *DB) ExportAllData(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Version:     db.layout.Version,
		ExportedAt:  schema.FormatTime(db.now()),
		Collections: make(map[schema.Collection][]schema.Document),
	}
	for _, coll := range db.layout.Collections() {
		if coll == schema.SyncQueue {
			continue
		}
		docs, err := db.GetAll(ctx, coll)
		if err != nil {
			return nil, err
		}
		snap.Collections[coll] = docs
	}
	return snap, nil
}

// ImportData replaces the collections present in snap with its documents.
// Each target collection is cleared, then every document is added (and
// enqueued for upload), all in one transaction. Returns the number of
// documents imported.
func (db *DB) ImportData(ctx context.Context, snap *Snapshot) (int, error) {
	if snap == nil {
		return 0, nil
	}
	imported := 0
	for coll := range snap.Collections {
		if _, err := db.storeFor(coll); err != nil {
			return 0, wrapErr("importData", coll, err)
		}
	}
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, coll := range db.layout.Collections() {
			docs, ok := snap.Collections[coll]
			if !ok || coll == schema.SyncQueue {
				continue
			}
			if err := db.clearTx(ctx, tx, coll); err != nil {
				return err
			}
			for _, doc := range docs {
				if _, err := db.addTx(ctx, tx, coll, doc); err != nil {
					return fmt.Errorf("failed to import into %s: %w", coll, err)
				}
				imported++
			}
		}
		return nil
	})
	if err != nil {
		return 0, wrapErr("importData", "", err)
	}
	return imported, nil
}

// Stats summarizes the store contents.
type Stats struct {
	Version int                       `json:"version"`
	Counts  map[schema.Collection]int `json:"counts"`
	Pending int                       `json:"pending"`
	Synced  int                       `json:"synced"`
}

// Stats returns per-collection counts and the sync queue split.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	info, err := db.Inspect(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{Version: info.Version, Counts: make(map[schema.Collection]int)}
	for _, coll := range db.layout.Collections() {
		n, err := db.Count(ctx, coll, "", nil)
		if err != nil {
			return nil, err
		}
		st.Counts[coll] = n
	}
	if st.Pending, err = db.CountPending(ctx); err != nil {
		return nil, err
	}
	st.Synced = st.Counts[schema.SyncQueue] - st.Pending
	return st, nil
}

// GetSetting returns the settings entry for key, or (nil, nil).
func (db *DB) GetSetting(ctx context.Context, key string) (schema.Document, error) {
	return db.Get(ctx, schema.Settings, key)
}

// PutSetting stores a settings entry under key.
func (db *DB) PutSetting(ctx context.Context, key string, value schema.Document) error {
	doc := make(schema.Document, len(value)+1)
	for k, v := range value {
		doc[k] = v
	}
	doc[schema.FieldKey] = key
	_, err := db.Update(ctx, schema.Settings, doc)
	return err
}

// DeleteSetting removes a settings entry.
func (db *DB) DeleteSetting(ctx context.Context, key string) error {
	return db.Delete(ctx, schema.Settings, key)
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/templeledger/templeledger/internal/ledger/schema"
)

// DefaultRetention is how long synced queue items are kept.
const DefaultRetention = 7 * 24 * time.Hour

// enqueueTx appends a pending queue item in the caller's transaction.
func (db *DB) enqueueTx(ctx context.Context, tx querier, action schema.Action, table schema.Collection, data schema.Document) error {
	now := db.now()
	item := schema.SyncQueueItem{
		ID:        db.newQueueID(now),
		Action:    action,
		Table:     table,
		Data:      data,
		Timestamp: now.UnixMilli(),
	}
	raw, err := item.ToDocument().Encode()
	if err != nil {
		return fmt.Errorf("failed to encode queue item: %w", err)
	}
	query := fmt.Sprintf("INSERT INTO %s (id, doc) VALUES (?, ?)", quoteIdent(string(schema.SyncQueue)))
	if _, err := tx.ExecContext(ctx, query, item.ID, string(raw)); err != nil {
		return fmt.Errorf("failed to enqueue %s %s: %w", action, table, err)
	}
	return nil
}

// Pending returns every unsynced queue item, oldest first.
func (db *DB) Pending(ctx context.Context) ([]*schema.SyncQueueItem, error) {
	if db.conn == nil {
		return nil, wrapErr("pending", schema.SyncQueue, ErrClosed)
	}
	query := fmt.Sprintf("SELECT doc FROM %s WHERE %s = 0 ORDER BY %s, id",
		quoteIdent(string(schema.SyncQueue)), fieldExpr("synced"), fieldExpr("timestamp"))
	docs, err := queryDocs(ctx, db.conn, query)
	if err != nil {
		return nil, wrapErr("pending", schema.SyncQueue, err)
	}
	items := make([]*schema.SyncQueueItem, 0, len(docs))
	for _, doc := range docs {
		item, err := schema.QueueItemFromDocument(doc)
		if err != nil {
			return nil, wrapErr("pending", schema.SyncQueue, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// CountPending returns the number of unsynced queue items.
func (db *DB) CountPending(ctx context.Context) (int, error) {
	return db.Count(ctx, schema.SyncQueue, "synced", false)
}

// MarkCompleted flags the given queue items as synced. Unknown ids are
// ignored.
func (db *DB) MarkCompleted(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	syncedAt := schema.FormatTime(db.now())
	query := fmt.Sprintf(
		"UPDATE %s SET doc = json_set(doc, '$.synced', json('true'), '$.syncedAt', ?) WHERE id = ?",
		quoteIdent(string(schema.SyncQueue)),
	)
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, query, syncedAt, id); err != nil {
				return fmt.Errorf("failed to mark %s completed: %w", id, err)
			}
		}
		return nil
	})
	return wrapErr("markCompleted", schema.SyncQueue, err)
}

// Cleanup deletes synced queue items enqueued more than retention ago and
// returns how many were removed. Unsynced items are never deleted.
func (db *DB) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if db.conn == nil {
		return 0, wrapErr("cleanup", schema.SyncQueue, ErrClosed)
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := db.now().Add(-retention).UnixMilli()
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = 1 AND %s < ?",
		quoteIdent(string(schema.SyncQueue)), fieldExpr("synced"), fieldExpr("timestamp"))
	res, err := db.conn.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, wrapErr("cleanup", schema.SyncQueue, fmt.Errorf("failed to prune queue: %w", err))
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		db.logger.Debugf("pruned %d synced queue items", n)
	}
	return int(n), nil
}

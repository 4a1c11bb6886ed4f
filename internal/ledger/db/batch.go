package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/templeledger/templeledger/internal/ledger/schema"
)

// OpType is the kind of a batch operation.
type OpType string

const (
	// OpAdd inserts a new entity (see DB.Add).
	OpAdd OpType = "add"
	// OpUpdate upserts an entity (see DB.Update).
	OpUpdate OpType = "update"
	// OpDelete removes an entity (see DB.Delete).
	OpDelete OpType = "delete"
	// OpPut stores a remote entity as-is without enqueuing.
	OpPut OpType = "put"
	// OpRemove deletes an entity removed remotely without enqueuing.
	OpRemove OpType = "remove"
)

// Operation is one step of a Batch.
type Operation struct {
	Type       OpType            `json:"type"`
	Collection schema.Collection `json:"collection"`
	Data       schema.Document   `json:"data,omitempty"`
	ID         string            `json:"id,omitempty"` // delete/remove; defaults to Data's id
}

func (op Operation) targetID() string {
	if op.ID != "" {
		return op.ID
	}
	return op.Data.ID()
}

// Batch applies operations in order inside one transaction and returns the
// id affected by each. Either every operation commits, together with the
// queue items of the local ones, or none does.
func (db *DB) Batch(ctx context.Context, ops []Operation) ([]string, error) {
	ids := make([]string, len(ops))
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for i, op := range ops {
			id, err := db.applyTx(ctx, tx, op)
			if err != nil {
				return wrapErr("batch", op.Collection, fmt.Errorf("operation %d (%s %s): %w", i, op.Type, op.Collection, err))
			}
			ids[i] = id
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("batch", "", err)
	}
	return ids, nil
}

func (db *DB) applyTx(ctx context.Context, tx *sql.Tx, op Operation) (string, error) {
	switch op.Type {
	case OpAdd:
		return db.addTx(ctx, tx, op.Collection, op.Data)
	case OpUpdate:
		return db.updateTx(ctx, tx, op.Collection, op.Data)
	case OpPut:
		return db.putTx(ctx, tx, op.Collection, op.Data)
	case OpDelete, OpRemove:
		id := op.targetID()
		return id, db.deleteTx(ctx, tx, op.Collection, id, op.Type == OpDelete)
	default:
		return "", fmt.Errorf("%w: unknown operation %q", ErrInvalidDocument, op.Type)
	}
}

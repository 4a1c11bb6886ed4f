// Package db provides the local store of the temple ledger.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3, WAL mode)
// holding one table per collection. Each row is a JSON document keyed by
// its id (or key, for settings); declared indexes are SQLite expression
// indexes over json_extract(doc, '$.<field>').
//
// Architecture:
//   - Database file: ~/.local/share/templeledger/ledger.db
//   - Lock file: ledger.db.lock (shared per session, exclusive for upgrades)
//   - Collections: records, believers, reminders, categories, syncQueue, settings
//   - Sync queue: every Add/Update/Delete on a synced collection appends a
//     queue item inside the same transaction
//
// Writes that originate from the remote side (merge and realtime deltas)
// go through Batch with OpPut/OpRemove: they keep the remote updatedAt and
// are never enqueued, so applying a server change cannot schedule an
// upload of that same change.
package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/oklog/ulid/v2"

	"github.com/templeledger/templeledger/internal/ledger/schema"
)

// MemoryPath opens a private in-memory store (tests, dry runs).
const MemoryPath = ":memory:"

// Options configures a store.
type Options struct {
	// Layout is the required schema (default: schema.Current()).
	Layout schema.Layout

	// Now is the clock used for timestamps (default: time.Now).
	Now func() time.Time

	// BlockedRetryDelay is the wait between attempts in OpenWithRetry.
	BlockedRetryDelay time.Duration

	// BlockedRetries is how many times OpenWithRetry retries a blocked upgrade.
	BlockedRetries int

	// Logger for store activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		Layout:            schema.Current(),
		Now:               time.Now,
		BlockedRetryDelay: 500 * time.Millisecond,
		BlockedRetries:    5,
		Logger:            log.NewWithOptions(os.Stderr, log.Options{Prefix: "store", ReportTimestamp: true}),
	}
}

// DB is the local document store.
type DB struct {
	conn   *sql.DB
	path   string
	layout schema.Layout
	opts   *Options
	logger *log.Logger
	lock   *flock.Flock

	clockMu   sync.Mutex
	lastStamp time.Time
	entropy   *ulid.MonotonicEntropy
}

// Open opens (creating if needed) the store at path and takes a shared
// session lock. Call InitSchema before using it, or use OpenWithRetry.
//
// The caller MUST call Close() when done.
func Open(path string, opts *Options) (*DB, error) {
	opts = withDefaults(opts)

	connStr := "file::memory:"
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = fmt.Sprintf("file:%s", path)
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A single connection serializes transactions inside the process;
	// cross-process writers are handled by WAL and the busy timeout.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{
		conn:    conn,
		path:    path,
		layout:  opts.Layout,
		opts:    opts,
		logger:  opts.Logger,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}

	if path != MemoryPath {
		if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if path != MemoryPath {
		db.lock = flock.New(path + ".lock")
		if err := db.lockShared(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return db, nil
}

func withDefaults(opts *Options) *Options {
	def := DefaultOptions()
	if opts == nil {
		return def
	}
	out := *opts
	if len(out.Layout.Stores) == 0 {
		out.Layout = def.Layout
	}
	if out.Now == nil {
		out.Now = def.Now
	}
	if out.BlockedRetryDelay <= 0 {
		out.BlockedRetryDelay = def.BlockedRetryDelay
	}
	if out.BlockedRetries < 0 {
		out.BlockedRetries = 0
	}
	if out.Logger == nil {
		out.Logger = def.Logger
	}
	return &out
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Layout returns the schema this store was opened with.
func (db *DB) Layout() schema.Layout {
	return db.layout
}

// Close checkpoints the WAL, closes the connection and releases the
// session lock.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.path != MemoryPath {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			db.logger.Warnf("failed to checkpoint WAL: %v", err)
		}
	}

	err := db.conn.Close()
	db.conn = nil
	if db.lock != nil {
		if uerr := db.lock.Unlock(); uerr != nil {
			db.logger.Warnf("failed to release lock: %v", uerr)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// now returns a timestamp that never goes backwards within this store.
func (db *DB) now() time.Time {
	db.clockMu.Lock()
	defer db.clockMu.Unlock()
	t := db.opts.Now().UTC()
	if t.Before(db.lastStamp) {
		t = db.lastStamp
	}
	db.lastStamp = t
	return t
}

func (db *DB) newQueueID(t time.Time) string {
	db.clockMu.Lock()
	defer db.clockMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), db.entropy).String()
}

// withTx runs fn inside one transaction. Any error rolls back every write
// made by fn.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if db.conn == nil {
		return ErrClosed
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (db *DB) storeFor(c schema.Collection) (schema.Store, error) {
	s, ok := db.layout.Store(c)
	if !ok {
		return schema.Store{}, fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}
	return s, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// fieldExpr is the expression an index is declared on. Key paths come from
// the layout, never from user input.
func fieldExpr(keyPath string) string {
	return fmt.Sprintf("json_extract(doc, '$.%s')", strings.ReplaceAll(keyPath, "'", "''"))
}

func indexName(c schema.Collection, index string) string {
	return fmt.Sprintf("idx_%s_%s", c, index)
}

// Add inserts a new entity and enqueues a create. An id is assigned when
// the document has none; createdAt is kept when provided.
//
// Returns an error wrapping ErrWrite if the id already exists.
func (db *DB) Add(ctx context.Context, coll schema.Collection, doc schema.Document) (string, error) {
	var id string
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = db.addTx(ctx, tx, coll, doc)
		return err
	})
	return id, wrapErr("add", coll, err)
}

// Update replaces an entity and enqueues an update. It behaves as an
// upsert: a missing entity is created. The id field is required.
func (db *DB) Update(ctx context.Context, coll schema.Collection, doc schema.Document) (string, error) {
	var id string
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = db.updateTx(ctx, tx, coll, doc)
		return err
	})
	return id, wrapErr("update", coll, err)
}

// Delete removes an entity and enqueues a delete. Deleting a missing id is
// not an error.
func (db *DB) Delete(ctx context.Context, coll schema.Collection, id string) error {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		return db.deleteTx(ctx, tx, coll, id, true)
	})
	return wrapErr("delete", coll, err)
}

// Get returns the entity with the given id, or (nil, nil) if it does not exist.
func (db *DB) Get(ctx context.Context, coll schema.Collection, id string) (schema.Document, error) {
	if db.conn == nil {
		return nil, wrapErr("get", coll, ErrClosed)
	}
	doc, err := db.getTx(ctx, db.conn, coll, id)
	return doc, wrapErr("get", coll, err)
}

// MustGet is Get that reports a missing entity as ErrNotFound.
func (db *DB) MustGet(ctx context.Context, coll schema.Collection, id string) (schema.Document, error) {
	doc, err := db.Get(ctx, coll, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, wrapErr("get", coll, fmt.Errorf("%w: %s", ErrNotFound, id))
	}
	return doc, nil
}

// GetAll returns every entity of the collection ordered by primary key.
func (db *DB) GetAll(ctx context.Context, coll schema.Collection) ([]schema.Document, error) {
	store, err := db.storeFor(coll)
	if err != nil {
		return nil, wrapErr("getAll", coll, err)
	}
	if db.conn == nil {
		return nil, wrapErr("getAll", coll, ErrClosed)
	}
	query := fmt.Sprintf("SELECT doc FROM %s ORDER BY %s", quoteIdent(string(coll)), quoteIdent(store.KeyPath))
	docs, err := queryDocs(ctx, db.conn, query)
	return docs, wrapErr("getAll", coll, err)
}

// Clear deletes every entity of the given collections without enqueuing.
func (db *DB) Clear(ctx context.Context, colls ...schema.Collection) error {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range colls {
			if err := db.clearTx(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapErr("clear", "", err)
}

func (db *DB) clearTx(ctx context.Context, tx querier, coll schema.Collection) error {
	if _, err := db.storeFor(coll); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+quoteIdent(string(coll))); err != nil {
		return fmt.Errorf("failed to clear %s: %w", coll, err)
	}
	return nil
}

// prepare validates the target and returns a copy of doc with its key set.
func (db *DB) prepare(coll schema.Collection, doc schema.Document, assignID bool) (schema.Store, schema.Document, string, error) {
	store, err := db.storeFor(coll)
	if err != nil {
		return store, nil, "", err
	}
	if doc == nil {
		return store, nil, "", fmt.Errorf("%w: document is nil", ErrInvalidDocument)
	}
	out := make(schema.Document, len(doc)+2)
	for k, v := range doc {
		out[k] = v
	}
	id := out.Key(store.KeyPath)
	if id == "" {
		if !assignID || store.KeyPath != schema.FieldID {
			return store, nil, "", fmt.Errorf("%w: %s is required", ErrInvalidDocument, store.KeyPath)
		}
		id = uuid.NewString()
	}
	out[store.KeyPath] = id
	return store, out, id, nil
}

func (db *DB) addTx(ctx context.Context, tx querier, coll schema.Collection, doc schema.Document) (string, error) {
	store, doc, id, err := db.prepare(coll, doc, true)
	if err != nil {
		return "", err
	}
	if coll.IsSynced() {
		stamp := schema.FormatTime(db.now())
		if doc.String(schema.FieldCreatedAt) == "" {
			doc[schema.FieldCreatedAt] = stamp
		}
		doc[schema.FieldUpdatedAt] = stamp
	}
	data, err := doc.Encode()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s, doc) VALUES (?, ?)", quoteIdent(string(coll)), quoteIdent(store.KeyPath))
	if _, err := tx.ExecContext(ctx, query, id, string(data)); err != nil {
		return "", fmt.Errorf("failed to insert %s: %w", id, err)
	}
	if coll.IsSynced() {
		if err := db.enqueueTx(ctx, tx, schema.ActionCreate, coll, doc); err != nil {
			return "", err
		}
	}
	return id, nil
}

func (db *DB) updateTx(ctx context.Context, tx querier, coll schema.Collection, doc schema.Document) (string, error) {
	store, doc, id, err := db.prepare(coll, doc, false)
	if err != nil {
		return "", err
	}
	if coll.IsSynced() {
		existing, err := db.getTx(ctx, tx, coll, id)
		if err != nil {
			return "", err
		}
		stamp := db.now()
		if existing != nil {
			if prev, ok := existing.UpdatedAt(); ok && prev.After(stamp) {
				stamp = prev
			}
			if doc.String(schema.FieldCreatedAt) == "" && existing.String(schema.FieldCreatedAt) != "" {
				doc[schema.FieldCreatedAt] = existing.String(schema.FieldCreatedAt)
			}
		}
		if doc.String(schema.FieldCreatedAt) == "" {
			doc[schema.FieldCreatedAt] = schema.FormatTime(stamp)
		}
		doc[schema.FieldUpdatedAt] = schema.FormatTime(stamp)
	}
	if err := db.upsertTx(ctx, tx, coll, store, id, doc); err != nil {
		return "", err
	}
	if coll.IsSynced() {
		if err := db.enqueueTx(ctx, tx, schema.ActionUpdate, coll, doc); err != nil {
			return "", err
		}
	}
	return id, nil
}

// putTx stores a remote document as-is: no stamping, no queue item.
func (db *DB) putTx(ctx context.Context, tx querier, coll schema.Collection, doc schema.Document) (string, error) {
	store, doc, id, err := db.prepare(coll, doc, false)
	if err != nil {
		return "", err
	}
	if err := db.upsertTx(ctx, tx, coll, store, id, doc); err != nil {
		return "", err
	}
	return id, nil
}

func (db *DB) upsertTx(ctx context.Context, tx querier, coll schema.Collection, store schema.Store, id string, doc schema.Document) error {
	data, err := doc.Encode()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	key := quoteIdent(store.KeyPath)
	query := fmt.Sprintf(
		"INSERT INTO %s (%s, doc) VALUES (?, ?) ON CONFLICT(%s) DO UPDATE SET doc = excluded.doc",
		quoteIdent(string(coll)), key, key,
	)
	if _, err := tx.ExecContext(ctx, query, id, string(data)); err != nil {
		return fmt.Errorf("failed to upsert %s: %w", id, err)
	}
	return nil
}

func (db *DB) deleteTx(ctx context.Context, tx querier, coll schema.Collection, id string, enqueue bool) error {
	store, err := db.storeFor(coll)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidDocument, store.KeyPath)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(string(coll)), quoteIdent(store.KeyPath))
	if _, err := tx.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	if enqueue && coll.IsSynced() {
		if err := db.enqueueTx(ctx, tx, schema.ActionDelete, coll, schema.Document{schema.FieldID: id}); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) getTx(ctx context.Context, q querier, coll schema.Collection, id string) (schema.Document, error) {
	store, err := db.storeFor(coll)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT doc FROM %s WHERE %s = ?", quoteIdent(string(coll)), quoteIdent(store.KeyPath))
	var raw string
	err = q.QueryRowContext(ctx, query, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", id, err)
	}
	return schema.DecodeDocument([]byte(raw))
}

func queryDocs(ctx context.Context, q querier, query string, args ...any) ([]schema.Document, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	docs := []schema.Document{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc, err := schema.DecodeDocument([]byte(raw))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/templeledger/templeledger/internal/ledger/schema"
)

// DatabaseInfo describes what is physically present in the store.
type DatabaseInfo struct {
	Path    string              `json:"path"`
	Version int                 `json:"version"`
	Stores  []string            `json:"stores"`
	Indexes map[string][]string `json:"indexes"` // store -> declared index names
}

// HasStore reports whether a table for the collection exists.
func (i *DatabaseInfo) HasStore(c schema.Collection) bool {
	for _, s := range i.Stores {
		if s == string(c) {
			return true
		}
	}
	return false
}

// HasIndex reports whether the named index exists on the collection.
func (i *DatabaseInfo) HasIndex(c schema.Collection, name string) bool {
	for _, n := range i.Indexes[string(c)] {
		if n == name {
			return true
		}
	}
	return false
}

// MaintenanceReport describes what InitSchema changed.
type MaintenanceReport struct {
	FromVersion    int      `json:"fromVersion"`
	ToVersion      int      `json:"toVersion"`
	Created        bool     `json:"created"` // the store did not exist before
	CreatedStores  []string `json:"createdStores,omitempty"`
	CreatedIndexes []string `json:"createdIndexes,omitempty"`
}

// Changed reports whether the maintenance run modified the schema.
func (r *MaintenanceReport) Changed() bool {
	return r.FromVersion != r.ToVersion || len(r.CreatedStores) > 0 || len(r.CreatedIndexes) > 0
}

type missingIndex struct {
	store schema.Store
	index schema.Index
}

type schemaPlan struct {
	stores  []schema.Store
	indexes []missingIndex
}

func (p schemaPlan) empty() bool {
	return len(p.stores) == 0 && len(p.indexes) == 0
}

// Inspect reads the schema version, tables and indexes of the store.
func (db *DB) Inspect(ctx context.Context) (*DatabaseInfo, error) {
	if db.conn == nil {
		return nil, wrapErr("inspect", "", ErrClosed)
	}
	info, err := inspect(ctx, db.conn)
	if err != nil {
		return nil, wrapErr("inspect", "", err)
	}
	info.Path = db.path
	return info, nil
}

func inspect(ctx context.Context, q querier) (*DatabaseInfo, error) {
	info := &DatabaseInfo{Indexes: make(map[string][]string)}

	if err := q.QueryRowContext(ctx, "PRAGMA user_version").Scan(&info.Version); err != nil {
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}

	rows, err := q.QueryContext(ctx,
		"SELECT type, name, tbl_name FROM sqlite_master WHERE type IN ('table', 'index') AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var typ, name, table string
		if err := rows.Scan(&typ, &name, &table); err != nil {
			return nil, fmt.Errorf("failed to scan schema row: %w", err)
		}
		switch typ {
		case "table":
			info.Stores = append(info.Stores, name)
		case "index":
			prefix := "idx_" + table + "_"
			if strings.HasPrefix(name, prefix) {
				info.Indexes[table] = append(info.Indexes[table], strings.TrimPrefix(name, prefix))
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, idx := range info.Indexes {
		sort.Strings(idx)
	}
	return info, nil
}

func (db *DB) plan(info *DatabaseInfo) schemaPlan {
	var p schemaPlan
	for _, store := range db.layout.Stores {
		if !info.HasStore(store.Name) {
			p.stores = append(p.stores, store)
		}
		for _, idx := range store.Indexes {
			if !info.HasIndex(store.Name, idx.Name) {
				p.indexes = append(p.indexes, missingIndex{store: store, index: idx})
			}
		}
	}
	return p
}

// InitSchema brings the store to the required layout.
//
// A new store is created with every declared table and index. An existing
// store below the required version, or at/above it but missing declared
// indexes, is upgraded in one transaction that adds what is missing and
// bumps the version (to the required one, or one past the stored one when
// that is already higher). Nothing is ever dropped. Re-running on an up to
// date store is a no-op.
//
// Upgrading needs the exclusive lock; if any other session has the store
// open, ErrSchemaBlocked is returned and the caller may retry later.
func (db *DB) InitSchema(ctx context.Context) (*MaintenanceReport, error) {
	info, err := db.Inspect(ctx)
	if err != nil {
		return nil, err
	}
	plan := db.plan(info)
	if plan.empty() && info.Version >= db.layout.Version {
		return &MaintenanceReport{FromVersion: info.Version, ToVersion: info.Version}, nil
	}

	if err := db.lockExclusive(); err != nil {
		return nil, wrapErr("initSchema", "", err)
	}
	defer func() {
		if err := db.lockShared(); err != nil {
			db.logger.Warnf("failed to restore shared lock: %v", err)
		}
	}()

	report, err := db.upgrade(ctx)
	if err != nil {
		return nil, wrapErr("initSchema", "", err)
	}
	if report.Changed() {
		db.logger.Infof("schema upgraded v%d -> v%d (%d stores, %d indexes created)",
			report.FromVersion, report.ToVersion, len(report.CreatedStores), len(report.CreatedIndexes))
	}
	return report, nil
}

func (db *DB) upgrade(ctx context.Context) (*MaintenanceReport, error) {
	report := &MaintenanceReport{}
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		// Re-read under the exclusive lock; another session may have
		// upgraded in the meantime.
		info, err := inspect(ctx, tx)
		if err != nil {
			return err
		}
		plan := db.plan(info)
		report.FromVersion = info.Version
		report.ToVersion = info.Version
		report.Created = len(info.Stores) == 0

		if plan.empty() && info.Version >= db.layout.Version {
			return nil
		}

		target := db.layout.Version
		if info.Version >= target {
			target = info.Version + 1
		}

		for _, store := range plan.stores {
			query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s TEXT PRIMARY KEY, doc TEXT NOT NULL CHECK (json_valid(doc)))",
				quoteIdent(string(store.Name)), quoteIdent(store.KeyPath))
			if _, err := tx.ExecContext(ctx, query); err != nil {
				return fmt.Errorf("failed to create store %s: %w", store.Name, err)
			}
			report.CreatedStores = append(report.CreatedStores, string(store.Name))
		}
		for _, m := range plan.indexes {
			query := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
				quoteIdent(indexName(m.store.Name, m.index.Name)), quoteIdent(string(m.store.Name)), fieldExpr(m.index.KeyPath))
			if _, err := tx.ExecContext(ctx, query); err != nil {
				return fmt.Errorf("failed to create index %s.%s: %w", m.store.Name, m.index.Name, err)
			}
			report.CreatedIndexes = append(report.CreatedIndexes, string(m.store.Name)+"."+m.index.Name)
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", target)); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
		report.ToVersion = target
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// lockShared (re)takes the shared session lock. A converted or lost lock is
// released first since flock conversions are not atomic.
func (db *DB) lockShared() error {
	if db.lock == nil {
		return nil
	}
	if db.lock.Locked() || db.lock.RLocked() {
		if err := db.lock.Unlock(); err != nil {
			return fmt.Errorf("failed to release %s: %w", db.lock.Path(), err)
		}
	}
	ok, err := db.lock.TryRLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", db.lock.Path(), err)
	}
	if !ok {
		return ErrSchemaBlocked
	}
	return nil
}

// lockExclusive converts the session lock to an exclusive one. On failure
// the shared lock is restored and ErrSchemaBlocked returned.
func (db *DB) lockExclusive() error {
	if db.lock == nil {
		return nil
	}
	ok, err := db.lock.TryLock()
	if err == nil && ok {
		return nil
	}
	if rerr := db.lockShared(); rerr != nil {
		db.logger.Warnf("failed to restore shared lock: %v", rerr)
	}
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", db.lock.Path(), err)
	}
	return ErrSchemaBlocked
}

// OpenWithRetry opens the store and runs InitSchema, retrying while the
// upgrade is blocked by another session.
func OpenWithRetry(ctx context.Context, path string, opts *Options) (*DB, *MaintenanceReport, error) {
	opts = withDefaults(opts)
	for attempt := 0; ; attempt++ {
		db, err := Open(path, opts)
		if err == nil {
			var report *MaintenanceReport
			report, err = db.InitSchema(ctx)
			if err == nil {
				return db, report, nil
			}
			_ = db.Close()
		}
		if !errors.Is(err, ErrSchemaBlocked) || attempt >= opts.BlockedRetries {
			return nil, nil, err
		}
		opts.Logger.Warnf("store %s is blocked by another session, retrying in %s (%d/%d)",
			path, opts.BlockedRetryDelay, attempt+1, opts.BlockedRetries)
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(opts.BlockedRetryDelay):
		}
	}
}

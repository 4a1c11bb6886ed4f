// Package migrate imports data kept by the legacy flat key/value storage
// into the local store.
//
// The legacy storage kept each collection as one JSON array under a fixed
// key. Here every key is a file named <key>.json in a directory. The
// import runs once: a settings flag records success and later runs are
// skipped.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
	"github.com/spf13/afero"

	"github.com/templeledger/templeledger/internal/ledger/db"
	"github.com/templeledger/templeledger/internal/ledger/schema"
)

// Legacy storage keys.
const (
	KeyRecords           = "temple-records"
	KeyBelievers         = "temple-believers"
	KeyReminders         = "temple-reminders"
	KeyIncomeCategories  = "custom-income-categories"
	KeyExpenseCategories = "custom-expense-categories"
)

// SettingMigration is the settings key of the migration flag.
const SettingMigration = "migration"

// Keys lists every legacy key in import order.
var Keys = []string{KeyRecords, KeyBelievers, KeyReminders, KeyIncomeCategories, KeyExpenseCategories}

// Store is the part of the local store the import needs. *db.DB
// implements it.
type Store interface {
	Batch(ctx context.Context, ops []db.Operation) ([]string, error)
	GetSetting(ctx context.Context, key string) (schema.Document, error)
	PutSetting(ctx context.Context, key string, value schema.Document) error
}

var _ Store = (*db.DB)(nil)

// Options contains configuration for the migration
type Options struct {
	Dir    string   // directory holding the <key>.json files
	Fs     afero.Fs // default: the OS filesystem
	DryRun bool     // report without writing
	Backup bool     // copy the legacy files before importing
	Force  bool     // run even when the flag says it already ran
	Now    func() time.Time
	Logger *log.Logger
}

// Result contains statistics about the migration
type Result struct {
	Counts        map[schema.Collection]int `json:"counts"`
	Migrated      int                       `json:"migrated"`
	Skipped       bool                      `json:"skipped,omitempty"` // already done
	DryRun        bool                      `json:"dryRun,omitempty"`
	BackupCreated string                    `json:"backupCreated,omitempty"`
}

// Legacy is the parsed content of a legacy directory.
type Legacy struct {
	Records           []schema.Document
	Believers         []schema.Document
	Reminders         []schema.Document
	IncomeCategories  []schema.Document
	ExpenseCategories []schema.Document
}

// Size is the number of entities found.
func (l *Legacy) Size() int {
	return len(l.Records) + len(l.Believers) + len(l.Reminders) +
		len(l.IncomeCategories) + len(l.ExpenseCategories)
}

// Read parses the legacy files in dir. Missing files count as empty.
func Read(fs afero.Fs, dir string) (*Legacy, error) {
	l := &Legacy{}
	targets := map[string]*[]schema.Document{
		KeyRecords:           &l.Records,
		KeyBelievers:         &l.Believers,
		KeyReminders:         &l.Reminders,
		KeyIncomeCategories:  &l.IncomeCategories,
		KeyExpenseCategories: &l.ExpenseCategories,
	}
	for _, key := range Keys {
		docs, err := readKey(fs, dir, key)
		if err != nil {
			return nil, err
		}
		*targets[key] = docs
	}
	return l, nil
}

func readKey(fs afero.Fs, dir, key string) ([]schema.Document, error) {
	path := filepath.Join(dir, key+".json")
	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON in %s: %w", path, err)
	}
	docs := make([]schema.Document, 0, len(raw))
	for i, item := range raw {
		// Old category lists were plain names.
		var name string
		if json.Unmarshal(item, &name) == nil {
			docs = append(docs, schema.Document{"name": name})
			continue
		}
		doc, err := schema.DecodeDocument(item)
		if err != nil {
			return nil, fmt.Errorf("invalid entry %d in %s: %w", i, path, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Operations converts the legacy data to store additions. Categories get
// their type, and an id derived from type and name when they have none.
func (l *Legacy) Operations() []db.Operation {
	var ops []db.Operation
	add := func(coll schema.Collection, docs []schema.Document) {
		for _, doc := range docs {
			ops = append(ops, db.Operation{Type: db.OpAdd, Collection: coll, Data: doc})
		}
	}
	add(schema.Records, l.Records)
	add(schema.Believers, l.Believers)
	add(schema.Reminders, l.Reminders)
	add(schema.Categories, categories(l.IncomeCategories, schema.TypeIncome))
	add(schema.Categories, categories(l.ExpenseCategories, schema.TypeExpense))
	return ops
}

func categories(docs []schema.Document, typ string) []schema.Document {
	out := make([]schema.Document, 0, len(docs))
	for _, doc := range docs {
		doc = doc.Clone()
		doc["type"] = typ
		if doc.ID() == "" && doc.String("name") != "" {
			doc.SetID(typ + ":" + doc.String("name"))
		}
		out = append(out, doc)
	}
	return out
}

// Done reports whether the migration already ran on store.
func Done(ctx context.Context, store Store) (bool, error) {
	flag, err := store.GetSetting(ctx, SettingMigration)
	if err != nil {
		return false, err
	}
	done, _ := flag["done"].(bool)
	return done, nil
}

// Migrate imports the legacy directory into store as one atomic batch of
// additions, each queued for upload. The flag is set only when the batch
// commits; a failed import changes nothing and can be retried.
func Migrate(ctx context.Context, store Store, opts Options) (*Result, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "migrate", ReportTimestamp: true})
	}
	result := &Result{Counts: make(map[schema.Collection]int), DryRun: opts.DryRun}

	if !opts.Force {
		done, err := Done(ctx, store)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration flag: %w", err)
		}
		if done {
			result.Skipped = true
			return result, nil
		}
	}

	if ok, err := afero.DirExists(opts.Fs, opts.Dir); err != nil || !ok {
		return nil, fmt.Errorf("legacy directory %q does not exist", opts.Dir)
	}
	legacy, err := Read(opts.Fs, opts.Dir)
	if err != nil {
		return nil, err
	}
	ops := legacy.Operations()
	for _, op := range ops {
		result.Counts[op.Collection]++
	}
	result.Migrated = len(ops)

	if opts.DryRun {
		return result, nil
	}

	if opts.Backup {
		if result.BackupCreated, err = backup(opts.Fs, opts.Dir, opts.Now()); err != nil {
			return nil, err
		}
	}

	if len(ops) > 0 {
		if _, err := store.Batch(ctx, ops); err != nil {
			return nil, fmt.Errorf("legacy import failed: %w", err)
		}
	}
	flag := schema.Document{
		"done":       true,
		"migrated":   result.Migrated,
		"migratedAt": schema.FormatTime(opts.Now()),
	}
	if err := store.PutSetting(ctx, SettingMigration, flag); err != nil {
		return nil, fmt.Errorf("failed to record migration: %w", err)
	}
	opts.Logger.Infof("imported %d legacy entities from %s", result.Migrated, opts.Dir)
	return result, nil
}

// backup copies the legacy files into a timestamped subdirectory.
func backup(fs afero.Fs, dir string, now time.Time) (string, error) {
	target := filepath.Join(dir, "backup-"+now.UTC().Format("20060102-150405"))
	if err := fs.MkdirAll(target, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	for _, key := range Keys {
		name := key + ".json"
		data, err := afero.ReadFile(fs, filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to read %s for backup: %w", name, err)
		}
		if err := afero.WriteFile(fs, filepath.Join(target, name), data, 0600); err != nil {
			return "", fmt.Errorf("failed to create backup: %w", err)
		}
	}
	return target, nil
}

package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tidwall/sjson"

	"github.com/templeledger/templeledger/internal/ledger/schema"
)

const categoriesDocID = "categories"

var errMissingID = errors.New("document without id")

// docStore keeps every user's documents in one SQLite table.
type docStore struct {
	conn *sql.DB
	now  func() time.Time

	clockMu   sync.Mutex
	lastStamp time.Time
}

type userRow struct {
	User
	PasswordHash string
}

func openDocStore(path string, now func() time.Time) (*docStore, error) {
	connStr := "file::memory:"
	if path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = fmt.Sprintf("file:%s", path)
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA busy_timeout=5000"}
	if !strings.HasSuffix(connStr, ":memory:") {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			owner TEXT NOT NULL,
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			doc TEXT NOT NULL CHECK (json_valid(doc)),
			updated_at TEXT NOT NULL,
			PRIMARY KEY (owner, collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_updated ON documents (owner, collection, updated_at)`,
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return &docStore{conn: conn, now: now}, nil
}

func (s *docStore) Close() error {
	return s.conn.Close()
}

// stamp returns a strictly increasing server time.
func (s *docStore) stamp() string {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	t := s.now().UTC()
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Nanosecond)
	}
	s.lastStamp = t
	return schema.FormatTime(t)
}

func (s *docStore) createUser(ctx context.Context, email, hash, name string) (*User, error) {
	u := &User{ID: uuid.NewString(), Email: email, DisplayName: name}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, display_name, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, hash, u.DisplayName, schema.FormatTime(s.now()))
	if err != nil {
		if errors.Is(err, sqlite3.CONSTRAINT) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return u, nil
}

func (s *docStore) userByEmail(ctx context.Context, email string) (*userRow, error) {
	var u userRow
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, email, display_name, password_hash FROM users WHERE email = ?`, email).
		Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &u, nil
}

// upload merges the payload into the owner's documents inside one
// transaction and returns the resulting changes per collection.
func (s *docStore) upload(ctx context.Context, owner string, p *Payload) (map[schema.Collection][]Change, *UploadResult, error) {
	changes := make(map[schema.Collection][]Change)
	res := &UploadResult{}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, coll := range []schema.Collection{schema.Records, schema.Believers, schema.Reminders} {
		for _, doc := range p.Documents(coll) {
			id := doc.ID()
			if id == "" {
				return nil, nil, fmt.Errorf("%s: %w", coll, errMissingID)
			}
			ch, err := s.mergeTx(ctx, tx, owner, coll, id, doc)
			if err != nil {
				return nil, nil, err
			}
			changes[coll] = append(changes[coll], ch)
			res.Written++
		}
	}

	// Categories live in one document; a payload that carries categories
	// or deletes one replaces it.
	if len(p.CustomCategories.Income) > 0 || len(p.CustomCategories.Expense) > 0 || deletesCategory(p.Deleted) {
		doc := schema.Document{
			"income":  nonNil(p.CustomCategories.Income),
			"expense": nonNil(p.CustomCategories.Expense),
		}
		if _, err := s.mergeTx(ctx, tx, owner, schema.Settings, categoriesDocID, doc); err != nil {
			return nil, nil, err
		}
		res.Written += len(p.CustomCategories.Income) + len(p.CustomCategories.Expense)
	}

	for _, ref := range p.Deleted {
		if !ref.Collection.IsSynced() || ref.Collection == schema.Categories || ref.ID == "" {
			continue
		}
		r, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE owner = ? AND collection = ? AND id = ?`,
			owner, string(ref.Collection), ref.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to delete %s/%s: %w", ref.Collection, ref.ID, err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			changes[ref.Collection] = append(changes[ref.Collection], Change{Type: ChangeRemoved, ID: ref.ID})
			res.Deleted++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit upload: %w", err)
	}
	res.ServerTime = schema.FormatTime(s.now())
	return changes, res, nil
}

// mergeTx stamps the document with the server time and merges it over the
// stored one (RFC 7396 merge patch).
func (s *docStore) mergeTx(ctx context.Context, tx *sql.Tx, owner string, coll schema.Collection, id string, doc schema.Document) (Change, error) {
	data, err := doc.Encode()
	if err != nil {
		return Change{}, fmt.Errorf("failed to encode %s/%s: %w", coll, id, err)
	}
	stamp := s.stamp()
	if data, err = sjson.SetBytes(data, schema.FieldUpdatedAt, stamp); err != nil {
		return Change{}, fmt.Errorf("failed to stamp %s/%s: %w", coll, id, err)
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE owner = ? AND collection = ? AND id = ?`,
		owner, string(coll), id).Scan(&exists)
	if err != nil {
		return Change{}, fmt.Errorf("failed to look up %s/%s: %w", coll, id, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (owner, collection, id, doc, updated_at) VALUES (?, ?, ?, json(?), ?)
		ON CONFLICT (owner, collection, id) DO UPDATE SET
			doc = json_patch(documents.doc, excluded.doc),
			updated_at = excluded.updated_at`,
		owner, string(coll), id, string(data), stamp)
	if err != nil {
		return Change{}, fmt.Errorf("failed to store %s/%s: %w", coll, id, err)
	}

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT doc FROM documents WHERE owner = ? AND collection = ? AND id = ?`,
		owner, string(coll), id).Scan(&raw); err != nil {
		return Change{}, fmt.Errorf("failed to reload %s/%s: %w", coll, id, err)
	}
	merged, err := schema.DecodeDocument([]byte(raw))
	if err != nil {
		return Change{}, err
	}

	ch := Change{Type: ChangeAdded, ID: id, Doc: merged}
	if exists > 0 {
		ch.Type = ChangeModified
	}
	return ch, nil
}

// snapshot returns the owner's documents of one collection ordered by id.
func (s *docStore) snapshot(ctx context.Context, owner string, coll schema.Collection) ([]schema.Document, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT doc FROM documents WHERE owner = ? AND collection = ? ORDER BY id`, owner, string(coll))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", coll, err)
	}
	defer rows.Close()

	docs := []schema.Document{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		doc, err := schema.DecodeDocument([]byte(raw))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// download assembles the owner's full payload.
func (s *docStore) download(ctx context.Context, owner string) (*Payload, error) {
	p := &Payload{}
	var err error
	if p.Records, err = s.snapshot(ctx, owner, schema.Records); err != nil {
		return nil, err
	}
	if p.Believers, err = s.snapshot(ctx, owner, schema.Believers); err != nil {
		return nil, err
	}
	if p.Reminders, err = s.snapshot(ctx, owner, schema.Reminders); err != nil {
		return nil, err
	}

	p.CustomCategories = CustomCategories{Income: []schema.Document{}, Expense: []schema.Document{}}
	var raw string
	err = s.conn.QueryRowContext(ctx, `SELECT doc FROM documents WHERE owner = ? AND collection = ? AND id = ?`,
		owner, string(schema.Settings), categoriesDocID).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to load categories: %w", err)
	default:
		var cats CustomCategories
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&cats); err != nil {
			return nil, fmt.Errorf("invalid categories document: %w", err)
		}
		p.CustomCategories.Income = nonNil(cats.Income)
		p.CustomCategories.Expense = nonNil(cats.Expense)
	}
	return p, nil
}

func deletesCategory(refs []DeletedRef) bool {
	for _, ref := range refs {
		if ref.Collection == schema.Categories {
			return true
		}
	}
	return false
}

func nonNil(docs []schema.Document) []schema.Document {
	if docs == nil {
		return []schema.Document{}
	}
	return docs
}

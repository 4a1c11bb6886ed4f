package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/templeledger/templeledger/internal/ledger/schema"
)

func (db *DB) indexFor(coll schema.Collection, index string) (schema.Store, schema.Index, error) {
	store, err := db.storeFor(coll)
	if err != nil {
		return store, schema.Index{}, err
	}
	idx, ok := store.Index(index)
	if !ok {
		return store, idx, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, coll, index)
	}
	return store, idx, nil
}

// GetByIndex returns the entities whose indexed field equals value,
// ordered by primary key.
func (db *DB) GetByIndex(ctx context.Context, coll schema.Collection, index string, value any) ([]schema.Document, error) {
	store, idx, err := db.indexFor(coll, index)
	if err != nil {
		return nil, wrapErr("getByIndex", coll, err)
	}
	if db.conn == nil {
		return nil, wrapErr("getByIndex", coll, ErrClosed)
	}
	query := fmt.Sprintf("SELECT doc FROM %s WHERE %s = ? ORDER BY %s",
		quoteIdent(string(coll)), fieldExpr(idx.KeyPath), quoteIdent(store.KeyPath))
	docs, err := queryDocs(ctx, db.conn, query, sqlValue(value))
	return docs, wrapErr("getByIndex", coll, err)
}

// GetByRange returns the entities whose indexed field lies within
// [lower, upper], in index order. A nil bound leaves that side open.
func (db *DB) GetByRange(ctx context.Context, coll schema.Collection, index string, lower, upper any) ([]schema.Document, error) {
	store, idx, err := db.indexFor(coll, index)
	if err != nil {
		return nil, wrapErr("getByRange", coll, err)
	}
	if db.conn == nil {
		return nil, wrapErr("getByRange", coll, ErrClosed)
	}

	expr := fieldExpr(idx.KeyPath)
	where := []string{expr + " IS NOT NULL"}
	var args []any
	if lower != nil {
		where = append(where, expr+" >= ?")
		args = append(args, sqlValue(lower))
	}
	if upper != nil {
		where = append(where, expr+" <= ?")
		args = append(args, sqlValue(upper))
	}
	query := fmt.Sprintf("SELECT doc FROM %s WHERE %s ORDER BY %s, %s",
		quoteIdent(string(coll)), strings.Join(where, " AND "), expr, quoteIdent(store.KeyPath))
	docs, err := queryDocs(ctx, db.conn, query, args...)
	return docs, wrapErr("getByRange", coll, err)
}

// Count returns the number of entities in the collection, or of those whose
// indexed field equals value when index is not empty.
func (db *DB) Count(ctx context.Context, coll schema.Collection, index string, value any) (int, error) {
	if db.conn == nil {
		return 0, wrapErr("count", coll, ErrClosed)
	}
	var (
		query string
		args  []any
	)
	if index == "" {
		if _, err := db.storeFor(coll); err != nil {
			return 0, wrapErr("count", coll, err)
		}
		query = "SELECT COUNT(*) FROM " + quoteIdent(string(coll))
	} else {
		_, idx, err := db.indexFor(coll, index)
		if err != nil {
			return 0, wrapErr("count", coll, err)
		}
		query = fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", quoteIdent(string(coll)), fieldExpr(idx.KeyPath))
		args = append(args, sqlValue(value))
	}
	var n int
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, wrapErr("count", coll, fmt.Errorf("failed to count: %w", err))
	}
	return n, nil
}

// sqlValue converts a Go value to what json_extract yields for the same
// JSON value: booleans are 0/1, numbers are INTEGER or REAL.
func sqlValue(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case decimal.Decimal:
		if val.IsInteger() {
			return val.IntPart()
		}
		return val.InexactFloat64()
	case time.Time:
		return schema.FormatTime(val)
	case schema.Collection:
		return string(val)
	case schema.Action:
		return string(val)
	default:
		return v
	}
}

type conditionKind int

const (
	condEquals conditionKind = iota
	condRange
	condIncludes
)

// Condition is one per-field filter used by Query.
type Condition struct {
	kind     conditionKind
	value    any
	min, max any
	substr   string
}

// Equals matches fields equal to v. Numbers compare numerically.
func Equals(v any) Condition {
	return Condition{kind: condEquals, value: v}
}

// Between matches fields within [min, max]; a nil bound is open.
func Between(min, max any) Condition {
	return Condition{kind: condRange, min: min, max: max}
}

// Includes matches string fields containing s, ignoring case.
func Includes(s string) Condition {
	return Condition{kind: condIncludes, substr: strings.ToLower(s)}
}

// Conditions maps field names to filters; all must match.
type Conditions map[string]Condition

// Query filters a collection in memory. A document missing a filtered
// field never matches.
func (db *DB) Query(ctx context.Context, coll schema.Collection, conds Conditions) ([]schema.Document, error) {
	store, err := db.storeFor(coll)
	if err != nil {
		return nil, wrapErr("query", coll, err)
	}
	if db.conn == nil {
		return nil, wrapErr("query", coll, ErrClosed)
	}

	query := fmt.Sprintf("SELECT doc FROM %s ORDER BY %s", quoteIdent(string(coll)), quoteIdent(store.KeyPath))
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapErr("query", coll, fmt.Errorf("failed to query: %w", err))
	}
	defer rows.Close()

	docs := []schema.Document{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, wrapErr("query", coll, fmt.Errorf("failed to scan document: %w", err))
		}
		if !matchAll(raw, conds) {
			continue
		}
		doc, err := schema.DecodeDocument([]byte(raw))
		if err != nil {
			return nil, wrapErr("query", coll, err)
		}
		docs = append(docs, doc)
	}
	return docs, wrapErr("query", coll, rows.Err())
}

func matchAll(raw string, conds Conditions) bool {
	for field, cond := range conds {
		if !cond.match(gjson.Get(raw, gjsonPath(field))) {
			return false
		}
	}
	return true
}

func gjsonPath(field string) string {
	return strings.NewReplacer("*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`).Replace(field)
}

func (c Condition) match(res gjson.Result) bool {
	if !res.Exists() || res.Type == gjson.Null {
		return false
	}
	switch c.kind {
	case condEquals:
		cmp, ok := compare(res, c.value)
		return ok && cmp == 0
	case condRange:
		if c.min != nil {
			cmp, ok := compare(res, c.min)
			if !ok || cmp < 0 {
				return false
			}
		}
		if c.max != nil {
			cmp, ok := compare(res, c.max)
			if !ok || cmp > 0 {
				return false
			}
		}
		return true
	case condIncludes:
		return strings.Contains(strings.ToLower(res.String()), c.substr)
	}
	return false
}

// compare orders a JSON value against a Go value. ok is false when the two
// are not comparable.
func compare(res gjson.Result, v any) (int, bool) {
	switch res.Type {
	case gjson.Number:
		want, ok := schema.ToDecimal(v)
		if !ok {
			return 0, false
		}
		got, err := decimal.NewFromString(res.Raw)
		if err != nil {
			return 0, false
		}
		return got.Cmp(want), true
	case gjson.String:
		switch want := v.(type) {
		case string:
			return strings.Compare(res.Str, want), true
		case time.Time:
			return strings.Compare(res.Str, schema.FormatTime(want)), true
		case fmt.Stringer:
			return strings.Compare(res.Str, want.String()), true
		}
		return 0, false
	case gjson.True, gjson.False:
		want, ok := v.(bool)
		if !ok {
			return 0, false
		}
		if res.Bool() == want {
			return 0, true
		}
		if want {
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

package sync

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strings"
	stdsync "sync"

	"github.com/charmbracelet/log"

	"github.com/templeledger/templeledger/internal/ledger/db"
	"github.com/templeledger/templeledger/internal/ledger/remote"
	"github.com/templeledger/templeledger/internal/ledger/schema"
)

// Strategy selects how conflicts are resolved.
type Strategy string

const (
	// StrategyTimestamp keeps the version with the later updatedAt; ties
	// keep the local version.
	StrategyTimestamp Strategy = "timestamp"
	// StrategyServerWins always takes the remote version.
	StrategyServerWins Strategy = "server-wins"
	// StrategyClientWins keeps the local version and uploads it again.
	StrategyClientWins Strategy = "client-wins"
	// StrategyManual leaves conflicts for ResolveConflict.
	StrategyManual Strategy = "manual"
)

// Strategies lists every strategy.
var Strategies = []Strategy{StrategyTimestamp, StrategyServerWins, StrategyClientWins, StrategyManual}

// ParseStrategy parses a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range Strategies {
		if strings.EqualFold(strings.TrimSpace(s), string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Decision is the outcome of resolving one conflict.
type Decision int

const (
	// KeepLocal leaves the local version untouched.
	KeepLocal Decision = iota
	// TakeRemote overwrites the local version with the remote one.
	TakeRemote
	// PushLocal saves the local version again so it is uploaded.
	PushLocal
	// Defer leaves the conflict for the user.
	Defer
)

func (d Decision) String() string {
	switch d {
	case KeepLocal:
		return "keep-local"
	case TakeRemote:
		return "take-remote"
	case PushLocal:
		return "push-local"
	case Defer:
		return "defer"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Result summarizes a reconciliation.
type Result struct {
	Conflicts   []schema.Conflict // every divergence found
	Deferred    []schema.Conflict // left for ResolveConflict
	Applied     []db.Operation    // remote versions written locally
	Merged      int               // remote entities without a conflict
	Unchanged   int               // same updatedAt on both sides
	Withheld    int               // deleted locally, delete not uploaded yet
	TakenRemote int
	KeptLocal   int
	PushedLocal int
}

// Err returns ErrConflictUnresolved when conflicts were deferred.
func (r *Result) Err() error {
	if r == nil || len(r.Deferred) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d pending", ErrConflictUnresolved, len(r.Deferred))
}

// Resolver detects and settles conflicts between local and remote data.
type Resolver struct {
	store  Store
	logger *log.Logger

	mu       stdsync.RWMutex
	strategy Strategy
	detect   map[schema.Collection]bool
}

// NewResolver creates a resolver. Conflicts are only detected for the
// given collections; remote entities of other collections always merge.
func NewResolver(store Store, strategy Strategy, detect []schema.Collection, logger *log.Logger) *Resolver {
	if strategy == "" {
		strategy = StrategyTimestamp
	}
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "resolver", ReportTimestamp: true})
	}
	r := &Resolver{store: store, logger: logger, strategy: strategy, detect: make(map[schema.Collection]bool)}
	for _, c := range detect {
		r.detect[c] = true
	}
	return r
}

// Strategy returns the active strategy.
func (r *Resolver) Strategy() Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategy
}

// SetStrategy changes the active strategy.
func (r *Resolver) SetStrategy(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = s
}

// Detects reports whether conflicts are detected for coll.
func (r *Resolver) Detects(coll schema.Collection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.detect[coll]
}

// Decide settles one conflict under the active strategy. Versions that
// differ only in updatedAt take the later stamp whatever the strategy.
func (r *Resolver) Decide(local, cloud schema.Document) Decision {
	if sameContent(local, cloud) {
		if schema.CompareUpdatedAt(cloud, local) > 0 {
			return TakeRemote
		}
		return KeepLocal
	}
	switch r.Strategy() {
	case StrategyServerWins:
		return TakeRemote
	case StrategyClientWins:
		return PushLocal
	case StrategyManual:
		return Defer
	default:
		if schema.CompareUpdatedAt(cloud, local) > 0 {
			return TakeRemote
		}
		return KeepLocal
	}
}

// Detect lists the conflicts between the payload and the local store.
func (r *Resolver) Detect(ctx context.Context, p *remote.Payload) ([]schema.Conflict, error) {
	var out []schema.Conflict
	for _, coll := range schema.SyncedCollections {
		if !r.Detects(coll) {
			continue
		}
		docs := remoteDocuments(p, coll)
		if len(docs) == 0 {
			continue
		}
		locals, err := r.localIndex(ctx, coll)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			if local, ok := locals[doc.ID()]; ok && !schema.SameUpdatedAt(local, doc) {
				out = append(out, newConflict(coll, local, doc))
			}
		}
	}
	return out, nil
}

// Reconcile merges a downloaded payload into the local store. Conflicts are
// settled by Decide; entities with the same updatedAt on both sides are
// left alone, entities with a delete still queued stay deleted and every
// other remote entity is written as-is. All remote writes happen in one
// batch; local versions that must win remotely are saved again afterwards
// so they are queued for upload.
func (r *Resolver) Reconcile(ctx context.Context, p *remote.Payload) (*Result, error) {
	res := &Result{}
	var ops []db.Operation
	var pushes []schema.Conflict

	deleted, err := r.pendingDeletes(ctx)
	if err != nil {
		return nil, err
	}

	for _, coll := range schema.SyncedCollections {
		docs := remoteDocuments(p, coll)
		if len(docs) == 0 {
			continue
		}
		var locals map[string]schema.Document
		if r.Detects(coll) {
			var err error
			if locals, err = r.localIndex(ctx, coll); err != nil {
				return nil, err
			}
		}

		for _, doc := range docs {
			if deleted[coll][doc.ID()] {
				res.Withheld++
				continue
			}
			local, ok := locals[doc.ID()]
			if !ok {
				ops = append(ops, putOp(coll, doc))
				res.Merged++
				continue
			}
			if schema.SameUpdatedAt(local, doc) {
				res.Unchanged++
				continue
			}

			c := newConflict(coll, local, doc)
			res.Conflicts = append(res.Conflicts, c)
			switch r.Decide(local, doc) {
			case TakeRemote:
				ops = append(ops, putOp(coll, doc))
				res.TakenRemote++
			case PushLocal:
				pushes = append(pushes, c)
				res.PushedLocal++
			case Defer:
				res.Deferred = append(res.Deferred, c)
			default:
				res.KeptLocal++
			}
		}
	}

	if len(ops) > 0 {
		if _, err := r.store.Batch(ctx, ops); err != nil {
			return nil, fmt.Errorf("failed to merge remote data: %w", err)
		}
	}
	res.Applied = ops

	for _, c := range pushes {
		if _, err := r.store.Update(ctx, c.Type, c.Local); err != nil {
			return res, fmt.Errorf("failed to re-save local %s %s: %w", c.Field, c.ID, err)
		}
	}

	r.logger.Debugf("reconciled: %d merged, %d withheld, %d conflicts (%d remote, %d local, %d pushed, %d deferred)",
		res.Merged, res.Withheld, len(res.Conflicts), res.TakenRemote, res.KeptLocal, res.PushedLocal, len(res.Deferred))
	return res, nil
}

// DeltaOps turns realtime changes into remote-origin operations. Changes
// to entities with a delete still queued are skipped. For detected
// collections a change carrying the local updatedAt is skipped and a
// diverging one goes through Decide: only TakeRemote lets it through,
// deferred ones are returned as conflicts.
func (r *Resolver) DeltaOps(ctx context.Context, coll schema.Collection, changes []remote.Change) ([]db.Operation, []schema.Conflict, error) {
	var ops []db.Operation
	var conflicts []schema.Conflict
	detect := r.Detects(coll)

	deleted, err := r.pendingDeletes(ctx)
	if err != nil {
		return nil, nil, err
	}

	for _, ch := range changes {
		switch ch.Type {
		case remote.ChangeRemoved:
			ops = append(ops, db.Operation{Type: db.OpRemove, Collection: coll, ID: ch.ID})

		case remote.ChangeAdded, remote.ChangeModified:
			if ch.Doc == nil {
				continue
			}
			doc := ch.Doc.Clone()
			if doc.ID() == "" {
				doc.SetID(ch.ID)
			}
			if deleted[coll][doc.ID()] {
				continue
			}
			if detect {
				local, err := r.store.Get(ctx, coll, doc.ID())
				if err != nil {
					return nil, nil, err
				}
				if local != nil && schema.SameUpdatedAt(local, doc) {
					continue
				}
				if local != nil {
					switch r.Decide(local, doc) {
					case TakeRemote:
					case Defer:
						conflicts = append(conflicts, newConflict(coll, local, doc))
						continue
					default:
						continue
					}
				}
			}
			ops = append(ops, putOp(coll, doc))

		default:
			r.logger.Warnf("ignoring %s change of unknown type %q", coll, ch.Type)
		}
	}
	return ops, conflicts, nil
}

// pendingDeletes returns the entities whose latest queued change is a
// delete that has not been uploaded.
func (r *Resolver) pendingDeletes(ctx context.Context) (map[schema.Collection]map[string]bool, error) {
	items, err := r.store.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending changes: %w", err)
	}
	out := make(map[schema.Collection]map[string]bool)
	for _, item := range items {
		id := item.EntityID()
		if id == "" {
			continue
		}
		if out[item.Table] == nil {
			out[item.Table] = make(map[string]bool)
		}
		// Pending is ordered by timestamp, so the last action wins.
		out[item.Table][id] = item.Action == schema.ActionDelete
	}
	return out, nil
}

func (r *Resolver) localIndex(ctx context.Context, coll schema.Collection) (map[string]schema.Document, error) {
	all, err := r.store.GetAll(ctx, coll)
	if err != nil {
		return nil, err
	}
	out := make(map[string]schema.Document, len(all))
	for _, doc := range all {
		out[doc.ID()] = doc
	}
	return out, nil
}

// remoteDocuments returns the payload entities of coll that can be stored.
// Categories without an id get one derived from type and name.
func remoteDocuments(p *remote.Payload, coll schema.Collection) []schema.Document {
	docs := p.Documents(coll)
	out := make([]schema.Document, 0, len(docs))
	for _, doc := range docs {
		if doc.ID() == "" && coll == schema.Categories && doc.String("name") != "" {
			doc = doc.Clone()
			doc.SetID(doc.String("type") + ":" + doc.String("name"))
		}
		if doc.ID() == "" {
			continue
		}
		out = append(out, doc)
	}
	return out
}

func putOp(coll schema.Collection, doc schema.Document) db.Operation {
	return db.Operation{Type: db.OpPut, Collection: coll, Data: doc}
}

func newConflict(coll schema.Collection, local, cloud schema.Document) schema.Conflict {
	return schema.Conflict{Type: coll, ID: local.ID(), Local: local, Cloud: cloud, Field: fieldName(coll)}
}

func fieldName(coll schema.Collection) string {
	switch coll {
	case schema.Categories:
		return "category"
	default:
		return strings.TrimSuffix(string(coll), "s")
	}
}

// sameContent compares two versions ignoring updatedAt.
func sameContent(a, b schema.Document) bool {
	ca, cb := a.Clone(), b.Clone()
	delete(ca, schema.FieldUpdatedAt)
	delete(cb, schema.FieldUpdatedAt)
	return reflect.DeepEqual(ca, cb)
}

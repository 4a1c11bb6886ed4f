package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/templeledger/templeledger/internal/ledger/db"
	"github.com/templeledger/templeledger/internal/ledger/remote"
	"github.com/templeledger/templeledger/internal/ledger/schema"
)

func record(id string, amount int, updatedAt string) schema.Document {
	return schema.Document{"id": id, "type": schema.TypeIncome, "amount": amount, "updatedAt": updatedAt}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"timestamp", StrategyTimestamp, false},
		{"Server-Wins", StrategyServerWins, false},
		{" client-wins ", StrategyClientWins, false},
		{"manual", StrategyManual, false},
		{"newest", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrUnknownStrategy))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecide(t *testing.T) {
	local := record("1", 100, at(0))
	newer := record("1", 150, at(time.Minute))
	older := record("1", 150, at(-time.Minute))
	sameAsLocal := record("1", 100, at(time.Hour))

	tests := []struct {
		name     string
		strategy Strategy
		cloud    schema.Document
		want     Decision
	}{
		{"timestamp remote newer", StrategyTimestamp, newer, TakeRemote},
		{"timestamp remote older", StrategyTimestamp, older, KeepLocal},
		{"server wins", StrategyServerWins, older, TakeRemote},
		{"client wins", StrategyClientWins, newer, PushLocal},
		{"manual", StrategyManual, newer, Defer},
		{"manual same content", StrategyManual, sameAsLocal, TakeRemote},
		{"client wins same content", StrategyClientWins, sameAsLocal, TakeRemote},
		{"timestamp same content remote older", StrategyTimestamp, record("1", 100, at(-time.Hour)), KeepLocal},
		{"manual same content remote older", StrategyManual, record("1", 100, at(-time.Hour)), KeepLocal},
		{"server wins same content remote older", StrategyServerWins, record("1", 100, at(-time.Hour)), KeepLocal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(nil, tt.strategy, nil, discard)
			assert.Equal(t, tt.want, r.Decide(local, tt.cloud))
		})
	}
}

func TestReconcileTimestampKeepsNewer(t *testing.T) {
	tests := []struct {
		name       string
		remoteAt   time.Duration
		wantAmount string
	}{
		{"remote newer", 50 * time.Minute, "150"},
		{"remote older", -50 * time.Minute, "100"},
		{"tie", 0, "100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			ctx := context.Background()
			putLocal(t, store, schema.Records, record("1", 100, at(0)))

			r := NewResolver(store, StrategyTimestamp, []schema.Collection{schema.Records}, discard)
			res, err := r.Reconcile(ctx, &remote.Payload{Records: []schema.Document{record("1", 150, at(tt.remoteAt))}})
			require.NoError(t, err)
			require.NoError(t, res.Err())

			assert.Equal(t, tt.wantAmount, getLocal(t, store, schema.Records, "1").Key("amount"))
			n, err := store.CountPending(ctx)
			require.NoError(t, err)
			assert.Zero(t, n, "reconciling never queues uploads")
		})
	}
}

func TestReconcileServerWins(t *testing.T) {
	store := newTestStore(t)
	putLocal(t, store, schema.Records, record("1", 100, at(time.Hour)))

	r := NewResolver(store, StrategyServerWins, []schema.Collection{schema.Records}, discard)
	res, err := r.Reconcile(context.Background(), &remote.Payload{Records: []schema.Document{record("1", 150, at(0))}})
	require.NoError(t, err)

	assert.Equal(t, 1, res.TakenRemote)
	assert.Len(t, res.Conflicts, 1)
	assert.Equal(t, "record", res.Conflicts[0].Field)
	assert.Equal(t, "150", getLocal(t, store, schema.Records, "1").Key("amount"))
}

func TestReconcileClientWinsQueuesLocal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	putLocal(t, store, schema.Records, record("1", 100, at(0)))

	r := NewResolver(store, StrategyClientWins, []schema.Collection{schema.Records}, discard)
	res, err := r.Reconcile(ctx, &remote.Payload{Records: []schema.Document{record("1", 150, at(time.Hour))}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.PushedLocal)

	local := getLocal(t, store, schema.Records, "1")
	assert.Equal(t, "100", local.Key("amount"))
	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "1", pending[0].EntityID())
	assert.Equal(t, schema.ActionUpdate, pending[0].Action)
}

func TestReconcileManualDefers(t *testing.T) {
	store := newTestStore(t)
	putLocal(t, store, schema.Records, record("1", 100, at(0)))

	r := NewResolver(store, StrategyManual, []schema.Collection{schema.Records}, discard)
	res, err := r.Reconcile(context.Background(), &remote.Payload{Records: []schema.Document{
		record("1", 150, at(time.Hour)),
		record("2", 20, at(time.Hour)),
	}})
	require.NoError(t, err)

	require.Len(t, res.Deferred, 1)
	c := res.Deferred[0]
	assert.Equal(t, schema.Records, c.Type)
	assert.Equal(t, "1", c.ID)
	assert.Equal(t, "150", c.Cloud.Key("amount"))
	assert.True(t, errors.Is(res.Err(), ErrConflictUnresolved))

	assert.Equal(t, "100", getLocal(t, store, schema.Records, "1").Key("amount"))
	assert.NotNil(t, getLocal(t, store, schema.Records, "2"), "entities without a conflict still merge")
	assert.Equal(t, 1, res.Merged)
}

func TestReconcileUndetectedCollectionsMerge(t *testing.T) {
	store := newTestStore(t)
	putLocal(t, store, schema.Believers, schema.Document{"id": "7", "name": "Local", "updatedAt": at(time.Hour)})

	r := NewResolver(store, StrategyTimestamp, []schema.Collection{schema.Records}, discard)
	res, err := r.Reconcile(context.Background(), &remote.Payload{Believers: []schema.Document{
		{"id": "7", "name": "Remote", "updatedAt": at(0)},
	}})
	require.NoError(t, err)

	assert.Empty(t, res.Conflicts)
	assert.Equal(t, "Remote", getLocal(t, store, schema.Believers, "7").String("name"))
}

func TestReconcileCategories(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := NewResolver(store, StrategyTimestamp, []schema.Collection{schema.Records}, discard)
	_, err := r.Reconcile(ctx, &remote.Payload{CustomCategories: remote.CustomCategories{
		Income:  []schema.Document{{"name": "Lamp oil"}},
		Expense: []schema.Document{{"id": "c9", "name": "Flowers"}},
	}})
	require.NoError(t, err)

	lamp := getLocal(t, store, schema.Categories, "income:Lamp oil")
	require.NotNil(t, lamp)
	assert.Equal(t, schema.TypeIncome, lamp.String("type"))
	flowers := getLocal(t, store, schema.Categories, "c9")
	require.NotNil(t, flowers)
	assert.Equal(t, schema.TypeExpense, flowers.String("type"))
}

func TestDeltaOps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	putLocal(t, store, schema.Records, record("1", 100, at(time.Hour)))
	putLocal(t, store, schema.Records, record("2", 200, at(0)))
	putLocal(t, store, schema.Records, record("3", 300, at(0)))

	r := NewResolver(store, StrategyTimestamp, []schema.Collection{schema.Records}, discard)
	ops, conflicts, err := r.DeltaOps(ctx, schema.Records, []remote.Change{
		{Type: remote.ChangeModified, ID: "1", Doc: record("1", 150, at(0))},
		{Type: remote.ChangeModified, ID: "2", Doc: record("2", 250, at(time.Hour))},
		{Type: remote.ChangeAdded, ID: "3", Doc: record("3", 300, at(0))},
		{Type: remote.ChangeAdded, ID: "4", Doc: schema.Document{"amount": 4, "updatedAt": at(0)}},
		{Type: remote.ChangeRemoved, ID: "9"},
		{Type: "renamed", ID: "5"},
	})
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	require.Len(t, ops, 3)
	assert.Equal(t, db.OpPut, ops[0].Type)
	assert.Equal(t, "2", ops[0].Data.ID())
	assert.Equal(t, "4", ops[1].Data.ID(), "id is taken from the change")
	assert.Equal(t, db.Operation{Type: db.OpRemove, Collection: schema.Records, ID: "9"}, ops[2])

	r.SetStrategy(StrategyManual)
	ops, conflicts, err = r.DeltaOps(ctx, schema.Records, []remote.Change{
		{Type: remote.ChangeModified, ID: "1", Doc: record("1", 150, at(2*time.Hour))},
	})
	require.NoError(t, err)
	assert.Empty(t, ops)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "1", conflicts[0].ID)
}

func TestReconcileNeverMovesUpdatedAtBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	putLocal(t, store, schema.Records, record("1", 100, at(2*time.Hour)))

	r := NewResolver(store, StrategyTimestamp, []schema.Collection{schema.Records}, discard)
	res, err := r.Reconcile(ctx, &remote.Payload{Records: []schema.Document{record("1", 100, at(0))}})
	require.NoError(t, err)

	assert.Empty(t, res.Applied)
	assert.Equal(t, 1, res.KeptLocal)
	assert.Equal(t, at(2*time.Hour), getLocal(t, store, schema.Records, "1").String("updatedAt"))
}

func TestReconcileKeepsQueuedDeletes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	putLocal(t, store, schema.Records, record("5", 50, at(0)))
	putLocal(t, store, schema.Believers, schema.Document{"id": "7", "name": "Lin", "updatedAt": at(0)})
	require.NoError(t, store.Delete(ctx, schema.Records, "5"))
	require.NoError(t, store.Delete(ctx, schema.Believers, "7"))

	// Deleted, then added again: the latest queued change is not a delete.
	_, err := store.Add(ctx, schema.Records, record("6", 60, ""))
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, schema.Records, "6"))
	_, err = store.Add(ctx, schema.Records, record("6", 61, ""))
	require.NoError(t, err)

	r := NewResolver(store, StrategyTimestamp, []schema.Collection{schema.Records}, discard)
	res, err := r.Reconcile(ctx, &remote.Payload{
		Records:   []schema.Document{record("5", 50, at(0)), record("6", 99, at(0)), record("8", 80, at(0))},
		Believers: []schema.Document{{"id": "7", "name": "Lin", "updatedAt": at(0)}},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Withheld)
	assert.Equal(t, 1, res.Merged)
	assert.Nil(t, getLocal(t, store, schema.Records, "5"))
	assert.Nil(t, getLocal(t, store, schema.Believers, "7"), "undetected collections keep their deletes too")
	assert.NotNil(t, getLocal(t, store, schema.Records, "8"))
	assert.Equal(t, "61", getLocal(t, store, schema.Records, "6").Key("amount"))
}

func TestDeltaOpsSkipsQueuedDeletes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	putLocal(t, store, schema.Believers, schema.Document{"id": "7", "name": "Lin", "updatedAt": at(0)})
	require.NoError(t, store.Delete(ctx, schema.Believers, "7"))

	r := NewResolver(store, StrategyTimestamp, []schema.Collection{schema.Records}, discard)
	ops, conflicts, err := r.DeltaOps(ctx, schema.Believers, []remote.Change{
		{Type: remote.ChangeAdded, ID: "7", Doc: schema.Document{"id": "7", "name": "Lin", "updatedAt": at(0)}},
		{Type: remote.ChangeModified, ID: "8", Doc: schema.Document{"id": "8", "name": "Wu", "updatedAt": at(0)}},
	})
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	require.Len(t, ops, 1)
	assert.Equal(t, "8", ops[0].Data.ID())
}

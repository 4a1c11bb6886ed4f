package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/templeledger/templeledger/internal/ledger/schema"
)

func TestQueueCountMatchesMutations(t *testing.T) {
	database, clock := setupTestDB(t)
	ctx := context.Background()

	mutations := 0
	mutate := func(fn func() error) {
		t.Helper()
		require.NoError(t, fn())
		mutations++
		clock.Advance(time.Second)
	}

	mutate(func() error { _, err := database.Add(ctx, schema.Records, schema.Document{"id": "1"}); return err })
	mutate(func() error {
		_, err := database.Update(ctx, schema.Records, schema.Document{"id": "1", "amount": 5})
		return err
	})
	mutate(func() error {
		_, err := database.Add(ctx, schema.Believers, schema.Document{"id": "7", "name": "x"})
		return err
	})
	mutate(func() error { return database.Delete(ctx, schema.Records, "1") })

	n, err := database.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, mutations, n)

	// Flush: everything pending so far is confirmed.
	pending, err := database.Pending(ctx)
	require.NoError(t, err)
	var flushed []string
	for _, item := range pending {
		flushed = append(flushed, item.ID)
	}
	require.NoError(t, database.MarkCompleted(ctx, flushed...))

	mutations = 0
	mutate(func() error {
		_, err := database.Update(ctx, schema.Believers, schema.Document{"id": "7", "name": "y"})
		return err
	})

	n, err = database.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, mutations, n)
}

func TestPendingOrderedByTimestamp(t *testing.T) {
	database, clock := setupTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		_, err := database.Add(ctx, schema.Records, schema.Document{"id": id})
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}
	// Same millisecond: ULID order keeps insertion order.
	_, err := database.Add(ctx, schema.Records, schema.Document{"id": "d"})
	require.NoError(t, err)
	_, err = database.Add(ctx, schema.Records, schema.Document{"id": "e"})
	require.NoError(t, err)

	pending, err := database.Pending(ctx)
	require.NoError(t, err)
	var order []string
	for _, item := range pending {
		order = append(order, item.EntityID())
	}
	assert.Equal(t, []string{"c", "a", "b", "d", "e"}, order)
}

func TestMarkCompleted(t *testing.T) {
	database, clock := setupTestDB(t)
	ctx := context.Background()

	_, err := database.Add(ctx, schema.Records, schema.Document{"id": "1"})
	require.NoError(t, err)
	pending, err := database.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	clock.Advance(time.Minute)
	require.NoError(t, database.MarkCompleted(ctx, pending[0].ID, "unknown-id"))

	left, err := database.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)

	doc, err := database.Get(ctx, schema.SyncQueue, pending[0].ID)
	require.NoError(t, err)
	item, err := schema.QueueItemFromDocument(doc)
	require.NoError(t, err)
	assert.True(t, item.Synced)
	assert.Equal(t, schema.FormatTime(clock.Now()), item.SyncedAt)
	assert.Equal(t, "1", item.EntityID(), "data is untouched")
}

func TestCleanupRetention(t *testing.T) {
	database, clock := setupTestDB(t)
	ctx := context.Background()

	add := func(id string) string {
		t.Helper()
		_, err := database.Add(ctx, schema.Records, schema.Document{"id": id})
		require.NoError(t, err)
		pending, err := database.Pending(ctx)
		require.NoError(t, err)
		return pending[len(pending)-1].ID
	}

	// Items are created going forward in time; "now" is the end.
	unsyncedOld := add("unsynced-old") // 10 days old, never synced
	clock.Advance(2 * 24 * time.Hour)
	eightDays := add("eight-days") // 8 days old
	clock.Advance(2 * 24 * time.Hour)
	sixDays := add("six-days") // 6 days old
	clock.Advance(6 * 24 * time.Hour)

	require.NoError(t, database.MarkCompleted(ctx, eightDays, sixDays))

	removed, err := database.Cleanup(ctx, DefaultRetention)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	gone, err := database.Get(ctx, schema.SyncQueue, eightDays)
	require.NoError(t, err)
	assert.Nil(t, gone, "synced item older than retention is pruned")

	kept, err := database.Get(ctx, schema.SyncQueue, sixDays)
	require.NoError(t, err)
	assert.NotNil(t, kept, "synced item within retention is kept")

	unsynced, err := database.Get(ctx, schema.SyncQueue, unsyncedOld)
	require.NoError(t, err)
	assert.NotNil(t, unsynced, "unsynced items are never pruned")
}

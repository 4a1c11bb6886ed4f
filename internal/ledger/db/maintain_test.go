package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/templeledger/templeledger/internal/ledger/schema"
)

func openAt(t *testing.T, path string, layout schema.Layout) *DB {
	t.Helper()
	opts := testOptions(nil)
	opts.Layout = layout
	database, err := Open(path, opts)
	require.NoError(t, err)
	return database
}

func TestInitSchemaCreatesFreshStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	database := openAt(t, path, schema.Current())
	defer database.Close()
	ctx := context.Background()

	report, err := database.InitSchema(ctx)
	require.NoError(t, err)
	assert.True(t, report.Created)
	assert.Equal(t, 0, report.FromVersion)
	assert.Equal(t, schema.CurrentVersion, report.ToVersion)
	assert.Len(t, report.CreatedStores, len(schema.Current().Stores))

	info, err := database.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.CurrentVersion, info.Version)
	for _, store := range schema.Current().Stores {
		assert.True(t, info.HasStore(store.Name), "store %s", store.Name)
		for _, idx := range store.Indexes {
			assert.True(t, info.HasIndex(store.Name, idx.Name), "index %s.%s", store.Name, idx.Name)
		}
	}

	again, err := database.InitSchema(ctx)
	require.NoError(t, err)
	assert.False(t, again.Changed(), "re-running is a no-op")
}

func TestInitSchemaUpgradePreservesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	old := openAt(t, path, schema.LayoutAt(4))
	_, err := old.InitSchema(ctx)
	require.NoError(t, err)
	_, err = old.Add(ctx, schema.Records, schema.Document{"id": "1", "amount": 100})
	require.NoError(t, err)
	_, err = old.Add(ctx, schema.Believers, schema.Document{"id": "7", "name": "x"})
	require.NoError(t, err)
	info, err := old.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, info.Version)
	assert.False(t, info.HasIndex(schema.SyncQueue, "synced"))
	require.NoError(t, old.Close())

	cur := openAt(t, path, schema.Current())
	defer cur.Close()
	report, err := cur.InitSchema(ctx)
	require.NoError(t, err)
	assert.False(t, report.Created)
	assert.Equal(t, 4, report.FromVersion)
	assert.Equal(t, 5, report.ToVersion)
	assert.Equal(t, []string{"syncQueue.synced"}, report.CreatedIndexes)

	rec, err := cur.Get(ctx, schema.Records, "1")
	require.NoError(t, err)
	assert.NotNil(t, rec, "records survive the upgrade")
	pending, err := cur.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "queue survives the upgrade")

	again, err := cur.InitSchema(ctx)
	require.NoError(t, err)
	assert.False(t, again.Changed())
}

func TestInitSchemaBumpsVersionForDriftedIndexes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	database := openAt(t, path, schema.Current())
	_, err := database.InitSchema(ctx)
	require.NoError(t, err)
	// Simulate a store that reached v5 without the synced index.
	_, err = database.RawDB().Exec(`DROP INDEX "idx_syncQueue_synced"`)
	require.NoError(t, err)
	require.NoError(t, database.Close())

	database = openAt(t, path, schema.Current())
	defer database.Close()
	report, err := database.InitSchema(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.FromVersion)
	assert.Equal(t, 6, report.ToVersion)
	assert.Equal(t, []string{"syncQueue.synced"}, report.CreatedIndexes)
}

func TestInitSchemaBlockedByOtherSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	other := openAt(t, path, schema.LayoutAt(4))
	_, err := other.InitSchema(ctx)
	require.NoError(t, err)

	database := openAt(t, path, schema.Current())
	_, err = database.InitSchema(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchemaBlocked), "got %v", err)
	assert.True(t, IsRetryable(err))

	// The blocked session still holds a usable shared lock.
	_, err = database.GetAll(ctx, schema.Records)
	require.NoError(t, err)
	require.NoError(t, database.Close())

	// OpenWithRetry succeeds once the other session goes away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(30 * time.Millisecond)
		_ = other.Close()
	}()

	opts := testOptions(nil)
	opts.BlockedRetries = 50
	upgraded, report, err := OpenWithRetry(ctx, path, opts)
	<-done
	require.NoError(t, err)
	defer upgraded.Close()
	assert.Equal(t, 5, report.ToVersion)
}

func TestOpenWithRetryGivesUp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	other := openAt(t, path, schema.LayoutAt(4))
	defer other.Close()
	_, err := other.InitSchema(ctx)
	require.NoError(t, err)

	opts := testOptions(nil)
	opts.BlockedRetries = 2
	_, _, err = OpenWithRetry(ctx, path, opts)
	assert.True(t, errors.Is(err, ErrSchemaBlocked))
}

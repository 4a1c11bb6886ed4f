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
	"github.com/templeledger/templeledger/internal/ledger/remote/remotetest"
	"github.com/templeledger/templeledger/internal/ledger/schema"
)

func TestOfflineChangesUploadOnReconnect(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	gw.SignInAs(monk)
	ctx := context.Background()
	o, _ := startOrchestrator(t, store, gw, nil)

	assert.Equal(t, StateIdle, o.Status().State)
	_, err := store.Add(ctx, schema.Believers, schema.Document{"id": "7", "name": "Lin", "phone": "0912"})
	require.NoError(t, err)
	assert.Equal(t, 1, o.Status().PendingChanges)
	assert.Empty(t, gw.Uploads(), "nothing is sent while offline")

	o.SetOnline(ctx, true)

	uploads := gw.Uploads()
	require.Len(t, uploads, 1)
	require.Len(t, uploads[0].Believers, 1)
	assert.Equal(t, "7", uploads[0].Believers[0].ID())
	assert.Equal(t, "Lin", gw.Doc(schema.Believers, "7").String("name"))

	st := o.Status()
	assert.Equal(t, StateRealtimeActive, st.State)
	assert.Zero(t, st.PendingChanges)
	assert.NotNil(t, st.LastSync)
	assert.True(t, st.Realtime)

	saved, err := store.GetSetting(ctx, SettingSync)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.String("lastSync"))
}

func TestInitialSyncMergesRemoteData(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	gw.SignInAs(monk)
	gw.Seed(schema.Records, record("9", 90, at(0)))
	gw.Seed(schema.Reminders, schema.Document{"id": "r1", "title": "Full moon", "updatedAt": at(0)})
	gw.SeedCategories([]schema.Document{{"id": "c1", "name": "Lamp oil"}}, nil)
	o, rec := startOrchestrator(t, store, gw, nil)

	o.SetOnline(context.Background(), true)

	assert.NotNil(t, getLocal(t, store, schema.Records, "9"))
	assert.NotNil(t, getLocal(t, store, schema.Reminders, "r1"))
	assert.Equal(t, schema.TypeIncome, getLocal(t, store, schema.Categories, "c1").String("type"))
	assert.NotEmpty(t, rec.dataUpdates(schema.Records))
	assert.True(t, rec.sawState(StateInitialSyncing))
	assert.Equal(t, 1, gw.Downloads())
	assert.Empty(t, gw.Uploads(), "remote data is not echoed back")
}

func TestRealtimeRemovalDeletesLocal(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	gw.SignInAs(monk)
	gw.Seed(schema.Records, record("9", 90, at(0)))
	o, rec := startOrchestrator(t, store, gw, nil)
	o.SetOnline(context.Background(), true)
	require.NotNil(t, getLocal(t, store, schema.Records, "9"))

	gw.Push(schema.Records, remote.Change{Type: remote.ChangeRemoved, ID: "9"})

	assert.Nil(t, getLocal(t, store, schema.Records, "9"))
	updates := rec.dataUpdates(schema.Records)
	last := updates[len(updates)-1]
	assert.Equal(t, []db.Operation{{Type: db.OpRemove, Collection: schema.Records, ID: "9"}}, last.Operations)
	assert.Zero(t, o.Status().PendingChanges, "remote removals are not queued")
}

func TestRealtimeChangeFromOtherDevice(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	gw.SignInAs(monk)
	o, _ := startOrchestrator(t, store, gw, nil)
	o.SetOnline(context.Background(), true)

	gw.Push(schema.Believers, remote.Change{Type: remote.ChangeAdded, ID: "8", Doc: schema.Document{"name": "Mei", "updatedAt": at(0)}})

	doc := getLocal(t, store, schema.Believers, "8")
	require.NotNil(t, doc)
	assert.Equal(t, "Mei", doc.String("name"))
	assert.Zero(t, o.Status().PendingChanges)
}

func TestTimestampConflictOnConnect(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	gw.SignInAs(monk)
	putLocal(t, store, schema.Records, record("1", 100, at(0)))
	gw.Seed(schema.Records, record("1", 150, at(time.Minute)))
	o, _ := startOrchestrator(t, store, gw, nil)

	o.SetOnline(context.Background(), true)

	assert.Equal(t, "150", getLocal(t, store, schema.Records, "1").Key("amount"))
	assert.Empty(t, o.Conflicts())
}

func TestManualConflictResolution(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	gw.SignInAs(monk)
	ctx := context.Background()
	putLocal(t, store, schema.Records, record("1", 100, at(0)))
	gw.Seed(schema.Records, record("1", 150, at(time.Minute)))
	o, rec := startOrchestrator(t, store, gw, func(c *Config) { c.Strategy = StrategyManual })

	o.SetOnline(ctx, true)

	assert.Equal(t, "100", getLocal(t, store, schema.Records, "1").Key("amount"), "manual leaves local data alone")
	conflicts := o.Conflicts()
	require.Len(t, conflicts, 1, "the realtime snapshot does not duplicate the conflict")
	assert.Equal(t, "1", conflicts[0].ID)
	assert.Equal(t, "150", conflicts[0].Cloud.Key("amount"))
	assert.Len(t, o.Status().Conflicts, 1)
	assert.Len(t, rec.notifications(LevelWarn), 1)

	err := o.ResolveConflict(ctx, schema.Records, "1", TakeRemote)
	require.NoError(t, err)
	assert.Equal(t, "150", getLocal(t, store, schema.Records, "1").Key("amount"))
	assert.Empty(t, o.Conflicts())

	err = o.ResolveConflict(ctx, schema.Records, "1", TakeRemote)
	assert.True(t, errors.Is(err, db.ErrNotFound))
}

func TestManualConflictKeepLocalQueuesUpload(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	gw.SignInAs(monk)
	ctx := context.Background()
	putLocal(t, store, schema.Records, record("1", 100, at(0)))
	gw.Seed(schema.Records, record("1", 150, at(time.Minute)))
	o, _ := startOrchestrator(t, store, gw, func(c *Config) { c.Strategy = StrategyManual })
	o.SetOnline(ctx, true)
	require.Len(t, o.Conflicts(), 1)

	require.NoError(t, o.ResolveConflict(ctx, schema.Records, "1", KeepLocal))
	assert.Equal(t, 1, o.Status().PendingChanges)

	require.NoError(t, o.SyncPending(ctx))
	assert.Equal(t, "100", gw.Doc(schema.Records, "1").Key("amount"))
}

func TestClientWinsPushesLocalVersion(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	gw.SignInAs(monk)
	putLocal(t, store, schema.Records, record("1", 100, at(0)))
	gw.Seed(schema.Records, record("1", 150, at(time.Minute)))
	o, _ := startOrchestrator(t, store, gw, func(c *Config) { c.Strategy = StrategyClientWins })

	o.SetOnline(context.Background(), true)

	assert.Equal(t, "100", getLocal(t, store, schema.Records, "1").Key("amount"))
	require.Len(t, gw.Uploads(), 1)
	assert.Equal(t, "100", gw.Doc(schema.Records, "1").Key("amount"))
	assert.Zero(t, o.Status().PendingChanges)
}

func TestDeletionIsUploaded(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	gw.SignInAs(monk)
	gw.Seed(schema.Records, record("5", 50, at(0)))
	ctx := context.Background()
	o, _ := startOrchestrator(t, store, gw, nil)
	o.SetOnline(ctx, true)
	require.NotNil(t, getLocal(t, store, schema.Records, "5"))

	require.NoError(t, store.Delete(ctx, schema.Records, "5"))
	require.NoError(t, o.SyncPending(ctx))

	uploads := gw.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, []remote.DeletedRef{{Collection: schema.Records, ID: "5"}}, uploads[0].Deleted)
	assert.Nil(t, gw.Doc(schema.Records, "5"))
}

func TestOfflineDeletionSurvivesReconnect(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	gw.SignInAs(monk)
	gw.Seed(schema.Records, record("5", 50, at(0)))
	ctx := context.Background()
	o, _ := startOrchestrator(t, store, gw, nil)
	o.SetOnline(ctx, true)
	require.NotNil(t, getLocal(t, store, schema.Records, "5"))

	o.SetOnline(ctx, false)
	require.NoError(t, store.Delete(ctx, schema.Records, "5"))
	o.SetOnline(ctx, true)

	assert.Nil(t, getLocal(t, store, schema.Records, "5"), "the download does not bring it back")
	assert.Nil(t, gw.Doc(schema.Records, "5"))
	uploads := gw.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, []remote.DeletedRef{{Collection: schema.Records, ID: "5"}}, uploads[0].Deleted)
	assert.Zero(t, o.Status().PendingChanges)
}

func TestEchoedUploadsDoNotLoop(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	gw.EchoUploads = true
	gw.SignInAs(monk)
	ctx := context.Background()
	o, _ := startOrchestrator(t, store, gw, func(c *Config) { c.Strategy = StrategyClientWins })
	o.SetOnline(ctx, true)

	_, err := store.Add(ctx, schema.Records, record("1", 100, ""))
	require.NoError(t, err)
	require.NoError(t, o.SyncPending(ctx))

	assert.Equal(t, getLocal(t, store, schema.Records, "1").String("updatedAt"),
		gw.Doc(schema.Records, "1").String("updatedAt"), "the echo adopts the server stamp")
	assert.Zero(t, o.Status().PendingChanges)
	assert.Len(t, gw.Uploads(), 1)
}

func TestGoingOfflineStopsCloudSync(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	gw.SignInAs(monk)
	ctx := context.Background()
	o, _ := startOrchestrator(t, store, gw, nil)

	o.SetOnline(ctx, true)
	require.Equal(t, 1, gw.Subscriptions())
	require.True(t, o.TimerActive())

	o.SetOnline(ctx, false)

	assert.Zero(t, gw.Subscriptions())
	assert.False(t, o.TimerActive())
	st := o.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.False(t, st.Online)
	assert.True(t, errors.Is(o.SyncPending(ctx), ErrOffline))
}

func TestAuthChangesDriveSync(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	ctx := context.Background()
	o, _ := startOrchestrator(t, store, gw, nil)

	o.SetOnline(ctx, true)
	assert.Equal(t, StateIdle, o.Status().State, "no user, no sync")
	assert.Zero(t, gw.Downloads())

	gw.SignInAs(monk)
	st := o.Status()
	assert.Equal(t, StateRealtimeActive, st.State)
	assert.Equal(t, monk.Email, st.User)
	assert.Equal(t, 1, gw.Downloads())

	require.NoError(t, gw.SignOut(ctx))
	st = o.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.False(t, st.Authenticated)
	assert.Zero(t, gw.Subscriptions())
	assert.False(t, o.TimerActive())
}

func TestFailureNotifiedOncePerStreak(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	gw.SignInAs(monk)
	ctx := context.Background()
	o, rec := startOrchestrator(t, store, gw, nil)

	gw.FailNext("download", remotetest.Unavailable("download"))
	gw.FailNext("download", remotetest.Unavailable("download"))

	o.SetOnline(ctx, true)
	assert.Equal(t, StateError, o.Status().State)
	assert.NotEmpty(t, o.Status().LastError)
	o.SetOnline(ctx, true)
	assert.Equal(t, StateError, o.Status().State)
	assert.Len(t, rec.notifications(LevelError), 1, "a failure streak is notified once")

	o.SetOnline(ctx, true)
	st := o.Status()
	assert.Equal(t, StateRealtimeActive, st.State)
	assert.Empty(t, st.LastError)

	_, err := store.Add(ctx, schema.Records, record("1", 100, ""))
	require.NoError(t, err)
	gw.FailNext("upload", remotetest.Unavailable("upload"))
	err = o.SyncPending(ctx)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Len(t, rec.notifications(LevelError), 2, "a new streak is notified again")
	assert.Equal(t, 1, o.Status().PendingChanges, "failed uploads stay queued")
}

func TestForceResync(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	gw.SignInAs(monk)
	gw.Seed(schema.Records, record("r", 1, at(0)))
	ctx := context.Background()
	o, _ := startOrchestrator(t, store, gw, func(c *Config) { c.Strategy = StrategyManual })
	o.SetOnline(ctx, true)

	_, err := store.Add(ctx, schema.Records, record("local-only", 2, ""))
	require.NoError(t, err)

	assert.True(t, errors.Is(o.ForceResync(ctx, false), ErrNotConfirmed))
	assert.NotNil(t, getLocal(t, store, schema.Records, "local-only"), "unconfirmed resync changes nothing")

	require.NoError(t, o.ForceResync(ctx, true))
	assert.Nil(t, getLocal(t, store, schema.Records, "local-only"))
	assert.NotNil(t, getLocal(t, store, schema.Records, "r"))
	assert.Zero(t, o.Status().PendingChanges)
	assert.Equal(t, StrategyManual, o.Status().Strategy)

	strategy, err := store.GetSetting(ctx, SettingStrategy)
	require.NoError(t, err)
	assert.Equal(t, "manual", strategy.String("value"), "settings survive")
}

func TestConcurrentSyncIsRejected(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	gw.SignInAs(monk)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	gw.UploadHook = func(*remote.Payload) {
		entered <- struct{}{}
		<-release
	}
	o, _ := startOrchestrator(t, store, gw, nil)
	o.SetOnline(ctx, true)

	_, err := store.Add(ctx, schema.Records, record("1", 100, ""))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- o.SyncPending(ctx) }()
	<-entered

	assert.True(t, o.Status().InProgress)
	assert.True(t, errors.Is(o.SyncPending(ctx), ErrSyncInProgress))
	assert.True(t, errors.Is(o.SyncNow(ctx), ErrSyncInProgress))

	close(release)
	require.NoError(t, <-done)
	assert.Len(t, gw.Uploads(), 1)
	assert.False(t, o.Status().InProgress)
}

func TestSyncNow(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	gw.SignInAs(monk)
	ctx := context.Background()
	o, rec := startOrchestrator(t, store, gw, nil)
	o.SetOnline(ctx, true)

	_, err := store.Add(ctx, schema.Reminders, schema.Document{"id": "r1", "title": "Offerings"})
	require.NoError(t, err)
	gw.Seed(schema.Believers, schema.Document{"id": "8", "name": "Mei", "updatedAt": at(0)})

	require.NoError(t, o.SyncNow(ctx))

	assert.NotNil(t, gw.Doc(schema.Reminders, "r1"))
	assert.NotNil(t, getLocal(t, store, schema.Believers, "8"))
	assert.Equal(t, StateRealtimeActive, o.Status().State)
	assert.NotEmpty(t, rec.notifications(LevelInfo))
}

func TestPeriodicTimerUploads(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	gw.SignInAs(monk)
	ctx := context.Background()
	o, _ := startOrchestrator(t, store, gw, func(c *Config) { c.Interval = 20 * time.Millisecond })
	o.SetOnline(ctx, true)

	_, err := store.Add(ctx, schema.Records, record("1", 100, ""))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(gw.Uploads()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return o.Status().PendingChanges == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDroppedRealtimeStreamReopens(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	gw.SignInAs(monk)
	ctx := context.Background()
	o, rec := startOrchestrator(t, store, gw, func(c *Config) { c.Interval = 20 * time.Millisecond })
	o.SetOnline(ctx, true)
	require.Equal(t, 1, gw.Subscriptions())

	gw.DropSubscriptions(remotetest.Unavailable("subscribe"))

	require.Eventually(t, func() bool {
		return gw.Subscriptions() == 1 && o.Status().State == StateRealtimeActive
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, rec.sawState(StateError))
	assert.Len(t, rec.notifications(LevelError), 1)
}

func TestStrategyIsPersisted(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	ctx := context.Background()

	o, _ := startOrchestrator(t, store, gw, nil)
	assert.Equal(t, StrategyTimestamp, o.Status().Strategy)
	require.NoError(t, o.SetStrategy(ctx, StrategyServerWins))
	assert.True(t, errors.Is(o.SetStrategy(ctx, "newest"), ErrUnknownStrategy))
	require.NoError(t, o.Stop())

	again, _ := startOrchestrator(t, store, gw, nil)
	assert.Equal(t, StrategyServerWins, again.Status().Strategy)
}

func TestRestartAfterStop(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	gw.SignInAs(monk)
	ctx := context.Background()
	o := New(store, gw, testConfig(nil))

	require.NoError(t, o.Start(ctx))
	o.SetOnline(ctx, true)
	require.NoError(t, o.Stop())
	require.Zero(t, gw.Subscriptions())
	require.False(t, o.TimerActive())

	require.NoError(t, o.Start(ctx))
	t.Cleanup(func() { _ = o.Stop() })
	o.SetOnline(ctx, false)
	o.SetOnline(ctx, true)

	assert.True(t, o.TimerActive())
	assert.Equal(t, 1, gw.Subscriptions())
	st := o.Status()
	assert.Equal(t, StateRealtimeActive, st.State)
	assert.True(t, st.Realtime)

	_, err := store.Add(ctx, schema.Believers, schema.Document{"id": "7", "name": "Lin"})
	require.NoError(t, err)
	require.NoError(t, o.SyncPending(ctx))
	assert.Equal(t, "Lin", gw.Doc(schema.Believers, "7").String("name"))
}

func TestInitialSyncSkippedWhenInactive(t *testing.T) {
	store := newTestStore(t)
	gw := remotetest.New()
	gw.SignInAs(monk)
	ctx := context.Background()
	o, rec := startOrchestrator(t, store, gw, nil)

	require.NoError(t, o.initialSync(ctx))

	assert.Zero(t, gw.Downloads())
	assert.Equal(t, StateIdle, o.Status().State)
	assert.False(t, rec.sawState(StateInitialSyncing))
}

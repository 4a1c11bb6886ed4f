package sync

import (
	"context"
	"time"

	"github.com/templeledger/templeledger/internal/ledger/db"
	"github.com/templeledger/templeledger/internal/ledger/schema"
)

// Store is the part of the local store used for syncing. *db.DB
// implements it.
type Store interface {
	Get(ctx context.Context, coll schema.Collection, id string) (schema.Document, error)
	GetAll(ctx context.Context, coll schema.Collection) ([]schema.Document, error)
	Update(ctx context.Context, coll schema.Collection, doc schema.Document) (string, error)
	Batch(ctx context.Context, ops []db.Operation) ([]string, error)
	Clear(ctx context.Context, colls ...schema.Collection) error

	Pending(ctx context.Context) ([]*schema.SyncQueueItem, error)
	CountPending(ctx context.Context) (int, error)
	MarkCompleted(ctx context.Context, ids ...string) error
	Cleanup(ctx context.Context, retention time.Duration) (int, error)

	GetSetting(ctx context.Context, key string) (schema.Document, error)
	PutSetting(ctx context.Context, key string, value schema.Document) error
}

var _ Store = (*db.DB)(nil)

// Syncer is the lifecycle surface a host process drives.
//
// The host starts the syncer once, reports connectivity changes as they
// happen and stops it on shutdown. Authentication changes are observed
// directly on the gateway.
type Syncer interface {
	// Start loads persisted sync settings and begins observing the
	// gateway's auth state. If the device is already online and signed in,
	// cloud sync starts immediately.
	//
	// Example:
	//   if err := syncer.Start(ctx); err != nil {
	//       return err
	//   }
	Start(ctx context.Context) error

	// Stop ends cloud sync and waits for background work to finish.
	Stop() error

	// SetOnline reports a connectivity change. Going offline stops the
	// realtime stream and the timer; coming online (re)starts cloud sync
	// when a user is signed in.
	//
	// Example:
	//   syncer.SetOnline(ctx, prober.Ping(ctx) == nil)
	SetOnline(ctx context.Context, online bool)

	// Status returns a snapshot of the sync state.
	Status() Status
}

var _ Syncer = (*Orchestrator)(nil)

// Observer receives orchestrator events. Calls are made synchronously
// from the goroutine that caused them and must not block.
type Observer interface {
	OnStatus(Status)
	OnDataUpdated(DataUpdate)
	OnNotification(Notification)
	OnConflicts([]schema.Conflict)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Status       func(Status)
	DataUpdated  func(DataUpdate)
	Notification func(Notification)
	Conflicts    func([]schema.Conflict)
}

func (f ObserverFuncs) OnStatus(s Status) {
	if f.Status != nil {
		f.Status(s)
	}
}

func (f ObserverFuncs) OnDataUpdated(u DataUpdate) {
	if f.DataUpdated != nil {
		f.DataUpdated(u)
	}
}

func (f ObserverFuncs) OnNotification(n Notification) {
	if f.Notification != nil {
		f.Notification(n)
	}
}

func (f ObserverFuncs) OnConflicts(c []schema.Conflict) {
	if f.Conflicts != nil {
		f.Conflicts(c)
	}
}

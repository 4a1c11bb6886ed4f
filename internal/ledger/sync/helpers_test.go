package sync

import (
	"context"
	"io"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/templeledger/templeledger/internal/ledger/db"
	"github.com/templeledger/templeledger/internal/ledger/remote"
	"github.com/templeledger/templeledger/internal/ledger/remote/remotetest"
	"github.com/templeledger/templeledger/internal/ledger/schema"
)

var (
	t0      = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	monk    = &remote.User{ID: "u1", Email: "monk@temple.example", DisplayName: "Monk"}
	discard = log.New(io.Discard)
)

func at(d time.Duration) string {
	return schema.FormatTime(t0.Add(d))
}

// newTestStore opens a fresh store in a temp dir.
func newTestStore(t *testing.T) *db.DB {
	t.Helper()
	opts := db.DefaultOptions()
	opts.Logger = discard
	store, _, err := db.OpenWithRetry(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// putLocal writes a document keeping its updatedAt and without queueing it.
func putLocal(t *testing.T, store *db.DB, coll schema.Collection, doc schema.Document) {
	t.Helper()
	_, err := store.Batch(context.Background(), []db.Operation{{Type: db.OpPut, Collection: coll, Data: doc}})
	require.NoError(t, err)
}

func getLocal(t *testing.T, store *db.DB, coll schema.Collection, id string) schema.Document {
	t.Helper()
	doc, err := store.Get(context.Background(), coll, id)
	require.NoError(t, err)
	return doc
}

func testConfig(mutate func(*Config)) *Config {
	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	cfg.Logger = discard
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

// startOrchestrator starts an orchestrator that is stopped at cleanup.
func startOrchestrator(t *testing.T, store *db.DB, gw *remotetest.Gateway, mutate func(*Config)) (*Orchestrator, *recorder) {
	t.Helper()
	o := New(store, gw, testConfig(mutate))
	rec := &recorder{}
	o.AddObserver(rec)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() { _ = o.Stop() })
	return o, rec
}

// recorder keeps every event it observes.
type recorder struct {
	mu        stdsync.Mutex
	statuses  []Status
	updates   []DataUpdate
	notes     []Notification
	conflicts [][]schema.Conflict
}

func (r *recorder) OnStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) OnDataUpdated(u DataUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) OnNotification(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) OnConflicts(cs []schema.Conflict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts = append(r.conflicts, cs)
}

func (r *recorder) notifications(level Level) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notes {
		if n.Level == level {
			out = append(out, n)
		}
	}
	return out
}

func (r *recorder) dataUpdates(coll schema.Collection) []DataUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []DataUpdate
	for _, u := range r.updates {
		if u.Collection == coll {
			out = append(out, u)
		}
	}
	return out
}

func (r *recorder) sawState(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.statuses {
		if st.State == s {
			return true
		}
	}
	return false
}

package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/templeledger/templeledger/internal/ledger/db"
	"github.com/templeledger/templeledger/internal/ledger/remote"
	"github.com/templeledger/templeledger/internal/ledger/schema"
)

// Settings keys owned by the orchestrator.
const (
	SettingSync     = "sync"
	SettingStrategy = "conflictStrategy"
)

// Config holds orchestrator configuration.
type Config struct {
	// Strategy for conflicts (default: the persisted choice, else timestamp)
	Strategy Strategy

	// Interval of the periodic sync timer (default: 30s)
	Interval time.Duration

	// Retention of synced queue items (default: 7 days)
	Retention time.Duration

	// ConflictCollections are checked for conflicts (default: records)
	ConflictCollections []schema.Collection

	// RealtimeCollections are streamed from the remote (default: records, believers)
	RealtimeCollections []schema.Collection

	// Now is the clock for lastSync (default: time.Now)
	Now func() time.Time

	// Logger for sync activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:            30 * time.Second,
		Retention:           db.DefaultRetention,
		ConflictCollections: []schema.Collection{schema.Records},
		RealtimeCollections: []schema.Collection{schema.Records, schema.Believers},
		Now:                 time.Now,
		Logger:              log.NewWithOptions(os.Stderr, log.Options{Prefix: "sync", ReportTimestamp: true}),
	}
}

// Orchestrator drives synchronization between the local store and the
// remote gateway.
type Orchestrator struct {
	store    Store
	gateway  remote.Gateway
	resolver *Resolver
	config   *Config
	logger   *log.Logger

	mu          stdsync.Mutex
	state       State
	online      bool
	user        *remote.User
	active      bool
	lastSync    time.Time
	lastErr     error
	errNotified bool
	pending     int
	conflicts   map[string]schema.Conflict
	sub         remote.Subscription
	timerCancel context.CancelFunc

	// inProgress guards download/upload runs; applyMu serializes writes
	// of remote data.
	inProgress atomic.Bool
	applyMu    stdsync.Mutex

	observersMu  stdsync.RWMutex
	observers    map[int]Observer
	nextObserver int

	authCancel func()
	// ctx lives from Start to Stop and is renewed by the next Start.
	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// New creates an orchestrator. Call Start to begin.
func New(store Store, gateway remote.Gateway, config *Config) *Orchestrator {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	cfg := *config
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.ConflictCollections == nil {
		cfg.ConflictCollections = def.ConflictCollections
	}
	if cfg.RealtimeCollections == nil {
		cfg.RealtimeCollections = def.RealtimeCollections
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     store,
		gateway:   gateway,
		resolver:  NewResolver(store, cfg.Strategy, cfg.ConflictCollections, cfg.Logger),
		config:    &cfg,
		logger:    cfg.Logger,
		conflicts: make(map[string]schema.Conflict),
		observers: make(map[int]Observer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start loads the persisted sync settings, subscribes to auth changes and
// starts cloud sync if the device is online with a signed in user. A
// stopped orchestrator can be started again.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.loadSettings(ctx); err != nil {
		return err
	}
	o.mu.Lock()
	if o.ctx.Err() != nil {
		o.ctx, o.cancel = context.WithCancel(context.Background())
	}
	o.mu.Unlock()
	o.authCancel = o.gateway.OnAuthStateChanged(o.onAuthChanged)

	o.mu.Lock()
	o.user = o.gateway.CurrentUser()
	o.mu.Unlock()

	o.logger.Infof("sync started (strategy %s, interval %s)", o.resolver.Strategy(), o.config.Interval)
	o.emitStatus()
	o.maybeStart(ctx)
	return nil
}

// Stop ends cloud sync and waits for background goroutines.
func (o *Orchestrator) Stop() error {
	if o.authCancel != nil {
		o.authCancel()
		o.authCancel = nil
	}
	o.stopCloudSync()
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	cancel()
	o.wg.Wait()
	o.logger.Info("sync stopped")
	return nil
}

func (o *Orchestrator) loadSettings(ctx context.Context) error {
	doc, err := o.store.GetSetting(ctx, SettingSync)
	if err != nil {
		return fmt.Errorf("failed to load sync settings: %w", err)
	}
	if t, ok := doc.Time("lastSync"); ok {
		o.lastSync = t
	}

	if o.config.Strategy != "" {
		return o.persistStrategy(ctx, o.config.Strategy)
	}
	doc, err = o.store.GetSetting(ctx, SettingStrategy)
	if err != nil {
		return fmt.Errorf("failed to load conflict strategy: %w", err)
	}
	if name := doc.String("value"); name != "" {
		s, err := ParseStrategy(name)
		if err != nil {
			o.logger.Warnf("ignoring persisted strategy: %v", err)
			return nil
		}
		o.resolver.SetStrategy(s)
	}
	return nil
}

// SetStrategy changes and persists the conflict strategy.
func (o *Orchestrator) SetStrategy(ctx context.Context, s Strategy) error {
	if _, err := ParseStrategy(string(s)); err != nil {
		return err
	}
	if err := o.persistStrategy(ctx, s); err != nil {
		return err
	}
	o.logger.Infof("conflict strategy set to %s", s)
	o.emitStatus()
	return nil
}

func (o *Orchestrator) persistStrategy(ctx context.Context, s Strategy) error {
	o.resolver.SetStrategy(s)
	if err := o.store.PutSetting(ctx, SettingStrategy, schema.Document{"value": string(s)}); err != nil {
		return fmt.Errorf("failed to persist conflict strategy: %w", err)
	}
	return nil
}

// SetOnline reports a connectivity change.
func (o *Orchestrator) SetOnline(ctx context.Context, online bool) {
	o.mu.Lock()
	changed := o.online != online
	o.online = online
	o.mu.Unlock()

	if changed {
		o.logger.Infof("connectivity: online=%t", online)
	}
	if !online {
		o.stopCloudSync()
		return
	}
	o.maybeStart(ctx)
}

func (o *Orchestrator) onAuthChanged(u *remote.User) {
	o.mu.Lock()
	o.user = u
	o.mu.Unlock()

	if u == nil {
		o.logger.Info("signed out")
		o.stopCloudSync()
		return
	}
	o.logger.Infof("signed in as %s", u.Email)
	o.maybeStart(o.lifetime())
}

// maybeStart begins cloud sync when online and signed in, unless it is
// already running without error.
func (o *Orchestrator) maybeStart(ctx context.Context) {
	o.mu.Lock()
	ready := o.online && o.user != nil
	start := ready && (!o.active || o.state == StateError)
	if start {
		o.active = true
	}
	o.mu.Unlock()
	if !start {
		o.emitStatus()
		return
	}

	o.startTimer()
	if err := o.resume(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
		o.logger.Debugf("cloud sync start: %v", err)
	}
}

// resume runs the initial sync, opens the realtime stream and uploads
// pending changes, stopping at the first failure.
func (o *Orchestrator) resume(ctx context.Context) error {
	if err := o.initialSync(ctx); err != nil {
		return err
	}
	if !o.isActive() {
		return nil
	}
	if err := o.startRealtime(); err != nil {
		return err
	}
	return o.SyncPending(ctx)
}

func (o *Orchestrator) stopCloudSync() {
	o.mu.Lock()
	wasActive := o.active
	o.active = false
	sub := o.sub
	o.sub = nil
	cancel := o.timerCancel
	o.timerCancel = nil
	o.state = StateIdle
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			o.logger.Warnf("failed to close realtime stream: %v", err)
		}
	}
	if wasActive {
		o.logger.Info("cloud sync stopped")
	}
	o.emitStatus()
}

func (o *Orchestrator) lifetime() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ctx
}

func (o *Orchestrator) isActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// ready reports why a sync cannot run right now.
func (o *Orchestrator) ready() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.online {
		return ErrOffline
	}
	if o.user == nil {
		return remote.ErrNotAuthenticated
	}
	return nil
}

// startTimer replaces the periodic timer.
func (o *Orchestrator) startTimer() {
	ctx, cancel := context.WithCancel(o.lifetime())
	o.mu.Lock()
	old := o.timerCancel
	o.timerCancel = cancel
	o.mu.Unlock()
	if old != nil {
		old()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.tick(ctx)
			}
		}
	}()
}

// TimerActive reports whether the periodic timer is running.
func (o *Orchestrator) TimerActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.timerCancel != nil
}

func (o *Orchestrator) tick(ctx context.Context) {
	o.mu.Lock()
	ready := o.online && o.user != nil && o.active
	state, lastErr, sub := o.state, o.lastErr, o.sub
	o.mu.Unlock()
	if !ready || ctx.Err() != nil || o.inProgress.Load() {
		return
	}

	if state == StateError && !IsRetryable(lastErr) {
		// Non-retryable failures wait for a connectivity or auth event.
		return
	}
	if sub == nil {
		if err := o.resume(ctx); err != nil {
			o.logger.Debugf("retry failed: %v", err)
		}
		return
	}

	n, err := o.store.CountPending(ctx)
	if err != nil {
		_ = o.fail("count pending", err)
		return
	}
	if n > 0 {
		if err := o.SyncPending(ctx); err != nil {
			o.logger.Debugf("periodic upload: %v", err)
		}
		return
	}
	if removed, err := o.store.Cleanup(ctx, o.config.Retention); err != nil {
		o.logger.Warnf("queue cleanup failed: %v", err)
	} else if removed > 0 {
		o.logger.Debugf("pruned %d synced queue items", removed)
	}
}

func (o *Orchestrator) begin() bool {
	if !o.inProgress.CompareAndSwap(false, true) {
		return false
	}
	o.emitStatus()
	return true
}

func (o *Orchestrator) end() {
	o.inProgress.Store(false)
	o.emitStatus()
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.emitStatus()
}

// settle leaves a finished run in the resting state.
func (o *Orchestrator) settle() {
	o.mu.Lock()
	if o.sub != nil {
		o.state = StateRealtimeActive
	} else {
		o.state = StateIdle
	}
	o.mu.Unlock()
	o.emitStatus()
}

func (o *Orchestrator) initialSync(ctx context.Context) error {
	if !o.begin() {
		return ErrSyncInProgress
	}
	defer o.end()

	// Cloud sync may have stopped since the caller checked.
	o.mu.Lock()
	if !o.active {
		o.mu.Unlock()
		return nil
	}
	o.state = StateInitialSyncing
	o.mu.Unlock()
	o.emitStatus()

	payload, err := o.gateway.Download(ctx)
	if err != nil {
		return o.fail("initial sync", err)
	}
	if _, err := o.reconcile(ctx, payload); err != nil {
		return o.fail("initial sync", err)
	}
	o.logger.Infof("initial sync complete (%d entities)", payload.Size())
	return nil
}

func (o *Orchestrator) reconcile(ctx context.Context, payload *remote.Payload) (*Result, error) {
	o.applyMu.Lock()
	res, err := o.resolver.Reconcile(ctx, payload)
	o.applyMu.Unlock()
	if err != nil {
		return nil, err
	}

	byColl := make(map[schema.Collection][]db.Operation)
	for _, op := range res.Applied {
		byColl[op.Collection] = append(byColl[op.Collection], op)
	}
	for _, coll := range schema.SyncedCollections {
		if ops := byColl[coll]; len(ops) > 0 {
			o.emitData(DataUpdate{Collection: coll, Operations: ops})
		}
	}

	if len(res.Deferred) > 0 {
		o.recordConflicts(res.Deferred)
		o.notify(LevelWarn, fmt.Sprintf("%d conflicts need manual resolution", len(res.Deferred)), res.Err())
	}
	o.markSynced(ctx)
	return res, nil
}

func (o *Orchestrator) startRealtime() error {
	sub, err := o.gateway.Subscribe(o.lifetime(), o.config.RealtimeCollections, o.handleChanges)
	if err != nil {
		return o.fail("realtime", err)
	}

	o.mu.Lock()
	if !o.active {
		o.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil
	}
	old := o.sub
	o.sub = sub
	o.state = StateRealtimeActive
	o.mu.Unlock()
	if old != nil {
		_ = old.Unsubscribe()
	}
	o.logger.Infof("realtime sync active for %v", o.config.RealtimeCollections)
	o.emitStatus()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		<-sub.Done()
		o.mu.Lock()
		current := o.sub == sub
		if current {
			o.sub = nil
		}
		o.mu.Unlock()
		if err := sub.Err(); current && err != nil {
			_ = o.fail("realtime", err)
		}
	}()
	return nil
}

// handleChanges applies a realtime delivery. Deliveries are applied one at
// a time in the order received.
func (o *Orchestrator) handleChanges(coll schema.Collection, _ []schema.Document, changes []remote.Change) {
	o.applyMu.Lock()
	defer o.applyMu.Unlock()

	ctx := o.lifetime()
	ops, conflicts, err := o.resolver.DeltaOps(ctx, coll, changes)
	if err != nil {
		_ = o.fail("realtime apply", err)
		return
	}
	if len(conflicts) > 0 {
		o.recordConflicts(conflicts)
	}
	if len(ops) == 0 {
		return
	}
	if _, err := o.store.Batch(ctx, ops); err != nil {
		_ = o.fail("realtime apply", err)
		return
	}
	o.logger.Debugf("applied %d remote %s changes", len(ops), coll)
	o.emitData(DataUpdate{Collection: coll, Operations: ops})
}

// SyncPending uploads the pending queue. It is a no-op when nothing is
// pending.
func (o *Orchestrator) SyncPending(ctx context.Context) error {
	if err := o.ready(); err != nil {
		return err
	}
	if !o.begin() {
		return ErrSyncInProgress
	}
	defer o.end()
	return o.upload(ctx)
}

func (o *Orchestrator) upload(ctx context.Context) error {
	items, err := o.store.Pending(ctx)
	if err != nil {
		return o.fail("upload", err)
	}
	if len(items) == 0 {
		return nil
	}

	o.setState(StateUploadingPending)
	payload, err := o.buildPayload(ctx, items)
	if err != nil {
		return o.fail("upload", err)
	}
	if _, err := o.gateway.Upload(ctx, payload); err != nil {
		return o.fail("upload", err)
	}

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	if err := o.store.MarkCompleted(ctx, ids...); err != nil {
		return o.fail("upload", err)
	}
	if removed, err := o.store.Cleanup(ctx, o.config.Retention); err != nil {
		o.logger.Warnf("queue cleanup failed: %v", err)
	} else if removed > 0 {
		o.logger.Debugf("pruned %d synced queue items", removed)
	}

	o.logger.Infof("uploaded %d pending changes", len(items))
	o.markSynced(ctx)
	o.settle()
	return nil
}

// buildPayload collects the full local data plus the deletions among the
// pending items.
func (o *Orchestrator) buildPayload(ctx context.Context, items []*schema.SyncQueueItem) (*remote.Payload, error) {
	p := &remote.Payload{}
	var err error
	if p.Records, err = o.store.GetAll(ctx, schema.Records); err != nil {
		return nil, err
	}
	if p.Believers, err = o.store.GetAll(ctx, schema.Believers); err != nil {
		return nil, err
	}
	if p.Reminders, err = o.store.GetAll(ctx, schema.Reminders); err != nil {
		return nil, err
	}
	cats, err := o.store.GetAll(ctx, schema.Categories)
	if err != nil {
		return nil, err
	}
	p.CustomCategories = remote.CustomCategories{Income: []schema.Document{}, Expense: []schema.Document{}}
	for _, c := range cats {
		if c.String("type") == schema.TypeExpense {
			p.CustomCategories.Expense = append(p.CustomCategories.Expense, c)
		} else {
			p.CustomCategories.Income = append(p.CustomCategories.Income, c)
		}
	}

	seen := make(map[remote.DeletedRef]bool)
	for _, item := range items {
		if item.Action != schema.ActionDelete {
			continue
		}
		ref := remote.DeletedRef{Collection: item.Table, ID: item.EntityID()}
		if ref.ID == "" || seen[ref] {
			continue
		}
		// Re-created since the delete: the upload carries it again.
		doc, err := o.store.Get(ctx, ref.Collection, ref.ID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			seen[ref] = true
			p.Deleted = append(p.Deleted, ref)
		}
	}
	return p, nil
}

// SyncNow runs a manual bidirectional sync: upload pending changes, then
// download and reconcile.
func (o *Orchestrator) SyncNow(ctx context.Context) error {
	if err := o.ready(); err != nil {
		return err
	}
	if !o.begin() {
		return ErrSyncInProgress
	}

	res, err := func() (*Result, error) {
		defer o.end()
		if err := o.upload(ctx); err != nil {
			return nil, err
		}
		o.setState(StateInitialSyncing)
		payload, err := o.gateway.Download(ctx)
		if err != nil {
			return nil, o.fail("sync", err)
		}
		res, err := o.reconcile(ctx, payload)
		if err != nil {
			return nil, o.fail("sync", err)
		}
		o.settle()
		return res, nil
	}()
	if err != nil {
		return err
	}

	o.mu.Lock()
	reopen := o.active && o.sub == nil
	o.mu.Unlock()
	if reopen {
		if err := o.startRealtime(); err != nil {
			return err
		}
	}
	o.notify(LevelInfo, "sync complete", nil)
	return res.Err()
}

// ForceResync discards the local synced collections and the sync queue
// and downloads everything again. Settings are kept. Pending local changes
// are lost, hence the confirmation.
func (o *Orchestrator) ForceResync(ctx context.Context, confirmed bool) error {
	if !confirmed {
		return ErrNotConfirmed
	}
	if err := o.ready(); err != nil {
		return err
	}
	if !o.begin() {
		return ErrSyncInProgress
	}
	defer o.end()

	o.setState(StateInitialSyncing)
	colls := append(append([]schema.Collection{}, schema.SyncedCollections...), schema.SyncQueue)
	o.applyMu.Lock()
	err := o.store.Clear(ctx, colls...)
	o.applyMu.Unlock()
	if err != nil {
		return o.fail("resync", err)
	}
	o.mu.Lock()
	o.conflicts = make(map[string]schema.Conflict)
	o.mu.Unlock()
	for _, coll := range schema.SyncedCollections {
		o.emitData(DataUpdate{Collection: coll})
	}

	payload, err := o.gateway.Download(ctx)
	if err != nil {
		return o.fail("resync", err)
	}
	if _, err := o.reconcile(ctx, payload); err != nil {
		return o.fail("resync", err)
	}
	o.settle()
	o.logger.Infof("forced resync complete (%d entities)", payload.Size())
	o.notify(LevelInfo, "local data replaced with cloud data", nil)
	return nil
}

// ResolveConflict settles a deferred conflict. TakeRemote writes the
// remote version; KeepLocal and PushLocal save the local version again so
// it replaces the remote one on the next upload.
func (o *Orchestrator) ResolveConflict(ctx context.Context, coll schema.Collection, id string, choice Decision) error {
	key := conflictKey(coll, id)
	o.mu.Lock()
	c, ok := o.conflicts[key]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no conflict for %s %s", db.ErrNotFound, coll, id)
	}

	switch choice {
	case TakeRemote:
		op := putOp(coll, c.Cloud)
		o.applyMu.Lock()
		_, err := o.store.Batch(ctx, []db.Operation{op})
		o.applyMu.Unlock()
		if err != nil {
			return err
		}
		o.emitData(DataUpdate{Collection: coll, Operations: []db.Operation{op}})
	case KeepLocal, PushLocal:
		current, err := o.store.Get(ctx, coll, id)
		if err != nil {
			return err
		}
		if current == nil {
			current = c.Local
		}
		if _, err := o.store.Update(ctx, coll, current); err != nil {
			return err
		}
	default:
		return fmt.Errorf("cannot resolve a conflict with %s", choice)
	}

	o.mu.Lock()
	delete(o.conflicts, key)
	o.mu.Unlock()
	o.logger.Infof("conflict on %s %s resolved: %s", coll, id, choice)
	o.emitConflicts()
	o.emitStatus()
	return nil
}

// Conflicts returns the deferred conflicts ordered by collection and id.
func (o *Orchestrator) Conflicts() []schema.Conflict {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conflictsLocked()
}

func (o *Orchestrator) conflictsLocked() []schema.Conflict {
	out := make([]schema.Conflict, 0, len(o.conflicts))
	for _, c := range o.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (o *Orchestrator) recordConflicts(cs []schema.Conflict) {
	o.mu.Lock()
	for _, c := range cs {
		o.conflicts[conflictKey(c.Type, c.ID)] = c
	}
	o.mu.Unlock()
	o.emitConflicts()
	o.emitStatus()
}

func conflictKey(coll schema.Collection, id string) string {
	return string(coll) + "/" + id
}

func (o *Orchestrator) markSynced(ctx context.Context) {
	now := o.config.Now()
	o.mu.Lock()
	o.lastSync = now
	o.lastErr = nil
	o.errNotified = false
	o.mu.Unlock()
	if err := o.store.PutSetting(ctx, SettingSync, schema.Document{"lastSync": schema.FormatTime(now)}); err != nil {
		o.logger.Warnf("failed to persist last sync time: %v", err)
	}
}

// fail moves to the error state. Only the first failure of a streak is
// notified; the next success ends the streak.
func (o *Orchestrator) fail(op string, err error) error {
	err = fmt.Errorf("%s: %w", op, err)
	if errors.Is(err, context.Canceled) {
		return err
	}

	o.mu.Lock()
	o.state = StateError
	o.lastErr = err
	first := !o.errNotified
	o.errNotified = true
	o.mu.Unlock()

	if first {
		o.logger.Errorf("%v", err)
		o.notify(LevelError, fmt.Sprintf("sync failed: %v", err), err)
	} else {
		o.logger.Debugf("still failing: %v", err)
	}
	o.emitStatus()
	return err
}

// Status returns a snapshot of the sync state.
func (o *Orchestrator) Status() Status {
	if n, err := o.store.CountPending(context.Background()); err == nil {
		o.mu.Lock()
		o.pending = n
		o.mu.Unlock()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		State:          o.state,
		Online:         o.online,
		Authenticated:  o.user != nil,
		Realtime:       o.sub != nil,
		InProgress:     o.inProgress.Load(),
		PendingChanges: o.pending,
		Conflicts:      o.conflictsLocked(),
		Strategy:       o.resolver.Strategy(),
	}
	if o.user != nil {
		st.User = o.user.Email
	}
	if !o.lastSync.IsZero() {
		t := o.lastSync
		st.LastSync = &t
	}
	if o.lastErr != nil {
		st.LastError = o.lastErr.Error()
	}
	return st
}

// AddObserver registers an observer and returns a func that removes it.
func (o *Orchestrator) AddObserver(obs Observer) func() {
	o.observersMu.Lock()
	id := o.nextObserver
	o.nextObserver++
	o.observers[id] = obs
	o.observersMu.Unlock()
	return func() {
		o.observersMu.Lock()
		delete(o.observers, id)
		o.observersMu.Unlock()
	}
}

func (o *Orchestrator) eachObserver(fn func(Observer)) {
	o.observersMu.RLock()
	ids := make([]int, 0, len(o.observers))
	for id := range o.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	list := make([]Observer, len(ids))
	for i, id := range ids {
		list[i] = o.observers[id]
	}
	o.observersMu.RUnlock()
	for _, obs := range list {
		fn(obs)
	}
}

func (o *Orchestrator) emitStatus() {
	st := o.Status()
	o.eachObserver(func(obs Observer) { obs.OnStatus(st) })
}

func (o *Orchestrator) emitData(u DataUpdate) {
	o.eachObserver(func(obs Observer) { obs.OnDataUpdated(u) })
}

func (o *Orchestrator) emitConflicts() {
	cs := o.Conflicts()
	o.eachObserver(func(obs Observer) { obs.OnConflicts(cs) })
}

func (o *Orchestrator) notify(level Level, msg string, err error) {
	n := Notification{Level: level, Message: msg, Time: o.config.Now(), Err: err}
	o.eachObserver(func(obs Observer) { obs.OnNotification(n) })
}

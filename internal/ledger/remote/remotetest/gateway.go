// Package remotetest provides an in-memory remote.Gateway for tests.
package remotetest

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/templeledger/templeledger/internal/ledger/remote"
	"github.com/templeledger/templeledger/internal/ledger/schema"
)

// Gateway is an in-memory remote service. Uploads are merged by id and
// stamped with the gateway clock; realtime deliveries are made
// synchronously from the goroutine that caused them.
type Gateway struct {
	// EchoUploads delivers the changes of each upload to subscribers, as
	// the real server does.
	EchoUploads bool

	// UploadHook, if set, runs at the start of every Upload.
	UploadHook func(p *remote.Payload)

	mu         sync.Mutex
	now        func() time.Time
	lastStamp  time.Time
	user       *remote.User
	accounts   map[string]account
	docs       map[schema.Collection]map[string]schema.Document
	categories remote.CustomCategories
	uploads    []*remote.Payload
	downloads  int
	failures   map[string][]error
	subs       map[*subscription]struct{}
	listeners  map[int]func(*remote.User)
	next       int
}

type account struct {
	user     remote.User
	password string
}

var _ remote.Gateway = (*Gateway)(nil)

// New returns an empty gateway with no signed in user.
func New() *Gateway {
	return &Gateway{
		now:       time.Now,
		accounts:  make(map[string]account),
		docs:      make(map[schema.Collection]map[string]schema.Document),
		failures:  make(map[string][]error),
		subs:      make(map[*subscription]struct{}),
		listeners: make(map[int]func(*remote.User)),
	}
}

// SetClock replaces the clock used to stamp uploads.
func (g *Gateway) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// FailNext makes the next call of op ("upload", "download", "subscribe")
// return err. Calls queue up.
func (g *Gateway) FailNext(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op] = append(g.failures[op], err)
}

// Unavailable is a retryable error like a 503 from the real service.
func Unavailable(op string) error {
	return &remote.RemoteError{Op: op, StatusCode: http.StatusServiceUnavailable, Retryable: true, Err: context.DeadlineExceeded}
}

func (g *Gateway) failure(op string) error {
	queue := g.failures[op]
	if len(queue) == 0 {
		return nil
	}
	g.failures[op] = queue[1:]
	return queue[0]
}

// SignInAs signs u in without credentials.
func (g *Gateway) SignInAs(u *remote.User) {
	g.mu.Lock()
	g.user = u
	g.mu.Unlock()
	g.notify(u)
}

func (g *Gateway) CurrentUser() *remote.User {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.user == nil {
		return nil
	}
	u := *g.user
	return &u
}

func (g *Gateway) SignIn(_ context.Context, email, password string) (*remote.User, error) {
	g.mu.Lock()
	acc, ok := g.accounts[email]
	if !ok || acc.password != password {
		g.mu.Unlock()
		return nil, &remote.RemoteError{Op: "signIn", StatusCode: http.StatusUnauthorized, Err: remote.ErrInvalidCredentials}
	}
	u := acc.user
	g.user = &u
	g.mu.Unlock()
	g.notify(&u)
	return &u, nil
}

func (g *Gateway) SignUp(_ context.Context, creds remote.Credentials) (*remote.User, error) {
	g.mu.Lock()
	if _, ok := g.accounts[creds.Email]; ok {
		g.mu.Unlock()
		return nil, &remote.RemoteError{Op: "signUp", StatusCode: http.StatusConflict, Err: remote.ErrEmailTaken}
	}
	u := remote.User{ID: "user-" + creds.Email, Email: creds.Email, DisplayName: creds.DisplayName}
	g.accounts[creds.Email] = account{user: u, password: creds.Password}
	g.user = &u
	g.mu.Unlock()
	g.notify(&u)
	return &u, nil
}

func (g *Gateway) SignOut(context.Context) error {
	g.mu.Lock()
	g.user = nil
	g.mu.Unlock()
	g.notify(nil)
	return nil
}

func (g *Gateway) OnAuthStateChanged(fn func(*remote.User)) func() {
	g.mu.Lock()
	id := g.next
	g.next++
	g.listeners[id] = fn
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		delete(g.listeners, id)
		g.mu.Unlock()
	}
}

func (g *Gateway) notify(u *remote.User) {
	g.mu.Lock()
	fns := make([]func(*remote.User), 0, len(g.listeners))
	for _, fn := range g.listeners {
		fns = append(fns, fn)
	}
	g.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

// Seed stores documents as-is, keeping their updatedAt.
func (g *Gateway) Seed(coll schema.Collection, docs ...schema.Document) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, doc := range docs {
		g.put(coll, doc.Clone())
	}
}

// SeedCategories replaces the custom categories.
func (g *Gateway) SeedCategories(income, expense []schema.Document) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.categories = remote.CustomCategories{Income: cloneAll(income), Expense: cloneAll(expense)}
}

// Doc returns a copy of a stored document or nil.
func (g *Gateway) Doc(coll schema.Collection, id string) schema.Document {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.docs[coll][id].Clone()
}

// Docs returns copies of a collection's documents ordered by id.
func (g *Gateway) Docs(coll schema.Collection) []schema.Document {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sorted(coll)
}

// Uploads returns every payload received so far.
func (g *Gateway) Uploads() []*remote.Payload {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*remote.Payload(nil), g.uploads...)
}

// Downloads returns how many times Download succeeded.
func (g *Gateway) Downloads() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.downloads
}

// Subscriptions returns the number of open subscriptions.
func (g *Gateway) Subscriptions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

func (g *Gateway) Upload(_ context.Context, p *remote.Payload) (*remote.UploadResult, error) {
	if g.UploadHook != nil {
		g.UploadHook(p)
	}

	g.mu.Lock()
	if g.user == nil {
		g.mu.Unlock()
		return nil, &remote.RemoteError{Op: "upload", Err: remote.ErrNotAuthenticated}
	}
	if err := g.failure("upload"); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	g.uploads = append(g.uploads, clonePayload(p))

	res := &remote.UploadResult{}
	changes := make(map[schema.Collection][]remote.Change)
	for _, coll := range []schema.Collection{schema.Records, schema.Believers, schema.Reminders} {
		for _, doc := range p.Documents(coll) {
			id := doc.ID()
			typ := remote.ChangeAdded
			merged := g.docs[coll][id].Clone()
			if merged != nil {
				typ = remote.ChangeModified
			} else {
				merged = schema.Document{}
			}
			for k, v := range doc.Clone() {
				merged[k] = v
			}
			merged[schema.FieldUpdatedAt] = g.stamp()
			g.put(coll, merged)
			changes[coll] = append(changes[coll], remote.Change{Type: typ, ID: id, Doc: merged.Clone()})
			res.Written++
		}
	}
	catDeleted := false
	for _, ref := range p.Deleted {
		catDeleted = catDeleted || ref.Collection == schema.Categories
	}
	if len(p.CustomCategories.Income) > 0 || len(p.CustomCategories.Expense) > 0 || catDeleted {
		g.categories = remote.CustomCategories{Income: cloneAll(p.CustomCategories.Income), Expense: cloneAll(p.CustomCategories.Expense)}
		res.Written += len(p.CustomCategories.Income) + len(p.CustomCategories.Expense)
	}
	for _, ref := range p.Deleted {
		if _, ok := g.docs[ref.Collection][ref.ID]; ok {
			delete(g.docs[ref.Collection], ref.ID)
			changes[ref.Collection] = append(changes[ref.Collection], remote.Change{Type: remote.ChangeRemoved, ID: ref.ID})
			res.Deleted++
		}
	}
	res.ServerTime = schema.FormatTime(g.now())
	echo := g.EchoUploads
	g.mu.Unlock()

	if echo {
		for _, coll := range []schema.Collection{schema.Records, schema.Believers, schema.Reminders} {
			if len(changes[coll]) > 0 {
				g.deliver(coll, changes[coll])
			}
		}
	}
	return res, nil
}

func (g *Gateway) Download(context.Context) (*remote.Payload, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.user == nil {
		return nil, &remote.RemoteError{Op: "download", Err: remote.ErrNotAuthenticated}
	}
	if err := g.failure("download"); err != nil {
		return nil, err
	}
	g.downloads++
	return &remote.Payload{
		Records:   g.sorted(schema.Records),
		Believers: g.sorted(schema.Believers),
		Reminders: g.sorted(schema.Reminders),
		CustomCategories: remote.CustomCategories{
			Income:  cloneAll(g.categories.Income),
			Expense: cloneAll(g.categories.Expense),
		},
	}, nil
}

func (g *Gateway) Subscribe(ctx context.Context, collections []schema.Collection, fn remote.ChangeFunc) (remote.Subscription, error) {
	g.mu.Lock()
	if g.user == nil {
		g.mu.Unlock()
		return nil, &remote.RemoteError{Op: "subscribe", Err: remote.ErrNotAuthenticated}
	}
	if err := g.failure("subscribe"); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	sub := &subscription{g: g, fn: fn, collections: make(map[schema.Collection]bool), done: make(chan struct{})}
	for _, c := range collections {
		sub.collections[c] = true
	}
	g.subs[sub] = struct{}{}

	type initial struct {
		coll schema.Collection
		docs []schema.Document
	}
	var snaps []initial
	for _, c := range collections {
		snaps = append(snaps, initial{coll: c, docs: g.sorted(c)})
	}
	g.mu.Unlock()

	for _, s := range snaps {
		changes := make([]remote.Change, 0, len(s.docs))
		for _, doc := range s.docs {
			changes = append(changes, remote.Change{Type: remote.ChangeAdded, ID: doc.ID(), Doc: doc})
		}
		fn(s.coll, s.docs, changes)
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.end(nil)
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Push applies changes to the stored collection and delivers them to
// subscribers, like a change made by another device.
func (g *Gateway) Push(coll schema.Collection, changes ...remote.Change) {
	g.mu.Lock()
	for i, ch := range changes {
		switch ch.Type {
		case remote.ChangeRemoved:
			delete(g.docs[coll], ch.ID)
		default:
			doc := ch.Doc.Clone()
			if doc == nil {
				doc = schema.Document{}
			}
			doc.SetID(ch.ID)
			g.put(coll, doc)
			changes[i].Doc = doc.Clone()
		}
	}
	g.mu.Unlock()
	g.deliver(coll, changes)
}

// DropSubscriptions ends every open subscription with err, like a lost
// connection.
func (g *Gateway) DropSubscriptions(err error) {
	g.mu.Lock()
	subs := make([]*subscription, 0, len(g.subs))
	for s := range g.subs {
		subs = append(subs, s)
	}
	g.mu.Unlock()
	for _, s := range subs {
		s.end(err)
	}
}

func (g *Gateway) deliver(coll schema.Collection, changes []remote.Change) {
	g.mu.Lock()
	snap := g.sorted(coll)
	var targets []*subscription
	for s := range g.subs {
		if s.collections[coll] {
			targets = append(targets, s)
		}
	}
	g.mu.Unlock()
	for _, s := range targets {
		s.fn(coll, snap, changes)
	}
}

func (g *Gateway) put(coll schema.Collection, doc schema.Document) {
	if g.docs[coll] == nil {
		g.docs[coll] = make(map[string]schema.Document)
	}
	g.docs[coll][doc.ID()] = doc
}

func (g *Gateway) sorted(coll schema.Collection) []schema.Document {
	out := make([]schema.Document, 0, len(g.docs[coll]))
	for _, doc := range g.docs[coll] {
		out = append(out, doc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (g *Gateway) stamp() string {
	t := g.now().UTC()
	if !t.After(g.lastStamp) {
		t = g.lastStamp.Add(time.Nanosecond)
	}
	g.lastStamp = t
	return schema.FormatTime(t)
}

type subscription struct {
	g           *Gateway
	fn          remote.ChangeFunc
	collections map[schema.Collection]bool
	done        chan struct{}
	once        sync.Once
	err         error
}

func (s *subscription) end(err error) {
	s.once.Do(func() {
		s.g.mu.Lock()
		delete(s.g.subs, s)
		s.err = err
		s.g.mu.Unlock()
		close(s.done)
	})
}

func (s *subscription) Unsubscribe() error {
	s.end(nil)
	return nil
}

func (s *subscription) Done() <-chan struct{} {
	return s.done
}

func (s *subscription) Err() error {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	return s.err
}

func cloneAll(docs []schema.Document) []schema.Document {
	out := make([]schema.Document, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Clone())
	}
	return out
}

func clonePayload(p *remote.Payload) *remote.Payload {
	if p == nil {
		return &remote.Payload{}
	}
	out := &remote.Payload{
		Records:   cloneAll(p.Records),
		Believers: cloneAll(p.Believers),
		Reminders: cloneAll(p.Reminders),
		CustomCategories: remote.CustomCategories{
			Income:  cloneAll(p.CustomCategories.Income),
			Expense: cloneAll(p.CustomCategories.Expense),
		},
	}
	out.Deleted = append(out.Deleted, p.Deleted...)
	return out
}

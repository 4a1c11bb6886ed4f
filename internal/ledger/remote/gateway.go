// Package remote is the boundary between the local store and the cloud
// document service.
//
// The Gateway interface covers authentication, bulk upload and download of
// the user's collections and a realtime change stream per collection. Client
// speaks the HTTP and websocket protocol served by Server, the reference
// implementation of the cloud side. Tests use remotetest.Gateway instead.
package remote

import (
	"context"
	"time"

	"github.com/templeledger/templeledger/internal/ledger/schema"
)

// User is an authenticated account.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

// Credentials are used to create an account.
type Credentials struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName,omitempty"`
}

// Session is what a successful sign in returns.
type Session struct {
	Token     string    `json:"token"`
	User      *User     `json:"user"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the session token is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || s.Token == "" || (!s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt))
}

// CustomCategories are the user-defined categories split by record type.
type CustomCategories struct {
	Income  []schema.Document `json:"income"`
	Expense []schema.Document `json:"expense"`
}

// DeletedRef names an entity deleted locally that the remote side should
// remove as well.
type DeletedRef struct {
	Collection schema.Collection `json:"collection"`
	ID         string            `json:"id"`
}

// Payload is the full set of user data exchanged in one upload or download.
type Payload struct {
	Records          []schema.Document `json:"records"`
	Believers        []schema.Document `json:"believers"`
	Reminders        []schema.Document `json:"reminders"`
	CustomCategories CustomCategories  `json:"customCategories"`
	Deleted          []DeletedRef      `json:"deleted,omitempty"`
}

// Documents returns the payload entities of an entity collection. For
// categories both lists are returned with their type filled in.
func (p *Payload) Documents(c schema.Collection) []schema.Document {
	if p == nil {
		return nil
	}
	switch c {
	case schema.Records:
		return p.Records
	case schema.Believers:
		return p.Believers
	case schema.Reminders:
		return p.Reminders
	case schema.Categories:
		out := make([]schema.Document, 0, len(p.CustomCategories.Income)+len(p.CustomCategories.Expense))
		for _, doc := range p.CustomCategories.Income {
			out = append(out, withType(doc, schema.TypeIncome))
		}
		for _, doc := range p.CustomCategories.Expense {
			out = append(out, withType(doc, schema.TypeExpense))
		}
		return out
	}
	return nil
}

// Size is the number of entities carried, deletions included.
func (p *Payload) Size() int {
	if p == nil {
		return 0
	}
	return len(p.Records) + len(p.Believers) + len(p.Reminders) +
		len(p.CustomCategories.Income) + len(p.CustomCategories.Expense) + len(p.Deleted)
}

func withType(doc schema.Document, typ string) schema.Document {
	if doc.String("type") == typ {
		return doc
	}
	out := doc.Clone()
	out["type"] = typ
	return out
}

// UploadResult summarizes an accepted upload.
type UploadResult struct {
	Written    int    `json:"written"`
	Deleted    int    `json:"deleted"`
	ServerTime string `json:"serverTime"`
}

// ChangeType is the kind of a realtime change.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Change is one entity change in a realtime delivery.
type Change struct {
	Type ChangeType      `json:"type"`
	ID   string          `json:"id"`
	Doc  schema.Document `json:"doc,omitempty"`
}

// ChangeMessage is one realtime delivery for a collection: its current
// snapshot and the changes since the previous delivery.
type ChangeMessage struct {
	Collection schema.Collection `json:"collection"`
	Snapshot   []schema.Document `json:"snapshot"`
	Changes    []Change          `json:"changes"`
	SentAt     time.Time         `json:"sentAt"`
}

// ChangeFunc receives realtime deliveries. Calls for one subscription are
// made sequentially, in delivery order.
type ChangeFunc func(coll schema.Collection, snapshot []schema.Document, changes []Change)

// Subscription is an open realtime change stream.
type Subscription interface {
	// Unsubscribe closes the stream and waits for delivery to stop.
	Unsubscribe() error
	// Done is closed when the stream ends for any reason.
	Done() <-chan struct{}
	// Err returns why the stream ended, or nil if it was unsubscribed.
	Err() error
}

// Auth is the account surface of the gateway.
type Auth interface {
	// CurrentUser returns the signed in user or nil.
	CurrentUser() *User
	SignIn(ctx context.Context, email, password string) (*User, error)
	SignUp(ctx context.Context, creds Credentials) (*User, error)
	SignOut(ctx context.Context) error
	// OnAuthStateChanged registers fn to be called after every sign in or
	// sign out, with nil on sign out. It is not called for the current
	// state. The returned func removes the listener.
	OnAuthStateChanged(fn func(*User)) (cancel func())
}

// Gateway is the remote data service used by the sync orchestrator.
type Gateway interface {
	Auth

	// Upload merges the payload into the user's remote data. Entities are
	// matched by id, so repeating an upload is harmless.
	Upload(ctx context.Context, payload *Payload) (*UploadResult, error)

	// Download returns all of the user's remote data.
	Download(ctx context.Context) (*Payload, error)

	// Subscribe opens a change stream for the collections. The stream ends
	// when ctx is cancelled, on Unsubscribe, or on a transport error.
	Subscribe(ctx context.Context, collections []schema.Collection, fn ChangeFunc) (Subscription, error)
}

// Prober checks whether the remote service is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

package sync

import (
	"fmt"
	"time"

	"github.com/templeledger/templeledger/internal/ledger/db"
	"github.com/templeledger/templeledger/internal/ledger/schema"
)

// State is the orchestrator's sync state.
type State int

const (
	StateIdle State = iota
	StateInitialSyncing
	StateRealtimeActive
	StateUploadingPending
	StateError
)

var stateNames = map[State]string{
	StateIdle:             "idle",
	StateInitialSyncing:   "initial-syncing",
	StateRealtimeActive:   "realtime-active",
	StateUploadingPending: "uploading-pending",
	StateError:            "error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a snapshot of the sync state.
type Status struct {
	State          State             `json:"state"`
	Online         bool              `json:"online"`
	Authenticated  bool              `json:"authenticated"`
	User           string            `json:"user,omitempty"`
	Realtime       bool              `json:"realtime"`
	InProgress     bool              `json:"inProgress"`
	LastSync       *time.Time        `json:"lastSync,omitempty"`
	PendingChanges int               `json:"pendingChanges"`
	Conflicts      []schema.Conflict `json:"conflicts"`
	Strategy       Strategy          `json:"strategy"`
	LastError      string            `json:"lastError,omitempty"`
}

// DataUpdate tells observers which local documents changed because of
// remote data.
type DataUpdate struct {
	Collection schema.Collection `json:"collection"`
	Operations []db.Operation    `json:"operations"`
}

// Level is the severity of a notification.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notification is a user-facing message.
type Notification struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
	Err     error     `json:"-"`
}

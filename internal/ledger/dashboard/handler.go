package dashboard

import (
	"os"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/templeledger/templeledger/internal/ledger/db"
	"github.com/templeledger/templeledger/internal/ledger/schema"
	ledgersync "github.com/templeledger/templeledger/internal/ledger/sync"
)

// DataUpdatedData lists the local documents a batch of remote data changed
type DataUpdatedData struct {
	Collection schema.Collection `json:"collection"`
	Put        []string          `json:"put,omitempty"`
	Removed    []string          `json:"removed,omitempty"`
	// Reset is set when the collection was replaced wholesale
	Reset bool `json:"reset,omitempty"`
}

// NotificationData is a user-facing message
type NotificationData struct {
	Level   ledgersync.Level `json:"level"`
	Message string           `json:"message"`
	Error   string           `json:"error,omitempty"`
}

// ConflictsData carries the pending conflicts
type ConflictsData struct {
	Count     int               `json:"count"`
	Conflicts []schema.Conflict `json:"conflicts"`
}

// StatsData counts the events seen since the handler was created
type StatsData struct {
	StatusUpdates int                       `json:"status_updates"`
	Changes       map[schema.Collection]int `json:"changes"`
	Notifications map[ledgersync.Level]int  `json:"notifications"`
	Conflicts     int                       `json:"conflicts"`
}

// Handler turns orchestrator events into dashboard messages. It implements
// sync.Observer.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

var _ ledgersync.Observer = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "dashboard", ReportTimestamp: true})
	}
	return &Handler{
		server: server,
		logger: logger,
		stats: StatsData{
			Changes:       make(map[schema.Collection]int),
			Notifications: make(map[ledgersync.Level]int),
		},
	}
}

// OnStatus handles sync status changes
func (h *Handler) OnStatus(st ledgersync.Status) {
	h.mu.Lock()
	h.stats.StatusUpdates++
	h.mu.Unlock()
	h.publish(MessageTypeSyncStatus, st)
}

// OnDataUpdated handles remote data written locally
func (h *Handler) OnDataUpdated(u ledgersync.DataUpdate) {
	data := DataUpdatedData{Collection: u.Collection, Reset: len(u.Operations) == 0}
	for _, op := range u.Operations {
		switch op.Type {
		case db.OpRemove, db.OpDelete:
			data.Removed = append(data.Removed, opID(op))
		default:
			data.Put = append(data.Put, opID(op))
		}
	}

	h.mu.Lock()
	h.stats.Changes[u.Collection] += len(u.Operations)
	h.mu.Unlock()

	h.logger.Debugf("%s: %d put, %d removed", u.Collection, len(data.Put), len(data.Removed))
	h.publish(MessageTypeDataUpdated, data)
}

// OnNotification handles user-facing messages
func (h *Handler) OnNotification(n ledgersync.Notification) {
	data := NotificationData{Level: n.Level, Message: n.Message}
	if n.Err != nil {
		data.Error = n.Err.Error()
	}

	h.mu.Lock()
	h.stats.Notifications[n.Level]++
	h.mu.Unlock()
	h.publish(MessageTypeNotification, data)
}

// OnConflicts handles changes of the pending conflict list
func (h *Handler) OnConflicts(cs []schema.Conflict) {
	if cs == nil {
		cs = []schema.Conflict{}
	}
	h.mu.Lock()
	h.stats.Conflicts = len(cs)
	h.mu.Unlock()
	h.publish(MessageTypeConflicts, ConflictsData{Count: len(cs), Conflicts: cs})
}

func (h *Handler) publish(typ MessageType, data any) {
	if err := h.server.Publish(typ, data); err != nil {
		h.logger.Warnf("%v", err)
	}
}

// Stats returns a copy of the event counters
func (h *Handler) Stats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := StatsData{
		StatusUpdates: h.stats.StatusUpdates,
		Changes:       make(map[schema.Collection]int, len(h.stats.Changes)),
		Notifications: make(map[ledgersync.Level]int, len(h.stats.Notifications)),
		Conflicts:     h.stats.Conflicts,
	}
	for k, v := range h.stats.Changes {
		out.Changes[k] = v
	}
	for k, v := range h.stats.Notifications {
		out.Notifications[k] = v
	}
	return out
}

func opID(op db.Operation) string {
	if op.ID != "" {
		return op.ID
	}
	return op.Data.ID()
}

package remote

import (
	"context"
	"sync"

	"github.com/templeledger/templeledger/internal/ledger/schema"
)

// subscriberBuffer is how many deliveries may queue for a slow client
// before it is disconnected.
const subscriberBuffer = 64

type subscriber struct {
	owner       string
	collections map[schema.Collection]bool
	send        chan ChangeMessage
	kick        context.CancelFunc
}

// hub fans change messages out to the websocket subscribers of an owner.
type hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

func (h *hub) add(s *subscriber) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s] = struct{}{}
	return len(h.subs)
}

func (h *hub) remove(s *subscriber) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
	return len(h.subs)
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// publish queues msg for every matching subscriber. A subscriber whose
// queue is full is disconnected; it gets a fresh snapshot on reconnect.
func (h *hub) publish(owner string, msg ChangeMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.owner != owner || !s.collections[msg.Collection] {
			continue
		}
		select {
		case s.send <- msg:
		default:
			s.kick()
		}
	}
}

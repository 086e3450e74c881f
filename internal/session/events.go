package session

import (
	"log"
	"sync"

	"matchledger.ai/internal/ledger"
)

// Publisher receives the settled event once per session.
type Publisher interface {
	PublishSettled(rec ledger.SettlementRecord)
}

// Hub fans settled events out to subscribers. Publishing never blocks: a subscriber whose
// buffer is full misses the event.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]subscriber
	log    *log.Logger
}

type subscriber struct {
	sessionID string
	ch        chan ledger.SettlementRecord
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{subs: map[int]subscriber{}, log: logger}
}

// Subscribe registers for settled events of sessionID, or of every session when sessionID is
// empty. The returned cancel func closes the channel.
func (h *Hub) Subscribe(sessionID string, buffer int) (<-chan ledger.SettlementRecord, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan ledger.SettlementRecord, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = subscriber{sessionID: sessionID, ch: ch}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) PublishSettled(rec ledger.SettlementRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		if s.sessionID != "" && s.sessionID != rec.SessionID {
			continue
		}
		select {
		case s.ch <- rec:
		default:
			if h.log != nil {
				h.log.Printf("settled event dropped subscriber=%d session=%s", id, rec.SessionID)
			}
		}
	}
}

package txpool

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/eryx-labs/execution/internal/cryptoutil"
)

// EventKind identifies which member of spec §4.5 "Subscriptions"'
// {Added, Replaced, Removed, Mined, Full} an Event carries.
type EventKind uint8

const (
	EventAdded EventKind = iota
	EventReplaced
	EventRemoved
	EventMined
	EventFull
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventReplaced:
		return "replaced"
	case EventRemoved:
		return "removed"
	case EventMined:
		return "mined"
	case EventFull:
		return "full"
	default:
		return "unknown"
	}
}

// Event is one notification of the mempool's event stream. Only the
// fields relevant to Kind are populated: Replaced sets Hash to the new
// transaction and OldHash to the one it displaced; Mined sets
// BlockNum; Full sets Discarded to every hash evicted in that sweep.
type Event struct {
	Kind      EventKind       `json:"kind"`
	Hash      cryptoutil.Hash `json:"hash,omitempty"`
	OldHash   cryptoutil.Hash `json:"old_hash,omitempty"`
	BlockNum  uint64          `json:"block_num,omitempty"`
	Discarded []cryptoutil.Hash `json:"discarded,omitempty"`
}

// eventHub fans Event out to every subscriber over a bounded channel
// each (spec §5 "Backpressure": every inter-component queue is
// bounded); a subscriber that falls behind has its oldest buffered
// event dropped rather than stalling the publisher, since the mempool
// itself must never block on a slow observer.
type eventHub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan Event]struct{})}
}

const subscriberBuffer = 256

// Subscribe returns a channel of future events and an unsubscribe
// function the caller must invoke when done listening.
func (h *eventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *eventHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// upgrader mirrors the permissive-origin, buffered-frame configuration
// the retrieved engine-API server examples use for their own
// websocket surfaces; this endpoint carries no request body, only a
// one-way event push, so no read deadline/ping-pong keepalive beyond
// gorilla's defaults is wired in here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWebsocket upgrades r and streams every subsequent mempool event
// to the connection as JSON, satisfying spec §4.5's "exposed as a
// websocket stream for external subscribers" requirement (see
// SPEC_FULL §3.6).
func (p *Pool) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.Warn("txpool: websocket upgrade failed", eventsZapErr(err)...)
		return
	}
	defer conn.Close()

	events, unsubscribe := p.hub.Subscribe()
	defer unsubscribe()

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

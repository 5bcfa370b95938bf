package serve

import (
	"sync"

	"pkt.systems/pslog"
)

// Hub fans events out to connected clients and keeps a bounded history for
// replay after reconnects.
type Hub struct {
	log pslog.Logger

	mu          sync.Mutex
	seq         uint64
	history     []WireEvent
	historySize int
	subs        map[string]chan WireEvent
}

// NewHub constructs a hub with the given history size.
func NewHub(log pslog.Logger, historySize int) *Hub {
	if historySize <= 0 {
		historySize = 1000
	}
	return &Hub{
		log:         log,
		historySize: historySize,
		subs:        make(map[string]chan WireEvent),
	}
}

// Subscribe registers a subscriber and returns its channel, an unsubscribe
// func and the current seq.
func (h *Hub) Subscribe(id string) (<-chan WireEvent, func(), uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan WireEvent, 256)
	h.subs[id] = ch
	seq := h.seq
	log := h.log.With("conn", id)
	log.Info("hub subscribe", "subs", len(h.subs))
	unsub := func() {
		h.mu.Lock()
		if h.subs[id] == ch {
			delete(h.subs, id)
			close(ch)
		}
		remaining := len(h.subs)
		h.mu.Unlock()
		log.Info("hub unsubscribe", "subs", remaining)
	}
	return ch, unsub, seq
}

// Replay returns broadcast events after the provided seq.
func (h *Hub) Replay(after uint64) []WireEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := make([]WireEvent, 0, len(h.history))
	for _, ev := range h.history {
		if ev.Seq > after {
			events = append(events, ev)
		}
	}
	return events
}

// Broadcast sends ev to every subscriber and records it for replay. Seq
// assignment and delivery happen under one lock so every channel sees events
// in seq order.
func (h *Hub) Broadcast(ev WireEvent) WireEvent {
	h.mu.Lock()
	h.seq++
	ev.Seq = h.seq
	h.history = append(h.history, ev)
	if len(h.history) > h.historySize {
		h.history = h.history[len(h.history)-h.historySize:]
	}
	dropped := 0
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	h.mu.Unlock()

	if dropped > 0 {
		h.log.Warn("hub event dropped", "type", ev.Type, "dropped", dropped)
	}
	return ev
}

// SendTo delivers ev to a single subscriber. It takes a seq but is not kept
// in the replay history.
func (h *Hub) SendTo(id string, ev WireEvent) WireEvent {
	h.mu.Lock()
	h.seq++
	ev.Seq = h.seq
	delivered := true
	if ch := h.subs[id]; ch != nil {
		select {
		case ch <- ev:
		default:
			delivered = false
		}
	}
	h.mu.Unlock()

	if !delivered {
		h.log.Warn("hub event dropped", "conn", id, "type", ev.Type)
	}
	return ev
}

// Seq returns the last assigned sequence number.
func (h *Hub) Seq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

package broadcast

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const DefaultQueueSize = 256

// Subscriber is one connected viewer. Payloads arrive on C in delivery
// order; C is closed when the subscriber is removed, either explicitly or
// because it fell behind and its queue filled up.
type Subscriber struct {
	ID    uuid.UUID
	send  chan []byte
	rooms map[string]struct{}
}

func (s *Subscriber) C() <-chan []byte { return s.send }

// Hub fans payloads out to the subscribers of each room on this instance.
type Hub struct {
	log       *slog.Logger
	queueSize int

	mu    sync.Mutex
	rooms map[string]map[uuid.UUID]*Subscriber
	subs  map[uuid.UUID]*Subscriber
}

func NewHub(log *slog.Logger, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		log:       log,
		queueSize: queueSize,
		rooms:     make(map[string]map[uuid.UUID]*Subscriber),
		subs:      make(map[uuid.UUID]*Subscriber),
	}
}

func (h *Hub) Subscribe(rooms ...string) *Subscriber {
	s := &Subscriber{
		ID:    uuid.New(),
		send:  make(chan []byte, h.queueSize),
		rooms: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.subs[s.ID] = s
	for _, r := range rooms {
		h.join(s, r)
	}
	h.mu.Unlock()
	return s
}

// Join adds s to room. It returns false if s was already removed.
func (h *Hub) Join(s *Subscriber, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.ID]; !ok {
		return false
	}
	h.join(s, room)
	return true
}

func (h *Hub) Leave(s *Subscriber, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(s, room)
}

// Unsubscribe removes s from every room and closes its channel.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(s)
}

// Deliver queues payload once for every subscriber of any of rooms. A
// subscriber whose queue is full is dropped.
func (h *Hub) Deliver(rooms []string, payload []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[uuid.UUID]struct{})
	delivered := 0
	for _, room := range rooms {
		for id, s := range h.rooms[room] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			select {
			case s.send <- payload:
				delivered++
			default:
				h.log.Warn("subscriber queue full, disconnecting", "subscriber", id, "room", room)
				h.remove(s)
			}
		}
	}
	return delivered
}

func (h *Hub) RoomSize(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

// InRoom reports whether anyone on this instance is subscribed to room.
func (h *Hub) InRoom(room string) bool {
	return h.RoomSize(room) > 0
}

func (h *Hub) join(s *Subscriber, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[uuid.UUID]*Subscriber)
		h.rooms[room] = members
	}
	members[s.ID] = s
	s.rooms[room] = struct{}{}
}

func (h *Hub) leave(s *Subscriber, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, s.ID)
	delete(s.rooms, room)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) remove(s *Subscriber) {
	if _, ok := h.subs[s.ID]; !ok {
		return
	}
	for room := range s.rooms {
		h.leave(s, room)
	}
	delete(h.subs, s.ID)
	close(s.send)
}

package broadcast

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"livechat-ws/internal/clock"
	"livechat-ws/internal/domain"
)

// Envelope is the wire form of an event, both to websocket clients and
// between instances.
type Envelope struct {
	ID        uuid.UUID        `json:"id"`
	Type      domain.EventType `json:"type"`
	SessionID uuid.UUID        `json:"session_id"`
	Rooms     []string         `json:"rooms"`
	Origin    string           `json:"origin"`
	Timestamp time.Time        `json:"timestamp"`
	Data      json.RawMessage  `json:"data"`
}

// Mirror forwards locally published envelopes to other instances. It must
// not block.
type Mirror interface {
	Mirror(env Envelope)
}

type Router struct {
	hub      *Hub
	mirror   Mirror
	instance string
	clock    clock.Clock
	log      *slog.Logger
}

func NewRouter(hub *Hub, instance string, clk clock.Clock, log *slog.Logger) *Router {
	return &Router{hub: hub, instance: instance, clock: clk, log: log}
}

// SetMirror installs the cross-instance relay. Call before serving traffic.
func (r *Router) SetMirror(m Mirror) { r.mirror = m }

// Publish routes ev and delivers it locally, then hands it to the mirror.
// Delivery is best effort: slow or absent viewers lose the event and
// re-fetch state when they reconnect.
func (r *Router) Publish(ev domain.Event) {
	rooms := Route(ev)
	if len(rooms) == 0 {
		r.log.Warn("event has no route", "type", ev.Type())
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		r.log.Error("marshal event", "type", ev.Type(), "error", err)
		return
	}
	env := Envelope{
		ID:        uuid.New(),
		Type:      ev.Type(),
		SessionID: ev.Session(),
		Rooms:     rooms,
		Origin:    r.instance,
		Timestamp: r.clock.Now(),
		Data:      data,
	}
	r.deliver(env)
	if r.mirror != nil {
		r.mirror.Mirror(env)
	}
}

// DeliverRemote delivers an envelope received from another instance.
// Envelopes that originated here were already delivered and are skipped.
func (r *Router) DeliverRemote(env Envelope) bool {
	if env.Origin == r.instance {
		return false
	}
	r.deliver(env)
	return true
}

func (r *Router) deliver(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		r.log.Error("marshal envelope", "type", env.Type, "error", err)
		return
	}
	r.hub.Deliver(env.Rooms, payload)
}

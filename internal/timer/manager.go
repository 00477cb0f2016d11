// Package timer keeps the escalation timers of one process. Timers are not
// durable; a restart drops them.
package timer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"livechat-ws/internal/clock"
)

type Kind string

const (
	KindWaiting               Kind = "waiting"
	KindOperatorResponse      Kind = "operator_response"
	KindUserInactivityWarning Kind = "user_inactivity_warning"
	KindUserInactivityFinal   Kind = "user_inactivity_final"
	KindAIInactivity          Kind = "ai_inactivity"
	KindOperatorDisconnect    Kind = "operator_disconnect"
	KindUserDisconnect        Kind = "user_disconnect"
)

type key struct {
	id   uuid.UUID
	kind Kind
}

func (k key) String() string { return fmt.Sprintf("%s/%s", k.kind, k.id) }

type entry struct {
	timer *clock.Timer
}

// Manager holds at most one timer per (id, kind).
type Manager struct {
	clock clock.Clock
	log   *slog.Logger

	mu     sync.Mutex
	timers map[key]*entry
}

func NewManager(clk clock.Clock, log *slog.Logger) *Manager {
	return &Manager{
		clock:  clk,
		log:    log,
		timers: make(map[key]*entry),
	}
}

// Schedule arms fn to run after delay, replacing any timer already
// registered for (id, kind).
func (m *Manager) Schedule(id uuid.UUID, kind Kind, delay time.Duration, fn func()) {
	k := key{id: id, kind: kind}
	e := &entry{}

	m.mu.Lock()
	if old, ok := m.timers[k]; ok && old.timer != nil {
		old.timer.Stop()
	}
	m.timers[k] = e
	m.mu.Unlock()

	// AfterFunc may run the callback synchronously, so it is called without mu.
	t := m.clock.AfterFunc(delay, func() { m.fire(k, e, fn) })

	m.mu.Lock()
	if m.timers[k] == e {
		e.timer = t
	} else {
		t.Stop()
	}
	m.mu.Unlock()
}

// Cancel stops the (id, kind) timer. It is a no-op when none is pending.
func (m *Manager) Cancel(id uuid.UUID, kind Kind) bool {
	k := key{id: id, kind: kind}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.timers[k]
	if !ok {
		return false
	}
	delete(m.timers, k)
	if e.timer != nil {
		e.timer.Stop()
	}
	return true
}

// CancelAll stops every timer registered under id.
func (m *Manager) CancelAll(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.timers {
		if k.id != id {
			continue
		}
		delete(m.timers, k)
		if e.timer != nil {
			e.timer.Stop()
		}
		n++
	}
	return n
}

func (m *Manager) Pending(id uuid.UUID, kind Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[key{id: id, kind: kind}]
	return ok
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Stop cancels everything; used on shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.timers {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(m.timers, k)
	}
}

func (m *Manager) fire(k key, e *entry, fn func()) {
	m.mu.Lock()
	if m.timers[k] != e {
		m.mu.Unlock()
		return
	}
	delete(m.timers, k)
	m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			m.log.Error("timer callback panicked", "timer", k.String(), "panic", r)
		}
	}()
	fn()
}

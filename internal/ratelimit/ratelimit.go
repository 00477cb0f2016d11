// Package ratelimit throttles visitor messages per session with a sliding
// window and flags sessions that keep hammering past the limit.
package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"livechat-ws/internal/clock"
)

type Config struct {
	Window        time.Duration
	MaxMessages   int
	SpamThreshold int
}

func DefaultConfig() Config {
	return Config{Window: time.Minute, MaxMessages: 10, SpamThreshold: 20}
}

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	// Attempts is every attempt inside the window, rejected ones included.
	Attempts int
	// SpamDetected is true only on the attempt that trips the spam latch.
	SpamDetected bool
}

type window struct {
	accepted []time.Time
	attempts []time.Time
	latched  bool
}

type Limiter struct {
	cfg   Config
	clock clock.Clock

	mu      sync.Mutex
	windows map[uuid.UUID]*window
}

func New(cfg Config, clk clock.Clock) *Limiter {
	return &Limiter{
		cfg:     cfg,
		clock:   clk,
		windows: make(map[uuid.UUID]*window),
	}
}

// Check records one inbound attempt for key and classifies it. Accepted
// messages count against MaxMessages; every attempt counts toward the spam
// threshold.
func (l *Limiter) Check(key uuid.UUID) Decision {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	w.accepted = prune(w.accepted, now, l.cfg.Window)
	w.attempts = prune(w.attempts, now, l.cfg.Window)

	if w.latched && len(w.attempts) < l.cfg.MaxMessages {
		w.latched = false
	}
	w.attempts = append(w.attempts, now)

	d := Decision{Attempts: len(w.attempts)}
	if len(w.attempts) >= l.cfg.SpamThreshold && !w.latched {
		w.latched = true
		d.SpamDetected = true
	}

	if len(w.accepted) >= l.cfg.MaxMessages {
		d.RetryAfter = l.cfg.Window - now.Sub(w.accepted[0])
		return d
	}
	w.accepted = append(w.accepted, now)
	d.Allowed = true
	d.Remaining = l.cfg.MaxMessages - len(w.accepted)
	return d
}

// Forget drops all state for key, typically when the session closes.
func (l *Limiter) Forget(key uuid.UUID) {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
}

// Sweep drops windows with no activity inside the window.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, w := range l.windows {
		w.accepted = prune(w.accepted, now, l.cfg.Window)
		w.attempts = prune(w.attempts, now, l.cfg.Window)
		if len(w.attempts) == 0 {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

func prune(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(ts) && now.Sub(ts[i]) >= window {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

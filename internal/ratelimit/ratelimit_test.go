package ratelimit

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"livechat-ws/internal/clock"
)

func newLimiter() (*Limiter, *clock.FakeClock) {
	clk := clock.Fake(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	return New(DefaultConfig(), clk), clk
}

func TestEleventhMessageRejected(t *testing.T) {
	l, clk := newLimiter()
	key := uuid.New()

	for i := 0; i < 10; i++ {
		d := l.Check(key)
		if !d.Allowed {
			t.Fatalf("message %d rejected", i+1)
		}
		if d.Remaining != 9-i {
			t.Fatalf("message %d remaining = %d, want %d", i+1, d.Remaining, 9-i)
		}
		clk.Advance(time.Second)
	}

	d := l.Check(key)
	if d.Allowed {
		t.Fatal("11th message within the window should be rejected")
	}
	// Oldest entry is 10s old.
	if d.RetryAfter != 50*time.Second {
		t.Fatalf("RetryAfter = %s, want 50s", d.RetryAfter)
	}
}

func TestAcceptedAfterWindowOfSilence(t *testing.T) {
	l, clk := newLimiter()
	key := uuid.New()
	for i := 0; i < 10; i++ {
		l.Check(key)
	}
	if l.Check(key).Allowed {
		t.Fatal("expected rejection while window is full")
	}
	clk.Advance(60 * time.Second)
	if d := l.Check(key); !d.Allowed {
		t.Fatalf("message after 60s silence rejected: %+v", d)
	}
}

func TestRetryAfterHonoured(t *testing.T) {
	l, clk := newLimiter()
	key := uuid.New()
	for i := 0; i < 10; i++ {
		l.Check(key)
	}
	d := l.Check(key)
	clk.Advance(d.RetryAfter)
	if !l.Check(key).Allowed {
		t.Fatal("message after RetryAfter should be accepted")
	}
}

func TestSpamLatchFiresOnce(t *testing.T) {
	l, clk := newLimiter()
	key := uuid.New()

	fired := 0
	for i := 1; i <= 25; i++ {
		d := l.Check(key)
		if d.SpamDetected {
			fired++
			if i != 20 {
				t.Fatalf("spam detected at attempt %d, want 20", i)
			}
		}
	}
	if fired != 1 {
		t.Fatalf("spam fired %d times, want 1", fired)
	}

	// The latch re-arms once the window drains.
	clk.Advance(61 * time.Second)
	fired = 0
	for i := 1; i <= 20; i++ {
		if l.Check(key).SpamDetected {
			fired++
		}
	}
	if fired != 1 {
		t.Fatalf("spam fired %d times after re-arm, want 1", fired)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	l, _ := newLimiter()
	a, b := uuid.New(), uuid.New()
	for i := 0; i < 10; i++ {
		l.Check(a)
	}
	if l.Check(a).Allowed {
		t.Fatal("session a should be limited")
	}
	if !l.Check(b).Allowed {
		t.Fatal("session b should not be affected by a")
	}
}

func TestForgetAndSweep(t *testing.T) {
	l, clk := newLimiter()
	a, b := uuid.New(), uuid.New()
	for i := 0; i < 10; i++ {
		l.Check(a)
	}
	l.Forget(a)
	if !l.Check(a).Allowed {
		t.Fatal("Forget should clear the window")
	}
	l.Check(b)
	clk.Advance(2 * time.Minute)
	if n := l.Sweep(); n != 2 {
		t.Fatalf("Sweep removed %d windows, want 2", n)
	}
}

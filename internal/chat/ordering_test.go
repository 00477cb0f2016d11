package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"livechat-ws/internal/clock"
	"livechat-ws/internal/domain"
	"livechat-ws/internal/store"
	"livechat-ws/internal/store/memstore"
	"livechat-ws/internal/timer"
)

// fireBlocked advances the clock in the background while the caller holds
// the session lock. It returns once the kind timer has left the registry,
// so its callback is running and waits for the lock.
func fireBlocked(h *harness, id uuid.UUID, kind timer.Kind, d time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		h.clock.Advance(d)
		close(done)
	}()
	for h.svc.timers.Pending(id, kind) {
		runtime.Gosched()
	}
	return done
}

func TestVisitorMessageBeatsPendingInactivityClose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, op := h.withOperator(t)
	if _, err := h.svc.SendOperatorMessage(ctx, id, op, domain.SendMessageRequest{Content: "hello"}); err != nil {
		t.Fatalf("SendOperatorMessage: %v", err)
	}
	h.clock.Advance(5 * time.Minute)
	if !h.svc.timers.Pending(id, timer.KindUserInactivityFinal) {
		t.Fatal("final stage not armed after the warning")
	}

	unlock := h.svc.locks.Lock(id)
	done := fireBlocked(h, id, timer.KindUserInactivityFinal, 5*time.Minute)
	err := h.svc.mutateLocked(ctx, id, func(tx store.SessionTx, fx *effects) error {
		_, err := h.svc.appendUserLocked(tx, fx, "still here", nil)
		return err
	})
	unlock()
	<-done
	if err != nil {
		t.Fatalf("visitor message: %v", err)
	}

	if got := h.get(t, id).Status; got != domain.StatusWithOperator {
		t.Fatalf("status = %s after the visitor spoke", got)
	}
	if !h.svc.timers.Pending(id, timer.KindUserInactivityWarning) {
		t.Fatal("visitor message did not re-arm the warning")
	}

	// the re-armed stages still close a silent session
	h.clock.Advance(5 * time.Minute)
	if n := len(h.rec.ofType(domain.EventUserPresenceCheck)); n != 2 {
		t.Fatalf("presence checks = %d, want 2", n)
	}
	h.clock.Advance(5 * time.Minute)
	if got := h.get(t, id); got.ClosureReason != domain.ClosureUserInactivityTimeout {
		t.Fatalf("reason = %q, want USER_INACTIVITY_TIMEOUT", got.ClosureReason)
	}
}

func TestStaleWarningAfterConfirmation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, op := h.withOperator(t)
	if _, err := h.svc.SendOperatorMessage(ctx, id, op, domain.SendMessageRequest{Content: "hello"}); err != nil {
		t.Fatalf("SendOperatorMessage: %v", err)
	}

	unlock := h.svc.locks.Lock(id)
	done := fireBlocked(h, id, timer.KindUserInactivityWarning, 5*time.Minute)
	err := h.svc.mutateLocked(ctx, id, h.svc.confirmPresenceLocked)
	unlock()
	<-done
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if n := len(h.rec.ofType(domain.EventUserConfirmedPresence)); n != 1 {
		t.Fatalf("confirmations = %d, want 1", n)
	}
	if n := len(h.rec.ofType(domain.EventUserPresenceCheck)); n != 0 {
		t.Fatalf("stale warning sent %d presence checks", n)
	}
	if h.svc.timers.Pending(id, timer.KindUserInactivityFinal) {
		t.Fatal("stale warning armed the final stage")
	}
}

func TestVisitorReconnectBeatsPendingDisconnectClose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, op := h.withOperator(t)
	if _, err := h.svc.SendOperatorMessage(ctx, id, op, domain.SendMessageRequest{Content: "hello"}); err != nil {
		t.Fatalf("SendOperatorMessage: %v", err)
	}
	_ = h.svc.VisitorConnected(ctx, id)
	h.clock.Advance(time.Minute)
	if err := h.svc.VisitorDisconnected(ctx, id); err != nil {
		t.Fatalf("VisitorDisconnected: %v", err)
	}
	// warning fires at 5m and arms the final stage for 10m
	h.clock.Advance(4 * time.Minute)

	unlock := h.svc.locks.Lock(id)
	done := fireBlocked(h, id, timer.KindUserDisconnect, time.Minute)
	if err := h.svc.VisitorConnected(ctx, id); err != nil {
		t.Fatalf("VisitorConnected: %v", err)
	}
	unlock()
	<-done

	if got := h.get(t, id).Status; got != domain.StatusWithOperator {
		t.Fatalf("status = %s after the visitor reconnected", got)
	}
}

var errCommit = errors.New("commit failed")

// commitFailingStore rolls back the next locked transaction after its
// callback succeeded, as a failed commit would.
type commitFailingStore struct {
	*memstore.Store
	failNext atomic.Bool
}

func (s *commitFailingStore) WithSessionLock(ctx context.Context, id uuid.UUID, fn func(tx store.SessionTx) error) error {
	if !s.failNext.CompareAndSwap(true, false) {
		return s.Store.WithSessionLock(ctx, id, fn)
	}
	return s.Store.WithSessionLock(ctx, id, func(tx store.SessionTx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errCommit
	})
}

func TestFailedAssignmentLeavesSessionUnowned(t *testing.T) {
	ctx := context.Background()
	st := &commitFailingStore{Store: memstore.New()}
	rec := &recorder{}
	svc := NewService(DefaultConfig(), Deps{
		Store:     st,
		Clock:     clock.Fake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
		Publisher: rec,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(svc.Shutdown)

	sess, err := svc.CreateSession(ctx, domain.CreateSessionRequest{UserName: "Mario"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	op := &domain.Operator{ID: uuid.New(), Name: "Anna", IsAvailable: true}
	if err := st.CreateOperator(ctx, op); err != nil {
		t.Fatalf("CreateOperator: %v", err)
	}

	st.failNext.Store(true)
	_, err = svc.Intervene(ctx, sess.ID, op.ID)
	wantCode(t, err, domain.ErrInternal)

	got, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != domain.StatusActive || got.OperatorID != nil {
		t.Fatalf("session = %s operator=%v after failed assignment", got.Status, got.OperatorID)
	}
	if n := len(rec.ofType(domain.EventOperatorJoined)); n != 0 {
		t.Fatalf("operator_joined published %d times for a rolled back assignment", n)
	}
	if svc.timers.Pending(sess.ID, timer.KindOperatorResponse) {
		t.Fatal("operator response timer armed for a rolled back assignment")
	}
	if !svc.timers.Pending(sess.ID, timer.KindAIInactivity) {
		t.Fatal("responder inactivity timer lost")
	}

	if _, err := svc.Intervene(ctx, sess.ID, op.ID); err != nil {
		t.Fatalf("second Intervene: %v", err)
	}
	if !svc.timers.Pending(sess.ID, timer.KindOperatorResponse) {
		t.Fatal("operator response timer not armed")
	}
	if n := len(rec.ofType(domain.EventOperatorJoined)); n != 1 {
		t.Fatalf("operator_joined = %d, want 1", n)
	}
	msgs, err := st.ListMessages(ctx, sess.ID, 0)
	if err != nil || len(msgs) != 1 || msgs[0].Content != "Anna joined the chat" {
		t.Fatalf("messages = %+v err = %v", msgs, err)
	}
}

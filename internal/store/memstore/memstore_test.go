package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"livechat-ws/internal/domain"
	"livechat-ws/internal/store"
)

func newSession(t *testing.T, s *Store, status domain.SessionStatus) *domain.ChatSession {
	t.Helper()
	sess := &domain.ChatSession{
		ID:       uuid.New(),
		Status:   status,
		Priority: domain.PriorityNormal,
	}
	if status == domain.StatusWithOperator {
		op := uuid.New()
		sess.OperatorID = &op
	}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func TestConditionalUpdateOnlyMatchesExpectedStatus(t *testing.T) {
	ctx := context.Background()
	s := New()
	sess := newSession(t, s, domain.StatusWaiting)

	op := uuid.New()
	ok, err := s.ConditionalUpdate(ctx, sess.ID, domain.StatusWaiting, domain.AssignOperator(op))
	if err != nil || !ok {
		t.Fatalf("first update: ok=%v err=%v", ok, err)
	}
	ok, err = s.ConditionalUpdate(ctx, sess.ID, domain.StatusWaiting, domain.AssignOperator(uuid.New()))
	if err != nil || ok {
		t.Fatalf("second update: ok=%v err=%v, want false", ok, err)
	}
	got, _ := s.GetSession(ctx, sess.ID)
	if got.OperatorID == nil || *got.OperatorID != op {
		t.Fatalf("operator = %v, want %s", got.OperatorID, op)
	}
}

func TestUpdateRejectsInvariantViolation(t *testing.T) {
	ctx := context.Background()
	s := New()
	sess := newSession(t, s, domain.StatusActive)

	status := domain.StatusWithOperator
	if err := s.UpdateSession(ctx, sess.ID, domain.SessionPatch{Status: &status}); err == nil {
		t.Fatal("expected invariant error")
	}
	got, _ := s.GetSession(ctx, sess.ID)
	if got.Status != domain.StatusActive {
		t.Fatalf("status = %s, want unchanged ACTIVE", got.Status)
	}
}

func TestWithSessionLockRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	sess := newSession(t, s, domain.StatusActive)
	boom := errors.New("boom")

	err := s.WithSessionLock(ctx, sess.ID, func(tx store.SessionTx) error {
		if err := tx.AppendMessage(&domain.Message{ID: uuid.New(), SessionID: sess.ID, Type: domain.MessageUser}); err != nil {
			return err
		}
		if err := tx.InsertNote(&domain.InternalNote{ID: uuid.New(), SessionID: sess.ID}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	msgs, _ := s.ListMessages(ctx, sess.ID, 0)
	notes, _ := s.ListNotes(ctx, sess.ID)
	if len(msgs) != 0 || len(notes) != 0 {
		t.Fatalf("rollback left %d messages and %d notes", len(msgs), len(notes))
	}
}

func TestWithSessionLockSerializesAppends(t *testing.T) {
	ctx := context.Background()
	s := New()
	sess := newSession(t, s, domain.StatusActive)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithSessionLock(ctx, sess.ID, func(tx store.SessionTx) error {
				seq := tx.Session().MessageSeq + 1
				if err := tx.AppendMessage(&domain.Message{ID: uuid.New(), SessionID: sess.ID, Seq: seq}); err != nil {
					return err
				}
				return tx.Update(domain.SessionPatch{MessageSeq: &seq})
			})
			if err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	msgs, _ := s.ListMessages(ctx, sess.ID, 0)
	if len(msgs) != n {
		t.Fatalf("got %d messages, want %d", len(msgs), n)
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Fatalf("message %d has seq %d", i, m.Seq)
		}
	}
}

func TestListMessagesReturnsTail(t *testing.T) {
	ctx := context.Background()
	s := New()
	sess := newSession(t, s, domain.StatusActive)
	_ = s.WithSessionLock(ctx, sess.ID, func(tx store.SessionTx) error {
		for i := 1; i <= 5; i++ {
			_ = tx.AppendMessage(&domain.Message{ID: uuid.New(), SessionID: sess.ID, Seq: int64(i)})
		}
		recent, _ := tx.RecentMessages(2)
		if len(recent) != 2 || recent[1].Seq != 5 {
			t.Errorf("RecentMessages inside tx = %+v", recent)
		}
		return nil
	})
	msgs, err := s.ListMessages(ctx, sess.ID, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].Seq != 3 || msgs[2].Seq != 5 {
		t.Fatalf("ListMessages(3) = %+v", msgs)
	}
}

func TestMissingSession(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.GetSession(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetSession err = %v", err)
	}
	err := s.WithSessionLock(ctx, uuid.New(), func(store.SessionTx) error { return nil })
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("WithSessionLock err = %v", err)
	}
}

func TestListAvailableOperators(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := &domain.Operator{ID: uuid.New(), Name: "alice", IsAvailable: true, CreatedAt: time.Now()}
	b := &domain.Operator{ID: uuid.New(), Name: "bob"}
	_ = s.CreateOperator(ctx, a)
	_ = s.CreateOperator(ctx, b)

	ops, _ := s.ListAvailableOperators(ctx)
	if len(ops) != 1 || ops[0].ID != a.ID {
		t.Fatalf("available = %+v", ops)
	}
	_ = s.SetOperatorAvailability(ctx, b.ID, true)
	ops, _ = s.ListAvailableOperators(ctx)
	if len(ops) != 2 {
		t.Fatalf("available after toggle = %d", len(ops))
	}
}

package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("accept: %w", AlreadyAccepted("session %s", uuid.New()))
	if !errors.Is(err, ErrAlreadyAccepted) {
		t.Fatalf("expected ErrAlreadyAccepted to match %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("ErrNotFound must not match %v", err)
	}
	if got := CodeOf(err); got != CodeAlreadyAccepted {
		t.Fatalf("CodeOf = %s, want %s", got, CodeAlreadyAccepted)
	}
	if got := CodeOf(errors.New("boom")); got != CodeInternal {
		t.Fatalf("CodeOf(foreign) = %s, want %s", got, CodeInternal)
	}
}

func TestInternalUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := Internal(cause, "update session")
	if !errors.Is(err, cause) {
		t.Fatal("Internal should unwrap to its cause")
	}
	if !errors.Is(err, ErrInternal) {
		t.Fatal("Internal should match ErrInternal")
	}
}

func TestTransitionPatchesKeepInvariant(t *testing.T) {
	op := uuid.New()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := &ChatSession{ID: uuid.New(), Status: StatusActive, Priority: PriorityNormal}

	steps := []struct {
		name  string
		patch func() SessionPatch
		want  SessionStatus
	}{
		{"request operator", func() SessionPatch { return ToStatus(StatusWaiting) }, StatusWaiting},
		{"accept", func() SessionPatch { return AssignOperator(op) }, StatusWithOperator},
		{"close", func() SessionPatch { return Close(s, ClosureOperatorClosed, now) }, StatusClosed},
		{"reopen", func() SessionPatch { return AssignOperator(*s.LastOperatorID) }, StatusWithOperator},
		{"end", func() SessionPatch { return Close(s, ClosureUserEnded, now) }, StatusClosed},
	}
	for _, step := range steps {
		step.patch().Apply(s)
		if s.Status != step.want {
			t.Fatalf("%s: status = %s, want %s", step.name, s.Status, step.want)
		}
		if err := s.CheckInvariant(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
	}
	if s.LastOperatorID == nil || *s.LastOperatorID != op {
		t.Fatalf("last operator = %v, want %s", s.LastOperatorID, op)
	}
	if s.ClosureReason != ClosureUserEnded {
		t.Fatalf("closure reason = %s", s.ClosureReason)
	}
}

func TestCheckInvariantRejectsOrphanOperator(t *testing.T) {
	op := uuid.New()
	s := &ChatSession{ID: uuid.New(), Status: StatusActive, OperatorID: &op}
	if err := s.CheckInvariant(); err == nil {
		t.Fatal("expected invariant violation for ACTIVE session with operator")
	}
	s = &ChatSession{ID: uuid.New(), Status: StatusWithOperator}
	if err := s.CheckInvariant(); err == nil {
		t.Fatal("expected invariant violation for WITH_OPERATOR session without operator")
	}
}

func TestPatchMergeAccumulatesUnread(t *testing.T) {
	p := SessionPatch{UnreadDelta: 1}.Merge(SessionPatch{UnreadDelta: 2})
	s := &ChatSession{UnreadCount: 4}
	p.Apply(s)
	if s.UnreadCount != 7 {
		t.Fatalf("unread = %d, want 7", s.UnreadCount)
	}
	SessionPatch{UnreadDelta: 3}.Merge(SessionPatch{ResetUnread: true}).Apply(s)
	if s.UnreadCount != 0 {
		t.Fatalf("unread after reset = %d, want 0", s.UnreadCount)
	}
}

func TestDecodeEvent(t *testing.T) {
	id := uuid.New()
	raw, err := json.Marshal(ChatClosed{SessionRef: SessionRef{SessionID: id}, Reason: ClosureOperatorTimeout})
	if err != nil {
		t.Fatal(err)
	}
	ev, err := DecodeEvent(EventChatClosed, raw)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	closed, ok := ev.(ChatClosed)
	if !ok {
		t.Fatalf("decoded %T, want ChatClosed", ev)
	}
	if closed.Session() != id || closed.Reason != ClosureOperatorTimeout {
		t.Fatalf("decoded %+v", closed)
	}
	if _, err := DecodeEvent("bogus", raw); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

package chat

import (
	"context"
	"testing"

	"livechat-ws/internal/domain"
)

func TestArchiveAndFlag(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, op := h.withOperator(t)

	if err := h.svc.ArchiveSession(ctx, id, op); err != nil {
		t.Fatalf("ArchiveSession: %v", err)
	}
	if err := h.svc.FlagSession(ctx, id, op, "  "); err != nil {
		t.Fatalf("FlagSession: %v", err)
	}
	got := h.get(t, id)
	if !got.IsArchived || got.ArchivedBy == nil || *got.ArchivedBy != op || got.ArchivedAt == nil {
		t.Fatalf("archive mark = %v %v %v", got.IsArchived, got.ArchivedBy, got.ArchivedAt)
	}
	if !got.IsFlagged || got.FlagReason != defaultFlagReason || got.FlaggedBy == nil {
		t.Fatalf("flag mark = %v %q %v", got.IsFlagged, got.FlagReason, got.FlaggedBy)
	}
	if got.Status != domain.StatusWithOperator {
		t.Fatalf("marks changed the status to %s", got.Status)
	}
	flagged := h.rec.ofType(domain.EventChatFlagged)
	if len(flagged) != 1 || flagged[0].(domain.ChatFlagged).Reason != defaultFlagReason {
		t.Fatalf("chat_flagged = %+v", flagged)
	}

	yes := true
	list, err := h.svc.ListSessions(ctx, domain.SessionFilter{Archived: &yes, Flagged: &yes})
	if err != nil || len(list) != 1 || list[0].ID != id {
		t.Fatalf("archived+flagged listing = %v, %v", list, err)
	}

	if err := h.svc.UnarchiveSession(ctx, id); err != nil {
		t.Fatalf("UnarchiveSession: %v", err)
	}
	if err := h.svc.UnflagSession(ctx, id); err != nil {
		t.Fatalf("UnflagSession: %v", err)
	}
	got = h.get(t, id)
	if got.IsArchived || got.ArchivedAt != nil || got.ArchivedBy != nil {
		t.Fatal("archive mark not cleared")
	}
	if got.IsFlagged || got.FlagReason != "" || got.FlaggedAt != nil || got.FlaggedBy != nil {
		t.Fatal("flag mark not cleared")
	}
	for _, typ := range []domain.EventType{domain.EventChatArchived, domain.EventChatUnarchived, domain.EventChatUnflagged} {
		if n := len(h.rec.ofType(typ)); n != 1 {
			t.Fatalf("%s published %d times", typ, n)
		}
	}
}

func TestFlagReasonTooLong(t *testing.T) {
	h := newHarness(t)
	id, op := h.withOperator(t)
	long := make([]byte, maxFlagReasonLength+1)
	for i := range long {
		long[i] = 'x'
	}
	wantCode(t, h.svc.FlagSession(context.Background(), id, op, string(long)), domain.ErrValidation)
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, op := h.withOperator(t)

	wantCode(t, h.svc.DeleteSession(ctx, id, op), domain.ErrInvalidTransition)
	if err := h.svc.CloseSession(ctx, id, op); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if err := h.svc.DeleteSession(ctx, id, op); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if n := len(h.rec.ofType(domain.EventChatDeleted)); n != 1 {
		t.Fatalf("chat_deleted published %d times", n)
	}

	// the row stays, every operation treats it as gone
	if got := h.get(t, id); got.DeletedAt == nil {
		t.Fatal("deletion time not stored")
	}
	_, err := h.svc.GetSession(ctx, id)
	wantCode(t, err, domain.ErrNotFound)
	_, err = h.svc.ListMessages(ctx, id, 0)
	wantCode(t, err, domain.ErrNotFound)
	_, err = h.svc.ReopenSession(ctx, id)
	wantCode(t, err, domain.ErrNotFound)
	wantCode(t, h.svc.ArchiveSession(ctx, id, op), domain.ErrNotFound)
	wantCode(t, h.svc.DeleteSession(ctx, id, op), domain.ErrNotFound)

	list, err := h.svc.ListSessions(ctx, domain.SessionFilter{})
	if err != nil || len(list) != 0 {
		t.Fatalf("deleted session listed: %v, %v", list, err)
	}
}

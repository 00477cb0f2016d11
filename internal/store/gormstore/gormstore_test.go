package gormstore

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"livechat-ws/internal/domain"
	"livechat-ws/internal/store"
)

func TestClassify(t *testing.T) {
	domainErr := domain.Forbidden("not yours")
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"not found", gorm.ErrRecordNotFound, store.ErrNotFound},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, store.ErrConflict},
		{"pg deadlock wrapped", fmt.Errorf("tx: %w", &pgconn.PgError{Code: "40P01"}), store.ErrConflict},
		{"mysql deadlock", &mysql.MySQLError{Number: 1213}, store.ErrConflict},
		{"mysql lock wait", &mysql.MySQLError{Number: 1205}, store.ErrConflict},
		{"domain error passes through", domainErr, domainErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.in); !errors.Is(got, tt.want) {
				t.Fatalf("classify(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
	if classify(nil) != nil {
		t.Fatal("classify(nil) should be nil")
	}
	if err := classify(&pgconn.PgError{Code: "23505"}); errors.Is(err, store.ErrConflict) {
		t.Fatal("unique violation is not contention")
	}
}

func TestPatchColumnsClose(t *testing.T) {
	op := uuid.New()
	now := time.Now()
	sess := &domain.ChatSession{ID: uuid.New(), Status: domain.StatusWithOperator, OperatorID: &op}
	patch := domain.Close(sess, domain.ClosureOperatorClosed, now)
	patch.Apply(sess)
	cols := patchColumns(patch, sess)

	if cols["status"] != domain.StatusClosed {
		t.Fatalf("status = %v", cols["status"])
	}
	if v, ok := cols["operator_id"]; !ok || v != nil {
		t.Fatalf("operator_id = %v (present %v), want explicit nil", v, ok)
	}
	if cols["last_operator_id"] != op {
		t.Fatalf("last_operator_id = %v", cols["last_operator_id"])
	}
	if cols["closure_reason"] != domain.ClosureOperatorClosed {
		t.Fatalf("closure_reason = %v", cols["closure_reason"])
	}
}

func TestPatchColumnsUnread(t *testing.T) {
	locked := &domain.ChatSession{UnreadCount: 3}
	cols := patchColumns(domain.SessionPatch{UnreadDelta: 1}, locked)
	if cols["unread_count"] != 3 {
		t.Fatalf("locked unread = %v, want 3", cols["unread_count"])
	}
	locked.UnreadCount = 0
	cols = patchColumns(domain.SessionPatch{ResetUnread: true}, locked)
	if cols["unread_count"] != 0 {
		t.Fatalf("reset unread = %v", cols["unread_count"])
	}
	if _, ok := patchColumns(domain.SessionPatch{}, locked)["unread_count"]; ok {
		t.Fatal("untouched counter written")
	}
}

func TestPatchColumnsMarks(t *testing.T) {
	op := uuid.New()
	now := time.Now()
	sess := &domain.ChatSession{}
	cols := patchColumns(domain.Flag(op, "abusive", now), sess)
	if cols["is_flagged"] != true || cols["flag_reason"] != "abusive" {
		t.Fatalf("flag columns = %v", cols)
	}
	if by, ok := cols["flagged_by"].(*uuid.UUID); !ok || *by != op {
		t.Fatalf("flagged_by = %v", cols["flagged_by"])
	}
	cols = patchColumns(domain.Unarchive(), sess)
	if cols["is_archived"] != false {
		t.Fatalf("is_archived = %v", cols["is_archived"])
	}
	if at, ok := cols["archived_at"].(*time.Time); !ok || at != nil {
		t.Fatalf("archived_at = %v, want explicit nil", cols["archived_at"])
	}
}

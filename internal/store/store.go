// Package store defines the persistence contract used by the chat service.
// Implementations live in gormstore (SQL) and memstore (tests, dev mode).
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"livechat-ws/internal/domain"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict reports lock contention (deadlock, serialization failure,
	// lock wait timeout). The whole transaction may be retried.
	ErrConflict = errors.New("transaction conflict")
)

// Store is the transactional session store.
type Store interface {
	CreateSession(ctx context.Context, s *domain.ChatSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error)
	ListSessions(ctx context.Context, filter domain.SessionFilter) ([]domain.ChatSession, error)
	UpdateSession(ctx context.Context, id uuid.UUID, patch domain.SessionPatch) error
	// ListRatedSessions returns rated, undeleted sessions, newest rating
	// first.
	ListRatedSessions(ctx context.Context, filter domain.RatingFilter) ([]domain.ChatSession, error)

	// ConditionalUpdate applies patch only if the session is currently in
	// expected. It reports whether the row was updated.
	ConditionalUpdate(ctx context.Context, id uuid.UUID, expected domain.SessionStatus, patch domain.SessionPatch) (bool, error)

	// WithSessionLock runs fn in a transaction holding the session row lock.
	// Returning an error from fn rolls back every write made through tx.
	WithSessionLock(ctx context.Context, id uuid.UUID, fn func(tx SessionTx) error) error

	ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.Message, error)
	GetNote(ctx context.Context, sessionID, noteID uuid.UUID) (*domain.InternalNote, error)
	ListNotes(ctx context.Context, sessionID uuid.UUID) ([]domain.InternalNote, error)

	CreateOperator(ctx context.Context, op *domain.Operator) error
	GetOperator(ctx context.Context, id uuid.UUID) (*domain.Operator, error)
	ListAvailableOperators(ctx context.Context) ([]domain.Operator, error)
	SetOperatorAvailability(ctx context.Context, id uuid.UUID, available bool) error
	IncrementChatsHandled(ctx context.Context, id uuid.UUID) error
}

// SessionTx is the view of one locked session inside WithSessionLock.
type SessionTx interface {
	// Session returns the locked row with every Update so far applied.
	Session() *domain.ChatSession
	Update(patch domain.SessionPatch) error
	AppendMessage(m *domain.Message) error
	// CountMessages counts messages of type t, restricted to one operator
	// when operatorID is set.
	CountMessages(t domain.MessageType, operatorID *uuid.UUID) (int64, error)
	// RecentMessages returns up to limit latest messages, oldest first.
	RecentMessages(limit int) ([]domain.Message, error)

	FindNote(noteID uuid.UUID) (*domain.InternalNote, error)
	InsertNote(n *domain.InternalNote) error
	SaveNote(n *domain.InternalNote) error
	DeleteNote(noteID uuid.UUID) error
}

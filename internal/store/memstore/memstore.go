// Package memstore is an in-memory store.Store. Each session has its own
// mutex standing in for the SQL row lock; writes made inside WithSessionLock
// are staged and committed only when the callback succeeds.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"livechat-ws/internal/domain"
	"livechat-ws/internal/store"
)

type Store struct {
	mu        sync.RWMutex
	sessions  map[uuid.UUID]*domain.ChatSession
	messages  map[uuid.UUID][]domain.Message
	notes     map[uuid.UUID]map[uuid.UUID]domain.InternalNote
	operators map[uuid.UUID]*domain.Operator

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		sessions:  make(map[uuid.UUID]*domain.ChatSession),
		messages:  make(map[uuid.UUID][]domain.Message),
		notes:     make(map[uuid.UUID]map[uuid.UUID]domain.InternalNote),
		operators: make(map[uuid.UUID]*domain.Operator),
		locks:     make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *Store) rowLock(id uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) CreateSession(ctx context.Context, sess *domain.ChatSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sess.CheckInvariant(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	s.sessions[sess.ID] = copySession(sess)
	return nil
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copySession(sess), nil
}

func (s *Store) ListSessions(ctx context.Context, filter domain.SessionFilter) ([]domain.ChatSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]domain.ChatSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if matches(sess, filter) {
			out = append(out, *copySession(sess))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matches(sess *domain.ChatSession, f domain.SessionFilter) bool {
	switch {
	case sess.DeletedAt != nil:
		return false
	case f.Status != "" && sess.Status != f.Status:
		return false
	case f.OperatorID != nil && (sess.OperatorID == nil || *sess.OperatorID != *f.OperatorID):
		return false
	case f.UserID != "" && sess.UserID != f.UserID:
		return false
	case f.Archived != nil && sess.IsArchived != *f.Archived:
		return false
	case f.Flagged != nil && sess.IsFlagged != *f.Flagged:
		return false
	}
	return true
}

func (s *Store) ListRatedSessions(ctx context.Context, filter domain.RatingFilter) ([]domain.ChatSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []domain.ChatSession
	for _, sess := range s.sessions {
		if sess.DeletedAt != nil || sess.Rating == nil || sess.RatedAt == nil {
			continue
		}
		if filter.OperatorID != nil && (sess.LastOperatorID == nil || *sess.LastOperatorID != *filter.OperatorID) {
			continue
		}
		if filter.From != nil && sess.RatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && sess.RatedAt.After(*filter.To) {
			continue
		}
		out = append(out, *copySession(sess))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RatedAt.After(*out[j].RatedAt) })
	return out, nil
}

func (s *Store) UpdateSession(ctx context.Context, id uuid.UUID, patch domain.SessionPatch) error {
	_, err := s.ConditionalUpdate(ctx, id, "", patch)
	return err
}

// ConditionalUpdate with an empty expected status updates unconditionally.
func (s *Store) ConditionalUpdate(ctx context.Context, id uuid.UUID, expected domain.SessionStatus, patch domain.SessionPatch) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l := s.rowLock(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if expected != "" && cur.Status != expected {
		return false, nil
	}
	next := copySession(cur)
	patch.Apply(next)
	if err := next.CheckInvariant(); err != nil {
		return false, err
	}
	s.sessions[id] = next
	return true, nil
}

func (s *Store) WithSessionLock(ctx context.Context, id uuid.UUID, fn func(tx store.SessionTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := s.rowLock(id)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	cur, ok := s.sessions[id]
	if !ok {
		s.mu.RUnlock()
		return store.ErrNotFound
	}
	tx := &sessionTx{
		session:   copySession(cur),
		committed: s.messages[id],
		notes:     make(map[uuid.UUID]domain.InternalNote, len(s.notes[id])),
	}
	for k, v := range s.notes[id] {
		tx.notes[k] = v
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.session.CheckInvariant(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = tx.session
	if len(tx.staged) > 0 {
		s.messages[id] = append(s.messages[id], tx.staged...)
	}
	s.notes[id] = tx.notes
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, store.ErrNotFound
	}
	return tail(s.messages[sessionID], limit), nil
}

func (s *Store) GetNote(ctx context.Context, sessionID, noteID uuid.UUID) (*domain.InternalNote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notes[sessionID][noteID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &n, nil
}

func (s *Store) ListNotes(ctx context.Context, sessionID uuid.UUID) ([]domain.InternalNote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, store.ErrNotFound
	}
	return sortedNotes(s.notes[sessionID]), nil
}

func (s *Store) CreateOperator(ctx context.Context, op *domain.Operator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *op
	s.operators[op.ID] = &cp
	return nil
}

func (s *Store) GetOperator(ctx context.Context, id uuid.UUID) (*domain.Operator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.operators[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *op
	return &cp, nil
}

func (s *Store) ListAvailableOperators(ctx context.Context) ([]domain.Operator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]domain.Operator, 0)
	for _, op := range s.operators {
		if op.IsAvailable {
			out = append(out, *op)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) SetOperatorAvailability(ctx context.Context, id uuid.UUID, available bool) error {
	return s.updateOperator(ctx, id, func(op *domain.Operator) { op.IsAvailable = available })
}

func (s *Store) IncrementChatsHandled(ctx context.Context, id uuid.UUID) error {
	return s.updateOperator(ctx, id, func(op *domain.Operator) { op.TotalChatsHandled++ })
}

func (s *Store) updateOperator(ctx context.Context, id uuid.UUID, fn func(op *domain.Operator)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operators[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(op)
	return nil
}

type sessionTx struct {
	session   *domain.ChatSession
	committed []domain.Message
	staged    []domain.Message
	notes     map[uuid.UUID]domain.InternalNote
}

func (tx *sessionTx) Session() *domain.ChatSession { return tx.session }

func (tx *sessionTx) Update(patch domain.SessionPatch) error {
	patch.Apply(tx.session)
	return nil
}

func (tx *sessionTx) AppendMessage(m *domain.Message) error {
	if m.SessionID != tx.session.ID {
		return fmt.Errorf("message for session %s appended to %s", m.SessionID, tx.session.ID)
	}
	tx.staged = append(tx.staged, *m)
	return nil
}

func (tx *sessionTx) CountMessages(t domain.MessageType, operatorID *uuid.UUID) (int64, error) {
	var n int64
	for _, list := range [][]domain.Message{tx.committed, tx.staged} {
		for _, m := range list {
			if m.Type != t {
				continue
			}
			if operatorID != nil && (m.OperatorID == nil || *m.OperatorID != *operatorID) {
				continue
			}
			n++
		}
	}
	return n, nil
}

func (tx *sessionTx) RecentMessages(limit int) ([]domain.Message, error) {
	all := make([]domain.Message, 0, len(tx.committed)+len(tx.staged))
	all = append(all, tx.committed...)
	all = append(all, tx.staged...)
	return tail(all, limit), nil
}

func (tx *sessionTx) FindNote(noteID uuid.UUID) (*domain.InternalNote, error) {
	n, ok := tx.notes[noteID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &n, nil
}

func (tx *sessionTx) InsertNote(n *domain.InternalNote) error {
	if _, exists := tx.notes[n.ID]; exists {
		return fmt.Errorf("note %s already exists", n.ID)
	}
	tx.notes[n.ID] = *n
	return nil
}

func (tx *sessionTx) SaveNote(n *domain.InternalNote) error {
	if _, ok := tx.notes[n.ID]; !ok {
		return store.ErrNotFound
	}
	tx.notes[n.ID] = *n
	return nil
}

func (tx *sessionTx) DeleteNote(noteID uuid.UUID) error {
	if _, ok := tx.notes[noteID]; !ok {
		return store.ErrNotFound
	}
	delete(tx.notes, noteID)
	return nil
}

func tail(msgs []domain.Message, limit int) []domain.Message {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out
}

func sortedNotes(m map[uuid.UUID]domain.InternalNote) []domain.InternalNote {
	out := make([]domain.InternalNote, 0, len(m))
	for _, n := range m {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func copySession(s *domain.ChatSession) *domain.ChatSession {
	cp := *s
	if s.OperatorID != nil {
		id := *s.OperatorID
		cp.OperatorID = &id
	}
	if s.LastOperatorID != nil {
		id := *s.LastOperatorID
		cp.LastOperatorID = &id
	}
	if s.ClosedAt != nil {
		at := *s.ClosedAt
		cp.ClosedAt = &at
	}
	for _, t := range []**time.Time{&cp.UserActiveAt, &cp.RatedAt, &cp.ArchivedAt, &cp.FlaggedAt, &cp.DeletedAt} {
		if *t != nil {
			at := **t
			*t = &at
		}
	}
	for _, id := range []**uuid.UUID{&cp.ArchivedBy, &cp.FlaggedBy} {
		if *id != nil {
			v := **id
			*id = &v
		}
	}
	if s.Rating != nil {
		r := *s.Rating
		cp.Rating = &r
	}
	if s.Tags != nil {
		cp.Tags = append(cp.Tags[:0:0], s.Tags...)
	}
	return &cp
}

package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"livechat-ws/internal/domain"
	"livechat-ws/internal/store"
)

const maxNoteLength = 5000

// appendLocked writes m as the next message of the locked session. It
// assigns id, sequence number and a creation time strictly after the
// previous message, and folds extra into the same session update. Visitor
// messages also stamp UserActiveAt.
func (s *Service) appendLocked(tx store.SessionTx, m *domain.Message, extra domain.SessionPatch) error {
	sess := tx.Session()
	at := s.clock.Now().UTC().Truncate(time.Microsecond)
	if !at.After(sess.LastMessageAt) {
		at = sess.LastMessageAt.Add(time.Microsecond)
	}
	seq := sess.MessageSeq + 1

	m.ID = uuid.New()
	m.SessionID = sess.ID
	m.Seq = seq
	m.CreatedAt = at
	if err := tx.AppendMessage(m); err != nil {
		return err
	}
	patch := extra.Merge(domain.SessionPatch{MessageSeq: &seq, LastMessageAt: &at})
	if m.Type == domain.MessageUser {
		patch.UserActiveAt = &at
	}
	return tx.Update(patch)
}

func (s *Service) appendSystemLocked(tx store.SessionTx, content string) (*domain.Message, error) {
	m := &domain.Message{Type: domain.MessageSystem, Content: content}
	if err := s.appendLocked(tx, m, domain.SessionPatch{}); err != nil {
		return nil, err
	}
	return m, nil
}

// closeLocked moves the locked session to CLOSED with reason, optionally
// appending a system message, and schedules the post-close cleanup.
func (s *Service) closeLocked(tx store.SessionTx, fx *effects, reason domain.ClosureReason, notice string) error {
	sess := tx.Session()
	prevOperator := sess.OperatorID
	if prevOperator != nil {
		id := *prevOperator
		prevOperator = &id
	}

	var msg *domain.Message
	if notice != "" {
		var err error
		if msg, err = s.appendSystemLocked(tx, notice); err != nil {
			return err
		}
	}
	if err := tx.Update(domain.Close(tx.Session(), reason, s.clock.Now().UTC())); err != nil {
		return err
	}

	id := sess.ID
	fx.emit(domain.ChatClosed{SessionRef: ref(id), Reason: reason, OperatorID: prevOperator, Message: msg})
	fx.then(func() {
		s.timers.CancelAll(id)
		s.limiter.Forget(id)
	})
	return nil
}

// AddNote attaches an internal note written by operatorID.
func (s *Service) AddNote(ctx context.Context, sessionID, operatorID uuid.UUID, content string) (*domain.InternalNote, error) {
	content, err := validNote(content)
	if err != nil {
		return nil, err
	}
	op, err := s.getOperator(ctx, operatorID)
	if err != nil {
		return nil, err
	}

	var note domain.InternalNote
	err = s.mutate(ctx, sessionID, func(tx store.SessionTx, fx *effects) error {
		now := s.clock.Now().UTC()
		note = domain.InternalNote{
			ID:         uuid.New(),
			SessionID:  sessionID,
			Content:    content,
			AuthorID:   op.ID,
			AuthorName: op.Name,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.InsertNote(&note); err != nil {
			return err
		}
		fx.emit(domain.NoteAdded{SessionRef: ref(sessionID), Note: note})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &note, nil
}

// UpdateNote replaces the content of a note. Only its author may do so.
func (s *Service) UpdateNote(ctx context.Context, sessionID, noteID, operatorID uuid.UUID, content string) (*domain.InternalNote, error) {
	content, err := validNote(content)
	if err != nil {
		return nil, err
	}
	if err := s.checkNoteAuthor(ctx, sessionID, noteID, operatorID); err != nil {
		return nil, err
	}

	var updated domain.InternalNote
	err = s.mutate(ctx, sessionID, func(tx store.SessionTx, fx *effects) error {
		n, err := s.lockedNote(tx, noteID, operatorID)
		if err != nil {
			return err
		}
		n.Content = content
		n.UpdatedAt = s.clock.Now().UTC()
		if err := tx.SaveNote(n); err != nil {
			return err
		}
		updated = *n
		fx.emit(domain.NoteUpdated{SessionRef: ref(sessionID), Note: updated})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteNote removes a note. Only its author may do so.
func (s *Service) DeleteNote(ctx context.Context, sessionID, noteID, operatorID uuid.UUID) error {
	if err := s.checkNoteAuthor(ctx, sessionID, noteID, operatorID); err != nil {
		return err
	}
	return s.mutate(ctx, sessionID, func(tx store.SessionTx, fx *effects) error {
		if _, err := s.lockedNote(tx, noteID, operatorID); err != nil {
			return err
		}
		if err := tx.DeleteNote(noteID); err != nil {
			return err
		}
		fx.emit(domain.NoteDeleted{SessionRef: ref(sessionID), NoteID: noteID})
		return nil
	})
}

func (s *Service) ListNotes(ctx context.Context, sessionID uuid.UUID) ([]domain.InternalNote, error) {
	notes, err := s.store.ListNotes(ctx, sessionID)
	if err != nil {
		return nil, s.translate(err, "session %s", sessionID)
	}
	return notes, nil
}

// checkNoteAuthor rejects foreign edits before any lock is taken.
func (s *Service) checkNoteAuthor(ctx context.Context, sessionID, noteID, operatorID uuid.UUID) error {
	n, err := s.store.GetNote(ctx, sessionID, noteID)
	if err != nil {
		return s.translate(err, "note %s", noteID)
	}
	if n.AuthorID != operatorID {
		return domain.Forbidden("note %s belongs to another operator", noteID)
	}
	return nil
}

// lockedNote re-reads the note inside the lock; it may have been deleted
// or, in theory, reassigned since the pre-lock check.
func (s *Service) lockedNote(tx store.SessionTx, noteID, operatorID uuid.UUID) (*domain.InternalNote, error) {
	n, err := tx.FindNote(noteID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NotFound("note %s not found", noteID)
	}
	if err != nil {
		return nil, err
	}
	if n.AuthorID != operatorID {
		return nil, domain.Forbidden("note %s belongs to another operator", noteID)
	}
	return n, nil
}

func validNote(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", domain.Validation("note content is required")
	}
	if len(content) > maxNoteLength {
		return "", domain.Validation("note exceeds %d characters", maxNoteLength)
	}
	return content, nil
}

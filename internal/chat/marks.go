package chat

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"livechat-ws/internal/domain"
	"livechat-ws/internal/store"
)

const (
	defaultFlagReason   = "Flagged by operator"
	maxFlagReasonLength = 500
)

func (s *Service) ArchiveSession(ctx context.Context, id, operatorID uuid.UUID) error {
	return s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		if err := tx.Update(domain.Archive(operatorID, s.clock.Now().UTC())); err != nil {
			return err
		}
		fx.emit(domain.ChatArchived{SessionRef: ref(id), OperatorID: operatorID})
		return nil
	})
}

func (s *Service) UnarchiveSession(ctx context.Context, id uuid.UUID) error {
	return s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		if err := tx.Update(domain.Unarchive()); err != nil {
			return err
		}
		fx.emit(domain.ChatUnarchived{SessionRef: ref(id)})
		return nil
	})
}

// FlagSession marks a session for review. An empty reason gets a default.
func (s *Service) FlagSession(ctx context.Context, id, operatorID uuid.UUID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultFlagReason
	}
	if len(reason) > maxFlagReasonLength {
		return domain.Validation("flag reason exceeds %d characters", maxFlagReasonLength)
	}
	return s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		if err := tx.Update(domain.Flag(operatorID, reason, s.clock.Now().UTC())); err != nil {
			return err
		}
		fx.emit(domain.ChatFlagged{SessionRef: ref(id), OperatorID: operatorID, Reason: reason})
		return nil
	})
}

func (s *Service) UnflagSession(ctx context.Context, id uuid.UUID) error {
	return s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		if err := tx.Update(domain.Unflag()); err != nil {
			return err
		}
		fx.emit(domain.ChatUnflagged{SessionRef: ref(id)})
		return nil
	})
}

// DeleteSession soft-deletes a closed session. Deleted sessions are gone for
// every other operation; their rows stay for auditing.
func (s *Service) DeleteSession(ctx context.Context, id, operatorID uuid.UUID) error {
	err := s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		if tx.Session().Status != domain.StatusClosed {
			return domain.InvalidTransition("close session %s before deleting it", id)
		}
		now := s.clock.Now().UTC()
		if err := tx.Update(domain.SessionPatch{DeletedAt: &now}); err != nil {
			return err
		}
		fx.emit(domain.ChatDeleted{SessionRef: ref(id), OperatorID: operatorID})
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("session deleted", "session", id, "operator", operatorID)
	return nil
}

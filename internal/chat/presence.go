package chat

import (
	"context"

	"github.com/google/uuid"

	"livechat-ws/internal/domain"
	"livechat-ws/internal/store"
	"livechat-ws/internal/timer"
)

// TypingRecorder is implemented by presence backends that also keep typing
// indicators.
type TypingRecorder interface {
	SetTyping(ctx context.Context, sessionID uuid.UUID, sender string, typing bool) error
	TypingSenders(ctx context.Context, sessionID uuid.UUID) ([]string, error)
}

// OperatorConnected registers an operator transport. A reconnect within the
// grace period is silent; after it, visitors learn the operator is back.
func (s *Service) OperatorConnected(ctx context.Context, operatorID uuid.UUID) error {
	if _, err := s.presence.Connect(ctx, domain.ParticipantOperator, operatorID); err != nil {
		return domain.Internal(err, "register operator connection")
	}
	s.timers.Cancel(operatorID, timer.KindOperatorDisconnect)

	s.offlineMu.Lock()
	notified := s.offlineNotified[operatorID]
	delete(s.offlineNotified, operatorID)
	s.offlineMu.Unlock()
	if !notified {
		return nil
	}

	owned, err := s.ownedSessions(ctx, operatorID)
	if err != nil {
		return domain.Internal(err, "list operator sessions")
	}
	for _, id := range owned {
		err := s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
			sess := tx.Session()
			if sess.Status == domain.StatusWithOperator && *sess.OperatorID == operatorID {
				fx.emit(domain.OperatorReconnected{SessionRef: ref(id), OperatorID: operatorID})
			}
			return nil
		})
		if err != nil {
			s.log.Error("notify operator reconnect", "session", id, "operator", operatorID, "error", err)
		}
	}
	return nil
}

// OperatorDisconnected drops an operator transport. When the last one goes
// away the grace timer starts.
func (s *Service) OperatorDisconnected(ctx context.Context, operatorID uuid.UUID) error {
	left, err := s.presence.Disconnect(ctx, domain.ParticipantOperator, operatorID)
	if err != nil {
		return domain.Internal(err, "unregister operator connection")
	}
	if left > 0 {
		return nil
	}
	s.timers.Schedule(operatorID, timer.KindOperatorDisconnect, s.cfg.OperatorDisconnectGrace, func() {
		s.runTimer(timer.KindOperatorDisconnect, operatorID, s.onOperatorGone)
	})
	return nil
}

// VisitorConnected registers a visitor transport and stops a pending
// auto-close.
func (s *Service) VisitorConnected(ctx context.Context, id uuid.UUID) error {
	if _, err := s.presence.Connect(ctx, domain.ParticipantVisitor, id); err != nil {
		return domain.Internal(err, "register visitor connection")
	}
	if !s.timers.Cancel(id, timer.KindUserDisconnect) {
		return nil
	}
	return s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		sess := tx.Session()
		if sess.Status == domain.StatusWithOperator {
			fx.emit(domain.UserReconnected{SessionRef: ref(id), OperatorID: *sess.OperatorID})
		}
		return nil
	})
}

// VisitorDisconnected tells the owning operator right away and closes the
// session unless the visitor is back before the timeout.
func (s *Service) VisitorDisconnected(ctx context.Context, id uuid.UUID) error {
	left, err := s.presence.Disconnect(ctx, domain.ParticipantVisitor, id)
	if err != nil {
		return domain.Internal(err, "unregister visitor connection")
	}
	if left > 0 {
		return nil
	}
	return s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		sess := tx.Session()
		if sess.Status != domain.StatusWithOperator {
			return nil
		}
		closeAt := s.clock.Now().UTC().Add(s.cfg.UserDisconnectTimeout)
		fx.emit(domain.UserDisconnected{SessionRef: ref(id), OperatorID: *sess.OperatorID, CloseAt: closeAt})
		fx.then(func() {
			s.timers.Schedule(id, timer.KindUserDisconnect, s.cfg.UserDisconnectTimeout, func() {
				s.runTimer(timer.KindUserDisconnect, id, s.onUserDisconnectTimeout)
			})
		})
		return nil
	})
}

// ConfirmPresence answers a presence check and restarts the inactivity
// stages.
func (s *Service) ConfirmPresence(ctx context.Context, id uuid.UUID) error {
	return s.mutate(ctx, id, s.confirmPresenceLocked)
}

func (s *Service) confirmPresenceLocked(tx store.SessionTx, fx *effects) error {
	sess := tx.Session()
	if sess.Status != domain.StatusWithOperator {
		return nil
	}
	id := sess.ID
	mark := s.activityMark(sess)
	if err := tx.Update(domain.SessionPatch{UserActiveAt: &mark}); err != nil {
		return err
	}
	fx.emit(domain.UserConfirmedPresence{SessionRef: ref(id), OperatorID: sess.OperatorID})
	fx.then(func() { s.restartInactivity(id, mark) })
	return nil
}

// Typing relays a typing indicator. It touches no session state.
func (s *Service) Typing(ctx context.Context, id uuid.UUID, sender string, typing bool) {
	if rec, ok := s.presence.(TypingRecorder); ok {
		if err := rec.SetTyping(ctx, id, sender, typing); err != nil {
			s.log.Warn("record typing", "session", id, "error", err)
		}
	}
	s.pub.Publish(domain.Typing{SessionRef: ref(id), Sender: sender, IsTyping: typing})
}

// ConnectionStatus reports whether each side of a session is connected.
func (s *Service) ConnectionStatus(ctx context.Context, id uuid.UUID) (*domain.ConnectionStatusResponse, error) {
	sess, err := s.getSession(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &domain.ConnectionStatusResponse{}
	if out.VisitorConnected, err = s.presence.Online(ctx, domain.ParticipantVisitor, id); err != nil {
		return nil, domain.Internal(err, "visitor presence")
	}
	if sess.OperatorID != nil {
		if out.OperatorConnected, err = s.presence.Online(ctx, domain.ParticipantOperator, *sess.OperatorID); err != nil {
			return nil, domain.Internal(err, "operator presence")
		}
	}
	if rec, ok := s.presence.(TypingRecorder); ok {
		if out.Typing, err = rec.TypingSenders(ctx, id); err != nil {
			s.log.Warn("typing lookup failed", "session", id, "error", err)
		}
	}
	return out, nil
}

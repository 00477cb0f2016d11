package chat

import (
	"context"
	"time"

	"github.com/google/uuid"

	"livechat-ws/internal/domain"
	"livechat-ws/internal/store"
	"livechat-ws/internal/timer"
)

func (s *Service) scheduleWaiting(id uuid.UUID) {
	s.timers.Schedule(id, timer.KindWaiting, s.cfg.WaitingTimeout, func() {
		s.runTimer(timer.KindWaiting, id, s.onWaitingTimeout)
	})
}

func (s *Service) scheduleAIInactivity(id uuid.UUID) {
	s.timers.Schedule(id, timer.KindAIInactivity, s.cfg.AIInactivityTimeout, func() {
		s.runTimer(timer.KindAIInactivity, id, s.onAIInactivity)
	})
}

func (s *Service) scheduleOperatorResponse(id, operatorID uuid.UUID) {
	s.timers.Schedule(id, timer.KindOperatorResponse, s.cfg.OperatorResponseTimeout, func() {
		s.runTimer(timer.KindOperatorResponse, id, func(ctx context.Context, id uuid.UUID) error {
			return s.onOperatorResponseTimeout(ctx, id, operatorID)
		})
	})
}

// restartInactivity re-arms the first stage of the visitor inactivity check
// and drops a pending second stage. since is the visitor activity the new
// stage counts from; a stage finding later activity under the lock stands
// down.
func (s *Service) restartInactivity(id uuid.UUID, since time.Time) {
	s.timers.Cancel(id, timer.KindUserInactivityFinal)
	s.timers.Schedule(id, timer.KindUserInactivityWarning, s.cfg.UserInactivityWarning, func() {
		s.runTimer(timer.KindUserInactivityWarning, id, func(ctx context.Context, id uuid.UUID) error {
			return s.onInactivityWarning(ctx, id, since)
		})
	})
}

// activityMark is the reference point for an inactivity stage armed now on
// the locked session.
func (s *Service) activityMark(sess *domain.ChatSession) time.Time {
	now := s.clock.Now().UTC()
	if sess.UserActiveAt != nil && sess.UserActiveAt.After(now) {
		return *sess.UserActiveAt
	}
	return now
}

func activeSince(sess *domain.ChatSession, mark time.Time) bool {
	return sess.UserActiveAt != nil && sess.UserActiveAt.After(mark)
}

// runTimer gives a callback its own deadline and logs its failure. Failed
// callbacks leave the session untouched and are not retried.
func (s *Service) runTimer(kind timer.Kind, id uuid.UUID, fn func(ctx context.Context, id uuid.UUID) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TimerTimeout)
	defer cancel()
	if err := fn(ctx, id); err != nil {
		s.log.Error("timer callback failed", "kind", kind, "id", id, "error", err)
		return
	}
	s.log.Debug("timer fired", "kind", kind, "id", id)
}

func (s *Service) onWaitingTimeout(ctx context.Context, id uuid.UUID) error {
	return s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		if tx.Session().Status != domain.StatusWaiting {
			return nil
		}
		const notice = "No operator is available right now. You can keep chatting with the assistant or try again later."
		msg := &domain.Message{Type: domain.MessageSystem, Content: notice}
		if err := s.appendLocked(tx, msg, domain.ToStatus(domain.StatusActive)); err != nil {
			return err
		}
		fx.emit(
			domain.OperatorWaitTimeout{SessionRef: ref(id), Message: notice},
			domain.OperatorMessage{SessionRef: ref(id), Message: *msg},
		)
		fx.then(func() { s.scheduleAIInactivity(id) })
		return nil
	})
}

func (s *Service) onOperatorResponseTimeout(ctx context.Context, id, operatorID uuid.UUID) error {
	return s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		sess := tx.Session()
		if sess.Status != domain.StatusWithOperator || *sess.OperatorID != operatorID {
			return nil
		}
		sent, err := tx.CountMessages(domain.MessageOperator, &operatorID)
		if err != nil || sent > 0 {
			return err
		}
		fx.emit(domain.OperatorNotResponding{SessionRef: ref(id), OperatorID: operatorID})
		return s.closeLocked(tx, fx, domain.ClosureOperatorTimeout,
			"The operator did not respond in time. The chat has been closed.")
	})
}

func (s *Service) onInactivityWarning(ctx context.Context, id uuid.UUID, since time.Time) error {
	return s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		sess := tx.Session()
		if sess.Status != domain.StatusWithOperator || activeSince(sess, since) {
			return nil
		}
		mark := s.activityMark(sess)
		deadline := s.clock.Now().UTC().Add(s.cfg.UserInactivityFinal)
		fx.emit(
			domain.UserPresenceCheck{SessionRef: ref(id), Deadline: deadline},
			domain.UserInactivityWarning{SessionRef: ref(id), OperatorID: *sess.OperatorID},
		)
		fx.then(func() {
			s.timers.Schedule(id, timer.KindUserInactivityFinal, s.cfg.UserInactivityFinal, func() {
				s.runTimer(timer.KindUserInactivityFinal, id, func(ctx context.Context, id uuid.UUID) error {
					return s.onInactivityFinal(ctx, id, mark)
				})
			})
		})
		return nil
	})
}

func (s *Service) onInactivityFinal(ctx context.Context, id uuid.UUID, since time.Time) error {
	return s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		sess := tx.Session()
		if sess.Status != domain.StatusWithOperator || activeSince(sess, since) {
			return nil
		}
		return s.closeLocked(tx, fx, domain.ClosureUserInactivityTimeout,
			"The chat was closed because the visitor did not reply.")
	})
}

func (s *Service) onAIInactivity(ctx context.Context, id uuid.UUID) error {
	return s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		sess := tx.Session()
		if sess.Status != domain.StatusActive {
			return nil
		}
		// another instance may have taken a message since this timer was armed
		if s.clock.Now().Sub(sess.LastMessageAt) < s.cfg.AIInactivityTimeout {
			return nil
		}
		return s.closeLocked(tx, fx, domain.ClosureAIInactivityTimeout, "The chat was closed after a period of inactivity.")
	})
}

// onUserDisconnectTimeout checks presence under the session lock, so a
// reconnect that lands while the callback waits for the lock wins.
func (s *Service) onUserDisconnectTimeout(ctx context.Context, id uuid.UUID) error {
	return s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		if tx.Session().Status != domain.StatusWithOperator {
			return nil
		}
		online, err := s.presence.Online(ctx, domain.ParticipantVisitor, id)
		if err != nil || online {
			return err
		}
		return s.closeLocked(tx, fx, domain.ClosureUserDisconnectTimeout, "The visitor left the chat.")
	})
}

// onOperatorGone runs once the disconnect grace period has passed and tells
// the visitors of every session the operator still owns.
func (s *Service) onOperatorGone(ctx context.Context, operatorID uuid.UUID) error {
	online, err := s.presence.Online(ctx, domain.ParticipantOperator, operatorID)
	if err != nil {
		return err
	}
	if online {
		return nil
	}
	owned, err := s.ownedSessions(ctx, operatorID)
	if err != nil {
		return err
	}
	s.offlineMu.Lock()
	s.offlineNotified[operatorID] = true
	s.offlineMu.Unlock()

	for _, id := range owned {
		err := s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
			sess := tx.Session()
			if sess.Status != domain.StatusWithOperator || *sess.OperatorID != operatorID {
				return nil
			}
			// the operator may have come back while this callback waited
			online, err := s.presence.Online(ctx, domain.ParticipantOperator, operatorID)
			if err != nil || online {
				return err
			}
			fx.emit(domain.OperatorDisconnected{SessionRef: ref(id), OperatorID: operatorID})
			return nil
		})
		if err != nil {
			s.log.Error("notify operator disconnect", "session", id, "operator", operatorID, "error", err)
		}
	}
	return nil
}

func (s *Service) ownedSessions(ctx context.Context, operatorID uuid.UUID) ([]uuid.UUID, error) {
	sessions, err := s.store.ListSessions(ctx, domain.SessionFilter{Status: domain.StatusWithOperator, OperatorID: &operatorID})
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(sessions))
	for i := range sessions {
		ids[i] = sessions[i].ID
	}
	return ids, nil
}

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"livechat-ws/internal/domain"
	"livechat-ws/internal/store"
	"livechat-ws/internal/timer"
)

const (
	maxUserNameLength = 100
	maxTags           = 20
	maxTagLength      = 50
	maxCommentLength  = 1000
)

// CreateSession opens a new ACTIVE conversation handled by the responder.
func (s *Service) CreateSession(ctx context.Context, req domain.CreateSessionRequest) (*domain.ChatSession, error) {
	name := strings.TrimSpace(req.UserName)
	if len(name) > maxUserNameLength {
		return nil, domain.Validation("user name exceeds %d characters", maxUserNameLength)
	}
	email := strings.TrimSpace(req.UserEmail)
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return nil, domain.Validation("invalid email address %q", email)
		}
	}

	now := s.clock.Now().UTC().Truncate(time.Microsecond)
	sess := &domain.ChatSession{
		ID:            uuid.New(),
		Status:        domain.StatusActive,
		UserName:      name,
		UserEmail:     email,
		UserID:        strings.TrimSpace(req.UserID),
		Priority:      domain.PriorityNormal,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.retry(ctx, func() error { return s.store.CreateSession(ctx, sess) }); err != nil {
		return nil, s.translate(err, "session %s", sess.ID)
	}

	s.scheduleAIInactivity(sess.ID)
	s.pub.Publish(domain.NewChatCreated{SessionRef: ref(sess.ID), UserName: sess.UserName, CreatedAt: now})
	s.log.Info("chat session created", "session", sess.ID)
	return sess, nil
}

// GetSession returns the session with the assigned operator's presence.
func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*domain.SessionView, error) {
	sess, err := s.visitorSession(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &domain.SessionView{ChatSession: *sess}
	if sess.OperatorID == nil {
		return view, nil
	}
	online, err := s.presence.Online(ctx, domain.ParticipantOperator, *sess.OperatorID)
	if err != nil {
		s.log.Warn("presence lookup failed", "operator", *sess.OperatorID, "error", err)
	}
	view.OperatorOnline = online
	if op, err := s.store.GetOperator(ctx, *sess.OperatorID); err == nil {
		view.OperatorName = op.Name
	}
	return view, nil
}

func (s *Service) ListSessions(ctx context.Context, filter domain.SessionFilter) ([]domain.ChatSession, error) {
	sessions, err := s.store.ListSessions(ctx, filter)
	if err != nil {
		return nil, domain.Internal(err, "list sessions")
	}
	return sessions, nil
}

func (s *Service) ListMessages(ctx context.Context, id uuid.UUID, limit int) ([]domain.Message, error) {
	if _, err := s.getSession(ctx, id); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, id, limit)
	if err != nil {
		return nil, s.translate(err, "session %s", id)
	}
	return msgs, nil
}

// RequestOperator asks the available operators to take over an ACTIVE
// session. With nobody available the session stays ACTIVE.
func (s *Service) RequestOperator(ctx context.Context, id uuid.UUID) (*domain.RequestOperatorResponse, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	sess, err := s.visitorSession(ctx, id)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case domain.StatusWaiting:
		return &domain.RequestOperatorResponse{Status: domain.StatusWaiting, OperatorAvailable: true}, nil
	case domain.StatusActive:
	default:
		return nil, domain.InvalidTransition("cannot request an operator for a %s session", sess.Status)
	}

	ops, err := s.store.ListAvailableOperators(ctx)
	if err != nil {
		return nil, domain.Internal(err, "list available operators")
	}
	if len(ops) == 0 {
		s.pub.Publish(domain.OperatorRequestSent{SessionRef: ref(id), OperatorAvailable: false})
		return &domain.RequestOperatorResponse{Status: domain.StatusActive, OperatorAvailable: false}, nil
	}

	if err := s.claim(ctx, id, domain.StatusActive, domain.ToStatus(domain.StatusWaiting)); err != nil {
		return nil, err
	}

	fx := &effects{}
	for _, op := range ops {
		fx.emit(domain.NewChatRequest{SessionRef: ref(id), OperatorID: op.ID, UserName: sess.UserName, Priority: sess.Priority})
	}
	fx.emit(
		domain.ChatWaitingOperator{SessionRef: ref(id), UserName: sess.UserName, AvailableOperators: len(ops)},
		domain.OperatorRequestSent{SessionRef: ref(id), OperatorAvailable: true},
	)
	fx.then(func() {
		s.timers.Cancel(id, timer.KindAIInactivity)
		s.scheduleWaiting(id)
	})
	s.apply(fx)
	s.log.Info("operator requested", "session", id, "notified", len(ops))
	return &domain.RequestOperatorResponse{Status: domain.StatusWaiting, OperatorAvailable: true}, nil
}

// CancelOperatorRequest returns a WAITING session to the responder.
func (s *Service) CancelOperatorRequest(ctx context.Context, id uuid.UUID) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.claim(ctx, id, domain.StatusWaiting, domain.ToStatus(domain.StatusActive)); err != nil {
		return err
	}
	fx := &effects{}
	fx.emit(domain.ChatRequestCancelled{SessionRef: ref(id)})
	fx.then(func() {
		s.timers.Cancel(id, timer.KindWaiting)
		s.scheduleAIInactivity(id)
	})
	s.apply(fx)
	return nil
}

// AcceptChat assigns a WAITING session to operatorID. Of several concurrent
// accepts exactly one wins; the others get ALREADY_ACCEPTED.
func (s *Service) AcceptChat(ctx context.Context, id, operatorID uuid.UUID) (*domain.ChatSession, error) {
	return s.assign(ctx, id, operatorID, domain.StatusWaiting)
}

// Intervene lets an operator take over an ACTIVE session from the responder.
func (s *Service) Intervene(ctx context.Context, id, operatorID uuid.UUID) (*domain.ChatSession, error) {
	return s.assign(ctx, id, operatorID, domain.StatusActive)
}

// assign checks the expected status and records the assignment together
// with the join message, so the session is never left owned without its
// timers and events.
func (s *Service) assign(ctx context.Context, id, operatorID uuid.UUID, from domain.SessionStatus) (*domain.ChatSession, error) {
	op, err := s.getOperator(ctx, operatorID)
	if err != nil {
		return nil, err
	}

	var out domain.ChatSession
	err = s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		sess := tx.Session()
		if sess.Status != from {
			if sess.Status == domain.StatusWithOperator {
				return domain.AlreadyAccepted("session %s was already accepted", id)
			}
			return domain.InvalidTransition("session %s is %s, expected %s", id, sess.Status, from)
		}
		msg := &domain.Message{Type: domain.MessageSystem, Content: fmt.Sprintf("%s joined the chat", op.Name)}
		if err := s.appendLocked(tx, msg, domain.AssignOperator(operatorID)); err != nil {
			return err
		}
		out = *tx.Session()
		mark := s.activityMark(tx.Session())

		fx.emit(domain.OperatorJoined{SessionRef: ref(id), OperatorID: op.ID, OperatorName: op.Name, Message: msg})
		if from == domain.StatusWaiting {
			fx.emit(domain.ChatAccepted{SessionRef: ref(id), OperatorID: op.ID, OperatorName: op.Name})
		} else {
			fx.emit(domain.AIChatIntervened{SessionRef: ref(id), OperatorID: op.ID, OperatorName: op.Name})
		}
		fx.then(func() {
			s.timers.Cancel(id, timer.KindWaiting)
			s.timers.Cancel(id, timer.KindAIInactivity)
			s.scheduleOperatorResponse(id, operatorID)
			s.restartInactivity(id, mark)
			s.countHandled(ctx, operatorID)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("operator assigned", "session", id, "operator", operatorID, "from", from)
	return &out, nil
}

// CloseSession is the operator closing a conversation. An operator may close
// an unowned open session but not one owned by a colleague.
func (s *Service) CloseSession(ctx context.Context, id, operatorID uuid.UUID) error {
	var closed domain.ChatSession
	err := s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		sess := tx.Session()
		if !sess.Status.Open() {
			return domain.InvalidTransition("session %s is already closed", id)
		}
		if sess.OperatorID != nil && *sess.OperatorID != operatorID {
			return domain.Forbidden("session %s is owned by another operator", id)
		}
		if err := s.closeLocked(tx, fx, domain.ClosureOperatorClosed, "The operator closed the chat"); err != nil {
			return err
		}
		closed = *tx.Session()
		fx.then(func() { s.countHandled(ctx, operatorID) })
		return nil
	})
	if err != nil {
		return err
	}
	if closed.UserEmail != "" {
		go s.sendTranscript(closed)
	}
	return nil
}

// EndConversation is the visitor leaving.
func (s *Service) EndConversation(ctx context.Context, id uuid.UUID) error {
	return s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		if !tx.Session().Status.Open() {
			return domain.InvalidTransition("session %s is already closed", id)
		}
		return s.closeLocked(tx, fx, domain.ClosureUserEnded, "The visitor ended the chat")
	})
}

// ReopenSession brings a CLOSED session back within the reopen window. It
// returns to the last operator, or to the responder if it never had one.
func (s *Service) ReopenSession(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error) {
	if _, err := s.visitorSession(ctx, id); err != nil {
		return nil, err
	}

	var out domain.ChatSession
	err := s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		sess := tx.Session()
		if sess.Status != domain.StatusClosed {
			return domain.InvalidTransition("session %s is %s, not closed", id, sess.Status)
		}
		if sess.ClosedAt == nil || s.clock.Now().Sub(*sess.ClosedAt) > s.cfg.ReopenWindow {
			return domain.Expired("session %s can no longer be reopened", id)
		}

		var patch domain.SessionPatch
		var operatorID *uuid.UUID
		if sess.LastOperatorID != nil {
			opID := *sess.LastOperatorID
			operatorID = &opID
			patch = domain.AssignOperator(opID)
		} else {
			patch = domain.ToStatus(domain.StatusActive).Merge(domain.SessionPatch{ClearClosure: true})
		}
		msg := &domain.Message{Type: domain.MessageSystem, Content: "The chat was reopened"}
		if err := s.appendLocked(tx, msg, patch); err != nil {
			return err
		}
		out = *tx.Session()

		mark := s.activityMark(tx.Session())
		fx.emit(domain.ChatReopened{SessionRef: ref(id), Status: out.Status, OperatorID: operatorID, Message: msg})
		fx.then(func() {
			if operatorID != nil {
				s.scheduleOperatorResponse(id, *operatorID)
				s.restartInactivity(id, mark)
				return
			}
			s.scheduleAIInactivity(id)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// TransferSession hands a session from its owner to another available
// operator.
func (s *Service) TransferSession(ctx context.Context, id, fromID, toID uuid.UUID, reason string) error {
	if fromID == toID {
		return domain.Validation("cannot transfer a session to its current operator")
	}
	target, err := s.getOperator(ctx, toID)
	if err != nil {
		return err
	}
	if !target.IsAvailable {
		return domain.Validation("operator %s is not available", toID)
	}
	reason = strings.TrimSpace(reason)

	return s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		sess := tx.Session()
		if sess.Status != domain.StatusWithOperator {
			return domain.InvalidTransition("session %s is %s", id, sess.Status)
		}
		if *sess.OperatorID != fromID {
			return domain.Forbidden("session %s is owned by another operator", id)
		}
		msg := &domain.Message{Type: domain.MessageSystem, Content: fmt.Sprintf("The chat was transferred to %s", target.Name)}
		if err := s.appendLocked(tx, msg, domain.AssignOperator(toID)); err != nil {
			return err
		}
		fx.emit(
			domain.ChatTransferred{SessionRef: ref(id), FromOperatorID: fromID, ToOperatorID: toID, ToOperatorName: target.Name, Reason: reason},
			domain.OperatorMessage{SessionRef: ref(id), Message: *msg},
		)
		fx.then(func() { s.scheduleOperatorResponse(id, toID) })
		return nil
	})
}

func (s *Service) MarkRead(ctx context.Context, id uuid.UUID) error {
	return s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		if err := tx.Update(domain.SessionPatch{ResetUnread: true}); err != nil {
			return err
		}
		fx.emit(domain.MessagesRead{SessionRef: ref(id)})
		return nil
	})
}

func (s *Service) UpdatePriority(ctx context.Context, id uuid.UUID, p domain.Priority) error {
	if !p.Valid() {
		return domain.Validation("unknown priority %q", p)
	}
	return s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		if err := tx.Update(domain.SessionPatch{Priority: &p}); err != nil {
			return err
		}
		fx.emit(domain.PriorityChanged{SessionRef: ref(id), Priority: p})
		return nil
	})
}

// UpdateTags replaces the session tags. Tags are trimmed and deduplicated.
func (s *Service) UpdateTags(ctx context.Context, id uuid.UUID, tags []string) ([]string, error) {
	clean, err := normalizeTags(tags)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(clean)
	if err != nil {
		return nil, domain.Internal(err, "encode tags")
	}
	err = s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		if err := tx.Update(domain.SessionPatch{Tags: datatypes.JSON(raw)}); err != nil {
			return err
		}
		fx.emit(domain.TagsChanged{SessionRef: ref(id), Tags: clean})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return clean, nil
}

// SubmitRating records the visitor's rating of a closed conversation. A
// session can be rated once.
func (s *Service) SubmitRating(ctx context.Context, id uuid.UUID, rating int, comment string) error {
	if rating < 1 || rating > 5 {
		return domain.Validation("rating must be between 1 and 5")
	}
	comment = strings.TrimSpace(comment)
	if len(comment) > maxCommentLength {
		return domain.Validation("comment exceeds %d characters", maxCommentLength)
	}
	return s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		sess := tx.Session()
		if sess.Status != domain.StatusClosed {
			return domain.InvalidTransition("only closed sessions can be rated")
		}
		if sess.Rating != nil {
			return domain.InvalidTransition("session %s was already rated", id)
		}
		now := s.clock.Now().UTC()
		return tx.Update(domain.SessionPatch{Rating: &rating, RatingComment: &comment, RatedAt: &now})
	})
}

func (s *Service) SetOperatorAvailability(ctx context.Context, operatorID uuid.UUID, available bool) error {
	if err := s.store.SetOperatorAvailability(ctx, operatorID, available); err != nil {
		return s.translate(err, "operator %s", operatorID)
	}
	s.log.Info("operator availability changed", "operator", operatorID, "available", available)
	return nil
}

// EnsureOperator registers an operator known to the auth service the first
// time they show up.
func (s *Service) EnsureOperator(ctx context.Context, id uuid.UUID, name, email string) (*domain.Operator, error) {
	op, err := s.store.GetOperator(ctx, id)
	if err == nil {
		return op, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, domain.Internal(err, "load operator %s", id)
	}
	if name == "" {
		name = "Operator"
	}
	op = &domain.Operator{ID: id, Name: name, Email: email, CreatedAt: s.clock.Now().UTC()}
	if err := s.store.CreateOperator(ctx, op); err != nil {
		return nil, domain.Internal(err, "create operator %s", id)
	}
	return op, nil
}

func (s *Service) sendTranscript(sess domain.ChatSession) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TimerTimeout)
	defer cancel()
	msgs, err := s.store.ListMessages(ctx, sess.ID, 0)
	if err != nil {
		s.log.Error("load transcript", "session", sess.ID, "error", err)
		return
	}
	if err := s.transcripts.SendTranscript(ctx, sess, msgs); err != nil {
		s.log.Error("send transcript", "session", sess.ID, "error", err)
	}
}

func normalizeTags(tags []string) ([]string, error) {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if len(t) > maxTagLength {
			return nil, domain.Validation("tag %q exceeds %d characters", t, maxTagLength)
		}
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	if len(out) > maxTags {
		return nil, domain.Validation("at most %d tags are allowed", maxTags)
	}
	return out, nil
}

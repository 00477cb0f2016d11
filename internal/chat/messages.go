package chat

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"livechat-ws/internal/domain"
	"livechat-ws/internal/responder"
	"livechat-ws/internal/store"
	"livechat-ws/internal/timer"
)

const maxMessageLength = 5000

// SendUserMessage appends a visitor message. While an operator owns the
// session the message is queued for them; otherwise the responder answers
// in the same transaction.
func (s *Service) SendUserMessage(ctx context.Context, id uuid.UUID, req domain.SendMessageRequest) (*domain.SendMessageResponse, error) {
	content, err := validMessage(req.Content, req.Attachment)
	if err != nil {
		return nil, err
	}
	sess, err := s.visitorSession(ctx, id)
	if err != nil {
		return nil, err
	}

	d := s.limiter.Check(id)
	if d.SpamDetected {
		s.log.Warn("possible spam", "session", id, "attempts", d.Attempts)
		s.pub.Publish(domain.UserSpamDetected{SessionRef: ref(id), OperatorID: sess.OperatorID, MessageCount: d.Attempts})
	}
	if !d.Allowed {
		return nil, domain.RateLimited(d.RetryAfter)
	}

	var resp *domain.SendMessageResponse
	switch sess.Status {
	case domain.StatusWithOperator:
		resp, err = s.userToOperator(ctx, id, content, req.Attachment)
	case domain.StatusActive, domain.StatusWaiting:
		resp, err = s.userToResponder(ctx, id, content, req.Attachment)
	default:
		return nil, domain.InvalidTransition("session %s is closed", id)
	}
	if err != nil {
		return nil, err
	}
	resp.SpamWarning = d.SpamDetected
	return resp, nil
}

func (s *Service) userToOperator(ctx context.Context, id uuid.UUID, content string, att *domain.Attachment) (*domain.SendMessageResponse, error) {
	resp := &domain.SendMessageResponse{}
	err := s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		if tx.Session().Status != domain.StatusWithOperator {
			return domain.InvalidTransition("session %s is %s", id, tx.Session().Status)
		}
		msg, err := s.appendUserLocked(tx, fx, content, att)
		if err != nil {
			return err
		}
		resp.Message = *msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// appendUserLocked stores a visitor message for an operator-owned session.
func (s *Service) appendUserLocked(tx store.SessionTx, fx *effects, content string, att *domain.Attachment) (*domain.Message, error) {
	sess := tx.Session()
	id := sess.ID

	prev, err := tx.RecentMessages(1)
	if err != nil {
		return nil, err
	}
	patch := domain.SessionPatch{UnreadDelta: 1}
	var captured string
	if sess.UserName == "" {
		var last *domain.Message
		if len(prev) > 0 {
			last = &prev[0]
		}
		if captured = extractUserName(content, last); captured != "" {
			patch.UserName = &captured
		}
	}

	msg := &domain.Message{Type: domain.MessageUser, Content: content, Attachment: att}
	if err := s.appendLocked(tx, msg, patch); err != nil {
		return nil, err
	}
	sess = tx.Session()
	fx.emit(domain.UserMessage{SessionRef: ref(id), OperatorID: sess.OperatorID, Message: *msg, UnreadCount: sess.UnreadCount})
	if captured != "" {
		fx.emit(domain.UserNameCaptured{SessionRef: ref(id), UserName: captured, OperatorID: sess.OperatorID})
	}
	fx.then(func() { s.restartInactivity(id, msg.CreatedAt) })
	return msg, nil
}

func (s *Service) userToResponder(ctx context.Context, id uuid.UUID, content string, att *domain.Attachment) (*domain.SendMessageResponse, error) {
	history, err := s.store.ListMessages(ctx, id, s.cfg.HistoryLimit)
	if err != nil {
		return nil, s.translate(err, "session %s", id)
	}
	reply, err := s.responder.Respond(ctx, content, history)
	if err != nil {
		s.log.Warn("responder failed, using fallback", "session", id, "error", err)
		reply = responder.FallbackReply()
	}

	resp := &domain.SendMessageResponse{}
	err = s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		sess := tx.Session()
		switch sess.Status {
		case domain.StatusWithOperator:
			// an operator took over while the responder was thinking
			msg, err := s.appendUserLocked(tx, fx, content, att)
			if err != nil {
				return err
			}
			resp.Message = *msg
			return nil
		case domain.StatusActive, domain.StatusWaiting:
		default:
			return domain.InvalidTransition("session %s is %s", id, sess.Status)
		}

		msg := &domain.Message{Type: domain.MessageUser, Content: content, Attachment: att}
		if err := s.appendLocked(tx, msg, domain.SessionPatch{}); err != nil {
			return err
		}
		confidence := reply.Confidence
		ai := &domain.Message{
			Type:              domain.MessageAI,
			Content:           reply.Text,
			AIConfidence:      &confidence,
			AISuggestOperator: reply.ShouldEscalate,
		}
		if err := s.appendLocked(tx, ai, domain.SessionPatch{}); err != nil {
			return err
		}
		resp.Message = *msg
		resp.AIMessage = ai
		resp.SuggestOperator = reply.ShouldEscalate

		fx.emit(
			domain.UserMessage{SessionRef: ref(id), Message: *msg, UnreadCount: tx.Session().UnreadCount},
			domain.OperatorMessage{SessionRef: ref(id), Message: *ai},
			domain.AIChatUpdated{SessionRef: ref(id), LastMessage: content, LastMessageAt: ai.CreatedAt, SuggestHuman: reply.ShouldEscalate},
		)
		if sess.Status == domain.StatusActive {
			fx.then(func() { s.scheduleAIInactivity(id) })
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// SendOperatorMessage appends a message from the owning operator. The first
// one stops the operator-response timeout.
func (s *Service) SendOperatorMessage(ctx context.Context, id, operatorID uuid.UUID, req domain.SendMessageRequest) (*domain.Message, error) {
	content, err := validMessage(req.Content, req.Attachment)
	if err != nil {
		return nil, err
	}
	op, err := s.getOperator(ctx, operatorID)
	if err != nil {
		return nil, err
	}

	var out domain.Message
	err = s.mutate(ctx, id, func(tx store.SessionTx, fx *effects) error {
		sess := tx.Session()
		if sess.Status != domain.StatusWithOperator {
			return domain.InvalidTransition("session %s is %s", id, sess.Status)
		}
		if *sess.OperatorID != operatorID {
			return domain.Forbidden("session %s is owned by another operator", id)
		}
		sent, err := tx.CountMessages(domain.MessageOperator, &operatorID)
		if err != nil {
			return err
		}
		opID := operatorID
		msg := &domain.Message{
			Type:         domain.MessageOperator,
			Content:      content,
			OperatorID:   &opID,
			OperatorName: op.Name,
			Attachment:   req.Attachment,
		}
		if err := s.appendLocked(tx, msg, domain.SessionPatch{}); err != nil {
			return err
		}
		out = *msg
		fx.emit(domain.OperatorMessage{SessionRef: ref(id), Message: *msg})
		if sent == 0 {
			fx.emit(domain.ChatTimeoutCancelled{SessionRef: ref(id), OperatorID: operatorID})
		}
		fx.then(func() { s.timers.Cancel(id, timer.KindOperatorResponse) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func validMessage(content string, att *domain.Attachment) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" && (att == nil || att.URL == "") {
		return "", domain.Validation("message content is required")
	}
	if len(content) > maxMessageLength {
		return "", domain.Validation("message exceeds %d characters", maxMessageLength)
	}
	return content, nil
}

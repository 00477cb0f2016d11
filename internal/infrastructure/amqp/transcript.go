// Package amqp publishes closed conversation transcripts to the queue read
// by the outbound mail service.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"livechat-ws/internal/domain"
)

const maxDialDelay = 30 * time.Second

type ConnectionOptions struct {
	URL           string
	RetryAttempts int
	Delay         time.Duration
	Logger        *slog.Logger
}

// DialWithRetry connects with exponential backoff and gives up early when
// ctx is cancelled.
func DialWithRetry(ctx context.Context, opts ConnectionOptions) (*amqp091.Connection, error) {
	var lastErr error
	for i := 1; i <= opts.RetryAttempts; i++ {
		conn, err := amqp091.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				opts.Logger.Info("rabbit connected", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err

		sleep := opts.Delay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		opts.Logger.Warn("rabbit dial failed", "attempt", i, "sleep", sleep, "error", err)

		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.New("dial cancelled: " + ctx.Err().Error())
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", opts.RetryAttempts, lastErr)
}

// Transcript is the message body consumed by the mail service.
type Transcript struct {
	SessionID     uuid.UUID            `json:"session_id"`
	UserName      string               `json:"user_name,omitempty"`
	UserEmail     string               `json:"user_email"`
	ClosureReason domain.ClosureReason `json:"closure_reason"`
	ClosedAt      *time.Time           `json:"closed_at,omitempty"`
	Messages      []TranscriptLine     `json:"messages"`
}

type TranscriptLine struct {
	Type          domain.MessageType `json:"type"`
	Content       string             `json:"content"`
	OperatorName  string             `json:"operator_name,omitempty"`
	AttachmentURL string             `json:"attachment_url,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// BuildTranscript renders the visitor-visible part of a conversation.
func BuildTranscript(sess domain.ChatSession, messages []domain.Message) Transcript {
	t := Transcript{
		SessionID:     sess.ID,
		UserName:      sess.UserName,
		UserEmail:     sess.UserEmail,
		ClosureReason: sess.ClosureReason,
		ClosedAt:      sess.ClosedAt,
		Messages:      make([]TranscriptLine, 0, len(messages)),
	}
	for _, m := range messages {
		line := TranscriptLine{Type: m.Type, Content: m.Content, OperatorName: m.OperatorName, CreatedAt: m.CreatedAt}
		if m.Attachment != nil {
			line.AttachmentURL = m.Attachment.URL
		}
		t.Messages = append(t.Messages, line)
	}
	return t
}

// TranscriptPublisher sends transcripts to a durable queue on the default
// exchange.
type TranscriptPublisher struct {
	conn  *amqp091.Connection
	queue string
	log   *slog.Logger
}

func NewTranscriptPublisher(conn *amqp091.Connection, queue string, log *slog.Logger) (*TranscriptPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &TranscriptPublisher{conn: conn, queue: queue, log: log}, nil
}

func (p *TranscriptPublisher) SendTranscript(ctx context.Context, sess domain.ChatSession, messages []domain.Message) error {
	body, err := json.Marshal(BuildTranscript(sess, messages))
	if err != nil {
		return err
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, "", p.queue, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     uuid.NewString(),
		CorrelationId: sess.ID.String(),
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		return err
	}
	p.log.Info("transcript published", "session", sess.ID, "queue", p.queue, "messages", len(messages))
	return nil
}

func (p *TranscriptPublisher) Close() error {
	return p.conn.Close()
}

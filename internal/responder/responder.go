// Package responder produces automated replies while no operator owns a
// session.
package responder

import (
	"context"
	"strings"

	"livechat-ws/internal/domain"
)

// Reply is one automated answer. ShouldEscalate asks the visitor to be
// offered a human operator.
type Reply struct {
	Text           string
	Confidence     float64
	ShouldEscalate bool
}

type Responder interface {
	Respond(ctx context.Context, message string, history []domain.Message) (Reply, error)
}

// FallbackReply is used when the responder fails.
func FallbackReply() Reply {
	return Reply{
		Text:           "Sorry, I'm having trouble answering right now. Would you like to talk to an operator?",
		Confidence:     0,
		ShouldEscalate: true,
	}
}

// Static answers every message with the same text. It is used when no
// responder API is configured and in tests.
type Static struct {
	Text       string
	Confidence float64
	// EscalateOn lists lowercase keywords that make the reply suggest a human.
	EscalateOn []string
}

func NewStatic() *Static {
	return &Static{
		Text:       "Thanks for your message! An operator can join if you need more help.",
		Confidence: 0.5,
		EscalateOn: []string{"operator", "human", "agent", "operatore"},
	}
}

func (s *Static) Respond(_ context.Context, message string, _ []domain.Message) (Reply, error) {
	lower := strings.ToLower(message)
	escalate := false
	for _, kw := range s.EscalateOn {
		if strings.Contains(lower, kw) {
			escalate = true
			break
		}
	}
	return Reply{Text: s.Text, Confidence: s.Confidence, ShouldEscalate: escalate}, nil
}

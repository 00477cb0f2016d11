package chat

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"livechat-ws/internal/domain"
)

// Publisher pushes events to connected viewers. Publish must not block.
type Publisher interface {
	Publish(ev domain.Event)
}

// Presence counts live transport connections per participant, possibly
// across instances.
type Presence interface {
	Connect(ctx context.Context, kind domain.ParticipantKind, id uuid.UUID) (int64, error)
	Disconnect(ctx context.Context, kind domain.ParticipantKind, id uuid.UUID) (int64, error)
	Online(ctx context.Context, kind domain.ParticipantKind, id uuid.UUID) (bool, error)
}

// TranscriptSender hands a closed conversation to the outbound mail
// service.
type TranscriptSender interface {
	SendTranscript(ctx context.Context, session domain.ChatSession, messages []domain.Message) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(domain.Event) {}

type nopTranscripts struct{}

func (nopTranscripts) SendTranscript(context.Context, domain.ChatSession, []domain.Message) error {
	return nil
}

// LocalPresence keeps connection counts and typing flags in process
// memory. It is used when Redis is not configured and in tests. Typing flags
// do not expire.
type LocalPresence struct {
	mu     sync.Mutex
	counts map[presenceKey]int64
	typing map[uuid.UUID]map[string]bool
}

type presenceKey struct {
	kind domain.ParticipantKind
	id   uuid.UUID
}

func NewLocalPresence() *LocalPresence {
	return &LocalPresence{
		counts: make(map[presenceKey]int64),
		typing: make(map[uuid.UUID]map[string]bool),
	}
}

func (p *LocalPresence) Connect(_ context.Context, kind domain.ParticipantKind, id uuid.UUID) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := presenceKey{kind, id}
	p.counts[k]++
	return p.counts[k], nil
}

func (p *LocalPresence) Disconnect(_ context.Context, kind domain.ParticipantKind, id uuid.UUID) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := presenceKey{kind, id}
	if p.counts[k] <= 1 {
		delete(p.counts, k)
		return 0, nil
	}
	p.counts[k]--
	return p.counts[k], nil
}

func (p *LocalPresence) Online(_ context.Context, kind domain.ParticipantKind, id uuid.UUID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[presenceKey{kind, id}] > 0, nil
}

func (p *LocalPresence) SetTyping(_ context.Context, sessionID uuid.UUID, sender string, typing bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !typing {
		delete(p.typing[sessionID], sender)
		if len(p.typing[sessionID]) == 0 {
			delete(p.typing, sessionID)
		}
		return nil
	}
	if p.typing[sessionID] == nil {
		p.typing[sessionID] = make(map[string]bool)
	}
	p.typing[sessionID][sender] = true
	return nil
}

func (p *LocalPresence) TypingSenders(_ context.Context, sessionID uuid.UUID) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.typing[sessionID]))
	for sender := range p.typing[sessionID] {
		out = append(out, sender)
	}
	sort.Strings(out)
	return out, nil
}

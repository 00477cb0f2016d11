package kafka

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"livechat-ws/internal/broadcast"
	"livechat-ws/internal/domain"
)

func envelope(t *testing.T, ev domain.Event) broadcast.Envelope {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return broadcast.Envelope{
		ID:        uuid.New(),
		Type:      ev.Type(),
		SessionID: ev.Session(),
		Rooms:     broadcast.Route(ev),
		Origin:    "node-a",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Data:      data,
	}
}

func TestEncodeKeysBySession(t *testing.T) {
	sid := uuid.New()
	env := envelope(t, domain.MessagesRead{SessionRef: domain.SessionRef{SessionID: sid}})

	msg, err := encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(msg.Key) != sid.String() {
		t.Fatalf("key = %q, want session id", msg.Key)
	}
	got, err := decode(msg.Value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != env.ID || got.Type != domain.EventMessagesRead || len(got.Rooms) != 1 {
		t.Fatalf("decoded = %+v", got)
	}
}

func TestDecodeRejectsBadEnvelopes(t *testing.T) {
	sid := uuid.New()
	good := envelope(t, domain.PriorityChanged{SessionRef: domain.SessionRef{SessionID: sid}, Priority: domain.PriorityHigh})

	noRooms := good
	noRooms.Rooms = nil
	unknown := good
	unknown.Type = "bogus"

	for name, env := range map[string]broadcast.Envelope{"no rooms": noRooms, "unknown type": unknown} {
		raw, _ := json.Marshal(env)
		if _, err := decode(raw); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := decode([]byte("{")); err == nil {
		t.Fatal("expected error for truncated json")
	}
}

type sink struct{ got []broadcast.Envelope }

func (s *sink) DeliverRemote(env broadcast.Envelope) bool {
	s.got = append(s.got, env)
	return true
}

func TestHandleDeliversValidEnvelopes(t *testing.T) {
	s := &sink{}
	c := &EventConsumer{handler: s, log: discard()}
	env := envelope(t, domain.Typing{SessionRef: domain.SessionRef{SessionID: uuid.New()}, Sender: "user", IsTyping: true})
	raw, _ := json.Marshal(env)

	c.handle(raw)
	c.handle([]byte("not json"))
	if len(s.got) != 1 || s.got[0].ID != env.ID {
		t.Fatalf("delivered = %v", s.got)
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMirrorNeverBlocks(t *testing.T) {
	p := newEventProducer(&kafka.Writer{}, discard(), 1)
	env := envelope(t, domain.MessagesRead{SessionRef: domain.SessionRef{SessionID: uuid.New()}})

	p.Mirror(env)
	p.Mirror(env)
	if n := len(p.queue); n != 1 {
		t.Fatalf("queued = %d, want 1", n)
	}
}

type recordingWriter struct {
	mu     sync.Mutex
	keys   []string
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range msgs {
		w.keys = append(w.keys, string(m.Key))
	}
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func TestCloseSendsQueuedEnvelopes(t *testing.T) {
	w := &recordingWriter{}
	p := newEventProducer(w, discard(), 8)
	var sessions []uuid.UUID
	for i := 0; i < 3; i++ {
		id := uuid.New()
		sessions = append(sessions, id)
		p.Mirror(envelope(t, domain.MessagesRead{SessionRef: domain.SessionRef{SessionID: id}}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.keys) != len(sessions) {
		t.Fatalf("sent %d envelopes, want %d", len(w.keys), len(sessions))
	}
	for i, id := range sessions {
		if w.keys[i] != id.String() {
			t.Fatalf("envelope %d key = %s, want %s", i, w.keys[i], id)
		}
	}
	if !w.closed {
		t.Fatal("writer not closed")
	}
}

func TestCloseWithoutStartReturnsAtOnce(t *testing.T) {
	w := &recordingWriter{}
	p := newEventProducer(w, discard(), 1)

	begin := time.Now()
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if waited := time.Since(begin); waited > time.Second {
		t.Fatalf("Close waited %v for a loop that never ran", waited)
	}
	if !w.closed {
		t.Fatal("writer not closed")
	}
}

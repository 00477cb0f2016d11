package broadcast

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"livechat-ws/internal/clock"
	"livechat-ws/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRouter(queue int) (*Router, *Hub) {
	hub := NewHub(discardLogger(), queue)
	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewRouter(hub, "node-a", clk, discardLogger()), hub
}

func drain(t *testing.T, s *Subscriber) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case payload, ok := <-s.C():
			if !ok {
				return out
			}
			var env Envelope
			if err := json.Unmarshal(payload, &env); err != nil {
				t.Fatalf("bad payload: %v", err)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestRouteTable(t *testing.T) {
	sid, op, op2 := uuid.New(), uuid.New(), uuid.New()
	ref := domain.SessionRef{SessionID: sid}
	chat := SessionRoom(sid)

	tests := []struct {
		name string
		ev   domain.Event
		want []string
	}{
		{"new request goes to one operator", domain.NewChatRequest{SessionRef: ref, OperatorID: op}, []string{OperatorRoom(op)}},
		{"waiting goes to dashboard", domain.ChatWaitingOperator{SessionRef: ref}, []string{DashboardRoom}},
		{"user message unassigned", domain.UserMessage{SessionRef: ref}, []string{chat}},
		{"user message assigned", domain.UserMessage{SessionRef: ref, OperatorID: &op}, []string{chat, OperatorRoom(op)}},
		{"closed with operator", domain.ChatClosed{SessionRef: ref, OperatorID: &op}, []string{chat, DashboardRoom, OperatorRoom(op)}},
		{"transfer", domain.ChatTransferred{SessionRef: ref, FromOperatorID: op, ToOperatorID: op2},
			[]string{chat, DashboardRoom, OperatorRoom(op), OperatorRoom(op2)}},
		{"notes stay off the session room", domain.NoteAdded{SessionRef: ref}, []string{DashboardRoom}},
		{"presence check", domain.UserPresenceCheck{SessionRef: ref}, []string{chat}},
		{"spam", domain.UserSpamDetected{SessionRef: ref, OperatorID: &op}, []string{OperatorRoom(op)}},
		{"spam unowned", domain.UserSpamDetected{SessionRef: ref}, []string{DashboardRoom}},
		{"archive mark", domain.ChatArchived{SessionRef: ref, OperatorID: op}, []string{DashboardRoom}},
		{"flag mark", domain.ChatFlagged{SessionRef: ref, OperatorID: op, Reason: "abuse"}, []string{DashboardRoom}},
		{"deletion", domain.ChatDeleted{SessionRef: ref, OperatorID: op}, []string{DashboardRoom}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Route(tt.ev)
			if len(got) != len(tt.want) {
				t.Fatalf("Route = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Route = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestPublishDeliversOncePerSubscriber(t *testing.T) {
	r, hub := newRouter(8)
	sid, op := uuid.New(), uuid.New()

	operator := hub.Subscribe(OperatorRoom(op), DashboardRoom)
	hub.Join(operator, SessionRoom(sid))
	visitor := hub.Subscribe(SessionRoom(sid))
	other := hub.Subscribe(OperatorRoom(uuid.New()))

	r.Publish(domain.ChatClosed{SessionRef: domain.SessionRef{SessionID: sid}, OperatorID: &op, Reason: domain.ClosureOperatorClosed})

	if got := drain(t, operator); len(got) != 1 || got[0].Type != domain.EventChatClosed {
		t.Fatalf("operator got %+v, want exactly one chat_closed", got)
	}
	if got := drain(t, visitor); len(got) != 1 {
		t.Fatalf("visitor got %d envelopes", len(got))
	}
	if got := drain(t, other); len(got) != 0 {
		t.Fatalf("unrelated operator got %d envelopes", len(got))
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	r, hub := newRouter(64)
	sid := uuid.New()
	sub := hub.Subscribe(SessionRoom(sid))
	for i := 1; i <= 10; i++ {
		r.Publish(domain.OperatorMessage{
			SessionRef: domain.SessionRef{SessionID: sid},
			Message:    domain.Message{SessionID: sid, Seq: int64(i)},
		})
	}
	envs := drain(t, sub)
	if len(envs) != 10 {
		t.Fatalf("got %d envelopes", len(envs))
	}
	for i, env := range envs {
		var ev domain.OperatorMessage
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Message.Seq != int64(i+1) {
			t.Fatalf("envelope %d carries seq %d", i, ev.Message.Seq)
		}
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	r, hub := newRouter(2)
	sid := uuid.New()
	slow := hub.Subscribe(SessionRoom(sid))
	for i := 0; i < 3; i++ {
		r.Publish(domain.Typing{SessionRef: domain.SessionRef{SessionID: sid}, Sender: "user", IsTyping: true})
	}
	if hub.RoomSize(SessionRoom(sid)) != 0 {
		t.Fatal("slow subscriber should have been removed")
	}
	if got := drain(t, slow); len(got) != 2 {
		t.Fatalf("slow subscriber kept %d queued envelopes, want 2", len(got))
	}
	if _, ok := <-slow.C(); ok {
		t.Fatal("channel should be closed")
	}
	// Unsubscribing twice is harmless.
	hub.Unsubscribe(slow)
	if hub.Join(slow, DashboardRoom) {
		t.Fatal("Join on a removed subscriber should fail")
	}
}

type recordingMirror struct{ envs []Envelope }

func (m *recordingMirror) Mirror(env Envelope) { m.envs = append(m.envs, env) }

func TestMirrorAndRemoteDelivery(t *testing.T) {
	r, hub := newRouter(8)
	mirror := &recordingMirror{}
	r.SetMirror(mirror)
	sid := uuid.New()
	sub := hub.Subscribe(DashboardRoom)

	r.Publish(domain.PriorityChanged{SessionRef: domain.SessionRef{SessionID: sid}, Priority: domain.PriorityHigh})
	if len(mirror.envs) != 1 || mirror.envs[0].Origin != "node-a" {
		t.Fatalf("mirror got %+v", mirror.envs)
	}

	// Our own envelope coming back from the relay is ignored.
	if r.DeliverRemote(mirror.envs[0]) {
		t.Fatal("own envelope should be skipped")
	}
	remote := mirror.envs[0]
	remote.Origin = "node-b"
	if !r.DeliverRemote(remote) {
		t.Fatal("remote envelope should be delivered")
	}
	if got := drain(t, sub); len(got) != 2 {
		t.Fatalf("dashboard got %d envelopes, want local + remote", len(got))
	}
}

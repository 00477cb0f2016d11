package responder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"livechat-ws/internal/domain"
)

func TestOpenAIRespond(t *testing.T) {
	var got completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("authorization header = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Let me get someone for you. [ESCALATE]"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	o := NewOpenAI(srv.URL, "secret", "test-model")
	history := []domain.Message{
		{Type: domain.MessageUser, Content: "hi"},
		{Type: domain.MessageAI, Content: "hello"},
		{Type: domain.MessageSystem, Content: "ignored"},
	}
	reply, err := o.Respond(context.Background(), "I need a human", history)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !reply.ShouldEscalate || reply.Text != "Let me get someone for you." {
		t.Fatalf("reply = %+v", reply)
	}
	// system prompt + 2 history entries + the new message
	if len(got.Messages) != 4 || got.Model != "test-model" {
		t.Fatalf("request = %+v", got)
	}
	if got.Messages[3].Role != "user" || got.Messages[3].Content != "I need a human" {
		t.Fatalf("last message = %+v", got.Messages[3])
	}
}

func TestOpenAIErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewOpenAI(srv.URL, "k", "").Respond(context.Background(), "hi", nil); err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestStaticEscalatesOnKeyword(t *testing.T) {
	s := NewStatic()
	r, _ := s.Respond(context.Background(), "Can I talk to a HUMAN please", nil)
	if !r.ShouldEscalate {
		t.Fatal("expected escalation")
	}
	r, _ = s.Respond(context.Background(), "what are your opening hours", nil)
	if r.ShouldEscalate {
		t.Fatal("unexpected escalation")
	}
}

func TestParseCompletionConfidence(t *testing.T) {
	if r := parseCompletion("ok", "stop"); r.Confidence != 0.9 || r.ShouldEscalate {
		t.Fatalf("stop: %+v", r)
	}
	if r := parseCompletion("partial", "length"); r.Confidence != 0.6 {
		t.Fatalf("length: %+v", r)
	}
}

package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"livechat-ws/internal/domain"
)

const (
	DefaultURL   = "https://api.openai.com/v1/chat/completions"
	DefaultModel = "gpt-4o-mini"

	// EscalateMarker in a completion means the model wants a human to take over.
	EscalateMarker = "[ESCALATE]"

	defaultPrompt = "You are the support assistant of a website live chat. " +
		"Answer briefly and politely in the visitor's language. " +
		"If you cannot help or the visitor asks for a person, end your answer with " + EscalateMarker + "."
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// OpenAI talks to an OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	URL          string
	APIKey       string
	Model        string
	SystemPrompt string
	Client       *http.Client
}

func NewOpenAI(url, apiKey, model string) *OpenAI {
	if url == "" {
		url = DefaultURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &OpenAI{
		URL:          url,
		APIKey:       apiKey,
		Model:        model,
		SystemPrompt: defaultPrompt,
		Client:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *OpenAI) Respond(ctx context.Context, message string, history []domain.Message) (Reply, error) {
	msgs := make([]chatMessage, 0, len(history)+2)
	msgs = append(msgs, chatMessage{Role: "system", Content: o.SystemPrompt})
	for _, m := range history {
		switch m.Type {
		case domain.MessageUser:
			msgs = append(msgs, chatMessage{Role: "user", Content: m.Content})
		case domain.MessageAI, domain.MessageOperator:
			msgs = append(msgs, chatMessage{Role: "assistant", Content: m.Content})
		}
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: message})

	body, err := json.Marshal(completionRequest{
		Model:       o.Model,
		Messages:    msgs,
		Temperature: 0.4,
		MaxTokens:   500,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.URL, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.APIKey)

	resp, err := o.Client.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("send completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Reply{}, fmt.Errorf("completion API error: status %d, body: %s", resp.StatusCode, string(b))
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Reply{}, fmt.Errorf("decode completion response: %w", err)
	}
	if len(out.Choices) == 0 {
		return Reply{}, fmt.Errorf("no choices in completion response")
	}
	return parseCompletion(out.Choices[0].Message.Content, out.Choices[0].FinishReason), nil
}

// parseCompletion strips the escalation marker. A truncated completion gets
// a lower confidence.
func parseCompletion(content, finishReason string) Reply {
	escalate := strings.Contains(content, EscalateMarker)
	text := strings.TrimSpace(strings.ReplaceAll(content, EscalateMarker, ""))

	confidence := 0.9
	if finishReason == "length" {
		confidence = 0.6
	}
	if escalate {
		confidence = 0.3
	}
	return Reply{Text: text, Confidence: confidence, ShouldEscalate: escalate}
}

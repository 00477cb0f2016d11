package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type CreateSessionRequest struct {
	UserName  string `json:"user_name"`
	UserEmail string `json:"user_email"`
	UserID    string `json:"user_id"`
}

type SendMessageRequest struct {
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// SendMessageResponse is returned for a visitor message. AIMessage is set
// when the automated responder answered.
type SendMessageResponse struct {
	Message         Message  `json:"message"`
	AIMessage       *Message `json:"ai_message,omitempty"`
	SuggestOperator bool     `json:"suggest_operator"`
	SpamWarning     bool     `json:"spam_warning,omitempty"`
}

type RequestOperatorResponse struct {
	Status            SessionStatus `json:"status"`
	OperatorAvailable bool          `json:"operator_available"`
}

type TransferRequest struct {
	ToOperatorID uuid.UUID `json:"to_operator_id"`
	Reason       string    `json:"reason"`
}

type PriorityRequest struct {
	Priority Priority `json:"priority"`
}

type TagsRequest struct {
	Tags []string `json:"tags"`
}

type NoteRequest struct {
	Content string `json:"content"`
}

type RatingRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

type AvailabilityRequest struct {
	IsAvailable bool `json:"is_available"`
}

// SessionView is a session plus presence data that is not persisted.
type SessionView struct {
	ChatSession
	OperatorOnline bool   `json:"operator_online"`
	OperatorName   string `json:"operator_name,omitempty"`
}

// SessionFilter selects sessions for listing. Deleted sessions are never
// listed; nil Archived or Flagged matches both.
type SessionFilter struct {
	Status     SessionStatus
	OperatorID *uuid.UUID
	UserID     string
	Archived   *bool
	Flagged    *bool
	Limit      int
}

type FlagRequest struct {
	Reason string `json:"reason"`
}

// SessionHistory is one past conversation of a visitor with its latest
// messages.
type SessionHistory struct {
	ChatSession
	Messages     []Message `json:"messages"`
	MessageCount int       `json:"message_count"`
}

// RatingFilter selects rated sessions by the operator who closed them and
// by rating time.
type RatingFilter struct {
	OperatorID *uuid.UUID
	From       *time.Time
	To         *time.Time
}

type OperatorRating struct {
	OperatorID    uuid.UUID `json:"operator_id"`
	OperatorName  string    `json:"operator_name,omitempty"`
	TotalRatings  int       `json:"total_ratings"`
	AverageRating float64   `json:"average_rating"`
}

type RatingEntry struct {
	SessionID  uuid.UUID  `json:"session_id"`
	UserName   string     `json:"user_name,omitempty"`
	UserEmail  string     `json:"user_email,omitempty"`
	OperatorID *uuid.UUID `json:"operator_id,omitempty"`
	Rating     int        `json:"rating"`
	Comment    string     `json:"comment,omitempty"`
	RatedAt    time.Time  `json:"rated_at"`
}

// RatingsAnalytics summarizes visitor ratings. Distribution is keyed by
// star value 1 to 5; Recent holds the latest ratings, newest first.
type RatingsAnalytics struct {
	TotalRatings  int              `json:"total_ratings"`
	AverageRating float64          `json:"average_rating"`
	Distribution  map[int]int      `json:"distribution"`
	Operators     []OperatorRating `json:"operator_stats"`
	Recent        []RatingEntry    `json:"ratings"`
}

// WebSocketMessage is what clients send over a websocket.
type WebSocketMessage struct {
	Type      string          `json:"type"`
	SessionID uuid.UUID       `json:"session_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// WebSocketResponse is a direct reply to one client (pong, errors, join acks).
type WebSocketResponse struct {
	Type    string      `json:"type"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type TypingRequest struct {
	IsTyping bool `json:"is_typing"`
}

type ConnectionStatusResponse struct {
	VisitorConnected  bool     `json:"visitor_connected"`
	OperatorConnected bool     `json:"operator_connected"`
	Typing            []string `json:"typing,omitempty"`
}

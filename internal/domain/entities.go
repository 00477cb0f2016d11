package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type SessionStatus string

const (
	StatusActive       SessionStatus = "ACTIVE"
	StatusWaiting      SessionStatus = "WAITING"
	StatusWithOperator SessionStatus = "WITH_OPERATOR"
	StatusClosed       SessionStatus = "CLOSED"
)

// Open reports whether the session can still receive messages.
func (s SessionStatus) Open() bool {
	return s == StatusActive || s == StatusWaiting || s == StatusWithOperator
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ClosureReason is recorded only when a session enters CLOSED.
type ClosureReason string

const (
	ClosureOperatorClosed        ClosureReason = "OPERATOR_CLOSED"
	ClosureUserEnded             ClosureReason = "USER_ENDED"
	ClosureOperatorTimeout       ClosureReason = "OPERATOR_TIMEOUT"
	ClosureWaitingTimeout        ClosureReason = "WAITING_TIMEOUT"
	ClosureUserDisconnectTimeout ClosureReason = "USER_DISCONNECTED_TIMEOUT"
	ClosureUserInactivityTimeout ClosureReason = "USER_INACTIVITY_TIMEOUT"
	ClosureAIInactivityTimeout   ClosureReason = "AI_INACTIVITY_TIMEOUT"
)

type MessageType string

const (
	MessageUser     MessageType = "USER"
	MessageOperator MessageType = "OPERATOR"
	MessageAI       MessageType = "AI"
	MessageSystem   MessageType = "SYSTEM"
)

// ChatSession is one visitor conversation. UserActiveAt is the last visitor
// message or presence confirmation. Archive and flag marks are operator
// bookkeeping and do not affect the status; DeletedAt hides the session.
type ChatSession struct {
	ID             uuid.UUID      `gorm:"type:varchar(36);primaryKey" json:"id"`
	Status         SessionStatus  `gorm:"size:20;index;not null" json:"status"`
	OperatorID     *uuid.UUID     `gorm:"type:varchar(36);index" json:"operator_id,omitempty"`
	LastOperatorID *uuid.UUID     `gorm:"type:varchar(36)" json:"last_operator_id,omitempty"`
	UserName       string         `gorm:"size:100" json:"user_name,omitempty"`
	UserEmail      string         `gorm:"size:255" json:"user_email,omitempty"`
	UserID         string         `gorm:"size:64;index" json:"user_id,omitempty"`
	UnreadCount    int            `gorm:"not null;default:0" json:"unread_count"`
	Priority       Priority       `gorm:"size:10;not null;default:'NORMAL'" json:"priority"`
	Tags           datatypes.JSON `json:"tags,omitempty"`
	ClosureReason  ClosureReason  `gorm:"size:40" json:"closure_reason,omitempty"`
	ClosedAt       *time.Time     `json:"closed_at,omitempty"`
	Rating         *int           `json:"rating,omitempty"`
	RatingComment  string         `gorm:"size:1000" json:"rating_comment,omitempty"`
	RatedAt        *time.Time     `gorm:"index" json:"rated_at,omitempty"`
	IsArchived     bool           `gorm:"not null;default:false;index" json:"is_archived"`
	ArchivedAt     *time.Time     `json:"archived_at,omitempty"`
	ArchivedBy     *uuid.UUID     `gorm:"type:varchar(36)" json:"archived_by,omitempty"`
	IsFlagged      bool           `gorm:"not null;default:false;index" json:"is_flagged"`
	FlagReason     string         `gorm:"size:500" json:"flag_reason,omitempty"`
	FlaggedAt      *time.Time     `json:"flagged_at,omitempty"`
	FlaggedBy      *uuid.UUID     `gorm:"type:varchar(36)" json:"flagged_by,omitempty"`
	DeletedAt      *time.Time     `gorm:"index" json:"deleted_at,omitempty"`
	MessageSeq     int64          `gorm:"not null;default:0" json:"message_seq"`
	LastMessageAt  time.Time      `gorm:"precision:6;index" json:"last_message_at"`
	UserActiveAt   *time.Time     `gorm:"precision:6" json:"user_active_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (ChatSession) TableName() string {
	return "chat_sessions"
}

// CheckInvariant verifies that an operator is assigned exactly when the
// session is WITH_OPERATOR and that closure data only exists on CLOSED
// sessions.
func (s *ChatSession) CheckInvariant() error {
	if (s.OperatorID != nil) != (s.Status == StatusWithOperator) {
		return fmt.Errorf("session %s: operator assignment %v inconsistent with status %s",
			s.ID, s.OperatorID != nil, s.Status)
	}
	if s.Status != StatusClosed && (s.ClosureReason != "" || s.ClosedAt != nil) {
		return fmt.Errorf("session %s: closure data on %s session", s.ID, s.Status)
	}
	return nil
}

// Attachment describes a file uploaded elsewhere and referenced by a message.
type Attachment struct {
	URL      string `gorm:"size:1024" json:"url,omitempty"`
	Name     string `gorm:"size:255" json:"name,omitempty"`
	MimeType string `gorm:"size:100" json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is an immutable transcript entry. Seq and CreatedAt are strictly
// increasing within a session.
type Message struct {
	ID                uuid.UUID   `gorm:"type:varchar(36);primaryKey" json:"id"`
	SessionID         uuid.UUID   `gorm:"type:varchar(36);not null;index:idx_messages_session_seq,priority:1" json:"session_id"`
	Seq               int64       `gorm:"not null;index:idx_messages_session_seq,priority:2" json:"seq"`
	Type              MessageType `gorm:"size:10;not null" json:"type"`
	Content           string      `gorm:"type:text;not null" json:"content"`
	OperatorID        *uuid.UUID  `gorm:"type:varchar(36)" json:"operator_id,omitempty"`
	OperatorName      string      `gorm:"size:100" json:"operator_name,omitempty"`
	AIConfidence      *float64    `json:"ai_confidence,omitempty"`
	AISuggestOperator bool        `gorm:"not null;default:false" json:"ai_suggest_operator,omitempty"`
	Attachment        *Attachment `gorm:"embedded;embeddedPrefix:attachment_" json:"attachment,omitempty"`
	CreatedAt         time.Time   `gorm:"precision:6" json:"created_at"`
}

func (Message) TableName() string {
	return "chat_messages"
}

// InternalNote is visible to operators only. Only its author may change it.
type InternalNote struct {
	ID         uuid.UUID `gorm:"type:varchar(36);primaryKey" json:"id"`
	SessionID  uuid.UUID `gorm:"type:varchar(36);not null;index" json:"session_id"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	AuthorID   uuid.UUID `gorm:"type:varchar(36);not null" json:"author_id"`
	AuthorName string    `gorm:"size:100" json:"author_name"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (InternalNote) TableName() string {
	return "chat_internal_notes"
}

type Operator struct {
	ID                uuid.UUID `gorm:"type:varchar(36);primaryKey" json:"id"`
	Name              string    `gorm:"size:100;not null" json:"name"`
	Email             string    `gorm:"size:255;index" json:"email"`
	IsAvailable       bool      `gorm:"not null;default:false;index" json:"is_available"`
	TotalChatsHandled int       `gorm:"not null;default:0" json:"total_chats_handled"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (Operator) TableName() string {
	return "operators"
}

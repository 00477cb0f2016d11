package domain

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventNewChatCreated        EventType = "new_chat_created"
	EventNewChatRequest        EventType = "new_chat_request"
	EventChatWaitingOperator   EventType = "chat_waiting_operator"
	EventOperatorRequestSent   EventType = "operator_request_sent"
	EventChatRequestCancelled  EventType = "chat_request_cancelled"
	EventOperatorWaitTimeout   EventType = "operator_wait_timeout"
	EventChatAccepted          EventType = "chat_accepted"
	EventOperatorJoined        EventType = "operator_joined"
	EventAIChatIntervened      EventType = "ai_chat_intervened"
	EventUserMessage           EventType = "user_message"
	EventOperatorMessage       EventType = "operator_message"
	EventAIChatUpdated         EventType = "ai_chat_updated"
	EventChatClosed            EventType = "chat_closed"
	EventChatReopened          EventType = "chat_reopened"
	EventChatTransferred       EventType = "chat_transferred"
	EventOperatorNotResponding EventType = "operator_not_responding"
	EventChatTimeoutCancelled  EventType = "chat_timeout_cancelled"
	EventUserPresenceCheck     EventType = "user_presence_check"
	EventUserInactivityWarning EventType = "user_inactivity_warning"
	EventUserConfirmedPresence EventType = "user_confirmed_presence"
	EventOperatorDisconnected  EventType = "operator_disconnected"
	EventOperatorReconnected   EventType = "operator_reconnected"
	EventUserDisconnected      EventType = "user_disconnected"
	EventUserReconnected       EventType = "user_reconnected"
	EventUserSpamDetected      EventType = "user_spam_detected"
	EventUserNameCaptured      EventType = "user_name_captured"
	EventMessagesRead          EventType = "messages_read"
	EventPriorityChanged       EventType = "priority_changed"
	EventTagsChanged           EventType = "tags_changed"
	EventNoteAdded             EventType = "note_added"
	EventNoteUpdated           EventType = "note_updated"
	EventNoteDeleted           EventType = "note_deleted"
	EventTyping                EventType = "typing"
	EventChatArchived          EventType = "chat_archived"
	EventChatUnarchived        EventType = "chat_unarchived"
	EventChatFlagged           EventType = "chat_flagged"
	EventChatUnflagged         EventType = "chat_unflagged"
	EventChatDeleted           EventType = "chat_deleted"
)

// Event is one of the variants below. The set is closed: producers and the
// broadcast routing table share these types.
type Event interface {
	Type() EventType
	Session() uuid.UUID
}

// SessionRef carries the session every event belongs to.
type SessionRef struct {
	SessionID uuid.UUID `json:"session_id"`
}

func (r SessionRef) Session() uuid.UUID { return r.SessionID }

type NewChatCreated struct {
	SessionRef
	UserName  string    `json:"user_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewChatRequest is sent to one available operator.
type NewChatRequest struct {
	SessionRef
	OperatorID uuid.UUID `json:"operator_id"`
	UserName   string    `json:"user_name,omitempty"`
	Priority   Priority  `json:"priority"`
}

type ChatWaitingOperator struct {
	SessionRef
	UserName           string `json:"user_name,omitempty"`
	AvailableOperators int    `json:"available_operators"`
}

type OperatorRequestSent struct {
	SessionRef
	OperatorAvailable bool `json:"operator_available"`
}

type ChatRequestCancelled struct {
	SessionRef
}

type OperatorWaitTimeout struct {
	SessionRef
	Message string `json:"message"`
}

type ChatAccepted struct {
	SessionRef
	OperatorID   uuid.UUID `json:"operator_id"`
	OperatorName string    `json:"operator_name"`
}

type OperatorJoined struct {
	SessionRef
	OperatorID   uuid.UUID `json:"operator_id"`
	OperatorName string    `json:"operator_name"`
	Message      *Message  `json:"message,omitempty"`
}

type AIChatIntervened struct {
	SessionRef
	OperatorID   uuid.UUID `json:"operator_id"`
	OperatorName string    `json:"operator_name"`
}

// UserMessage is a visitor message; OperatorID is the owner when assigned.
type UserMessage struct {
	SessionRef
	OperatorID  *uuid.UUID `json:"operator_id,omitempty"`
	Message     Message    `json:"message"`
	UnreadCount int        `json:"unread_count"`
}

// OperatorMessage carries an OPERATOR, AI or SYSTEM message to the session room.
type OperatorMessage struct {
	SessionRef
	Message Message `json:"message"`
}

type AIChatUpdated struct {
	SessionRef
	LastMessage   string    `json:"last_message"`
	LastMessageAt time.Time `json:"last_message_at"`
	SuggestHuman  bool      `json:"suggest_human"`
}

type ChatClosed struct {
	SessionRef
	Reason     ClosureReason `json:"reason"`
	OperatorID *uuid.UUID    `json:"operator_id,omitempty"`
	Message    *Message      `json:"message,omitempty"`
}

type ChatReopened struct {
	SessionRef
	Status     SessionStatus `json:"status"`
	OperatorID *uuid.UUID    `json:"operator_id,omitempty"`
	Message    *Message      `json:"message,omitempty"`
}

type ChatTransferred struct {
	SessionRef
	FromOperatorID uuid.UUID `json:"from_operator_id"`
	ToOperatorID   uuid.UUID `json:"to_operator_id"`
	ToOperatorName string    `json:"to_operator_name"`
	Reason         string    `json:"reason,omitempty"`
}

type OperatorNotResponding struct {
	SessionRef
	OperatorID uuid.UUID `json:"operator_id"`
}

// ChatTimeoutCancelled tells the owner the response timer stopped.
type ChatTimeoutCancelled struct {
	SessionRef
	OperatorID uuid.UUID `json:"operator_id"`
}

type UserPresenceCheck struct {
	SessionRef
	Deadline time.Time `json:"deadline"`
}

type UserInactivityWarning struct {
	SessionRef
	OperatorID uuid.UUID `json:"operator_id"`
}

type UserConfirmedPresence struct {
	SessionRef
	OperatorID *uuid.UUID `json:"operator_id,omitempty"`
}

type OperatorDisconnected struct {
	SessionRef
	OperatorID uuid.UUID `json:"operator_id"`
}

type OperatorReconnected struct {
	SessionRef
	OperatorID uuid.UUID `json:"operator_id"`
}

type UserDisconnected struct {
	SessionRef
	OperatorID uuid.UUID `json:"operator_id"`
	CloseAt    time.Time `json:"close_at"`
}

type UserReconnected struct {
	SessionRef
	OperatorID uuid.UUID `json:"operator_id"`
}

// UserSpamDetected goes to the owning operator, or to the dashboard while
// nobody owns the session.
type UserSpamDetected struct {
	SessionRef
	OperatorID   *uuid.UUID `json:"operator_id,omitempty"`
	MessageCount int        `json:"message_count"`
}

type UserNameCaptured struct {
	SessionRef
	UserName   string     `json:"user_name"`
	OperatorID *uuid.UUID `json:"operator_id,omitempty"`
}

type MessagesRead struct {
	SessionRef
}

type PriorityChanged struct {
	SessionRef
	Priority Priority `json:"priority"`
}

type TagsChanged struct {
	SessionRef
	Tags []string `json:"tags"`
}

type NoteAdded struct {
	SessionRef
	Note InternalNote `json:"note"`
}

type NoteUpdated struct {
	SessionRef
	Note InternalNote `json:"note"`
}

type NoteDeleted struct {
	SessionRef
	NoteID uuid.UUID `json:"note_id"`
}

// Typing is relayed from websocket clients; Sender is "user" or "operator".
type Typing struct {
	SessionRef
	Sender   string `json:"sender"`
	IsTyping bool   `json:"is_typing"`
}

type ChatArchived struct {
	SessionRef
	OperatorID uuid.UUID `json:"operator_id"`
}

type ChatUnarchived struct {
	SessionRef
}

type ChatFlagged struct {
	SessionRef
	OperatorID uuid.UUID `json:"operator_id"`
	Reason     string    `json:"reason"`
}

type ChatUnflagged struct {
	SessionRef
}

type ChatDeleted struct {
	SessionRef
	OperatorID uuid.UUID `json:"operator_id"`
}

func (NewChatCreated) Type() EventType        { return EventNewChatCreated }
func (NewChatRequest) Type() EventType        { return EventNewChatRequest }
func (ChatWaitingOperator) Type() EventType   { return EventChatWaitingOperator }
func (OperatorRequestSent) Type() EventType   { return EventOperatorRequestSent }
func (ChatRequestCancelled) Type() EventType  { return EventChatRequestCancelled }
func (OperatorWaitTimeout) Type() EventType   { return EventOperatorWaitTimeout }
func (ChatAccepted) Type() EventType          { return EventChatAccepted }
func (OperatorJoined) Type() EventType        { return EventOperatorJoined }
func (AIChatIntervened) Type() EventType      { return EventAIChatIntervened }
func (UserMessage) Type() EventType           { return EventUserMessage }
func (OperatorMessage) Type() EventType       { return EventOperatorMessage }
func (AIChatUpdated) Type() EventType         { return EventAIChatUpdated }
func (ChatClosed) Type() EventType            { return EventChatClosed }
func (ChatReopened) Type() EventType          { return EventChatReopened }
func (ChatTransferred) Type() EventType       { return EventChatTransferred }
func (OperatorNotResponding) Type() EventType { return EventOperatorNotResponding }
func (ChatTimeoutCancelled) Type() EventType  { return EventChatTimeoutCancelled }
func (UserPresenceCheck) Type() EventType     { return EventUserPresenceCheck }
func (UserInactivityWarning) Type() EventType { return EventUserInactivityWarning }
func (UserConfirmedPresence) Type() EventType { return EventUserConfirmedPresence }
func (OperatorDisconnected) Type() EventType  { return EventOperatorDisconnected }
func (OperatorReconnected) Type() EventType   { return EventOperatorReconnected }
func (UserDisconnected) Type() EventType      { return EventUserDisconnected }
func (UserReconnected) Type() EventType       { return EventUserReconnected }
func (UserSpamDetected) Type() EventType      { return EventUserSpamDetected }
func (UserNameCaptured) Type() EventType      { return EventUserNameCaptured }
func (MessagesRead) Type() EventType          { return EventMessagesRead }
func (PriorityChanged) Type() EventType       { return EventPriorityChanged }
func (TagsChanged) Type() EventType           { return EventTagsChanged }
func (NoteAdded) Type() EventType             { return EventNoteAdded }
func (NoteUpdated) Type() EventType           { return EventNoteUpdated }
func (NoteDeleted) Type() EventType           { return EventNoteDeleted }
func (Typing) Type() EventType                { return EventTyping }
func (ChatArchived) Type() EventType          { return EventChatArchived }
func (ChatUnarchived) Type() EventType        { return EventChatUnarchived }
func (ChatFlagged) Type() EventType           { return EventChatFlagged }
func (ChatUnflagged) Type() EventType         { return EventChatUnflagged }
func (ChatDeleted) Type() EventType           { return EventChatDeleted }

var eventFactories = map[EventType]func() Event{
	EventNewChatCreated:        func() Event { return &NewChatCreated{} },
	EventNewChatRequest:        func() Event { return &NewChatRequest{} },
	EventChatWaitingOperator:   func() Event { return &ChatWaitingOperator{} },
	EventOperatorRequestSent:   func() Event { return &OperatorRequestSent{} },
	EventChatRequestCancelled:  func() Event { return &ChatRequestCancelled{} },
	EventOperatorWaitTimeout:   func() Event { return &OperatorWaitTimeout{} },
	EventChatAccepted:          func() Event { return &ChatAccepted{} },
	EventOperatorJoined:        func() Event { return &OperatorJoined{} },
	EventAIChatIntervened:      func() Event { return &AIChatIntervened{} },
	EventUserMessage:           func() Event { return &UserMessage{} },
	EventOperatorMessage:       func() Event { return &OperatorMessage{} },
	EventAIChatUpdated:         func() Event { return &AIChatUpdated{} },
	EventChatClosed:            func() Event { return &ChatClosed{} },
	EventChatReopened:          func() Event { return &ChatReopened{} },
	EventChatTransferred:       func() Event { return &ChatTransferred{} },
	EventOperatorNotResponding: func() Event { return &OperatorNotResponding{} },
	EventChatTimeoutCancelled:  func() Event { return &ChatTimeoutCancelled{} },
	EventUserPresenceCheck:     func() Event { return &UserPresenceCheck{} },
	EventUserInactivityWarning: func() Event { return &UserInactivityWarning{} },
	EventUserConfirmedPresence: func() Event { return &UserConfirmedPresence{} },
	EventOperatorDisconnected:  func() Event { return &OperatorDisconnected{} },
	EventOperatorReconnected:   func() Event { return &OperatorReconnected{} },
	EventUserDisconnected:      func() Event { return &UserDisconnected{} },
	EventUserReconnected:       func() Event { return &UserReconnected{} },
	EventUserSpamDetected:      func() Event { return &UserSpamDetected{} },
	EventUserNameCaptured:      func() Event { return &UserNameCaptured{} },
	EventMessagesRead:          func() Event { return &MessagesRead{} },
	EventPriorityChanged:       func() Event { return &PriorityChanged{} },
	EventTagsChanged:           func() Event { return &TagsChanged{} },
	EventNoteAdded:             func() Event { return &NoteAdded{} },
	EventNoteUpdated:           func() Event { return &NoteUpdated{} },
	EventNoteDeleted:           func() Event { return &NoteDeleted{} },
	EventTyping:                func() Event { return &Typing{} },
	EventChatArchived:          func() Event { return &ChatArchived{} },
	EventChatUnarchived:        func() Event { return &ChatUnarchived{} },
	EventChatFlagged:           func() Event { return &ChatFlagged{} },
	EventChatUnflagged:         func() Event { return &ChatUnflagged{} },
	EventChatDeleted:           func() Event { return &ChatDeleted{} },
}

// DecodeEvent rebuilds a typed event from its wire form. Unknown types are
// rejected so a newer producer cannot push payloads this instance does not
// understand.
func DecodeEvent(t EventType, raw json.RawMessage) (Event, error) {
	factory, ok := eventFactories[t]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	ev := factory()
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	// Variants are handled by value everywhere else.
	return reflect.ValueOf(ev).Elem().Interface().(Event), nil
}

package broadcast

import (
	"github.com/google/uuid"

	"livechat-ws/internal/domain"
)

const DashboardRoom = "dashboard"

func OperatorRoom(id uuid.UUID) string { return "operator_" + id.String() }

func SessionRoom(id uuid.UUID) string { return "chat_" + id.String() }

// Route is the routing table: the rooms an event is delivered to.
func Route(ev domain.Event) []string {
	chat := SessionRoom(ev.Session())
	switch e := ev.(type) {
	case domain.NewChatCreated, domain.ChatWaitingOperator, domain.ChatAccepted,
		domain.AIChatIntervened, domain.AIChatUpdated, domain.MessagesRead,
		domain.PriorityChanged, domain.TagsChanged,
		domain.NoteAdded, domain.NoteUpdated, domain.NoteDeleted,
		domain.ChatArchived, domain.ChatUnarchived, domain.ChatFlagged, domain.ChatUnflagged,
		domain.ChatDeleted:
		return []string{DashboardRoom}
	case domain.NewChatRequest:
		return []string{OperatorRoom(e.OperatorID)}
	case domain.OperatorRequestSent, domain.OperatorJoined, domain.OperatorMessage,
		domain.UserPresenceCheck, domain.OperatorDisconnected, domain.OperatorReconnected,
		domain.Typing:
		return []string{chat}
	case domain.ChatRequestCancelled, domain.OperatorWaitTimeout:
		return []string{chat, DashboardRoom}
	case domain.UserMessage:
		return withOperator([]string{chat}, e.OperatorID)
	case domain.ChatClosed:
		return withOperator([]string{chat, DashboardRoom}, e.OperatorID)
	case domain.ChatReopened:
		return withOperator([]string{chat, DashboardRoom}, e.OperatorID)
	case domain.ChatTransferred:
		return []string{chat, DashboardRoom, OperatorRoom(e.FromOperatorID), OperatorRoom(e.ToOperatorID)}
	case domain.OperatorNotResponding:
		return []string{chat, DashboardRoom, OperatorRoom(e.OperatorID)}
	case domain.UserConfirmedPresence:
		return withOperator([]string{chat}, e.OperatorID)
	case domain.UserNameCaptured:
		return withOperator([]string{DashboardRoom}, e.OperatorID)
	case domain.ChatTimeoutCancelled:
		return []string{OperatorRoom(e.OperatorID)}
	case domain.UserInactivityWarning:
		return []string{OperatorRoom(e.OperatorID)}
	case domain.UserDisconnected:
		return []string{OperatorRoom(e.OperatorID)}
	case domain.UserReconnected:
		return []string{OperatorRoom(e.OperatorID)}
	case domain.UserSpamDetected:
		return withOperatorOr(DashboardRoom, e.OperatorID)
	}
	return nil
}

// withOperatorOr is the operator's room, or fallback while nobody owns the
// session.
func withOperatorOr(fallback string, op *uuid.UUID) []string {
	if op == nil {
		return []string{fallback}
	}
	return []string{OperatorRoom(*op)}
}

func withOperator(rooms []string, op *uuid.UUID) []string {
	if op != nil {
		rooms = append(rooms, OperatorRoom(*op))
	}
	return rooms
}

package delivery

import (
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"livechat-ws/internal/domain"
)

func statusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeNotFound:
		return fiber.StatusNotFound
	case domain.CodeInvalidTransition, domain.CodeAlreadyAccepted:
		return fiber.StatusConflict
	case domain.CodeForbidden:
		return fiber.StatusForbidden
	case domain.CodeRateLimited:
		return fiber.StatusTooManyRequests
	case domain.CodeExpired:
		return fiber.StatusGone
	case domain.CodeValidation:
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

// fail renders a chat error. Internal failures are logged and their detail
// is not sent to the client.
func (s *Server) fail(c *fiber.Ctx, err error) error {
	var de *domain.Error
	if !errors.As(err, &de) {
		de = domain.Internal(err, "unexpected error")
	}
	status := statusFor(de.Code)
	message := de.Message
	if status == fiber.StatusInternalServerError {
		s.log.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
		message = "Internal server error"
	}
	if de.Code == domain.CodeRateLimited {
		secs := int(math.Ceil(de.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(secs))
	}
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"message": message,
		"error":   fiber.Map{"code": de.Code},
	})
}

func respond(c *fiber.Ctx, status int, message string, data interface{}) error {
	body := fiber.Map{"success": true, "message": message}
	if data != nil {
		body["data"] = data
	}
	return c.Status(status).JSON(body)
}

func pathID(c *fiber.Ctx, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params(name))
	if err != nil {
		return uuid.Nil, domain.Validation("invalid %s", name)
	}
	return id, nil
}

// queryBool parses an optional true/false query parameter.
func queryBool(c *fiber.Ctx, name string) (*bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, domain.Validation("invalid %s", name)
	}
	return &v, nil
}

// queryTime parses an optional RFC 3339 timestamp or a plain date.
func queryTime(c *fiber.Ctx, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, domain.Validation("invalid %s", name)
}

func bind(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return domain.Validation("invalid request body")
	}
	return nil
}

func (s *Server) handleCreateSession(c *fiber.Ctx) error {
	var req domain.CreateSessionRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	sess, err := s.chat.CreateSession(c.UserContext(), req)
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusCreated, "Chat session created", sess)
}

func (s *Server) handleGetSession(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	view, err := s.chat.GetSession(c.UserContext(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Chat session retrieved", view)
}

func (s *Server) handleListMessages(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	msgs, err := s.chat.ListMessages(c.UserContext(), id, c.QueryInt("limit", 0))
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Messages retrieved", msgs)
}

func (s *Server) handleConnectionStatus(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	status, err := s.chat.ConnectionStatus(c.UserContext(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Connection status retrieved successfully", status)
}

func (s *Server) handleSendUserMessage(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	var req domain.SendMessageRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	out, err := s.chat.SendUserMessage(c.UserContext(), id, req)
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusCreated, "Message sent", out)
}

func (s *Server) handleRequestOperator(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	out, err := s.chat.RequestOperator(c.UserContext(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Operator request processed", out)
}

func (s *Server) handleCancelOperatorRequest(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.chat.CancelOperatorRequest(c.UserContext(), id); err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Operator request cancelled", nil)
}

func (s *Server) handleReopen(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	sess, err := s.chat.ReopenSession(c.UserContext(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Chat session reopened", sess)
}

func (s *Server) handleEndConversation(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.chat.EndConversation(c.UserContext(), id); err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Conversation ended", nil)
}

func (s *Server) handleRating(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	var req domain.RatingRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	if err := s.chat.SubmitRating(c.UserContext(), id, req.Rating, req.Comment); err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Rating submitted", nil)
}

func (s *Server) handleListSessions(c *fiber.Ctx) error {
	filter := domain.SessionFilter{
		Status: domain.SessionStatus(c.Query("status")),
		Limit:  c.QueryInt("limit", 0),
	}
	var err error
	if filter.Archived, err = queryBool(c, "archived"); err != nil {
		return s.fail(c, err)
	}
	if filter.Flagged, err = queryBool(c, "flagged"); err != nil {
		return s.fail(c, err)
	}
	if c.Query("mine") == "true" {
		op := operatorID(c)
		filter.OperatorID = &op
	}
	sessions, err := s.chat.ListSessions(c.UserContext(), filter)
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Chat sessions retrieved", sessions)
}

func (s *Server) handleAccept(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	sess, err := s.chat.AcceptChat(c.UserContext(), id, operatorID(c))
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Chat accepted", sess)
}

func (s *Server) handleIntervene(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	sess, err := s.chat.Intervene(c.UserContext(), id, operatorID(c))
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Operator joined the chat", sess)
}

func (s *Server) handleOperatorMessage(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	var req domain.SendMessageRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	msg, err := s.chat.SendOperatorMessage(c.UserContext(), id, operatorID(c), req)
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusCreated, "Message sent", msg)
}

func (s *Server) handleClose(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.chat.CloseSession(c.UserContext(), id, operatorID(c)); err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Chat session closed", nil)
}

func (s *Server) handleMarkRead(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.chat.MarkRead(c.UserContext(), id); err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Messages marked as read", nil)
}

func (s *Server) handleTransfer(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	var req domain.TransferRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	if err := s.chat.TransferSession(c.UserContext(), id, operatorID(c), req.ToOperatorID, req.Reason); err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Chat transferred", nil)
}

func (s *Server) handlePriority(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	var req domain.PriorityRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	if err := s.chat.UpdatePriority(c.UserContext(), id, req.Priority); err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Priority updated", fiber.Map{"priority": req.Priority})
}

func (s *Server) handleTags(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	var req domain.TagsRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	tags, err := s.chat.UpdateTags(c.UserContext(), id, req.Tags)
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Tags updated", fiber.Map{"tags": tags})
}

func (s *Server) handleListNotes(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	notes, err := s.chat.ListNotes(c.UserContext(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Notes retrieved", notes)
}

func (s *Server) handleAddNote(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	var req domain.NoteRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	note, err := s.chat.AddNote(c.UserContext(), id, operatorID(c), req.Content)
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusCreated, "Note added", note)
}

func (s *Server) handleUpdateNote(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	noteID, err := pathID(c, "note_id")
	if err != nil {
		return s.fail(c, err)
	}
	var req domain.NoteRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	note, err := s.chat.UpdateNote(c.UserContext(), id, noteID, operatorID(c), req.Content)
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Note updated", note)
}

func (s *Server) handleDeleteNote(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	noteID, err := pathID(c, "note_id")
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.chat.DeleteNote(c.UserContext(), id, noteID, operatorID(c)); err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Note deleted", nil)
}

func (s *Server) handleAvailability(c *fiber.Ctx) error {
	var req domain.AvailabilityRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	if err := s.chat.SetOperatorAvailability(c.UserContext(), operatorID(c), req.IsAvailable); err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Availability updated", fiber.Map{"is_available": req.IsAvailable})
}

func (s *Server) handleDeleteSession(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.chat.DeleteSession(c.UserContext(), id, operatorID(c)); err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Chat session deleted", nil)
}

func (s *Server) handleArchive(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.chat.ArchiveSession(c.UserContext(), id, operatorID(c)); err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Chat session archived", nil)
}

func (s *Server) handleUnarchive(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.chat.UnarchiveSession(c.UserContext(), id); err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Chat session unarchived", nil)
}

func (s *Server) handleFlag(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	var req domain.FlagRequest
	if len(c.Body()) > 0 {
		if err := bind(c, &req); err != nil {
			return s.fail(c, err)
		}
	}
	if err := s.chat.FlagSession(c.UserContext(), id, operatorID(c), req.Reason); err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Chat session flagged", nil)
}

func (s *Server) handleUnflag(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.chat.UnflagSession(c.UserContext(), id); err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Chat session unflagged", nil)
}

func (s *Server) handleUserHistory(c *fiber.Ctx) error {
	history, err := s.chat.UserHistory(c.UserContext(), c.Params("user_id"))
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "User history retrieved", history)
}

func (s *Server) handleRatingsAnalytics(c *fiber.Ctx) error {
	var (
		filter domain.RatingFilter
		err    error
	)
	if raw := c.Query("operator_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return s.fail(c, domain.Validation("invalid operator_id"))
		}
		filter.OperatorID = &id
	}
	if filter.From, err = queryTime(c, "start_date"); err != nil {
		return s.fail(c, err)
	}
	if filter.To, err = queryTime(c, "end_date"); err != nil {
		return s.fail(c, err)
	}
	analytics, err := s.chat.RatingsAnalytics(c.UserContext(), filter)
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, "Ratings analytics retrieved", analytics)
}

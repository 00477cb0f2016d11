package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// SessionPatch is a partial update of a ChatSession. Nil fields are left
// untouched. Store adapters translate it to a column update; the in-memory
// store applies it with Apply.
type SessionPatch struct {
	Status         *SessionStatus
	OperatorID     *uuid.UUID
	ClearOperator  bool
	LastOperatorID *uuid.UUID
	ClosureReason  *ClosureReason
	ClosedAt       *time.Time
	ClearClosure   bool
	UserName       *string
	UnreadDelta    int
	ResetUnread    bool
	Priority       *Priority
	Tags           datatypes.JSON
	Rating         *int
	RatingComment  *string
	MessageSeq     *int64
	LastMessageAt  *time.Time
	UserActiveAt   *time.Time
	RatedAt        *time.Time
	Archive        *Mark
	Flag           *Mark
	DeletedAt      *time.Time
}

// Mark sets or clears an archive or flag mark. A zero Mark clears it.
type Mark struct {
	By     *uuid.UUID
	At     *time.Time
	Reason string
}

func (m Mark) set() bool { return m.At != nil }

// Merge folds other into p; fields set in other win.
func (p SessionPatch) Merge(other SessionPatch) SessionPatch {
	if other.Status != nil {
		p.Status = other.Status
	}
	if other.OperatorID != nil {
		p.OperatorID = other.OperatorID
		p.ClearOperator = false
	}
	if other.ClearOperator {
		p.ClearOperator = true
		p.OperatorID = nil
	}
	if other.LastOperatorID != nil {
		p.LastOperatorID = other.LastOperatorID
	}
	if other.ClosureReason != nil {
		p.ClosureReason = other.ClosureReason
		p.ClearClosure = false
	}
	if other.ClosedAt != nil {
		p.ClosedAt = other.ClosedAt
	}
	if other.ClearClosure {
		p.ClearClosure = true
		p.ClosureReason = nil
		p.ClosedAt = nil
	}
	if other.UserName != nil {
		p.UserName = other.UserName
	}
	p.UnreadDelta += other.UnreadDelta
	if other.ResetUnread {
		p.ResetUnread = true
		p.UnreadDelta = 0
	}
	if other.Priority != nil {
		p.Priority = other.Priority
	}
	if other.Tags != nil {
		p.Tags = other.Tags
	}
	if other.Rating != nil {
		p.Rating = other.Rating
	}
	if other.RatingComment != nil {
		p.RatingComment = other.RatingComment
	}
	if other.MessageSeq != nil {
		p.MessageSeq = other.MessageSeq
	}
	if other.LastMessageAt != nil {
		p.LastMessageAt = other.LastMessageAt
	}
	if other.UserActiveAt != nil {
		p.UserActiveAt = other.UserActiveAt
	}
	if other.RatedAt != nil {
		p.RatedAt = other.RatedAt
	}
	if other.Archive != nil {
		p.Archive = other.Archive
	}
	if other.Flag != nil {
		p.Flag = other.Flag
	}
	if other.DeletedAt != nil {
		p.DeletedAt = other.DeletedAt
	}
	return p
}

// Apply writes the patch onto s.
func (p SessionPatch) Apply(s *ChatSession) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.ClearOperator {
		s.OperatorID = nil
	} else if p.OperatorID != nil {
		id := *p.OperatorID
		s.OperatorID = &id
	}
	if p.LastOperatorID != nil {
		id := *p.LastOperatorID
		s.LastOperatorID = &id
	}
	if p.ClearClosure {
		s.ClosureReason = ""
		s.ClosedAt = nil
	} else {
		if p.ClosureReason != nil {
			s.ClosureReason = *p.ClosureReason
		}
		if p.ClosedAt != nil {
			at := *p.ClosedAt
			s.ClosedAt = &at
		}
	}
	if p.UserName != nil {
		s.UserName = *p.UserName
	}
	if p.ResetUnread {
		s.UnreadCount = 0
	} else {
		s.UnreadCount += p.UnreadDelta
	}
	if p.Priority != nil {
		s.Priority = *p.Priority
	}
	if p.Tags != nil {
		s.Tags = append(datatypes.JSON(nil), p.Tags...)
	}
	if p.Rating != nil {
		r := *p.Rating
		s.Rating = &r
	}
	if p.RatingComment != nil {
		s.RatingComment = *p.RatingComment
	}
	if p.MessageSeq != nil {
		s.MessageSeq = *p.MessageSeq
	}
	if p.LastMessageAt != nil {
		s.LastMessageAt = *p.LastMessageAt
	}
	if p.UserActiveAt != nil {
		at := *p.UserActiveAt
		s.UserActiveAt = &at
	}
	if p.RatedAt != nil {
		at := *p.RatedAt
		s.RatedAt = &at
	}
	if m := p.Archive; m != nil {
		s.IsArchived = m.set()
		s.ArchivedAt, s.ArchivedBy = copyTime(m.At), copyID(m.By)
	}
	if m := p.Flag; m != nil {
		s.IsFlagged = m.set()
		s.FlaggedAt, s.FlaggedBy = copyTime(m.At), copyID(m.By)
		s.FlagReason = ""
		if m.set() {
			s.FlagReason = m.Reason
		}
	}
	if p.DeletedAt != nil {
		at := *p.DeletedAt
		s.DeletedAt = &at
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// Transition builders keep the operator/status invariant in one place.

// AssignOperator moves the session to WITH_OPERATOR owned by operatorID.
func AssignOperator(operatorID uuid.UUID) SessionPatch {
	status := StatusWithOperator
	return SessionPatch{Status: &status, OperatorID: &operatorID, ClearClosure: true}
}

// ToStatus moves the session to an unowned open status (ACTIVE or WAITING).
func ToStatus(status SessionStatus) SessionPatch {
	return SessionPatch{Status: &status, ClearOperator: true}
}

// Close moves the session to CLOSED, remembering the previous operator so a
// reopen can return the conversation to them.
func Close(s *ChatSession, reason ClosureReason, at time.Time) SessionPatch {
	status := StatusClosed
	patch := SessionPatch{
		Status:        &status,
		ClearOperator: true,
		ClosureReason: &reason,
		ClosedAt:      &at,
	}
	if s.OperatorID != nil {
		last := *s.OperatorID
		patch.LastOperatorID = &last
	}
	return patch
}

// Archive marks the session archived by operatorID.
func Archive(operatorID uuid.UUID, at time.Time) SessionPatch {
	return SessionPatch{Archive: &Mark{By: &operatorID, At: &at}}
}

func Unarchive() SessionPatch {
	return SessionPatch{Archive: &Mark{}}
}

// Flag marks the session for review with reason.
func Flag(operatorID uuid.UUID, reason string, at time.Time) SessionPatch {
	return SessionPatch{Flag: &Mark{By: &operatorID, At: &at, Reason: reason}}
}

func Unflag() SessionPatch {
	return SessionPatch{Flag: &Mark{}}
}

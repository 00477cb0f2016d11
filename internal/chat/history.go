package chat

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"livechat-ws/internal/domain"
)

const (
	historyMessageLimit = 100
	recentRatingsLimit  = 50
)

// UserHistory returns every conversation of one visitor, newest first, each
// with its latest messages.
func (s *Service) UserHistory(ctx context.Context, userID string) ([]domain.SessionHistory, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.Validation("user id is required")
	}
	sessions, err := s.store.ListSessions(ctx, domain.SessionFilter{UserID: userID})
	if err != nil {
		return nil, domain.Internal(err, "list sessions of user %s", userID)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})

	out := make([]domain.SessionHistory, 0, len(sessions))
	for _, sess := range sessions {
		msgs, err := s.store.ListMessages(ctx, sess.ID, historyMessageLimit)
		if err != nil {
			return nil, s.translate(err, "session %s", sess.ID)
		}
		out = append(out, domain.SessionHistory{ChatSession: sess, Messages: msgs, MessageCount: len(msgs)})
	}
	return out, nil
}

// RatingsAnalytics aggregates visitor ratings. Ratings are attributed to the
// operator who last owned the session.
func (s *Service) RatingsAnalytics(ctx context.Context, filter domain.RatingFilter) (*domain.RatingsAnalytics, error) {
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, domain.Validation("start date is after end date")
	}
	rated, err := s.store.ListRatedSessions(ctx, filter)
	if err != nil {
		return nil, domain.Internal(err, "list ratings")
	}

	out := &domain.RatingsAnalytics{
		TotalRatings: len(rated),
		Distribution: map[int]int{1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		Operators:    []domain.OperatorRating{},
		Recent:       []domain.RatingEntry{},
	}
	var (
		sum   int
		sums  = make(map[uuid.UUID]int)
		byOp  = make(map[uuid.UUID]*domain.OperatorRating)
		order []uuid.UUID
	)
	for _, sess := range rated {
		r := *sess.Rating
		sum += r
		out.Distribution[r]++
		if len(out.Recent) < recentRatingsLimit {
			out.Recent = append(out.Recent, domain.RatingEntry{
				SessionID:  sess.ID,
				UserName:   sess.UserName,
				UserEmail:  sess.UserEmail,
				OperatorID: sess.LastOperatorID,
				Rating:     r,
				Comment:    sess.RatingComment,
				RatedAt:    *sess.RatedAt,
			})
		}
		if sess.LastOperatorID == nil {
			continue
		}
		opID := *sess.LastOperatorID
		if _, ok := byOp[opID]; !ok {
			byOp[opID] = &domain.OperatorRating{OperatorID: opID}
			order = append(order, opID)
		}
		byOp[opID].TotalRatings++
		sums[opID] += r
	}
	if out.TotalRatings > 0 {
		out.AverageRating = roundTenth(float64(sum) / float64(out.TotalRatings))
	}
	for _, opID := range order {
		st := byOp[opID]
		st.AverageRating = roundTenth(float64(sums[opID]) / float64(st.TotalRatings))
		if op, err := s.store.GetOperator(ctx, opID); err == nil {
			st.OperatorName = op.Name
		}
		out.Operators = append(out.Operators, *st)
	}
	return out, nil
}

func roundTenth(v float64) float64 { return math.Round(v*10) / 10 }

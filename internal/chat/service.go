// Package chat owns the session lifecycle: status transitions, message and
// note mutations, escalation timers and presence handling.
//
// Every mutation of a session runs under two locks: an in-process mutex
// keyed by session id, which also orders the events published for that
// session, and the store row lock, which serializes writers across
// instances. Events are published after the transaction commits and before
// the in-process lock is released.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"livechat-ws/internal/clock"
	"livechat-ws/internal/domain"
	"livechat-ws/internal/ratelimit"
	"livechat-ws/internal/responder"
	"livechat-ws/internal/store"
	"livechat-ws/internal/timer"
)

type Config struct {
	WaitingTimeout          time.Duration
	OperatorResponseTimeout time.Duration
	UserInactivityWarning   time.Duration
	UserInactivityFinal     time.Duration
	AIInactivityTimeout     time.Duration
	OperatorDisconnectGrace time.Duration
	UserDisconnectTimeout   time.Duration
	ReopenWindow            time.Duration
	SessionMaxAge           time.Duration

	TxMaxAttempts int
	HistoryLimit  int
	// TimerTimeout bounds the store work done by one timer callback.
	TimerTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		WaitingTimeout:          5 * time.Minute,
		OperatorResponseTimeout: 10 * time.Minute,
		UserInactivityWarning:   5 * time.Minute,
		UserInactivityFinal:     5 * time.Minute,
		AIInactivityTimeout:     15 * time.Minute,
		OperatorDisconnectGrace: 10 * time.Second,
		UserDisconnectTimeout:   5 * time.Minute,
		ReopenWindow:            5 * time.Minute,
		SessionMaxAge:           7 * 24 * time.Hour,
		TxMaxAttempts:           3,
		HistoryLimit:            50,
		TimerTimeout:            10 * time.Second,
	}
}

// Deps are the collaborators of a Service. Store is required; the rest
// fall back to in-process or no-op implementations.
type Deps struct {
	Store       store.Store
	Clock       clock.Clock
	Timers      *timer.Manager
	Limiter     *ratelimit.Limiter
	Publisher   Publisher
	Responder   responder.Responder
	Presence    Presence
	Transcripts TranscriptSender
	Logger      *slog.Logger
}

type Service struct {
	cfg         Config
	store       store.Store
	clock       clock.Clock
	timers      *timer.Manager
	limiter     *ratelimit.Limiter
	pub         Publisher
	responder   responder.Responder
	presence    Presence
	transcripts TranscriptSender
	log         *slog.Logger

	locks *keyedMutex

	// operators whose visitors were told they went offline
	offlineMu       sync.Mutex
	offlineNotified map[uuid.UUID]bool
}

func NewService(cfg Config, deps Deps) *Service {
	s := &Service{
		cfg:             cfg,
		store:           deps.Store,
		clock:           deps.Clock,
		timers:          deps.Timers,
		limiter:         deps.Limiter,
		pub:             deps.Publisher,
		responder:       deps.Responder,
		presence:        deps.Presence,
		transcripts:     deps.Transcripts,
		log:             deps.Logger,
		locks:           newKeyedMutex(),
		offlineNotified: make(map[uuid.UUID]bool),
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.timers == nil {
		s.timers = timer.NewManager(s.clock, s.log)
	}
	if s.limiter == nil {
		s.limiter = ratelimit.New(ratelimit.DefaultConfig(), s.clock)
	}
	if s.pub == nil {
		s.pub = nopPublisher{}
	}
	if s.responder == nil {
		s.responder = responder.NewStatic()
	}
	if s.presence == nil {
		s.presence = NewLocalPresence()
	}
	if s.transcripts == nil {
		s.transcripts = nopTranscripts{}
	}
	if s.cfg.TxMaxAttempts <= 0 {
		s.cfg.TxMaxAttempts = 1
	}
	return s
}

// Shutdown stops every pending timer.
func (s *Service) Shutdown() {
	s.timers.Stop()
}

// effects collects what a mutation does beyond the store write. They are
// applied only after the transaction commits.
type effects struct {
	events []domain.Event
	after  []func()
}

func (fx *effects) emit(evs ...domain.Event) { fx.events = append(fx.events, evs...) }

func (fx *effects) then(f func()) { fx.after = append(fx.after, f) }

func (s *Service) apply(fx *effects) {
	for _, f := range fx.after {
		f()
	}
	for _, ev := range fx.events {
		s.pub.Publish(ev)
	}
}

// mutate runs fn on the locked session and applies its effects.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(tx store.SessionTx, fx *effects) error) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.mutateLocked(ctx, id, fn)
}

// mutateLocked is mutate for callers already holding the session's
// in-process lock.
func (s *Service) mutateLocked(ctx context.Context, id uuid.UUID, fn func(tx store.SessionTx, fx *effects) error) error {
	var fx *effects
	err := s.retry(ctx, func() error {
		fx = &effects{}
		return s.store.WithSessionLock(ctx, id, func(tx store.SessionTx) error {
			if tx.Session().DeletedAt != nil {
				return store.ErrNotFound
			}
			return fn(tx, fx)
		})
	})
	if err != nil {
		return s.translate(err, "session %s", id)
	}
	s.apply(fx)
	return nil
}

// retry repeats fn while the store reports lock contention.
func (s *Service) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.cfg.TxMaxAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		s.log.Warn("transaction conflict, retrying", "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

// translate maps store errors onto the domain taxonomy. what describes the
// record for NOT_FOUND messages.
func (s *Service) translate(err error, what string, args ...any) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, store.ErrNotFound) {
		return domain.NotFound(what+" not found", args...)
	}
	return domain.Internal(err, "store operation failed")
}

// claim performs the atomic status compare-and-set used for status-only
// transitions. A mismatch is INVALID_TRANSITION.
func (s *Service) claim(ctx context.Context, id uuid.UUID, expected domain.SessionStatus, patch domain.SessionPatch) error {
	var ok bool
	err := s.retry(ctx, func() error {
		var err error
		ok, err = s.store.ConditionalUpdate(ctx, id, expected, patch)
		return err
	})
	if err != nil {
		return s.translate(err, "session %s", id)
	}
	if ok {
		return nil
	}
	cur, err := s.store.GetSession(ctx, id)
	if err != nil {
		return s.translate(err, "session %s", id)
	}
	return domain.InvalidTransition("session %s is %s, expected %s", id, cur.Status, expected)
}

func (s *Service) getSession(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err == nil && sess.DeletedAt != nil {
		err = store.ErrNotFound
	}
	if err != nil {
		return nil, s.translate(err, "session %s", id)
	}
	return sess, nil
}

// visitorSession loads a session for a visitor-facing call and rejects
// sessions past their maximum age.
func (s *Service) visitorSession(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error) {
	sess, err := s.getSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cfg.SessionMaxAge > 0 && s.clock.Now().Sub(sess.CreatedAt) > s.cfg.SessionMaxAge {
		return nil, domain.Expired("session %s has expired", id)
	}
	return sess, nil
}

func (s *Service) getOperator(ctx context.Context, id uuid.UUID) (*domain.Operator, error) {
	op, err := s.store.GetOperator(ctx, id)
	if err != nil {
		return nil, s.translate(err, "operator %s", id)
	}
	return op, nil
}

func (s *Service) countHandled(ctx context.Context, operatorID uuid.UUID) {
	if err := s.store.IncrementChatsHandled(ctx, operatorID); err != nil {
		s.log.Error("increment chats handled", "operator", operatorID, "error", err)
	}
}

func ref(id uuid.UUID) domain.SessionRef { return domain.SessionRef{SessionID: id} }

// Package gormstore implements store.Store on PostgreSQL or MySQL via GORM.
// Session row locks are taken with SELECT ... FOR UPDATE inside a
// transaction.
package gormstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"livechat-ws/internal/domain"
	"livechat-ws/internal/store"
)

type Options struct {
	Driver         string // postgres or mysql
	DSN            string
	MaxOpenConns   int
	ConnectRetries int
	Verbose        bool
}

type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

// Open connects with exponential backoff and configures the pool.
func Open(opts Options, log *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch opts.Driver {
	case "postgres":
		dialector = postgres.Open(opts.DSN)
	case "mysql":
		dialector = mysql.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	gormLogger := logger.Default.LogMode(logger.Silent)
	if opts.Verbose {
		gormLogger = logger.Default.LogMode(logger.Info)
	}

	retries := opts.ConnectRetries
	if retries <= 0 {
		retries = 1
	}
	var (
		db  *gorm.DB
		err error
	)
	backoff := time.Second
	for attempt := 1; attempt <= retries; attempt++ {
		db, err = gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
		if err == nil {
			break
		}
		log.Warn("database connect failed", "driver", opts.Driver, "attempt", attempt, "error", err)
		if attempt < retries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", opts.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
		sqlDB.SetMaxIdleConns(opts.MaxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	return New(db), nil
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&domain.ChatSession{},
		&domain.Message{},
		&domain.InternalNote{},
		&domain.Operator{},
	)
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreateSession(ctx context.Context, sess *domain.ChatSession) error {
	if err := sess.CheckInvariant(); err != nil {
		return err
	}
	return classify(s.db.WithContext(ctx).Create(sess).Error)
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error) {
	var sess domain.ChatSession
	if err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error; err != nil {
		return nil, classify(err)
	}
	return &sess, nil
}

func (s *Store) ListSessions(ctx context.Context, filter domain.SessionFilter) ([]domain.ChatSession, error) {
	q := s.db.WithContext(ctx).Model(&domain.ChatSession{}).Where("deleted_at IS NULL")
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.OperatorID != nil {
		q = q.Where("operator_id = ?", *filter.OperatorID)
	}
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.Archived != nil {
		q = q.Where("is_archived = ?", *filter.Archived)
	}
	if filter.Flagged != nil {
		q = q.Where("is_flagged = ?", *filter.Flagged)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var out []domain.ChatSession
	if err := q.Order("last_message_at DESC, created_at DESC").Find(&out).Error; err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *Store) ListRatedSessions(ctx context.Context, filter domain.RatingFilter) ([]domain.ChatSession, error) {
	q := s.db.WithContext(ctx).Model(&domain.ChatSession{}).
		Where("deleted_at IS NULL AND rating IS NOT NULL AND rated_at IS NOT NULL")
	if filter.OperatorID != nil {
		q = q.Where("last_operator_id = ?", *filter.OperatorID)
	}
	if filter.From != nil {
		q = q.Where("rated_at >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("rated_at <= ?", *filter.To)
	}
	var out []domain.ChatSession
	if err := q.Order("rated_at DESC").Find(&out).Error; err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *Store) UpdateSession(ctx context.Context, id uuid.UUID, patch domain.SessionPatch) error {
	_, err := s.ConditionalUpdate(ctx, id, "", patch)
	return err
}

// ConditionalUpdate locks the row, compares its status with expected and
// applies the patch only on a match. An empty expected status updates
// unconditionally. The patched row must keep the session invariant.
func (s *Store) ConditionalUpdate(ctx context.Context, id uuid.UUID, expected domain.SessionStatus, patch domain.SessionPatch) (bool, error) {
	var updated bool
	err := s.WithSessionLock(ctx, id, func(tx store.SessionTx) error {
		if expected != "" && tx.Session().Status != expected {
			return nil
		}
		updated = true
		return tx.Update(patch)
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

func (s *Store) WithSessionLock(ctx context.Context, id uuid.UUID, fn func(tx store.SessionTx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		sess, err := lockSession(db, id)
		if err != nil {
			return err
		}
		tx := &sessionTx{db: db, session: sess}
		if err := fn(tx); err != nil {
			return err
		}
		return sess.CheckInvariant()
	})
	return classify(err)
}

func (s *Store) ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return recentMessages(s.db.WithContext(ctx), sessionID, limit)
}

func (s *Store) GetNote(ctx context.Context, sessionID, noteID uuid.UUID) (*domain.InternalNote, error) {
	var n domain.InternalNote
	err := s.db.WithContext(ctx).First(&n, "id = ? AND session_id = ?", noteID, sessionID).Error
	if err != nil {
		return nil, classify(err)
	}
	return &n, nil
}

func (s *Store) ListNotes(ctx context.Context, sessionID uuid.UUID) ([]domain.InternalNote, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	var out []domain.InternalNote
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&out).Error
	return out, classify(err)
}

func (s *Store) CreateOperator(ctx context.Context, op *domain.Operator) error {
	return classify(s.db.WithContext(ctx).Create(op).Error)
}

func (s *Store) GetOperator(ctx context.Context, id uuid.UUID) (*domain.Operator, error) {
	var op domain.Operator
	if err := s.db.WithContext(ctx).First(&op, "id = ?", id).Error; err != nil {
		return nil, classify(err)
	}
	return &op, nil
}

func (s *Store) ListAvailableOperators(ctx context.Context) ([]domain.Operator, error) {
	var out []domain.Operator
	err := s.db.WithContext(ctx).
		Where("is_available = ?", true).
		Order("name ASC").
		Find(&out).Error
	return out, classify(err)
}

func (s *Store) SetOperatorAvailability(ctx context.Context, id uuid.UUID, available bool) error {
	return s.updateOperator(ctx, id, "is_available", available)
}

func (s *Store) IncrementChatsHandled(ctx context.Context, id uuid.UUID) error {
	return s.updateOperator(ctx, id, "total_chats_handled", gorm.Expr("total_chats_handled + ?", 1))
}

func (s *Store) updateOperator(ctx context.Context, id uuid.UUID, column string, value interface{}) error {
	res := s.db.WithContext(ctx).Model(&domain.Operator{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{column: value, "updated_at": time.Now()})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type sessionTx struct {
	db      *gorm.DB
	session *domain.ChatSession
}

func (tx *sessionTx) Session() *domain.ChatSession { return tx.session }

func (tx *sessionTx) Update(patch domain.SessionPatch) error {
	patch.Apply(tx.session)
	return tx.db.Model(&domain.ChatSession{}).
		Where("id = ?", tx.session.ID).
		Updates(patchColumns(patch, tx.session)).Error
}

func (tx *sessionTx) AppendMessage(m *domain.Message) error {
	return tx.db.Create(m).Error
}

func (tx *sessionTx) CountMessages(t domain.MessageType, operatorID *uuid.UUID) (int64, error) {
	q := tx.db.Model(&domain.Message{}).Where("session_id = ? AND type = ?", tx.session.ID, t)
	if operatorID != nil {
		q = q.Where("operator_id = ?", *operatorID)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

func (tx *sessionTx) RecentMessages(limit int) ([]domain.Message, error) {
	return recentMessages(tx.db, tx.session.ID, limit)
}

func (tx *sessionTx) FindNote(noteID uuid.UUID) (*domain.InternalNote, error) {
	var n domain.InternalNote
	err := tx.db.First(&n, "id = ? AND session_id = ?", noteID, tx.session.ID).Error
	if err != nil {
		return nil, classify(err)
	}
	return &n, nil
}

func (tx *sessionTx) InsertNote(n *domain.InternalNote) error {
	return tx.db.Create(n).Error
}

func (tx *sessionTx) SaveNote(n *domain.InternalNote) error {
	res := tx.db.Model(&domain.InternalNote{}).
		Where("id = ? AND session_id = ?", n.ID, tx.session.ID).
		Updates(map[string]interface{}{"content": n.Content, "updated_at": n.UpdatedAt})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (tx *sessionTx) DeleteNote(noteID uuid.UUID) error {
	res := tx.db.Where("id = ? AND session_id = ?", noteID, tx.session.ID).Delete(&domain.InternalNote{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func lockSession(db *gorm.DB, id uuid.UUID) (*domain.ChatSession, error) {
	var sess domain.ChatSession
	if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&sess, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &sess, nil
}

func recentMessages(db *gorm.DB, sessionID uuid.UUID, limit int) ([]domain.Message, error) {
	q := db.Where("session_id = ?", sessionID).Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []domain.Message
	if err := q.Find(&out).Error; err != nil {
		return nil, classify(err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// patchColumns maps a patch to an Updates column set. locked is the row held
// by the current transaction with the patch already applied; counters are
// written from it as absolute values.
func patchColumns(p domain.SessionPatch, locked *domain.ChatSession) map[string]interface{} {
	cols := map[string]interface{}{"updated_at": time.Now()}
	if p.Status != nil {
		cols["status"] = *p.Status
	}
	if p.ClearOperator {
		cols["operator_id"] = nil
	} else if p.OperatorID != nil {
		cols["operator_id"] = *p.OperatorID
	}
	if p.LastOperatorID != nil {
		cols["last_operator_id"] = *p.LastOperatorID
	}
	if p.ClearClosure {
		cols["closure_reason"] = ""
		cols["closed_at"] = nil
	} else {
		if p.ClosureReason != nil {
			cols["closure_reason"] = *p.ClosureReason
		}
		if p.ClosedAt != nil {
			cols["closed_at"] = *p.ClosedAt
		}
	}
	if p.UserName != nil {
		cols["user_name"] = *p.UserName
	}
	if p.ResetUnread || p.UnreadDelta != 0 {
		cols["unread_count"] = locked.UnreadCount
	}
	if p.Priority != nil {
		cols["priority"] = *p.Priority
	}
	if p.Tags != nil {
		cols["tags"] = p.Tags
	}
	if p.Rating != nil {
		cols["rating"] = *p.Rating
	}
	if p.RatingComment != nil {
		cols["rating_comment"] = *p.RatingComment
	}
	if p.MessageSeq != nil {
		cols["message_seq"] = *p.MessageSeq
	}
	if p.LastMessageAt != nil {
		cols["last_message_at"] = *p.LastMessageAt
	}
	if p.UserActiveAt != nil {
		cols["user_active_at"] = *p.UserActiveAt
	}
	if p.RatedAt != nil {
		cols["rated_at"] = *p.RatedAt
	}
	if m := p.Archive; m != nil {
		cols["is_archived"] = m.At != nil
		cols["archived_at"] = m.At
		cols["archived_by"] = m.By
	}
	if m := p.Flag; m != nil {
		cols["is_flagged"] = m.At != nil
		cols["flagged_at"] = m.At
		cols["flagged_by"] = m.By
		cols["flag_reason"] = ""
		if m.At != nil {
			cols["flag_reason"] = m.Reason
		}
	}
	if p.DeletedAt != nil {
		cols["deleted_at"] = *p.DeletedAt
	}
	return cols
}

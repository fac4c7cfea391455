package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"wordchat/backend/internal/models"
)

// PostgreSQL error codes that mean "another transaction won".
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

var _ Storage = (*Service)(nil)

// Service is the PostgreSQL store. Transactions run SERIALIZABLE so concurrent
// pairings on the same entries fail with ErrConflict instead of double-matching.
type Service struct {
	DB  *gorm.DB
	log *zap.Logger
}

// NewStorageService wraps an open GORM connection.
func NewStorageService(db *gorm.DB, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{DB: db, log: log}
}

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(dsn string, log *zap.Logger) (*Service, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s := NewStorageService(db, log)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates or updates the tables for all record kinds.
func (s *Service) Migrate() error {
	if err := s.DB.AutoMigrate(&models.WaitingEntry{}, &models.ChatRoom{}, &models.Message{}); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

func (s *Service) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	var fnErr error
	err := s.DB.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		fnErr = fn(&pgTx{db: db, log: s.log})
		return fnErr
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if fnErr != nil {
		return fnErr
	}
	return translateErr(err)
}

func (s *Service) PutWaiting(ctx context.Context, entry *models.WaitingEntry) error {
	return (&pgTx{db: s.DB.WithContext(ctx), log: s.log}).PutWaiting(entry)
}

func (s *Service) DeleteWaiting(ctx context.Context, userID string) error {
	return (&pgTx{db: s.DB.WithContext(ctx), log: s.log}).DeleteWaiting(userID)
}

func (s *Service) GetRoom(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	return (&pgTx{db: s.DB.WithContext(ctx), log: s.log}).GetRoom(roomID)
}

// ListMessages returns the room's messages oldest first.
func (s *Service) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	var rows []models.Message
	err := s.DB.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, translateErr(err)
	}
	out := rows[:0]
	for _, m := range rows {
		if err := m.Validate(); err != nil {
			s.log.Warn("ignoring invalid message", zap.String("room_id", roomID), zap.String("message_id", m.ID))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Service) RoomsForUser(ctx context.Context, userID, word string, since time.Time) ([]models.ChatRoom, error) {
	var rows []models.ChatRoom
	err := s.DB.WithContext(ctx).
		Where("active = ? AND word = ? AND ? = ANY(users) AND created_at > ?", true, word, userID, since).
		Order("created_at desc").
		Find(&rows).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return s.validRooms(rows), nil
}

func (s *Service) IdleRooms(ctx context.Context, now, idleBefore time.Time) ([]models.ChatRoom, error) {
	var rows []models.ChatRoom
	err := s.DB.WithContext(ctx).
		Where("active = ? AND (last_activity_at <= ? OR expires_at <= ?)", true, idleBefore, now).
		Find(&rows).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return s.validRooms(rows), nil
}

func (s *Service) DeleteStaleWaiting(ctx context.Context, before time.Time) (int, error) {
	res := s.DB.WithContext(ctx).Where("created_at < ?", before).Delete(&models.WaitingEntry{})
	if res.Error != nil {
		return 0, translateErr(res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *Service) DeleteExpiredRooms(ctx context.Context, before time.Time) (int, error) {
	var deleted int64
	err := s.DB.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var ids []string
		if err := db.Model(&models.ChatRoom{}).
			Where("active = ? AND created_at < ?", false, before).
			Pluck("room_id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := db.Where("room_id IN ?", ids).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		// The condition is repeated so a room touched since the Pluck survives.
		res := db.Where("room_id IN ? AND active = ? AND created_at < ?", ids, false, before).
			Delete(&models.ChatRoom{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, translateErr(err)
	}
	return int(deleted), nil
}

func (s *Service) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Service) validRooms(rows []models.ChatRoom) []models.ChatRoom {
	out := rows[:0]
	for _, r := range rows {
		if err := r.Validate(); err != nil {
			s.log.Warn("ignoring invalid room", zap.String("room_id", r.RoomID))
			continue
		}
		out = append(out, r)
	}
	return out
}

// pgTx runs the Tx operations on a GORM handle, inside or outside a transaction.
type pgTx struct {
	db  *gorm.DB
	log *zap.Logger
}

func (t *pgTx) GetWaiting(userID string) (*models.WaitingEntry, error) {
	var e models.WaitingEntry
	if err := t.db.Where("user_id = ?", userID).First(&e).Error; err != nil {
		return nil, translateErr(err)
	}
	if err := e.Validate(); err != nil {
		t.log.Warn("ignoring invalid waiting entry", zap.String("user_id", userID))
		return nil, ErrNotFound
	}
	return &e, nil
}

func (t *pgTx) OldestWaiting(word, excludeUserID string, since time.Time) (*models.WaitingEntry, error) {
	var rows []models.WaitingEntry
	err := t.db.
		Where("word = ? AND user_id <> ? AND created_at > ? AND schema_version = ?", word, excludeUserID, since, models.SchemaVersion).
		Order("created_at asc, user_id asc").
		Limit(16).
		Find(&rows).Error
	if err != nil {
		return nil, translateErr(err)
	}
	for i := range rows {
		if rows[i].Validate() == nil {
			return &rows[i], nil
		}
		t.log.Warn("ignoring invalid waiting entry", zap.String("user_id", rows[i].UserID))
	}
	return nil, ErrNotFound
}

func (t *pgTx) PutWaiting(entry *models.WaitingEntry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("storage: waiting entry %q: %w", entry.UserID, err)
	}
	// One statement, so two blind writes for the same user never race on the key.
	err := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(entry).Error
	return translateErr(err)
}

func (t *pgTx) DeleteWaiting(userID string) error {
	res := t.db.Where("user_id = ?", userID).Delete(&models.WaitingEntry{})
	if res.Error != nil {
		return translateErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) GetRoom(roomID string) (*models.ChatRoom, error) {
	var room models.ChatRoom
	if err := t.db.Where("room_id = ?", roomID).First(&room).Error; err != nil {
		return nil, translateErr(err)
	}
	if err := room.Validate(); err != nil {
		t.log.Warn("ignoring invalid room", zap.String("room_id", roomID))
		return nil, ErrNotFound
	}
	return &room, nil
}

func (t *pgTx) ActiveRoomForPair(word, userA, userB string) (*models.ChatRoom, error) {
	var room models.ChatRoom
	err := t.db.Where("pair_key = ? AND active = ?", models.PairKey(word, userA, userB), true).
		First(&room).Error
	if err != nil {
		return nil, translateErr(err)
	}
	if err := room.Validate(); err != nil {
		t.log.Warn("ignoring invalid room", zap.String("room_id", room.RoomID))
		return nil, ErrNotFound
	}
	return &room, nil
}

func (t *pgTx) PutRoom(room *models.ChatRoom) error {
	if err := room.Validate(); err != nil {
		return fmt.Errorf("storage: room %q: %w", room.RoomID, err)
	}
	return translateErr(t.db.Save(room).Error)
}

func (t *pgTx) AddMessage(msg *models.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("storage: message %q: %w", msg.ID, err)
	}
	return translateErr(t.db.Create(msg).Error)
}

func (t *pgTx) GetMessage(roomID, messageID string) (*models.Message, error) {
	var msg models.Message
	if err := t.db.Where("id = ? AND room_id = ?", messageID, roomID).First(&msg).Error; err != nil {
		return nil, translateErr(err)
	}
	if err := msg.Validate(); err != nil {
		t.log.Warn("ignoring invalid message", zap.String("room_id", roomID), zap.String("message_id", messageID))
		return nil, ErrNotFound
	}
	return &msg, nil
}

func (t *pgTx) PutMessage(msg *models.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("storage: message %q: %w", msg.ID, err)
	}
	return translateErr(t.db.Save(msg).Error)
}

// translateErr maps driver errors onto the storage sentinels.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgUniqueViolation:
			return ErrConflict
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"whatsapp-bridge/internal/model"
)

// Open connects to the relational database for dialect ("mysql" or "postgres").
func Open(dialect, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch dialect {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, errors.Errorf("unsupported dialect %q", dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(log.StandardLogger(), logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	return db, nil
}

// Migrate creates or updates the tables used by the gateway. The user table is
// owned by the host application and is not touched.
func Migrate(db *gorm.DB, credentialTable string) error {
	if err := db.AutoMigrate(&model.Session{}); err != nil {
		return errors.Wrap(err, "failed to migrate session table")
	}
	if err := db.Table(credentialTable).AutoMigrate(&model.CredentialRecord{}); err != nil {
		return errors.Wrap(err, "failed to migrate credential table")
	}
	return nil
}

// gormStore contains the GORM based sub-stores.
type gormStore struct {
	sessions    *gormSessionStore
	credentials *gormCredentialStore
	users       *gormUserStore
}

// NewGorm creates a storage Interface over db. Credential rows live in
// credentialTable.
func NewGorm(db *gorm.DB, credentialTable string) Interface {
	return &gormStore{
		sessions:    &gormSessionStore{db: db},
		credentials: &gormCredentialStore{db: db, table: credentialTable},
		users:       &gormUserStore{db: db},
	}
}

func (s *gormStore) Sessions() SessionStore       { return s.sessions }
func (s *gormStore) Credentials() CredentialStore { return s.credentials }
func (s *gormStore) Users() UserStore             { return s.users }

func notFoundOr(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return errors.Wrap(err, msg)
}

type gormSessionStore struct {
	db *gorm.DB
}

func (s *gormSessionStore) Create(ctx context.Context, m *model.Session) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return errors.Wrap(err, "failed to create session")
	}
	return nil
}

func (s *gormSessionStore) FindBySessionID(ctx context.Context, sessionID string) (*model.Session, error) {
	var m model.Session
	err := s.db.WithContext(ctx).Where(&model.Session{SessionID: sessionID}).First(&m).Error
	if err != nil {
		return nil, notFoundOr(err, "failed to find session")
	}
	return &m, nil
}

func (s *gormSessionStore) FindActiveByChatflow(ctx context.Context, chatflowID string) (*model.Session, error) {
	var m model.Session
	err := s.db.WithContext(ctx).
		Where(&model.Session{ChatflowID: chatflowID, IsActive: true}).
		First(&m).Error
	if err != nil {
		return nil, notFoundOr(err, "failed to find active session")
	}
	return &m, nil
}

func (s *gormSessionStore) ListActive(ctx context.Context) ([]model.Session, error) {
	rows := make([]model.Session, 0)
	err := s.db.WithContext(ctx).Where(&model.Session{IsActive: true}).Order(clause.OrderByColumn{Column: clause.Column{Name: "createdDate"}}).Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active sessions")
	}
	return rows, nil
}

func (s *gormSessionStore) ListByUser(ctx context.Context, userID string) ([]model.Session, error) {
	rows := make([]model.Session, 0)
	err := s.db.WithContext(ctx).Where(&model.Session{UserID: userID}).Order(clause.OrderByColumn{Column: clause.Column{Name: "createdDate"}}).Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	return rows, nil
}

func (s *gormSessionStore) SetActive(ctx context.Context, sessionID string, active bool, phone string) error {
	updates := map[string]any{"isActive": active}
	if phone != "" {
		updates["phoneNumber"] = phone
	}
	res := s.db.WithContext(ctx).Model(&model.Session{}).
		Where(&model.Session{SessionID: sessionID}).
		Updates(updates)
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to update session")
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormSessionStore) Delete(ctx context.Context, sessionID string) error {
	res := s.db.WithContext(ctx).Where(&model.Session{SessionID: sessionID}).Delete(&model.Session{})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to delete session")
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

type gormCredentialStore struct {
	db    *gorm.DB
	table string
}

func (s *gormCredentialStore) List(ctx context.Context, sessionID string) ([]model.CredentialRecord, error) {
	rows := make([]model.CredentialRecord, 0)
	err := s.db.WithContext(ctx).Table(s.table).
		Where("session_id = ?", sessionID).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load credentials")
	}
	return rows, nil
}

func (s *gormCredentialStore) Put(ctx context.Context, sessionID string, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}
	rows := make([]model.CredentialRecord, 0, len(values))
	for k, v := range values {
		rows = append(rows, model.CredentialRecord{SessionID: sessionID, Key: k, Value: v})
	}
	err := s.db.WithContext(ctx).Table(s.table).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&rows).Error
	if err != nil {
		return errors.Wrap(err, "failed to save credentials")
	}
	return nil
}

func (s *gormCredentialStore) DeleteSession(ctx context.Context, sessionID string) error {
	err := s.db.WithContext(ctx).Table(s.table).
		Where("session_id = ?", sessionID).
		Delete(&model.CredentialRecord{}).Error
	if err != nil {
		return errors.Wrap(err, "failed to remove credentials")
	}
	return nil
}

type gormUserStore struct {
	db *gorm.DB
}

func (s *gormUserStore) FindByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).Where(&model.User{ID: id}).First(&u).Error; err != nil {
		return nil, notFoundOr(err, "failed to find user")
	}
	return &u, nil
}

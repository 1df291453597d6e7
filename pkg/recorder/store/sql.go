package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-logr/logr"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	apperrors "github.com/kagent-dev/evalrecorder/pkg/recorder/errors"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/invocation"
)

// Supported database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// conversationRecord is one stored conversation document
type conversationRecord struct {
	Collection string `gorm:"primaryKey;size:64"`
	ID         string `gorm:"primaryKey;size:255"`
	Data       string `gorm:"type:text;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (conversationRecord) TableName() string {
	return "conversations"
}

// OpenDB opens the database for driver and migrates the conversations table.
func OpenDB(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, apperrors.New(apperrors.ErrCodeConfig, fmt.Sprintf("unsupported database driver %q", driver), nil)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeDatabase, "failed to open database", err)
	}
	if err := db.AutoMigrate(&conversationRecord{}); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeDatabase, "failed to migrate database", err)
	}
	return db, nil
}

// SQLStore keeps conversations of one collection in a SQL table
type SQLStore struct {
	db         *gorm.DB
	collection string
	log        logr.Logger
}

// NewSQLStore creates a store over db scoped to collection.
func NewSQLStore(db *gorm.DB, collection string) *SQLStore {
	return &SQLStore{
		db:         db,
		collection: collection,
		log:        ctrllog.Log.WithName("sql-store").WithValues("collection", collection),
	}
}

func (s *SQLStore) Save(ctx context.Context, id string, invocations []*invocation.Invocation) error {
	data, err := Encode(invocations)
	if err != nil {
		return err
	}
	return s.SaveRaw(ctx, id, data)
}

func (s *SQLStore) SaveRaw(ctx context.Context, id string, data []byte) error {
	rec := &conversationRecord{Collection: s.collection, ID: id, Data: string(data)}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(rec).Error
	if err != nil {
		return apperrors.New(apperrors.ErrCodeDatabase, "failed to save conversation", err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, id string) ([]*invocation.Invocation, error) {
	data, err := s.LoadRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

func (s *SQLStore) LoadRaw(ctx context.Context, id string) ([]byte, error) {
	var rec conversationRecord
	err := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", s.collection, id).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConversationGet, "failed to load conversation", err)
	}
	return []byte(rec.Data), nil
}

func (s *SQLStore) Exists(ctx context.Context, id string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&conversationRecord{}).
		Where("collection = ? AND id = ?", s.collection, id).
		Count(&n).Error
	if err != nil {
		return false, apperrors.New(apperrors.ErrCodeDatabase, "failed to look up conversation", err)
	}
	return n > 0, nil
}

func (s *SQLStore) List(ctx context.Context) ([]*Summary, error) {
	var recs []conversationRecord
	if err := s.db.WithContext(ctx).Where("collection = ?", s.collection).Find(&recs).Error; err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConversationList, "failed to list conversations", err)
	}

	summaries := make([]*Summary, 0, len(recs))
	for _, rec := range recs {
		summary, err := summarize(rec.ID, []byte(rec.Data), rec.UpdatedAt)
		if err != nil {
			s.log.Error(err, "Skipping malformed conversation", "id", rec.ID)
			continue
		}
		summaries = append(summaries, summary)
	}
	sortNewestFirst(summaries)
	return summaries, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", s.collection, id).
		Delete(&conversationRecord{})
	if result.Error != nil {
		return apperrors.New(apperrors.ErrCodeConversationDelete, "failed to delete conversation", result.Error)
	}
	if result.RowsAffected == 0 {
		return notFound(id)
	}
	return nil
}

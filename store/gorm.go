package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// kvRecord holds a single value under a key.
type kvRecord struct {
	Key       string `gorm:"primaryKey;size:512"`
	Value     []byte
	UpdatedAt time.Time
}

func (kvRecord) TableName() string { return "kv_records" }

// logRecord holds one entry of an appended log.
type logRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Key       string `gorm:"index;size:512"`
	Value     []byte
	CreatedAt time.Time
}

func (logRecord) TableName() string { return "log_records" }

// GormStore is a SQL-backed Store built on GORM. Any dialect GORM supports
// works; OpenSQLite is the zero-dependency default.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an existing GORM connection and migrates the schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&kvRecord{}, &logRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate store schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

// OpenSQLite opens a SQLite-backed store at the given path (":memory:" for
// an ephemeral one).
func OpenSQLite(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	return NewGormStore(db)
}

// Put implements Store.
func (s *GormStore) Put(ctx context.Context, key string, value []byte) error {
	record := kvRecord{Key: key, Value: value, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&record).Error
}

// Get implements Store.
func (s *GormStore) Get(ctx context.Context, key string) ([]byte, error) {
	var record kvRecord
	err := s.db.WithContext(ctx).First(&record, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record.Value, nil
}

// Append implements Store.
func (s *GormStore) Append(ctx context.Context, key string, value []byte) error {
	record := logRecord{Key: key, Value: value, CreatedAt: time.Now()}
	return s.db.WithContext(ctx).Create(&record).Error
}

// GetAppended implements Store.
func (s *GormStore) GetAppended(ctx context.Context, key string) ([][]byte, error) {
	var records []logRecord
	err := s.db.WithContext(ctx).
		Where("key = ?", key).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(records))
	for i, r := range records {
		out[i] = r.Value
	}
	return out, nil
}

// Close implements Store.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ Store = (*GormStore)(nil)

package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/docbatch-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecordModel is the persistence model for the records table.
type RecordModel struct {
	Key       string `gorm:"column:record_key;type:varchar(255);primaryKey"`
	Payload   []byte `gorm:"type:bytea;not null"`
	UpdatedAt time.Time
}

func (RecordModel) TableName() string {
	return "records"
}

var _ Store = (*GormStore)(nil)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// GormStore keeps records in a single postgres table.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

func (s *GormStore) Put(ctx context.Context, key string, value []byte) error {
	model := RecordModel{
		Key:       key,
		Payload:   value,
		UpdatedAt: s.now().UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "record_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
		}).
		Create(&model).Error
}

func (s *GormStore) Get(ctx context.Context, key string) ([]byte, error) {
	var model RecordModel
	err := s.db.WithContext(ctx).Where("record_key = ?", key).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: key %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return model.Payload, nil
}

func (s *GormStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).
		Where("record_key = ?", key).
		Delete(&RecordModel{}).Error
}

func (s *GormStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).
		Model(&RecordModel{}).
		Where("record_key LIKE ?", likeEscaper.Replace(prefix)+"%").
		Order("record_key").
		Pluck("record_key", &keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

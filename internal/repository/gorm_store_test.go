package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/kursadbilgin/docbatch-engine/internal/domain"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockGormStore(t *testing.T) (*GormStore, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("gorm.Open() error = %v", err)
	}

	store := NewGormStore(db)
	store.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return store, mock
}

func TestGormStorePutUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockGormStore(t)
	mock.ExpectExec(`INSERT INTO "records"`).
		WithArgs("batch:b1", []byte(`{"id":"b1"}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Put(context.Background(), "batch:b1", []byte(`{"id":"b1"}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGormStoreGetNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockGormStore(t)
	mock.ExpectQuery(`FROM "records"`).
		WillReturnRows(sqlmock.NewRows([]string{"record_key", "payload", "updated_at"}))

	_, err := store.Get(context.Background(), "batch:missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestGormStoreGet(t *testing.T) {
	t.Parallel()

	store, mock := newMockGormStore(t)
	rows := sqlmock.NewRows([]string{"record_key", "payload", "updated_at"}).
		AddRow("batch:b1", []byte(`{"id":"b1"}`), time.Unix(1_700_000_000, 0))
	mock.ExpectQuery(`FROM "records"`).WillReturnRows(rows)

	got, err := store.Get(context.Background(), "batch:b1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `{"id":"b1"}` {
		t.Fatalf("Get() = %s", got)
	}
}

func TestGormStoreKeysAndDelete(t *testing.T) {
	t.Parallel()

	store, mock := newMockGormStore(t)
	mock.ExpectQuery(`FROM "records" WHERE record_key LIKE`).
		WithArgs("batch:%").
		WillReturnRows(sqlmock.NewRows([]string{"record_key"}).AddRow("batch:a").AddRow("batch:b"))
	mock.ExpectExec(`DELETE FROM "records"`).
		WithArgs("batch:a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	keys, err := store.Keys(context.Background(), BatchKeyPrefix)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 2 || keys[0] != "batch:a" {
		t.Fatalf("Keys() = %v", keys)
	}
	if err := store.Delete(context.Background(), "batch:a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

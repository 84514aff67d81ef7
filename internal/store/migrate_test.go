package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestLoadMigrations(t *testing.T) {
	for _, dialect := range []Dialect{DialectPostgres, DialectSQLite} {
		migrations, err := loadMigrations(dialect)
		if err != nil {
			t.Fatalf("loadMigrations(%s) error = %v", dialect, err)
		}
		if len(migrations) < 1 {
			t.Fatalf("expected at least 1 %s migration, got %d", dialect, len(migrations))
		}
		if migrations[0].ID != "0001_init" {
			t.Fatalf("expected first migration to be 0001_init, got %q", migrations[0].ID)
		}
		if !strings.Contains(migrations[0].UpSQL, "CREATE TABLE IF NOT EXISTS plans") {
			t.Errorf("%s up migration missing plans table", dialect)
		}
		if !strings.Contains(migrations[0].DownSQL, "DROP TABLE IF EXISTS plans") {
			t.Errorf("%s down migration missing plans drop", dialect)
		}
	}
}

func TestNewMigratorRejectsUnknownDialect(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	if _, err := NewMigrator(db, Dialect("oracle")); err == nil {
		t.Error("expected error for unknown dialect")
	}
	if _, err := NewMigrator(nil, DialectPostgres); err == nil {
		t.Error("expected error for nil db")
	}
}

func TestMigratorUpAppliesPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	m, err := NewMigrator(db, DialectPostgres)
	if err != nil {
		t.Fatalf("new migrator: %v", err)
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS chats").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs("0001_init").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := m.Up(context.Background(), 0)
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0001_init" {
		t.Errorf("expected [0001_init], got %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestMigratorUpSkipsApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	m, err := NewMigrator(db, DialectSQLite)
	if err != nil {
		t.Fatalf("new migrator: %v", err)
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("0001_init"))

	applied, err := m.Up(context.Background(), 0)
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected no migrations applied, got %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestMigratorStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	m, err := NewMigrator(db, DialectPostgres)
	if err != nil {
		t.Fatalf("new migrator: %v", err)
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, applied_at FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "applied_at"}))

	applied, pending, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected no applied migrations, got %v", applied)
	}
	if len(pending) != 1 || pending[0].ID != "0001_init" {
		t.Errorf("expected 0001_init pending, got %v", pending)
	}
}

func TestMigratorDown(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	m, err := NewMigrator(db, DialectPostgres)
	if err != nil {
		t.Fatalf("new migrator: %v", err)
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, applied_at FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "applied_at"}).AddRow("0001_init", time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec("DROP TABLE IF EXISTS rate_limit_usage").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM schema_migrations").
		WithArgs("0001_init").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rolled, err := m.Down(context.Background(), 1)
	if err != nil {
		t.Fatalf("down: %v", err)
	}
	if len(rolled) != 1 || rolled[0] != "0001_init" {
		t.Errorf("expected [0001_init], got %v", rolled)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

package sessionlock

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/telyx/turnguard/pkg/contract"
)

func TestSQLStoreLockCheckUnlock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewSQLStore(db)
	until := time.Now().Add(time.Hour)

	mock.ExpectExec("INSERT INTO session_locks").
		WithArgs("sess-1", string(contract.LockEnumeration), until).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Lock(context.Background(), "sess-1", contract.LockEnumeration, until); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	rows := sqlmock.NewRows([]string{"reason", "until"}).AddRow(string(contract.LockEnumeration), until)
	mock.ExpectQuery("SELECT reason, until FROM session_locks").
		WithArgs("sess-1").
		WillReturnRows(rows)

	rec, err := store.Check(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if rec == nil || rec.Reason != contract.LockEnumeration {
		t.Fatalf("Check() = %+v, want LockEnumeration record", rec)
	}

	mock.ExpectExec("DELETE FROM session_locks").
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Unlock(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLStoreCheckExpiredPrunes(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewSQLStore(db)
	past := time.Now().Add(-time.Hour)

	rows := sqlmock.NewRows([]string{"reason", "until"}).AddRow(string(contract.LockAbuse), past)
	mock.ExpectQuery("SELECT reason, until FROM session_locks").
		WithArgs("sess-2").
		WillReturnRows(rows)
	mock.ExpectExec("DELETE FROM session_locks").
		WithArgs("sess-2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := store.Check(context.Background(), "sess-2")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if rec != nil {
		t.Errorf("Check() = %+v, want nil for expired lock", rec)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLStoreCheckNoRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewSQLStore(db)
	mock.ExpectQuery("SELECT reason, until FROM session_locks").
		WithArgs("sess-3").
		WillReturnError(sql.ErrNoRows)

	rec, err := store.Check(context.Background(), "sess-3")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if rec != nil {
		t.Errorf("Check() = %+v, want nil for unlocked session", rec)
	}
}

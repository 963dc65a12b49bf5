package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestCommit_RollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := NewWithDB(db, DriverSQLite3)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE settings SET value = ? WHERE key = ?")).
		WithArgs("v", "k").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM events")).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err = s.Commit(context.Background(),
		&Instruction{Query: "UPDATE settings SET value = ? WHERE key = ?", Params: []any{"v", "k"}},
		&Instruction{Query: "DELETE FROM events"},
	)
	var txErr *TransactionError
	if !errors.As(err, &txErr) || txErr.Index != 1 {
		t.Fatalf("err = %v, want TransactionError at index 1", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestCommit_CommitsOnSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := NewWithDB(db, DriverSQLite3)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM settings WHERE key = ?")).
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("stored")))
	mock.ExpectExec("DELETE FROM events").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	res, err := s.Commit(context.Background(), GetSetting("k"), &Instruction{Query: "DELETE FROM events"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if v, _ := SettingValue(res.Reads); v != "stored" {
		t.Errorf("read = %v, want bytes converted to string", res.Reads)
	}
	if res.Writes != 4 {
		t.Errorf("writes = %d, want 4", res.Writes)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestCommit_CommitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := NewWithDB(db, DriverSQLite3)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	res, err := s.Commit(context.Background(), &Instruction{Query: "DELETE FROM events"})
	var txErr *TransactionError
	if !errors.As(err, &txErr) || txErr.Index != -1 {
		t.Fatalf("err = %v, want commit TransactionError", err)
	}
	if res.Writes != 0 {
		t.Errorf("writes = %d on failed commit", res.Writes)
	}
}

func TestCommit_PostgresRebind(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := NewWithDB(db, DriverPostgres)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE settings SET value = $1 WHERE key = $2 AND value <> '?'").
		WithArgs("v", "k").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err = s.Commit(context.Background(), &Instruction{
		Query:  "UPDATE settings SET value = ? WHERE key = ? AND value <> '?'",
		Params: []any{"v", "k"},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestCommit_CancelAfterBeginStillCommits(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := NewWithDB(db, DriverSQLite3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM events").
		WillDelayFor(50 * time.Millisecond).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res, err := s.Commit(ctx, &Instruction{Query: "DELETE FROM events"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.Writes != 1 {
		t.Errorf("writes = %d, want 1", res.Writes)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type stubRow struct {
	value string
	err   error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != 1 {
		return errors.New("unexpected scan arity")
	}
	p, ok := dest[0].(*string)
	if !ok {
		return errors.New("unexpected scan target")
	}
	*p = r.value
	return nil
}

type stubExecutor struct {
	row      stubRow
	execErr  error
	tag      pgconn.CommandTag
	lastSQL  string
	lastArgs []any
}

func (e *stubExecutor) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	e.lastSQL = query
	e.lastArgs = args
	return e.tag, e.execErr
}

func (e *stubExecutor) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	e.lastSQL = query
	e.lastArgs = args
	return e.row
}

func TestPostgresStoreGet(t *testing.T) {
	exec := &stubExecutor{row: stubRow{value: `{"enabled":false}`}}
	s := NewPostgresStore(exec)

	got, ok, err := s.Get(context.Background(), "settings:provider:gemini")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got != `{"enabled":false}` {
		t.Errorf("value = %q", got)
	}
	if len(exec.lastArgs) != 1 || exec.lastArgs[0] != "settings:provider:gemini" {
		t.Errorf("args = %v", exec.lastArgs)
	}
}

func TestPostgresStoreGetNoRows(t *testing.T) {
	exec := &stubExecutor{row: stubRow{err: pgx.ErrNoRows}}
	s := NewPostgresStore(exec)

	_, ok, err := s.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("no rows must not be an error, got %v", err)
	}
	if ok {
		t.Error("missing key reported present")
	}
}

func TestPostgresStorePutWithTTL(t *testing.T) {
	exec := &stubExecutor{}
	s := NewPostgresStore(exec)

	if err := s.Put(context.Background(), "log:req-1", "{}", time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	if len(exec.lastArgs) != 3 {
		t.Fatalf("args = %v", exec.lastArgs)
	}
	expires, ok := exec.lastArgs[2].(time.Time)
	if !ok {
		t.Fatalf("expires_at arg = %T, want time.Time", exec.lastArgs[2])
	}
	if until := time.Until(expires); until < 59*time.Minute || until > time.Hour {
		t.Errorf("expires_at %v, want about an hour out", until)
	}
}

func TestPostgresStorePutWithoutTTL(t *testing.T) {
	exec := &stubExecutor{}
	s := NewPostgresStore(exec)

	if err := s.Put(context.Background(), "asset:k", "{}", 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	if exec.lastArgs[2] != nil {
		t.Errorf("expires_at = %v, want NULL for zero TTL", exec.lastArgs[2])
	}
}

func TestPostgresStorePutError(t *testing.T) {
	exec := &stubExecutor{execErr: errors.New("connection reset")}
	s := NewPostgresStore(exec)

	if err := s.Put(context.Background(), "k", "v", 0); err == nil {
		t.Fatal("expected error")
	}
}

func TestPostgresStoreDeleteExpired(t *testing.T) {
	exec := &stubExecutor{tag: pgconn.NewCommandTag("DELETE 3")}
	s := NewPostgresStore(exec)

	n, err := s.DeleteExpired(context.Background())
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 3 {
		t.Errorf("rows affected = %d, want 3", n)
	}
}

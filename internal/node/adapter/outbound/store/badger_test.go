package store

import (
	"context"
	"errors"
	"testing"

	"github.com/distorage-io/distorage/internal/node/port"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "user/alice", []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(ctx, "user/alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("expected v1, got %q", got)
	}

	// Overwrite is atomic and visible.
	if err := s.Put(ctx, "user/alice", []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = s.Get(ctx, "user/alice")
	if string(got) != "v2" {
		t.Fatalf("expected v2, got %q", got)
	}

	if err := s.Delete(ctx, "user/alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "user/alice"); !errors.Is(err, port.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestGet_UnknownKey(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Get(context.Background(), "file/nobody/x"); !errors.Is(err, port.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete_AbsentKeyIsNoop(t *testing.T) {
	s := openTestStore(t)

	if err := s.Delete(context.Background(), "file/nobody/x"); err != nil {
		t.Fatalf("deleting absent key should not fail: %v", err)
	}
}

func TestListPrefix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"file/alice/b.txt", "file/alice/a.txt", "file/bob/c.txt", "user/alice"} {
		if err := s.Put(ctx, k, []byte("x")); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	keys, err := s.ListPrefix(ctx, "file/alice/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0] != "file/alice/a.txt" || keys[1] != "file/alice/b.txt" {
		t.Fatalf("unexpected listing %v", keys)
	}

	empty, err := s.ListPrefix(ctx, "file/carol/")
	if err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty listing, got %v", empty)
	}
}

func TestReopen_KeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Put(ctx, "blob/abc", []byte("payload")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()

	got, err := s2.Get(ctx, "blob/abc")
	if err != nil || string(got) != "payload" {
		t.Fatalf("data lost across restart: %q %v", got, err)
	}
}

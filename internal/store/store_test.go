package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"dailyd/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, 0, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndListRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	runs := []Run{
		{ID: "r1", Job: "daily", StartedAt: base, Duration: 3 * time.Second, ExitCode: 0, Output: "ok"},
		{ID: "r2", Job: "daily", StartedAt: base.Add(24 * time.Hour), Duration: time.Second, ExitCode: 1, Error: "exit status 1"},
		{ID: "r3", Job: "sync", StartedAt: base.Add(time.Hour)},
	}
	for _, r := range runs {
		if err := s.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun(%s): %v", r.ID, err)
		}
	}

	got, err := s.ListRuns(ctx, "daily", 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "r2" {
		t.Fatalf("newest first: got %s", got[0].ID)
	}
	if got[0].Error != "exit status 1" || got[0].ExitCode != 1 {
		t.Fatalf("row mismatch: %+v", got[0])
	}
	if !got[1].StartedAt.Equal(base) {
		t.Fatalf("StartedAt = %v, want %v", got[1].StartedAt, base)
	}

	all, err := s.ListRuns(ctx, "", 2)
	if err != nil {
		t.Fatalf("ListRuns all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("limit not applied: len = %d", len(all))
	}
}

func TestPruneRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	if err := s.RecordRun(ctx, Run{ID: "old", Job: "daily", StartedAt: old}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordRun(ctx, Run{ID: "new", Job: "daily", StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	if err := s.PruneRuns(ctx, time.Now().Add(-24*time.Hour)); err != nil {
		t.Fatalf("PruneRuns: %v", err)
	}
	got, err := s.ListRuns(ctx, "daily", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "new" {
		t.Fatalf("prune kept wrong rows: %+v", got)
	}
}

func TestUserRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetUser(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetUser missing: err = %v, want ErrNotFound", err)
	}

	if err := s.CreateUser(ctx, User{Username: "alice", PasswordHash: "h1"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	// Upsert replaces the hash (password change path).
	if err := s.CreateUser(ctx, User{Username: "alice", PasswordHash: "h2"}); err != nil {
		t.Fatalf("CreateUser upsert: %v", err)
	}

	u, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.PasswordHash != "h2" {
		t.Fatalf("PasswordHash = %q, want h2", u.PasswordHash)
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("ListUsers len = %d", len(users))
	}

	if err := s.DeleteUser(ctx, "alice"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if err := s.DeleteUser(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteUser twice: err = %v, want ErrNotFound", err)
	}
}

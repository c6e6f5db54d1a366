// Package store persists job run history and API users in sqlite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"dailyd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var ErrNotFound = errors.New("not found")

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Run is one execution of a crontab entry.
type Run struct {
	ID        string
	Job       string
	StartedAt time.Time
	Duration  time.Duration
	ExitCode  int
	Error     string
	Output    string
}

type User struct {
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

type Store struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
	retention  time.Duration
}

func Open(cfg Config, retention time.Duration, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, log: log, pruneEvery: 500, retention: retention}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- job runs ----

func (s *Store) RecordRun(ctx context.Context, r Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs(id, job, started_at, duration_ms, exit_code, err, output)
		 VALUES(?,?,?,?,?,?,?)`,
		r.ID, r.Job, r.StartedAt.UTC().Format(time.RFC3339Nano),
		r.Duration.Milliseconds(), r.ExitCode, nullStr(r.Error), nullStr(r.Output),
	)
	if err == nil && s.retention > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.PruneRuns(pctx, time.Now().Add(-s.retention)); perr != nil && !s.log.IsZero() {
			s.log.Debug("run prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

// ListRuns returns the most recent runs, newest first. An empty job matches all.
func (s *Store) ListRuns(ctx context.Context, job string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, job, started_at, duration_ms, exit_code, err, output FROM job_runs`
	args := []any{}
	if strings.TrimSpace(job) != "" {
		q += ` WHERE job = ?`
		args = append(args, job)
	}
	q += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r       Run
			started string
			durMS   int64
			errStr  sql.NullString
			outStr  sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Job, &started, &durMS, &r.ExitCode, &errStr, &outStr); err != nil {
			return nil, err
		}
		if ts, perr := time.Parse(time.RFC3339Nano, started); perr == nil {
			r.StartedAt = ts
		}
		r.Duration = time.Duration(durMS) * time.Millisecond
		r.Error = errStr.String
		r.Output = outStr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) PruneRuns(ctx context.Context, olderThan time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM job_runs WHERE started_at < ?`,
		olderThan.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ---- users ----

func (s *Store) CreateUser(ctx context.Context, u User) error {
	if strings.TrimSpace(u.Username) == "" {
		return errors.New("username is required")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(username, password_hash, created_at) VALUES(?,?,?)
		 ON CONFLICT(username) DO UPDATE SET password_hash=excluded.password_hash`,
		u.Username, u.PasswordHash, u.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) GetUser(ctx context.Context, username string) (User, error) {
	var (
		u       User
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT username, password_hash, created_at FROM users WHERE username = ?`,
		username,
	).Scan(&u.Username, &u.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	if ts, perr := time.Parse(time.RFC3339Nano, created); perr == nil {
		u.CreatedAt = ts
	}
	return u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username, password_hash, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var (
			u       User
			created string
		)
		if err := rows.Scan(&u.Username, &u.PasswordHash, &created); err != nil {
			return nil, err
		}
		if ts, perr := time.Parse(time.RFC3339Nano, created); perr == nil {
			u.CreatedAt = ts
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) DeleteUser(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

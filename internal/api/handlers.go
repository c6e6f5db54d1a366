package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"dailyd/internal/auth"
	"dailyd/internal/store"
	"dailyd/pkg/logx"
)

type ctxKey int

const userKey ctxKey = 0

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Hello World"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	s.writeJSON(w, http.StatusNotFound, map[string]string{
		"message": "Route " + path + " not found",
	})
}

// handleToken exchanges a username/password form for a bearer token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "invalid form body")
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	user, err := s.users.GetUser(r.Context(), username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("user lookup failed", logx.String("username", username), logx.Err(err))
		}
		s.unauthorized(w, "Incorrect username or password")
		return
	}
	if err := auth.VerifyPassword(password, user.PasswordHash); err != nil {
		s.unauthorized(w, "Incorrect username or password")
		return
	}

	token, err := s.tokens.Issue(user.Username)
	if err != nil {
		s.writeDetail(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

// requireUser verifies the bearer token and checks the subject still exists
// before invoking next with the username in the request context.
func (s *Server) requireUser(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		const prefix = "Bearer "
		if !strings.HasPrefix(raw, prefix) {
			s.unauthorized(w, "Invalid authentication credentials")
			return
		}
		username, err := s.tokens.Verify(strings.TrimSpace(raw[len(prefix):]))
		if err != nil {
			s.unauthorized(w, "Invalid authentication credentials")
			return
		}
		if _, err := s.users.GetUser(r.Context(), username); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.writeDetail(w, http.StatusNotFound, "User not found")
				return
			}
			s.writeDetail(w, http.StatusInternalServerError, "user lookup failed")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey, username)))
	})
}

// handleFiles lists the caller's workspace directory as one comma-joined
// string. A missing directory is answered with a sentence, not an error.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	username, _ := r.Context().Value(userKey).(string)
	dir := filepath.Join(s.cfg.WorkspaceDir, username)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.writeJSON(w, http.StatusOK, "Directory not found for this user.")
			return
		}
		s.writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	s.writeJSON(w, http.StatusOK, strings.Join(names, ", "))
}

type jobEntry struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Command string    `json:"command"`
	Next    time.Time `json:"next,omitempty"`
	Prev    time.Time `json:"prev,omitempty"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	snap := s.jobs.Snapshot()
	entries := make([]jobEntry, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		entries = append(entries, jobEntry{
			Name:    e.Name,
			Spec:    e.Spec,
			Command: e.Command,
			Next:    e.Next,
			Prev:    e.Prev,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"timezone":  snap.Timezone,
		"workers":   snap.Workers,
		"queue_len": snap.QueueLen,
		"jobs":      entries,
	})
}

type runEntry struct {
	ID        string    `json:"id"`
	Job       string    `json:"job"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	ExitCode  int       `json:"exit_code"`
	Error     string    `json:"error,omitempty"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	job := strings.TrimSpace(r.URL.Query().Get("job"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	runs, err := s.runs.ListRuns(r.Context(), job, limit)
	if err != nil {
		s.writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]runEntry, 0, len(runs))
	for _, rr := range runs {
		out = append(out, runEntry{
			ID:        rr.ID,
			Job:       rr.Job,
			StartedAt: rr.StartedAt,
			Duration:  rr.Duration.String(),
			ExitCode:  rr.ExitCode,
			Error:     rr.Error,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (s *Server) handlePrograms(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"programs": s.programs.Statuses()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("response encode failed", logx.Err(err))
	}
}

func (s *Server) writeDetail(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	s.writeDetail(w, http.StatusUnauthorized, detail)
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"tasksched/internal/job"
	"tasksched/internal/storage"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

// Jobs is the submission API the handlers drive.
type Jobs interface {
	Submit(ctx context.Context, kind string, data any, opts ...scheduler.SubmitOption) (string, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Kill(ctx context.Context, id string) (bool, error)
	Status(ctx context.Context, id string) (job.Status, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, f storage.Filter) ([]*job.Job, error)
	SetData(ctx context.Context, id string, data any) error
	Postpone(ctx context.Context, id string, at time.Time) error
	Resume(ctx context.Context, id string) error
	Snapshot() scheduler.Snapshot
}

const maxBody = 1 << 20

// Handler builds the routed, authenticated handler for cfg.
func (s *Server) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /jobs", s.handleSubmit)
	mux.HandleFunc("GET /jobs", s.handleList)
	mux.HandleFunc("GET /jobs/{id}", s.handleGet)
	mux.HandleFunc("GET /jobs/{id}/status", s.handleStatus)
	mux.HandleFunc("PUT /jobs/{id}/data", s.handleSetData)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /jobs/{id}/kill", s.handleKill)
	mux.HandleFunc("POST /jobs/{id}/postpone", s.handlePostpone)
	mux.HandleFunc("POST /jobs/{id}/resume", s.handleResume)

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return withAuth(cfg.Token, mux)
}

type submitRequest struct {
	ID            string          `json:"id,omitempty"`
	Kind          string          `json:"kind"`
	Data          json.RawMessage `json:"data,omitempty"`
	ScheduledAt   time.Time       `json:"scheduled_at,omitzero"`
	Timeout       string          `json:"timeout,omitempty"`
	Retry         int             `json:"retry,omitempty"`
	RetryInterval string          `json:"retry_interval,omitempty"`
	Interval      string          `json:"interval,omitempty"`
}

func (r submitRequest) options() ([]scheduler.SubmitOption, error) {
	var opts []scheduler.SubmitOption
	if r.ID != "" {
		opts = append(opts, scheduler.WithID(r.ID))
	}
	if !r.ScheduledAt.IsZero() {
		opts = append(opts, scheduler.WithScheduledAt(r.ScheduledAt))
	}
	if r.Timeout != "" {
		d, err := time.ParseDuration(r.Timeout)
		if err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
		opts = append(opts, scheduler.WithTimeout(d))
	}
	if r.Retry != 0 || r.RetryInterval != "" {
		var every time.Duration
		if r.RetryInterval != "" {
			d, err := time.ParseDuration(r.RetryInterval)
			if err != nil {
				return nil, fmt.Errorf("retry_interval: %w", err)
			}
			every = d
		}
		opts = append(opts, scheduler.WithRetry(r.Retry, every))
	}
	if r.Interval != "" {
		opts = append(opts, scheduler.WithInterval(r.Interval))
	}
	return opts, nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	opts, err := req.options()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var data any
	if len(req.Data) > 0 {
		data = req.Data
	}
	id, err := s.jobs.Submit(r.Context(), req.Kind, data, opts...)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f storage.Filter
	for _, raw := range q["status"] {
		for _, name := range strings.Split(raw, ",") {
			st, err := job.ParseStatus(name)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	f.Worker = q.Get("worker")
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	jobs, err := s.jobs.List(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.jobs.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": st.String(), "code": int(st)})
}

func (s *Server) handleSetData(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if !decodeBody(w, r, &raw) {
		return
	}
	if err := s.jobs.SetData(r.Context(), r.PathValue("id"), raw); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ok, err := s.jobs.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"canceled": ok})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	ok, err := s.jobs.Kill(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"killed": ok})
}

func (s *Server) handlePostpone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Until time.Time `json:"until"`
		After string    `json:"after"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	at := req.Until
	if req.After != "" {
		d, err := time.ParseDuration(req.After)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after: "+err.Error())
			return
		}
		at = time.Now().Add(d)
	}
	if at.IsZero() {
		writeError(w, http.StatusBadRequest, "until or after required")
		return
	}
	if err := s.jobs.Postpone(r.Context(), r.PathValue("id"), at); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Resume(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"scheduler": s.jobs.Snapshot()}
	s.mu.Lock()
	for name, fn := range s.stats {
		out[name] = fn()
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.log.Error("http request failed", logx.Err(err))
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrDuplicateID),
		errors.Is(err, job.ErrStaleClaim),
		errors.Is(err, job.ErrIllegalTransition),
		errors.Is(err, job.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, job.ErrUnknownKind):
		return http.StatusUnprocessableEntity
	case job.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		// Validation errors from Submit and the codecs carry no sentinel.
		return http.StatusBadRequest
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Package api exposes the call controller and the conversation history over
// a small JSON HTTP API:
//
//	POST /v1/call/start       start a call; returns the call snapshot
//	POST /v1/call/end         hang up
//	POST /v1/call/mute        {"muted": bool}
//	GET  /v1/call             current call snapshot
//	GET  /v1/history?q=       finished conversations, newest first
//	GET  /v1/history/{id}     one conversation
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/MrWong99/voxline/internal/call"
	"github.com/MrWong99/voxline/internal/history"
	"github.com/MrWong99/voxline/internal/observe"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 10

// Calls is the subset of [call.Controller] the API drives.
type Calls interface {
	Start(ctx context.Context) error
	End(ctx context.Context) error
	SetMuted(muted bool) error
	Snapshot() call.Snapshot
}

var _ Calls = (*call.Controller)(nil)

// Server holds the API handlers.
type Server struct {
	calls   Calls
	history history.Store
	log     *slog.Logger
}

// Option is a functional option for [New].
type Option func(*Server)

// WithLogger sets the logger for handler errors.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New returns a Server. store may be nil, in which case the history routes
// answer 404.
func New(calls Calls, store history.Store, opts ...Option) *Server {
	s := &Server{calls: calls, history: store, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/call/start", s.handleStart)
	mux.HandleFunc("POST /v1/call/end", s.handleEnd)
	mux.HandleFunc("POST /v1/call/mute", s.handleMute)
	mux.HandleFunc("GET /v1/call", s.handleSnapshot)
	if s.history != nil {
		mux.HandleFunc("GET /v1/history", s.handleHistoryList)
		mux.HandleFunc("GET /v1/history/{id}", s.handleHistoryGet)
	}
}

// ── Call ─────────────────────────────────────────────────────────────────────

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.calls.Start(r.Context()); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.calls.Snapshot())
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	if err := s.calls.End(r.Context()); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.calls.Snapshot())
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	if req.Muted == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "muted is required"})
		return
	}
	if err := s.calls.SetMuted(*req.Muted); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.calls.Snapshot())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.calls.Snapshot())
}

// ── History ──────────────────────────────────────────────────────────────────

// recordView adds the M:SS duration shown in conversation lists.
type recordView struct {
	history.Record
	DurationText string `json:"duration_text"`
}

func view(rec history.Record) recordView {
	return recordView{Record: rec, DurationText: history.FormatDuration(rec.Duration)}
}

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	records, err := history.Search(r.Context(), s.history, r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	out := make([]recordView, 0, len(records))
	for _, rec := range records {
		out = append(out, view(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistoryGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.history.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(rec))
}

// ── Responses ────────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps controller and store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrBusy), errors.Is(err, call.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.WarnContext(ctx, "api: request failed",
			"trace_id", observe.CorrelationID(ctx),
			"status", status,
			"err", err,
		)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

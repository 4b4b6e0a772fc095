// Package api serves the mobile client's registration and query surface.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kolapsis/printwatch/internal/config"
	"github.com/kolapsis/printwatch/internal/state"
	"github.com/kolapsis/printwatch/internal/store"
)

// StateSource provides current printer state for on-demand polling, used by
// the mobile client when push is unavailable.
type StateSource interface {
	Get(prefix string) (state.DeviceState, bool)
	GetAll() []state.DeviceState
}

// Server exposes recipient registration and printer state over HTTP.
type Server struct {
	store  store.Store
	states []StateSource
}

// NewServer creates a Server reading from the given store and the state
// caches of every monitored hub.
func NewServer(st store.Store, states ...StateSource) *Server {
	return &Server{store: st, states: states}
}

// Router builds the chi router with auth and rate limiting applied.
func (s *Server) Router(cfg config.APIConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(IPRateLimit(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst))
		r.Use(BearerAuth(cfg.Token))

		r.Post("/api/recipients", s.handleRegister)
		r.Delete("/api/recipients/{id}", s.handleUnregister)
		r.Put("/api/recipients/{id}/live-activity", s.handleLiveActivityToken)

		r.Get("/api/printers", s.handleListPrinters)
		r.Get("/api/printers/{prefix}", s.handleGetPrinter)
		r.Get("/api/printers/{prefix}/history", s.handleHistory)
	})

	return r
}

type registerRequest struct {
	PushToken     string `json:"push_token"`
	PrinterPrefix string `json:"printer_prefix"`
	Preferences   struct {
		OnStart     *bool `json:"on_start"`
		OnComplete  *bool `json:"on_complete"`
		OnFailed    *bool `json:"on_failed"`
		OnPaused    *bool `json:"on_paused"`
		OnMilestone *bool `json:"on_milestone"`
	} `json:"preferences"`
}

type recipientResponse struct {
	ID            string    `json:"id"`
	PrinterPrefix string    `json:"printer_prefix"`
	OnStart       bool      `json:"on_start"`
	OnComplete    bool      `json:"on_complete"`
	OnFailed      bool      `json:"on_failed"`
	OnPaused      bool      `json:"on_paused"`
	OnMilestone   bool      `json:"on_milestone"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.PushToken == "" || req.PrinterPrefix == "" {
		writeError(w, http.StatusBadRequest, "push_token and printer_prefix are required")
		return
	}

	rec := &store.Recipient{
		ID:            uuid.NewString(),
		PushToken:     req.PushToken,
		PrinterPrefix: req.PrinterPrefix,
		// Start/complete/failed default on; paused and milestones are opt-in.
		OnStart:     boolOr(req.Preferences.OnStart, true),
		OnComplete:  boolOr(req.Preferences.OnComplete, true),
		OnFailed:    boolOr(req.Preferences.OnFailed, true),
		OnPaused:    boolOr(req.Preferences.OnPaused, false),
		OnMilestone: boolOr(req.Preferences.OnMilestone, false),
		CreatedAt:   time.Now(),
	}

	if err := s.store.CreateRecipient(rec); err != nil {
		slog.Error("recipient registration failed", "prefix", req.PrinterPrefix, "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	slog.Info("recipient registered", "recipient", rec.ID, "prefix", rec.PrinterPrefix)
	writeJSON(w, http.StatusCreated, toResponse(rec))
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteRecipient(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "recipient not found")
			return
		}
		slog.Error("recipient deletion failed", "recipient", id, "error", err)
		writeError(w, http.StatusInternalServerError, "deletion failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLiveActivityToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	if err := s.store.SetLiveActivityToken(id, req.Token); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "recipient not found")
			return
		}
		slog.Error("live-activity registration failed", "recipient", id, "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	slog.Info("live activity registered", "recipient", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPrinters(w http.ResponseWriter, _ *http.Request) {
	var all []state.DeviceState
	for _, src := range s.states {
		all = append(all, src.GetAll()...)
	}
	if all == nil {
		all = []state.DeviceState{}
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleGetPrinter(w http.ResponseWriter, r *http.Request) {
	prefix := chi.URLParam(r, "prefix")
	for _, src := range s.states {
		if st, ok := src.Get(prefix); ok {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeError(w, http.StatusNotFound, "printer not found")
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	prefix := chi.URLParam(r, "prefix")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	entries, err := s.store.ListHistory(prefix, limit)
	if err != nil {
		slog.Error("history query failed", "prefix", prefix, "error", err)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if entries == nil {
		entries = []store.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func toResponse(r *store.Recipient) recipientResponse {
	return recipientResponse{
		ID:            r.ID,
		PrinterPrefix: r.PrinterPrefix,
		OnStart:       r.OnStart,
		OnComplete:    r.OnComplete,
		OnFailed:      r.OnFailed,
		OnPaused:      r.OnPaused,
		OnMilestone:   r.OnMilestone,
		CreatedAt:     r.CreatedAt,
	}
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

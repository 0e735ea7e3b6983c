package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"voicechat/internal/db"
	"voicechat/internal/domain"
	"voicechat/internal/listen"
	"voicechat/internal/orchestrator"
	"voicechat/internal/terminal"
)

type Conversations interface {
	Begin(ctx context.Context, req orchestrator.StartRequest) (orchestrator.Snapshot, error)
	Snapshot(sessionID string) (orchestrator.Snapshot, bool)
	Stop(sessionID string) error
	List() []orchestrator.Snapshot
}

type Sessions interface {
	GetSession(ctx context.Context, sessionID string) (domain.ConversationSession, error)
	ListSessions(ctx context.Context) ([]domain.ConversationSession, error)
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteAllSessions(ctx context.Context) error
}

type Terminals interface {
	ListOnline() []terminal.State
}

type Deps struct {
	Conversations Conversations
	Sessions      Sessions
	Terminals     Terminals
	// TerminalSocket serves the terminal websocket upgrade.
	TerminalSocket http.Handler
	Logger         *slog.Logger
}

type startResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Listener  string `json:"listener,omitempty"`
	Error     string `json:"error,omitempty"`
}

func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Get("/v1/terminals", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"terminals": d.Terminals.ListOnline()})
	})
	if d.TerminalSocket != nil {
		r.Method(http.MethodGet, "/v1/terminal/ws", d.TerminalSocket)
	}

	r.Route("/v1/conversations", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"conversations": d.Conversations.List()})
		})
		r.Post("/", func(w http.ResponseWriter, req *http.Request) {
			var startReq orchestrator.StartRequest
			if err := json.NewDecoder(req.Body).Decode(&startReq); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
				return
			}
			snap, err := d.Conversations.Begin(req.Context(), startReq)
			if err != nil {
				status := startStatus(err)
				// The conversation exists but its speech input could not be prepared.
				if status == http.StatusInternalServerError && snap.SessionID != "" {
					status = http.StatusUnprocessableEntity
				}
				if status >= http.StatusInternalServerError {
					logger.Error("start conversation failed", "terminal_id", startReq.TerminalID, "error", err)
				}
				resp := startResponse{SessionID: snap.SessionID, State: string(snap.State), Error: err.Error()}
				if snap.LastError != "" {
					resp.Error = snap.LastError
				}
				writeJSON(w, status, resp)
				return
			}
			writeJSON(w, http.StatusCreated, startResponse{SessionID: snap.SessionID, State: string(snap.State), Listener: string(snap.Listener)})
		})
		r.Get("/{id}", func(w http.ResponseWriter, req *http.Request) {
			snap, ok := d.Conversations.Snapshot(chi.URLParam(req, "id"))
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]any{"error": "conversation not found"})
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})
		r.Post("/{id}/stop", func(w http.ResponseWriter, req *http.Request) {
			if err := d.Conversations.Stop(chi.URLParam(req, "id")); err != nil {
				if errors.Is(err, orchestrator.ErrConversationNotFound) {
					writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
					return
				}
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		})
	})

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			sessions, err := d.Sessions.ListSessions(req.Context())
			if err != nil {
				logger.Error("list sessions failed", "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
		})
		r.Delete("/", func(w http.ResponseWriter, req *http.Request) {
			if err := d.Sessions.DeleteAllSessions(req.Context()); err != nil {
				logger.Error("clear sessions failed", "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		})
		r.Get("/{id}", func(w http.ResponseWriter, req *http.Request) {
			session, err := d.Sessions.GetSession(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				writeSessionError(w, logger, err)
				return
			}
			writeJSON(w, http.StatusOK, session)
		})
		r.Delete("/{id}", func(w http.ResponseWriter, req *http.Request) {
			if err := d.Sessions.DeleteSession(req.Context(), chi.URLParam(req, "id")); err != nil {
				writeSessionError(w, logger, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		})
	})

	return r
}

func startStatus(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrTerminalBusy):
		return http.StatusConflict
	case errors.Is(err, terminal.ErrTerminalNotConnected):
		return http.StatusNotFound
	case errors.Is(err, listen.ErrNoListener):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeSessionError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.Is(err, db.ErrSessionNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	logger.Error("session request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ResultsReader returns archived standings of finished sessions.
type ResultsReader interface {
	Results(ctx context.Context, sessionID string) ([]domain.LeaderboardEntry, error)
}

// SessionHandler serves session creation and read-only session lookups.
type SessionHandler struct {
	service *app.GameService
	results ResultsReader
	log     zerolog.Logger
}

// NewSessionHandler builds the REST handler; results may be nil, in which
// case standings come from the live leaderboard.
func NewSessionHandler(service *app.GameService, results ResultsReader, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{service: service, results: results, log: log}
}

// Register mounts the session routes on mux.
func (h *SessionHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", h.create)
	mux.HandleFunc("GET /sessions/{id}", h.get)
	mux.HandleFunc("GET /sessions/{id}/leaderboard", h.leaderboard)
}

type createSessionRequest struct {
	SessionID        string `json:"sessionId"`
	QuizID           string `json:"quizId"`
	HostID           string `json:"hostId"`
	TimeLimitSeconds int    `json:"timeLimitSeconds"`
}

type createSessionResponse struct {
	SessionID string         `json:"sessionId"`
	Session   domain.Session `json:"session"`
}

func (h *SessionHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.QuizID == "" || req.HostID == "" {
		writeError(w, http.StatusBadRequest, "quizId and hostId are required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	session, err := h.service.CreateSession(r.Context(), app.CreateSessionParams{
		SessionID:        req.SessionID,
		QuizID:           req.QuizID,
		HostID:           req.HostID,
		TimeLimitSeconds: req.TimeLimitSeconds,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: session.ID, Session: session})
}

func (h *SessionHandler) get(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.Repository().ReadSession(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// leaderboard serves archived standings once a session has been archived,
// otherwise the ranked live board.
func (h *SessionHandler) leaderboard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.results != nil {
		archived, err := h.results.Results(r.Context(), id)
		if err != nil {
			h.log.Warn().Err(err).Str("session_id", id).Msg("read archived results")
		} else if len(archived) > 0 {
			writeJSON(w, http.StatusOK, domain.Leaderboard{SessionID: id, Entries: archived})
			return
		}
	}
	if _, err := h.service.Repository().ReadSession(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	entries, err := h.service.Repository().ReadLeaderboard(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.Leaderboard{SessionID: id, Entries: app.RecomputeLeaderboard(entries)})
}

func (h *SessionHandler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrQuizNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidSession):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.log.Error().Err(err).Msg("session request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorPayload{Code: http.StatusText(status), Message: msg})
}

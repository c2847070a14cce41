package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// WSConfig tunes the websocket gateway.
type WSConfig struct {
	AllowedOrigins    []string
	CommandsPerSecond float64
	CommandBurst      int
}

type WSHandler struct {
	service  *app.GameService
	upgrader websocket.Upgrader
	limit    rate.Limit
	burst    int
	log      zerolog.Logger
}

func NewWSHandler(service *app.GameService, cfg WSConfig, log zerolog.Logger) *WSHandler {
	limit := rate.Limit(cfg.CommandsPerSecond)
	if cfg.CommandsPerSecond <= 0 {
		limit = 10
	}
	burst := cfg.CommandBurst
	if burst <= 0 {
		burst = 20
	}
	return &WSHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		limit: limit,
		burst: burst,
		log:   log,
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	QuestionIndex  *int `json:"questionIndex"`
	SelectedAnswer int  `json:"selectedAnswer"`
	DoublePoints   bool `json:"doublePoints"`
}

type joinedPayload struct {
	SessionID string   `json:"sessionId"`
	PlayerID  string   `json:"playerId"`
	View      app.View `json:"view"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServeWS upgrades HTTP requests to websockets and binds each connection to
// one participant engine.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	playerID := r.URL.Query().Get("playerId")
	displayName := r.URL.Query().Get("name")
	if sessionID == "" || playerID == "" {
		http.Error(w, "missing sessionId or playerId", http.StatusBadRequest)
		return
	}
	log := h.log.With().Str("session_id", sessionID).Str("player_id", playerID).Logger()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	engine, err := h.service.Connect(r.Context(), sessionID, playerID, displayName)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage{Type: "error", Payload: toErrorPayload(err)})
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.service.Leave(ctx, engine); err != nil {
			log.Warn().Err(err).Msg("leave session")
		}
	}()

	send := make(chan outboundMessage, 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	// single writer: gorilla connections do not support concurrent writes
	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Msg("ws write error")
				// unblock the reader
				_ = conn.Close()
				for range send {
				}
				return
			}
		}
	}()

	push := func(msg outboundMessage) bool {
		select {
		case send <- msg:
			return true
		case <-closeSignals:
			return false
		}
	}

	send <- outboundMessage{Type: "joined", Payload: joinedPayload{
		SessionID: sessionID,
		PlayerID:  playerID,
		View:      engine.View(),
	}}

	go func() {
		defer close(updatesDone)
		updates := engine.Updates()
		for {
			select {
			case view, ok := <-updates:
				if !ok {
					return
				}
				if !push(outboundMessage{Type: "state", Payload: view}) {
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	limiter := rate.NewLimiter(h.limit, h.burst)
	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		if !limiter.Allow() {
			send <- outboundMessage{Type: "error", Payload: errorPayload{Code: "rate_limited", Message: "too many commands"}}
			continue
		}
		if reply := h.dispatch(r.Context(), engine, inbound); reply != nil {
			send <- *reply
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}

func (h *WSHandler) dispatch(ctx context.Context, engine *app.Engine, inbound inboundMessage) *outboundMessage {
	var err error
	switch inbound.Type {
	case "answer":
		var payload answerPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			return &outboundMessage{Type: "error", Payload: errorPayload{Code: "bad_request", Message: "invalid answer payload"}}
		}
		if payload.QuestionIndex != nil && *payload.QuestionIndex != engine.View().Session.CurrentQuestionIndex {
			return &outboundMessage{Type: "error", Payload: toErrorPayload(domain.ErrStaleWrite)}
		}
		result, err := engine.SubmitAnswer(ctx, payload.SelectedAnswer, payload.DoublePoints)
		if err != nil {
			return &outboundMessage{Type: "error", Payload: toErrorPayload(err)}
		}
		return &outboundMessage{Type: "answerResult", Payload: result}
	case "advance":
		err = engine.AdvanceQuestion(ctx)
	case "showResults":
		err = engine.ShowResults(ctx)
	case "endGame":
		err = engine.EndGame(ctx)
	case "freeze":
		engine.Freeze()
	case "resume":
		engine.Resume()
	default:
		return &outboundMessage{Type: "error", Payload: errorPayload{Code: "bad_request", Message: "unsupported message type"}}
	}
	if err != nil {
		return &outboundMessage{Type: "error", Payload: toErrorPayload(err)}
	}
	return nil
}

func toErrorPayload(err error) errorPayload {
	code := "internal"
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrQuizNotFound):
		code = "not_found"
	case errors.Is(err, domain.ErrStaleWrite):
		code = "stale"
	case errors.Is(err, domain.ErrSessionFinished):
		code = "finished"
	case errors.Is(err, domain.ErrLateSubmission):
		code = "late"
	case errors.Is(err, domain.ErrInvalidSession), errors.Is(err, domain.ErrQuestionNotFound):
		code = "bad_request"
	case errors.Is(err, domain.ErrStoreUnavailable):
		code = "unavailable"
	}
	return errorPayload{Code: code, Message: err.Error()}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin] || set["*"]
	}
}

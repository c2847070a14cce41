package app

import (
	"context"
	"fmt"
	"sync"

	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/realtime"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// ResultArchiver persists the final standings of a finished session.
type ResultArchiver interface {
	ArchiveResults(ctx context.Context, session domain.Session, board []domain.LeaderboardEntry) error
}

// Options wires a GameService. Validator and Archiver are optional.
type Options struct {
	Store     realtime.Store
	Quizzes   QuizRepository
	Validator Validator
	Archiver  ResultArchiver
	Clock     clockwork.Clock
	Rules     ScoringRules
	Engine    EngineConfig
	Log       zerolog.Logger
}

// CreateSessionParams describes a session requested by a host.
type CreateSessionParams struct {
	SessionID        string
	QuizID           string
	HostID           string
	TimeLimitSeconds int
}

// GameService hosts the engines of every participant connected to this
// process. Sessions never share state except through the replicated store.
type GameService struct {
	repo    *Repository
	quizzes QuizRepository
	deps    EngineDeps
	cfg     EngineConfig
	log     zerolog.Logger

	mu      sync.Mutex
	engines map[engineKey]*Engine
}

type engineKey struct {
	sessionID string
	playerID  string
}

func NewGameService(opts Options) *GameService {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Rules == (ScoringRules{}) {
		opts.Rules = DefaultScoringRules()
	}
	if opts.Engine == (EngineConfig{}) {
		opts.Engine = DefaultEngineConfig()
	}
	repo := NewRepository(opts.Store)
	scorer := NewScorer(repo, opts.Validator, opts.Rules, opts.Log)
	return &GameService{
		repo:    repo,
		quizzes: opts.Quizzes,
		deps: EngineDeps{
			Repo:     repo,
			Quizzes:  opts.Quizzes,
			Scorer:   scorer,
			Archiver: opts.Archiver,
			Clock:    opts.Clock,
			Log:      opts.Log,
		},
		cfg:     opts.Engine,
		log:     opts.Log,
		engines: make(map[engineKey]*Engine),
	}
}

// Repository exposes typed access to the replicated session state.
func (s *GameService) Repository() *Repository {
	return s.repo
}

// CreateSession starts a session for a quiz; the question count comes from
// the quiz content.
func (s *GameService) CreateSession(ctx context.Context, p CreateSessionParams) (domain.Session, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, p.QuizID)
	if err != nil {
		return domain.Session{}, err
	}
	session, err := s.repo.CreateSession(ctx, NewSessionParams{
		SessionID:        p.SessionID,
		QuizID:           p.QuizID,
		HostID:           p.HostID,
		TotalQuestions:   len(quiz.Questions),
		TimeLimitSeconds: p.TimeLimitSeconds,
	})
	if err != nil {
		return domain.Session{}, err
	}
	s.log.Info().
		Str("session_id", session.ID).
		Str("quiz_id", session.QuizID).
		Str("host_id", session.HostID).
		Int("questions", session.TotalQuestions).
		Msg("session created")
	return session, nil
}

// Connect joins a participant to a session and returns its engine. A second
// connect for the same participant replaces the previous engine without
// marking the participant offline in between.
func (s *GameService) Connect(ctx context.Context, sessionID, playerID, displayName string) (*Engine, error) {
	if playerID == "" {
		return nil, fmt.Errorf("%w: player id required", domain.ErrInvalidSession)
	}
	session, err := s.repo.ReadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	// Preload quiz into cache; sessions cannot run without content.
	if _, err := s.quizzes.GetQuiz(ctx, session.QuizID); err != nil {
		return nil, err
	}
	if displayName == "" {
		displayName = playerID
	}

	key := engineKey{sessionID: sessionID, playerID: playerID}
	s.mu.Lock()
	prev := s.engines[key]
	delete(s.engines, key)
	s.mu.Unlock()
	if prev != nil {
		if err := prev.shutdown(ctx, false); err != nil {
			s.log.Warn().Err(err).Str("session_id", sessionID).Str("player_id", playerID).Msg("close replaced engine")
		}
	}

	engine := newEngine(s.deps, s.cfg, sessionID, playerID, displayName)
	if err := engine.start(ctx); err != nil {
		_ = engine.Close(ctx)
		return nil, err
	}
	s.mu.Lock()
	s.engines[key] = engine
	s.mu.Unlock()
	return engine, nil
}

// Leave disconnects an engine and marks its participant offline.
func (s *GameService) Leave(ctx context.Context, engine *Engine) error {
	key := engineKey{sessionID: engine.SessionID(), playerID: engine.PlayerID()}
	s.mu.Lock()
	if s.engines[key] == engine {
		delete(s.engines, key)
	}
	s.mu.Unlock()
	return engine.Close(ctx)
}

// Close disconnects every engine.
func (s *GameService) Close(ctx context.Context) {
	s.mu.Lock()
	engines := make([]*Engine, 0, len(s.engines))
	for key, e := range s.engines {
		engines = append(engines, e)
		delete(s.engines, key)
	}
	s.mu.Unlock()
	for _, e := range engines {
		if err := e.Close(ctx); err != nil {
			s.log.Warn().Err(err).Str("session_id", e.SessionID()).Msg("close engine")
		}
	}
}

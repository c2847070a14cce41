package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/metrics"

	"github.com/rs/zerolog"
)

// ScoringRules is the speed-weighted scoring function shared by local scoring
// and the trusted validator.
type ScoringRules struct {
	BasePoints    int
	MaxSpeedBonus int
	MinSpeedBonus int
	GracePeriod   time.Duration
}

func DefaultScoringRules() ScoringRules {
	return ScoringRules{
		BasePoints:    1000,
		MaxSpeedBonus: 500,
		MinSpeedBonus: 50,
		GracePeriod:   2 * time.Second,
	}
}

// Score returns correctness and points for one answer. Unanswered, wrong and
// late answers score zero. A correct answer within the limit earns the base
// plus a bonus decaying linearly from MaxSpeedBonus to MinSpeedBonus.
func (r ScoringRules) Score(q domain.Question, selected int, elapsed, limit time.Duration, double bool) (bool, int) {
	if selected == domain.NoAnswer || selected != q.CorrectAnswer {
		return false, 0
	}
	if r.Late(elapsed, limit) {
		return false, 0
	}
	if elapsed < 0 {
		elapsed = 0
	}
	base := q.Points
	if base <= 0 {
		base = r.BasePoints
	}
	bonus := r.MinSpeedBonus
	if limit > 0 && elapsed < limit {
		ratio := 1 - float64(elapsed)/float64(limit)
		bonus = int(math.Floor(float64(r.MaxSpeedBonus) * ratio))
		if bonus < r.MinSpeedBonus {
			bonus = r.MinSpeedBonus
		}
	}
	points := base + bonus
	if double {
		points *= 2
	}
	return true, points
}

// Late reports whether elapsed is past the limit plus grace.
func (r ScoringRules) Late(elapsed, limit time.Duration) bool {
	return elapsed > limit+r.GracePeriod
}

// ValidationRequest is what the trusted scoring collaborator receives.
type ValidationRequest struct {
	SessionID      string `json:"sessionId"`
	QuestionIndex  int    `json:"questionIndex"`
	PlayerID       string `json:"playerId"`
	SelectedAnswer int    `json:"selectedAnswer"`
	SubmittedAt    int64  `json:"submittedAt"`
	DoublePoints   bool   `json:"doublePoints"`
}

// Validation is the server-side verdict for one submission.
type Validation struct {
	IsCorrect     bool `json:"isCorrect"`
	PointsAwarded int  `json:"pointsAwarded"`
	CorrectAnswer int  `json:"correctAnswer"`
}

// Validator scores submissions on a trusted path. Implementations return an
// error wrapping domain.ErrValidationUnavailable when they cannot be reached.
type Validator interface {
	Validate(ctx context.Context, req ValidationRequest) (Validation, error)
}

// SubmitRequest carries one submission together with the question it answers.
// The question is resolved once per index by the caller.
type SubmitRequest struct {
	Session     domain.Session
	Question    domain.Question
	PlayerID    string
	DisplayName string
	Submission  domain.AnswerSubmission
}

// Scorer runs the submission protocol: idempotency guard, scoring (trusted
// path first, local fallback), persistence, then leaderboard entry rebuild.
type Scorer struct {
	repo      *Repository
	validator Validator
	rules     ScoringRules
	log       zerolog.Logger
}

func NewScorer(repo *Repository, validator Validator, rules ScoringRules, log zerolog.Logger) *Scorer {
	return &Scorer{repo: repo, validator: validator, rules: rules, log: log}
}

// Rules returns the scoring function in use.
func (s *Scorer) Rules() ScoringRules {
	return s.rules
}

// Submit scores and persists one answer. A repeat for the same question and
// player returns the stored result with domain.ErrDuplicateSubmission; the
// stored record is never changed.
func (s *Scorer) Submit(ctx context.Context, req SubmitRequest) (domain.ScoreResult, error) {
	sessionID := req.Session.ID
	sub := req.Submission
	log := s.log.With().
		Str("session_id", sessionID).
		Str("player_id", req.PlayerID).
		Int("question_index", sub.QuestionIndex).
		Logger()

	if req.Session.Finished() {
		return domain.ScoreResult{}, domain.ErrSessionFinished
	}
	if sub.QuestionIndex != req.Session.CurrentQuestionIndex {
		return domain.ScoreResult{}, fmt.Errorf("%w: answer for question %d while %d is active",
			domain.ErrStaleWrite, sub.QuestionIndex, req.Session.CurrentQuestionIndex)
	}

	existing, ok, err := s.repo.ReadAnswer(ctx, sessionID, sub.QuestionIndex, req.PlayerID)
	if err != nil {
		return domain.ScoreResult{}, err
	}
	if ok {
		// a retry after a failed entry rebuild finishes the job here
		if err := s.RebuildEntry(ctx, sessionID, req.PlayerID, req.DisplayName); err != nil {
			log.Warn().Err(err).Msg("leaderboard rebuild on duplicate failed")
		}
		metrics.Submissions.WithLabelValues(string(existing.Source), "duplicate").Inc()
		return existing.Result(), domain.ErrDuplicateSubmission
	}
	if req.Session.Phase == domain.PhaseResults {
		// the correct answer is already revealed
		metrics.Submissions.WithLabelValues("", "late").Inc()
		return domain.ScoreResult{}, fmt.Errorf("%w: question %d is closed", domain.ErrLateSubmission, sub.QuestionIndex)
	}

	now, err := s.repo.Store().Now(ctx)
	if err != nil {
		return domain.ScoreResult{}, err
	}

	answer := domain.PlayerAnswer{
		PlayerID:       req.PlayerID,
		QuestionIndex:  sub.QuestionIndex,
		SelectedAnswer: sub.SelectedAnswer,
		Timestamp:      now.UnixMilli(),
		TimeToAnswerMs: sub.ElapsedMs,
		CorrectAnswer:  req.Question.CorrectAnswer,
	}

	validated := false
	if s.validator != nil {
		v, err := s.validator.Validate(ctx, ValidationRequest{
			SessionID:      sessionID,
			QuestionIndex:  sub.QuestionIndex,
			PlayerID:       req.PlayerID,
			SelectedAnswer: sub.SelectedAnswer,
			SubmittedAt:    now.UnixMilli(),
			DoublePoints:   sub.DoublePoints,
		})
		switch {
		case err == nil:
			answer.IsCorrect = v.IsCorrect
			answer.PointsAwarded = v.PointsAwarded
			answer.CorrectAnswer = v.CorrectAnswer
			answer.Source = domain.ScoreValidated
			validated = true
		case errors.Is(err, domain.ErrLateSubmission):
			answer.Source = domain.ScoreValidated
			validated = true
		default:
			log.Warn().Err(err).Msg("trusted scoring unavailable, scoring locally")
			metrics.ValidationFallbacks.Inc()
		}
	}
	if !validated {
		elapsed := time.Duration(sub.ElapsedMs) * time.Millisecond
		answer.IsCorrect, answer.PointsAwarded = s.rules.Score(
			req.Question, sub.SelectedAnswer, elapsed, req.Session.TimeLimit(), sub.DoublePoints)
		answer.Source = domain.ScoreLocal
	}

	if err := s.repo.CreateAnswer(ctx, sessionID, answer); err != nil {
		if errors.Is(err, domain.ErrDuplicateSubmission) {
			// lost a race against our own retry or the auto-submit
			stored, ok, rerr := s.repo.ReadAnswer(ctx, sessionID, sub.QuestionIndex, req.PlayerID)
			if rerr == nil && ok {
				return stored.Result(), domain.ErrDuplicateSubmission
			}
		}
		return domain.ScoreResult{}, fmt.Errorf("persist answer: %w", err)
	}

	outcome := "incorrect"
	if answer.IsCorrect {
		outcome = "correct"
	}
	metrics.Submissions.WithLabelValues(string(answer.Source), outcome).Inc()
	log.Debug().
		Bool("correct", answer.IsCorrect).
		Int("points", answer.PointsAwarded).
		Str("source", string(answer.Source)).
		Msg("answer scored")

	result := answer.Result()
	if err := s.RebuildEntry(ctx, sessionID, req.PlayerID, req.DisplayName); err != nil {
		return result, fmt.Errorf("update leaderboard: %w", err)
	}
	return result, nil
}

// RebuildEntry recomputes and stores a player's leaderboard entry from all of
// their answers.
func (s *Scorer) RebuildEntry(ctx context.Context, sessionID, playerID, displayName string) error {
	answers, err := s.repo.PlayerAnswers(ctx, sessionID, playerID)
	if err != nil {
		return err
	}
	return s.repo.PutEntry(ctx, sessionID, BuildEntry(playerID, displayName, answers))
}

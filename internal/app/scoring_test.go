package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/realtime"

	"github.com/rs/zerolog"
)

func TestScoringRules(t *testing.T) {
	rules := app.DefaultScoringRules()
	q := testQuiz().Questions[0]
	limit := 30 * time.Second

	cases := []struct {
		name     string
		selected int
		elapsed  time.Duration
		double   bool
		correct  bool
		points   int
	}{
		{"instant", 1, 0, false, true, 1500},
		{"fast", 1, 5 * time.Second, false, true, 1416},
		{"halfway", 1, 15 * time.Second, false, true, 1250},
		{"near limit floors at min bonus", 1, 29900 * time.Millisecond, false, true, 1050},
		{"inside grace", 1, 31 * time.Second, false, true, 1050},
		{"late", 1, 33 * time.Second, false, false, 0},
		{"wrong", 0, time.Second, false, false, 0},
		{"no answer", domain.NoAnswer, limit, false, false, 0},
		{"double points", 1, 15 * time.Second, true, true, 2500},
	}
	for _, tc := range cases {
		correct, points := rules.Score(q, tc.selected, tc.elapsed, limit, tc.double)
		if correct != tc.correct || points != tc.points {
			t.Fatalf("%s: expected (%v, %d), got (%v, %d)", tc.name, tc.correct, tc.points, correct, points)
		}
	}

	q.Points = 200
	if _, points := rules.Score(q, 1, 0, limit, false); points != 700 {
		t.Fatalf("question base points must override default, got %d", points)
	}
}

func TestSubmitScoresOnceAndIgnoresRepeats(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	session := createTestSession(t, repo, "s1")
	scorer := app.NewScorer(repo, nil, app.DefaultScoringRules(), zerolog.Nop())
	question := testQuiz().Questions[0]

	req := app.SubmitRequest{
		Session:     session,
		Question:    question,
		PlayerID:    "p1",
		DisplayName: "Alice",
		Submission:  domain.AnswerSubmission{QuestionIndex: 0, SelectedAnswer: 1, ElapsedMs: 5000},
	}
	first, err := scorer.Submit(ctx, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rules := scorer.Rules()
	if !first.IsCorrect || first.PointsAwarded <= rules.BasePoints+rules.MinSpeedBonus {
		t.Fatalf("expected fast correct answer above minimum bonus, got %+v", first)
	}
	if first.Source != domain.ScoreLocal {
		t.Fatalf("expected local score without validator, got %s", first.Source)
	}

	req.Submission.SelectedAnswer = 0
	req.Submission.ElapsedMs = 100
	second, err := scorer.Submit(ctx, req)
	if !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate submission, got %v", err)
	}
	if second != first {
		t.Fatalf("repeat must return the stored result, got %+v", second)
	}

	stored, ok, err := repo.ReadAnswer(ctx, "s1", 0, "p1")
	if err != nil || !ok {
		t.Fatalf("read answer: %v %v", ok, err)
	}
	if stored.SelectedAnswer != 1 || stored.PointsAwarded != first.PointsAwarded {
		t.Fatalf("stored answer changed by repeat: %+v", stored)
	}
	entries, err := repo.ReadLeaderboard(ctx, "s1")
	if err != nil {
		t.Fatalf("read leaderboard: %v", err)
	}
	if len(entries) != 1 || entries[0].Score != first.PointsAwarded || entries[0].CorrectAnswers != 1 {
		t.Fatalf("unexpected leaderboard %+v", entries)
	}
}

func TestSubmitRejectsOtherQuestion(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	session := createTestSession(t, repo, "s1")
	scorer := app.NewScorer(repo, nil, app.DefaultScoringRules(), zerolog.Nop())

	_, err := scorer.Submit(context.Background(), app.SubmitRequest{
		Session:    session,
		Question:   testQuiz().Questions[1],
		PlayerID:   "p1",
		Submission: domain.AnswerSubmission{QuestionIndex: 1, SelectedAnswer: 1},
	})
	if !errors.Is(err, domain.ErrStaleWrite) {
		t.Fatalf("expected stale write, got %v", err)
	}
}

func TestSubmitAfterResultsRevealIsLate(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	session := createTestSession(t, repo, "s1")
	scorer := app.NewScorer(repo, nil, app.DefaultScoringRules(), zerolog.Nop())
	question := testQuiz().Questions[0]

	first, err := scorer.Submit(ctx, app.SubmitRequest{
		Session:    session,
		Question:   question,
		PlayerID:   "p1",
		Submission: domain.AnswerSubmission{QuestionIndex: 0, SelectedAnswer: 1},
	})
	if err != nil {
		t.Fatalf("submit before reveal: %v", err)
	}

	if err := repo.SetPhase(ctx, "s1", domain.PhaseResults); err != nil {
		t.Fatalf("show results: %v", err)
	}
	closed, err := repo.ReadSession(ctx, "s1")
	if err != nil {
		t.Fatalf("read session: %v", err)
	}

	_, err = scorer.Submit(ctx, app.SubmitRequest{
		Session:    closed,
		Question:   question,
		PlayerID:   "p2",
		Submission: domain.AnswerSubmission{QuestionIndex: 0, SelectedAnswer: 1, ElapsedMs: 1000},
	})
	if !errors.Is(err, domain.ErrLateSubmission) {
		t.Fatalf("expected late submission after reveal, got %v", err)
	}
	if _, ok, _ := repo.ReadAnswer(ctx, "s1", 0, "p2"); ok {
		t.Fatalf("late submission must not be stored")
	}

	again, err := scorer.Submit(ctx, app.SubmitRequest{
		Session:    closed,
		Question:   question,
		PlayerID:   "p1",
		Submission: domain.AnswerSubmission{QuestionIndex: 0, SelectedAnswer: 0},
	})
	if !errors.Is(err, domain.ErrDuplicateSubmission) || again != first {
		t.Fatalf("repeat after reveal must return the stored result, got %+v %v", again, err)
	}
}

func TestSubmitUsesTrustedValidator(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	session := createTestSession(t, repo, "s1")
	validator := &stubValidator{result: app.Validation{IsCorrect: true, PointsAwarded: 1234, CorrectAnswer: 1}}
	scorer := app.NewScorer(repo, validator, app.DefaultScoringRules(), zerolog.Nop())

	result, err := scorer.Submit(ctx, app.SubmitRequest{
		Session:    session,
		Question:   testQuiz().Questions[0],
		PlayerID:   "p1",
		Submission: domain.AnswerSubmission{QuestionIndex: 0, SelectedAnswer: 1, ElapsedMs: 1000},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Source != domain.ScoreValidated || result.PointsAwarded != 1234 {
		t.Fatalf("expected validated result, got %+v", result)
	}
	if validator.calls.Load() != 1 {
		t.Fatalf("expected one validator call, got %d", validator.calls.Load())
	}
	if validator.last.PlayerID != "p1" || validator.last.SessionID != "s1" {
		t.Fatalf("unexpected validation request %+v", validator.last)
	}
}

func TestSubmitFallsBackWhenValidatorUnavailable(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	session := createTestSession(t, repo, "s1")
	validator := &stubValidator{err: domain.ErrValidationUnavailable}
	rules := app.DefaultScoringRules()
	scorer := app.NewScorer(repo, validator, rules, zerolog.Nop())
	question := testQuiz().Questions[0]

	result, err := scorer.Submit(ctx, app.SubmitRequest{
		Session:    session,
		Question:   question,
		PlayerID:   "p1",
		Submission: domain.AnswerSubmission{QuestionIndex: 0, SelectedAnswer: 1, ElapsedMs: 5000},
	})
	if err != nil {
		t.Fatalf("fallback must not fail the player: %v", err)
	}
	_, want := rules.Score(question, 1, 5*time.Second, session.TimeLimit(), false)
	if result.Source != domain.ScoreLocal || result.PointsAwarded != want {
		t.Fatalf("expected local fallback with %d points, got %+v", want, result)
	}
}

func TestSubmitRetryHealsLeaderboard(t *testing.T) {
	ctx := context.Background()
	repo, store, _ := newTestRepo(t)
	session := createTestSession(t, repo, "s1")
	flaky := &flakyStore{Store: store}
	flaky.failLeaderboardSets.Store(1)
	scorer := app.NewScorer(app.NewRepository(flaky), nil, app.DefaultScoringRules(), zerolog.Nop())

	req := app.SubmitRequest{
		Session:     session,
		Question:    testQuiz().Questions[0],
		PlayerID:    "p1",
		DisplayName: "Alice",
		Submission:  domain.AnswerSubmission{QuestionIndex: 0, SelectedAnswer: 1, ElapsedMs: 2000},
	}
	result, err := scorer.Submit(ctx, req)
	if err == nil || !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected leaderboard write failure, got %v", err)
	}
	if entries, _ := repo.ReadLeaderboard(ctx, "s1"); len(entries) != 0 {
		t.Fatalf("expected no entry yet, got %+v", entries)
	}

	retry, err := scorer.Submit(ctx, req)
	if !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate on retry, got %v", err)
	}
	if retry != result {
		t.Fatalf("retry must return the original result")
	}
	entries, _ := repo.ReadLeaderboard(ctx, "s1")
	if len(entries) != 1 || entries[0].Score != result.PointsAwarded {
		t.Fatalf("retry must heal the entry exactly once, got %+v", entries)
	}
}

type stubValidator struct {
	result app.Validation
	err    error
	calls  atomic.Int32
	last   app.ValidationRequest
}

func (v *stubValidator) Validate(_ context.Context, req app.ValidationRequest) (app.Validation, error) {
	v.calls.Add(1)
	v.last = req
	return v.result, v.err
}

// flakyStore fails a number of leaderboard writes before passing through.
type flakyStore struct {
	realtime.Store
	failLeaderboardSets atomic.Int32
}

func (s *flakyStore) Set(ctx context.Context, path string, value json.RawMessage) error {
	if strings.Contains(path, "/leaderboard/") && s.failLeaderboardSets.Add(-1) >= 0 {
		return domain.ErrStoreUnavailable
	}
	return s.Store.Set(ctx, path, value)
}

package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/infra/memory"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

func newTestResponder(t *testing.T) (*Responder, domain.Session) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	repo := app.NewRepository(memory.NewStore(clock))
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(map[string]domain.Quiz{
		"quiz-1": {
			ID: "quiz-1",
			Questions: []domain.Question{
				{ID: "q1", Options: []domain.Option{{ID: "a"}, {ID: "b"}}, CorrectAnswer: 1},
				{ID: "q2", Options: []domain.Option{{ID: "a"}, {ID: "b"}}, CorrectAnswer: 0, Points: 2000},
			},
		},
	}), time.Minute)

	session, err := repo.CreateSession(context.Background(), app.NewSessionParams{
		SessionID:        "s1",
		QuizID:           "quiz-1",
		HostID:           "host",
		TotalQuestions:   2,
		TimeLimitSeconds: 20,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return NewResponder(repo, quizzes, app.DefaultScoringRules(), zerolog.Nop()), session
}

func TestResponderScoresAgainstServerAnchor(t *testing.T) {
	r, session := newTestResponder(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		selected int
		after    time.Duration
		double   bool
		correct  bool
		points   int
	}{
		{name: "instant", selected: 1, after: 0, correct: true, points: 1500},
		{name: "halfway", selected: 1, after: 10 * time.Second, correct: true, points: 1250},
		{name: "doubled", selected: 1, after: 10 * time.Second, double: true, correct: true, points: 2500},
		{name: "in grace", selected: 1, after: 21 * time.Second, correct: true, points: 1050},
		{name: "wrong", selected: 0, after: time.Second},
		{name: "no answer", selected: domain.NoAnswer, after: 20 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := r.Validate(ctx, app.ValidationRequest{
				SessionID:      "s1",
				QuestionIndex:  0,
				PlayerID:       "p1",
				SelectedAnswer: tc.selected,
				SubmittedAt:    session.QuestionStartTime + tc.after.Milliseconds(),
				DoublePoints:   tc.double,
			})
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if v.IsCorrect != tc.correct || v.PointsAwarded != tc.points || v.CorrectAnswer != 1 {
				t.Fatalf("unexpected verdict %+v", v)
			}
		})
	}
}

func TestResponderRejectsLateAndMisdirected(t *testing.T) {
	r, session := newTestResponder(t)
	ctx := context.Background()

	_, err := r.Validate(ctx, app.ValidationRequest{
		SessionID:      "s1",
		SelectedAnswer: 1,
		SubmittedAt:    session.QuestionStartTime + (23 * time.Second).Milliseconds(),
	})
	if !errors.Is(err, domain.ErrLateSubmission) {
		t.Fatalf("expected late submission, got %v", err)
	}

	_, err = r.Validate(ctx, app.ValidationRequest{SessionID: "s1", QuestionIndex: 1})
	if !errors.Is(err, domain.ErrStaleWrite) {
		t.Fatalf("expected stale index, got %v", err)
	}

	_, err = r.Validate(ctx, app.ValidationRequest{SessionID: "missing"})
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected missing session, got %v", err)
	}
}

func TestReplyRoundTripKeepsOnlyLateAuthoritative(t *testing.T) {
	v, err := decodeReply(encodeReply(app.Validation{IsCorrect: true, PointsAwarded: 1200, CorrectAnswer: 2}, nil))
	if err != nil || !v.IsCorrect || v.PointsAwarded != 1200 || v.CorrectAnswer != 2 {
		t.Fatalf("unexpected decode %+v %v", v, err)
	}

	if _, err := decodeReply(encodeReply(app.Validation{}, domain.ErrLateSubmission)); !errors.Is(err, domain.ErrLateSubmission) {
		t.Fatalf("expected late, got %v", err)
	}

	for _, cause := range []error{domain.ErrSessionNotFound, domain.ErrStaleWrite, errors.New("boom")} {
		if _, err := decodeReply(encodeReply(app.Validation{}, cause)); !errors.Is(err, domain.ErrValidationUnavailable) {
			t.Fatalf("expected fallback for %v, got %v", cause, err)
		}
	}
	if _, err := decodeReply([]byte("not json")); !errors.Is(err, domain.ErrValidationUnavailable) {
		t.Fatalf("expected fallback for garbage, got %v", err)
	}
}

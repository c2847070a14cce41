package app_test

import (
	"context"
	"testing"
	"time"

	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/infra/memory"

	"github.com/jonboulle/clockwork"
)

func testQuiz() domain.Quiz {
	questions := make([]domain.Question, 3)
	for i := range questions {
		questions[i] = domain.Question{
			ID:     "q" + string(rune('1'+i)),
			Prompt: "Pick the second option",
			Options: []domain.Option{
				{ID: "a", Text: "Wrong"},
				{ID: "b", Text: "Right"},
				{ID: "c", Text: "Also wrong"},
			},
			CorrectAnswer: 1,
		}
	}
	return domain.Quiz{ID: "quiz-1", Title: "Sample", Questions: questions}
}

func testQuizzes() *memory.QuizRepository {
	return memory.NewQuizRepository(memory.NewStaticQuizLoader(map[string]domain.Quiz{
		"quiz-1": testQuiz(),
	}), 5*time.Minute)
}

func newTestRepo(t *testing.T) (*app.Repository, *memory.Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := memory.NewStore(clock)
	return app.NewRepository(store), store, clock
}

func createTestSession(t *testing.T, repo *app.Repository, id string) domain.Session {
	t.Helper()
	session, err := repo.CreateSession(context.Background(), app.NewSessionParams{
		SessionID:        id,
		QuizID:           "quiz-1",
		HostID:           "host",
		TotalQuestions:   3,
		TimeLimitSeconds: 30,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

// eventually polls cond, advancing the fake clock by step between polls.
func eventually(t *testing.T, clock *clockwork.FakeClock, step time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		if clock != nil && step > 0 {
			clock.Advance(step)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

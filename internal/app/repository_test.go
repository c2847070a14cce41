package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/domain"
)

func TestSessionRoundTrip(t *testing.T) {
	repo, _, clock := newTestRepo(t)
	created := createTestSession(t, repo, "s1")

	if created.QuestionStartTime != clock.Now().UnixMilli() {
		t.Fatalf("anchor must come from the store clock")
	}
	read, err := repo.ReadSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("read session: %v", err)
	}
	if read != created {
		t.Fatalf("round trip mismatch:\n%+v\n%+v", created, read)
	}
}

func TestCreateSessionTwiceFails(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	createTestSession(t, repo, "s1")
	_, err := repo.CreateSession(context.Background(), app.NewSessionParams{
		SessionID: "s1", QuizID: "quiz-1", HostID: "other", TotalQuestions: 1, TimeLimitSeconds: 10,
	})
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
}

func TestReadMissingSession(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	if _, err := repo.ReadSession(context.Background(), "nope"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAdvanceQuestionIgnoresStaleIndex(t *testing.T) {
	ctx := context.Background()
	repo, _, clock := newTestRepo(t)
	createTestSession(t, repo, "s1")
	if _, err := repo.AdvanceQuestion(ctx, "s1", 0, 0); err != nil {
		t.Fatalf("advance to 1: %v", err)
	}
	before, _ := repo.ReadSession(ctx, "s1")
	if err := repo.SetPhase(ctx, "s1", domain.PhaseResults); err != nil {
		t.Fatalf("set results: %v", err)
	}

	clock.Advance(40 * time.Second)
	advanced, err := repo.AdvanceQuestion(ctx, "s1", 1, 0)
	if err != nil {
		t.Fatalf("advance to 2: %v", err)
	}
	if advanced.CurrentQuestionIndex != 2 || advanced.Phase != domain.PhaseQuestion {
		t.Fatalf("unexpected session after advance %+v", advanced)
	}
	if advanced.QuestionStartTime <= before.QuestionStartTime {
		t.Fatalf("expected a new anchor")
	}

	clock.Advance(time.Second)
	if _, err := repo.AdvanceQuestion(ctx, "s1", 1, 0); !errors.Is(err, domain.ErrStaleWrite) {
		t.Fatalf("expected stale write, got %v", err)
	}
	after, _ := repo.ReadSession(ctx, "s1")
	if after != advanced {
		t.Fatalf("stale advance must not write: %+v", after)
	}
}

func TestAdvancePastLastQuestionRejected(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	createTestSession(t, repo, "s1")
	_, _ = repo.AdvanceQuestion(ctx, "s1", 0, 0)
	_, _ = repo.AdvanceQuestion(ctx, "s1", 1, 0)
	if _, err := repo.AdvanceQuestion(ctx, "s1", 2, 0); !errors.Is(err, domain.ErrInvalidSession) {
		t.Fatalf("expected invalid session past the end, got %v", err)
	}
}

func TestFinishedIsTerminal(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	createTestSession(t, repo, "s1")

	if err := repo.SetPhase(ctx, "s1", domain.PhaseFinished); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := repo.SetPhase(ctx, "s1", domain.PhaseFinished); err != nil {
		t.Fatalf("finishing twice must be harmless: %v", err)
	}
	if err := repo.SetPhase(ctx, "s1", domain.PhaseQuestion); !errors.Is(err, domain.ErrSessionFinished) {
		t.Fatalf("expected finished error, got %v", err)
	}
	if _, err := repo.AdvanceQuestion(ctx, "s1", 0, 0); !errors.Is(err, domain.ErrSessionFinished) {
		t.Fatalf("expected finished error on advance, got %v", err)
	}
}

func TestTransferHostKeepsOtherFields(t *testing.T) {
	ctx := context.Background()
	repo, _, clock := newTestRepo(t)
	created := createTestSession(t, repo, "s1")
	clock.Advance(3 * time.Second)

	if err := repo.TransferHost(ctx, "s1", "host", "p1"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	s, _ := repo.ReadSession(ctx, "s1")
	if s.HostID != "p1" || s.PreviousHostID != "host" || s.HostChangedAt != clock.Now().UnixMilli() {
		t.Fatalf("unexpected audit trail %+v", s)
	}
	if s.QuestionStartTime != created.QuestionStartTime || s.Phase != created.Phase {
		t.Fatalf("host transfer touched unrelated fields: %+v", s)
	}
}

func TestPresenceReconnectKeepsJoinedAt(t *testing.T) {
	ctx := context.Background()
	repo, _, clock := newTestRepo(t)
	createTestSession(t, repo, "s1")

	first, err := repo.JoinPresence(ctx, "s1", "p1", "Alice")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := repo.MarkOffline(ctx, "s1", "p1"); err != nil {
		t.Fatalf("offline: %v", err)
	}
	clock.Advance(time.Minute)
	if _, err := repo.JoinPresence(ctx, "s1", "p1", "Alice B"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	records, err := repo.ReadPresence(ctx, "s1")
	if err != nil {
		t.Fatalf("read presence: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %+v", records)
	}
	r := records[0]
	if !r.IsOnline || r.JoinedAt != first.JoinedAt || r.LastSeenAt != clock.Now().UnixMilli() || r.DisplayName != "Alice B" {
		t.Fatalf("unexpected record after reconnect %+v", r)
	}
}

func TestSubscribeSessionReplaysAndFollowsAdvance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo, _, _ := newTestRepo(t)
	createTestSession(t, repo, "s1")

	got := make(chan domain.Session, 8)
	unsub, err := repo.SubscribeSession(ctx, "s1", func(s *domain.Session, err error) {
		if err == nil && s != nil {
			got <- *s
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if s := <-got; s.CurrentQuestionIndex != 0 {
		t.Fatalf("expected replay of index 0, got %d", s.CurrentQuestionIndex)
	}
	if _, err := repo.AdvanceQuestion(ctx, "s1", 0, 0); err != nil {
		t.Fatalf("advance: %v", err)
	}
	select {
	case s := <-got:
		if s.CurrentQuestionIndex != 1 || s.Phase != domain.PhaseQuestion {
			t.Fatalf("expected index 1 in one delivery, got %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no delivery after advance")
	}
}

func TestPhaseControllerNextFinishesAfterLastQuestion(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	createTestSession(t, repo, "s1")
	phases := app.NewPhaseController(repo)

	for i := 0; i < 2; i++ {
		if err := phases.ShowResults(ctx, "s1", i); err != nil {
			t.Fatalf("show results %d: %v", i, err)
		}
		if err := phases.ShowResults(ctx, "s1", i); err != nil {
			t.Fatalf("repeat show results %d: %v", i, err)
		}
		if _, err := phases.Next(ctx, "s1", i, 0); err != nil {
			t.Fatalf("next from %d: %v", i, err)
		}
	}
	s, err := phases.Next(ctx, "s1", 2, 0)
	if err != nil {
		t.Fatalf("next from last: %v", err)
	}
	if s.Phase != domain.PhaseFinished {
		t.Fatalf("expected finished, got %s", s.Phase)
	}
	if err := phases.ShowResults(ctx, "s1", 2); !errors.Is(err, domain.ErrSessionFinished) {
		t.Fatalf("expected finished error, got %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to domain.Phase
		want     bool
	}{
		{domain.PhaseQuestion, domain.PhaseResults, true},
		{domain.PhaseResults, domain.PhaseQuestion, true},
		{domain.PhaseResults, domain.PhaseFinished, true},
		{domain.PhaseQuestion, domain.PhaseFinished, true},
		{domain.PhaseResults, domain.PhaseResults, false},
		{domain.PhaseFinished, domain.PhaseQuestion, false},
		{domain.PhaseFinished, domain.PhaseFinished, false},
	}
	for _, tc := range cases {
		if got := app.CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("%s -> %s: expected %v", tc.from, tc.to, tc.want)
		}
	}
}

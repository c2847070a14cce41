package app_test

import (
	"reflect"
	"testing"

	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/domain"
)

func TestLeaderboardTiebreakOnCorrectAnswers(t *testing.T) {
	entries := []domain.LeaderboardEntry{
		{PlayerID: "p1", DisplayName: "Alice", Score: 100, CorrectAnswers: 2},
		{PlayerID: "p2", DisplayName: "Bob", Score: 100, CorrectAnswers: 3},
	}
	for i := 0; i < 5; i++ {
		ranked := app.RecomputeLeaderboard(entries)
		if ranked[0].PlayerID != "p2" || ranked[0].Rank != 1 {
			t.Fatalf("expected p2 first, got %+v", ranked)
		}
		if ranked[1].PlayerID != "p1" || ranked[1].Rank != 2 {
			t.Fatalf("expected p1 second, got %+v", ranked)
		}
	}
}

func TestLeaderboardTotalOrderAndDeterminism(t *testing.T) {
	entries := []domain.LeaderboardEntry{
		{PlayerID: "p4", DisplayName: "Dana", Score: 50, CorrectAnswers: 1},
		{PlayerID: "p2", DisplayName: "Sam", Score: 200, CorrectAnswers: 2},
		{PlayerID: "p3", DisplayName: "Sam", Score: 200, CorrectAnswers: 2},
		{PlayerID: "p1", DisplayName: "Alex", Score: 200, CorrectAnswers: 2},
		{PlayerID: "p5", DisplayName: "Eve", Score: 0},
	}
	first := app.RecomputeLeaderboard(entries)
	wantOrder := []string{"p1", "p2", "p3", "p4", "p5"}
	for i, e := range first {
		if e.PlayerID != wantOrder[i] {
			t.Fatalf("position %d: expected %s, got %s", i, wantOrder[i], e.PlayerID)
		}
		if e.Rank != i+1 {
			t.Fatalf("expected rank %d, got %d", i+1, e.Rank)
		}
	}

	reversed := make([]domain.LeaderboardEntry, len(entries))
	for i := range entries {
		reversed[len(entries)-1-i] = entries[i]
	}
	if again := app.RecomputeLeaderboard(reversed); !reflect.DeepEqual(first, again) {
		t.Fatalf("order depends on input order:\n%+v\n%+v", first, again)
	}
	if again := app.RecomputeLeaderboard(first); !reflect.DeepEqual(first, again) {
		t.Fatalf("recompute is not idempotent")
	}
	if entries[0].Rank != 0 {
		t.Fatalf("input slice must not be modified")
	}
}

func TestBuildEntryStreak(t *testing.T) {
	answers := []domain.PlayerAnswer{
		{QuestionIndex: 2, IsCorrect: true, PointsAwarded: 1200, Timestamp: 30},
		{QuestionIndex: 0, IsCorrect: true, PointsAwarded: 1400, Timestamp: 10},
		{QuestionIndex: 1, IsCorrect: false, Timestamp: 20},
		{QuestionIndex: 3, IsCorrect: true, PointsAwarded: 1100, Timestamp: 40},
	}
	entry := app.BuildEntry("p1", "Alice", answers)
	if entry.Score != 3700 || entry.CorrectAnswers != 3 {
		t.Fatalf("unexpected totals %+v", entry)
	}
	if entry.Streak != 2 {
		t.Fatalf("expected streak 2 after the miss, got %d", entry.Streak)
	}
	if entry.LastAnswerAt != 40 {
		t.Fatalf("expected last answer 40, got %d", entry.LastAnswerAt)
	}

	gap := app.BuildEntry("p1", "Alice", []domain.PlayerAnswer{
		{QuestionIndex: 0, IsCorrect: true, PointsAwarded: 1000},
		{QuestionIndex: 2, IsCorrect: true, PointsAwarded: 1000},
	})
	if gap.Streak != 1 {
		t.Fatalf("skipped question must break streak, got %d", gap.Streak)
	}
}

func TestRankTrackerReportsMovement(t *testing.T) {
	tracker := app.NewRankTracker()
	board := app.RecomputeLeaderboard([]domain.LeaderboardEntry{
		{PlayerID: "p1", DisplayName: "Alice", Score: 100},
		{PlayerID: "p2", DisplayName: "Bob", Score: 50},
	})
	initial := tracker.Observe(board)
	if initial["p1"].Previous != 0 || initial["p1"].Delta != 0 {
		t.Fatalf("first observation must not report movement: %+v", initial["p1"])
	}

	board = app.RecomputeLeaderboard([]domain.LeaderboardEntry{
		{PlayerID: "p1", DisplayName: "Alice", Score: 100},
		{PlayerID: "p2", DisplayName: "Bob", Score: 250},
	})
	changes := tracker.Observe(board)
	if changes["p2"].Delta != 1 || changes["p2"].Current != 1 {
		t.Fatalf("expected Bob to move up, got %+v", changes["p2"])
	}
	if changes["p1"].Delta != -1 {
		t.Fatalf("expected Alice to move down, got %+v", changes["p1"])
	}
}

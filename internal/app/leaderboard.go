package app

import (
	"sort"
	"strings"

	"quiz-sync-service/internal/domain"
)

// RecomputeLeaderboard orders entries by score desc, correct answers desc,
// display name asc and finally player id, then assigns rank = position + 1.
// The input slice is not modified.
func RecomputeLeaderboard(entries []domain.LeaderboardEntry) []domain.LeaderboardEntry {
	out := make([]domain.LeaderboardEntry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		return compareEntries(out[i], out[j]) < 0
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func compareEntries(a, b domain.LeaderboardEntry) int {
	if a.Score != b.Score {
		if a.Score > b.Score {
			return -1
		}
		return 1
	}
	if a.CorrectAnswers != b.CorrectAnswers {
		if a.CorrectAnswers > b.CorrectAnswers {
			return -1
		}
		return 1
	}
	if c := strings.Compare(a.DisplayName, b.DisplayName); c != 0 {
		return c
	}
	// Display names are not unique; the player id keeps the order total.
	return strings.Compare(a.PlayerID, b.PlayerID)
}

// BuildEntry derives a player's standing from their persisted answers. Because
// it is a pure function of the answers, re-running it after a partial failure
// heals the entry instead of double counting.
func BuildEntry(playerID, displayName string, answers []domain.PlayerAnswer) domain.LeaderboardEntry {
	sorted := make([]domain.PlayerAnswer, len(answers))
	copy(sorted, answers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].QuestionIndex < sorted[j].QuestionIndex })

	entry := domain.LeaderboardEntry{PlayerID: playerID, DisplayName: displayName}
	prev := -1
	for _, a := range sorted {
		if a.QuestionIndex != prev+1 {
			// a skipped question breaks the streak like a wrong answer
			entry.Streak = 0
		}
		prev = a.QuestionIndex
		entry.Score += a.PointsAwarded
		if a.IsCorrect {
			entry.CorrectAnswers++
			entry.Streak++
		} else {
			entry.Streak = 0
		}
		if a.Timestamp > entry.LastAnswerAt {
			entry.LastAnswerAt = a.Timestamp
		}
	}
	return entry
}

// RankChange is the movement of one player between two observed boards.
// Delta is positive when the player moved up.
type RankChange struct {
	PlayerID string `json:"playerId"`
	Previous int    `json:"previous"`
	Current  int    `json:"current"`
	Delta    int    `json:"delta"`
}

// RankTracker remembers the last observed rank per player. It is local to
// one observer and never replicated.
type RankTracker struct {
	prev map[string]int
}

func NewRankTracker() *RankTracker {
	return &RankTracker{prev: make(map[string]int)}
}

// Observe diffs a ranked board against the previous one. Players seen for the
// first time report Previous 0 and no delta.
func (t *RankTracker) Observe(ranked []domain.LeaderboardEntry) map[string]RankChange {
	changes := make(map[string]RankChange, len(ranked))
	next := make(map[string]int, len(ranked))
	for _, e := range ranked {
		next[e.PlayerID] = e.Rank
		change := RankChange{PlayerID: e.PlayerID, Current: e.Rank}
		if prev, ok := t.prev[e.PlayerID]; ok {
			change.Previous = prev
			change.Delta = prev - e.Rank
		}
		changes[e.PlayerID] = change
	}
	t.prev = next
	return changes
}

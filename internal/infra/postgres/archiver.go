package postgres

import (
	"context"
	"fmt"
	"time"

	"quiz-sync-service/internal/domain"

	"github.com/uptrace/bun"
)

// SessionResult is one player's final standing in a finished session.
type SessionResult struct {
	bun.BaseModel `bun:"table:session_results"`

	SessionID      string    `bun:"session_id,pk"`
	PlayerID       string    `bun:"player_id,pk"`
	QuizID         string    `bun:"quiz_id,notnull"`
	DisplayName    string    `bun:"display_name,notnull"`
	Rank           int       `bun:"rank,notnull"`
	Score          int       `bun:"score,notnull"`
	CorrectAnswers int       `bun:"correct_answers,notnull"`
	Streak         int       `bun:"streak,notnull"`
	FinishedAt     time.Time `bun:"finished_at,notnull"`
}

// ResultArchiver persists final leaderboards so they outlive the realtime store.
type ResultArchiver struct {
	db  *bun.DB
	now func() time.Time
}

func NewResultArchiver(db *bun.DB) *ResultArchiver {
	return &ResultArchiver{db: db, now: time.Now}
}

// ArchiveResults upserts one row per ranked entry. Rerunning for the same
// session overwrites the earlier rows.
func (a *ResultArchiver) ArchiveResults(ctx context.Context, session domain.Session, board []domain.LeaderboardEntry) error {
	if len(board) == 0 {
		return nil
	}
	finished := a.now().UTC()
	rows := make([]SessionResult, 0, len(board))
	for _, e := range board {
		rows = append(rows, SessionResult{
			SessionID:      session.ID,
			PlayerID:       e.PlayerID,
			QuizID:         session.QuizID,
			DisplayName:    e.DisplayName,
			Rank:           e.Rank,
			Score:          e.Score,
			CorrectAnswers: e.CorrectAnswers,
			Streak:         e.Streak,
			FinishedAt:     finished,
		})
	}
	_, err := a.db.NewInsert().
		Model(&rows).
		On("CONFLICT (session_id, player_id) DO UPDATE").
		Set("display_name = EXCLUDED.display_name").
		Set("rank = EXCLUDED.rank").
		Set("score = EXCLUDED.score").
		Set("correct_answers = EXCLUDED.correct_answers").
		Set("streak = EXCLUDED.streak").
		Set("finished_at = EXCLUDED.finished_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("archive session %s: %w", session.ID, err)
	}
	return nil
}

// Results returns the archived standings of a session ordered by rank.
func (a *ResultArchiver) Results(ctx context.Context, sessionID string) ([]domain.LeaderboardEntry, error) {
	var rows []SessionResult
	err := a.db.NewSelect().
		Model(&rows).
		Where("session_id = ?", sessionID).
		OrderExpr("rank ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("read results %s: %w", sessionID, err)
	}
	out := make([]domain.LeaderboardEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.LeaderboardEntry{
			PlayerID:       r.PlayerID,
			DisplayName:    r.DisplayName,
			Score:          r.Score,
			CorrectAnswers: r.CorrectAnswers,
			Streak:         r.Streak,
			Rank:           r.Rank,
		})
	}
	return out, nil
}

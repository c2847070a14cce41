package domain

import (
	"fmt"
	"time"
)

// Phase is the coarse progression state of a game session.
type Phase string

const (
	PhaseQuestion Phase = "question"
	PhaseResults  Phase = "results"
	PhaseFinished Phase = "finished"
)

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseQuestion, PhaseResults, PhaseFinished:
		return true
	}
	return false
}

// NoAnswer is the selectedAnswer sentinel for a timed-out question.
const NoAnswer = -1

// Session is the replicated state of one multiplayer game.
// Timestamps are unix milliseconds taken from the store clock.
type Session struct {
	ID                   string `json:"sessionId"`
	QuizID               string `json:"quizId"`
	HostID               string `json:"hostId"`
	TotalQuestions       int    `json:"totalQuestions"`
	CurrentQuestionIndex int    `json:"currentQuestionIndex"`
	Phase                Phase  `json:"phase"`
	QuestionStartTime    int64  `json:"questionStartTime"`
	TimeLimitSeconds     int    `json:"timeLimitSeconds"`
	PreviousHostID       string `json:"previousHostId,omitempty"`
	HostChangedAt        int64  `json:"hostChangedAt,omitempty"`
}

// Validate checks the structural invariants of a session.
func (s Session) Validate() error {
	if s.HostID == "" {
		return fmt.Errorf("%w: host id required", ErrInvalidSession)
	}
	if s.TotalQuestions < 1 {
		return fmt.Errorf("%w: totalQuestions must be >= 1", ErrInvalidSession)
	}
	if s.TimeLimitSeconds <= 0 {
		return fmt.Errorf("%w: timeLimitSeconds must be > 0", ErrInvalidSession)
	}
	if !s.Phase.Valid() {
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidSession, s.Phase)
	}
	if s.Phase != PhaseFinished && (s.CurrentQuestionIndex < 0 || s.CurrentQuestionIndex >= s.TotalQuestions) {
		return fmt.Errorf("%w: question index %d out of range", ErrInvalidSession, s.CurrentQuestionIndex)
	}
	return nil
}

// QuestionStart returns the anchor timestamp of the current question.
func (s Session) QuestionStart() time.Time {
	return time.UnixMilli(s.QuestionStartTime)
}

// TimeLimit returns the per-question limit as a duration.
func (s Session) TimeLimit() time.Duration {
	return time.Duration(s.TimeLimitSeconds) * time.Second
}

// IsLastQuestion reports whether advancing would run past the final question.
func (s Session) IsLastQuestion() bool {
	return s.CurrentQuestionIndex+1 >= s.TotalQuestions
}

// Finished reports whether the session reached its terminal phase.
func (s Session) Finished() bool {
	return s.Phase == PhaseFinished
}

// ScoreSource tags where a score was computed.
type ScoreSource string

const (
	ScoreLocal     ScoreSource = "local"
	ScoreValidated ScoreSource = "validated"
)

// ScoreResult is the outcome of scoring one submission. A Validated result
// supersedes a Local one for the same question; views bind to the latest known.
type ScoreResult struct {
	Source         ScoreSource `json:"source"`
	QuestionIndex  int         `json:"questionIndex"`
	SelectedAnswer int         `json:"selectedAnswer"`
	IsCorrect      bool        `json:"isCorrect"`
	PointsAwarded  int         `json:"pointsAwarded"`
	CorrectAnswer  int         `json:"correctAnswer"`
}

// Known reports whether r holds a result at all.
func (r ScoreResult) Known() bool {
	return r.Source != ""
}

// Supersedes reports whether r should replace prev in a view.
func (r ScoreResult) Supersedes(prev ScoreResult) bool {
	if !r.Known() {
		return false
	}
	if !prev.Known() || prev.QuestionIndex != r.QuestionIndex {
		return true
	}
	if prev.Source == ScoreValidated && r.Source == ScoreLocal {
		return false
	}
	return true
}

// PlayerAnswer is one player's persisted response to one question. It is
// written once and never mutated.
type PlayerAnswer struct {
	PlayerID       string      `json:"playerId"`
	QuestionIndex  int         `json:"questionIndex"`
	SelectedAnswer int         `json:"selectedAnswer"`
	Timestamp      int64       `json:"timestamp"`
	TimeToAnswerMs int64       `json:"timeToAnswerMs"`
	IsCorrect      bool        `json:"isCorrect"`
	PointsAwarded  int         `json:"pointsAwarded"`
	CorrectAnswer  int         `json:"correctAnswer"`
	Source         ScoreSource `json:"source"`
}

// Result converts the persisted record back into a score result.
func (a PlayerAnswer) Result() ScoreResult {
	return ScoreResult{
		Source:         a.Source,
		QuestionIndex:  a.QuestionIndex,
		SelectedAnswer: a.SelectedAnswer,
		IsCorrect:      a.IsCorrect,
		PointsAwarded:  a.PointsAwarded,
		CorrectAnswer:  a.CorrectAnswer,
	}
}

// LeaderboardEntry is a player's aggregate standing. Rank is derived on read.
type LeaderboardEntry struct {
	PlayerID       string `json:"playerId"`
	DisplayName    string `json:"displayName"`
	Score          int    `json:"score"`
	CorrectAnswers int    `json:"correctAnswers"`
	Streak         int    `json:"streak"`
	Rank           int    `json:"rank,omitempty"`
	LastAnswerAt   int64  `json:"lastAnswerAt,omitempty"`
}

// Leaderboard captures the ordered scoreboard for a game session.
type Leaderboard struct {
	SessionID string             `json:"sessionId"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// PresenceRecord is a liveness marker for one participant.
type PresenceRecord struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
	IsOnline    bool   `json:"isOnline"`
	LastSeenAt  int64  `json:"lastSeenAt"`
	JoinedAt    int64  `json:"joinedAt"`
}

// AnswerSubmission models the scoring signal from clients.
type AnswerSubmission struct {
	QuestionIndex  int
	SelectedAnswer int
	ElapsedMs      int64
	DoublePoints   bool
}

// Option represents a possible answer for a question.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Question models an MCQ question; CorrectAnswer indexes Options.
type Question struct {
	ID            string   `json:"id"`
	Prompt        string   `json:"prompt"`
	Options       []Option `json:"options"`
	CorrectAnswer int      `json:"correctAnswer"`
	Points        int      `json:"points"` // base points; scoring rules default when zero
}

// Quiz is an ordered collection of questions.
type Quiz struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// Question returns the question at index.
func (q Quiz) Question(index int) (Question, error) {
	if index < 0 || index >= len(q.Questions) {
		return Question{}, fmt.Errorf("%w: quiz %s index %d", ErrQuestionNotFound, q.ID, index)
	}
	return q.Questions[index], nil
}

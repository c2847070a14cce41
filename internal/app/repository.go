package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/metrics"
	"quiz-sync-service/internal/realtime"
)

// Path layout of one session in the replicated store:
//
//	sessions/{id}/state/{field}
//	sessions/{id}/answers/{questionIndex}/{playerId}
//	sessions/{id}/leaderboard/{playerId}
//	sessions/{id}/presence/{playerId}/{field}
func sessionPath(sessionID string) string { return realtime.Join("sessions", sessionID) }

func statePath(sessionID string) string { return realtime.Join(sessionPath(sessionID), "state") }

func answersPath(sessionID string, questionIndex int) string {
	return realtime.Join(sessionPath(sessionID), "answers", fmt.Sprint(questionIndex))
}

func answerPath(sessionID string, questionIndex int, playerID string) string {
	return realtime.Join(answersPath(sessionID, questionIndex), playerID)
}

func leaderboardPath(sessionID string) string {
	return realtime.Join(sessionPath(sessionID), "leaderboard")
}

func presencePath(sessionID string) string {
	return realtime.Join(sessionPath(sessionID), "presence")
}

// NewSessionParams describes a session about to start.
type NewSessionParams struct {
	SessionID        string
	QuizID           string
	HostID           string
	TotalQuestions   int
	TimeLimitSeconds int
}

// Repository owns the path layout and typed reads/writes of session state,
// answers, leaderboard entries and presence records.
type Repository struct {
	store realtime.Store
}

func NewRepository(store realtime.Store) *Repository {
	return &Repository{store: store}
}

// Store exposes the underlying replicated store.
func (r *Repository) Store() realtime.Store {
	return r.store
}

// CreateSession writes the initial state of a session: first question, anchored now.
func (r *Repository) CreateSession(ctx context.Context, p NewSessionParams) (domain.Session, error) {
	if p.SessionID == "" {
		return domain.Session{}, fmt.Errorf("%w: session id required", domain.ErrInvalidSession)
	}
	now, err := r.store.Now(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	session := domain.Session{
		ID:                   p.SessionID,
		QuizID:               p.QuizID,
		HostID:               p.HostID,
		TotalQuestions:       p.TotalQuestions,
		CurrentQuestionIndex: 0,
		Phase:                domain.PhaseQuestion,
		QuestionStartTime:    now.UnixMilli(),
		TimeLimitSeconds:     p.TimeLimitSeconds,
	}
	if err := session.Validate(); err != nil {
		return domain.Session{}, err
	}
	leaves, err := realtime.Flatten(session)
	if err != nil {
		return domain.Session{}, err
	}
	if err := r.store.Create(ctx, statePath(p.SessionID), leaves); err != nil {
		return domain.Session{}, fmt.Errorf("create session %s: %w", p.SessionID, err)
	}
	metrics.PhaseTransitions.WithLabelValues(string(domain.PhaseQuestion)).Inc()
	return session, nil
}

// ReadSession returns the current session or domain.ErrSessionNotFound.
func (r *Repository) ReadSession(ctx context.Context, sessionID string) (domain.Session, error) {
	snap, err := r.store.Get(ctx, statePath(sessionID))
	if err != nil {
		return domain.Session{}, err
	}
	session, ok, err := decodeSession(snap)
	if err != nil {
		return domain.Session{}, err
	}
	if !ok {
		return domain.Session{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	return session, nil
}

// SubscribeSession delivers the full session on every change and once on
// subscribe. A nil session means it does not exist (yet or anymore).
func (r *Repository) SubscribeSession(ctx context.Context, sessionID string, fn func(*domain.Session, error)) (realtime.Unsubscribe, error) {
	return r.store.Subscribe(ctx, statePath(sessionID), func(snap realtime.Snapshot, err error) {
		if err != nil {
			fn(nil, err)
			return
		}
		session, ok, err := decodeSession(snap)
		if err != nil {
			fn(nil, err)
			return
		}
		if !ok {
			fn(nil, nil)
			return
		}
		fn(&session, nil)
	})
}

// AdvanceQuestion moves from fromIndex to the next question in one multi-path
// update. The index check is a read-then-write convention, not a storage-level
// compare-and-swap: a mismatch returns domain.ErrStaleWrite and writes nothing.
func (r *Repository) AdvanceQuestion(ctx context.Context, sessionID string, fromIndex, timeLimitSeconds int) (domain.Session, error) {
	session, err := r.ReadSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if session.Finished() {
		return session, domain.ErrSessionFinished
	}
	if session.CurrentQuestionIndex != fromIndex {
		return session, fmt.Errorf("%w: expected index %d, stored %d", domain.ErrStaleWrite, fromIndex, session.CurrentQuestionIndex)
	}
	if fromIndex+1 >= session.TotalQuestions {
		return session, fmt.Errorf("%w: no question after index %d", domain.ErrInvalidSession, fromIndex)
	}
	if timeLimitSeconds <= 0 {
		timeLimitSeconds = session.TimeLimitSeconds
	}
	now, err := r.store.Now(ctx)
	if err != nil {
		return session, err
	}

	session.CurrentQuestionIndex = fromIndex + 1
	session.Phase = domain.PhaseQuestion
	session.QuestionStartTime = now.UnixMilli()
	session.TimeLimitSeconds = timeLimitSeconds

	base := statePath(sessionID)
	err = r.store.Update(ctx, map[string]json.RawMessage{
		realtime.Join(base, "currentQuestionIndex"): realtime.MustJSON(session.CurrentQuestionIndex),
		realtime.Join(base, "phase"):                realtime.MustJSON(session.Phase),
		realtime.Join(base, "questionStartTime"):    realtime.MustJSON(session.QuestionStartTime),
		realtime.Join(base, "timeLimitSeconds"):     realtime.MustJSON(session.TimeLimitSeconds),
	})
	if err != nil {
		return session, fmt.Errorf("advance session %s: %w", sessionID, err)
	}
	metrics.PhaseTransitions.WithLabelValues(string(domain.PhaseQuestion)).Inc()
	return session, nil
}

// SetPhase writes the phase unconditionally, except that a finished session
// stays finished.
func (r *Repository) SetPhase(ctx context.Context, sessionID string, phase domain.Phase) error {
	if !phase.Valid() {
		return fmt.Errorf("%w: unknown phase %q", domain.ErrInvalidSession, phase)
	}
	session, err := r.ReadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Finished() {
		if phase == domain.PhaseFinished {
			return nil
		}
		return domain.ErrSessionFinished
	}
	if err := r.store.Set(ctx, realtime.Join(statePath(sessionID), "phase"), realtime.MustJSON(phase)); err != nil {
		return fmt.Errorf("set phase %s on %s: %w", phase, sessionID, err)
	}
	metrics.PhaseTransitions.WithLabelValues(string(phase)).Inc()
	return nil
}

// TransferHost writes the new host together with its audit trail.
func (r *Repository) TransferHost(ctx context.Context, sessionID, fromHostID, toHostID string) error {
	now, err := r.store.Now(ctx)
	if err != nil {
		return err
	}
	base := statePath(sessionID)
	err = r.store.Update(ctx, map[string]json.RawMessage{
		realtime.Join(base, "hostId"):         realtime.MustJSON(toHostID),
		realtime.Join(base, "previousHostId"): realtime.MustJSON(fromHostID),
		realtime.Join(base, "hostChangedAt"):  realtime.MustJSON(now.UnixMilli()),
	})
	if err != nil {
		return fmt.Errorf("transfer host on %s: %w", sessionID, err)
	}
	return nil
}

// CreateAnswer persists an answer once. A second write for the same
// (session, question, player) returns domain.ErrDuplicateSubmission.
func (r *Repository) CreateAnswer(ctx context.Context, sessionID string, answer domain.PlayerAnswer) error {
	raw, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	path := answerPath(sessionID, answer.QuestionIndex, answer.PlayerID)
	err = r.store.Create(ctx, path, map[string]json.RawMessage{"": raw})
	if errors.Is(err, domain.ErrAlreadyExists) {
		return domain.ErrDuplicateSubmission
	}
	return err
}

// ReadAnswer returns a player's answer for one question, if any.
func (r *Repository) ReadAnswer(ctx context.Context, sessionID string, questionIndex int, playerID string) (domain.PlayerAnswer, bool, error) {
	snap, err := r.store.Get(ctx, answerPath(sessionID, questionIndex, playerID))
	if err != nil {
		return domain.PlayerAnswer{}, false, err
	}
	if !snap.Exists() {
		return domain.PlayerAnswer{}, false, nil
	}
	var answer domain.PlayerAnswer
	if err := snap.Decode(&answer); err != nil {
		return domain.PlayerAnswer{}, false, err
	}
	return answer, true, nil
}

// SubscribeAnswers delivers all answers for one question keyed by player.
func (r *Repository) SubscribeAnswers(ctx context.Context, sessionID string, questionIndex int, fn func(map[string]domain.PlayerAnswer, error)) (realtime.Unsubscribe, error) {
	return r.store.Subscribe(ctx, answersPath(sessionID, questionIndex), func(snap realtime.Snapshot, err error) {
		if err != nil {
			fn(nil, err)
			return
		}
		answers, err := decodeAnswers(snap)
		fn(answers, err)
	})
}

// PlayerAnswers returns every answer of one player ordered by question.
func (r *Repository) PlayerAnswers(ctx context.Context, sessionID, playerID string) ([]domain.PlayerAnswer, error) {
	snap, err := r.store.Get(ctx, realtime.Join(sessionPath(sessionID), "answers"))
	if err != nil {
		return nil, err
	}
	var out []domain.PlayerAnswer
	for _, question := range snap.Children() {
		child, ok := question.Children()[playerID]
		if !ok {
			continue
		}
		var answer domain.PlayerAnswer
		if err := child.Decode(&answer); err != nil {
			return nil, err
		}
		out = append(out, answer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionIndex < out[j].QuestionIndex })
	return out, nil
}

// EnsureEntry creates a zero leaderboard entry unless one exists.
func (r *Repository) EnsureEntry(ctx context.Context, sessionID string, entry domain.LeaderboardEntry) error {
	entry.Rank = 0
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	err = r.store.Create(ctx, realtime.Join(leaderboardPath(sessionID), entry.PlayerID), map[string]json.RawMessage{"": raw})
	if errors.Is(err, domain.ErrAlreadyExists) {
		return nil
	}
	return err
}

// PutEntry overwrites a player's leaderboard entry. Only the owning player's
// scoring path writes it, so last-writer-wins is sufficient.
func (r *Repository) PutEntry(ctx context.Context, sessionID string, entry domain.LeaderboardEntry) error {
	entry.Rank = 0
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, realtime.Join(leaderboardPath(sessionID), entry.PlayerID), raw)
}

// ReadLeaderboard returns the stored entries, unranked and unordered.
func (r *Repository) ReadLeaderboard(ctx context.Context, sessionID string) ([]domain.LeaderboardEntry, error) {
	snap, err := r.store.Get(ctx, leaderboardPath(sessionID))
	if err != nil {
		return nil, err
	}
	return decodeEntries(snap)
}

// SubscribeLeaderboard delivers the stored entries on every change.
func (r *Repository) SubscribeLeaderboard(ctx context.Context, sessionID string, fn func([]domain.LeaderboardEntry, error)) (realtime.Unsubscribe, error) {
	return r.store.Subscribe(ctx, leaderboardPath(sessionID), func(snap realtime.Snapshot, err error) {
		if err != nil {
			fn(nil, err)
			return
		}
		entries, err := decodeEntries(snap)
		fn(entries, err)
	})
}

// JoinPresence marks a participant online, keeping the original joinedAt on reconnect.
func (r *Repository) JoinPresence(ctx context.Context, sessionID, playerID, displayName string) (domain.PresenceRecord, error) {
	now, err := r.store.Now(ctx)
	if err != nil {
		return domain.PresenceRecord{}, err
	}
	record := domain.PresenceRecord{
		PlayerID:    playerID,
		DisplayName: displayName,
		IsOnline:    true,
		LastSeenAt:  now.UnixMilli(),
		JoinedAt:    now.UnixMilli(),
	}
	leaves, err := realtime.Flatten(record)
	if err != nil {
		return record, err
	}
	path := realtime.Join(presencePath(sessionID), playerID)
	err = r.store.Create(ctx, path, leaves)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, domain.ErrAlreadyExists) {
		return record, err
	}
	err = r.store.Update(ctx, map[string]json.RawMessage{
		realtime.Join(path, "isOnline"):    realtime.MustJSON(true),
		realtime.Join(path, "lastSeenAt"):  realtime.MustJSON(record.LastSeenAt),
		realtime.Join(path, "displayName"): realtime.MustJSON(displayName),
	})
	return record, err
}

// Heartbeat refreshes lastSeenAt of a live participant.
func (r *Repository) Heartbeat(ctx context.Context, sessionID, playerID string) error {
	now, err := r.store.Now(ctx)
	if err != nil {
		return err
	}
	path := realtime.Join(presencePath(sessionID), playerID)
	return r.store.Update(ctx, map[string]json.RawMessage{
		realtime.Join(path, "isOnline"):   realtime.MustJSON(true),
		realtime.Join(path, "lastSeenAt"): realtime.MustJSON(now.UnixMilli()),
	})
}

// MarkOffline records a detected disconnect.
func (r *Repository) MarkOffline(ctx context.Context, sessionID, playerID string) error {
	path := realtime.Join(presencePath(sessionID), playerID)
	return r.store.Set(ctx, realtime.Join(path, "isOnline"), realtime.MustJSON(false))
}

// ReadPresence returns all presence records of a session.
func (r *Repository) ReadPresence(ctx context.Context, sessionID string) ([]domain.PresenceRecord, error) {
	snap, err := r.store.Get(ctx, presencePath(sessionID))
	if err != nil {
		return nil, err
	}
	return decodePresence(snap)
}

// SubscribePresence delivers all presence records on every change.
func (r *Repository) SubscribePresence(ctx context.Context, sessionID string, fn func([]domain.PresenceRecord, error)) (realtime.Unsubscribe, error) {
	return r.store.Subscribe(ctx, presencePath(sessionID), func(snap realtime.Snapshot, err error) {
		if err != nil {
			fn(nil, err)
			return
		}
		records, err := decodePresence(snap)
		fn(records, err)
	})
}

func decodeSession(snap realtime.Snapshot) (domain.Session, bool, error) {
	if !snap.Exists() {
		return domain.Session{}, false, nil
	}
	var session domain.Session
	if err := snap.Decode(&session); err != nil {
		return domain.Session{}, false, fmt.Errorf("decode session: %w", err)
	}
	return session, true, nil
}

func decodeAnswers(snap realtime.Snapshot) (map[string]domain.PlayerAnswer, error) {
	out := make(map[string]domain.PlayerAnswer)
	for playerID, child := range snap.Children() {
		var answer domain.PlayerAnswer
		if err := child.Decode(&answer); err != nil {
			return nil, fmt.Errorf("decode answer %s: %w", playerID, err)
		}
		out[playerID] = answer
	}
	return out, nil
}

func decodeEntries(snap realtime.Snapshot) ([]domain.LeaderboardEntry, error) {
	children := snap.Children()
	out := make([]domain.LeaderboardEntry, 0, len(children))
	for playerID, child := range children {
		var entry domain.LeaderboardEntry
		if err := child.Decode(&entry); err != nil {
			return nil, fmt.Errorf("decode leaderboard entry %s: %w", playerID, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func decodePresence(snap realtime.Snapshot) ([]domain.PresenceRecord, error) {
	children := snap.Children()
	out := make([]domain.PresenceRecord, 0, len(children))
	for playerID, child := range children {
		var record domain.PresenceRecord
		if err := child.Decode(&record); err != nil {
			return nil, fmt.Errorf("decode presence %s: %w", playerID, err)
		}
		if record.PlayerID == "" {
			record.PlayerID = playerID
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out, nil
}

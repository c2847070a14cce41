package domain

import "errors"

var (
	// ErrSessionNotFound is returned when a game session has not been created.
	ErrSessionNotFound = errors.New("game session not found")
	// ErrAlreadyExists is returned when creating a record over an existing one.
	ErrAlreadyExists = errors.New("already exists")
	// ErrStaleWrite means the caller's expected prior state no longer matches the store.
	// Callers re-read and decide whether the intent still applies.
	ErrStaleWrite = errors.New("stale write")
	// ErrDuplicateSubmission marks a repeated answer for the same session, question and player.
	ErrDuplicateSubmission = errors.New("answer already submitted")
	// ErrValidationUnavailable means the trusted scoring collaborator could not be reached.
	ErrValidationUnavailable = errors.New("trusted validation unavailable")
	// ErrNoViableHost is returned when failover finds no online candidate.
	ErrNoViableHost = errors.New("no viable host")
	// ErrStoreUnavailable wraps any failure to reach the replicated store.
	ErrStoreUnavailable = errors.New("realtime store unavailable")
	// ErrSessionFinished is returned for mutations attempted after the terminal phase.
	ErrSessionFinished = errors.New("game session finished")
	// ErrInvalidSession indicates session parameters out of range.
	ErrInvalidSession = errors.New("invalid session parameters")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuestionNotFound indicates a question index outside the quiz.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrLateSubmission marks an answer that arrived after the limit plus grace.
	ErrLateSubmission = errors.New("answer submitted too late")
)

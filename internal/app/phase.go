package app

import (
	"context"
	"fmt"

	"quiz-sync-service/internal/domain"
)

// CanTransition reports whether a host command may move a session between
// phases. Finishing is always allowed; nothing leaves finished.
func CanTransition(from, to domain.Phase) bool {
	switch {
	case from == domain.PhaseFinished:
		return false
	case to == domain.PhaseFinished:
		return true
	case from == domain.PhaseQuestion && to == domain.PhaseResults:
		return true
	case to == domain.PhaseQuestion:
		// only through advance, from either the results or the question phase
		return true
	}
	return false
}

// PhaseController applies host commands to the replicated phase.
type PhaseController struct {
	repo *Repository
}

func NewPhaseController(repo *Repository) *PhaseController {
	return &PhaseController{repo: repo}
}

// ShowResults closes the active question. Repeating it is a no-op.
func (c *PhaseController) ShowResults(ctx context.Context, sessionID string, index int) error {
	session, err := c.repo.ReadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.CurrentQuestionIndex != index {
		return fmt.Errorf("%w: results for question %d while %d is active", domain.ErrStaleWrite, index, session.CurrentQuestionIndex)
	}
	if session.Phase == domain.PhaseResults {
		return nil
	}
	if !CanTransition(session.Phase, domain.PhaseResults) {
		return domain.ErrSessionFinished
	}
	return c.repo.SetPhase(ctx, sessionID, domain.PhaseResults)
}

// Next moves past question fromIndex: the next question, or finished after
// the last one.
func (c *PhaseController) Next(ctx context.Context, sessionID string, fromIndex, timeLimitSeconds int) (domain.Session, error) {
	session, err := c.repo.ReadSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if session.Finished() {
		return session, domain.ErrSessionFinished
	}
	if session.CurrentQuestionIndex != fromIndex {
		return session, fmt.Errorf("%w: expected index %d, stored %d", domain.ErrStaleWrite, fromIndex, session.CurrentQuestionIndex)
	}
	if session.IsLastQuestion() {
		if err := c.repo.SetPhase(ctx, sessionID, domain.PhaseFinished); err != nil {
			return session, err
		}
		session.Phase = domain.PhaseFinished
		return session, nil
	}
	return c.repo.AdvanceQuestion(ctx, sessionID, fromIndex, timeLimitSeconds)
}

// End force-finishes the session from any phase.
func (c *PhaseController) End(ctx context.Context, sessionID string) error {
	return c.repo.SetPhase(ctx, sessionID, domain.PhaseFinished)
}

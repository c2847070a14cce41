package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/metrics"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Responder is the trusted scoring side. It reads session state and
// question content itself, so a client cannot influence its own score
// beyond the selected answer.
type Responder struct {
	repo    *app.Repository
	quizzes app.QuizRepository
	rules   app.ScoringRules
	timeout time.Duration
	log     zerolog.Logger
}

func NewResponder(repo *app.Repository, quizzes app.QuizRepository, rules app.ScoringRules, log zerolog.Logger) *Responder {
	return &Responder{repo: repo, quizzes: quizzes, rules: rules, timeout: 2 * time.Second, log: log}
}

// Serve answers requests on subject within a queue group until ctx ends,
// then drains the subscription.
func (r *Responder) Serve(ctx context.Context, conn *nats.Conn, subject, queue string) error {
	if subject == "" {
		subject = DefaultSubject
	}
	sub, err := conn.QueueSubscribe(subject, queue, r.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	r.log.Info().Str("subject", subject).Str("queue", queue).Msg("validator listening")
	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		r.log.Warn().Err(err).Msg("drain validator subscription")
	}
	return nil
}

func (r *Responder) handle(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var req app.ValidationRequest
	var (
		v   app.Validation
		err error
	)
	if uerr := json.Unmarshal(msg.Data, &req); uerr != nil {
		err = fmt.Errorf("decode request: %w", uerr)
	} else {
		v, err = r.Validate(ctx, req)
	}

	outcome := "ok"
	if err != nil {
		outcome = errorCode(err)
		if outcome == codeInternal {
			r.log.Error().Err(err).Str("session_id", req.SessionID).Msg("validation failed")
		}
	}
	metrics.ValidatorRequests.WithLabelValues(outcome).Inc()

	if rerr := msg.Respond(encodeReply(v, err)); rerr != nil {
		r.log.Warn().Err(rerr).Msg("respond to validation request")
	}
}

// Validate scores one request against the authoritative session anchor.
func (r *Responder) Validate(ctx context.Context, req app.ValidationRequest) (app.Validation, error) {
	session, err := r.repo.ReadSession(ctx, req.SessionID)
	if err != nil {
		return app.Validation{}, err
	}
	if session.Finished() {
		return app.Validation{}, domain.ErrSessionFinished
	}
	switch {
	case req.QuestionIndex < session.CurrentQuestionIndex:
		return app.Validation{}, fmt.Errorf("%w: question %d already closed", domain.ErrLateSubmission, req.QuestionIndex)
	case req.QuestionIndex > session.CurrentQuestionIndex:
		return app.Validation{}, fmt.Errorf("%w: question %d not started", domain.ErrStaleWrite, req.QuestionIndex)
	}

	quiz, err := r.quizzes.GetQuiz(ctx, session.QuizID)
	if err != nil {
		return app.Validation{}, err
	}
	q, err := quiz.Question(req.QuestionIndex)
	if err != nil {
		return app.Validation{}, err
	}

	elapsed := time.Duration(req.SubmittedAt-session.QuestionStartTime) * time.Millisecond
	if r.rules.Late(elapsed, session.TimeLimit()) {
		return app.Validation{}, domain.ErrLateSubmission
	}
	correct, points := r.rules.Score(q, req.SelectedAnswer, elapsed, session.TimeLimit(), req.DoublePoints)
	return app.Validation{IsCorrect: correct, PointsAwarded: points, CorrectAnswer: q.CorrectAnswer}, nil
}

package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/domain"

	"github.com/nats-io/nats.go"
)

// Validator asks a trusted responder to score submissions over NATS
// request/reply. Any transport failure surfaces as
// domain.ErrValidationUnavailable.
type Validator struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
}

func NewValidator(conn *nats.Conn, subject string, timeout time.Duration) *Validator {
	if subject == "" {
		subject = DefaultSubject
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Validator{conn: conn, subject: subject, timeout: timeout}
}

func (v *Validator) Validate(ctx context.Context, req app.ValidationRequest) (app.Validation, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return app.Validation{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	msg, err := v.conn.RequestWithContext(ctx, v.subject, data)
	if err != nil {
		return app.Validation{}, fmt.Errorf("%w: %v", domain.ErrValidationUnavailable, err)
	}
	return decodeReply(msg.Data)
}

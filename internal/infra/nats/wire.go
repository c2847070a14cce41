package nats

import (
	"encoding/json"
	"errors"
	"fmt"

	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/domain"
)

// Reply error codes.
const (
	codeLate     = "late"
	codeNotFound = "not_found"
	codeInvalid  = "invalid"
	codeInternal = "internal"
)

type reply struct {
	IsCorrect     bool   `json:"isCorrect"`
	PointsAwarded int    `json:"pointsAwarded"`
	CorrectAnswer int    `json:"correctAnswer"`
	Error         string `json:"error,omitempty"`
}

func encodeReply(v app.Validation, err error) []byte {
	r := reply{IsCorrect: v.IsCorrect, PointsAwarded: v.PointsAwarded, CorrectAnswer: v.CorrectAnswer}
	if err != nil {
		r = reply{Error: errorCode(err)}
	}
	data, _ := json.Marshal(r)
	return data
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrLateSubmission):
		return codeLate
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrQuizNotFound),
		errors.Is(err, domain.ErrQuestionNotFound):
		return codeNotFound
	case errors.Is(err, domain.ErrStaleWrite),
		errors.Is(err, domain.ErrSessionFinished):
		return codeInvalid
	default:
		return codeInternal
	}
}

// decodeReply maps a responder reply back to a verdict. Only a late verdict
// is authoritative; every other failure lets the caller score locally.
func decodeReply(data []byte) (app.Validation, error) {
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		return app.Validation{}, fmt.Errorf("%w: decode reply: %v", domain.ErrValidationUnavailable, err)
	}
	switch r.Error {
	case "":
		return app.Validation{IsCorrect: r.IsCorrect, PointsAwarded: r.PointsAwarded, CorrectAnswer: r.CorrectAnswer}, nil
	case codeLate:
		return app.Validation{}, domain.ErrLateSubmission
	default:
		return app.Validation{}, fmt.Errorf("%w: responder said %s", domain.ErrValidationUnavailable, r.Error)
	}
}

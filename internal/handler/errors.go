package handler

import (
	"errors"
	"net/http"

	"github.com/stemsi/exstem-integrity/internal/integrity"
	"github.com/stemsi/exstem-integrity/internal/response"
	"github.com/stemsi/exstem-integrity/internal/service"
)

type errMapping struct {
	err    error
	status int
	code   response.ErrCode
}

var errMappings = []errMapping{
	{service.ErrAssessmentNotFound, http.StatusNotFound, response.ErrNotFound},
	{service.ErrSessionNotFound, http.StatusNotFound, response.ErrNotFound},
	{service.ErrAssessmentUnavailable, http.StatusForbidden, response.ErrAssessmentNotAvailable},
	{service.ErrNoQuestions, http.StatusForbidden, response.ErrAssessmentNotAvailable},
	{service.ErrOutsideSchedule, http.StatusForbidden, response.ErrOutsideSchedule},
	{service.ErrIdentityRequired, http.StatusUnauthorized, response.ErrTokenRequired},
	{service.ErrPasswordRequired, http.StatusForbidden, response.ErrPasswordRequired},
	{service.ErrInvalidPassword, http.StatusForbidden, response.ErrInvalidPassword},
	{service.ErrInvalidAccessCode, http.StatusForbidden, response.ErrInvalidAccessCode},
	{service.ErrDomainNotAllowed, http.StatusForbidden, response.ErrDomainNotAllowed},
	{service.ErrIPNotAllowed, http.StatusForbidden, response.ErrIPNotAllowed},
	{service.ErrAttemptsExhausted, http.StatusForbidden, response.ErrAttemptsExhausted},
	{service.ErrAttemptHosted, http.StatusConflict, response.ErrAttemptInSession},

	{integrity.ErrLockdownUnavailable, http.StatusPreconditionFailed, response.ErrLockdownUnavailable},
	{integrity.ErrSessionClosed, http.StatusConflict, response.ErrSessionClosed},
	{integrity.ErrMachineStopped, http.StatusConflict, response.ErrSessionClosed},
	{integrity.ErrNotActive, http.StatusConflict, response.ErrSessionNotActive},
	{integrity.ErrInvalidTransition, http.StatusConflict, response.ErrInvalidTransition},
	{integrity.ErrAnswerRequired, http.StatusUnprocessableEntity, response.ErrAnswerRequired},
	{integrity.ErrBacktrackNotAllowed, http.StatusUnprocessableEntity, response.ErrBacktrackDisabled},
	{integrity.ErrQuestionNotCurrent, http.StatusUnprocessableEntity, response.ErrQuestionNotCurrent},
	{integrity.ErrUnknownQuestion, http.StatusUnprocessableEntity, response.ErrUnknownQuestion},
	{integrity.ErrNoMoreQuestions, http.StatusUnprocessableEntity, response.ErrNoMoreQuestions},
	{integrity.ErrNothingToRetry, http.StatusConflict, response.ErrNothingToRetry},
}

// classify maps a service or session error to an HTTP status and error code.
// Unknown errors are internal.
func classify(err error) (int, response.ErrCode) {
	for _, m := range errMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, response.ErrInternal
}

package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-integrity/internal/middleware"
	"github.com/stemsi/exstem-integrity/internal/model"
	"github.com/stemsi/exstem-integrity/internal/response"
	"github.com/stemsi/exstem-integrity/internal/service"
	"github.com/stemsi/exstem-integrity/internal/validator"
)

// AssessmentHandler serves the taker-facing HTTP endpoints.
type AssessmentHandler struct {
	assessments *service.AssessmentService
	submissions *service.SubmissionService
	sessions    *service.SessionService
	tokens      *service.TokenService
	log         zerolog.Logger
}

// NewAssessmentHandler creates a new AssessmentHandler.
func NewAssessmentHandler(
	assessments *service.AssessmentService,
	submissions *service.SubmissionService,
	sessions *service.SessionService,
	tokens *service.TokenService,
	log zerolog.Logger,
) *AssessmentHandler {
	return &AssessmentHandler{
		assessments: assessments,
		submissions: submissions,
		sessions:    sessions,
		tokens:      tokens,
		log:         log.With().Str("component", "assessment_handler").Logger(),
	}
}

// takerFrom builds the taker identity from the request. Without claims the
// taker is anonymous; the returned token must be handed back to the client
// so later calls keep the same identity.
func (h *AssessmentHandler) takerFrom(c *gin.Context) (service.Taker, string, error) {
	if claims := middleware.GetClaims(c); claims != nil {
		return service.Taker{
			UserID:    claims.UserID,
			Email:     claims.Email,
			IP:        c.ClientIP(),
			Anonymous: claims.Anonymous,
		}, "", nil
	}

	claims, token, err := h.tokens.IssueAnonymous()
	if err != nil {
		return service.Taker{}, "", err
	}
	return service.Taker{UserID: claims.UserID, IP: c.ClientIP(), Anonymous: true}, token, nil
}

// TakeAssessment godoc
// GET /api/v1/assessments/:id/take
// Returns the redacted assessment once every access rule passes.
func (h *AssessmentHandler) TakeAssessment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.TakeRequest
	if fields := validator.BindQuery(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	taker, token, err := h.takerFrom(c)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to issue anonymous identity")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	take, err := h.assessments.Take(c.Request.Context(), id, taker, req)
	if err != nil {
		status, code := classify(err)
		if status == http.StatusInternalServerError {
			h.log.Error().Err(err).
				Str("request_id", response.RequestID(c)).
				Str("assessment_id", id.String()).
				Msg("Take failed")
		}
		response.Fail(c, status, code)
		return
	}

	body := gin.H{
		"assessment":    take.Payload,
		"attempts_used": take.AttemptsUsed,
		"max_attempts":  take.MaxAttempts,
	}
	if token != "" {
		body["token"] = token
		body["user_id"] = taker.UserID
	}
	response.Success(c, http.StatusOK, body)
}

// SubmitAssessment godoc
// POST /api/v1/assessments/:id/submit
// Grades and stores one attempt. Resubmitting an attempt returns the
// stored result with 200 instead of 201.
func (h *AssessmentHandler) SubmitAssessment(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.SubmitRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	out, err := h.submissions.Submit(c.Request.Context(), id, claims.UserID, &req)
	if err != nil {
		status, code := classify(err)
		if status == http.StatusInternalServerError {
			h.log.Error().Err(err).
				Str("request_id", response.RequestID(c)).
				Str("assessment_id", id.String()).
				Str("user_id", claims.UserID).
				Msg("Submission failed")
		}
		response.Fail(c, status, code)
		return
	}

	status := http.StatusCreated
	if out.Duplicate {
		status = http.StatusOK
	}
	response.Success(c, status, out.Result.Summary())
}

// GetSessionState godoc
// GET /api/v1/sessions/:session_id/state
// Lets a reloaded client restore its view of a session.
func (h *AssessmentHandler) GetSessionState(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	id, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	state, err := h.sessions.State(c.Request.Context(), id)
	if err != nil {
		status, code := classify(err)
		if status == http.StatusInternalServerError {
			h.log.Error().Err(err).
				Str("request_id", response.RequestID(c)).
				Str("session_id", id.String()).
				Msg("Session state failed")
		}
		response.Fail(c, status, code)
		return
	}

	owner := ""
	switch {
	case state.Live != nil:
		owner = state.Live.UserID
	case state.Session != nil:
		owner = state.Session.UserID
	}
	if owner != claims.UserID && !middleware.CanProctor(claims) {
		// Do not reveal that someone else's session exists.
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	response.Success(c, http.StatusOK, state)
}

package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

const retryTimeout = 15 * time.Second

// ProctorHandler exposes a student's live secure attempt over REST, for
// clients that drive exit and retry outside the stream.
type ProctorHandler struct {
	proctors *service.ProctorService
	log      zerolog.Logger
}

// NewProctorHandler creates a new ProctorHandler.
func NewProctorHandler(proctors *service.ProctorService, log zerolog.Logger) *ProctorHandler {
	return &ProctorHandler{
		proctors: proctors,
		log:      log.With().Str("component", "proctor_handler").Logger(),
	}
}

// session resolves the caller's live session or writes the failure.
func (h *ProctorHandler) session(c *gin.Context) (*proctor.Session, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, false
	}

	assignmentID, err := uuid.Parse(c.Param("assignment_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, false
	}

	s, err := h.proctors.Get(assignmentID, claims.UserID)
	if err != nil {
		status, code := proctorErrorCode(err)
		response.Fail(c, status, code)
		return nil, false
	}
	response.BindSession(c, s.ID())
	return s, true
}

func (h *ProctorHandler) fail(c *gin.Context, err error) {
	status, code := proctorErrorCode(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("path", c.FullPath()).
			Str("request_id", response.RequestID(c)).
			Msg("Proctoring request failed")
	}
	response.Fail(c, status, code)
}

// GetSnapshot godoc
// GET /api/v1/student/assignments/:assignment_id/proctoring
func (h *ProctorHandler) GetSnapshot(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, gin.H{"proctoring": s.Snapshot()})
}

// RequestExit godoc
// POST /api/v1/student/assignments/:assignment_id/proctoring/exit
func (h *ProctorHandler) RequestExit(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.RequestExit(); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"proctoring": s.Snapshot()})
}

// ConfirmExit godoc
// POST /api/v1/student/assignments/:assignment_id/proctoring/exit/confirm
// Ends the test early. The justification is stored in the audit trail.
func (h *ProctorHandler) ConfirmExit(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	var req model.ConfirmExitRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := s.ConfirmExit(req.Justification); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"proctoring": s.Snapshot()})
}

// CancelExit godoc
// POST /api/v1/student/assignments/:assignment_id/proctoring/exit/cancel
func (h *ProctorHandler) CancelExit(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.CancelExit(); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"proctoring": s.Snapshot()})
}

// UpdateAnswer godoc
// PUT /api/v1/student/assignments/:assignment_id/proctoring/answer
// Replaces the answer handed over when the attempt ends.
func (h *ProctorHandler) UpdateAnswer(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	var req model.AnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if s.Snapshot().State.IsTerminal() {
		response.Fail(c, http.StatusConflict, response.ErrAttemptTerminated)
		return
	}
	s.UpdateAnswer(model.Answer{Text: req.SubmissionText, Files: req.SubmissionFiles})
	response.Success(c, http.StatusOK, gin.H{"status": "saved"})
}

// RetrySubmission godoc
// POST /api/v1/student/assignments/:assignment_id/proctoring/submission/retry
func (h *ProctorHandler) RetrySubmission(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), retryTimeout)
	defer cancel()

	if err := h.proctors.RetrySubmission(ctx, s); err != nil {
		status, code := proctorErrorCode(err)
		if status == http.StatusInternalServerError {
			h.log.Warn().Err(err).Str("session_id", s.ID().String()).Msg("Submission retry failed")
			status, code = http.StatusBadGateway, response.ErrSubmissionFailed
		}
		response.Fail(c, status, code)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"proctoring": s.Snapshot()})
}

package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	defaultPerPage = 50
	maxPerPage     = 200
)

// AuditHandler serves the persisted proctoring record of an assignment.
type AuditHandler struct {
	auditService      *service.AuditService
	submissionService *service.SubmissionService
	log               zerolog.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(auditService *service.AuditService, submissionService *service.SubmissionService, log zerolog.Logger) *AuditHandler {
	return &AuditHandler{
		auditService:      auditService,
		submissionService: submissionService,
		log:               log.With().Str("component", "audit_handler").Logger(),
	}
}

// ListAuditLogs godoc
// GET /api/v1/admin/assignments/:id/audit?page=&per_page=&student_id=
func (h *AuditHandler) ListAuditLogs(c *gin.Context) {
	assignmentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(defaultPerPage)))
	if perPage < 1 || perPage > maxPerPage {
		perPage = defaultPerPage
	}

	var studentID *int
	if raw := c.Query("student_id"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil || id <= 0 {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{
				"student_id": "student_id must be a positive integer",
			})
			return
		}
		studentID = &id
	}

	entries, pagination, err := h.auditService.ListByAssignment(c.Request.Context(), assignmentID, studentID, page, perPage)
	if err != nil {
		h.log.Error().Err(err).Str("assignment_id", assignmentID.String()).Msg("Failed to list audit logs")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.SuccessWithPagination(c, http.StatusOK, gin.H{"audit_logs": entries}, pagination)
}

// ListSubmissions godoc
// GET /api/v1/admin/assignments/:id/submissions
func (h *AuditHandler) ListSubmissions(c *gin.Context) {
	assignmentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	subs, err := h.submissionService.ListByAssignment(c.Request.Context(), assignmentID)
	if err != nil {
		h.log.Error().Err(err).Str("assignment_id", assignmentID.String()).Msg("Failed to list submissions")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"submissions": subs})
}

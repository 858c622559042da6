package response

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Response is the envelope of every REST reply, proctoring or admin.
type Response struct {
	Data       interface{} `json:"data"`
	Error      *ErrorBody  `json:"error,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Metadata   Metadata    `json:"metadata"`
}

// ErrorBody carries a stable code the secure-test client switches on.
type ErrorBody struct {
	Code    ErrCode           `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type Pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalItems int `json:"total_items"`
	TotalPages int `json:"total_pages"`
}

// NewPagination describes page of a listing with total rows.
func NewPagination(page, perPage int, total int64) *Pagination {
	p := &Pagination{Page: page, PerPage: perPage, TotalItems: int(total)}
	if perPage > 0 {
		p.TotalPages = int((total + int64(perPage) - 1) / int64(perPage))
	}
	return p
}

// Metadata ties a reply to its request and, for proctoring calls, to the
// session it acted on.
type Metadata struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewError builds the error body for code.
func NewError(code ErrCode, fields map[string]string) *ErrorBody {
	return &ErrorBody{Code: code, Message: GetMessage(code), Fields: fields}
}

// ─── Builders ───────────────────────────────────────────────────────

func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, Response{Data: data, Metadata: buildMetadata(c)})
}

func SuccessWithPagination(c *gin.Context, statusCode int, data interface{}, pagination *Pagination) {
	c.JSON(statusCode, Response{Data: data, Pagination: pagination, Metadata: buildMetadata(c)})
}

func Fail(c *gin.Context, statusCode int, code ErrCode) {
	c.JSON(statusCode, Response{Error: NewError(code, nil), Metadata: buildMetadata(c)})
}

// FailWithFields reports field-level validation failures.
func FailWithFields(c *gin.Context, statusCode int, code ErrCode, fields map[string]string) {
	c.JSON(statusCode, Response{Error: NewError(code, fields), Metadata: buildMetadata(c)})
}

// AbortFail stops the middleware chain with an error reply.
func AbortFail(c *gin.Context, statusCode int, code ErrCode) {
	c.AbortWithStatusJSON(statusCode, Response{Error: NewError(code, nil), Metadata: buildMetadata(c)})
}

func buildMetadata(c *gin.Context) Metadata {
	id := RequestID(c)
	if id == "" {
		id = uuid.NewString()
	}
	return Metadata{
		RequestID: id,
		SessionID: c.GetString(ContextKeySessionID),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

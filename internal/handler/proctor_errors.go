package handler

import (
	"errors"
	"net/http"

	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// proctorErrorCode maps a proctoring failure to an HTTP status and error
// code. Unknown errors are internal.
func proctorErrorCode(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, proctor.ErrProctoringNotRequired):
		return http.StatusBadRequest, response.ErrProctoringNotRequired
	case errors.Is(err, proctor.ErrUnsupportedDevice):
		return http.StatusUnprocessableEntity, response.ErrUnsupportedDevice
	case errors.Is(err, proctor.ErrUnsupportedEnvironment):
		return http.StatusUnprocessableEntity, response.ErrUnsupportedEnvironment
	case errors.Is(err, proctor.ErrFullscreenDenied):
		return http.StatusForbidden, response.ErrFullscreenDenied
	case errors.Is(err, proctor.ErrMediaDenied):
		return http.StatusForbidden, response.ErrMediaDenied
	case errors.Is(err, proctor.ErrAlreadyStarted):
		return http.StatusConflict, response.ErrAttemptStarted
	case errors.Is(err, proctor.ErrNotStarted):
		return http.StatusConflict, response.ErrAttemptNotStarted
	case errors.Is(err, proctor.ErrTerminated), errors.Is(err, service.ErrAttemptFinished):
		return http.StatusConflict, response.ErrAttemptTerminated
	case errors.Is(err, proctor.ErrNotTerminated):
		return http.StatusConflict, response.ErrAttemptNotTerminated
	case errors.Is(err, proctor.ErrNoExitPending):
		return http.StatusConflict, response.ErrNoExitPending
	case errors.Is(err, proctor.ErrJustificationTooShort):
		return http.StatusUnprocessableEntity, response.ErrJustificationTooShort
	case errors.Is(err, service.ErrAttemptActive):
		return http.StatusConflict, response.ErrAttemptActive
	case errors.Is(err, service.ErrNoActiveAttempt):
		return http.StatusNotFound, response.ErrNoActiveAttempt
	case errors.Is(err, service.ErrAssignmentNotFound):
		return http.StatusNotFound, response.ErrNotFound
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

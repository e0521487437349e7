package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"campus-library/library"
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error  string                   `json:"error"`
	Code   string                   `json:"code"`
	Field  string                   `json:"field,omitempty"`
	Record *library.BorrowingRecord `json:"record,omitempty"`
}

var preconditionCodes = []struct {
	err  error
	code string
}{
	{library.ErrNotAvailable, "not_available"},
	{library.ErrAlreadyReturned, "already_returned"},
	{library.ErrSetupComplete, "setup_complete"},
	{library.ErrBookOnLoan, "book_on_loan"},
	{library.ErrReservationClosed, "reservation_closed"},
}

// writeError maps a library error onto an HTTP status and JSON body.
func (h *handler) writeError(c *gin.Context, err error) {
	status, body := h.classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}

func (h *handler) classify(err error) (int, errorResponse) {
	var ve *library.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, errorResponse{Error: ve.Message, Code: "invalid", Field: ve.Field}
	}
	var fes validator.ValidationErrors
	if errors.As(err, &fes) && len(fes) > 0 {
		fe := fes[0]
		return http.StatusBadRequest, errorResponse{Error: "failed on the '" + fe.Tag() + "' rule", Code: "invalid", Field: fe.Field()}
	}

	switch {
	case errors.Is(err, library.ErrInvalidCredentials):
		return http.StatusUnauthorized, errorResponse{Error: err.Error(), Code: "invalid_credentials"}
	case errors.Is(err, library.ErrSessionExpired):
		return http.StatusUnauthorized, errorResponse{Error: library.ErrSessionExpired.Error(), Code: "session_expired"}
	case errors.Is(err, library.ErrNotAuthorized):
		return http.StatusForbidden, errorResponse{Error: library.ErrNotAuthorized.Error(), Code: "not_authorized"}
	case errors.Is(err, library.ErrNotFound):
		return http.StatusNotFound, errorResponse{Error: err.Error(), Code: "not_found"}
	case errors.Is(err, library.ErrInconsistentState):
		return http.StatusInternalServerError, errorResponse{Error: library.ErrInconsistentState.Error(), Code: "inconsistent_state"}
	}
	for _, pc := range preconditionCodes {
		if errors.Is(err, pc.err) {
			return http.StatusConflict, errorResponse{Error: pc.err.Error(), Code: pc.code}
		}
	}
	return http.StatusInternalServerError, errorResponse{Error: "internal server error", Code: "internal"}
}

// bindError reports a malformed request body or query.
func (h *handler) bindError(c *gin.Context, err error) {
	var fes validator.ValidationErrors
	if errors.As(err, &fes) {
		h.writeError(c, err)
		return
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "malformed request: " + err.Error(), Code: "invalid"})
}

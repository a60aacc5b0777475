package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/memoshare/internal/editlock"
	"github.com/MarcoPoloResearchLab/memoshare/internal/memos"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errorCodeInvalidRequest = "invalid_request"
	errorCodeNotFound       = "not_found"
	errorCodeConflict       = "version_conflict"
	errorCodeLocked         = "note_locked"
	errorCodeInternal       = "internal_error"
)

type errorResponse struct {
	Error  string `json:"error"`
	Holder string `json:"holder,omitempty"`
}

// writeServiceError maps memo and lock errors to HTTP responses.
func (h *httpHandler) writeServiceError(c *gin.Context, operation string, err error) {
	var locked *editlock.LockedError
	switch {
	case errors.As(err, &locked):
		c.JSON(http.StatusLocked, errorResponse{Error: errorCodeLocked, Holder: locked.HolderName()})
	case errors.Is(err, memos.ErrBadRequest),
		errors.Is(err, editlock.ErrInvalidNoteID),
		errors.Is(err, editlock.ErrInvalidUserID):
		c.JSON(http.StatusBadRequest, errorResponse{Error: errorCodeInvalidRequest})
	case errors.Is(err, memos.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: errorCodeNotFound})
	case errors.Is(err, memos.ErrConflict):
		c.JSON(http.StatusConflict, errorResponse{Error: errorCodeConflict})
	default:
		code := errorCodeInternal
		var serviceErr *memos.ServiceError
		if errors.As(err, &serviceErr) {
			code = serviceErr.Code()
		} else if errors.Is(err, editlock.ErrStoreUnavailable) {
			code = "edit_lock_unavailable"
		}
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("code", code),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: code})
	}
}

package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"wordchat/backend/internal/chathub"
	"wordchat/backend/internal/storage"
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chathub.ErrInvalidIdentity):
		return http.StatusUnauthorized
	case errors.Is(err, chathub.ErrEmptyWord), errors.Is(err, chathub.ErrUnknownFrame):
		return http.StatusBadRequest
	case errors.Is(err, chathub.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, chathub.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, chathub.ErrRoomInactive):
		return http.StatusConflict
	case errors.Is(err, chathub.ErrRateLimited):
		return http.StatusTooManyRequests
	case storage.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		msg = "internal error"
	case http.StatusServiceUnavailable:
		h.log.Warn("store unavailable", zap.String("path", c.FullPath()), zap.Error(err))
		msg = "temporarily unavailable, try again"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": chathub.ErrorCode(err)})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
}

package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type matchRequest struct {
	Word string `json:"word"`
}

// RequestMatch handles POST /match.
func (h *Handler) RequestMatch(c *gin.Context) {
	var req matchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.Matcher.RequestMatch(c.Request.Context(), anonID(c), req.Word)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CancelWait handles DELETE /match.
func (h *Handler) CancelWait(c *gin.Context) {
	if err := h.Matcher.CancelWait(c.Request.Context(), anonID(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

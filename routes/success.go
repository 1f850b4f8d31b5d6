package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"audiorelay/logger"
)

// ReceiptQuery reports whether the notification for an audio blob was sent.
func (h *Handler) ReceiptQuery(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, Response{Message: "id parameter required"})
		return
	}

	rec, err := h.deps.Receipts.Get(id)
	if err != nil {
		logger.Errorf("Failed to query receipt %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, Response{Message: "Internal server error"})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, Response{Message: "no notification sent for this id"})
		return
	}
	c.JSON(http.StatusOK, Response{Status: true, Message: "notification sent", Details: rec})
}

func (h *Handler) ReceiptList(c *gin.Context) {
	recs, err := h.deps.Receipts.List()
	if err != nil {
		logger.Errorf("Failed to list receipts: %v", err)
		c.JSON(http.StatusInternalServerError, Response{Message: "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"receipts": recs,
		"count":    len(recs),
	})
}

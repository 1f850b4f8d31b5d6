package routes

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"audiorelay/failures"
	"audiorelay/logger"
)

// FailureQuery returns one fault ledger record by id.
func (h *Handler) FailureQuery(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, Response{Message: "id parameter required"})
		return
	}

	record, err := h.deps.Faults.Get(id)
	if err != nil {
		logger.Errorf("Failed to query fault %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, Response{Message: "Internal server error"})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, Response{Message: "no fault recorded for this id"})
		return
	}
	c.JSON(http.StatusOK, Response{Status: true, Message: "fault found", Details: record})
}

// FailureList lists ledger records, optionally filtered by
// ?kind=orphan|rejected|unconfirmed.
func (h *Handler) FailureList(c *gin.Context) {
	kind := c.Query("kind")
	if kind != "" && !slices.Contains(failures.Kinds, kind) {
		c.JSON(http.StatusBadRequest, Response{Message: "kind must be orphan, rejected or unconfirmed"})
		return
	}

	records, err := h.deps.Faults.List(kind)
	if err != nil {
		logger.Errorf("Failed to list faults: %v", err)
		c.JSON(http.StatusInternalServerError, Response{Message: "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"failures": records,
		"count":    len(records),
	})
}

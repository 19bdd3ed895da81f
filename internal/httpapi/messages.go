package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ListingRadar/internal/domain"
	"ListingRadar/internal/usecase"
)

// ingest is the ingestion boundary: 201 for a new message, 200 when it was already known.
func (h *handlers) ingest(c *gin.Context) {
	var req usecase.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.ingestor.Ingest(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

func (h *handlers) retryMessage(c *gin.Context) {
	channel, err := strconv.ParseInt(c.Param("channel"), 10, 64)
	if err != nil {
		badRequest(c, err)
		return
	}
	message, err := strconv.ParseInt(c.Param("message"), 10, 64)
	if err != nil {
		badRequest(c, err)
		return
	}

	msg, err := h.retrier.RetryMessage(c.Request.Context(), domain.MessageKey{ChannelID: channel, MessageID: message})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"key":      msg.Key,
		"status":   msg.Status,
		"attempts": msg.Attempts,
	})
}

func (h *handlers) retryDelivery(c *gin.Context) {
	delivery, err := h.retrier.RetryDelivery(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       delivery.ID,
		"owner_id": delivery.OwnerID,
		"status":   delivery.Status,
		"attempts": delivery.Attempts,
		"error":    delivery.Error,
	})
}

func (h *handlers) redispatch(c *gin.Context) {
	report, err := h.retrier.Redispatch(c.Request.Context(), c.Param("id"))
	if err != nil && report.Matched == 0 {
		h.fail(c, err)
		return
	}
	if err != nil {
		h.logger.Warn("redispatch incomplete", "record_id", c.Param("id"), "error", err)
	}
	c.JSON(http.StatusOK, report)
}

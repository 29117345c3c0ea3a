package main

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/therealutkarshpriyadarshi/suberase/internal/metrics"
	"github.com/therealutkarshpriyadarshi/suberase/internal/task"
	"github.com/therealutkarshpriyadarshi/suberase/internal/webhook"
)

const maxCallbackBody = 1 << 20

// Provider completion callback
func (api *API) providerCallback(c *gin.Context) {
	provider := c.Param("provider")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	if err := api.webhooks.Verify(provider, c.Request.Header, c.Query("token"), body); err != nil {
		metrics.RecordWebhook(provider, "rejected")
		api.logger.WithField("provider", provider).WithError(err).Warn("Rejected provider callback")
		if errors.Is(err, webhook.ErrUnknownProvider) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown provider"})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	cb, err := webhook.Parse(provider, body)
	if err != nil {
		metrics.RecordWebhook(provider, "malformed")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed payload"})
		return
	}

	report, err := api.tasks.HandleCallback(c.Request.Context(), cb.Provider, cb.PredictionID)
	switch {
	case errors.Is(err, task.ErrNotFound):
		// Not ours, or already cleaned up. Acknowledge so it is not redelivered.
		metrics.RecordWebhook(provider, "ignored")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	case err != nil:
		// A non-2xx answer makes the provider retry the callback.
		metrics.RecordWebhook(provider, "error")
		api.logger.WithField("prediction_id", cb.PredictionID).WithError(err).Error("Failed to handle provider callback")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process callback"})
		return
	}

	metrics.RecordWebhook(provider, "accepted")
	c.JSON(http.StatusOK, gin.H{
		"status": report.Task.Status,
		"taskId": report.Task.ID,
	})
}

package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	model2 "github.com/blnkfinance/payrail/api/model"
)

// maxWebhookBody caps provider deliveries; real ones are a few kilobytes.
const maxWebhookBody = 1 << 20

// ReceiveProviderWebhook stores a provider delivery for the webhook consumer.
// Redeliveries are acknowledged with 200 so the provider stops retrying.
func (a Api) ReceiveProviderWebhook(c *gin.Context) {
	provider, ok := requiredParam(c, "provider")
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inserted, err := a.payrail.IngestProviderEvent(c.Request.Context(), provider, body, c.Request.Header)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": !inserted})
}

// EnqueueEvent lets trusted services put a side effect on the outbox.
func (a Api) EnqueueEvent(c *gin.Context) {
	var req model2.EnqueueEvent
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := req.ValidateEnqueueEvent(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	id, err := a.payrail.Enqueue(c.Request.Context(), req.Type, req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "type": req.Type})
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/blnkfinance/payrail/model"
)

// ListDeadLetters returns dead letters, optionally filtered with ?queue=outbox|webhook.
func (a Api) ListDeadLetters(c *gin.Context) {
	kind := model.QueueKind(c.Query("queue"))
	if kind != "" && !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "queue must be outbox or webhook"})
		return
	}
	limit, offset := pagination(c)

	entries, err := a.payrail.ListDeadLetters(c.Request.Context(), kind, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	if entries == nil {
		entries = []model.DeadLetterEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (a Api) GetDeadLetter(c *gin.Context) {
	id, ok := requiredParam(c, "id")
	if !ok {
		return
	}
	entry, err := a.payrail.GetDeadLetter(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// ReplayDeadLetter puts the row back on its queue with a fresh attempt budget.
func (a Api) ReplayDeadLetter(c *gin.Context) {
	id, ok := requiredParam(c, "id")
	if !ok {
		return
	}
	row, err := a.payrail.ReplayDeadLetter(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (a Api) DiscardDeadLetter(c *gin.Context) {
	id, ok := requiredParam(c, "id")
	if !ok {
		return
	}
	if err := a.payrail.DiscardDeadLetter(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	model2 "github.com/blnkfinance/payrail/api/model"
	"github.com/blnkfinance/payrail/model"
)

func (a Api) GetPayout(c *gin.Context) {
	id, ok := requiredParam(c, "id")
	if !ok {
		return
	}
	payout, err := a.payrail.GetPayout(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payout)
}

func (a Api) GetSellerPayouts(c *gin.Context) {
	id, ok := requiredParam(c, "id")
	if !ok {
		return
	}
	limit, offset := pagination(c)
	payouts, err := a.payrail.GetSellerPayouts(c.Request.Context(), id, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	if payouts == nil {
		payouts = []model.PayoutRecord{}
	}
	c.JSON(http.StatusOK, payouts)
}

// RetryPayout re-sends a failed payout within the configured retry budget.
func (a Api) RetryPayout(c *gin.Context) {
	id, ok := requiredParam(c, "id")
	if !ok {
		return
	}
	payout, err := a.payrail.RetryPayout(c.Request.Context(), id, a.payrail.Config().Payout.MaxRetries)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payout)
}

// ProcessPayout sends a pending payout now instead of waiting for the sweep.
func (a Api) ProcessPayout(c *gin.Context) {
	id, ok := requiredParam(c, "id")
	if !ok {
		return
	}
	payout, err := a.payrail.ProcessPayout(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payout)
}

func (a Api) GetPayoutSchedule(c *gin.Context) {
	id, ok := requiredParam(c, "id")
	if !ok {
		return
	}
	schedule, err := a.payrail.GetPayoutSchedule(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

func (a Api) SavePayoutSchedule(c *gin.Context) {
	id, ok := requiredParam(c, "id")
	if !ok {
		return
	}
	var req model2.PayoutSchedule
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := req.ValidatePayoutSchedule(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	schedule := req.ToPayoutSchedule(id)
	if err := a.payrail.SavePayoutSchedule(c.Request.Context(), schedule); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	model2 "github.com/blnkfinance/payrail/api/model"
	"github.com/blnkfinance/payrail/model"
)

// RecordLedgerEntry books a fee or an adjustment for a seller. Sales,
// refunds and payouts are only written by their own flows.
func (a Api) RecordLedgerEntry(c *gin.Context) {
	var req model2.RecordLedgerEntry
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := req.ValidateRecordLedgerEntry(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	entry := req.ToLedgerEntry()
	if err := a.payrail.RecordLedgerEntry(c.Request.Context(), entry); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (a Api) GetSellerBalance(c *gin.Context) {
	id, ok := requiredParam(c, "id")
	if !ok {
		return
	}
	balance, err := a.payrail.GetSellerBalance(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func (a Api) GetLedgerEntries(c *gin.Context) {
	id, ok := requiredParam(c, "id")
	if !ok {
		return
	}
	entries, err := a.payrail.GetLedgerEntries(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

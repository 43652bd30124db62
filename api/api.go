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
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/blnkfinance/payrail"
	"github.com/blnkfinance/payrail/api/middleware"
	"github.com/blnkfinance/payrail/config"
)

type Api struct {
	payrail *payrail.Payrail
	router  *gin.Engine
}

// Router registers every route. Provider webhooks sit outside the secret
// key check; they are authenticated by their signatures instead.
func (a Api) Router() *gin.Engine {
	router := a.router
	conf := a.payrail.Config()

	router.GET("/metrics", gin.WrapH(a.payrail.Metrics().Handler()))

	webhooks := router.Group("/webhooks", middleware.RateLimitMiddleware(conf))
	webhooks.POST("/:provider", a.ReceiveProviderWebhook)

	operator := router.Group("/")
	if conf.Server.Secure {
		operator.Use(middleware.SecretKeyAuthMiddleware())
	}

	operator.POST("/events", a.EnqueueEvent)

	operator.POST("/orders", a.CreateOrder)
	operator.GET("/orders/:id", a.GetOrder)

	operator.GET("/dead-letters", a.ListDeadLetters)
	operator.GET("/dead-letters/:id", a.GetDeadLetter)
	operator.POST("/dead-letters/:id/replay", a.ReplayDeadLetter)
	operator.DELETE("/dead-letters/:id", a.DiscardDeadLetter)

	operator.POST("/ledger-entries", a.RecordLedgerEntry)
	operator.GET("/sellers/:id/balance", a.GetSellerBalance)
	operator.GET("/sellers/:id/ledger", a.GetLedgerEntries)

	operator.GET("/sellers/:id/payouts", a.GetSellerPayouts)
	operator.GET("/sellers/:id/payout-schedule", a.GetPayoutSchedule)
	operator.PUT("/sellers/:id/payout-schedule", a.SavePayoutSchedule)
	operator.GET("/payouts/:id", a.GetPayout)
	operator.POST("/payouts/:id/retry", a.RetryPayout)
	operator.POST("/payouts/:id/process", a.ProcessPayout)

	return a.router
}

func NewAPI(p *payrail.Payrail) *Api {
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	conf, err := config.Fetch()
	if err == nil && conf.EnableTelemetry {
		r.Use(otelgin.Middleware(conf.ProjectName))
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{payrail: p, router: r}
}

package httpapi

import (
	"tunegate/pkg/health"
	"tunegate/pkg/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewHandler,
		NewRouter,
	),
)

func NewRouter(h *Handler, hc health.HealthService) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Error())

	r.GET("/healthz", hc.Liveness)
	r.GET("/readyz", hc.Readiness)

	v1 := r.Group("/api/v1")

	// Provider webhooks authenticate out of band, not with user identity.
	v1.POST("/recharge/callback/:provider", h.RechargeCallback)

	authed := v1.Group("")
	authed.Use(middleware.RequireIdentity())
	{
		authed.POST("/jobs", h.SubmitJob)
		authed.GET("/jobs", h.ListJobs)
		authed.GET("/jobs/:id", h.GetJob)

		authed.GET("/me", h.GetMe)
		authed.GET("/me/ledger", h.ListLedgerEntries)

		authed.POST("/invites/redeem", h.RedeemInvite)

		authed.POST("/recharge/orders", h.CreateRechargeOrder)
		authed.GET("/recharge/orders", h.ListRechargeOrders)

		authed.GET("/stats/usage", h.UsageStats)

		authed.POST("/admin/invites", h.CreateInvite)
	}

	return r
}

package httpapi

import (
	"io"
	"net/http"
	"time"

	"tunegate/pkg/config"
	"tunegate/pkg/db/pagination"
	"tunegate/pkg/errutil"
	"tunegate/pkg/middleware"
	"tunegate/services/invite"
	"tunegate/services/job"
	"tunegate/services/ledger"
	"tunegate/services/pricing"
	"tunegate/services/recharge"
	"tunegate/services/user"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type Handler struct {
	jobs     *job.Service
	ledger   *ledger.Service
	users    *user.Service
	invites  *invite.Service
	recharge *recharge.Service
	cfg      *config.Config
}

type HandlerParams struct {
	fx.In
	Jobs     *job.Service
	Ledger   *ledger.Service
	Users    *user.Service
	Invites  *invite.Service
	Recharge *recharge.Service
	Config   *config.Config
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		jobs:     p.Jobs,
		ledger:   p.Ledger,
		users:    p.Users,
		invites:  p.Invites,
		recharge: p.Recharge,
		cfg:      p.Config,
	}
}

func (h *Handler) identity(c *gin.Context) (middleware.Identity, bool) {
	id, ok := middleware.IdentityFrom(c.Request.Context())
	if !ok {
		c.Error(errutil.Unauthorized("missing identity"))
		return middleware.Identity{}, false
	}
	return id, true
}

type jobResponse struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	State         string `json:"state"`
	Outcome       string `json:"outcome,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	Cost          int64  `json:"cost"`
	ResultRef     string `json:"result_ref,omitempty"`
	CacheHit      bool   `json:"cache_hit"`
	Attached      bool   `json:"attached,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
}

func toJobResponse(j *job.ProcessingJob) jobResponse {
	return jobResponse{
		ID:            j.ID,
		Kind:          j.Kind,
		State:         j.State,
		Outcome:       j.Outcome,
		FailureReason: j.FailureReason,
		Cost:          j.Cost,
		ResultRef:     j.ResultRef,
		CreatedAt:     j.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// SubmitJob accepts a multipart upload and runs the metered intake path.
func (h *Handler) SubmitJob(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}

	if _, err := h.users.Sync(c.Request.Context(), id.UserID, id.Email); err != nil {
		c.Error(err)
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		c.Error(errutil.InvalidInput("audio file is required"))
		return
	}
	if file.Size > h.cfg.Orchestrator.MaxUploadBytes {
		c.Error(errutil.InvalidInput("file exceeds upload limit"))
		return
	}

	f, err := file.Open()
	if err != nil {
		c.Error(errutil.InvalidInput("unreadable upload"))
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.cfg.Orchestrator.MaxUploadBytes+1))
	if err != nil {
		c.Error(err)
		return
	}
	if int64(len(data)) > h.cfg.Orchestrator.MaxUploadBytes {
		c.Error(errutil.InvalidInput("file exceeds upload limit"))
		return
	}

	res, err := h.jobs.Submit(c.Request.Context(), job.SubmitParams{
		UserID: id.UserID,
		Kind:   pricing.Kind(c.PostForm("kind")),
		Params: c.PostForm("params"),
		Data:   data,
	})
	if err != nil {
		c.Error(err)
		return
	}

	if res.CacheHit {
		c.JSON(http.StatusOK, gin.H{
			"cache_hit":  true,
			"result_ref": res.ResultRef,
		})
		return
	}

	resp := toJobResponse(res.Job)
	resp.Attached = res.Attached
	c.JSON(http.StatusAccepted, resp)
}

func (h *Handler) GetJob(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}

	j, err := h.jobs.GetForUser(c.Request.Context(), c.Param("id"), id.UserID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(j))
}

func (h *Handler) ListJobs(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		c.Error(errutil.InvalidInput("invalid pagination"))
		return
	}

	jobs, info, err := h.jobs.List(c.Request.Context(), id.UserID, page)
	if err != nil {
		c.Error(err)
		return
	}

	items := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, toJobResponse(j))
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":      items,
		"page_info": info,
	})
}

// GetMe syncs the account and reports tier plus both balance views.
func (h *Handler) GetMe(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	u, err := h.users.Sync(ctx, id.UserID, id.Email)
	if err != nil {
		c.Error(err)
		return
	}

	balance, err := h.ledger.Balance(ctx, id.UserID)
	if err != nil {
		c.Error(err)
		return
	}
	available, err := h.ledger.Available(ctx, id.UserID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":   u.ID,
		"email":     u.Email,
		"tier":      u.Tier,
		"balance":   balance,
		"available": available,
	})
}

func (h *Handler) ListLedgerEntries(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}

	entries, err := h.ledger.Entries(c.Request.Context(), id.UserID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type redeemRequest struct {
	Code string `json:"code" binding:"required"`
}

func (h *Handler) RedeemInvite(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}

	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.InvalidInput("code is required"))
		return
	}

	if _, err := h.users.Sync(c.Request.Context(), id.UserID, id.Email); err != nil {
		c.Error(err)
		return
	}

	tier, err := h.invites.Redeem(c.Request.Context(), id.UserID, req.Code)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tier": tier})
}

type createInviteRequest struct {
	TargetTier string `json:"target_tier" binding:"required"`
	MaxUses    int64  `json:"max_uses" binding:"required"`
	ValidFrom  string `json:"valid_from"`
	ValidUntil string `json:"valid_until"`
}

func (h *Handler) CreateInvite(c *gin.Context) {
	var req createInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.InvalidInput("target_tier and max_uses are required"))
		return
	}

	params := invite.CreateParams{
		TargetTier: pricing.Tier(req.TargetTier),
		MaxUses:    req.MaxUses,
	}
	if req.ValidFrom != "" {
		t, err := time.Parse(time.RFC3339, req.ValidFrom)
		if err != nil {
			c.Error(errutil.InvalidInput("valid_from must be RFC3339"))
			return
		}
		params.ValidFrom = &t
	}
	if req.ValidUntil != "" {
		t, err := time.Parse(time.RFC3339, req.ValidUntil)
		if err != nil {
			c.Error(errutil.InvalidInput("valid_until must be RFC3339"))
			return
		}
		params.ValidUntil = &t
	}

	code, err := h.invites.Create(c.Request.Context(), params)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, code)
}

type createOrderRequest struct {
	Provider string `json:"provider" binding:"required"`
	Amount   int64  `json:"amount" binding:"required"`
}

func (h *Handler) CreateRechargeOrder(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.InvalidInput("provider and amount are required"))
		return
	}

	if _, err := h.users.Sync(c.Request.Context(), id.UserID, id.Email); err != nil {
		c.Error(err)
		return
	}

	order, err := h.recharge.CreateOrder(c.Request.Context(), id.UserID, req.Provider, req.Amount)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *Handler) ListRechargeOrders(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}

	orders, err := h.recharge.Orders(c.Request.Context(), id.UserID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

type rechargeCallbackRequest struct {
	OrderCode   string `json:"order_code" binding:"required"`
	ProviderRef string `json:"provider_ref"`
}

// RechargeCallback settles an order from a provider webhook. Providers retry
// deliveries, so a replay lands on the idempotent settle and answers 200.
func (h *Handler) RechargeCallback(c *gin.Context) {
	var req rechargeCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.InvalidInput("order_code is required"))
		return
	}

	order, err := h.recharge.Settle(c.Request.Context(), req.OrderCode, req.ProviderRef)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": order.Status})
}

func (h *Handler) UsageStats(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}

	stats, err := h.jobs.Stats(c.Request.Context(), id.UserID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": stats})
}

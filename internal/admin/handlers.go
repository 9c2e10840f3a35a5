package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ilpnet/connector/internal/accounts"
	"github.com/ilpnet/connector/internal/fraud"
	"github.com/ilpnet/connector/internal/ratelimit"
	"github.com/ilpnet/connector/internal/reputation"
	"github.com/ilpnet/connector/internal/routing"
	"github.com/ilpnet/connector/internal/settlement"
	"github.com/ilpnet/connector/internal/validation"
)

// PauseService abstracts the fraud detector's pause list.
type PauseService interface {
	PausePeer(peerID, reason, ruleViolated string, severity reputation.Severity)
	ResumePeer(peerID string)
	PausedPeers() map[string]fraud.PauseInfo
}

// RateLimitService abstracts the limiter operations admin needs.
type RateLimitService interface {
	Unblock(peerID string)
	BlockedPeers() map[string]time.Time
	SetOverride(peerID string, o ratelimit.Override)
	SetTrusted(peerID string, trusted bool)
}

// SettlementService runs operator-requested settlements.
type SettlementService interface {
	SettleNow(ctx context.Context, peerID, tokenID string) error
}

// KeyRotationService rotates signing keys on demand.
type KeyRotationService interface {
	RotateKey(ctx context.Context, oldID string) (string, error)
}

// BalanceService reads peer balances.
type BalanceService interface {
	Balance(ctx context.Context, peerID, tokenID string) (accounts.Balances, error)
}

// ReputationService reads peer trust scores.
type ReputationService interface {
	Get(peerID string) *reputation.Score
	All() []*reputation.Score
}

// SettlementStates reads the per-pair settlement state machine.
type SettlementStates interface {
	States() map[settlement.Pair]settlement.State
}

// Handler provides the admin HTTP endpoints.
type Handler struct {
	tokenID     string
	pauses      PauseService
	limits      RateLimitService
	settlements SettlementService
	rotation    KeyRotationService
	balances    BalanceService
	scores      ReputationService
	states      SettlementStates
	routes      *routing.Table
}

// NewHandler creates an admin handler. tokenID is the default token for
// balance and settlement operations when a request names none.
func NewHandler(tokenID string) *Handler {
	return &Handler{tokenID: tokenID}
}

// WithPauseService sets the fraud-detector pause list.
func (h *Handler) WithPauseService(svc PauseService) *Handler {
	h.pauses = svc
	return h
}

// WithRateLimitService sets the rate limiter.
func (h *Handler) WithRateLimitService(svc RateLimitService) *Handler {
	h.limits = svc
	return h
}

// WithSettlementService sets the settlement executor.
func (h *Handler) WithSettlementService(svc SettlementService) *Handler {
	h.settlements = svc
	return h
}

// WithKeyRotation sets the key rotator.
func (h *Handler) WithKeyRotation(svc KeyRotationService) *Handler {
	h.rotation = svc
	return h
}

// WithBalanceService sets the account manager for balance reads.
func (h *Handler) WithBalanceService(svc BalanceService) *Handler {
	h.balances = svc
	return h
}

// WithReputationService sets the reputation tracker.
func (h *Handler) WithReputationService(svc ReputationService) *Handler {
	h.scores = svc
	return h
}

// WithSettlementStates sets the settlement monitor for state reads.
func (h *Handler) WithSettlementStates(svc SettlementStates) *Handler {
	h.states = svc
	return h
}

// WithRoutingTable sets the routing table.
func (h *Handler) WithRoutingTable(t *routing.Table) *Handler {
	h.routes = t
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/peers/:id/pause", h.pausePeer)
	r.POST("/peers/:id/resume", h.resumePeer)
	r.POST("/peers/:id/unblock", h.unblockPeer)
	r.POST("/peers/:id/ratelimit", h.setRateLimit)
	r.POST("/peers/:id/trust", h.setTrusted)
	r.POST("/settle", h.settleNow)
	r.POST("/keys/:id/rotate", h.rotateKey)
	r.POST("/routes", h.insertRoute)
	r.DELETE("/routes", h.removeRoute)

	r.GET("/peers/:id/balance", h.peerBalance)
	r.GET("/peers/blocked", h.blockedPeers)
	r.GET("/peers/paused", h.pausedPeers)
	r.GET("/reputation", h.allScores)
	r.GET("/reputation/:id", h.peerScore)
	r.GET("/routes", h.listRoutes)
	r.GET("/settlements", h.settlementStates)
}

func (h *Handler) pausePeer(c *gin.Context) {
	if h.pauses == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pause service not configured"})
		return
	}

	var req struct {
		Reason   string `json:"reason"`
		Severity string `json:"severity"`
	}
	_ = c.ShouldBindJSON(&req)
	req.Reason = validation.SanitizeString(req.Reason, validation.MaxStringLength)
	if req.Reason == "" {
		req.Reason = "manual pause"
	}
	severity := reputation.Severity(req.Severity)
	switch severity {
	case reputation.SeverityLow, reputation.SeverityMedium, reputation.SeverityHigh, reputation.SeverityCritical:
	default:
		severity = reputation.SeverityHigh
	}

	peerID := c.Param("id")
	h.pauses.PausePeer(peerID, req.Reason, "", severity)
	c.JSON(http.StatusOK, gin.H{"paused": true, "peerId": peerID})
}

func (h *Handler) resumePeer(c *gin.Context) {
	if h.pauses == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pause service not configured"})
		return
	}

	peerID := c.Param("id")
	h.pauses.ResumePeer(peerID)
	c.JSON(http.StatusOK, gin.H{"resumed": true, "peerId": peerID})
}

func (h *Handler) unblockPeer(c *gin.Context) {
	if h.limits == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rate limiter not configured"})
		return
	}

	peerID := c.Param("id")
	h.limits.Unblock(peerID)
	c.JSON(http.StatusOK, gin.H{"unblocked": true, "peerId": peerID})
}

func (h *Handler) setRateLimit(c *gin.Context) {
	if h.limits == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rate limiter not configured"})
		return
	}

	var req struct {
		Capacity   float64 `json:"capacity" binding:"required"`
		RefillRate float64 `json:"refillRate" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Capacity <= 0 || req.RefillRate <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "capacity and refillRate must be positive",
		})
		return
	}

	peerID := c.Param("id")
	h.limits.SetOverride(peerID, ratelimit.Override{Capacity: req.Capacity, RefillRate: req.RefillRate})
	c.JSON(http.StatusOK, gin.H{"peerId": peerID, "capacity": req.Capacity, "refillRate": req.RefillRate})
}

func (h *Handler) setTrusted(c *gin.Context) {
	if h.limits == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rate limiter not configured"})
		return
	}

	var req struct {
		Trusted *bool `json:"trusted" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Trusted == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "trusted is required",
		})
		return
	}

	peerID := c.Param("id")
	h.limits.SetTrusted(peerID, *req.Trusted)
	c.JSON(http.StatusOK, gin.H{"peerId": peerID, "trusted": *req.Trusted})
}

func (h *Handler) settleNow(c *gin.Context) {
	if h.settlements == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "settlement not configured"})
		return
	}

	var req struct {
		PeerID  string `json:"peerId" binding:"required"`
		TokenID string `json:"tokenId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "peerId is required"})
		return
	}
	if req.TokenID == "" {
		req.TokenID = h.tokenID
	}

	if err := h.settlements.SettleNow(c.Request.Context(), req.PeerID, req.TokenID); err != nil {
		switch {
		case errors.Is(err, settlement.ErrNothingToSettle):
			c.JSON(http.StatusConflict, gin.H{"error": "nothing_to_settle", "message": err.Error()})
		case errors.Is(err, settlement.ErrBadTransition):
			c.JSON(http.StatusConflict, gin.H{"error": "settlement_in_progress", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement failed", "message": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"settled": true, "peerId": req.PeerID, "tokenId": req.TokenID})
}

func (h *Handler) rotateKey(c *gin.Context) {
	if h.rotation == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "key rotation not configured"})
		return
	}

	oldID := c.Param("id")
	newID, err := h.rotation.RotateKey(c.Request.Context(), oldID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rotation failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"oldKeyId": oldID, "newKeyId": newID})
}

func (h *Handler) insertRoute(c *gin.Context) {
	if h.routes == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "routing not configured"})
		return
	}

	var req struct {
		Prefix   string `json:"prefix" binding:"required"`
		NextHop  string `json:"nextHop" binding:"required"`
		Priority int    `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "prefix and nextHop are required"})
		return
	}

	h.routes.Insert(req.Prefix, req.NextHop, req.Priority)
	c.JSON(http.StatusOK, gin.H{"prefix": req.Prefix, "nextHop": req.NextHop, "priority": req.Priority})
}

func (h *Handler) removeRoute(c *gin.Context) {
	if h.routes == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "routing not configured"})
		return
	}

	var req struct {
		Prefix  string `json:"prefix" binding:"required"`
		NextHop string `json:"nextHop" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "prefix and nextHop are required"})
		return
	}

	removed := h.routes.Remove(req.Prefix, req.NextHop)
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (h *Handler) peerBalance(c *gin.Context) {
	if h.balances == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "accounts not configured"})
		return
	}

	peerID := c.Param("id")
	tokenID := c.DefaultQuery("token", h.tokenID)

	bal, err := h.balances.Balance(c.Request.Context(), peerID, tokenID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance read failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"peerId":        peerID,
		"tokenId":       tokenID,
		"debitBalance":  bal.DebitBalance.String(),
		"creditBalance": bal.CreditBalance.String(),
		"netBalance":    bal.NetBalance.String(),
	})
}

func (h *Handler) blockedPeers(c *gin.Context) {
	if h.limits == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rate limiter not configured"})
		return
	}

	blocked := h.limits.BlockedPeers()
	out := make([]gin.H, 0, len(blocked))
	for peerID, until := range blocked {
		out = append(out, gin.H{"peerId": peerID, "unblockAt": until})
	}
	c.JSON(http.StatusOK, gin.H{"blocked": out, "count": len(out)})
}

func (h *Handler) pausedPeers(c *gin.Context) {
	if h.pauses == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pause service not configured"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"paused": h.pauses.PausedPeers()})
}

func (h *Handler) allScores(c *gin.Context) {
	if h.scores == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reputation not configured"})
		return
	}

	scores := h.scores.All()
	c.JSON(http.StatusOK, gin.H{"scores": scores, "count": len(scores)})
}

func (h *Handler) peerScore(c *gin.Context) {
	if h.scores == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reputation not configured"})
		return
	}

	score := h.scores.Get(c.Param("id"))
	if score == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no reputation record for peer"})
		return
	}
	c.JSON(http.StatusOK, score)
}

func (h *Handler) listRoutes(c *gin.Context) {
	if h.routes == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "routing not configured"})
		return
	}

	entries := h.routes.Entries()
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{"prefix": e.Prefix, "nextHop": e.NextHop, "priority": e.Priority})
	}
	c.JSON(http.StatusOK, gin.H{"routes": out, "count": len(out)})
}

func (h *Handler) settlementStates(c *gin.Context) {
	if h.states == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "settlement monitor not configured"})
		return
	}

	states := h.states.States()
	out := make([]gin.H, 0, len(states))
	for pair, state := range states {
		out = append(out, gin.H{"peerId": pair.PeerID, "tokenId": pair.TokenID, "state": state})
	}
	c.JSON(http.StatusOK, gin.H{"settlements": out, "count": len(out)})
}

package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"teletherapy-calls/internal/audit"
	"teletherapy-calls/internal/auth"
	"teletherapy-calls/internal/calls"
	"teletherapy-calls/internal/matching"
	"teletherapy-calls/internal/reporting"
	"teletherapy-calls/internal/signaling"
	"teletherapy-calls/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth   *auth.Manager
	Calls  *signaling.Service
	Source matching.Source

	// Reports is optional; the admin report route answers 500 without it.
	Reports *reporting.Service

	// Stream tunes websocket keepalive. Zero values get defaults.
	Stream StreamOptions
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Name   string `json:"name"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a development-only endpoint and is not routed in production.
// Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role, req.Name)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a refresh token for a new pair with the same identity.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	pair, err := h.Auth.Refresh(req.RefreshToken, time.Now())
	if err != nil {
		logger.FromGin(c).Info("refresh rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Availability ---

// ListAvailable returns the raw availability pool. Clients rank it themselves.
func (h Handlers) ListAvailable(c *gin.Context) {
	if h.Source == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "availability not configured"})
		return
	}
	cands, err := h.Source.ListAvailable(c.Request.Context(), strings.TrimSpace(c.Query("language")))
	if err != nil {
		logger.FromGin(c).Warn("availability lookup failed", "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "availability lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"therapists": cands})
}

// --- Calls ---

type createCallRequest struct {
	CalleeID     string     `json:"calleeId"`
	CallerAvatar *string    `json:"callerAvatar,omitempty"`
	Type         calls.Type `json:"type"`
}

// CreateCall starts a ring attempt from the token user to calleeId.
// RBAC: patient or admin.
func (h Handlers) CreateCall(c *gin.Context) {
	ctx, actor, ok := h.identity(c)
	if !ok {
		return
	}
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	rec, err := h.Calls.CreateCall(ctx, signaling.CreateCallRequest{
		CallerID:     actor,
		CalleeID:     strings.TrimSpace(req.CalleeID),
		CallerName:   auth.Name(ctx),
		CallerAvatar: req.CallerAvatar,
		Type:         req.Type,
	})
	if err != nil {
		writeError(c, err, rec)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h Handlers) GetCall(c *gin.Context) {
	ctx, actor, ok := h.identity(c)
	if !ok {
		return
	}
	rec, err := h.Calls.GetCall(ctx, c.Param("id"), actor)
	if err != nil {
		writeError(c, err, rec)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h Handlers) MarkRinging(c *gin.Context) {
	h.transition(c, h.Calls.UpdateRinging)
}

func (h Handlers) AcceptCall(c *gin.Context) {
	h.transition(c, h.Calls.AcceptCall)
}

func (h Handlers) CancelCall(c *gin.Context) {
	h.transition(c, h.Calls.CancelCall)
}

func (h Handlers) EndCall(c *gin.Context) {
	h.transition(c, h.Calls.EndCall)
}

type declineRequest struct {
	Reason calls.DeclineReason `json:"reason"`
}

// DeclineCall accepts an optional body; a missing reason means declined.
func (h Handlers) DeclineCall(c *gin.Context) {
	ctx, actor, ok := h.identity(c)
	if !ok {
		return
	}
	var req declineRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	rec, err := h.Calls.DeclineCall(ctx, c.Param("id"), actor, req.Reason)
	if err != nil {
		writeError(c, err, rec)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h Handlers) UpdateMedia(c *gin.Context) {
	ctx, actor, ok := h.identity(c)
	if !ok {
		return
	}
	var state calls.MediaState
	if err := c.ShouldBindJSON(&state); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	rec, err := h.Calls.UpdateMediaState(ctx, c.Param("id"), actor, state)
	if err != nil {
		writeError(c, err, rec)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type transitionFunc func(ctx context.Context, id, actor string) (calls.Record, error)

func (h Handlers) transition(c *gin.Context, op transitionFunc) {
	ctx, actor, ok := h.identity(c)
	if !ok {
		return
	}
	rec, err := op(ctx, c.Param("id"), actor)
	if err != nil {
		writeError(c, err, rec)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// identity resolves the token user and returns the request context with the
// client IP attached for the audit trail. It aborts the request on failure.
func (h Handlers) identity(c *gin.Context) (context.Context, string, bool) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "signaling not configured"})
		return nil, "", false
	}
	actor, err := auth.UserID(c.Request.Context())
	if err != nil || actor == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return nil, "", false
	}
	return audit.WithClientIP(c.Request.Context(), c.ClientIP()), actor, true
}

package httpapi

import (
	"teletherapy-calls/internal/auth"
	"teletherapy-calls/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Register wires the v1 signaling routes onto r.
// Party checks happen in the signaling service; only role gates live here.
func Register(r gin.IRouter, h Handlers) {
	tokenMW := auth.RequireAccessToken(h.Auth)
	streamMW := auth.RequireStreamToken(h.Auth)

	v1 := r.Group("/v1")
	v1.POST("/auth/refresh", h.Refresh)
	v1.GET("/therapists/available", tokenMW, h.ListAvailable)

	c := v1.Group("/calls")
	c.POST("", tokenMW, rbac.RequireAnyRole(rbac.RolePatient), h.CreateCall)
	c.GET("/incoming/stream", streamMW, rbac.RequireAnyRole(rbac.RoleTherapist), h.StreamIncoming)

	c.GET("/:id", tokenMW, h.GetCall)
	c.GET("/:id/stream", streamMW, h.StreamCall)
	c.POST("/:id/ringing", tokenMW, h.MarkRinging)
	c.POST("/:id/accept", tokenMW, h.AcceptCall)
	c.POST("/:id/decline", tokenMW, h.DeclineCall)
	c.POST("/:id/cancel", tokenMW, h.CancelCall)
	c.POST("/:id/end", tokenMW, h.EndCall)
	c.PUT("/:id/media", tokenMW, h.UpdateMedia)

	admin := v1.Group("/admin")
	admin.Use(tokenMW, rbac.RequireAnyRole(rbac.RoleAdmin))
	{
		admin.GET("/reports/outcomes", h.OutcomeSummary)
	}
}

// RegisterDevLogin exposes token issuance without credentials.
// Never call it in production.
func RegisterDevLogin(r gin.IRouter, h Handlers) {
	r.POST("/v1/auth/login", h.Login)
}

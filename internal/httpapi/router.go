package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/xushuhui/zhida/internal/auth"
	"github.com/xushuhui/zhida/internal/common"
	"github.com/xushuhui/zhida/internal/httpapi/handlers"
	"github.com/xushuhui/zhida/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler, gate *auth.Gate, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery(logger))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))

	r.GET("/ping", h.Ping)
	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	// auth
	api.POST("/auth/token", h.Token)
	api.POST("/auth/register", h.Register)

	authed := api.Group("/")
	authed.Use(middleware.AuthRequired(gate))
	authed.GET("/auth/me", h.Me)
	authed.PUT("/auth/me", h.UpdateMe)

	// chat
	chatGroup := authed.Group("/chat")
	chatGroup.POST("/chat", h.Chat)
	chatGroup.POST("/stream", h.ChatStream)
	chatGroup.GET("/ws", h.ChatSocket)

	chatGroup.POST("/sessions", h.CreateSession)
	chatGroup.GET("/sessions", h.ListSessions)
	chatGroup.GET("/sessions/:id", h.GetSession)
	chatGroup.GET("/sessions/:id/messages", h.ListMessages)
	chatGroup.POST("/sessions/:id/messages", h.PostSessionMessage)
	chatGroup.POST("/sessions/:id/archive", h.ArchiveSession)
	chatGroup.DELETE("/sessions/:id", h.DeleteSession)

	// async turns, processed by cmd/worker
	chatGroup.POST("/jobs", h.EnqueueChatJob)
	chatGroup.GET("/jobs/:job_id", h.GetChatJob)

	authed.GET("/stats/daily", h.DailyStats)
	authed.GET("/stats/summary", h.StatsSummary)

	admin := authed.Group("/admin")
	admin.Use(middleware.AdminRequired())
	admin.GET("/users", h.ListUsers)
	admin.PUT("/users/:id/status", h.SetUserStatus)
	admin.DELETE("/users/:id", h.DeleteUser)

	return r
}

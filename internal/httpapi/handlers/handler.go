package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/xushuhui/zhida/internal/ai"
	"github.com/xushuhui/zhida/internal/auth"
	"github.com/xushuhui/zhida/internal/chat"
	"github.com/xushuhui/zhida/internal/common"
	"github.com/xushuhui/zhida/internal/httpapi/middleware"
	"github.com/xushuhui/zhida/internal/models"
	"github.com/xushuhui/zhida/internal/store"
	"gorm.io/gorm"
)

type Handler struct {
	DB      *gorm.DB
	Gate    *auth.Gate
	ChatSvc *chat.Service
	Users   *store.UserRepo
	Log     zerolog.Logger
}

func NewHandler(db *gorm.DB, gate *auth.Gate, chatSvc *chat.Service, logger zerolog.Logger) *Handler {
	return &Handler{
		DB:      db,
		Gate:    gate,
		ChatSvc: chatSvc,
		Users:   store.NewUserRepo(db),
		Log:     logger.With().Str("component", "http").Logger(),
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"message": "pong"})
}

func (h *Handler) Healthz(c *gin.Context) {
	sqlDB, err := h.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		h.Log.Error().Err(err).Msg("health check failed")
		common.Fail(c, http.StatusServiceUnavailable, 50300, "database unavailable")
		return
	}
	common.OK(c, gin.H{"status": "ok"})
}

func currentUser(c *gin.Context) *models.User {
	u, _ := middleware.CurrentUser(c)
	return u
}

// fail maps a service error onto the response envelope.
func (h *Handler) fail(c *gin.Context, err error) {
	var pe *ai.ProviderError
	switch {
	case errors.Is(err, store.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40400, "not found")
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.Header("WWW-Authenticate", "Bearer")
		common.Fail(c, http.StatusUnauthorized, 40100, err.Error())
	case errors.Is(err, auth.ErrAccountDisabled):
		common.Fail(c, http.StatusForbidden, 40301, err.Error())
	case errors.Is(err, auth.ErrDuplicateUsername), errors.Is(err, auth.ErrDuplicateEmail):
		common.Fail(c, http.StatusBadRequest, 10003, err.Error())
	case errors.Is(err, chat.ErrValidation), errors.Is(err, auth.ErrInvalidInput):
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
	case errors.Is(err, chat.ErrRateLimited):
		common.Fail(c, http.StatusTooManyRequests, 42900, err.Error())
	case errors.As(err, &pe):
		common.Fail(c, http.StatusBadGateway, 50200, pe.Error())
	case errors.Is(err, chat.ErrQueueUnavailable):
		common.Fail(c, http.StatusServiceUnavailable, 50301, err.Error())
	default:
		_ = c.Error(err)
		h.Log.Error().Err(err).Str("request_id", c.GetString(middleware.RequestIDKey)).Msg("request failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

func badJSON(c *gin.Context, err error) {
	common.Fail(c, http.StatusBadRequest, 10001, "invalid request body: "+err.Error())
}

func pathID(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid "+name)
		return 0, false
	}
	return id, true
}

// pageQuery reads offset (or skip) and limit.
func pageQuery(c *gin.Context) (offset, limit int) {
	raw := c.Query("offset")
	if raw == "" {
		raw = c.Query("skip")
	}
	offset, _ = strconv.Atoi(raw)
	limit, _ = strconv.Atoi(c.Query("limit"))
	return offset, limit
}

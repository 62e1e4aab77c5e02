package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/xushuhui/zhida/internal/common"
)

func (h *Handler) ListUsers(c *gin.Context) {
	offset, limit := pageQuery(c)
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	filter := map[string]any{}
	if status := c.Query("status"); status != "" {
		filter["status"] = status
	}
	users, err := h.Users.List(c.Request.Context(), filter, offset, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	total, err := h.Users.Count(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"users": users, "total": total})
}

type setStatusReq struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handler) SetUserStatus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req setStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c, err)
		return
	}
	if id == currentUser(c).ID {
		common.Fail(c, http.StatusBadRequest, 10005, "cannot change your own status")
		return
	}
	u, err := h.Gate.SetStatus(c.Request.Context(), id, req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, u)
}

// DeleteUser removes the user with all sessions, messages and statistics.
func (h *Handler) DeleteUser(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if id == currentUser(c).ID {
		common.Fail(c, http.StatusBadRequest, 10005, "cannot delete yourself")
		return
	}
	if err := h.Users.DeleteCascade(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	h.Log.Info().Uint64("admin_id", currentUser(c).ID).Uint64("user_id", id).Msg("user deleted")
	common.OK(c, gin.H{"deleted": id})
}

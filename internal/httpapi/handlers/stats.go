package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/xushuhui/zhida/internal/common"
)

func (h *Handler) DailyStats(c *gin.Context) {
	rows, err := h.ChatSvc.DailyStats(c.Request.Context(), currentUser(c).ID, c.Query("start"), c.Query("end"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"days": rows})
}

func (h *Handler) StatsSummary(c *gin.Context) {
	totals, err := h.ChatSvc.TotalStats(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, totals)
}

package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/xushuhui/zhida/internal/auth"
	"github.com/xushuhui/zhida/internal/common"
)

type tokenReq struct {
	Username string `form:"username" json:"username" binding:"required"`
	Password string `form:"password" json:"password" binding:"required"`
}

// Token accepts an OAuth2 password form or the same fields as JSON.
func (h *Handler) Token(c *gin.Context) {
	var req tokenReq
	if err := c.ShouldBind(&req); err != nil {
		badJSON(c, err)
		return
	}
	token, _, err := h.Gate.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int(h.Gate.TTL().Seconds()),
	})
}

type registerReq struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c, err)
		return
	}
	u, err := h.Gate.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, u)
}

func (h *Handler) Me(c *gin.Context) {
	common.OK(c, currentUser(c))
}

type updateMeReq struct {
	Username    *string        `json:"username"`
	Email       *string        `json:"email"`
	Password    *string        `json:"password"`
	Avatar      *string        `json:"avatar"`
	Preferences map[string]any `json:"preferences"`
}

func (h *Handler) UpdateMe(c *gin.Context) {
	var req updateMeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c, err)
		return
	}
	u, err := h.Gate.UpdateProfile(c.Request.Context(), currentUser(c), auth.ProfileUpdate{
		Username:    req.Username,
		Email:       req.Email,
		Password:    req.Password,
		Avatar:      req.Avatar,
		Preferences: req.Preferences,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, u)
}

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xushuhui/zhida/internal/chat"
	"github.com/xushuhui/zhida/internal/common"
)

type chatReq struct {
	Message      string   `json:"message" binding:"required"`
	SessionID    uint64   `json:"session_id"`
	SystemPrompt *string  `json:"system_prompt"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"max_tokens"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
}

func (h *Handler) turnRequest(c *gin.Context, req chatReq) chat.TurnRequest {
	return chat.TurnRequest{
		UserID:    currentUser(c).ID,
		SessionID: req.SessionID,
		Message:   req.Message,
		Overrides: chat.Overrides{
			SystemPrompt: req.SystemPrompt,
			Temperature:  req.Temperature,
			MaxTokens:    req.MaxTokens,
		},
		Provider:   req.Provider,
		Model:      req.Model,
		ClientInfo: c.Request.UserAgent(),
		IPAddress:  c.ClientIP(),
	}
}

func (h *Handler) Chat(c *gin.Context) {
	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c, err)
		return
	}
	h.runTurn(c, h.turnRequest(c, req))
}

type sessionMessageReq struct {
	Message      string   `json:"message" binding:"required"`
	SystemPrompt *string  `json:"system_prompt"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"max_tokens"`
}

// PostSessionMessage is Chat with the session taken from the path.
func (h *Handler) PostSessionMessage(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req sessionMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c, err)
		return
	}
	h.runTurn(c, h.turnRequest(c, chatReq{
		Message:      req.Message,
		SessionID:    id,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	}))
}

func (h *Handler) runTurn(c *gin.Context, tr chat.TurnRequest) {
	res, err := h.ChatSvc.Chat(c.Request.Context(), tr)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{
		"session_id":      res.Session.ID,
		"message":         res.Reply.Content,
		"total_tokens":    res.TotalTokens,
		"user_message_id": res.UserMessage.ID,
		"message_id":      res.Reply.ID,
	})
}

func (h *Handler) ChatStream(c *gin.Context) {
	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c, err)
		return
	}

	ctx := c.Request.Context()
	ts, err := h.ChatSvc.ChatStream(ctx, h.turnRequest(c, req))
	if err != nil {
		h.fail(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		// can't stream
		common.Fail(c, http.StatusInternalServerError, 50003, "streaming not supported")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	writeEvent := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			// keep the SSE framing intact
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, b)
		flusher.Flush()
	}

	writeEvent("session", gin.H{
		"type":            "session",
		"session_id":      ts.Session.ID,
		"user_message_id": ts.UserMessage.ID,
	})

	// heartbeat
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	chunks := ts.Chunks
	var result <-chan chat.StreamOutcome
	for {
		select {
		case ch, ok := <-chunks:
			if !ok {
				// the outcome is only read once every chunk was written
				chunks = nil
				result = ts.Result
				continue
			}
			writeEvent("chunk", gin.H{"type": "chunk", "delta": ch})

		case <-ticker.C:
			writeEvent("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})

		case out := <-result:
			if out.Err != nil {
				writeEvent("error", gin.H{"type": "error", "message": out.Err.Error()})
				return
			}
			writeEvent("done", gin.H{
				"type":       "done",
				"session_id": ts.Session.ID,
				"message_id": out.Reply.ID,
			})
			return

		case <-ctx.Done():
			return
		}
	}
}

type createSessionReq struct {
	Title        string   `json:"title"`
	SystemPrompt *string  `json:"system_prompt"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"max_tokens"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badJSON(c, err)
			return
		}
	}
	sess, err := h.ChatSvc.CreateSession(c.Request.Context(), currentUser(c).ID, chat.CreateSessionInput{
		Title:        req.Title,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		Provider:     req.Provider,
		Model:        req.Model,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, sess)
}

func (h *Handler) ListSessions(c *gin.Context) {
	offset, limit := pageQuery(c)
	sessions, err := h.ChatSvc.ListSessions(c.Request.Context(), currentUser(c).ID, c.Query("status"), offset, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"sessions": sessions})
}

func (h *Handler) GetSession(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	sess, err := h.ChatSvc.GetSession(c.Request.Context(), currentUser(c).ID, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, sess)
}

func (h *Handler) ListMessages(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	offset, limit := pageQuery(c)
	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), currentUser(c).ID, id, offset, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"messages": msgs})
}

func (h *Handler) ArchiveSession(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	sess, err := h.ChatSvc.ArchiveSession(c.Request.Context(), currentUser(c).ID, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, sess)
}

func (h *Handler) DeleteSession(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.ChatSvc.DeleteSession(c.Request.Context(), currentUser(c).ID, id); err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"deleted": id})
}

func (h *Handler) EnqueueChatJob(c *gin.Context) {
	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c, err)
		return
	}
	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	j, created, err := h.ChatSvc.EnqueueTurn(c.Request.Context(), h.turnRequest(c, req), key)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"job_id": j.ID, "session_id": j.SessionID, "created": created})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("job_id"))
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}
	j, err := h.ChatSvc.GetJob(c.Request.Context(), currentUser(c).ID, jobID)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"job": j})
}

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/xushuhui/zhida/internal/chat"
)

const (
	wsWriteWait  = 10 * time.Second
	wsMaxMessage = 64 * 1024
)

var (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the socket is authenticated by bearer token, not by cookies
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsFrame struct {
	Type          string `json:"type"`
	SessionID     uint64 `json:"session_id,omitempty"`
	UserMessageID uint64 `json:"user_message_id,omitempty"`
	MessageID     uint64 `json:"message_id,omitempty"`
	Delta         string `json:"delta,omitempty"`
	Message       string `json:"message,omitempty"`
}

// socket is the write side of a chat websocket. Only the loop in ChatSocket uses it.
type socket struct {
	conn *websocket.Conn
}

func (s socket) write(f wsFrame) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(f)
}

func (s socket) ping() error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// hold extends the read deadline while a turn runs. The reader may be parked
// handing over the next request and then sees no pongs.
func (s socket) hold() {
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
}

// ChatSocket runs streamed turns over a websocket: every client frame is a chat
// request, answered by session, chunk and done (or error) frames. Pings keep
// going while a turn streams.
func (h *Handler) ChatSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	ctx := c.Request.Context()
	userID := currentUser(c).ID
	requests := make(chan chatReq)

	// reader
	go func() {
		defer close(requests)
		for {
			var req chatReq
			if err := conn.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.Log.Debug().Err(err).Uint64("user_id", userID).Msg("websocket read")
				}
				return
			}
			select {
			case requests <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	sock := socket{conn: conn}
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case req, ok := <-requests:
			if !ok {
				return
			}
			if err := h.socketTurn(c, req, sock, ticker.C); err != nil {
				return
			}
		case <-ticker.C:
			if err := sock.ping(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// socketTurn streams one turn, pinging on every tick. It returns an error only
// when the socket is unusable.
func (h *Handler) socketTurn(c *gin.Context, req chatReq, sock socket, tick <-chan time.Time) error {
	if req.Message == "" {
		return sock.write(wsFrame{Type: "error", Message: chat.ErrEmptyMessage.Error()})
	}
	sock.hold()
	ts, err := h.ChatSvc.ChatStream(c.Request.Context(), h.turnRequest(c, req))
	if err != nil {
		return sock.write(wsFrame{Type: "error", Message: err.Error()})
	}
	if err := sock.write(wsFrame{Type: "session", SessionID: ts.Session.ID, UserMessageID: ts.UserMessage.ID}); err != nil {
		drain(ts)
		return err
	}

	chunks := ts.Chunks
	for chunks != nil {
		var err error
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			err = sock.write(wsFrame{Type: "chunk", Delta: chunk})
		case <-tick:
			sock.hold()
			err = sock.ping()
		}
		if err != nil {
			// the turn is still recorded
			drain(ts)
			return err
		}
	}

	out := <-ts.Result
	if out.Err != nil {
		return sock.write(wsFrame{Type: "error", SessionID: ts.Session.ID, Message: out.Err.Error()})
	}
	return sock.write(wsFrame{Type: "done", SessionID: ts.Session.ID, MessageID: out.Reply.ID})
}

func drain(ts *chat.TurnStream) {
	for range ts.Chunks {
	}
	<-ts.Result
}

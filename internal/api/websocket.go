// internal/api/websocket.go
package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/services"
	"github.com/Corphon/StoryForge/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamMessage 推送给客户端的章节流消息
type StreamMessage struct {
	Type     string    `json:"type"` // chunk | done | accepted | error
	Chapter  int       `json:"chapter"`
	Text     string    `json:"text,omitempty"`
	Length   int       `json:"length,omitempty"`
	Error    *APIError `json:"error,omitempty"`
	Accepted bool      `json:"accepted,omitempty"`
}

// streamConn 串行化写入的 websocket 连接
type streamConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *streamConn) send(msg StreamMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(msg)
}

// StreamChapter 流式生成章节，accept=true 时在完成后写入第 10 阶段
func (h *Handler) StreamChapter(c *gin.Context) {
	chapter, err := strconv.Atoi(c.Param("n"))
	if err != nil || chapter < 1 {
		h.Response.FromError(c, apperrors.NewInvalidTargetError("无效的章节编号: "+c.Param("n")))
		return
	}
	storyID := c.Param("id")
	accept := c.Query("accept") == "true"

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// 依赖检查在升级前完成，错误以普通 HTTP 响应返回
	chunks, err := h.Chapters.Stream(ctx, storyID, chapter)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cancel()
		for range chunks {
		}
		utils.GetLogger().Warn("websocket upgrade failed", map[string]interface{}{
			"story_id": storyID,
			"error":    err.Error(),
		})
		return
	}
	defer conn.Close()
	out := &streamConn{conn: conn}

	// 客户端关闭连接时取消生成
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	text, err := services.Collect(ctx, chunks, func(chunk string) {
		if err := out.send(StreamMessage{Type: "chunk", Chapter: chapter, Text: chunk}); err != nil {
			cancel()
		}
	})
	if err != nil {
		h.sendStreamError(out, chapter, err)
		return
	}
	_ = out.send(StreamMessage{Type: "done", Chapter: chapter, Length: len(text)})

	if accept {
		items := map[string]models.SubItem{models.ChapterKey(chapter): models.TextItem(text)}
		// 完整章节已生成，客户端断开也要保存
		if _, err := h.FanOut.Accept(context.WithoutCancel(ctx), storyID, services.StageChapters, items); err != nil {
			h.sendStreamError(out, chapter, err)
			return
		}
		_ = out.send(StreamMessage{Type: "accepted", Chapter: chapter, Accepted: true})
	}

	_ = out.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteTimeout))
}

func (h *Handler) sendStreamError(out *streamConn, chapter int, err error) {
	_, code := statusFor(err)
	apiErr := &APIError{Code: code, Kind: apperrors.KindName(err), Message: sanitizeErrorMessage(err.Error())}
	_ = out.send(StreamMessage{Type: "error", Chapter: chapter, Error: apiErr})
}

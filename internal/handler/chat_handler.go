package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"docuvector-go/internal/service"
	"docuvector-go/pkg/errs"
	"docuvector-go/pkg/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// ChatHandler 负责处理问答请求，包括 WebSocket 流式问答。
type ChatHandler struct {
	chatService service.ChatService
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// Chat 处理一次非流式问答。
func (h *ChatHandler) Chat(c *gin.Context) {
	var req service.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "无效的请求体", nil)
		return
	}
	if req.K < 0 {
		respond(c, http.StatusBadRequest, "k 必须大于等于 1", nil)
		return
	}
	resp, err := h.chatService.Chat(c.Request.Context(), req, nil)
	if err != nil {
		respondError(c, "Chat", err)
		return
	}
	respond(c, http.StatusOK, "success", resp)
}

// wsConn 串行化对同一个连接的写入。
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) writeJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, b)
}

// chunkWriter 把 LLM 的原始分块包装成 {"chunk":"..."} 发给客户端。
type chunkWriter struct {
	ws *wsConn
}

func (w chunkWriter) WriteMessage(_ int, data []byte) error {
	return w.ws.writeJSON(map[string]string{"chunk": string(data)})
}

func completion(resp *service.ChatResponse) map[string]interface{} {
	now := time.Now()
	notif := map[string]interface{}{
		"type":      "completion",
		"status":    "finished",
		"message":   "响应已完成",
		"timestamp": now.UnixMilli(),
		"date":      now.Format("2006-01-02T15:04:05"),
	}
	if resp != nil {
		notif["conversation_id"] = resp.ConversationID
		notif["sources"] = resp.Sources
	}
	return notif
}

// wsMessage 是客户端发来的消息：{"question": ...} 发起问答，{"type":"stop"} 中断当前回答。
// 纯文本消息视为问题本身。
type wsMessage struct {
	Type string `json:"type"`
	service.ChatRequest
}

func parseWSMessage(raw []byte) wsMessage {
	var msg wsMessage
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal(raw, &msg) == nil {
		return msg
	}
	msg.Question = trimmed
	return msg
}

// Stream 处理一个 WebSocket 连接，同一时刻只进行一次问答。
func (h *ChatHandler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	ws := &wsConn{conn: conn}
	log.Infof("WebSocket 连接已建立: %s", c.ClientIP())

	connCtx, cancelConn := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancelConn()

	var (
		mu       sync.Mutex
		cancel   context.CancelFunc
		inflight sync.WaitGroup
	)
	defer inflight.Wait()

	stopCurrent := func() {
		mu.Lock()
		defer mu.Unlock()
		if cancel != nil {
			cancel()
			cancel = nil
		}
	}
	defer stopCurrent()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("从 WebSocket 读取消息失败: %v", err)
			}
			return
		}
		msg := parseWSMessage(raw)

		if msg.Type == "stop" {
			stopCurrent()
			_ = ws.writeJSON(map[string]interface{}{"type": "stop", "message": "响应已停止", "timestamp": time.Now().UnixMilli()})
			continue
		}

		// 新问题会中断尚未结束的上一个回答
		stopCurrent()
		inflight.Wait()

		reqCtx, reqCancel := context.WithCancel(connCtx)
		mu.Lock()
		cancel = reqCancel
		mu.Unlock()

		inflight.Add(1)
		go func(req service.ChatRequest) {
			defer inflight.Done()
			defer reqCancel()
			resp, err := h.chatService.Chat(reqCtx, req, chunkWriter{ws: ws})
			if err != nil {
				if reqCtx.Err() != nil {
					return
				}
				log.Errorf("处理流式响应失败: %v", err)
				_ = ws.writeJSON(map[string]interface{}{
					"type":  "error",
					"kind":  errs.KindOf(err).String(),
					"error": err.Error(),
				})
			}
			_ = ws.writeJSON(completion(resp))
		}(msg.ChatRequest)
	}
}

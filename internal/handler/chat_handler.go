package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"telegemini-go/internal/service"
	"telegemini-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// ChatHandler 负责处理 WebSocket 聊天连接。
type ChatHandler struct {
	personas    *service.PersonaService
	chatService *service.ChatService
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(personas *service.PersonaService, chatService *service.ChatService) *ChatHandler {
	return &ChatHandler{personas: personas, chatService: chatService}
}

// clientFrame 是客户端发来的 JSON 帧。纯文本帧按消息文本处理。
type clientFrame struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Image string `json:"image"`
}

// wsConn 串行化对同一连接的写操作。
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) writeJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

// Handle 处理一个传入的 WebSocket 连接。
func (h *ChatHandler) Handle(c *gin.Context) {
	personaID := c.Param("personaId")
	if _, err := h.personas.Get(personaID); err != nil {
		fail(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	ws := &wsConn{conn: conn}

	ctx, cancel := context.WithCancel(c.Request.Context())
	var forwarders sync.WaitGroup
	defer func() {
		cancel()
		forwarders.Wait()
	}()

	log.Infof("WebSocket 连接已建立，persona: %s", personaID)

	// 上一次发送的转发协程结束后才开始转发下一次的事件，保证客户端看到的顺序
	var previous chan struct{}
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("从 WebSocket 读取消息失败: %v", err)
			}
			return
		}

		frame := parseFrame(message)
		if frame.Type == "stop" {
			stopped := h.chatService.Stop(personaID)
			log.Infof("收到停止指令, persona: %s, 存在进行中的回复: %t", personaID, stopped)
			now := time.Now()
			_ = ws.writeJSON(gin.H{
				"type":      "stop",
				"message":   "响应已停止",
				"timestamp": now.UnixMilli(),
				"date":      now.Format("2006-01-02T15:04:05"),
			})
			continue
		}

		events, err := h.chatService.Send(ctx, personaID, frame.Text, frame.Image)
		if err != nil {
			_, msg := statusFor(err)
			log.Warnf("处理 WebSocket 消息失败, persona: %s, error: %v", personaID, err)
			_ = ws.writeJSON(gin.H{"error": msg})
			continue
		}

		done := make(chan struct{})
		forwarders.Add(1)
		go func(prev <-chan struct{}) {
			defer forwarders.Done()
			defer close(done)
			if prev != nil {
				<-prev
			}
			for ev := range events {
				if err := ws.writeJSON(eventPayload(ev)); err != nil {
					log.Warnf("写入 WebSocket 失败: %v", err)
					cancel()
				}
			}
		}(previous)
		previous = done
	}
}

func parseFrame(message []byte) clientFrame {
	if len(message) > 0 && message[0] == '{' {
		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err == nil {
			return frame
		}
	}
	return clientFrame{Text: string(message)}
}

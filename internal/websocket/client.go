package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/domain"
)

// 客户端只会发送微型控制帧（pong / resync）
const maxInboundFrameSize = 512

// Client 代表一条已订阅的 WebSocket 连接。
//
// known、cursor、closed 只由集线器的 Run 协程读写；
// 读写泵只触碰 conn 和 send。
type Client struct {
	id     string
	filter string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub

	known  map[string]domain.Status // 客户端侧视图：消息ID -> 状态
	cursor string                   // 最近一次快照的翻页游标
	closed bool
}

// upgraderFactory 创建带 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// 如果允许所有来源
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			// 没有 Origin 视为同源请求
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}

			return false
		},
	}
}

// HandleWebSocket 校验会话令牌、升级连接并把订阅者接入集线器。
//
// 令牌经 token 查询参数或 Authorization 头携带（浏览器的 WebSocket
// API 发不了自定义头）；filter 参数把视图限定到某个收件人本地部分。
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if _, err := hub.sessions.Validate(token); err != nil {
			hub.log.Warn("websocket authentication failed",
				zap.Error(err),
				zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid session token"})
			return
		}

		filter := strings.TrimSpace(c.Query("filter"))

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			id:     uuid.NewString(),
			filter: filter,
			conn:   conn,
			send:   make(chan []byte, hub.cfg.SendBuffer),
			hub:    hub,
			known:  make(map[string]domain.Status),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// bearerToken 从查询参数或 Authorization 头提取会话令牌。
func bearerToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// readPump 消费客户端入站帧，直到连接关闭或静默超时。
//
// 任何入站帧（包括协议层 pong）都会刷新读截止时间；静默窗口内
// 毫无动静的连接由读超时自然断开。
func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
	}()

	c.conn.SetReadLimit(maxInboundFrameSize)
	c.refreshDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.refreshDeadline()
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket read error",
					zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		c.refreshDeadline()

		var frame InboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.hub.log.Debug("ignoring malformed frame", zap.String("client_id", c.id))
			continue
		}

		switch frame.Type {
		case FramePong:
			// 活动时间已在上面刷新
		case FrameResync:
			select {
			case c.hub.resync <- c:
			case <-c.hub.done:
				return
			}
		default:
			c.hub.log.Debug("ignoring unexpected frame",
				zap.String("client_id", c.id),
				zap.String("type", string(frame.Type)))
		}
	}
}

func (c *Client) refreshDeadline() {
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.SilenceWindow))
}

// writePump 把发送缓冲里的帧串行写给客户端。
// send 通道由集线器关闭，关闭即道别。
func (c *Client) writePump() {
	defer c.conn.Close()

	for payload := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"o3chat/internal/auth"
	"o3chat/internal/config"
	"o3chat/internal/metrics"
	"o3chat/internal/protocol"
	"o3chat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// State 是连接的生命周期阶段，只会向前推进。
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Client 是一条已认证的 WebSocket 连接。readPump 是唯一的读者，writePump 是唯一的写者。
type Client struct {
	id     string
	userID uint
	hub    *Hub
	conn   *websocket.Conn
	cfg    config.WSConfig

	send  chan []byte
	done  chan struct{}
	state atomic.Int32

	mu        sync.Mutex
	closed    bool
	closeCode int
	closeText string

	limiter   *rate.Limiter
	protoErrs int
}

func newClient(h *Hub, conn *websocket.Conn, userID uint, cfg config.WSConfig) *Client {
	def := config.Default().WS
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if cfg.FramesPerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.FramesPerSecond), cfg.FrameBurst)
	}
	c := &Client{
		id:      uuid.NewString(),
		userID:  userID,
		hub:     h,
		conn:    conn,
		cfg:     cfg,
		send:    make(chan []byte, cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: lim,
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Client) ID() string   { return c.id }
func (c *Client) UserID() uint { return c.userID }

func (c *Client) State() State { return State(c.state.Load()) }

// advance 只允许状态向前推进
func (c *Client) advance(to State) {
	for {
		cur := c.state.Load()
		if State(cur) >= to || c.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

// Send 非阻塞入队。队列已满说明对端消费过慢，直接关闭连接，客户端重连后通过历史补齐。
func (c *Client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		metrics.WsFramesOut.Inc()
		return true
	default:
		metrics.WsSlowConsumers.Inc()
		log.Warn().Uint("user_id", c.userID).Str("conn_id", c.id).Msg("ws outbound queue full, closing")
		c.closeLocked(websocket.CloseTryAgainLater, "slow consumer")
		return false
	}
}

// shutdown 关闭出站队列；writePump 写完已排队的帧后发送 close 帧。
func (c *Client) shutdown(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, text)
}

func (c *Client) closeLocked(code int, text string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	c.advance(StateClosing)
	close(c.send)
}

func (c *Client) closeFrame() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.FormatCloseMessage(c.closeCode, c.closeText)
}

// Serve 处理 /ws/:userId 的升级请求。令牌中的 uid 必须与路径一致。
func Serve(h *Hub, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid64, err := strconv.ParseUint(c.Param("userId"), 10, 64)
		if err != nil || uid64 == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		token := auth.TokenFromRequest(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := auth.ParseAccessToken(token, secret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if claims.UserID != uint(uid64) {
			c.JSON(http.StatusForbidden, gin.H{"error": "token does not match user"})
			return
		}
		if _, err := h.users.Profile(c.Request.Context(), claims.UserID); err != nil {
			if errors.Is(err, service.ErrUserNotFound) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
				return
			}
			log.Error().Err(err).Uint("user_id", claims.UserID).Msg("ws profile lookup")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "account service unavailable"})
			return
		}

		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := newClient(h, conn, claims.UserID, h.cfg)
		h.attach(client)
		client.advance(StateOpen)

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()
		go client.writePump()
		client.readPump(ctx)
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.detach(c)
		c.shutdown(websocket.CloseNormalClosure, "")
		// 等 writePump 把排队的帧和 close 帧写完
		select {
		case <-c.done:
		case <-time.After(c.cfg.WriteWait):
		}
		_ = c.conn.Close()
		c.advance(StateClosed)
	}()
	c.conn.SetReadLimit(c.cfg.MaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug().Err(errors.Join(service.ErrConnectionLost, err)).Uint("user_id", c.userID).Str("conn_id", c.id).Msg("ws read")
			}
			return
		}
		if !c.limiter.Allow() {
			if c.reject(protocol.CodeRateLimited, "too many frames", "") {
				return
			}
			continue
		}
		in, err := protocol.Decode(data)
		if err != nil {
			if c.reject(protocol.CodeProtocol, err.Error(), "") {
				return
			}
			continue
		}
		// 同一连接上的帧顺序处理，扇出在读取下一帧前完成入队
		if err := c.hub.router.Dispatch(ctx, c, in); err != nil {
			if errors.Is(err, service.ErrProtocol) {
				if c.reject(protocol.CodeProtocol, err.Error(), "") {
					return
				}
				continue
			}
			f := errorFrame(err, in)
			log.Warn().Err(err).Uint("user_id", c.userID).Str("conn_id", c.id).Str("type", in.Type).Str("code", f.Code).Msg("ws frame failed")
			c.Send(protocol.Encode(f))
		}
	}
}

// reject 回复协议错误并计数，达到阈值时以 policy violation 关闭连接。返回 true 表示应停止读取。
func (c *Client) reject(code, msg, tempID string) bool {
	metrics.WsProtocolErrors.Inc()
	c.protoErrs++
	c.Send(protocol.Encode(protocol.NewError(code, msg, tempID)))
	if c.cfg.MaxProtocolErrors > 0 && c.protoErrs >= c.cfg.MaxProtocolErrors {
		log.Warn().Uint("user_id", c.userID).Str("conn_id", c.id).Int("errors", c.protoErrs).Msg("ws protocol error limit reached")
		c.shutdown(websocket.ClosePolicyViolation, "too many protocol errors")
		return true
	}
	return false
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		close(c.done)
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, c.closeFrame())
				// 给对端回 close 帧的时间，之后 readPump 超时退出
				_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.WriteWait))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

// errorFrame 把业务错误映射为出站 error 帧。send 失败时带上 temp_id 便于客户端标记失败。
func errorFrame(err error, in *protocol.Inbound) protocol.Error {
	var tempID string
	if in.Type == protocol.TypeSend {
		tempID = in.TempID
	}
	switch {
	case errors.Is(err, service.ErrValidation):
		return protocol.NewError(protocol.CodeValidation, err.Error(), tempID)
	case errors.Is(err, service.ErrForbidden):
		return protocol.NewError(protocol.CodeForbidden, err.Error(), tempID)
	case errors.Is(err, service.ErrNotFound):
		return protocol.NewError(protocol.CodeNotFound, "not found", tempID)
	case errors.Is(err, service.ErrStorageUnavailable):
		return protocol.NewError(protocol.CodeStorageUnavailable, "message store unavailable, retry later", tempID)
	case in.Type == protocol.TypeSend:
		return protocol.NewError(protocol.CodeDeliveryFailed, "message was not saved", tempID)
	default:
		return protocol.NewError(protocol.CodeStorageUnavailable, "request failed, retry later", tempID)
	}
}

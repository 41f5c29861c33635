package ws

import (
	"context"
	"net/http"

	"o3chat/internal/config"
	"o3chat/internal/metrics"
	"o3chat/internal/service"
	"o3chat/internal/session"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ProfileLookup 用于在升级前确认用户存在。
type ProfileLookup interface {
	Profile(ctx context.Context, id uint) (service.Profile, error)
}

// Hub 把连接接入注册表与投递路由。它本身不持有连接集合，在线状态只存在于 Registry。
type Hub struct {
	registry *session.Registry
	router   *service.Router
	chats    *service.ChatList
	users    ProfileLookup
	cfg      config.WSConfig
	upgrader websocket.Upgrader
}

func NewHub(registry *session.Registry, router *service.Router, chats *service.ChatList, users ProfileLookup, cfg config.WSConfig) *Hub {
	return &Hub{
		registry: registry,
		router:   router,
		chats:    chats,
		users:    users,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// attach 注册连接。用户从离线变为在线时丢弃旧视图，下次访问从存储重建。
func (h *Hub) attach(c *Client) {
	if h.registry.Register(c.userID, c) {
		h.chats.Invalidate(c.userID)
	}
	metrics.WsConnections.Set(float64(h.registry.Count()))
	log.Info().Uint("user_id", c.userID).Str("conn_id", c.id).Int("online", h.Online(c.userID)).Msg("ws connected")
}

func (h *Hub) detach(c *Client) {
	if h.registry.Unregister(c.userID, c) {
		h.chats.Forget(c.userID)
	}
	metrics.WsConnections.Set(float64(h.registry.Count()))
	log.Info().Uint("user_id", c.userID).Str("conn_id", c.id).Int("online", h.Online(c.userID)).Msg("ws disconnected")
}

// Online 返回某用户当前的连接数。
func (h *Hub) Online(userID uint) int { return len(h.registry.ConnectionsFor(userID)) }

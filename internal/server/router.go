package server

import (
	"o3chat/internal/auth"
	"o3chat/internal/blob"
	"o3chat/internal/config"
	"o3chat/internal/metrics"
	"o3chat/internal/mw"
	"o3chat/internal/service"
	"o3chat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps 是 HTTP 层需要的全部组件，由 main 组装。Images 为 nil 时图片上传关闭。
type Deps struct {
	Accounts *service.AccountService
	Router   *service.Router
	Hub      *ws.Hub
	Images   blob.Store
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
// 返回的 stop 在停服后调用，回收限速器的后台 goroutine。
func SetupRouter(cfg config.Config, d Deps) (*gin.Engine, func()) {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率
	limit, limiter := mw.RateLimit(cfg.HTTP.RequestsPerSecond, cfg.HTTP.Burst)
	r.Use(limit)

	h := NewHandler(d.Accounts, d.Router, d.Images, cfg.Blob.MaxUploadBytes)

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg.JWTSecret))
	authed.GET("/users", h.SearchUsers)
	authed.GET("/users/:id", h.GetUser)
	authed.POST("/images", h.UploadImage)

	r.POST("/delete-chat", auth.AuthMiddleware(cfg.JWTSecret), h.DeleteChat)
	r.GET("/ws/:userId", ws.Serve(d.Hub, cfg.JWTSecret))
	return r, limiter.Stop
}

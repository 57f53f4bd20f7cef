package server

import (
	"context"
	"net/http"
	"time"

	"chatrelay/internal/auth"
	"chatrelay/internal/config"
	"chatrelay/internal/metrics"
	"chatrelay/internal/mw"
	"chatrelay/internal/relay"
	"chatrelay/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
// ctx 结束时限速器的 GC 随之停止。
func SetupRouter(ctx context.Context, cfg config.Config, st MessageStore, rl *relay.Relay) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率，/ws 的握手同样计入。
	r.Use(mw.RateLimit(ctx, rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := NewHandler(st, rl)
	authed := r.Group("/api/v1")
	authed.Use(auth.Middleware(cfg.JWTSecret, st))
	// 认证之后再按身份限速一次。
	authed.Use(mw.RateLimit(ctx, rate.Every(time.Second/5), 10))
	authed.GET("/conversations/:id/messages", h.ListMessages)
	authed.GET("/conversations/:id/online", h.Online)

	r.GET("/ws", ws.Serve(rl, ws.Options{
		SendQueue:     cfg.SendQueueSize,
		MaxFrameBytes: cfg.MaxFrameBytes,
		ReadTimeout:   cfg.HeartbeatInterval * time.Duration(max(cfg.HeartbeatGrace, 1)+1),
	}))
	return r
}

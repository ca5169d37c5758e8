package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveroom/internal/adapters/signal"
	"github.com/dkeye/liveroom/internal/app/orch"
	"github.com/dkeye/liveroom/internal/config"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware tags every browser with a long-lived cookie so log
// lines of one client can be correlated across reloads.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type Deps struct {
	Orch     *orch.Orchestrator
	Signal   *signal.SignalWSController
	Verifier *Verifier
	// Webhook receives media backend callbacks; nil disables the route.
	Webhook http.Handler
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("LiveroomSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
	}
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api")
	if deps.Webhook != nil {
		api.POST("/webhooks/livekit", gin.WrapH(deps.Webhook))
	}

	h := &meetingHandlers{ctx: ctx, orch: deps.Orch, signal: deps.Signal}
	authed := api.Group("", AuthMiddleware(deps.Verifier))
	authed.POST("/meetings", h.create)
	authed.GET("/meetings", h.list)
	authed.GET("/meetings/:id", h.get)
	authed.POST("/meetings/:id/join", h.join)
	authed.POST("/meetings/:id/leave", h.leave)
	authed.PATCH("/meetings/:id/participants/:pid/status", h.updateStatus)
	authed.PATCH("/meetings/:id/settings", h.updateSettings)
	authed.POST("/meetings/:id/host", h.transferHost)
	authed.POST("/meetings/:id/recording", h.recording)
	authed.DELETE("/meetings/:id", h.end)
	authed.GET("/ws/meetings/:id", h.socket)

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Bool("webhook", deps.Webhook != nil).Msg("router setup")
	return r
}

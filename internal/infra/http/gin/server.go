package ginserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	gin "github.com/gin-gonic/gin"

	"marketchat/internal/infra/config"
	"marketchat/internal/infra/obs"
)

type ChatHTTP interface {
	CreateConversation(c *gin.Context)
	ListConversations(c *gin.Context)
	ListMessages(c *gin.Context)
	MarkRead(c *gin.Context)
	SendMessage(c *gin.Context)
}

type Handlers struct {
	Chat      ChatHTTP
	WebSocket http.Handler
}

func NewServer(cfg config.Config, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *http.Server {
	return &http.Server{Addr: cfg.HTTPAddr, Handler: NewRouter(cfg.Env, obsMW, health, h)}
}

// NewRouter builds the engine. Chat routes are served at the root and under /api.
func NewRouter(env string, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *gin.Engine {
	mode := configureGinMode(env)
	if obsMW.Logger != nil {
		obsMW.Logger.Info("gin initialized", "mode", mode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(obsMW.RequestID())
	router.Use(obsMW.LoggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", HeaderUserID},
		ExposeHeaders: []string{
			"Content-Length",
			"Content-Type",
			obs.HeaderRequestID,
		},
		MaxAge: 12 * time.Hour,
	}))
	router.Use(Identity())

	router.GET("/livez", health.Livez)
	router.GET("/readyz", health.Readyz)

	for _, group := range []*gin.RouterGroup{&router.RouterGroup, router.Group("/api")} {
		if h.Chat != nil {
			group.POST("/conversations", h.Chat.CreateConversation)
			group.GET("/conversations", h.Chat.ListConversations)
			group.GET("/messages/:conversationId", h.Chat.ListMessages)
			group.PATCH("/messages/mark-read", h.Chat.MarkRead)
			group.POST("/messages", h.Chat.SendMessage)
		}
		if h.WebSocket != nil {
			group.GET("/ws", gin.WrapH(h.WebSocket))
		}
	}
	return router
}

func configureGinMode(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "debug":
		gin.SetMode(gin.DebugMode)
		return gin.DebugMode
	case "test", "testing":
		gin.SetMode(gin.TestMode)
		return gin.TestMode
	default:
		gin.SetMode(gin.ReleaseMode)
		return gin.ReleaseMode
	}
}

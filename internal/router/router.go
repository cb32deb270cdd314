package router

import (
	"ScrapbookComments/internal/auth"
	"ScrapbookComments/internal/router/handlers"
	"ScrapbookComments/internal/router/middleware"
	"github.com/gin-contrib/cors"
	"github.com/wb-go/wbf/ginext"
	"go.uber.org/zap"
	"slices"
	"time"
)

type Router struct {
	rout     *ginext.Engine
	handler  *handlers.CommentHandler
	verifier *auth.Verifier
	origins  []string
	log      *zap.Logger
}

func NewRouter(mode string, handler *handlers.CommentHandler, verifier *auth.Verifier, origins []string, log *zap.Logger) *Router {
	router := Router{
		rout:     ginext.New(mode),
		handler:  handler,
		verifier: verifier,
		origins:  origins,
		log:      log.Named("router"),
	}
	router.setupRouter()
	return &router
}

func (r *Router) setupRouter() {
	r.rout.Use(middleware.LoggingMiddleware(r.log))
	r.rout.Use(cors.New(corsConfig(r.origins)))
	r.rout.GET("/ping", r.handler.Ping)

	api := r.rout.Group("/", middleware.AuthMiddleware(r.verifier))
	api.GET("/entries/:entryId/comments", r.handler.GetComments)
	api.POST("/entries/:entryId/comments", r.handler.CreateComment)
	api.POST("/entries/:entryId/comments/:commentId/replies", r.handler.CreateReply)
	api.GET("/entries/:entryId/ws", r.handler.StreamComments)
	api.PATCH("/comments/:commentId", r.handler.EditComment)
	api.DELETE("/comments/:commentId", r.handler.DeleteComment)
	api.POST("/comments/:commentId/reactions", r.handler.AddReaction)
	api.DELETE("/comments/:commentId/reactions", r.handler.RemoveReaction)
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Auth-Token", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowCredentials = false
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

func (r *Router) GetEngine() *ginext.Engine {
	return r.rout
}

func (r *Router) Start(addr string) error {
	return r.rout.Run(addr)
}

package main

import (
	"ScrapbookComments/internal/auth"
	"ScrapbookComments/internal/cache"
	"ScrapbookComments/internal/repository"
	"ScrapbookComments/internal/router"
	"ScrapbookComments/internal/router/handlers"
	"ScrapbookComments/internal/service"
	"ScrapbookComments/internal/tree"
	"ScrapbookComments/pkg/logger"
	"context"
	"errors"
	"github.com/joho/godotenv"
	"github.com/wb-go/wbf/config"
	"go.uber.org/zap"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

func main() {
	_ = godotenv.Load()
	cfg := config.New()
	cfg.EnableEnv("")
	_ = cfg.LoadConfigFiles("./config/config.yaml")
	log, err := logger.NewLogger(cfg.GetString("log_level"))
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	repo, err := repository.NewRepository(cfg.GetString("master_dsn"), cfg.GetStringSlice("slaveDSNs"), log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer repo.Close()

	verifier, err := auth.NewVerifier(cfg.GetString("jwt_secret"))
	if err != nil {
		log.Fatal("Failed to configure auth", zap.Error(err))
	}

	serviceComment, err := service.NewService(
		repo,
		tree.NewNormalizer(log),
		intOr(cfg.GetString("cache_size"), cache.DefaultSize, log),
		durationOr(cfg.GetString("gateway_timeout"), service.DefaultGatewayTimeout, log),
		log,
	)
	if err != nil {
		log.Fatal("Failed to create service", zap.Error(err))
	}
	origins := cfg.GetStringSlice("cors_origins")
	handlersComment := handlers.NewCommentHandler(serviceComment, origins)
	rout := router.NewRouter(cfg.GetString("gin_mode"), handlersComment, verifier, origins, log)
	srv := &http.Server{
		Addr:              cfg.GetString("addr"),
		Handler:           rout.GetEngine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to listen and serve", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Failed to shut down server gracefully", zap.Error(err))
	}
}

func intOr(raw string, def int, log *zap.Logger) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn("Invalid integer in config, using default", zap.String("value", raw), zap.Int("default", def))
		return def
	}
	return v
}

func durationOr(raw string, def time.Duration, log *zap.Logger) time.Duration {
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn("Invalid duration in config, using default", zap.String("value", raw), zap.Duration("default", def))
		return def
	}
	return v
}

package main

import (
	"context"
	"log"
	"os"
	"time"

	"blackai/internal/api"
	"blackai/internal/auth"
	"blackai/internal/config"
	"blackai/internal/limits"
	"blackai/internal/redis"
	"blackai/internal/service/ai"
	"blackai/internal/service/chat"
	"blackai/internal/storage"
	"blackai/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	cfgPath := os.Getenv("BLACKAI_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	dbType := os.Getenv("BLACKAI_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	logger.Info("opening database", zap.String("driver", dbType))
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	if err := storage.Migrate(db, dbType); err != nil {
		logger.Fatal("migrate database", zap.Error(err))
	}

	// Redis backs the daily per-mode quota and the token cache. Without it
	// the limiter fails open, chats are unmetered, and auth hits the
	// database on every request.
	var limiter *limits.Limiter
	var tokenCache auth.TokenCache
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		logger.Warn("redis unavailable, quota disabled", zap.Error(err))
		limiter = limits.NewLimiter(nil, logger)
	} else {
		defer rdb.Close()
		limiter = limits.NewRedisLimiter(rdb, logger)
		tokenCache = rdb
	}

	ctx := context.Background()
	provider, err := ai.NewClient(ctx, cfg.AI.APIKey, cfg.AI.TitleModel, logger)
	if err != nil {
		logger.Fatal("init ai client", zap.Error(err))
	}

	chatService := chat.NewService(db, logger)
	authService := auth.NewService(db, tokenCache, 24*time.Hour)

	runner := worker.NewRunner(4, 64, logger)
	defer runner.Close()

	handlers := api.NewHandler(chatService, authService, provider, limiter, runner, logger)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8080"
	}
	logger.Info("listening", zap.String("addr", addr))
	if err := router.Run(addr); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"wordchat/backend/internal/api/handler"
	"wordchat/backend/internal/chathub"
	"wordchat/backend/internal/config"
	"wordchat/backend/internal/localization"
	"wordchat/backend/internal/logger"
	"wordchat/backend/internal/pubsub"
	"wordchat/backend/internal/ratelimit"
	"wordchat/backend/internal/storage"
	"wordchat/backend/internal/telegram"
)

type dependencies struct {
	store   storage.Storage
	bus     pubsub.Bus
	limiter ratelimit.Limiter
	redis   *redis.Client
}

func (d *dependencies) Close() {
	if d.bus != nil {
		_ = d.bus.Close()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
}

func setupDependencies(ctx context.Context, cfg *config.Config, log *zap.Logger) (*dependencies, error) {
	deps := &dependencies{}

	switch cfg.Store.Driver {
	case "postgres":
		s, err := storage.OpenPostgres(cfg.Store.DSN, log)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		deps.store = s
	default:
		s, err := storage.NewMemory(log)
		if err != nil {
			return nil, err
		}
		deps.store = s
		log.Warn("using the in-memory store; state is lost on restart")
	}

	if cfg.Redis.Addr == "" {
		deps.bus = pubsub.NewMemory()
		return deps, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		deps.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	deps.redis = rdb
	deps.bus = pubsub.NewRedis(rdb, log)
	deps.limiter = ratelimit.NewRedis(rdb, cfg.Room.MessageInterval)
	return deps, nil
}

func main() {
	cfg, err := config.Load(os.Getenv("WORDCHAT_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	zl, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	zl.Info("starting wordchat backend", zap.String("store", cfg.Store.Driver), zap.Bool("redis", cfg.Redis.Addr != ""))

	deps, err := setupDependencies(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("failed to set up dependencies", zap.Error(err))
	}
	defer deps.Close()

	loc, err := localization.NewLocalizer()
	if err != nil {
		zl.Fatal("failed to load locales", zap.Error(err))
	}

	matcher := chathub.NewMatcherService(deps.store, deps.bus, cfg.Matching, zl)
	rooms := chathub.NewRoomManager(deps.store, deps.bus, deps.limiter, loc, cfg.Room, zl)
	cleanup := chathub.NewCleanupService(deps.store, cfg.Matching, cfg.Cleanup, zl)

	var wg sync.WaitGroup
	run := func(f func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}
	run(cleanup.Run)
	run(func(ctx context.Context) { rooms.RunWatcher(ctx, cfg.Room.WatchInterval) })

	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBotService(cfg.Telegram.Token, matcher, rooms, loc, zl)
		if err != nil {
			zl.Fatal("failed to start telegram bot", zap.Error(err))
		}
		run(bot.Run)
	} else {
		zl.Info("TELEGRAM_BOT_TOKEN not set, telegram bridge disabled")
	}

	if cfg.JWT.Secret == "" {
		cfg.JWT.Secret = uuid.NewString()
		zl.Warn("jwt.secret not set, using an ephemeral secret; tokens will not survive a restart")
	}

	if cfg.Log.Format != "console" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	h := handler.NewHandler(matcher, rooms, handler.NewAuth(cfg.JWT), zl)
	h.Sessions = ctx
	h.Register(r)

	server := &http.Server{
		Addr:           cfg.Server.Addr,
		Handler:        r,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		zl.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zl.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Warn("http shutdown incomplete", zap.Error(err))
	}
	wg.Wait()
}

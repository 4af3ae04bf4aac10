package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aaronwang/bidding-app/internal/auth"
	"github.com/aaronwang/bidding-app/internal/broadcast"
	"github.com/aaronwang/bidding-app/internal/engine"
	"github.com/aaronwang/bidding-app/internal/handlers"
	"github.com/aaronwang/bidding-app/internal/mongodb"
	"github.com/aaronwang/bidding-app/internal/ratelimit"
	redisClient "github.com/aaronwang/bidding-app/internal/redis"
	"github.com/aaronwang/bidding-app/internal/settings"
	"github.com/aaronwang/bidding-app/internal/store"
	"github.com/aaronwang/bidding-app/shared/config"
	"github.com/nats-io/nats.go"
)

func main() {
	if err := config.LoadFile(os.Getenv("CONFIG_FILE")); err != nil {
		slog.Error("failed to load config file", "error", err)
		os.Exit(1)
	}
	logger := config.NewLogger("api-gateway")
	slog.SetDefault(logger)
	logger.Info("starting API Gateway")

	// Load configuration from environment variables
	cfg := loadConfig()
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis backs every component configured for it; connect only if one is
	var redis *redisClient.Client
	if cfg.needsRedis() {
		logger.Info("connecting to Redis", "addr", cfg.RedisAddr)
		r, err := redisClient.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer r.Close()
		redis = r
	}

	// Initialize NATS connection
	logger.Info("connecting to NATS", "url", cfg.NatsURL)
	natsConn, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsConn.Close()

	unitStore, err := openStore(ctx, cfg, redis, logger)
	if err != nil {
		logger.Error("failed to open store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}

	// Event publishers: live fan-out plus durable archival
	archiver, err := broadcast.NewArchiver(ctx, natsConn, logger)
	if err != nil {
		logger.Error("failed to set up JetStream", "error", err)
		os.Exit(1)
	}
	var live broadcast.Publisher = broadcast.NewNATSPublisher(natsConn)
	if cfg.BroadcastTransport == "redis" {
		live = redisClient.NewPublisher(redis)
	}
	// Separate queues: a slow JetStream ack never holds back live fan-out
	dispatcher := broadcast.Group{
		broadcast.NewDispatcher(broadcast.DefaultDispatcherConfig(), logger, live),
		broadcast.NewDispatcher(broadcast.ArchiveDispatcherConfig(), logger, archiver),
	}

	deps := engine.Deps{
		Store:    unitStore,
		Notifier: dispatcher,
		Logger:   logger,
		Flags:    settings.Static(settings.FromEnv()),
		Limiter:  ratelimit.NewMemory(cfg.BidRateLimit, cfg.BidRateWindow, nil),
	}
	if redis != nil {
		deps.Limiter = redisClient.NewLimiter(redis, cfg.BidRateLimit, cfg.BidRateWindow)
	}
	if cfg.LockBackend == "redis" {
		deps.Locker = redisClient.NewLocker(redis, 5*time.Second)
	}
	if cfg.FlagsBackend == "redis" {
		deps.Flags = redisClient.NewFlagProvider(redis, settings.FromEnv(), 2*time.Second, logger)
	}
	bidEngine := engine.New(deps, engine.ConfigFromEnv())

	// Initialize HTTP handlers
	handler := handlers.NewHandler(bidEngine, auth.New(cfg.JWTSecret), logger)
	if redis != nil {
		handler.AddHealthCheck("redis", redis.Ping)
	}
	handler.AddHealthCheck("nats", func(context.Context) error {
		if !natsConn.IsConnected() {
			return errors.New("not connected")
		}
		return nil
	})
	router := handler.SetupRoutes()

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("API Gateway listening", "addr", cfg.ServerAddr,
			"store", cfg.StoreBackend, "lock", cfg.LockBackend, "broadcast", live.Name())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	<-ctx.Done()
	logger.Info("shutting down server")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	// Flush events of bids accepted before shutdown
	dispatcher.Close()

	logger.Info("server stopped gracefully", "dropped_events", dispatcher.Dropped())
}

func openStore(ctx context.Context, cfg *Config, redis *redisClient.Client, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case "mongo":
		client, err := mongodb.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		s := mongodb.NewStore(client, cfg.MongoDatabase)
		if err := s.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		logger.Warn("using in-memory store, state is lost on restart")
		return store.NewMemory(), nil
	case "redis":
		return redis, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// Config holds application configuration
type Config struct {
	ServerAddr         string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	NatsURL            string
	MongoURI           string
	MongoDatabase      string
	StoreBackend       string // "redis", "mongo" or "memory"
	LockBackend        string // "local" or "redis"
	BroadcastTransport string // "redis" or "nats"
	FlagsBackend       string // "static" or "redis"
	JWTSecret          string
	BidRateLimit       int
	BidRateWindow      time.Duration
}

// loadConfig loads configuration from environment variables
func loadConfig() *Config {
	return &Config{
		ServerAddr:         config.GetEnv("SERVER_ADDR", ":8080"),
		RedisAddr:          config.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      config.GetEnv("REDIS_PASSWORD", ""),
		RedisDB:            config.GetEnvInt("REDIS_DB", 0),
		NatsURL:            config.GetEnv("NATS_URL", "nats://localhost:4222"),
		MongoURI:           config.GetEnv("MONGO_URI", ""),
		MongoDatabase:      config.GetEnv("MONGO_DATABASE", "bidding"),
		StoreBackend:       config.GetEnv("STORE_BACKEND", "redis"),
		LockBackend:        config.GetEnv("LOCK_BACKEND", "local"),
		BroadcastTransport: config.GetEnv("BROADCAST_TRANSPORT", "redis"),
		FlagsBackend:       config.GetEnv("FEATURE_FLAGS_BACKEND", "static"),
		JWTSecret:          config.GetEnv("JWT_SECRET", ""),
		BidRateLimit:       config.GetEnvInt("BID_RATE_LIMIT", 20),
		BidRateWindow:      config.GetEnvDuration("BID_RATE_WINDOW", 10*time.Second),
	}
}

func (c *Config) needsRedis() bool {
	return c.StoreBackend == "redis" ||
		c.LockBackend == "redis" ||
		c.BroadcastTransport == "redis" ||
		c.FlagsBackend == "redis"
}

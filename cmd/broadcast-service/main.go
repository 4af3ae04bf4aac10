package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aaronwang/bidding-app/internal/auth"
	"github.com/aaronwang/bidding-app/internal/broadcast"
	redisClient "github.com/aaronwang/bidding-app/internal/redis"
	wsHandler "github.com/aaronwang/bidding-app/internal/websocket"
	"github.com/aaronwang/bidding-app/shared/config"
	"github.com/nats-io/nats.go"
)

// listener delivers live bid events of every unit to out until ctx is done
type listener interface {
	Listen(ctx context.Context, out chan<- *broadcast.Message) error
	Close() error
}

func main() {
	if err := config.LoadFile(os.Getenv("CONFIG_FILE")); err != nil {
		slog.Error("failed to load config file", "error", err)
		os.Exit(1)
	}
	logger := config.NewLogger("broadcast-service")
	logger.Info("starting Broadcast Service")

	// Load configuration
	cfg := loadConfig()
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sub listener
	switch cfg.BroadcastTransport {
	case "nats":
		logger.Info("connecting to NATS", "url", cfg.NatsURL)
		natsConn, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsConn.Close()
		sub = broadcast.NewNATSSubscriber(natsConn, logger)

	default:
		logger.Info("connecting to Redis", "addr", cfg.RedisAddr)
		redis, err := redisClient.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redis.Close()

		// Subscribe to all bid events using pattern matching
		s := redisClient.NewSubscriber(redis, logger)
		if err := s.SubscribeToAll(ctx); err != nil {
			logger.Error("failed to subscribe to Redis channels", "error", err)
			os.Exit(1)
		}
		sub = s
	}
	defer sub.Close()

	// Start WebSocket manager (handles connection lifecycle)
	wsManager := wsHandler.NewManager(logger)
	go wsManager.Run(ctx)

	// Subscriber -> WebSocket fan-out
	go func() {
		logger.Info("listening for bid events", "transport", cfg.BroadcastTransport)
		if err := sub.Listen(ctx, wsManager.Inbox()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("listener error", "error", err)
		}
	}()

	// Initialize HTTP server for WebSocket connections
	handler := wsHandler.NewHandler(wsManager, auth.New(cfg.JWTSecret), logger)
	router := handler.SetupRoutes()

	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in goroutine
	go func() {
		logger.Info("Broadcast Service listening", "addr", cfg.ServerAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()
	logger.Info("shutting down server")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped gracefully")
}

// Config holds application configuration
type Config struct {
	ServerAddr         string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	NatsURL            string
	BroadcastTransport string // "redis" or "nats"
	JWTSecret          string
}

// loadConfig loads configuration from environment variables
func loadConfig() *Config {
	return &Config{
		ServerAddr:         config.GetEnv("SERVER_ADDR", ":8081"),
		RedisAddr:          config.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      config.GetEnv("REDIS_PASSWORD", ""),
		RedisDB:            config.GetEnvInt("REDIS_DB", 0),
		NatsURL:            config.GetEnv("NATS_URL", "nats://localhost:4222"),
		BroadcastTransport: config.GetEnv("BROADCAST_TRANSPORT", "redis"),
		JWTSecret:          config.GetEnv("JWT_SECRET", ""),
	}
}

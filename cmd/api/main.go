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

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/auctio/auctio/internal/adapters/api"
	"github.com/auctio/auctio/internal/adapters/broadcast"
	"github.com/auctio/auctio/internal/adapters/database"
	"github.com/auctio/auctio/internal/domain/auctions"
	"github.com/auctio/auctio/pkg/auth"
	pkgdb "github.com/auctio/auctio/pkg/database"
	pkgevents "github.com/auctio/auctio/pkg/events"
)

const eventsExchange = "auction.events"

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load environment variables (local overrides .env)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Load the token verification key
	publicKeyPath := os.Getenv("AUTH_PUBLIC_KEY_PATH")
	if publicKeyPath == "" {
		logger.Error("AUTH_PUBLIC_KEY_PATH is not set")
		os.Exit(1)
	}
	publicKeyPEM, err := os.ReadFile(publicKeyPath)
	if err != nil {
		logger.Error("Failed to read public key", "path", publicKeyPath, "error", err)
		os.Exit(1)
	}
	signer, err := auth.NewSignerFromPublicKey(publicKeyPEM, os.Getenv("AUTH_ISSUER"))
	if err != nil {
		logger.Error("Failed to create signer", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Postgres Connection Pool
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL is not set")
		os.Exit(1)
	}
	dbConfig, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		logger.Error("Unable to parse database config", "error", err)
		os.Exit(1)
	}
	pool, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		logger.Error("Unable to create connection pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if pingErr := pool.Ping(ctx); pingErr != nil {
		logger.Error("Unable to ping database", "error", pingErr)
		os.Exit(1)
	}
	logger.Info("Postgres Connected")

	// 3. Connect RabbitMQ and create the outbox publisher
	rabbitURL := os.Getenv("RABBITMQ_URL")
	if rabbitURL == "" {
		logger.Error("RABBITMQ_URL is not set")
		os.Exit(1)
	}
	amqpConn, err := amqp.Dial(rabbitURL)
	if err != nil {
		logger.Error("Failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer amqpConn.Close()
	logger.Info("RabbitMQ Connected")

	rabbitPublisher, err := pkgevents.NewRabbitMQPublisher(amqpConn, eventsExchange)
	if err != nil {
		logger.Error("Failed to create RabbitMQ publisher", "error", err)
		os.Exit(1)
	}
	defer rabbitPublisher.Close()

	// 4. Live broadcast backend: Redis fan-out when REDIS_URL is set so bids
	// reach viewers on other instances, in-process hub otherwise.
	var broadcaster auctions.Broadcaster
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisURL})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("Redis failed", "error", err)
			os.Exit(1)
		}
		logger.Info("Redis Connected")
		broadcaster = broadcast.NewRedisBroadcaster(rdb, logger)
	} else {
		broadcaster = broadcast.NewHub(logger)
	}

	// 5. Initialize Repositories (Infrastructure Layer)
	txManager := pkgdb.NewPostgresTransactionManager(pool, 3*time.Second)
	auctionRepo := database.NewPostgresAuctionRepository(pool)
	bidRepo := database.NewPostgresBidRepository(pool)
	notificationRepo := database.NewPostgresNotificationRepository(pool)
	userRepo := database.NewPostgresUserRepository(pool)
	outboxRepo := database.NewPostgresOutboxRepository(pool)

	// 6. Initialize Service (Domain Layer)
	auctionService := auctions.NewService(
		txManager,
		auctionRepo,
		bidRepo,
		notificationRepo,
		userRepo,
		outboxRepo,
		broadcaster,
		logger,
	)

	sweeper := auctions.NewSweeper(auctionService, sweepInterval(logger), logger)

	outboxRelay := pkgevents.NewOutboxRelay(
		outboxRepo,
		rabbitPublisher,
		txManager,
		10,            // batch size
		1*time.Second, // interval
		eventsExchange,
		logger,
	)

	// 7. Initialize API Handler
	handler := api.NewHandler(
		auctionService,
		sweeper,
		broadcaster,
		auctionRepo,
		bidRepo,
		notificationRepo,
		userRepo,
	)

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	handler.RegisterRoutes(router, signer)

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}

	// Use h2c for HTTP/2 without TLS (common for internal services / local dev)
	srv := &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(router, &http2.Server{}),
	}

	// 8. Run server, sweeper and relay until a signal arrives
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting Auction API", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("Starting Expiry Sweeper...")
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("Starting Outbox Relay...")
		return outboxRelay.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Stopped")
}

func sweepInterval(logger *slog.Logger) time.Duration {
	raw := os.Getenv("SWEEP_INTERVAL")
	if raw == "" {
		return 5 * time.Second
	}
	interval, err := time.ParseDuration(raw)
	if err != nil || interval <= 0 {
		logger.Warn("Invalid SWEEP_INTERVAL, using default", "value", raw)
		return 5 * time.Second
	}
	return interval
}

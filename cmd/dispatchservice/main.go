package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/cabdispatch/internal/archive"
	"github.com/example/cabdispatch/internal/dispatch/domain"
	"github.com/example/cabdispatch/internal/dispatch/fleet"
	"github.com/example/cabdispatch/internal/dispatch/handler"
	"github.com/example/cabdispatch/internal/dispatch/matching"
	"github.com/example/cabdispatch/internal/dispatch/repository"
	dispatchservice "github.com/example/cabdispatch/internal/dispatch/service"
	"github.com/example/cabdispatch/internal/events"
	"github.com/example/cabdispatch/internal/location"
	outboxworker "github.com/example/cabdispatch/internal/outbox"
	"github.com/example/cabdispatch/pkg/observability"
)

type appConfig struct {
	HTTPAddr     string
	GRPCAddr     string
	PostgresDSN  string
	RedisAddr    string
	NATSURL      string
	EventSubject string
	MatchRetries int
	MatchBackoff time.Duration
	LeaseTTL     time.Duration
	OutboxPoll   time.Duration
	OutboxBatch  int
	OutboxRetry  int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("dispatch-service")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "dispatch-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg := loadConfig()

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("dispatchservice")); err == nil {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	store := fleet.NewMemoryStore()
	dispatcher := buildDispatcher(store, redisClient, logger, cfg)
	repo := repository.NewMemoryRepository()
	publisher := events.NewPublisher(natsConn, cfg.EventSubject)

	var archiver dispatchservice.TripArchiver
	if db != nil {
		pg := archive.NewPostgres(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal("archive schema", zap.Error(err))
		}
		archiver = pg
	}

	svc := dispatchservice.New(store, dispatcher, repo, publisher, domain.SystemClock{}, archiver, logger.Named("service"))
	dispatchHTTP := handler.NewHTTP(svc)

	r := chi.NewRouter()
	r.Mount("/", dispatchHTTP.Router())
	r.Mount("/observability", observability.MetricsRouter())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetry,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	grpcServer := grpc.NewServer()
	location.RegisterLocationServer(grpcServer, location.NewServer(store))
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("listen grpc", zap.Error(err))
		}
		logger.Info("location grpc listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatal("grpc serve", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("dispatch service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	grpcServer.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func buildDispatcher(store *fleet.MemoryStore, redisClient *redis.Client, logger *zap.Logger, cfg appConfig) domain.DispatchEngine {
	var lease matching.ReservationLease
	if redisClient != nil {
		lease = matching.NewRedisLease(redisClient, "")
	}
	return matching.NewDispatcher(store, lease, logger.Named("dispatcher"), matching.Config{
		MaxAttempts: cfg.MatchRetries,
		Backoff:     cfg.MatchBackoff,
		LeaseTTL:    cfg.LeaseTTL,
	})
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:     getenv("GRPC_ADDR", ":9090"),
		PostgresDSN:  firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		NATSURL:      os.Getenv("NATS_URL"),
		EventSubject: getenv("EVENT_SUBJECT", "dispatch.events"),
		MatchRetries: parseIntEnv("MATCH_MAX_ATTEMPTS", 3),
		MatchBackoff: time.Duration(parseIntEnv("MATCH_BACKOFF_MS", 20)) * time.Millisecond,
		LeaseTTL:     time.Duration(parseIntEnv("LEASE_TTL_SEC", 10)) * time.Second,
		OutboxPoll:   time.Duration(parseIntEnv("OUTBOX_POLL_MS", 200)) * time.Millisecond,
		OutboxBatch:  parseIntEnv("OUTBOX_BATCH", 100),
		OutboxRetry:  parseIntEnv("OUTBOX_RETRY_MAX", 3),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

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

	"github.com/gomodule/redigo/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mmynk/groupchat/internal/api"
	"github.com/mmynk/groupchat/internal/auth"
	"github.com/mmynk/groupchat/internal/config"
	"github.com/mmynk/groupchat/internal/metrics"
	"github.com/mmynk/groupchat/internal/middleware"
	"github.com/mmynk/groupchat/internal/realtime"
	"github.com/mmynk/groupchat/internal/registry"
	"github.com/mmynk/groupchat/internal/service"
	"github.com/mmynk/groupchat/internal/storage"
	"github.com/mmynk/groupchat/internal/storage/mongo"
	"github.com/mmynk/groupchat/internal/storage/sqlite"
	"github.com/mmynk/groupchat/pkg/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Store {
	case config.StoreMongo:
		store, err := mongo.New(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		slog.Info("Storage initialized", "backend", "mongo", "database", cfg.MongoDB)
		return store, nil
	default:
		store, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		slog.Info("Storage initialized", "backend", "sqlite", "database", cfg.DBPath)
		return store, nil
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.GeneratedSecret {
		slog.Warn("JWT_SECRET not set, using a random secret; sessions end on restart")
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)
	hub := realtime.NewHub(m)

	// Without Redis, events go straight to the local hub and logouts are
	// only known to this process.
	var (
		publisher   realtime.Publisher  = hub
		revocations auth.RevocationList = auth.NewMemoryRevocations()
	)
	if cfg.RedisAddr != "" {
		pool := realtime.NewRedisPool(cfg.RedisAddr)
		defer pool.Close()
		if err := pingRedis(ctx, pool); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}

		relay := realtime.NewRedisRelay(pool, hub)
		go relay.Run(ctx)
		publisher = relay
		revocations = auth.NewRedisRevocations(pool)
		slog.Info("Redis relay enabled", "address", cfg.RedisAddr, "channel", realtime.DefaultRelayChannel)
	}

	authSvc := service.NewAuthService(
		auth.NewPasswordAuthenticator(store),
		auth.NewJWTManager(cfg.JWTSecret, cfg.TokenTTL),
		revocations,
		store,
		logger,
	)
	reg := registry.New(store, registry.WithDefaultMaxMembers(cfg.DefaultMaxMembers))
	membership := service.NewMembershipService(reg, store, publisher, m)

	origins := middleware.NewOrigins(cfg.AllowedOrigins)
	router := api.NewRouter(api.Deps{
		Auth:       authSvc,
		Membership: membership,
		Hub:        hub,
		Sessions:   middleware.NewAuth(authSvc, middleware.NewCookieStore(cfg.SessionKey, cfg.CookieSecure)),
		Origins:    origins,
		Metrics:    m,
		Gatherer:   promReg,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h2c.NewHandler(middleware.CORS(origins)(router), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server starting", "address", cfg.HTTPAddr, "store", cfg.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// hijacked websocket connections are not tracked by the server
	if err := hub.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Realtime hub did not drain", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	slog.Info("Server stopped")
	return nil
}

func pingRedis(ctx context.Context, pool *redis.Pool) error {
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Do("PING")
	return err
}

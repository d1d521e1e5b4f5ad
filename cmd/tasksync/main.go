package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/tasksync/internal/auth"
	"github.com/ent0n29/tasksync/internal/config"
	"github.com/ent0n29/tasksync/internal/distributor"
	"github.com/ent0n29/tasksync/internal/httpapi"
	"github.com/ent0n29/tasksync/internal/observability"
	"github.com/ent0n29/tasksync/internal/session"
	"github.com/ent0n29/tasksync/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	configureLogging(cfg)

	metrics := observability.NewMetrics(cfg.MetricsNamespace, prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, storeMode, err := tasks.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("task store init failed: %v", err)
	}
	defer store.Close()
	log.WithField("mode", storeMode).Info("task store ready")

	verifier, err := newVerifier(cfg)
	if err != nil {
		log.Fatalf("auth init failed: %v", err)
	}
	defer verifier.Close()

	sessions := session.NewRegistry(cfg.SessionIdleTimeout, cfg.OutboxCapacity, metrics)
	sessions.SetExpireHook(func(info session.Info) {
		log.WithFields(log.Fields{"session_id": info.ID, "identity_id": info.Identity.ID}).Info("session expired")
	})

	distOpts := []distributor.Option{distributor.WithMetrics(metrics)}
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("REDIS_URL parse error: %v", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		distOpts = append(distOpts, distributor.WithBridge(
			distributor.NewRedisBridge(rdb, cfg.RedisEventsChannel, cfg.InstanceID, metrics)))
		log.WithFields(log.Fields{"channel": cfg.RedisEventsChannel, "instance_id": cfg.InstanceID}).Info("redis event bridge enabled")
	}
	dist := distributor.New(sessions, distOpts...)

	manager := tasks.NewManager(store, dist, tasks.WithMetrics(metrics))

	apiOpts := []httpapi.Option{httpapi.WithStoreMode(storeMode)}
	if rdb != nil {
		apiOpts = append(apiOpts, httpapi.WithReadyCheck(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}
	api := httpapi.New(cfg, manager, sessions, verifier, metrics, apiOpts...)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sessions.StartJanitor(ctx, 5*time.Second)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.BindAddr).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return dist.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		dist.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("graceful shutdown failed")
			_ = httpServer.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server stopped with error")
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func configureLogging(cfg config.Config) {
	if strings.EqualFold(cfg.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Warn("unknown APP_LOG_LEVEL, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func newVerifier(cfg config.Config) (*auth.JWTVerifier, error) {
	if cfg.JWKSURL != "" {
		return auth.NewJWKSVerifier(cfg.JWKSURL, cfg.JWTAudience, cfg.JWTIssuer)
	}
	return auth.NewHMACVerifier(cfg.JWTSecret, cfg.JWTAudience, cfg.JWTIssuer)
}

// Command mdcollabd runs the collaboration core as a standalone
// process: config/logging/telemetry wiring, the HTTP+WebSocket router,
// and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mdcollab/core/internal/authn"
	"github.com/mdcollab/core/internal/config"
	"github.com/mdcollab/core/internal/coordinator"
	"github.com/mdcollab/core/internal/logging"
	"github.com/mdcollab/core/internal/store"
	"github.com/mdcollab/core/internal/telemetry"
	"github.com/mdcollab/core/internal/transport"
	"github.com/mdcollab/core/internal/wire"
)

func main() {
	if err := run(); err != nil {
		panic(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Environment == "development")
	if err != nil {
		return err
	}
	defer logger.Sync()

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	docStore, err := store.NewRedisDocumentStore(store.RedisConfig{
		Address:  cfg.RedisAddress,
		Password: cfg.RedisPassword,
		Database: cfg.RedisDatabase,
	})
	if err != nil {
		logger.Fatal("connect to redis", zap.Error(err))
	}

	var auth authn.AuthResolver
	if cfg.JWTSecret == "" {
		logger.Warn("MDCOLLAB_JWTSECRET unset: bearer tokens are verified against an empty secret")
		auth = authn.NewJWTResolver("")
	} else {
		auth = authn.NewJWTResolver(cfg.JWTSecret)
	}

	codec := wire.NewCodec(cfg.MaxMessageBytes, cfg.SnapshotCompressThreshold)

	coord, err := coordinator.New(docStore, auth, coordinator.Limits{
		MaxConnectionsPerDocument: cfg.MaxConnectionsPerDocument,
		MaxTotalConnections:       cfg.MaxTotalConnections,
		MaxCachedRooms:            cfg.MaxCachedRooms,
		MaxMessageBytes:           cfg.MaxMessageBytes,
		MaxPersistedBytes:         cfg.MaxPersistedBytes,
		SnapshotCompressThreshold: cfg.SnapshotCompressThreshold,
		SaveDelay:                 cfg.SaveDelay,
		CompactionAge:             cfg.CompactionAge,
	}, codec, metrics, logger)
	if err != nil {
		return err
	}

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": coord.RoomCount()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	transport.NewHandler(coord, codec, logger).Register(router)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: router,
	}

	compactTicker := time.NewTicker(time.Minute)
	defer compactTicker.Stop()
	stopCompact := make(chan struct{})
	defer close(stopCompact)
	go func() {
		for {
			select {
			case t := <-compactTicker.C:
				coord.CompactAll(t)
			case <-stopCompact:
				return
			}
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("address", cfg.ListenAddress))
		serveErr <- srv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-sig:
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	coord.Shutdown(shutdownCtx)

	return nil
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"collab/api/internal/access"
	"collab/api/internal/app"
	"collab/api/internal/config"
	"collab/api/internal/gateway"
	"collab/api/internal/metrics"
	"collab/api/internal/reaper"
	"collab/api/internal/room"
	"collab/api/internal/session"
	"collab/api/internal/store"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	addr := pflag.String("addr", "", "listen address (overrides API_ADDR)")
	configPath := pflag.String("config", os.Getenv("COLLAB_CONFIG_FILE"), "YAML config file overlaid on the environment")
	pflag.Parse()

	cfg := config.Load()
	if strings.TrimSpace(*configPath) != "" {
		loaded, err := config.LoadFile(cfg, *configPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.New()
	registryOpts := []room.Option{room.WithMetrics(collector)}
	var accessGateway access.Gateway = access.RoleGateway{}
	checks := map[string]app.Pinger{}

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		dataStore := store.NewPostgresStore(db)
		registryOpts = append(registryOpts, room.WithSnapshotStore(dataStore))
		accessGateway = dataStore
		checks["database"] = dataStore
		log.Printf("Using PostgreSQL for room snapshots and collaboration grants")
	} else {
		log.Printf("No DATABASE_URL; rooms live in memory and access follows role claims")
	}

	var tokens session.TokenStore
	var memoryTokens *session.MemoryStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		tokens = redisStore
		checks["redis"] = redisStore
		log.Printf("Using Redis for session tokens")
	} else {
		memoryTokens = session.NewMemoryStore()
		tokens = memoryTokens
	}

	registry := room.NewRegistry(registryOpts...)
	issuer := session.NewIssuer(cfg, registry, tokens, accessGateway, collector)
	realtime := gateway.New(registry, tokens, cfg.Collaboration.AllowedOrigins, gateway.WithMetrics(collector))
	sweeper := reaper.New(registry, realtime, cfg.Collaboration.SweepInterval, cfg.Collaboration.StaleRoomThreshold, collector)
	if memoryTokens != nil {
		sweeper.WithTokens(memoryTokens)
	}

	service := app.New(cfg, issuer, registry, checks)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin).
		MountRealtime(cfg.Collaboration.WSPath, realtime).
		MountMetrics(collector.Handler())
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Printf("Collaboration API listening on %s (ws %s)", cfg.Addr, cfg.Collaboration.WSPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return sweeper.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := realtime.Shutdown(shutdownCtx); err != nil {
			log.Printf("gateway shutdown error: %v", err)
		}
		if err := registry.Close(shutdownCtx); err != nil {
			log.Printf("room flush error: %v", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
	log.Printf("Collaboration API stopped")
}

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/filip-strelec/pokedex-terminal/internal/api"
	"github.com/filip-strelec/pokedex-terminal/internal/config"
	"github.com/filip-strelec/pokedex-terminal/internal/events"
	"github.com/filip-strelec/pokedex-terminal/internal/heartbeat"
	"github.com/filip-strelec/pokedex-terminal/internal/metrics"
	"github.com/filip-strelec/pokedex-terminal/internal/session"
	"github.com/filip-strelec/pokedex-terminal/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	registry, err := cfg.Registry()
	if err != nil {
		log.Fatalf("invalid program configuration: %v", err)
	}

	ctx := context.Background()

	// Session journal: PostgreSQL when configured, local SQLite otherwise
	var journal store.Journal
	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open session journal: %v", err)
		}
		journal = pg
		log.Println("termbridge: session journal in PostgreSQL")
	} else {
		lite, err := store.OpenSQLite(cfg.DataDir)
		if err != nil {
			log.Printf("termbridge: SQLite journal unavailable in %s: %v (continuing without history)", cfg.DataDir, err)
		} else {
			journal = lite
			log.Printf("termbridge: session journal in %s", cfg.DataDir)
		}
	}

	mgr := session.NewManager(session.Config{
		Registry:         registry,
		Dir:              cfg.AppDir,
		BaseEnv:          os.Environ(),
		HandshakeTimeout: cfg.HandshakeTimeout,
		KillGrace:        cfg.KillGrace,
		MaxSessions:      cfg.MaxSessions,
		Journal:          journal,
	})

	// NATS event publishing needs a journal to drain
	var publisher *events.Publisher
	if cfg.NATSURL != "" && journal != nil {
		publisher, err = events.NewPublisher(cfg.NATSURL, cfg.InstanceID, journal)
		if err != nil {
			log.Printf("termbridge: NATS publisher not available: %v (continuing without)", err)
		} else {
			publisher.Start()
			log.Printf("termbridge: publishing session events to %s", events.Subject(cfg.InstanceID))
		}
	}

	var hb *heartbeat.RedisHeartbeat
	if cfg.RedisURL != "" {
		hb, err = heartbeat.NewRedisHeartbeat(cfg.RedisURL, cfg.InstanceID, cfg.HTTPAddr)
		if err != nil {
			log.Printf("termbridge: Redis heartbeat not available: %v (continuing without)", err)
		} else {
			hb.Start(func() (int, int) { return mgr.Count(), mgr.MaxSessions() })
			log.Printf("termbridge: heartbeat started (%s)", heartbeat.Key(cfg.InstanceID))
		}
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = metrics.StartMetricsServer(cfg.MetricsAddr)
		log.Printf("termbridge: metrics on %s/metrics", cfg.MetricsAddr)
	}

	server := api.NewServer(mgr, journal, api.Options{
		StaticDir:    cfg.StaticDir,
		AdminKey:     cfg.AdminKey,
		ServeMetrics: cfg.MetricsAddr == "",
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("termbridge: listening on %s (app dir %s)", addr, cfg.AppDir)
	go func() {
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("server error: %v", err)
			quit <- syscall.SIGTERM
		}
	}()

	<-quit
	log.Println("termbridge: shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("error closing server: %v", err)
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Printf("error closing sessions: %v", err)
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	if hb != nil {
		hb.Stop()
	}
	if publisher != nil {
		publisher.Stop()
	}
	if journal != nil {
		journal.Close()
	}
}

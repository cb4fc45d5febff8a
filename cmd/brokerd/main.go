// Package main implements brokerd, the secret and credential broker daemon.
// It fronts the broker services with a REST API, sweeps expired access
// artifacts in the background, and rotates due secrets on a cron schedule.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/mcpvault/broker/internal/app"
	"github.com/mcpvault/broker/internal/app/httpapi"
	"github.com/mcpvault/broker/internal/app/storage"
	"github.com/mcpvault/broker/internal/app/storage/postgres"
	"github.com/mcpvault/broker/internal/config"
)

func main() {
	configPath := flag.String("config", "", "Path to broker config file")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.LoadOrDefault()
	}
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	masterKey, err := cfg.MasterKey()
	if err != nil {
		log.Fatalf("Invalid master key: %v", err)
	}
	auditKey, err := cfg.AuditKey()
	if err != nil {
		log.Fatalf("Invalid audit key: %v", err)
	}

	var store storage.Store
	if cfg.DatabaseDSN != "" {
		db, err := sql.Open("postgres", cfg.DatabaseDSN)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			log.Fatalf("Failed to reach database: %v", err)
		}
		store = postgres.New(db)
		log.Println("Using PostgreSQL store")
	} else {
		log.Println("No database DSN configured, using in-memory store")
	}

	application, err := app.New(app.Options{
		MasterKey:        masterKey,
		AuditKey:         auditKey,
		KeyVersion:       cfg.KeyVersion,
		Store:            store,
		SweepInterval:    cfg.SweepInterval,
		RotationSchedule: cfg.RotationSchedule,
		NotifyURL:        cfg.NotifyURL,
		NotifyKey:        cfg.NotifyKey,
	}, nil)
	if err != nil {
		log.Fatalf("Failed to build application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}
	log.Println("Broker services started")

	server := &http.Server{
		Addr:         cfg.Listen,
		Handler:      httpapi.NewHandler(application),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Broker API listening on %s", cfg.Listen)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.Printf("Application stop error: %v", err)
	}

	log.Println("Broker stopped")
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetPrefix("[brokerd] ")
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensandbox/webterm/internal/api"
	"github.com/opensandbox/webterm/internal/config"
	"github.com/opensandbox/webterm/internal/events"
	"github.com/opensandbox/webterm/internal/storage"
	"github.com/opensandbox/webterm/internal/terminal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	opts := api.ServerOpts{
		Shell: terminal.ParseShell(cfg.Shell),
		Identity: terminal.Identity{
			User:   cfg.ShellUser,
			Home:   cfg.ShellHome,
			Prompt: cfg.ShellPrompt,
		},
		QueueSize:   cfg.QueueSize,
		IdleTimeout: cfg.IdleTimeout,
		TraceFrames: cfg.TraceFrames,
	}
	log.Printf("webterm: shell %s %v as %s", opts.Shell.Path, opts.Shell.Args, cfg.ShellUser)

	// Initialize the workspace fetcher (if a storage backend is configured)
	store, err := storage.NewObjectStore(cfg.Storage, cfg.S3(), cfg.Azure())
	if err != nil {
		log.Fatalf("failed to initialize object storage: %v", err)
	}
	if store != nil {
		fetcher, err := storage.NewFetcher(store, cfg.WorkspaceRoot, cfg.WorkspacePrefix)
		if err != nil {
			log.Fatalf("failed to initialize workspace fetcher: %v", err)
		}
		opts.Fetcher = fetcher
		log.Printf("webterm: workspace provisioning from %s/%s into %s", store.Describe(), cfg.WorkspacePrefix, fetcher.Root())
	} else {
		log.Println("webterm: no object storage configured, workspace provisioning disabled")
	}

	// Start NATS event publisher if configured
	if cfg.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			log.Printf("webterm: NATS not available: %v (continuing without session events)", err)
		} else {
			defer pub.Close()
			opts.Events = pub
			log.Println("webterm: NATS event publisher started")
		}
	}

	server := api.NewServer(opts)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("webterm: starting server on %s", addr)

	go func() {
		if err := server.Start(addr); err != nil {
			log.Printf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("webterm: shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("error shutting down server: %v", err)
	}
}

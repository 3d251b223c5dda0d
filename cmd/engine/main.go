package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"evalforms/engine/internal/app"
	"evalforms/engine/internal/backend"
	"evalforms/engine/internal/config"
	"evalforms/engine/internal/session"
)

func main() {
	cfg := config.Load()

	var storage session.Storage
	switch {
	case strings.TrimSpace(cfg.RedisURL) != "":
		log.Printf("Using Redis for draft session storage")
		redisStorage, err := session.NewRedisStorage(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStorage.Close()
		storage = redisStorage
	case strings.TrimSpace(cfg.SQLitePath) != "":
		log.Printf("Using SQLite for draft session storage")
		sqliteStorage, err := session.NewSQLiteStorage(cfg.SQLitePath, cfg.StorageQuota)
		if err != nil {
			log.Fatalf("sqlite open failed: %v", err)
		}
		defer sqliteStorage.Close()
		storage = sqliteStorage
	default:
		log.Printf("Using in-memory draft session storage (drafts do not survive restarts)")
		storage = session.NewMemoryStorage(cfg.StorageQuota)
	}

	store := session.NewStore(storage, cfg.PreservedIDMaxAge)

	// The client reads the token through the service so debounced remote
	// saves carry whatever auth context the latest request brought.
	var service *app.Service
	client := backend.NewClient(cfg.UpstreamURL, func() string {
		if service == nil {
			return ""
		}
		return service.Token()
	})
	service = app.New(cfg, store, client)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Draft session engine listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	// Last chance to land unsaved edits before the process exits.
	service.Flush(shutdownCtx)
}

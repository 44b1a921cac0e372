package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/yepanywhere/relay/internal/broker"
	"github.com/yepanywhere/relay/internal/config"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	flag.Parse()

	// .env is optional; deployments usually set the environment directly.
	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	setLogLevel(cfg.Broker.LogLevel)

	store, err := broker.OpenStore(cfg.Broker.DatabaseURL, cfg.Broker.DataDir)
	if err != nil {
		log.Fatalf("Failed to open registration store: %v", err)
	}
	defer store.Close()

	b := broker.New(store, broker.Config{Liveness: cfg.Broker.Liveness})

	reclaimer := broker.NewReclaimer(b, store, cfg.Broker.ReclaimDays)
	defer reclaimer.Stop()

	server := broker.NewServer(b, cfg.Broker)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Relay broker starting on port %d", cfg.Broker.Port)
	log.Printf("📊 Health check: http://localhost:%d/health", cfg.Broker.Port)

	if err := server.Start(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Server stopped")
}

func setLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		slog.SetLogLoggerLevel(slog.LevelDebug)
	case "warn":
		slog.SetLogLoggerLevel(slog.LevelWarn)
	case "error":
		slog.SetLogLoggerLevel(slog.LevelError)
	default:
		slog.SetLogLoggerLevel(slog.LevelInfo)
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/yepanywhere/relay/internal/config"
	"github.com/yepanywhere/relay/internal/events"
	"github.com/yepanywhere/relay/internal/gateway"
	"github.com/yepanywhere/relay/internal/httpapi"
	"github.com/yepanywhere/relay/internal/origin"
	"github.com/yepanywhere/relay/internal/supervisor"
	"github.com/yepanywhere/relay/internal/uploads"
)

// version is stamped by the release build via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	bus := events.NewBus()

	sup := supervisor.New(bus, supervisor.Config{
		Retention:     24 * time.Hour,
		SweepInterval: time.Hour,
	})
	defer sup.Stop()

	sink, err := uploads.NewFileSink(filepath.Join(cfg.Origin.DataDir, "uploads"))
	if err != nil {
		log.Fatalf("Failed to open upload spool: %v", err)
	}

	// The gateway serves requests through the API's router, and the API in
	// turn hosts the gateway's /ws endpoint. The pointer is filled in before
	// any listener or broker connection starts.
	var api *httpapi.Server
	gw := gateway.New(gateway.Deps{
		Access: origin.NewConfigAccess(cfg.Origin.RemoteAccess),
		LocalMux: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			api.Handler().ServeHTTP(w, r)
		}),
		Supervisor: sup,
		Bus:        bus,
		Sink:       sink,
	}, gateway.Config{
		HeartbeatInterval:  cfg.Origin.RemoteAccess.HeartbeatInterval(),
		SessionKeyLifetime: cfg.Origin.RemoteAccess.SessionKeyLifetime(),
		Liveness:           cfg.Origin.Liveness,
	})
	defer gw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dialer *origin.Dialer
	if cfg.Origin.RemoteAccess.Enabled {
		installID := cfg.Origin.RemoteAccess.InstallID
		if installID == "" {
			installID, err = origin.EnsureInstallID(cfg.Origin.DataDir)
			if err != nil {
				log.Fatalf("Failed to establish install ID: %v", err)
			}
		}
		dialer = origin.NewDialer(gw, cfg.Origin.RemoteAccess, installID, cfg.Origin.Liveness)
	}

	api = httpapi.NewServer(httpapi.Deps{
		Gateway:    gw,
		Supervisor: sup,
		Dialer:     dialer,
		Version:    version,
	}, cfg.Origin.ListenAddr)

	// Relay traffic reaches LocalMux through the dialer, so api must be in
	// place before the first broker connection.
	if dialer != nil {
		go func() {
			if err := dialer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("Relay dialer stopped: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Origin server %s starting on %s", version, cfg.Origin.ListenAddr)
	if cfg.Origin.RemoteAccess.Enabled {
		log.Printf("🔗 Remote access enabled as %q via %s", cfg.Origin.RemoteAccess.Username, cfg.Origin.RemoteAccess.BrokerURL)
	} else {
		log.Println("🔗 Remote access disabled, serving loopback only")
	}

	if err := api.Start(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Server stopped")
}

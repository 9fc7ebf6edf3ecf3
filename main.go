package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eladmint/ziggurat-gateway/pkg/config"
	"github.com/eladmint/ziggurat-gateway/pkg/gateway"
	"github.com/eladmint/ziggurat-gateway/pkg/server"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("🚀 starting Ziggurat Gateway")

	var (
		configFile = flag.String("config", "", "path to a YAML config file (overrides GATEWAY_CONFIG_FILE)")
		showHelp   = flag.Bool("help", false, "show help message")
	)
	flag.Parse()
	if *showHelp {
		flag.Usage()
		return
	}

	yamlPath := *configFile
	if yamlPath == "" {
		yamlPath = os.Getenv("GATEWAY_CONFIG_FILE")
	}

	cfg, err := config.Load(yamlPath)
	if err != nil {
		log.Fatalf("❌ failed to load configuration: %v", err)
	}
	log.Printf("📋 configuration loaded: primary_chain=%s secondary_chains=%v", cfg.PrimaryChain, cfg.SecondaryChains)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw, err := gateway.New(ctx, cfg, log.New(log.Writer(), "[Gateway] ", log.LstdFlags))
	if err != nil {
		log.Fatalf("❌ failed to initialize gateway: %v", err)
	}
	log.Println("✅ gateway context wired: chain clients, model registry, explanation engine, payment ledger, task bridge")

	if gw.Mirror != nil {
		log.Println("✅ Firestore state mirror enabled")
	} else {
		log.Println("⚠️  Firestore state mirror disabled (set FIRESTORE_ENABLED=true to enable)")
	}

	mux := http.NewServeMux()
	server.NewHandlers(gw).Routes(mux)
	mux.Handle("/metrics", gw.Metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go runExpiryLoop(ctx, gw)
	go runSettlementLoop(ctx, gw)

	go func() {
		log.Printf("🌐 Ziggurat Gateway API listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ HTTP server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 shutting down Ziggurat Gateway...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	if err := gw.Close(); err != nil {
		log.Printf("gateway close error: %v", err)
	}
	log.Println("✅ Ziggurat Gateway stopped")
}

// runExpiryLoop sweeps Available/Claimed tasks past their deadline into
// Expired once a minute.
func runExpiryLoop(ctx context.Context, gw *gateway.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := gw.Tasks.ExpireStale(time.Now().UnixMilli())
			if err != nil {
				gw.Logger.Printf("task expiry sweep failed: %v", err)
				continue
			}
			if n > 0 {
				gw.Logger.Printf("expired %d stale task(s)", n)
			}
		}
	}
}

// runSettlementLoop periodically batches every pending payment to its
// chain, on cfg.SettlementInterval.
func runSettlementLoop(ctx context.Context, gw *gateway.Context) {
	ticker := time.NewTicker(gw.Config.SettlementInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := gw.Ledger.SettleBatch(); err != nil {
				gw.Logger.Printf("payment settlement batch failed: %v", err)
			}
		}
	}
}

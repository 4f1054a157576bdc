package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"entity-sync/internal/api"
	"entity-sync/internal/config"
	"entity-sync/internal/observability"
	"entity-sync/internal/relay"
	"entity-sync/internal/wire"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env file from parent directory
	if err := godotenv.Load("../.env"); err != nil {
		// Try current directory as fallback
		if err := godotenv.Load(".env"); err != nil {
			log.Println("💡 No .env file found, using environment variables only")
		}
	} else {
		log.Println("✅ Loaded environment from ../.env")
	}

	log.Println("🛰️ ================================")
	log.Println("🛰️  ENTITY SYNC - RELAY")
	log.Println("🛰️ ================================")

	appConfig := config.Load()
	relayCfg := appConfig.Relay
	port := strconv.Itoa(relayCfg.Port)

	log.Printf("🎮 Config: %d max peers, %.0f frames/s per peer (burst %d), %d byte frames",
		relayCfg.MaxPeers, relayCfg.PeerMessagesPerSec, relayCfg.PeerMessageBurst, appConfig.Wire.MaxMessageSize)

	// Authority audit log. Without a path it only counts.
	audit := relay.NewAuthorityLog()
	if err := audit.Start(relayCfg.AuthorityLogPath); err != nil {
		log.Printf("⚠️ Authority log disabled: %v", err)
		audit = nil
	} else if relayCfg.AuthorityLogPath != "" {
		log.Printf("📝 Authority log: %s", relayCfg.AuthorityLogPath)
	}

	if err := observability.StartDebugServer(observability.DebugConfigFromEnv()); err != nil {
		log.Printf("⚠️ Debug server disabled: %v", err)
	}

	codec := wire.NewCodec(appConfig.Wire)
	registry := relay.NewRegistry(appConfig.Spatial, audit)
	hub := relay.NewHub(relayCfg, codec, registry)
	server := api.NewServer(hub, audit, relayCfg)

	go func() {
		if err := server.Start(":" + port); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	log.Println("✅ Relay ready! Press Ctrl+C to stop.")
	<-quit

	log.Println("🛑 Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Printf("⚠️ Shutdown error: %v", err)
	}
	if audit != nil {
		audit.Stop()
	}
	log.Printf("📊 Ledger at exit: %d entities", registry.Len())
	log.Println("👋 Goodbye!")
}

package main

import (
	"context"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"

	"entity-sync/internal/config"
	"entity-sync/internal/entitysync"
	"entity-sync/internal/observability"
	"entity-sync/internal/session"
	"entity-sync/internal/wire"
	"entity-sync/internal/world"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/joho/godotenv"
	"github.com/pkg/profile"
)

const (
	ratFile     = "data/entities/animals/rat.xml"
	patrolSpeed = 120 // world units per second
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

	// PROFILE=cpu|mem writes a pprof file to the working directory on exit
	switch os.Getenv("PROFILE") {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	case "mem":
		defer profile.Start(profile.MemProfileAllocs, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	}

	appConfig := config.Load()
	sessionCfg := appConfig.Session
	if sessionCfg.PeerID == 0 {
		sessionCfg.PeerID = rand.Uint64N(1<<31) + 1
	}

	log.Println("🎮 ================================")
	log.Printf("🎮  ENTITY SYNC - PEER %d", sessionCfg.PeerID)
	log.Println("🎮 ================================")
	log.Printf("📡 Relay: %s", sessionCfg.RelayURL)
	log.Printf("🎮 Config: %d TPS, resync every %d ticks, authority radius %.0f",
		sessionCfg.TickRate, sessionCfg.ResyncEvery, appConfig.Mesh.AuthorityRadius)

	debugCfg := observability.DebugConfigFromEnv()
	if os.Getenv("DEBUG_ADDR") == "" {
		// The relay usually owns the default debug port on a dev box.
		debugCfg.ListenAddr = "127.0.0.1:6061"
	}
	if err := observability.StartDebugServer(debugCfg); err != nil {
		log.Printf("⚠️ Debug server disabled: %v", err)
	}

	w, player := sandbox(appConfig.Mesh)
	s := session.New(sessionCfg, appConfig.Mesh, w, player)
	s.OnTick(patrol(w.Frame()))

	for i := 0; i < 8; i++ {
		x, y := w.Position(player)
		e, err := w.Load(ratFile, x+rand.Float32()*400-200, y+rand.Float32()*400-200)
		if err != nil {
			log.Fatalf("Failed to spawn rat: %v", err)
		}
		if _, err := s.Track(e); err != nil {
			log.Printf("⚠️ Failed to track rat: %v", err)
		}
	}
	log.Printf("🐀 Tracking %d entities", len(s.Local().AllEntityData()))

	codec := wire.NewCodec(appConfig.Wire)
	client := session.NewClient(sessionCfg.RelayURL, codec, s.Hello(), s, sessionCfg.ReconnectDelay)
	s.SetTransport(client)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("⚠️ Relay client stopped: %v", err)
		}
	}()

	log.Println("✅ Peer ready! Press Ctrl+C to stop.")
	if err := s.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("⚠️ Session stopped: %v", err)
	}

	log.Println("🛑 Shutting down...")
	log.Println("👋 Goodbye!")
}

// sandbox builds a world with the demo prefabs and a local player.
func sandbox(mesh config.MeshConfig) (*world.World, world.EntityID) {
	w := world.New()
	w.RegisterPrefab(ratFile, world.Record{
		Meta:   world.MetaData{Name: "rat"},
		Damage: &world.DamageData{HP: 10, MaxHP: 10},
		Motion: &world.MotionData{Kind: world.MotionCharacter},
	})
	w.RegisterPrefab(session.GoldNuggetFile, world.Record{
		Meta: world.MetaData{Name: "gold_nugget"},
		Item: &world.ItemData{},
	})

	// Peers start spread along a line so neighbours overlap.
	x := float32(rand.IntN(4)) * mesh.TransferRadius
	player := w.Create("player", x, 0, entitysync.PlayerTag)
	world.Set(w, player, world.Motion, world.MotionData{Kind: world.MotionVelocity})
	return w, player
}

// patrol walks the player around a circle so its entities change hands.
func patrol(start int32) func(*world.World, world.EntityID) {
	return func(w *world.World, player world.EntityID) {
		m, ok := world.Get(w, player, world.Motion)
		if !ok {
			return
		}
		phase := float64(w.Frame()-start) / 600 * 2 * math.Pi
		m.Velocity = mgl32.Vec2{
			float32(math.Cos(phase)) * patrolSpeed,
			float32(math.Sin(phase)) * patrolSpeed,
		}
	}
}

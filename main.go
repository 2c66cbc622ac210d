package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/room4-2/OpenOnboard/backend"
	"github.com/room4-2/OpenOnboard/config"
	"github.com/room4-2/OpenOnboard/server"
	"github.com/room4-2/OpenOnboard/session"
	"github.com/room4-2/OpenOnboard/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}
	defer st.Close()

	client := backend.NewClient(cfg.BackendURL, cfg.HTTPTimeout, cfg.RetryAttempts, cfg.RetryDelay)

	// Redis mirrors session presence for operators. The orchestrator works
	// without it.
	redisClient := connectRedis(cfg)
	if redisClient != nil {
		defer redisClient.Close()
	}

	factory := session.NewWebRTCFactory(cfg.SignalingURL, nil, cfg.MaxFrameBuffer)
	sessionManager := session.NewManager(cfg, client, st, factory, redisClient)

	console := server.NewConsole(cfg, sessionManager)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("\nReceived shutdown signal...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := console.Shutdown(shutdownCtx); err != nil {
			log.Printf("Console shutdown error: %v", err)
		}
	}()

	if err := console.Start(); err != nil && err.Error() != "http: Server closed" {
		log.Fatalf("Console error: %v", err)
	}

	log.Println("Server stopped")
}

func connectRedis(cfg *config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("⚠️ Redis unavailable, session presence mirroring disabled: %v", err)
		client.Close()
		return nil
	}
	log.Printf("✅ Connected to Redis at %s", cfg.RedisURL)
	return client
}

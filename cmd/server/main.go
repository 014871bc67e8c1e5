package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/collabcore/collabd/internal/httpapi"
	"github.com/collabcore/collabd/internal/otengine"
	"github.com/collabcore/collabd/internal/persistence"
	"github.com/collabcore/collabd/internal/room"
	"github.com/collabcore/collabd/internal/session"
	"github.com/collabcore/collabd/pkg/logger"
)

// Config holds all server configuration.
type Config struct {
	Port                string
	SQLiteURI           string
	IdleEvictInterval   time.Duration
	RoomIdleThreshold   time.Duration
	MaxDocumentSize     int
	HistoryWindow       int
	BroadcastBufferSize int
	JoinDeadline        time.Duration
	HeartbeatInterval   time.Duration
	WriteTimeout        time.Duration
	MaxFrameBytes       int64
	DurableOpsBeforeAck bool
	SnapshotEveryOps    int
	SnapshotEverySecs   time.Duration
}

func main() {
	// .env is optional; a missing file is not an error, matching how
	// the rest of the corpus treats local development configuration.
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	logger.Init()

	config := Config{
		Port:                getEnv("PORT", "3030"),
		SQLiteURI:           os.Getenv("SQLITE_URI"),
		IdleEvictInterval:   time.Duration(getEnvInt("IDLE_EVICT_INTERVAL_SECONDS", 60)) * time.Second,
		RoomIdleThreshold:   time.Duration(getEnvInt("ROOM_IDLE_THRESHOLD_SECONDS", 300)) * time.Second,
		MaxDocumentSize:     getEnvInt("MAX_DOCUMENT_SIZE_KB", 10*1024) * 1024,
		HistoryWindow:       getEnvInt("HISTORY_WINDOW", otengine.DefaultHistoryWindow),
		BroadcastBufferSize: getEnvInt("BROADCAST_BUFFER_SIZE", 64),
		JoinDeadline:        time.Duration(getEnvInt("JOIN_DEADLINE_SECONDS", 10)) * time.Second,
		HeartbeatInterval:   time.Duration(getEnvInt("HEARTBEAT_INTERVAL_SECONDS", 30)) * time.Second,
		WriteTimeout:        time.Duration(getEnvInt("WRITE_TIMEOUT_SECONDS", 30)) * time.Second,
		MaxFrameBytes:       int64(getEnvInt("MAX_FRAME_BYTES", 10*1024*1024)),
		DurableOpsBeforeAck: getEnvBool("DURABLE_OPS_BEFORE_ACK", false),
		SnapshotEveryOps:    getEnvInt("SNAPSHOT_EVERY_OPS", room.DefaultSnapshotEveryOps),
		SnapshotEverySecs:   time.Duration(getEnvInt("SNAPSHOT_EVERY_SECONDS", 60)) * time.Second,
	}

	logger.Info("starting collab server")
	logger.Info("port: %s", config.Port)
	logger.Info("room idle threshold: %s", config.RoomIdleThreshold)

	var store *persistence.Store
	if config.SQLiteURI != "" {
		logger.Info("persistence: %s", config.SQLiteURI)
		var err error
		store, err = persistence.Open(config.SQLiteURI)
		if err != nil {
			log.Fatalf("failed to open persistence store: %v", err)
		}
		defer store.Close()
	} else {
		logger.Info("persistence: disabled (in-memory only)")
	}

	manager := room.NewManager(store, config.HistoryWindow, config.MaxDocumentSize, config.BroadcastBufferSize, config.RoomIdleThreshold,
		config.DurableOpsBeforeAck, config.SnapshotEveryOps, config.SnapshotEverySecs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx, config.IdleEvictInterval)

	sessionCfg := session.DefaultConfig()
	sessionCfg.JoinDeadline = config.JoinDeadline
	sessionCfg.HeartbeatInterval = config.HeartbeatInterval
	sessionCfg.WriteTimeout = config.WriteTimeout

	api := httpapi.New(manager, store, sessionCfg, config.MaxFrameBytes)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", config.Port),
		Handler: api.Handler(),
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("shutting down...")
		cancel()
		manager.Shutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown: %v", err)
		}
	}()

	logger.Info("listening on %s", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/MininduBimsara/SocketSphere/broker"
	"github.com/MininduBimsara/SocketSphere/cache"
	"github.com/MininduBimsara/SocketSphere/config"
	"github.com/MininduBimsara/SocketSphere/gateway"
	"github.com/MininduBimsara/SocketSphere/metrics"
	"github.com/MininduBimsara/SocketSphere/presence"
	"github.com/MininduBimsara/SocketSphere/server"
	"github.com/MininduBimsara/SocketSphere/services"
	"github.com/MininduBimsara/SocketSphere/storage"
	"github.com/MininduBimsara/SocketSphere/websocket"
)

func main() {
	// Initialize context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize config
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	if err := config.Initialize(env); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	cfg := config.Get()

	// Generate a unique ID for this server instance
	serverID := uuid.New().String()
	log.Printf("Starting server instance with ID: %s", serverID)

	// One Redis client backs the presence store, the message cache, and
	// (for broker.type redis) the broadcast bus.
	redisClient, err := services.NewRedisClient(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer services.CloseRedisClient(redisClient)

	presenceStore := presence.NewRedisStore(redisClient, cfg.Chat.SessionTTLDuration())
	messageCache := cache.NewRedisCache(redisClient, cfg.Chat.HistoryLimit)

	// TODO: swap for the gorm-backed store once the message service lands.
	durableStore := storage.NewMemoryStore()

	// --- Dynamic Broker Initialization ---
	var messageBroker broker.MessageBroker
	busChannel := cfg.Chat.BusChannel

	log.Printf("Initializing message broker of type: %s", cfg.Broker.Type)
	switch strings.ToLower(cfg.Broker.Type) {
	case "redis":
		messageBroker = broker.NewRedisBroker(redisClient)
	case "kafka":
		// Every instance must see every fan-out message, so each one joins
		// its own consumer group. The bus channel is the Kafka topic.
		groupID := cfg.Broker.Kafka.GroupID + "-" + serverID
		messageBroker, err = broker.NewKafkaBroker(cfg.Broker.Kafka.Brokers, groupID)
		if err != nil {
			// A dead bus degrades this instance to single-process chat
			// rather than refusing to start.
			log.Printf("Failed to create Kafka broker, continuing single-process: %v", err)
			messageBroker = broker.NewMemoryBroker()
		}
		busChannel = cfg.Broker.Kafka.Topic
	case "none":
		log.Println("No broadcast bus configured; running single-process")
	default:
		// This should be caught by config validation, but we check again as a safeguard.
		log.Fatalf("Invalid broker type specified: %s", cfg.Broker.Type)
	}
	// --- End of Broker Initialization ---

	gw := gateway.New(gateway.Config{
		ServerID:             serverID,
		BusChannel:           busChannel,
		HistoryLimit:         cfg.Chat.HistoryLimit,
		PresenceRetries:      cfg.Chat.PresenceRetries,
		PresenceRetryBackoff: cfg.Chat.PresenceRetryBackoffDuration(),
		LocalPresenceTTL:     cfg.Chat.SessionTTLDuration(),
	}, presenceStore, messageCache, durableStore, messageBroker)

	// Start the bus listener that replays remote fan-out locally
	go gw.Run(ctx)

	// Initialize handlers
	handler := websocket.NewHandler(gw, &cfg.WebSocket)

	// Create and configure server
	port := ":" + strconv.Itoa(cfg.Server.Port)
	srv := server.NewServer(port, handler.HandleWebSocket)

	if cfg.Metrics.Enabled {
		metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	// Start server
	go srv.Start()
	log.Println("Chat gateway started on " + port)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutdown signal received")

	// Graceful shutdown
	srv.Shutdown(ctx, gw, messageBroker)
}

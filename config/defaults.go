package config

import "github.com/spf13/viper"

func setDefaults() {
	// Server
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 15)
	viper.SetDefault("server.writeTimeout", 15)

	// Redis
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.poolSize", 100)
	viper.SetDefault("redis.poolTimeout", 5)

	// Broker
	viper.SetDefault("broker.type", "redis")
	viper.SetDefault("broker.kafka.topic", "chat-events")
	viper.SetDefault("broker.kafka.groupID", "socketsphere")

	// WebSocket
	viper.SetDefault("websocket.maxConnections", 10000)
	viper.SetDefault("websocket.messageSizeLimit", 4096)
	viper.SetDefault("websocket.reconnectBackoff", 1000)
	viper.SetDefault("websocket.maxRetries", 5)
	viper.SetDefault("websocket.handshakeTimeout", 10)
	viper.SetDefault("websocket.pingInterval", 25)
	viper.SetDefault("websocket.pongTimeout", 30)
	viper.SetDefault("websocket.activityTimeout", 60)
	viper.SetDefault("websocket.writeTimeout", 10)
	viper.SetDefault("websocket.keepAlive", true)

	// Chat
	viper.SetDefault("chat.sessionTTL", 7200)
	viper.SetDefault("chat.historyLimit", 50)
	viper.SetDefault("chat.busChannel", "chat:events")
	viper.SetDefault("chat.presenceRetries", 3)
	viper.SetDefault("chat.presenceRetryBackoff", 200)

	// Metrics
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.path", "/metrics")
}

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}

	if c.Redis.Address == "" {
		return errors.New("redis address must be specified")
	}

	// Validate broker configuration
	switch strings.ToLower(c.Broker.Type) {
	case "redis":
		// Uses the shared redis section validated above.
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Kafka.Topic == "" {
			return errors.New("kafka topic must be specified for kafka broker")
		}
		if c.Broker.Kafka.GroupID == "" {
			return errors.New("kafka groupID must be specified for kafka broker")
		}
	case "none":
		// Single-process deployment, no fan-out bus.
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'redis', 'kafka' or 'none'", c.Broker.Type)
	}

	if c.WebSocket.MaxConnections < 1 {
		return errors.New("max connections must be positive")
	}

	if c.WebSocket.HandshakeTimeout < 1 {
		return errors.New("handshake timeout must be at least 1 second")
	}

	if c.WebSocket.PingInterval >= c.WebSocket.ActivityTimeout {
		return errors.New("ping interval should be less than activity timeout")
	}

	if c.Chat.SessionTTL <= c.WebSocket.ActivityTimeout {
		return errors.New("session TTL should be greater than activity timeout")
	}

	if c.Chat.HistoryLimit < 1 {
		return errors.New("history limit must be positive")
	}

	if c.Chat.BusChannel == "" {
		return errors.New("bus channel must be configured")
	}

	return nil
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SOCKETSPHERE_PORT")

	// Redis
	viper.BindEnv("redis.address", "SOCKETSPHERE_REDIS_ADDRESS")
	viper.BindEnv("redis.password", "SOCKETSPHERE_REDIS_PASSWORD")
	viper.BindEnv("redis.db", "SOCKETSPHERE_REDIS_DB")

	// Broker
	viper.BindEnv("broker.type", "SOCKETSPHERE_BROKER_TYPE")
	viper.BindEnv("broker.kafka.brokers", "SOCKETSPHERE_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.topic", "SOCKETSPHERE_KAFKA_TOPIC")
	viper.BindEnv("broker.kafka.groupID", "SOCKETSPHERE_KAFKA_GROUPID")

	// WebSocket
	viper.BindEnv("websocket.maxConnections", "SOCKETSPHERE_MAX_CONNECTIONS")
	viper.BindEnv("websocket.handshakeTimeout", "SOCKETSPHERE_HANDSHAKE_TIMEOUT")
	viper.BindEnv("websocket.pingInterval", "SOCKETSPHERE_PING_INTERVAL")
	viper.BindEnv("websocket.pongTimeout", "SOCKETSPHERE_PONG_TIMEOUT")
	viper.BindEnv("websocket.activityTimeout", "SOCKETSPHERE_ACTIVITY_TIMEOUT")
	viper.BindEnv("websocket.writeTimeout", "SOCKETSPHERE_WRITE_TIMEOUT")

	// Chat
	viper.BindEnv("chat.sessionTTL", "SOCKETSPHERE_SESSION_TTL")
	viper.BindEnv("chat.historyLimit", "SOCKETSPHERE_HISTORY_LIMIT")
	viper.BindEnv("chat.busChannel", "SOCKETSPHERE_BUS_CHANNEL")

	// Metrics
	viper.BindEnv("metrics.enabled", "SOCKETSPHERE_METRICS_ENABLED")
	viper.BindEnv("metrics.port", "SOCKETSPHERE_METRICS_PORT")
}

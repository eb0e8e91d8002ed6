package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server    ServerConfig
	Redis     RedisConfig
	Broker    BrokerConfig
	WebSocket WebSocketConfig
	Chat      ChatConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  int
	WriteTimeout int
}

// RedisConfig covers the shared Redis deployment: presence store, message
// cache, and (when broker.type is "redis") the broadcast bus all use it.
type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int
}

type BrokerConfig struct {
	// Type selects the broadcast bus: "redis", "kafka", or "none" for
	// single-process deployments.
	Type  string
	Kafka KafkaConfig
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type WebSocketConfig struct {
	MaxConnections   int
	MessageSizeLimit int
	HandshakeTimeout int
	PingInterval     int // Seconds
	PongTimeout      int // Seconds
	ActivityTimeout  int // Seconds
	WriteTimeout     int // Seconds
	ReconnectBackoff int // Milliseconds
	MaxRetries       int
	KeepAlive        bool
}

type ChatConfig struct {
	SessionTTL           int // Seconds
	HistoryLimit         int
	BusChannel           string
	PresenceRetries      int
	PresenceRetryBackoff int // Milliseconds
}

func (c *ChatConfig) SessionTTLDuration() time.Duration {
	return time.Duration(c.SessionTTL) * time.Second
}

func (c *ChatConfig) PresenceRetryBackoffDuration() time.Duration {
	return time.Duration(c.PresenceRetryBackoff) * time.Millisecond
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

var (
	instance *AppConfig
	once     sync.Once
)

func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		viper.SetConfigName(fmt.Sprintf("config.%s", env))
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")

		viper.AutomaticEnv()
		viper.SetEnvPrefix("SOCKETSPHERE")

		setDefaults()
		bindEnvVars()

		if err := viper.ReadInConfig(); err != nil {
			// Defaults plus environment variables are a complete
			// configuration; a config file is optional.
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				initErr = fmt.Errorf("config file error: %w", err)
				return
			}
		}

		if err := viper.Unmarshal(&instance); err != nil {
			initErr = fmt.Errorf("config unmarshal error: %w", err)
			return
		}

		if err := instance.Validate(); err != nil {
			initErr = fmt.Errorf("config validation failed: %w", err)
			return
		}
	})
	return initErr
}

func Get() *AppConfig {
	return instance
}

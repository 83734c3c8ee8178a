// Package config loads each service's configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Common holds the settings shared by every service.
type Common struct {
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile      string `env:"LOG_FILE"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Environment  string `env:"ENVIRONMENT" envDefault:"development"`
}

type Kafka struct {
	Brokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:19092" envSeparator:","`
	Topic   string   `env:"CHANGEFEED_TOPIC" envDefault:"chat-changes"`
}

type Scylla struct {
	Hosts       []string `env:"SCYLLA_HOSTS" envDefault:"localhost:9042" envSeparator:","`
	Keyspace    string   `env:"SCYLLA_KEYSPACE" envDefault:"chat"`
	Replication int      `env:"SCYLLA_REPLICATION" envDefault:"1"`
}

type Redis struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type API struct {
	Common
	Kafka
	Scylla
	Redis
	ServiceName     string        `env:"SERVICE_NAME" envDefault:"api"`
	HTTPPort        int           `env:"HTTP_PORT" envDefault:"8081"`
	JWTSecret       string        `env:"JWT_SECRET"`
	TokenTTL        time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	NodeID          int64         `env:"NODE_ID" envDefault:"1"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	// InMemory swaps ScyllaDB and Kafka for in-process fakes and serves the
	// gateway websocket from the API.
	InMemory bool `env:"IN_MEMORY" envDefault:"false"`
}

type Gateway struct {
	Common
	Kafka
	Scylla
	Redis
	ServiceName     string        `env:"SERVICE_NAME" envDefault:"gateway"`
	HTTPPort        int           `env:"HTTP_PORT" envDefault:"8080"`
	JWTSecret       string        `env:"JWT_SECRET"`
	InstanceID      string        `env:"INSTANCE_ID"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type Messaging struct {
	Common
	Kafka
	Scylla
	Redis
	ServiceName string `env:"SERVICE_NAME" envDefault:"messaging"`
	GroupID     string `env:"CONSUMER_GROUP" envDefault:"messaging-service-group"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9102"`
}

type Client struct {
	APIURL     string        `env:"CHAT_API_URL" envDefault:"http://localhost:8081"`
	GatewayURL string        `env:"CHAT_GATEWAY_URL" envDefault:"ws://localhost:8080/ws"`
	LogLevel   string        `env:"LOG_LEVEL" envDefault:"warn"`
	Timeout    time.Duration `env:"CHAT_TIMEOUT" envDefault:"10s"`
}

func LoadAPI() (*API, error) {
	cfg := &API{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if err := requireSecret(cfg.JWTSecret); err != nil {
		return nil, err
	}
	if !cfg.InMemory {
		if err := cfg.Scylla.validate(); err != nil {
			return nil, err
		}
		if err := cfg.Kafka.validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func LoadGateway() (*Gateway, error) {
	cfg := &Gateway{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if err := requireSecret(cfg.JWTSecret); err != nil {
		return nil, err
	}
	if err := cfg.Kafka.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Scylla.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadMessaging() (*Messaging, error) {
	cfg := &Messaging{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if err := cfg.Kafka.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Scylla.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("CONSUMER_GROUP must not be empty")
	}
	return cfg, nil
}

func LoadClient() (*Client, error) {
	cfg := &Client{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the HTTP listen address.
func (c *API) ListenAddr() string { return fmt.Sprintf(":%d", c.HTTPPort) }

func (c *Gateway) ListenAddr() string { return fmt.Sprintf(":%d", c.HTTPPort) }

func (c *Messaging) MetricsAddr() string { return fmt.Sprintf(":%d", c.MetricsPort) }

func requireSecret(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}

func (k Kafka) validate() error {
	if len(k.Brokers) == 0 || strings.TrimSpace(k.Brokers[0]) == "" {
		return errors.New("KAFKA_BROKERS must list at least one broker")
	}
	if strings.TrimSpace(k.Topic) == "" {
		return errors.New("CHANGEFEED_TOPIC must not be empty")
	}
	return nil
}

func (s Scylla) validate() error {
	if len(s.Hosts) == 0 || strings.TrimSpace(s.Hosts[0]) == "" {
		return errors.New("SCYLLA_HOSTS must list at least one host")
	}
	if strings.TrimSpace(s.Keyspace) == "" {
		return errors.New("SCYLLA_KEYSPACE must not be empty")
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Logging     LoggingConfig     `yaml:"logging"`
	App         AppConfig         `yaml:"app"`
	Auth        AuthConfig        `yaml:"auth"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Agent       AgentConfig       `yaml:"agent"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds the event exchange configuration. Event publishing is
// optional: an empty host disables it.
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// AuthConfig holds the bearer-token allow-list and optional IP allow-list.
type AuthConfig struct {
	Tokens     []string `yaml:"tokens"`
	AllowedIPs []string `yaml:"allowed_ips"`
}

// CoordinatorConfig holds coordinator-service settings.
type CoordinatorConfig struct {
	LockTTL             time.Duration `yaml:"lock_ttl"`
	DispatchConcurrency int           `yaml:"dispatch_concurrency"`
	DispatchTimeout     time.Duration `yaml:"dispatch_timeout"`
	DefaultWorkerURL    string        `yaml:"default_worker_url"`
	HealthInterval      time.Duration `yaml:"health_interval"`
	HealthTimeout       time.Duration `yaml:"health_timeout"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
}

// AgentConfig holds agent-service settings.
type AgentConfig struct {
	BaseURL            string        `yaml:"base_url"`
	Name               string        `yaml:"name"`
	Capacity           int           `yaml:"capacity"`
	CoordinatorURL     string        `yaml:"coordinator_url"`
	Token              string        `yaml:"token"`
	MaxConcurrentItems int           `yaml:"max_concurrent_items"`
	MaxRetriesPerItem  int           `yaml:"max_retries_per_item"`
	RetryBackoffBase   time.Duration `yaml:"retry_backoff_base"`
	RetryBackoffMax    time.Duration `yaml:"retry_backoff_max"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	AutomationURL      string        `yaml:"automation_url"`
	AutomationTimeout  time.Duration `yaml:"automation_timeout"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ValidateCoordinatorConfig checks the settings the coordinator service needs.
func (c *Config) ValidateCoordinatorConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if len(c.Auth.Tokens) == 0 {
		return fmt.Errorf("at least one auth token is required")
	}

	if c.Coordinator.LockTTL <= 0 {
		return fmt.Errorf("coordinator lock_ttl must be greater than 0")
	}

	if c.Coordinator.DispatchConcurrency <= 0 {
		return fmt.Errorf("coordinator dispatch_concurrency must be greater than 0")
	}

	if c.Coordinator.HealthInterval <= 0 {
		return fmt.Errorf("coordinator health_interval must be greater than 0")
	}

	if c.Coordinator.HealthTimeout <= 0 {
		return fmt.Errorf("coordinator health_timeout must be greater than 0")
	}

	// RabbitMQ is optional, but when configured the exchange must be named.
	if c.RabbitMQ.Host != "" {
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
	}

	return nil
}

// ValidateAgentConfig checks the settings the agent service needs.
func (c *Config) ValidateAgentConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Agent.BaseURL == "" {
		return fmt.Errorf("agent base_url is required")
	}

	if c.Agent.CoordinatorURL == "" {
		return fmt.Errorf("agent coordinator_url is required")
	}

	if c.Agent.Capacity <= 0 {
		return fmt.Errorf("agent capacity must be greater than 0")
	}

	if c.Agent.MaxConcurrentItems <= 0 {
		return fmt.Errorf("agent max_concurrent_items must be greater than 0")
	}

	if c.Agent.MaxRetriesPerItem <= 0 {
		return fmt.Errorf("agent max_retries_per_item must be greater than 0")
	}

	if c.Agent.HeartbeatInterval <= 0 {
		return fmt.Errorf("agent heartbeat_interval must be greater than 0")
	}

	if c.Agent.AutomationURL == "" {
		return fmt.Errorf("agent automation_url is required")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	return nil
}

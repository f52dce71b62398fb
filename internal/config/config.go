package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/moroshma/MiniToolQueue/internal/connector"
)

// Config represents the application configuration
type Config struct {
	Broker     BrokerConfig     `yaml:"broker"`
	Auth       AuthConfig       `yaml:"auth"`
	Management ManagementConfig `yaml:"management"`
	Tarantool  TarantoolConfig  `yaml:"tarantool"`
	MinIO      MinIOConfig      `yaml:"minio"`
	Vault      VaultConfig      `yaml:"vault"`
	Logger     LoggerConfig     `yaml:"logger"`
	TTL        TTLConfig        `yaml:"ttl"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
}

// BrokerConfig represents broker core configuration
type BrokerConfig struct {
	Name       string   `yaml:"name" envconfig:"BROKER_NAME"`
	Connectors []string `yaml:"connectors" envconfig:"BROKER_CONNECTORS"`
	Persistent bool     `yaml:"persistent" envconfig:"BROKER_PERSISTENT"`

	Capacity         int            `yaml:"capacity" envconfig:"BROKER_CAPACITY"`
	Capacities       map[string]int `yaml:"capacities" envconfig:"BROKER_CAPACITIES"`
	DeadLetterPrefix string         `yaml:"dead_letter_prefix" envconfig:"BROKER_DEAD_LETTER_PREFIX"`
	MaxRedeliveries  int            `yaml:"max_redeliveries" envconfig:"BROKER_MAX_REDELIVERIES"`
	Requeue          string         `yaml:"requeue" envconfig:"BROKER_REQUEUE"` // head or tail

	SendTimeout      time.Duration `yaml:"send_timeout" envconfig:"BROKER_SEND_TIMEOUT"`
	DrainTimeout     time.Duration `yaml:"drain_timeout" envconfig:"BROKER_DRAIN_TIMEOUT"`
	DispatchPool     int64         `yaml:"dispatch_pool" envconfig:"BROKER_DISPATCH_POOL"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" envconfig:"BROKER_HANDSHAKE_TIMEOUT"`
	MaxSessions      int           `yaml:"max_sessions" envconfig:"BROKER_MAX_SESSIONS"`
	MaxMsgSize       int           `yaml:"max_msg_size" envconfig:"BROKER_MAX_MSG_SIZE"`
}

// UserConfig represents a statically configured account
type UserConfig struct {
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	Destinations []string `yaml:"destinations"`
	Permissions  []string `yaml:"permissions"`
}

// AuthConfig represents connection authentication configuration
type AuthConfig struct {
	Enabled        bool         `yaml:"enabled" envconfig:"AUTH_ENABLED"`
	AllowAnonymous bool         `yaml:"allow_anonymous" envconfig:"AUTH_ALLOW_ANONYMOUS"`
	Users          []UserConfig `yaml:"users" ignored:"true"`
	JWTSecret      string       `yaml:"jwt_secret" envconfig:"AUTH_JWT_SECRET"`
	JWTIssuer      string       `yaml:"jwt_issuer" envconfig:"AUTH_JWT_ISSUER"`

	// Vault path for the JWT secret (optional)
	VaultPath string `yaml:"vault_path" envconfig:"AUTH_VAULT_PATH"`
}

// ManagementConfig represents the management HTTP endpoint configuration
type ManagementConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"MANAGEMENT_ENABLED"`
	Address string `yaml:"address" envconfig:"MANAGEMENT_ADDRESS"`
}

// TarantoolConfig represents Tarantool connection configuration
type TarantoolConfig struct {
	Address  string        `yaml:"address" envconfig:"TARANTOOL_ADDRESS"`
	User     string        `yaml:"user" envconfig:"TARANTOOL_USER"`
	Password string        `yaml:"password" envconfig:"TARANTOOL_PASSWORD"`
	Timeout  time.Duration `yaml:"timeout" envconfig:"TARANTOOL_TIMEOUT"`

	// Vault path for credentials (optional)
	VaultPath string `yaml:"vault_path" envconfig:"TARANTOOL_VAULT_PATH"`
}

// MinIOConfig represents MinIO payload offload configuration
type MinIOConfig struct {
	Enabled          bool   `yaml:"enabled" envconfig:"MINIO_ENABLED"`
	Endpoint         string `yaml:"endpoint" envconfig:"MINIO_ENDPOINT"`
	AccessKeyID      string `yaml:"access_key_id" envconfig:"MINIO_ACCESS_KEY_ID"`
	SecretAccessKey  string `yaml:"secret_access_key" envconfig:"MINIO_SECRET_ACCESS_KEY"`
	UseSSL           bool   `yaml:"use_ssl" envconfig:"MINIO_USE_SSL"`
	BucketName       string `yaml:"bucket_name" envconfig:"MINIO_BUCKET_NAME"`
	OffloadThreshold int    `yaml:"offload_threshold" envconfig:"MINIO_OFFLOAD_THRESHOLD"`
	ExpirationDays   int    `yaml:"expiration_days" envconfig:"MINIO_EXPIRATION_DAYS"`

	// Vault path for credentials (optional)
	VaultPath string `yaml:"vault_path" envconfig:"MINIO_VAULT_PATH"`
}

// QueueTTLConfig represents TTL configuration for a specific queue
type QueueTTLConfig struct {
	Queue    string        `yaml:"queue"`
	Duration time.Duration `yaml:"duration"`
}

// TTLConfig represents Time-To-Live configuration
type TTLConfig struct {
	Enabled  bool             `yaml:"enabled" envconfig:"TTL_ENABLED"`
	Interval time.Duration    `yaml:"interval" envconfig:"TTL_INTERVAL"`
	Default  time.Duration    `yaml:"default" envconfig:"TTL_DEFAULT"`
	Queues   []QueueTTLConfig `yaml:"queues" ignored:"true"`
}

// AMQPForwardConfig represents the AMQP dead-letter forwarder
type AMQPForwardConfig struct {
	Enabled          bool          `yaml:"enabled" envconfig:"DLQ_AMQP_ENABLED"`
	URL              string        `yaml:"url" envconfig:"DLQ_AMQP_URL"`
	Exchange         string        `yaml:"exchange" envconfig:"DLQ_AMQP_EXCHANGE"`
	ExchangeType     string        `yaml:"exchange_type" envconfig:"DLQ_AMQP_EXCHANGE_TYPE"`
	RoutingKeyPrefix string        `yaml:"routing_key_prefix" envconfig:"DLQ_AMQP_ROUTING_KEY_PREFIX"`
	ConnTimeout      time.Duration `yaml:"conn_timeout" envconfig:"DLQ_AMQP_CONN_TIMEOUT"`
}

// NATSForwardConfig represents the NATS dead-letter forwarder
type NATSForwardConfig struct {
	Enabled       bool          `yaml:"enabled" envconfig:"DLQ_NATS_ENABLED"`
	URL           string        `yaml:"url" envconfig:"DLQ_NATS_URL"`
	SubjectPrefix string        `yaml:"subject_prefix" envconfig:"DLQ_NATS_SUBJECT_PREFIX"`
	ConnTimeout   time.Duration `yaml:"conn_timeout" envconfig:"DLQ_NATS_CONN_TIMEOUT"`
	MaxReconnects int           `yaml:"max_reconnects" envconfig:"DLQ_NATS_MAX_RECONNECTS"`
}

// KafkaForwardConfig represents the Kafka dead-letter forwarder
type KafkaForwardConfig struct {
	Enabled  bool     `yaml:"enabled" envconfig:"DLQ_KAFKA_ENABLED"`
	Brokers  []string `yaml:"brokers" envconfig:"DLQ_KAFKA_BROKERS"`
	Topic    string   `yaml:"topic" envconfig:"DLQ_KAFKA_TOPIC"`
	ClientID string   `yaml:"client_id" envconfig:"DLQ_KAFKA_CLIENT_ID"`
}

// DeadLetterConfig represents dead-letter forwarding configuration
type DeadLetterConfig struct {
	ForwardTimeout time.Duration      `yaml:"forward_timeout" envconfig:"DLQ_FORWARD_TIMEOUT"`
	AMQP           AMQPForwardConfig  `yaml:"amqp"`
	NATS           NATSForwardConfig  `yaml:"nats"`
	Kafka          KafkaForwardConfig `yaml:"kafka"`

	// Vault path for forwarder URLs (optional)
	VaultPath string `yaml:"vault_path" envconfig:"DLQ_VAULT_PATH"`
}

// VaultConfig represents HashiCorp Vault configuration
type VaultConfig struct {
	Enabled   bool   `yaml:"enabled" envconfig:"VAULT_ENABLED"`
	Address   string `yaml:"address" envconfig:"VAULT_ADDR"`
	Token     string `yaml:"token" envconfig:"VAULT_TOKEN"`
	TokenPath string `yaml:"token_path" envconfig:"VAULT_TOKEN_PATH"`
	Namespace string `yaml:"namespace" envconfig:"VAULT_NAMESPACE"`
}

// LoggerConfig represents logger configuration
type LoggerConfig struct {
	Level      string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format     string `yaml:"format" envconfig:"LOG_FORMAT"` // json or console
	OutputPath string `yaml:"output_path" envconfig:"LOG_OUTPUT_PATH"`
}

// Default returns the configuration used when neither the file nor the
// environment sets a value.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Name:             "localhost",
			Connectors:       []string{"grpc://0.0.0.0:61616"},
			Persistent:       false,
			DeadLetterPrefix: "DLQ.",
			MaxRedeliveries:  6,
			Requeue:          "head",
			DrainTimeout:     5 * time.Second,
			DispatchPool:     1024,
			HandshakeTimeout: 10 * time.Second,
			MaxSessions:      256,
			MaxMsgSize:       64 * 1024 * 1024,
		},
		Management: ManagementConfig{
			Address: "127.0.0.1:8161",
		},
		Tarantool: TarantoolConfig{
			Address: "localhost:3301",
			User:    "mtq",
			Timeout: 5 * time.Second,
		},
		MinIO: MinIOConfig{
			Endpoint:         "localhost:9000",
			BucketName:       "minitoolqueue",
			OffloadThreshold: 256 * 1024,
		},
		Vault: VaultConfig{
			Address: "http://localhost:8200",
		},
		Logger: LoggerConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
		TTL: TTLConfig{
			Enabled:  true,
			Interval: time.Second,
		},
		DeadLetter: DeadLetterConfig{
			ForwardTimeout: 5 * time.Second,
		},
	}
}

// Load loads configuration from file and environment variables.
// Environment variables take precedence over file configuration, which
// takes precedence over Default().
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)

	return decoder.Decode(cfg)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Broker.Name == "" {
		return fmt.Errorf("broker name is required")
	}

	if len(c.Broker.Connectors) == 0 {
		return fmt.Errorf("at least one broker connector is required")
	}
	for _, uri := range c.Broker.Connectors {
		if _, err := connector.ParseURI(uri); err != nil {
			return fmt.Errorf("invalid broker connector: %w", err)
		}
	}

	switch c.Broker.Requeue {
	case "head", "tail":
	default:
		return fmt.Errorf("invalid requeue policy: %q", c.Broker.Requeue)
	}

	if c.Broker.Capacity < 0 {
		return fmt.Errorf("invalid broker capacity: %d", c.Broker.Capacity)
	}
	for queue, capacity := range c.Broker.Capacities {
		if capacity < 0 {
			return fmt.Errorf("invalid capacity for queue %s: %d", queue, capacity)
		}
	}

	if c.Broker.SendTimeout < 0 || c.Broker.DrainTimeout < 0 || c.Broker.HandshakeTimeout < 0 {
		return fmt.Errorf("broker timeouts cannot be negative")
	}

	if c.Broker.Persistent && c.Tarantool.Address == "" {
		return fmt.Errorf("tarantool address is required when the broker is persistent")
	}

	if c.MinIO.Enabled {
		if !c.Broker.Persistent {
			return fmt.Errorf("minio payload offload requires a persistent broker")
		}
		if c.MinIO.Endpoint == "" {
			return fmt.Errorf("minio endpoint is required")
		}
		if c.MinIO.BucketName == "" {
			return fmt.Errorf("minio bucket name is required")
		}
	}

	if c.Management.Enabled && c.Management.Address == "" {
		return fmt.Errorf("management address is required when management is enabled")
	}

	if c.Auth.Enabled && len(c.Auth.Users) == 0 && c.Auth.JWTSecret == "" && !c.Auth.AllowAnonymous {
		return fmt.Errorf("auth is enabled but no users, jwt secret or anonymous access are configured")
	}

	for _, q := range c.TTL.Queues {
		if q.Queue == "" {
			return fmt.Errorf("ttl queue name is required")
		}
		if q.Duration < 0 {
			return fmt.Errorf("invalid ttl for queue %s: %s", q.Queue, q.Duration)
		}
	}

	if c.DeadLetter.AMQP.Enabled && c.DeadLetter.AMQP.URL == "" {
		return fmt.Errorf("amqp url is required when amqp forwarding is enabled")
	}
	if c.DeadLetter.NATS.Enabled && c.DeadLetter.NATS.URL == "" {
		return fmt.Errorf("nats url is required when nats forwarding is enabled")
	}
	if c.DeadLetter.Kafka.Enabled && len(c.DeadLetter.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required when kafka forwarding is enabled")
	}

	if c.Vault.Enabled && c.Vault.Address == "" {
		return fmt.Errorf("vault address is required when vault is enabled")
	}

	return nil
}

// QueueTTLs returns the per-queue TTL overrides as a map.
func (c *TTLConfig) QueueTTLs() map[string]time.Duration {
	if len(c.Queues) == 0 {
		return nil
	}
	ttls := make(map[string]time.Duration, len(c.Queues))
	for _, q := range c.Queues {
		ttls[q.Queue] = q.Duration
	}
	return ttls
}

// GetVaultToken returns the Vault token from config or file
func (c *VaultConfig) GetVaultToken() (string, error) {
	if c.Token != "" {
		return c.Token, nil
	}

	if c.TokenPath != "" {
		token, err := os.ReadFile(c.TokenPath)
		if err != nil {
			return "", fmt.Errorf("failed to read vault token from file: %w", err)
		}
		return string(token), nil
	}

	return "", fmt.Errorf("vault token not configured")
}

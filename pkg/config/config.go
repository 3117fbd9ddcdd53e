package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultUserAgent identifies the archiver to remote sites
const DefaultUserAgent = "LinkRadar-Archiver/1.0 (+https://linkradar.app/bot; contact: archiver@linkradar.app)"

// DefaultMaxContentLength is the 10 MB body ceiling
const DefaultMaxContentLength int64 = 10 * 1024 * 1024

// DefaultRequeueStaleAfter is how long a claimed archive may sit untouched before requeue
// treats its worker as gone
const DefaultRequeueStaleAfter = 10 * time.Minute

// Storage and queue drivers
const (
	StorageBadger   = "badger"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"

	QueueMemory   = "memory"
	QueueRabbitMQ = "rabbitmq"
)

// AppConfig holds the global application configuration
type AppConfig struct {
	UserAgent          string           `yaml:"user_agent"`
	NumWorkers         int              `yaml:"num_workers"`
	MaxContentLength   int64            `yaml:"max_content_length,omitempty"` // Bytes; HEAD Content-Length and body ceiling
	MaxRedirects       int              `yaml:"max_redirects,omitempty"`
	MaxRequestsPerHost int              `yaml:"max_requests_per_host,omitempty"` // Concurrent requests per host across workers
	RetryBackoff       []time.Duration  `yaml:"retry_backoff,omitempty"`         // Delay before each attempt; len == max attempts
	RequeueStaleAfter  time.Duration    `yaml:"requeue_stale_after,omitempty"`   // Age after which requeue recovers a claimed archive
	LogLevel           string           `yaml:"log_level,omitempty"`
	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty"`
	Storage            StorageConfig    `yaml:"storage"`
	Queue              QueueConfig      `yaml:"queue"`
}

// HTTPClientConfig holds settings for the archiving HTTP client
type HTTPClientConfig struct {
	ConnectTimeout        time.Duration `yaml:"connect_timeout,omitempty"`         // TCP connect (dial) timeout
	ReadTimeout           time.Duration `yaml:"read_timeout,omitempty"`            // Response header / read timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
}

// StorageConfig selects and configures the archive store
type StorageConfig struct {
	Driver      string `yaml:"driver"`
	StateDir    string `yaml:"state_dir,omitempty"`    // badger
	PostgresDSN string `yaml:"postgres_dsn,omitempty"` // postgres
	SQLitePath  string `yaml:"sqlite_path,omitempty"`  // sqlite
}

// QueueConfig selects and configures the job queue
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq,omitempty"`
}

// RabbitMQConfig holds broker settings for the rabbitmq queue driver
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	QueueName  string `yaml:"queue_name"`
}

// Load reads a YAML config file, expanding ${VAR} references from the environment
// (a .env file in the working directory is loaded first when present).
// Defaults are not applied here; call Validate on the result.
func Load(path string) (*AppConfig, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML config bytes after environment expansion
func Parse(data []byte) (*AppConfig, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg AppConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// MaxAttempts is the number of fetch attempts the retry backoff allows
func (c *AppConfig) MaxAttempts() int {
	return len(c.RetryBackoff)
}

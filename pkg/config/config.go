package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Database configuration (audit sink)
	Database DatabaseConfig `mapstructure:"database"`

	// Ledger transport configuration
	Ledger LedgerConfig `mapstructure:"ledger"`

	// Content store configuration
	Content ContentConfig `mapstructure:"content"`

	// Per-call deadlines for external stores
	Timeouts TimeoutConfig `mapstructure:"timeouts"`

	// Per-pair conversation/record cache
	Cache CacheConfig `mapstructure:"cache"`

	// Session token configuration
	Auth AuthConfig `mapstructure:"auth"`

	// Rate limiting configuration
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// Monitoring configuration
	Monitoring MonitoringConfig `mapstructure:"monitoring"`

	// Audit trail configuration
	Audit AuditConfig `mapstructure:"audit"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// Ledger transport modes
const (
	LedgerModeEmbedded = "embedded"
	LedgerModeFabric   = "fabric"
)

// LedgerConfig holds ledger transport configuration
type LedgerConfig struct {
	Mode          string `mapstructure:"mode"`
	ChannelName   string `mapstructure:"channel_name"`
	ChaincodeName string `mapstructure:"chaincode_name"`
	PeerEndpoint  string `mapstructure:"peer_endpoint"`
	GatewayPeer   string `mapstructure:"gateway_peer"`
	MSPID         string `mapstructure:"msp_id"`
	CertPath      string `mapstructure:"cert_path"`
	KeyPath       string `mapstructure:"key_path"`
	TLSCertPath   string `mapstructure:"tls_cert_path"`
	// Gateway-side deadlines, seconds
	EvaluateTimeout     int `mapstructure:"evaluate_timeout"`
	EndorseTimeout      int `mapstructure:"endorse_timeout"`
	SubmitTimeout       int `mapstructure:"submit_timeout"`
	CommitStatusTimeout int `mapstructure:"commit_status_timeout"`
}

// Content store modes
const (
	ContentModeLevelDB = "leveldb"
	ContentModePinata  = "pinata"
)

// ContentConfig holds content store configuration
type ContentConfig struct {
	Mode           string `mapstructure:"mode"`
	LevelDBPath    string `mapstructure:"leveldb_path"`
	PinataAPIURL   string `mapstructure:"pinata_api_url"`
	PinataGateway  string `mapstructure:"pinata_gateway"`
	PinataAPIKey   string `mapstructure:"pinata_api_key"`
	PinataSecret   string `mapstructure:"pinata_secret"`
	PinataJWT      string `mapstructure:"pinata_jwt"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
	// Encrypts the leveldb backend at rest when set
	EncryptionKey string `mapstructure:"encryption_key"`
}

// TimeoutConfig holds per-call deadlines, milliseconds
type TimeoutConfig struct {
	LedgerMS  int `mapstructure:"ledger_ms"`
	ContentMS int `mapstructure:"content_ms"`
}

// Ledger returns the ledger call deadline
func (t TimeoutConfig) Ledger() time.Duration {
	return time.Duration(t.LedgerMS) * time.Millisecond
}

// Content returns the content call deadline
func (t TimeoutConfig) Content() time.Duration {
	return time.Duration(t.ContentMS) * time.Millisecond
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	Size       int `mapstructure:"size"`
	TTLSeconds int `mapstructure:"ttl_seconds"`
}

// TTL returns the entry lifetime
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// AuthConfig holds session token configuration
type AuthConfig struct {
	SessionSecret string `mapstructure:"session_secret"`
	Issuer        string `mapstructure:"issuer"`
	TokenTTL      int    `mapstructure:"token_ttl"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	RequestsPerMin int  `mapstructure:"requests_per_min"`
	BurstSize      int  `mapstructure:"burst_size"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	MetricsPath     string  `mapstructure:"metrics_path"`
	HealthPath      string  `mapstructure:"health_path"`
	TracingEndpoint string  `mapstructure:"tracing_endpoint"`
	SamplingRate    float64 `mapstructure:"sampling_rate"`
	Environment     string  `mapstructure:"environment"`
}

// Audit sinks
const (
	AuditSinkLog      = "log"
	AuditSinkPostgres = "postgres"
)

// AuditConfig holds audit trail configuration
type AuditConfig struct {
	Sink       string `mapstructure:"sink"`
	BufferSize int    `mapstructure:"buffer_size"`
}

// Load loads configuration from .env, config files and environment variables
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit config file; an empty path searches the
// default locations.
func LoadFrom(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/nuvora")
	}

	// Set default values
	setDefaults(v)

	// Enable environment variable support
	v.SetEnvPrefix("NUVORA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Override with environment variables
	overrideWithEnv(&config)

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.idle_timeout", 120)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "nuvora")
	v.SetDefault("database.user", "nuvora")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.password", "")

	// Ledger defaults
	v.SetDefault("ledger.mode", LedgerModeEmbedded)
	v.SetDefault("ledger.channel_name", "nuvora")
	v.SetDefault("ledger.chaincode_name", "ehr-ledger")
	v.SetDefault("ledger.evaluate_timeout", 5)
	v.SetDefault("ledger.endorse_timeout", 15)
	v.SetDefault("ledger.submit_timeout", 5)
	v.SetDefault("ledger.commit_status_timeout", 60)
	for _, key := range []string{"peer_endpoint", "gateway_peer", "msp_id", "cert_path", "key_path", "tls_cert_path"} {
		v.SetDefault("ledger."+key, "")
	}

	// Content defaults
	v.SetDefault("content.mode", ContentModeLevelDB)
	v.SetDefault("content.leveldb_path", "./data/content")
	v.SetDefault("content.pinata_api_url", "https://api.pinata.cloud")
	v.SetDefault("content.pinata_gateway", "https://gateway.pinata.cloud/ipfs")
	v.SetDefault("content.max_upload_bytes", 10<<20)
	v.SetDefault("content.pinata_api_key", "")
	v.SetDefault("content.pinata_secret", "")
	v.SetDefault("content.pinata_jwt", "")
	v.SetDefault("content.encryption_key", "")

	// Timeout defaults
	v.SetDefault("timeouts.ledger_ms", 10000)
	v.SetDefault("timeouts.content_ms", 15000)

	// Cache defaults
	v.SetDefault("cache.size", 512)
	v.SetDefault("cache.ttl_seconds", 300)

	// Auth defaults
	v.SetDefault("auth.session_secret", "")
	v.SetDefault("auth.issuer", "nuvora-ehr")
	v.SetDefault("auth.token_ttl", 3600)

	// Rate limiting defaults
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_min", 120)
	v.SetDefault("rate_limit.burst_size", 20)

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.health_path", "/health")
	v.SetDefault("monitoring.tracing_endpoint", "")
	v.SetDefault("monitoring.sampling_rate", 0.1)
	v.SetDefault("monitoring.environment", "development")

	// Audit defaults
	v.SetDefault("audit.sink", AuditSinkLog)
	v.SetDefault("audit.buffer_size", 1000)

	// Logging defaults
	v.SetDefault("log_level", "info")
}

// overrideWithEnv overrides configuration with conventional unprefixed variables
func overrideWithEnv(config *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if secret := os.Getenv("SESSION_SECRET"); secret != "" {
		config.Auth.SessionSecret = secret
	}

	if jwt := os.Getenv("PINATA_JWT"); jwt != "" {
		config.Content.PinataJWT = jwt
	}

	if key := os.Getenv("CONTENT_ENCRYPTION_KEY"); key != "" {
		config.Content.EncryptionKey = key
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Ledger.Mode {
	case LedgerModeEmbedded:
	case LedgerModeFabric:
		if config.Ledger.PeerEndpoint == "" || config.Ledger.MSPID == "" {
			return fmt.Errorf("fabric ledger requires peer_endpoint and msp_id")
		}
		if config.Ledger.CertPath == "" || config.Ledger.KeyPath == "" || config.Ledger.TLSCertPath == "" {
			return fmt.Errorf("fabric ledger requires cert_path, key_path and tls_cert_path")
		}
	default:
		return fmt.Errorf("unknown ledger mode: %s", config.Ledger.Mode)
	}

	switch config.Content.Mode {
	case ContentModeLevelDB:
		if config.Content.LevelDBPath == "" {
			return fmt.Errorf("leveldb content store requires leveldb_path")
		}
	case ContentModePinata:
		if config.Content.PinataJWT == "" && (config.Content.PinataAPIKey == "" || config.Content.PinataSecret == "") {
			return fmt.Errorf("pinata content store requires a JWT or an API key pair")
		}
	default:
		return fmt.Errorf("unknown content mode: %s", config.Content.Mode)
	}

	if config.Content.MaxUploadBytes <= 0 {
		return fmt.Errorf("invalid max upload size: %d", config.Content.MaxUploadBytes)
	}

	if config.Timeouts.LedgerMS <= 0 || config.Timeouts.ContentMS <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}

	switch config.Audit.Sink {
	case AuditSinkLog:
	case AuditSinkPostgres:
		if config.Database.Password == "" {
			return fmt.Errorf("database password is required for the postgres audit sink")
		}
	default:
		return fmt.Errorf("unknown audit sink: %s", config.Audit.Sink)
	}

	return nil
}

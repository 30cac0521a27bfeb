package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/collab"
	"github.com/spf13/viper"
)

const (
	envPrefix           = "ENSEMBLE"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "ensemble.db"
	defaultLogLevel     = "info"
	defaultCookieName   = "app_session"
	defaultIssuer       = "tauth"
	defaultChannel      = "ensemble"

	// TransportMemory keeps every replica in this process.
	TransportMemory = "memory"
	// TransportRedis shares topics through Redis pub/sub.
	TransportRedis = "redis"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	TAuthSigningKey string
	TAuthCookieName string
	TAuthIssuer     string

	InvitationSigningKey string
	InvitationTTL        time.Duration

	TransportDriver    string
	RedisAddr          string
	RedisPassword      string
	RedisChannelPrefix string
	AllowedOrigins     []string
	Engine             EngineConfig

	MetricsInterval       time.Duration
	CleanupInterval       time.Duration
	DefaultTimeoutMinutes int
}

// EngineConfig tunes the host replica each session runs.
type EngineConfig struct {
	SyncFrequency        time.Duration
	MaxOperationQueue    int
	OperationTimeout     time.Duration
	HeartbeatInterval    time.Duration
	ReconnectAttempts    int
	ReconnectDelay       time.Duration
	CompressionThreshold int
	BatchSize            int
	EnableEncryption     bool
	EnableCompression    bool
	EncryptionKey        []byte
}

// Settings converts the engine configuration into collab.Settings.
func (c EngineConfig) Settings() collab.Settings {
	settings := collab.DefaultSettings()
	settings.SyncFrequency = c.SyncFrequency
	settings.MaxOperationQueue = c.MaxOperationQueue
	settings.OperationTimeout = c.OperationTimeout
	settings.HeartbeatInterval = c.HeartbeatInterval
	settings.ReconnectAttempts = c.ReconnectAttempts
	settings.ReconnectDelay = c.ReconnectDelay
	settings.CompressionThreshold = c.CompressionThreshold
	settings.BatchSize = c.BatchSize
	settings.EnableEncryption = c.EnableEncryption
	settings.EnableCompression = c.EnableCompression
	settings.EncryptionKey = append([]byte(nil), c.EncryptionKey...)
	return settings
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("invitations.ttl_hours", 24)

	configViper.SetDefault("transport.driver", TransportMemory)
	configViper.SetDefault("transport.redis.channel_prefix", defaultChannel)

	defaults := collab.DefaultSettings()
	configViper.SetDefault("engine.sync_frequency_ms", defaults.SyncFrequency.Milliseconds())
	configViper.SetDefault("engine.max_operation_queue", defaults.MaxOperationQueue)
	configViper.SetDefault("engine.operation_timeout_ms", defaults.OperationTimeout.Milliseconds())
	configViper.SetDefault("engine.heartbeat_interval_ms", defaults.HeartbeatInterval.Milliseconds())
	configViper.SetDefault("engine.reconnect_attempts", defaults.ReconnectAttempts)
	configViper.SetDefault("engine.reconnect_delay_ms", defaults.ReconnectDelay.Milliseconds())
	configViper.SetDefault("engine.compression_threshold", defaults.CompressionThreshold)
	configViper.SetDefault("engine.batch_size", defaults.BatchSize)
	configViper.SetDefault("engine.enable_encryption", false)
	configViper.SetDefault("engine.enable_compression", defaults.EnableCompression)

	configViper.SetDefault("sessions.metrics_interval_seconds", 30)
	configViper.SetDefault("sessions.cleanup_interval_minutes", 60)
	configViper.SetDefault("sessions.default_timeout_minutes", 240)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		TAuthSigningKey:      configViper.GetString("tauth.signing_secret"),
		TAuthCookieName:      configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:          configViper.GetString("tauth.issuer"),
		InvitationSigningKey: configViper.GetString("invitations.signing_secret"),
		InvitationTTL:        time.Duration(configViper.GetInt("invitations.ttl_hours")) * time.Hour,
		TransportDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("transport.driver"))),
		RedisAddr:            configViper.GetString("transport.redis.addr"),
		RedisPassword:        configViper.GetString("transport.redis.password"),
		RedisChannelPrefix:   configViper.GetString("transport.redis.channel_prefix"),
		Engine: EngineConfig{
			SyncFrequency:        milliseconds(configViper, "engine.sync_frequency_ms"),
			MaxOperationQueue:    configViper.GetInt("engine.max_operation_queue"),
			OperationTimeout:     milliseconds(configViper, "engine.operation_timeout_ms"),
			HeartbeatInterval:    milliseconds(configViper, "engine.heartbeat_interval_ms"),
			ReconnectAttempts:    configViper.GetInt("engine.reconnect_attempts"),
			ReconnectDelay:       milliseconds(configViper, "engine.reconnect_delay_ms"),
			CompressionThreshold: configViper.GetInt("engine.compression_threshold"),
			BatchSize:            configViper.GetInt("engine.batch_size"),
			EnableEncryption:     configViper.GetBool("engine.enable_encryption"),
			EnableCompression:    configViper.GetBool("engine.enable_compression"),
		},
		MetricsInterval:       time.Duration(configViper.GetInt("sessions.metrics_interval_seconds")) * time.Second,
		CleanupInterval:       time.Duration(configViper.GetInt("sessions.cleanup_interval_minutes")) * time.Minute,
		DefaultTimeoutMinutes: configViper.GetInt("sessions.default_timeout_minutes"),
	}
	if strings.TrimSpace(cfg.InvitationSigningKey) == "" {
		cfg.InvitationSigningKey = cfg.TAuthSigningKey
	}

	if rawKey := strings.TrimSpace(configViper.GetString("engine.encryption_key")); rawKey != "" {
		key, err := hex.DecodeString(rawKey)
		if err != nil {
			return AppConfig{}, fmt.Errorf("engine.encryption_key must be hex encoded: %w", err)
		}
		cfg.Engine.EncryptionKey = key
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if strings.TrimSpace(c.TAuthIssuer) == "" {
		return fmt.Errorf("tauth.issuer is required")
	}
	if c.InvitationTTL <= 0 {
		return fmt.Errorf("invitations.ttl_hours must be positive")
	}
	switch c.TransportDriver {
	case TransportMemory:
	case TransportRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("transport.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("transport.driver %q is not supported", c.TransportDriver)
	}
	if c.MetricsInterval <= 0 || c.CleanupInterval <= 0 || c.DefaultTimeoutMinutes <= 0 {
		return fmt.Errorf("sessions intervals must be positive")
	}
	if err := c.Engine.Settings().Validate(); err != nil {
		return fmt.Errorf("engine settings: %w", err)
	}
	return nil
}

func milliseconds(configViper *viper.Viper, key string) time.Duration {
	return time.Duration(configViper.GetInt64(key)) * time.Millisecond
}

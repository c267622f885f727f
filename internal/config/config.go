package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	envPrefix = "COLLAB"

	IdentityModeJWKS         = "jwks"
	IdentityModeSharedSecret = "shared_secret"

	SnapshotBackendSQL = "sql"
	SnapshotBackendS3  = "s3"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultHTTPAddress     = "0.0.0.0:8090"
	defaultLogLevel        = "info"
	defaultLocalIssuer     = "collab-gateway"
	defaultDatabaseDriver  = DriverSQLite
	defaultDatabaseDSN     = "collab.db"
	defaultPubSubChannel   = "collab:updates"
	defaultAllowedOrigins  = "*"
	defaultMaxMessageBytes = 1 << 20
)

// IdentityConfig selects how handshake credentials are verified.
type IdentityConfig struct {
	Mode          string
	JWKSURL       string
	Issuers       []string
	Audience      string
	SigningSecret string
	Issuer        string
}

// MembershipConfig locates the relational membership store.
type MembershipConfig struct {
	Driver          string
	DSN             string
	CacheTTL        time.Duration
	CacheSize       int
	LookupTimeout   time.Duration
	RecheckInterval time.Duration
	// Migrate creates the membership tables on startup. The store is owned
	// by another service in production, so this is for local databases only.
	Migrate bool
}

// CodecConfig controls the codec bridge.
type CodecConfig struct {
	Enabled              bool
	Host                 string
	Port                 int
	Timeout              time.Duration
	Workers              int
	RetryAttempts        int
	RetryInitialInterval time.Duration
}

// Address joins host and port.
func (c CodecConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// S3Config locates the S3 snapshot bucket.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
	PathStyle bool
}

// SnapshotConfig controls durable snapshot persistence.
type SnapshotConfig struct {
	Enabled        bool
	Backend        string
	Driver         string
	DSN            string
	S3             S3Config
	MinInterval    time.Duration
	AlertThreshold int
}

// PubSubConfig controls cross-instance fan-out.
type PubSubConfig struct {
	URL               string
	Channel           string
	ReconcileInterval time.Duration
}

// GatewayConfig tunes websocket sessions.
type GatewayConfig struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	MaxMessageBytes int64
	SendBuffer      int
	RateLimit       float64
	RateBurst       int
	AllowedOrigins  []string
}

// TracingConfig controls span export over OTLP/HTTP.
type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

// AppConfig captures runtime configuration for the gateway.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string
	InstanceID  string
	DrainGrace  time.Duration
	Identity    IdentityConfig
	Membership  MembershipConfig
	Codec       CodecConfig
	Snapshots   SnapshotConfig
	PubSub      PubSubConfig
	Gateway     GatewayConfig
	Tracing     TracingConfig
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("instance.id", "")

	configViper.SetDefault("identity.mode", IdentityModeJWKS)
	configViper.SetDefault("identity.jwks_url", "")
	configViper.SetDefault("identity.issuers", "")
	configViper.SetDefault("identity.audience", "")
	configViper.SetDefault("identity.signing_secret", "")
	configViper.SetDefault("identity.issuer", defaultLocalIssuer)

	configViper.SetDefault("membership.driver", defaultDatabaseDriver)
	configViper.SetDefault("membership.dsn", defaultDatabaseDSN)
	configViper.SetDefault("membership.cache_ttl", 3*time.Second)
	configViper.SetDefault("membership.cache_size", 4096)
	configViper.SetDefault("membership.lookup_timeout", 5*time.Second)
	configViper.SetDefault("membership.recheck_interval", 10*time.Second)
	configViper.SetDefault("membership.migrate", false)

	configViper.SetDefault("codec.enabled", false)
	configViper.SetDefault("codec.host", "127.0.0.1")
	configViper.SetDefault("codec.port", 7070)
	configViper.SetDefault("codec.timeout", 2*time.Second)
	configViper.SetDefault("codec.workers", 32)
	configViper.SetDefault("codec.retry_attempts", 3)
	configViper.SetDefault("codec.retry_initial_interval", 50*time.Millisecond)

	configViper.SetDefault("snapshots.enabled", true)
	configViper.SetDefault("snapshots.backend", SnapshotBackendSQL)
	configViper.SetDefault("snapshots.driver", defaultDatabaseDriver)
	configViper.SetDefault("snapshots.dsn", defaultDatabaseDSN)
	configViper.SetDefault("snapshots.s3.bucket", "")
	configViper.SetDefault("snapshots.s3.region", "")
	configViper.SetDefault("snapshots.s3.endpoint", "")
	configViper.SetDefault("snapshots.s3.prefix", "")
	configViper.SetDefault("snapshots.s3.path_style", false)
	configViper.SetDefault("snapshots.min_interval", 5*time.Second)
	configViper.SetDefault("snapshots.alert_threshold", 3)

	configViper.SetDefault("pubsub.url", "")
	configViper.SetDefault("pubsub.channel", defaultPubSubChannel)
	configViper.SetDefault("pubsub.reconcile_interval", 30*time.Second)

	configViper.SetDefault("rooms.drain_grace", 15*time.Second)

	configViper.SetDefault("gateway.ping_interval", 20*time.Second)
	configViper.SetDefault("gateway.pong_timeout", 10*time.Second)
	configViper.SetDefault("gateway.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("gateway.send_buffer", 128)
	configViper.SetDefault("gateway.rate_limit", 50.0)
	configViper.SetDefault("gateway.rate_burst", 100)
	configViper.SetDefault("gateway.allowed_origins", defaultAllowedOrigins)

	configViper.SetDefault("tracing.enabled", false)
	configViper.SetDefault("tracing.endpoint", "")
	configViper.SetDefault("tracing.insecure", false)
	configViper.SetDefault("tracing.sample_ratio", 0.1)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress: strings.TrimSpace(configViper.GetString("http.address")),
		LogLevel:    configViper.GetString("log.level"),
		InstanceID:  strings.TrimSpace(configViper.GetString("instance.id")),
		DrainGrace:  configViper.GetDuration("rooms.drain_grace"),
		Identity: IdentityConfig{
			Mode:          strings.ToLower(strings.TrimSpace(configViper.GetString("identity.mode"))),
			JWKSURL:       strings.TrimSpace(configViper.GetString("identity.jwks_url")),
			Issuers:       splitList(configViper.GetString("identity.issuers")),
			Audience:      strings.TrimSpace(configViper.GetString("identity.audience")),
			SigningSecret: configViper.GetString("identity.signing_secret"),
			Issuer:        strings.TrimSpace(configViper.GetString("identity.issuer")),
		},
		Membership: MembershipConfig{
			Driver:          strings.ToLower(strings.TrimSpace(configViper.GetString("membership.driver"))),
			DSN:             strings.TrimSpace(configViper.GetString("membership.dsn")),
			CacheTTL:        configViper.GetDuration("membership.cache_ttl"),
			CacheSize:       configViper.GetInt("membership.cache_size"),
			LookupTimeout:   configViper.GetDuration("membership.lookup_timeout"),
			RecheckInterval: configViper.GetDuration("membership.recheck_interval"),
			Migrate:         configViper.GetBool("membership.migrate"),
		},
		Codec: CodecConfig{
			Enabled:              configViper.GetBool("codec.enabled"),
			Host:                 strings.TrimSpace(configViper.GetString("codec.host")),
			Port:                 configViper.GetInt("codec.port"),
			Timeout:              configViper.GetDuration("codec.timeout"),
			Workers:              configViper.GetInt("codec.workers"),
			RetryAttempts:        configViper.GetInt("codec.retry_attempts"),
			RetryInitialInterval: configViper.GetDuration("codec.retry_initial_interval"),
		},
		Snapshots: SnapshotConfig{
			Enabled: configViper.GetBool("snapshots.enabled"),
			Backend: strings.ToLower(strings.TrimSpace(configViper.GetString("snapshots.backend"))),
			Driver:  strings.ToLower(strings.TrimSpace(configViper.GetString("snapshots.driver"))),
			DSN:     strings.TrimSpace(configViper.GetString("snapshots.dsn")),
			S3: S3Config{
				Bucket:    strings.TrimSpace(configViper.GetString("snapshots.s3.bucket")),
				Region:    strings.TrimSpace(configViper.GetString("snapshots.s3.region")),
				Endpoint:  strings.TrimSpace(configViper.GetString("snapshots.s3.endpoint")),
				Prefix:    strings.TrimSpace(configViper.GetString("snapshots.s3.prefix")),
				PathStyle: configViper.GetBool("snapshots.s3.path_style"),
			},
			MinInterval:    configViper.GetDuration("snapshots.min_interval"),
			AlertThreshold: configViper.GetInt("snapshots.alert_threshold"),
		},
		PubSub: PubSubConfig{
			URL:               strings.TrimSpace(configViper.GetString("pubsub.url")),
			Channel:           strings.TrimSpace(configViper.GetString("pubsub.channel")),
			ReconcileInterval: configViper.GetDuration("pubsub.reconcile_interval"),
		},
		Gateway: GatewayConfig{
			PingInterval:    configViper.GetDuration("gateway.ping_interval"),
			PongTimeout:     configViper.GetDuration("gateway.pong_timeout"),
			MaxMessageBytes: configViper.GetInt64("gateway.max_message_bytes"),
			SendBuffer:      configViper.GetInt("gateway.send_buffer"),
			RateLimit:       configViper.GetFloat64("gateway.rate_limit"),
			RateBurst:       configViper.GetInt("gateway.rate_burst"),
			AllowedOrigins:  splitList(configViper.GetString("gateway.allowed_origins")),
		},
		Tracing: TracingConfig{
			Enabled:     configViper.GetBool("tracing.enabled"),
			Endpoint:    strings.TrimSpace(configViper.GetString("tracing.endpoint")),
			Insecure:    configViper.GetBool("tracing.insecure"),
			SampleRatio: configViper.GetFloat64("tracing.sample_ratio"),
		},
	}

	if cfg.InstanceID == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			return AppConfig{}, fmt.Errorf("generate instance id: %w", err)
		}
		cfg.InstanceID = generated.String()
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}

	switch c.Identity.Mode {
	case IdentityModeJWKS:
		if c.Identity.JWKSURL == "" {
			return fmt.Errorf("identity.jwks_url is required in jwks mode")
		}
		if len(c.Identity.Issuers) == 0 {
			return fmt.Errorf("identity.issuers is required in jwks mode")
		}
	case IdentityModeSharedSecret:
		if strings.TrimSpace(c.Identity.SigningSecret) == "" {
			return fmt.Errorf("identity.signing_secret is required in shared_secret mode")
		}
		if c.Identity.Issuer == "" {
			return fmt.Errorf("identity.issuer is required in shared_secret mode")
		}
	default:
		return fmt.Errorf("identity.mode %q is not supported", c.Identity.Mode)
	}

	if err := validateDriver("membership", c.Membership.Driver, c.Membership.DSN); err != nil {
		return err
	}
	if c.Membership.CacheSize <= 0 {
		return fmt.Errorf("membership.cache_size must be positive")
	}

	if c.Codec.Enabled {
		if c.Codec.Host == "" || c.Codec.Port <= 0 {
			return fmt.Errorf("codec.host and codec.port are required when codec.enabled is set")
		}
	}
	if c.Codec.Workers <= 0 {
		return fmt.Errorf("codec.workers must be positive")
	}
	if c.Codec.RetryAttempts < 1 {
		return fmt.Errorf("codec.retry_attempts must be at least 1")
	}

	if c.Snapshots.Enabled {
		switch c.Snapshots.Backend {
		case SnapshotBackendSQL:
			if err := validateDriver("snapshots", c.Snapshots.Driver, c.Snapshots.DSN); err != nil {
				return err
			}
		case SnapshotBackendS3:
			if c.Snapshots.S3.Bucket == "" {
				return fmt.Errorf("snapshots.s3.bucket is required for the s3 backend")
			}
		default:
			return fmt.Errorf("snapshots.backend %q is not supported", c.Snapshots.Backend)
		}
		if c.Snapshots.AlertThreshold <= 0 {
			return fmt.Errorf("snapshots.alert_threshold must be positive")
		}
	}

	if c.Gateway.MaxMessageBytes <= 0 {
		return fmt.Errorf("gateway.max_message_bytes must be positive")
	}
	if c.Gateway.SendBuffer <= 0 {
		return fmt.Errorf("gateway.send_buffer must be positive")
	}
	if c.Gateway.RateLimit <= 0 || c.Gateway.RateBurst <= 0 {
		return fmt.Errorf("gateway.rate_limit and gateway.rate_burst must be positive")
	}
	if len(c.Gateway.AllowedOrigins) == 0 {
		return fmt.Errorf("gateway.allowed_origins is required")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}

	intervals := []struct {
		key   string
		value time.Duration
	}{
		{"membership.cache_ttl", c.Membership.CacheTTL},
		{"membership.lookup_timeout", c.Membership.LookupTimeout},
		{"membership.recheck_interval", c.Membership.RecheckInterval},
		{"codec.timeout", c.Codec.Timeout},
		{"codec.retry_initial_interval", c.Codec.RetryInitialInterval},
		{"snapshots.min_interval", c.Snapshots.MinInterval},
		{"pubsub.reconcile_interval", c.PubSub.ReconcileInterval},
		{"rooms.drain_grace", c.DrainGrace},
		{"gateway.ping_interval", c.Gateway.PingInterval},
		{"gateway.pong_timeout", c.Gateway.PongTimeout},
	}
	for _, interval := range intervals {
		if interval.value <= 0 {
			return fmt.Errorf("%s must be positive", interval.key)
		}
	}
	return nil
}

func validateDriver(section, driver, dsn string) error {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("%s.driver %q is not supported", section, driver)
	}
	if dsn == "" {
		return fmt.Errorf("%s.dsn is required", section)
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

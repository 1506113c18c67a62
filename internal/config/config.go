package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "INTAKE"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = DriverSQLite
	defaultDatabasePath    = "intake.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultAuthIssuer      = "intake"
	defaultAuthCookieName  = "intake_session"
	defaultAuthTokenTTL    = 12 * time.Hour
	defaultTypeformAPIURL  = "https://api.typeform.com"
	defaultLockBackend     = LockBackendDatabase
	defaultLockStaleAfter  = 5 * time.Minute
	defaultScoringBatch    = 25
	defaultScoringBudget   = 8 * time.Second
	defaultScoringMargin   = 1500 * time.Millisecond
	defaultCRMTimeout      = 3 * time.Second
	defaultRetryDelay      = 750 * time.Millisecond
	defaultHubSpotAPIURL   = "https://api.hubapi.com"
	defaultArchiveBucket   = "intake-webhooks"
	defaultShutdownTimeout = 10 * time.Second
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Lock backends.
const (
	LockBackendDatabase = "database"
	LockBackendRedis    = "redis"
)

// AppConfig captures runtime configuration for the intake service.
type AppConfig struct {
	HTTPAddress     string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	LogLevel        string
	LogFormat       string
	Database        DatabaseConfig
	Auth            AuthConfig
	Typeform        TypeformConfig
	Lock            LockConfig
	Scoring         ScoringConfig
	RetryDelay      time.Duration
	HubSpot         HubSpotConfig
	Archive         ArchiveConfig
}

// DatabaseConfig selects the storage driver.
type DatabaseConfig struct {
	Driver string
	Path   string
	DSN    string
}

// AuthConfig configures reviewer sessions.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	CookieName    string
	TokenTTL      time.Duration
}

// TypeformConfig configures the form provider.
type TypeformConfig struct {
	APIURL        string
	APIToken      string
	WebhookSecret string
}

// LockConfig selects the processing lock backend.
type LockConfig struct {
	Backend    string
	StaleAfter time.Duration
	RedisURL   string
}

// ScoringConfig bounds a scoring run.
type ScoringConfig struct {
	BatchSize    int
	Budget       time.Duration
	SafetyMargin time.Duration
	CRMTimeout   time.Duration
}

// HubSpotConfig configures the CRM sync. An empty access token disables it.
type HubSpotConfig struct {
	APIURL      string
	AccessToken string
	Pipeline    string
	Stage       string
}

// Enabled reports whether CRM sync is configured.
func (c HubSpotConfig) Enabled() bool {
	return strings.TrimSpace(c.AccessToken) != ""
}

// ArchiveConfig configures raw payload archiving. An empty endpoint disables it.
type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Enabled reports whether archiving is configured.
func (c ArchiveConfig) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("http.shutdown_timeout", defaultShutdownTimeout)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultAuthCookieName)
	configViper.SetDefault("auth.token_ttl", defaultAuthTokenTTL)
	configViper.SetDefault("typeform.api_url", defaultTypeformAPIURL)
	configViper.SetDefault("typeform.api_token", "")
	configViper.SetDefault("typeform.webhook_secret", "")
	configViper.SetDefault("lock.backend", defaultLockBackend)
	configViper.SetDefault("lock.stale_after", defaultLockStaleAfter)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("scoring.batch_size", defaultScoringBatch)
	configViper.SetDefault("scoring.budget", defaultScoringBudget)
	configViper.SetDefault("scoring.safety_margin", defaultScoringMargin)
	configViper.SetDefault("scoring.crm_timeout", defaultCRMTimeout)
	configViper.SetDefault("intake.retry_delay", defaultRetryDelay)
	configViper.SetDefault("hubspot.api_url", defaultHubSpotAPIURL)
	configViper.SetDefault("hubspot.access_token", "")
	configViper.SetDefault("hubspot.pipeline", "")
	configViper.SetDefault("hubspot.stage", "")
	configViper.SetDefault("archive.endpoint", "")
	configViper.SetDefault("archive.access_key", "")
	configViper.SetDefault("archive.secret_key", "")
	configViper.SetDefault("archive.bucket", defaultArchiveBucket)
	configViper.SetDefault("archive.use_ssl", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		AllowedOrigins:  configViper.GetStringSlice("http.allowed_origins"),
		ShutdownTimeout: configViper.GetDuration("http.shutdown_timeout"),
		LogLevel:        configViper.GetString("log.level"),
		LogFormat:       configViper.GetString("log.format"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			Path:   configViper.GetString("database.path"),
			DSN:    configViper.GetString("database.dsn"),
		},
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			CookieName:    configViper.GetString("auth.cookie_name"),
			TokenTTL:      configViper.GetDuration("auth.token_ttl"),
		},
		Typeform: TypeformConfig{
			APIURL:        configViper.GetString("typeform.api_url"),
			APIToken:      configViper.GetString("typeform.api_token"),
			WebhookSecret: configViper.GetString("typeform.webhook_secret"),
		},
		Lock: LockConfig{
			Backend:    strings.ToLower(strings.TrimSpace(configViper.GetString("lock.backend"))),
			StaleAfter: configViper.GetDuration("lock.stale_after"),
			RedisURL:   configViper.GetString("redis.url"),
		},
		Scoring: ScoringConfig{
			BatchSize:    configViper.GetInt("scoring.batch_size"),
			Budget:       configViper.GetDuration("scoring.budget"),
			SafetyMargin: configViper.GetDuration("scoring.safety_margin"),
			CRMTimeout:   configViper.GetDuration("scoring.crm_timeout"),
		},
		RetryDelay: configViper.GetDuration("intake.retry_delay"),
		HubSpot: HubSpotConfig{
			APIURL:      configViper.GetString("hubspot.api_url"),
			AccessToken: configViper.GetString("hubspot.access_token"),
			Pipeline:    configViper.GetString("hubspot.pipeline"),
			Stage:       configViper.GetString("hubspot.stage"),
		},
		Archive: ArchiveConfig{
			Endpoint:  configViper.GetString("archive.endpoint"),
			AccessKey: configViper.GetString("archive.access_key"),
			SecretKey: configViper.GetString("archive.secret_key"),
			Bucket:    configViper.GetString("archive.bucket"),
			UseSSL:    configViper.GetBool("archive.use_ssl"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Typeform.APIToken) == "" {
		return fmt.Errorf("typeform.api_token is required")
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	switch c.Lock.Backend {
	case LockBackendDatabase:
	case LockBackendRedis:
		if strings.TrimSpace(c.Lock.RedisURL) == "" {
			return fmt.Errorf("redis.url is required for the redis lock backend")
		}
	default:
		return fmt.Errorf("lock.backend %q is not supported", c.Lock.Backend)
	}
	if c.Lock.StaleAfter <= 0 {
		return fmt.Errorf("lock.stale_after must be positive")
	}
	if c.Scoring.BatchSize <= 0 {
		return fmt.Errorf("scoring.batch_size must be positive")
	}
	if c.Scoring.Budget <= c.Scoring.SafetyMargin {
		return fmt.Errorf("scoring.budget must exceed scoring.safety_margin")
	}
	if c.Archive.Enabled() && strings.TrimSpace(c.Archive.Bucket) == "" {
		return fmt.Errorf("archive.bucket is required when archive.endpoint is set")
	}
	return nil
}

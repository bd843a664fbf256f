package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "GLOW"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "glow.db"
	defaultLogLevel     = "info"
	defaultCookieName   = "glow_guest"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	// Secrets. Each concern gets its own key so rotating one never
	// invalidates the others.
	PayloadSecret   string
	GuestHashSecret string
	AuthSigningKey  string
	AuthIssuer      string
	AuthAudience    string

	GuestCookieName string
	GuestCookieTTL  time.Duration

	ReplayTTL           time.Duration
	ConsentTTL          time.Duration
	XPBucket            time.Duration
	AggregatorQueueSize int

	HeatCellSizeDegrees float64
	HeatBucket          time.Duration
	HeatPublishDelay    time.Duration
	HeatK               int
	TrailK              int
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("auth.issuer", "glow-auth")
	configViper.SetDefault("auth.audience", "glow-api")

	configViper.SetDefault("guest.cookie_name", defaultCookieName)
	configViper.SetDefault("guest.cookie_ttl_hours", 24*180)

	configViper.SetDefault("scan.replay_ttl_minutes", 15)
	configViper.SetDefault("scan.consent_ttl_minutes", 5)
	configViper.SetDefault("scan.xp_bucket_seconds", 60)
	configViper.SetDefault("scan.aggregator_queue", 1024)

	configViper.SetDefault("heat.cell_size_degrees", 0.0025)
	configViper.SetDefault("heat.bucket_minutes", 10)
	configViper.SetDefault("heat.publish_delay_minutes", 10)
	configViper.SetDefault("heat.k_heat", 5)
	configViper.SetDefault("heat.k_trail", 20)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),

		PayloadSecret:   configViper.GetString("payload.secret"),
		GuestHashSecret: configViper.GetString("guest.hash_secret"),
		AuthSigningKey:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:      configViper.GetString("auth.issuer"),
		AuthAudience:    configViper.GetString("auth.audience"),

		GuestCookieName: configViper.GetString("guest.cookie_name"),
		GuestCookieTTL:  time.Duration(configViper.GetInt("guest.cookie_ttl_hours")) * time.Hour,

		ReplayTTL:           time.Duration(configViper.GetInt("scan.replay_ttl_minutes")) * time.Minute,
		ConsentTTL:          time.Duration(configViper.GetInt("scan.consent_ttl_minutes")) * time.Minute,
		XPBucket:            time.Duration(configViper.GetInt("scan.xp_bucket_seconds")) * time.Second,
		AggregatorQueueSize: configViper.GetInt("scan.aggregator_queue"),

		HeatCellSizeDegrees: configViper.GetFloat64("heat.cell_size_degrees"),
		HeatBucket:          time.Duration(configViper.GetInt("heat.bucket_minutes")) * time.Minute,
		HeatPublishDelay:    time.Duration(configViper.GetInt("heat.publish_delay_minutes")) * time.Minute,
		HeatK:               configViper.GetInt("heat.k_heat"),
		TrailK:              configViper.GetInt("heat.k_trail"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.PayloadSecret) == "" {
		return fmt.Errorf("payload.secret is required")
	}
	if strings.TrimSpace(c.GuestHashSecret) == "" {
		return fmt.Errorf("guest.hash_secret is required")
	}
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.GuestCookieName) == "" {
		return fmt.Errorf("guest.cookie_name is required")
	}
	if c.HeatCellSizeDegrees <= 0 {
		return fmt.Errorf("heat.cell_size_degrees must be positive")
	}
	if c.HeatK < 5 {
		return fmt.Errorf("heat.k_heat must be at least 5")
	}
	if c.TrailK < 20 {
		return fmt.Errorf("heat.k_trail must be at least 20")
	}
	if c.XPBucket <= 0 {
		return fmt.Errorf("scan.xp_bucket_seconds must be positive")
	}
	return nil
}

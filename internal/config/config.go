package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "BODEGA"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "bodega.db"
	defaultLogLevel     = "info"

	defaultDispatchInterval = 2 * time.Second
	defaultHealInterval     = time.Minute
	defaultCompactInterval  = 5 * time.Minute
	defaultVerifyInterval   = time.Hour
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	AuthSigningKey   string
	EnrollmentKey    string
	WorkerID         string
	RelayEndpoint    string
	RelayToken       string
	DispatchInterval time.Duration
	HealInterval     time.Duration
	CompactInterval  time.Duration
	VerifyInterval   time.Duration
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
	configViper.SetDefault("sync.dispatch_interval", defaultDispatchInterval)
	configViper.SetDefault("sync.heal_interval", defaultHealInterval)
	configViper.SetDefault("sync.compact_interval", defaultCompactInterval)
	configViper.SetDefault("sync.verify_interval", defaultVerifyInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		AuthSigningKey:   configViper.GetString("auth.signing_secret"),
		EnrollmentKey:    configViper.GetString("auth.enrollment_key"),
		WorkerID:         configViper.GetString("sync.worker_id"),
		RelayEndpoint:    configViper.GetString("sync.relay_endpoint"),
		RelayToken:       configViper.GetString("sync.relay_token"),
		DispatchInterval: configViper.GetDuration("sync.dispatch_interval"),
		HealInterval:     configViper.GetDuration("sync.heal_interval"),
		CompactInterval:  configViper.GetDuration("sync.compact_interval"),
		VerifyInterval:   configViper.GetDuration("sync.verify_interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.DispatchInterval <= 0 || c.HealInterval <= 0 || c.CompactInterval <= 0 || c.VerifyInterval <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	return nil
}

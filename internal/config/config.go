package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "KHATA"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "khata.db"
	defaultLogLevel        = "info"
	defaultSessionIssuer   = "khata-auth"
	defaultMaxDevices      = 3
	defaultPairingTokenTTL = 10 * time.Minute
	defaultDeviceTokenTTL  = 30 * 24 * time.Hour
)

// AppConfig captures runtime configuration for the sync API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	SigningSecret   string
	SessionIssuer   string
	MaxDevices      int
	PairingTokenTTL time.Duration
	DeviceTokenTTL  time.Duration
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
	configViper.SetDefault("auth.session_issuer", defaultSessionIssuer)
	configViper.SetDefault("sync.max_devices", defaultMaxDevices)
	configViper.SetDefault("sync.pairing_token_ttl", defaultPairingTokenTTL)
	configViper.SetDefault("sync.device_token_ttl", defaultDeviceTokenTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		SessionIssuer:   configViper.GetString("auth.session_issuer"),
		MaxDevices:      configViper.GetInt("sync.max_devices"),
		PairingTokenTTL: configViper.GetDuration("sync.pairing_token_ttl"),
		DeviceTokenTTL:  configViper.GetDuration("sync.device_token_ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MaxDevices <= 0 {
		return fmt.Errorf("sync.max_devices must be positive")
	}
	if c.PairingTokenTTL <= 0 {
		return fmt.Errorf("sync.pairing_token_ttl must be positive")
	}
	return nil
}

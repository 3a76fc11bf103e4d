package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env                  string        `mapstructure:"ENV"`
	Port                 string        `mapstructure:"PORT"`
	LogLevel             string        `mapstructure:"LOG_LEVEL"`
	RedcapURL            string        `mapstructure:"REDCAP_URL"`
	RedcapToken          string        `mapstructure:"REDCAP_TOKEN"`
	RedcapTimeout        time.Duration `mapstructure:"REDCAP_TIMEOUT"`
	RedcapRateLimitRPS   float64       `mapstructure:"REDCAP_RATE_LIMIT_RPS"`
	RedcapRateLimitBurst int           `mapstructure:"REDCAP_RATE_LIMIT_BURST"`
	AuthSigningKey       string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer           string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience         string        `mapstructure:"AUTH_AUDIENCE"`

	// KeyFile is resolved from REDCAP_KEY_FILE after unmarshalling.
	KeyFile KeyFile `mapstructure:"-"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "production")
	v.SetDefault("PORT", "8000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REDCAP_KEY_FILE", DefaultKeyFile)
	v.SetDefault("REDCAP_TIMEOUT", "30s")
	v.SetDefault("REDCAP_RATE_LIMIT_RPS", 0)
	v.SetDefault("REDCAP_RATE_LIMIT_BURST", 1)

	v.BindEnv("ENV")
	v.BindEnv("PORT")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("REDCAP_KEY_FILE")
	v.BindEnv("REDCAP_URL")
	v.BindEnv("REDCAP_TOKEN")
	v.BindEnv("REDCAP_TIMEOUT")
	v.BindEnv("REDCAP_RATE_LIMIT_RPS")
	v.BindEnv("REDCAP_RATE_LIMIT_BURST")
	v.BindEnv("AUTH_SIGNING_KEY")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_AUDIENCE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	kf, err := ParseKeyFile(v.Get("REDCAP_KEY_FILE"))
	if err != nil {
		return nil, fmt.Errorf("REDCAP_KEY_FILE: %w", err)
	}
	cfg.KeyFile = kf

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); API requests are not authenticated.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// HasInlineCredentials reports whether both REDCap credentials were supplied
// through the environment, making the key file unnecessary.
func (c *Config) HasInlineCredentials() bool {
	return c.RedcapURL != "" && c.RedcapToken != ""
}

// Validate checks that the configuration is safe to serve the HTTP API with.
// Outside development a JWT signing key is required so that requests are
// authenticated before they can read or write identifiers.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV is %q", c.Env)
	}
	if c.RedcapTimeout < 0 {
		return fmt.Errorf("REDCAP_TIMEOUT must not be negative, got %s", c.RedcapTimeout)
	}
	if c.RedcapRateLimitRPS < 0 {
		return fmt.Errorf("REDCAP_RATE_LIMIT_RPS must not be negative, got %v", c.RedcapRateLimitRPS)
	}
	if c.RedcapRateLimitRPS > 0 && c.RedcapRateLimitBurst < 1 {
		return fmt.Errorf("REDCAP_RATE_LIMIT_BURST must be at least 1 when rate limiting is enabled")
	}
	return nil
}

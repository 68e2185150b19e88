// Package config loads gateway configuration with precedence
// ENV > YAML file > defaults, and owns the credential store.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved gateway configuration.
type Config struct {
	Port      int    `yaml:"port"`
	BaseURL   string `yaml:"baseURL"` // advertised base for rewritten URIs
	LogLevel  string `yaml:"logLevel"`
	LogPretty bool   `yaml:"logPretty"` // console output instead of JSON

	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	CredentialsFile string `yaml:"credentialsFile"`

	RESTBase        string        `yaml:"restBase"`
	HLSBase         string        `yaml:"hlsBase"`
	UpstreamTimeout time.Duration `yaml:"upstreamTimeout"`
	SessionTTL      time.Duration `yaml:"sessionTTL"`
	LoginInterval   time.Duration `yaml:"loginInterval"`
	LoginBurst      int           `yaml:"loginBurst"`

	RateLimitRPS int `yaml:"rateLimitRPS"` // per-client ingress limit, 0 disables

	FeedURL string `yaml:"feedURL"` // now-playing feed endpoint, empty disables
	FeedKey string `yaml:"feedKey"`
}

func defaults() Config {
	return Config{
		Port:            9999,
		LogLevel:        "info",
		UpstreamTimeout: 20 * time.Second,
		SessionTTL:      25 * time.Minute,
		LoginInterval:   10 * time.Second,
		LoginBurst:      3,
		RateLimitRPS:    0,
	}
}

// Load resolves configuration from defaults, an optional YAML file and the
// environment, in ascending precedence.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.Port = ParseInt("SXMGW_PORT", cfg.Port)
	cfg.BaseURL = ParseString("SXMGW_BASE_URL", cfg.BaseURL)
	cfg.LogLevel = ParseString("SXMGW_LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = ParseBool("SXMGW_LOG_PRETTY", cfg.LogPretty)
	cfg.Username = ParseString("SXMGW_USERNAME", cfg.Username)
	cfg.Password = ParseString("SXMGW_PASSWORD", cfg.Password)
	cfg.CredentialsFile = ParseString("SXMGW_CREDENTIALS_FILE", cfg.CredentialsFile)
	cfg.RESTBase = ParseString("SXMGW_REST_BASE", cfg.RESTBase)
	cfg.HLSBase = ParseString("SXMGW_HLS_BASE", cfg.HLSBase)
	cfg.UpstreamTimeout = ParseDuration("SXMGW_UPSTREAM_TIMEOUT", cfg.UpstreamTimeout)
	cfg.SessionTTL = ParseDuration("SXMGW_SESSION_TTL", cfg.SessionTTL)
	cfg.LoginInterval = ParseDuration("SXMGW_LOGIN_INTERVAL", cfg.LoginInterval)
	cfg.LoginBurst = ParseInt("SXMGW_LOGIN_BURST", cfg.LoginBurst)
	cfg.RateLimitRPS = ParseInt("SXMGW_RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.FeedURL = ParseString("SXMGW_FEED_URL", cfg.FeedURL)
	cfg.FeedKey = ParseString("SXMGW_FEED_KEY", cfg.FeedKey)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("config: upstream timeout must be positive")
	}
	if c.CredentialsFile == "" && (c.Username == "" || c.Password == "") {
		return fmt.Errorf("config: credentials missing: set SXMGW_USERNAME/SXMGW_PASSWORD or SXMGW_CREDENTIALS_FILE")
	}
	return nil
}

// AdvertisedBase returns the base URL embedded in rewritten playlists.
func (c *Config) AdvertisedBase() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return fmt.Sprintf("http://127.0.0.1:%d", c.Port)
}

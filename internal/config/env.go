package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"sxmgw/internal/log"
)

// ParseString reads a string from an environment variable or returns the
// default. Sensitive values are never echoed to the log.
func ParseString(key, defaultValue string) string {
	logger := log.WithComponent("config")
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	lowerKey := strings.ToLower(key)
	if strings.Contains(lowerKey, "password") || strings.Contains(lowerKey, "key") || strings.Contains(lowerKey, "token") {
		logger.Debug().Str("key", key).Bool("sensitive", true).Msg("using environment variable")
	} else {
		logger.Debug().Str("key", key).Str("value", value).Msg("using environment variable")
	}
	return value
}

// ParseInt reads an integer from an environment variable, falling back to
// the default on absence or parse errors.
func ParseInt(key string, defaultValue int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Int("default", defaultValue).
			Msg("invalid integer in environment variable, using default")
		return defaultValue
	}
	return i
}

// ParseBool reads a boolean from an environment variable, falling back to
// the default on absence or parse errors.
func ParseBool(key string, defaultValue bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Bool("default", defaultValue).
			Msg("invalid boolean in environment variable, using default")
		return defaultValue
	}
	return b
}

// ParseDuration reads a duration ("30s", "5m") from an environment variable,
// falling back to the default on absence or parse errors.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Dur("default", defaultValue).
			Msg("invalid duration in environment variable, using default")
		return defaultValue
	}
	return d
}

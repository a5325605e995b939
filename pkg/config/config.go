package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup returns the trimmed value of key. Variables that are unset or blank
// count as missing, so a `.env` placeholder such as `PUBLIC_HOST=` keeps the
// default.
func lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func invalid(key, value string, err error) {
	slog.Warn("ignoring invalid environment value", "key", key, "value", value, "error", err)
}

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := lookup(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		invalid(key, value, err)
		return fallback
	}
	return parsed
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		invalid(key, value, err)
		return fallback
	}
	return parsed
}

// GetDuration reads a Go duration string ("90s", "5m"). Bare integers are
// seconds, matching the *_SECONDS variables operators already have.
func GetDuration(key string, fallback time.Duration) time.Duration {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		invalid(key, value, err)
		return fallback
	}
	return parsed
}

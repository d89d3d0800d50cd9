// Package config parses the environment variables shared by every cmd/
// entrypoint, following the TIANSHU_ prefix convention set
// by internal/logging and internal/otelinit.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Env returns the value of key, or def if unset or empty.
func Env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvInt returns the integer value of key, or def if unset, empty, or
// unparseable.
func EnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// EnvDuration returns the duration value of key (parsed via
// time.ParseDuration), or def if unset, empty, or unparseable.
func EnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// EnvBool returns the boolean value of key, or def if unset or empty.
func EnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// EnvList splits a comma-separated env var into a trimmed, non-empty
// slice of strings.
func EnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Shared holds the settings common to the API Server, Worker Runtime,
// and Scheduler entrypoints.
type Shared struct {
	OutputDir string
	JWTSecret string
	DBPath    string
}

// LoadShared reads the settings every service-level entrypoint needs.
func LoadShared() Shared {
	return Shared{
		OutputDir: Env("TIANSHU_OUTPUT_DIR", "/tmp/mineru_tianshu_output"),
		JWTSecret: Env("TIANSHU_JWT_SECRET", "dev-secret-change-me"),
		DBPath:    Env("TIANSHU_DB_PATH", "/tmp/mineru_tianshu_output/tasks.db"),
	}
}

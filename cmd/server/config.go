package main

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil && value > 0 {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil && value > 0 {
			return value
		}
	}
	return fallback
}

func resolveListenAddr(flagValue, envAddr string) string {
	if addr := firstNonEmpty(flagValue, envAddr); addr != "" {
		return addr
	}
	return ":8080"
}

func resolveDataPath(flagValue, envValue string) string {
	if path := firstNonEmpty(flagValue, envValue); path != "" {
		return path
	}
	return "data/clipfog.json"
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, os.Getenv("CLIPFOG_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
}

// resolveStorageDriver picks the datastore driver: an explicit flag or env
// value wins, otherwise a configured Postgres DSN selects postgres and the
// JSON file store is the default.
func resolveStorageDriver(flagValue, envValue, postgresDSN string) string {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres"
	}
	return "json"
}

func resolveQueueDriver(flagValue, envValue string) string {
	if driver := strings.ToLower(strings.TrimSpace(firstNonEmpty(flagValue, envValue))); driver != "" {
		return driver
	}
	return "memory"
}

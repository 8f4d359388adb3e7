package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// envOr parses the named variable, keeping fallback when it is unset,
// blank or malformed.
func envOr[T any](key string, fallback T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := parse(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getenvDefault(key, fallback string) string {
	return envOr(key, fallback, func(s string) (string, error) { return s, nil })
}

func getenvIntDefault(key string, fallback int) int {
	return envOr(key, fallback, strconv.Atoi)
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	return envOr(key, fallback, time.ParseDuration)
}

// Package config holds the recognized runtime configuration options for
// the network client (spec.md §6), loaded from environment variables the
// way internal/config.Load does for the teacher project.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the configuration snapshot a ServerLink holds per spec.md §3.
type Config struct {
	Endpoints []string `json:"endpoints"`

	NetworkRetriesCount        int           `json:"network_retries_count"`
	MaxLatency                 time.Duration `json:"max_latency"`
	LatencyDetectionFrequency  time.Duration `json:"latency_detection_frequency"`
	SendingEndpointCount       int           `json:"sending_endpoint_count"`
	QueryTimeout               time.Duration `json:"query_timeout"`

	// WaitForCollection default poll timeout, supplementing spec.md with
	// the original_source query-path operations (SPEC_FULL §5).
	WaitForTimeout time.Duration `json:"wait_for_timeout"`
}

// Default returns the configuration defaults named in spec.md §6.
func Default() Config {
	return Config{
		NetworkRetriesCount:       5,
		MaxLatency:                60_000 * time.Millisecond,
		LatencyDetectionFrequency: 60_000 * time.Millisecond,
		SendingEndpointCount:      2,
		QueryTimeout:              60 * time.Second,
		WaitForTimeout:            40 * time.Second,
	}
}

// Load builds a Config from environment variables (optionally backed by a
// .env file), falling back to Default() for anything unset. Mirrors
// internal/config.Load / loadEnvironmentConfig's .env-then-env-var layering.
func Load() Config {
	loadDotEnv()

	cfg := Default()

	if eps := getEnvSlice("LEDGER_CLIENT_ENDPOINTS", nil); len(eps) > 0 {
		cfg.Endpoints = eps
	}
	cfg.NetworkRetriesCount = getEnvInt("LEDGER_CLIENT_NETWORK_RETRIES_COUNT", cfg.NetworkRetriesCount)
	cfg.MaxLatency = getEnvDurationMs("LEDGER_CLIENT_MAX_LATENCY_MS", cfg.MaxLatency)
	cfg.LatencyDetectionFrequency = getEnvDurationMs("LEDGER_CLIENT_LATENCY_DETECTION_FREQUENCY_MS", cfg.LatencyDetectionFrequency)
	cfg.SendingEndpointCount = getEnvInt("LEDGER_CLIENT_SENDING_ENDPOINT_COUNT", cfg.SendingEndpointCount)
	cfg.QueryTimeout = getEnvDurationMs("LEDGER_CLIENT_QUERY_TIMEOUT_MS", cfg.QueryTimeout)
	cfg.WaitForTimeout = getEnvDurationMs("LEDGER_CLIENT_WAIT_FOR_TIMEOUT_MS", cfg.WaitForTimeout)

	return cfg
}

// Validate enforces the only hard invariant spec.md §3 names on
// construction: the candidate list is never empty after init.
func (c Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return errEmptyEndpoints
	}
	return nil
}

var errEmptyEndpoints = configError("endpoints: at least one endpoint is required")

type configError string

func (e configError) Error() string { return string(e) }

func loadDotEnv() {
	if err := godotenv.Load(); err == nil {
		log.Printf("config: loaded .env file")
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDurationMs(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

func getEnvSlice(key string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

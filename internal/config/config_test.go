package config

import (
	"os"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.NetworkRetriesCount != 5 {
		t.Errorf("NetworkRetriesCount = %d, want 5", cfg.NetworkRetriesCount)
	}
	if cfg.MaxLatency != 60_000*time.Millisecond {
		t.Errorf("MaxLatency = %v, want 60s", cfg.MaxLatency)
	}
	if cfg.SendingEndpointCount != 2 {
		t.Errorf("SendingEndpointCount = %d, want 2", cfg.SendingEndpointCount)
	}
	if len(cfg.Endpoints) != 0 {
		t.Errorf("expected Default() to leave Endpoints empty, got %v", cfg.Endpoints)
	}
}

func TestValidate_RejectsEmptyEndpoints(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for an empty endpoint list")
	}
	cfg.Endpoints = []string{"http://a"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error once an endpoint is set: %v", err)
	}
}

func TestLoad_EnvVarsOverrideDefaults(t *testing.T) {
	t.Setenv("LEDGER_CLIENT_ENDPOINTS", "http://a, http://b")
	t.Setenv("LEDGER_CLIENT_NETWORK_RETRIES_COUNT", "3")
	t.Setenv("LEDGER_CLIENT_MAX_LATENCY_MS", "15000")

	cfg := Load()
	if want := []string{"http://a", "http://b"}; len(cfg.Endpoints) != 2 || cfg.Endpoints[0] != want[0] || cfg.Endpoints[1] != want[1] {
		t.Fatalf("expected trimmed, split endpoints %v, got %v", want, cfg.Endpoints)
	}
	if cfg.NetworkRetriesCount != 3 {
		t.Fatalf("NetworkRetriesCount = %d, want 3", cfg.NetworkRetriesCount)
	}
	if cfg.MaxLatency != 15_000*time.Millisecond {
		t.Fatalf("MaxLatency = %v, want 15s", cfg.MaxLatency)
	}
}

func TestLoad_FallsBackToDefaultsWhenUnset(t *testing.T) {
	for _, key := range []string{
		"LEDGER_CLIENT_ENDPOINTS",
		"LEDGER_CLIENT_NETWORK_RETRIES_COUNT",
		"LEDGER_CLIENT_MAX_LATENCY_MS",
		"LEDGER_CLIENT_LATENCY_DETECTION_FREQUENCY_MS",
		"LEDGER_CLIENT_SENDING_ENDPOINT_COUNT",
		"LEDGER_CLIENT_QUERY_TIMEOUT_MS",
		"LEDGER_CLIENT_WAIT_FOR_TIMEOUT_MS",
	} {
		os.Unsetenv(key)
	}

	cfg := Load()
	want := Default()
	if cfg.NetworkRetriesCount != want.NetworkRetriesCount || cfg.MaxLatency != want.MaxLatency {
		t.Fatalf("expected Load() with no env vars to match Default(), got %+v want %+v", cfg, want)
	}
}

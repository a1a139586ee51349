package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/archon-research/stl-timeserver/internal/domain/entity"
)

const testSecret = "0000000000000000000000000000000000000000000000000000000000000001"

func baseEnv() map[string]string {
	return map[string]string{
		"SIGNING_SECRET_KEY":   testSecret,
		"BROADCAST_RELAYS":     "wss://relay.one, wss://relay.two,,wss://relay.one",
		"INITIAL_BLOCK_HEIGHT": "812000",
	}
}

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(baseEnv())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SyncInterval() != 60*time.Second {
		t.Errorf("SyncInterval: got %v, want 60s", cfg.SyncInterval())
	}
	if cfg.ProviderTimeout() != 10*time.Second {
		t.Errorf("ProviderTimeout: got %v, want 10s", cfg.ProviderTimeout())
	}
	if cfg.BroadcastDebounce != 5*time.Second {
		t.Errorf("BroadcastDebounce: got %v, want 5s", cfg.BroadcastDebounce)
	}
	if len(cfg.ProviderEndpoints) != 1 || cfg.ProviderEndpoints[0] != "https://mempool.space/api" {
		t.Errorf("ProviderEndpoints: got %v", cfg.ProviderEndpoints)
	}
	if got := strings.Join(cfg.Relays, " "); got != "wss://relay.one wss://relay.two" {
		t.Errorf("Relays not cleaned: got %q", got)
	}
	if h := cfg.StartHeight(); h == nil || *h != 812000 {
		t.Errorf("StartHeight: got %v, want 812000", h)
	}
	if cfg.HTTPAddr != ":8080" || cfg.TraceStdout || cfg.OTLPEndpoint != "" {
		t.Errorf("telemetry/http defaults: got addr=%q stdout=%v otlp=%q", cfg.HTTPAddr, cfg.TraceStdout, cfg.OTLPEndpoint)
	}
}

func TestLoadFrom_GenesisStartIsExplicit(t *testing.T) {
	e := baseEnv()
	e["INITIAL_BLOCK_HEIGHT"] = "0"

	cfg, err := LoadFrom(e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h := cfg.StartHeight(); h == nil || *h != 0 {
		t.Errorf("StartHeight: got %v, want 0", h)
	}
}

func TestLoadFrom_StartFromTip(t *testing.T) {
	e := baseEnv()
	delete(e, "INITIAL_BLOCK_HEIGHT")
	e["START_FROM_TIP"] = "true"

	cfg, err := LoadFrom(e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StartHeight() != nil {
		t.Errorf("expected nil start height, got %d", *cfg.StartHeight())
	}
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(map[string]string)
		errContains string
	}{
		{
			name:        "missing signing key",
			mutate:      func(e map[string]string) { delete(e, "SIGNING_SECRET_KEY") },
			errContains: "SIGNING_SECRET_KEY",
		},
		{
			name:        "non-hex signing key",
			mutate:      func(e map[string]string) { e["SIGNING_SECRET_KEY"] = strings.Repeat("zz", 32) },
			errContains: "not valid hex",
		},
		{
			name:        "missing start height",
			mutate:      func(e map[string]string) { delete(e, "INITIAL_BLOCK_HEIGHT") },
			errContains: "INITIAL_BLOCK_HEIGHT must be set",
		},
		{
			name:        "negative start height",
			mutate:      func(e map[string]string) { e["INITIAL_BLOCK_HEIGHT"] = "-5" },
			errContains: "not a valid height",
		},
		{
			name:        "http relay",
			mutate:      func(e map[string]string) { e["BROADCAST_RELAYS"] = "https://relay.one" },
			errContains: "BROADCAST_RELAYS",
		},
		{
			name:        "bad provider",
			mutate:      func(e map[string]string) { e["PROVIDER_ENDPOINTS"] = "mempool.space" },
			errContains: "PROVIDER_ENDPOINTS",
		},
		{
			name:        "zero interval",
			mutate:      func(e map[string]string) { e["SYNC_INTERVAL_SECONDS"] = "0" },
			errContains: "SYNC_INTERVAL_SECONDS",
		},
		{
			name: "backoff inverted",
			mutate: func(e map[string]string) {
				e["RETRY_INITIAL_BACKOFF"] = "10m"
				e["RETRY_MAX_BACKOFF"] = "1m"
			},
			errContains: "RETRY_INITIAL_BACKOFF",
		},
		{
			name:        "unparseable duration",
			mutate:      func(e map[string]string) { e["BROADCAST_DEBOUNCE"] = "soon" },
			errContains: "parse env",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := baseEnv()
			tt.mutate(e)

			_, err := LoadFrom(e)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, entity.ErrConfig) {
				t.Errorf("expected ErrConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.errContains)
			}
		})
	}
}

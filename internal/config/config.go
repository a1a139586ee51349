// Package config defines the timeserver's process configuration.
//
// Configuration is read once at startup from the environment (optionally
// seeded from a .env file) into an immutable Config value, which is then
// split into per-component configs at construction time.
package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/archon-research/stl-timeserver/internal/domain/entity"
	"github.com/archon-research/stl-timeserver/internal/pkg/env"
)

// Config is the complete process configuration.
type Config struct {
	// SigningSecretKey is the hex-encoded secp256k1 secret used to sign events.
	SigningSecretKey string `env:"SIGNING_SECRET_KEY"`

	// Relays are the destination URLs events are broadcast to.
	Relays []string `env:"BROADCAST_RELAYS" envSeparator:","`

	// ProviderEndpoints are the Esplora-compatible REST base URLs queried for block data.
	ProviderEndpoints []string `env:"PROVIDER_ENDPOINTS" envSeparator:"," envDefault:"https://mempool.space/api"`

	// SyncIntervalSeconds is the poll interval of the sync loop.
	SyncIntervalSeconds int `env:"SYNC_INTERVAL_SECONDS" envDefault:"60"`

	// ProviderTimeoutMS bounds each individual provider call.
	ProviderTimeoutMS int `env:"PROVIDER_TIMEOUT_MS" envDefault:"10000"`

	// InitialBlockHeight is the first height synced on a fresh start. Parsed by Validate.
	InitialBlockHeight string `env:"INITIAL_BLOCK_HEIGHT"`

	// StartFromTip explicitly opts into starting at the live height when
	// InitialBlockHeight is not set.
	StartFromTip bool `env:"START_FROM_TIP" envDefault:"false"`

	// BroadcastDebounce is the quiet period before queued events are flushed.
	BroadcastDebounce time.Duration `env:"BROADCAST_DEBOUNCE" envDefault:"5s"`

	// RetryInitialBackoff and RetryMaxBackoff bound the per-entry redelivery backoff.
	RetryInitialBackoff time.Duration `env:"RETRY_INITIAL_BACKOFF" envDefault:"5s"`
	RetryMaxBackoff     time.Duration `env:"RETRY_MAX_BACKOFF" envDefault:"5m"`

	// Redis settings for the optional persistent delivery log.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// HTTPAddr is the listen address of the health and lookup API. Empty disables it.
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// OTLPEndpoint is the OTLP gRPC collector; telemetry is a no-op when empty.
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// TraceStdout pretty-prints spans to stdout when no OTLP endpoint is set.
	TraceStdout bool `env:"TRACE_STDOUT" envDefault:"false"`

	// Environment names the deployment for telemetry resources.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	startHeight *uint64
}

// Load reads the optional .env file and the process environment, then validates.
func Load() (Config, error) {
	if err := env.LoadDotEnv(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", entity.ErrConfig, err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", entity.ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFrom is like Load but reads from the given map. Used in tests.
func LoadFrom(environment map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseFrom(&cfg, environment); err != nil {
		return Config{}, fmt.Errorf("%w: %v", entity.ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges. Errors wrap entity.ErrConfig.
func (c *Config) Validate() error {
	if len(c.SigningSecretKey) != 64 {
		return configErr("SIGNING_SECRET_KEY must be 64 hex characters")
	}
	if _, err := hex.DecodeString(c.SigningSecretKey); err != nil {
		return configErr("SIGNING_SECRET_KEY is not valid hex")
	}

	c.Relays = cleanList(c.Relays)
	for _, r := range c.Relays {
		u, err := url.Parse(r)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return configErr(fmt.Sprintf("BROADCAST_RELAYS entry %q is not a ws:// or wss:// URL", r))
		}
	}

	c.ProviderEndpoints = cleanList(c.ProviderEndpoints)
	if len(c.ProviderEndpoints) == 0 {
		return configErr("PROVIDER_ENDPOINTS must list at least one endpoint")
	}
	for _, p := range c.ProviderEndpoints {
		u, err := url.Parse(p)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return configErr(fmt.Sprintf("PROVIDER_ENDPOINTS entry %q is not an http(s) URL", p))
		}
	}

	if c.SyncIntervalSeconds <= 0 {
		return configErr("SYNC_INTERVAL_SECONDS must be positive")
	}
	if c.ProviderTimeoutMS <= 0 {
		return configErr("PROVIDER_TIMEOUT_MS must be positive")
	}
	if c.BroadcastDebounce <= 0 {
		return configErr("BROADCAST_DEBOUNCE must be positive")
	}
	if c.RetryInitialBackoff <= 0 || c.RetryMaxBackoff < c.RetryInitialBackoff {
		return configErr("RETRY_INITIAL_BACKOFF must be positive and not exceed RETRY_MAX_BACKOFF")
	}

	// Guard against accidentally syncing all the way from genesis: a start
	// height is mandatory unless starting at the tip was explicitly requested.
	// "0" is accepted when genesis is really intended.
	c.startHeight = nil
	if raw := strings.TrimSpace(c.InitialBlockHeight); raw != "" {
		h, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return configErr(fmt.Sprintf("INITIAL_BLOCK_HEIGHT %q is not a valid height", raw))
		}
		c.startHeight = &h
	} else if !c.StartFromTip {
		return configErr("INITIAL_BLOCK_HEIGHT must be set (or START_FROM_TIP=true)")
	}

	return nil
}

// StartHeight returns the configured first-run height, or nil when starting from the tip.
func (c Config) StartHeight() *uint64 {
	if c.startHeight == nil {
		return nil
	}
	h := *c.startHeight
	return &h
}

// SyncInterval returns the poll interval.
func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// ProviderTimeout returns the per-provider call timeout.
func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutMS) * time.Millisecond
}

func configErr(msg string) error {
	return fmt.Errorf("%w: %s", entity.ErrConfig, msg)
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Package config loads and validates configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// VerificationMode selects when certificate evidence is re-checked relative
// to execution.
type VerificationMode string

const (
	// VerifyEager re-checks signature and schema hashes before the handler runs.
	VerifyEager VerificationMode = "eager"
	// VerifyLazy runs the handler first and re-checks asynchronously,
	// flagging violations as security events.
	VerifyLazy VerificationMode = "lazy"
)

// Config holds all pipeline configuration.
type Config struct {
	// Delegation settings.
	MaxChainDepth   int
	CleanupInterval time.Duration // expired-token sweep period

	// Policy settings.
	RulesPath     string // YAML rule file; empty means default-deny until rules load
	PolicyTimeout time.Duration

	// Certificate settings.
	CertificateTTL   time.Duration
	SigningKeyPath   string // Ed25519 private key PEM
	VerifyKeyPath    string // Ed25519 public key PEM
	RequireSignature bool
	Verification     VerificationMode

	// Ledger settings.
	LedgerDriver string // "memory", "sqlite", or "postgres"
	LedgerDSN    string

	// Recorder settings.
	RecorderQueueSize int
	RecorderRetries   int

	// Pipeline settings.
	MaxRewriteHops int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		MaxChainDepth:     envInt("KENGEN_MAX_CHAIN_DEPTH", 10),
		CleanupInterval:   envDuration("KENGEN_CLEANUP_INTERVAL", time.Minute),
		RulesPath:         envStr("KENGEN_RULES_PATH", ""),
		PolicyTimeout:     envDuration("KENGEN_POLICY_TIMEOUT", 50*time.Millisecond),
		CertificateTTL:    envDuration("KENGEN_CERTIFICATE_TTL", 5*time.Minute),
		SigningKeyPath:    envStr("KENGEN_SIGNING_PRIVATE_KEY", ""),
		VerifyKeyPath:     envStr("KENGEN_SIGNING_PUBLIC_KEY", ""),
		RequireSignature:  envBool("KENGEN_REQUIRE_SIGNATURE", false),
		Verification:      VerificationMode(envStr("KENGEN_VERIFICATION_MODE", string(VerifyEager))),
		LedgerDriver:      envStr("KENGEN_LEDGER_DRIVER", "memory"),
		LedgerDSN:         envStr("KENGEN_LEDGER_DSN", ""),
		RecorderQueueSize: envInt("KENGEN_RECORDER_QUEUE_SIZE", 1024),
		RecorderRetries:   envInt("KENGEN_RECORDER_RETRIES", 5),
		MaxRewriteHops:    envInt("KENGEN_MAX_REWRITE_HOPS", 3),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "kengen"),
		LogLevel:          envStr("KENGEN_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that configuration values are coherent.
func (c Config) Validate() error {
	if c.MaxChainDepth <= 0 {
		return fmt.Errorf("config: KENGEN_MAX_CHAIN_DEPTH must be positive")
	}
	if c.PolicyTimeout <= 0 {
		return fmt.Errorf("config: KENGEN_POLICY_TIMEOUT must be positive")
	}
	if c.CertificateTTL <= 0 {
		return fmt.Errorf("config: KENGEN_CERTIFICATE_TTL must be positive")
	}
	switch c.Verification {
	case VerifyEager, VerifyLazy:
	default:
		return fmt.Errorf("config: KENGEN_VERIFICATION_MODE must be %q or %q", VerifyEager, VerifyLazy)
	}
	switch c.LedgerDriver {
	case "memory":
	case "sqlite", "postgres":
		if c.LedgerDSN == "" {
			return fmt.Errorf("config: KENGEN_LEDGER_DSN is required for the %s ledger", c.LedgerDriver)
		}
	default:
		return fmt.Errorf("config: unknown KENGEN_LEDGER_DRIVER %q", c.LedgerDriver)
	}
	if c.RequireSignature && (c.SigningKeyPath == "" || c.VerifyKeyPath == "") {
		return fmt.Errorf("config: KENGEN_REQUIRE_SIGNATURE needs KENGEN_SIGNING_PRIVATE_KEY and KENGEN_SIGNING_PUBLIC_KEY")
	}
	if c.MaxRewriteHops < 0 {
		return fmt.Errorf("config: KENGEN_MAX_REWRITE_HOPS must not be negative")
	}
	if c.RecorderQueueSize <= 0 {
		return fmt.Errorf("config: KENGEN_RECORDER_QUEUE_SIZE must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

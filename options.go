package kengen

import (
	"log/slog"
	"time"
)

// Option configures an Authority.
type Option func(*resolvedOptions)

// resolvedOptions holds all settings after applying defaults. Unexported;
// callers use the With* functions.
type resolvedOptions struct {
	logger           *slog.Logger
	version          string
	resolver         CapabilityResolver
	guard            GuardChecker
	rulesFile        string
	maxChainDepth    int
	cleanupInterval  time.Duration
	policyTimeout    time.Duration
	certificateTTL   time.Duration
	signingKeyPath   string
	verifyKeyPath    string
	requireSignature *bool
	verificationMode string
	ledgerDriver     string
	ledgerDSN        string
	ledgerBackend    Ledger
	maxRewriteHops   int
	sharedRatePerSec float64
	sharedRateBurst  int
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithCapabilityResolver sets the live capability registry. Required.
func WithCapabilityResolver(r CapabilityResolver) Option {
	return func(o *resolvedOptions) { o.resolver = r }
}

// WithGuard sets the preflight guard run between certification and
// execution. Without one the guard phase passes unconditionally.
func WithGuard(g GuardChecker) Option {
	return func(o *resolvedOptions) { o.guard = g }
}

// WithRulesFile overrides the YAML policy rule file (KENGEN_RULES_PATH).
// Without rules every request is denied.
func WithRulesFile(path string) Option {
	return func(o *resolvedOptions) { o.rulesFile = path }
}

// WithMaxChainDepth overrides the delegation depth ceiling
// (KENGEN_MAX_CHAIN_DEPTH).
func WithMaxChainDepth(depth int) Option {
	return func(o *resolvedOptions) { o.maxChainDepth = depth }
}

// WithCleanupInterval overrides the expired-token sweep period
// (KENGEN_CLEANUP_INTERVAL).
func WithCleanupInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.cleanupInterval = d }
}

// WithPolicyTimeout overrides the per-evaluation budget
// (KENGEN_POLICY_TIMEOUT).
func WithPolicyTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.policyTimeout = d }
}

// WithCertificateTTL overrides certificate lifetime (KENGEN_CERTIFICATE_TTL).
func WithCertificateTTL(d time.Duration) Option {
	return func(o *resolvedOptions) { o.certificateTTL = d }
}

// WithSigningKeys sets the Ed25519 PEM key paths
// (KENGEN_SIGNING_PRIVATE_KEY, KENGEN_SIGNING_PUBLIC_KEY). With both empty
// and signatures not required, certificates are issued unsigned.
func WithSigningKeys(privatePath, publicPath string) Option {
	return func(o *resolvedOptions) {
		o.signingKeyPath = privatePath
		o.verifyKeyPath = publicPath
	}
}

// WithRequireSignature makes unsigned certificate issuance a hard failure
// (KENGEN_REQUIRE_SIGNATURE).
func WithRequireSignature(required bool) Option {
	return func(o *resolvedOptions) { o.requireSignature = &required }
}

// WithVerificationMode selects eager or lazy evidence re-checking
// (KENGEN_VERIFICATION_MODE, "eager" or "lazy").
func WithVerificationMode(mode string) Option {
	return func(o *resolvedOptions) { o.verificationMode = mode }
}

// WithLedger selects the governance ledger backend
// (KENGEN_LEDGER_DRIVER/KENGEN_LEDGER_DSN). Driver is "memory", "sqlite",
// or "postgres"; dsn is ignored for "memory".
func WithLedger(driver, dsn string) Option {
	return func(o *resolvedOptions) {
		o.ledgerDriver = driver
		o.ledgerDSN = dsn
	}
}

// WithLedgerBackend installs a custom governance ledger. Takes precedence
// over WithLedger and the KENGEN_LEDGER_* variables.
func WithLedgerBackend(l Ledger) Option {
	return func(o *resolvedOptions) { o.ledgerBackend = l }
}

// WithMaxRewriteHops overrides how many rewrite decisions may re-enter the
// pipeline for one request (KENGEN_MAX_REWRITE_HOPS).
func WithMaxRewriteHops(hops int) Option {
	return func(o *resolvedOptions) { o.maxRewriteHops = hops }
}

// WithSharedRateLimit installs a fallback per-caller token bucket used by
// rate_limit rules that do not declare their own rate.
func WithSharedRateLimit(perSecond float64, burst int) Option {
	return func(o *resolvedOptions) {
		o.sharedRatePerSec = perSecond
		o.sharedRateBurst = burst
	}
}

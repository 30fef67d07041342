// Package kengen is the public API for embedding the Kengen authorization
// and execution-certification pipeline.
//
// Consumers construct an Authority, register capability handlers, and submit
// requests:
//
//	auth, err := kengen.New(
//	    kengen.WithCapabilityResolver(myRegistry),
//	    kengen.WithRulesFile("rules.yaml"),
//	    kengen.WithLogger(logger),
//	)
//	if err != nil { ... }
//	auth.RegisterHandler("user.read", readUser)
//	go auth.Run(ctx)
//	out, err := auth.Execute(ctx, req)
//
// The import graph enforces a strict no-cycle rule: kengen (root) imports
// internal/*, but internal/* never imports kengen (root). Public types are
// standalone structs; the conversion helpers live here because this is the
// only file that sees both sides of the boundary.
package kengen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/kengen-ai/kengen/internal/certificate"
	"github.com/kengen-ai/kengen/internal/config"
	"github.com/kengen-ai/kengen/internal/delegation"
	"github.com/kengen-ai/kengen/internal/fault"
	"github.com/kengen-ai/kengen/internal/ledger"
	"github.com/kengen-ai/kengen/internal/model"
	"github.com/kengen-ai/kengen/internal/pipeline"
	"github.com/kengen-ai/kengen/internal/policy"
	"github.com/kengen-ai/kengen/internal/ratelimit"
	"github.com/kengen-ai/kengen/internal/signing"
	"github.com/kengen-ai/kengen/internal/telemetry"
)

// Authority is the embedded pipeline lifecycle. Construct with New(), start
// background work with Run(), submit requests with Execute().
type Authority struct {
	cfg          config.Config
	registry     *delegation.Registry
	engine       *policy.Engine
	pipe         *pipeline.Pipeline
	recorder     *pipeline.Recorder
	led          ledger.Ledger
	signer       *signing.Signer
	minter       *delegation.Minter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
	now          func() time.Time
}

// New wires every subsystem and returns a ready Authority. It starts no
// goroutines; call Run for the cleanup and recording loops.
func New(opts ...Option) (*Authority, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	if o.resolver == nil {
		return nil, fmt.Errorf("kengen: a capability resolver is required, use WithCapabilityResolver")
	}

	// Load .env if present. Production deployments won't have one.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("kengen: load config: %w", err)
	}
	applyOverrides(&cfg, o)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kengen: %w", err)
	}

	version := o.version
	if version == "" {
		version = "dev"
	}
	logger.Info("kengen starting",
		slog.String("version", version),
		slog.String("ledger", cfg.LedgerDriver),
		slog.String("verification", string(cfg.Verification)))

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("kengen: telemetry: %w", err)
	}

	var signer *signing.Signer
	if cfg.SigningKeyPath != "" || cfg.VerifyKeyPath != "" || cfg.RequireSignature {
		signer, err = signing.NewSigner(cfg.SigningKeyPath, cfg.VerifyKeyPath)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("kengen: signing: %w", err)
		}
	}

	led, err := openLedger(context.Background(), cfg, o.ledgerBackend, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("kengen: ledger: %w", err)
	}

	registry := delegation.NewRegistry(delegation.Options{
		MaxDepth:        cfg.MaxChainDepth,
		CleanupInterval: cfg.CleanupInterval,
		Logger:          logger,
	})

	var limiter ratelimit.Limiter
	if o.sharedRatePerSec > 0 {
		limiter = ratelimit.NewMemoryLimiter(o.sharedRatePerSec, o.sharedRateBurst)
	}
	engine := policy.NewEngine(policy.EngineOptions{
		Limiter: limiter,
		Timeout: cfg.PolicyTimeout,
		Logger:  logger,
	})
	if cfg.RulesPath != "" {
		if err := engine.LoadFile(cfg.RulesPath); err != nil {
			_ = led.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("kengen: rules: %w", err)
		}
	} else {
		logger.Warn("no rules file configured, every request will be denied")
	}

	recorder := pipeline.NewRecorder(led, registry, pipeline.RecorderOptions{
		QueueSize: cfg.RecorderQueueSize,
		Retries:   cfg.RecorderRetries,
		Logger:    logger,
	})

	a := &Authority{
		cfg:          cfg,
		registry:     registry,
		engine:       engine,
		recorder:     recorder,
		led:          led,
		signer:       signer,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
		now:          time.Now,
	}
	if signer != nil {
		a.minter = delegation.NewMinter(signer)
	}

	pipe, err := pipeline.New(pipeline.Options{
		Registry:         registry,
		Engine:           engine,
		Resolver:         resolverAdapter{o.resolver},
		Guard:            guardAdapter{o.guard},
		Signer:           signer,
		RequireSignature: cfg.RequireSignature,
		Verification:     cfg.Verification,
		CertificateTTL:   cfg.CertificateTTL,
		MaxRewriteHops:   cfg.MaxRewriteHops,
		Recorder:         recorder,
		Logger:           logger,
	})
	if err != nil {
		_ = led.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("kengen: %w", err)
	}
	a.pipe = pipe
	return a, nil
}

func applyOverrides(cfg *config.Config, o resolvedOptions) {
	if o.rulesFile != "" {
		cfg.RulesPath = o.rulesFile
	}
	if o.maxChainDepth > 0 {
		cfg.MaxChainDepth = o.maxChainDepth
	}
	if o.cleanupInterval > 0 {
		cfg.CleanupInterval = o.cleanupInterval
	}
	if o.policyTimeout > 0 {
		cfg.PolicyTimeout = o.policyTimeout
	}
	if o.certificateTTL > 0 {
		cfg.CertificateTTL = o.certificateTTL
	}
	if o.signingKeyPath != "" {
		cfg.SigningKeyPath = o.signingKeyPath
	}
	if o.verifyKeyPath != "" {
		cfg.VerifyKeyPath = o.verifyKeyPath
	}
	if o.requireSignature != nil {
		cfg.RequireSignature = *o.requireSignature
	}
	if o.verificationMode != "" {
		cfg.Verification = config.VerificationMode(o.verificationMode)
	}
	if o.ledgerDriver != "" {
		cfg.LedgerDriver = o.ledgerDriver
		cfg.LedgerDSN = o.ledgerDSN
	}
	if o.maxRewriteHops > 0 {
		cfg.MaxRewriteHops = o.maxRewriteHops
	}
}

func openLedger(ctx context.Context, cfg config.Config, custom Ledger, logger *slog.Logger) (ledger.Ledger, error) {
	if custom != nil {
		return ledgerAdapter{custom}, nil
	}
	switch cfg.LedgerDriver {
	case "memory":
		return ledger.NewMemory(), nil
	case "sqlite":
		return ledger.NewSQLite(ctx, cfg.LedgerDSN)
	case "postgres":
		return ledger.NewPostgres(ctx, cfg.LedgerDSN, logger)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.LedgerDriver)
	}
}

// Run drives the background loops: expired-token cleanup and the recording
// queue. It blocks until ctx is canceled, then flushes and returns nil.
func (a *Authority) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.registry.RunCleanup(ctx)
		return nil
	})
	g.Go(func() error {
		return a.recorder.Run(ctx)
	})

	err := g.Wait()
	a.pipe.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases subsystem resources. Call after Run has returned.
func (a *Authority) Close(ctx context.Context) error {
	var firstErr error
	if err := a.engine.Close(); err != nil {
		firstErr = err
	}
	if err := a.led.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.otelShutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// RegisterHandler binds a handler to a capability id. The handler runs only
// for requests that passed every phase up to certification.
func (a *Authority) RegisterHandler(capabilityID string, h Handler) {
	a.pipe.RegisterHandler(capabilityID, func(ctx context.Context, req model.Request, cert certificate.Certificate[certificate.Verified]) (any, error) {
		return h(ctx, &Execution{request: toPublicRequest(req), cert: cert})
	})
}

// Execute runs one request through the full pipeline and returns its
// outcome. Denials and failures come back as *Error values.
func (a *Authority) Execute(ctx context.Context, req Request) (*Outcome, error) {
	mreq, err := toModelRequest(req, a.now())
	if err != nil {
		return nil, err
	}
	res, err := a.pipe.Execute(ctx, mreq)
	if err != nil {
		return nil, toPublicError(err)
	}
	return &Outcome{
		Output:  res.Output,
		Receipt: toPublicReceipt(res.Receipt),
		Trace:   toPublicTrace(res.Trace),
	}, nil
}

// Issue registers a delegation token and appends a TokenIssued event.
func (a *Authority) Issue(ctx context.Context, tok Token) error {
	mt, err := toModelToken(tok)
	if err != nil {
		return err
	}
	if err := a.registry.Register(mt); err != nil {
		return err
	}
	a.appendLifecycleEvent(ctx, model.EventTokenIssued, mt.Delegate, map[string]any{
		"token_id":  mt.ID.String(),
		"delegator": mt.Delegator.String(),
	})
	return nil
}

// Revoke invalidates a token, optionally cascading to every delegation
// derived from it, and appends a TokenRevoked event. Revoking an unknown id
// is a no-op.
func (a *Authority) Revoke(ctx context.Context, id uuid.UUID, cascade bool) {
	tok, known := a.registry.Get(id)
	a.registry.Revoke(id, cascade)
	if known {
		a.appendLifecycleEvent(ctx, model.EventTokenRevoked, tok.Delegate, map[string]any{
			"token_id": id.String(),
			"cascade":  cascade,
		})
	}
}

// VerifyChain validates a delegation chain without executing anything and
// returns the effective constraint it admits.
func (a *Authority) VerifyChain(chain Chain) (Constraint, error) {
	mc, err := toModelChain(chain)
	if err != nil {
		return Constraint{}, err
	}
	eff, err := a.registry.Verify(mc)
	if err != nil {
		return Constraint{}, err
	}
	return toPublicConstraint(eff), nil
}

// MintGrant serializes a registered token as a signed, portable grant that
// can cross process boundaries. Requires signing keys.
func (a *Authority) MintGrant(tok Token, reason string) (string, error) {
	if a.minter == nil {
		return "", fmt.Errorf("kengen: grant minting requires signing keys, use WithSigningKeys")
	}
	mt, err := toModelToken(tok)
	if err != nil {
		return "", err
	}
	return a.minter.Mint(mt, reason, a.registry.Depth(mt))
}

// ParseGrant verifies a portable grant and returns the token it carries.
// The token still has to be registered via Issue before chains using it
// will verify.
func (a *Authority) ParseGrant(raw string) (Token, error) {
	if a.minter == nil {
		return Token{}, fmt.Errorf("kengen: grant parsing requires signing keys, use WithSigningKeys")
	}
	claims, err := a.minter.Parse(raw)
	if err != nil {
		return Token{}, err
	}
	mt, err := claims.Token()
	if err != nil {
		return Token{}, err
	}
	return toPublicToken(mt), nil
}

// ReloadRules loads a new YAML rule file. A malformed file keeps the
// current rules in place and returns the error.
func (a *Authority) ReloadRules(path string) error {
	return a.engine.LoadFile(path)
}

// Events queries the governance ledger.
func (a *Authority) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	evs, err := a.led.Events(ctx, ledger.EventFilter{
		TenantID:      q.TenantID,
		AgentID:       q.AgentID,
		Type:          model.EventType(q.Kind),
		CorrelationID: q.CorrelationID,
		Since:         q.Since,
		Until:         q.Until,
		Limit:         q.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(evs))
	for _, ev := range evs {
		out = append(out, toPublicEvent(ev))
	}
	return out, nil
}

// Receipts queries recorded execution receipts.
func (a *Authority) Receipts(ctx context.Context, q ReceiptQuery) ([]Receipt, error) {
	rs, err := a.led.Receipts(ctx, ledger.ReceiptFilter{
		TenantID:      q.TenantID,
		AgentID:       q.AgentID,
		CorrelationID: q.CorrelationID,
		Since:         q.Since,
		Until:         q.Until,
		Limit:         q.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Receipt, 0, len(rs))
	for _, r := range rs {
		out = append(out, toPublicReceipt(r))
	}
	return out, nil
}

func (a *Authority) appendLifecycleEvent(ctx context.Context, typ model.EventType, p model.Principal, meta map[string]any) {
	if err := a.led.AppendEvent(ctx, model.GovernanceEvent{
		ID:        uuid.New(),
		Timestamp: a.now(),
		Type:      typ,
		AgentID:   p.AgentID,
		TenantID:  p.TenantID,
		Metadata:  meta,
	}); err != nil {
		a.logger.Warn("lifecycle event not recorded",
			slog.String("type", string(typ)), slog.String("error", err.Error()))
	}
}

// Execution is what a handler receives: the (possibly rewritten) request
// plus read-only access to the attested certificate evidence.
type Execution struct {
	request Request
	cert    certificate.Certificate[certificate.Verified]
}

// Request returns the request as the pipeline executed it, including any
// policy rewrites.
func (e *Execution) Request() Request { return e.request }

// CapabilityVersion returns the version frozen into the certificate.
func (e *Execution) CapabilityVersion() string { return e.cert.Payload().CapabilityVersion }

// PolicyTrace returns the decision evidence frozen into the certificate.
func (e *Execution) PolicyTrace() PolicyTrace {
	return toPublicTrace(e.cert.Payload().PolicyTrace)
}

// Signed reports whether the certificate carries a signature.
func (e *Execution) Signed() bool { return e.cert.Signature() != nil }

// resolverAdapter bridges the public resolver to the internal pipeline.
type resolverAdapter struct{ r CapabilityResolver }

func (ra resolverAdapter) Resolve(ctx context.Context, id string) (model.Capability, error) {
	c, err := ra.r.Resolve(ctx, id)
	if err != nil {
		return model.Capability{}, err
	}
	return toModelCapability(c)
}

// ledgerAdapter lets a caller-supplied Ledger stand in for the built-in
// backends.
type ledgerAdapter struct{ l Ledger }

func (la ledgerAdapter) AppendEvent(ctx context.Context, ev model.GovernanceEvent) error {
	return la.l.AppendEvent(ctx, toPublicEvent(ev))
}

func (la ledgerAdapter) AppendReceipt(ctx context.Context, r model.Receipt) error {
	return la.l.AppendReceipt(ctx, toPublicReceipt(r))
}

func (la ledgerAdapter) Events(ctx context.Context, f ledger.EventFilter) ([]model.GovernanceEvent, error) {
	evs, err := la.l.Events(ctx, EventQuery{
		TenantID:      f.TenantID,
		AgentID:       f.AgentID,
		Kind:          EventKind(f.Type),
		CorrelationID: f.CorrelationID,
		Since:         f.Since,
		Until:         f.Until,
		Limit:         f.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.GovernanceEvent, 0, len(evs))
	for _, ev := range evs {
		out = append(out, toModelEvent(ev))
	}
	return out, nil
}

func (la ledgerAdapter) Receipts(ctx context.Context, f ledger.ReceiptFilter) ([]model.Receipt, error) {
	rs, err := la.l.Receipts(ctx, ReceiptQuery{
		TenantID:      f.TenantID,
		AgentID:       f.AgentID,
		CorrelationID: f.CorrelationID,
		Since:         f.Since,
		Until:         f.Until,
		Limit:         f.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.Receipt, 0, len(rs))
	for _, r := range rs {
		out = append(out, toModelReceipt(r))
	}
	return out, nil
}

func (la ledgerAdapter) Close() error { return la.l.Close() }

// guardAdapter bridges the public guard; a nil guard passes everything.
type guardAdapter struct{ g GuardChecker }

func (ga guardAdapter) Check(ctx context.Context, req model.Request, capability model.Capability) (string, error) {
	if ga.g == nil {
		return "", nil
	}
	return ga.g.Check(ctx, toPublicRequest(req), toPublicCapability(capability))
}

// Error is the public face of a pipeline fault: a stable code, a human
// message, and an optional remediation hint.
type Error struct {
	Code       string
	Message    string
	Suggestion string
	err        error
}

func (e *Error) Error() string { return e.err.Error() }
func (e *Error) Unwrap() error { return e.err }

func toPublicError(err error) error {
	var ferr *fault.Error
	if !errors.As(err, &ferr) {
		return err
	}
	return &Error{
		Code:       string(ferr.Code),
		Message:    ferr.Message,
		Suggestion: ferr.Suggestion,
		err:        err,
	}
}

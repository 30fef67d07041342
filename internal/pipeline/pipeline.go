// Package pipeline drives a request through delegation validation, policy
// evaluation, certification, guarding, execution, and recording.
//
// Phases up to execution fail fast: the first violation stops the request
// with a coded fault. Recording is best effort; a ledger outage never undoes
// an execution that already happened.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kengen-ai/kengen/internal/certificate"
	"github.com/kengen-ai/kengen/internal/config"
	"github.com/kengen-ai/kengen/internal/constraint"
	"github.com/kengen-ai/kengen/internal/delegation"
	"github.com/kengen-ai/kengen/internal/fault"
	"github.com/kengen-ai/kengen/internal/model"
	"github.com/kengen-ai/kengen/internal/policy"
	"github.com/kengen-ai/kengen/internal/signing"
	"github.com/kengen-ai/kengen/internal/telemetry"
)

// CapabilityResolver looks capabilities up in the live registry.
type CapabilityResolver interface {
	Resolve(ctx context.Context, capabilityID string) (model.Capability, error)
}

// GuardChecker runs deployment-specific preflight checks after certification
// and before execution. The returned detail string lands in the receipt.
type GuardChecker interface {
	Check(ctx context.Context, req model.Request, capability model.Capability) (string, error)
}

// Handler executes one capability. It only ever sees a fully verified
// certificate; there is no way to hand it anything less.
type Handler func(ctx context.Context, req model.Request, cert certificate.Certificate[certificate.Verified]) (any, error)

// Result is the outcome of a successful execution.
type Result struct {
	Output  any
	Receipt model.Receipt
	Trace   model.PolicyTrace
}

// DefaultMaxRewriteHops bounds how many times a rewrite decision may re-enter
// the pipeline for one request.
const DefaultMaxRewriteHops = 3

// Options configures a pipeline.
type Options struct {
	Registry         *delegation.Registry
	Engine           *policy.Engine
	Resolver         CapabilityResolver
	Guard            GuardChecker // optional
	Signer           *signing.Signer
	RequireSignature bool
	Verification     config.VerificationMode
	CertificateTTL   time.Duration
	MaxRewriteHops   int
	Recorder         *Recorder
	Logger           *slog.Logger
	Now              func() time.Time
}

// Pipeline validates, certifies, executes, and records capability requests.
type Pipeline struct {
	registry   *delegation.Registry
	engine     *policy.Engine
	resolver   CapabilityResolver
	guard      GuardChecker
	signer     *signing.Signer
	requireSig bool
	mode       config.VerificationMode
	certTTL    time.Duration
	maxHops    int
	recorder   *Recorder
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler

	lazy sync.WaitGroup

	tracer     trace.Tracer
	executions metric.Int64Counter
	latency    metric.Float64Histogram
}

// New builds a pipeline. Registry, Engine, Resolver, and Recorder are
// required.
func New(opts Options) (*Pipeline, error) {
	if opts.Registry == nil || opts.Engine == nil || opts.Resolver == nil || opts.Recorder == nil {
		return nil, fmt.Errorf("pipeline: registry, engine, resolver, and recorder are required")
	}
	if opts.Verification == "" {
		opts.Verification = config.VerifyEager
	}
	if opts.CertificateTTL <= 0 {
		opts.CertificateTTL = 5 * time.Minute
	}
	if opts.MaxRewriteHops <= 0 {
		opts.MaxRewriteHops = DefaultMaxRewriteHops
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	meter := telemetry.Meter("kengen/pipeline")
	executions, err := meter.Int64Counter("kengen.pipeline.executions",
		metric.WithDescription("Requests finishing the pipeline, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("pipeline: create executions counter: %w", err)
	}
	latency, err := meter.Float64Histogram("kengen.pipeline.duration_seconds",
		metric.WithDescription("End-to-end pipeline latency"))
	if err != nil {
		return nil, fmt.Errorf("pipeline: create latency histogram: %w", err)
	}

	return &Pipeline{
		registry:   opts.Registry,
		engine:     opts.Engine,
		resolver:   opts.Resolver,
		guard:      opts.Guard,
		signer:     opts.Signer,
		requireSig: opts.RequireSignature,
		mode:       opts.Verification,
		certTTL:    opts.CertificateTTL,
		maxHops:    opts.MaxRewriteHops,
		recorder:   opts.Recorder,
		logger:     opts.Logger,
		now:        opts.Now,
		handlers:   make(map[string]Handler),
		tracer:     telemetry.Tracer("kengen/pipeline"),
		executions: executions,
		latency:    latency,
	}, nil
}

// RegisterHandler binds a handler to a capability id. Re-registering
// replaces the previous handler.
func (p *Pipeline) RegisterHandler(capabilityID string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[capabilityID] = h
}

func (p *Pipeline) handler(capabilityID string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[capabilityID]
	return h, ok
}

// Wait blocks until in-flight lazy verification finishes. Called on
// shutdown so no security check is silently abandoned.
func (p *Pipeline) Wait() {
	p.lazy.Wait()
}

// Execute runs one request through every phase. The returned error, if any,
// is a *fault.Error naming the failed phase in its context.
func (p *Pipeline) Execute(ctx context.Context, req model.Request) (Result, error) {
	start := p.now()
	ctx, span := p.tracer.Start(ctx, "pipeline.execute",
		trace.WithAttributes(
			attribute.String("capability.id", req.CapabilityID),
			attribute.String("agent.id", req.Caller.AgentID),
		))
	defer span.End()

	res, err := p.execute(ctx, req, start)

	outcome := "ok"
	if err != nil {
		outcome = string(fault.CodeOf(err))
		span.RecordError(err)
	}
	p.executions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	p.latency.Record(ctx, p.now().Sub(start).Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))
	return res, err
}

func (p *Pipeline) execute(ctx context.Context, req model.Request, start time.Time) (Result, error) {
	// Phase 1: received.
	if req.CorrelationID == uuid.Nil {
		req.CorrelationID = uuid.New()
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = start
	}
	audit := newTrail(p.now)
	audit.ok(PhaseReceived)

	var (
		decision   policy.Decision
		capability model.Capability
		effective  model.CapabilityConstraint
	)

	// Rewrite decisions re-enter at the delegation phase with replaced
	// arguments, bounded by maxHops.
	for hop := 0; ; hop++ {
		// Phase 2: delegation validated.
		var err error
		effective, err = p.registry.Verify(req.Chain)
		if err != nil {
			ferr := delegationFault(err, req)
			audit.fail(PhaseDelegationValidated, ferr)
			p.recordDenial(req, nil, ferr, audit)
			return Result{}, ferr
		}

		// The chain proves authority for its executor, nobody else. A valid
		// chain submitted by a different caller is not that caller's to use.
		if !req.Caller.Equal(req.Chain.Executor) {
			ferr := fault.New(fault.CodeBrokenContinuity, "caller is not the chain's executor").
				With("caller", req.Caller.String()).
				With("executor", req.Chain.Executor.String()).
				Suggest("submit the request as the final delegate of the chain").
				Correlate(req.CorrelationID)
			audit.fail(PhaseDelegationValidated, ferr)
			p.recordDenial(req, nil, ferr, audit)
			return Result{}, ferr
		}

		capability, err = p.resolver.Resolve(ctx, req.CapabilityID)
		if err != nil {
			ferr := fault.Wrap(fault.CodeCapabilityNotFound, "capability not found in live registry", err).
				With("capability_id", req.CapabilityID).
				Correlate(req.CorrelationID)
			audit.fail(PhaseDelegationValidated, ferr)
			p.recordDenial(req, nil, ferr, audit)
			return Result{}, ferr
		}

		if ok, why := constraint.Allows(effective, req.CapabilityID, capability.MaxEffect()); !ok {
			ferr := fault.New(fault.CodeConstraintViolation, "request exceeds delegated authority").
				With("capability_id", req.CapabilityID).
				With("detail", why).
				Suggest("request a delegation that covers this capability").
				Correlate(req.CorrelationID)
			audit.fail(PhaseDelegationValidated, ferr)
			p.recordDenial(req, nil, ferr, audit)
			p.recordSecurityViolation(req, ferr)
			return Result{}, ferr
		}
		audit.ok(PhaseDelegationValidated)

		// Phase 3: policy evaluated.
		decision = p.engine.Evaluate(ctx, policy.Input{
			Request:    req,
			Capability: capability,
			Effective:  effective,
		})

		if decision.Action == policy.ActionRewrite {
			if hop >= p.maxHops {
				ferr := fault.New(fault.CodePolicyDenied, "rewrite limit exceeded").
					With("rule", decision.RuleName).
					With("hops", hop).
					Correlate(req.CorrelationID)
				audit.fail(PhasePolicyEvaluated, ferr)
				p.recordDenial(req, &decision, ferr, audit)
				return Result{}, ferr
			}
			req = rewriteRequest(req, decision.RewriteArgs)
			p.logger.Info("request rewritten by policy",
				slog.String("rule", decision.RuleName),
				slog.String("correlation_id", req.CorrelationID.String()))
			audit.note(PhasePolicyEvaluated, "rewritten:"+decision.RuleName)
			continue
		}
		break
	}

	if ferr := p.checkDecision(req, decision); ferr != nil {
		audit.fail(PhasePolicyEvaluated, ferr)
		p.recordDenial(req, &decision, ferr, audit)
		return Result{}, ferr
	}
	audit.ok(PhasePolicyEvaluated)

	// Phase 4: certified. The certificate walks the full state machine; a
	// verified value is the only thing a handler can receive.
	cert, err := p.certify(ctx, req, decision)
	if err != nil {
		ferr := asFault(err, fault.CodeSigningFailed, "certificate issuance failed", req.CorrelationID)
		audit.fail(PhaseCertified, ferr)
		p.recordDenial(req, &decision, ferr, audit)
		return Result{}, ferr
	}
	audit.ok(PhaseCertified)

	// Phase 5: guard.
	guardDetail := ""
	if p.guard != nil {
		detail, err := p.guard.Check(ctx, req, capability)
		if err != nil {
			ferr := fault.Wrap(fault.CodeGuardFailed, "guard check rejected the request", err).
				With("capability_id", req.CapabilityID).
				Correlate(req.CorrelationID)
			audit.fail(PhaseGuardPassed, ferr)
			p.recordDenial(req, &decision, ferr, audit)
			return Result{}, ferr
		}
		guardDetail = detail
	}
	audit.ok(PhaseGuardPassed)

	// Eager mode re-checks the evidence just before the handler runs. A
	// failure here is failed certification evidence, so it books under that
	// phase.
	if p.mode == config.VerifyEager {
		if ferr := p.recheck(ctx, cert.Payload(), cert.Signature()); ferr != nil {
			audit.fail(PhaseCertified, ferr)
			p.recordSecurityViolation(req, ferr)
			return Result{}, ferr
		}
	}

	// Phase 6: executed.
	h, ok := p.handler(req.CapabilityID)
	if !ok {
		ferr := fault.New(fault.CodeHandlerNotFound, "no handler registered for capability").
			With("capability_id", req.CapabilityID).
			Suggest("register a handler before submitting requests for this capability").
			Correlate(req.CorrelationID)
		audit.fail(PhaseExecuted, ferr)
		p.recordDenial(req, &decision, ferr, audit)
		return Result{}, ferr
	}
	output, err := h(ctx, req, cert)
	if err != nil {
		ferr := fault.Wrap(fault.CodeExecutionFailed, "capability handler failed", err).
			With("capability_id", req.CapabilityID).
			Correlate(req.CorrelationID)
		audit.fail(PhaseExecuted, ferr)
		p.recordFailure(req, decision, ferr, audit, start)
		return Result{}, ferr
	}
	audit.ok(PhaseExecuted)

	// Lazy mode re-checks after the fact and flags mismatches as security
	// events instead of blocking the caller.
	if p.mode == config.VerifyLazy {
		p.verifyLazily(req, cert.Payload(), cert.Signature())
	}

	// Phase 7: recorded, best effort. The phase entry goes in first so the
	// receipt's own trail covers it.
	audit.ok(PhaseRecorded)
	receipt := p.buildReceipt(req, cert, decision, guardDetail, output, audit, start)
	p.record(req, receipt, decision)

	return Result{
		Output:  output,
		Receipt: receipt,
		Trace:   decision.Trace(),
	}, nil
}

// checkDecision maps a terminal policy decision to its fault.
func (p *Pipeline) checkDecision(req model.Request, d policy.Decision) *fault.Error {
	switch d.Action {
	case policy.ActionAllow:
		return nil
	case policy.ActionDeny:
		code := fault.CodePolicyDenied
		if d.TimedOut {
			code = fault.CodeEvaluationTimeout
		}
		ferr := fault.New(code, d.Reason).With("rule", d.RuleName).Correlate(req.CorrelationID)
		if d.Suggestion != "" {
			ferr = ferr.Suggest(d.Suggestion)
		}
		return ferr
	case policy.ActionRequireApproval:
		ferr := fault.New(fault.CodeApprovalRequired, d.Reason).
			With("rule", d.RuleName).Correlate(req.CorrelationID)
		if d.Suggestion != "" {
			ferr = ferr.Suggest(d.Suggestion)
		}
		return ferr
	case policy.ActionRateLimit:
		ferr := fault.New(fault.CodeRateLimited, d.Reason).
			With("rule", d.RuleName).Correlate(req.CorrelationID)
		if d.Suggestion != "" {
			ferr = ferr.Suggest(d.Suggestion)
		}
		return ferr
	default:
		return fault.New(fault.CodePolicyDenied, "unrecognized policy action").
			With("action", string(d.Action)).Correlate(req.CorrelationID)
	}
}

// certify walks the certificate state machine end to end.
func (p *Pipeline) certify(ctx context.Context, req model.Request, d policy.Decision) (certificate.Certificate[certificate.Verified], error) {
	now := p.now()
	unchecked := certificate.New(certificate.Payload{
		CapabilityID:  req.CapabilityID,
		AgentID:       req.Caller.AgentID,
		TenantID:      req.Caller.TenantID,
		IssuedAt:      now,
		ExpiresAt:     now.Add(p.certTTL),
		CorrelationID: req.CorrelationID,
	})

	checked, err := certificate.CheckPolicy(unchecked, d.Trace())
	if err != nil {
		return certificate.Certificate[certificate.Verified]{}, err
	}
	resolved, err := certificate.CheckCapability(ctx, checked, p.resolver.Resolve)
	if err != nil {
		return certificate.Certificate[certificate.Verified]{}, err
	}
	return certificate.Verify(resolved, p.signer, p.requireSig, p.now())
}

// recheck re-verifies signature and schema hashes against the live registry.
func (p *Pipeline) recheck(ctx context.Context, payload certificate.Payload, sig *certificate.SignatureBlock) *fault.Error {
	if sig != nil && p.signer != nil {
		if err := certificate.VerifySignature(payload, *sig, p.signer.PublicKey()); err != nil {
			return asFault(err, fault.CodeInvalidSignature, "re-verify certificate signature", payload.CorrelationID)
		}
	}
	live, err := p.resolver.Resolve(ctx, payload.CapabilityID)
	if err != nil {
		return fault.Wrap(fault.CodeCapabilityNotFound, "capability vanished before execution", err).
			With("capability_id", payload.CapabilityID).
			Correlate(payload.CorrelationID)
	}
	if err := certificate.CheckSchemaHashes(payload, live.InputSchemaHash, live.OutputSchemaHash); err != nil {
		return asFault(err, fault.CodeSchemaHashMismatch, "re-check schema hashes", payload.CorrelationID)
	}
	return nil
}

// verifyLazily re-runs the evidence checks in the background. A failure no
// longer blocks anything; it becomes a security event in the ledger.
func (p *Pipeline) verifyLazily(req model.Request, payload certificate.Payload, sig *certificate.SignatureBlock) {
	p.lazy.Add(1)
	go func() {
		defer p.lazy.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if ferr := p.recheck(ctx, payload, sig); ferr != nil {
			p.logger.Warn("lazy verification failed after execution",
				slog.String("capability_id", payload.CapabilityID),
				slog.String("code", string(ferr.Code)),
				slog.String("correlation_id", payload.CorrelationID.String()))
			p.recordSecurityViolation(req, ferr)
		}
	}()
}

func (p *Pipeline) buildReceipt(req model.Request, cert certificate.Certificate[certificate.Verified],
	d policy.Decision, guardDetail string, output any, audit *trail, start time.Time,
) model.Receipt {
	payload := cert.Payload()
	r := model.Receipt{
		ID:               uuid.New(),
		Timestamp:        start,
		Duration:         p.now().Sub(start),
		CapabilitiesUsed: []string{payload.CapabilityID},
		AgentID:          req.Caller.AgentID,
		TenantID:         req.Caller.TenantID,
		CorrelationID:    req.CorrelationID,
		GuardDetail:      guardDetail,
		ResultHash:       hashResult(output),
		AuditTrail:       audit.entries(),
		Metadata: map[string]any{
			"rule":               d.RuleName,
			"capability_version": payload.CapabilityVersion,
		},
	}
	if sig := cert.Signature(); sig != nil && p.signer != nil {
		r.Verification = &model.VerificationBlock{
			Algorithm:  sig.Algorithm,
			KeyID:      sig.KeyID,
			Signature:  sig.Signature,
			PublicKey:  p.signer.PublicKey(),
			SchemaHash: payload.InputSchemaHash,
		}
	}
	return r
}

// record enqueues the receipt, the completion event, and per-token use
// bookkeeping. All of it is async and best effort.
func (p *Pipeline) record(req model.Request, receipt model.Receipt, d policy.Decision) {
	tokens := make([]uuid.UUID, 0, len(req.Chain.Tokens))
	for _, tok := range req.Chain.Tokens {
		tokens = append(tokens, tok.ID)
	}
	p.recorder.Enqueue(record{
		receipt: &receipt,
		events: []model.GovernanceEvent{{
			ID:            uuid.New(),
			Timestamp:     p.now(),
			Type:          model.EventExecutionCompleted,
			AgentID:       req.Caller.AgentID,
			TenantID:      req.Caller.TenantID,
			CorrelationID: req.CorrelationID,
			Metadata:      map[string]any{"rule": d.RuleName, "receipt_id": receipt.ID.String()},
		}},
		useTokens: tokens,
	})
}

// recordDenial emits a policy-decision event for a request stopped before
// execution.
func (p *Pipeline) recordDenial(req model.Request, d *policy.Decision, ferr *fault.Error, audit *trail) {
	meta := map[string]any{
		"code":   string(ferr.Code),
		"reason": ferr.Message,
		"phases": audit.phases(),
	}
	if d != nil && d.RuleName != "" {
		meta["rule"] = d.RuleName
	}
	p.recorder.Enqueue(record{
		events: []model.GovernanceEvent{{
			ID:            uuid.New(),
			Timestamp:     p.now(),
			Type:          model.EventPolicyDecision,
			AgentID:       req.Caller.AgentID,
			TenantID:      req.Caller.TenantID,
			CorrelationID: req.CorrelationID,
			Metadata:      meta,
		}},
	})
}

// recordFailure emits an execution-failed event. The handler ran; what it
// did is not undone.
func (p *Pipeline) recordFailure(req model.Request, d policy.Decision, ferr *fault.Error, audit *trail, start time.Time) {
	p.recorder.Enqueue(record{
		events: []model.GovernanceEvent{{
			ID:            uuid.New(),
			Timestamp:     p.now(),
			Type:          model.EventExecutionFailed,
			AgentID:       req.Caller.AgentID,
			TenantID:      req.Caller.TenantID,
			CorrelationID: req.CorrelationID,
			Metadata: map[string]any{
				"code":     string(ferr.Code),
				"reason":   ferr.Message,
				"rule":     d.RuleName,
				"duration": p.now().Sub(start).String(),
			},
		}},
	})
}

func (p *Pipeline) recordSecurityViolation(req model.Request, ferr *fault.Error) {
	p.recorder.Enqueue(record{
		events: []model.GovernanceEvent{{
			ID:            uuid.New(),
			Timestamp:     p.now(),
			Type:          model.EventSecurityViolation,
			AgentID:       req.Caller.AgentID,
			TenantID:      req.Caller.TenantID,
			CorrelationID: req.CorrelationID,
			Metadata: map[string]any{
				"code":   string(ferr.Code),
				"reason": ferr.Message,
			},
		}},
	})
}

// delegationFault maps registry sentinels to coded faults.
func delegationFault(err error, req model.Request) *fault.Error {
	code := fault.CodeBrokenContinuity
	switch {
	case errors.Is(err, delegation.ErrEmptyChain):
		code = fault.CodeEmptyChain
	case errors.Is(err, delegation.ErrDepthExceeded):
		code = fault.CodeDepthExceeded
	case errors.Is(err, delegation.ErrTokenNotFound):
		code = fault.CodeTokenNotFound
	case errors.Is(err, delegation.ErrTokenExpired):
		code = fault.CodeTokenExpired
	case errors.Is(err, delegation.ErrTokenRevoked):
		code = fault.CodeTokenRevoked
	case errors.Is(err, delegation.ErrUseLimitExceeded):
		code = fault.CodeUseLimitExceeded
	case errors.Is(err, delegation.ErrConstraintViolation):
		code = fault.CodeConstraintViolation
	}
	return fault.Wrap(code, "delegation chain rejected", err).
		Suggest("inspect the chain tokens; every link must be registered, live, and contiguous").
		Correlate(req.CorrelationID)
}

// asFault unwraps an existing coded fault or wraps err under code.
func asFault(err error, code fault.Code, msg string, corr uuid.UUID) *fault.Error {
	var ferr *fault.Error
	if errors.As(err, &ferr) {
		return ferr
	}
	return fault.Wrap(code, msg, err).Correlate(corr)
}

// rewriteRequest replaces arguments per a rewrite decision. A fresh map
// keeps the original request observable in logs.
func rewriteRequest(req model.Request, args map[string]any) model.Request {
	merged := make(map[string]any, len(req.Args)+len(args))
	for k, v := range req.Args {
		merged[k] = v
	}
	for k, v := range args {
		merged[k] = v
	}
	req.Args = merged
	return req
}

func hashResult(output any) string {
	raw, err := json.Marshal(output)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", output))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// trail accumulates one audit entry per phase reached.
type trail struct {
	now  func() time.Time
	list []model.AuditEntry
}

func newTrail(now func() time.Time) *trail {
	return &trail{now: now}
}

func (t *trail) ok(p Phase) {
	t.list = append(t.list, model.AuditEntry{Phase: string(p), Timestamp: t.now(), Result: "ok"})
}

func (t *trail) note(p Phase, result string) {
	t.list = append(t.list, model.AuditEntry{Phase: string(p), Timestamp: t.now(), Result: result})
}

func (t *trail) fail(p Phase, ferr *fault.Error) {
	t.list = append(t.list, model.AuditEntry{Phase: string(p), Timestamp: t.now(), Result: string(ferr.Code)})
}

func (t *trail) entries() []model.AuditEntry {
	return append([]model.AuditEntry(nil), t.list...)
}

func (t *trail) phases() []string {
	out := make([]string, 0, len(t.list))
	for _, e := range t.list {
		out = append(out, e.Phase+":"+e.Result)
	}
	return out
}

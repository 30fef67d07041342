package pipeline

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kengen-ai/kengen/internal/certificate"
	"github.com/kengen-ai/kengen/internal/config"
	"github.com/kengen-ai/kengen/internal/delegation"
	"github.com/kengen-ai/kengen/internal/fault"
	"github.com/kengen-ai/kengen/internal/ledger"
	"github.com/kengen-ai/kengen/internal/model"
	"github.com/kengen-ai/kengen/internal/policy"
	"github.com/kengen-ai/kengen/internal/signing"
)

var testTenant = uuid.MustParse("11111111-1111-1111-1111-111111111111")

func principal(agentID string) model.Principal {
	return model.Principal{AgentID: agentID, TenantID: testTenant, Class: model.ClassService}
}

func token(delegator, delegate string) model.DelegationToken {
	return model.DelegationToken{
		ID:         uuid.New(),
		Delegator:  principal(delegator),
		Delegate:   principal(delegate),
		Constraint: model.Unrestricted(),
		Temporal:   model.TemporalConstraint{NotAfter: time.Now().Add(time.Hour)},
		IssuedAt:   time.Now(),
	}
}

// stubResolver serves a fixed capability set and counts lookups.
type stubResolver struct {
	caps  map[string]model.Capability
	calls atomic.Int64
	// mutate, when set, is applied to lookups after the first mutateAfter
	// calls. Lets tests simulate a live registry changing underneath an
	// already-issued certificate.
	mutate      func(*model.Capability)
	mutateAfter int64
}

func (s *stubResolver) Resolve(_ context.Context, id string) (model.Capability, error) {
	n := s.calls.Add(1)
	c, ok := s.caps[id]
	if !ok {
		return model.Capability{}, fmt.Errorf("capability %q not registered", id)
	}
	if s.mutate != nil && n > s.mutateAfter {
		s.mutate(&c)
	}
	return c, nil
}

type stubGuard struct {
	detail string
	err    error
}

func (g stubGuard) Check(context.Context, model.Request, model.Capability) (string, error) {
	return g.detail, g.err
}

// failingLedger refuses every append.
type failingLedger struct{ ledger.Ledger }

func (failingLedger) AppendEvent(context.Context, model.GovernanceEvent) error {
	return errors.New("ledger down")
}

func (failingLedger) AppendReceipt(context.Context, model.Receipt) error {
	return errors.New("ledger down")
}

type fixture struct {
	pipeline *Pipeline
	registry *delegation.Registry
	engine   *policy.Engine
	resolver *stubResolver
	ledger   *ledger.Memory
	chain    model.DelegationChain
	cancel   context.CancelFunc
}

type fixtureOptions struct {
	rules  []policy.Rule
	guard  GuardChecker
	signer *signing.Signer
	mode   config.VerificationMode
	ledger ledger.Ledger
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	logger := slog.Default()

	registry := delegation.NewRegistry(delegation.Options{Logger: logger})
	root := token("origin", "worker")
	require.NoError(t, registry.Register(root))
	chain := model.DelegationChain{
		Origin:   principal("origin"),
		Tokens:   []model.DelegationToken{root},
		Executor: principal("worker"),
	}

	engine := policy.NewEngine(policy.EngineOptions{Logger: logger})
	if opts.rules == nil {
		opts.rules = []policy.Rule{{
			Name:     "allow-all",
			Priority: 1,
			Enabled:  true,
			Action:   policy.Action{Kind: policy.ActionAllow},
		}}
	}
	require.NoError(t, engine.Load(opts.rules))
	t.Cleanup(func() { _ = engine.Close() })

	resolver := &stubResolver{caps: map[string]model.Capability{
		"user.read": {
			ID:              "user.read",
			Version:         "2.1.0",
			Effects:         []model.EffectLevel{model.EffectReadOnly},
			InputSchemaHash: certificate.SchemaHash([]byte(`{"type":"object"}`)),
		},
		"user.delete": {
			ID:          "user.delete",
			Version:     "1.0.0",
			Effects:     []model.EffectLevel{model.EffectMutate},
			Sensitivity: 4,
		},
	}}

	mem := ledger.NewMemory()
	var led ledger.Ledger = mem
	if opts.ledger != nil {
		led = opts.ledger
	}
	recorder := NewRecorder(led, registry, RecorderOptions{Logger: logger, Retries: 1})

	p, err := New(Options{
		Registry:     registry,
		Engine:       engine,
		Resolver:     resolver,
		Guard:        opts.guard,
		Signer:       opts.signer,
		Verification: opts.mode,
		Recorder:     recorder,
		Logger:       logger,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = recorder.Run(ctx) }()
	t.Cleanup(cancel)

	return &fixture{
		pipeline: p,
		registry: registry,
		engine:   engine,
		resolver: resolver,
		ledger:   mem,
		chain:    chain,
		cancel:   cancel,
	}
}

func (f *fixture) request(capabilityID string) model.Request {
	return model.Request{
		CapabilityID: capabilityID,
		Args:         map[string]any{"id": "u-123"},
		Caller:       principal("worker"),
		AgentType:    model.AgentService,
		Chain:        f.chain,
	}
}

func waitForEvents(t *testing.T, mem *ledger.Memory, typ model.EventType, n int) []model.GovernanceEvent {
	t.Helper()
	var out []model.GovernanceEvent
	require.Eventually(t, func() bool {
		var err error
		out, err = mem.Events(context.Background(), ledger.EventFilter{Type: typ})
		return err == nil && len(out) >= n
	}, 2*time.Second, 10*time.Millisecond)
	return out
}

func TestExecuteHappyPath(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	handled := false
	f.pipeline.RegisterHandler("user.read", func(_ context.Context, req model.Request, cert certificate.Certificate[certificate.Verified]) (any, error) {
		handled = true
		assert.Equal(t, "user.read", cert.Payload().CapabilityID)
		assert.Equal(t, "2.1.0", cert.Payload().CapabilityVersion)
		assert.Equal(t, "allow-all", cert.Payload().PolicyTrace.RuleName)
		return map[string]any{"name": "Ada"}, nil
	})

	res, err := f.pipeline.Execute(context.Background(), f.request("user.read"))
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "allow-all", res.Trace.RuleName)
	assert.NotEmpty(t, res.Receipt.ResultHash)
	assert.Equal(t, []string{"user.read"}, res.Receipt.CapabilitiesUsed)
	assert.Equal(t, testTenant, res.Receipt.TenantID)

	phases := make([]string, 0, len(res.Receipt.AuditTrail))
	for _, e := range res.Receipt.AuditTrail {
		require.Equal(t, "ok", e.Result)
		phases = append(phases, e.Phase)
	}
	assert.Equal(t, []string{
		"received", "delegation_validated", "policy_evaluated",
		"certified", "guard_passed", "executed", "recorded",
	}, phases)

	evs := waitForEvents(t, f.ledger, model.EventExecutionCompleted, 1)
	assert.Equal(t, "worker", evs[0].AgentID)

	require.Eventually(t, func() bool {
		rs, err := f.ledger.Receipts(context.Background(), ledger.ReceiptFilter{})
		return err == nil && len(rs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Use bookkeeping lands asynchronously too.
	require.Eventually(t, func() bool {
		n, ok := f.registry.UseCount(f.chain.Tokens[0].ID)
		return ok && n == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecutePolicyDenied(t *testing.T) {
	f := newFixture(t, fixtureOptions{rules: []policy.Rule{{
		Name:     "deny-all",
		Priority: 1,
		Enabled:  true,
		Action:   policy.Action{Kind: policy.ActionDeny, Reason: "nothing is allowed here"},
	}}})
	called := false
	f.pipeline.RegisterHandler("user.read", func(context.Context, model.Request, certificate.Certificate[certificate.Verified]) (any, error) {
		called = true
		return nil, nil
	})

	_, err := f.pipeline.Execute(context.Background(), f.request("user.read"))
	require.Error(t, err)
	assert.Equal(t, fault.CodePolicyDenied, fault.CodeOf(err))
	assert.False(t, called, "handler must not run for a denied request")

	evs := waitForEvents(t, f.ledger, model.EventPolicyDecision, 1)
	assert.Equal(t, "nothing is allowed here", evs[0].Metadata["reason"])
}

func TestExecuteDefaultDeny(t *testing.T) {
	f := newFixture(t, fixtureOptions{rules: []policy.Rule{}})

	_, err := f.pipeline.Execute(context.Background(), f.request("user.read"))
	require.Error(t, err)
	assert.Equal(t, fault.CodePolicyDenied, fault.CodeOf(err))
	assert.Contains(t, err.Error(), "no policy rule matched")
}

func TestExecuteRevokedToken(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.registry.Revoke(f.chain.Tokens[0].ID, false)

	_, err := f.pipeline.Execute(context.Background(), f.request("user.read"))
	require.Error(t, err)
	assert.Equal(t, fault.CodeTokenRevoked, fault.CodeOf(err))
}

func TestExecuteConstraintViolation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	// Rebuild the chain with a read-only ceiling; user.delete mutates.
	limited := token("origin", "worker")
	limited.Constraint = model.CapabilityConstraint{MaxEffect: model.EffectReadOnly}
	require.NoError(t, f.registry.Register(limited))
	f.chain.Tokens = []model.DelegationToken{limited}

	_, err := f.pipeline.Execute(context.Background(), f.request("user.delete"))
	require.Error(t, err)
	assert.Equal(t, fault.CodeConstraintViolation, fault.CodeOf(err))

	// Exceeding delegated authority is security relevant: it lands in the
	// ledger as a violation, not just a decision.
	evs := waitForEvents(t, f.ledger, model.EventSecurityViolation, 1)
	assert.Equal(t, string(fault.CodeConstraintViolation), evs[0].Metadata["code"])
	waitForEvents(t, f.ledger, model.EventPolicyDecision, 1)
}

func TestExecuteCallerMustBeChainExecutor(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	handled := false
	f.pipeline.RegisterHandler("user.read", func(context.Context, model.Request, certificate.Certificate[certificate.Verified]) (any, error) {
		handled = true
		return nil, nil
	})

	// A valid chain for "worker" submitted by somebody else entirely.
	req := f.request("user.read")
	req.Caller = principal("mallory")

	_, err := f.pipeline.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, fault.CodeBrokenContinuity, fault.CodeOf(err))
	assert.False(t, handled)
}

func TestExecuteCapabilityNotFound(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	_, err := f.pipeline.Execute(context.Background(), f.request("ghost.capability"))
	require.Error(t, err)
	assert.Equal(t, fault.CodeCapabilityNotFound, fault.CodeOf(err))
}

func TestExecuteGuardFailure(t *testing.T) {
	f := newFixture(t, fixtureOptions{guard: stubGuard{err: errors.New("budget exhausted")}})
	called := false
	f.pipeline.RegisterHandler("user.read", func(context.Context, model.Request, certificate.Certificate[certificate.Verified]) (any, error) {
		called = true
		return nil, nil
	})

	_, err := f.pipeline.Execute(context.Background(), f.request("user.read"))
	require.Error(t, err)
	assert.Equal(t, fault.CodeGuardFailed, fault.CodeOf(err))
	assert.False(t, called)
}

func TestExecuteGuardDetailInReceipt(t *testing.T) {
	f := newFixture(t, fixtureOptions{guard: stubGuard{detail: "quota 12/100"}})
	f.pipeline.RegisterHandler("user.read", func(context.Context, model.Request, certificate.Certificate[certificate.Verified]) (any, error) {
		return "ok", nil
	})

	res, err := f.pipeline.Execute(context.Background(), f.request("user.read"))
	require.NoError(t, err)
	assert.Equal(t, "quota 12/100", res.Receipt.GuardDetail)
}

func TestExecuteHandlerNotFound(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	_, err := f.pipeline.Execute(context.Background(), f.request("user.read"))
	require.Error(t, err)
	assert.Equal(t, fault.CodeHandlerNotFound, fault.CodeOf(err))
}

func TestExecuteHandlerError(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.pipeline.RegisterHandler("user.read", func(context.Context, model.Request, certificate.Certificate[certificate.Verified]) (any, error) {
		return nil, errors.New("downstream 503")
	})

	_, err := f.pipeline.Execute(context.Background(), f.request("user.read"))
	require.Error(t, err)
	assert.Equal(t, fault.CodeExecutionFailed, fault.CodeOf(err))

	evs := waitForEvents(t, f.ledger, model.EventExecutionFailed, 1)
	assert.Contains(t, evs[0].Metadata["reason"], "handler failed")
}

func TestExecuteRequireApproval(t *testing.T) {
	f := newFixture(t, fixtureOptions{rules: []policy.Rule{{
		Name:       "hold-deletes",
		Priority:   10,
		Enabled:    true,
		Conditions: []policy.Condition{{Kind: policy.CondCommand, Command: "*.delete"}},
		Action:     policy.Action{Kind: policy.ActionRequireApproval, Reason: "needs a human"},
	}, {
		Name:     "allow-rest",
		Priority: 1,
		Enabled:  true,
		Action:   policy.Action{Kind: policy.ActionAllow},
	}}})

	_, err := f.pipeline.Execute(context.Background(), f.request("user.delete"))
	require.Error(t, err)
	assert.Equal(t, fault.CodeApprovalRequired, fault.CodeOf(err))
}

func TestExecuteRateLimited(t *testing.T) {
	f := newFixture(t, fixtureOptions{rules: []policy.Rule{{
		Name:     "tight",
		Priority: 10,
		Enabled:  true,
		Action:   policy.Action{Kind: policy.ActionRateLimit, PerSecond: 0.001, Burst: 1},
	}}})
	f.pipeline.RegisterHandler("user.read", func(context.Context, model.Request, certificate.Certificate[certificate.Verified]) (any, error) {
		return "ok", nil
	})

	_, err := f.pipeline.Execute(context.Background(), f.request("user.read"))
	require.NoError(t, err, "first request is inside the burst")

	_, err = f.pipeline.Execute(context.Background(), f.request("user.read"))
	require.Error(t, err)
	assert.Equal(t, fault.CodeRateLimited, fault.CodeOf(err))
}

func TestExecuteRewriteReplacesArgs(t *testing.T) {
	f := newFixture(t, fixtureOptions{rules: []policy.Rule{{
		Name:       "redact",
		Priority:   10,
		Enabled:    true,
		Conditions: []policy.Condition{{Kind: policy.CondCommand, Command: "user.read"}},
		Action:     policy.Action{Kind: policy.ActionRewrite, Args: map[string]any{"fields": "public_only"}},
	}, {
		Name:     "allow-all",
		Priority: 1,
		Enabled:  true,
		Action:   policy.Action{Kind: policy.ActionAllow},
	}}})

	var seen map[string]any
	f.pipeline.RegisterHandler("user.read", func(_ context.Context, req model.Request, _ certificate.Certificate[certificate.Verified]) (any, error) {
		seen = req.Args
		return "ok", nil
	})

	res, err := f.pipeline.Execute(context.Background(), f.request("user.read"))
	require.NoError(t, err)
	assert.Equal(t, "public_only", seen["fields"], "rewrite args merged in")
	assert.Equal(t, "u-123", seen["id"], "original args preserved")
	assert.Equal(t, "allow-all", res.Trace.RuleName, "rewritten request decided by the allow rule")
}

func TestExecuteRewriteLoopBounded(t *testing.T) {
	// The redact rule matches its own rewritten output, so it would loop
	// forever without the hop bound.
	f := newFixture(t, fixtureOptions{rules: []policy.Rule{{
		Name:     "redact-forever",
		Priority: 10,
		Enabled:  true,
		Action:   policy.Action{Kind: policy.ActionRewrite, Args: map[string]any{"fields": "public_only"}},
	}}})

	_, err := f.pipeline.Execute(context.Background(), f.request("user.read"))
	require.Error(t, err)
	assert.Equal(t, fault.CodePolicyDenied, fault.CodeOf(err))
	assert.Contains(t, err.Error(), "rewrite limit exceeded")
}

func TestExecuteSignedReceiptVerifies(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := signing.FromKeyPair(priv, pub)

	f := newFixture(t, fixtureOptions{signer: signer})
	f.pipeline.RegisterHandler("user.read", func(_ context.Context, _ model.Request, cert certificate.Certificate[certificate.Verified]) (any, error) {
		sig := cert.Signature()
		require.NotNil(t, sig)
		require.NoError(t, certificate.VerifySignature(cert.Payload(), *sig, signer.PublicKey()))
		return "ok", nil
	})

	res, err := f.pipeline.Execute(context.Background(), f.request("user.read"))
	require.NoError(t, err)
	require.NotNil(t, res.Receipt.Verification)
	assert.Equal(t, signing.Algorithm, res.Receipt.Verification.Algorithm)
	assert.Equal(t, []byte(signer.PublicKey()), res.Receipt.Verification.PublicKey)
}

func TestExecuteEagerSchemaMismatch(t *testing.T) {
	f := newFixture(t, fixtureOptions{mode: config.VerifyEager})
	// The live registry flips its schema after the certificate freezes it.
	f.resolver.mutateAfter = 2
	f.resolver.mutate = func(c *model.Capability) {
		c.InputSchemaHash = certificate.SchemaHash([]byte(`{"type":"array"}`))
	}
	called := false
	f.pipeline.RegisterHandler("user.read", func(context.Context, model.Request, certificate.Certificate[certificate.Verified]) (any, error) {
		called = true
		return "ok", nil
	})

	_, err := f.pipeline.Execute(context.Background(), f.request("user.read"))
	require.Error(t, err)
	assert.Equal(t, fault.CodeSchemaHashMismatch, fault.CodeOf(err))
	assert.False(t, called, "eager mode blocks execution on stale evidence")

	waitForEvents(t, f.ledger, model.EventSecurityViolation, 1)
}

func TestExecuteLazySchemaMismatchFlagsViolation(t *testing.T) {
	f := newFixture(t, fixtureOptions{mode: config.VerifyLazy})
	f.resolver.mutateAfter = 2
	f.resolver.mutate = func(c *model.Capability) {
		c.InputSchemaHash = certificate.SchemaHash([]byte(`{"type":"array"}`))
	}
	called := false
	f.pipeline.RegisterHandler("user.read", func(context.Context, model.Request, certificate.Certificate[certificate.Verified]) (any, error) {
		called = true
		return "ok", nil
	})

	_, err := f.pipeline.Execute(context.Background(), f.request("user.read"))
	require.NoError(t, err, "lazy mode does not block the caller")
	assert.True(t, called)

	f.pipeline.Wait()
	waitForEvents(t, f.ledger, model.EventSecurityViolation, 1)
}

func TestExecuteLedgerOutageDoesNotUndoExecution(t *testing.T) {
	f := newFixture(t, fixtureOptions{ledger: failingLedger{}})
	f.pipeline.RegisterHandler("user.read", func(context.Context, model.Request, certificate.Certificate[certificate.Verified]) (any, error) {
		return "ok", nil
	})

	res, err := f.pipeline.Execute(context.Background(), f.request("user.read"))
	require.NoError(t, err, "recording is best effort")
	assert.Equal(t, "ok", res.Output)
}

func TestExecuteEmptyChain(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	req := f.request("user.read")
	req.Chain = model.DelegationChain{}

	_, err := f.pipeline.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, fault.CodeEmptyChain, fault.CodeOf(err))
}

func TestExecuteAssignsCorrelationID(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.pipeline.RegisterHandler("user.read", func(_ context.Context, req model.Request, _ certificate.Certificate[certificate.Verified]) (any, error) {
		assert.NotEqual(t, uuid.Nil, req.CorrelationID)
		return "ok", nil
	})

	res, err := f.pipeline.Execute(context.Background(), f.request("user.read"))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, res.Receipt.CorrelationID)
}

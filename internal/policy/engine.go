package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync/atomic"
	"time"

	"github.com/kengen-ai/kengen/internal/model"
	"github.com/kengen-ai/kengen/internal/ratelimit"
)

// DefaultTimeout bounds a single evaluation pass.
const DefaultTimeout = 50 * time.Millisecond

// Input carries everything a rule may inspect for one request.
type Input struct {
	Request    model.Request
	Capability model.Capability
	// Effective is the folded constraint of the delegation chain. Rules can
	// be stricter than it but never looser; the pipeline enforces the
	// constraint itself before policy runs.
	Effective model.CapabilityConstraint
}

// Decision is the outcome of one evaluation pass. Exactly one rule (or the
// built-in default deny) produces it.
type Decision struct {
	Action      ActionKind
	RuleName    string // empty for the default deny and for timeouts
	Reason      string
	Suggestion  string
	RewriteArgs map[string]any // set only for rewrite decisions
	TimedOut    bool
	EvaluatedAt time.Time
}

// Trace converts the decision into the audit form embedded in certificates.
func (d Decision) Trace() model.PolicyTrace {
	return model.PolicyTrace{
		RuleName:    d.RuleName,
		Action:      string(d.Action),
		Reason:      d.Reason,
		Suggestion:  d.Suggestion,
		EvaluatedAt: d.EvaluatedAt,
	}
}

// compiledRule is a validated rule with pre-parsed fields, so evaluation
// never fails on malformed input.
type compiledRule struct {
	Rule
	effect  model.EffectLevel
	limiter ratelimit.Limiter // per-rule bucket for rate_limit actions
}

type snapshot struct {
	rules    []compiledRule // sorted by descending priority, stable
	loadedAt time.Time
}

func (s *snapshot) close() {
	for i := range s.rules {
		if s.rules[i].limiter != nil {
			_ = s.rules[i].limiter.Close()
		}
	}
}

// Engine evaluates rules first-match-wins against an atomically swapped
// snapshot. The zero rule set denies everything.
type Engine struct {
	snap    atomic.Pointer[snapshot]
	limiter ratelimit.Limiter
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// EngineOptions configures a policy engine. Zero values pick defaults.
type EngineOptions struct {
	Limiter ratelimit.Limiter
	Timeout time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

// NewEngine builds an engine with an empty snapshot. Until Load succeeds
// every evaluation falls through to the default deny.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NoopLimiter{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		limiter: opts.Limiter,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	e.snap.Store(&snapshot{loadedAt: opts.Now()})
	return e
}

// Load validates and installs a new rule set. On validation failure the
// previous snapshot stays in place and the error is returned.
func (e *Engine) Load(rules []Rule) error {
	if err := ValidateRules(rules); err != nil {
		e.logger.Warn("policy reload rejected, keeping previous rules",
			slog.String("error", err.Error()))
		return err
	}
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := compiledRule{Rule: r}
		for _, c := range r.Conditions {
			if c.Kind == CondEffect {
				cr.effect, _ = model.ParseEffect(c.Effect)
			}
		}
		if r.Action.Kind == ActionRateLimit {
			burst := r.Action.Burst
			if burst <= 0 {
				burst = 1
			}
			cr.limiter = ratelimit.NewMemoryLimiter(r.Action.PerSecond, burst)
		}
		compiled = append(compiled, cr)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority > compiled[j].Priority
	})
	old := e.snap.Swap(&snapshot{rules: compiled, loadedAt: e.now()})
	if old != nil {
		old.close()
	}
	e.logger.Info("policy rules loaded", slog.Int("count", len(compiled)))
	return nil
}

// Close releases per-rule limiter resources.
func (e *Engine) Close() error {
	if snap := e.snap.Load(); snap != nil {
		snap.close()
	}
	if e.limiter != nil {
		return e.limiter.Close()
	}
	return nil
}

// LoadFile reads, validates, and installs a YAML rule file. A parse or
// validation failure keeps the previous snapshot.
func (e *Engine) LoadFile(path string) error {
	rules, err := LoadRulesFile(path)
	if err != nil {
		e.logger.Warn("policy reload rejected, keeping previous rules",
			slog.String("path", path), slog.String("error", err.Error()))
		return err
	}
	return e.Load(rules)
}

// RuleCount reports how many rules the current snapshot holds.
func (e *Engine) RuleCount() int {
	return len(e.snap.Load().rules)
}

// Evaluate runs the current snapshot against one request. The first rule
// whose conditions all match decides; if none match the request is denied.
// A rule whose condition evaluation panics is skipped. If the pass exceeds
// the engine timeout the request is denied with TimedOut set.
func (e *Engine) Evaluate(ctx context.Context, in Input) Decision {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	snap := e.snap.Load()
	at := e.now()

	for i := range snap.rules {
		if ctx.Err() != nil {
			return Decision{
				Action:      ActionDeny,
				Reason:      "policy evaluation timeout",
				Suggestion:  "retry the request or reduce the rule set",
				TimedOut:    true,
				EvaluatedAt: at,
			}
		}
		r := &snap.rules[i]
		if !r.Enabled {
			continue
		}
		if !e.matches(r, in) {
			continue
		}
		return e.decide(ctx, r, in, at)
	}

	return Decision{
		Action:      ActionDeny,
		Reason:      "no policy rule matched",
		Suggestion:  "add an allow rule for this capability or check the request parameters",
		EvaluatedAt: at,
	}
}

// matches reports whether every condition of r holds for in. A panic during
// condition evaluation is treated as no match.
func (e *Engine) matches(r *compiledRule, in Input) (matched bool) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Warn("policy condition panicked, skipping rule",
				slog.String("rule", r.Name), slog.Any("panic", p))
			matched = false
		}
	}()

	for _, c := range r.Conditions {
		if !e.matchCondition(c, r, in) {
			return false
		}
	}
	return true
}

func (e *Engine) matchCondition(c Condition, r *compiledRule, in Input) bool {
	switch c.Kind {
	case CondEffect:
		return in.Capability.MaxEffect() == r.effect
	case CondSensitivity:
		return in.Capability.Sensitivity >= c.MinSensitivity
	case CondAgentType:
		return string(in.Request.AgentType) == c.AgentType
	case CondTenant:
		return in.Request.Caller.TenantID.String() == c.Tenant
	case CondCommand:
		ok, err := path.Match(c.Command, in.Request.CapabilityID)
		return err == nil && ok
	case CondDepth:
		return in.Request.Chain.Depth() <= c.MaxDepth
	case CondCapability:
		for _, id := range c.Capabilities {
			if id == in.Request.CapabilityID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// decide turns a matched rule into a decision. For rate_limit rules the
// limiter is consulted: inside the budget the request proceeds as an allow,
// outside it the decision is terminal.
func (e *Engine) decide(ctx context.Context, r *compiledRule, in Input, at time.Time) Decision {
	d := Decision{
		Action:      r.Action.Kind,
		RuleName:    r.Name,
		Reason:      r.Action.Reason,
		Suggestion:  r.Action.Suggestion,
		EvaluatedAt: at,
	}
	switch r.Action.Kind {
	case ActionRewrite:
		d.RewriteArgs = r.Action.Args
	case ActionRateLimit:
		lim := r.limiter
		if lim == nil {
			lim = e.limiter
		}
		key := fmt.Sprintf("rule:%s:%s", r.Name, in.Request.Caller.String())
		ok, err := lim.Allow(ctx, key)
		if err != nil {
			// Fail open: a broken limiter must not block traffic.
			e.logger.Warn("rate limiter error, allowing request",
				slog.String("rule", r.Name), slog.String("error", err.Error()))
			ok = true
		}
		if ok {
			d.Action = ActionAllow
			if d.Reason == "" {
				d.Reason = "within rate limit"
			}
		} else {
			if d.Reason == "" {
				d.Reason = "rate limit exceeded"
			}
			if d.Suggestion == "" {
				d.Suggestion = "retry after the limit window resets"
			}
		}
	}
	return d
}

package pipeline

// Phase names the stages a request moves through. Receipts carry one audit
// entry per phase reached.
type Phase string

const (
	PhaseReceived            Phase = "received"
	PhaseDelegationValidated Phase = "delegation_validated"
	PhasePolicyEvaluated     Phase = "policy_evaluated"
	PhaseCertified           Phase = "certified"
	PhaseGuardPassed         Phase = "guard_passed"
	PhaseExecuted            Phase = "executed"
	PhaseRecorded            Phase = "recorded"
)

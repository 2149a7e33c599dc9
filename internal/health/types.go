package health

import (
	"time"
)

// Verdict is the overall health judgment for a workflow.
type Verdict string

const (
	VerdictHealthy  Verdict = "healthy"
	VerdictWarning  Verdict = "warning"
	VerdictCritical Verdict = "critical"
)

// IssueType names what a detector found.
type IssueType string

const (
	IssueLoopDetected      IssueType = "loop_detected"
	IssuePhaseStuck        IssueType = "phase_stuck"
	IssueRegression        IssueType = "regression"
	IssuePhaseOutOfOrder   IssueType = "phase_out_of_order"
	IssueChainBroken       IssueType = "chain_broken"
	IssueTDDViolation      IssueType = "tdd_violation"
	IssueExplicitFailure   IssueType = "explicit_failure"
	IssueAgentFailure      IssueType = "agent_failure"
	IssueIronLawViolation  IssueType = "iron_law_violation"
	IssueIronLawRepeated   IssueType = "iron_law_repeated"
	IssueSilence           IssueType = "silence"
	IssueMissingMilestones IssueType = "missing_milestones"
	IssueDecliningVelocity IssueType = "declining_velocity"
	IssueIncompleteOutputs IssueType = "incomplete_outputs"
	IssueAgentSilence      IssueType = "agent_silence"
	IssueAbruptStop        IssueType = "abrupt_stop"
	IssuePartialCompletion IssueType = "partial_completion"
	IssueAgentAbandoned    IssueType = "agent_abandoned"
)

// IsCriticalType reports whether a high-confidence issue of this type makes
// the workflow critical.
func (t IssueType) IsCriticalType() bool {
	switch t {
	case IssueExplicitFailure, IssueAgentFailure, IssueRegression, IssueTDDViolation,
		IssueLoopDetected, IssueIronLawViolation, IssueIronLawRepeated:
		return true
	}
	return false
}

// IsStall reports whether the issue means the workflow stopped making progress.
func (t IssueType) IsStall() bool {
	switch t {
	case IssuePhaseStuck, IssueSilence, IssueAbruptStop, IssuePartialCompletion,
		IssueAgentSilence, IssueAgentAbandoned:
		return true
	}
	return false
}

// Issue is one scored finding.
type Issue struct {
	Type       IssueType         `json:"type"`
	Confidence float64           `json:"confidence"`
	Message    string            `json:"message"`
	Context    map[string]string `json:"context,omitempty"`
}

// Thresholds are the time limits used by the stall detectors.
type Thresholds struct {
	// LoopRepeats is the number of identical trailing milestones that
	// counts as a loop.
	LoopRepeats  int
	PhaseStuck   time.Duration
	Silence      time.Duration
	AbruptStop   time.Duration
	AgentSilence time.Duration
	AgentAbandon time.Duration
}

const (
	defaultLoopRepeats = 3
	defaultStuck       = 5 * time.Minute
	defaultSilence     = 5 * time.Minute
)

// DefaultThresholds derives the thresholds from the stuck timeout. A
// non-positive timeout means the default of five minutes.
func DefaultThresholds(stuckTimeout time.Duration) Thresholds {
	if stuckTimeout <= 0 {
		stuckTimeout = defaultStuck
	}
	return Thresholds{
		LoopRepeats:  defaultLoopRepeats,
		PhaseStuck:   stuckTimeout,
		Silence:      defaultSilence,
		AbruptStop:   2 * stuckTimeout,
		AgentSilence: defaultSilence,
		AgentAbandon: 3 * stuckTimeout,
	}
}

// withDefaults fills zero fields from DefaultThresholds.
func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds(t.PhaseStuck)
	if t.LoopRepeats < 2 {
		t.LoopRepeats = d.LoopRepeats
	}
	if t.PhaseStuck <= 0 {
		t.PhaseStuck = d.PhaseStuck
	}
	if t.Silence <= 0 {
		t.Silence = d.Silence
	}
	if t.AbruptStop <= 0 {
		t.AbruptStop = d.AbruptStop
	}
	if t.AgentSilence <= 0 {
		t.AgentSilence = d.AgentSilence
	}
	if t.AgentAbandon <= 0 {
		t.AgentAbandon = d.AgentAbandon
	}
	return t
}

// WorkflowAnalysis is the result of one Analyze call. It is derived, never
// persisted.
type WorkflowAnalysis struct {
	Health     Verdict       `json:"health"`
	Issues     []Issue       `json:"issues"`
	State      WorkflowState `json:"state"`
	AnalyzedAt time.Time     `json:"analyzed_at"`
	EntryCount int           `json:"entry_count"`
}

// HasIssue reports whether an issue of type t was found
func (a WorkflowAnalysis) HasIssue(t IssueType) bool {
	_, ok := a.Issue(t)
	return ok
}

// Issue returns the highest-confidence issue of type t.
func (a WorkflowAnalysis) Issue(t IssueType) (Issue, bool) {
	for _, is := range a.Issues {
		if is.Type == t {
			return is, true
		}
	}
	return Issue{}, false
}

// Summary is a one-line description of the analysis.
func (a WorkflowAnalysis) Summary() string {
	pos := a.State.CurrentCmd
	if pos == "" {
		pos = "idle"
	} else if a.State.CurrentPhase != "" {
		pos += "/" + a.State.CurrentPhase
	}
	if len(a.Issues) == 0 {
		return string(a.Health) + " at " + pos
	}
	top := a.Issues[0]
	return string(a.Health) + " at " + pos + ": " + top.Message
}

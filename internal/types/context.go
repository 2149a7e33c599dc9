package types

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// AnomalyType is the closed set of problems a task can describe.
type AnomalyType string

const (
	AnomalyAgentError               AnomalyType = "agent_error"
	AnomalyAgentLoop                AnomalyType = "agent_loop"
	AnomalyAgentStuck               AnomalyType = "agent_stuck"
	AnomalyException                AnomalyType = "exception"
	AnomalyTestFailure              AnomalyType = "test_failure"
	AnomalyTestFlaky                AnomalyType = "test_flaky"
	AnomalyCoverageDrop             AnomalyType = "coverage_drop"
	AnomalyCIFailure                AnomalyType = "ci_failure"
	AnomalyPRCheckFailed            AnomalyType = "pr_check_failed"
	AnomalyPushFailed               AnomalyType = "push_failed"
	AnomalyUnusualPattern           AnomalyType = "unusual_pattern"
	AnomalyRecommendedInvestigation AnomalyType = "recommended_investigation"
)

// AnomalyTypes lists every anomaly type
var AnomalyTypes = []AnomalyType{
	AnomalyAgentError,
	AnomalyAgentLoop,
	AnomalyAgentStuck,
	AnomalyException,
	AnomalyTestFailure,
	AnomalyTestFlaky,
	AnomalyCoverageDrop,
	AnomalyCIFailure,
	AnomalyPRCheckFailed,
	AnomalyPushFailed,
	AnomalyUnusualPattern,
	AnomalyRecommendedInvestigation,
}

// IsValid checks if the anomaly type is known
func (a AnomalyType) IsValid() bool {
	_, err := newContext(a)
	return err == nil
}

// TaskContext carries the diagnostic fields of a task. Each anomaly type has
// exactly one variant; the unexported method closes the set to this package.
type TaskContext interface {
	AnomalyType() AnomalyType
	isTaskContext()
}

// newContext returns an empty variant for the anomaly type. Adding an
// AnomalyType without a case here makes IsValid reject it.
func newContext(a AnomalyType) (TaskContext, error) {
	switch a {
	case AnomalyAgentError:
		return &AgentErrorContext{}, nil
	case AnomalyAgentLoop:
		return &AgentLoopContext{}, nil
	case AnomalyAgentStuck:
		return &AgentStuckContext{}, nil
	case AnomalyException:
		return &ExceptionContext{}, nil
	case AnomalyTestFailure:
		return &TestFailureContext{}, nil
	case AnomalyTestFlaky:
		return &TestFlakyContext{}, nil
	case AnomalyCoverageDrop:
		return &CoverageDropContext{}, nil
	case AnomalyCIFailure:
		return &CIFailureContext{}, nil
	case AnomalyPRCheckFailed:
		return &PRCheckFailedContext{}, nil
	case AnomalyPushFailed:
		return &PushFailedContext{}, nil
	case AnomalyUnusualPattern:
		return &UnusualPatternContext{}, nil
	case AnomalyRecommendedInvestigation:
		return &InvestigationContext{}, nil
	}
	return nil, fmt.Errorf("unknown anomaly type %q", a)
}

// DecodeContext decodes raw JSON into the variant for the anomaly type.
// Empty or null input yields a nil context.
func DecodeContext(a AnomalyType, raw json.RawMessage) (TaskContext, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	ctx, err := newContext(a)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, ctx); err != nil {
		return nil, fmt.Errorf("failed to decode %s context: %w", a, err)
	}
	return ctx, nil
}

// CloneContext returns a copy of c that shares no memory with it.
func CloneContext(c TaskContext) TaskContext {
	switch v := c.(type) {
	case *AgentErrorContext:
		return clonePtr(v)
	case *AgentLoopContext:
		return clonePtr(v)
	case *AgentStuckContext:
		return clonePtr(v)
	case *ExceptionContext:
		return clonePtr(v)
	case *TestFailureContext:
		return clonePtr(v)
	case *TestFlakyContext:
		return clonePtr(v)
	case *CoverageDropContext:
		return clonePtr(v)
	case *CIFailureContext:
		return clonePtr(v)
	case *PRCheckFailedContext:
		return clonePtr(v)
	case *PushFailedContext:
		return clonePtr(v)
	case *UnusualPatternContext:
		return clonePtr(v)
	case *InvestigationContext:
		cp := clonePtr(v)
		if cp != nil {
			cp.Details = maps.Clone(v.Details)
		}
		return cp
	}
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// AgentErrorContext describes an error line emitted by an agent.
type AgentErrorContext struct {
	File       string  `json:"file,omitempty"`
	Line       int     `json:"line,omitempty"`
	Excerpt    string  `json:"excerpt,omitempty"`
	Pattern    string  `json:"pattern,omitempty"`
	Command    string  `json:"command,omitempty"`
	Phase      string  `json:"phase,omitempty"`
	AgentID    string  `json:"agent_id,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// AgentLoopContext describes a repeated action signature.
type AgentLoopContext struct {
	Signature   string  `json:"signature"`
	RepeatCount int     `json:"repeat_count"`
	Excerpt     string  `json:"excerpt,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// AgentStuckContext describes a stall in the workflow.
type AgentStuckContext struct {
	Command         string  `json:"command,omitempty"`
	Phase           string  `json:"phase,omitempty"`
	AgentID         string  `json:"agent_id,omitempty"`
	Reason          string  `json:"reason,omitempty"`
	StalledSeconds  int64   `json:"stalled_seconds,omitempty"`
	LastActivityAgo int64   `json:"last_activity_seconds_ago,omitempty"`
	Confidence      float64 `json:"confidence,omitempty"`
}

// ExceptionContext describes an uncaught exception or panic.
type ExceptionContext struct {
	ExceptionType string  `json:"exception_type,omitempty"`
	File          string  `json:"file,omitempty"`
	Line          int     `json:"line,omitempty"`
	Excerpt       string  `json:"excerpt,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
}

// TestFailureContext describes one failing test.
type TestFailureContext struct {
	TestName    string `json:"test_name"`
	FailedCount int    `json:"failed_count,omitempty"`
	PassedCount int    `json:"passed_count,omitempty"`
	Excerpt     string `json:"excerpt,omitempty"`
	FromStartup bool   `json:"from_startup,omitempty"`
	TestCommand string `json:"test_command,omitempty"`
}

// TestFlakyContext describes a test that alternates between passing and failing.
type TestFlakyContext struct {
	TestName  string `json:"test_name"`
	Failures  int    `json:"failures"`
	Passes    int    `json:"passes"`
	RunWindow int    `json:"run_window"`
}

// CoverageDropContext describes a drop in reported coverage.
type CoverageDropContext struct {
	PreviousPercent float64 `json:"previous_percent"`
	CurrentPercent  float64 `json:"current_percent"`
}

// CIFailureContext describes a failed CI workflow run.
type CIFailureContext struct {
	RunID      string `json:"run_id,omitempty"`
	Workflow   string `json:"workflow,omitempty"`
	Branch     string `json:"branch,omitempty"`
	Conclusion string `json:"conclusion,omitempty"`
	URL        string `json:"url,omitempty"`
}

// PRCheckFailedContext describes a failing pull request check.
type PRCheckFailedContext struct {
	PRNumber  int    `json:"pr_number,omitempty"`
	CheckName string `json:"check_name"`
	State     string `json:"state,omitempty"`
	URL       string `json:"url,omitempty"`
}

// PushFailedContext describes a rejected or failed push.
type PushFailedContext struct {
	Remote  string `json:"remote,omitempty"`
	Branch  string `json:"branch,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Excerpt string `json:"excerpt,omitempty"`
}

// UnusualPatternContext carries the advisory analyzer's verdict.
type UnusualPatternContext struct {
	Description string    `json:"description,omitempty"`
	Reasoning   string    `json:"reasoning,omitempty"`
	Confidence  float64   `json:"confidence"`
	Model       string    `json:"model,omitempty"`
	AnalyzedAt  time.Time `json:"analyzed_at,omitempty"`
}

// InvestigationContext carries a workflow health issue that has no more
// specific anomaly type.
type InvestigationContext struct {
	IssueType  string            `json:"issue_type"`
	Message    string            `json:"message,omitempty"`
	Confidence float64           `json:"confidence"`
	Details    map[string]string `json:"details,omitempty"`
}

func (*AgentErrorContext) AnomalyType() AnomalyType     { return AnomalyAgentError }
func (*AgentLoopContext) AnomalyType() AnomalyType      { return AnomalyAgentLoop }
func (*AgentStuckContext) AnomalyType() AnomalyType     { return AnomalyAgentStuck }
func (*ExceptionContext) AnomalyType() AnomalyType      { return AnomalyException }
func (*TestFailureContext) AnomalyType() AnomalyType    { return AnomalyTestFailure }
func (*TestFlakyContext) AnomalyType() AnomalyType      { return AnomalyTestFlaky }
func (*CoverageDropContext) AnomalyType() AnomalyType   { return AnomalyCoverageDrop }
func (*CIFailureContext) AnomalyType() AnomalyType      { return AnomalyCIFailure }
func (*PRCheckFailedContext) AnomalyType() AnomalyType  { return AnomalyPRCheckFailed }
func (*PushFailedContext) AnomalyType() AnomalyType     { return AnomalyPushFailed }
func (*UnusualPatternContext) AnomalyType() AnomalyType { return AnomalyUnusualPattern }
func (*InvestigationContext) AnomalyType() AnomalyType  { return AnomalyRecommendedInvestigation }

func (*AgentErrorContext) isTaskContext()     {}
func (*AgentLoopContext) isTaskContext()      {}
func (*AgentStuckContext) isTaskContext()     {}
func (*ExceptionContext) isTaskContext()      {}
func (*TestFailureContext) isTaskContext()    {}
func (*TestFlakyContext) isTaskContext()      {}
func (*CoverageDropContext) isTaskContext()   {}
func (*CIFailureContext) isTaskContext()      {}
func (*PRCheckFailedContext) isTaskContext()  {}
func (*PushFailedContext) isTaskContext()     {}
func (*UnusualPatternContext) isTaskContext() {}
func (*InvestigationContext) isTaskContext()  {}

// taskJSON shadows the interface-typed Context so it can be decoded by
// anomaly type.
type taskAlias Task

type taskJSON struct {
	*taskAlias
	Context json.RawMessage `json:"context,omitempty"`
}

// UnmarshalJSON decodes a task and picks the context variant from anomaly_type.
func (t *Task) UnmarshalJSON(data []byte) error {
	aux := taskJSON{taskAlias: (*taskAlias)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	ctx, err := DecodeContext(t.AnomalyType, aux.Context)
	if err != nil {
		return err
	}
	t.Context = ctx
	return nil
}

// UnmarshalJSON is required because the promoted Task.UnmarshalJSON would
// otherwise swallow the archive fields.
func (a *ArchivedTask) UnmarshalJSON(data []byte) error {
	if err := a.Task.UnmarshalJSON(data); err != nil {
		return err
	}
	var meta struct {
		ArchivedAt    time.Time     `json:"archived_at"`
		ArchiveReason ArchiveReason `json:"archive_reason"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return err
	}
	a.ArchivedAt = meta.ArchivedAt
	a.ArchiveReason = meta.ArchiveReason
	return nil
}

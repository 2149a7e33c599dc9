package health

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/overseer/internal/events"
)

// loopWindow is how many recent milestones loop detection looks at.
const loopWindow = 20

// commandsWithOutputs always produce outputs on COMPLETE.
var commandsWithOutputs = map[string]bool{
	"ideate": true,
	"plan":   true,
	"build":  true,
}

// Input is what a detector sees.
type Input struct {
	State      *WorkflowState
	Entries    []events.ParsedLogEntry
	Now        time.Time
	Thresholds Thresholds
}

// Detector scores one kind of problem.
type Detector interface {
	Name() string
	Detect(in Input) []Issue
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc struct {
	ID string
	Fn func(in Input) []Issue
}

// Name returns the detector id
func (d DetectorFunc) Name() string { return d.ID }

// Detect runs the function
func (d DetectorFunc) Detect(in Input) []Issue { return d.Fn(in) }

// DefaultDetectors returns the standard battery in reporting order.
func DefaultDetectors() []Detector {
	return []Detector{
		DetectorFunc{"loop", detectLoop},
		DetectorFunc{"phase_stuck", detectPhaseStuck},
		DetectorFunc{"regression", detectRegression},
		DetectorFunc{"phase_order", detectPhaseOrder},
		DetectorFunc{"chain", detectChainBroken},
		DetectorFunc{"tdd", detectTDDViolation},
		DetectorFunc{"explicit_failure", detectExplicitFailures},
		DetectorFunc{"agent_failure", detectAgentFailures},
		DetectorFunc{"iron_law", detectIronLaw},
		DetectorFunc{"silence", detectSilence},
		DetectorFunc{"missing_milestones", detectMissingMilestones},
		DetectorFunc{"velocity", detectDecliningVelocity},
		DetectorFunc{"incomplete_outputs", detectIncompleteOutputs},
		DetectorFunc{"agent_silence", detectAgentSilence},
		DetectorFunc{"abrupt_stop", detectAbruptStop},
		DetectorFunc{"partial_completion", detectPartialCompletion},
		DetectorFunc{"agent_abandoned", detectAgentAbandoned},
	}
}

// LoopConfidence scores a run of repeated milestones.
func LoopConfidence(repeats int) float64 {
	return math.Min(0.98, 0.75+0.04*float64(repeats))
}

func detectLoop(in Input) []Issue {
	ms := in.State.Milestones
	if len(ms) > loopWindow {
		ms = ms[len(ms)-loopWindow:]
	}
	if len(ms) == 0 {
		return nil
	}
	last := ms[len(ms)-1].Signature()
	repeats := 0
	for i := len(ms) - 1; i >= 0 && ms[i].Signature() == last; i-- {
		repeats++
	}
	if repeats < in.Thresholds.LoopRepeats {
		return nil
	}
	m := ms[len(ms)-1]
	return []Issue{{
		Type:       IssueLoopDetected,
		Confidence: LoopConfidence(repeats),
		Message:    fmt.Sprintf("milestone %q repeated %d times in a row", m.Name, repeats),
		Context: map[string]string{
			"signature": last,
			"repeats":   strconv.Itoa(repeats),
			"phase":     m.Phase,
		},
	}}
}

func detectPhaseStuck(in Input) []Issue {
	s := in.State
	if s.CurrentPhase == "" || s.PhaseDone || s.PhaseStart.IsZero() {
		return nil
	}
	elapsed := in.Now.Sub(s.PhaseStart)
	if elapsed <= in.Thresholds.PhaseStuck {
		return nil
	}
	return []Issue{{
		Type:       IssuePhaseStuck,
		Confidence: 0.8,
		Message:    fmt.Sprintf("phase %s of %s running for %s without completing", s.CurrentPhase, s.CurrentCmd, roundDuration(elapsed)),
		Context:    map[string]string{"phase": s.CurrentPhase, "cmd": s.CurrentCmd, "elapsed": roundDuration(elapsed)},
	}}
}

func detectRegression(in Input) []Issue {
	var issues []Issue
	var lastComplete *events.ParsedLogEntry
	for i := range in.Entries {
		e := in.Entries[i]
		switch e.Event {
		case events.EventPhaseComplete:
			lastComplete = &in.Entries[i]
		case events.EventFailed:
			if lastComplete == nil {
				continue
			}
			issues = append(issues, Issue{
				Type:       IssueRegression,
				Confidence: 0.9,
				Message: fmt.Sprintf("%s failed after %s phase %s had completed",
					describe(e), lastComplete.Cmd, lastComplete.Phase),
				Context: map[string]string{
					"cmd":             e.Cmd,
					"phase":           e.Phase,
					"completed_phase": lastComplete.Phase,
					"line":            strconv.Itoa(e.Line),
				},
			})
		}
	}
	return issues
}

func detectPhaseOrder(in Input) []Issue {
	var issues []Issue
	for _, p := range in.State.OrderProblems {
		issues = append(issues, Issue{
			Type:       IssuePhaseOutOfOrder,
			Confidence: 0.85,
			Message:    p.Reason,
			Context:    map[string]string{"cmd": p.Cmd, "phase": p.Phase, "line": strconv.Itoa(p.Line)},
		})
	}
	return issues
}

func detectChainBroken(in Input) []Issue {
	var issues []Issue
	for _, cs := range in.State.ChainStarts {
		if cs.PredecessorComplete {
			continue
		}
		preds := strings.Join(chainPredecessors[cs.Cmd], " or ")
		issue := Issue{
			Type:       IssueChainBroken,
			Confidence: 0.8,
			Message:    fmt.Sprintf("%s started before %s completed", cs.Cmd, preds),
			Context:    map[string]string{"cmd": cs.Cmd, "requires": preds, "line": strconv.Itoa(cs.Line)},
		}
		if !cs.PredecessorSeen {
			// Without any evidence of the predecessor the history may just
			// be incomplete.
			issue.Confidence = 0.6
			issue.Message = fmt.Sprintf("%s started with no record of %s", cs.Cmd, preds)
		}
		issues = append(issues, issue)
	}
	return issues
}

func detectTDDViolation(in Input) []Issue {
	var issues []Issue
	for _, p := range in.State.TDDProblems {
		issues = append(issues, Issue{
			Type:       IssueTDDViolation,
			Confidence: 0.95,
			Message:    p.Reason,
			Context:    map[string]string{"cmd": p.Cmd, "phase": p.Phase, "line": strconv.Itoa(p.Line)},
		})
	}
	return issues
}

func detectExplicitFailures(in Input) []Issue {
	var issues []Issue
	for _, e := range in.Entries {
		if e.Event != events.EventFailed {
			continue
		}
		msg := describe(e) + " failed"
		if reason := firstNonEmpty(e.DataString("error"), e.DataString("reason"), e.DataString("message")); reason != "" {
			msg += ": " + reason
		}
		issues = append(issues, Issue{
			Type:       IssueExplicitFailure,
			Confidence: 0.95,
			Message:    msg,
			Context:    map[string]string{"cmd": e.Cmd, "phase": e.Phase, "line": strconv.Itoa(e.Line)},
		})
	}
	return issues
}

func detectAgentFailures(in Input) []Issue {
	var issues []Issue
	for _, e := range in.Entries {
		if e.Event != events.EventAgentComplete || !e.AgentFailed() {
			continue
		}
		issues = append(issues, Issue{
			Type:       IssueAgentFailure,
			Confidence: 0.92,
			Message:    fmt.Sprintf("agent %s reported %s", agentLabel(e), e.DataString("status")),
			Context: map[string]string{
				"agent_id": e.AgentID(),
				"cmd":      e.Cmd,
				"phase":    e.Phase,
				"line":     strconv.Itoa(e.Line),
			},
		})
	}
	return issues
}

func detectIronLaw(in Input) []Issue {
	counts := make(map[string]int)
	details := make(map[string]string)
	var order []string
	for _, e := range in.Entries {
		if e.Event != events.EventIronLawCheck {
			continue
		}
		for _, v := range e.Violations() {
			if counts[v.Rule] == 0 {
				order = append(order, v.Rule)
			}
			counts[v.Rule]++
			if v.Detail != "" {
				details[v.Rule] = v.Detail
			}
		}
	}

	var issues []Issue
	for _, rule := range order {
		n := counts[rule]
		issue := Issue{
			Type:       IssueIronLawViolation,
			Confidence: 0.85,
			Message:    fmt.Sprintf("iron law %q violated", rule),
			Context:    map[string]string{"rule": rule, "count": strconv.Itoa(n)},
		}
		if n >= 2 {
			issue.Type = IssueIronLawRepeated
			issue.Confidence = 0.95
			issue.Message = fmt.Sprintf("iron law %q violated %d times", rule, n)
		}
		if d := details[rule]; d != "" {
			issue.Context["detail"] = d
		}
		issues = append(issues, issue)
	}
	return issues
}

func detectSilence(in Input) []Issue {
	s := in.State
	if !s.Active() || s.LastActivity.IsZero() {
		return nil
	}
	quiet := in.Now.Sub(s.LastActivity)
	if quiet <= in.Thresholds.Silence {
		return nil
	}
	return []Issue{{
		Type:       IssueSilence,
		Confidence: 0.7,
		Message:    fmt.Sprintf("no activity for %s while %s is running", roundDuration(quiet), position(s)),
		Context:    map[string]string{"cmd": s.CurrentCmd, "phase": s.CurrentPhase, "quiet": roundDuration(quiet)},
	}}
}

func detectMissingMilestones(in Input) []Issue {
	var issues []Issue
	for _, pc := range in.State.PhaseCompletions {
		want, ok := requiredMilestones[pc.Phase]
		if !ok || pc.Milestones >= want {
			continue
		}
		issues = append(issues, Issue{
			Type:       IssueMissingMilestones,
			Confidence: 0.75,
			Message:    fmt.Sprintf("phase %s completed with %d of %d required milestones", pc.Phase, pc.Milestones, want),
			Context: map[string]string{
				"cmd":      pc.Cmd,
				"phase":    pc.Phase,
				"got":      strconv.Itoa(pc.Milestones),
				"required": strconv.Itoa(want),
				"line":     strconv.Itoa(pc.Line),
			},
		})
	}
	return issues
}

func detectDecliningVelocity(in Input) []Issue {
	ms := in.State.Milestones
	if n := in.State.RunMilestones; n < len(ms) {
		ms = ms[len(ms)-n:]
	}
	if len(ms) < 5 {
		return nil
	}
	gaps := make([]float64, 0, len(ms)-1)
	for i := 1; i < len(ms); i++ {
		gaps = append(gaps, ms[i].At.Sub(ms[i-1].At).Seconds())
	}
	half := len(gaps) / 2
	early, late := mean(gaps[:half]), mean(gaps[half:])
	if late <= 0 || late < 2*early {
		return nil
	}
	return []Issue{{
		Type:       IssueDecliningVelocity,
		Confidence: 0.65,
		Message: fmt.Sprintf("milestones are slowing down: mean gap %s, was %s",
			roundDuration(seconds(late)), roundDuration(seconds(early))),
		Context: map[string]string{
			"early_mean_seconds": strconv.FormatFloat(early, 'f', 1, 64),
			"late_mean_seconds":  strconv.FormatFloat(late, 'f', 1, 64),
			"gaps":               strconv.Itoa(len(gaps)),
		},
	}}
}

func detectIncompleteOutputs(in Input) []Issue {
	var issues []Issue
	for _, e := range in.Entries {
		if e.Event != events.EventComplete || e.Agent != nil {
			continue
		}
		cmd := strings.ToLower(e.Cmd)
		if !commandsWithOutputs[cmd] {
			continue
		}
		if outputs, _ := e.DataList("outputs"); len(outputs) > 0 {
			continue
		}
		issues = append(issues, Issue{
			Type:       IssueIncompleteOutputs,
			Confidence: 0.75,
			Message:    fmt.Sprintf("%s completed without listing any outputs", cmd),
			Context:    map[string]string{"cmd": cmd, "line": strconv.Itoa(e.Line)},
		})
	}
	return issues
}

func detectAgentSilence(in Input) []Issue {
	var issues []Issue
	for _, a := range sortedAgents(in.State) {
		if a.Completed || a.Activity > 0 {
			continue
		}
		quiet := in.Now.Sub(a.LastActivity)
		if quiet <= in.Thresholds.AgentSilence {
			continue
		}
		issues = append(issues, Issue{
			Type:       IssueAgentSilence,
			Confidence: 0.7,
			Message:    fmt.Sprintf("agent %s spawned %s ago and has not reported any activity", a.ID, roundDuration(quiet)),
			Context:    map[string]string{"agent_id": a.ID, "agent_type": a.Type, "quiet": roundDuration(quiet)},
		})
	}
	return issues
}

func detectAbruptStop(in Input) []Issue {
	s := in.State
	if s.CurrentCmd == "" || s.CmdDone || s.RunMilestones == 0 || s.LastActivity.IsZero() {
		return nil
	}
	quiet := in.Now.Sub(s.LastActivity)
	if quiet <= in.Thresholds.AbruptStop {
		return nil
	}
	return []Issue{{
		Type:       IssueAbruptStop,
		Confidence: 0.85,
		Message: fmt.Sprintf("%s stopped after %d milestones; nothing logged for %s",
			s.CurrentCmd, s.RunMilestones, roundDuration(quiet)),
		Context: map[string]string{
			"cmd":        s.CurrentCmd,
			"milestones": strconv.Itoa(s.RunMilestones),
			"quiet":      roundDuration(quiet),
		},
	}}
}

func detectPartialCompletion(in Input) []Issue {
	s := in.State
	if len(s.CompletedPhases) == 0 || s.CurrentPhase == "" || s.PhaseDone || s.PhaseStart.IsZero() {
		return nil
	}
	elapsed := in.Now.Sub(s.PhaseStart)
	if elapsed <= in.Thresholds.PhaseStuck {
		return nil
	}
	return []Issue{{
		Type:       IssuePartialCompletion,
		Confidence: 0.8,
		Message: fmt.Sprintf("%s completed %s but %s has stalled for %s",
			s.CurrentCmd, strings.Join(s.CompletedPhases, ", "), s.CurrentPhase, roundDuration(elapsed)),
		Context: map[string]string{
			"cmd":       s.CurrentCmd,
			"phase":     s.CurrentPhase,
			"completed": strings.Join(s.CompletedPhases, ","),
		},
	}}
}

func detectAgentAbandoned(in Input) []Issue {
	var issues []Issue
	for _, a := range sortedAgents(in.State) {
		if a.Completed || a.Activity == 0 {
			continue
		}
		age := in.Now.Sub(a.SpawnedAt)
		if age <= in.Thresholds.AgentAbandon {
			continue
		}
		issues = append(issues, Issue{
			Type:       IssueAgentAbandoned,
			Confidence: 0.8,
			Message:    fmt.Sprintf("agent %s started %s ago and never completed", a.ID, roundDuration(age)),
			Context: map[string]string{
				"agent_id":   a.ID,
				"agent_type": a.Type,
				"activity":   strconv.Itoa(a.Activity),
			},
		})
	}
	return issues
}

func sortedAgents(s *WorkflowState) []*AgentState {
	agents := make([]*AgentState, 0, len(s.Agents))
	for _, a := range s.Agents {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool {
		if !agents[i].SpawnedAt.Equal(agents[j].SpawnedAt) {
			return agents[i].SpawnedAt.Before(agents[j].SpawnedAt)
		}
		return agents[i].ID < agents[j].ID
	})
	return agents
}

func describe(e events.ParsedLogEntry) string {
	if e.Phase != "" {
		return e.Cmd + "/" + e.Phase
	}
	return e.Cmd
}

func position(s *WorkflowState) string {
	if s.CurrentPhase != "" {
		return s.CurrentCmd + "/" + s.CurrentPhase
	}
	return s.CurrentCmd
}

func agentLabel(e events.ParsedLogEntry) string {
	if e.Agent == nil {
		return "(unknown)"
	}
	if e.Agent.Type != "" {
		return e.Agent.ID + " (" + e.Agent.Type + ")"
	}
	return e.Agent.ID
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func roundDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}

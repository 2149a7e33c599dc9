package health

import (
	"strings"
	"time"

	"github.com/steveyegge/overseer/internal/events"
)

// Phases of the build cycle, in order.
const (
	PhaseRed      = "RED"
	PhaseGreen    = "GREEN"
	PhaseRefactor = "REFACTOR"
)

var phaseOrdinal = map[string]int{
	PhaseRed:      1,
	PhaseGreen:    2,
	PhaseRefactor: 3,
}

// requiredMilestones is the minimum number of milestones a phase must
// record before PHASE_COMPLETE.
var requiredMilestones = map[string]int{
	PhaseRed:      1,
	PhaseGreen:    2,
	PhaseRefactor: 1,
}

// chainPredecessors lists, for a top-level command, the commands of which
// at least one must have completed before it starts.
var chainPredecessors = map[string][]string{
	"build": {"plan", "ideate"},
	"ship":  {"build"},
}

// ChainStatus is the progress of one top-level command.
type ChainStatus string

const (
	ChainPending    ChainStatus = "pending"
	ChainInProgress ChainStatus = "in_progress"
	ChainComplete   ChainStatus = "complete"
	ChainFailed     ChainStatus = "failed"
)

// AgentState tracks one sub-agent.
type AgentState struct {
	ID           string    `json:"id"`
	Type         string    `json:"type,omitempty"`
	SpawnedAt    time.Time `json:"spawned_at"`
	LastActivity time.Time `json:"last_activity"`
	// Activity counts agent-tagged entries after the spawn.
	Activity  int  `json:"activity"`
	Completed bool `json:"completed"`
	Failed    bool `json:"failed"`
}

// Milestone is one MILESTONE entry.
type Milestone struct {
	Cmd   string    `json:"cmd"`
	Phase string    `json:"phase,omitempty"`
	Name  string    `json:"name"`
	At    time.Time `json:"at"`
}

// Signature identifies repeated milestones.
func (m Milestone) Signature() string {
	return strings.ToLower(m.Cmd) + "|" + strings.ToUpper(m.Phase) + "|" +
		strings.ToLower(strings.Join(strings.Fields(m.Name), " "))
}

// PhaseCompletion records a PHASE_COMPLETE and how many milestones its
// phase logged.
type PhaseCompletion struct {
	Cmd        string    `json:"cmd"`
	Phase      string    `json:"phase"`
	Milestones int       `json:"milestones"`
	At         time.Time `json:"at"`
	Line       int       `json:"line"`
}

// ChainStart records a top-level command START and what its predecessors
// looked like at that moment.
type ChainStart struct {
	Cmd string    `json:"cmd"`
	At  time.Time `json:"at"`
	// PredecessorSeen is true when any predecessor was ever started.
	PredecessorSeen bool `json:"predecessor_seen"`
	// PredecessorComplete is true when any predecessor had completed.
	PredecessorComplete bool `json:"predecessor_complete"`
	Line                int  `json:"line"`
}

// PhaseEvent is an ordering problem noticed while folding phase starts.
type PhaseEvent struct {
	Cmd    string    `json:"cmd"`
	Phase  string    `json:"phase"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
	Line   int       `json:"line"`
}

// WorkflowState is the derived position of the workflow after folding
// every entry.
type WorkflowState struct {
	CurrentCmd   string    `json:"current_cmd,omitempty"`
	CmdStart     time.Time `json:"cmd_start"`
	CmdDone      bool      `json:"cmd_done"`
	CurrentPhase string    `json:"current_phase,omitempty"`
	PhaseStart   time.Time `json:"phase_start"`
	PhaseDone    bool      `json:"phase_done"`
	LastActivity time.Time `json:"last_activity"`

	// Milestones holds every milestone in log order.
	Milestones []Milestone `json:"milestones,omitempty"`
	// RunMilestones counts milestones since the current command started.
	RunMilestones int `json:"run_milestones"`
	// CompletedPhases lists phases completed since the current command started.
	CompletedPhases []string `json:"completed_phases,omitempty"`

	Agents map[string]*AgentState `json:"agents,omitempty"`
	Chain  map[string]ChainStatus `json:"chain,omitempty"`

	PhaseCompletions []PhaseCompletion `json:"phase_completions,omitempty"`
	ChainStarts      []ChainStart      `json:"chain_starts,omitempty"`
	OrderProblems    []PhaseEvent      `json:"order_problems,omitempty"`
	TDDProblems      []PhaseEvent      `json:"tdd_problems,omitempty"`

	// cycle state for phase ordering within the current build cycle
	redSinceCmdStart bool
	cycleHighest     int
	cycleSeen        map[string]bool
	phaseMilestones  int
}

// ActiveAgents returns agents that have not completed.
func (s *WorkflowState) ActiveAgents() []*AgentState {
	var out []*AgentState
	for _, a := range s.Agents {
		if !a.Completed {
			out = append(out, a)
		}
	}
	return out
}

// Active reports whether a command or phase is still running.
func (s *WorkflowState) Active() bool {
	return (s.CurrentCmd != "" && !s.CmdDone) || (s.CurrentPhase != "" && !s.PhaseDone)
}

// Fold builds the workflow state from entries in log order.
func Fold(entries []events.ParsedLogEntry) WorkflowState {
	s := WorkflowState{
		Agents: make(map[string]*AgentState),
		Chain:  make(map[string]ChainStatus),
	}
	for _, e := range entries {
		s.apply(e)
	}
	return s
}

func (s *WorkflowState) apply(e events.ParsedLogEntry) {
	if e.Timestamp.After(s.LastActivity) {
		s.LastActivity = e.Timestamp
	}
	cmd := strings.ToLower(e.Cmd)
	phase := strings.ToUpper(e.Phase)

	s.trackAgent(e)

	switch e.Event {
	case events.EventStart:
		if e.Agent != nil {
			// Agent-tagged STARTs belong to the sub-agent, not the workflow.
			return
		}
		s.startCommand(cmd, e)
	case events.EventComplete:
		if e.Agent != nil {
			return
		}
		s.Chain[cmd] = ChainComplete
		if cmd == s.CurrentCmd {
			s.CmdDone = true
			s.PhaseDone = true
		}
	case events.EventFailed:
		if e.Agent != nil {
			return
		}
		if phase != "" && phase == s.CurrentPhase && cmd == s.CurrentCmd {
			s.PhaseDone = true
			return
		}
		s.Chain[cmd] = ChainFailed
		if cmd == s.CurrentCmd {
			s.CmdDone = true
			s.PhaseDone = true
		}
	case events.EventPhaseStart:
		s.startPhase(cmd, phase, e)
	case events.EventPhaseComplete:
		s.PhaseCompletions = append(s.PhaseCompletions, PhaseCompletion{
			Cmd:        cmd,
			Phase:      phase,
			Milestones: s.phaseMilestones,
			At:         e.Timestamp,
			Line:       e.Line,
		})
		if phase == s.CurrentPhase {
			s.PhaseDone = true
		}
		s.CompletedPhases = append(s.CompletedPhases, phase)
		s.phaseMilestones = 0
	case events.EventMilestone:
		s.Milestones = append(s.Milestones, Milestone{
			Cmd:   cmd,
			Phase: phase,
			Name:  e.MilestoneName(),
			At:    e.Timestamp,
		})
		s.RunMilestones++
		s.phaseMilestones++
	}
}

func (s *WorkflowState) startCommand(cmd string, e events.ParsedLogEntry) {
	if preds, ok := chainPredecessors[cmd]; ok {
		cs := ChainStart{Cmd: cmd, At: e.Timestamp, Line: e.Line}
		for _, p := range preds {
			status, seen := s.Chain[p]
			if seen {
				cs.PredecessorSeen = true
			}
			if status == ChainComplete {
				cs.PredecessorComplete = true
			}
		}
		s.ChainStarts = append(s.ChainStarts, cs)
	}

	s.Chain[cmd] = ChainInProgress
	s.CurrentCmd = cmd
	s.CmdStart = e.Timestamp
	s.CmdDone = false
	s.CurrentPhase = ""
	s.PhaseStart = time.Time{}
	s.PhaseDone = false
	s.RunMilestones = 0
	s.CompletedPhases = nil
	s.redSinceCmdStart = false
	s.cycleHighest = 0
	s.cycleSeen = nil
	s.phaseMilestones = 0
}

func (s *WorkflowState) startPhase(cmd, phase string, e events.ParsedLogEntry) {
	ord, ordered := phaseOrdinal[phase]
	if ordered {
		switch {
		case phase == PhaseRed:
			s.redSinceCmdStart = true
			s.cycleHighest = ord
			s.cycleSeen = map[string]bool{PhaseRed: true}
		case phase == PhaseGreen && !s.redSinceCmdStart:
			s.TDDProblems = append(s.TDDProblems, PhaseEvent{
				Cmd: cmd, Phase: phase, At: e.Timestamp, Line: e.Line,
				Reason: "GREEN started without a RED phase in this build",
			})
		case phase == PhaseRefactor && !s.cycleSeen[PhaseGreen]:
			s.OrderProblems = append(s.OrderProblems, PhaseEvent{
				Cmd: cmd, Phase: phase, At: e.Timestamp, Line: e.Line,
				Reason: "REFACTOR started without GREEN in this cycle",
			})
		case ord < s.cycleHighest:
			s.OrderProblems = append(s.OrderProblems, PhaseEvent{
				Cmd: cmd, Phase: phase, At: e.Timestamp, Line: e.Line,
				Reason: phase + " restarted after a later phase",
			})
		}
		if s.cycleSeen == nil {
			s.cycleSeen = make(map[string]bool)
		}
		s.cycleSeen[phase] = true
		if ord > s.cycleHighest {
			s.cycleHighest = ord
		}
	}

	if s.CurrentCmd == "" && cmd != "" {
		s.CurrentCmd = cmd
		s.CmdStart = e.Timestamp
	}
	s.CurrentPhase = phase
	s.PhaseStart = e.Timestamp
	s.PhaseDone = false
	s.phaseMilestones = 0
}

func (s *WorkflowState) trackAgent(e events.ParsedLogEntry) {
	id := e.AgentID()
	if id == "" {
		return
	}
	a, known := s.Agents[id]
	if !known {
		// AGENT_SPAWN or an agent-tagged START introduces an agent; any
		// other tagged entry for an unknown id does too, so it is tracked.
		a = &AgentState{ID: id, Type: e.Agent.Type, SpawnedAt: e.Timestamp, LastActivity: e.Timestamp}
		s.Agents[id] = a
		if e.Event == events.EventAgentSpawn || e.Event == events.EventStart {
			return
		}
	}
	if a.Type == "" {
		a.Type = e.Agent.Type
	}
	if e.Event == events.EventAgentSpawn {
		// Respawn of a known id restarts its clock.
		*a = AgentState{ID: id, Type: a.Type, SpawnedAt: e.Timestamp, LastActivity: e.Timestamp}
		return
	}
	if e.Timestamp.After(a.LastActivity) {
		a.LastActivity = e.Timestamp
	}
	if e.Event == events.EventAgentComplete {
		a.Completed = true
		a.Failed = e.AgentFailed()
		return
	}
	a.Activity++
}

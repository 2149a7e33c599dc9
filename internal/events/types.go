package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventKind is the kind of a workflow event log entry.
type EventKind string

const (
	// EventStart marks a top-level command starting
	EventStart EventKind = "START"
	// EventComplete marks a top-level command finishing successfully
	EventComplete EventKind = "COMPLETE"
	// EventFailed marks a command or phase failing
	EventFailed EventKind = "FAILED"
	// EventPhaseStart marks a phase (RED, GREEN, REFACTOR, ...) starting
	EventPhaseStart EventKind = "PHASE_START"
	// EventPhaseComplete marks a phase finishing
	EventPhaseComplete EventKind = "PHASE_COMPLETE"
	// EventMilestone records a unit of verified progress within a phase
	EventMilestone EventKind = "MILESTONE"
	// EventAgentSpawn records a sub-agent being started
	EventAgentSpawn EventKind = "AGENT_SPAWN"
	// EventAgentComplete records a sub-agent finishing, successfully or not
	EventAgentComplete EventKind = "AGENT_COMPLETE"
	// EventIronLawCheck carries the result of a process rule check
	EventIronLawCheck EventKind = "IRON_LAW_CHECK"
)

// IsKnown reports whether the kind is one of the defined event kinds.
func (k EventKind) IsKnown() bool {
	switch k {
	case EventStart, EventComplete, EventFailed, EventPhaseStart, EventPhaseComplete,
		EventMilestone, EventAgentSpawn, EventAgentComplete, EventIronLawCheck:
		return true
	}
	return false
}

// AgentRef identifies the sub-agent that produced an entry.
type AgentRef struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
}

// ParsedLogEntry is one line of the append-only workflow event log.
type ParsedLogEntry struct {
	Timestamp time.Time      `json:"ts"`
	Cmd       string         `json:"cmd"`
	Phase     string         `json:"phase,omitempty"`
	Event     EventKind      `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
	Agent     *AgentRef      `json:"agent,omitempty"`

	// Offset is the byte offset of the line in the log file.
	Offset int64 `json:"-"`
	// Line is the 1-based line number in the log file.
	Line int `json:"-"`
}

var errMissingField = errors.New("missing required field")

// ParseLine decodes one log line. Lines that are not JSON objects, or that
// lack a timestamp or event kind, are rejected.
func ParseLine(line []byte) (ParsedLogEntry, error) {
	var e ParsedLogEntry
	if err := json.Unmarshal(line, &e); err != nil {
		return ParsedLogEntry{}, fmt.Errorf("invalid log entry: %w", err)
	}
	if e.Timestamp.IsZero() {
		return ParsedLogEntry{}, fmt.Errorf("%w: ts", errMissingField)
	}
	if e.Event == "" {
		return ParsedLogEntry{}, fmt.Errorf("%w: event", errMissingField)
	}
	e.Event = EventKind(strings.ToUpper(string(e.Event)))
	return e, nil
}

// DataString returns data[key] when it is a string
func (e ParsedLogEntry) DataString(key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// DataList returns data[key] when it is an array. present is false if the
// key is absent.
func (e ParsedLogEntry) DataList(key string) (list []any, present bool) {
	if e.Data == nil {
		return nil, false
	}
	v, ok := e.Data[key]
	if !ok {
		return nil, false
	}
	list, _ = v.([]any)
	return list, true
}

// MilestoneName is data.name for MILESTONE entries.
func (e ParsedLogEntry) MilestoneName() string {
	return e.DataString("name")
}

// AgentFailed reports whether an AGENT_COMPLETE entry carries a failed status.
func (e ParsedLogEntry) AgentFailed() bool {
	switch strings.ToLower(e.DataString("status")) {
	case "failed", "error":
		return true
	}
	return false
}

// AgentID returns the agent id, or "" when the entry is not agent-tagged.
func (e ParsedLogEntry) AgentID() string {
	if e.Agent == nil {
		return ""
	}
	return e.Agent.ID
}

// Violation is one rule broken in an IRON_LAW_CHECK entry.
type Violation struct {
	Rule   string
	Detail string
}

// Violations reads data.violations, which holds rule ids or
// {"rule": id, "detail": ...} objects.
func (e ParsedLogEntry) Violations() []Violation {
	list, _ := e.DataList("violations")
	var out []Violation
	for _, item := range list {
		switch v := item.(type) {
		case string:
			if v != "" {
				out = append(out, Violation{Rule: v})
			}
		case map[string]any:
			rule, _ := v["rule"].(string)
			if rule == "" {
				rule, _ = v["id"].(string)
			}
			if rule == "" {
				continue
			}
			detail, _ := v["detail"].(string)
			out = append(out, Violation{Rule: rule, Detail: detail})
		}
	}
	return out
}

// Filter selects entries in QueryLast. Empty fields match anything.
type Filter struct {
	Cmd   string
	Event EventKind
	Phase string
}

// Matches reports whether e passes the filter
func (f Filter) Matches(e ParsedLogEntry) bool {
	if f.Cmd != "" && !strings.EqualFold(f.Cmd, e.Cmd) {
		return false
	}
	if f.Event != "" && f.Event != e.Event {
		return false
	}
	if f.Phase != "" && !strings.EqualFold(f.Phase, e.Phase) {
		return false
	}
	return true
}

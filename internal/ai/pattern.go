package ai

import (
	"context"
	"fmt"
	"strings"
)

const (
	patternMaxTokens = 1500
	// maxPatternLines bounds how much recent activity goes into a prompt.
	maxPatternLines = 80
	maxLineLength   = 400
)

// PatternVerdict is the model's judgment on recent workflow activity.
type PatternVerdict struct {
	Detected       bool    `json:"detected"`
	Description    string  `json:"description"`
	Reasoning      string  `json:"reasoning"`
	Confidence     float64 `json:"confidence"`
	SuggestedAgent string  `json:"suggested_agent"`
}

// PatternRequest is the activity to review.
type PatternRequest struct {
	// RecentLines are raw event log lines, oldest first.
	RecentLines []string
	// Summary is the deterministic analyzer's one-line verdict.
	Summary string
	// KnownIssues are issues the deterministic detectors already reported,
	// so the model can skip them.
	KnownIssues []string
}

const patternSystemPrompt = `You review the event log of an automated coding workflow (commands ideate, plan, build, ship; build runs RED, GREEN and REFACTOR phases; sub-agents are spawned and complete).

Deterministic detectors already catch loops, stuck phases, failures, out-of-order phases and rule violations. Your job is to flag an UNUSUAL pattern they would miss, for example:
- the same file or test edited back and forth without converging
- milestones that claim progress while nothing observable changes
- agents spawned for work unrelated to the current phase
- a command that finished suspiciously fast for its scope

Do not re-report the known issues listed below. Normal, steady progress is not unusual.

Respond with a single JSON object and nothing else:
{
  "detected": true/false,
  "description": "one sentence naming the pattern",
  "reasoning": "why this is unusual, citing log lines",
  "confidence": 0.0-1.0,
  "suggested_agent": "debugger|test-fixer|ci-fixer|git-resolver"
}

Only set detected=true when you would bet on it; false positives interrupt a working session.`

// DetectUnusualPattern asks the model whether recent activity shows a
// problem the deterministic detectors miss.
func (s *Supervisor) DetectUnusualPattern(ctx context.Context, req PatternRequest) (*PatternVerdict, error) {
	if len(req.RecentLines) == 0 {
		return &PatternVerdict{}, nil
	}

	prompt := buildPatternPrompt(req)
	responseText, err := s.CallAI(ctx, prompt, "pattern-detection", "", patternMaxTokens)
	if err != nil {
		return nil, err
	}

	parseResult := Parse[PatternVerdict](responseText, DefaultParseOptions("pattern detection response"))
	if !parseResult.Success {
		return nil, fmt.Errorf("failed to parse pattern detection response: %s (response: %s)",
			parseResult.Error, truncate(responseText, 200))
	}

	verdict := parseResult.Data
	verdict.Confidence = clamp01(verdict.Confidence)
	verdict.Description = strings.TrimSpace(verdict.Description)
	if verdict.Detected && verdict.Description == "" {
		return nil, fmt.Errorf("pattern detection response flagged a pattern without describing it")
	}
	return &verdict, nil
}

func buildPatternPrompt(req PatternRequest) string {
	lines := req.RecentLines
	if len(lines) > maxPatternLines {
		lines = lines[len(lines)-maxPatternLines:]
	}

	var b strings.Builder
	b.WriteString(patternSystemPrompt)
	b.WriteString("\n\n---\n\n")
	if req.Summary != "" {
		fmt.Fprintf(&b, "**Deterministic verdict:** %s\n\n", req.Summary)
	}
	b.WriteString("**Known issues:**\n")
	if len(req.KnownIssues) == 0 {
		b.WriteString("- none\n")
	}
	for _, is := range req.KnownIssues {
		fmt.Fprintf(&b, "- %s\n", is)
	}
	fmt.Fprintf(&b, "\n**Last %d event log lines:**\n```\n", len(lines))
	for _, l := range lines {
		b.WriteString(truncate(l, maxLineLength))
		b.WriteByte('\n')
	}
	b.WriteString("```\n\nIs there an unusual pattern?")
	return b.String()
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Package rules matches raw agent output against loop and error signatures.
// Everything here is pure: no I/O, no clocks, no shared state.
package rules

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/steveyegge/overseer/internal/types"
)

// DefaultLoopThreshold is used when a caller passes a threshold below 2.
const DefaultLoopThreshold = 3

// Rule names reported in Match.Rule
const (
	RuleLoop            = "loop"
	RuleGoPanic         = "go_panic"
	RulePythonTraceback = "python_traceback"
	RuleNamedException  = "named_exception"
	RuleFatal           = "fatal"
	RuleGenericError    = "error"
)

// Match is one rule hit.
type Match struct {
	AnomalyType types.AnomalyType
	Rule        string
	Confidence  float64
	// Signature is the normalized form of the matched line.
	Signature string
	Line      string
	// RepeatCount is set for loop matches.
	RepeatCount   int
	File          string
	LineNumber    int
	ExceptionType string
	// Fatal marks errors that stop the agent outright.
	Fatal bool
}

type errorRule struct {
	name       string
	re         *regexp.Regexp
	anomaly    types.AnomalyType
	confidence float64
	fatal      bool
	// excGroup is the submatch index carrying the exception type, or 0.
	excGroup int
}

// Engine evaluates windows of raw lines
type Engine struct {
	errorRules []errorRule
}

var (
	timestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:z|[+-]\d{2}:?\d{2})?`)
	quotedRe    = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|` + "`[^`]*`")
	hexRe       = regexp.MustCompile(`\b0x[0-9a-f]+\b|\b[0-9a-f]{8,}\b`)
	numberRe    = regexp.MustCompile(`\d+(?:\.\d+)?`)
	spaceRe     = regexp.MustCompile(`\s+`)

	fileLineRe   = regexp.MustCompile(`([A-Za-z0-9_./\\-]+\.[A-Za-z0-9]+):(\d+)`)
	pyFileLineRe = regexp.MustCompile(`File "([^"]+)", line (\d+)`)
)

// NewEngine returns an engine with the built-in error rules, checked in order.
func NewEngine() *Engine {
	return &Engine{
		errorRules: []errorRule{
			{name: RuleGoPanic, re: regexp.MustCompile(`^\s*panic: `), anomaly: types.AnomalyException, confidence: 0.9},
			{name: RulePythonTraceback, re: regexp.MustCompile(`^\s*Traceback \(most recent call last\):`), anomaly: types.AnomalyException, confidence: 0.9},
			{name: RuleNamedException, re: regexp.MustCompile(`\b([A-Z][A-Za-z0-9_]*(?:Error|Exception)):`), anomaly: types.AnomalyException, confidence: 0.85, excGroup: 1},
			{name: RuleFatal, re: regexp.MustCompile(`^\s*(?i:fatal):|\bFATAL\b`), anomaly: types.AnomalyAgentError, confidence: 0.9, fatal: true},
			{name: RuleGenericError, re: regexp.MustCompile(`(?i)\berror:`), anomaly: types.AnomalyAgentError, confidence: 0.7},
		},
	}
}

// Normalize reduces a line to a signature that ignores volatile detail:
// case, timestamps, quoted strings, hex ids and numbers.
func Normalize(line string) string {
	s := strings.ToLower(strings.TrimSpace(line))
	s = timestampRe.ReplaceAllString(s, "<ts>")
	s = quotedRe.ReplaceAllString(s, "<str>")
	s = hexRe.ReplaceAllString(s, "<hex>")
	s = numberRe.ReplaceAllString(s, "<n>")
	s = spaceRe.ReplaceAllString(s, " ")
	return s
}

// LoopConfidence scales with the number of identical trailing signatures.
func LoopConfidence(repeats int) float64 {
	return math.Min(0.98, 0.5+0.1*float64(repeats))
}

// Evaluate checks the last line of window for a loop (trailing identical
// signatures, counting back through the window) and for error signatures.
// Blank lines are ignored.
func (e *Engine) Evaluate(window []string, threshold int) []Match {
	if threshold < 2 {
		threshold = DefaultLoopThreshold
	}

	last := -1
	for i := len(window) - 1; i >= 0; i-- {
		if strings.TrimSpace(window[i]) != "" {
			last = i
			break
		}
	}
	if last < 0 {
		return nil
	}

	current := window[last]
	sig := Normalize(current)
	var matches []Match

	repeats := 0
	for i := last; i >= 0; i-- {
		if strings.TrimSpace(window[i]) == "" {
			continue
		}
		if Normalize(window[i]) != sig {
			break
		}
		repeats++
	}
	if repeats >= threshold {
		matches = append(matches, Match{
			AnomalyType: types.AnomalyAgentLoop,
			Rule:        RuleLoop,
			Confidence:  LoopConfidence(repeats),
			Signature:   sig,
			Line:        current,
			RepeatCount: repeats,
		})
	}

	if m, ok := e.matchError(current, sig); ok {
		matches = append(matches, m)
	}
	return matches
}

// MatchError runs only the error rules against a single line.
func (e *Engine) MatchError(line string) (Match, bool) {
	if strings.TrimSpace(line) == "" {
		return Match{}, false
	}
	return e.matchError(line, Normalize(line))
}

func (e *Engine) matchError(line, sig string) (Match, bool) {
	for _, r := range e.errorRules {
		sub := r.re.FindStringSubmatch(line)
		if sub == nil {
			continue
		}
		m := Match{
			AnomalyType: r.anomaly,
			Rule:        r.name,
			Confidence:  r.confidence,
			Signature:   sig,
			Line:        line,
			Fatal:       r.fatal,
		}
		switch {
		case r.excGroup > 0 && r.excGroup < len(sub):
			m.ExceptionType = sub[r.excGroup]
		case r.name == RuleGoPanic:
			m.ExceptionType = "panic"
		case r.name == RulePythonTraceback:
			m.ExceptionType = "Traceback"
		}
		m.File, m.LineNumber = ExtractLocation(line)
		return m, true
	}
	return Match{}, false
}

// ExtractLocation finds the first file:line reference in a line, in either
// path:N form or Python's File "path", line N form.
func ExtractLocation(line string) (string, int) {
	if sub := pyFileLineRe.FindStringSubmatch(line); sub != nil {
		n, _ := strconv.Atoi(sub[2])
		return sub[1], n
	}
	if sub := fileLineRe.FindStringSubmatch(line); sub != nil {
		n, _ := strconv.Atoi(sub[2])
		return sub[1], n
	}
	return "", 0
}

package health

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/steveyegge/overseer/internal/events"
)

// Analyzer runs a detector battery over an event log.
type Analyzer struct {
	thresholds Thresholds
	detectors  []Detector
	logger     *slog.Logger
}

// NewAnalyzer creates an analyzer with the default detectors. Zero
// threshold fields take their defaults.
func NewAnalyzer(th Thresholds, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		thresholds: th.withDefaults(),
		detectors:  DefaultDetectors(),
		logger:     logger.With("component", "health-analyzer"),
	}
}

// Thresholds returns the effective thresholds
func (a *Analyzer) Thresholds() Thresholds { return a.thresholds }

// Analyze folds entries into a WorkflowState and runs every detector. A
// detector that panics is logged and contributes no issues.
func (a *Analyzer) Analyze(entries []events.ParsedLogEntry, now time.Time) WorkflowAnalysis {
	state := Fold(entries)
	in := Input{
		State:      &state,
		Entries:    entries,
		Now:        now,
		Thresholds: a.thresholds,
	}

	var issues []Issue
	for _, d := range a.detectors {
		issues = append(issues, a.runDetector(d, in)...)
	}

	// Stable, so equal confidences keep detector order.
	sort.SliceStable(issues, func(i, j int) bool {
		return issues[i].Confidence > issues[j].Confidence
	})
	if issues == nil {
		issues = []Issue{}
	}

	return WorkflowAnalysis{
		Health:     Classify(issues),
		Issues:     issues,
		State:      state,
		AnalyzedAt: now,
		EntryCount: len(entries),
	}
}

func (a *Analyzer) runDetector(d Detector, in Input) (issues []Issue) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("detector panicked", "detector", d.Name(), "panic", fmt.Sprint(r))
			issues = nil
		}
	}()
	return d.Detect(in)
}

// Analyze is a convenience wrapper that runs the default battery.
func Analyze(entries []events.ParsedLogEntry, now time.Time, th Thresholds) WorkflowAnalysis {
	return NewAnalyzer(th, nil).Analyze(entries, now)
}

// Classify reduces issues to a verdict.
func Classify(issues []Issue) Verdict {
	warning := false
	for _, is := range issues {
		if is.Confidence > 0.9 && is.Type.IsCriticalType() {
			return VerdictCritical
		}
		if is.Confidence >= 0.7 {
			warning = true
		}
	}
	if warning {
		return VerdictWarning
	}
	return VerdictHealthy
}

// ChainStatusOf returns the chain progress of cmd; commands never seen are
// pending.
func (s *WorkflowState) ChainStatusOf(cmd string) ChainStatus {
	if st, ok := s.Chain[cmd]; ok {
		return st
	}
	return ChainPending
}

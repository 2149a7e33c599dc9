// Package health diagnoses a multi-phase coding workflow from its event log.
//
// # Model
//
// Analysis is a pure function of the parsed log and the current time:
//
//  1. The entries are folded, in order, into an explicit WorkflowState
//     (current command and phase, milestones, agents, chain progress).
//  2. A fixed battery of detectors scores the state and the raw entries.
//     Each detector returns zero or more Issues with a confidence in [0, 1].
//  3. The issues are ranked and reduced to a Verdict.
//
// Nothing is cached between calls, so re-running Analyze over a longer
// log is always safe.
//
// # Detectors
//
// Detectors fall into three groups:
//
//   - Negative signals, where something bad is present: loops, stuck or
//     out-of-order phases, regressions, broken command chains, TDD and
//     iron-law violations, explicit and agent failures.
//   - Eroding positive signals, where something good is missing: silence,
//     missing milestones, declining velocity, empty outputs, silent agents.
//   - Hard stops: abrupt stops, partial completion, abandoned agents.
//
// A detector that panics contributes no issues; the rest of the battery
// still runs.
//
// # Verdict
//
// The verdict is critical when any issue of a critical type scores above
// 0.9, warning when any issue scores at least 0.7, and healthy otherwise.
package health

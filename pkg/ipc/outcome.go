package ipc

import "forgeagent/pkg/models"

// ExitCodes is the contract a worker binary and the dispatch core agree on:
// which process exit codes mean what. Mirrors the teacher's habit of naming
// its status vocabulary as package-level constants (models.ExecutionStatus)
// rather than scattering magic numbers through the codebase.
type ExitCodes struct {
	Success      int
	FailureCodes map[int]struct{}
	CancelCode   int
}

// DefaultExitCodes is the translation table component A implements:
// 0 = success, 1 = task failure, 2 = cooperative cancel ack, anything else
// is a crash.
var DefaultExitCodes = ExitCodes{
	Success:      0,
	FailureCodes: map[int]struct{}{1: {}},
	CancelCode:   2,
}

// Translate maps a worker exit code to an Outcome. ok is false only on the
// crash path (any code not in the defined set), signalling the caller should
// attach captured stdio and emit a timeline issue.
func (t ExitCodes) Translate(exitCode int) (outcome models.Outcome, ok bool) {
	switch {
	case exitCode == t.Success:
		return models.OutcomeSucceeded, true
	case exitCode == t.CancelCode:
		return models.OutcomeCanceled, true
	default:
		if _, defined := t.FailureCodes[exitCode]; defined {
			return models.OutcomeFailed, true
		}
		return models.OutcomeFailed, false
	}
}

package crawler

import "fmt"

// legalTransitions lists, per state, the states a job may move to next.
// Terminal states have no outgoing edges.
var legalTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued: {
		JobStatusCrawling, // provider accepted the crawl
		JobStatusFailed,
	},
	JobStatusCrawling: {
		JobStatusCrawling,   // pages arriving
		JobStatusProcessing, // crawl finished, results pending extraction
		JobStatusFailed,
	},
	JobStatusProcessing: {
		JobStatusCompleted, // extraction and merge done
		JobStatusFailed,
	},
	JobStatusCompleted: {},
	JobStatusFailed:    {},
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	_, ok := legalTransitions[s]
	return ok
}

// IsTerminal reports whether no further writes are accepted in s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ValidateTransition returns ErrIllegalTransition when from -> to is not an
// edge of the job state machine.
func ValidateTransition(from, to JobStatus) error {
	allowed, ok := legalTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown state %q", ErrIllegalTransition, from)
	}
	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// CanTransition is the boolean form of ValidateTransition.
func CanTransition(from, to JobStatus) bool {
	return ValidateTransition(from, to) == nil
}

// SourceStates returns every state from which to is reachable in one step.
// Stores use it to guard conditional updates.
func SourceStates(to JobStatus) []JobStatus {
	var out []JobStatus
	for _, from := range []JobStatus{
		JobStatusQueued,
		JobStatusCrawling,
		JobStatusProcessing,
		JobStatusCompleted,
		JobStatusFailed,
	} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// NonTerminalStates lists the in-flight job states.
func NonTerminalStates() []JobStatus {
	return []JobStatus{JobStatusQueued, JobStatusCrawling, JobStatusProcessing}
}

package constants

// JobState is the canonical state for rows in the jobs table.
type JobState string

// Stable values (store these exact strings in DB).
const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobDelayed   JobState = "delayed"
	JobStalled   JobState = "stalled"
)

var allStates = []JobState{JobWaiting, JobActive, JobCompleted, JobFailed, JobDelayed, JobStalled}

// JobStates lists every state in display order.
func JobStates() []JobState {
	out := make([]JobState, len(allStates))
	copy(out, allStates)
	return out
}

func (s JobState) Valid() bool {
	for _, v := range allStates {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition leaves s.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// legalTransitions is the job state graph.
var legalTransitions = map[JobState][]JobState{
	JobWaiting: {JobActive},
	JobActive:  {JobCompleted, JobFailed, JobDelayed, JobStalled},
	JobDelayed: {JobWaiting},
	JobStalled: {JobWaiting, JobFailed},
}

// CanTransition reports whether from -> to is an edge of the job state graph.
func CanTransition(from, to JobState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

package sync //nolint:revive,nolintlint // shadows the standard library name

import (
	"encoding/json"
)

// JobState is where an entity pass currently is.
type JobState uint8

const (
	UnknownState JobState = iota
	FetchingState
	ResolvingState
	TransformingState
	CommittingState
	DoneState
	FailedState
)

// String returns the name used in logs and when marshalling the state.
func (s JobState) String() string {
	switch s {
	case FetchingState:
		return "FETCHING"
	case ResolvingState:
		return "RESOLVING"
	case TransformingState:
		return "TRANSFORMING"
	case CommittingState:
		return "COMMITTING"
	case DoneState:
		return "DONE"
	case FailedState:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions can happen.
func (s JobState) Terminal() bool {
	return s == DoneState || s == FailedState
}

func (s JobState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *JobState) UnmarshalJSON(data []byte) error {
	var v string
	err := json.Unmarshal(data, &v)
	if err != nil {
		return err
	}

	*s = newJobState(v)
	return nil
}

func newJobState(str string) JobState {
	switch str {
	case FetchingState.String():
		return FetchingState
	case ResolvingState.String():
		return ResolvingState
	case TransformingState.String():
		return TransformingState
	case CommittingState.String():
		return CommittingState
	case DoneState.String():
		return DoneState
	case FailedState.String():
		return FailedState
	default:
		return UnknownState
	}
}

// allowedTransitions is the pass state machine. Fetching may go straight to committing when the
// window is empty.
var allowedTransitions = map[JobState][]JobState{
	UnknownState:      {FetchingState},
	FetchingState:     {ResolvingState, CommittingState, FailedState, FetchingState},
	ResolvingState:    {TransformingState, FailedState},
	TransformingState: {FetchingState, FailedState},
	CommittingState:   {DoneState, FailedState},
}

func canTransition(from JobState, to JobState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

package session

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned by Reduce for events the current phase
// does not accept.
var ErrInvalidTransition = errors.New("invalid phase transition")

// Phase is the coarse lifecycle position of a chat's prompt session.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseOptimizing Phase = "optimizing"
	PhaseStreaming  Phase = "streaming"
	PhaseComplete   Phase = "complete"
)

// Step is the sub-position within PhaseOptimizing.
type Step string

const (
	StepCacheCheck  Step = "cache_check"
	StepCompressing Step = "compressing"
	StepRouting     Step = "routing"
	StepMap         Step = "map"
	StepGenerating  Step = "generating"
)

// Steps lists the optimizing steps in order.
var Steps = []Step{StepCacheCheck, StepCompressing, StepRouting, StepMap, StepGenerating}

// Next returns the step after s. Generating has no successor.
func (s Step) Next() (Step, bool) {
	for i, step := range Steps {
		if step == s && i+1 < len(Steps) {
			return Steps[i+1], true
		}
	}
	return "", false
}

// EventType names a phase machine input.
type EventType string

const (
	EventStartOptimizing EventType = "START_OPTIMIZING"
	EventNextStep        EventType = "NEXT_STEP"
	EventStartStreaming  EventType = "START_STREAMING"
	EventStreamChar      EventType = "STREAM_CHAR"
	EventFinish          EventType = "FINISH"
	EventShowBreakdown   EventType = "SHOW_BREAKDOWN"
	EventHideBreakdown   EventType = "HIDE_BREAKDOWN"
	EventReset           EventType = "RESET"
)

// Event is one input to Reduce.
type Event struct {
	Type EventType
	// Partial is the streamed prefix carried by STREAM_CHAR.
	Partial string
	// BackendReady must be set on START_STREAMING; it asserts the backend
	// result exists.
	BackendReady bool
}

// State is the phase machine state of one chat.
type State struct {
	Phase         Phase  `json:"phase"`
	Step          Step   `json:"step,omitempty"`
	Partial       string `json:"partial,omitempty"`
	ShowBreakdown bool   `json:"show_breakdown"`
}

// IdleState returns the start state.
func IdleState() State {
	return State{Phase: PhaseIdle}
}

// IsActive reports whether a session is in flight.
func (s State) IsActive() bool {
	return s.Phase == PhaseOptimizing || s.Phase == PhaseStreaming
}

// AcceptsSubmission reports whether a new prompt may start.
func (s State) AcceptsSubmission() bool {
	return s.Phase == PhaseIdle || s.Phase == PhaseComplete || s.Phase == ""
}

// Reduce applies e to s. On error the returned state is s unchanged.
func Reduce(s State, e Event) (State, error) {
	if s.Phase == "" {
		s = IdleState()
	}

	switch e.Type {
	case EventStartOptimizing:
		if s.Phase == PhaseIdle {
			return State{Phase: PhaseOptimizing, Step: StepCacheCheck}, nil
		}

	case EventNextStep:
		if s.Phase == PhaseOptimizing {
			if next, ok := s.Step.Next(); ok {
				return State{Phase: PhaseOptimizing, Step: next}, nil
			}
		}

	case EventStartStreaming:
		if s.Phase == PhaseOptimizing && s.Step == StepGenerating && e.BackendReady {
			return State{Phase: PhaseStreaming}, nil
		}

	case EventStreamChar:
		if s.Phase == PhaseStreaming {
			return State{Phase: PhaseStreaming, Partial: e.Partial}, nil
		}

	case EventFinish:
		if s.Phase == PhaseStreaming {
			return State{Phase: PhaseComplete, Partial: s.Partial, ShowBreakdown: true}, nil
		}

	case EventShowBreakdown, EventHideBreakdown:
		if s.Phase == PhaseComplete {
			next := s
			next.ShowBreakdown = e.Type == EventShowBreakdown
			return next, nil
		}

	case EventReset:
		if s.Phase == PhaseIdle || s.Phase == PhaseComplete {
			return IdleState(), nil
		}
	}

	return s, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, e.Type, describe(s))
}

func describe(s State) string {
	if s.Phase == PhaseOptimizing {
		return fmt.Sprintf("%s(%s)", s.Phase, s.Step)
	}
	return string(s.Phase)
}

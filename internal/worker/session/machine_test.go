package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func optimizing(step Step) State {
	return State{Phase: PhaseOptimizing, Step: step}
}

func TestReduce(t *testing.T) {
	complete := State{Phase: PhaseComplete, Partial: "done", ShowBreakdown: true}

	tests := []struct {
		name  string
		from  State
		event Event
		want  State
		err   bool
	}{
		{"start from idle", IdleState(), Event{Type: EventStartOptimizing}, optimizing(StepCacheCheck), false},
		{"start from zero value", State{}, Event{Type: EventStartOptimizing}, optimizing(StepCacheCheck), false},
		{"start while optimizing", optimizing(StepRouting), Event{Type: EventStartOptimizing}, optimizing(StepRouting), true},
		{"start from complete", complete, Event{Type: EventStartOptimizing}, complete, true},

		{"cache_check to compressing", optimizing(StepCacheCheck), Event{Type: EventNextStep}, optimizing(StepCompressing), false},
		{"compressing to routing", optimizing(StepCompressing), Event{Type: EventNextStep}, optimizing(StepRouting), false},
		{"routing to map", optimizing(StepRouting), Event{Type: EventNextStep}, optimizing(StepMap), false},
		{"map to generating", optimizing(StepMap), Event{Type: EventNextStep}, optimizing(StepGenerating), false},
		{"generating has no next step", optimizing(StepGenerating), Event{Type: EventNextStep}, optimizing(StepGenerating), true},
		{"next step while idle", IdleState(), Event{Type: EventNextStep}, IdleState(), true},

		{"stream when ready", optimizing(StepGenerating), Event{Type: EventStartStreaming, BackendReady: true}, State{Phase: PhaseStreaming}, false},
		{"stream without backend", optimizing(StepGenerating), Event{Type: EventStartStreaming}, optimizing(StepGenerating), true},
		{"stream before generating", optimizing(StepMap), Event{Type: EventStartStreaming, BackendReady: true}, optimizing(StepMap), true},

		{"char while streaming", State{Phase: PhaseStreaming, Partial: "a"}, Event{Type: EventStreamChar, Partial: "ab"}, State{Phase: PhaseStreaming, Partial: "ab"}, false},
		{"char while optimizing", optimizing(StepGenerating), Event{Type: EventStreamChar, Partial: "a"}, optimizing(StepGenerating), true},

		{"finish", State{Phase: PhaseStreaming, Partial: "done"}, Event{Type: EventFinish}, complete, false},
		{"finish while idle", IdleState(), Event{Type: EventFinish}, IdleState(), true},

		{"hide breakdown", complete, Event{Type: EventHideBreakdown}, State{Phase: PhaseComplete, Partial: "done"}, false},
		{"show breakdown", State{Phase: PhaseComplete}, Event{Type: EventShowBreakdown}, State{Phase: PhaseComplete, ShowBreakdown: true}, false},
		{"breakdown while streaming", State{Phase: PhaseStreaming}, Event{Type: EventShowBreakdown}, State{Phase: PhaseStreaming}, true},

		{"reset from complete", complete, Event{Type: EventReset}, IdleState(), false},
		{"reset from idle", IdleState(), Event{Type: EventReset}, IdleState(), false},
		{"reset while streaming", State{Phase: PhaseStreaming}, Event{Type: EventReset}, State{Phase: PhaseStreaming}, true},
		{"reset while optimizing", optimizing(StepMap), Event{Type: EventReset}, optimizing(StepMap), true},

		{"unknown event", IdleState(), Event{Type: "BOGUS"}, IdleState(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Reduce(tt.from, tt.event)
			if tt.err {
				require.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReduce_FullWalk(t *testing.T) {
	s := IdleState()
	var err error

	s, err = Reduce(s, Event{Type: EventStartOptimizing})
	require.NoError(t, err)

	var visited []Step
	visited = append(visited, s.Step)
	for s.Step != StepGenerating {
		s, err = Reduce(s, Event{Type: EventNextStep})
		require.NoError(t, err)
		visited = append(visited, s.Step)
	}
	assert.Equal(t, Steps, visited)

	s, err = Reduce(s, Event{Type: EventStartStreaming, BackendReady: true})
	require.NoError(t, err)
	for _, p := range []string{"h", "hi"} {
		s, err = Reduce(s, Event{Type: EventStreamChar, Partial: p})
		require.NoError(t, err)
	}
	s, err = Reduce(s, Event{Type: EventFinish})
	require.NoError(t, err)
	assert.Equal(t, State{Phase: PhaseComplete, Partial: "hi", ShowBreakdown: true}, s)
}

func TestStateHelpers(t *testing.T) {
	assert.True(t, IdleState().AcceptsSubmission())
	assert.True(t, State{}.AcceptsSubmission())
	assert.True(t, State{Phase: PhaseComplete}.AcceptsSubmission())
	assert.False(t, optimizing(StepMap).AcceptsSubmission())
	assert.False(t, State{Phase: PhaseStreaming}.AcceptsSubmission())

	assert.True(t, optimizing(StepCacheCheck).IsActive())
	assert.True(t, State{Phase: PhaseStreaming}.IsActive())
	assert.False(t, IdleState().IsActive())

	next, ok := StepMap.Next()
	assert.True(t, ok)
	assert.Equal(t, StepGenerating, next)
	_, ok = StepGenerating.Next()
	assert.False(t, ok)
}

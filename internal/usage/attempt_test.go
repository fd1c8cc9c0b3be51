package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]State{
		{StateIdle, StateChecking},
		{StateChecking, StateAllowed},
		{StateChecking, StateDenied},
		{StateAllowed, StateRecording},
		{StateAllowed, StateIdle},
		{StateRecording, StateIncrementing},
		{StateRecording, StateIdle},
		{StateIncrementing, StateIdle},
		{StateDenied, StatePromptShown},
		{StatePromptShown, StateIdle},
		{StatePromptShown, StateNavigateToUpgrade},
	}
	for _, edge := range allowed {
		assert.True(t, CanTransition(edge[0], edge[1]), "%s → %s", edge[0], edge[1])
	}

	rejected := [][2]State{
		{StateIdle, StateRecording},
		{StateChecking, StateRecording},
		{StateDenied, StateRecording},
		{StateDenied, StateIdle},
		{StatePromptShown, StateRecording},
		{StateIncrementing, StateRecording},
		{StateNavigateToUpgrade, StateIdle},
		{StateNavigateToUpgrade, StateChecking},
	}
	for _, edge := range rejected {
		assert.False(t, CanTransition(edge[0], edge[1]), "%s → %s", edge[0], edge[1])
	}
}

func TestAttempt_Transition(t *testing.T) {
	created := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	a := NewAttempt(profile, created)
	assert.Equal(t, StateIdle, a.State)
	assert.NotEmpty(t, a.ID)

	later := created.Add(time.Second)
	require.NoError(t, a.Transition(StateChecking, later))
	assert.Equal(t, StateChecking, a.State)
	assert.Equal(t, later, a.UpdatedAt)

	err := a.Transition(StateIncrementing, later)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateChecking, a.State, "a rejected transition leaves the state unchanged")
}

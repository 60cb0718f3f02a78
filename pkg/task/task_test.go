package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionPendingToRunningSetsStartedAt(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	tk := Task{State: StatePending}

	got, err := Transition(tk, StateRunning, now)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, now, *got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestTransitionRunningToCompletedSetsCompletedAt(t *testing.T) {
	started := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	now := started.Add(5 * time.Minute)
	tk := Task{State: StateRunning, StartedAt: &started}

	got, err := Transition(tk, StateCompleted, now)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, now, *got.CompletedAt)
}

func TestTransitionRunningBackToPendingForRetry(t *testing.T) {
	started := time.Now()
	tk := Task{State: StateRunning, StartedAt: &started}

	got, err := Transition(tk, StatePending, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.Nil(t, got.CompletedAt)
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	tk := Task{State: StatePending}
	_, err := Transition(tk, StateCompleted, time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionRejectsFromTerminalState(t *testing.T) {
	for _, s := range []State{StateCompleted, StatePartialSuccess, StateFailed, StateCancelled} {
		tk := Task{State: s}
		_, err := Transition(tk, StatePending, time.Now())
		assert.ErrorIs(t, err, ErrInvalidTransition, "state %s", s)
	}
}

func TestCancellingPath(t *testing.T) {
	started := time.Now()
	tk := Task{State: StateRunning, StartedAt: &started}

	tk, err := Transition(tk, StateCancelling, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StateCancelling, tk.State)

	tk, err = Transition(tk, StateCancelled, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, tk.State)
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []State{StateCompleted, StatePartialSuccess, StateFailed, StateCancelled} {
		assert.True(t, IsTerminal(s), "state %s", s)
	}
	for _, s := range []State{StatePending, StateRunning, StateCancelling} {
		assert.False(t, IsTerminal(s), "state %s", s)
	}
}

func TestRequiredKinds(t *testing.T) {
	assert.Equal(t, []Kind{KindStatic}, RequiredKinds(KindStatic))
	assert.ElementsMatch(t, []Kind{KindStatic, KindDynamic, KindPerformance, KindAI}, RequiredKinds(KindComprehensive))
}

package fsm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionHappyPath(t *testing.T) {
	s := StateIdle

	next, err := Transition(s, EventImageUploaded)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingInput, next)

	next, err = Transition(next, EventSpeechCaptured)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingInput, next)

	next, err = Transition(next, EventGenerate)
	require.NoError(t, err)
	require.Equal(t, StateGenerating, next)

	next, err = Transition(next, EventGenerated)
	require.NoError(t, err)
	require.Equal(t, StateResponseReady, next)

	next, err = Transition(next, EventReportBuilt)
	require.NoError(t, err)
	require.Equal(t, StateReportReady, next)
}

func TestTransitionNewImageFromSettledStates(t *testing.T) {
	states := []State{StateIdle, StateAwaitingInput, StateResponseReady, StateReportReady}
	for _, state := range states {
		next, err := Transition(state, EventImageUploaded)
		require.NoError(t, err)
		require.Equal(t, StateAwaitingInput, next)
	}
}

func TestTransitionMatrix(t *testing.T) {
	tests := []struct {
		name    string
		state   State
		event   Event
		want    State
		wantErr bool
	}{
		{name: "idle report invalid", state: StateIdle, event: EventReportBuilt, want: StateIdle, wantErr: true},
		{name: "idle generated invalid", state: StateIdle, event: EventGenerated, want: StateIdle, wantErr: true},
		{name: "generating image invalid", state: StateGenerating, event: EventImageUploaded, want: StateGenerating, wantErr: true},
		{name: "generating generate invalid", state: StateGenerating, event: EventGenerate, want: StateGenerating, wantErr: true},
		{name: "generating speech invalid", state: StateGenerating, event: EventSpeechCaptured, want: StateGenerating, wantErr: true},
		{name: "generating failed", state: StateGenerating, event: EventGenerateFailed, want: StateAwaitingInput},
		{name: "response speech keeps phase", state: StateResponseReady, event: EventSpeechCaptured, want: StateResponseReady},
		{name: "report again", state: StateReportReady, event: EventReportBuilt, want: StateReportReady},
		{name: "report regenerate", state: StateReportReady, event: EventGenerate, want: StateGenerating},
		{name: "response failed invalid", state: StateResponseReady, event: EventGenerateFailed, want: StateResponseReady, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			next, err := Transition(tc.state, tc.event)
			require.Equal(t, tc.want, next)
			if tc.wantErr {
				require.Error(t, err)
				require.True(t, errors.Is(err, ErrInvalidTransition))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestTransitionUnknownState(t *testing.T) {
	next, err := Transition(State("mystery"), EventGenerate)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown state")
	require.Equal(t, State("mystery"), next)
}

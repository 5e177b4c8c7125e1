package dfu

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_IsDone(t *testing.T) {
	for _, s := range []State{StateCompleted, StateAborted, StateErrored} {
		assert.True(t, s.IsDone(), s)
	}
	for _, s := range []State{StateInitializing, StateUploading, StateDisconnected} {
		assert.False(t, s.IsDone(), s)
	}
}

func TestCheckAvailability(t *testing.T) {
	bundle := time.Date(2024, 3, 25, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		die      time.Time
		bundle   time.Time
		expected Availability
	}{
		{"older die", bundle.Add(-time.Hour), bundle, AvailabilityOutdated},
		{"same build", bundle, bundle, AvailabilityUpToDate},
		{"newer die", bundle.Add(time.Hour), bundle, AvailabilityUpToDate},
		{"unknown die date", time.Time{}, bundle, AvailabilityUnknown},
		{"no bundle", bundle, time.Time{}, AvailabilityUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CheckAvailability(tt.die, tt.bundle))
		})
	}
}

func TestReadProgress(t *testing.T) {
	var got []int
	readProgress(strings.NewReader("connecting\n  10%\nupload 55 %\n250%\ndone 100%\n"), func(p int) {
		got = append(got, p)
	})
	assert.Equal(t, []int{10, 55, 100}, got)
}

func TestExecUpdater(t *testing.T) {
	u := &ExecUpdater{
		Command: "sh",
		Args:    []string{"-c", "echo {package} {address} {resume}; echo 50%; echo 100%"},
	}

	var states []State
	var progress []int
	err := u.Update(context.Background(), Request{
		SystemID:       "AA:BB",
		FirmwarePath:   "fw.zip",
		BootloaderPath: "bl.zip",
	}, Callbacks{
		OnState:    func(s State) { states = append(states, s) },
		OnProgress: func(p int) { progress = append(progress, p) },
	})

	require.NoError(t, err)
	assert.Equal(t, StateInitializing, states[0])
	assert.Equal(t, StateCompleted, states[len(states)-1])
	assert.Contains(t, states, StateUploading)
	assert.Equal(t, []int{25, 50, 75, 100}, progress)
}

func TestExecUpdater_Failure(t *testing.T) {
	u := &ExecUpdater{Command: "sh", Args: []string{"-c", "echo 10%; exit 3"}}

	var last State
	err := u.Update(context.Background(), Request{FirmwarePath: "fw.zip"}, Callbacks{
		OnState: func(s State) { last = s },
	})

	assert.Error(t, err)
	assert.Equal(t, StateErrored, last)
}

func TestExecUpdater_NoPackage(t *testing.T) {
	u := &ExecUpdater{Command: "true"}
	assert.Error(t, u.Update(context.Background(), Request{}, Callbacks{}))
}

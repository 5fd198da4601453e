package blockjob_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rossigee/libvirt-mirror-orchestrator/internal/blockjob"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/blockjob/blockjobtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastIntervals = blockjob.PollIntervals{
	SteadyFirst: 10 * time.Millisecond,
	SteadyStep:  10 * time.Millisecond,
	ReopenFirst: 10 * time.Millisecond,
	ReopenStep:  5 * time.Millisecond,
}

func newDetector(ch *blockjobtest.Channel, checkEvent bool, intervals blockjob.PollIntervals) *blockjob.SteadyStateDetector {
	return blockjob.NewSteadyStateDetector(ch, blockjob.NewEventBridge(ch), "vda", checkEvent, intervals)
}

func TestIsSteady(t *testing.T) {
	tests := []struct {
		name            string
		status          *blockjob.JobStatus
		eventsSupported bool
		checkEvent      bool
		readyEvent      bool
		expected        bool
	}{
		{
			name:     "converged without event check",
			status:   &blockjob.JobStatus{Length: 1000, Offset: 1000},
			expected: true,
		},
		{
			name:            "converged ignores pending ready event when check disabled",
			status:          &blockjob.JobStatus{Length: 1000, Offset: 1000},
			eventsSupported: true,
			expected:        true,
		},
		{
			name:            "converged ignores missing ready event when check disabled",
			status:          &blockjob.JobStatus{Length: 1000, Offset: 1000},
			eventsSupported: true,
			readyEvent:      true,
			expected:        true,
		},
		{
			name:     "partial copy",
			status:   &blockjob.JobStatus{Length: 1000, Offset: 500},
			expected: false,
		},
		{
			name:            "partial copy with ready event",
			status:          &blockjob.JobStatus{Length: 1000, Offset: 999},
			eventsSupported: true,
			checkEvent:      true,
			readyEvent:      true,
			expected:        false,
		},
		{
			name:     "no active job",
			status:   nil,
			expected: false,
		},
		{
			name:            "event check requires ready event",
			status:          &blockjob.JobStatus{Length: 1000, Offset: 1000},
			eventsSupported: true,
			checkEvent:      true,
			expected:        false,
		},
		{
			name:            "event check satisfied",
			status:          &blockjob.JobStatus{Length: 1000, Offset: 1000},
			eventsSupported: true,
			checkEvent:      true,
			readyEvent:      true,
			expected:        true,
		},
		{
			name:       "event check degrades without event support",
			status:     &blockjob.JobStatus{Length: 1000, Offset: 1000},
			checkEvent: true,
			expected:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := blockjobtest.NewChannel(tt.eventsSupported)
			ch.SetStatus(tt.status)
			if tt.readyEvent {
				ch.Post(blockjob.EventJobReady)
			}

			detector := newDetector(ch, tt.checkEvent, fastIntervals)
			assert.Equal(t, tt.expected, detector.IsSteady(context.Background()))
		})
	}
}

func TestIsSteady_StatusError(t *testing.T) {
	ch := blockjobtest.NewChannel(false)
	ch.SetStatus(&blockjob.JobStatus{Length: 10, Offset: 10})
	ch.StatusErr = errors.New("monitor gone")

	assert.False(t, newDetector(ch, false, fastIntervals).IsSteady(context.Background()))
}

func TestWaitForSteady_Converges(t *testing.T) {
	ch := blockjobtest.NewChannel(false)
	ch.SetStatus(&blockjob.JobStatus{Length: 1000, Offset: 200})

	time.AfterFunc(30*time.Millisecond, func() {
		ch.SetStatus(&blockjob.JobStatus{Length: 1000, Offset: 1000})
	})

	err := newDetector(ch, false, fastIntervals).WaitForSteady(context.Background(), time.Second)
	assert.NoError(t, err)
}

func TestWaitForSteady_TimesOut(t *testing.T) {
	ch := blockjobtest.NewChannel(false)
	ch.SetStatus(&blockjob.JobStatus{Length: 1000, Offset: 500})

	intervals := fastIntervals
	intervals.SteadyFirst = 30 * time.Millisecond
	intervals.SteadyStep = 30 * time.Millisecond
	timeout := 90 * time.Millisecond

	start := time.Now()
	err := newDetector(ch, false, intervals).WaitForSteady(context.Background(), timeout)
	elapsed := time.Since(start)

	var notSteady *blockjob.JobNotSteadyError
	require.ErrorAs(t, err, &notSteady)
	assert.Equal(t, timeout, notSteady.Timeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+200*time.Millisecond)
}

func TestWaitForSteady_ClearsStaleReadyEvent(t *testing.T) {
	ch := blockjobtest.NewChannel(true)
	ch.SetStatus(&blockjob.JobStatus{Length: 1000, Offset: 1000})
	ch.Post(blockjob.EventJobReady)

	err := newDetector(ch, true, fastIntervals).WaitForSteady(context.Background(), 60*time.Millisecond)

	var notSteady *blockjob.JobNotSteadyError
	assert.ErrorAs(t, err, &notSteady)
}

func TestWaitForSteady_FreshReadyEvent(t *testing.T) {
	ch := blockjobtest.NewChannel(true)
	ch.SetStatus(&blockjob.JobStatus{Length: 1000, Offset: 1000})
	ch.PostAfter(25*time.Millisecond, blockjob.EventJobReady)

	err := newDetector(ch, true, fastIntervals).WaitForSteady(context.Background(), time.Second)
	assert.NoError(t, err)
}

func TestWaitForSteady_CancelledIsNotATimeout(t *testing.T) {
	ch := blockjobtest.NewChannel(false)
	ch.SetStatus(&blockjob.JobStatus{Length: 1000, Offset: 500})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	err := newDetector(ch, false, fastIntervals).WaitForSteady(ctx, time.Minute)

	require.ErrorIs(t, err, context.Canceled)
	var notSteady *blockjob.JobNotSteadyError
	assert.False(t, errors.As(err, &notSteady))
}

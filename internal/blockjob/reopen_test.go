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

var reopenTarget = blockjob.TargetImage{
	Name:   "target1",
	Path:   "/var/lib/libvirt/images/target1.qcow2",
	Format: "qcow2",
	Kind:   blockjob.KindLocal,
}

func newCoordinator(ch *blockjobtest.Channel, intervals blockjob.PollIntervals) *blockjob.ReopenCoordinator {
	return blockjob.NewReopenCoordinator(ch, blockjob.NewEventBridge(ch), intervals)
}

func TestReopen_WithoutEventsUsesDeviceIdentity(t *testing.T) {
	ch := blockjobtest.NewChannel(false)
	ch.PivotOnReopen = true

	err := newCoordinator(ch, fastIntervals).Reopen(context.Background(), "vda", reopenTarget, time.Second)

	require.NoError(t, err)
	assert.Equal(t, []string{reopenTarget.Path}, ch.Reopened)
}

func TestReopen_WithEventsRequiresCompletion(t *testing.T) {
	ch := blockjobtest.NewChannel(true)
	ch.PivotOnReopen = true

	err := newCoordinator(ch, fastIntervals).Reopen(context.Background(), "vda", reopenTarget, 80*time.Millisecond)

	var timeoutErr *blockjob.ReopenTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 80*time.Millisecond, timeoutErr.Timeout)
	assert.Equal(t, reopenTarget.Path, timeoutErr.Target)
}

func TestReopen_WaitsForLateCompletionEvent(t *testing.T) {
	ch := blockjobtest.NewChannel(true)

	unit := 30 * time.Millisecond
	start := time.Now()
	ch.SetDeviceAfter(unit, reopenTarget.Path, "vda")
	ch.PostAfter(2*unit, blockjob.EventJobCompleted)

	intervals := fastIntervals
	intervals.ReopenFirst = unit
	intervals.ReopenStep = 5 * time.Millisecond

	err := newCoordinator(ch, intervals).Reopen(context.Background(), "vda", reopenTarget, 10*unit)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 2*unit)
	assert.Less(t, elapsed, 10*unit)
}

func TestReopen_ClearsStaleCompletionEvent(t *testing.T) {
	ch := blockjobtest.NewChannel(true)
	ch.Post(blockjob.EventJobCompleted)
	ch.SetDevice(reopenTarget.Path, "vda")

	err := newCoordinator(ch, fastIntervals).Reopen(context.Background(), "vda", reopenTarget, 50*time.Millisecond)

	var timeoutErr *blockjob.ReopenTimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestReopen_DifferentDevice(t *testing.T) {
	ch := blockjobtest.NewChannel(false)
	ch.SetDevice(reopenTarget.Path, "vdb")

	err := newCoordinator(ch, fastIntervals).Reopen(context.Background(), "vda", reopenTarget, 50*time.Millisecond)

	var timeoutErr *blockjob.ReopenTimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestReopen_CommandError(t *testing.T) {
	ch := blockjobtest.NewChannel(false)
	ch.ReopenErr = errors.New("pivot refused")

	err := newCoordinator(ch, fastIntervals).Reopen(context.Background(), "vda", reopenTarget, time.Second)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "pivot refused")
	var timeoutErr *blockjob.ReopenTimeoutError
	assert.False(t, errors.As(err, &timeoutErr))
}

func TestReopen_DeadlineIsNotAReopenTimeout(t *testing.T) {
	ch := blockjobtest.NewChannel(false)
	ch.SetDevice(reopenTarget.Path, "vdb")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := newCoordinator(ch, fastIntervals).Reopen(ctx, "vda", reopenTarget, time.Minute)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	var timeoutErr *blockjob.ReopenTimeoutError
	assert.False(t, errors.As(err, &timeoutErr))
}

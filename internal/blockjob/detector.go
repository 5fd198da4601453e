package blockjob

import (
	"context"
	"fmt"
	"time"

	"github.com/rossigee/libvirt-mirror-orchestrator/internal/retry"
	"github.com/sirupsen/logrus"
)

// SteadyStateDetector decides whether a mirror job has converged.
type SteadyStateDetector struct {
	channel    Channel
	bridge     *EventBridge
	device     string
	checkEvent bool
	intervals  PollIntervals
	progress   func(JobStatus)
}

// NewSteadyStateDetector creates a detector for device. When checkEvent is
// set and the channel delivers events, a ready event is required on top of
// offset == length.
func NewSteadyStateDetector(ch Channel, bridge *EventBridge, device string, checkEvent bool, intervals PollIntervals) *SteadyStateDetector {
	return &SteadyStateDetector{
		channel:    ch,
		bridge:     bridge,
		device:     device,
		checkEvent: checkEvent,
		intervals:  intervals,
	}
}

// OnProgress registers fn to receive every sampled status.
func (d *SteadyStateDetector) OnProgress(fn func(JobStatus)) {
	d.progress = fn
}

// IsSteady samples the job once.
func (d *SteadyStateDetector) IsSteady(ctx context.Context) bool {
	status, err := d.channel.QueryJobStatus(ctx, d.device)
	if err != nil {
		logrus.WithError(err).WithField("device", d.device).Warn("Failed to query block job status")
		return false
	}

	steady := status != nil && status.Done()
	if d.checkEvent && d.bridge.Supported() {
		steady = steady && d.bridge.Get(EventJobReady)
	}

	if status != nil {
		if d.progress != nil {
			d.progress(*status)
		}
		logrus.WithFields(logrus.Fields{
			"device": d.device,
			"offset": status.Offset,
			"length": status.Length,
			"steady": steady,
		}).Debug("Block job status")
	}

	return steady
}

// WaitForSteady blocks until IsSteady holds or timeout elapses. A ready event
// delivered before the call is discarded first.
func (d *SteadyStateDetector) WaitForSteady(ctx context.Context, timeout time.Duration) error {
	d.bridge.Clear(EventJobReady)

	steady := retry.WaitUntil(ctx, retry.PollConfig{
		First:   d.intervals.SteadyFirst,
		Step:    d.intervals.SteadyStep,
		Timeout: timeout,
	}, func() bool {
		return d.IsSteady(ctx)
	})
	if !steady {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("stopped waiting for steady mirror: %w", err)
		}
		return &JobNotSteadyError{Timeout: timeout}
	}

	return nil
}

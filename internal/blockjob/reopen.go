package blockjob

import (
	"context"
	"fmt"
	"time"

	"github.com/rossigee/libvirt-mirror-orchestrator/internal/retry"
	"github.com/sirupsen/logrus"
)

// ReopenCoordinator performs the cutover of a device to its mirror target.
type ReopenCoordinator struct {
	channel   Channel
	bridge    *EventBridge
	intervals PollIntervals
}

// NewReopenCoordinator creates a coordinator bound to ch.
func NewReopenCoordinator(ch Channel, bridge *EventBridge, intervals PollIntervals) *ReopenCoordinator {
	return &ReopenCoordinator{
		channel:   ch,
		bridge:    bridge,
		intervals: intervals,
	}
}

// Reopen points device at target and waits until the device is backed by
// target.Path and, on event capable channels, the job completion event has
// arrived.
func (r *ReopenCoordinator) Reopen(ctx context.Context, device string, target TargetImage, timeout time.Duration) error {
	logrus.WithFields(logrus.Fields{
		"device": device,
		"target": target.Path,
		"format": target.Format,
	}).Info("Reopening device on target image")

	r.bridge.Clear(EventJobCompleted)

	if err := r.channel.ReopenDevice(ctx, device, target.Path, target.Format); err != nil {
		return fmt.Errorf("failed to reopen %s on %s: %w", device, target.Path, err)
	}

	opened := retry.WaitUntil(ctx, retry.PollConfig{
		First:   r.intervals.ReopenFirst,
		Step:    r.intervals.ReopenStep,
		Timeout: timeout,
	}, func() bool {
		return r.isOpened(ctx, device, target.Path)
	})
	if !opened {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("stopped waiting for %s on %s: %w", device, target.Path, err)
		}
		return &ReopenTimeoutError{Timeout: timeout, Target: target.Path}
	}

	return nil
}

func (r *ReopenCoordinator) isOpened(ctx context.Context, device, path string) bool {
	current, err := r.channel.LookupDevice(ctx, DeviceFilter{File: path})
	if err != nil {
		logrus.WithError(err).WithField("target", path).Warn("Failed to look up device by target")
		return false
	}

	opened := current == device
	if r.bridge.Supported() {
		opened = opened && r.bridge.Get(EventJobCompleted)
	}
	return opened
}

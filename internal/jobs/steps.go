package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rossigee/libvirt-mirror-orchestrator/internal/blockjob"
	"github.com/sirupsen/logrus"
)

// Hook phases.
const (
	PhaseBeforeSteady = "before_steady"
	PhaseWhenSteady   = "when_steady"
	PhaseAfterReopen  = "after_reopen"
)

// Step is a named action run between lifecycle transitions.
type Step func(ctx context.Context, run *Lifecycle) error

// StepRegistry maps step names to implementations.
type StepRegistry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewStepRegistry returns a registry holding the built-in steps.
func NewStepRegistry() *StepRegistry {
	r := &StepRegistry{steps: make(map[string]Step)}
	r.Register("query_status", queryStatusStep)
	r.Register("verify_target", verifyTargetStep)
	r.Register("pause", pauseStep)
	return r
}

// Register adds or replaces a step.
func (r *StepRegistry) Register(name string, step Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[name] = step
}

// Lookup returns the named step.
func (r *StepRegistry) Lookup(name string) (Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	step, ok := r.steps[name]
	return step, ok
}

// Names lists registered step names, sorted.
func (r *StepRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.steps))
	for name := range r.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// queryStatusStep fails unless a block job is still active on the device.
func queryStatusStep(ctx context.Context, run *Lifecycle) error {
	status, err := run.Channel().QueryJobStatus(ctx, run.Device())
	if err != nil {
		return fmt.Errorf("failed to query job status: %w", err)
	}
	if status == nil {
		return errors.New("no active block job")
	}

	logrus.WithFields(logrus.Fields{
		"device":  run.Device(),
		"offset":  status.Offset,
		"length":  status.Length,
		"percent": fmt.Sprintf("%.1f", status.Percent()),
	}).Info("Block job status")
	return nil
}

// verifyTargetStep checks the device is now backed by the target image.
func verifyTargetStep(ctx context.Context, run *Lifecycle) error {
	target := run.Target()
	device, err := run.Channel().LookupDevice(ctx, blockjob.DeviceFilter{File: target.Path})
	if err != nil {
		return fmt.Errorf("failed to look up device: %w", err)
	}
	if device != run.Device() {
		return fmt.Errorf("device %s is not backed by %s", run.Device(), target.Path)
	}
	return nil
}

func pauseStep(ctx context.Context, run *Lifecycle) error {
	timer := time.NewTimer(run.Options().StepPause())
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package blockjob

import (
	"fmt"
	"time"
)

// JobStartError is returned when no active job is observed after a start
// command was accepted, or when the source device cannot be resolved.
type JobStartError struct {
	Device string
	Target string
	Err    error
}

func (e *JobStartError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to start mirror of %s to %s: %v", e.Device, e.Target, e.Err)
	}
	return fmt.Sprintf("no active mirroring job found on %s", e.Device)
}

func (e *JobStartError) Unwrap() error { return e.Err }

// JobNotSteadyError is returned when a mirror job does not converge in time.
type JobNotSteadyError struct {
	Timeout time.Duration
}

func (e *JobNotSteadyError) Error() string {
	return fmt.Sprintf("wait mirroring job ready timeout in %s", e.Timeout)
}

// ReopenTimeoutError is returned when the device is not observed on the new
// target in time.
type ReopenTimeoutError struct {
	Timeout time.Duration
	Target  string
}

func (e *ReopenTimeoutError) Error() string {
	return fmt.Sprintf("target image %s not used, wait timeout in %s", e.Target, e.Timeout)
}

// ProvisioningError wraps a failure of the storage backend.
type ProvisioningError struct {
	Kind BackingStoreKind
	Path string
	Err  error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("failed to provision %s image %s: %v", e.Kind, e.Path, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// HookFailure reports a caller supplied step that failed.
type HookFailure struct {
	Phase string
	Step  string
	Err   error
}

func (e *HookFailure) Error() string {
	return fmt.Sprintf("step %q in phase %s failed: %v", e.Step, e.Phase, e.Err)
}

func (e *HookFailure) Unwrap() error { return e.Err }

package blockjob

import "context"

// Channel is the command and event surface of the system running the job.
// Implementations own their event queue; callers must not share one Channel
// between jobs on the same device.
type Channel interface {
	// StartMirror begins copying req.Device to req.TargetPath.
	StartMirror(ctx context.Context, req MirrorRequest) error
	// QueryJobStatus returns nil when no job is active on device.
	QueryJobStatus(ctx context.Context, device string) (*JobStatus, error)
	// ReopenDevice switches device to newPath once the copy is in sync.
	ReopenDevice(ctx context.Context, device, newPath, format string) error
	// LookupDevice returns the device whose backing source matches filter,
	// or "" when none does.
	LookupDevice(ctx context.Context, filter DeviceFilter) (string, error)
	// SupportsEvents reports whether GetEvent and ClearEvent are meaningful.
	SupportsEvents() bool
	GetEvent(tag EventTag) bool
	ClearEvent(tag EventTag)
}

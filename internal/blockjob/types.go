// Package blockjob drives block mirror jobs on a running guest: it starts a
// copy, detects when the copy has converged and pivots the disk to the new
// target, all through the Channel abstraction.
package blockjob

import (
	"fmt"
	"time"
)

// JobStatus is an immutable snapshot of a block job's progress.
type JobStatus struct {
	Length uint64
	Offset uint64
}

// Done reports whether every byte has been copied.
func (s JobStatus) Done() bool {
	return s.Offset == s.Length
}

// Percent returns copy progress in the range [0, 100].
func (s JobStatus) Percent() float64 {
	if s.Length == 0 {
		return 0
	}
	return float64(s.Offset) / float64(s.Length) * 100
}

// BackingStoreKind selects how a target image is provisioned.
type BackingStoreKind string

const (
	KindLocal BackingStoreKind = "local"
	KindNFS   BackingStoreKind = "nfs"
	KindISCSI BackingStoreKind = "iscsi"
)

// ParseBackingStoreKind validates an image_type value. Empty means local.
func ParseBackingStoreKind(s string) (BackingStoreKind, error) {
	switch BackingStoreKind(s) {
	case "", KindLocal:
		return KindLocal, nil
	case KindNFS, KindISCSI:
		return BackingStoreKind(s), nil
	default:
		return "", fmt.Errorf("unsupported image type: %s", s)
	}
}

// CreateMode tells the hypervisor whether to create the mirror target or to
// reuse one that was prepared beforehand.
type CreateMode string

const (
	CreateAbsolutePath CreateMode = "absolute-path"
	CreateExisting     CreateMode = "existing"
)

// ParseCreateMode validates a create_mode value. Empty means absolute-path.
func ParseCreateMode(s string) (CreateMode, error) {
	switch CreateMode(s) {
	case "", CreateAbsolutePath:
		return CreateAbsolutePath, nil
	case CreateExisting:
		return CreateExisting, nil
	default:
		return "", fmt.Errorf("unsupported create mode: %s", s)
	}
}

// TargetImage describes the destination of a mirror job.
type TargetImage struct {
	Name       string
	Path       string
	Format     string
	Kind       BackingStoreKind
	CreateMode CreateMode
	Size       string
	SeedURL    string
}

// ExternallyManaged reports whether the target's lifetime belongs to the
// storage backend rather than to the run (iSCSI LUNs are reformatted, not
// deleted).
func (t TargetImage) ExternallyManaged() bool {
	return t.Kind == KindISCSI
}

// MirrorRequest carries the arguments of a mirror start command.
type MirrorRequest struct {
	Device     string
	TargetPath string
	// Speed is the bandwidth limit in bytes per second, 0 for unlimited.
	Speed      uint64
	FullCopy   bool
	Format     string
	CreateMode CreateMode
	// BlockDevice is set when the target is a block device node rather
	// than a file.
	BlockDevice bool
}

// DeviceFilter selects a guest disk by its backing source.
type DeviceFilter struct {
	File string
}

// PollIntervals tunes the sleep-poll loops. Production code uses
// DefaultPollIntervals; tests shrink them.
type PollIntervals struct {
	SteadyFirst time.Duration
	SteadyStep  time.Duration
	ReopenFirst time.Duration
	ReopenStep  time.Duration
}

// DefaultPollIntervals matches the pacing used against a live monitor.
var DefaultPollIntervals = PollIntervals{
	SteadyFirst: 3 * time.Second,
	SteadyStep:  3 * time.Second,
	ReopenFirst: 3 * time.Second,
	ReopenStep:  1 * time.Second,
}

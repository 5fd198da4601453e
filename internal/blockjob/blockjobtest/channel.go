// Package blockjobtest provides an in-memory blockjob.Channel for tests.
package blockjobtest

import (
	"context"
	"sync"
	"time"

	"github.com/rossigee/libvirt-mirror-orchestrator/internal/blockjob"
)

// Channel is a scriptable blockjob.Channel. The zero value is not usable;
// call NewChannel.
type Channel struct {
	mu sync.Mutex

	events          *blockjob.EventQueue
	eventsSupported bool

	status  *blockjob.JobStatus
	devices map[string]string

	// AfterStart becomes the job status once StartMirror succeeds. Leaving
	// it nil simulates a start command that never produced a job.
	AfterStart *blockjob.JobStatus
	// PivotOnReopen makes ReopenDevice re-point the device immediately.
	PivotOnReopen bool

	StartErr  error
	StatusErr error
	ReopenErr error

	Started  []blockjob.MirrorRequest
	Reopened []string
	Queries  int
}

// NewChannel creates a channel with event delivery on or off.
func NewChannel(eventsSupported bool) *Channel {
	return &Channel{
		events:          blockjob.NewEventQueue(),
		eventsSupported: eventsSupported,
		devices:         make(map[string]string),
	}
}

// SetStatus replaces the current job status; nil removes the job.
func (c *Channel) SetStatus(status *blockjob.JobStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

// SetDevice records that device is backed by file.
func (c *Channel) SetDevice(file, device string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices[file] = device
}

// Post delivers tag now.
func (c *Channel) Post(tag blockjob.EventTag) {
	c.events.Post(tag)
}

// PostAfter delivers tag after d.
func (c *Channel) PostAfter(d time.Duration, tag blockjob.EventTag) {
	time.AfterFunc(d, func() { c.events.Post(tag) })
}

// SetDeviceAfter records the file to device mapping after d.
func (c *Channel) SetDeviceAfter(d time.Duration, file, device string) {
	time.AfterFunc(d, func() { c.SetDevice(file, device) })
}

func (c *Channel) StartMirror(_ context.Context, req blockjob.MirrorRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.StartErr != nil {
		return c.StartErr
	}
	c.Started = append(c.Started, req)
	if c.AfterStart != nil {
		status := *c.AfterStart
		c.status = &status
	}
	return nil
}

func (c *Channel) QueryJobStatus(_ context.Context, _ string) (*blockjob.JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Queries++
	if c.StatusErr != nil {
		return nil, c.StatusErr
	}
	if c.status == nil {
		return nil, nil
	}
	status := *c.status
	return &status, nil
}

func (c *Channel) ReopenDevice(_ context.Context, device, newPath, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ReopenErr != nil {
		return c.ReopenErr
	}
	c.Reopened = append(c.Reopened, newPath)
	if c.PivotOnReopen {
		c.devices[newPath] = device
	}
	return nil
}

func (c *Channel) LookupDevice(_ context.Context, filter blockjob.DeviceFilter) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devices[filter.File], nil
}

func (c *Channel) SupportsEvents() bool {
	return c.eventsSupported
}

func (c *Channel) GetEvent(tag blockjob.EventTag) bool {
	return c.events.Has(tag)
}

func (c *Channel) ClearEvent(tag blockjob.EventTag) {
	c.events.Clear(tag)
}

package libvirt

import (
	"context"
	"fmt"
	"sync"

	"github.com/libvirt/libvirt-go"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/blockjob"
	"github.com/sirupsen/logrus"
)

// DomainChannel implements blockjob.Channel for one domain. Block job events
// delivered by the event loop are posted into its own queue.
type DomainChannel struct {
	conn *libvirt.Connect
	dom  *libvirt.Domain
	name string

	events     *blockjob.EventQueue
	callbackID int
	subscribed bool

	mu     sync.Mutex
	device string
}

func newDomainChannel(conn *libvirt.Connect, dom *libvirt.Domain, name string) *DomainChannel {
	return &DomainChannel{
		conn:   conn,
		dom:    dom,
		name:   name,
		events: blockjob.NewEventQueue(),
	}
}

func (c *DomainChannel) subscribe() error {
	id, err := c.conn.DomainEventBlockJob2Register(c.dom, func(_ *libvirt.Connect, _ *libvirt.Domain, ev *libvirt.DomainEventBlockJob) {
		c.handleEvent(ev.Disk, ev.Status)
	})
	if err != nil {
		return fmt.Errorf("failed to register block job events: %w", err)
	}

	c.callbackID = id
	c.subscribed = true
	return nil
}

func (c *DomainChannel) handleEvent(disk string, status libvirt.ConnectDomainEventBlockJobStatus) {
	c.mu.Lock()
	device := c.device
	c.mu.Unlock()

	if device != "" && disk != device {
		return
	}

	tag, ok := eventTag(status)
	if !ok {
		return
	}

	logrus.WithFields(logrus.Fields{
		"domain": c.name,
		"disk":   disk,
		"event":  tag,
	}).Debug("Block job event")
	c.events.Post(tag)
}

func eventTag(status libvirt.ConnectDomainEventBlockJobStatus) (blockjob.EventTag, bool) {
	switch status {
	case libvirt.DOMAIN_BLOCK_JOB_READY:
		return blockjob.EventJobReady, true
	case libvirt.DOMAIN_BLOCK_JOB_COMPLETED:
		return blockjob.EventJobCompleted, true
	case libvirt.DOMAIN_BLOCK_JOB_FAILED:
		return blockjob.EventJobFailed, true
	case libvirt.DOMAIN_BLOCK_JOB_CANCELED:
		return blockjob.EventJobCancelled, true
	}
	return "", false
}

func copyFlags(req blockjob.MirrorRequest) libvirt.DomainBlockCopyFlags {
	flags := libvirt.DOMAIN_BLOCK_COPY_TRANSIENT_JOB
	if !req.FullCopy {
		flags |= libvirt.DOMAIN_BLOCK_COPY_SHALLOW
	}
	if req.CreateMode == blockjob.CreateExisting || req.BlockDevice {
		flags |= libvirt.DOMAIN_BLOCK_COPY_REUSE_EXT
	}
	return flags
}

// StartMirror issues a block copy of req.Device to req.TargetPath.
func (c *DomainChannel) StartMirror(_ context.Context, req blockjob.MirrorRequest) error {
	destXML, err := destinationXML(req)
	if err != nil {
		return err
	}

	params := &libvirt.DomainBlockCopyParameters{}
	if req.Speed > 0 {
		params.BandwidthSet = true
		params.Bandwidth = req.Speed
	}

	c.mu.Lock()
	c.device = req.Device
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"domain":    c.name,
		"device":    req.Device,
		"target":    req.TargetPath,
		"full_copy": req.FullCopy,
		"speed":     req.Speed,
	}).Debug("Issuing block copy")

	if err := c.dom.BlockCopy(req.Device, destXML, params, copyFlags(req)); err != nil {
		return fmt.Errorf("block copy of %s failed: %w", req.Device, err)
	}
	return nil
}

// QueryJobStatus returns nil when no block job runs on device.
func (c *DomainChannel) QueryJobStatus(_ context.Context, device string) (*blockjob.JobStatus, error) {
	info, err := c.dom.GetBlockJobInfo(device, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to query block job on %s: %w", device, err)
	}
	return jobStatus(info), nil
}

func jobStatus(info *libvirt.DomainBlockJobInfo) *blockjob.JobStatus {
	if info == nil || (info.Type == 0 && info.End == 0) {
		return nil
	}
	return &blockjob.JobStatus{Length: info.End, Offset: info.Cur}
}

// ReopenDevice pivots device onto the copy. The hypervisor keeps the format
// it was given when the copy started.
func (c *DomainChannel) ReopenDevice(_ context.Context, device, newPath, format string) error {
	logrus.WithFields(logrus.Fields{
		"domain": c.name,
		"device": device,
		"path":   newPath,
		"format": format,
	}).Debug("Pivoting block job")

	if err := c.dom.BlockJobAbort(device, libvirt.DOMAIN_BLOCK_JOB_ABORT_PIVOT); err != nil {
		return fmt.Errorf("pivot of %s failed: %w", device, err)
	}
	return nil
}

// LookupDevice returns the disk target backed by filter.File.
func (c *DomainChannel) LookupDevice(_ context.Context, filter blockjob.DeviceFilter) (string, error) {
	xml, err := c.dom.GetXMLDesc(0)
	if err != nil {
		return "", fmt.Errorf("failed to read domain XML: %w", err)
	}
	return findDisk(xml, filter)
}

func (c *DomainChannel) SupportsEvents() bool {
	return c.subscribed
}

func (c *DomainChannel) GetEvent(tag blockjob.EventTag) bool {
	return c.events.Has(tag)
}

func (c *DomainChannel) ClearEvent(tag blockjob.EventTag) {
	c.events.Clear(tag)
}

// Close drops the event subscription and the domain reference.
func (c *DomainChannel) Close() error {
	if c.subscribed {
		if err := c.conn.DomainEventDeregister(c.callbackID); err != nil {
			logrus.WithError(err).WithField("domain", c.name).Warn("Failed to deregister block job events")
		}
		c.subscribed = false
	}
	if err := c.dom.Free(); err != nil {
		return fmt.Errorf("failed to release domain %s: %w", c.name, err)
	}
	return nil
}

// Package libvirt drives block copy jobs on running domains through the
// libvirt API.
package libvirt

import (
	"context"
	"fmt"
	"sync"

	"github.com/libvirt/libvirt-go"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/config"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/jobs"
	"github.com/sirupsen/logrus"
)

var (
	eventLoopOnce sync.Once
	eventLoopErr  error
)

// startEventLoop registers the default event implementation and runs it in
// the background. It must happen before the first connection is opened.
func startEventLoop() error {
	eventLoopOnce.Do(func() {
		if err := libvirt.EventRegisterDefaultImpl(); err != nil {
			eventLoopErr = fmt.Errorf("failed to register libvirt event loop: %w", err)
			return
		}
		go func() {
			for {
				if err := libvirt.EventRunDefaultImpl(); err != nil {
					logrus.WithError(err).Error("libvirt event loop iteration failed")
				}
			}
		}()
	})
	return eventLoopErr
}

// Connection is a shared hypervisor connection
type Connection struct {
	conn   *libvirt.Connect
	uri    string
	events bool
}

// NewConnection connects to cfg.URI. With cfg.Events set the process-wide
// event loop is started first so block job events reach domain channels.
func NewConnection(cfg config.LibvirtConfig) (*Connection, error) {
	events := cfg.Events
	if events {
		if err := startEventLoop(); err != nil {
			logrus.WithError(err).Warn("Block job events disabled")
			events = false
		}
	}

	conn, err := libvirt.NewConnect(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"uri":    cfg.URI,
		"events": events,
	}).Info("Connected to libvirt")

	return &Connection{conn: conn, uri: cfg.URI, events: events}, nil
}

// OpenDomain attaches a channel to the named domain.
func (c *Connection) OpenDomain(_ context.Context, name string) (jobs.DomainChannel, error) {
	dom, err := c.conn.LookupDomainByName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to look up domain %s: %w", name, err)
	}

	ch := newDomainChannel(c.conn, dom, name)
	if c.events {
		if err := ch.subscribe(); err != nil {
			logrus.WithError(err).WithField("domain", name).Warn("Block job events unavailable for domain")
		}
	}
	return ch, nil
}

// Ping reports whether the connection is still usable.
func (c *Connection) Ping() error {
	alive, err := c.conn.IsAlive()
	if err != nil {
		return fmt.Errorf("failed to check libvirt connection: %w", err)
	}
	if !alive {
		return fmt.Errorf("libvirt connection to %s is closed", c.uri)
	}
	return nil
}

// Close closes the libvirt connection
func (c *Connection) Close() error {
	if c.conn != nil {
		if _, err := c.conn.Close(); err != nil {
			return fmt.Errorf("failed to close libvirt connection: %w", err)
		}
	}
	return nil
}

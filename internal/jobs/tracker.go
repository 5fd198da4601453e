package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrTrackerDrained is returned when a resource is added after cleanup ran.
var ErrTrackerDrained = errors.New("resource tracker already drained")

type trashEntry struct {
	name    string
	release func(ctx context.Context) error
}

// Tracker records resources that must be released when a run ends. Entries
// are released in reverse order of registration, exactly once.
type Tracker struct {
	mu      sync.Mutex
	entries []trashEntry
	drained bool
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Add registers a resource.
func (t *Tracker) Add(name string, release func(ctx context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.drained {
		return fmt.Errorf("%w: %s", ErrTrackerDrained, name)
	}
	t.entries = append(t.entries, trashEntry{name: name, release: release})
	return nil
}

// Names lists registered resources in registration order.
func (t *Tracker) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.entries))
	for _, e := range t.entries {
		names = append(names, e.name)
	}
	return names
}

// Drained reports whether Drain has run.
func (t *Tracker) Drained() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drained
}

// Drain releases every resource. Every release is attempted; failures are
// logged and returned joined. Calls after the first do nothing.
func (t *Tracker) Drain(ctx context.Context) error {
	t.mu.Lock()
	if t.drained {
		t.mu.Unlock()
		return nil
	}
	t.drained = true
	entries := t.entries
	t.entries = nil
	t.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if err := entry.release(ctx); err != nil {
			logrus.WithError(err).WithField("resource", entry.name).Warn("Failed to release resource")
			errs = append(errs, fmt.Errorf("%s: %w", entry.name, err))
			continue
		}
		logrus.WithField("resource", entry.name).Debug("Released resource")
	}

	return errors.Join(errs...)
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rossigee/libvirt-mirror-orchestrator/internal/blockjob"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/config"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/provisioner"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// State is the position of a run in its lifecycle.
type State string

const (
	StatePending     State = "pending"
	StateProvisioned State = "provisioned"
	StateStarted     State = "started"
	StateSteady      State = "steady"
	StateReopened    State = "reopened"
	StateCleaned     State = "cleaned"
)

// Run phases reported in RunError.
const (
	PhaseProvision = "provision"
	PhaseStart     = "start"
	PhaseSteady    = "wait_for_steady"
	PhaseReopen    = "reopen"
)

// ErrInvalidTransition is returned when an operation is called out of order.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// RunError is the terminal error of a run. Err holds the typed cause.
type RunError struct {
	Phase string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("mirror run failed during %s: %v", e.Phase, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// ObserverFunc is told about every state change and every failure. err is
// nil for plain transitions.
type ObserverFunc func(state State, phase string, err error)

// LifecycleOption customises a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithPollIntervals overrides the polling pace.
func WithPollIntervals(intervals blockjob.PollIntervals) LifecycleOption {
	return func(l *Lifecycle) { l.intervals = intervals }
}

// WithSteps sets the registry hook names are resolved against.
func WithSteps(steps *StepRegistry) LifecycleOption {
	return func(l *Lifecycle) { l.steps = steps }
}

// WithObserver registers an observer.
func WithObserver(fn ObserverFunc) LifecycleOption {
	return func(l *Lifecycle) { l.observer = fn }
}

// WithProgress receives job status samples while waiting for steady state.
func WithProgress(fn func(blockjob.JobStatus)) LifecycleOption {
	return func(l *Lifecycle) { l.progress = fn }
}

// WithFs sets the filesystem used to delete target images.
func WithFs(fs afero.Fs) LifecycleOption {
	return func(l *Lifecycle) { l.fs = fs }
}

// Lifecycle drives one mirror job from provisioning to cleanup. It owns the
// job exclusively; its operations must be called from one goroutine.
type Lifecycle struct {
	channel     blockjob.Channel
	provisioner provisioner.Provisioner
	opts        config.Options
	bridge      *blockjob.EventBridge
	tracker     *Tracker
	steps       *StepRegistry
	intervals   blockjob.PollIntervals
	observer    ObserverFunc
	progress    func(blockjob.JobStatus)
	fs          afero.Fs

	hooks map[string][]namedStep

	mu     sync.RWMutex
	state  State
	device string
	target blockjob.TargetImage
}

type namedStep struct {
	name string
	step Step
}

// NewLifecycle validates the hook configuration and prepares a run.
func NewLifecycle(ch blockjob.Channel, prov provisioner.Provisioner, opts config.Options, options ...LifecycleOption) (*Lifecycle, error) {
	l := &Lifecycle{
		channel:     ch,
		provisioner: prov,
		opts:        opts,
		tracker:     NewTracker(),
		intervals:   blockjob.DefaultPollIntervals,
		fs:          afero.NewOsFs(),
		state:       StatePending,
		target:      opts.Target(),
	}
	for _, option := range options {
		option(l)
	}
	if l.steps == nil {
		l.steps = NewStepRegistry()
	}
	l.bridge = blockjob.NewEventBridge(ch)

	l.hooks = make(map[string][]namedStep)
	for phase, names := range map[string][]string{
		PhaseBeforeSteady: opts.BeforeSteady,
		PhaseWhenSteady:   opts.WhenSteady,
		PhaseAfterReopen:  opts.AfterReopen,
	} {
		for _, name := range names {
			step, ok := l.steps.Lookup(name)
			if !ok {
				return nil, fmt.Errorf("unknown step %q in %s", name, phase)
			}
			l.hooks[phase] = append(l.hooks[phase], namedStep{name: name, step: step})
		}
	}

	return l, nil
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Device returns the device being mirrored, empty before Start.
func (l *Lifecycle) Device() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.device
}

// Target returns the target image descriptor.
func (l *Lifecycle) Target() blockjob.TargetImage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.target
}

// Options returns the resolved options of the run.
func (l *Lifecycle) Options() config.Options {
	return l.opts
}

// Channel returns the control channel of the run.
func (l *Lifecycle) Channel() blockjob.Channel {
	return l.channel
}

// Tracker returns the run's resource tracker.
func (l *Lifecycle) Tracker() *Tracker {
	return l.tracker
}

func (l *Lifecycle) expect(states ...State) error {
	current := l.State()
	for _, s := range states {
		if current == s {
			return nil
		}
	}
	return fmt.Errorf("%w: in state %s", ErrInvalidTransition, current)
}

func (l *Lifecycle) setState(state State) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()

	logrus.WithFields(l.fields()).WithField("state", state).Debug("Mirror run transition")
	if l.observer != nil {
		l.observer(state, "", nil)
	}
}

func (l *Lifecycle) fields() logrus.Fields {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return logrus.Fields{
		"domain": l.opts.Domain,
		"device": l.device,
		"target": l.target.Path,
	}
}

// Provision prepares the target image. Backend teardown is registered
// before provisioning so a partial setup is still released.
func (l *Lifecycle) Provision(ctx context.Context) error {
	if err := l.expect(StatePending); err != nil {
		return err
	}

	kind := l.target.Kind
	if err := l.tracker.Add(fmt.Sprintf("%s storage for %s", kind, l.target.Name), func(ctx context.Context) error {
		target := l.Target()
		return l.provisioner.Teardown(ctx, &target)
	}); err != nil {
		return err
	}

	target := l.Target()
	if _, err := l.provisioner.Provision(ctx, &target); err != nil {
		return err
	}

	l.mu.Lock()
	l.target = target
	l.mu.Unlock()

	l.setState(StateProvisioned)
	return nil
}

// Start issues the mirror command and checks that a job became active.
func (l *Lifecycle) Start(ctx context.Context) error {
	if err := l.expect(StateProvisioned); err != nil {
		return err
	}

	target := l.Target()
	device, err := l.resolveDevice(ctx)
	if err != nil {
		return &blockjob.JobStartError{Device: l.opts.SourceImage, Target: target.Path, Err: err}
	}

	l.mu.Lock()
	l.device = device
	l.mu.Unlock()

	logrus.WithFields(l.fields()).Info("Starting block mirror")

	req := blockjob.MirrorRequest{
		Device:      device,
		TargetPath:  target.Path,
		Speed:       uint64(l.opts.DefaultSpeed),
		FullCopy:    l.opts.FullCopy,
		Format:      target.Format,
		CreateMode:  target.CreateMode,
		BlockDevice: target.Kind == blockjob.KindISCSI,
	}
	if err := l.channel.StartMirror(ctx, req); err != nil {
		return &blockjob.JobStartError{Device: device, Target: target.Path, Err: err}
	}

	if !target.ExternallyManaged() {
		if err := l.tracker.Add("image "+target.Path, l.removeImage(target.Path)); err != nil {
			return err
		}
	}

	status, err := l.channel.QueryJobStatus(ctx, device)
	if err != nil || status == nil {
		return &blockjob.JobStartError{Device: device, Target: target.Path, Err: err}
	}

	l.setState(StateStarted)
	return nil
}

func (l *Lifecycle) resolveDevice(ctx context.Context) (string, error) {
	if l.opts.Device != "" {
		return l.opts.Device, nil
	}
	if l.opts.SourceImage == "" {
		return "", errors.New("neither device nor source_image is set")
	}

	device, err := l.channel.LookupDevice(ctx, blockjob.DeviceFilter{File: l.opts.SourceImage})
	if err != nil {
		return "", fmt.Errorf("failed to look up source device: %w", err)
	}
	if device == "" {
		return "", fmt.Errorf("no device backed by %s", l.opts.SourceImage)
	}
	return device, nil
}

func (l *Lifecycle) removeImage(path string) func(ctx context.Context) error {
	return func(context.Context) error {
		if err := l.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
		return nil
	}
}

// WaitForSteady blocks until the mirror has converged.
func (l *Lifecycle) WaitForSteady(ctx context.Context) error {
	if err := l.expect(StateStarted); err != nil {
		return err
	}

	detector := blockjob.NewSteadyStateDetector(l.channel, l.bridge, l.Device(), l.opts.CheckEvent, l.intervals)
	if l.progress != nil {
		detector.OnProgress(l.progress)
	}
	if err := detector.WaitForSteady(ctx, l.opts.WaitTimeout()); err != nil {
		return err
	}

	logrus.WithFields(l.fields()).Info("Block mirror is steady")
	l.setState(StateSteady)
	return nil
}

// Reopen switches the device to the target image.
func (l *Lifecycle) Reopen(ctx context.Context) error {
	if err := l.expect(StateSteady); err != nil {
		return err
	}

	coordinator := blockjob.NewReopenCoordinator(l.channel, l.bridge, l.intervals)
	if err := coordinator.Reopen(ctx, l.Device(), l.Target(), l.opts.ReopenTimeout()); err != nil {
		return err
	}

	logrus.WithFields(l.fields()).Info("Device reopened on target image")
	l.setState(StateReopened)
	return nil
}

// RunHooks executes the steps configured for phase, stopping at the first
// failure.
func (l *Lifecycle) RunHooks(ctx context.Context, phase string) error {
	for _, hook := range l.hooks[phase] {
		logrus.WithFields(l.fields()).WithFields(logrus.Fields{
			"phase": phase,
			"step":  hook.name,
		}).Info("Running step")

		if err := hook.step(ctx, l); err != nil {
			return &blockjob.HookFailure{Phase: phase, Step: hook.name, Err: err}
		}
	}
	return nil
}

// Cleanup releases every tracked resource. It runs once; later calls return
// nil.
func (l *Lifecycle) Cleanup(ctx context.Context) error {
	if l.State() == StateCleaned {
		return nil
	}

	err := l.tracker.Drain(ctx)
	l.setState(StateCleaned)
	return err
}

// Run executes the whole lifecycle. Cleanup always runs, even when ctx is
// cancelled; a cleanup failure is logged and never replaces the run error.
func (l *Lifecycle) Run(ctx context.Context) (err error) {
	defer func() {
		if cleanupErr := l.Cleanup(context.WithoutCancel(ctx)); cleanupErr != nil {
			logrus.WithFields(l.fields()).WithError(cleanupErr).Warn("Cleanup finished with errors")
			if l.observer != nil {
				l.observer(StateCleaned, "cleanup", cleanupErr)
			}
		}
	}()

	steps := []struct {
		phase string
		fn    func(context.Context) error
	}{
		{PhaseProvision, l.Provision},
		{PhaseStart, l.Start},
		{PhaseBeforeSteady, func(ctx context.Context) error { return l.RunHooks(ctx, PhaseBeforeSteady) }},
		{PhaseSteady, l.WaitForSteady},
		{PhaseWhenSteady, func(ctx context.Context) error { return l.RunHooks(ctx, PhaseWhenSteady) }},
		{PhaseReopen, l.Reopen},
		{PhaseAfterReopen, func(ctx context.Context) error { return l.RunHooks(ctx, PhaseAfterReopen) }},
	}

	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return l.fail(step.phase, err)
		}
	}

	return nil
}

func (l *Lifecycle) fail(phase string, err error) error {
	logrus.WithFields(l.fields()).WithError(err).WithField("phase", phase).Error("Mirror run failed")
	if l.observer != nil {
		l.observer(l.State(), phase, err)
	}
	return &RunError{Phase: phase, Err: err}
}

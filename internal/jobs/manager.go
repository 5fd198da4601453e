package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/blockjob"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/config"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/metrics"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/provisioner"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/storage"
	"github.com/rossigee/libvirt-mirror-orchestrator/pkg/types"
	"github.com/sirupsen/logrus"
)

var (
	// ErrRunNotFound is returned for unknown run IDs.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunFinished is returned when cancelling a run that already ended.
	ErrRunFinished = errors.New("run already finished")
	// ErrInvalidParameters wraps option and step validation failures.
	ErrInvalidParameters = errors.New("invalid mirror parameters")
)

// DomainChannel is a control channel bound to one domain.
type DomainChannel interface {
	blockjob.Channel
	Close() error
}

// ChannelOpener attaches to a domain by name.
type ChannelOpener interface {
	OpenDomain(ctx context.Context, name string) (DomainChannel, error)
}

// Journal persists run state. storage.Store satisfies it.
type Journal interface {
	SaveRun(ctx context.Context, record *storage.RunRecord) error
	AppendEvent(ctx context.Context, event storage.RunEvent) error
}

// Run is one mirror run tracked by the Manager
type Run struct {
	ID          string
	Request     types.MirrorRequest
	Options     config.Options
	Status      types.RunStatus
	State       State
	Progress    *types.ProgressInfo
	Error       error
	FailedPhase string
	TargetPath  string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	cancelFunc context.CancelFunc
	done       chan struct{}
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithJournal persists every run update.
func WithJournal(j Journal) ManagerOption {
	return func(m *Manager) { m.journal = j }
}

// WithMetrics records run metrics.
func WithMetrics(c *metrics.Collector) ManagerOption {
	return func(m *Manager) { m.metrics = c }
}

// WithProvisionerDeps sets the collaborators handed to every provisioner.
func WithProvisionerDeps(deps provisioner.Deps) ManagerOption {
	return func(m *Manager) { m.provDeps = deps }
}

// WithStepRegistry sets the registry used to resolve hook names.
func WithStepRegistry(steps *StepRegistry) ManagerOption {
	return func(m *Manager) { m.steps = steps }
}

// WithRunPollIntervals overrides the polling pace of every run.
func WithRunPollIntervals(intervals blockjob.PollIntervals) ManagerOption {
	return func(m *Manager) { m.intervals = &intervals }
}

// Manager runs mirror jobs concurrently, each with its own Lifecycle.
type Manager struct {
	cfg       *config.Config
	opener    ChannelOpener
	journal   Journal
	metrics   *metrics.Collector
	provDeps  provisioner.Deps
	steps     *StepRegistry
	intervals *blockjob.PollIntervals

	runs      map[string]*Run
	semaphore chan struct{} // Limits concurrent runs
	mu        sync.RWMutex
}

// NewManager creates a run manager
func NewManager(cfg *config.Config, opener ChannelOpener, opts ...ManagerOption) *Manager {
	maxConcurrent := cfg.Jobs.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	m := &Manager{
		cfg:       cfg,
		opener:    opener,
		runs:      make(map[string]*Run),
		semaphore: make(chan struct{}, maxConcurrent),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.steps == nil {
		m.steps = NewStepRegistry()
	}
	return m
}

// StartRun validates req and starts it in the background. Invalid options
// are rejected before a run is created.
func (m *Manager) StartRun(req types.MirrorRequest) (string, error) {
	params := make(map[string]any, len(req.Params)+1)
	for k, v := range req.Params {
		params[k] = v
	}
	params["domain"] = req.Domain

	opts, err := m.cfg.Resolve(params)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidParameters, err)
	}
	// Reject unknown hook names now rather than inside the run.
	for _, names := range [][]string{opts.BeforeSteady, opts.WhenSteady, opts.AfterReopen} {
		for _, name := range names {
			if _, ok := m.steps.Lookup(name); !ok {
				return "", fmt.Errorf("%w: unknown step %q", ErrInvalidParameters, name)
			}
		}
	}

	runID := uuid.New().String()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Jobs.RunTimeout())

	now := time.Now()
	run := &Run{
		ID:         runID,
		Request:    req,
		Options:    opts,
		Status:     types.StatusPending,
		State:      StatePending,
		CreatedAt:  now,
		UpdatedAt:  now,
		cancelFunc: cancel,
		done:       make(chan struct{}),
	}

	m.mu.Lock()
	m.runs[runID] = run
	m.mu.Unlock()

	m.persist(run)

	logrus.WithFields(logrus.Fields{
		"run_id":         runID,
		"domain":         req.Domain,
		"correlation_id": req.CorrelationID,
	}).Info("Mirror run accepted")

	go m.runJob(ctx, run)

	return runID, nil
}

// GetRunStatus returns the status of a run
func (m *Manager) GetRunStatus(runID string) (*types.StatusResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, exists := m.runs[runID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run.statusLocked(), nil
}

// ListRuns returns every known run, newest first.
func (m *Manager) ListRuns() []types.StatusResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.StatusResponse, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, *run.statusLocked())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// WaitRun blocks until the run ends or ctx is done.
func (m *Manager) WaitRun(ctx context.Context, runID string) (*types.StatusResponse, error) {
	m.mu.RLock()
	run, exists := m.runs[runID]
	m.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	select {
	case <-run.done:
		return m.GetRunStatus(runID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelRun cancels a pending or running run. Its cleanup still runs.
func (m *Manager) CancelRun(runID string) error {
	m.mu.Lock()
	run, exists := m.runs[runID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if run.Status.Terminal() {
		status := run.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunFinished, status)
	}

	run.cancelFunc()
	run.Status = types.StatusCancelled
	run.UpdatedAt = time.Now()
	m.mu.Unlock()

	logrus.WithField("run_id", runID).Info("Mirror run cancelled")
	m.persist(run)
	return nil
}

// runJob executes a run
func (m *Manager) runJob(ctx context.Context, run *Run) {
	defer close(run.done)
	defer run.cancelFunc()

	// Acquire semaphore (limit concurrent runs)
	select {
	case m.semaphore <- struct{}{}:
		defer func() { <-m.semaphore }()
	case <-ctx.Done():
		m.finish(run, ctx.Err())
		return
	}

	if m.metrics != nil {
		m.metrics.RunStarted()
		defer m.metrics.RunStopped()
	}

	m.update(run, func(r *Run) {
		if r.Status == types.StatusPending {
			r.Status = types.StatusRunning
		}
	})

	m.finish(run, m.execute(ctx, run))
}

func (m *Manager) execute(ctx context.Context, run *Run) error {
	ch, err := m.opener.OpenDomain(ctx, run.Options.Domain)
	if err != nil {
		return &RunError{Phase: "connect", Err: err}
	}
	defer func() {
		if closeErr := ch.Close(); closeErr != nil {
			logrus.WithError(closeErr).WithField("run_id", run.ID).Warn("Failed to close domain channel")
		}
	}()

	prov, err := provisioner.New(run.Options, m.provDeps)
	if err != nil {
		return &RunError{Phase: PhaseProvision, Err: err}
	}

	var lifecycle *Lifecycle
	targetPath := func() string {
		if lifecycle == nil {
			return ""
		}
		return lifecycle.Target().Path
	}

	options := []LifecycleOption{
		WithSteps(m.steps),
		WithObserver(m.observer(run, targetPath)),
		WithProgress(m.progress(run)),
	}
	if m.provDeps.Fs != nil {
		options = append(options, WithFs(m.provDeps.Fs))
	}
	if m.intervals != nil {
		options = append(options, WithPollIntervals(*m.intervals))
	}

	lifecycle, err = NewLifecycle(ch, prov, run.Options, options...)
	if err != nil {
		return &RunError{Phase: PhaseProvision, Err: err}
	}

	return lifecycle.Run(ctx)
}

// phaseOf names the phase that ends when state is entered.
var phaseOf = map[State]string{
	StateProvisioned: PhaseProvision,
	StateStarted:     PhaseStart,
	StateSteady:      PhaseSteady,
	StateReopened:    PhaseReopen,
	StateCleaned:     "cleanup",
}

var phasePercent = map[State]float64{
	StateProvisioned: 5,
	StateStarted:     10,
	StateSteady:      90,
	StateReopened:    95,
	StateCleaned:     100,
}

func (m *Manager) observer(run *Run, targetPath func() string) ObserverFunc {
	phaseStart := time.Now()

	return func(state State, phase string, err error) {
		if err != nil {
			if phase == "cleanup" {
				if m.metrics != nil {
					m.metrics.CleanupFailed()
				}
			} else {
				m.update(run, func(r *Run) { r.FailedPhase = phase })
			}
			m.journalEvent(run, state, phase, err.Error())
			return
		}

		if m.metrics != nil {
			m.metrics.ObservePhase(phaseOf[state], time.Since(phaseStart))
		}
		phaseStart = time.Now()

		m.update(run, func(r *Run) {
			r.State = state
			if path := targetPath(); path != "" {
				r.TargetPath = path
			}
			if r.Progress == nil {
				r.Progress = &types.ProgressInfo{}
			}
			r.Progress.Phase = string(state)
			if r.FailedPhase == "" {
				r.Progress.Percent = max(r.Progress.Percent, phasePercent[state])
			}
		})
		m.journalEvent(run, state, "", "")
	}
}

func (m *Manager) progress(run *Run) func(blockjob.JobStatus) {
	return func(status blockjob.JobStatus) {
		m.update(run, func(r *Run) {
			if r.Progress == nil {
				r.Progress = &types.ProgressInfo{}
			}
			r.Progress.BytesCopied = status.Offset
			r.Progress.BytesTotal = status.Length
			// The copy covers the span between started and steady.
			r.Progress.Percent = phasePercent[StateStarted] +
				status.Percent()/100*(phasePercent[StateSteady]-phasePercent[StateStarted])
		})
		if m.metrics != nil {
			m.metrics.Progress(run.ID, status.Percent()/100)
		}
	}
}

func (m *Manager) finish(run *Run, err error) {
	m.update(run, func(r *Run) {
		switch {
		case r.Status == types.StatusCancelled:
			r.Error = err
		case err == nil:
			r.Status = types.StatusCompleted
		case errors.Is(err, context.Canceled):
			r.Status = types.StatusCancelled
			r.Error = err
		default:
			r.Status = types.StatusFailed
			r.Error = err
		}

		var runErr *RunError
		if errors.As(err, &runErr) {
			r.FailedPhase = runErr.Phase
		}
	})

	m.mu.RLock()
	status := run.Status
	m.mu.RUnlock()

	entry := logrus.WithFields(logrus.Fields{
		"run_id": run.ID,
		"domain": run.Options.Domain,
		"status": status,
	})
	if err != nil {
		entry.WithError(err).Warn("Mirror run finished")
	} else {
		entry.Info("Mirror run finished")
	}

	if m.metrics != nil {
		m.metrics.RunFinished(run.ID, string(status))
	}
}

// update applies fn under the lock and persists the result.
func (m *Manager) update(run *Run, fn func(*Run)) {
	m.mu.Lock()
	fn(run)
	run.UpdatedAt = time.Now()
	m.mu.Unlock()

	m.persist(run)
}

func (m *Manager) persist(run *Run) {
	if m.journal == nil {
		return
	}

	m.mu.RLock()
	record := run.recordLocked()
	m.mu.RUnlock()

	if err := m.journal.SaveRun(context.Background(), record); err != nil {
		logrus.WithError(err).WithField("run_id", run.ID).Warn("Failed to persist run")
	}
}

func (m *Manager) journalEvent(run *Run, state State, phase, message string) {
	if m.journal == nil {
		return
	}

	if err := m.journal.AppendEvent(context.Background(), storage.RunEvent{
		RunID:   run.ID,
		State:   string(state),
		Phase:   phase,
		Message: message,
	}); err != nil {
		logrus.WithError(err).WithField("run_id", run.ID).Warn("Failed to journal run event")
	}
}

func (r *Run) statusLocked() *types.StatusResponse {
	resp := &types.StatusResponse{
		RunID:         r.ID,
		Domain:        r.Options.Domain,
		Status:        r.Status,
		State:         string(r.State),
		TargetPath:    r.TargetPath,
		FailedPhase:   r.FailedPhase,
		CorrelationID: r.Request.CorrelationID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.Progress != nil {
		progress := *r.Progress
		resp.Progress = &progress
	}
	if r.Error != nil {
		resp.Error = r.Error.Error()
	}
	return resp
}

func (r *Run) recordLocked() *storage.RunRecord {
	record := &storage.RunRecord{
		ID:            r.ID,
		Domain:        r.Options.Domain,
		Status:        string(r.Status),
		State:         string(r.State),
		FailedPhase:   r.FailedPhase,
		TargetPath:    r.TargetPath,
		CorrelationID: r.Request.CorrelationID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if data, err := json.Marshal(r.Request); err == nil {
		record.RequestJSON = string(data)
	}
	if r.Progress != nil {
		if data, err := json.Marshal(r.Progress); err == nil {
			record.ProgressJSON = string(data)
		}
	}
	if r.Error != nil {
		record.ErrorMessage = r.Error.Error()
	}
	if r.Status.Terminal() {
		completed := r.UpdatedAt
		record.CompletedAt = &completed
	}
	return record
}

// GetActiveRuns returns the count of pending and running runs
func (m *Manager) GetActiveRuns() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, run := range m.runs {
		if !run.Status.Terminal() {
			count++
		}
	}
	return count
}

// CleanupCompletedRuns forgets finished runs beyond the newest retain.
func (m *Manager) CleanupCompletedRuns(retain int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var finished []*Run
	for _, run := range m.runs {
		// A cancelled run is only forgotten once its cleanup is over.
		select {
		case <-run.done:
			finished = append(finished, run)
		default:
		}
	}
	if len(finished) <= retain {
		return 0
	}

	sort.Slice(finished, func(i, j int) bool {
		return finished[i].UpdatedAt.Before(finished[j].UpdatedAt)
	})
	removed := len(finished) - retain
	for _, run := range finished[:removed] {
		delete(m.runs, run.ID)
	}
	return removed
}

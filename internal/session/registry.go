// Package session tracks compilation jobs through their lifecycle.
//
// Every job lives in exactly one of four partitions: active, running,
// finished or failed. Transitions only move forward, and every partition is
// guarded by a single registry lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/martec-compiler/internal/events"
	"github.com/mattjoyce/martec-compiler/internal/log"
	"github.com/mattjoyce/martec-compiler/internal/metrics"
	"github.com/mattjoyce/martec-compiler/internal/runner"
)

type entry struct {
	job     Job
	builder Builder
}

// Registry is the single source of truth for job state.
type Registry struct {
	mu         sync.Mutex
	partitions map[State]map[string]*entry

	provisioner Provisioner
	newID       func() string
	now         func() time.Time
	hub         *events.Hub
	recorder    Recorder
	metrics     *metrics.Recorder
	logger      *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithEvents publishes every transition on hub.
func WithEvents(hub *events.Hub) Option {
	return func(r *Registry) { r.hub = hub }
}

// WithRecorder persists every transition through rec.
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithIDGenerator replaces the UUID generator. Used by tests.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

func WithClock(fn func() time.Time) Option {
	return func(r *Registry) { r.now = fn }
}

// NewRegistry returns an empty registry that provisions builders from p.
func NewRegistry(p Provisioner, opts ...Option) *Registry {
	r := &Registry{
		partitions:  make(map[State]map[string]*entry, len(States)),
		provisioner: p,
		newID:       uuid.NewString,
		now:         time.Now,
		logger:      log.WithComponent("session"),
	}
	for _, s := range States {
		r.partitions[s] = make(map[string]*entry)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create provisions a new job and registers it as active. The workspace
// exists on disk before the identifier is returned.
func (r *Registry) Create(ctx context.Context) (string, error) {
	id := r.newID()

	r.mu.Lock()
	_, _, exists := r.locate(id)
	r.mu.Unlock()
	if exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}

	b, err := r.provisioner.Provision(ctx, id)
	if err != nil {
		return "", fmt.Errorf("provision session %s: %w", id, err)
	}

	job := Job{
		ID:        id,
		Workspace: b.Workspace(),
		State:     StateActive,
		CreatedAt: r.now().UTC(),
	}

	r.mu.Lock()
	if _, _, exists := r.locate(id); exists {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	r.partitions[StateActive][id] = &entry{job: job, builder: b}
	r.mu.Unlock()

	r.announce(ctx, job)
	return id, nil
}

// StartBuild moves id from active to running, runs its build to completion
// and files the job as finished or failed. It blocks for the whole build.
//
// A build whose container ran to completion is finished whatever its exit
// code; only an error from the builder makes the job failed.
func (r *Registry) StartBuild(ctx context.Context, id string) (Job, error) {
	e, err := r.begin(ctx, id)
	if err != nil {
		return Job{}, err
	}
	res, runErr := runBuild(e.builder)
	return r.finish(ctx, id, e, res, runErr)
}

// StartBuildAsync performs the active to running transition synchronously and
// runs the build in the background. The returned channel yields exactly one
// Outcome and is then closed.
func (r *Registry) StartBuildAsync(ctx context.Context, id string) (<-chan Outcome, error) {
	e, err := r.begin(ctx, id)
	if err != nil {
		return nil, err
	}
	done := make(chan Outcome, 1)
	bg := context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		res, runErr := runBuild(e.builder)
		job, err := r.finish(bg, id, e, res, runErr)
		done <- Outcome{Job: job, Err: err}
	}()
	return done, nil
}

func (r *Registry) begin(ctx context.Context, id string) (*entry, error) {
	r.mu.Lock()
	e, ok := r.partitions[StateActive][id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	delete(r.partitions[StateActive], id)
	started := r.now().UTC()
	e.job.State = StateRunning
	e.job.StartedAt = &started
	r.partitions[StateRunning][id] = e
	job := e.job
	r.mu.Unlock()

	r.announce(ctx, job)
	return e, nil
}

func (r *Registry) finish(ctx context.Context, id string, e *entry, res runner.Result, runErr error) (Job, error) {
	r.mu.Lock()
	_, stillRunning := r.partitions[StateRunning][id]
	for _, s := range States {
		delete(r.partitions[s], id)
	}

	err := runErr
	target := StateFinished
	switch {
	case !stillRunning:
		target = StateFailed
		err = errors.Join(fmt.Errorf("%w: %s", ErrLostTransition, id), runErr)
	case runErr != nil:
		target = StateFailed
	}

	completed := r.now().UTC()
	e.job.State = target
	e.job.CompletedAt = &completed
	if runErr == nil || errors.Is(runErr, runner.ErrNonZeroExit) {
		code := res.ExitCode
		e.job.ExitCode = &code
	}
	if err != nil {
		e.job.Error = err.Error()
	}
	r.partitions[target][id] = e
	job := e.job
	r.mu.Unlock()

	r.metrics.ObserveBuild(string(target), res.Duration)
	r.announce(ctx, job)
	return job, err
}

// runBuild converts a panicking builder into an error so the job never
// stays in running.
func runBuild(b Builder) (res runner.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = runner.Result{ExitCode: -1}
			err = fmt.Errorf("build panicked: %v", p)
		}
	}()
	return b.Run()
}

var transitionEvents = map[State]string{
	StateActive:   events.SessionCreated,
	StateRunning:  events.SessionRunning,
	StateFinished: events.SessionFinished,
	StateFailed:   events.SessionFailed,
}

// announce fans a transition out to logs, metrics, events and the recorder.
// Must be called without r.mu held.
func (r *Registry) announce(ctx context.Context, job Job) {
	logger := r.logger.With("session_id", job.ID, "state", string(job.State))
	switch job.State {
	case StateFailed:
		logger.Warn("session failed", "error", job.Error)
	case StateFinished:
		logger.Info("session finished", "exit_code", derefInt(job.ExitCode))
	default:
		logger.Info("session transition")
	}

	r.metrics.IncTransition(string(job.State))
	r.hub.Publish(transitionEvents[job.State], job)

	if r.recorder != nil {
		if err := r.recorder.Record(context.WithoutCancel(ctx), job); err != nil {
			logger.Error("failed to record session", "error", err)
		}
	}
}

// locate finds id in any partition. Caller must hold r.mu.
func (r *Registry) locate(id string) (State, *entry, bool) {
	for _, s := range States {
		if e, ok := r.partitions[s][id]; ok {
			return s, e, true
		}
	}
	return "", nil, false
}

// Get returns a copy of the job record for id.
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, e, ok := r.locate(id)
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// Snapshot returns the sorted identifiers of every partition.
func (r *Registry) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Active:   sortedKeys(r.partitions[StateActive]),
		Running:  sortedKeys(r.partitions[StateRunning]),
		Finished: sortedKeys(r.partitions[StateFinished]),
		Failed:   sortedKeys(r.partitions[StateFailed]),
	}
}

// Counts returns the size of every partition.
func (r *Registry) Counts() map[State]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[State]int, len(States))
	for _, s := range States {
		out[s] = len(r.partitions[s])
	}
	return out
}

// InUse reports whether the workspace named name belongs to a running build.
// The retention sweeper consults it before deleting anything.
func (r *Registry) InUse(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.partitions[StateRunning][name]
	return ok
}

func sortedKeys(m map[string]*entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func derefInt(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}

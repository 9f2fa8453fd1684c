package session

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/martec-compiler/internal/runner"
)

// State is the partition a job currently lives in.
type State string

const (
	StateActive   State = "active"
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateFailed   State = "failed"
)

// States lists every partition in lifecycle order.
var States = []State{StateActive, StateRunning, StateFinished, StateFailed}

var (
	// ErrUnknownSession is returned when an identifier is not in the partition
	// an operation requires.
	ErrUnknownSession = errors.New("session does not exist")

	// ErrDuplicateSession is returned when a freshly generated identifier is
	// already tracked.
	ErrDuplicateSession = errors.New("session already exists")

	// ErrLostTransition is returned when a job left the running partition
	// while its build was in progress. The job is recorded as failed.
	ErrLostTransition = errors.New("session left the running state during its build")
)

// Job is the registry's record of one compilation request.
type Job struct {
	ID          string     `json:"id"`
	Workspace   string     `json:"workspace"`
	State       State      `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Status is a snapshot of the identifiers in each partition, sorted.
type Status struct {
	Active   []string `json:"active"`
	Running  []string `json:"running"`
	Finished []string `json:"finished"`
	Failed   []string `json:"failed"`
}

// Outcome is delivered when an asynchronously started build completes.
type Outcome struct {
	Job Job
	Err error
}

//go:generate mockgen -destination=mocks/mock_builder.go -package=mocks github.com/mattjoyce/martec-compiler/internal/session Builder

// Builder runs the single build of one job inside its workspace.
type Builder interface {
	Workspace() string
	Run() (runner.Result, error)
}

// Provisioner allocates the workspace and Builder for a new job.
type Provisioner interface {
	Provision(ctx context.Context, id string) (Builder, error)
}

// ProvisionerFunc adapts a function to Provisioner.
type ProvisionerFunc func(ctx context.Context, id string) (Builder, error)

func (f ProvisionerFunc) Provision(ctx context.Context, id string) (Builder, error) {
	return f(ctx, id)
}

// Recorder persists job records outside the process.
type Recorder interface {
	Record(ctx context.Context, job Job) error
}

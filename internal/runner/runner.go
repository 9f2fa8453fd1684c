package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/martec-compiler/internal/log"
	"github.com/mattjoyce/martec-compiler/internal/workspace"
)

var (
	// ErrInvocation reports that the container could not be run at all: the
	// runtime binary failed to start or the output tee broke.
	ErrInvocation = errors.New("build invocation failed")

	// ErrNonZeroExit is returned only when Config.StrictExitCode is set.
	ErrNonZeroExit = errors.New("build exited with non-zero status")
)

// Config is the fixed command template for every build.
type Config struct {
	Docker     string
	Image      string
	MountPoint string
	Command    []string
	LogFile    string

	// StrictExitCode turns a non-zero container exit into ErrNonZeroExit.
	// Off by default: a build that ran to completion is a finished job
	// whatever its exit status.
	StrictExitCode bool

	// Echo receives a copy of the build output. Defaults to os.Stderr.
	Echo io.Writer
}

// DefaultConfig returns the stock martesim build template.
func DefaultConfig() Config {
	return Config{
		Docker:     "docker",
		Image:      "sudilav1/martesim:latest",
		MountPoint: "/root/compilation",
		Command:    []string{"make", "-f", "Makefile.x86-linux"},
		LogFile:    "output.log",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.Docker) == "" {
		c.Docker = d.Docker
	}
	if strings.TrimSpace(c.Image) == "" {
		c.Image = d.Image
	}
	if strings.TrimSpace(c.MountPoint) == "" {
		c.MountPoint = d.MountPoint
	}
	if len(c.Command) == 0 {
		c.Command = d.Command
	}
	if strings.TrimSpace(c.LogFile) == "" {
		c.LogFile = d.LogFile
	}
	if c.Echo == nil {
		c.Echo = os.Stderr
	}
	return c
}

// Result describes a build that ran to completion.
type Result struct {
	ExitCode  int
	StartedAt time.Time
	Duration  time.Duration
	LogPath   string
}

// Factory creates one Runner per job, each with a fresh workspace.
type Factory struct {
	workspaces workspace.Manager
	cfg        Config
}

// NewFactory creates a Factory that allocates workspaces from ws.
func NewFactory(ws workspace.Manager, cfg Config) *Factory {
	return &Factory{workspaces: ws, cfg: cfg.withDefaults()}
}

// New allocates the workspace for jobID and returns its Runner.
func (f *Factory) New(ctx context.Context, jobID string) (*Runner, error) {
	ws, err := f.workspaces.Create(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &Runner{
		ws:     ws,
		cfg:    f.cfg,
		logger: log.WithSession(jobID).With("component", "runner"),
	}, nil
}

// Runner owns exactly one workspace and drives exactly one build.
type Runner struct {
	ws     workspace.Workspace
	cfg    Config
	logger *slog.Logger
}

// Workspace returns the absolute workspace directory.
func (r *Runner) Workspace() string { return r.ws.Dir }

// Args returns the container runtime arguments for this build.
func (r *Runner) Args() []string {
	args := []string{
		"run", "--rm",
		"-v", r.ws.Dir + ":" + r.cfg.MountPoint,
		"-w", r.cfg.MountPoint,
		r.cfg.Image,
	}
	return append(args, r.cfg.Command...)
}

// Run executes the build and blocks until the container exits. Output is
// written to the workspace log file and echoed to Config.Echo.
//
// There is no timeout and no cancellation: the build ends only when the
// container process exits.
func (r *Runner) Run() (Result, error) {
	logPath := filepath.Join(r.ws.Dir, r.cfg.LogFile)
	logFile, err := os.Create(logPath)
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("%w: create log file: %w", ErrInvocation, err)
	}
	defer logFile.Close()

	// Don't use CommandContext: a started build is never aborted.
	cmd := exec.Command(r.cfg.Docker, r.Args()...)
	out := io.MultiWriter(logFile, r.cfg.Echo)
	// One writer for both streams keeps them interleaved in order.
	cmd.Stdout = out
	cmd.Stderr = out

	r.logger.Info("running command", "command", r.cfg.Docker+" "+strings.Join(r.Args(), " "))

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1, StartedAt: start, LogPath: logPath}, fmt.Errorf("%w: start %s: %w", ErrInvocation, r.cfg.Docker, err)
	}

	waitErr := cmd.Wait()
	res := Result{
		ExitCode:  -1,
		StartedAt: start,
		Duration:  time.Since(start),
		LogPath:   logPath,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return res, fmt.Errorf("%w: wait for container: %w", ErrInvocation, waitErr)
		}
	}
	if err := logFile.Sync(); err != nil {
		return res, fmt.Errorf("%w: flush log file: %w", ErrInvocation, err)
	}

	if res.ExitCode != 0 {
		r.logger.Warn("container exited with non-zero status", "exit_code", res.ExitCode, "duration_ms", res.Duration.Milliseconds())
		if r.cfg.StrictExitCode {
			return res, fmt.Errorf("%w: exit code %d", ErrNonZeroExit, res.ExitCode)
		}
		return res, nil
	}

	r.logger.Info("container exited", "exit_code", res.ExitCode, "duration_ms", res.Duration.Milliseconds())
	return res, nil
}

// Package sweeper bounds the age and total size of the workspace root.
//
// A sweep cycle first expires children older than the maximum age, then
// trims the oldest children until the root fits the size budget. Deletion
// failures are logged and counted and never stop the cycle.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-co-op/gocron/v2"

	"github.com/mattjoyce/martec-compiler/internal/events"
	"github.com/mattjoyce/martec-compiler/internal/log"
	"github.com/mattjoyce/martec-compiler/internal/metrics"
	"github.com/mattjoyce/martec-compiler/internal/workspace"
)

// Guard reports whether a workspace belongs to a build that is still running.
type Guard interface {
	InUse(name string) bool
}

// Report summarizes one sweep cycle.
type Report struct {
	Expired        int   `json:"expired"`
	Trimmed        int   `json:"trimmed"`
	Protected      int   `json:"protected"`
	ReclaimedBytes int64 `json:"reclaimed_bytes"`
	Errors         int   `json:"errors"`
	TotalBytes     int64 `json:"total_bytes"`
}

type evicted struct {
	Name  string `json:"name"`
	Rule  string `json:"rule"`
	Bytes int64  `json:"bytes"`
}

type Option func(*Sweeper)

// WithGuard skips workspaces the guard reports in use.
func WithGuard(g Guard) Option {
	return func(s *Sweeper) { s.guard = g }
}

func WithEvents(hub *events.Hub) Option {
	return func(s *Sweeper) { s.hub = hub }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Sweeper) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// Sweeper enforces a Policy on the root owned by a workspace.Manager.
type Sweeper struct {
	disk    workspace.Manager
	policy  Policy
	guard   Guard
	hub     *events.Hub
	metrics *metrics.Recorder
	now     func() time.Time
	logger  *slog.Logger

	cycle     sync.Mutex
	scheduler gocron.Scheduler
}

// New returns a Sweeper for disk. A non-positive period becomes DefaultPeriod.
func New(disk workspace.Manager, policy Policy, opts ...Option) *Sweeper {
	if policy.Period <= 0 {
		policy.Period = DefaultPeriod
	}
	s := &Sweeper{
		disk:   disk,
		policy: policy,
		now:    time.Now,
		logger: log.WithComponent("sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sweeper) Policy() Policy { return s.policy }

// Start schedules a sweep every Policy.Period. The first cycle runs one
// period after Start. Cycles never overlap.
func (s *Sweeper) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create sweep scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.policy.Period),
		gocron.NewTask(func() { s.Sweep(ctx) }),
		gocron.WithName("workspace-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	s.scheduler = sched
	sched.Start()
	s.logger.Info("sweeper started", append([]any{"root", s.disk.Root()}, s.policy.LogAttrs()...)...)
	return nil
}

// Stop shuts the scheduler down, waiting for a cycle in progress.
func (s *Sweeper) Stop() error {
	if s.scheduler == nil {
		return nil
	}
	s.logger.Info("stopping sweeper")
	err := s.scheduler.Shutdown()
	s.scheduler = nil
	return err
}

// Sweep runs exactly one cycle. It is safe to call while the scheduler runs;
// concurrent calls are serialized.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	var rep Report
	guarded := make(map[string]struct{})

	if s.policy.ageEnabled() {
		s.expire(ctx, &rep, guarded)
	}
	if s.policy.sizeEnabled() {
		s.trim(ctx, &rep, guarded)
	}
	rep.Protected = len(guarded)

	total, err := s.disk.Usage(ctx)
	if err != nil {
		s.failed(&rep, "failed to measure workspace root", err)
	}
	rep.TotalBytes = total
	s.metrics.SweepCompleted(total)
	s.hub.Publish(events.SweepCompleted, rep)

	attrs := []any{
		"expired", rep.Expired,
		"trimmed", rep.Trimmed,
		"protected", rep.Protected,
		"reclaimed", humanize.Bytes(uint64(rep.ReclaimedBytes)),
		"total", humanize.Bytes(uint64(rep.TotalBytes)),
		"errors", rep.Errors,
	}
	if rep.Expired+rep.Trimmed+rep.Errors > 0 {
		s.logger.Info("sweep completed", attrs...)
	} else {
		s.logger.Debug("sweep completed", attrs...)
	}
	return rep
}

// expire deletes every child whose mtime is strictly before now - MaxAge.
func (s *Sweeper) expire(ctx context.Context, rep *Report, guarded map[string]struct{}) {
	entries, err := s.disk.List(ctx)
	if err != nil {
		s.failed(rep, "failed to list workspace root", err)
		return
	}
	cutoff := s.now().Add(-s.policy.MaxAge)
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if !e.ModTime.Before(cutoff) {
			continue
		}
		if s.inUse(e.Name) {
			guarded[e.Name] = struct{}{}
			continue
		}
		if s.remove(ctx, rep, e, "age") {
			rep.Expired++
		}
	}
}

// trim deletes the oldest eligible child until the root fits MaxTotalSize.
func (s *Sweeper) trim(ctx context.Context, rep *Report, guarded map[string]struct{}) {
	skip := make(map[string]struct{})
	for ctx.Err() == nil {
		entries, err := s.disk.List(ctx)
		if err != nil {
			s.failed(rep, "failed to list workspace root", err)
			return
		}

		var total int64
		for _, e := range entries {
			total += e.Size
		}
		if total <= s.policy.MaxTotalSize {
			return
		}

		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].ModTime.Equal(entries[j].ModTime) {
				return entries[i].Name < entries[j].Name
			}
			return entries[i].ModTime.Before(entries[j].ModTime)
		})

		var victim *workspace.Entry
		for i := range entries {
			name := entries[i].Name
			if _, ok := skip[name]; ok {
				continue
			}
			if s.inUse(name) {
				guarded[name] = struct{}{}
				skip[name] = struct{}{}
				continue
			}
			victim = &entries[i]
			break
		}
		if victim == nil {
			s.logger.Warn("workspace root over budget with nothing left to delete",
				"total", humanize.Bytes(uint64(total)),
				"budget", humanize.Bytes(uint64(s.policy.MaxTotalSize)))
			return
		}

		if s.remove(ctx, rep, *victim, "size") {
			rep.Trimmed++
		} else {
			skip[victim.Name] = struct{}{}
		}
	}
}

func (s *Sweeper) inUse(name string) bool {
	return s.guard != nil && s.guard.InUse(name)
}

func (s *Sweeper) remove(ctx context.Context, rep *Report, e workspace.Entry, rule string) bool {
	if err := s.disk.Remove(ctx, e.Name); err != nil {
		s.failed(rep, "failed to remove workspace", err, "workspace", e.Name, "rule", rule)
		return false
	}
	rep.ReclaimedBytes += e.Size
	s.metrics.IncEviction(rule, e.Size)
	s.hub.Publish(events.WorkspaceEvicted, evicted{Name: e.Name, Rule: rule, Bytes: e.Size})
	s.logger.Info("workspace evicted",
		"workspace", e.Name,
		"rule", rule,
		"size", humanize.Bytes(uint64(e.Size)),
		"modified", humanize.Time(e.ModTime))
	return true
}

func (s *Sweeper) failed(rep *Report, msg string, err error, attrs ...any) {
	rep.Errors++
	s.metrics.IncSweepError()
	s.logger.Error(msg, append(attrs, "error", err)...)
}

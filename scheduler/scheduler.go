/*
scheduler.go - SchedulerService: recurring jobs with a per-job state machine

PURPOSE:
  Runs the alert scan, trending recompute, monthly rollup and retention
  reap on cron cadences. Holds its dependencies explicitly; nothing is
  registered at package level.

STATE MACHINE (per job):
  idle ──trigger──> running ──> completed | failed ──> idle

  A trigger that arrives while the job is running is skipped and counted.
  Jobs are independent: one job failing or overrunning never blocks another.

OVERLAP ACROSS PROCESSES:
  With a Locker configured (Redis in production) a run also takes a named
  lock, so two replicas firing the same cadence produce one run.

RUN LOG:
  Every run is written to the RunRecorder twice: once as running, once with
  its final status and {processed, succeeded, failed}.

USAGE:
  svc := scheduler.New(scheduler.Options{Location: loc, Logger: log, Metrics: m, Recorder: store})
  svc.Register(scheduler.Job{Name: "retention_reap", Schedule: "0 3 * * *", Run: reapFn})
  svc.Start()
  defer svc.Stop(ctx)

SEE ALSO:
  - lock.go: Locker implementations
  - metrics.go: Prometheus collectors
*/
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/pricewise/affiliate-engine/batch"
	"github.com/pricewise/affiliate-engine/clock"
)

var (
	ErrJobRunning = errors.New("job is already running")
	ErrUnknownJob = errors.New("unknown job")
	ErrStopping   = errors.New("scheduler is stopping")
)

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// JobFunc does one run of a job and reports its item counts.
type JobFunc func(ctx context.Context) (batch.Result, error)

type Job struct {
	Name     string
	Schedule string // standard 5-field cron expression
	Run      JobFunc
}

// Run is one execution of a job, as recorded in the run log.
type Run struct {
	ID         string
	Job        string
	Trigger    string
	Status     State
	StartedAt  time.Time
	FinishedAt *time.Time
	Result     batch.Result
	Error      string
}

// RunRecorder persists run history.
type RunRecorder interface {
	SaveJobRun(ctx context.Context, r Run) error
	ListJobRuns(ctx context.Context, job string, limit int) ([]Run, error)
}

// Status is the admin view of one job.
type Status struct {
	Name        string
	Schedule    string
	State       State
	LastOutcome State // completed, failed, or empty before the first run
	LastRun     *Run
	NextRun     *time.Time
	Skipped     int
}

type Options struct {
	Location *time.Location
	Clock    clock.Clock
	Logger   zerolog.Logger
	Metrics  *Metrics
	Recorder RunRecorder
	Locker   Locker
	LockTTL  time.Duration
}

type entry struct {
	job     Job
	cronID  cron.EntryID
	state   State
	outcome State
	last    *Run
	skipped int
}

// Service owns the cron runner and the job table.
type Service struct {
	cron     *cron.Cron
	clock    clock.Clock
	log      zerolog.Logger
	metrics  *Metrics
	recorder RunRecorder
	locker   Locker
	lockTTL  time.Duration

	mu       sync.Mutex
	jobs     map[string]*entry
	started  bool
	stopping bool
	wg       sync.WaitGroup
}

func New(opts Options) *Service {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	log := opts.Logger.With().Str("component", "scheduler").Logger()

	return &Service{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cronLogger{log: log}),
		),
		clock:    clk,
		log:      log,
		metrics:  opts.Metrics,
		recorder: opts.Recorder,
		locker:   opts.Locker,
		lockTTL:  ttl,
		jobs:     make(map[string]*entry),
	}
}

// Register adds a job. Schedule must parse as a 5-field cron expression.
func (s *Service) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %q already registered", job.Name)
	}

	e := &entry{job: job, state: StateIdle}
	id, err := s.cron.AddFunc(job.Schedule, func() {
		_, _ = s.execute(context.Background(), e, TriggerSchedule)
	})
	if err != nil {
		return fmt.Errorf("job %q: invalid schedule %q: %w", job.Name, job.Schedule, err)
	}
	e.cronID = id
	s.jobs[job.Name] = e
	return nil
}

// Start begins firing jobs on their cadences.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopping = false
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")
}

// Stop stops firing and waits for in-flight runs, or for ctx. Runs that have
// not begun by then are refused with ErrStopping until the next Start.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.stopping = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		if started {
			<-s.cron.Stop().Done()
		}
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger runs a job now and waits for it. Returns ErrJobRunning when the
// job is already running here or holds its lock elsewhere.
func (s *Service) Trigger(ctx context.Context, name string) (Run, error) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, e, TriggerManual)
}

// Statuses lists every job, sorted by name.
func (s *Service) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.jobs))
	for name, e := range s.jobs {
		st := Status{
			Name:        name,
			Schedule:    e.job.Schedule,
			State:       e.state,
			LastOutcome: e.outcome,
			Skipped:     e.skipped,
		}
		if e.last != nil {
			r := *e.last
			st.LastRun = &r
		}
		if s.started {
			if next := s.cron.Entry(e.cronID).Next; !next.IsZero() {
				st.NextRun = &next
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Runs returns recorded history for job (all jobs when empty).
func (s *Service) Runs(ctx context.Context, job string, limit int) ([]Run, error) {
	if s.recorder == nil {
		return nil, nil
	}
	return s.recorder.ListJobRuns(ctx, job, limit)
}

// =============================================================================
// EXECUTION
// =============================================================================

func (s *Service) execute(ctx context.Context, e *entry, trigger string) (Run, error) {
	name := e.job.Name

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.skip(name, trigger, "scheduler stopping")
		return Run{}, ErrStopping
	}
	if e.state == StateRunning {
		e.skipped++
		s.mu.Unlock()
		s.skip(name, trigger, "still running")
		return Run{}, ErrJobRunning
	}
	e.state = StateRunning
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		e.state = StateIdle
		s.mu.Unlock()
	}()

	if s.locker != nil {
		release, acquired, err := s.locker.TryLock(ctx, name, s.lockTTL)
		if err != nil {
			s.log.Error().Err(err).Str("job", name).Msg("failed to acquire job lock")
			return Run{}, fmt.Errorf("acquire lock for %s: %w", name, err)
		}
		if !acquired {
			s.mu.Lock()
			e.skipped++
			s.mu.Unlock()
			s.skip(name, trigger, "locked by another instance")
			return Run{}, ErrJobRunning
		}
		defer release()
	}

	run := Run{
		ID:        uuid.NewString(),
		Job:       name,
		Trigger:   trigger,
		Status:    StateRunning,
		StartedAt: s.clock.Now(),
	}
	s.record(ctx, run)
	s.metrics.started(name)
	s.log.Info().Str("job", name).Str("run_id", run.ID).Str("trigger", trigger).Msg("job started")

	started := time.Now()
	res, err := protect(ctx, e.job.Run)
	elapsed := time.Since(started)

	finished := s.clock.Now()
	run.FinishedAt = &finished
	run.Result = res
	run.Status = StateCompleted
	if err != nil {
		run.Status = StateFailed
		run.Error = err.Error()
	}
	s.record(ctx, run)
	s.metrics.finished(name, run.Status, res, elapsed)

	s.mu.Lock()
	e.outcome = run.Status
	e.last = &run
	s.mu.Unlock()

	ev := s.log.Info()
	if err != nil {
		ev = s.log.Error().Err(err)
	}
	ev.Str("job", name).Str("run_id", run.ID).Str("status", string(run.Status)).
		Int("processed", res.Processed).Int("succeeded", res.Succeeded).Int("failed", res.Failed).
		Dur("elapsed", elapsed).Msg("job finished")

	return run, err
}

func (s *Service) skip(name, trigger, reason string) {
	s.metrics.skipped(name)
	s.log.Warn().Str("job", name).Str("trigger", trigger).Str("reason", reason).Msg("job trigger skipped")
}

func (s *Service) record(ctx context.Context, r Run) {
	if s.recorder == nil {
		return
	}
	// A run that was cancelled must still be able to write its final row.
	if err := s.recorder.SaveJobRun(context.WithoutCancel(ctx), r); err != nil {
		s.log.Error().Err(err).Str("job", r.Job).Str("run_id", r.ID).Msg("failed to save job run")
	}
}

func protect(ctx context.Context, fn JobFunc) (res batch.Result, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("job panicked: %v\n%s", v, debug.Stack())
		}
	}()
	return fn(ctx)
}

// cronLogger routes robfig/cron's own messages into zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

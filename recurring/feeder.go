// Package recurring feeds cron-scheduled work into a lane scheduler.
//
// Each tick builds a fresh core.Task, so a run that is still waiting for its
// lane when the next tick fires simply queues behind it. Cancelling the job id
// on the scheduler drops pending runs; Remove stops future ones.
package recurring

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Swind/go-lane-runner/core"
)

var (
	ErrDuplicateJob = errors.New("recurring job already registered")
	ErrUnknownJob   = errors.New("recurring job not registered")
	ErrInvalidJob   = errors.New("recurring job requires a name and a body")
)

// Submitter is the part of core.LaneScheduler the feeder needs.
type Submitter interface {
	Submit(t *core.Task) error
}

// Job describes what to submit on every tick.
type Job struct {
	Name  string
	ID    string // cancellation group; defaults to Name
	Lane  string
	Delay time.Duration
	Body  core.TaskFunc
}

// JobStats counts what happened to a job's ticks.
type JobStats struct {
	Name      string
	Schedule  string
	Next      time.Time
	Prev      time.Time
	Submitted int64
	Failed    int64
}

type registration struct {
	job       Job
	schedule  string
	entry     cron.EntryID
	submitted atomic.Int64
	failed    atomic.Int64
}

// Feeder owns a cron instance and submits jobs to a scheduler.
type Feeder struct {
	cron   *cron.Cron
	target Submitter
	logger core.Logger

	mu   sync.Mutex
	jobs map[string]*registration
}

// NewFeeder creates a feeder that submits to target. A nil logger discards output.
func NewFeeder(target Submitter, logger core.Logger) *Feeder {
	if logger == nil {
		logger = core.NewNoOpLogger()
	}
	return &Feeder{
		cron:   cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		target: target,
		logger: logger,
		jobs:   make(map[string]*registration),
	}
}

// Add registers job under spec (5-field cron or a descriptor like "@every 5s").
func (f *Feeder) Add(spec string, job Job) (cron.EntryID, error) {
	if job.Name == "" || job.Body == nil {
		return 0, ErrInvalidJob
	}
	if job.ID == "" {
		job.ID = job.Name
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.jobs[job.Name]; exists {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}

	reg := &registration{job: job, schedule: spec}
	id, err := f.cron.AddFunc(spec, func() { f.fire(reg) })
	if err != nil {
		return 0, fmt.Errorf("add job %s: %w", job.Name, err)
	}
	reg.entry = id
	f.jobs[job.Name] = reg

	f.logger.Info("Recurring job registered",
		core.F("job", job.Name),
		core.F("schedule", spec),
		core.F("lane", job.Lane))
	return id, nil
}

// Remove stops future ticks of the named job. Runs already submitted are left
// to the scheduler.
func (f *Feeder) Remove(name string) bool {
	f.mu.Lock()
	reg, ok := f.jobs[name]
	if ok {
		delete(f.jobs, name)
	}
	f.mu.Unlock()

	if !ok {
		return false
	}
	f.cron.Remove(reg.entry)
	return true
}

// Trigger submits one run of the named job immediately, outside its schedule.
func (f *Feeder) Trigger(name string) error {
	f.mu.Lock()
	reg, ok := f.jobs[name]
	f.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return f.fire(reg)
}

func (f *Feeder) fire(reg *registration) error {
	job := reg.job
	task := core.NewTask(job.ID, job.Delay, job.Lane, job.Body).WithName(job.Name)

	if err := f.target.Submit(task); err != nil {
		reg.failed.Add(1)
		f.logger.Warn("Recurring submission failed",
			core.F("job", job.Name),
			core.F("error", err.Error()))
		return err
	}

	reg.submitted.Add(1)
	f.logger.Debug("Recurring job submitted", core.F("job", job.Name), core.F("lane", job.Lane))
	return nil
}

// Start begins firing jobs in the cron goroutine.
func (f *Feeder) Start() {
	f.cron.Start()
}

// Stop halts the cron loop and waits for in-flight submissions or ctx.
func (f *Feeder) Stop(ctx context.Context) error {
	done := f.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns per-job counters in cron entry order (soonest first once started).
func (f *Feeder) Stats() []JobStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	byEntry := make(map[cron.EntryID]*registration, len(f.jobs))
	for _, reg := range f.jobs {
		byEntry[reg.entry] = reg
	}

	var out []JobStats
	for _, e := range f.cron.Entries() {
		reg, ok := byEntry[e.ID]
		if !ok {
			continue
		}
		out = append(out, JobStats{
			Name:      reg.job.Name,
			Schedule:  reg.schedule,
			Next:      e.Next,
			Prev:      e.Prev,
			Submitted: reg.submitted.Load(),
			Failed:    reg.failed.Load(),
		})
	}
	return out
}

// CommandBody returns a task body that runs argv, killed when the task is
// interrupted or after timeout (0 means no timeout).
func CommandBody(argv []string, timeout time.Duration, logger core.Logger) core.TaskFunc {
	if logger == nil {
		logger = core.NewNoOpLogger()
	}
	return func(ctx context.Context) {
		if len(argv) == 0 {
			return
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		start := time.Now()
		out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
		fields := []core.Field{
			core.F("command", argv[0]),
			core.F("lane", core.CurrentLane(ctx)),
			core.F("duration", time.Since(start)),
		}
		if err != nil {
			fields = append(fields, core.F("error", err.Error()), core.F("output", string(out)))
			logger.Error("Command failed", fields...)
			return
		}
		logger.Info("Command finished", fields...)
	}
}

// HeartbeatBody returns a body that only logs, for jobs without a command.
func HeartbeatBody(name string, logger core.Logger) core.TaskFunc {
	if logger == nil {
		logger = core.NewNoOpLogger()
	}
	return func(ctx context.Context) {
		logger.Info("Heartbeat", core.F("job", name), core.F("lane", core.CurrentLane(ctx)))
	}
}

// Package scheduler runs the periodic housekeeping jobs: session flush and
// sweep, and history pruning.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
)

// specParser accepts 5-field cron expressions and descriptors such as
// "@every 30s" or "@hourly".
var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// JobFunc is the body of a scheduled job. ctx is cancelled when the
// scheduler stops.
type JobFunc func(ctx context.Context)

// Scheduler wraps a cron runner with named, panic-safe jobs.
type Scheduler struct {
	cron   *cron.Cron
	log    *log.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]cron.EntryID
	fns  map[string]JobFunc
}

// Opts holds parameters for creating a Scheduler.
type Opts struct {
	Logger   *log.Logger
	Location *time.Location // defaults to time.Local
}

// New creates a stopped Scheduler.
func New(opts Opts) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("scheduler")
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithParser(specParser), cron.WithLocation(loc)),
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]cron.EntryID),
		fns:    make(map[string]JobFunc),
	}
}

// Every registers fn to run at a fixed interval. Intervals below one second
// are rounded up by the cron runner.
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: job %q: interval must be positive, got %v", name, interval)
	}
	return s.Add(name, "@every "+interval.String(), fn)
}

// Add registers fn under a cron spec. Names must be unique.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("scheduler: job name is required")
	}
	if fn == nil {
		return fmt.Errorf("scheduler: job %q: nil func", name)
	}
	sched, err := specParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("scheduler: job %q: parse %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("scheduler: job %q already registered", name)
	}
	s.jobs[name] = s.cron.Schedule(sched, cron.FuncJob(func() { s.run(name, fn) }))
	s.fns[name] = fn
	s.log.Debug("job registered", "job", name, "spec", spec)
	return nil
}

// RunNow runs a registered job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	fn, ok := s.fns[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	s.run(name, fn)
	return nil
}

// Jobs returns the registered job names with their next fire time.
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.jobs))
	for name, id := range s.jobs {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

// Names returns the registered job names, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.Names()))
}

// Stop prevents new runs, cancels the job context, and waits for running
// jobs to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
}

func (s *Scheduler) run(name string, fn JobFunc) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", "job", name, "panic", r)
			return
		}
		s.log.Debug("job finished", "job", name, "took", time.Since(start))
	}()
	fn(s.ctx)
}

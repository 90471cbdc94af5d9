// Package scheduler runs the Planner and Dispatcher on cron schedules,
// using github.com/robfig/cron/v3 for timezone-aware, second-less
// standard cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/chatpipeline/internal/dispatcher"
	"github.com/sawpanic/chatpipeline/internal/planner"
)

// TaskStatus is the point-in-time view of one scheduled task.
type TaskStatus struct {
	Name          string    `json:"name"`
	Schedule      string    `json:"schedule"`
	IsScheduled   bool      `json:"isScheduled"`
	IsRunning     bool      `json:"isRunning"`
	LastRunAt     time.Time `json:"lastRunAt"`
	LastRunResult string    `json:"lastRunResult"`
	NextExecution time.Time `json:"nextExecution"`
	RunCount      int64     `json:"runCount"`
	ErrorCount    int64     `json:"errorCount"`
}

// Status is the aggregate scheduler view returned to the admin HTTP surface.
type Status struct {
	Running bool         `json:"running"`
	Tasks   []TaskStatus `json:"tasks"`
}

type task struct {
	name      string
	schedule  string
	entryID   cron.EntryID
	running   int32
	runCount  int64
	errCount  int64
	lastRunAt atomic.Value // time.Time
	lastError atomic.Value // string
	run       func(context.Context) error
}

func (t *task) setLastRun(at time.Time, err error) {
	t.lastRunAt.Store(at)
	if err != nil {
		t.lastError.Store(err.Error())
		atomic.AddInt64(&t.errCount, 1)
	} else {
		t.lastError.Store("")
	}
	atomic.AddInt64(&t.runCount, 1)
}

func (t *task) lastRunTime() time.Time {
	if v, ok := t.lastRunAt.Load().(time.Time); ok {
		return v
	}
	return time.Time{}
}

func (t *task) lastErrorString() string {
	if v, ok := t.lastError.Load().(string); ok {
		return v
	}
	return ""
}

// Scheduler owns the two cron-driven tasks (plan, dispatch) and exposes
// manual trigger and status views.
type Scheduler struct {
	cron *cron.Cron

	mu      sync.Mutex
	tasks   map[string]*task
	running bool

	planner    *planner.Planner
	dispatcher *dispatcher.Dispatcher
}

// New builds a Scheduler bound to a timezone name (e.g. "Europe/Istanbul").
// An invalid or empty name falls back to UTC.
func New(timezone string, plannerCron, dispatcherCron string, p *planner.Planner, d *dispatcher.Dispatcher) (*Scheduler, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", timezone).Msg("unknown scheduler timezone, falling back to UTC")
		loc = time.UTC
	}

	s := &Scheduler{
		cron:       cron.New(cron.WithLocation(loc)),
		tasks:      make(map[string]*task),
		planner:    p,
		dispatcher: d,
	}

	if err := s.addTask("plan", plannerCron, s.runPlan); err != nil {
		return nil, err
	}
	if err := s.addTask("dispatch", dispatcherCron, s.runDispatch); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Scheduler) addTask(name, schedule string, run func(context.Context) error) error {
	t := &task{name: name, schedule: schedule, run: run}

	entryID, err := s.cron.AddFunc(schedule, func() {
		t.invoke(context.Background())
	})
	if err != nil {
		return fmt.Errorf("scheduler: invalid cron schedule for %s (%q): %w", name, schedule, err)
	}
	t.entryID = entryID
	s.tasks[name] = t
	return nil
}

// invoke runs the task's work function, guarding against overlapping
// runs: if the previous invocation of this task has not yet finished,
// this tick is skipped rather than queued.
func (t *task) invoke(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&t.running, 0, 1) {
		log.Warn().Str("task", t.name).Msg("skipping tick, previous run still in progress")
		return
	}
	defer atomic.StoreInt32(&t.running, 0)

	start := time.Now()
	err := t.run(ctx)
	t.setLastRun(start, err)
	if err != nil {
		log.Error().Err(err).Str("task", t.name).Msg("scheduled task failed")
	}
}

func (s *Scheduler) runPlan(ctx context.Context) error {
	n, err := s.planner.PlanAutomaticMessages(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("planned", n).Msg("scheduled planner run completed")
	return nil
}

func (s *Scheduler) runDispatch(ctx context.Context) error {
	result, err := s.dispatcher.ProcessPendingMessages(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("queued", result.Queued).Int("failed", result.Failed).Msg("scheduled dispatcher run completed")
	return nil
}

// Start begins the cron loop. It does not block.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop waits for any in-flight task invocation to finish, then halts the loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.running = false
}

// TriggerPlan runs the planner task immediately, outside its cron schedule.
func (s *Scheduler) TriggerPlan(ctx context.Context) error {
	t := s.tasks["plan"]
	t.invoke(ctx)
	if e := t.lastErrorString(); e != "" {
		return fmt.Errorf("manual plan trigger failed: %s", e)
	}
	return nil
}

// TriggerDispatch runs the dispatcher task immediately, outside its cron schedule.
func (s *Scheduler) TriggerDispatch(ctx context.Context) error {
	t := s.tasks["dispatch"]
	t.invoke(ctx)
	if e := t.lastErrorString(); e != "" {
		return fmt.Errorf("manual dispatch trigger failed: %s", e)
	}
	return nil
}

// Status returns the current view of the scheduler and each of its tasks.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	entries := make(map[cron.EntryID]cron.Entry)
	for _, e := range s.cron.Entries() {
		entries[e.ID] = e
	}

	st := Status{Running: running}
	for _, name := range []string{"plan", "dispatch"} {
		t := s.tasks[name]
		var next time.Time
		if e, ok := entries[t.entryID]; ok {
			next = e.Next
		}
		st.Tasks = append(st.Tasks, TaskStatus{
			Name:          t.name,
			Schedule:      t.schedule,
			IsScheduled:   running,
			IsRunning:     atomic.LoadInt32(&t.running) == 1,
			LastRunAt:     t.lastRunTime(),
			LastRunResult: t.lastErrorString(),
			NextExecution: next,
			RunCount:      atomic.LoadInt64(&t.runCount),
			ErrorCount:    atomic.LoadInt64(&t.errCount),
		})
	}
	return st
}

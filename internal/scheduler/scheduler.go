// Package scheduler runs the periodic passes (due-source crawls,
// reconciliation, stale scans and dedup passes) on cron schedules, each under
// a coordination lease so only one replica runs a given pass at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/booth-crawler/internal/coordination"
)

// Task is one named periodic pass.
type Task struct {
	Name string
	// Spec is a five-field cron expression or a descriptor such as
	// "@every 5m". An empty spec disables the task.
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler owns the cron instance and the registered tasks.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	locker coordination.Locker
	logger *zap.Logger

	mu     sync.Mutex
	tasks  map[string]Task
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Scheduler. locker may be nil when a single replica runs.
func New(locker coordination.Locker, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = coordination.NewLocalLocker()
	}
	logger = logger.Named("scheduler")
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger: logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		parser: parser,
		locker: locker,
		logger: logger,
		tasks:  make(map[string]Task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers task. Tasks with an empty spec are recorded but never
// scheduled, so they can still be triggered with RunNow.
func (s *Scheduler) Add(task Task) error {
	if task.Name == "" || task.Run == nil {
		return errors.New("scheduler: task needs a name and a func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tasks[task.Name]; dup {
		return fmt.Errorf("scheduler: task %q already registered", task.Name)
	}
	if task.Spec != "" {
		if _, err := s.parser.Parse(task.Spec); err != nil {
			return fmt.Errorf("scheduler: task %q: parse %q: %w", task.Name, task.Spec, err)
		}
		if _, err := s.cron.AddFunc(task.Spec, func() { _ = s.execute(s.ctx, task) }); err != nil {
			return fmt.Errorf("scheduler: task %q: %w", task.Name, err)
		}
	}
	s.tasks[task.Name] = task
	s.logger.Info("task registered", zap.String("task", task.Name), zap.String("spec", task.Spec))
	return nil
}

// Start begins firing scheduled tasks.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron loop, cancels running tasks and waits for them to
// return or ctx to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// RunNow runs the named task immediately under its lease.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", name)
	}
	return s.execute(ctx, task)
}

// Tasks lists registered task names.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) execute(ctx context.Context, task Task) error {
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := s.locker.WithLock(ctx, task.Name, task.Run)
	switch {
	case errors.Is(err, coordination.ErrNotAcquired):
		s.logger.Debug("task held elsewhere", zap.String("task", task.Name))
		return nil
	case err != nil:
		s.logger.Error("task failed", zap.String("task", task.Name), zap.Duration("duration", time.Since(start)), zap.Error(err))
		return err
	}
	s.logger.Info("task finished", zap.String("task", task.Name), zap.Duration("duration", time.Since(start)))
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}

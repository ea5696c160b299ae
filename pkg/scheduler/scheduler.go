package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"hat_reputation/pkg/config"
)

// TaskStatus represents the current state of a scheduled task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusComplete  TaskStatus = "complete"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// parser accepts six-field expressions with a leading seconds field, plus
// descriptors such as @every 30s.
var parser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Task represents a scheduled maintenance job
type Task struct {
	ID          string
	Name        string
	Schedule    string
	LastRun     time.Time
	NextRun     time.Time
	Status      TaskStatus
	Error       error
	RetryCount  int
	MaxRetries  int
	CronID      cron.EntryID
	ExecutionFn func(context.Context) error
}

// Scheduler runs tasks on cron schedules through a bounded worker pool
type Scheduler struct {
	cron       *cron.Cron
	tasks      map[string]*Task
	config     config.SchedConfig
	logger     *zap.Logger
	metrics    *Metrics
	stats      SchedulerStats
	workerPool chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
}

// Metrics holds the per-task prometheus collectors
type Metrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	skipped  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hat_scheduler_task_runs_total",
			Help: "Finished task executions, by task and result.",
		}, []string{"task", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hat_scheduler_task_duration_seconds",
			Help:    "Task execution time including retries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"task"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hat_scheduler_task_skipped_total",
			Help: "Ticks skipped because the previous run was still going.",
		}, []string{"task"}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.duration, m.skipped)
	}
	return m
}

// NewScheduler creates a new scheduler instance. reg may be nil.
func NewScheduler(cfg config.SchedConfig, reg prometheus.Registerer, logger *zap.Logger) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:       cron.New(cron.WithParser(parser)),
		tasks:      make(map[string]*Task),
		config:     cfg,
		logger:     logger.Named("scheduler"),
		metrics:    newMetrics(reg),
		workerPool: make(chan struct{}, cfg.MaxConcurrent),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins the scheduler
func (s *Scheduler) Start() error {
	s.logger.Info("Starting scheduler",
		zap.Int("maxConcurrent", s.config.MaxConcurrent),
		zap.Int("tasks", len(s.ListTasks())))
	s.cron.Start()
	return nil
}

// Stop stops scheduling, cancels running tasks and waits for them to return
func (s *Scheduler) Stop() error {
	s.logger.Info("Stopping scheduler")

	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	return nil
}

// ScheduleTask adds a new task to the scheduler
func (s *Scheduler) ScheduleTask(task *Task) error {
	if err := validateTask(task); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}

	cronID, err := s.cron.AddFunc(task.Schedule, func() {
		s.executeTask(s.ctx, task)
	})
	if err != nil {
		return fmt.Errorf("scheduling task: %w", err)
	}

	task.CronID = cronID
	task.Status = TaskStatusPending
	task.NextRun = s.cron.Entry(cronID).Next
	s.tasks[task.ID] = task
	s.stats.TasksScheduled++

	s.logger.Info("Task scheduled",
		zap.String("taskID", task.ID),
		zap.String("schedule", task.Schedule),
		zap.Time("nextRun", task.NextRun))
	return nil
}

// UnscheduleTask removes a task from the scheduler
func (s *Scheduler) UnscheduleTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}

	s.cron.Remove(task.CronID)
	task.Status = TaskStatusCancelled
	delete(s.tasks, taskID)

	s.logger.Info("Task unscheduled", zap.String("taskID", taskID))
	return nil
}

// RunNow executes a scheduled task immediately and waits for it.
func (s *Scheduler) RunNow(ctx context.Context, taskID string) error {
	s.mu.RLock()
	task, exists := s.tasks[taskID]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}
	if !s.executeTask(ctx, task) {
		return fmt.Errorf("task %s is already running", taskID)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return task.Error
}

// GetTask returns a copy of the task
func (s *Scheduler) GetTask(taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return Task{}, fmt.Errorf("task %s not found", taskID)
	}
	return *task, nil
}

// ListTasks returns copies of all scheduled tasks ordered by ID
func (s *Scheduler) ListTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, *task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// executeTask runs task unless a previous run is still in flight. It
// reports whether the task ran.
func (s *Scheduler) executeTask(ctx context.Context, task *Task) bool {
	s.mu.Lock()
	if task.Status == TaskStatusRunning {
		s.mu.Unlock()
		s.metrics.skipped.WithLabelValues(task.ID).Inc()
		s.logger.Debug("Previous run still in progress, skipping", zap.String("taskID", task.ID))
		return false
	}
	task.Status = TaskStatusRunning
	s.mu.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()

	select {
	case s.workerPool <- struct{}{}:
		defer func() { <-s.workerPool }()
	case <-ctx.Done():
		s.finish(task, time.Now(), ctx.Err())
		return true
	}

	start := time.Now()
	s.mu.Lock()
	task.LastRun = start
	s.mu.Unlock()

	err := s.runTaskWithRetries(ctx, task)
	s.finish(task, start, err)
	return true
}

func (s *Scheduler) finish(task *Task, start time.Time, err error) {
	elapsed := time.Since(start)

	s.mu.Lock()
	switch {
	case err == nil:
		task.Status = TaskStatusComplete
		s.stats.TasksCompleted++
	case s.ctx.Err() != nil:
		task.Status = TaskStatusCancelled
		s.stats.TasksFailed++
	default:
		task.Status = TaskStatusFailed
		s.stats.TasksFailed++
	}
	task.Error = err
	task.NextRun = s.cron.Entry(task.CronID).Next
	s.stats.AverageLatency = (s.stats.AverageLatency*9 + elapsed) / 10
	s.stats.LastUpdate = time.Now()
	s.mu.Unlock()

	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.runs.WithLabelValues(task.ID, result).Inc()
	s.metrics.duration.WithLabelValues(task.ID).Observe(elapsed.Seconds())

	s.logger.Info("Task execution completed",
		zap.String("taskID", task.ID),
		zap.Duration("duration", elapsed),
		zap.Error(err))
}

func (s *Scheduler) runTaskWithRetries(ctx context.Context, task *Task) error {
	var lastErr error

	for attempt := 0; attempt <= task.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.config.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := task.ExecutionFn(ctx)
		s.mu.Lock()
		task.RetryCount = attempt
		s.mu.Unlock()
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Warn("Task execution failed",
			zap.String("taskID", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if ctx.Err() != nil {
			return lastErr
		}
	}

	return fmt.Errorf("task failed after %d retries: %w", task.MaxRetries, lastErr)
}

func validateTask(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if task.Schedule == "" {
		return fmt.Errorf("task schedule cannot be empty")
	}
	if task.ExecutionFn == nil {
		return fmt.Errorf("task execution function cannot be nil")
	}
	if task.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if _, err := parser.Parse(task.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule: %w", err)
	}
	return nil
}

// UpdateTaskSchedule updates the schedule of an existing task
func (s *Scheduler) UpdateTaskSchedule(taskID string, schedule string) error {
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}

	s.cron.Remove(task.CronID)
	cronID, err := s.cron.AddFunc(schedule, func() {
		s.executeTask(s.ctx, task)
	})
	if err != nil {
		return fmt.Errorf("updating task schedule: %w", err)
	}

	task.Schedule = schedule
	task.CronID = cronID
	task.NextRun = s.cron.Entry(cronID).Next

	s.logger.Info("Task schedule updated",
		zap.String("taskID", taskID),
		zap.String("schedule", schedule),
		zap.Time("nextRun", task.NextRun))
	return nil
}

// GetSchedulerStats returns current scheduler statistics
func (s *Scheduler) GetSchedulerStats() SchedulerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.stats
	for _, task := range s.tasks {
		if task.Status == TaskStatusRunning {
			stats.ConcurrentTasks++
		}
	}
	return stats
}

// SchedulerStats represents scheduler statistics
type SchedulerStats struct {
	TasksScheduled  int64
	TasksCompleted  int64
	TasksFailed     int64
	AverageLatency  time.Duration
	ConcurrentTasks int
	LastUpdate      time.Time
}

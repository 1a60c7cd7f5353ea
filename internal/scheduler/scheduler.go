// Package scheduler executes planned tasks when their next_execution_utc
// comes due. Multiple fabric instances may run the loop concurrently; a
// per-task KV lock keeps executions single-flight.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/comptio/fabric/internal/common/config"
	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/common/metrics"
	"github.com/comptio/fabric/internal/docdb"
	"github.com/comptio/fabric/internal/keys"
	"github.com/comptio/fabric/internal/kv"
)

// tasksCollection is the collection-group id planned tasks live under,
// wherever their parent document sits.
const tasksCollection = "tasks"

// Executor runs one planned task. Implemented by the agent runtime.
type Executor interface {
	ExecuteTaskNow(ctx context.Context, userID, companyID, taskID, instructions string) (map[string]any, error)
}

// Scheduler is the ticker loop.
type Scheduler struct {
	doc      docdb.Store
	kvs      kv.Store
	executor Executor
	cfg      config.SchedulerConfig
	logger   *logger.Logger
	nowFn    func() time.Time
}

// New builds the scheduler.
func New(doc docdb.Store, kvs kv.Store, executor Executor, cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		doc:      doc,
		kvs:      kvs,
		executor: executor,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "scheduler")),
		nowFn:    time.Now,
	}
}

// Run ticks until the context dies. Failures never halt the loop; a failed
// task stays due and is retried on a later tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.IntervalDuration())
	defer ticker.Stop()
	s.logger.Info("scheduler started", zap.Duration("interval", s.cfg.IntervalDuration()))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick scans for due tasks and executes each under its lock.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.nowFn().UTC()
	docs, err := s.doc.QueryGroup(ctx, tasksCollection, docdb.Query{
		Filters: []docdb.Filter{
			{Field: "enabled", Op: "==", Value: true},
			{Field: "next_execution_utc", Op: "<=", Value: now.Format(time.RFC3339)},
		},
	})
	if err != nil {
		metrics.SchedulerRunsTotal.WithLabelValues("scan_error").Inc()
		s.logger.WithError(err).Error("planned task scan failed")
		return
	}
	for _, task := range docs {
		s.runTask(ctx, task, now)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task docdb.Document, now time.Time) {
	taskID := task.ID
	log := s.logger.WithFields(zap.String("task_id", taskID))

	token := []byte(uuid.NewString())
	lockKey := keys.CronLock(taskID)
	lockTTL := time.Duration(s.cfg.LockTTL) * time.Second
	acquired, err := s.kvs.SetNX(ctx, lockKey, token, lockTTL)
	if err != nil {
		log.WithError(err).Error("cron lock acquire failed")
		return
	}
	if !acquired {
		// Another instance owns this execution.
		metrics.SchedulerRunsTotal.WithLabelValues("skipped_locked").Inc()
		return
	}
	defer s.releaseLock(lockKey, token, log)

	userID, _ := task.Data["user_id"].(string)
	companyID, _ := task.Data["company_id"].(string)
	instructions, _ := task.Data["instructions"].(string)
	if userID == "" || companyID == "" {
		metrics.SchedulerRunsTotal.WithLabelValues("invalid").Inc()
		log.Warn("planned task missing user_id or company_id, disabling")
		s.updateTask(task.Path, map[string]any{"enabled": false, "disabled_reason": "missing routing fields"}, log)
		return
	}

	_, err = s.executor.ExecuteTaskNow(ctx, userID, companyID, taskID, instructions)
	if err != nil {
		s.recordFailure(task, err, log)
		return
	}

	next, ferr := nextExecution(task.Data, now)
	update := map[string]any{
		"attempt_count":      0,
		"last_execution_utc": now.Format(time.RFC3339),
	}
	if ferr != nil {
		// One-shot tasks (no recognised frequency) disable after running.
		update["enabled"] = false
	} else {
		update["next_execution_utc"] = next.Format(time.RFC3339)
	}
	s.updateTask(task.Path, update, log)
	metrics.SchedulerRunsTotal.WithLabelValues("ok").Inc()
}

// recordFailure bumps the attempt counter; the task stays due so later ticks
// retry it, until the budget is spent and it dead-letters.
func (s *Scheduler) recordFailure(task docdb.Document, cause error, log *logger.Logger) {
	attempts := intField(task.Data, "attempt_count") + 1
	update := map[string]any{"attempt_count": attempts, "last_error": cause.Error()}
	if s.cfg.MaxAttempts > 0 && attempts >= s.cfg.MaxAttempts {
		update["enabled"] = false
		update["disabled_reason"] = "retry budget exhausted"
		metrics.SchedulerRunsTotal.WithLabelValues("dead_letter").Inc()
		log.WithError(cause).Error("planned task dead-lettered",
			zap.Int("attempts", attempts))
	} else {
		metrics.SchedulerRunsTotal.WithLabelValues("error").Inc()
		log.WithError(cause).Warn("planned task execution failed",
			zap.Int("attempts", attempts))
	}
	s.updateTask(task.Path, update, log)
}

func (s *Scheduler) updateTask(path string, data map[string]any, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.doc.Set(ctx, path, data, true); err != nil {
		log.WithError(err).Error("planned task update failed")
	}
}

// releaseLock deletes the lock only while we still own it; a lock that
// expired and was re-acquired elsewhere is left alone.
func (s *Scheduler) releaseLock(lockKey string, token []byte, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	current, err := s.kvs.Get(ctx, lockKey)
	if err != nil {
		return
	}
	if !bytes.Equal(current, token) {
		log.Warn("cron lock expired during execution")
		return
	}
	_ = s.kvs.Delete(ctx, lockKey)
}

// nextExecution advances the task's schedule past now.
func nextExecution(data map[string]any, now time.Time) (time.Time, error) {
	frequency, _ := data["frequency"].(string)
	var step func(time.Time) time.Time
	switch frequency {
	case "hourly":
		step = func(t time.Time) time.Time { return t.Add(time.Hour) }
	case "daily":
		step = func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }
	case "weekly":
		step = func(t time.Time) time.Time { return t.AddDate(0, 0, 7) }
	case "monthly":
		step = func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }
	default:
		return time.Time{}, fmt.Errorf("scheduler: unknown frequency %q", frequency)
	}

	next := parseWhen(data["next_execution_utc"], now)
	// Step from the scheduled slot, not from now, so the cadence holds even
	// after downtime; loop until the slot is in the future.
	for !next.After(now) {
		next = step(next)
	}
	return next, nil
}

func parseWhen(v any, fallback time.Time) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
	}
	return fallback
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

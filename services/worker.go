package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/synckit/profile-engine/metrics"
	"github.com/synckit/profile-engine/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TaskHandler executes one task type. Returning a DeferredError reschedules
// without consuming an attempt; a PermanentError fails the task immediately;
// any other error goes through bounded backoff retry.
type TaskHandler func(ctx context.Context, params json.RawMessage) error

// Worker drains the task outbox with at-least-once semantics
type Worker struct {
	db           *gorm.DB
	handlers     map[string]TaskHandler
	pollInterval time.Duration
	batchSize    int
	baseBackoff  time.Duration
	// stuckAfter resets tasks abandoned mid-processing by a crashed worker
	stuckAfter time.Duration
}

// NewWorker creates a new task worker
func NewWorker(db *gorm.DB) *Worker {
	return &Worker{
		db:           db,
		handlers:     map[string]TaskHandler{},
		pollInterval: 5 * time.Second,
		batchSize:    20,
		baseBackoff:  time.Minute,
		stuckAfter:   5 * time.Minute,
	}
}

// RegisterHandler binds a task type to its handler. Must happen before Start.
func (w *Worker) RegisterHandler(taskType string, handler TaskHandler) {
	w.handlers[taskType] = handler
}

// Start runs the polling loop until the context is cancelled
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	slog.Info("task worker started", "pollInterval", w.pollInterval, "batchSize", w.batchSize)

	for {
		select {
		case <-ctx.Done():
			slog.Info("task worker stopped")
			return
		case <-ticker.C:
			w.ProcessTasks(ctx)
		}
	}
}

// ProcessTasks claims and runs one batch of eligible tasks
func (w *Worker) ProcessTasks(ctx context.Context) {
	now := time.Now()

	// recover tasks stuck in processing from a crashed worker
	stuckThreshold := now.Add(-w.stuckAfter)
	err := w.db.Model(&models.Task{}).
		Where("status = ?", models.TaskStatusProcessing).
		Where("updated_at < ?", stuckThreshold).
		Update("status", models.TaskStatusPending).Error
	if err != nil {
		slog.Warn("failed to reset stuck tasks", "error", err)
	}

	tasks, err := w.claimBatch(now)
	if err != nil {
		slog.Error("failed to claim pending tasks", "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	slog.Debug("processing tasks", "count", len(tasks))
	for i := range tasks {
		w.processTask(ctx, &tasks[i])
	}
}

// claimBatch atomically moves a batch of eligible pending tasks to
// processing, honoring each app's parallelism cap
func (w *Worker) claimBatch(now time.Time) ([]models.Task, error) {
	var claimed []models.Task

	err := w.db.Transaction(func(tx *gorm.DB) error {
		query := tx.Where("status = ?", models.TaskStatusPending).
			Where("(next_retry_at IS NULL OR next_retry_at <= ?)", now).
			Where("(not_before IS NULL OR not_before <= ?)", now).
			Order("created_at ASC").
			Limit(w.batchSize)
		// SKIP LOCKED keeps concurrent workers off each other's batch;
		// sqlite has no row locking, the claim update covers it there
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var tasks []models.Task
		err := query.Find(&tasks).Error
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}

		eligible, err := w.applyAppCaps(tx, tasks)
		if err != nil {
			return err
		}
		if len(eligible) == 0 {
			return nil
		}

		ids := make([]string, len(eligible))
		for i := range eligible {
			ids[i] = eligible[i].TaskID
		}
		err = tx.Model(&models.Task{}).
			Where("task_id IN ?", ids).
			Update("status", models.TaskStatusProcessing).Error
		if err != nil {
			return err
		}

		claimed = eligible
		return nil
	})
	return claimed, err
}

// applyAppCaps drops tasks that would exceed their app's configured
// parallel connector-call limit; dropped tasks stay pending for next poll
func (w *Worker) applyAppCaps(tx *gorm.DB, tasks []models.Task) ([]models.Task, error) {
	inFlight := map[string]int64{}
	limits := map[string]int{}

	eligible := make([]models.Task, 0, len(tasks))
	for _, task := range tasks {
		if task.AppID == nil {
			eligible = append(eligible, task)
			continue
		}
		appID := *task.AppID

		limit, known := limits[appID]
		if !known {
			var app models.App
			if err := tx.First(&app, "app_id = ?", appID).Error; err == nil {
				limit = app.Parallelism
			} else {
				limit = 0 // app gone, no cap to honor
			}
			limits[appID] = limit

			var processing int64
			err := tx.Model(&models.Task{}).
				Where("app_id = ? AND status = ?", appID, models.TaskStatusProcessing).
				Count(&processing).Error
			if err != nil {
				return nil, err
			}
			inFlight[appID] = processing
		}

		if limit > 0 && inFlight[appID] >= int64(limit) {
			continue
		}
		inFlight[appID]++
		eligible = append(eligible, task)
	}
	return eligible, nil
}

// processTask runs one claimed task and records the outcome
func (w *Worker) processTask(ctx context.Context, task *models.Task) {
	handler, ok := w.handlers[task.Type]

	var err error
	if !ok {
		err = Permanent(fmt.Errorf("unknown task type: %s", task.Type))
	} else {
		err = handler(ctx, json.RawMessage(task.Params))
	}

	now := time.Now()

	// voluntary deferral: waiting on a condition, not a failure
	var deferred *DeferredError
	if errors.As(err, &deferred) {
		notBefore := now.Add(deferred.Delay)
		updateErr := w.db.Model(task).Updates(map[string]interface{}{
			"status":     models.TaskStatusPending,
			"not_before": &notBefore,
		}).Error
		if updateErr != nil {
			slog.Error("failed to defer task", "taskID", task.TaskID, "error", updateErr)
		}
		metrics.TasksProcessed.WithLabelValues(task.Type, "deferred").Inc()
		slog.Debug("task deferred", "taskID", task.TaskID, "type", task.Type, "notBefore", notBefore)
		return
	}

	updates := map[string]interface{}{
		"processed_at": now,
	}

	if err == nil {
		updates["status"] = models.TaskStatusCompleted
		updates["error"] = nil
		updates["next_retry_at"] = nil
		if updateErr := w.db.Model(task).Updates(updates).Error; updateErr != nil {
			slog.Error("failed to update task status", "taskID", task.TaskID, "error", updateErr)
		}
		metrics.TasksProcessed.WithLabelValues(task.Type, "completed").Inc()
		slog.Info("task completed", "taskID", task.TaskID, "type", task.Type)
		return
	}

	errorMsg := err.Error()
	updates["error"] = &errorMsg

	var permanent *PermanentError
	newRetryCount := task.RetryCount + 1
	updates["retry_count"] = newRetryCount

	if errors.As(err, &permanent) || newRetryCount > task.MaxRetries {
		// surfaced as permanently failed rather than silently dropped
		updates["status"] = models.TaskStatusFailed
		updates["next_retry_at"] = nil
		metrics.TasksProcessed.WithLabelValues(task.Type, "failed").Inc()
		slog.Error("task permanently failed",
			"taskID", task.TaskID,
			"type", task.Type,
			"retryCount", newRetryCount,
			"maxRetries", task.MaxRetries,
			"error", err)
	} else {
		backoff := w.baseBackoff * time.Duration(1<<task.RetryCount)
		var retryAfter *RetryAfterError
		if errors.As(err, &retryAfter) && retryAfter.Delay > 0 {
			backoff = retryAfter.Delay
		}
		nextRetryAt := now.Add(backoff)
		updates["next_retry_at"] = &nextRetryAt
		updates["status"] = models.TaskStatusPending
		metrics.TasksProcessed.WithLabelValues(task.Type, "retried").Inc()
		slog.Warn("task failed, will retry",
			"taskID", task.TaskID,
			"type", task.Type,
			"retryCount", newRetryCount,
			"maxRetries", task.MaxRetries,
			"nextRetryAt", nextRetryAt,
			"error", err)
	}

	if updateErr := w.db.Model(task).Updates(updates).Error; updateErr != nil {
		slog.Error("failed to update task status", "taskID", task.TaskID, "error", updateErr)
	}
}

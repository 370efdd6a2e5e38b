package services

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/synckit/profile-engine/models"
	"gorm.io/gorm"
)

// Task parameter shapes. Every task type declares its bounded set of
// required input fields here.
type ResolvePropertyParams struct {
	ProfileID  string `json:"profileId"`
	PropertyID string `json:"propertyId"`
}

type SyncProfileParams struct {
	ProfileID string `json:"profileId"`
}

type SendExportsParams struct {
	DestinationID string `json:"destinationId"`
}

type ProcessExportsParams struct {
	DestinationID string `json:"destinationId"`
	RemoteKey     string `json:"remoteKey"`
}

type ImportSourceParams struct {
	ScheduleID string `json:"scheduleId"`
}

// TaskQueue enqueues work into the outbox table the worker drains
type TaskQueue struct {
	db         *gorm.DB
	maxRetries int
}

// NewTaskQueue creates a new task queue
func NewTaskQueue(db *gorm.DB) *TaskQueue {
	return &TaskQueue{db: db, maxRetries: 5}
}

// EnqueueOption adjusts a task before it is persisted
type EnqueueOption func(*models.Task)

// WithDelay makes the task eligible only after the given delay
func WithDelay(delay time.Duration) EnqueueOption {
	return func(task *models.Task) {
		notBefore := time.Now().Add(delay)
		task.NotBefore = &notBefore
	}
}

// WithApp scopes the task under the app's parallelism cap
func WithApp(appID string) EnqueueOption {
	return func(task *models.Task) {
		task.AppID = &appID
	}
}

// Enqueue persists a task unless an identical pending one already exists.
// The dedup keeps pipeline re-runs idempotent: enqueueing the same work
// twice before it ran is a no-op.
func (q *TaskQueue) Enqueue(tx *gorm.DB, taskType string, params interface{}, opts ...EnqueueOption) error {
	if tx == nil {
		tx = q.db
	}

	encoded, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params for task %s: %w", taskType, err)
	}

	var existing int64
	err = tx.Model(&models.Task{}).
		Where("type = ? AND params = ? AND status = ?", taskType, string(encoded), models.TaskStatusPending).
		Count(&existing).Error
	if err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}

	task := models.Task{
		TaskID:     models.NewID("tsk"),
		Type:       taskType,
		Params:     string(encoded),
		Status:     models.TaskStatusPending,
		MaxRetries: q.maxRetries,
	}
	for _, opt := range opts {
		opt(&task)
	}
	return tx.Create(&task).Error
}

// EnqueueResolveProperty schedules resolution of one property for one profile
func (q *TaskQueue) EnqueueResolveProperty(tx *gorm.DB, profileID, propertyID string, opts ...EnqueueOption) error {
	return q.Enqueue(tx, models.TaskTypeResolveProperty, ResolvePropertyParams{
		ProfileID:  profileID,
		PropertyID: propertyID,
	}, opts...)
}

// EnqueueSyncProfile schedules a full pipeline run for one profile
func (q *TaskQueue) EnqueueSyncProfile(tx *gorm.DB, profileID string, opts ...EnqueueOption) error {
	return q.Enqueue(tx, models.TaskTypeSyncProfile, SyncProfileParams{ProfileID: profileID}, opts...)
}

// EnqueueSendExports schedules a batch send for one destination
func (q *TaskQueue) EnqueueSendExports(tx *gorm.DB, destinationID string, opts ...EnqueueOption) error {
	return q.Enqueue(tx, models.TaskTypeSendExports, SendExportsParams{DestinationID: destinationID}, opts...)
}

// EnqueueProcessExports schedules polling of an asynchronously processed
// export batch
func (q *TaskQueue) EnqueueProcessExports(tx *gorm.DB, destinationID, remoteKey string, opts ...EnqueueOption) error {
	return q.Enqueue(tx, models.TaskTypeProcessExports, ProcessExportsParams{
		DestinationID: destinationID,
		RemoteKey:     remoteKey,
	}, opts...)
}

// EnqueueImportSource schedules an incremental import run for a schedule
func (q *TaskQueue) EnqueueImportSource(tx *gorm.DB, scheduleID string, opts ...EnqueueOption) error {
	return q.Enqueue(tx, models.TaskTypeImportSource, ImportSourceParams{ScheduleID: scheduleID}, opts...)
}

package models

import "time"

// Task types dispatched through the outbox worker
const (
	TaskTypeResolveProperty = "property:resolve"
	TaskTypeSyncProfile     = "profile:sync"
	TaskTypeSendExports     = "export:sendBatch"
	TaskTypeProcessExports  = "export:processBatch"
	TaskTypeImportSource    = "source:import"
)

// Task statuses
const (
	TaskStatusPending    = State("pending")
	TaskStatusProcessing = State("processing")
	TaskStatusCompleted  = State("completed")
	TaskStatusFailed     = State("failed")
)

// Task is one unit of retryable work in the outbox table. Params is a JSON
// object holding the task type's required input fields.
type Task struct {
	TaskID     string `gorm:"primarykey;column:task_id" json:"taskId"`
	Type       string `gorm:"column:type;not null;index" json:"type"`
	Params     string `gorm:"column:params;not null" json:"params"`
	Status     State  `gorm:"column:status;not null;default:pending;index" json:"status"`
	RetryCount int    `gorm:"column:retry_count;not null;default:0" json:"retryCount"`
	MaxRetries int    `gorm:"column:max_retries;not null;default:5" json:"maxRetries"`
	// AppID scopes the task under the app's parallelism cap when set
	AppID *string `gorm:"column:app_id" json:"appId"`
	// NotBefore is the voluntary-deferral watermark: the task is not
	// eligible to run again until this time passes. Distinct from
	// NextRetryAt, which is set by failure-driven backoff.
	NotBefore   *time.Time `gorm:"column:not_before" json:"notBefore"`
	NextRetryAt *time.Time `gorm:"column:next_retry_at" json:"nextRetryAt"`
	Error       *string    `gorm:"column:error" json:"error"`
	ProcessedAt *time.Time `gorm:"column:processed_at" json:"processedAt"`
	BaseModel
}

// TableName sets the table name for GORM
func (Task) TableName() string {
	return "tasks"
}

package models

import (
	"fmt"

	"gorm.io/gorm"
)

// Source represents a configured inbound connector instance bound to an App
type Source struct {
	SourceID string `gorm:"primarykey;column:source_id" json:"sourceId"`
	AppID    string `gorm:"column:app_id;not null" json:"appId"`
	Name     string `gorm:"column:name" json:"name"`
	Type     string `gorm:"column:type;not null" json:"type"`
	State    State  `gorm:"column:state;not null;default:draft" json:"state"`
	// Locked names the external configuration owner that froze this source,
	// empty when mutable through the engine
	Locked  string    `gorm:"column:locked" json:"locked"`
	Options OptionMap `gorm:"column:options" json:"options"`
	// Mapping maps source columns to property keys, e.g. {"email": "email"}
	Mapping OptionMap `gorm:"column:mapping" json:"mapping"`
	BaseModel
}

// TableName sets the table name for GORM
func (Source) TableName() string {
	return "sources"
}

// SourceTransitions is the state machine for sources. Reaching ready
// requires configured options and a completed column mapping; a deleted
// source can be restored only when it would still validate.
var SourceTransitions = []Transition[*Source]{
	{From: StateDraft, To: StateReady, Checks: []TransitionCheck[*Source]{
		validateSourceOptions,
		validateSourceMapping,
	}},
	{From: StateDraft, To: StateDeleted},
	{From: StateReady, To: StateDeleted},
	{From: StateDeleted, To: StateReady, Checks: []TransitionCheck[*Source]{
		validateSourceOptions,
		validateSourceMapping,
	}},
}

func validateSourceOptions(tx *gorm.DB, source *Source) error {
	if len(source.Options) == 0 {
		return fmt.Errorf("source %s has no options set", source.SourceID)
	}
	return nil
}

func validateSourceMapping(tx *gorm.DB, source *Source) error {
	if len(source.Mapping) == 0 {
		return fmt.Errorf("mapping not set for source %s", source.SourceID)
	}
	return nil
}

// Schedule drives recurring incremental imports for one source. The
// high-water mark is the opaque cursor handed back to the connector so the
// next run resumes where the last one stopped.
type Schedule struct {
	ScheduleID    string `gorm:"primarykey;column:schedule_id" json:"scheduleId"`
	SourceID      string `gorm:"column:source_id;not null;uniqueIndex" json:"sourceId"`
	Recurring     string `gorm:"column:recurring;not null" json:"recurring"`
	HighWaterMark string `gorm:"column:high_water_mark" json:"highWaterMark"`
	BatchSize     int    `gorm:"column:batch_size;not null;default:100" json:"batchSize"`
	State         State  `gorm:"column:state;not null;default:ready" json:"state"`
	BaseModel
}

// TableName sets the table name for GORM
func (Schedule) TableName() string {
	return "schedules"
}

package models

import "time"

// Destination is a configured outbound connector instance. It watches one
// group: profiles entering or leaving that group (or changing while in it)
// are exported to it.
type Destination struct {
	DestinationID string    `gorm:"primarykey;column:destination_id" json:"destinationId"`
	AppID         string    `gorm:"column:app_id;not null" json:"appId"`
	Name          string    `gorm:"column:name" json:"name"`
	Type          string    `gorm:"column:type;not null" json:"type"`
	GroupID       string    `gorm:"column:group_id;not null" json:"groupId"`
	State         State     `gorm:"column:state;not null;default:ready" json:"state"`
	Locked        string    `gorm:"column:locked" json:"locked"`
	Options       OptionMap `gorm:"column:options" json:"options"`
	BatchSize     int       `gorm:"column:batch_size;not null;default:100" json:"batchSize"`
	BaseModel
}

// TableName sets the table name for GORM
func (Destination) TableName() string {
	return "destinations"
}

// Export is one profile's property+group delta bound for one destination
type Export struct {
	ExportID      string      `gorm:"primarykey;column:export_id" json:"exportId"`
	ProfileID     string      `gorm:"column:profile_id;not null;index" json:"profileId"`
	DestinationID string      `gorm:"column:destination_id;not null;index" json:"destinationId"`
	OldProperties ValueMap    `gorm:"column:old_properties" json:"oldProperties"`
	NewProperties ValueMap    `gorm:"column:new_properties" json:"newProperties"`
	OldGroups     StringSlice `gorm:"column:old_groups" json:"oldGroups"`
	NewGroups     StringSlice `gorm:"column:new_groups" json:"newGroups"`
	ToDelete      bool        `gorm:"column:to_delete;not null;default:false" json:"toDelete"`
	State         State       `gorm:"column:state;not null;default:pending" json:"state"`
	// RemoteKey holds the connector's batch id while the destination
	// processes the export asynchronously
	RemoteKey    *string    `gorm:"column:remote_key" json:"remoteKey"`
	ErrorMessage *string    `gorm:"column:error_message" json:"errorMessage"`
	RetryCount   int        `gorm:"column:retry_count;not null;default:0" json:"retryCount"`
	StartedAt    *time.Time `gorm:"column:started_at" json:"startedAt"`
	CompletedAt  *time.Time `gorm:"column:completed_at" json:"completedAt"`
	BaseModel
}

// TableName sets the table name for GORM
func (Export) TableName() string {
	return "exports"
}

// HasChanges reports whether this export represents an actual delta. A
// no-change export need not be created or sent.
func (e *Export) HasChanges() bool {
	if e.ToDelete {
		return true
	}
	if len(e.OldGroups) != len(e.NewGroups) {
		return true
	}
	oldGroups := map[string]bool{}
	for _, g := range e.OldGroups {
		oldGroups[g] = true
	}
	for _, g := range e.NewGroups {
		if !oldGroups[g] {
			return true
		}
	}
	if len(e.OldProperties) != len(e.NewProperties) {
		return true
	}
	for key, newValues := range e.NewProperties {
		oldValues, ok := e.OldProperties[key]
		if !ok || len(oldValues) != len(newValues) {
			return true
		}
		for i := range newValues {
			if oldValues[i] != newValues[i] {
				return true
			}
		}
	}
	return false
}

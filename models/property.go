package models

import "time"

// Property is a named, typed attribute definition attached to a Source
type Property struct {
	PropertyID string       `gorm:"primarykey;column:property_id" json:"propertyId"`
	SourceID   string       `gorm:"column:source_id;not null" json:"sourceId"`
	Key        string       `gorm:"column:key;not null;uniqueIndex" json:"key"`
	Type       PropertyType `gorm:"column:type;not null" json:"type"`
	IsArray    bool         `gorm:"column:is_array;not null;default:false" json:"isArray"`
	// Unique marks the identity property used to resolve imports to profiles
	Unique bool `gorm:"column:unique_value;not null;default:false" json:"unique"`
	// DirectlyMapped means the value arrives with the source's import rows
	// rather than through a connector property fetch
	DirectlyMapped bool      `gorm:"column:directly_mapped;not null;default:false" json:"directlyMapped"`
	State          State     `gorm:"column:state;not null;default:draft" json:"state"`
	Locked         string    `gorm:"column:locked" json:"locked"`
	Options        OptionMap `gorm:"column:options" json:"options"`
	BaseModel
}

// TableName sets the table name for GORM
func (Property) TableName() string {
	return "properties"
}

// PropertyTransitions is the state machine for property definitions
var PropertyTransitions = []Transition[*Property]{
	{From: StateDraft, To: StatePending},
	{From: StateDraft, To: StateReady},
	{From: StatePending, To: StateReady},
	{From: StateReady, To: StateDeleted},
	{From: StatePending, To: StateDeleted},
	{From: StateDraft, To: StateDeleted},
}

// ProfileProperty is the materialized value of one Property for one Profile.
// Array-valued properties store one row per element, ordered by Position.
type ProfileProperty struct {
	ProfilePropertyID string     `gorm:"primarykey;column:profile_property_id" json:"profilePropertyId"`
	ProfileID         string     `gorm:"column:profile_id;not null;uniqueIndex:idx_profile_property" json:"profileId"`
	PropertyID        string     `gorm:"column:property_id;not null;uniqueIndex:idx_profile_property" json:"propertyId"`
	Position          int        `gorm:"column:position;not null;default:0;uniqueIndex:idx_profile_property" json:"position"`
	RawValue          *string    `gorm:"column:raw_value" json:"rawValue"`
	State             State      `gorm:"column:state;not null;default:pending" json:"state"`
	StateChangedAt    *time.Time `gorm:"column:state_changed_at" json:"stateChangedAt"`
	ConfirmedAt       *time.Time `gorm:"column:confirmed_at" json:"confirmedAt"`
	// StartedAt is the retry-eligibility watermark: a pending row is not
	// picked up again until this time has passed
	StartedAt *time.Time `gorm:"column:started_at" json:"startedAt"`
	BaseModel
}

// TableName sets the table name for GORM
func (ProfileProperty) TableName() string {
	return "profile_properties"
}

package models

import (
	"fmt"

	"gorm.io/gorm"
)

// Profile is a resolved canonical identity record
type Profile struct {
	ProfileID string `gorm:"primarykey;column:profile_id" json:"profileId"`
	State     State  `gorm:"column:state;not null;default:pending" json:"state"`
	BaseModel
}

// TableName sets the table name for GORM
func (Profile) TableName() string {
	return "profiles"
}

// ProfileTransitions is the state machine for profiles. A profile can only
// reach ready once every one of its properties is ready.
var ProfileTransitions = []Transition[*Profile]{
	{From: StateDraft, To: StatePending},
	{From: StateDraft, To: StateReady},
	{From: StatePending, To: StateReady, Checks: []TransitionCheck[*Profile]{
		validateProfilePropertiesAreReady,
	}},
	{From: StateReady, To: StatePending},
}

func validateProfilePropertiesAreReady(tx *gorm.DB, profile *Profile) error {
	var notReady int64
	err := tx.Model(&ProfileProperty{}).
		Where("profile_id = ?", profile.ProfileID).
		Where("state <> ?", StateReady).
		Count(&notReady).Error
	if err != nil {
		return err
	}
	if notReady > 0 {
		return fmt.Errorf("%w: cannot transition profile %s to ready state as not all properties are ready",
			ErrInvalidTransition, profile.ProfileID)
	}
	return nil
}

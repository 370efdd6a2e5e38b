package services

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/synckit/profile-engine/models"
	"gorm.io/gorm"
)

// PropertyValue is the resolved view of one property for one profile
type PropertyValue struct {
	Property models.Property
	Values   []string
	State    models.State
}

// PropertyMap holds a profile's full current property state keyed by
// property key
type PropertyMap map[string]*PropertyValue

// ProfileService owns profile lifecycle and the materialized property rows
type ProfileService struct {
	db *gorm.DB
}

// NewProfileService creates a new profile service
func NewProfileService(db *gorm.DB) *ProfileService {
	return &ProfileService{db: db}
}

// GetProfile loads a profile by id
func (s *ProfileService) GetProfile(profileID string) (*models.Profile, error) {
	var profile models.Profile
	if err := s.db.First(&profile, "profile_id = ?", profileID).Error; err != nil {
		return nil, err
	}
	return &profile, nil
}

// PropertyMap loads the profile's full current property state. Properties
// with no materialized rows yet appear as pending with no values.
func (s *ProfileService) PropertyMap(tx *gorm.DB, profileID string) (PropertyMap, error) {
	var properties []models.Property
	if err := tx.Where("state <> ?", models.StateDeleted).Find(&properties).Error; err != nil {
		return nil, err
	}

	var rows []models.ProfileProperty
	err := tx.Where("profile_id = ?", profileID).
		Order("property_id, position").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	byPropertyID := map[string][]models.ProfileProperty{}
	for _, row := range rows {
		byPropertyID[row.PropertyID] = append(byPropertyID[row.PropertyID], row)
	}

	result := PropertyMap{}
	for _, property := range properties {
		value := &PropertyValue{Property: property, State: models.StatePending}
		if propertyRows := byPropertyID[property.PropertyID]; len(propertyRows) > 0 {
			value.State = propertyRows[0].State
			for _, row := range propertyRows {
				if row.RawValue != nil {
					value.Values = append(value.Values, *row.RawValue)
				}
			}
		}
		result[property.Key] = value
	}
	return result, nil
}

// SimpleProperties reduces the property map to ready values only, the shape
// exports and group evaluation consume
func (m PropertyMap) SimpleProperties() models.ValueMap {
	simple := models.ValueMap{}
	for key, value := range m {
		if value.State == models.StateReady && len(value.Values) > 0 {
			simple[key] = value.Values
		}
	}
	return simple
}

// FindOrCreateByUniqueProperty resolves an imported key/value set to a
// profile through the unique identity property, creating the profile (with
// null pending properties) when no match exists
func (s *ProfileService) FindOrCreateByUniqueProperty(tx *gorm.DB, key, value string) (*models.Profile, bool, error) {
	var property models.Property
	err := tx.First(&property, "key = ?", key).Error
	if err != nil {
		return nil, false, fmt.Errorf("unique property %q not found: %w", key, err)
	}
	if !property.Unique {
		return nil, false, fmt.Errorf("property %q is not unique, cannot resolve profiles by it", key)
	}

	var row models.ProfileProperty
	err = tx.Where("property_id = ? AND raw_value = ?", property.PropertyID, value).
		First(&row).Error
	if err == nil {
		var profile models.Profile
		if err := tx.First(&profile, "profile_id = ?", row.ProfileID).Error; err != nil {
			return nil, false, err
		}
		return &profile, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	profile := &models.Profile{
		ProfileID: models.NewID("pro"),
		State:     models.StatePending,
	}
	if err := tx.Create(profile).Error; err != nil {
		return nil, false, err
	}
	if err := s.BuildNullProperties(tx, profile.ProfileID); err != nil {
		return nil, false, err
	}
	if err := s.SetProperty(tx, profile.ProfileID, &property, []string{value}); err != nil {
		return nil, false, err
	}

	slog.Info("profile created", "profileID", profile.ProfileID, "uniqueKey", key)
	return profile, true, nil
}

// BuildNullProperties ensures a pending row exists for every known property
// so a new profile starts with a complete, unresolved property set
func (s *ProfileService) BuildNullProperties(tx *gorm.DB, profileID string) error {
	var properties []models.Property
	if err := tx.Where("state <> ?", models.StateDeleted).Find(&properties).Error; err != nil {
		return err
	}

	for _, property := range properties {
		var count int64
		err := tx.Model(&models.ProfileProperty{}).
			Where("profile_id = ? AND property_id = ?", profileID, property.PropertyID).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			continue
		}

		row := models.ProfileProperty{
			ProfilePropertyID: models.NewID("prp"),
			ProfileID:         profileID,
			PropertyID:        property.PropertyID,
			Position:          0,
			State:             models.StatePending,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

// SetProperty upserts the materialized value rows for one property on one
// profile and marks them ready. An empty value set clears the raw value but
// still reaches ready: "ready but absent" is a valid terminal state.
func (s *ProfileService) SetProperty(tx *gorm.DB, profileID string, property *models.Property, values []string) error {
	now := time.Now()

	if len(values) > 1 && !property.IsArray {
		values = values[:1]
	}

	// trim rows beyond the new value count, but always keep position 0
	keep := len(values)
	if keep == 0 {
		keep = 1
	}
	err := tx.Where("profile_id = ? AND property_id = ? AND position >= ?", profileID, property.PropertyID, keep).
		Delete(&models.ProfileProperty{}).Error
	if err != nil {
		return err
	}

	upsert := func(position int, rawValue *string) error {
		var row models.ProfileProperty
		err := tx.Where("profile_id = ? AND property_id = ? AND position = ?", profileID, property.PropertyID, position).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = models.ProfileProperty{
				ProfilePropertyID: models.NewID("prp"),
				ProfileID:         profileID,
				PropertyID:        property.PropertyID,
				Position:          position,
			}
		} else if err != nil {
			return err
		}

		row.RawValue = rawValue
		row.State = models.StateReady
		row.StateChangedAt = &now
		row.ConfirmedAt = &now
		row.StartedAt = nil
		return tx.Save(&row).Error
	}

	if len(values) == 0 {
		return upsert(0, nil)
	}
	for position, value := range values {
		v := value
		if err := upsert(position, &v); err != nil {
			return err
		}
	}
	return nil
}

// MarkPending flags the profile and its non-directly-mapped properties for
// re-resolution
func (s *ProfileService) MarkPending(tx *gorm.DB, profileID string) error {
	var profile models.Profile
	if err := tx.First(&profile, "profile_id = ?", profileID).Error; err != nil {
		return err
	}

	if profile.State == models.StateReady {
		err := models.ValidateTransition(tx, &profile, models.ProfileTransitions, profile.State, models.StatePending)
		if err != nil {
			return err
		}
	}
	err := tx.Model(&profile).Update("state", models.StatePending).Error
	if err != nil {
		return err
	}

	return tx.Model(&models.ProfileProperty{}).
		Where("profile_id = ?", profileID).
		Where("property_id IN (?)", tx.Model(&models.Property{}).
			Select("property_id").
			Where("directly_mapped = ?", false)).
		Updates(map[string]interface{}{"state": models.StatePending, "started_at": nil}).Error
}

// CompleteIfReady transitions a pending profile to ready once every property
// reports ready. Returns true when the transition happened.
func (s *ProfileService) CompleteIfReady(tx *gorm.DB, profileID string) (bool, error) {
	var profile models.Profile
	if err := tx.First(&profile, "profile_id = ?", profileID).Error; err != nil {
		return false, err
	}
	if profile.State != models.StatePending {
		return false, nil
	}

	err := models.ValidateTransition(tx, &profile, models.ProfileTransitions, profile.State, models.StateReady)
	if errors.Is(err, models.ErrInvalidTransition) {
		return false, nil // still waiting on properties, not an error
	}
	if err != nil {
		return false, err
	}

	if err := tx.Model(&profile).Update("state", models.StateReady).Error; err != nil {
		return false, err
	}
	slog.Debug("profile ready", "profileID", profileID)
	return true, nil
}

// GroupNames returns the sorted names of the groups a profile belongs to
func (s *ProfileService) GroupNames(tx *gorm.DB, profileID string) ([]string, error) {
	var names []string
	err := tx.Model(&models.GroupMember{}).
		Joins("JOIN groups ON groups.group_id = group_members.group_id").
		Where("group_members.profile_id = ?", profileID).
		Pluck("groups.name", &names).Error
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

package services

import (
	"errors"
	"fmt"

	"github.com/synckit/profile-engine/models"
	"gorm.io/gorm"
)

// SourceService manages source lifecycle transitions and deletion guards
type SourceService struct {
	db *gorm.DB
}

// NewSourceService creates a new source service
func NewSourceService(db *gorm.DB) *SourceService {
	return &SourceService{db: db}
}

// SetState moves a source through its lifecycle, running the transition
// checks against the persisted row
func (s *SourceService) SetState(sourceID string, proposed models.State) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var source models.Source
		if err := tx.First(&source, "source_id = ?", sourceID).Error; err != nil {
			return err
		}
		if err := models.EnsureNotLocked(source.Locked, "source", source.SourceID); err != nil {
			return err
		}

		err := models.ValidateTransition(tx, &source, models.SourceTransitions, source.State, proposed)
		if err != nil {
			return err
		}
		return tx.Model(&source).Update("state", proposed).Error
	})
}

// DestroySource removes a source once nothing depends on it. A schedule or a
// non-directly-mapped property blocks deletion; the directly mapped property
// is part of the source's own bootstrap and is cascaded along with its
// profile property rows.
func (s *SourceService) DestroySource(sourceID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var source models.Source
		err := tx.First(&source, "source_id = ?", sourceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := models.EnsureNotLocked(source.Locked, "source", source.SourceID); err != nil {
			return err
		}

		var scheduleCount int64
		err = tx.Model(&models.Schedule{}).
			Where("source_id = ?", sourceID).
			Count(&scheduleCount).Error
		if err != nil {
			return err
		}
		if scheduleCount > 0 {
			return fmt.Errorf("cannot delete a source that has a schedule")
		}

		var blockingCount int64
		err = tx.Model(&models.Property{}).
			Where("source_id = ? AND directly_mapped = ?", sourceID, false).
			Count(&blockingCount).Error
		if err != nil {
			return err
		}
		if blockingCount > 0 {
			return fmt.Errorf("cannot delete a source that has a property")
		}

		var directProperties []models.Property
		err = tx.Where("source_id = ? AND directly_mapped = ?", sourceID, true).
			Find(&directProperties).Error
		if err != nil {
			return err
		}
		for _, property := range directProperties {
			err = tx.Where("property_id = ?", property.PropertyID).
				Delete(&models.ProfileProperty{}).Error
			if err != nil {
				return err
			}
			if err := tx.Delete(&property).Error; err != nil {
				return err
			}
		}

		return tx.Delete(&source).Error
	})
}

// DestroySchedule removes a source's schedule
func (s *SourceService) DestroySchedule(scheduleID string) error {
	result := s.db.Where("schedule_id = ?", scheduleID).Delete(&models.Schedule{})
	return result.Error
}

// DestroyProperty removes a property along with every profile property row
// captured for it. Directly mapped and locked properties cannot be removed
// this way.
func (s *SourceService) DestroyProperty(propertyID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var property models.Property
		err := tx.First(&property, "property_id = ?", propertyID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := models.EnsureNotLocked(property.Locked, "property", property.PropertyID); err != nil {
			return err
		}
		if property.DirectlyMapped {
			return fmt.Errorf("cannot delete directly mapped property %s", property.PropertyID)
		}

		err = tx.Where("property_id = ?", propertyID).
			Delete(&models.ProfileProperty{}).Error
		if err != nil {
			return err
		}
		return tx.Delete(&property).Error
	})
}

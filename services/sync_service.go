package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/synckit/profile-engine/connectors"
	"github.com/synckit/profile-engine/metrics"
	"github.com/synckit/profile-engine/models"
	"gorm.io/gorm"
)

// SyncService is the per-profile pipeline coordinator: import, property
// resolution, group re-evaluation and export-diff construction. Each step is
// independently resumable and the whole pipeline is idempotent: re-running
// it with no new upstream data changes nothing.
type SyncService struct {
	db       *gorm.DB
	registry *connectors.Registry
	profiles *ProfileService
	groups   *GroupService
	exports  *ExportService
	queue    *TaskQueue
}

// NewSyncService creates a new sync orchestrator
func NewSyncService(db *gorm.DB, registry *connectors.Registry, profiles *ProfileService, groups *GroupService, exports *ExportService, queue *TaskQueue) *SyncService {
	return &SyncService{
		db:       db,
		registry: registry,
		profiles: profiles,
		groups:   groups,
		exports:  exports,
		queue:    queue,
	}
}

// ImportRow maps one source-provided row through the source's column to
// property mapping, resolves it to a profile (creating one on a missed
// unique-property match) and schedules resolution of dependent properties
func (s *SyncService) ImportRow(ctx context.Context, source *models.Source, row connectors.Row) (*models.Profile, error) {
	if source.State != models.StateReady {
		return nil, fmt.Errorf("source %s is not ready", source.SourceID)
	}

	mapped := map[string]string{}
	for column, key := range source.Mapping {
		if value, ok := row[column]; ok {
			mapped[key] = value
		}
	}
	if len(mapped) == 0 {
		return nil, fmt.Errorf("row has no mapped columns for source %s", source.SourceID)
	}

	var profile *models.Profile
	err := s.db.Transaction(func(tx *gorm.DB) error {
		uniqueKey, uniqueValue, err := s.findUniqueMapping(tx, mapped)
		if err != nil {
			return err
		}

		p, created, err := s.profiles.FindOrCreateByUniqueProperty(tx, uniqueKey, uniqueValue)
		if err != nil {
			return err
		}
		profile = p

		if !created {
			if err := s.profiles.MarkPending(tx, profile.ProfileID); err != nil {
				return err
			}
		}

		// directly mapped values arrive with the row and are ready at once
		for key, value := range mapped {
			if key == uniqueKey {
				continue
			}
			var property models.Property
			if err := tx.First(&property, "key = ?", key).Error; err != nil {
				return fmt.Errorf("mapped property %q not found: %w", key, err)
			}
			if err := s.profiles.SetProperty(tx, profile.ProfileID, &property, []string{value}); err != nil {
				return err
			}
		}

		if err := s.enqueuePendingResolutions(tx, profile.ProfileID); err != nil {
			return err
		}
		return s.queue.EnqueueSyncProfile(tx, profile.ProfileID)
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// findUniqueMapping picks the identity key/value pair out of a mapped row
func (s *SyncService) findUniqueMapping(tx *gorm.DB, mapped map[string]string) (string, string, error) {
	keys := make([]string, 0, len(mapped))
	for key := range mapped {
		keys = append(keys, key)
	}

	var unique []models.Property
	err := tx.Where("key IN ? AND unique_value = ?", keys, true).Find(&unique).Error
	if err != nil {
		return "", "", err
	}
	if len(unique) == 0 {
		return "", "", fmt.Errorf("no unique property among mapped keys %v", keys)
	}
	key := unique[0].Key
	return key, mapped[key], nil
}

// enqueuePendingResolutions schedules a resolve task for every pending
// non-directly-mapped property of the profile. Dedup in the queue makes
// this safe to call on every pipeline run.
func (s *SyncService) enqueuePendingResolutions(tx *gorm.DB, profileID string) error {
	var pending []models.ProfileProperty
	err := tx.Where("profile_id = ? AND state = ? AND position = 0", profileID, models.StatePending).
		Find(&pending).Error
	if err != nil {
		return err
	}

	for _, row := range pending {
		var property models.Property
		err := tx.First(&property, "property_id = ?", row.PropertyID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if property.DirectlyMapped {
			continue
		}

		var source models.Source
		var opts []EnqueueOption
		if err := tx.First(&source, "source_id = ?", property.SourceID).Error; err == nil {
			opts = append(opts, WithApp(source.AppID))
		}
		if row.StartedAt != nil && row.StartedAt.After(time.Now()) {
			opts = append(opts, WithDelay(time.Until(*row.StartedAt)))
		}
		err = s.queue.EnqueueResolveProperty(tx, profileID, property.PropertyID, opts...)
		if err != nil {
			return err
		}
	}
	return nil
}

// Sync runs the per-profile pipeline: advance the profile's state when its
// properties are ready, recompute calculated-group membership, and build the
// export delta per subscribed destination
func (s *SyncService) Sync(ctx context.Context, profileID string) error {
	var profile models.Profile
	err := s.db.First(&profile, "profile_id = ?", profileID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil // removed mid-pipeline, treat as done
	}
	if err != nil {
		return err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.enqueuePendingResolutions(tx, profileID); err != nil {
			return err
		}

		if _, err := s.profiles.CompleteIfReady(tx, profileID); err != nil {
			return err
		}

		oldGroups, newGroups, err := s.groups.UpdateProfileMembership(tx, profileID)
		if err != nil {
			return err
		}

		return s.buildExports(tx, profileID, oldGroups, newGroups, false)
	})
	if err != nil {
		return err
	}

	metrics.ProfilesSynced.Inc()
	return nil
}

// subscribedDestinations finds the ready destinations whose watched group is
// in either the old or new membership set, plus (for teardown) destinations
// that exported this profile before
func (s *SyncService) subscribedDestinations(tx *gorm.DB, profileID string, groupIDs []string, includePrior bool) ([]models.Destination, error) {
	byID := map[string]models.Destination{}

	if len(groupIDs) > 0 {
		var watching []models.Destination
		err := tx.Where("state = ? AND group_id IN ?", models.StateReady, groupIDs).
			Find(&watching).Error
		if err != nil {
			return nil, err
		}
		for _, destination := range watching {
			byID[destination.DestinationID] = destination
		}
	}

	if includePrior {
		var prior []models.Destination
		err := tx.Where("state = ?", models.StateReady).
			Where("destination_id IN (?)", tx.Model(&models.Export{}).
				Select("destination_id").
				Where("profile_id = ?", profileID)).
			Find(&prior).Error
		if err != nil {
			return nil, err
		}
		for _, destination := range prior {
			byID[destination.DestinationID] = destination
		}
	}

	result := make([]models.Destination, 0, len(byID))
	for _, destination := range byID {
		result = append(result, destination)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DestinationID < result[j].DestinationID
	})
	return result, nil
}

// buildExports writes one export per subscribed destination capturing the
// old/new property and group deltas. A no-op diff produces no export.
func (s *SyncService) buildExports(tx *gorm.DB, profileID string, oldGroups, newGroups []string, toDelete bool) error {
	unionIDs := append(append([]string{}, oldGroups...), newGroups...)
	destinations, err := s.subscribedDestinations(tx, profileID, unionIDs, toDelete)
	if err != nil {
		return err
	}
	if len(destinations) == 0 {
		return nil
	}

	newProperties := models.ValueMap{}
	if !toDelete {
		propertyMap, err := s.profiles.PropertyMap(tx, profileID)
		if err != nil {
			return err
		}
		newProperties = propertyMap.SimpleProperties()
	}

	// the old side of each diff comes from the destination's own last
	// export, so interrupted runs resume from what was actually delivered
	newNames := []string{}
	if !toDelete {
		var err error
		if newNames, err = s.groupNames(tx, newGroups); err != nil {
			return err
		}
	}

	for _, destination := range destinations {
		var latest models.Export
		priorProperties := models.ValueMap{}
		priorGroups := models.StringSlice{}
		err := tx.Where("profile_id = ? AND destination_id = ?", profileID, destination.DestinationID).
			Order("created_at DESC").
			First(&latest).Error
		if err == nil {
			priorProperties = latest.NewProperties
			priorGroups = latest.NewGroups
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		export := models.Export{
			ExportID:      models.NewID("exp"),
			ProfileID:     profileID,
			DestinationID: destination.DestinationID,
			OldProperties: priorProperties,
			NewProperties: newProperties,
			OldGroups:     priorGroups,
			NewGroups:     models.StringSlice(newNames),
			ToDelete:      toDelete,
			State:         models.StatePending,
		}

		if !export.HasChanges() {
			continue
		}
		if err := tx.Create(&export).Error; err != nil {
			return err
		}
		if err := s.queue.EnqueueSendExports(tx, destination.DestinationID); err != nil {
			return err
		}
		slog.Debug("export created",
			"exportID", export.ExportID,
			"profileID", profileID,
			"destinationID", destination.DestinationID,
			"toDelete", toDelete)
	}
	return nil
}

func (s *SyncService) groupNames(tx *gorm.DB, groupIDs []string) ([]string, error) {
	if len(groupIDs) == 0 {
		return []string{}, nil
	}
	var names []string
	err := tx.Model(&models.Group{}).
		Where("group_id IN ?", groupIDs).
		Pluck("name", &names).Error
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// DestroyProfile synthesizes the final toDelete exports, dispatches them,
// and removes the profile with its property and membership rows only after
// every destination acknowledged the removal
func (s *SyncService) DestroyProfile(ctx context.Context, profileID string) error {
	var profile models.Profile
	err := s.db.First(&profile, "profile_id = ?", profileID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var oldGroups []string
	err = s.db.Model(&models.GroupMember{}).
		Where("profile_id = ?", profileID).
		Pluck("group_id", &oldGroups).Error
	if err != nil {
		return err
	}

	var destinationIDs []string
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.buildExports(tx, profileID, oldGroups, nil, true); err != nil {
			return err
		}
		return tx.Model(&models.Export{}).
			Where("profile_id = ? AND state = ?", profileID, models.StatePending).
			Distinct().
			Pluck("destination_id", &destinationIDs).Error
	})
	if err != nil {
		return err
	}

	// the final exports must land before the row disappears
	for _, destinationID := range destinationIDs {
		if err := s.exports.SendBatch(ctx, destinationID); err != nil {
			return fmt.Errorf("final export to destination %s failed: %w", destinationID, err)
		}
	}

	var unresolved int64
	err = s.db.Model(&models.Export{}).
		Where("profile_id = ? AND state IN ?", profileID, []models.State{models.StatePending, models.StateProcessing}).
		Count(&unresolved).Error
	if err != nil {
		return err
	}
	if unresolved > 0 {
		return fmt.Errorf("profile %s still has %d unresolved exports, deferring removal", profileID, unresolved)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("profile_id = ?", profileID).Delete(&models.ProfileProperty{}).Error; err != nil {
			return err
		}
		if err := tx.Where("profile_id = ?", profileID).Delete(&models.GroupMember{}).Error; err != nil {
			return err
		}
		if err := tx.Where("profile_id = ?", profileID).Delete(&models.Export{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&profile).Error; err != nil {
			return err
		}
		slog.Info("profile destroyed", "profileID", profileID)
		return nil
	})
}

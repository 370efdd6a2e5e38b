package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/synckit/profile-engine/connectors"
	"github.com/synckit/profile-engine/metrics"
	"github.com/synckit/profile-engine/models"
	"gorm.io/gorm"
)

// DefaultDependencyRetryDelay is how far the retry-eligibility watermark is
// pushed forward when a dependency is not ready yet
const DefaultDependencyRetryDelay = 30 * time.Second

// DefaultResolveBatchSize bounds how many profiles one batched property
// fetch may cover
const DefaultResolveBatchSize = 50

// Resolver computes one property's value for one profile, deferring while
// upstream properties the options reference are not ready. Dependency graphs
// resolve lazily through repeated retries; the resolver is safe to invoke
// redundantly and makes forward progress whenever a dependency became ready.
type Resolver struct {
	db         *gorm.DB
	registry   *connectors.Registry
	profiles   *ProfileService
	retryDelay time.Duration
}

// NewResolver creates a new property resolver
func NewResolver(db *gorm.DB, registry *connectors.Registry, profiles *ProfileService) *Resolver {
	return &Resolver{
		db:         db,
		registry:   registry,
		profiles:   profiles,
		retryDelay: DefaultDependencyRetryDelay,
	}
}

// ResolveProfileProperty resolves one (profile, property) pair. Returns a
// DeferredError while a dependency is pending; connector failures surface to
// the caller's retry policy.
func (r *Resolver) ResolveProfileProperty(ctx context.Context, profileID, propertyID string) error {
	var deferral error
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var profile models.Profile
		err := tx.First(&profile, "profile_id = ?", profileID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// profile removed since the task was enqueued, the work is void
			return tx.Where("profile_id = ? AND property_id = ?", profileID, propertyID).
				Delete(&models.ProfileProperty{}).Error
		}
		if err != nil {
			return err
		}

		var property models.Property
		err = tx.First(&property, "property_id = ?", propertyID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil // deferred cleanup owns removal of orphaned rows
		}
		if err != nil {
			return err
		}

		// rows a batched sibling fetch already resolved make this a no-op
		var pending int64
		err = tx.Model(&models.ProfileProperty{}).
			Where("profile_id = ? AND property_id = ? AND state = ?", profileID, propertyID, models.StatePending).
			Count(&pending).Error
		if err != nil {
			return err
		}
		if pending == 0 {
			var total int64
			err = tx.Model(&models.ProfileProperty{}).
				Where("profile_id = ? AND property_id = ?", profileID, propertyID).
				Count(&total).Error
			if err != nil {
				return err
			}
			if total > 0 {
				return nil
			}
		}

		propertyMap, err := r.profiles.PropertyMap(tx, profileID)
		if err != nil {
			return err
		}

		dependencies := ExtractDependencyKeys(property.Options)
		for _, key := range dependencies {
			dependency, known := propertyMap[key]
			if !known {
				return Permanent(fmt.Errorf("property %q references unknown property key %q", property.Key, key))
			}
			if dependency.State != models.StateReady {
				metrics.ResolutionsDeferred.Inc()
				slog.Debug("property resolution deferred",
					"profileID", profileID,
					"propertyKey", property.Key,
					"waitingOn", key)
				if err := r.pushRetryWatermark(tx, profileID, propertyID); err != nil {
					return err
				}
				// a non-nil return would roll the watermark back with the
				// transaction, so the deferral is carried out instead
				deferral = Defer(r.retryDelay)
				return nil
			}
		}

		var source models.Source
		if err := tx.First(&source, "source_id = ?", property.SourceID).Error; err != nil {
			return fmt.Errorf("failed to load source for property %q: %w", property.Key, err)
		}

		fetcher, err := r.registry.PropertyFetcher(source.Type)
		if err != nil {
			return Permanent(err)
		}

		rendered := RenderOptions(property.Options, propertyMap.SimpleProperties())

		// options without dependency keys render identically for every
		// profile, so pending siblings can share one batched fetch
		if len(dependencies) == 0 {
			var siblings []string
			err = tx.Model(&models.ProfileProperty{}).
				Where("property_id = ? AND state = ? AND profile_id <> ?", propertyID, models.StatePending, profileID).
				Distinct().
				Limit(DefaultResolveBatchSize - 1).
				Pluck("profile_id", &siblings).Error
			if err != nil {
				return err
			}
			if len(siblings) > 0 {
				return r.resolveBatch(ctx, tx, fetcher, &property, rendered, append([]string{profileID}, siblings...))
			}
		}

		values, err := fetcher.PropertyFetch(ctx, rendered, profileID)
		if err != nil {
			return fmt.Errorf("property fetch failed for %q on profile %s: %w", property.Key, profileID, err)
		}

		// an explicit empty response still reaches ready, with a cleared
		// value: "ready but absent" is distinct from "still pending"
		return r.profiles.SetProperty(tx, profileID, &property, values)
	})
	if err != nil {
		return err
	}
	return deferral
}

// resolveBatch fetches one property for several profiles in a single
// connector call. A profile missing from the response becomes ready but
// absent, the same as an empty single fetch.
func (r *Resolver) resolveBatch(ctx context.Context, tx *gorm.DB, fetcher connectors.PropertyFetcher, property *models.Property, options models.OptionMap, profileIDs []string) error {
	values, err := fetcher.PropertyFetchBatch(ctx, options, profileIDs)
	if err != nil {
		return fmt.Errorf("batched property fetch failed for %q: %w", property.Key, err)
	}
	for _, id := range profileIDs {
		if err := r.profiles.SetProperty(tx, id, property, values[id]); err != nil {
			return err
		}
	}
	return nil
}

// pushRetryWatermark advances startedAt so the pending row is not picked up
// again before the retry delay has passed
func (r *Resolver) pushRetryWatermark(tx *gorm.DB, profileID, propertyID string) error {
	eligibleAt := time.Now().Add(r.retryDelay)
	return tx.Model(&models.ProfileProperty{}).
		Where("profile_id = ? AND property_id = ? AND state = ?", profileID, propertyID, models.StatePending).
		Update("started_at", eligibleAt).Error
}

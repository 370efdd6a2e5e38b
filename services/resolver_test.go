package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synckit/profile-engine/models"
)

func TestResolveProfileProperty(t *testing.T) {
	t.Run("DeferredWhileDependencyPending", func(t *testing.T) {
		db := setupTestDB(t)
		app := createTestApp(t, db)
		source := createTestSource(t, db, app.AppID)
		createTestProperty(t, db, source.SourceID, "userId", func(p *models.Property) {
			p.Unique = true
			p.DirectlyMapped = true
		})
		ltv := createTestProperty(t, db, source.SourceID, "ltv", func(p *models.Property) {
			p.Type = models.PropertyTypeFloat
			p.Options = models.OptionMap{"query": "select ltv from orders where user = {{ userId }}"}
		})

		profiles := NewProfileService(db)
		profile := createTestProfile(t, db, models.StatePending)
		require.NoError(t, profiles.BuildNullProperties(db, profile.ProfileID))

		resolver := NewResolver(db, testRegistry(t, &mockConnector{name: "test"}), profiles)
		err := resolver.ResolveProfileProperty(context.Background(), profile.ProfileID, ltv.PropertyID)

		var deferred *DeferredError
		require.ErrorAs(t, err, &deferred)
		assert.Equal(t, DefaultDependencyRetryDelay, deferred.Delay)
		assert.ErrorIs(t, err, ErrDeferred)

		// the retry watermark moved forward on the still-pending row
		var row models.ProfileProperty
		require.NoError(t, db.First(&row, "profile_id = ? AND property_id = ?", profile.ProfileID, ltv.PropertyID).Error)
		assert.Equal(t, models.StatePending, row.State)
		require.NotNil(t, row.StartedAt)
	})

	t.Run("PermanentOnUnknownDependencyKey", func(t *testing.T) {
		db := setupTestDB(t)
		app := createTestApp(t, db)
		source := createTestSource(t, db, app.AppID)
		broken := createTestProperty(t, db, source.SourceID, "broken", func(p *models.Property) {
			p.Options = models.OptionMap{"query": "select 1 where x = {{ doesNotExist }}"}
		})

		profiles := NewProfileService(db)
		profile := createTestProfile(t, db, models.StatePending)
		require.NoError(t, profiles.BuildNullProperties(db, profile.ProfileID))

		resolver := NewResolver(db, testRegistry(t, &mockConnector{name: "test"}), profiles)
		err := resolver.ResolveProfileProperty(context.Background(), profile.ProfileID, broken.PropertyID)

		var permanent *PermanentError
		require.ErrorAs(t, err, &permanent)
		assert.Contains(t, err.Error(), "doesNotExist")
	})

	t.Run("FetchesWithRenderedOptions", func(t *testing.T) {
		db := setupTestDB(t)
		app := createTestApp(t, db)
		source := createTestSource(t, db, app.AppID)
		userID := createTestProperty(t, db, source.SourceID, "userId", func(p *models.Property) {
			p.Unique = true
			p.DirectlyMapped = true
		})
		ltv := createTestProperty(t, db, source.SourceID, "ltv", func(p *models.Property) {
			p.Type = models.PropertyTypeFloat
			p.Options = models.OptionMap{"query": "select ltv from orders where user = {{ userId }}"}
		})

		profiles := NewProfileService(db)
		profile := createTestProfile(t, db, models.StatePending)
		require.NoError(t, profiles.BuildNullProperties(db, profile.ProfileID))
		require.NoError(t, profiles.SetProperty(db, profile.ProfileID, userID, []string{"u-42"}))

		var gotQuery string
		connector := &mockConnector{
			name: "test",
			propertyFetchFunc: func(ctx context.Context, options models.OptionMap, profileID string) ([]string, error) {
				gotQuery = options["query"]
				return []string{"199.90"}, nil
			},
		}

		resolver := NewResolver(db, testRegistry(t, connector), profiles)
		err := resolver.ResolveProfileProperty(context.Background(), profile.ProfileID, ltv.PropertyID)
		require.NoError(t, err)
		assert.Equal(t, "select ltv from orders where user = u-42", gotQuery)

		var row models.ProfileProperty
		require.NoError(t, db.First(&row, "profile_id = ? AND property_id = ?", profile.ProfileID, ltv.PropertyID).Error)
		assert.Equal(t, models.StateReady, row.State)
		require.NotNil(t, row.RawValue)
		assert.Equal(t, "199.90", *row.RawValue)
	})

	t.Run("EmptyFetchIsReadyButAbsent", func(t *testing.T) {
		db := setupTestDB(t)
		app := createTestApp(t, db)
		source := createTestSource(t, db, app.AppID)
		nickname := createTestProperty(t, db, source.SourceID, "nickname", nil)

		profiles := NewProfileService(db)
		profile := createTestProfile(t, db, models.StatePending)
		require.NoError(t, profiles.BuildNullProperties(db, profile.ProfileID))

		connector := &mockConnector{
			name: "test",
			propertyFetchFunc: func(ctx context.Context, options models.OptionMap, profileID string) ([]string, error) {
				return nil, nil
			},
		}

		resolver := NewResolver(db, testRegistry(t, connector), profiles)
		err := resolver.ResolveProfileProperty(context.Background(), profile.ProfileID, nickname.PropertyID)
		require.NoError(t, err)

		var row models.ProfileProperty
		require.NoError(t, db.First(&row, "profile_id = ? AND property_id = ?", profile.ProfileID, nickname.PropertyID).Error)
		assert.Equal(t, models.StateReady, row.State)
		assert.Nil(t, row.RawValue)
	})

	t.Run("SharedOptionsBatchSiblingProfiles", func(t *testing.T) {
		db := setupTestDB(t)
		app := createTestApp(t, db)
		source := createTestSource(t, db, app.AppID)
		nickname := createTestProperty(t, db, source.SourceID, "nickname", nil)

		profiles := NewProfileService(db)
		first := createTestProfile(t, db, models.StatePending)
		second := createTestProfile(t, db, models.StatePending)
		require.NoError(t, profiles.BuildNullProperties(db, first.ProfileID))
		require.NoError(t, profiles.BuildNullProperties(db, second.ProfileID))

		var singleCalls int
		var batchedIDs []string
		connector := &mockConnector{
			name: "test",
			propertyFetchFunc: func(ctx context.Context, options models.OptionMap, profileID string) ([]string, error) {
				singleCalls++
				return nil, nil
			},
			propertyFetchBatchFunc: func(ctx context.Context, options models.OptionMap, profileIDs []string) (map[string][]string, error) {
				batchedIDs = append(batchedIDs, profileIDs...)
				return map[string][]string{first.ProfileID: {"Ada"}}, nil
			},
		}

		resolver := NewResolver(db, testRegistry(t, connector), profiles)
		require.NoError(t, resolver.ResolveProfileProperty(context.Background(), first.ProfileID, nickname.PropertyID))

		// dependency-free options cover every waiting profile in one call
		assert.Zero(t, singleCalls)
		assert.ElementsMatch(t, []string{first.ProfileID, second.ProfileID}, batchedIDs)

		var row models.ProfileProperty
		require.NoError(t, db.First(&row, "profile_id = ? AND property_id = ?", first.ProfileID, nickname.PropertyID).Error)
		assert.Equal(t, models.StateReady, row.State)
		require.NotNil(t, row.RawValue)
		assert.Equal(t, "Ada", *row.RawValue)

		// a profile missing from the response is ready but absent
		row = models.ProfileProperty{}
		require.NoError(t, db.First(&row, "profile_id = ? AND property_id = ?", second.ProfileID, nickname.PropertyID).Error)
		assert.Equal(t, models.StateReady, row.State)
		assert.Nil(t, row.RawValue)

		// the sibling's own queued resolution is now a no-op
		require.NoError(t, resolver.ResolveProfileProperty(context.Background(), second.ProfileID, nickname.PropertyID))
		assert.Zero(t, singleCalls)
		assert.Len(t, batchedIDs, 2)
	})

	t.Run("RemovedProfileCleansOrphanRows", func(t *testing.T) {
		db := setupTestDB(t)
		app := createTestApp(t, db)
		source := createTestSource(t, db, app.AppID)
		property := createTestProperty(t, db, source.SourceID, "email", nil)

		// a row left behind after its profile vanished
		row := models.ProfileProperty{
			ProfilePropertyID: models.NewID("prp"),
			ProfileID:         "pro_gone",
			PropertyID:        property.PropertyID,
			State:             models.StatePending,
		}
		require.NoError(t, db.Create(&row).Error)

		profiles := NewProfileService(db)
		resolver := NewResolver(db, testRegistry(t, &mockConnector{name: "test"}), profiles)
		err := resolver.ResolveProfileProperty(context.Background(), "pro_gone", property.PropertyID)
		require.NoError(t, err)

		var count int64
		require.NoError(t, db.Model(&models.ProfileProperty{}).
			Where("profile_id = ?", "pro_gone").Count(&count).Error)
		assert.Equal(t, int64(0), count)
	})

	t.Run("RemovedPropertyIsNoOp", func(t *testing.T) {
		db := setupTestDB(t)
		profiles := NewProfileService(db)
		profile := createTestProfile(t, db, models.StatePending)

		resolver := NewResolver(db, testRegistry(t, &mockConnector{name: "test"}), profiles)
		err := resolver.ResolveProfileProperty(context.Background(), profile.ProfileID, "prt_gone")
		require.NoError(t, err)
	})

	t.Run("ConnectorErrorSurfaces", func(t *testing.T) {
		db := setupTestDB(t)
		app := createTestApp(t, db)
		source := createTestSource(t, db, app.AppID)
		property := createTestProperty(t, db, source.SourceID, "email", nil)

		profiles := NewProfileService(db)
		profile := createTestProfile(t, db, models.StatePending)
		require.NoError(t, profiles.BuildNullProperties(db, profile.ProfileID))

		connector := &mockConnector{
			name: "test",
			propertyFetchFunc: func(ctx context.Context, options models.OptionMap, profileID string) ([]string, error) {
				return nil, fmt.Errorf("upstream timeout")
			},
		}

		resolver := NewResolver(db, testRegistry(t, connector), profiles)
		err := resolver.ResolveProfileProperty(context.Background(), profile.ProfileID, property.PropertyID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "upstream timeout")
		assert.False(t, errors.Is(err, ErrDeferred))

		// the row stays pending for the retry
		var row models.ProfileProperty
		require.NoError(t, db.First(&row, "profile_id = ? AND property_id = ?", profile.ProfileID, property.PropertyID).Error)
		assert.Equal(t, models.StatePending, row.State)
	})
}

package services

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/synckit/profile-engine/connectors"
	"github.com/synckit/profile-engine/database"
	"github.com/synckit/profile-engine/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates an in-memory SQLite database for testing
func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	if err := database.Migrate(db); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return db
}

// setupMockDB opens a GORM connection backed by sqlmock for tests that
// assert on the generated SQL itself
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, func()) {
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("Failed to open sqlmock database: %v", err)
	}

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger:               logger.Default.LogMode(logger.Silent),
		DisableAutomaticPing: true,
	})
	if err != nil {
		t.Fatalf("Failed to open gorm over sqlmock: %v", err)
	}

	return db, mock, func() { _ = sqlDB.Close() }
}

// mockConnector is a function-field connector covering every capability.
// Tests set only the functions they need.
type mockConnector struct {
	name                     string
	sourcePreviewFunc        func(ctx context.Context, options models.OptionMap) ([]connectors.Row, error)
	profileImportFunc        func(ctx context.Context, options models.OptionMap, highWaterMark string, limit int) (*connectors.ImportResult, error)
	propertyFetchFunc        func(ctx context.Context, options models.OptionMap, profileID string) ([]string, error)
	propertyFetchBatchFunc   func(ctx context.Context, options models.OptionMap, profileIDs []string) (map[string][]string, error)
	exportProfilesFunc       func(ctx context.Context, options models.OptionMap, profiles []*connectors.ExportedProfile) (*connectors.ExportResult, error)
	processExportedProfsFunc func(ctx context.Context, options models.OptionMap, remoteKey string, profiles []*connectors.ExportedProfile) (*connectors.ExportResult, error)
}

var _ connectors.Importer = (*mockConnector)(nil)
var _ connectors.PropertyFetcher = (*mockConnector)(nil)
var _ connectors.Exporter = (*mockConnector)(nil)

func (m *mockConnector) Name() string { return m.name }

func (m *mockConnector) SourcePreview(ctx context.Context, options models.OptionMap) ([]connectors.Row, error) {
	if m.sourcePreviewFunc != nil {
		return m.sourcePreviewFunc(ctx, options)
	}
	return nil, nil
}

func (m *mockConnector) ProfileImport(ctx context.Context, options models.OptionMap, highWaterMark string, limit int) (*connectors.ImportResult, error) {
	if m.profileImportFunc != nil {
		return m.profileImportFunc(ctx, options, highWaterMark, limit)
	}
	return &connectors.ImportResult{}, nil
}

func (m *mockConnector) PropertyFetch(ctx context.Context, options models.OptionMap, profileID string) ([]string, error) {
	if m.propertyFetchFunc != nil {
		return m.propertyFetchFunc(ctx, options, profileID)
	}
	return nil, nil
}

func (m *mockConnector) PropertyFetchBatch(ctx context.Context, options models.OptionMap, profileIDs []string) (map[string][]string, error) {
	if m.propertyFetchBatchFunc != nil {
		return m.propertyFetchBatchFunc(ctx, options, profileIDs)
	}
	return map[string][]string{}, nil
}

func (m *mockConnector) ExportProfiles(ctx context.Context, options models.OptionMap, profiles []*connectors.ExportedProfile) (*connectors.ExportResult, error) {
	if m.exportProfilesFunc != nil {
		return m.exportProfilesFunc(ctx, options, profiles)
	}
	return &connectors.ExportResult{Success: true}, nil
}

func (m *mockConnector) ProcessExportedProfiles(ctx context.Context, options models.OptionMap, remoteKey string, profiles []*connectors.ExportedProfile) (*connectors.ExportResult, error) {
	if m.processExportedProfsFunc != nil {
		return m.processExportedProfsFunc(ctx, options, remoteKey, profiles)
	}
	return &connectors.ExportResult{Success: true}, nil
}

func testRegistry(t *testing.T, conns ...connectors.Connector) *connectors.Registry {
	registry := connectors.NewRegistry()
	for _, c := range conns {
		if err := registry.Register(c); err != nil {
			t.Fatalf("Failed to register connector %q: %v", c.Name(), err)
		}
	}
	registry.Freeze()
	return registry
}

// seed helpers

func createTestApp(t *testing.T, db *gorm.DB) *models.App {
	app := &models.App{
		AppID:       models.NewID("app"),
		Name:        "Test App",
		Type:        "test",
		State:       models.StateReady,
		Parallelism: 5,
	}
	if err := db.Create(app).Error; err != nil {
		t.Fatalf("Failed to create test app: %v", err)
	}
	return app
}

func createTestSource(t *testing.T, db *gorm.DB, appID string) *models.Source {
	source := &models.Source{
		SourceID: models.NewID("src"),
		AppID:    appID,
		Name:     "Test Source",
		Type:     "test",
		State:    models.StateReady,
		Options:  models.OptionMap{"table": "users"},
		Mapping:  models.OptionMap{"email": "email"},
	}
	if err := db.Create(source).Error; err != nil {
		t.Fatalf("Failed to create test source: %v", err)
	}
	return source
}

func createTestProperty(t *testing.T, db *gorm.DB, sourceID, key string, opts func(*models.Property)) *models.Property {
	property := &models.Property{
		PropertyID: models.NewID("prt"),
		SourceID:   sourceID,
		Key:        key,
		Type:       models.PropertyTypeString,
		State:      models.StateReady,
	}
	if opts != nil {
		opts(property)
	}
	if err := db.Create(property).Error; err != nil {
		t.Fatalf("Failed to create test property %q: %v", key, err)
	}
	return property
}

func createTestProfile(t *testing.T, db *gorm.DB, state models.State) *models.Profile {
	profile := &models.Profile{
		ProfileID: models.NewID("pro"),
		State:     state,
	}
	if err := db.Create(profile).Error; err != nil {
		t.Fatalf("Failed to create test profile: %v", err)
	}
	return profile
}

func setReadyValue(t *testing.T, db *gorm.DB, profileID, propertyID string, values ...string) {
	profiles := NewProfileService(db)
	var property models.Property
	if err := db.First(&property, "property_id = ?", propertyID).Error; err != nil {
		t.Fatalf("Failed to load property %s: %v", propertyID, err)
	}
	if err := profiles.SetProperty(db, profileID, &property, values); err != nil {
		t.Fatalf("Failed to set property value: %v", err)
	}
}

func createTestGroup(t *testing.T, db *gorm.DB, groupType models.GroupType, matchType models.MatchType, rules models.GroupRules) *models.Group {
	group := &models.Group{
		GroupID:   models.NewID("grp"),
		Name:      "Test Group " + models.NewID("n")[:8],
		Type:      groupType,
		MatchType: matchType,
		Rules:     rules,
		State:     models.StateReady,
	}
	if err := db.Create(group).Error; err != nil {
		t.Fatalf("Failed to create test group: %v", err)
	}
	return group
}

func createTestDestination(t *testing.T, db *gorm.DB, appID, groupID string) *models.Destination {
	destination := &models.Destination{
		DestinationID: models.NewID("dst"),
		AppID:         appID,
		Name:          "Test Destination",
		Type:          "test",
		GroupID:       groupID,
		State:         models.StateReady,
		BatchSize:     100,
	}
	if err := db.Create(destination).Error; err != nil {
		t.Fatalf("Failed to create test destination: %v", err)
	}
	return destination
}

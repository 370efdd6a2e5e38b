// Package connectors defines the contract between the sync engine and the
// pluggable source/destination implementations. The engine never inspects
// connector internals; capability is detected by interface assertion.
package connectors

import (
	"context"
	"time"

	"github.com/synckit/profile-engine/models"
)

// Row is one record pulled from a source, keyed by source column name
type Row map[string]string

// ImportResult is the outcome of one incremental import pull
type ImportResult struct {
	Rows              []Row
	NextHighWaterMark string
	ImportsCount      int
}

// ExportedProfile is the profile delta a destination receives
type ExportedProfile struct {
	ProfileID     string
	OldProperties models.ValueMap
	NewProperties models.ValueMap
	OldGroups     []string
	NewGroups     []string
	ToDelete      bool
}

// ExportError ties one failed record to the profile that caused it, so a
// single bad record does not fail its siblings in the batch
type ExportError struct {
	ProfileID string
	Message   string
}

func (e ExportError) Error() string {
	return "export failed for profile " + e.ProfileID + ": " + e.Message
}

// ProcessExportsToken signals that a batch is being processed asynchronously
// by the remote system and must be polled until resolved
type ProcessExportsToken struct {
	RemoteKey    string
	ProfileIDs   []string
	ProcessDelay time.Duration
}

// ExportResult is the shared response shape for batch export and for
// polling asynchronously processed batches
type ExportResult struct {
	Success bool
	// RetryDelay, when set, overrides the scheduler's default backoff for
	// a whole-batch retry
	RetryDelay time.Duration
	// Errors lists per-record failures; records not named here succeeded
	Errors []ExportError
	// ProcessExports, when set, means the batch completes asynchronously
	ProcessExports *ProcessExportsToken
}

// Connector is the minimal surface every connector type implements
type Connector interface {
	Name() string
}

// Previewer returns sample rows for UI preview before a source is saved
type Previewer interface {
	Connector
	SourcePreview(ctx context.Context, options models.OptionMap) ([]Row, error)
}

// Importer pulls incremental batches of source rows. The high-water mark is
// an opaque cursor the connector hands back to resume the next pull.
type Importer interface {
	Connector
	ProfileImport(ctx context.Context, options models.OptionMap, highWaterMark string, limit int) (*ImportResult, error)
}

// PropertyFetcher computes property values. The batched form returns values
// keyed by profile id; positional responses are not part of the contract.
type PropertyFetcher interface {
	Connector
	PropertyFetch(ctx context.Context, options models.OptionMap, profileID string) ([]string, error)
	PropertyFetchBatch(ctx context.Context, options models.OptionMap, profileIDs []string) (map[string][]string, error)
}

// Exporter delivers profile deltas to a destination. Single-record export is
// a batch of one. ProcessExportedProfiles is polled while a batch resolves
// asynchronously.
type Exporter interface {
	Connector
	ExportProfiles(ctx context.Context, options models.OptionMap, exports []*ExportedProfile) (*ExportResult, error)
	ProcessExportedProfiles(ctx context.Context, options models.OptionMap, remoteKey string, exports []*ExportedProfile) (*ExportResult, error)
}

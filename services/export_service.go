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

// DefaultExportBatchSize bounds one connector export call
const DefaultExportBatchSize = 100

// DefaultExportMaxRetries bounds redelivery attempts per export record
// before it is surfaced as permanently failed
const DefaultExportMaxRetries = 5

// ExportService delivers export records to destination connectors in
// batches, isolating per-record failures and tracking asynchronously
// processed batches until the remote side resolves them
type ExportService struct {
	db       *gorm.DB
	registry *connectors.Registry
	queue    *TaskQueue
}

// NewExportService creates a new export dispatcher
func NewExportService(db *gorm.DB, registry *connectors.Registry, queue *TaskQueue) *ExportService {
	return &ExportService{db: db, registry: registry, queue: queue}
}

// SendBatch claims the pending exports for one destination and delivers
// them through the destination's connector. A missing destination cancels
// the work; connector errors surface to the worker's retry policy.
func (s *ExportService) SendBatch(ctx context.Context, destinationID string) error {
	var destination models.Destination
	err := s.db.First(&destination, "destination_id = ?", destinationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	exporter, err := s.registry.Exporter(destination.Type)
	if err != nil {
		return Permanent(err)
	}

	batchSize := destination.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultExportBatchSize
	}

	exports, err := s.claimPending(destinationID, batchSize)
	if err != nil {
		return err
	}
	if len(exports) == 0 {
		return nil
	}

	payload := make([]*connectors.ExportedProfile, len(exports))
	for i, export := range exports {
		payload[i] = &connectors.ExportedProfile{
			ProfileID:     export.ProfileID,
			OldProperties: export.OldProperties,
			NewProperties: export.NewProperties,
			OldGroups:     export.OldGroups,
			NewGroups:     export.NewGroups,
			ToDelete:      export.ToDelete,
		}
	}

	result, err := exporter.ExportProfiles(ctx, destination.Options, payload)
	if err != nil {
		// whole-batch failure: release the claim and retry with backoff
		if releaseErr := s.releaseToPending(exports, err.Error()); releaseErr != nil {
			return releaseErr
		}
		metrics.ExportsDispatched.WithLabelValues(destination.Type, "error").Add(float64(len(exports)))
		return fmt.Errorf("export batch to destination %s failed: %w", destinationID, err)
	}

	return s.applyResult(destination, exports, result)
}

// ProcessBatch polls the connector for an asynchronously processed batch
// until the remote side reports completion or failure
func (s *ExportService) ProcessBatch(ctx context.Context, destinationID, remoteKey string) error {
	var destination models.Destination
	err := s.db.First(&destination, "destination_id = ?", destinationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	exporter, err := s.registry.Exporter(destination.Type)
	if err != nil {
		return Permanent(err)
	}

	var exports []models.Export
	err = s.db.Where("destination_id = ? AND remote_key = ? AND state = ?",
		destinationID, remoteKey, models.StateProcessing).
		Find(&exports).Error
	if err != nil {
		return err
	}
	if len(exports) == 0 {
		return nil
	}

	payload := make([]*connectors.ExportedProfile, len(exports))
	for i, export := range exports {
		payload[i] = &connectors.ExportedProfile{
			ProfileID:     export.ProfileID,
			OldProperties: export.OldProperties,
			NewProperties: export.NewProperties,
			OldGroups:     export.OldGroups,
			NewGroups:     export.NewGroups,
			ToDelete:      export.ToDelete,
		}
	}

	result, err := exporter.ProcessExportedProfiles(ctx, destination.Options, remoteKey, payload)
	if err != nil {
		if releaseErr := s.releaseToPending(exports, err.Error()); releaseErr != nil {
			return releaseErr
		}
		// the released rows need a fresh send task; a retry of this poll
		// task would find no processing rows and stop
		enqueueErr := s.queue.EnqueueSendExports(nil, destination.DestinationID,
			WithDelay(time.Minute), WithApp(destination.AppID))
		if enqueueErr != nil {
			return enqueueErr
		}
		return fmt.Errorf("processing exported profiles for destination %s failed: %w", destinationID, err)
	}

	return s.applyResult(destination, exports, result)
}

// claimPending atomically moves a batch of pending, retry-eligible exports
// to processing so concurrent workers never send the same record twice
func (s *ExportService) claimPending(destinationID string, limit int) ([]models.Export, error) {
	var claimed []models.Export
	now := time.Now()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var candidates []models.Export
		err := tx.Where("destination_id = ? AND state = ?", destinationID, models.StatePending).
			Order("created_at ASC").
			Limit(limit).
			Find(&candidates).Error
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		ids := make([]string, len(candidates))
		for i := range candidates {
			ids[i] = candidates[i].ExportID
		}

		// update-where-state-equals: rows another worker claimed first
		// no longer match and drop out of this batch
		res := tx.Model(&models.Export{}).
			Where("export_id IN ? AND state = ?", ids, models.StatePending).
			Updates(map[string]interface{}{"state": models.StateProcessing, "started_at": now})
		if res.Error != nil {
			return res.Error
		}

		return tx.Where("export_id IN ? AND state = ?", ids, models.StateProcessing).
			Find(&claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// releaseToPending unclaims a batch after a delivery failure. Records that
// have exhausted their retry budget move to failed instead of pending.
func (s *ExportService) releaseToPending(exports []models.Export, message string) error {
	for i := range exports {
		export := &exports[i]
		state := models.StatePending
		if export.RetryCount >= DefaultExportMaxRetries {
			state = models.StateFailed
		}
		err := s.db.Model(export).Updates(map[string]interface{}{
			"state":         state,
			"error_message": message,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"remote_key":    nil,
		}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// applyResult maps a connector response onto the claimed export rows
func (s *ExportService) applyResult(destination models.Destination, exports []models.Export, result *connectors.ExportResult) error {
	if result == nil {
		return fmt.Errorf("connector %q returned no result", destination.Type)
	}

	// asynchronous completion: persist the remote key and poll later
	if result.ProcessExports != nil {
		token := result.ProcessExports
		ids := make([]string, len(exports))
		for i := range exports {
			ids[i] = exports[i].ExportID
		}
		err := s.db.Model(&models.Export{}).
			Where("export_id IN ?", ids).
			Update("remote_key", token.RemoteKey).Error
		if err != nil {
			return err
		}
		slog.Info("export batch processing asynchronously",
			"destinationID", destination.DestinationID,
			"remoteKey", token.RemoteKey,
			"processDelay", token.ProcessDelay)
		return s.queue.EnqueueProcessExports(nil, destination.DestinationID, token.RemoteKey,
			WithDelay(token.ProcessDelay), WithApp(destination.AppID))
	}

	failedByProfile := map[string]string{}
	for _, exportError := range result.Errors {
		failedByProfile[exportError.ProfileID] = exportError.Message
	}

	now := time.Now()
	var exhausted, retried, completed int
	for i := range exports {
		export := &exports[i]
		if message, isFailed := failedByProfile[export.ProfileID]; isFailed {
			if export.RetryCount >= DefaultExportMaxRetries {
				// retry budget spent, the record fails permanently
				err := s.db.Model(export).Updates(map[string]interface{}{
					"state":         models.StateFailed,
					"error_message": message,
					"retry_count":   gorm.Expr("retry_count + 1"),
					"remote_key":    nil,
				}).Error
				if err != nil {
					return err
				}
				exhausted++
				continue
			}

			// per-record failure: back to pending for retry, siblings
			// in the batch are unaffected
			err := s.db.Model(export).Updates(map[string]interface{}{
				"state":         models.StatePending,
				"error_message": message,
				"retry_count":   gorm.Expr("retry_count + 1"),
				"remote_key":    nil,
			}).Error
			if err != nil {
				return err
			}
			retried++
			continue
		}

		err := s.db.Model(export).Updates(map[string]interface{}{
			"state":         models.StateComplete,
			"completed_at":  now,
			"error_message": nil,
			"remote_key":    nil,
		}).Error
		if err != nil {
			return err
		}
		completed++
	}

	metrics.ExportsDispatched.WithLabelValues(destination.Type, "complete").Add(float64(completed))
	if exhausted > 0 {
		metrics.ExportsDispatched.WithLabelValues(destination.Type, "failed").Add(float64(exhausted))
		slog.Error("exports failed permanently after exhausting retries",
			"destinationID", destination.DestinationID,
			"count", exhausted)
	}
	if retried > 0 {
		metrics.ExportsDispatched.WithLabelValues(destination.Type, "retry").Add(float64(retried))
		slog.Warn("export batch partially failed",
			"destinationID", destination.DestinationID,
			"completed", completed,
			"failed", retried)

		retryDelay := result.RetryDelay
		if retryDelay <= 0 {
			retryDelay = time.Minute
		}
		return s.queue.EnqueueSendExports(nil, destination.DestinationID,
			WithDelay(retryDelay), WithApp(destination.AppID))
	}

	slog.Info("export batch complete",
		"destinationID", destination.DestinationID,
		"count", completed)
	return nil
}

package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/synckit/profile-engine/models"
)

// RegisterTaskHandlers binds every engine task type onto the worker
func RegisterTaskHandlers(worker *Worker, resolver *Resolver, sync *SyncService, exports *ExportService, imports *ImportService) {
	worker.RegisterHandler(models.TaskTypeResolveProperty, func(ctx context.Context, raw json.RawMessage) error {
		var params ResolvePropertyParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return Permanent(fmt.Errorf("invalid resolve params: %w", err))
		}
		if err := resolver.ResolveProfileProperty(ctx, params.ProfileID, params.PropertyID); err != nil {
			return err
		}
		// a property just resolved, give the profile pipeline another pass
		return sync.queue.EnqueueSyncProfile(nil, params.ProfileID)
	})

	worker.RegisterHandler(models.TaskTypeSyncProfile, func(ctx context.Context, raw json.RawMessage) error {
		var params SyncProfileParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return Permanent(fmt.Errorf("invalid sync params: %w", err))
		}
		return sync.Sync(ctx, params.ProfileID)
	})

	worker.RegisterHandler(models.TaskTypeSendExports, func(ctx context.Context, raw json.RawMessage) error {
		var params SendExportsParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return Permanent(fmt.Errorf("invalid send params: %w", err))
		}
		return exports.SendBatch(ctx, params.DestinationID)
	})

	worker.RegisterHandler(models.TaskTypeProcessExports, func(ctx context.Context, raw json.RawMessage) error {
		var params ProcessExportsParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return Permanent(fmt.Errorf("invalid process params: %w", err))
		}
		return exports.ProcessBatch(ctx, params.DestinationID, params.RemoteKey)
	})

	worker.RegisterHandler(models.TaskTypeImportSource, func(ctx context.Context, raw json.RawMessage) error {
		var params ImportSourceParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return Permanent(fmt.Errorf("invalid import params: %w", err))
		}
		return imports.RunSchedule(ctx, params.ScheduleID)
	})
}

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/synckit/profile-engine/connectors"
	"github.com/synckit/profile-engine/models"
	"gorm.io/gorm"
)

// ImportService runs scheduled incremental imports: each ready schedule
// pulls a batch of changed rows from its source connector, feeds them
// through the sync pipeline and persists the connector's high-water mark so
// the next run resumes where this one stopped
type ImportService struct {
	db       *gorm.DB
	registry *connectors.Registry
	sync     *SyncService
	queue    *TaskQueue
	cron     *cron.Cron
}

// NewImportService creates a new import service
func NewImportService(db *gorm.DB, registry *connectors.Registry, sync *SyncService, queue *TaskQueue) *ImportService {
	return &ImportService{
		db:       db,
		registry: registry,
		sync:     sync,
		queue:    queue,
		cron:     cron.New(),
	}
}

// StartRecurring registers every ready schedule's cron expression and starts
// the cron loop. Firing a schedule only enqueues the import task; the worker
// does the pull, so a slow source cannot stall the clock.
func (s *ImportService) StartRecurring() error {
	var schedules []models.Schedule
	if err := s.db.Where("state = ?", models.StateReady).Find(&schedules).Error; err != nil {
		return err
	}

	for _, schedule := range schedules {
		scheduleID := schedule.ScheduleID
		_, err := s.cron.AddFunc(schedule.Recurring, func() {
			if err := s.queue.EnqueueImportSource(nil, scheduleID); err != nil {
				slog.Error("failed to enqueue scheduled import", "scheduleID", scheduleID, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid recurrence %q on schedule %s: %w", schedule.Recurring, scheduleID, err)
		}
	}

	s.cron.Start()
	slog.Info("recurring imports started", "schedules", len(schedules))
	return nil
}

// Stop halts the cron loop, waiting for in-flight enqueues
func (s *ImportService) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// RunSchedule performs one incremental pull for a schedule. A vanished
// schedule or source cancels the work.
func (s *ImportService) RunSchedule(ctx context.Context, scheduleID string) error {
	var schedule models.Schedule
	err := s.db.First(&schedule, "schedule_id = ?", scheduleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var source models.Source
	err = s.db.First(&source, "source_id = ?", schedule.SourceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if source.State != models.StateReady {
		return nil
	}

	importer, err := s.registry.Importer(source.Type)
	if err != nil {
		return Permanent(err)
	}

	result, err := importer.ProfileImport(ctx, source.Options, schedule.HighWaterMark, schedule.BatchSize)
	if err != nil {
		return fmt.Errorf("import pull for source %s failed: %w", source.SourceID, err)
	}

	for _, row := range result.Rows {
		if _, err := s.sync.ImportRow(ctx, &source, row); err != nil {
			return err
		}
	}

	err = s.db.Model(&schedule).Update("high_water_mark", result.NextHighWaterMark).Error
	if err != nil {
		return err
	}

	slog.Info("schedule run complete",
		"scheduleID", scheduleID,
		"sourceID", source.SourceID,
		"imported", result.ImportsCount,
		"highWaterMark", result.NextHighWaterMark)
	return nil
}

// Preview fetches sample rows from a source without persisting anything,
// used before the source is saved
func (s *ImportService) Preview(ctx context.Context, source *models.Source, optionsOverride models.OptionMap) ([]connectors.Row, error) {
	connector, err := s.registry.Get(source.Type)
	if err != nil {
		return nil, err
	}
	previewer, ok := connector.(connectors.Previewer)
	if !ok {
		return nil, fmt.Errorf("connector %q does not support preview", source.Type)
	}

	options := source.Options
	if len(optionsOverride) > 0 {
		options = optionsOverride
	}
	return previewer.SourcePreview(ctx, options)
}

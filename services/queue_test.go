package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synckit/profile-engine/models"
)

func TestEnqueue(t *testing.T) {
	t.Run("PersistsTaskWithParams", func(t *testing.T) {
		db := setupTestDB(t)
		queue := NewTaskQueue(db)

		require.NoError(t, queue.EnqueueResolveProperty(nil, "pro_1", "prt_1"))

		var task models.Task
		require.NoError(t, db.First(&task, "type = ?", models.TaskTypeResolveProperty).Error)
		assert.Equal(t, models.TaskStatusPending, task.Status)
		assert.JSONEq(t, `{"profileId":"pro_1","propertyId":"prt_1"}`, task.Params)
		assert.Equal(t, 5, task.MaxRetries)
	})

	t.Run("DeduplicatesIdenticalPendingWork", func(t *testing.T) {
		db := setupTestDB(t)
		queue := NewTaskQueue(db)

		require.NoError(t, queue.EnqueueSyncProfile(nil, "pro_1"))
		require.NoError(t, queue.EnqueueSyncProfile(nil, "pro_1"))
		require.NoError(t, queue.EnqueueSyncProfile(nil, "pro_2"))

		var count int64
		require.NoError(t, db.Model(&models.Task{}).
			Where("type = ?", models.TaskTypeSyncProfile).Count(&count).Error)
		assert.Equal(t, int64(2), count)
	})

	t.Run("CompletedTaskDoesNotBlockReenqueue", func(t *testing.T) {
		db := setupTestDB(t)
		queue := NewTaskQueue(db)

		require.NoError(t, queue.EnqueueSyncProfile(nil, "pro_1"))
		require.NoError(t, db.Model(&models.Task{}).
			Where("type = ?", models.TaskTypeSyncProfile).
			Update("status", models.TaskStatusCompleted).Error)

		require.NoError(t, queue.EnqueueSyncProfile(nil, "pro_1"))

		var count int64
		require.NoError(t, db.Model(&models.Task{}).
			Where("type = ?", models.TaskTypeSyncProfile).Count(&count).Error)
		assert.Equal(t, int64(2), count)
	})

	t.Run("OptionsSetDelayAndApp", func(t *testing.T) {
		db := setupTestDB(t)
		queue := NewTaskQueue(db)

		require.NoError(t, queue.EnqueueSendExports(nil, "dst_1",
			WithDelay(time.Hour), WithApp("app_1")))

		var task models.Task
		require.NoError(t, db.First(&task, "type = ?", models.TaskTypeSendExports).Error)
		require.NotNil(t, task.NotBefore)
		assert.True(t, task.NotBefore.After(time.Now().Add(50*time.Minute)))
		require.NotNil(t, task.AppID)
		assert.Equal(t, "app_1", *task.AppID)
	})
}

package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaydist/relay/internal/models"
	"github.com/relaydist/relay/internal/testutil"
	"github.com/relaydist/relay/internal/trigger"
)

func setupQueue(t *testing.T) (*gorm.DB, *QueueService, *trigger.FakeClock, *trigger.MemoryBus) {
	t.Helper()
	db := testutil.OpenDB(t)
	require.NoError(t, db.Create(&models.Project{Name: "test", OwnerID: "admin"}).Error)

	clock := trigger.NewFakeClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	bus := trigger.NewMemoryBus()
	return db, NewQueueService(db, zap.NewNop(), clock, bus), clock, bus
}

func seedApproved(t *testing.T, db *gorm.DB, title string) *models.ContentItem {
	t.Helper()
	content := &models.ContentItem{ProjectID: 1, Title: title}
	require.NoError(t, db.Create(content).Error)
	require.NoError(t, db.Create(&models.ContentApproval{
		ContentID: content.ID,
		Status:    models.ApprovalApproved,
	}).Error)
	return content
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("Requires Approved Content", func(t *testing.T) {
		db, svc, _, _ := setupQueue(t)

		_, err := svc.Enqueue(ctx, 1, EnqueueInput{ContentID: 999, Platforms: []string{"blog"}})
		assert.True(t, IsKind(err, KindNotFound))

		unapproved := &models.ContentItem{ProjectID: 1, Title: "raw"}
		require.NoError(t, db.Create(unapproved).Error)
		_, err = svc.Enqueue(ctx, 1, EnqueueInput{ContentID: unapproved.ID, Platforms: []string{"blog"}})
		assert.True(t, IsKind(err, KindConflict))

		require.NoError(t, db.Create(&models.ContentApproval{
			ContentID: unapproved.ID,
			Status:    models.ApprovalPending,
		}).Error)
		_, err = svc.Enqueue(ctx, 1, EnqueueInput{ContentID: unapproved.ID, Platforms: []string{"blog"}})
		assert.True(t, IsKind(err, KindConflict))
	})

	t.Run("Rejects Empty Platform Set", func(t *testing.T) {
		_, svc, _, _ := setupQueue(t)
		_, err := svc.Enqueue(ctx, 1, EnqueueInput{ContentID: 1})
		assert.True(t, IsKind(err, KindValidation))
	})

	t.Run("Checks Project Ownership", func(t *testing.T) {
		db, svc, _, _ := setupQueue(t)
		content := seedApproved(t, db, "post")
		_, err := svc.Enqueue(ctx, 2, EnqueueInput{ContentID: content.ID, Platforms: []string{"blog"}})
		assert.True(t, IsKind(err, KindForbidden))
	})

	t.Run("Canonicalizes Platform Order", func(t *testing.T) {
		db, svc, clock, _ := setupQueue(t)
		content := seedApproved(t, db, "post")

		item, err := svc.Enqueue(ctx, 1, EnqueueInput{
			ContentID: content.ID,
			Platforms: []string{"newsletter", "blog"},
		})
		require.NoError(t, err)
		assert.Equal(t, "blog,newsletter", item.PlatformKey)
		assert.Equal(t, models.QueuePending, item.Status)
		assert.Equal(t, clock.Now(), item.ScheduledFor)
		assert.Equal(t, 3, item.MaxRetries)
	})

	t.Run("One Active Item Per Content And Platform Set", func(t *testing.T) {
		db, svc, _, _ := setupQueue(t)
		content := seedApproved(t, db, "post")

		first, err := svc.Enqueue(ctx, 1, EnqueueInput{ContentID: content.ID, Platforms: []string{"blog"}})
		require.NoError(t, err)

		// Same set, same content: refused while the first is live.
		_, err = svc.Enqueue(ctx, 1, EnqueueInput{ContentID: content.ID, Platforms: []string{"blog"}})
		assert.True(t, IsKind(err, KindConflict))

		// A different platform set is independent.
		_, err = svc.Enqueue(ctx, 1, EnqueueInput{ContentID: content.ID, Platforms: []string{"blog", "newsletter"}})
		require.NoError(t, err)

		// Once the first reaches a terminal state the slot frees up.
		_, claimed, err := svc.Claim(ctx, first.ID)
		require.NoError(t, err)
		require.True(t, claimed)
		require.NoError(t, svc.Complete(ctx, first.ID))

		_, err = svc.Enqueue(ctx, 1, EnqueueInput{ContentID: content.ID, Platforms: []string{"blog"}})
		require.NoError(t, err)
	})
}

func TestClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("Exactly One Concurrent Winner", func(t *testing.T) {
		db, svc, _, _ := setupQueue(t)
		content := seedApproved(t, db, "post")
		item, err := svc.Enqueue(ctx, 1, EnqueueInput{ContentID: content.ID, Platforms: []string{"blog"}})
		require.NoError(t, err)

		const workers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		won := 0

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, claimed, err := svc.Claim(ctx, item.ID)
				assert.NoError(t, err)
				if claimed {
					mu.Lock()
					won++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, won)

		var reloaded models.QueueItem
		require.NoError(t, db.First(&reloaded, item.ID).Error)
		assert.Equal(t, models.QueueProcessing, reloaded.Status)
		assert.NotNil(t, reloaded.ClaimedAt)
	})

	t.Run("Cancelled Item Cannot Be Claimed", func(t *testing.T) {
		db, svc, _, _ := setupQueue(t)
		content := seedApproved(t, db, "post")
		item, err := svc.Enqueue(ctx, 1, EnqueueInput{ContentID: content.ID, Platforms: []string{"blog"}})
		require.NoError(t, err)

		require.NoError(t, svc.Cancel(ctx, 1, item.ID))

		_, claimed, err := svc.Claim(ctx, item.ID)
		require.NoError(t, err)
		assert.False(t, claimed)

		var reloaded models.QueueItem
		require.NoError(t, db.First(&reloaded, item.ID).Error)
		assert.Equal(t, models.QueueCancelled, reloaded.Status)
	})
}

func TestQueueLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("Complete Releases Active Key", func(t *testing.T) {
		db, svc, _, _ := setupQueue(t)
		content := seedApproved(t, db, "post")
		item, err := svc.Enqueue(ctx, 1, EnqueueInput{ContentID: content.ID, Platforms: []string{"blog"}})
		require.NoError(t, err)

		assert.True(t, IsKind(svc.Complete(ctx, item.ID), KindConflict))

		_, claimed, err := svc.Claim(ctx, item.ID)
		require.NoError(t, err)
		require.True(t, claimed)
		require.NoError(t, svc.Complete(ctx, item.ID))

		var reloaded models.QueueItem
		require.NoError(t, db.First(&reloaded, item.ID).Error)
		assert.Equal(t, models.QueueCompleted, reloaded.Status)
		assert.Nil(t, reloaded.ActiveKey)
		assert.NotNil(t, reloaded.CompletedAt)
	})

	t.Run("Retry Budget", func(t *testing.T) {
		db, svc, _, _ := setupQueue(t)
		content := seedApproved(t, db, "post")
		item, err := svc.Enqueue(ctx, 1, EnqueueInput{
			ContentID:  content.ID,
			Platforms:  []string{"blog"},
			MaxRetries: 2,
		})
		require.NoError(t, err)

		// Pending items are not retryable, they are simply waiting.
		_, err = svc.Retry(ctx, 1, item.ID)
		assert.True(t, IsKind(err, KindConflict))

		for i := 1; i <= 2; i++ {
			_, claimed, err := svc.Claim(ctx, item.ID)
			require.NoError(t, err)
			require.True(t, claimed)
			require.NoError(t, svc.Fail(ctx, item.ID, "platform down"))

			retried, err := svc.Retry(ctx, 1, item.ID)
			require.NoError(t, err)
			assert.Equal(t, models.QueuePending, retried.Status)
			assert.Equal(t, i, retried.RetryCount)
			assert.Nil(t, retried.ClaimedAt)
		}

		_, claimed, err := svc.Claim(ctx, item.ID)
		require.NoError(t, err)
		require.True(t, claimed)
		require.NoError(t, svc.Fail(ctx, item.ID, "platform still down"))

		_, err = svc.Retry(ctx, 1, item.ID)
		assert.True(t, IsKind(err, KindExhaustedRetries))

		var reloaded models.QueueItem
		require.NoError(t, db.First(&reloaded, item.ID).Error)
		assert.Equal(t, models.QueueFailed, reloaded.Status)
		assert.Equal(t, "platform still down", reloaded.LastError)
	})

	t.Run("Cancel Is Terminal", func(t *testing.T) {
		db, svc, _, _ := setupQueue(t)
		content := seedApproved(t, db, "post")
		item, err := svc.Enqueue(ctx, 1, EnqueueInput{ContentID: content.ID, Platforms: []string{"blog"}})
		require.NoError(t, err)

		_, claimed, err := svc.Claim(ctx, item.ID)
		require.NoError(t, err)
		require.True(t, claimed)
		require.NoError(t, svc.Complete(ctx, item.ID))

		assert.True(t, IsKind(svc.Cancel(ctx, 1, item.ID), KindConflict))
	})
}

func TestDueItemsOrdering(t *testing.T) {
	ctx := context.Background()
	db, svc, clock, _ := setupQueue(t)
	now := clock.Now()

	mk := func(title string, priority int, offset time.Duration) *models.QueueItem {
		content := seedApproved(t, db, title)
		item, err := svc.Enqueue(ctx, 1, EnqueueInput{
			ContentID:    content.ID,
			Platforms:    []string{"blog"},
			Priority:     priority,
			ScheduledFor: now.Add(offset),
		})
		require.NoError(t, err)
		return item
	}

	low := mk("low early", 1, -2*time.Hour)
	highLate := mk("high late", 10, -30*time.Minute)
	highEarly := mk("high early", 10, -1*time.Hour)
	mk("future", 100, time.Hour)

	items, err := svc.DueItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 3)
	// Priority beats age; equal priority goes oldest first.
	assert.Equal(t, highEarly.ID, items[0].ID)
	assert.Equal(t, highLate.ID, items[1].ID)
	assert.Equal(t, low.ID, items[2].ID)
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	db, svc, clock, bus := setupQueue(t)

	var mu sync.Mutex
	var seen []uint
	require.NoError(t, bus.Subscribe(trigger.SubjectQueueProcess, func(ctx context.Context, evt trigger.Event) {
		mu.Lock()
		seen = append(seen, evt.ItemID)
		mu.Unlock()
	}))

	first := seedApproved(t, db, "a")
	second := seedApproved(t, db, "b")
	a, err := svc.Enqueue(ctx, 1, EnqueueInput{ContentID: first.ID, Platforms: []string{"blog"}})
	require.NoError(t, err)
	b, err := svc.Enqueue(ctx, 1, EnqueueInput{
		ContentID:    second.ID,
		Platforms:    []string{"blog"},
		ScheduledFor: clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, svc.Dispatch(ctx, 10))
	assert.Equal(t, []uint{a.ID}, seen)

	clock.Advance(2 * time.Hour)
	seen = nil
	require.NoError(t, svc.Dispatch(ctx, 10))
	assert.ElementsMatch(t, []uint{a.ID, b.ID}, seen)
}

func TestQueueStats(t *testing.T) {
	ctx := context.Background()
	db, svc, clock, _ := setupQueue(t)

	content := seedApproved(t, db, "a")
	item, err := svc.Enqueue(ctx, 1, EnqueueInput{ContentID: content.ID, Platforms: []string{"blog"}})
	require.NoError(t, err)

	other := seedApproved(t, db, "b")
	waiting, err := svc.Enqueue(ctx, 1, EnqueueInput{ContentID: other.ID, Platforms: []string{"blog"}})
	require.NoError(t, err)

	clock.Advance(90 * time.Second)
	_, claimed, err := svc.Claim(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, svc.Complete(ctx, item.ID))

	// First read bootstraps a snapshot.
	stats, err := svc.Stats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingCount)
	assert.Equal(t, 1, stats.CompletedCount)
	assert.Equal(t, 1, stats.ThroughputHour)
	assert.InDelta(t, 90, stats.AvgWaitSeconds, 0.1)

	var snapshots int64
	require.NoError(t, db.Model(&models.QueueMetricsSnapshot{}).Count(&snapshots).Error)
	assert.EqualValues(t, 1, snapshots)

	// Later reads serve the stored snapshot as-is.
	_, claimed, err = svc.Claim(ctx, waiting.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	stale, err := svc.Stats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stale.PendingCount)

	require.NoError(t, svc.MaterializeStats(ctx, 1))
	fresh, err := svc.Stats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.PendingCount)
	assert.Equal(t, 1, fresh.ProcessingCount)
}

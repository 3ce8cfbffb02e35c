package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus(t *testing.T) {
	ctx := context.Background()

	t.Run("Delivers To All Subject Subscribers", func(t *testing.T) {
		bus := NewMemoryBus()

		var first, second, other []string
		require.NoError(t, bus.Subscribe(SubjectJobExecute, func(ctx context.Context, evt Event) {
			first = append(first, evt.ID)
		}))
		require.NoError(t, bus.Subscribe(SubjectJobExecute, func(ctx context.Context, evt Event) {
			second = append(second, evt.ID)
		}))
		require.NoError(t, bus.Subscribe(SubjectQueueProcess, func(ctx context.Context, evt Event) {
			other = append(other, evt.ID)
		}))

		evt := NewEvent(SubjectJobExecute)
		require.NoError(t, bus.Enqueue(ctx, evt))

		assert.Equal(t, []string{evt.ID}, first)
		assert.Equal(t, []string{evt.ID}, second)
		assert.Empty(t, other)
	})

	t.Run("Closed Bus Drops Events", func(t *testing.T) {
		bus := NewMemoryBus()

		var seen int
		require.NoError(t, bus.Subscribe(SubjectJobExecute, func(ctx context.Context, evt Event) {
			seen++
		}))
		require.NoError(t, bus.Close())
		require.NoError(t, bus.Enqueue(ctx, NewEvent(SubjectJobExecute)))
		assert.Zero(t, seen)
	})
}

func TestNewEvent(t *testing.T) {
	a := NewEvent(SubjectQueueProcess)
	b := NewEvent(SubjectQueueProcess)

	assert.Equal(t, SubjectQueueProcess, a.Subject)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.EmittedAt.IsZero())
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	assert.Equal(t, start, clock.Now())

	clock.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), clock.Now())

	later := start.AddDate(0, 1, 0)
	clock.Set(later)
	assert.Equal(t, later, clock.Now())

	// Time does not move on its own.
	assert.Equal(t, later, clock.Now())
}

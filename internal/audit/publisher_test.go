package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherEmit(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns id, timestamp and category", func(t *testing.T) {
		store := NewInMemoryStore()
		pub := NewPublisher(store)

		err := pub.Emit(ctx, Event{
			EntityType: EntityMandate,
			EntityID:   "M-001",
			Action:     ActionMandateActivated,
			PriorState: "Draft",
			NewState:   "Active",
		})
		require.NoError(t, err)

		events, err := store.List(ctx, Query{EntityID: "M-001"})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.NotZero(t, events[0].ID)
		assert.False(t, events[0].Timestamp.IsZero())
		assert.Equal(t, CategoryCompliance, events[0].Category)
	})

	t.Run("operations actions stay out of the compliance category", func(t *testing.T) {
		assert.Equal(t, CategoryOperations, ActionFileGenerated.Category())
		assert.Equal(t, CategoryOperations, ActionChargeClaimed.Category())
		assert.Equal(t, CategoryCompliance, ActionTransactionFailed.Category())
	})

	t.Run("full stream buffer never blocks the emit", func(t *testing.T) {
		store := NewInMemoryStore()
		stream := make(chan Event, 1)
		pub := NewPublisher(store, WithStream(stream))

		for i := 0; i < 5; i++ {
			require.NoError(t, pub.Emit(ctx, Event{
				EntityType: EntityBatch,
				EntityID:   "B-001",
				Action:     ActionBatchComposed,
			}))
		}
		// One mirrored copy, all five persisted.
		events, err := store.List(ctx, Query{EntityID: "B-001"})
		require.NoError(t, err)
		assert.Len(t, events, 5)
		assert.Len(t, stream, 1)
	})
}

func TestInMemoryStoreQueries(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seed := []Event{
		{EntityType: EntityMandate, EntityID: "M-1", Action: ActionMandateActivated, Timestamp: base},
		{EntityType: EntityMandate, EntityID: "M-2", Action: ActionMandateCancelled, Timestamp: base.AddDate(0, 0, 1)},
		{EntityType: EntityBatch, EntityID: "B-1", Action: ActionBatchComposed, Timestamp: base.AddDate(0, 0, 2)},
	}
	for _, e := range seed {
		require.NoError(t, store.Append(ctx, e))
	}

	t.Run("filters by entity type", func(t *testing.T) {
		got, err := store.List(ctx, Query{EntityType: EntityMandate})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("filters by date range", func(t *testing.T) {
		got, err := store.List(ctx, Query{From: base.AddDate(0, 0, 1), To: base.AddDate(0, 0, 1)})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "M-2", got[0].EntityID)
	})

	t.Run("filters by action", func(t *testing.T) {
		got, err := store.List(ctx, Query{Action: ActionBatchComposed})
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("archival flags but never removes", func(t *testing.T) {
		n, err := store.ArchiveExpired(ctx, base.AddDate(0, 0, 2))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		all, err := store.List(ctx, Query{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		// Second run is a no-op.
		n, err = store.ArchiveExpired(ctx, base.AddDate(0, 0, 2))
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

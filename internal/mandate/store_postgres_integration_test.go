//go:build integration

package mandate_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"incasso/internal/mandate"
	id "incasso/pkg/domain"
	"incasso/pkg/platform/sentinel"
	"incasso/pkg/testutil/containers"
)

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()
	db := containers.StartPostgres(t)
	store := mandate.NewPostgresStore(db)

	member := id.MemberID(uuid.New())
	now := time.Now().UTC().Truncate(time.Second)
	m := mandate.Mandate{
		Reference:     "MND-PG-1",
		MemberID:      member,
		IBAN:          "NL91ABNA0417164300",
		BIC:           "ABNANL2A",
		CreditorID:    "NL43ZZZ3020884160000",
		SequenceType:  mandate.SequenceFirst,
		Status:        mandate.StatusDraft,
		SignatureDate: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	t.Run("create and get round trip", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, m))

		got, err := store.Get(ctx, m.Reference)
		require.NoError(t, err)
		assert.Equal(t, m.Reference, got.Reference)
		assert.Equal(t, member, got.MemberID)
		assert.Equal(t, mandate.StatusDraft, got.Status)
		assert.True(t, got.ValidUntil.IsZero())
	})

	t.Run("duplicate reference conflicts", func(t *testing.T) {
		assert.ErrorIs(t, store.Create(ctx, m), sentinel.ErrConflict)
	})

	t.Run("compare and set status", func(t *testing.T) {
		require.NoError(t, store.CompareAndSetStatus(ctx, m.Reference, mandate.StatusDraft, mandate.StatusActive))
		assert.ErrorIs(t,
			store.CompareAndSetStatus(ctx, m.Reference, mandate.StatusDraft, mandate.StatusActive),
			sentinel.ErrInvalidState)
		assert.ErrorIs(t,
			store.CompareAndSetStatus(ctx, "MND-PG-404", mandate.StatusDraft, mandate.StatusActive),
			sentinel.ErrNotFound)
	})

	t.Run("increment usage flips sequence", func(t *testing.T) {
		got, err := store.IncrementUsage(ctx, m.Reference)
		require.NoError(t, err)
		assert.Equal(t, 1, got.UsageCount)
		assert.Equal(t, mandate.SequenceRecurring, got.SequenceType)

		got, err = store.IncrementUsage(ctx, m.Reference)
		require.NoError(t, err)
		assert.Equal(t, 2, got.UsageCount)
		assert.Equal(t, mandate.SequenceRecurring, got.SequenceType)
	})

	t.Run("list by member", func(t *testing.T) {
		list, err := store.ListByMember(ctx, member)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, m.Reference, list[0].Reference)
	})

	t.Run("single active recurring per member", func(t *testing.T) {
		second := m
		second.Reference = "MND-PG-2"
		second.Status = mandate.StatusDraft
		require.NoError(t, store.Create(ctx, second))

		err := store.CompareAndSetStatus(ctx, second.Reference, mandate.StatusDraft, mandate.StatusActive)
		assert.ErrorIs(t, err, sentinel.ErrConflict)
	})

	t.Run("list lapsed", func(t *testing.T) {
		lapsed := m
		lapsed.Reference = "MND-PG-LAPSED"
		lapsed.MemberID = id.MemberID(uuid.New())
		lapsed.Status = mandate.StatusActive
		lapsed.ValidUntil = now.AddDate(0, -1, 0)
		require.NoError(t, store.Create(ctx, lapsed))

		refs, err := store.ListLapsed(ctx, now)
		require.NoError(t, err)
		require.Len(t, refs, 1)
		assert.Equal(t, lapsed.Reference, refs[0].Reference)
	})
}

package statemachine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangible-labs/assetcycle/model"
)

func TestMemoryStore_seqPerAsset(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a1, err := store.AppendStatusRecord(ctx, model.StatusRecord{ID: "r1", AssetID: "a", TenantID: "t"})
	require.NoError(t, err)
	a2, err := store.AppendStatusRecord(ctx, model.StatusRecord{ID: "r2", AssetID: "a", TenantID: "t"})
	require.NoError(t, err)
	b1, err := store.AppendStatusRecord(ctx, model.StatusRecord{ID: "r3", AssetID: "b", TenantID: "t"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), a1.Seq)
	assert.Equal(t, int64(2), a2.Seq)
	assert.Equal(t, int64(1), b1.Seq)
}

func TestMemoryStore_latestBreaksTiesBySeq(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := store.AppendStatusRecord(ctx, model.StatusRecord{
		ID: "r1", AssetID: "a", TenantID: "t", State: model.StateDraft, EffectiveAt: at,
	})
	require.NoError(t, err)
	_, err = store.AppendStatusRecord(ctx, model.StatusRecord{
		ID: "r2", AssetID: "a", TenantID: "t", State: model.StateUnderReview, EffectiveAt: at,
	})
	require.NoError(t, err)

	latest, found, err := store.LatestStatusRecord(ctx, "t", "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "r2", latest.ID)
	assert.Equal(t, model.StateUnderReview, latest.State)
}

func TestMemoryStore_historyOrdered(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, at := range []time.Time{base.Add(2 * time.Hour), base, base.Add(time.Hour)} {
		_, err := store.AppendStatusRecord(ctx, model.StatusRecord{
			ID: string(rune('a' + i)), AssetID: "a", TenantID: "t", EffectiveAt: at,
		})
		require.NoError(t, err)
	}

	history, err := store.LoadAssetHistory(ctx, "t", "a")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].EffectiveAt.Before(history[i-1].EffectiveAt))
	}
}

func TestMemoryStore_tenantIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.AppendStatusRecord(ctx, model.StatusRecord{ID: "r1", AssetID: "a", TenantID: "t1"})
	require.NoError(t, err)

	_, found, err := store.LatestStatusRecord(ctx, "t2", "a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStore_optimisticLocking(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	pt := model.PendingTransition{
		ID: "pt-1", AssetID: "a", TenantID: "t",
		Status: model.TransitionAwaitingConditions,
	}
	require.NoError(t, store.CreatePendingTransition(ctx, pt))

	loaded, err := store.GetPendingTransition(ctx, "t", "pt-1")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Version)

	// First writer at the current version wins.
	loaded.Status = model.TransitionCommitted
	require.NoError(t, store.UpdatePendingTransition(ctx, loaded))

	// Second writer with the stale version loses.
	err = store.UpdatePendingTransition(ctx, loaded)
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrConcurrentModification))
}

func TestMemoryStore_findByCondition(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	pt := model.PendingTransition{
		ID: "pt-1", AssetID: "a", TenantID: "t",
		Status:     model.TransitionAwaitingConditions,
		Conditions: []model.Condition{{ID: "cond-1"}, {ID: "cond-2"}},
	}
	require.NoError(t, store.CreatePendingTransition(ctx, pt))

	found, err := store.FindByCondition(ctx, "cond-2")
	require.NoError(t, err)
	assert.Equal(t, "pt-1", found.ID)

	_, err = store.FindByCondition(ctx, "cond-99")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrNotFound))
}

func TestMemoryStore_findAwaiting(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreatePendingTransition(ctx, model.PendingTransition{
		ID: "pt-1", AssetID: "a", TenantID: "t", Status: model.TransitionCommitted,
	}))

	_, found, err := store.FindAwaiting(ctx, "t", "a")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.CreatePendingTransition(ctx, model.PendingTransition{
		ID: "pt-2", AssetID: "a", TenantID: "t", Status: model.TransitionAwaitingConditions,
	}))

	pt, found, err := store.FindAwaiting(ctx, "t", "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "pt-2", pt.ID)
}

func TestMemoryStore_findExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	cutoff := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	past := cutoff.Add(-time.Hour)
	future := cutoff.Add(time.Hour)

	// Overdue required manual condition: expired.
	require.NoError(t, store.CreatePendingTransition(ctx, model.PendingTransition{
		ID: "pt-overdue", AssetID: "a", TenantID: "t",
		Status: model.TransitionAwaitingConditions,
		Conditions: []model.Condition{
			{ID: "c1", Type: model.ConditionManualApproval, Required: true, Deadline: &past},
		},
	}))
	// Deadline not yet reached: not expired.
	require.NoError(t, store.CreatePendingTransition(ctx, model.PendingTransition{
		ID: "pt-fresh", AssetID: "b", TenantID: "t",
		Status: model.TransitionAwaitingConditions,
		Conditions: []model.Condition{
			{ID: "c2", Type: model.ConditionManualApproval, Required: true, Deadline: &future},
		},
	}))
	// Overdue but advisory: not expired.
	require.NoError(t, store.CreatePendingTransition(ctx, model.PendingTransition{
		ID: "pt-advisory", AssetID: "c", TenantID: "t",
		Status: model.TransitionAwaitingConditions,
		Conditions: []model.Condition{
			{ID: "c3", Type: model.ConditionManualApproval, Required: false, Deadline: &past},
		},
	}))
	// time_based deadline is a satisfaction point, never an expiry.
	require.NoError(t, store.CreatePendingTransition(ctx, model.PendingTransition{
		ID: "pt-timed", AssetID: "d", TenantID: "t",
		Status: model.TransitionAwaitingConditions,
		Conditions: []model.Condition{
			{ID: "c4", Type: model.ConditionTimeBased, Required: true, Deadline: &past},
		},
	}))
	// Already satisfied: not expired.
	require.NoError(t, store.CreatePendingTransition(ctx, model.PendingTransition{
		ID: "pt-satisfied", AssetID: "e", TenantID: "t",
		Status: model.TransitionAwaitingConditions,
		Conditions: []model.Condition{
			{ID: "c5", Type: model.ConditionManualApproval, Required: true, Satisfied: true, Deadline: &past},
		},
	}))

	expired, err := store.FindExpired(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "pt-overdue", expired[0].ID)
}

package condition

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangible-labs/assetcycle/model"
)

func TestMaterialize_ungatedTransition(t *testing.T) {
	e := NewEvaluator()

	conds, err := e.Materialize(model.StateTokenizing, model.StateApproved)
	require.NoError(t, err)
	assert.Empty(t, conds)
}

func TestMaterialize_manualApproval(t *testing.T) {
	e := NewEvaluator()

	conds, err := e.Materialize(model.StateUnderReview, model.StateApproved)
	require.NoError(t, err)
	require.Len(t, conds, 1)

	cond := conds[0]
	assert.Equal(t, model.ConditionManualApproval, cond.Type)
	assert.Equal(t, "compliance_officer", cond.RequiredRole)
	assert.True(t, cond.Required)
	assert.NotEmpty(t, cond.ID)
	require.NotNil(t, cond.Deadline)
	assert.False(t, cond.Satisfied)
}

func TestMaterialize_freshIDsPerCall(t *testing.T) {
	e := NewEvaluator()

	first, err := e.Materialize(model.StateUnderReview, model.StateApproved)
	require.NoError(t, err)
	second, err := e.Materialize(model.StateUnderReview, model.StateApproved)
	require.NoError(t, err)

	assert.NotEqual(t, first[0].ID, second[0].ID)
}

func TestMaterialize_timeBasedRequiresWindow(t *testing.T) {
	e := NewEvaluator(WithoutDefaultRules())
	e.SetRules(model.StateDraft, model.StateUnderReview,
		Rule{Type: model.ConditionTimeBased, Required: true},
	)

	_, err := e.Materialize(model.StateDraft, model.StateUnderReview)
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrValidationError))
}

func TestEvaluate_automatic(t *testing.T) {
	e := NewEvaluator()
	ctx := context.Background()

	cond := &model.Condition{Type: model.ConditionAutomatic, Check: "completeness_check", Required: true}

	ok, err := e.Evaluate(ctx, cond, "asset-1", map[string]any{"dossier_complete": false})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.Evaluate(ctx, cond, "asset-1", map[string]any{"dossier_complete": true})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_unknownCheck(t *testing.T) {
	e := NewEvaluator()

	cond := &model.Condition{Type: model.ConditionAutomatic, Check: "no_such_check"}
	_, err := e.Evaluate(context.Background(), cond, "asset-1", nil)
	assert.Error(t, err)
}

func TestEvaluate_timeBased(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewEvaluator(WithClock(func() time.Time { return now }))

	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	cond := &model.Condition{Type: model.ConditionTimeBased, Deadline: &future}
	ok, err := e.Evaluate(context.Background(), cond, "asset-1", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	cond.Deadline = &past
	ok, err = e.Evaluate(context.Background(), cond, "asset-1", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_manualStaysUnsatisfied(t *testing.T) {
	e := NewEvaluator()

	for _, typ := range []model.ConditionType{
		model.ConditionManualApproval,
		model.ConditionContractual,
		model.ConditionRegulatory,
	} {
		cond := &model.Condition{Type: typ, Required: true}
		ok, err := e.Evaluate(context.Background(), cond, "asset-1", nil)
		require.NoError(t, err)
		assert.False(t, ok, "type %s must require explicit fulfillment", typ)

		cond.Satisfied = true
		ok, err = e.Evaluate(context.Background(), cond, "asset-1", nil)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewEvaluator(WithClock(func() time.Time { return now }))

	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name    string
		cond    model.Condition
		expired bool
	}{
		{"unsatisfied past deadline", model.Condition{Type: model.ConditionManualApproval, Deadline: &past}, true},
		{"unsatisfied future deadline", model.Condition{Type: model.ConditionManualApproval, Deadline: &future}, false},
		{"satisfied past deadline", model.Condition{Type: model.ConditionManualApproval, Deadline: &past, Satisfied: true}, false},
		{"no deadline never expires", model.Condition{Type: model.ConditionManualApproval}, false},
		{"time_based never expires", model.Condition{Type: model.ConditionTimeBased, Deadline: &past}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expired, e.Expired(&tt.cond))
		})
	}
}

func TestRegisterCheck_override(t *testing.T) {
	e := NewEvaluator()
	e.RegisterCheck("completeness_check", func(_ context.Context, _ string, _ map[string]any) (bool, error) {
		return true, nil
	})

	cond := &model.Condition{Type: model.ConditionAutomatic, Check: "completeness_check"}
	ok, err := e.Evaluate(context.Background(), cond, "asset-1", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

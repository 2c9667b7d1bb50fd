package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisource/be-refdata-approvals/internal/errors"
)

func TestNext_HappyPath(t *testing.T) {
	// A full cycle: three submit/approve pairs, then migration.
	steps := []struct {
		current  Stage
		decision Decision
		want     Stage
	}{
		{StageItemEdit, DecisionForward, StageItemApprove},
		{StageItemApprove, DecisionApprove, StagePlanEdit},
		{StagePlanEdit, DecisionForward, StagePlanApprove},
		{StagePlanApprove, DecisionApprove, StageProductEdit},
		{StageProductEdit, DecisionForward, StageProductApprove},
		{StageProductApprove, DecisionApprove, StageMigration},
		{StageMigration, DecisionForward, StageDone},
	}
	for _, step := range steps {
		got, err := Next(step.current, step.decision)
		require.NoError(t, err, "from %s via %s", step.current, step.decision)
		assert.Equal(t, step.want, got)
	}
}

func TestNext_RejectReturnsToSameStageEdit(t *testing.T) {
	cases := map[Stage]Stage{
		StageItemApprove:    StageItemEdit,
		StagePlanApprove:    StagePlanEdit,
		StageProductApprove: StageProductEdit,
	}
	for from, want := range cases {
		got, err := Next(from, DecisionReject)
		require.NoError(t, err)
		assert.Equal(t, want, got, "reject from %s", from)
	}
}

func TestNext_BackReturnsToPreviousApprove(t *testing.T) {
	got, err := Next(StagePlanEdit, DecisionBack)
	require.NoError(t, err)
	assert.Equal(t, StageItemApprove, got)

	got, err = Next(StageProductEdit, DecisionBack)
	require.NoError(t, err)
	assert.Equal(t, StagePlanApprove, got)

	// The first edit stage has nothing to go back to.
	_, err = Next(StageItemEdit, DecisionBack)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
}

func TestNext_IllegalMoves(t *testing.T) {
	illegal := []struct {
		current  Stage
		decision Decision
	}{
		{StageItemEdit, DecisionApprove},   // edit stages cannot approve
		{StageItemEdit, DecisionReject},    // or reject
		{StageItemApprove, DecisionForward}, // approve stages cannot forward
		{StagePlanApprove, DecisionBack},
		{StageMigration, DecisionApprove},
		{StageMigration, DecisionReject},
	}
	for _, step := range illegal {
		_, err := Next(step.current, step.decision)
		require.Error(t, err, "from %s via %s", step.current, step.decision)
		assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
	}
}

func TestNext_DoneIsTerminal(t *testing.T) {
	for _, d := range []Decision{DecisionForward, DecisionBack, DecisionApprove, DecisionReject} {
		_, err := Next(StageDone, d)
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
	}
	assert.True(t, IsTerminal(StageDone))
	assert.False(t, IsTerminal(StageMigration))
}

func TestNext_SingleStageAdvanceOnly(t *testing.T) {
	// No decision may ever skip a stage: every transition target is adjacent
	// in the cycle order.
	order := map[Stage]int{
		StageItemEdit:       0,
		StageItemApprove:    1,
		StagePlanEdit:       2,
		StagePlanApprove:    3,
		StageProductEdit:    4,
		StageProductApprove: 5,
		StageMigration:      6,
		StageDone:           7,
	}
	for from, targets := range transitions {
		for decision, to := range targets {
			delta := order[to] - order[from]
			assert.True(t, delta == 1 || delta == -1,
				"%s via %s jumps from %d to %d", from, decision, order[from], order[to])
		}
	}
}

func TestParseEntityType(t *testing.T) {
	for _, s := range []string{"item", "plan", "product"} {
		got, err := ParseEntityType(s)
		require.NoError(t, err)
		assert.Equal(t, EntityType(s), got)
	}

	_, err := ParseEntityType("vendor")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeValidation, errors.CodeOf(err))

	_, err = ParseEntityType("")
	require.Error(t, err)
}

func TestEntityStageMapping(t *testing.T) {
	assert.Equal(t, StageItemEdit, EditStage(EntityItem))
	assert.Equal(t, StagePlanEdit, EditStage(EntityPlan))
	assert.Equal(t, StageProductEdit, EditStage(EntityProduct))

	assert.Equal(t, StageItemApprove, ApproveStage(EntityItem))
	assert.Equal(t, StagePlanApprove, ApproveStage(EntityPlan))
	assert.Equal(t, StageProductApprove, ApproveStage(EntityProduct))

	assert.Equal(t, Initial, StageItemEdit)
}

func TestEntityOf(t *testing.T) {
	e, ok := EntityOf(StagePlanApprove)
	require.True(t, ok)
	assert.Equal(t, EntityPlan, e)

	_, ok = EntityOf(StageMigration)
	assert.False(t, ok)
	_, ok = EntityOf(StageDone)
	assert.False(t, ok)
}

func TestStageNumberingIsInverted(t *testing.T) {
	// Items are edited first but carry the highest stage number; products
	// are edited last with the lowest. The engine routes on these numbers.
	assert.Equal(t, 3, EntityItem.StageNumber())
	assert.Equal(t, 2, EntityPlan.StageNumber())
	assert.Equal(t, 1, EntityProduct.StageNumber())
}

func TestDecisionVariables(t *testing.T) {
	assert.Equal(t, "itemDecision", EntityItem.DecisionVariable())
	assert.Equal(t, "planDecision", EntityPlan.DecisionVariable())
	assert.Equal(t, "productDecision", EntityProduct.DecisionVariable())
}

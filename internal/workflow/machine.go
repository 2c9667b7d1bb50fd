// Package workflow owns the stage state machine for the three-stage
// maker-checker approval cycle. The engine (Flowable) routes on the decision
// variables this package emits; the transition table here is the single
// authoritative definition of which moves are legal.
package workflow

import (
	"fmt"

	"github.com/polisource/be-refdata-approvals/internal/errors"
)

// EntityType identifies one of the three reference-data entities.
type EntityType string

const (
	EntityItem    EntityType = "item"
	EntityPlan    EntityType = "plan"
	EntityProduct EntityType = "product"
)

// ParseEntityType validates a wire-level entity type.
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(s) {
	case EntityItem, EntityPlan, EntityProduct:
		return EntityType(s), nil
	}
	return "", errors.InvalidInput("entity_type", fmt.Sprintf("unknown entity type %q", s))
}

// StageNumber returns the historical stage number for an entity type.
// The numbering is inverted relative to edit order: items are edited first
// but numbered stage 3, products are edited last but numbered stage 1.
// Preserved as-is because the engine's process definition routes on it.
func (e EntityType) StageNumber() int {
	switch e {
	case EntityItem:
		return 3
	case EntityPlan:
		return 2
	default:
		return 1
	}
}

// DecisionVariable returns the process variable name the engine routes on
// for this entity's stage.
func (e EntityType) DecisionVariable() string {
	switch e {
	case EntityItem:
		return "itemDecision"
	case EntityPlan:
		return "planDecision"
	default:
		return "productDecision"
	}
}

// Decision is the signal a stage submission leaves for the engine.
type Decision string

const (
	DecisionForward Decision = "FORWARD"
	DecisionBack    Decision = "BACK"
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// Stage is one node of the approval cycle.
type Stage string

const (
	StageItemEdit       Stage = "ITEM_EDIT"
	StageItemApprove    Stage = "ITEM_APPROVE"
	StagePlanEdit       Stage = "PLAN_EDIT"
	StagePlanApprove    Stage = "PLAN_APPROVE"
	StageProductEdit    Stage = "PRODUCT_EDIT"
	StageProductApprove Stage = "PRODUCT_APPROVE"
	StageMigration      Stage = "MIGRATION"
	StageDone           Stage = "DONE"
)

// Initial is the stage every new process instance starts in.
const Initial = StageItemEdit

// transitions is the legal move table. Absent entries are illegal.
var transitions = map[Stage]map[Decision]Stage{
	StageItemEdit: {
		DecisionForward: StageItemApprove,
	},
	StageItemApprove: {
		DecisionApprove: StagePlanEdit,
		DecisionReject:  StageItemEdit,
	},
	StagePlanEdit: {
		DecisionForward: StagePlanApprove,
		DecisionBack:    StageItemApprove,
	},
	StagePlanApprove: {
		DecisionApprove: StageProductEdit,
		DecisionReject:  StagePlanEdit,
	},
	StageProductEdit: {
		DecisionForward: StageProductApprove,
		DecisionBack:    StagePlanApprove,
	},
	StageProductApprove: {
		DecisionApprove: StageMigration,
		DecisionReject:  StageProductEdit,
	},
	StageMigration: {
		// Completed by the migration run itself, not by a task decision.
		DecisionForward: StageDone,
	},
}

// Next returns the stage reached by applying decision in the current stage.
// Illegal moves return a CONFLICT error naming both sides.
func Next(current Stage, decision Decision) (Stage, error) {
	targets, ok := transitions[current]
	if !ok {
		return "", errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("no transitions from terminal stage %s", current))
	}
	next, ok := targets[decision]
	if !ok {
		return "", errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("decision %s is not legal in stage %s", decision, current))
	}
	return next, nil
}

// EditStage returns the _EDIT stage for an entity type.
func EditStage(e EntityType) Stage {
	switch e {
	case EntityItem:
		return StageItemEdit
	case EntityPlan:
		return StagePlanEdit
	default:
		return StageProductEdit
	}
}

// ApproveStage returns the _APPROVE stage for an entity type.
func ApproveStage(e EntityType) Stage {
	switch e {
	case EntityItem:
		return StageItemApprove
	case EntityPlan:
		return StagePlanApprove
	default:
		return StageProductApprove
	}
}

// EntityOf returns the entity type a stage operates on. Migration and Done
// have no entity and return false.
func EntityOf(s Stage) (EntityType, bool) {
	switch s {
	case StageItemEdit, StageItemApprove:
		return EntityItem, true
	case StagePlanEdit, StagePlanApprove:
		return EntityPlan, true
	case StageProductEdit, StageProductApprove:
		return EntityProduct, true
	}
	return "", false
}

// IsTerminal reports whether no further transitions exist from s.
func IsTerminal(s Stage) bool {
	return s == StageDone
}

package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/polisource/be-refdata-approvals/internal/database"
	"github.com/polisource/be-refdata-approvals/internal/errors"
	"github.com/polisource/be-refdata-approvals/internal/workflow"
)

// WorkflowStateRepository persists the current stage per process instance.
// Stage advances use a compare-and-set on the previous stage so concurrent
// transitions serialize instead of clobbering each other.
type WorkflowStateRepository struct {
	db *database.DB
}

// NewWorkflowStateRepository creates a new WorkflowStateRepository.
func NewWorkflowStateRepository(db *database.DB) *WorkflowStateRepository {
	return &WorkflowStateRepository{db: db}
}

// Create seeds the state for a freshly started process instance.
func (r *WorkflowStateRepository) Create(ctx context.Context, processInstanceID string, stage workflow.Stage) error {
	query := `
		INSERT INTO workflow_state (process_instance_id, stage)
		VALUES ($1, $2)
		ON CONFLICT (process_instance_id) DO NOTHING
	`

	affected, err := r.db.Exec(ctx, query, processInstanceID, string(stage))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow state")
	}
	if affected == 0 {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("workflow state already exists for process %s", processInstanceID))
	}
	return nil
}

// Get returns the current stage for a process instance.
func (r *WorkflowStateRepository) Get(ctx context.Context, processInstanceID string) (*WorkflowState, error) {
	query := `
		SELECT process_instance_id, stage, updated_at
		FROM workflow_state
		WHERE process_instance_id = $1
	`

	st := &WorkflowState{}
	var stage string
	err := r.db.QueryRow(ctx, query, processInstanceID).
		Scan(&st.ProcessInstanceID, &stage, &st.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_state", processInstanceID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow state")
	}
	st.Stage = workflow.Stage(stage)
	return st, nil
}

// Advance moves the stage from one value to another. The WHERE clause on the
// previous stage makes the update a compare-and-set: a concurrent transition
// that already moved the stage causes a CONFLICT here instead of a lost update.
func (r *WorkflowStateRepository) Advance(ctx context.Context, processInstanceID string, from, to workflow.Stage) error {
	query := `
		UPDATE workflow_state
		SET stage      = $3,
		    updated_at = NOW()
		WHERE process_instance_id = $1
		  AND stage = $2
	`

	affected, err := r.db.Exec(ctx, query, processInstanceID, string(from), string(to))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to advance workflow stage")
	}
	if affected == 0 {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("process %s is no longer in stage %s", processInstanceID, from))
	}
	return nil
}

// AdvanceTx is Advance inside an existing transaction.
func (r *WorkflowStateRepository) AdvanceTx(ctx context.Context, tx pgx.Tx, processInstanceID string, from, to workflow.Stage) error {
	query := `
		UPDATE workflow_state
		SET stage      = $3,
		    updated_at = NOW()
		WHERE process_instance_id = $1
		  AND stage = $2
	`

	tag, err := tx.Exec(ctx, query, processInstanceID, string(from), string(to))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to advance workflow stage")
	}
	if tag.RowsAffected() == 0 {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("process %s is no longer in stage %s", processInstanceID, from))
	}
	return nil
}

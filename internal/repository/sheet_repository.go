package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/polisource/be-refdata-approvals/internal/database"
	"github.com/polisource/be-refdata-approvals/internal/errors"
	"github.com/polisource/be-refdata-approvals/internal/workflow"
)

// SheetRepository manages sheet records. A sheet tracks one maker submission
// cycle for one entity type; approval is a one-way transition.
type SheetRepository struct {
	db *database.DB
}

// NewSheetRepository creates a new SheetRepository.
func NewSheetRepository(db *database.DB) *SheetRepository {
	return &SheetRepository{db: db}
}

const sheetColumns = `
	id, sheet_id, process_instance_id, entity_type, status,
	created_by, created_at, approved_by, approved_at, rejected_by, comments, updated_at
`

// newSheetID generates a sheet id in the historical SHEET-XXXXXXXX format.
func newSheetID() string {
	return "SHEET-" + strings.ToUpper(uuid.NewString()[:8])
}

// GetOrCreate returns the open (PENDING) sheet for the process instance and
// entity type, creating one when none exists. Idempotent: repeated calls in
// the same cycle return the same sheet. The partial unique index on
// (process_instance_id, entity_type) WHERE status = 'PENDING' makes the
// insert race-safe; on conflict the concurrent winner's sheet is returned.
func (r *SheetRepository) GetOrCreate(ctx context.Context, processInstanceID string, entityType workflow.EntityType, createdBy string) (*Sheet, error) {
	if existing, err := r.FindOpen(ctx, processInstanceID, entityType); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	query := `
		INSERT INTO sheets (sheet_id, process_instance_id, entity_type, status, created_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (process_instance_id, entity_type) WHERE status = 'PENDING' DO NOTHING
		RETURNING ` + sheetColumns

	sheet, err := r.scanSheet(r.db.QueryRow(ctx, query,
		newSheetID(), processInstanceID, string(entityType), SheetStatusPending, createdBy))
	if err == pgx.ErrNoRows {
		// Lost the insert race; the winner's sheet is the open one.
		existing, ferr := r.FindOpen(ctx, processInstanceID, entityType)
		if ferr != nil {
			return nil, ferr
		}
		if existing == nil {
			return nil, errors.New(errors.ErrCodeInternal, "open sheet vanished after insert conflict")
		}
		return existing, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create sheet")
	}
	return sheet, nil
}

// GetBySheetID returns the sheet with the given public id.
func (r *SheetRepository) GetBySheetID(ctx context.Context, sheetID string) (*Sheet, error) {
	query := `SELECT ` + sheetColumns + ` FROM sheets WHERE sheet_id = $1`

	sheet, err := r.scanSheet(r.db.QueryRow(ctx, query, sheetID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("sheet", sheetID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get sheet")
	}
	return sheet, nil
}

// FindOpen returns the PENDING sheet for (process, entity), or nil.
func (r *SheetRepository) FindOpen(ctx context.Context, processInstanceID string, entityType workflow.EntityType) (*Sheet, error) {
	query := `
		SELECT ` + sheetColumns + `
		FROM sheets
		WHERE process_instance_id = $1
		  AND entity_type = $2
		  AND status = 'PENDING'
	`

	sheet, err := r.scanSheet(r.db.QueryRow(ctx, query, processInstanceID, string(entityType)))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find open sheet")
	}
	return sheet, nil
}

// FindLatest returns the most recent sheet for (process, entity) regardless
// of status, or nil. Used by the approval-data read to show the last cycle
// after rejection.
func (r *SheetRepository) FindLatest(ctx context.Context, processInstanceID string, entityType workflow.EntityType) (*Sheet, error) {
	query := `
		SELECT ` + sheetColumns + `
		FROM sheets
		WHERE process_instance_id = $1
		  AND entity_type = $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	sheet, err := r.scanSheet(r.db.QueryRow(ctx, query, processInstanceID, string(entityType)))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find latest sheet")
	}
	return sheet, nil
}

// LockTx locks the sheet row FOR UPDATE inside a transaction. Sheet-scoped
// serialization point for bulk approval, sheet approval and migration.
func (r *SheetRepository) LockTx(ctx context.Context, tx pgx.Tx, sheetID string) (*Sheet, error) {
	query := `SELECT ` + sheetColumns + ` FROM sheets WHERE sheet_id = $1 FOR UPDATE`

	sheet, err := r.scanSheet(tx.QueryRow(ctx, query, sheetID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("sheet", sheetID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to lock sheet")
	}
	return sheet, nil
}

// MarkApprovedTx stamps the one-way approval inside a transaction.
// The status guard surfaces ALREADY_APPROVED on double submission.
func (r *SheetRepository) MarkApprovedTx(ctx context.Context, tx pgx.Tx, sheetID, approvedBy string, comments *string) (*Sheet, error) {
	query := `
		UPDATE sheets
		SET status      = 'APPROVED',
		    approved_by = $2,
		    approved_at = NOW(),
		    comments    = COALESCE($3, comments),
		    updated_at  = NOW()
		WHERE sheet_id = $1
		  AND status = 'PENDING'
		RETURNING ` + sheetColumns

	sheet, err := r.scanSheet(tx.QueryRow(ctx, query, sheetID, approvedBy, comments))
	if err == pgx.ErrNoRows {
		return nil, errors.New(errors.ErrCodeAlreadyApproved,
			fmt.Sprintf("sheet %s is not pending approval", sheetID))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to approve sheet")
	}
	return sheet, nil
}

// MarkRejectedTx closes the sheet as terminal-but-unapproved inside a
// transaction, recording who rejected it and carrying the checker's comments
// forward for the maker.
func (r *SheetRepository) MarkRejectedTx(ctx context.Context, tx pgx.Tx, sheetID, rejectedBy, comments string) (*Sheet, error) {
	query := `
		UPDATE sheets
		SET status      = 'REJECTED',
		    rejected_by = $2,
		    comments    = $3,
		    updated_at  = NOW()
		WHERE sheet_id = $1
		  AND status = 'PENDING'
		RETURNING ` + sheetColumns

	sheet, err := r.scanSheet(tx.QueryRow(ctx, query, sheetID, rejectedBy, comments))
	if err == pgx.ErrNoRows {
		return nil, errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("sheet %s is not pending and cannot be rejected", sheetID))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to reject sheet")
	}
	return sheet, nil
}

// List returns sheets, optionally filtered by process instance, newest first.
func (r *SheetRepository) List(ctx context.Context, processInstanceID *string) ([]*Sheet, error) {
	query := `SELECT ` + sheetColumns + ` FROM sheets`
	var args []any
	if processInstanceID != nil {
		query += ` WHERE process_instance_id = $1`
		args = append(args, *processInstanceID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list sheets")
	}
	defer rows.Close()

	var sheets []*Sheet
	for rows.Next() {
		sheet, err := r.scanSheet(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan sheet")
		}
		sheets = append(sheets, sheet)
	}
	return sheets, rows.Err()
}

// ── scan helper ───────────────────────────────────────────────────────────────

type sheetScanner interface {
	Scan(dest ...any) error
}

func (r *SheetRepository) scanSheet(row sheetScanner) (*Sheet, error) {
	s := &Sheet{}
	var entityType string
	err := row.Scan(
		&s.ID,
		&s.SheetID,
		&s.ProcessInstanceID,
		&entityType,
		&s.Status,
		&s.CreatedBy,
		&s.CreatedAt,
		&s.ApprovedBy,
		&s.ApprovedAt,
		&s.RejectedBy,
		&s.Comments,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.EntityType = workflow.EntityType(entityType)
	return s, nil
}

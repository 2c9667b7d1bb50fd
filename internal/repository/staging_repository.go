package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/polisource/be-refdata-approvals/internal/database"
	"github.com/polisource/be-refdata-approvals/internal/errors"
	"github.com/polisource/be-refdata-approvals/internal/workflow"
)

// stagingTables maps an entity type to its staging table. The approval
// bookkeeping columns are identical across the three tables, so row-approval
// SQL is shared; only the business columns differ.
var stagingTables = map[workflow.EntityType]string{
	workflow.EntityItem:    "item_staging",
	workflow.EntityPlan:    "plan_staging",
	workflow.EntityProduct: "product_staging",
}

const rowMetaColumns = `
	status, approved, approved_by, approved_at,
	created_by, edited_by, edited_at, comments, version, migrated, created_at
`

// StagingRepository persists candidate rows for all three entity types and
// implements the per-row approval bookkeeping.
type StagingRepository struct {
	db *database.DB
}

// NewStagingRepository creates a new StagingRepository.
func NewStagingRepository(db *database.DB) *StagingRepository {
	return &StagingRepository{db: db}
}

// ── Row replacement (maker submissions) ───────────────────────────────────────

// ReplaceItemsTx replaces the sheet's item rows inside a transaction. Rows
// start unapproved; a resubmission after rejection always opens a new sheet,
// so replacement within one sheet only happens while the sheet is PENDING.
func (r *StagingRepository) ReplaceItemsTx(ctx context.Context, tx pgx.Tx, sheetID string, rows []*ItemRow, editedBy string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM item_staging WHERE sheet_id = $1`, sheetID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear item rows")
	}

	query := `
		INSERT INTO item_staging
		    (id, sheet_id, item_name, item_category, price, quantity, effective_date,
		     status, created_by, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		RETURNING created_at
	`

	for _, row := range rows {
		row.ID = uuid.NewString()
		row.SheetID = sheetID
		row.Status = RowStatusPending
		row.CreatedBy = editedBy
		row.Version = 1
		err := tx.QueryRow(ctx, query,
			row.ID, row.SheetID,
			row.ItemName, row.ItemCategory, row.Price, row.Quantity, row.EffectiveDate,
			row.Status, row.CreatedBy,
		).Scan(&row.CreatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert item row")
		}
	}
	return nil
}

// ReplacePlansTx replaces the sheet's plan rows inside a transaction.
func (r *StagingRepository) ReplacePlansTx(ctx context.Context, tx pgx.Tx, sheetID string, rows []*PlanRow, editedBy string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM plan_staging WHERE sheet_id = $1`, sheetID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear plan rows")
	}

	query := `
		INSERT INTO plan_staging
		    (id, sheet_id, plan_name, plan_type, premium, coverage_amount, effective_date,
		     status, created_by, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		RETURNING created_at
	`

	for _, row := range rows {
		row.ID = uuid.NewString()
		row.SheetID = sheetID
		row.Status = RowStatusPending
		row.CreatedBy = editedBy
		row.Version = 1
		err := tx.QueryRow(ctx, query,
			row.ID, row.SheetID,
			row.PlanName, row.PlanType, row.Premium, row.CoverageAmount, row.EffectiveDate,
			row.Status, row.CreatedBy,
		).Scan(&row.CreatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert plan row")
		}
	}
	return nil
}

// ReplaceProductsTx replaces the sheet's product rows inside a transaction.
func (r *StagingRepository) ReplaceProductsTx(ctx context.Context, tx pgx.Tx, sheetID string, rows []*ProductRow, editedBy string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM product_staging WHERE sheet_id = $1`, sheetID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear product rows")
	}

	query := `
		INSERT INTO product_staging
		    (id, sheet_id, product_name, rate, api, effective_date,
		     status, created_by, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
		RETURNING created_at
	`

	for _, row := range rows {
		row.ID = uuid.NewString()
		row.SheetID = sheetID
		row.Status = RowStatusPending
		row.CreatedBy = editedBy
		row.Version = 1
		err := tx.QueryRow(ctx, query,
			row.ID, row.SheetID,
			row.ProductName, row.Rate, row.API, row.EffectiveDate,
			row.Status, row.CreatedBy,
		).Scan(&row.CreatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert product row")
		}
	}
	return nil
}

// ── Row reads ─────────────────────────────────────────────────────────────────

// ListItems returns the sheet's item rows in insertion order.
func (r *StagingRepository) ListItems(ctx context.Context, sheetID string) ([]*ItemRow, error) {
	query := `
		SELECT id, sheet_id, item_name, item_category, price, quantity, effective_date,
		       ` + rowMetaColumns + `
		FROM item_staging
		WHERE sheet_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, sheetID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list item rows")
	}
	defer rows.Close()

	var out []*ItemRow
	for rows.Next() {
		row := &ItemRow{}
		err := rows.Scan(
			&row.ID, &row.SheetID,
			&row.ItemName, &row.ItemCategory, &row.Price, &row.Quantity, &row.EffectiveDate,
			&row.Status, &row.Approved, &row.ApprovedBy, &row.ApprovedAt,
			&row.CreatedBy, &row.EditedBy, &row.EditedAt, &row.Comments,
			&row.Version, &row.Migrated, &row.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan item row")
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListPlans returns the sheet's plan rows in insertion order.
func (r *StagingRepository) ListPlans(ctx context.Context, sheetID string) ([]*PlanRow, error) {
	query := `
		SELECT id, sheet_id, plan_name, plan_type, premium, coverage_amount, effective_date,
		       ` + rowMetaColumns + `
		FROM plan_staging
		WHERE sheet_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, sheetID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list plan rows")
	}
	defer rows.Close()

	var out []*PlanRow
	for rows.Next() {
		row := &PlanRow{}
		err := rows.Scan(
			&row.ID, &row.SheetID,
			&row.PlanName, &row.PlanType, &row.Premium, &row.CoverageAmount, &row.EffectiveDate,
			&row.Status, &row.Approved, &row.ApprovedBy, &row.ApprovedAt,
			&row.CreatedBy, &row.EditedBy, &row.EditedAt, &row.Comments,
			&row.Version, &row.Migrated, &row.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan plan row")
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListProducts returns the sheet's product rows in insertion order.
func (r *StagingRepository) ListProducts(ctx context.Context, sheetID string) ([]*ProductRow, error) {
	query := `
		SELECT id, sheet_id, product_name, rate, api, effective_date,
		       ` + rowMetaColumns + `
		FROM product_staging
		WHERE sheet_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, sheetID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list product rows")
	}
	defer rows.Close()

	var out []*ProductRow
	for rows.Next() {
		row := &ProductRow{}
		err := rows.Scan(
			&row.ID, &row.SheetID,
			&row.ProductName, &row.Rate, &row.API, &row.EffectiveDate,
			&row.Status, &row.Approved, &row.ApprovedBy, &row.ApprovedAt,
			&row.CreatedBy, &row.EditedBy, &row.EditedAt, &row.Comments,
			&row.Version, &row.Migrated, &row.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan product row")
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ── Row approval (checker actions) ────────────────────────────────────────────

// ApproveRow approves a single row. The approved = false guard is the
// optimistic check: a second approval of the same row affects zero rows and
// is reported as ALREADY_APPROVED rather than silently swallowed, so
// double-click bugs surface at the caller.
func (r *StagingRepository) ApproveRow(ctx context.Context, entityType workflow.EntityType, rowID, approvedBy string) (*RowMeta, error) {
	table, ok := stagingTables[entityType]
	if !ok {
		return nil, errors.InvalidInput("entity_type", fmt.Sprintf("unknown entity type %q", entityType))
	}

	query := `
		UPDATE ` + table + `
		SET approved    = TRUE,
		    approved_by = $2,
		    approved_at = NOW(),
		    status      = 'APPROVED',
		    version     = version + 1
		WHERE id = $1
		  AND approved = FALSE
		RETURNING id, sheet_id, ` + rowMetaColumns

	meta, err := scanRowMeta(r.db.QueryRow(ctx, query, rowID, approvedBy))
	if err == pgx.ErrNoRows {
		// Distinguish a stale id from a double approval.
		var exists bool
		checkErr := r.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, rowID).Scan(&exists)
		if checkErr != nil {
			return nil, errors.Wrap(checkErr, errors.ErrCodeInternal, "failed to check row existence")
		}
		if !exists {
			return nil, errors.NotFound("staging row", rowID)
		}
		return nil, errors.New(errors.ErrCodeAlreadyApproved,
			fmt.Sprintf("row %s is already approved", rowID))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to approve row")
	}
	return meta, nil
}

// ApproveAllRowsTx bulk-approves every unapproved row of a sheet inside a
// transaction. The caller must hold the sheet lock. Returns the number of
// rows updated; zero on a repeat call (a no-op, not an error).
func (r *StagingRepository) ApproveAllRowsTx(ctx context.Context, tx pgx.Tx, entityType workflow.EntityType, sheetID, approvedBy string) (int64, error) {
	table, ok := stagingTables[entityType]
	if !ok {
		return 0, errors.InvalidInput("entity_type", fmt.Sprintf("unknown entity type %q", entityType))
	}

	query := `
		UPDATE ` + table + `
		SET approved    = TRUE,
		    approved_by = $2,
		    approved_at = NOW(),
		    status      = 'APPROVED',
		    version     = version + 1
		WHERE sheet_id = $1
		  AND approved = FALSE
	`

	tag, err := tx.Exec(ctx, query, sheetID, approvedBy)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to bulk-approve rows")
	}
	return tag.RowsAffected(), nil
}

// ApprovalCountsTx returns (total, approved) row counts for a sheet inside a
// transaction. A sheet with zero rows is never fully approved.
func (r *StagingRepository) ApprovalCountsTx(ctx context.Context, tx pgx.Tx, entityType workflow.EntityType, sheetID string) (total, approved int64, err error) {
	table, ok := stagingTables[entityType]
	if !ok {
		return 0, 0, errors.InvalidInput("entity_type", fmt.Sprintf("unknown entity type %q", entityType))
	}

	query := `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE approved)
		FROM ` + table + `
		WHERE sheet_id = $1
	`

	if err := tx.QueryRow(ctx, query, sheetID).Scan(&total, &approved); err != nil {
		return 0, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count row approvals")
	}
	return total, approved, nil
}

// ApprovalCounts is ApprovalCountsTx outside a transaction, for reads that
// do not need the sheet lock.
func (r *StagingRepository) ApprovalCounts(ctx context.Context, entityType workflow.EntityType, sheetID string) (total, approved int64, err error) {
	table, ok := stagingTables[entityType]
	if !ok {
		return 0, 0, errors.InvalidInput("entity_type", fmt.Sprintf("unknown entity type %q", entityType))
	}

	query := `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE approved)
		FROM ` + table + `
		WHERE sheet_id = $1
	`

	if err := r.db.QueryRow(ctx, query, sheetID).Scan(&total, &approved); err != nil {
		return 0, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count row approvals")
	}
	return total, approved, nil
}

// MarkMigratedTx flags the sheet's rows as migrated inside the migration
// transaction. The flag is non-reversible.
func (r *StagingRepository) MarkMigratedTx(ctx context.Context, tx pgx.Tx, entityType workflow.EntityType, sheetID string) error {
	table, ok := stagingTables[entityType]
	if !ok {
		return errors.InvalidInput("entity_type", fmt.Sprintf("unknown entity type %q", entityType))
	}

	query := `
		UPDATE ` + table + `
		SET migrated = TRUE,
		    version  = version + 1
		WHERE sheet_id = $1
		  AND approved = TRUE
	`

	if _, err := tx.Exec(ctx, query, sheetID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark rows migrated")
	}
	return nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type rowMetaScanner interface {
	Scan(dest ...any) error
}

func scanRowMeta(row rowMetaScanner) (*RowMeta, error) {
	m := &RowMeta{}
	err := row.Scan(
		&m.ID, &m.SheetID,
		&m.Status, &m.Approved, &m.ApprovedBy, &m.ApprovedAt,
		&m.CreatedBy, &m.EditedBy, &m.EditedAt, &m.Comments,
		&m.Version, &m.Migrated, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/polisource/be-refdata-approvals/internal/database"
	"github.com/polisource/be-refdata-approvals/internal/errors"
)

// MasterRepository owns the production tables (items, plans, products).
// They are written only by the migration transaction: the master tables hold
// the current production state, so each migration clears them and reloads
// from the approved staging rows. Staging data is preserved as the audit
// trail, never deleted.
type MasterRepository struct {
	db *database.DB
}

// NewMasterRepository creates a new MasterRepository.
func NewMasterRepository(db *database.DB) *MasterRepository {
	return &MasterRepository{db: db}
}

// CopyItemsTx clears the items master table and copies the sheet's approved
// item rows into it. Returns the number of rows migrated.
func (r *MasterRepository) CopyItemsTx(ctx context.Context, tx pgx.Tx, sheetID, migratedBy string) (int, error) {
	if _, err := tx.Exec(ctx, `DELETE FROM items`); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeMigrationPartial, "failed to clear items master table")
	}

	query := `
		INSERT INTO items
		    (id, sheet_id, item_name, item_category, price, quantity, effective_date,
		     status, approved_by, approved_at, comments, migrated_by)
		SELECT id, sheet_id, item_name, item_category, price, quantity, effective_date,
		       status, approved_by, approved_at, comments, $2
		FROM item_staging
		WHERE sheet_id = $1
		  AND approved = TRUE
	`

	tag, err := tx.Exec(ctx, query, sheetID, migratedBy)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeMigrationPartial, "failed to migrate items")
	}
	return int(tag.RowsAffected()), nil
}

// CopyPlansTx clears the plans master table and copies the sheet's approved
// plan rows into it.
func (r *MasterRepository) CopyPlansTx(ctx context.Context, tx pgx.Tx, sheetID, migratedBy string) (int, error) {
	if _, err := tx.Exec(ctx, `DELETE FROM plans`); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeMigrationPartial, "failed to clear plans master table")
	}

	query := `
		INSERT INTO plans
		    (id, sheet_id, plan_name, plan_type, premium, coverage_amount, effective_date,
		     status, approved_by, approved_at, comments, migrated_by)
		SELECT id, sheet_id, plan_name, plan_type, premium, coverage_amount, effective_date,
		       status, approved_by, approved_at, comments, $2
		FROM plan_staging
		WHERE sheet_id = $1
		  AND approved = TRUE
	`

	tag, err := tx.Exec(ctx, query, sheetID, migratedBy)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeMigrationPartial, "failed to migrate plans")
	}
	return int(tag.RowsAffected()), nil
}

// CopyProductsTx clears the products master table and copies the sheet's
// approved product rows into it.
func (r *MasterRepository) CopyProductsTx(ctx context.Context, tx pgx.Tx, sheetID, migratedBy string) (int, error) {
	if _, err := tx.Exec(ctx, `DELETE FROM products`); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeMigrationPartial, "failed to clear products master table")
	}

	query := `
		INSERT INTO products
		    (id, sheet_id, product_name, rate, api, effective_date,
		     status, approved_by, approved_at, comments, migrated_by)
		SELECT id, sheet_id, product_name, rate, api, effective_date,
		       status, approved_by, approved_at, comments, $2
		FROM product_staging
		WHERE sheet_id = $1
		  AND approved = TRUE
	`

	tag, err := tx.Exec(ctx, query, sheetID, migratedBy)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeMigrationPartial, "failed to migrate products")
	}
	return int(tag.RowsAffected()), nil
}

// ── Master snapshot reads (first-time edit baseline) ──────────────────────────

// SnapshotItems returns the current production items. Used as the maker's
// edit baseline when no staging sheet exists yet for the stage.
func (r *MasterRepository) SnapshotItems(ctx context.Context) ([]*ItemRow, error) {
	query := `
		SELECT id, sheet_id, item_name, item_category, price, quantity, effective_date,
		       status, approved_by, approved_at, comments
		FROM items
		ORDER BY item_name ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read items master table")
	}
	defer rows.Close()

	var out []*ItemRow
	for rows.Next() {
		row := &ItemRow{}
		err := rows.Scan(
			&row.ID, &row.SheetID,
			&row.ItemName, &row.ItemCategory, &row.Price, &row.Quantity, &row.EffectiveDate,
			&row.Status, &row.ApprovedBy, &row.ApprovedAt, &row.Comments,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan master item")
		}
		row.Approved = true
		out = append(out, row)
	}
	return out, rows.Err()
}

// SnapshotPlans returns the current production plans.
func (r *MasterRepository) SnapshotPlans(ctx context.Context) ([]*PlanRow, error) {
	query := `
		SELECT id, sheet_id, plan_name, plan_type, premium, coverage_amount, effective_date,
		       status, approved_by, approved_at, comments
		FROM plans
		ORDER BY plan_name ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read plans master table")
	}
	defer rows.Close()

	var out []*PlanRow
	for rows.Next() {
		row := &PlanRow{}
		err := rows.Scan(
			&row.ID, &row.SheetID,
			&row.PlanName, &row.PlanType, &row.Premium, &row.CoverageAmount, &row.EffectiveDate,
			&row.Status, &row.ApprovedBy, &row.ApprovedAt, &row.Comments,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan master plan")
		}
		row.Approved = true
		out = append(out, row)
	}
	return out, rows.Err()
}

// SnapshotProducts returns the current production products.
func (r *MasterRepository) SnapshotProducts(ctx context.Context) ([]*ProductRow, error) {
	query := `
		SELECT id, sheet_id, product_name, rate, api, effective_date,
		       status, approved_by, approved_at, comments
		FROM products
		ORDER BY product_name ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read products master table")
	}
	defer rows.Close()

	var out []*ProductRow
	for rows.Next() {
		row := &ProductRow{}
		err := rows.Scan(
			&row.ID, &row.SheetID,
			&row.ProductName, &row.Rate, &row.API, &row.EffectiveDate,
			&row.Status, &row.ApprovedBy, &row.ApprovedAt, &row.Comments,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan master product")
		}
		row.Approved = true
		out = append(out, row)
	}
	return out, rows.Err()
}

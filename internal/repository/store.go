package repository

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/polisource/be-refdata-approvals/internal/database"
	"github.com/polisource/be-refdata-approvals/internal/errors"
	"github.com/polisource/be-refdata-approvals/internal/workflow"
)

// RowSet carries staging rows for exactly one entity type. Only the slice
// matching EntityType is populated.
type RowSet struct {
	EntityType workflow.EntityType `json:"entityType"`
	Items      []*ItemRow          `json:"items,omitempty"`
	Plans      []*PlanRow          `json:"plans,omitempty"`
	Products   []*ProductRow       `json:"products,omitempty"`
}

// Len returns the number of rows in the set.
func (rs *RowSet) Len() int {
	switch rs.EntityType {
	case workflow.EntityItem:
		return len(rs.Items)
	case workflow.EntityPlan:
		return len(rs.Plans)
	default:
		return len(rs.Products)
	}
}

// Store composes the repositories into the transactional operations the
// service layer depends on. Sheet-scoped operations take the sheet row lock;
// migration takes a cross-sheet lock spanning all three entity sheets.
type Store struct {
	db      *database.DB
	sheets  *SheetRepository
	staging *StagingRepository
	master  *MasterRepository
	state   *WorkflowStateRepository
	audit   *AuditRepository
}

// NewStore creates a Store over the given repositories.
func NewStore(db *database.DB, sheets *SheetRepository, staging *StagingRepository, master *MasterRepository, state *WorkflowStateRepository, audit *AuditRepository) *Store {
	return &Store{db: db, sheets: sheets, staging: staging, master: master, state: state, audit: audit}
}

// ── Sheets ────────────────────────────────────────────────────────────────────

func (s *Store) GetOrCreateSheet(ctx context.Context, processInstanceID string, entityType workflow.EntityType, createdBy string) (*Sheet, error) {
	return s.sheets.GetOrCreate(ctx, processInstanceID, entityType, createdBy)
}

func (s *Store) GetSheet(ctx context.Context, sheetID string) (*Sheet, error) {
	return s.sheets.GetBySheetID(ctx, sheetID)
}

func (s *Store) FindOpenSheet(ctx context.Context, processInstanceID string, entityType workflow.EntityType) (*Sheet, error) {
	return s.sheets.FindOpen(ctx, processInstanceID, entityType)
}

func (s *Store) FindLatestSheet(ctx context.Context, processInstanceID string, entityType workflow.EntityType) (*Sheet, error) {
	return s.sheets.FindLatest(ctx, processInstanceID, entityType)
}

func (s *Store) ListSheets(ctx context.Context, processInstanceID *string) ([]*Sheet, error) {
	return s.sheets.List(ctx, processInstanceID)
}

// RejectSheet closes the sheet and moves the stage back to its edit step in
// one transaction, so a failed stage advance never strands a rejected sheet.
func (s *Store) RejectSheet(ctx context.Context, sheetID, rejectedBy, comments string, from, to workflow.Stage) (*Sheet, error) {
	var rejected *Sheet
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		sheet, err := s.sheets.LockTx(ctx, tx, sheetID)
		if err != nil {
			return err
		}
		rejected, err = s.sheets.MarkRejectedTx(ctx, tx, sheetID, rejectedBy, comments)
		if err != nil {
			return err
		}
		return s.state.AdvanceTx(ctx, tx, sheet.ProcessInstanceID, from, to)
	})
	if err != nil {
		return nil, err
	}
	return rejected, nil
}

// ── Workflow state ────────────────────────────────────────────────────────────

func (s *Store) CreateStage(ctx context.Context, processInstanceID string, stage workflow.Stage) error {
	return s.state.Create(ctx, processInstanceID, stage)
}

func (s *Store) GetStage(ctx context.Context, processInstanceID string) (workflow.Stage, error) {
	st, err := s.state.Get(ctx, processInstanceID)
	if err != nil {
		return "", err
	}
	return st.Stage, nil
}

func (s *Store) AdvanceStage(ctx context.Context, processInstanceID string, from, to workflow.Stage) error {
	return s.state.Advance(ctx, processInstanceID, from, to)
}

// ── Staging rows ──────────────────────────────────────────────────────────────

// SubmitRows replaces the sheet's rows in one transaction.
func (s *Store) SubmitRows(ctx context.Context, sheetID string, rows *RowSet, editedBy string) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		switch rows.EntityType {
		case workflow.EntityItem:
			return s.staging.ReplaceItemsTx(ctx, tx, sheetID, rows.Items, editedBy)
		case workflow.EntityPlan:
			return s.staging.ReplacePlansTx(ctx, tx, sheetID, rows.Plans, editedBy)
		case workflow.EntityProduct:
			return s.staging.ReplaceProductsTx(ctx, tx, sheetID, rows.Products, editedBy)
		default:
			return errors.InvalidInput("entity_type", fmt.Sprintf("unknown entity type %q", rows.EntityType))
		}
	})
}

// ListRows returns the sheet's rows in insertion order.
func (s *Store) ListRows(ctx context.Context, entityType workflow.EntityType, sheetID string) (*RowSet, error) {
	rs := &RowSet{EntityType: entityType}
	var err error
	switch entityType {
	case workflow.EntityItem:
		rs.Items, err = s.staging.ListItems(ctx, sheetID)
	case workflow.EntityPlan:
		rs.Plans, err = s.staging.ListPlans(ctx, sheetID)
	case workflow.EntityProduct:
		rs.Products, err = s.staging.ListProducts(ctx, sheetID)
	default:
		return nil, errors.InvalidInput("entity_type", fmt.Sprintf("unknown entity type %q", entityType))
	}
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// MasterSnapshot returns the current production rows for an entity type.
func (s *Store) MasterSnapshot(ctx context.Context, entityType workflow.EntityType) (*RowSet, error) {
	rs := &RowSet{EntityType: entityType}
	var err error
	switch entityType {
	case workflow.EntityItem:
		rs.Items, err = s.master.SnapshotItems(ctx)
	case workflow.EntityPlan:
		rs.Plans, err = s.master.SnapshotPlans(ctx)
	case workflow.EntityProduct:
		rs.Products, err = s.master.SnapshotProducts(ctx)
	default:
		return nil, errors.InvalidInput("entity_type", fmt.Sprintf("unknown entity type %q", entityType))
	}
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// ApproveRow approves one row via a row-scoped compare-and-set.
func (s *Store) ApproveRow(ctx context.Context, entityType workflow.EntityType, rowID, approvedBy string) (*RowMeta, error) {
	return s.staging.ApproveRow(ctx, entityType, rowID, approvedBy)
}

// ApproveAllRows bulk-approves a sheet's unapproved rows under the sheet
// lock, serializing against concurrent sheet approval.
func (s *Store) ApproveAllRows(ctx context.Context, sheetID string, entityType workflow.EntityType, approvedBy string) (int64, error) {
	var count int64
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := s.sheets.LockTx(ctx, tx, sheetID); err != nil {
			return err
		}
		var err error
		count, err = s.staging.ApproveAllRowsTx(ctx, tx, entityType, sheetID, approvedBy)
		return err
	})
	return count, err
}

// ApprovalCounts returns (total, approved) row counts for a sheet.
func (s *Store) ApprovalCounts(ctx context.Context, entityType workflow.EntityType, sheetID string) (total, approved int64, err error) {
	return s.staging.ApprovalCounts(ctx, entityType, sheetID)
}

// ApproveSheet performs the one-way sheet approval and the stage advance in
// one transaction under the sheet lock, re-validating row completeness so no
// interleaved row update can bypass the completeness gate. A lost stage CAS
// rolls the approval back, so the sheet can never end up APPROVED while the
// cycle is stuck at _APPROVE.
func (s *Store) ApproveSheet(ctx context.Context, sheetID, approvedBy string, from, to workflow.Stage) (*Sheet, error) {
	var approvedSheet *Sheet
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		sheet, err := s.sheets.LockTx(ctx, tx, sheetID)
		if err != nil {
			return err
		}
		if sheet.Status != SheetStatusPending {
			return errors.New(errors.ErrCodeAlreadyApproved,
				fmt.Sprintf("sheet %s is not pending approval", sheetID))
		}

		total, approved, err := s.staging.ApprovalCountsTx(ctx, tx, sheet.EntityType, sheetID)
		if err != nil {
			return err
		}
		if total == 0 || approved < total {
			return errors.New(errors.ErrCodeIncompleteApproval,
				fmt.Sprintf("sheet %s has %d of %d rows approved", sheetID, approved, total))
		}

		if approvedSheet, err = s.sheets.MarkApprovedTx(ctx, tx, sheetID, approvedBy, nil); err != nil {
			return err
		}
		return s.state.AdvanceTx(ctx, tx, sheet.ProcessInstanceID, from, to)
	})
	if err != nil {
		return nil, err
	}
	return approvedSheet, nil
}

// ── Migration ─────────────────────────────────────────────────────────────────

// MigrateAll copies all approved staging rows for the process instance into
// the master tables in one transaction: cross-sheet lock over the three
// entity sheets (ordered by sheet id to avoid lock cycles), prerequisite
// re-check, copy, migrated flags, and the MIGRATION → DONE stage advance.
// Any failure rolls the whole transaction back, so production never sees a
// partial copy.
func (s *Store) MigrateAll(ctx context.Context, processInstanceID, migratedBy string) (*MigrationResult, error) {
	result := &MigrationResult{}
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		sheets := make(map[workflow.EntityType]*Sheet, 3)
		ids := make([]string, 0, 3)
		for _, entityType := range []workflow.EntityType{workflow.EntityItem, workflow.EntityPlan, workflow.EntityProduct} {
			sheet, err := s.sheets.FindLatest(ctx, processInstanceID, entityType)
			if err != nil {
				return err
			}
			if sheet == nil {
				return errors.New(errors.ErrCodeMigrationPrereq,
					fmt.Sprintf("no %s sheet exists for process %s", entityType, processInstanceID))
			}
			sheets[entityType] = sheet
			ids = append(ids, sheet.SheetID)
		}

		sort.Strings(ids)
		for _, id := range ids {
			locked, err := s.sheets.LockTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if !locked.Approved() {
				return errors.New(errors.ErrCodeMigrationPrereq,
					fmt.Sprintf("sheet %s (%s) is not approved", locked.SheetID, locked.EntityType))
			}
		}

		var err error
		if result.ItemCount, err = s.master.CopyItemsTx(ctx, tx, sheets[workflow.EntityItem].SheetID, migratedBy); err != nil {
			return err
		}
		if result.PlanCount, err = s.master.CopyPlansTx(ctx, tx, sheets[workflow.EntityPlan].SheetID, migratedBy); err != nil {
			return err
		}
		if result.ProductCount, err = s.master.CopyProductsTx(ctx, tx, sheets[workflow.EntityProduct].SheetID, migratedBy); err != nil {
			return err
		}

		for entityType, sheet := range sheets {
			if err := s.staging.MarkMigratedTx(ctx, tx, entityType, sheet.SheetID); err != nil {
				return err
			}
		}

		return s.state.AdvanceTx(ctx, tx, processInstanceID, workflow.StageMigration, workflow.StageDone)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ── Audit ─────────────────────────────────────────────────────────────────────

func (s *Store) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	return s.audit.Append(ctx, entry)
}

func (s *Store) AuditTrail(ctx context.Context, processInstanceID string) ([]*AuditEntry, error) {
	return s.audit.GetByProcessInstanceID(ctx, processInstanceID)
}

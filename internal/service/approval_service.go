package service

import (
	"context"
	"fmt"

	"github.com/polisource/be-refdata-approvals/internal/auth"
	"github.com/polisource/be-refdata-approvals/internal/errors"
	"github.com/polisource/be-refdata-approvals/internal/logger"
	"github.com/polisource/be-refdata-approvals/internal/repository"
	"github.com/polisource/be-refdata-approvals/internal/workflow"
)

// ApprovalService handles the checker side of a stage: row approval, sheet
// approval, rejection, and the maker's back-navigation.
type ApprovalService struct {
	store  Store
	engine Engine
	events Events
	log    *logger.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(store Store, engine Engine, events Events, log *logger.Logger) *ApprovalService {
	return &ApprovalService{store: store, engine: engine, events: events, log: log}
}

// ApproveRow approves a single staging row. A second approval of the same
// row fails with ALREADY_APPROVED and leaves the row untouched.
func (s *ApprovalService) ApproveRow(ctx context.Context, principal auth.Principal, entityType workflow.EntityType, rowID string) (*repository.RowMeta, error) {
	if !principal.Can(auth.RoleChecker) {
		return nil, errors.New(errors.ErrCodeUnauthorized, "only checkers can approve rows")
	}

	meta, err := s.store.ApproveRow(ctx, entityType, rowID, principal.Username)
	if err != nil {
		return nil, err
	}

	sheet, err := s.store.GetSheet(ctx, meta.SheetID)
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		ProcessInstanceID: sheet.ProcessInstanceID,
		SheetID:           &meta.SheetID,
		EntityType:        entityPtr(entityType),
		Action:            "row_approved",
		PerformedBy:       principal.Username,
		Metadata:          map[string]interface{}{"row_id": rowID},
	})
	s.events.Publish("row_approved", sheet.ProcessInstanceID, string(entityType), meta.SheetID, principal.Username,
		map[string]interface{}{"row_id": rowID})

	s.log.Info().
		Str("sheet_id", meta.SheetID).
		Str("row_id", rowID).
		Str("approved_by", principal.Username).
		Msg("Row approved")

	return meta, nil
}

// ApproveAllRows bulk-approves every unapproved row of a sheet. Re-calling
// on a fully approved sheet is a no-op returning zero, not an error.
func (s *ApprovalService) ApproveAllRows(ctx context.Context, principal auth.Principal, sheetID string) (int64, error) {
	if !principal.Can(auth.RoleChecker) {
		return 0, errors.New(errors.ErrCodeUnauthorized, "only checkers can approve rows")
	}

	sheet, err := s.store.GetSheet(ctx, sheetID)
	if err != nil {
		return 0, err
	}

	count, err := s.store.ApproveAllRows(ctx, sheetID, sheet.EntityType, principal.Username)
	if err != nil {
		return 0, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		ProcessInstanceID: sheet.ProcessInstanceID,
		SheetID:           &sheet.SheetID,
		EntityType:        entityPtr(sheet.EntityType),
		Action:            "rows_bulk_approved",
		PerformedBy:       principal.Username,
		Metadata:          map[string]interface{}{"approved_count": count},
	})
	s.events.Publish("rows_bulk_approved", sheet.ProcessInstanceID, string(sheet.EntityType), sheet.SheetID, principal.Username,
		map[string]interface{}{"approved_count": count})

	s.log.Info().
		Str("sheet_id", sheetID).
		Int64("approved_count", count).
		Str("approved_by", principal.Username).
		Msg("Sheet rows bulk-approved")

	return count, nil
}

// ApproveSheet approves the whole sheet and moves the cycle forward with
// decision APPROVE. The completeness gate is validated here and re-validated
// inside the store's transaction; client-side gating is never trusted.
func (s *ApprovalService) ApproveSheet(ctx context.Context, principal auth.Principal, sheetID, taskID string) (*repository.Sheet, error) {
	if !principal.Can(auth.RoleChecker) {
		return nil, errors.New(errors.ErrCodeUnauthorized, "only checkers can approve sheets")
	}

	sheet, err := s.store.GetSheet(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	if sheet.Status != repository.SheetStatusPending {
		return nil, errors.New(errors.ErrCodeAlreadyApproved,
			fmt.Sprintf("sheet %s is not pending approval", sheetID))
	}

	total, approved, err := s.store.ApprovalCounts(ctx, sheet.EntityType, sheetID)
	if err != nil {
		return nil, err
	}
	if total == 0 || approved < total {
		return nil, errors.New(errors.ErrCodeIncompleteApproval,
			fmt.Sprintf("sheet %s has %d of %d rows approved", sheetID, approved, total))
	}

	current, err := s.store.GetStage(ctx, sheet.ProcessInstanceID)
	if err != nil {
		return nil, err
	}
	if current != workflow.ApproveStage(sheet.EntityType) {
		return nil, errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("process is in stage %s; the %s sheet cannot be approved now", current, sheet.EntityType))
	}
	next, err := workflow.Next(current, workflow.DecisionApprove)
	if err != nil {
		return nil, err
	}

	// Sheet approval and the stage advance commit together; the engine task
	// completes only after that commit.
	approvedSheet, err := s.store.ApproveSheet(ctx, sheetID, principal.Username, current, next)
	if err != nil {
		return nil, err
	}

	decision := map[string]any{sheet.EntityType.DecisionVariable(): string(workflow.DecisionApprove)}
	if err := s.engine.ClaimTask(ctx, taskID, principal.Username); err != nil {
		return nil, err
	}
	if err := s.engine.CompleteTask(ctx, taskID, decision); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		ProcessInstanceID: sheet.ProcessInstanceID,
		SheetID:           &sheet.SheetID,
		EntityType:        entityPtr(sheet.EntityType),
		Action:            "sheet_approved",
		PerformedBy:       principal.Username,
		Metadata:          map[string]interface{}{"stage": string(next)},
	})
	s.events.Publish("sheet_approved", sheet.ProcessInstanceID, string(sheet.EntityType), sheet.SheetID, principal.Username, nil)

	s.log.Info().
		Str("sheet_id", sheetID).
		Str("approved_by", principal.Username).
		Str("stage", string(next)).
		Msg("Sheet approved")

	return approvedSheet, nil
}

// RejectStageRequest carries a checker's rejection.
type RejectStageRequest struct {
	ProcessInstanceID string
	EntityType        workflow.EntityType
	TaskID            string
	Comments          string
}

// RejectStage sends the stage back to the same stage's edit step. The open
// sheet is closed terminal-but-unapproved with the checker's comments; the
// maker's next submission opens a fresh sheet whose rows start unapproved.
func (s *ApprovalService) RejectStage(ctx context.Context, principal auth.Principal, req *RejectStageRequest) error {
	if !principal.Can(auth.RoleChecker) {
		return errors.New(errors.ErrCodeUnauthorized, "only checkers can reject a stage")
	}
	if req.Comments == "" {
		return errors.InvalidInput("comments", "rejection comments are required")
	}

	current, err := s.store.GetStage(ctx, req.ProcessInstanceID)
	if err != nil {
		return err
	}
	if current != workflow.ApproveStage(req.EntityType) {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("process is in stage %s; the %s stage cannot be rejected now", current, req.EntityType))
	}
	next, err := workflow.Next(current, workflow.DecisionReject)
	if err != nil {
		return err
	}

	sheet, err := s.store.FindOpenSheet(ctx, req.ProcessInstanceID, req.EntityType)
	if err != nil {
		return err
	}
	if sheet == nil {
		return errors.NotFound("open sheet", fmt.Sprintf("%s/%s", req.ProcessInstanceID, req.EntityType))
	}

	// Sheet closure and the stage retreat commit together; the engine task
	// completes only after that commit.
	if _, err := s.store.RejectSheet(ctx, sheet.SheetID, principal.Username, req.Comments, current, next); err != nil {
		return err
	}

	if err := s.engine.ClaimTask(ctx, req.TaskID, principal.Username); err != nil {
		return err
	}
	if err := s.engine.CompleteTask(ctx, req.TaskID, map[string]any{
		req.EntityType.DecisionVariable(): string(workflow.DecisionReject),
		"checkerComments":                 req.Comments,
	}); err != nil {
		return err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		ProcessInstanceID: req.ProcessInstanceID,
		SheetID:           &sheet.SheetID,
		EntityType:        entityPtr(req.EntityType),
		Action:            "stage_rejected",
		PerformedBy:       principal.Username,
		Metadata:          map[string]interface{}{"comments": req.Comments, "stage": string(next)},
	})
	s.events.Publish("stage_rejected", req.ProcessInstanceID, string(req.EntityType), sheet.SheetID, principal.Username,
		map[string]interface{}{"comments": req.Comments})

	s.log.Info().
		Str("process_instance_id", req.ProcessInstanceID).
		Str("sheet_id", sheet.SheetID).
		Str("rejected_by", principal.Username).
		Str("stage", string(next)).
		Msg("Stage rejected")

	return nil
}

// GoBack navigates from a stage's edit step back to the previous stage's
// approve step. Pure navigation: no staging data is touched, which is what
// distinguishes BACK from REJECT.
func (s *ApprovalService) GoBack(ctx context.Context, principal auth.Principal, processInstanceID string, entityType workflow.EntityType, taskID string) error {
	if !principal.Can(auth.RoleMaker) {
		return errors.New(errors.ErrCodeUnauthorized, "only makers can navigate back")
	}

	current, err := s.store.GetStage(ctx, processInstanceID)
	if err != nil {
		return err
	}
	if current != workflow.EditStage(entityType) {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("process is in stage %s; cannot navigate back from %s", current, entityType))
	}
	next, err := workflow.Next(current, workflow.DecisionBack)
	if err != nil {
		return err
	}

	if err := s.store.AdvanceStage(ctx, processInstanceID, current, next); err != nil {
		return err
	}

	if err := s.engine.ClaimTask(ctx, taskID, principal.Username); err != nil {
		return err
	}
	if err := s.engine.CompleteTask(ctx, taskID, map[string]any{
		entityType.DecisionVariable(): string(workflow.DecisionBack),
	}); err != nil {
		return err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		ProcessInstanceID: processInstanceID,
		EntityType:        entityPtr(entityType),
		Action:            "stage_back",
		PerformedBy:       principal.Username,
		Metadata:          map[string]interface{}{"stage": string(next)},
	})

	s.log.Info().
		Str("process_instance_id", processInstanceID).
		Str("entity_type", string(entityType)).
		Str("stage", string(next)).
		Msg("Navigated back")

	return nil
}

func (s *ApprovalService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("process_instance_id", entry.ProcessInstanceID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}

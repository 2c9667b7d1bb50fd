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

// StagingService handles process starts, maker submissions and the composite
// approval-data read.
type StagingService struct {
	store      Store
	engine     Engine
	events     Events
	processKey string
	log        *logger.Logger
}

// NewStagingService creates a new StagingService. processKey is the engine's
// process definition key started for each approval cycle.
func NewStagingService(store Store, engine Engine, events Events, processKey string, log *logger.Logger) *StagingService {
	return &StagingService{
		store:      store,
		engine:     engine,
		events:     events,
		processKey: processKey,
		log:        log,
	}
}

// StartProcessResult is returned by StartProcess.
type StartProcessResult struct {
	ProcessInstanceID string `json:"processInstanceId"`
	Stage             string `json:"stage"`
}

// StartProcess starts a new approval cycle: one engine process instance plus
// the seeded workflow state at ITEM_EDIT.
func (s *StagingService) StartProcess(ctx context.Context, principal auth.Principal) (*StartProcessResult, error) {
	if !principal.Can(auth.RoleMaker) {
		return nil, errors.New(errors.ErrCodeUnauthorized, "only makers can start an approval cycle")
	}

	processInstanceID, err := s.engine.StartProcess(ctx, s.processKey, map[string]any{
		"initiator": principal.Username,
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateStage(ctx, processInstanceID, workflow.Initial); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		ProcessInstanceID: processInstanceID,
		Action:            "process_started",
		PerformedBy:       principal.Username,
	})
	s.events.Publish("process_started", processInstanceID, "", "", principal.Username, nil)

	s.log.Info().
		Str("process_instance_id", processInstanceID).
		Str("started_by", principal.Username).
		Msg("Approval cycle started")

	return &StartProcessResult{
		ProcessInstanceID: processInstanceID,
		Stage:             string(workflow.Initial),
	}, nil
}

// CancelProcess deletes a running engine process instance and closes the
// cycle administratively. The workflow state and sheets stay behind as the
// record of the abandoned cycle.
func (s *StagingService) CancelProcess(ctx context.Context, principal auth.Principal, processInstanceID, reason string) error {
	if !principal.Can(auth.RoleAdmin) {
		return errors.New(errors.ErrCodeUnauthorized, "only admins can cancel an approval cycle")
	}

	current, err := s.store.GetStage(ctx, processInstanceID)
	if err != nil {
		return err
	}
	if workflow.IsTerminal(current) {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("process %s has already completed", processInstanceID))
	}

	if err := s.engine.DeleteProcess(ctx, processInstanceID, reason); err != nil {
		return err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		ProcessInstanceID: processInstanceID,
		Action:            "process_cancelled",
		PerformedBy:       principal.Username,
		Metadata:          map[string]interface{}{"reason": reason},
	})
	s.events.Publish("process_cancelled", processInstanceID, "", "", principal.Username,
		map[string]interface{}{"reason": reason})

	s.log.Info().
		Str("process_instance_id", processInstanceID).
		Str("cancelled_by", principal.Username).
		Msg("Approval cycle cancelled")

	return nil
}

// SubmitStageRequest carries a maker's stage submission.
type SubmitStageRequest struct {
	ProcessInstanceID string
	EntityType        workflow.EntityType
	TaskID            string
	Rows              *repository.RowSet
}

// SubmitStageResult is returned by SubmitStage.
type SubmitStageResult struct {
	SheetID  string `json:"sheetId"`
	RowCount int    `json:"rowCount"`
	Stage    string `json:"stage"`
}

// SubmitStage persists the maker's rows on the stage's open sheet and moves
// the cycle forward: _EDIT → _APPROVE with decision FORWARD. The FORWARD
// value is written to the process variables explicitly so a stale BACK from
// a prior cycle is overwritten (decision variables are last-write-wins).
func (s *StagingService) SubmitStage(ctx context.Context, principal auth.Principal, req *SubmitStageRequest) (*SubmitStageResult, error) {
	if !principal.Can(auth.RoleMaker) {
		return nil, errors.New(errors.ErrCodeUnauthorized, "only makers can submit stage data")
	}
	if err := validateRows(req.Rows); err != nil {
		return nil, err
	}

	current, err := s.store.GetStage(ctx, req.ProcessInstanceID)
	if err != nil {
		return nil, err
	}
	if current != workflow.EditStage(req.EntityType) {
		return nil, errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("process is in stage %s; %s data cannot be submitted now", current, req.EntityType))
	}
	next, err := workflow.Next(current, workflow.DecisionForward)
	if err != nil {
		return nil, err
	}

	sheet, err := s.store.GetOrCreateSheet(ctx, req.ProcessInstanceID, req.EntityType, principal.Username)
	if err != nil {
		return nil, err
	}
	if err := s.store.SubmitRows(ctx, sheet.SheetID, req.Rows, principal.Username); err != nil {
		return nil, err
	}

	if err := s.store.AdvanceStage(ctx, req.ProcessInstanceID, current, next); err != nil {
		return nil, err
	}

	decisionVar := req.EntityType.DecisionVariable()
	forward := map[string]any{decisionVar: string(workflow.DecisionForward)}
	if err := s.engine.SetProcessVariables(ctx, req.ProcessInstanceID, forward); err != nil {
		return nil, err
	}
	if err := s.engine.ClaimTask(ctx, req.TaskID, principal.Username); err != nil {
		return nil, err
	}
	if err := s.engine.CompleteTask(ctx, req.TaskID, forward); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		ProcessInstanceID: req.ProcessInstanceID,
		SheetID:           &sheet.SheetID,
		EntityType:        entityPtr(req.EntityType),
		Action:            "stage_submitted",
		PerformedBy:       principal.Username,
		Metadata: map[string]interface{}{
			"row_count": req.Rows.Len(),
			"stage":     string(next),
		},
	})
	s.events.Publish("stage_submitted", req.ProcessInstanceID, string(req.EntityType), sheet.SheetID, principal.Username,
		map[string]interface{}{"row_count": req.Rows.Len()})

	s.log.Info().
		Str("process_instance_id", req.ProcessInstanceID).
		Str("sheet_id", sheet.SheetID).
		Str("entity_type", string(req.EntityType)).
		Int("row_count", req.Rows.Len()).
		Str("stage", string(next)).
		Msg("Stage data submitted")

	return &SubmitStageResult{
		SheetID:  sheet.SheetID,
		RowCount: req.Rows.Len(),
		Stage:    string(next),
	}, nil
}

// ApprovalData is the composite read backing both the maker's edit screen
// and the checker's approval screen.
type ApprovalData struct {
	Sheet          *repository.Sheet  `json:"sheet"`
	Rows           *repository.RowSet `json:"rows"`
	MasterFallback bool               `json:"masterFallback"`
	FullyApproved  bool               `json:"fullyApproved"`
}

// GetApprovalData returns the stage's open sheet and its rows. When no open
// sheet exists (first-time edit, or re-entry after migration), the master
// snapshot for the entity type is returned as the edit baseline; the latest
// closed sheet is still included so rejection comments stay visible.
func (s *StagingService) GetApprovalData(ctx context.Context, processInstanceID string, entityType workflow.EntityType) (*ApprovalData, error) {
	sheet, err := s.store.FindOpenSheet(ctx, processInstanceID, entityType)
	if err != nil {
		return nil, err
	}

	if sheet == nil {
		latest, err := s.store.FindLatestSheet(ctx, processInstanceID, entityType)
		if err != nil {
			return nil, err
		}
		snapshot, err := s.store.MasterSnapshot(ctx, entityType)
		if err != nil {
			return nil, err
		}
		return &ApprovalData{Sheet: latest, Rows: snapshot, MasterFallback: true}, nil
	}

	rows, err := s.store.ListRows(ctx, entityType, sheet.SheetID)
	if err != nil {
		return nil, err
	}
	total, approved, err := s.store.ApprovalCounts(ctx, entityType, sheet.SheetID)
	if err != nil {
		return nil, err
	}

	return &ApprovalData{
		Sheet:         sheet,
		Rows:          rows,
		FullyApproved: total > 0 && approved == total,
	}, nil
}

// ListSheets returns sheets, optionally scoped to one process instance.
func (s *StagingService) ListSheets(ctx context.Context, processInstanceID *string) ([]*repository.Sheet, error) {
	return s.store.ListSheets(ctx, processInstanceID)
}

// AuditTrail returns the approval audit trail for a process instance.
func (s *StagingService) AuditTrail(ctx context.Context, processInstanceID string) ([]*repository.AuditEntry, error) {
	return s.store.AuditTrail(ctx, processInstanceID)
}

func entityPtr(e workflow.EntityType) *string {
	s := string(e)
	return &s
}

// appendAudit writes an audit entry, logging a warning on failure (audit
// writes never fail the business operation).
func (s *StagingService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("process_instance_id", entry.ProcessInstanceID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}

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

// MigrationService performs the final staging → production copy once every
// stage of the cycle is approved.
type MigrationService struct {
	store  Store
	events Events
	log    *logger.Logger
}

// NewMigrationService creates a new MigrationService.
func NewMigrationService(store Store, events Events, log *logger.Logger) *MigrationService {
	return &MigrationService{store: store, events: events, log: log}
}

// Migrate copies all approved staging rows for the process instance into
// the master tables. Preconditions: the process is in the MIGRATION stage
// and all three sheets are approved. The copy itself is one transaction in
// the store; the prerequisites checked here are re-validated inside it, so
// no interleaving can produce a partial production write. A failure partway
// surfaces as PARTIAL_MIGRATION_FAILURE and must not be retried blindly.
func (s *MigrationService) Migrate(ctx context.Context, principal auth.Principal, processInstanceID string) (*repository.MigrationResult, error) {
	if !principal.Can(auth.RoleAdmin) {
		return nil, errors.New(errors.ErrCodeUnauthorized, "only admins can run the production migration")
	}

	current, err := s.store.GetStage(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}
	if current != workflow.StageMigration {
		return nil, errors.New(errors.ErrCodeMigrationPrereq,
			fmt.Sprintf("process is in stage %s; migration requires all three stages approved", current))
	}

	for _, entityType := range []workflow.EntityType{workflow.EntityItem, workflow.EntityPlan, workflow.EntityProduct} {
		sheet, err := s.store.FindLatestSheet(ctx, processInstanceID, entityType)
		if err != nil {
			return nil, err
		}
		if sheet == nil {
			return nil, errors.New(errors.ErrCodeMigrationPrereq,
				fmt.Sprintf("no %s sheet exists for process %s", entityType, processInstanceID))
		}
		if !sheet.Approved() {
			return nil, errors.New(errors.ErrCodeMigrationPrereq,
				fmt.Sprintf("sheet %s (%s) is not approved", sheet.SheetID, entityType))
		}
	}

	result, err := s.store.MigrateAll(ctx, processInstanceID, principal.Username)
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		ProcessInstanceID: processInstanceID,
		Action:            "migration_completed",
		PerformedBy:       principal.Username,
		Metadata: map[string]interface{}{
			"item_count":    result.ItemCount,
			"plan_count":    result.PlanCount,
			"product_count": result.ProductCount,
		},
	})
	s.events.Publish("migration_completed", processInstanceID, "", "", principal.Username,
		map[string]interface{}{
			"item_count":    result.ItemCount,
			"plan_count":    result.PlanCount,
			"product_count": result.ProductCount,
		})

	s.log.Info().
		Str("process_instance_id", processInstanceID).
		Str("migrated_by", principal.Username).
		Int("item_count", result.ItemCount).
		Int("plan_count", result.PlanCount).
		Int("product_count", result.ProductCount).
		Msg("Migration completed")

	return result, nil
}

func (s *MigrationService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("process_instance_id", entry.ProcessInstanceID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}

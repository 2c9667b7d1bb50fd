package service

import (
	"context"

	"github.com/polisource/be-refdata-approvals/internal/repository"
	"github.com/polisource/be-refdata-approvals/internal/workflow"
)

// Store is the persistence surface the services operate on. The production
// implementation is repository.Store; tests provide in-memory fakes.
type Store interface {
	// Sheets
	GetOrCreateSheet(ctx context.Context, processInstanceID string, entityType workflow.EntityType, createdBy string) (*repository.Sheet, error)
	GetSheet(ctx context.Context, sheetID string) (*repository.Sheet, error)
	FindOpenSheet(ctx context.Context, processInstanceID string, entityType workflow.EntityType) (*repository.Sheet, error)
	FindLatestSheet(ctx context.Context, processInstanceID string, entityType workflow.EntityType) (*repository.Sheet, error)
	ListSheets(ctx context.Context, processInstanceID *string) ([]*repository.Sheet, error)
	RejectSheet(ctx context.Context, sheetID, rejectedBy, comments string, from, to workflow.Stage) (*repository.Sheet, error)

	// Workflow state
	CreateStage(ctx context.Context, processInstanceID string, stage workflow.Stage) error
	GetStage(ctx context.Context, processInstanceID string) (workflow.Stage, error)
	AdvanceStage(ctx context.Context, processInstanceID string, from, to workflow.Stage) error

	// Staging rows
	SubmitRows(ctx context.Context, sheetID string, rows *repository.RowSet, editedBy string) error
	ListRows(ctx context.Context, entityType workflow.EntityType, sheetID string) (*repository.RowSet, error)
	MasterSnapshot(ctx context.Context, entityType workflow.EntityType) (*repository.RowSet, error)
	ApproveRow(ctx context.Context, entityType workflow.EntityType, rowID, approvedBy string) (*repository.RowMeta, error)
	ApproveAllRows(ctx context.Context, sheetID string, entityType workflow.EntityType, approvedBy string) (int64, error)
	ApprovalCounts(ctx context.Context, entityType workflow.EntityType, sheetID string) (total, approved int64, err error)
	ApproveSheet(ctx context.Context, sheetID, approvedBy string, from, to workflow.Stage) (*repository.Sheet, error)

	// Migration
	MigrateAll(ctx context.Context, processInstanceID, migratedBy string) (*repository.MigrationResult, error)

	// Audit
	AppendAudit(ctx context.Context, entry *repository.AuditEntry) error
	AuditTrail(ctx context.Context, processInstanceID string) ([]*repository.AuditEntry, error)
}

// Engine is the workflow engine surface the services depend on. The real
// implementation is client.FlowableClient.
type Engine interface {
	StartProcess(ctx context.Context, definitionKey string, variables map[string]any) (string, error)
	ClaimTask(ctx context.Context, taskID, userID string) error
	CompleteTask(ctx context.Context, taskID string, variables map[string]any) error
	SetProcessVariables(ctx context.Context, processInstanceID string, variables map[string]any) error
	DeleteProcess(ctx context.Context, processInstanceID, reason string) error
}

// Events receives workflow event notifications. Publish failures are the
// publisher's problem; services fire and forget.
type Events interface {
	Publish(eventType, processInstanceID, entityType, sheetID, actorID string, payload map[string]interface{})
}

package repository

import (
	"time"

	"github.com/polisource/be-refdata-approvals/internal/workflow"
)

// ── Domain types for the approval workflow ───────────────────────────────────

// Sheet statuses. Approval is one-way; a rejected sheet stays terminal and a
// fresh sheet is opened on the next maker submission.
const (
	SheetStatusPending  = "PENDING"
	SheetStatusApproved = "APPROVED"
	SheetStatusRejected = "REJECTED"
)

// Row statuses mirror the sheet's but live per staging row.
const (
	RowStatusPending  = "PENDING"
	RowStatusApproved = "APPROVED"
)

// Sheet is one submission cycle for a single entity type within a process
// instance. At most one PENDING sheet exists per (process instance, entity).
type Sheet struct {
	ID                int64
	SheetID           string
	ProcessInstanceID string
	EntityType        workflow.EntityType
	Status            string
	CreatedBy         string
	CreatedAt         time.Time
	ApprovedBy        *string
	ApprovedAt        *time.Time
	RejectedBy        *string
	Comments          *string
	UpdatedAt         time.Time
}

// Approved reports whether the sheet has passed checker approval.
func (s *Sheet) Approved() bool { return s.ApprovedAt != nil }

// RowMeta is the approval bookkeeping shared by all three staging tables.
type RowMeta struct {
	ID         string     `json:"id"`
	SheetID    string     `json:"sheetId"`
	Status     string     `json:"status"`
	Approved   bool       `json:"approved"`
	ApprovedBy *string    `json:"approvedBy,omitempty"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
	CreatedBy  string     `json:"createdBy"`
	EditedBy   *string    `json:"editedBy,omitempty"`
	EditedAt   *time.Time `json:"editedAt,omitempty"`
	Comments   *string    `json:"comments,omitempty"`
	Version    int        `json:"version"`
	Migrated   bool       `json:"migrated"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// ItemRow is a candidate item record within a sheet.
type ItemRow struct {
	RowMeta
	ItemName      string  `json:"itemName"`
	ItemCategory  string  `json:"itemCategory"`
	Price         float64 `json:"price"`
	Quantity      int     `json:"quantity"`
	EffectiveDate string  `json:"effectiveDate"` // YYYY-MM-DD
}

// PlanRow is a candidate plan record within a sheet.
type PlanRow struct {
	RowMeta
	PlanName       string  `json:"planName"`
	PlanType       string  `json:"planType"`
	Premium        float64 `json:"premium"`
	CoverageAmount int     `json:"coverageAmount"`
	EffectiveDate  string  `json:"effectiveDate"`
}

// ProductRow is a candidate product record within a sheet.
type ProductRow struct {
	RowMeta
	ProductName   string  `json:"productName"`
	Rate          float64 `json:"rate"`
	API           string  `json:"api"`
	EffectiveDate string  `json:"effectiveDate"`
}

// WorkflowState is the authoritative current stage for a process instance.
type WorkflowState struct {
	ProcessInstanceID string
	Stage             workflow.Stage
	UpdatedAt         time.Time
}

// AuditEntry is one immutable record in the approval audit log.
type AuditEntry struct {
	ID                int64
	ProcessInstanceID string
	SheetID           *string
	EntityType        *string
	Action            string // process_started | process_cancelled | stage_submitted | row_approved | rows_bulk_approved | sheet_approved | stage_rejected | stage_back | migration_completed
	PerformedBy       string
	PerformedAt       time.Time
	Metadata          map[string]interface{}
}

// MigrationResult reports per-entity row counts copied to the master tables.
type MigrationResult struct {
	ItemCount    int `json:"itemCount"`
	PlanCount    int `json:"planCount"`
	ProductCount int `json:"productCount"`
}

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/polisource/be-refdata-approvals/internal/errors"
	"github.com/polisource/be-refdata-approvals/internal/repository"
	"github.com/polisource/be-refdata-approvals/internal/workflow"
)

// fakeStore is an in-memory Store for service tests. It mirrors the
// transactional guarantees of the real store: CAS stage advances, one-way
// sheet approval, and an all-or-nothing migration.
type fakeStore struct {
	sheets   map[string]*repository.Sheet           // by sheet id
	rows     map[string]*repository.RowSet          // by sheet id
	stages   map[string]workflow.Stage              // by process instance id
	master   map[workflow.EntityType]*repository.RowSet
	audits   []*repository.AuditEntry
	sheetSeq int

	// copyErr, when set for an entity, fails that entity's master copy
	// inside MigrateAll.
	copyErr map[workflow.EntityType]error
	// advanceErr fails the next in-transaction stage advance (ApproveSheet,
	// RejectSheet), rolling the whole operation back like the real store.
	advanceErr error
	// auditErr fails AppendAudit.
	auditErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sheets:  make(map[string]*repository.Sheet),
		rows:    make(map[string]*repository.RowSet),
		stages:  make(map[string]workflow.Stage),
		master:  make(map[workflow.EntityType]*repository.RowSet),
		copyErr: make(map[workflow.EntityType]error),
	}
}

// ── Sheets ────────────────────────────────────────────────────────────────────

func (f *fakeStore) GetOrCreateSheet(_ context.Context, processInstanceID string, entityType workflow.EntityType, createdBy string) (*repository.Sheet, error) {
	for _, sheet := range f.sheets {
		if sheet.ProcessInstanceID == processInstanceID && sheet.EntityType == entityType && sheet.Status == repository.SheetStatusPending {
			return sheet, nil
		}
	}
	f.sheetSeq++
	sheet := &repository.Sheet{
		ID:                int64(f.sheetSeq),
		SheetID:           fmt.Sprintf("SHEET-%04d", f.sheetSeq),
		ProcessInstanceID: processInstanceID,
		EntityType:        entityType,
		Status:            repository.SheetStatusPending,
		CreatedBy:         createdBy,
		CreatedAt:         time.Now(),
	}
	f.sheets[sheet.SheetID] = sheet
	return sheet, nil
}

func (f *fakeStore) GetSheet(_ context.Context, sheetID string) (*repository.Sheet, error) {
	sheet, ok := f.sheets[sheetID]
	if !ok {
		return nil, errors.NotFound("sheet", sheetID)
	}
	return sheet, nil
}

func (f *fakeStore) FindOpenSheet(_ context.Context, processInstanceID string, entityType workflow.EntityType) (*repository.Sheet, error) {
	for _, sheet := range f.sheets {
		if sheet.ProcessInstanceID == processInstanceID && sheet.EntityType == entityType && sheet.Status == repository.SheetStatusPending {
			return sheet, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindLatestSheet(_ context.Context, processInstanceID string, entityType workflow.EntityType) (*repository.Sheet, error) {
	var latest *repository.Sheet
	for _, sheet := range f.sheets {
		if sheet.ProcessInstanceID != processInstanceID || sheet.EntityType != entityType {
			continue
		}
		if latest == nil || sheet.ID > latest.ID {
			latest = sheet
		}
	}
	return latest, nil
}

func (f *fakeStore) ListSheets(_ context.Context, processInstanceID *string) ([]*repository.Sheet, error) {
	var out []*repository.Sheet
	for _, sheet := range f.sheets {
		if processInstanceID == nil || sheet.ProcessInstanceID == *processInstanceID {
			out = append(out, sheet)
		}
	}
	return out, nil
}

// RejectSheet mirrors the real store: sheet closure and the stage retreat
// succeed or fail together.
func (f *fakeStore) RejectSheet(_ context.Context, sheetID, rejectedBy, comments string, from, to workflow.Stage) (*repository.Sheet, error) {
	sheet, ok := f.sheets[sheetID]
	if !ok {
		return nil, errors.NotFound("sheet", sheetID)
	}
	if sheet.Status != repository.SheetStatusPending {
		return nil, errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("sheet %s is not pending and cannot be rejected", sheetID))
	}
	if err := f.advanceTx(sheet.ProcessInstanceID, from, to); err != nil {
		return nil, err
	}
	sheet.Status = repository.SheetStatusRejected
	sheet.RejectedBy = &rejectedBy
	sheet.Comments = &comments
	sheet.UpdatedAt = time.Now()
	return sheet, nil
}

// ── Workflow state ────────────────────────────────────────────────────────────

func (f *fakeStore) CreateStage(_ context.Context, processInstanceID string, stage workflow.Stage) error {
	if _, exists := f.stages[processInstanceID]; exists {
		return errors.New(errors.ErrCodeConflict, "workflow state already exists")
	}
	f.stages[processInstanceID] = stage
	return nil
}

func (f *fakeStore) GetStage(_ context.Context, processInstanceID string) (workflow.Stage, error) {
	stage, ok := f.stages[processInstanceID]
	if !ok {
		return "", errors.NotFound("workflow state", processInstanceID)
	}
	return stage, nil
}

func (f *fakeStore) AdvanceStage(_ context.Context, processInstanceID string, from, to workflow.Stage) error {
	return f.advanceTx(processInstanceID, from, to)
}

// advanceTx is the CAS stage advance shared by the standalone call and the
// composite sheet operations.
func (f *fakeStore) advanceTx(processInstanceID string, from, to workflow.Stage) error {
	if f.advanceErr != nil {
		err := f.advanceErr
		f.advanceErr = nil
		return err
	}
	if f.stages[processInstanceID] != from {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("process %s is no longer in stage %s", processInstanceID, from))
	}
	f.stages[processInstanceID] = to
	return nil
}

// ── Staging rows ──────────────────────────────────────────────────────────────

func (f *fakeStore) SubmitRows(_ context.Context, sheetID string, rows *repository.RowSet, editedBy string) error {
	stored := &repository.RowSet{EntityType: rows.EntityType}
	stamp := func(i int) repository.RowMeta {
		return repository.RowMeta{
			ID:        fmt.Sprintf("%s-row-%d", sheetID, i),
			SheetID:   sheetID,
			Status:    repository.RowStatusPending,
			CreatedBy: editedBy,
			Version:   1,
			CreatedAt: time.Now(),
		}
	}
	switch rows.EntityType {
	case workflow.EntityItem:
		for i, r := range rows.Items {
			cp := *r
			cp.RowMeta = stamp(i)
			stored.Items = append(stored.Items, &cp)
		}
	case workflow.EntityPlan:
		for i, r := range rows.Plans {
			cp := *r
			cp.RowMeta = stamp(i)
			stored.Plans = append(stored.Plans, &cp)
		}
	case workflow.EntityProduct:
		for i, r := range rows.Products {
			cp := *r
			cp.RowMeta = stamp(i)
			stored.Products = append(stored.Products, &cp)
		}
	}
	f.rows[sheetID] = stored
	return nil
}

func (f *fakeStore) ListRows(_ context.Context, entityType workflow.EntityType, sheetID string) (*repository.RowSet, error) {
	if rs, ok := f.rows[sheetID]; ok {
		return rs, nil
	}
	return &repository.RowSet{EntityType: entityType}, nil
}

func (f *fakeStore) MasterSnapshot(_ context.Context, entityType workflow.EntityType) (*repository.RowSet, error) {
	if rs, ok := f.master[entityType]; ok {
		return rs, nil
	}
	return &repository.RowSet{EntityType: entityType}, nil
}

func metasOf(rs *repository.RowSet) []*repository.RowMeta {
	var out []*repository.RowMeta
	switch rs.EntityType {
	case workflow.EntityItem:
		for _, r := range rs.Items {
			out = append(out, &r.RowMeta)
		}
	case workflow.EntityPlan:
		for _, r := range rs.Plans {
			out = append(out, &r.RowMeta)
		}
	case workflow.EntityProduct:
		for _, r := range rs.Products {
			out = append(out, &r.RowMeta)
		}
	}
	return out
}

func (f *fakeStore) ApproveRow(_ context.Context, entityType workflow.EntityType, rowID, approvedBy string) (*repository.RowMeta, error) {
	for _, rs := range f.rows {
		if rs.EntityType != entityType {
			continue
		}
		for _, meta := range metasOf(rs) {
			if meta.ID != rowID {
				continue
			}
			if meta.Approved {
				return nil, errors.New(errors.ErrCodeAlreadyApproved,
					fmt.Sprintf("row %s is already approved", rowID))
			}
			now := time.Now()
			meta.Approved = true
			meta.ApprovedBy = &approvedBy
			meta.ApprovedAt = &now
			meta.Status = repository.RowStatusApproved
			return meta, nil
		}
	}
	return nil, errors.NotFound("row", rowID)
}

func (f *fakeStore) ApproveAllRows(_ context.Context, sheetID string, _ workflow.EntityType, approvedBy string) (int64, error) {
	rs, ok := f.rows[sheetID]
	if !ok {
		return 0, nil
	}
	var count int64
	now := time.Now()
	for _, meta := range metasOf(rs) {
		if meta.Approved {
			continue
		}
		meta.Approved = true
		meta.ApprovedBy = &approvedBy
		meta.ApprovedAt = &now
		meta.Status = repository.RowStatusApproved
		count++
	}
	return count, nil
}

func (f *fakeStore) ApprovalCounts(_ context.Context, _ workflow.EntityType, sheetID string) (int64, int64, error) {
	rs, ok := f.rows[sheetID]
	if !ok {
		return 0, 0, nil
	}
	var total, approved int64
	for _, meta := range metasOf(rs) {
		total++
		if meta.Approved {
			approved++
		}
	}
	return total, approved, nil
}

// ApproveSheet mirrors the real store: the approval and the stage advance
// succeed or fail together.
func (f *fakeStore) ApproveSheet(_ context.Context, sheetID, approvedBy string, from, to workflow.Stage) (*repository.Sheet, error) {
	sheet, ok := f.sheets[sheetID]
	if !ok {
		return nil, errors.NotFound("sheet", sheetID)
	}
	if sheet.Status != repository.SheetStatusPending {
		return nil, errors.New(errors.ErrCodeAlreadyApproved,
			fmt.Sprintf("sheet %s is not pending approval", sheetID))
	}
	total, approved, _ := f.ApprovalCounts(context.Background(), sheet.EntityType, sheetID)
	if total == 0 || approved < total {
		return nil, errors.New(errors.ErrCodeIncompleteApproval,
			fmt.Sprintf("sheet %s has %d of %d rows approved", sheetID, approved, total))
	}
	if err := f.advanceTx(sheet.ProcessInstanceID, from, to); err != nil {
		return nil, err
	}
	now := time.Now()
	sheet.Status = repository.SheetStatusApproved
	sheet.ApprovedBy = &approvedBy
	sheet.ApprovedAt = &now
	sheet.UpdatedAt = now
	return sheet, nil
}

// ── Migration ─────────────────────────────────────────────────────────────────

// MigrateAll mirrors the real store's transaction: any failure leaves the
// master tables untouched.
func (f *fakeStore) MigrateAll(ctx context.Context, processInstanceID, _ string) (*repository.MigrationResult, error) {
	staged := make(map[workflow.EntityType]*repository.RowSet, 3)
	for _, entityType := range []workflow.EntityType{workflow.EntityItem, workflow.EntityPlan, workflow.EntityProduct} {
		sheet, _ := f.FindLatestSheet(ctx, processInstanceID, entityType)
		if sheet == nil {
			return nil, errors.New(errors.ErrCodeMigrationPrereq,
				fmt.Sprintf("no %s sheet exists for process %s", entityType, processInstanceID))
		}
		if !sheet.Approved() {
			return nil, errors.New(errors.ErrCodeMigrationPrereq,
				fmt.Sprintf("sheet %s (%s) is not approved", sheet.SheetID, entityType))
		}
		if err := f.copyErr[entityType]; err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeMigrationPartial,
				fmt.Sprintf("failed to migrate %s rows", entityType))
		}
		rs := f.rows[sheet.SheetID]
		if rs == nil {
			rs = &repository.RowSet{EntityType: entityType}
		}
		staged[entityType] = rs
	}
	if f.stages[processInstanceID] != workflow.StageMigration {
		return nil, errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("process %s is no longer in stage %s", processInstanceID, workflow.StageMigration))
	}

	// All checks passed; commit.
	result := &repository.MigrationResult{}
	for entityType, rs := range staged {
		f.master[entityType] = rs
		for _, meta := range metasOf(rs) {
			meta.Migrated = true
		}
	}
	result.ItemCount = len(f.master[workflow.EntityItem].Items)
	result.PlanCount = len(f.master[workflow.EntityPlan].Plans)
	result.ProductCount = len(f.master[workflow.EntityProduct].Products)
	f.stages[processInstanceID] = workflow.StageDone
	return result, nil
}

// ── Audit ─────────────────────────────────────────────────────────────────────

func (f *fakeStore) AppendAudit(_ context.Context, entry *repository.AuditEntry) error {
	if f.auditErr != nil {
		return f.auditErr
	}
	f.audits = append(f.audits, entry)
	return nil
}

func (f *fakeStore) AuditTrail(_ context.Context, processInstanceID string) ([]*repository.AuditEntry, error) {
	var out []*repository.AuditEntry
	for _, e := range f.audits {
		if e.ProcessInstanceID == processInstanceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) lastAudit() *repository.AuditEntry {
	if len(f.audits) == 0 {
		return nil
	}
	return f.audits[len(f.audits)-1]
}

// ── Engine fake ───────────────────────────────────────────────────────────────

// engineCall records one Engine invocation in order.
type engineCall struct {
	Method    string // StartProcess | CompleteTask | SetProcessVariables
	ID        string // task id or process instance id
	Variables map[string]any
}

type fakeEngine struct {
	calls       []engineCall
	startErr    error
	completeErr error
	processSeq  int
}

func (f *fakeEngine) StartProcess(_ context.Context, definitionKey string, variables map[string]any) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.processSeq++
	f.calls = append(f.calls, engineCall{Method: "StartProcess", ID: definitionKey, Variables: variables})
	return fmt.Sprintf("proc-%d", f.processSeq), nil
}

func (f *fakeEngine) ClaimTask(_ context.Context, taskID, userID string) error {
	f.calls = append(f.calls, engineCall{Method: "ClaimTask", ID: taskID, Variables: map[string]any{"assignee": userID}})
	return nil
}

func (f *fakeEngine) CompleteTask(_ context.Context, taskID string, variables map[string]any) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.calls = append(f.calls, engineCall{Method: "CompleteTask", ID: taskID, Variables: variables})
	return nil
}

func (f *fakeEngine) SetProcessVariables(_ context.Context, processInstanceID string, variables map[string]any) error {
	f.calls = append(f.calls, engineCall{Method: "SetProcessVariables", ID: processInstanceID, Variables: variables})
	return nil
}

func (f *fakeEngine) DeleteProcess(_ context.Context, processInstanceID, reason string) error {
	f.calls = append(f.calls, engineCall{Method: "DeleteProcess", ID: processInstanceID, Variables: map[string]any{"reason": reason}})
	return nil
}

func (f *fakeEngine) callsTo(method string) []engineCall {
	var out []engineCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// ── Events fake ───────────────────────────────────────────────────────────────

type publishedEvent struct {
	EventType         string
	ProcessInstanceID string
	EntityType        string
	SheetID           string
	ActorID           string
	Payload           map[string]interface{}
}

type fakeEvents struct {
	published []publishedEvent
}

func (f *fakeEvents) Publish(eventType, processInstanceID, entityType, sheetID, actorID string, payload map[string]interface{}) {
	f.published = append(f.published, publishedEvent{
		EventType:         eventType,
		ProcessInstanceID: processInstanceID,
		EntityType:        entityType,
		SheetID:           sheetID,
		ActorID:           actorID,
		Payload:           payload,
	})
}

package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisource/be-refdata-approvals/internal/errors"
	"github.com/polisource/be-refdata-approvals/internal/repository"
	"github.com/polisource/be-refdata-approvals/internal/workflow"
)

// approvalFixture sets up a process sitting in ITEM_APPROVE with a submitted
// item sheet of n rows.
func approvalFixture(t *testing.T, n int) (*ApprovalService, *fakeStore, *fakeEngine, *fakeEvents, string, string) {
	t.Helper()
	store := newFakeStore()
	engine := &fakeEngine{}
	events := &fakeEvents{}

	staging := NewStagingService(store, engine, events, "refdataApprovalProcess", testLogger())
	started, err := staging.StartProcess(context.Background(), maker)
	require.NoError(t, err)
	result, err := staging.SubmitStage(context.Background(), maker, &SubmitStageRequest{
		ProcessInstanceID: started.ProcessInstanceID,
		EntityType:        workflow.EntityItem,
		TaskID:            "task-submit",
		Rows:              itemRows(n),
	})
	require.NoError(t, err)

	svc := NewApprovalService(store, engine, events, testLogger())
	return svc, store, engine, events, started.ProcessInstanceID, result.SheetID
}

func rowIDs(t *testing.T, store *fakeStore, sheetID string) []string {
	t.Helper()
	rs, err := store.ListRows(context.Background(), store.sheets[sheetID].EntityType, sheetID)
	require.NoError(t, err)
	var ids []string
	for _, meta := range metasOf(rs) {
		ids = append(ids, meta.ID)
	}
	return ids
}

func TestApproveRow(t *testing.T) {
	svc, store, _, events, _, sheetID := approvalFixture(t, 3)
	ids := rowIDs(t, store, sheetID)

	meta, err := svc.ApproveRow(context.Background(), checker, workflow.EntityItem, ids[0])
	require.NoError(t, err)
	assert.True(t, meta.Approved)
	require.NotNil(t, meta.ApprovedBy)
	assert.Equal(t, "bob", *meta.ApprovedBy)
	assert.NotNil(t, meta.ApprovedAt)

	total, approved, err := store.ApprovalCounts(context.Background(), workflow.EntityItem, sheetID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Equal(t, int64(1), approved)

	assert.Equal(t, "row_approved", store.lastAudit().Action)
	assert.Equal(t, "row_approved", events.published[len(events.published)-1].EventType)
}

func TestApproveRow_SecondApprovalFails(t *testing.T) {
	svc, store, _, _, _, sheetID := approvalFixture(t, 2)
	ids := rowIDs(t, store, sheetID)

	first, err := svc.ApproveRow(context.Background(), checker, workflow.EntityItem, ids[0])
	require.NoError(t, err)
	firstApprovedAt := *first.ApprovedAt

	_, err = svc.ApproveRow(context.Background(), checker, workflow.EntityItem, ids[0])
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAlreadyApproved, errors.CodeOf(err))

	// The original approval is untouched.
	rs, _ := store.ListRows(context.Background(), workflow.EntityItem, sheetID)
	assert.Equal(t, firstApprovedAt, *rs.Items[0].ApprovedAt)
	assert.Equal(t, "bob", *rs.Items[0].ApprovedBy)
}

func TestApproveRow_NotFound(t *testing.T) {
	svc, _, _, _, _, _ := approvalFixture(t, 1)

	_, err := svc.ApproveRow(context.Background(), checker, workflow.EntityItem, "no-such-row")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestApproveRow_MakerDenied(t *testing.T) {
	svc, store, _, _, _, sheetID := approvalFixture(t, 1)
	ids := rowIDs(t, store, sheetID)

	_, err := svc.ApproveRow(context.Background(), maker, workflow.EntityItem, ids[0])
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
}

func TestApproveAllRows(t *testing.T) {
	svc, store, _, _, _, sheetID := approvalFixture(t, 5)
	ids := rowIDs(t, store, sheetID)

	// One row already approved individually.
	_, err := svc.ApproveRow(context.Background(), checker, workflow.EntityItem, ids[0])
	require.NoError(t, err)

	count, err := svc.ApproveAllRows(context.Background(), checker, sheetID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count, "only the remaining unapproved rows count")

	// Re-running on a fully approved sheet is a no-op, not an error.
	count, err = svc.ApproveAllRows(context.Background(), checker, sheetID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestApproveSheet_IncompleteApprovalGate(t *testing.T) {
	svc, store, engine, _, _, sheetID := approvalFixture(t, 3)
	ids := rowIDs(t, store, sheetID)

	// 2 of 3 approved: the gate holds.
	for _, id := range ids[:2] {
		_, err := svc.ApproveRow(context.Background(), checker, workflow.EntityItem, id)
		require.NoError(t, err)
	}
	_, err := svc.ApproveSheet(context.Background(), checker, sheetID, "task-approve")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeIncompleteApproval, errors.CodeOf(err))
	assert.Empty(t, engine.callsTo("CompleteTask")[1:], "no checker task completed while the gate holds")

	// Third approval opens it.
	_, err = svc.ApproveRow(context.Background(), checker, workflow.EntityItem, ids[2])
	require.NoError(t, err)
	sheet, err := svc.ApproveSheet(context.Background(), checker, sheetID, "task-approve")
	require.NoError(t, err)
	assert.Equal(t, repository.SheetStatusApproved, sheet.Status)
	assert.True(t, sheet.Approved())
}

func TestApproveSheet_AdvancesStageAndCompletesTask(t *testing.T) {
	svc, store, engine, events, pid, sheetID := approvalFixture(t, 2)

	_, err := svc.ApproveAllRows(context.Background(), checker, sheetID)
	require.NoError(t, err)
	_, err = svc.ApproveSheet(context.Background(), checker, sheetID, "task-approve")
	require.NoError(t, err)

	stage, _ := store.GetStage(context.Background(), pid)
	assert.Equal(t, workflow.StagePlanEdit, stage)

	claims := engine.callsTo("ClaimTask")
	assert.Equal(t, "task-approve", claims[len(claims)-1].ID)
	assert.Equal(t, "bob", claims[len(claims)-1].Variables["assignee"])
	completes := engine.callsTo("CompleteTask")
	last := completes[len(completes)-1]
	assert.Equal(t, "task-approve", last.ID)
	assert.Equal(t, string(workflow.DecisionApprove), last.Variables["itemDecision"])

	assert.Equal(t, "sheet_approved", store.lastAudit().Action)
	assert.Equal(t, "sheet_approved", events.published[len(events.published)-1].EventType)
}

func TestApproveSheet_SecondApprovalFails(t *testing.T) {
	svc, _, _, _, _, sheetID := approvalFixture(t, 1)

	_, err := svc.ApproveAllRows(context.Background(), checker, sheetID)
	require.NoError(t, err)
	_, err = svc.ApproveSheet(context.Background(), checker, sheetID, "task-approve")
	require.NoError(t, err)

	_, err = svc.ApproveSheet(context.Background(), checker, sheetID, "task-approve")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAlreadyApproved, errors.CodeOf(err))
}

func TestApproveSheet_AdvanceFailureRollsBackApproval(t *testing.T) {
	svc, store, engine, _, pid, sheetID := approvalFixture(t, 2)
	_, err := svc.ApproveAllRows(context.Background(), checker, sheetID)
	require.NoError(t, err)

	// The stage advance inside the approval transaction loses its CAS: the
	// approval must roll back with it, leaving no partial state.
	store.advanceErr = errors.New(errors.ErrCodeConflict, "process is no longer in stage ITEM_APPROVE")
	completesBefore := len(engine.callsTo("CompleteTask"))

	_, err = svc.ApproveSheet(context.Background(), checker, sheetID, "task-approve")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	sheet, _ := store.GetSheet(context.Background(), sheetID)
	assert.Equal(t, repository.SheetStatusPending, sheet.Status, "failed advance must not leave the sheet approved")
	stage, _ := store.GetStage(context.Background(), pid)
	assert.Equal(t, workflow.StageItemApprove, stage)
	assert.Len(t, engine.callsTo("CompleteTask"), completesBefore, "no task completed on rollback")

	// The cycle is not stuck: a retry succeeds rather than hitting
	// ALREADY_APPROVED.
	sheet, err = svc.ApproveSheet(context.Background(), checker, sheetID, "task-approve")
	require.NoError(t, err)
	assert.Equal(t, repository.SheetStatusApproved, sheet.Status)
	stage, _ = store.GetStage(context.Background(), pid)
	assert.Equal(t, workflow.StagePlanEdit, stage)
}

func TestRejectStage_AdvanceFailureRollsBackRejection(t *testing.T) {
	svc, store, _, _, pid, sheetID := approvalFixture(t, 2)

	store.advanceErr = errors.New(errors.ErrCodeConflict, "process is no longer in stage ITEM_APPROVE")

	err := svc.RejectStage(context.Background(), checker, &RejectStageRequest{
		ProcessInstanceID: pid,
		EntityType:        workflow.EntityItem,
		TaskID:            "task-reject",
		Comments:          "redo these",
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	sheet, _ := store.GetSheet(context.Background(), sheetID)
	assert.Equal(t, repository.SheetStatusPending, sheet.Status, "failed advance must not leave the sheet rejected")
	stage, _ := store.GetStage(context.Background(), pid)
	assert.Equal(t, workflow.StageItemApprove, stage)

	// Retry succeeds once the conflict clears.
	err = svc.RejectStage(context.Background(), checker, &RejectStageRequest{
		ProcessInstanceID: pid,
		EntityType:        workflow.EntityItem,
		TaskID:            "task-reject",
		Comments:          "redo these",
	})
	require.NoError(t, err)
	sheet, _ = store.GetSheet(context.Background(), sheetID)
	assert.Equal(t, repository.SheetStatusRejected, sheet.Status)
}

func TestApproveSheet_ZeroRowSheetNeverApproves(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.CreateStage(context.Background(), "proc-x", workflow.StageItemApprove))
	sheet, err := store.GetOrCreateSheet(context.Background(), "proc-x", workflow.EntityItem, "alice")
	require.NoError(t, err)

	svc := NewApprovalService(store, &fakeEngine{}, &fakeEvents{}, testLogger())
	_, err = svc.ApproveSheet(context.Background(), checker, sheet.SheetID, "task-approve")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeIncompleteApproval, errors.CodeOf(err))
}

func TestApproveSheet_MakerDenied(t *testing.T) {
	svc, _, _, _, _, sheetID := approvalFixture(t, 1)

	_, err := svc.ApproveSheet(context.Background(), maker, sheetID, "task-approve")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
}

func TestRejectStage(t *testing.T) {
	svc, store, engine, events, pid, sheetID := approvalFixture(t, 2)

	err := svc.RejectStage(context.Background(), checker, &RejectStageRequest{
		ProcessInstanceID: pid,
		EntityType:        workflow.EntityItem,
		TaskID:            "task-reject",
		Comments:          "prices look wrong",
	})
	require.NoError(t, err)

	// Stage is back at the edit step; the sheet is closed with comments.
	stage, _ := store.GetStage(context.Background(), pid)
	assert.Equal(t, workflow.StageItemEdit, stage)
	sheet, _ := store.GetSheet(context.Background(), sheetID)
	assert.Equal(t, repository.SheetStatusRejected, sheet.Status)
	require.NotNil(t, sheet.RejectedBy)
	assert.Equal(t, "bob", *sheet.RejectedBy)
	require.NotNil(t, sheet.Comments)
	assert.Equal(t, "prices look wrong", *sheet.Comments)

	completes := engine.callsTo("CompleteTask")
	last := completes[len(completes)-1]
	assert.Equal(t, string(workflow.DecisionReject), last.Variables["itemDecision"])
	assert.Equal(t, "prices look wrong", last.Variables["checkerComments"])

	assert.Equal(t, "stage_rejected", store.lastAudit().Action)
	assert.Equal(t, "stage_rejected", events.published[len(events.published)-1].EventType)
}

func TestRejectStage_CommentsRequired(t *testing.T) {
	svc, _, _, _, pid, _ := approvalFixture(t, 1)

	err := svc.RejectStage(context.Background(), checker, &RejectStageRequest{
		ProcessInstanceID: pid,
		EntityType:        workflow.EntityItem,
		TaskID:            "task-reject",
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeValidation, errors.CodeOf(err))
}

func TestRejectStage_WrongStage(t *testing.T) {
	svc, store, _, _, _, _ := approvalFixture(t, 1)
	require.NoError(t, store.CreateStage(context.Background(), "proc-other", workflow.StagePlanEdit))

	err := svc.RejectStage(context.Background(), checker, &RejectStageRequest{
		ProcessInstanceID: "proc-other",
		EntityType:        workflow.EntityPlan,
		TaskID:            "task-reject",
		Comments:          "nope",
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
}

func TestGoBack(t *testing.T) {
	store := newFakeStore()
	engine := &fakeEngine{}
	events := &fakeEvents{}
	staging := NewStagingService(store, engine, events, "refdataApprovalProcess", testLogger())
	approval := NewApprovalService(store, engine, events, testLogger())
	ctx := context.Background()

	// Drive the cycle to PLAN_EDIT.
	started, err := staging.StartProcess(ctx, maker)
	require.NoError(t, err)
	pid := started.ProcessInstanceID
	submitted, err := staging.SubmitStage(ctx, maker, &SubmitStageRequest{
		ProcessInstanceID: pid, EntityType: workflow.EntityItem, TaskID: "t1", Rows: itemRows(2),
	})
	require.NoError(t, err)
	_, err = approval.ApproveAllRows(ctx, checker, submitted.SheetID)
	require.NoError(t, err)
	_, err = approval.ApproveSheet(ctx, checker, submitted.SheetID, "t2")
	require.NoError(t, err)

	err = approval.GoBack(ctx, maker, pid, workflow.EntityPlan, "t3")
	require.NoError(t, err)

	stage, _ := store.GetStage(ctx, pid)
	assert.Equal(t, workflow.StageItemApprove, stage)

	// Back is pure navigation: the item sheet and its rows are untouched.
	sheet, _ := store.GetSheet(ctx, submitted.SheetID)
	assert.Equal(t, repository.SheetStatusApproved, sheet.Status)
	rows, _ := store.ListRows(ctx, workflow.EntityItem, submitted.SheetID)
	assert.Equal(t, 2, rows.Len())
	for _, row := range rows.Items {
		assert.True(t, row.Approved)
	}

	completes := engine.callsTo("CompleteTask")
	last := completes[len(completes)-1]
	assert.Equal(t, string(workflow.DecisionBack), last.Variables["planDecision"])
	assert.Equal(t, "stage_back", store.lastAudit().Action)
}

func TestGoBack_FromFirstStageFails(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.CreateStage(context.Background(), "proc-x", workflow.StageItemEdit))
	svc := NewApprovalService(store, &fakeEngine{}, &fakeEvents{}, testLogger())

	err := svc.GoBack(context.Background(), maker, "proc-x", workflow.EntityItem, "t1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
}

func TestGoBack_CheckerDenied(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.CreateStage(context.Background(), "proc-x", workflow.StagePlanEdit))
	svc := NewApprovalService(store, &fakeEngine{}, &fakeEvents{}, testLogger())

	err := svc.GoBack(context.Background(), checker, "proc-x", workflow.EntityPlan, "t1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
}

func TestForwardAfterBackOverwritesDecision(t *testing.T) {
	store := newFakeStore()
	engine := &fakeEngine{}
	events := &fakeEvents{}
	staging := NewStagingService(store, engine, events, "refdataApprovalProcess", testLogger())
	approval := NewApprovalService(store, engine, events, testLogger())
	ctx := context.Background()

	started, err := staging.StartProcess(ctx, maker)
	require.NoError(t, err)
	pid := started.ProcessInstanceID

	// items: submit, approve. plans: go back, item re-approve, then forward.
	itemSheet, err := staging.SubmitStage(ctx, maker, &SubmitStageRequest{
		ProcessInstanceID: pid, EntityType: workflow.EntityItem, TaskID: "t1", Rows: itemRows(1),
	})
	require.NoError(t, err)
	_, err = approval.ApproveAllRows(ctx, checker, itemSheet.SheetID)
	require.NoError(t, err)
	_, err = approval.ApproveSheet(ctx, checker, itemSheet.SheetID, "t2")
	require.NoError(t, err)

	require.NoError(t, approval.GoBack(ctx, maker, pid, workflow.EntityPlan, "t3"))

	// Item stage is already approved; moving forward again only needs the
	// stage advance, which the fake models through AdvanceStage directly.
	require.NoError(t, store.AdvanceStage(ctx, pid, workflow.StageItemApprove, workflow.StagePlanEdit))

	_, err = staging.SubmitStage(ctx, maker, &SubmitStageRequest{
		ProcessInstanceID: pid, EntityType: workflow.EntityPlan, TaskID: "t4", Rows: planRows(1),
	})
	require.NoError(t, err)

	// The plan decision variable was BACK at t3; the submission at t4 must
	// overwrite it with FORWARD before completing the task.
	var planWrites []engineCall
	for _, c := range engine.calls {
		if _, ok := c.Variables["planDecision"]; ok {
			planWrites = append(planWrites, c)
		}
	}
	require.NotEmpty(t, planWrites)
	last := planWrites[len(planWrites)-1]
	assert.Equal(t, "CompleteTask", last.Method)
	assert.Equal(t, string(workflow.DecisionForward), last.Variables["planDecision"])
	prev := planWrites[len(planWrites)-2]
	assert.Equal(t, "SetProcessVariables", prev.Method)
	assert.Equal(t, string(workflow.DecisionForward), prev.Variables["planDecision"])
}

func TestAuditFailureDoesNotFailOperation(t *testing.T) {
	svc, store, _, _, _, sheetID := approvalFixture(t, 1)
	ids := rowIDs(t, store, sheetID)
	store.auditErr = errors.New(errors.ErrCodeInternal, "audit table unavailable")

	_, err := svc.ApproveRow(context.Background(), checker, workflow.EntityItem, ids[0])
	require.NoError(t, err, "audit write failures never fail the business operation")
}

// Package handler exposes the service over HTTP.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/polisource/be-refdata-approvals/internal/auth"
	"github.com/polisource/be-refdata-approvals/internal/errors"
	"github.com/polisource/be-refdata-approvals/internal/logger"
	"github.com/polisource/be-refdata-approvals/internal/repository"
	"github.com/polisource/be-refdata-approvals/internal/service"
	"github.com/polisource/be-refdata-approvals/internal/workflow"
)

// HTTPHandler handles HTTP requests.
type HTTPHandler struct {
	staging   *service.StagingService
	approval  *service.ApprovalService
	migration *service.MigrationService
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(staging *service.StagingService, approval *service.ApprovalService, migration *service.MigrationService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		staging:   staging,
		approval:  approval,
		migration: migration,
		log:       log,
	}
}

// StartProcess starts a new approval cycle.
func (h *HTTPHandler) StartProcess(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}

	result, err := h.staging.StartProcess(r.Context(), principal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

// CancelProcess administratively cancels a running approval cycle.
func (h *HTTPHandler) CancelProcess(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}

	var req struct {
		ProcessInstanceID string `json:"processInstanceId"`
		Reason            string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProcessInstanceID == "" {
		h.writeError(w, r, errors.InvalidInput("processInstanceId", "is required"))
		return
	}

	if err := h.staging.CancelProcess(r.Context(), principal, req.ProcessInstanceID, req.Reason); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SubmitStage persists a maker's stage submission and completes the task
// with decision FORWARD.
func (h *HTTPHandler) SubmitStage(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}

	var req struct {
		ProcessInstanceID string          `json:"processInstanceId"`
		EntityType        string          `json:"entityType"`
		TaskID            string          `json:"taskId"`
		Rows              json.RawMessage `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}

	entityType, err := workflow.ParseEntityType(req.EntityType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rows, err := decodeRows(entityType, req.Rows)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.staging.SubmitStage(r.Context(), principal, &service.SubmitStageRequest{
		ProcessInstanceID: req.ProcessInstanceID,
		EntityType:        entityType,
		TaskID:            req.TaskID,
		Rows:              rows,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// GetApprovalData returns the stage's sheet and rows, or the master
// snapshot when no open sheet exists yet.
func (h *HTTPHandler) GetApprovalData(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requirePrincipal(w, r); !ok {
		return
	}

	processInstanceID := r.URL.Query().Get("process_instance_id")
	if processInstanceID == "" {
		h.writeError(w, r, errors.InvalidInput("process_instance_id", "is required"))
		return
	}
	entityType, err := workflow.ParseEntityType(r.URL.Query().Get("entity_type"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	data, err := h.staging.GetApprovalData(r.Context(), processInstanceID, entityType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, data)
}

// ApproveRow approves one staging row.
func (h *HTTPHandler) ApproveRow(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}

	var req struct {
		EntityType string `json:"entityType"`
		RowID      string `json:"rowId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}
	entityType, err := workflow.ParseEntityType(req.EntityType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.RowID == "" {
		h.writeError(w, r, errors.InvalidInput("rowId", "is required"))
		return
	}

	meta, err := h.approval.ApproveRow(r.Context(), principal, entityType, req.RowID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, meta)
}

// ApproveAllRows bulk-approves every unapproved row of a sheet.
func (h *HTTPHandler) ApproveAllRows(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}

	var req struct {
		SheetID string `json:"sheetId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SheetID == "" {
		h.writeError(w, r, errors.InvalidInput("sheetId", "is required"))
		return
	}

	count, err := h.approval.ApproveAllRows(r.Context(), principal, req.SheetID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"approvedCount": count})
}

// ApproveSheet approves a fully row-approved sheet and completes the
// checker task with decision APPROVE.
func (h *HTTPHandler) ApproveSheet(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}

	var req struct {
		SheetID string `json:"sheetId"`
		TaskID  string `json:"taskId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SheetID == "" {
		h.writeError(w, r, errors.InvalidInput("sheetId", "is required"))
		return
	}

	sheet, err := h.approval.ApproveSheet(r.Context(), principal, req.SheetID, req.TaskID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sheet)
}

// RejectStage rejects the stage back to its edit step.
func (h *HTTPHandler) RejectStage(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}

	var req struct {
		ProcessInstanceID string `json:"processInstanceId"`
		EntityType        string `json:"entityType"`
		TaskID            string `json:"taskId"`
		Comments          string `json:"comments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}
	entityType, err := workflow.ParseEntityType(req.EntityType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	err = h.approval.RejectStage(r.Context(), principal, &service.RejectStageRequest{
		ProcessInstanceID: req.ProcessInstanceID,
		EntityType:        entityType,
		TaskID:            req.TaskID,
		Comments:          req.Comments,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GoBack navigates from an edit step to the previous stage's approve step.
func (h *HTTPHandler) GoBack(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}

	var req struct {
		ProcessInstanceID string `json:"processInstanceId"`
		EntityType        string `json:"entityType"`
		TaskID            string `json:"taskId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}
	entityType, err := workflow.ParseEntityType(req.EntityType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.approval.GoBack(r.Context(), principal, req.ProcessInstanceID, entityType, req.TaskID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunMigration copies approved staging data into the master tables.
func (h *HTTPHandler) RunMigration(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}

	var req struct {
		ProcessInstanceID string `json:"processInstanceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProcessInstanceID == "" {
		h.writeError(w, r, errors.InvalidInput("processInstanceId", "is required"))
		return
	}

	result, err := h.migration.Migrate(r.Context(), principal, req.ProcessInstanceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ListSheets lists sheets, optionally filtered by process instance.
func (h *HTTPHandler) ListSheets(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requirePrincipal(w, r); !ok {
		return
	}

	var processInstanceID *string
	if v := r.URL.Query().Get("process_instance_id"); v != "" {
		processInstanceID = &v
	}

	sheets, err := h.staging.ListSheets(r.Context(), processInstanceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if sheets == nil {
		sheets = []*repository.Sheet{}
	}
	h.writeJSON(w, http.StatusOK, sheets)
}

// AuditTrail returns the audit log for a process instance.
func (h *HTTPHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requirePrincipal(w, r); !ok {
		return
	}

	processInstanceID := r.URL.Query().Get("process_instance_id")
	if processInstanceID == "" {
		h.writeError(w, r, errors.InvalidInput("process_instance_id", "is required"))
		return
	}

	entries, err := h.staging.AuditTrail(r.Context(), processInstanceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*repository.AuditEntry{}
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// Health handles health check requests.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeRows unmarshals a submission's rows into the slice matching the
// entity type.
func decodeRows(entityType workflow.EntityType, raw json.RawMessage) (*repository.RowSet, error) {
	rs := &repository.RowSet{EntityType: entityType}
	if len(raw) == 0 {
		return rs, nil
	}

	var err error
	switch entityType {
	case workflow.EntityItem:
		err = json.Unmarshal(raw, &rs.Items)
	case workflow.EntityPlan:
		err = json.Unmarshal(raw, &rs.Plans)
	case workflow.EntityProduct:
		err = json.Unmarshal(raw, &rs.Products)
	}
	if err != nil {
		return nil, errors.InvalidInput("rows", "rows do not match the entity type")
	}
	return rs, nil
}

func (h *HTTPHandler) requirePrincipal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]string{
				"code":    "UNAUTHENTICATED",
				"message": "missing identity headers",
			},
		})
		return auth.Principal{}, false
	}
	return principal, true
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response body")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := errors.HTTPStatus(code)
	if status >= 500 {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	h.writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    string(code),
			"message": err.Error(),
		},
	})
}

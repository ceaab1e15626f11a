package api

import (
	"encoding/json"

	"github.com/reliefops/xir/internal/inventory"
	"github.com/reliefops/xir/internal/node"
	"github.com/reliefops/xir/internal/reconcile"
	"github.com/reliefops/xir/internal/tasks"
)

// Per-action sync verdicts. A station retires an action only on
// "processed" or "duplicate"; "failed" actions stay queued for
// operator attention.
const (
	SyncStatusProcessed = "processed"
	SyncStatusDuplicate = "duplicate"
	SyncStatusFailed    = "failed"
)

// SyncRequest is one station batch pushed over a connectivity window.
type SyncRequest struct {
	StationID string       `json:"station_id" example:"station-4" validate:"required"`
	BatchID   string       `json:"batch_id" example:"8d3f..." validate:"required"`
	Actions   []SyncAction `json:"actions" validate:"required"`
}

// SyncAction is one queued action inside a batch. Payload is the full
// authenticated packet, exactly as it would travel by QR.
type SyncAction struct {
	ActionID string          `json:"action_id" validate:"required"`
	Kind     string          `json:"kind" example:"DISPENSE_RECORD" validate:"required"`
	Payload  json.RawMessage `json:"payload" validate:"required"`
}

// SyncItemResult is the hub's verdict on one action.
type SyncItemResult struct {
	ActionID string `json:"action_id" validate:"required"`
	Status   string `json:"status" example:"processed" validate:"required"`
	Code     string `json:"code,omitempty" example:"ERR_REPLAY_ATTACK"`
	Error    string `json:"error,omitempty"`
}

// SyncResponse acknowledges one batch.
type SyncResponse struct {
	BatchID string           `json:"batch_id" validate:"required"`
	Results []SyncItemResult `json:"results" validate:"required"`
}

// ScanRequest submits scanned QR lines for ingestion. Session ties
// multi-chunk sequences together across requests; single-line scans
// may leave it empty.
type ScanRequest struct {
	Session string   `json:"session,omitempty" example:"desk-3"`
	Lines   []string `json:"lines" validate:"required"`
}

// ScanOutcome is the verdict for one submitted line.
type ScanOutcome struct {
	Complete bool              `json:"complete"`
	Missing  []int             `json:"missing,omitempty"`
	Applied  *node.ApplyResult `json:"applied,omitempty"`
	Code     string            `json:"code,omitempty" example:"ERR_SIGNATURE_INVALID"`
	Error    string            `json:"error,omitempty"`
}

// ScanResponse wraps per-line scan outcomes.
type ScanResponse struct {
	Session string        `json:"session"`
	Results []ScanOutcome `json:"results" validate:"required"`
}

// BundleResponse is returned after a bundle file lands in the spool.
type BundleResponse struct {
	Bundle string `json:"bundle" example:"courier-7.txt" validate:"required"`
	Size   int64  `json:"size" example:"1824" validate:"required"`
}

// CreateTaskRequest creates a field task.
type CreateTaskRequest struct {
	Title        string `json:"title" example:"stow shipment mf_abc" validate:"required"`
	Domain       string `json:"domain" example:"LOGISTICS" validate:"required"`
	BasePriority int    `json:"base_priority" example:"30"`
	Assignee     string `json:"assignee,omitempty" example:"volunteer-2"`
}

// ReassignTaskRequest re-routes a task to a new assignee.
type ReassignTaskRequest struct {
	Assignee string `json:"assignee" example:"volunteer-5" validate:"required"`
}

// QueueStatusResponse summarises the outbound action queue.
type QueueStatusResponse struct {
	Pending int64 `json:"pending" example:"3"`
	Synced  int64 `json:"synced" example:"41"`
}

// InventoryLine is one stock line (aliased from the domain layer).
type InventoryLine = inventory.Line

// Task is one unit of field work (aliased from the domain layer).
type Task = tasks.Task

// ReconciliationReport is the order/completion join (aliased from the
// domain layer).
type ReconciliationReport = reconcile.Report

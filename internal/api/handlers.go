package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reliefops/xir/internal/apperr"
	"github.com/reliefops/xir/internal/ledger"
	"github.com/reliefops/xir/internal/node"
	"github.com/reliefops/xir/internal/queue"
	"github.com/reliefops/xir/internal/spool"
)

const maxBodyBytes = 4 << 20 // 4 MB; a QR bundle is far smaller

// FlushFunc triggers one delivery attempt of the pending queue.
type FlushFunc func(ctx context.Context) (*queue.FlushResult, error)

// Handler holds API route handlers.
type Handler struct {
	svc   *node.Service
	sp    spool.Spool
	flush FlushFunc
}

// NewHandler creates a new Handler. sp and flush may be nil when the
// node runs without a spool or uplink.
func NewHandler(svc *node.Service, sp spool.Spool, flush FlushFunc) *Handler {
	return &Handler{svc: svc, sp: sp, flush: flush}
}

// Sync handles POST /api/sync: one station batch, one verdict per
// action. Processed and duplicate actions count as acknowledged; the
// station retires them locally. Failed actions stay queued there.
//
//	@Summary		Ingest a station's queued action batch
//	@Tags			sync
//	@Accept			json
//	@Produce		json
//	@Param			body	body		SyncRequest	true	"Action batch"
//	@Success		200		{object}	SyncResponse
//	@Failure		400		{object}	errResponse
//	@Failure		403		{object}	errResponse
//	@Security		StationAuth
//	@Router			/sync [post]
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.StationID == "" || req.BatchID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("station_id and batch_id are required"))
		return
	}
	if req.StationID != StationID(r.Context()) {
		writeJSON(w, http.StatusForbidden, errorBody("token subject does not match station_id"))
		return
	}

	resp := SyncResponse{BatchID: req.BatchID}
	for _, action := range req.Actions {
		resp.Results = append(resp.Results, h.applyAction(r.Context(), action))
	}
	writeJSON(w, http.StatusOK, resp)
}

// applyAction runs one batch item through the ledger-guarded apply
// path. Every item gets a verdict; a failing item never aborts the
// rest of the batch.
func (h *Handler) applyAction(ctx context.Context, action SyncAction) SyncItemResult {
	res := SyncItemResult{ActionID: action.ActionID}
	if action.ActionID == "" || action.Kind == "" || len(action.Payload) == 0 {
		res.Status = SyncStatusFailed
		res.Code = apperr.Code(apperr.ErrMissingField)
		res.Error = "action_id, kind and payload are required"
		return res
	}

	applied, err := h.svc.ApplyAction(ctx, action.Kind, action.Payload)
	switch {
	case err != nil:
		res.Status = SyncStatusFailed
		res.Code = apperr.Code(err)
		res.Error = err.Error()
		slog.Warn("sync action rejected",
			slog.String("action_id", action.ActionID),
			slog.String("code", res.Code),
			slog.String("error", err.Error()))
	case applied.Outcome == ledger.DuplicateSame:
		res.Status = SyncStatusDuplicate
	default:
		res.Status = SyncStatusProcessed
	}
	return res
}

// Scans handles POST /api/scans: feed scanned QR lines through the
// pipeline. Lines are processed in submission order; a failing line
// gets its error code in place but does not stop the rest.
//
//	@Summary		Ingest scanned QR lines
//	@Tags			scans
//	@Accept			json
//	@Produce		json
//	@Param			body	body		ScanRequest	true	"Scanned lines"
//	@Success		200		{object}	ScanResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/scans [post]
func (h *Handler) Scans(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if len(req.Lines) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("lines is required"))
		return
	}

	resp := ScanResponse{Session: req.Session}
	for _, line := range req.Lines {
		out := ScanOutcome{}
		res, err := h.svc.HandleScan(r.Context(), req.Session, line)
		if err != nil {
			out.Code = apperr.Code(err)
			out.Error = err.Error()
		} else {
			out.Complete = res.Complete
			out.Missing = res.Missing
			out.Applied = res.Applied
		}
		resp.Results = append(resp.Results, out)
	}
	writeJSON(w, http.StatusOK, resp)
}

// AbortScan handles DELETE /api/scans/{session}: discard the partial
// reassembly buffer for one session only.
//
//	@Summary		Abort a chunked scan session
//	@Tags			scans
//	@Param			session	path	string	true	"Scan session id"
//	@Success		204		"Session discarded"
//	@Security		BearerAuth
//	@Router			/scans/{session} [delete]
func (h *Handler) AbortScan(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	if session == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("session is required"))
		return
	}
	h.svc.AbortScan(session)
	w.WriteHeader(http.StatusNoContent)
}

// Inventory handles GET /api/inventory.
//
//	@Summary		List local stock lines
//	@Tags			inventory
//	@Produce		json
//	@Success		200	{array}	InventoryLine
//	@Security		BearerAuth
//	@Router			/inventory [get]
func (h *Handler) Inventory(w http.ResponseWriter, r *http.Request) {
	lines, err := h.svc.Inventory().Lines(r.Context())
	if err != nil {
		slog.Error("list inventory failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if lines == nil {
		lines = []InventoryLine{}
	}
	writeJSON(w, http.StatusOK, lines)
}

// QueueStatus handles GET /api/queue.
//
//	@Summary		Summarise the outbound action queue
//	@Tags			queue
//	@Produce		json
//	@Success		200	{object}	QueueStatusResponse
//	@Security		BearerAuth
//	@Router			/queue [get]
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	pending, synced, err := h.svc.Queue().Stats(r.Context())
	if err != nil {
		slog.Error("queue stats failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, QueueStatusResponse{Pending: pending, Synced: synced})
}

// Flush handles POST /api/queue/flush: the explicit flush trigger.
//
//	@Summary		Deliver pending actions to the hub now
//	@Tags			queue
//	@Produce		json
//	@Success		200	{object}	queue.FlushResult
//	@Failure		409	{object}	errResponse
//	@Failure		503	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/queue/flush [post]
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	if h.flush == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("no uplink configured on this node"))
		return
	}
	res, err := h.flush(r.Context())
	if err != nil {
		if errors.Is(err, apperr.ErrFlushInProgress) {
			writeJSON(w, http.StatusConflict, errorBody("flush already in progress"))
			return
		}
		// Network failures are the recoverable kind; report them but
		// leave everything PENDING for the next trigger.
		slog.Warn("flush failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// LedgerLookup handles GET /api/ledger/{id}.
//
//	@Summary		Look up a replay ledger entry
//	@Tags			ledger
//	@Produce		json
//	@Param			id	path		string	true	"Packet or action id"
//	@Success		200	{object}	ledger.Entry
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/ledger/{id} [get]
func (h *Handler) LedgerLookup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := h.svc.Ledger().Lookup(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
			return
		}
		slog.Error("ledger lookup failed", slog.String("id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ListTasks handles GET /api/tasks, in effective priority order.
//
//	@Summary		List open tasks in working order
//	@Tags			tasks
//	@Produce		json
//	@Success		200	{array}	Task
//	@Security		BearerAuth
//	@Router			/tasks [get]
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.Tasks().Ordered(r.Context())
	if err != nil {
		slog.Error("list tasks failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if items == nil {
		items = []Task{}
	}
	writeJSON(w, http.StatusOK, items)
}

// CreateTask handles POST /api/tasks.
//
//	@Summary		Create a field task
//	@Tags			tasks
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateTaskRequest	true	"Task to create"
//	@Success		201		{object}	Task
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tasks [post]
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	task, err := h.svc.Tasks().Create(r.Context(), req.Title, req.Domain, req.BasePriority, req.Assignee)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// ReassignTask handles POST /api/tasks/{id}/reassign. Reassignment
// changes the assignee only; priority and creation time are untouched.
//
//	@Summary		Reassign a task
//	@Tags			tasks
//	@Accept			json
//	@Param			id		path	string					true	"Task id"
//	@Param			body	body	ReassignTaskRequest		true	"New assignee"
//	@Success		204		"Task reassigned"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tasks/{id}/reassign [post]
func (h *Handler) ReassignTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ReassignTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if err := h.svc.Tasks().Reassign(r.Context(), id, req.Assignee); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
			return
		}
		slog.Error("reassign task failed", slog.String("id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CompleteTask handles POST /api/tasks/{id}/complete.
//
//	@Summary		Mark a task done
//	@Tags			tasks
//	@Param			id	path	string	true	"Task id"
//	@Success		204	"Task completed"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tasks/{id}/complete [post]
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Tasks().Complete(r.Context(), id); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
			return
		}
		slog.Error("complete task failed", slog.String("id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reconciliation handles GET /api/reconciliation?window_hours=N.
// Hub only; edge nodes never hold both sides of an event.
//
//	@Summary		Join order and completion events
//	@Tags			reconciliation
//	@Produce		json
//	@Param			window_hours	query		int	false	"Reporting window in hours (default 168)"
//	@Success		200				{object}	ReconciliationReport
//	@Failure		404				{object}	errResponse
//	@Security		BearerAuth
//	@Router			/reconciliation [get]
func (h *Handler) Reconciliation(w http.ResponseWriter, r *http.Request) {
	recon := h.svc.Reconciler()
	if recon == nil {
		writeJSON(w, http.StatusNotFound, errorBody("reconciliation runs on the hub"))
		return
	}
	window := 168 * time.Hour
	if v := r.URL.Query().Get("window_hours"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("window_hours must be a positive integer"))
			return
		}
		window = time.Duration(hours) * time.Hour
	}
	report, err := recon.Reconcile(r.Context(), window)
	if err != nil {
		slog.Error("reconcile failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Stations handles GET /api/stations (hub only).
//
//	@Summary		List stations the hub has heard from
//	@Tags			stations
//	@Produce		json
//	@Success		200	{array}	string
//	@Security		BearerAuth
//	@Router			/stations [get]
func (h *Handler) Stations(w http.ResponseWriter, r *http.Request) {
	if h.svc.Role() != node.RoleHub {
		writeJSON(w, http.StatusNotFound, errorBody("station views live on the hub"))
		return
	}
	ids, err := h.svc.Stations(r.Context())
	if err != nil {
		slog.Error("list stations failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// StationSnapshot handles GET /api/stations/{id}/snapshot (hub only).
//
//	@Summary		Latest reported stock for one station
//	@Tags			stations
//	@Produce		json
//	@Param			id	path	string	true	"Station id"
//	@Success		200	{array}	node.StationStock
//	@Security		BearerAuth
//	@Router			/stations/{id}/snapshot [get]
func (h *Handler) StationSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.svc.Role() != node.RoleHub {
		writeJSON(w, http.StatusNotFound, errorBody("station views live on the hub"))
		return
	}
	id := chi.URLParam(r, "id")
	stock, err := h.svc.StationSnapshot(r.Context(), id)
	if err != nil {
		slog.Error("station snapshot failed", slog.String("station", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if stock == nil {
		stock = []node.StationStock{}
	}
	writeJSON(w, http.StatusOK, stock)
}

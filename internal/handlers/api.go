package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Guizzs26/erp-table-sync/internal/models"
	"github.com/Guizzs26/erp-table-sync/internal/scheduler"
	"github.com/Guizzs26/erp-table-sync/internal/service"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// manualRunWait bounds how long a manual sync request waits for the run before answering 202
const manualRunWait = 2 * time.Second

type RunMonitor interface {
	PollLatest(ctx context.Context, tableID int64) (*models.SyncRun, error)
	GetRun(ctx context.Context, runID int64) (*models.SyncRun, error)
	IsLongRunning(run *models.SyncRun, now time.Time) bool
	ForceTerminate(ctx context.Context, runID int64) (*models.SyncRun, error)
}

type SyncTrigger interface {
	RunTable(ctx context.Context, tableID int64, syncType models.SyncType) (*models.SyncRun, error)
}

type FlagRepairer interface {
	Repair(ctx context.Context, tableID int64) (service.RepairResult, error)
}

type SchemaEvolver interface {
	RegisterField(ctx context.Context, tableID int64, def models.PendingFieldDefinition) (*models.PendingFieldDefinition, error)
	ApplyPendingFields(ctx context.Context, tableID int64) (service.ApplyResult, error)
}

type ScheduleReader interface {
	GetSchedule(ctx context.Context, tableID int64) (*models.SyncScheduleConfig, error)
	LatestRun(ctx context.Context, tableID int64) (*models.SyncRun, error)
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

type Response struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

// API is the operator surface: run polling, force-termination, manual triggers and schema
// evolution
type API struct {
	baseCtx   context.Context
	monitor   RunMonitor
	trigger   SyncTrigger
	repairer  FlagRepairer
	schema    SchemaEvolver
	schedules ScheduleReader
	checks    map[string]HealthCheck
	loc       *time.Location
	logger    *slog.Logger
	now       func() time.Time
}

type Deps struct {
	Monitor   RunMonitor
	Trigger   SyncTrigger
	Repairer  FlagRepairer
	Schema    SchemaEvolver
	Schedules ScheduleReader
	Checks    map[string]HealthCheck
	Location  *time.Location
}

// NewAPI builds the handler set. baseCtx outlives requests and bounds manual runs.
func NewAPI(baseCtx context.Context, deps Deps, logger *slog.Logger) *API {
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	return &API{
		baseCtx:   baseCtx,
		monitor:   deps.Monitor,
		trigger:   deps.Trigger,
		repairer:  deps.Repairer,
		schema:    deps.Schema,
		schedules: deps.Schedules,
		checks:    deps.Checks,
		loc:       loc,
		logger:    logger,
		now:       time.Now,
	}
}

// Routes registers every endpoint, /metrics included
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", a.health)

	mux.HandleFunc("GET /api/tables/{id}/runs/latest", a.latestRun)
	mux.HandleFunc("GET /api/runs/{id}", a.getRun)
	mux.HandleFunc("POST /api/runs/{id}/terminate", a.terminateRun)
	mux.HandleFunc("POST /api/tables/{id}/sync", a.startSync)
	mux.HandleFunc("POST /api/tables/{id}/repair", a.repair)
	mux.HandleFunc("POST /api/tables/{id}/fields", a.registerField)
	mux.HandleFunc("POST /api/tables/{id}/fields/apply", a.applyFields)
	mux.HandleFunc("GET /api/tables/{id}/next-due", a.nextDue)
	return mux
}

type latestRunResponse struct {
	Run         *models.SyncRun `json:"run"`
	LongRunning bool            `json:"long_running"`
}

func (a *API) latestRun(w http.ResponseWriter, r *http.Request) {
	tableID, ok := pathID(w, r)
	if !ok {
		return
	}

	run, err := a.monitor.PollLatest(r.Context(), tableID)
	if err != nil {
		a.sendError(w, err)
		return
	}
	if run == nil {
		sendSuccessResponse(w, http.StatusOK, "No runs yet", latestRunResponse{})
		return
	}
	sendSuccessResponse(w, http.StatusOK, "", latestRunResponse{Run: run, LongRunning: a.monitor.IsLongRunning(run, a.now())})
}

func (a *API) getRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r)
	if !ok {
		return
	}

	run, err := a.monitor.GetRun(r.Context(), runID)
	if err != nil {
		a.sendError(w, err)
		return
	}
	sendSuccessResponse(w, http.StatusOK, "", latestRunResponse{Run: run, LongRunning: a.monitor.IsLongRunning(run, a.now())})
}

func (a *API) terminateRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r)
	if !ok {
		return
	}

	run, err := a.monitor.ForceTerminate(r.Context(), runID)
	if err != nil {
		a.sendError(w, err)
		return
	}

	msg := "Run terminated"
	if run.ErrorMessage == nil || *run.ErrorMessage != models.TerminatedByOperator {
		msg = "Run had already finished"
	}
	sendSuccessResponse(w, http.StatusOK, msg, run)
}

type syncOutcome struct {
	run *models.SyncRun
	err error
}

func (a *API) startSync(w http.ResponseWriter, r *http.Request) {
	tableID, ok := pathID(w, r)
	if !ok {
		return
	}

	done := make(chan syncOutcome, 1)
	go func() {
		run, err := a.trigger.RunTable(a.baseCtx, tableID, models.SyncTypeManual)
		if err != nil && !service.IsConflict(err) {
			a.logger.Error("Manual sync failed", "table_id", tableID, "error", err)
		}
		done <- syncOutcome{run: run, err: err}
	}()

	timer := time.NewTimer(manualRunWait)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			a.sendError(w, out.err)
			return
		}
		sendSuccessResponse(w, http.StatusOK, "Sync finished", out.run)
	case <-timer.C:
		sendSuccessResponse(w, http.StatusAccepted, "Sync started, poll the latest run for progress", nil)
	}
}

func (a *API) repair(w http.ResponseWriter, r *http.Request) {
	tableID, ok := pathID(w, r)
	if !ok {
		return
	}

	res, err := a.repairer.Repair(r.Context(), tableID)
	if err != nil {
		a.sendError(w, err)
		return
	}
	sendSuccessResponse(w, http.StatusOK, "Flags repaired", res)
}

func (a *API) registerField(w http.ResponseWriter, r *http.Request) {
	tableID, ok := pathID(w, r)
	if !ok {
		return
	}

	var def models.PendingFieldDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	field, err := a.schema.RegisterField(r.Context(), tableID, def)
	if err != nil {
		a.sendError(w, err)
		return
	}
	sendSuccessResponse(w, http.StatusCreated, "Field registered", field)
}

func (a *API) applyFields(w http.ResponseWriter, r *http.Request) {
	tableID, ok := pathID(w, r)
	if !ok {
		return
	}

	res, err := a.schema.ApplyPendingFields(r.Context(), tableID)
	if err != nil {
		a.sendError(w, err)
		return
	}

	msg := "All pending fields applied"
	if len(res.Errors) > 0 {
		msg = "Some fields failed and stay pending"
	}
	sendSuccessResponse(w, http.StatusOK, msg, res)
}

type nextDueResponse struct {
	Mode       models.ScheduleMode `json:"mode"`
	Enabled    bool                `json:"enabled"`
	LastSyncAt *time.Time          `json:"last_sync_at"`
	NextDue    *time.Time          `json:"next_due"`
	DueNow     bool                `json:"due_now"`
	Problem    string              `json:"problem,omitempty"`
}

func (a *API) nextDue(w http.ResponseWriter, r *http.Request) {
	tableID, ok := pathID(w, r)
	if !ok {
		return
	}

	cfg, err := a.schedules.GetSchedule(r.Context(), tableID)
	if err != nil {
		a.sendError(w, err)
		return
	}
	if cfg == nil {
		sendErrorResponse(w, "Table has no schedule", http.StatusNotFound)
		return
	}

	latest, err := a.schedules.LatestRun(r.Context(), tableID)
	if err != nil {
		a.sendError(w, err)
		return
	}

	resp := nextDueResponse{Mode: cfg.Mode, Enabled: cfg.Enabled}
	if latest != nil {
		resp.LastSyncAt = &latest.StartedAt
	}

	now := a.now().In(a.loc)
	resp.NextDue = scheduler.NextDue(*cfg, resp.LastSyncAt, now)
	resp.DueNow = cfg.Enabled && scheduler.IsDue(*cfg, resp.LastSyncAt, now)
	if err := scheduler.Validate(*cfg); err != nil {
		resp.Problem = err.Error()
	}
	sendSuccessResponse(w, http.StatusOK, "", resp)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := make(map[string]string, len(a.checks))
	healthy := true
	for name, check := range a.checks {
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}

	if !healthy {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(Response{Success: false, Error: "dependency check failed", Data: status})
		return
	}
	sendSuccessResponse(w, http.StatusOK, "Service is running", status)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		sendErrorResponse(w, "Invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (a *API) sendError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		a.logger.Error("Request failed", "error", err)
	}
	sendErrorResponse(w, err.Error(), code)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrTableNotFound), errors.Is(err, models.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrRunInProgress), errors.Is(err, models.ErrApplyInProgress):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidField):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func sendSuccessResponse(w http.ResponseWriter, code int, message string, data any) {
	response := Response{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}

func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	response := Response{
		Success:   false,
		Error:     message,
		Timestamp: time.Now().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

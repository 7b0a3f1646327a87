package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"bringmehome/internal/control"
	"bringmehome/internal/core"
	"bringmehome/internal/db"
	"bringmehome/internal/types"
)

// ControlService is the processor control surface. *control.Service
// satisfies it.
type ControlService interface {
	Get(ctx context.Context) (*control.Status, error)
	Apply(ctx context.Context, action control.Action, actor string) (*types.ProcessorControl, error)
	ListLogs(ctx context.Context, f db.LogFilter) (*control.LogPage, error)
	Purge(ctx context.Context, daysToKeep int) (*control.PurgeResult, error)
}

type controlActionRequest struct {
	Action string `json:"action" validate:"required,oneof=pause resume abort reset"`
}

type logsQuery struct {
	Level string `json:"level" validate:"omitempty,log_level"`
}

type purgeResponse struct {
	Success bool `json:"success"`
	*control.PurgeResult
}

// ProcessorHandler serves the processor control and log endpoints.
type ProcessorHandler struct {
	svc           ControlService
	validator     *core.Validator
	retentionDays int
	logLimit      int
	logger        *slog.Logger
}

// NewProcessorHandler creates a ProcessorHandler. retentionDays and logLimit
// are the defaults for purges and log pages.
func NewProcessorHandler(svc ControlService, v *core.Validator, retentionDays, logLimit int, logger *slog.Logger) *ProcessorHandler {
	if retentionDays <= 0 {
		retentionDays = control.DefaultRetentionDays
	}
	if logLimit <= 0 {
		logLimit = control.DefaultLogLimit
	}
	return &ProcessorHandler{svc: svc, validator: v, retentionDays: retentionDays, logLimit: logLimit, logger: logger}
}

// RegisterRoutes mounts the admin processor routes.
func (h *ProcessorHandler) RegisterRoutes(r chi.Router) {
	r.Get("/admin/emails/processor-control", h.GetControl)
	r.Post("/admin/emails/processor-control", h.PostControl)
	r.Get("/admin/emails/processor-logs", h.ListLogs)
	r.Delete("/admin/emails/processor-logs", h.PurgeLogs)
}

// GetControl returns {control, isRunning}.
func (h *ProcessorHandler) GetControl(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Get(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, status)
}

// PostControl applies pause, resume, abort or reset on behalf of the admin.
func (h *ProcessorHandler) PostControl(w http.ResponseWriter, r *http.Request) {
	var req controlActionRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidAction,
			"action must be one of pause, resume, abort, reset", err, map[string]any{"action": req.Action}))
		return
	}

	actor, _ := types.GetActor(r.Context())
	updated, err := h.svc.Apply(r.Context(), control.Action(req.Action), actor.Label())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "processor control changed",
		slog.String("action", req.Action),
		slog.String("actor", actor.UserID),
	)
	core.JSON(w, r, http.StatusOK, updated)
}

// ListLogs returns a filtered page of processor logs.
func (h *ProcessorHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := h.validator.Struct(logsQuery{Level: q.Get("level")}); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidQuery, "level must be info, warning or error", err))
		return
	}
	limit, err := queryInt(r, "limit", h.logLimit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	page, err := h.svc.ListLogs(r.Context(), db.LogFilter{
		Level:     types.LogLevel(q.Get("level")),
		Category:  q.Get("category"),
		ProcessID: q.Get("processId"),
		BatchID:   q.Get("batchId"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, page)
}

// PurgeLogs deletes, after archiving when configured, logs older than
// ?daysToKeep days.
func (h *ProcessorHandler) PurgeLogs(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "daysToKeep", h.retentionDays)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	res, err := h.svc.Purge(r.Context(), days)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, purgeResponse{Success: true, PurgeResult: res})
}

// Package audithttp exposes the audit trail read endpoints.
package audithttp

import (
	"encoding/csv"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fleetgate/fleetgate/internal/audit"
	"github.com/fleetgate/fleetgate/internal/platform/httpx"
	"github.com/fleetgate/fleetgate/internal/rbac"
)

// PermAuditView guards the audit trail endpoints.
const PermAuditView = "audit:view"

// Handler serves timeline listing and CSV export.
type Handler struct {
	logger  *slog.Logger
	service *audit.Service
	mw      rbac.Middleware
}

// NewHandler builds the audit HTTP handler.
func NewHandler(logger *slog.Logger, service *audit.Service, mw rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, mw: mw}
}

// MountRoutes registers the audit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.mw.Require(rbac.Requirement{AnyOf: []string{PermAuditView}}))
		r.Get("/audit-logs", h.timeline)
		r.Get("/audit-logs/export", h.export)
	})
}

func parseFilters(r *http.Request) audit.Filters {
	q := r.URL.Query()
	filters := audit.Filters{
		ActorID:    q.Get("actor"),
		TargetType: q.Get("targetType"),
		Action:     q.Get("action"),
	}
	if from, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		filters.From = from
	}
	if to, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		filters.To = to
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		filters.Page = page
	}
	if size, err := strconv.Atoi(q.Get("pageSize")); err == nil {
		filters.PageSize = size
	}
	return filters
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Timeline(r.Context(), parseFilters(r))
	if err != nil {
		h.logger.Error("audit timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.Export(r.Context(), parseFilters(r))
	if err != nil {
		h.logger.Error("audit export", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-logs.csv"`)
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"occurred_at", "actor_id", "action", "target_type", "target_id", "request_id", "ip", "before", "after"})
	for _, rec := range records {
		_ = writer.Write([]string{
			rec.OccurredAt.UTC().Format(time.RFC3339),
			rec.ActorID,
			string(rec.Action),
			string(rec.TargetType),
			rec.TargetID,
			rec.RequestID,
			rec.IPAddress,
			string(rec.Before),
			string(rec.After),
		})
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		h.logger.Error("audit export flush", slog.Any("error", err))
	}
}

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/maplemarket/api/internal/domain"
	"github.com/maplemarket/api/internal/platform/auth"
	"github.com/maplemarket/api/internal/platform/httpx"
	"github.com/maplemarket/api/internal/repositories"
	"github.com/maplemarket/api/internal/services"
)

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 200
)

// AdminHandlers exposes the admin dashboard and audit trail endpoints.
type AdminHandlers struct {
	authn      *auth.Authenticator
	analytics  services.AnalyticsService
	audit      services.AuditLogService
	promotions *PromotionHandlers
}

// NewAdminHandlers constructs admin handlers.
func NewAdminHandlers(authn *auth.Authenticator, analytics services.AnalyticsService, audit services.AuditLogService, promotions *PromotionHandlers) *AdminHandlers {
	return &AdminHandlers{
		authn:      authn,
		analytics:  analytics,
		audit:      audit,
		promotions: promotions,
	}
}

// Routes registers admin endpoints under the provided router.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(auth.RoleAdmin))
	}
	r.Get("/stats", h.platformStats)
	r.Get("/audit-logs", h.listAuditLogs)
	if h.promotions != nil {
		h.promotions.AdminRoutes(r)
	}
}

type platformStatsPayload struct {
	TotalOrders     int            `json:"total_orders"`
	TotalRevenue    int64          `json:"total_revenue"`
	OrdersByStatus  map[string]int `json:"orders_by_status"`
	RefundsByStatus map[string]int `json:"refunds_by_status"`
	PendingRefunds  int            `json:"pending_refunds"`
}

type auditLogPayload struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actor_id"`
	ActorRole  string         `json:"actor_role"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type,omitempty"`
	TargetID   string         `json:"target_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

type auditLogListResponse struct {
	Items         []auditLogPayload `json:"items"`
	NextPageToken string            `json:"next_page_token,omitempty"`
}

func (h *AdminHandlers) platformStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.analytics == nil {
		httpx.WriteError(ctx, w, httpx.NewError("analytics_unavailable", "analytics service unavailable", http.StatusServiceUnavailable))
		return
	}

	stats, err := h.analytics.PlatformStats(ctx)
	if err != nil {
		writeAnalyticsError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPlatformStatsPayload(stats))
}

func (h *AdminHandlers) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.audit == nil {
		httpx.WriteError(ctx, w, httpx.NewError("audit_unavailable", "audit log service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	pageSize, err := parsePageSize(query.Get("page_size"), defaultAuditPageSize, maxAuditPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := repositories.AuditLogFilter{
		ActorID:  strings.TrimSpace(query.Get("actor_id")),
		Action:   strings.TrimSpace(query.Get("action")),
		TargetID: strings.TrimSpace(query.Get("target_id")),
		Pagination: domain.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		filter.DateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		filter.DateRange.To = &ts
	}

	page, err := h.audit.List(ctx, filter)
	if err != nil {
		writeRepositoryError(ctx, w, err, "audit_error", "failed to list audit logs")
		return
	}

	items := make([]auditLogPayload, 0, len(page.Items))
	for _, entry := range page.Items {
		items = append(items, auditLogPayload{
			ID:         entry.ID,
			ActorID:    entry.ActorID,
			ActorRole:  entry.ActorRole,
			Action:     entry.Action,
			TargetType: entry.TargetType,
			TargetID:   entry.TargetID,
			Metadata:   entry.Metadata,
			CreatedAt:  formatTime(entry.CreatedAt),
		})
	}
	writeJSONResponse(w, http.StatusOK, auditLogListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func buildPlatformStatsPayload(stats domain.PlatformStats) platformStatsPayload {
	byStatus := make(map[string]int, len(stats.OrdersByStatus))
	for status, count := range stats.OrdersByStatus {
		byStatus[string(status)] = count
	}
	byRefund := make(map[string]int, len(stats.RefundsByStatus))
	for status, count := range stats.RefundsByStatus {
		byRefund[string(status)] = count
	}
	return platformStatsPayload{
		TotalOrders:     stats.TotalOrders,
		TotalRevenue:    stats.TotalRevenue,
		OrdersByStatus:  byStatus,
		RefundsByStatus: byRefund,
		PendingRefunds:  stats.PendingRefunds,
	}
}

func writeAnalyticsError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrAnalyticsForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "role does not permit this report", http.StatusForbidden))
	case errors.Is(err, services.ErrAnalyticsInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		writeRepositoryError(ctx, w, err, "analytics_error", "failed to build report")
	}
}

package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/maplemarket/api/internal/domain"
	"github.com/maplemarket/api/internal/platform/auth"
	"github.com/maplemarket/api/internal/platform/httpx"
	"github.com/maplemarket/api/internal/services"
)

const (
	maxSellerOrderBodySize = 8 * 1024
	maxBulkUpdateOrders    = 100
)

// SellerOrderHandlers exposes fulfillment, refund, analytics, and export
// endpoints to sellers and admins.
type SellerOrderHandlers struct {
	authn     *auth.Authenticator
	orders    services.OrderService
	analytics services.AnalyticsService
}

// NewSellerOrderHandlers constructs seller order handlers.
func NewSellerOrderHandlers(authn *auth.Authenticator, orders services.OrderService, analytics services.AnalyticsService) *SellerOrderHandlers {
	return &SellerOrderHandlers{
		authn:     authn,
		orders:    orders,
		analytics: analytics,
	}
}

// Routes registers seller endpoints under the provided router.
func (h *SellerOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(auth.RoleSeller, auth.RoleAdmin))
	}
	r.Get("/orders", h.listOrders)
	r.Get("/orders:export", h.exportOrders)
	r.Post("/orders:bulkUpdateStatus", h.bulkUpdateStatus)
	r.Post("/orders/{orderID}:updateStatus", h.updateStatus)
	r.Post("/orders/{orderID}:updateTracking", h.updateTracking)
	r.Post("/orders/{orderID}:adjudicateRefund", h.adjudicateRefund)
	r.Post("/orders/{orderID}:completeRefund", h.completeRefund)
	r.Get("/analytics", h.sellerAnalytics)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type updateTrackingRequest struct {
	TrackingNumber *string `json:"tracking_number"`
	SellerNotes    *string `json:"seller_notes"`
}

type bulkUpdateStatusRequest struct {
	OrderIDs []string `json:"order_ids"`
	Status   string   `json:"status"`
}

type bulkUpdateResultPayload struct {
	OrderID string        `json:"order_id"`
	Order   *orderPayload `json:"order,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type bulkUpdateResponse struct {
	Results []bulkUpdateResultPayload `json:"results"`
}

type adjudicateRefundRequest struct {
	Decision string `json:"decision"`
	Notes    string `json:"notes"`
}

func (h *SellerOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	filter, err := parseOrderListQuery(r, defaultOrderListPageSize, maxOrderListPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListSellerOrders(ctx, actorFromIdentity(identity), filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *SellerOrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req updateStatusRequest
	if err := decodeJSONBody(r, maxSellerOrderBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	order, err := h.orders.UpdateStatus(ctx, services.UpdateOrderStatusCommand{
		OrderID:      orderID,
		Actor:        actorFromIdentity(identity),
		TargetStatus: status,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *SellerOrderHandlers) updateTracking(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req updateTrackingRequest
	if err := decodeJSONBody(r, maxSellerOrderBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.orders.UpdateTracking(ctx, services.UpdateTrackingCommand{
		OrderID:        orderID,
		Actor:          actorFromIdentity(identity),
		TrackingNumber: req.TrackingNumber,
		SellerNotes:    req.SellerNotes,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *SellerOrderHandlers) bulkUpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req bulkUpdateStatusRequest
	if err := decodeJSONBody(r, maxSellerOrderBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if len(req.OrderIDs) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_ids is required", http.StatusBadRequest))
		return
	}
	if len(req.OrderIDs) > maxBulkUpdateOrders {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("at most %d orders per bulk update", maxBulkUpdateOrders), http.StatusBadRequest))
		return
	}

	status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	results, err := h.orders.BulkUpdateStatus(ctx, services.BulkUpdateStatusCommand{
		OrderIDs:     req.OrderIDs,
		Actor:        actorFromIdentity(identity),
		TargetStatus: status,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	payload := bulkUpdateResponse{Results: make([]bulkUpdateResultPayload, 0, len(results))}
	for _, result := range results {
		entry := bulkUpdateResultPayload{OrderID: result.OrderID}
		if result.Order != nil {
			order := buildOrderPayload(*result.Order)
			entry.Order = &order
		}
		if result.Err != nil {
			entry.Error = bulkErrorCode(result.Err)
		}
		payload.Results = append(payload.Results, entry)
	}
	// 200 even on partial failure; the per-order entries carry the outcome.
	writeJSONResponse(w, http.StatusOK, payload)
}

func bulkErrorCode(err error) string {
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, services.ErrOrderForbidden):
		return "forbidden"
	case errors.Is(err, services.ErrOrderInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, services.ErrOrderConflict):
		return "order_conflict"
	default:
		return "order_error"
	}
}

func (h *SellerOrderHandlers) adjudicateRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req adjudicateRefundRequest
	if err := decodeJSONBody(r, maxSellerOrderBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.orders.AdjudicateRefund(ctx, services.AdjudicateRefundCommand{
		OrderID:  orderID,
		Actor:    actorFromIdentity(identity),
		Decision: services.RefundDecision(strings.ToLower(strings.TrimSpace(req.Decision))),
		Notes:    req.Notes,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *SellerOrderHandlers) completeRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.CompleteRefund(ctx, services.CompleteRefundCommand{
		OrderID: orderID,
		Actor:   actorFromIdentity(identity),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *SellerOrderHandlers) sellerAnalytics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.analytics == nil {
		httpx.WriteError(ctx, w, httpx.NewError("analytics_unavailable", "analytics service unavailable", http.StatusServiceUnavailable))
		return
	}

	report, err := h.analytics.SellerAnalytics(ctx, actorFromIdentity(identity))
	if err != nil {
		writeAnalyticsError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildSellerAnalyticsPayload(report))
}

func (h *SellerOrderHandlers) exportOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.analytics == nil {
		httpx.WriteError(ctx, w, httpx.NewError("analytics_unavailable", "analytics service unavailable", http.StatusServiceUnavailable))
		return
	}

	filter, err := parseOrderListQuery(r, defaultOrderListPageSize, maxOrderListPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="orders.csv"`)
	if err := h.analytics.ExportSellerOrdersCSV(ctx, actorFromIdentity(identity), filter, w); err != nil {
		// Headers may already be out; nothing useful left to write.
		return
	}
}

type monthlyRevenuePayload struct {
	Month   string `json:"month"`
	Revenue int64  `json:"revenue"`
	Orders  int    `json:"orders"`
}

type productSalesPayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Units     int    `json:"units"`
	Revenue   int64  `json:"revenue"`
}

type sellerAnalyticsPayload struct {
	TotalRevenue      int64                   `json:"total_revenue"`
	TotalOrders       int                     `json:"total_orders"`
	CompletedOrders   int                     `json:"completed_orders"`
	PendingOrders     int                     `json:"pending_orders"`
	CancelledOrders   int                     `json:"cancelled_orders"`
	AverageOrderValue int64                   `json:"average_order_value"`
	RevenueByMonth    []monthlyRevenuePayload `json:"revenue_by_month"`
	TopProducts       []productSalesPayload   `json:"top_products"`
}

func buildSellerAnalyticsPayload(report domain.SellerAnalytics) sellerAnalyticsPayload {
	months := make([]monthlyRevenuePayload, 0, len(report.RevenueByMonth))
	for _, month := range report.RevenueByMonth {
		months = append(months, monthlyRevenuePayload{
			Month:   month.Month,
			Revenue: month.Revenue,
			Orders:  month.Orders,
		})
	}
	products := make([]productSalesPayload, 0, len(report.TopProducts))
	for _, product := range report.TopProducts {
		products = append(products, productSalesPayload{
			ProductID: product.ProductID,
			Name:      product.Name,
			Units:     product.Units,
			Revenue:   product.Revenue,
		})
	}
	return sellerAnalyticsPayload{
		TotalRevenue:      report.TotalRevenue,
		TotalOrders:       report.TotalOrders,
		CompletedOrders:   report.CompletedOrders,
		PendingOrders:     report.PendingOrders,
		CancelledOrders:   report.CancelledOrders,
		AverageOrderValue: report.AverageOrderValue,
		RevenueByMonth:    months,
		TopProducts:       products,
	}
}

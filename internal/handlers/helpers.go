package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	domain "github.com/maplemarket/api/internal/domain"
	"github.com/maplemarket/api/internal/platform/auth"
	"github.com/maplemarket/api/internal/platform/httpx"
	"github.com/maplemarket/api/internal/repositories"
	"github.com/maplemarket/api/internal/services"
)

var (
	errEmptyBody    = errors.New("request body is empty")
	errBodyTooLarge = errors.New("request body exceeds limit")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = 4 * 1024
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func decodeJSONBody(r *http.Request, limit int64, dst any) error {
	data, err := readLimitedBody(r, limit)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.New("request body must be valid JSON")
	}
	return nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, errBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
}

// requireIdentity extracts the authenticated identity or writes a 401.
func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func actorFromIdentity(identity *auth.Identity) services.Actor {
	if identity == nil {
		return services.Actor{}
	}
	return services.Actor{
		ID:    strings.TrimSpace(identity.UID),
		Roles: identity.Roles,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func parseFilterValues(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			value := strings.ToLower(strings.TrimSpace(part))
			if value == "" {
				continue
			}
			if _, ok := seen[value]; ok {
				continue
			}
			seen[value] = struct{}{}
			out = append(out, value)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseTimeParam(raw string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

func parsePageSize(raw string, fallback, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	size, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("page_size must be an integer")
	}
	switch {
	case size <= 0:
		return fallback, nil
	case size > max:
		return max, nil
	default:
		return size, nil
	}
}

// parseOrderListQuery reads the shared order-list filter parameters.
func parseOrderListQuery(r *http.Request, defaultPageSize, maxPageSize int) (services.OrderListQuery, error) {
	query := r.URL.Query()

	filter := services.OrderListQuery{
		Search:       strings.TrimSpace(query.Get("search")),
		Status:       parseFilterValues(query["status"]),
		RefundStatus: parseFilterValues(query["refund_status"]),
	}

	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return services.OrderListQuery{}, errors.New("created_after must be a valid RFC3339 timestamp")
		}
		filter.DateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return services.OrderListQuery{}, errors.New("created_before must be a valid RFC3339 timestamp")
		}
		filter.DateRange.To = &ts
	}

	pageSize, err := parsePageSize(query.Get("page_size"), defaultPageSize, maxPageSize)
	if err != nil {
		return services.OrderListQuery{}, err
	}
	filter.Pagination = services.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(query.Get("page_token")),
	}
	return filter, nil
}

// Order payloads ------------------------------------------------------------

type orderItemPayload struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	StoreID     string `json:"store_id"`
	Name        string `json:"name"`
	Quantity    int    `json:"quantity"`
	PriceAtTime int64  `json:"price_at_time"`
	LineTotal   int64  `json:"line_total"`
}

type orderPayload struct {
	ID                 string             `json:"id"`
	OrderNumber        string             `json:"order_number"`
	UserID             string             `json:"user_id"`
	Status             string             `json:"status"`
	RefundStatus       string             `json:"refund_status"`
	Currency           string             `json:"currency"`
	Subtotal           int64              `json:"subtotal"`
	Discount           int64              `json:"discount"`
	Total              int64              `json:"total"`
	PromoCode          string             `json:"promo_code,omitempty"`
	Items              []orderItemPayload `json:"items"`
	StoreIDs           []string           `json:"store_ids"`
	ShippingAddress    string             `json:"shipping_address"`
	TrackingNumber     string             `json:"tracking_number,omitempty"`
	SellerNotes        string             `json:"seller_notes,omitempty"`
	CancellationReason string             `json:"cancellation_reason,omitempty"`
	RefundNotes        string             `json:"refund_notes,omitempty"`
	CreatedAt          string             `json:"created_at"`
	UpdatedAt          string             `json:"updated_at"`
	PlacedAt           string             `json:"placed_at,omitempty"`
	ShippedAt          string             `json:"shipped_at,omitempty"`
	DeliveredAt        string             `json:"delivered_at,omitempty"`
	CancelledAt        string             `json:"cancelled_at,omitempty"`
	RefundRequestedAt  string             `json:"refund_requested_at,omitempty"`
	RefundResolvedAt   string             `json:"refund_resolved_at,omitempty"`
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

func buildOrderPayload(order domain.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ID:          item.ID,
			ProductID:   item.ProductID,
			StoreID:     item.StoreID,
			Name:        item.Name,
			Quantity:    item.Quantity,
			PriceAtTime: item.PriceAtTime,
			LineTotal:   item.LineTotal,
		})
	}

	return orderPayload{
		ID:                 order.ID,
		OrderNumber:        order.OrderNumber,
		UserID:             order.UserID,
		Status:             string(order.Status),
		RefundStatus:       string(order.RefundStatus),
		Currency:           order.Currency,
		Subtotal:           order.Subtotal,
		Discount:           order.Discount,
		Total:              order.Total,
		PromoCode:          stringOrEmpty(order.PromoCode),
		Items:              items,
		StoreIDs:           order.StoreIDs,
		ShippingAddress:    order.ShippingAddress,
		TrackingNumber:     stringOrEmpty(order.TrackingNumber),
		SellerNotes:        stringOrEmpty(order.SellerNotes),
		CancellationReason: stringOrEmpty(order.CancellationReason),
		RefundNotes:        stringOrEmpty(order.RefundNotes),
		CreatedAt:          formatTime(order.CreatedAt),
		UpdatedAt:          formatTime(order.UpdatedAt),
		PlacedAt:           formatTimePtr(order.PlacedAt),
		ShippedAt:          formatTimePtr(order.ShippedAt),
		DeliveredAt:        formatTimePtr(order.DeliveredAt),
		CancelledAt:        formatTimePtr(order.CancelledAt),
		RefundRequestedAt:  formatTimePtr(order.RefundRequestedAt),
		RefundResolvedAt:   formatTimePtr(order.RefundResolvedAt),
	}
}

func buildOrderListResponse(page domain.CursorPage[domain.Order]) orderListResponse {
	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderPayload(order))
	}
	return orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	}
}

// writeOrderError maps order service errors onto the JSON error envelope.
func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not allowed to access this order", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderCancellationClosed):
		httpx.WriteError(ctx, w, httpx.NewError("cancellation_closed", "order can no longer be cancelled", http.StatusConflict))
	case errors.Is(err, services.ErrOrderRefundAlreadyRequested):
		httpx.WriteError(ctx, w, httpx.NewError("refund_already_requested", "a refund request is already on file", http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidRefundState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_refund_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order changed concurrently; retry", http.StatusConflict))
	default:
		writeRepositoryError(ctx, w, err, "order_error", "failed to process order request")
	}
}

func writeRepositoryError(ctx context.Context, w http.ResponseWriter, err error, fallbackCode, fallbackMessage string) {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			httpx.WriteError(ctx, w, httpx.NewError("not_found", "resource not found", http.StatusNotFound))
			return
		case repoErr.IsConflict():
			httpx.WriteError(ctx, w, httpx.NewError("conflict", "resource changed concurrently; retry", http.StatusConflict))
			return
		case repoErr.IsUnavailable():
			httpx.WriteError(ctx, w, httpx.NewError("unavailable", "storage temporarily unavailable", http.StatusServiceUnavailable))
			return
		}
	}
	httpx.WriteError(ctx, w, httpx.NewError(fallbackCode, fallbackMessage, http.StatusInternalServerError))
}

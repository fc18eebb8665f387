package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/maplemarket/api/internal/domain"
	"github.com/maplemarket/api/internal/platform/auth"
	"github.com/maplemarket/api/internal/platform/httpx"
	"github.com/maplemarket/api/internal/services"
)

const (
	maxPromotionBodySize     = 8 * 1024
	defaultPromotionPageSize = 20
	maxPromotionPageSize     = 100

	evaluateRateLimit  = 30
	evaluateRateWindow = time.Minute
)

// PromotionHandlers exposes the public promotion check plus admin CRUD.
type PromotionHandlers struct {
	authn      *auth.Authenticator
	promotions services.PromotionService
	limiter    rateLimiter
}

// NewPromotionHandlers constructs promotion handlers. The public evaluation
// endpoint is rate limited per client IP since it runs unauthenticated.
func NewPromotionHandlers(authn *auth.Authenticator, promotions services.PromotionService) *PromotionHandlers {
	return &PromotionHandlers{
		authn:      authn,
		promotions: promotions,
		limiter:    newSimpleRateLimiter(evaluateRateLimit, evaluateRateWindow, time.Now),
	}
}

// PublicRoutes registers the unauthenticated promotion evaluation endpoint.
func (h *PromotionHandlers) PublicRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/promotions/{code}:evaluate", h.evaluate)
}

// AdminRoutes registers the admin promotion management endpoints.
func (h *PromotionHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/promotions", h.listPromotions)
	r.Post("/promotions", h.createPromotion)
	r.Put("/promotions/{promotionID}", h.updatePromotion)
	r.Delete("/promotions/{promotionID}", h.deletePromotion)
}

type promotionQuotePayload struct {
	Code           string `json:"code"`
	Valid          bool   `json:"valid"`
	DiscountAmount int64  `json:"discount_amount"`
	Message        string `json:"message,omitempty"`
}

type promotionPayload struct {
	ID                string `json:"id"`
	Code              string `json:"code"`
	Description       string `json:"description,omitempty"`
	DiscountType      string `json:"discount_type"`
	DiscountValue     int64  `json:"discount_value"`
	MinPurchaseAmount int64  `json:"min_purchase_amount"`
	MaxDiscountAmount *int64 `json:"max_discount_amount,omitempty"`
	UsageLimit        *int   `json:"usage_limit,omitempty"`
	UsageCount        int    `json:"usage_count"`
	ValidFrom         string `json:"valid_from"`
	ValidUntil        string `json:"valid_until,omitempty"`
	IsActive          bool   `json:"is_active"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

type promotionListResponse struct {
	Items         []promotionPayload `json:"items"`
	NextPageToken string             `json:"next_page_token,omitempty"`
}

type upsertPromotionRequest struct {
	Code              string `json:"code"`
	Description       string `json:"description"`
	DiscountType      string `json:"discount_type"`
	DiscountValue     int64  `json:"discount_value"`
	MinPurchaseAmount int64  `json:"min_purchase_amount"`
	MaxDiscountAmount *int64 `json:"max_discount_amount"`
	UsageLimit        *int   `json:"usage_limit"`
	ValidFrom         string `json:"valid_from"`
	ValidUntil        string `json:"valid_until"`
	IsActive          bool   `json:"is_active"`
}

func (h *PromotionHandlers) evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.limiter != nil && !h.limiter.Allow(clientKey(r.RemoteAddr)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many evaluation requests; slow down", http.StatusTooManyRequests))
		return
	}

	code := strings.TrimSpace(chi.URLParam(r, "code"))
	if code == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "promotion code is required", http.StatusBadRequest))
		return
	}

	totalRaw := strings.TrimSpace(r.URL.Query().Get("total"))
	if totalRaw == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "total query parameter is required", http.StatusBadRequest))
		return
	}
	total, err := strconv.ParseInt(totalRaw, 10, 64)
	if err != nil || total < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "total must be a non-negative integer", http.StatusBadRequest))
		return
	}

	quote, err := h.promotions.Evaluate(ctx, code, total)
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, promotionQuotePayload{
		Code:           quote.Code,
		Valid:          quote.Valid,
		DiscountAmount: quote.DiscountAmount,
		Message:        quote.Message,
	})
}

func (h *PromotionHandlers) listPromotions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	query := r.URL.Query()
	pageSize, err := parsePageSize(query.Get("page_size"), defaultPromotionPageSize, maxPromotionPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.promotions.ListPromotions(ctx, services.PromotionListFilter{
		ActiveOnly: strings.EqualFold(strings.TrimSpace(query.Get("active")), "true"),
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	})
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}

	items := make([]promotionPayload, 0, len(page.Items))
	for _, promotion := range page.Items {
		items = append(items, buildPromotionPayload(promotion))
	}
	writeJSONResponse(w, http.StatusOK, promotionListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *PromotionHandlers) createPromotion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	cmd, ok := h.decodeUpsertCommand(ctx, w, r, "")
	if !ok {
		return
	}
	cmd.ActorID = identity.UID

	promotion, err := h.promotions.CreatePromotion(ctx, cmd)
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, buildPromotionPayload(promotion))
}

func (h *PromotionHandlers) updatePromotion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	promotionID := strings.TrimSpace(chi.URLParam(r, "promotionID"))
	if promotionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "promotion id is required", http.StatusBadRequest))
		return
	}

	cmd, ok := h.decodeUpsertCommand(ctx, w, r, promotionID)
	if !ok {
		return
	}
	cmd.ActorID = identity.UID

	promotion, err := h.promotions.UpdatePromotion(ctx, cmd)
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPromotionPayload(promotion))
}

func (h *PromotionHandlers) deletePromotion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	promotionID := strings.TrimSpace(chi.URLParam(r, "promotionID"))
	if promotionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "promotion id is required", http.StatusBadRequest))
		return
	}

	if err := h.promotions.DeletePromotion(ctx, promotionID); err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PromotionHandlers) decodeUpsertCommand(ctx context.Context, w http.ResponseWriter, r *http.Request, promotionID string) (services.UpsertPromotionCommand, bool) {
	var req upsertPromotionRequest
	if err := decodeJSONBody(r, maxPromotionBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return services.UpsertPromotionCommand{}, false
	}

	cmd := services.UpsertPromotionCommand{
		PromotionID:       promotionID,
		Code:              strings.TrimSpace(req.Code),
		Description:       strings.TrimSpace(req.Description),
		DiscountType:      domain.DiscountType(strings.ToLower(strings.TrimSpace(req.DiscountType))),
		DiscountValue:     req.DiscountValue,
		MinPurchaseAmount: req.MinPurchaseAmount,
		MaxDiscountAmount: req.MaxDiscountAmount,
		UsageLimit:        req.UsageLimit,
		IsActive:          req.IsActive,
	}

	if raw := strings.TrimSpace(req.ValidFrom); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "valid_from must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return services.UpsertPromotionCommand{}, false
		}
		cmd.ValidFrom = ts.UTC()
	}
	if raw := strings.TrimSpace(req.ValidUntil); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "valid_until must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return services.UpsertPromotionCommand{}, false
		}
		until := ts.UTC()
		cmd.ValidUntil = &until
	}
	return cmd, true
}

// clientKey reduces a RemoteAddr to its host so every connection from the
// same client shares one rate-limit window. RealIP middleware has already
// rewritten the address when forwarding headers are present.
func clientKey(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil && host != "" {
		return host
	}
	return remoteAddr
}

func buildPromotionPayload(promotion domain.Promotion) promotionPayload {
	payload := promotionPayload{
		ID:                promotion.ID,
		Code:              promotion.Code,
		Description:       promotion.Description,
		DiscountType:      string(promotion.DiscountType),
		DiscountValue:     promotion.DiscountValue,
		MinPurchaseAmount: promotion.MinPurchaseAmount,
		MaxDiscountAmount: promotion.MaxDiscountAmount,
		UsageLimit:        promotion.UsageLimit,
		UsageCount:        promotion.UsageCount,
		ValidFrom:         formatTime(promotion.ValidFrom),
		IsActive:          promotion.IsActive,
		CreatedAt:         formatTime(promotion.CreatedAt),
		UpdatedAt:         formatTime(promotion.UpdatedAt),
	}
	if promotion.ValidUntil != nil {
		payload.ValidUntil = formatTime(*promotion.ValidUntil)
	}
	return payload
}

func writePromotionError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPromotionInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPromotionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("promotion_not_found", "promotion not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPromotionConflict):
		httpx.WriteError(ctx, w, httpx.NewError("promotion_conflict", "promotion code already exists", http.StatusConflict))
	default:
		writeRepositoryError(ctx, w, err, "promotion_error", "failed to process promotion request")
	}
}

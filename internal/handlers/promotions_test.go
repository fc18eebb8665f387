package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/maplemarket/api/internal/domain"
	"github.com/maplemarket/api/internal/services"
)

type stubPromotionService struct {
	evaluate func(ctx context.Context, code string, cartTotal int64) (domain.PromotionQuote, error)
	create   func(ctx context.Context, cmd services.UpsertPromotionCommand) (domain.Promotion, error)
	update   func(ctx context.Context, cmd services.UpsertPromotionCommand) (domain.Promotion, error)
	remove   func(ctx context.Context, promotionID string) error
	list     func(ctx context.Context, filter services.PromotionListFilter) (domain.CursorPage[domain.Promotion], error)
}

func (s *stubPromotionService) Evaluate(ctx context.Context, code string, cartTotal int64) (domain.PromotionQuote, error) {
	return s.evaluate(ctx, code, cartTotal)
}

func (s *stubPromotionService) CreatePromotion(ctx context.Context, cmd services.UpsertPromotionCommand) (domain.Promotion, error) {
	return s.create(ctx, cmd)
}

func (s *stubPromotionService) UpdatePromotion(ctx context.Context, cmd services.UpsertPromotionCommand) (domain.Promotion, error) {
	return s.update(ctx, cmd)
}

func (s *stubPromotionService) DeletePromotion(ctx context.Context, promotionID string) error {
	return s.remove(ctx, promotionID)
}

func (s *stubPromotionService) ListPromotions(ctx context.Context, filter services.PromotionListFilter) (domain.CursorPage[domain.Promotion], error) {
	return s.list(ctx, filter)
}

func testPromotion() domain.Promotion {
	created := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	return domain.Promotion{
		ID:                "promo_1",
		Code:              "WELCOME10",
		Description:       "10% off your first order",
		DiscountType:      domain.DiscountTypePercentage,
		DiscountValue:     10,
		MinPurchaseAmount: 1000,
		ValidFrom:         created,
		IsActive:          true,
		CreatedAt:         created,
		UpdatedAt:         created,
	}
}

func newPublicPromotionRouter(svc services.PromotionService) (*PromotionHandlers, chi.Router) {
	handlers := NewPromotionHandlers(nil, svc)
	r := chi.NewRouter()
	handlers.PublicRoutes(r)
	return handlers, r
}

func newAdminPromotionRouter(svc services.PromotionService) chi.Router {
	handlers := NewPromotionHandlers(nil, svc)
	r := chi.NewRouter()
	handlers.AdminRoutes(r)
	return r
}

func TestEvaluateReturnsQuote(t *testing.T) {
	var capturedCode string
	var capturedTotal int64
	svc := &stubPromotionService{
		evaluate: func(_ context.Context, code string, cartTotal int64) (domain.PromotionQuote, error) {
			capturedCode = code
			capturedTotal = cartTotal
			return domain.PromotionQuote{Code: code, Valid: true, DiscountAmount: 500}, nil
		},
	}

	_, router := newPublicPromotionRouter(svc)
	req := httptest.NewRequest(http.MethodGet, "/promotions/WELCOME10:evaluate?total=5000", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if capturedCode != "WELCOME10" || capturedTotal != 5000 {
		t.Fatalf("unexpected evaluation args %q/%d", capturedCode, capturedTotal)
	}

	var payload promotionQuotePayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !payload.Valid || payload.DiscountAmount != 500 {
		t.Fatalf("unexpected quote %+v", payload)
	}
}

func TestEvaluateReportsInvalidCodeWithoutError(t *testing.T) {
	svc := &stubPromotionService{
		evaluate: func(_ context.Context, code string, _ int64) (domain.PromotionQuote, error) {
			return domain.PromotionQuote{Code: code, Valid: false, Message: "promotion has expired"}, nil
		},
	}

	_, router := newPublicPromotionRouter(svc)
	req := httptest.NewRequest(http.MethodGet, "/promotions/EXPIRED:evaluate?total=5000", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload promotionQuotePayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Valid || payload.Message != "promotion has expired" {
		t.Fatalf("unexpected quote %+v", payload)
	}
}

func TestEvaluateRejectsMissingTotal(t *testing.T) {
	svc := &stubPromotionService{
		evaluate: func(context.Context, string, int64) (domain.PromotionQuote, error) {
			t.Fatal("service must not be called")
			return domain.PromotionQuote{}, nil
		},
	}

	_, router := newPublicPromotionRouter(svc)
	for _, target := range []string{
		"/promotions/WELCOME10:evaluate",
		"/promotions/WELCOME10:evaluate?total=-1",
		"/promotions/WELCOME10:evaluate?total=abc",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
	}
}

func TestEvaluateRateLimitsPerClient(t *testing.T) {
	svc := &stubPromotionService{
		evaluate: func(_ context.Context, code string, _ int64) (domain.PromotionQuote, error) {
			return domain.PromotionQuote{Code: code, Valid: true}, nil
		},
	}

	handlers, router := newPublicPromotionRouter(svc)
	handlers.limiter = newSimpleRateLimiter(2, time.Minute, time.Now)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/promotions/WELCOME10:evaluate?total=5000", nil)
		req.RemoteAddr = "203.0.113.7:1234"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	// A fresh connection from the same host shares the window; the ephemeral
	// port must not grant a new one.
	req := httptest.NewRequest(http.MethodGet, "/promotions/WELCOME10:evaluate?total=5000", nil)
	req.RemoteAddr = "203.0.113.7:55678"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after limit, got %d", rec.Code)
	}

	// Another client is unaffected.
	req = httptest.NewRequest(http.MethodGet, "/promotions/WELCOME10:evaluate?total=5000", nil)
	req.RemoteAddr = "198.51.100.9:4321"
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a different client, got %d", rec.Code)
	}
}

func TestCreatePromotionForwardsCommand(t *testing.T) {
	var captured services.UpsertPromotionCommand
	svc := &stubPromotionService{
		create: func(_ context.Context, cmd services.UpsertPromotionCommand) (domain.Promotion, error) {
			captured = cmd
			return testPromotion(), nil
		},
	}

	body := strings.NewReader(`{
		"code":"WELCOME10",
		"description":"10% off your first order",
		"discount_type":"Percentage",
		"discount_value":10,
		"min_purchase_amount":1000,
		"valid_from":"2025-04-01T00:00:00Z",
		"valid_until":"2025-12-31T23:59:59Z",
		"is_active":true
	}`)
	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/promotions", body), "admin-1", "admin")
	rec := httptest.NewRecorder()
	newAdminPromotionRouter(svc).ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.Code != "WELCOME10" || captured.DiscountType != domain.DiscountTypePercentage {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.ActorID != "admin-1" {
		t.Fatalf("unexpected actor %q", captured.ActorID)
	}
	if captured.ValidFrom.IsZero() || captured.ValidUntil == nil {
		t.Fatalf("expected validity window to be parsed: %+v", captured)
	}
}

func TestCreatePromotionRejectsBadTimestamp(t *testing.T) {
	svc := &stubPromotionService{
		create: func(context.Context, services.UpsertPromotionCommand) (domain.Promotion, error) {
			t.Fatal("service must not be called")
			return domain.Promotion{}, nil
		},
	}

	body := strings.NewReader(`{"code":"X","discount_type":"fixed","discount_value":100,"valid_from":"yesterday"}`)
	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/promotions", body), "admin-1", "admin")
	rec := httptest.NewRecorder()
	newAdminPromotionRouter(svc).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreatePromotionMapsConflict(t *testing.T) {
	svc := &stubPromotionService{
		create: func(context.Context, services.UpsertPromotionCommand) (domain.Promotion, error) {
			return domain.Promotion{}, services.ErrPromotionConflict
		},
	}

	body := strings.NewReader(`{"code":"WELCOME10","discount_type":"percentage","discount_value":10}`)
	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/promotions", body), "admin-1", "admin")
	rec := httptest.NewRecorder()
	newAdminPromotionRouter(svc).ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var envelope map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope["error"] != "promotion_conflict" {
		t.Fatalf("unexpected code %v", envelope["error"])
	}
}

func TestListPromotionsAppliesFilter(t *testing.T) {
	var captured services.PromotionListFilter
	svc := &stubPromotionService{
		list: func(_ context.Context, filter services.PromotionListFilter) (domain.CursorPage[domain.Promotion], error) {
			captured = filter
			return domain.CursorPage[domain.Promotion]{
				Items:         []domain.Promotion{testPromotion()},
				NextPageToken: "tok_2",
			}, nil
		},
	}

	req := withTestIdentity(httptest.NewRequest(http.MethodGet, "/promotions?active=true&page_size=5&page_token=tok_1", nil), "admin-1", "admin")
	rec := httptest.NewRecorder()
	newAdminPromotionRouter(svc).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !captured.ActiveOnly || captured.Pagination.PageSize != 5 || captured.Pagination.PageToken != "tok_1" {
		t.Fatalf("unexpected filter %+v", captured)
	}

	var resp promotionListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Code != "WELCOME10" {
		t.Fatalf("unexpected items %+v", resp.Items)
	}
	if resp.NextPageToken != "tok_2" {
		t.Fatalf("unexpected page token %q", resp.NextPageToken)
	}
}

func TestDeletePromotionReturnsNoContent(t *testing.T) {
	var deleted string
	svc := &stubPromotionService{
		remove: func(_ context.Context, promotionID string) error {
			deleted = promotionID
			return nil
		},
	}

	req := withTestIdentity(httptest.NewRequest(http.MethodDelete, "/promotions/promo_1", nil), "admin-1", "admin")
	rec := httptest.NewRecorder()
	newAdminPromotionRouter(svc).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if deleted != "promo_1" {
		t.Fatalf("unexpected id %q", deleted)
	}
}

func TestDeletePromotionMapsNotFound(t *testing.T) {
	svc := &stubPromotionService{
		remove: func(context.Context, string) error {
			return services.ErrPromotionNotFound
		},
	}

	req := withTestIdentity(httptest.NewRequest(http.MethodDelete, "/promotions/promo_missing", nil), "admin-1", "admin")
	rec := httptest.NewRecorder()
	newAdminPromotionRouter(svc).ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/maplemarket/api/internal/domain"
	"github.com/maplemarket/api/internal/repositories"
)

type stubOrderRepository struct {
	orders      map[string]domain.Order
	lastPersist *repositories.CheckoutPersist
	createErr   error
	findErr     error
	listPage    domain.CursorPage[domain.Order]
}

func (s *stubOrderRepository) CreateFromCheckout(_ context.Context, op repositories.CheckoutPersist) (domain.Order, error) {
	s.lastPersist = &op
	if s.createErr != nil {
		return domain.Order{}, s.createErr
	}
	if s.orders == nil {
		s.orders = map[string]domain.Order{}
	}
	s.orders[op.Order.ID] = op.Order
	return op.Order, nil
}

func (s *stubOrderRepository) Transition(_ context.Context, orderID string, apply func(domain.Order) (domain.Order, error)) (domain.Order, error) {
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, &stubRepoError{notFound: true}
	}
	updated, err := apply(order)
	if err != nil {
		return domain.Order{}, err
	}
	s.orders[orderID] = updated
	return updated, nil
}

func (s *stubOrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	if s.findErr != nil {
		return domain.Order{}, s.findErr
	}
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, &stubRepoError{notFound: true}
	}
	return order, nil
}

func (s *stubOrderRepository) List(_ context.Context, _ repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	return s.listPage, nil
}

type stubCounterRepository struct {
	next int64
	err  error
}

func (s *stubCounterRepository) Next(_ context.Context, _ string, step int64) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.next += step
	return s.next, nil
}

func (s *stubCounterRepository) Configure(_ context.Context, _ string, _ repositories.CounterConfig) error {
	return s.err
}

type stubPromotionEvaluator struct {
	PromotionService
	quote PromotionQuote
	err   error
}

func (s *stubPromotionEvaluator) Evaluate(_ context.Context, code string, _ int64) (PromotionQuote, error) {
	if s.err != nil {
		return PromotionQuote{}, s.err
	}
	quote := s.quote
	if quote.Code == "" {
		quote.Code = NormalizePromoCode(code)
	}
	return quote, nil
}

type stubEventPublisher struct {
	events []OrderEvent
	err    error
}

func (s *stubEventPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.events = append(s.events, event)
	return "msg-" + event.ID, nil
}

type checkoutFixture struct {
	orders     *stubOrderRepository
	carts      *stubCartRepository
	catalog    *stubCatalogRepository
	counters   *stubCounterRepository
	promotions *stubPromotionEvaluator
	events     *stubEventPublisher
	svc        CheckoutService
}

func newCheckoutFixture(t *testing.T, now time.Time) *checkoutFixture {
	t.Helper()
	f := &checkoutFixture{
		orders: &stubOrderRepository{},
		carts: &stubCartRepository{carts: map[string]domain.Cart{
			"buyer-1": {
				ID: "buyer-1", UserID: "buyer-1",
				Items: []domain.CartItem{
					{ID: "itm_a", ProductID: "prod-1", Quantity: 2},
					{ID: "itm_b", ProductID: "prod-2", Quantity: 1},
				},
			},
		}},
		catalog: &stubCatalogRepository{products: map[string]domain.Product{
			"prod-1": {ID: "prod-1", StoreID: "store-1", Name: "Mug", Price: 1500, Currency: "USD", InventoryCount: 10, IsActive: true},
			"prod-2": {ID: "prod-2", StoreID: "store-2", Name: "Tote", Price: 5000, Currency: "USD", InventoryCount: 3, IsActive: true},
		}},
		counters:   &stubCounterRepository{next: 41},
		promotions: &stubPromotionEvaluator{quote: PromotionQuote{Valid: true}},
		events:     &stubEventPublisher{},
	}

	seq := 0
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Orders:     f.orders,
		Carts:      f.carts,
		Catalog:    f.catalog,
		Counters:   f.counters,
		Promotions: f.promotions,
		Clock:      func() time.Time { return now },
		IDGenerator: func() string {
			seq++
			return testSequenceID(seq)
		},
		Events: f.events,
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	f.svc = svc
	return f
}

func TestCheckoutSuccess(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	f := newCheckoutFixture(t, now)

	order, err := f.svc.Checkout(context.Background(), CheckoutCommand{
		UserID:          "buyer-1",
		ShippingAddress: "12 Maple Street, Toronto",
	})
	if err != nil {
		t.Fatalf("Checkout returned error: %v", err)
	}

	if order.Status != domain.OrderStatusPending || order.RefundStatus != domain.RefundStatusNone {
		t.Fatalf("unexpected initial state %s/%s", order.Status, order.RefundStatus)
	}
	if order.Subtotal != 8000 || order.Discount != 0 || order.Total != 8000 {
		t.Fatalf("unexpected money fields: subtotal=%d discount=%d total=%d", order.Subtotal, order.Discount, order.Total)
	}
	if order.OrderNumber != "MK-2025-000042" {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}
	if !strings.HasPrefix(order.ID, "ord_") {
		t.Fatalf("expected ord_ prefix, got %q", order.ID)
	}
	if len(order.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(order.Items))
	}
	if order.Items[0].PriceAtTime != 1500 || order.Items[0].LineTotal != 3000 {
		t.Fatalf("unexpected price snapshot %+v", order.Items[0])
	}
	if len(order.StoreIDs) != 2 {
		t.Fatalf("expected two distinct stores, got %v", order.StoreIDs)
	}
	if order.PlacedAt == nil || !order.PlacedAt.Equal(now) {
		t.Fatalf("expected PlacedAt=%v, got %v", now, order.PlacedAt)
	}

	if f.orders.lastPersist == nil {
		t.Fatal("expected a persisted checkout")
	}
	if f.orders.lastPersist.ClearCartFor != "buyer-1" {
		t.Fatalf("expected cart clear for buyer-1, got %q", f.orders.lastPersist.ClearCartFor)
	}
	if f.orders.lastPersist.PromoCode != nil {
		t.Fatalf("expected no promo code, got %v", *f.orders.lastPersist.PromoCode)
	}

	if len(f.events.events) != 1 || f.events.events[0].Type != "order.created" {
		t.Fatalf("expected one order.created event, got %+v", f.events.events)
	}
}

func TestCheckoutAppliesPromotionDiscount(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	f := newCheckoutFixture(t, now)
	f.promotions.quote = PromotionQuote{Code: "WELCOME10", Valid: true, DiscountAmount: 500}

	order, err := f.svc.Checkout(context.Background(), CheckoutCommand{
		UserID:          "buyer-1",
		ShippingAddress: "12 Maple Street, Toronto",
		PromoCode:       "welcome10",
	})
	if err != nil {
		t.Fatalf("Checkout returned error: %v", err)
	}
	if order.Discount != 500 || order.Total != 7500 {
		t.Fatalf("expected discount 500 / total 7500, got %d / %d", order.Discount, order.Total)
	}
	if order.PromoCode == nil || *order.PromoCode != "WELCOME10" {
		t.Fatalf("expected folded promo code on order, got %v", order.PromoCode)
	}
	if f.orders.lastPersist.PromoCode == nil || *f.orders.lastPersist.PromoCode != "WELCOME10" {
		t.Fatalf("expected promo code forwarded to persistence, got %v", f.orders.lastPersist.PromoCode)
	}
}

func TestCheckoutInvalidPromotionFailsWholeCheckout(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	f := newCheckoutFixture(t, now)
	f.promotions.quote = PromotionQuote{Code: "EXPIRED", Valid: false, Message: "This promotion has expired."}

	_, err := f.svc.Checkout(context.Background(), CheckoutCommand{
		UserID:          "buyer-1",
		ShippingAddress: "12 Maple Street, Toronto",
		PromoCode:       "expired",
	})
	if !errors.Is(err, ErrCheckoutInvalidPromo) {
		t.Fatalf("expected ErrCheckoutInvalidPromo, got %v", err)
	}
	if !strings.Contains(err.Error(), "expired") {
		t.Fatalf("expected quote message carried in error, got %v", err)
	}
	if f.orders.lastPersist != nil {
		t.Fatal("expected no persistence attempt after invalid promotion")
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	f := newCheckoutFixture(t, now)
	f.carts.carts["buyer-1"] = domain.Cart{ID: "buyer-1", UserID: "buyer-1"}

	_, err := f.svc.Checkout(context.Background(), CheckoutCommand{
		UserID:          "buyer-1",
		ShippingAddress: "12 Maple Street, Toronto",
	})
	if !errors.Is(err, ErrCheckoutEmptyCart) {
		t.Fatalf("expected ErrCheckoutEmptyCart, got %v", err)
	}
}

func TestCheckoutMissingCartTreatedAsEmpty(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	f := newCheckoutFixture(t, now)

	_, err := f.svc.Checkout(context.Background(), CheckoutCommand{
		UserID:          "buyer-2",
		ShippingAddress: "12 Maple Street, Toronto",
	})
	if !errors.Is(err, ErrCheckoutEmptyCart) {
		t.Fatalf("expected ErrCheckoutEmptyCart, got %v", err)
	}
}

func TestCheckoutInactiveProduct(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	f := newCheckoutFixture(t, now)
	product := f.catalog.products["prod-2"]
	product.IsActive = false
	f.catalog.products["prod-2"] = product

	_, err := f.svc.Checkout(context.Background(), CheckoutCommand{
		UserID:          "buyer-1",
		ShippingAddress: "12 Maple Street, Toronto",
	})
	if !errors.Is(err, ErrCheckoutProductUnavailable) {
		t.Fatalf("expected ErrCheckoutProductUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "prod-2") {
		t.Fatalf("expected offending product named in error, got %v", err)
	}
}

func TestCheckoutInsufficientStockFromTransaction(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	f := newCheckoutFixture(t, now)
	f.orders.createErr = &repositories.CheckoutError{
		Code:      repositories.CheckoutErrorInsufficientStock,
		ProductID: "prod-2",
		Message:   "insufficient stock for prod-2",
	}

	_, err := f.svc.Checkout(context.Background(), CheckoutCommand{
		UserID:          "buyer-1",
		ShippingAddress: "12 Maple Street, Toronto",
	})
	if !errors.Is(err, ErrCheckoutInsufficientStock) {
		t.Fatalf("expected ErrCheckoutInsufficientStock, got %v", err)
	}
	if !strings.Contains(err.Error(), "prod-2") {
		t.Fatalf("expected product id in error, got %v", err)
	}
}

func TestCheckoutPromotionExhaustedFromTransaction(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	f := newCheckoutFixture(t, now)
	f.promotions.quote = PromotionQuote{Code: "LAST1", Valid: true, DiscountAmount: 100}
	f.orders.createErr = &repositories.CheckoutError{
		Code:    repositories.CheckoutErrorPromotionExhausted,
		Message: "promotion usage limit reached",
	}

	_, err := f.svc.Checkout(context.Background(), CheckoutCommand{
		UserID:          "buyer-1",
		ShippingAddress: "12 Maple Street, Toronto",
		PromoCode:       "last1",
	})
	if !errors.Is(err, ErrCheckoutInvalidPromo) {
		t.Fatalf("expected ErrCheckoutInvalidPromo, got %v", err)
	}
}

func TestCheckoutSanitizesShippingAddress(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	f := newCheckoutFixture(t, now)

	order, err := f.svc.Checkout(context.Background(), CheckoutCommand{
		UserID:          "buyer-1",
		ShippingAddress: "12 Maple Street <script>alert('x')</script>",
	})
	if err != nil {
		t.Fatalf("Checkout returned error: %v", err)
	}
	if strings.Contains(order.ShippingAddress, "<script>") {
		t.Fatalf("expected markup stripped from address, got %q", order.ShippingAddress)
	}
	if !strings.Contains(order.ShippingAddress, "12 Maple Street") {
		t.Fatalf("expected address text preserved, got %q", order.ShippingAddress)
	}
}

func TestCheckoutRejectsBlankAddress(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	f := newCheckoutFixture(t, now)

	if _, err := f.svc.Checkout(context.Background(), CheckoutCommand{UserID: "buyer-1"}); !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected ErrCheckoutInvalidInput, got %v", err)
	}
}

func TestCheckoutEventPublishFailureDoesNotFailCheckout(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	f := newCheckoutFixture(t, now)
	f.events.err = errors.New("topic gone")

	if _, err := f.svc.Checkout(context.Background(), CheckoutCommand{
		UserID:          "buyer-1",
		ShippingAddress: "12 Maple Street, Toronto",
	}); err != nil {
		t.Fatalf("expected checkout to succeed despite publish failure, got %v", err)
	}
}

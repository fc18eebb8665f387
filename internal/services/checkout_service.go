package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/maplemarket/api/internal/domain"
	"github.com/maplemarket/api/internal/repositories"
)

const (
	orderIDPrefix = "ord_"
	eventIDPrefix = "evt_"

	orderNumberCounter = "orders"

	defaultOrderCurrency = "USD"

	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"
	orderEventRefundChanged = "order.refund.changed"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutEmptyCart indicates the buyer attempted to check out an empty cart.
	ErrCheckoutEmptyCart = errors.New("checkout: cart is empty")
	// ErrCheckoutProductUnavailable indicates a cart line references a missing or inactive product.
	ErrCheckoutProductUnavailable = errors.New("checkout: product unavailable")
	// ErrCheckoutInvalidPromo indicates the supplied promotion code did not apply.
	ErrCheckoutInvalidPromo = errors.New("checkout: invalid promotion")
	// ErrCheckoutInsufficientStock indicates stock ran out before the order committed.
	ErrCheckoutInsufficientStock = errors.New("checkout: insufficient stock")
	// ErrCheckoutConflict indicates a concurrent modification prevented completing checkout.
	ErrCheckoutConflict = errors.New("checkout: conflict")
)

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Orders      repositories.OrderRepository
	Carts       repositories.CartRepository
	Catalog     repositories.CatalogRepository
	Counters    repositories.CounterRepository
	Promotions  PromotionService
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	orders     repositories.OrderRepository
	carts      repositories.CartRepository
	catalog    repositories.CatalogRepository
	counters   repositories.CounterRepository
	promotions PromotionService
	clock      func() time.Time
	newID      func() string
	events     OrderEventPublisher
	logger     func(context.Context, string, map[string]any)
	sanitizer  *bluemonday.Policy
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("checkout service: cart repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("checkout service: catalog repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("checkout service: counter repository is required")
	}
	if deps.Promotions == nil {
		return nil, errors.New("checkout service: promotion service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		orders:     deps.Orders,
		carts:      deps.Carts,
		catalog:    deps.Catalog,
		counters:   deps.Counters,
		promotions: deps.Promotions,
		clock:      func() time.Time { return clock().UTC() },
		newID:      idGen,
		events:     deps.Events,
		logger:     logger,
		sanitizer:  bluemonday.StrictPolicy(),
	}, nil
}

// Checkout converts the buyer's cart into an order. Prices are read from the
// catalog at checkout time and frozen onto the order as snapshots. Persistence
// is a single transactional operation: a stock or promotion race aborts the
// whole checkout and leaves cart, inventory, and usage counters untouched.
func (s *checkoutService) Checkout(ctx context.Context, cmd CheckoutCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}
	shippingAddress := strings.TrimSpace(s.sanitizer.Sanitize(cmd.ShippingAddress))
	if shippingAddress == "" {
		return Order{}, fmt.Errorf("%w: shipping address is required", ErrCheckoutInvalidInput)
	}

	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return Order{}, ErrCheckoutEmptyCart
		}
		return Order{}, s.mapRepositoryError(err)
	}
	if len(cart.Items) == 0 {
		return Order{}, ErrCheckoutEmptyCart
	}

	productIDs := make([]string, 0, len(cart.Items))
	for _, item := range cart.Items {
		productIDs = append(productIDs, item.ProductID)
	}
	products, err := s.catalog.FindProducts(ctx, productIDs)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	now := s.clock()
	currency := defaultOrderCurrency
	var subtotal int64
	items := make([]domain.OrderItem, 0, len(cart.Items))
	storeIDs := make([]string, 0, 2)
	seenStores := make(map[string]struct{}, 2)

	for _, line := range cart.Items {
		product, ok := products[line.ProductID]
		if !ok || !product.IsActive {
			return Order{}, fmt.Errorf("%w: %s", ErrCheckoutProductUnavailable, line.ProductID)
		}
		if line.Quantity < 1 {
			return Order{}, fmt.Errorf("%w: quantity for %s must be at least 1", ErrCheckoutInvalidInput, line.ProductID)
		}
		if product.Currency != "" {
			currency = product.Currency
		}

		lineTotal := product.Price * int64(line.Quantity)
		subtotal += lineTotal
		items = append(items, domain.OrderItem{
			ID:          cartItemIDPrefix + s.newID(),
			ProductID:   product.ID,
			StoreID:     product.StoreID,
			Name:        product.Name,
			Quantity:    line.Quantity,
			PriceAtTime: product.Price,
			LineTotal:   lineTotal,
		})
		if _, seen := seenStores[product.StoreID]; !seen && product.StoreID != "" {
			seenStores[product.StoreID] = struct{}{}
			storeIDs = append(storeIDs, product.StoreID)
		}
	}

	var discount int64
	var promoCode *string
	if trimmed := strings.TrimSpace(cmd.PromoCode); trimmed != "" {
		quote, err := s.promotions.Evaluate(ctx, trimmed, subtotal)
		if err != nil {
			return Order{}, err
		}
		if !quote.Valid {
			return Order{}, fmt.Errorf("%w: %s", ErrCheckoutInvalidPromo, quote.Message)
		}
		discount = quote.DiscountAmount
		code := quote.Code
		promoCode = &code
	}

	orderNumber, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}

	order := domain.Order{
		ID:              orderIDPrefix + s.newID(),
		OrderNumber:     orderNumber,
		UserID:          userID,
		Status:          domain.OrderStatusPending,
		RefundStatus:    domain.RefundStatusNone,
		Currency:        currency,
		Subtotal:        subtotal,
		Discount:        discount,
		Total:           subtotal - discount,
		PromoCode:       promoCode,
		Items:           items,
		StoreIDs:        storeIDs,
		ShippingAddress: shippingAddress,
		CreatedAt:       now,
		UpdatedAt:       now,
		PlacedAt:        &now,
	}

	created, err := s.orders.CreateFromCheckout(ctx, repositories.CheckoutPersist{
		Order:        order,
		PromoCode:    promoCode,
		ClearCartFor: userID,
	})
	if err != nil {
		return Order{}, s.mapPersistError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		ID:          eventIDPrefix + s.newID(),
		Type:        orderEventCreated,
		OrderID:     created.ID,
		OrderNumber: created.OrderNumber,
		UserID:      created.UserID,
		Status:      string(created.Status),
		OccurredAt:  now,
	})

	s.logger(ctx, "checkout.completed", map[string]any{
		"order":    created.ID,
		"user":     userID,
		"total":    created.Total,
		"discount": created.Discount,
	})
	return created, nil
}

func (s *checkoutService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, orderNumberCounter, 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("MK-%04d-%06d", now.Year(), seq), nil
}

// mapPersistError translates the checkout transaction's precondition failures
// into caller-facing sentinels.
func (s *checkoutService) mapPersistError(err error) error {
	var checkoutErr *repositories.CheckoutError
	if errors.As(err, &checkoutErr) {
		switch checkoutErr.Code {
		case repositories.CheckoutErrorInsufficientStock:
			return fmt.Errorf("%w: %s", ErrCheckoutInsufficientStock, checkoutErr.ProductID)
		case repositories.CheckoutErrorProductUnavailable:
			return fmt.Errorf("%w: %s", ErrCheckoutProductUnavailable, checkoutErr.ProductID)
		case repositories.CheckoutErrorPromotionExhausted:
			return fmt.Errorf("%w: promotion has been fully redeemed", ErrCheckoutInvalidPromo)
		}
	}
	return s.mapRepositoryError(err)
}

func (s *checkoutService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCheckoutConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("checkout: repository unavailable: %w", err)
		}
	}
	return err
}

func (s *checkoutService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

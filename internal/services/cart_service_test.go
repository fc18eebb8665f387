package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/maplemarket/api/internal/domain"
)

type stubRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *stubRepoError) Error() string       { return "stub repo error" }
func (e *stubRepoError) IsNotFound() bool    { return e.notFound }
func (e *stubRepoError) IsConflict() bool    { return e.conflict }
func (e *stubRepoError) IsUnavailable() bool { return e.unavailable }

type stubCartRepository struct {
	carts map[string]domain.Cart
	err   error
}

func (s *stubCartRepository) GetCart(_ context.Context, userID string) (domain.Cart, error) {
	if s.err != nil {
		return domain.Cart{}, s.err
	}
	cart, ok := s.carts[userID]
	if !ok {
		return domain.Cart{}, &stubRepoError{notFound: true}
	}
	return cart, nil
}

func (s *stubCartRepository) UpsertCart(_ context.Context, cart domain.Cart) (domain.Cart, error) {
	if s.err != nil {
		return domain.Cart{}, s.err
	}
	if s.carts == nil {
		s.carts = map[string]domain.Cart{}
	}
	s.carts[cart.UserID] = cart
	return cart, nil
}

func (s *stubCartRepository) ReplaceItems(_ context.Context, userID string, items []domain.CartItem) (domain.Cart, error) {
	if s.err != nil {
		return domain.Cart{}, s.err
	}
	if s.carts == nil {
		s.carts = map[string]domain.Cart{}
	}
	cart := s.carts[userID]
	cart.UserID = userID
	cart.ID = userID
	cart.Items = items
	s.carts[userID] = cart
	return cart, nil
}

type stubCatalogRepository struct {
	products map[string]domain.Product
	err      error
}

func (s *stubCatalogRepository) FindProduct(_ context.Context, productID string) (domain.Product, error) {
	if s.err != nil {
		return domain.Product{}, s.err
	}
	product, ok := s.products[productID]
	if !ok {
		return domain.Product{}, &stubRepoError{notFound: true}
	}
	return product, nil
}

func (s *stubCatalogRepository) FindProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if product, ok := s.products[id]; ok {
			out[id] = product
		}
	}
	return out, nil
}

func newTestCartService(t *testing.T, carts *stubCartRepository, catalog *stubCatalogRepository, now time.Time) CartService {
	t.Helper()
	seq := 0
	svc, err := NewCartService(CartServiceDeps{
		Carts:   carts,
		Catalog: catalog,
		Clock:   func() time.Time { return now },
		IDGenerator: func() string {
			seq++
			return testSequenceID(seq)
		},
	})
	if err != nil {
		t.Fatalf("NewCartService: %v", err)
	}
	return svc
}

func testSequenceID(seq int) string {
	return "01TEST0000000000000000000" + string(rune('A'+seq%26))
}

func TestCartGetCartReturnsEmptyForNewBuyer(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	svc := newTestCartService(t, &stubCartRepository{}, &stubCatalogRepository{}, now)

	cart, err := svc.GetCart(context.Background(), "buyer-1")
	if err != nil {
		t.Fatalf("GetCart returned error: %v", err)
	}
	if cart.UserID != "buyer-1" || len(cart.Items) != 0 {
		t.Fatalf("expected empty cart for buyer-1, got %+v", cart)
	}
}

func TestCartUpsertItemAddsAndUpdates(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	carts := &stubCartRepository{}
	catalog := &stubCatalogRepository{products: map[string]domain.Product{
		"prod-1": {ID: "prod-1", StoreID: "store-1", Name: "Mug", Price: 1500, IsActive: true},
	}}
	svc := newTestCartService(t, carts, catalog, now)

	cart, err := svc.UpsertItem(context.Background(), UpsertCartItemCommand{
		UserID: "buyer-1", ProductID: "prod-1", Quantity: 2,
	})
	if err != nil {
		t.Fatalf("UpsertItem returned error: %v", err)
	}
	if len(cart.Items) != 1 || cart.Items[0].Quantity != 2 {
		t.Fatalf("unexpected cart items %+v", cart.Items)
	}

	cart, err = svc.UpsertItem(context.Background(), UpsertCartItemCommand{
		UserID: "buyer-1", ProductID: "prod-1", Quantity: 5,
	})
	if err != nil {
		t.Fatalf("UpsertItem update returned error: %v", err)
	}
	if len(cart.Items) != 1 || cart.Items[0].Quantity != 5 {
		t.Fatalf("expected quantity replaced, got %+v", cart.Items)
	}
}

func TestCartUpsertItemRejectsInvalidQuantity(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	svc := newTestCartService(t, &stubCartRepository{}, &stubCatalogRepository{}, now)

	_, err := svc.UpsertItem(context.Background(), UpsertCartItemCommand{
		UserID: "buyer-1", ProductID: "prod-1", Quantity: 0,
	})
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected ErrCartInvalidInput, got %v", err)
	}
}

func TestCartUpsertItemRejectsInactiveProduct(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	catalog := &stubCatalogRepository{products: map[string]domain.Product{
		"prod-1": {ID: "prod-1", IsActive: false},
	}}
	svc := newTestCartService(t, &stubCartRepository{}, catalog, now)

	_, err := svc.UpsertItem(context.Background(), UpsertCartItemCommand{
		UserID: "buyer-1", ProductID: "prod-1", Quantity: 1,
	})
	if !errors.Is(err, ErrCartProductUnavailable) {
		t.Fatalf("expected ErrCartProductUnavailable, got %v", err)
	}
}

func TestCartUpsertItemRejectsUnknownProduct(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	svc := newTestCartService(t, &stubCartRepository{}, &stubCatalogRepository{}, now)

	_, err := svc.UpsertItem(context.Background(), UpsertCartItemCommand{
		UserID: "buyer-1", ProductID: "ghost", Quantity: 1,
	})
	if !errors.Is(err, ErrCartProductUnavailable) {
		t.Fatalf("expected ErrCartProductUnavailable, got %v", err)
	}
}

func TestCartRemoveItem(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	carts := &stubCartRepository{carts: map[string]domain.Cart{
		"buyer-1": {
			ID: "buyer-1", UserID: "buyer-1",
			Items: []domain.CartItem{
				{ID: "itm_a", ProductID: "prod-1", Quantity: 1},
				{ID: "itm_b", ProductID: "prod-2", Quantity: 3},
			},
		},
	}}
	svc := newTestCartService(t, carts, &stubCatalogRepository{}, now)

	cart, err := svc.RemoveItem(context.Background(), RemoveCartItemCommand{UserID: "buyer-1", ItemID: "itm_a"})
	if err != nil {
		t.Fatalf("RemoveItem returned error: %v", err)
	}
	if len(cart.Items) != 1 || cart.Items[0].ID != "itm_b" {
		t.Fatalf("unexpected items after removal: %+v", cart.Items)
	}

	if _, err := svc.RemoveItem(context.Background(), RemoveCartItemCommand{UserID: "buyer-1", ItemID: "itm_zzz"}); !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound, got %v", err)
	}
}

func TestCartClearCart(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	carts := &stubCartRepository{carts: map[string]domain.Cart{
		"buyer-1": {ID: "buyer-1", UserID: "buyer-1", Items: []domain.CartItem{{ID: "itm_a"}}},
	}}
	svc := newTestCartService(t, carts, &stubCatalogRepository{}, now)

	if err := svc.ClearCart(context.Background(), "buyer-1"); err != nil {
		t.Fatalf("ClearCart returned error: %v", err)
	}
	if got := carts.carts["buyer-1"].Items; len(got) != 0 {
		t.Fatalf("expected cleared cart, got %+v", got)
	}
}

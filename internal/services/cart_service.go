package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/maplemarket/api/internal/domain"
	"github.com/maplemarket/api/internal/repositories"
)

const (
	cartItemIDPrefix = "itm_"
	maxCartItems     = 100
	maxItemQuantity  = 999
)

// ErrCartInvalidInput indicates the caller supplied invalid input.
var ErrCartInvalidInput = errors.New("cart service: invalid input")

// ErrCartNotFound indicates the requested cart or item does not exist.
var ErrCartNotFound = errors.New("cart service: not found")

// ErrCartProductUnavailable indicates the referenced product is missing or inactive.
var ErrCartProductUnavailable = errors.New("cart service: product unavailable")

// ErrCartConflict indicates the cart could not be updated due to concurrent modifications.
var ErrCartConflict = errors.New("cart service: conflict")

var errCartRepositoryRequired = errors.New("cart service: cart repository is required")
var errCartCatalogRequired = errors.New("cart service: catalog repository is required")

// CartServiceDeps wires the repository dependencies for cart operations.
type CartServiceDeps struct {
	Carts       repositories.CartRepository
	Catalog     repositories.CatalogRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type cartService struct {
	carts   repositories.CartRepository
	catalog repositories.CatalogRepository
	clock   func() time.Time
	newID   func() string
	logger  func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errCartRepositoryRequired
	}
	if deps.Catalog == nil {
		return nil, errCartCatalogRequired
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
	return &cartService{
		carts:   deps.Carts,
		catalog: deps.Catalog,
		clock:   func() time.Time { return clock().UTC() },
		newID:   idGen,
		logger:  logger,
	}, nil
}

func (s *cartService) GetCart(ctx context.Context, userID string) (Cart, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}

	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			// A buyer without a stored cart simply has an empty one.
			now := s.clock()
			return Cart{ID: userID, UserID: userID, CreatedAt: now, UpdatedAt: now}, nil
		}
		return Cart{}, s.mapRepositoryError(err)
	}
	return cart, nil
}

func (s *cartService) UpsertItem(ctx context.Context, cmd UpsertCartItemCommand) (Cart, error) {
	userID := strings.TrimSpace(cmd.UserID)
	productID := strings.TrimSpace(cmd.ProductID)
	if userID == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if productID == "" {
		return Cart{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}
	if cmd.Quantity < 1 {
		return Cart{}, fmt.Errorf("%w: quantity must be at least 1", ErrCartInvalidInput)
	}
	if cmd.Quantity > maxItemQuantity {
		return Cart{}, fmt.Errorf("%w: quantity exceeds %d", ErrCartInvalidInput, maxItemQuantity)
	}

	product, err := s.catalog.FindProduct(ctx, productID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return Cart{}, fmt.Errorf("%w: %s", ErrCartProductUnavailable, productID)
		}
		return Cart{}, s.mapRepositoryError(err)
	}
	if !product.IsActive {
		return Cart{}, fmt.Errorf("%w: %s", ErrCartProductUnavailable, productID)
	}

	cart, err := s.GetCart(ctx, userID)
	if err != nil {
		return Cart{}, err
	}

	now := s.clock()
	updated := false
	for i := range cart.Items {
		if cart.Items[i].ProductID == productID {
			cart.Items[i].Quantity = cmd.Quantity
			updated = true
			break
		}
	}
	if !updated {
		if len(cart.Items) >= maxCartItems {
			return Cart{}, fmt.Errorf("%w: cart holds at most %d items", ErrCartInvalidInput, maxCartItems)
		}
		cart.Items = append(cart.Items, domain.CartItem{
			ID:        cartItemIDPrefix + s.newID(),
			ProductID: productID,
			Quantity:  cmd.Quantity,
			AddedAt:   now,
		})
	}
	cart.UserID = userID
	cart.ID = userID
	cart.UpdatedAt = now
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}

	saved, err := s.carts.UpsertCart(ctx, cart)
	if err != nil {
		return Cart{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "cart.item.upserted", map[string]any{
		"user":     userID,
		"product":  productID,
		"quantity": cmd.Quantity,
	})
	return saved, nil
}

func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error) {
	userID := strings.TrimSpace(cmd.UserID)
	itemID := strings.TrimSpace(cmd.ItemID)
	if userID == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if itemID == "" {
		return Cart{}, fmt.Errorf("%w: item id is required", ErrCartInvalidInput)
	}

	cart, err := s.GetCart(ctx, userID)
	if err != nil {
		return Cart{}, err
	}

	remaining := make([]domain.CartItem, 0, len(cart.Items))
	removed := false
	for _, item := range cart.Items {
		if item.ID == itemID {
			removed = true
			continue
		}
		remaining = append(remaining, item)
	}
	if !removed {
		return Cart{}, fmt.Errorf("%w: cart item %s", ErrCartNotFound, itemID)
	}

	saved, err := s.carts.ReplaceItems(ctx, userID, remaining)
	if err != nil {
		return Cart{}, s.mapRepositoryError(err)
	}
	return saved, nil
}

func (s *cartService) ClearCart(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if _, err := s.carts.ReplaceItems(ctx, userID, nil); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

func (s *cartService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCartNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCartConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("cart service: repository unavailable: %w", err)
		}
	}
	return err
}

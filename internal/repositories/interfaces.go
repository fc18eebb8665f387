package repositories

import (
	"context"
	"time"

	domain "github.com/maplemarket/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Carts() CartRepository
	Orders() OrderRepository
	Promotions() PromotionRepository
	Catalog() CatalogRepository
	Stores() StoreRepository
	AuditLogs() AuditLogRepository
	Counters() CounterRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CartRepository owns cart header + items persistence. One cart per buyer.
type CartRepository interface {
	GetCart(ctx context.Context, userID string) (domain.Cart, error)
	UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	ReplaceItems(ctx context.Context, userID string, items []domain.CartItem) (domain.Cart, error)
}

// OrderRepository persists order aggregates. CreateFromCheckout and Transition
// are compound transactional operations: they read, validate, and write inside
// a single storage transaction so concurrent mutations surface as conflicts
// instead of lost updates.
type OrderRepository interface {
	// CreateFromCheckout atomically decrements product inventory, consumes one
	// promotion use when a code is attached, inserts the order, and clears the
	// buyer's cart. Any failed precondition aborts the whole operation.
	CreateFromCheckout(ctx context.Context, op CheckoutPersist) (domain.Order, error)
	// Transition re-reads the order in a transaction, applies the mutator, and
	// writes the result. The mutator returning an error aborts without writing.
	Transition(ctx context.Context, orderID string, apply func(domain.Order) (domain.Order, error)) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// PromotionRepository maintains promotion definitions. The document key is the
// case-folded code, which makes code uniqueness a storage-level guarantee.
type PromotionRepository interface {
	Insert(ctx context.Context, promotion domain.Promotion) error
	Update(ctx context.Context, promotion domain.Promotion) error
	Delete(ctx context.Context, promotionID string) error
	FindByCode(ctx context.Context, code string) (domain.Promotion, error)
	List(ctx context.Context, filter PromotionListFilter) (domain.CursorPage[domain.Promotion], error)
}

// CatalogRepository reads product documents for checkout, carts, and reports.
type CatalogRepository interface {
	FindProduct(ctx context.Context, productID string) (domain.Product, error)
	FindProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
}

// StoreRepository resolves store ownership for seller permission checks.
type StoreRepository interface {
	FindByID(ctx context.Context, storeID string) (domain.Store, error)
	ListByOwner(ctx context.Context, ownerID string) ([]domain.Store, error)
}

// AuditLogRepository appends immutable records of privileged mutations.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLog) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLog], error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// CounterConfig tunes counter behaviour when provisioning a sequence.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}

// CheckoutPersist carries the fully priced order plus the side effects the
// checkout transaction must apply together with the insert.
type CheckoutPersist struct {
	Order domain.Order
	// PromoCode, when set, is the folded code whose usage counter must be
	// incremented inside the transaction. The increment is guarded: a counter
	// already at its limit aborts the checkout.
	PromoCode *string
	// ClearCartFor names the buyer whose cart items are removed on commit.
	ClearCartFor string
}

// Filter DTOs shared across repositories ------------------------------------

type OrderListFilter struct {
	UserID       string
	StoreIDs     []string
	Status       []string
	RefundStatus []string
	Search       string
	DateRange    domain.RangeQuery[time.Time]
	Pagination   domain.Pagination
}

type PromotionListFilter struct {
	ActiveOnly bool
	Pagination domain.Pagination
}

type AuditLogFilter struct {
	ActorID    string
	Action     string
	TargetID   string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

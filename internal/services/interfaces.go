package services

import (
	"context"
	"io"
	"time"

	domain "github.com/maplemarket/api/internal/domain"
	"github.com/maplemarket/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination      = domain.Pagination
	SortOrder       = domain.SortOrder
	Order           = domain.Order
	OrderItem       = domain.OrderItem
	OrderStatus     = domain.OrderStatus
	RefundStatus    = domain.RefundStatus
	Promotion       = domain.Promotion
	PromotionQuote  = domain.PromotionQuote
	DiscountType    = domain.DiscountType
	Cart            = domain.Cart
	CartItem        = domain.CartItem
	Product         = domain.Product
	Store           = domain.Store
	AuditLog        = domain.AuditLog
	SellerAnalytics = domain.SellerAnalytics
	MonthlyRevenue  = domain.MonthlyRevenue
	ProductSales    = domain.ProductSales
	PlatformStats   = domain.PlatformStats
)

// Actor identifies the authenticated principal a command runs on behalf of.
type Actor struct {
	ID    string
	Roles []string
}

// HasRole reports whether the actor carries the given role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the actor carries the admin role.
func (a Actor) IsAdmin() bool { return a.HasRole("admin") }

// IsSeller reports whether the actor carries the seller role.
func (a Actor) IsSeller() bool { return a.HasRole("seller") }

// PromotionService evaluates codes against cart totals and manages promotion definitions.
type PromotionService interface {
	// Evaluate is read-only: it never consumes usage. Invalid codes return a
	// quote with Valid=false and a buyer-facing message rather than an error.
	Evaluate(ctx context.Context, code string, cartTotal int64) (PromotionQuote, error)
	CreatePromotion(ctx context.Context, cmd UpsertPromotionCommand) (Promotion, error)
	UpdatePromotion(ctx context.Context, cmd UpsertPromotionCommand) (Promotion, error)
	DeletePromotion(ctx context.Context, promotionID string) error
	ListPromotions(ctx context.Context, filter PromotionListFilter) (domain.CursorPage[Promotion], error)
}

// CartService manages the buyer's mutable pre-checkout state.
type CartService interface {
	GetCart(ctx context.Context, userID string) (Cart, error)
	UpsertItem(ctx context.Context, cmd UpsertCartItemCommand) (Cart, error)
	RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error)
	ClearCart(ctx context.Context, userID string) error
}

// CheckoutService converts a cart into an order in one all-or-nothing step.
type CheckoutService interface {
	Checkout(ctx context.Context, cmd CheckoutCommand) (Order, error)
}

// OrderService owns the order state machine, fulfillment updates, and the
// cancellation/refund workflow.
type OrderService interface {
	GetOrder(ctx context.Context, actor Actor, orderID string) (Order, error)
	ListOrders(ctx context.Context, actor Actor, filter OrderListQuery) (domain.CursorPage[Order], error)
	ListSellerOrders(ctx context.Context, actor Actor, filter OrderListQuery) (domain.CursorPage[Order], error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error)
	UpdateTracking(ctx context.Context, cmd UpdateTrackingCommand) (Order, error)
	BulkUpdateStatus(ctx context.Context, cmd BulkUpdateStatusCommand) ([]BulkUpdateResult, error)
	RequestCancellation(ctx context.Context, cmd RequestCancellationCommand) (Order, error)
	AdjudicateRefund(ctx context.Context, cmd AdjudicateRefundCommand) (Order, error)
	CompleteRefund(ctx context.Context, cmd CompleteRefundCommand) (Order, error)
}

// AnalyticsService replays committed orders into seller and platform reports.
type AnalyticsService interface {
	SellerAnalytics(ctx context.Context, actor Actor) (SellerAnalytics, error)
	PlatformStats(ctx context.Context) (PlatformStats, error)
	ExportSellerOrdersCSV(ctx context.Context, actor Actor, filter OrderListQuery, w io.Writer) error
}

// AuditLogService centralizes immutable audit log persistence and retrieval.
type AuditLogService interface {
	Record(ctx context.Context, cmd RecordAuditCommand) error
	List(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[AuditLog], error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) (string, error)
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	OrderNumber    string         `json:"orderNumber,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	Status         string         `json:"status,omitempty"`
	RefundStatus   string         `json:"refundStatus,omitempty"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Command and DTO definitions ------------------------------------------------

type UpsertPromotionCommand struct {
	PromotionID       string
	Code              string
	Description       string
	DiscountType      DiscountType
	DiscountValue     int64
	MinPurchaseAmount int64
	MaxDiscountAmount *int64
	UsageLimit        *int
	ValidFrom         time.Time
	ValidUntil        *time.Time
	IsActive          bool
	ActorID           string
}

type PromotionListFilter = repositories.PromotionListFilter

type UpsertCartItemCommand struct {
	UserID    string
	ProductID string
	Quantity  int
}

type RemoveCartItemCommand struct {
	UserID string
	ItemID string
}

type CheckoutCommand struct {
	UserID          string
	ShippingAddress string
	PromoCode       string
}

type OrderListQuery struct {
	Search       string
	Status       []string
	RefundStatus []string
	DateRange    domain.RangeQuery[time.Time]
	Pagination   Pagination
}

type UpdateOrderStatusCommand struct {
	OrderID      string
	Actor        Actor
	TargetStatus OrderStatus
}

type UpdateTrackingCommand struct {
	OrderID        string
	Actor          Actor
	TrackingNumber *string
	SellerNotes    *string
}

type BulkUpdateStatusCommand struct {
	OrderIDs     []string
	Actor        Actor
	TargetStatus OrderStatus
}

// BulkUpdateResult reports the outcome of one order inside a bulk update.
type BulkUpdateResult struct {
	OrderID string
	Order   *Order
	Err     error
}

type RequestCancellationCommand struct {
	OrderID string
	BuyerID string
	Reason  string
}

// RefundDecision enumerates the outcomes a seller or admin may choose for a
// pending cancellation request.
type RefundDecision string

const (
	RefundDecisionApprove RefundDecision = "approve"
	RefundDecisionReject  RefundDecision = "reject"
)

type AdjudicateRefundCommand struct {
	OrderID  string
	Actor    Actor
	Decision RefundDecision
	Notes    string
}

type CompleteRefundCommand struct {
	OrderID string
	Actor   Actor
}

type RecordAuditCommand struct {
	ActorID    string
	ActorRole  string
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

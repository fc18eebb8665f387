package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was placed and awaits seller action.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates the seller accepted the order and is preparing it.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has been handed to a carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the buyer. Terminal.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled before shipment. Terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// RefundStatus tracks the cancellation/refund sub-state attached to an order.
type RefundStatus string

const (
	// RefundStatusNone indicates no refund activity on the order.
	RefundStatusNone RefundStatus = "none"
	// RefundStatusRequested indicates the buyer asked for cancellation and a decision is pending.
	RefundStatusRequested RefundStatus = "requested"
	// RefundStatusApproved indicates the request was granted and the order cancelled.
	RefundStatusApproved RefundStatus = "approved"
	// RefundStatusRejected indicates the request was declined; the order proceeds.
	RefundStatusRejected RefundStatus = "rejected"
	// RefundStatusCompleted indicates the approved refund was paid out.
	RefundStatusCompleted RefundStatus = "completed"
)

// Order is the order aggregate: header, embedded items, and the money snapshot
// captured at checkout. Items never change after creation.
type Order struct {
	ID                 string
	OrderNumber        string
	UserID             string
	Status             OrderStatus
	RefundStatus       RefundStatus
	Currency           string
	Subtotal           int64
	Discount           int64
	Total              int64
	PromoCode          *string
	Items              []OrderItem
	StoreIDs           []string
	ShippingAddress    string
	TrackingNumber     *string
	SellerNotes        *string
	CancellationReason *string
	RefundNotes        *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	PlacedAt           *time.Time
	ShippedAt          *time.Time
	DeliveredAt        *time.Time
	CancelledAt        *time.Time
	RefundRequestedAt  *time.Time
	RefundResolvedAt   *time.Time
}

// OrderItem mirrors a cart line at the time of checkout. Price and name are
// snapshots; later catalog edits never affect a placed order.
type OrderItem struct {
	ID          string
	ProductID   string
	StoreID     string
	Name        string
	Quantity    int
	PriceAtTime int64
	LineTotal   int64
}

// DiscountType enumerates how a promotion's value is interpreted.
type DiscountType string

const (
	// DiscountTypePercentage applies DiscountValue as a percentage of the cart total.
	DiscountTypePercentage DiscountType = "percentage"
	// DiscountTypeFixed applies DiscountValue as an absolute amount in minor units.
	DiscountTypeFixed DiscountType = "fixed"
)

// Promotion describes a discount code and its redemption constraints.
type Promotion struct {
	ID                string
	Code              string
	Description       string
	DiscountType      DiscountType
	DiscountValue     int64
	MinPurchaseAmount int64
	MaxDiscountAmount *int64
	UsageLimit        *int
	UsageCount        int
	ValidFrom         time.Time
	ValidUntil        *time.Time
	IsActive          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PromotionQuote is the outcome of evaluating a code against a cart total.
// Evaluation is read-only; usage is consumed only when an order commits.
type PromotionQuote struct {
	Code           string
	Valid          bool
	DiscountAmount int64
	Message        string
}

// Cart aggregates the mutable pre-checkout state for a buyer.
type Cart struct {
	ID        string
	UserID    string
	Items     []CartItem
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CartItem stores a single product entry within a cart. Carts carry no
// prices; pricing is read live from the catalog at checkout.
type CartItem struct {
	ID        string
	ProductID string
	Quantity  int
	AddedAt   time.Time
}

// Product is the catalog read model consumed by checkout and analytics.
type Product struct {
	ID             string
	StoreID        string
	Name           string
	Price          int64
	Currency       string
	InventoryCount int
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store ties seller identities to the products and orders they may manage.
type Store struct {
	ID        string
	OwnerID   string
	Name      string
	CreatedAt time.Time
}

// AuditLog records a privileged mutation for traceability.
type AuditLog struct {
	ID         string
	ActorID    string
	ActorRole  string
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// SellerAnalytics summarises a seller's order history for the dashboard.
type SellerAnalytics struct {
	TotalRevenue      int64
	TotalOrders       int
	CompletedOrders   int
	PendingOrders     int
	CancelledOrders   int
	AverageOrderValue int64
	RevenueByMonth    []MonthlyRevenue
	TopProducts       []ProductSales
}

// MonthlyRevenue is one month's revenue bucket in a seller report.
type MonthlyRevenue struct {
	Month   string
	Revenue int64
	Orders  int
}

// ProductSales ranks a product by units sold and revenue.
type ProductSales struct {
	ProductID string
	Name      string
	Units     int
	Revenue   int64
}

// PlatformStats aggregates marketplace-wide totals for the admin dashboard.
type PlatformStats struct {
	TotalOrders     int
	TotalRevenue    int64
	OrdersByStatus  map[OrderStatus]int
	RefundsByStatus map[RefundStatus]int
	PendingRefunds  int
}

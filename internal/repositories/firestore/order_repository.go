package firestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/maplemarket/api/internal/domain"
	pfirestore "github.com/maplemarket/api/internal/platform/firestore"
	"github.com/maplemarket/api/internal/repositories"
)

const (
	ordersCollection = "orders"

	maxOrderPageSize     = 200
	defaultOrderPageSize = 50
)

// OrderRepository persists order aggregates in Firestore. Items are embedded
// in the order document: they are immutable snapshots and always read together
// with the header.
type OrderRepository struct {
	provider   *pfirestore.Provider
	orders     *pfirestore.BaseRepository[orderDocument]
	products   *pfirestore.BaseRepository[productDocument]
	promotions *pfirestore.BaseRepository[promotionDocument]
	carts      *pfirestore.BaseRepository[cartDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider:   provider,
		orders:     pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil),
		products:   pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil),
		promotions: pfirestore.NewBaseRepository[promotionDocument](provider, promotionsCollection, nil, nil),
		carts:      pfirestore.NewBaseRepository[cartDocument](provider, cartsCollection, nil, nil),
	}, nil
}

// CreateFromCheckout commits the whole checkout in one transaction: inventory
// decrements, guarded promotion usage increment, order insert, and cart clear.
// Firestore requires all reads before writes, so the transaction is staged as
// read-validate-write.
func (r *OrderRepository) CreateFromCheckout(ctx context.Context, op repositories.CheckoutPersist) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	order := op.Order
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	if len(order.Items) == 0 {
		return domain.Order{}, errors.New("order repository: order must contain items")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}

		type productWrite struct {
			ref *firestore.DocumentRef
			doc productDocument
		}
		productWrites := make([]productWrite, 0, len(order.Items))
		for _, item := range order.Items {
			productRef, err := r.products.DocumentRef(ctx, item.ProductID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(productRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return &repositories.CheckoutError{
						Code:      repositories.CheckoutErrorProductUnavailable,
						ProductID: item.ProductID,
						Message:   fmt.Sprintf("product %s no longer exists", item.ProductID),
						Err:       err,
					}
				}
				return err
			}
			var doc productDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode product %s: %w", item.ProductID, err)
			}
			if !doc.IsActive {
				return &repositories.CheckoutError{
					Code:      repositories.CheckoutErrorProductUnavailable,
					ProductID: item.ProductID,
					Message:   fmt.Sprintf("product %s is no longer for sale", item.ProductID),
				}
			}
			if doc.InventoryCount < item.Quantity {
				return &repositories.CheckoutError{
					Code:      repositories.CheckoutErrorInsufficientStock,
					ProductID: item.ProductID,
					Message:   fmt.Sprintf("only %d of %s left in stock", doc.InventoryCount, item.ProductID),
				}
			}
			doc.InventoryCount -= item.Quantity
			doc.UpdatedAt = order.CreatedAt
			productWrites = append(productWrites, productWrite{ref: productRef, doc: doc})
		}

		var promoRef *firestore.DocumentRef
		var promoDoc promotionDocument
		if op.PromoCode != nil && strings.TrimSpace(*op.PromoCode) != "" {
			promoRef, err = r.promotions.DocumentRef(ctx, *op.PromoCode)
			if err != nil {
				return err
			}
			snap, err := tx.Get(promoRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return &repositories.CheckoutError{
						Code:    repositories.CheckoutErrorPromotionExhausted,
						Message: fmt.Sprintf("promotion %s is no longer available", *op.PromoCode),
						Err:     err,
					}
				}
				return err
			}
			if err := snap.DataTo(&promoDoc); err != nil {
				return fmt.Errorf("decode promotion %s: %w", *op.PromoCode, err)
			}
			if checkErr := checkPromotionRedeemable(promoDoc, order.CreatedAt); checkErr != nil {
				return checkErr
			}
			promoDoc.UsageCount++
			promoDoc.UpdatedAt = order.CreatedAt
		}

		var cartRef *firestore.DocumentRef
		if buyer := strings.TrimSpace(op.ClearCartFor); buyer != "" {
			cartRef, err = r.carts.DocumentRef(ctx, buyer)
			if err != nil {
				return err
			}
		}

		// Reads done; apply all writes.
		for _, write := range productWrites {
			if err := tx.Set(write.ref, write.doc); err != nil {
				return err
			}
		}
		if promoRef != nil {
			if err := tx.Set(promoRef, promoDoc); err != nil {
				return err
			}
		}
		if err := tx.Create(orderRef, newOrderDocument(order)); err != nil {
			return err
		}
		if cartRef != nil {
			if err := tx.Delete(cartRef); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var checkoutErr *repositories.CheckoutError
		if errors.As(err, &checkoutErr) {
			if checkoutErr.Op == "" {
				checkoutErr.Op = "orders.createFromCheckout"
			}
			return domain.Order{}, checkoutErr
		}
		return domain.Order{}, pfirestore.WrapError("orders.createFromCheckout", err)
	}
	return order, nil
}

// checkPromotionRedeemable re-runs the full disqualification against the
// in-transaction snapshot. Evaluation happened outside the transaction, so a
// promotion deactivated, expired, or drained since then must still abort the
// checkout here.
func checkPromotionRedeemable(doc promotionDocument, now time.Time) *repositories.CheckoutError {
	code := doc.Code
	if code == "" {
		code = doc.ID
	}
	if !doc.IsActive {
		return &repositories.CheckoutError{
			Code:    repositories.CheckoutErrorPromotionExhausted,
			Message: fmt.Sprintf("promotion %s is no longer active", code),
		}
	}
	if now.Before(doc.ValidFrom) {
		return &repositories.CheckoutError{
			Code:    repositories.CheckoutErrorPromotionExhausted,
			Message: fmt.Sprintf("promotion %s is not yet valid", code),
		}
	}
	if doc.ValidUntil != nil && now.After(*doc.ValidUntil) {
		return &repositories.CheckoutError{
			Code:    repositories.CheckoutErrorPromotionExhausted,
			Message: fmt.Sprintf("promotion %s has expired", code),
		}
	}
	if doc.UsageLimit != nil && doc.UsageCount >= *doc.UsageLimit {
		return &repositories.CheckoutError{
			Code:    repositories.CheckoutErrorPromotionExhausted,
			Message: fmt.Sprintf("promotion %s has been fully redeemed", code),
		}
	}
	return nil
}

// Transition re-reads the order inside a transaction, applies the mutator,
// and writes the result. Guard failures raised by the mutator abort the
// transaction without writing and pass through to the caller untouched.
func (r *OrderRepository) Transition(ctx context.Context, orderID string, apply func(domain.Order) (domain.Order, error)) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	if apply == nil {
		return domain.Order{}, errors.New("order repository: mutator is required")
	}

	var updated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError("orders.transition", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		next, err := apply(doc.toDomain(orderID))
		if err != nil {
			return err
		}
		next.ID = orderID
		if err := tx.Set(ref, newOrderDocument(next)); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) {
			return domain.Order{}, repoErr
		}
		if status.Code(err) != codes.OK && status.Code(err) != codes.Unknown {
			return domain.Order{}, pfirestore.WrapError("orders.transition", err)
		}
		return domain.Order{}, err
	}
	return updated, nil
}

// FindByID loads a single order aggregate.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// List queries orders with cursor pagination, newest first. Search matches the
// human-facing order number exactly.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = defaultOrderPageSize
	}
	if pageSize > maxOrderPageSize {
		pageSize = maxOrderPageSize
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}

	query := client.Collection(ordersCollection).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if len(filter.StoreIDs) > 0 {
		query = query.Where("storeIds", "array-contains-any", toAnySlice(filter.StoreIDs))
	}
	if len(filter.Status) > 0 {
		query = query.Where("status", "in", toAnySlice(filter.Status))
	}
	if len(filter.RefundStatus) > 0 {
		query = query.Where("refundStatus", "in", toAnySlice(filter.RefundStatus))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		query = query.Where("orderNumber", "==", search)
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := decodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		query = query.StartAfter(cursor.CreatedAt, cursor.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := encodeOrderPageToken(orderPageToken{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: nextToken}, nil
}

// Document structures -------------------------------------------------------

type orderDocument struct {
	OrderNumber        string              `firestore:"orderNumber"`
	UserID             string              `firestore:"userId"`
	Status             string              `firestore:"status"`
	RefundStatus       string              `firestore:"refundStatus"`
	Currency           string              `firestore:"currency"`
	Subtotal           int64               `firestore:"subtotal"`
	Discount           int64               `firestore:"discount"`
	Total              int64               `firestore:"total"`
	PromoCode          *string             `firestore:"promoCode,omitempty"`
	Items              []orderItemDocument `firestore:"items"`
	StoreIDs           []string            `firestore:"storeIds"`
	ShippingAddress    string              `firestore:"shippingAddress"`
	TrackingNumber     *string             `firestore:"trackingNumber,omitempty"`
	SellerNotes        *string             `firestore:"sellerNotes,omitempty"`
	CancellationReason *string             `firestore:"cancellationReason,omitempty"`
	RefundNotes        *string             `firestore:"refundNotes,omitempty"`
	CreatedAt          time.Time           `firestore:"createdAt"`
	UpdatedAt          time.Time           `firestore:"updatedAt"`
	PlacedAt           *time.Time          `firestore:"placedAt,omitempty"`
	ShippedAt          *time.Time          `firestore:"shippedAt,omitempty"`
	DeliveredAt        *time.Time          `firestore:"deliveredAt,omitempty"`
	CancelledAt        *time.Time          `firestore:"cancelledAt,omitempty"`
	RefundRequestedAt  *time.Time          `firestore:"refundRequestedAt,omitempty"`
	RefundResolvedAt   *time.Time          `firestore:"refundResolvedAt,omitempty"`
}

type orderItemDocument struct {
	ID          string `firestore:"id"`
	ProductID   string `firestore:"productId"`
	StoreID     string `firestore:"storeId"`
	Name        string `firestore:"name"`
	Quantity    int    `firestore:"qty"`
	PriceAtTime int64  `firestore:"priceAtTime"`
	LineTotal   int64  `firestore:"lineTotal"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			ID:          item.ID,
			ProductID:   item.ProductID,
			StoreID:     item.StoreID,
			Name:        item.Name,
			Quantity:    item.Quantity,
			PriceAtTime: item.PriceAtTime,
			LineTotal:   item.LineTotal,
		}
	}
	return orderDocument{
		OrderNumber:        order.OrderNumber,
		UserID:             order.UserID,
		Status:             string(order.Status),
		RefundStatus:       string(order.RefundStatus),
		Currency:           order.Currency,
		Subtotal:           order.Subtotal,
		Discount:           order.Discount,
		Total:              order.Total,
		PromoCode:          order.PromoCode,
		Items:              items,
		StoreIDs:           order.StoreIDs,
		ShippingAddress:    order.ShippingAddress,
		TrackingNumber:     order.TrackingNumber,
		SellerNotes:        order.SellerNotes,
		CancellationReason: order.CancellationReason,
		RefundNotes:        order.RefundNotes,
		CreatedAt:          order.CreatedAt.UTC(),
		UpdatedAt:          order.UpdatedAt.UTC(),
		PlacedAt:           order.PlacedAt,
		ShippedAt:          order.ShippedAt,
		DeliveredAt:        order.DeliveredAt,
		CancelledAt:        order.CancelledAt,
		RefundRequestedAt:  order.RefundRequestedAt,
		RefundResolvedAt:   order.RefundResolvedAt,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderItem{
			ID:          item.ID,
			ProductID:   item.ProductID,
			StoreID:     item.StoreID,
			Name:        item.Name,
			Quantity:    item.Quantity,
			PriceAtTime: item.PriceAtTime,
			LineTotal:   item.LineTotal,
		}
	}
	return domain.Order{
		ID:                 id,
		OrderNumber:        d.OrderNumber,
		UserID:             d.UserID,
		Status:             domain.OrderStatus(d.Status),
		RefundStatus:       domain.RefundStatus(d.RefundStatus),
		Currency:           d.Currency,
		Subtotal:           d.Subtotal,
		Discount:           d.Discount,
		Total:              d.Total,
		PromoCode:          d.PromoCode,
		Items:              items,
		StoreIDs:           d.StoreIDs,
		ShippingAddress:    d.ShippingAddress,
		TrackingNumber:     d.TrackingNumber,
		SellerNotes:        d.SellerNotes,
		CancellationReason: d.CancellationReason,
		RefundNotes:        d.RefundNotes,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
		PlacedAt:           d.PlacedAt,
		ShippedAt:          d.ShippedAt,
		DeliveredAt:        d.DeliveredAt,
		CancelledAt:        d.CancelledAt,
		RefundRequestedAt:  d.RefundRequestedAt,
		RefundResolvedAt:   d.RefundResolvedAt,
	}
}

type orderPageToken struct {
	ID        string
	CreatedAt time.Time
}

func encodeOrderPageToken(token orderPageToken) (string, error) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(token); err != nil {
		return "", fmt.Errorf("encode order page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeOrderPageToken(encoded string) (*orderPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode order page token: %w", err)
	}
	var token orderPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode order page token json: %w", err)
	}
	return &token, nil
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

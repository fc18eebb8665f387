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

type stubStoreRepository struct {
	stores map[string][]domain.Store
	err    error
}

func (s *stubStoreRepository) FindByID(_ context.Context, storeID string) (domain.Store, error) {
	if s.err != nil {
		return domain.Store{}, s.err
	}
	for _, owned := range s.stores {
		for _, store := range owned {
			if store.ID == storeID {
				return store, nil
			}
		}
	}
	return domain.Store{}, &stubRepoError{notFound: true}
}

func (s *stubStoreRepository) ListByOwner(_ context.Context, ownerID string) ([]domain.Store, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.stores[ownerID], nil
}

type stubAuditService struct {
	records []RecordAuditCommand
}

func (s *stubAuditService) Record(_ context.Context, cmd RecordAuditCommand) error {
	s.records = append(s.records, cmd)
	return nil
}

func (s *stubAuditService) List(_ context.Context, _ repositories.AuditLogFilter) (domain.CursorPage[AuditLog], error) {
	return domain.CursorPage[AuditLog]{}, nil
}

var (
	buyerActor       = Actor{ID: "buyer-1", Roles: []string{"buyer"}}
	sellerActor      = Actor{ID: "seller-1", Roles: []string{"seller"}}
	otherSellerActor = Actor{ID: "seller-2", Roles: []string{"seller"}}
	adminActor       = Actor{ID: "admin-1", Roles: []string{"admin"}}
)

type orderFixture struct {
	orders *stubOrderRepository
	stores *stubStoreRepository
	events *stubEventPublisher
	audit  *stubAuditService
	now    time.Time
	svc    OrderService
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	now := time.Date(2025, time.April, 2, 9, 0, 0, 0, time.UTC)
	f := &orderFixture{
		orders: &stubOrderRepository{orders: map[string]domain.Order{
			"ord_1": {
				ID: "ord_1", OrderNumber: "MK-2025-000001", UserID: "buyer-1",
				Status: domain.OrderStatusPending, RefundStatus: domain.RefundStatusNone,
				StoreIDs: []string{"store-1"}, Total: 8000,
			},
			"ord_2": {
				ID: "ord_2", OrderNumber: "MK-2025-000002", UserID: "buyer-2",
				Status: domain.OrderStatusProcessing, RefundStatus: domain.RefundStatusNone,
				StoreIDs: []string{"store-2"}, Total: 2500,
			},
		}},
		stores: &stubStoreRepository{stores: map[string][]domain.Store{
			"seller-1": {{ID: "store-1", OwnerID: "seller-1", Name: "Maple Goods"}},
			"seller-2": {{ID: "store-2", OwnerID: "seller-2", Name: "Birch & Co"}},
		}},
		events: &stubEventPublisher{},
		audit:  &stubAuditService{},
		now:    now,
	}

	seq := 0
	svc, err := NewOrderService(OrderServiceDeps{
		Orders: f.orders,
		Stores: f.stores,
		Audit:  f.audit,
		Clock:  func() time.Time { return f.now },
		IDGenerator: func() string {
			seq++
			return testSequenceID(seq)
		},
		Events: f.events,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	f.svc = svc
	return f
}

func TestOrderUpdateStatusHappyPath(t *testing.T) {
	f := newOrderFixture(t)

	order, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID: "ord_1", Actor: sellerActor, TargetStatus: domain.OrderStatusProcessing,
	})
	if err != nil {
		t.Fatalf("UpdateStatus returned error: %v", err)
	}
	if order.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected processing, got %s", order.Status)
	}
	if !order.UpdatedAt.Equal(f.now) {
		t.Fatalf("expected UpdatedAt stamped, got %v", order.UpdatedAt)
	}

	if len(f.events.events) != 1 {
		t.Fatalf("expected one event, got %d", len(f.events.events))
	}
	event := f.events.events[0]
	if event.Type != "order.status.changed" || event.PreviousStatus != "pending" || event.Status != "processing" {
		t.Fatalf("unexpected event %+v", event)
	}

	if len(f.audit.records) != 1 || f.audit.records[0].Action != "order.status.updated" {
		t.Fatalf("expected audit record, got %+v", f.audit.records)
	}
}

func TestOrderUpdateStatusForwardSkip(t *testing.T) {
	f := newOrderFixture(t)

	order, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID: "ord_1", Actor: sellerActor, TargetStatus: domain.OrderStatusDelivered,
	})
	if err != nil {
		t.Fatalf("expected forward skip to be legal, got %v", err)
	}
	if order.DeliveredAt == nil || !order.DeliveredAt.Equal(f.now) {
		t.Fatalf("expected DeliveredAt stamped, got %v", order.DeliveredAt)
	}
}

func TestOrderUpdateStatusTimestamps(t *testing.T) {
	f := newOrderFixture(t)

	order, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID: "ord_1", Actor: sellerActor, TargetStatus: domain.OrderStatusShipped,
	})
	if err != nil {
		t.Fatalf("UpdateStatus returned error: %v", err)
	}
	if order.ShippedAt == nil {
		t.Fatal("expected ShippedAt stamped")
	}
	if order.DeliveredAt != nil {
		t.Fatal("expected DeliveredAt unset")
	}
}

func TestOrderUpdateStatusRejectsBackwards(t *testing.T) {
	f := newOrderFixture(t)
	f.orders.orders["ord_1"] = domain.Order{
		ID: "ord_1", UserID: "buyer-1", Status: domain.OrderStatusShipped,
		RefundStatus: domain.RefundStatusNone, StoreIDs: []string{"store-1"},
	}

	_, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID: "ord_1", Actor: sellerActor, TargetStatus: domain.OrderStatusProcessing,
	})
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected ErrOrderInvalidTransition, got %v", err)
	}
}

func TestOrderUpdateStatusAdminOverrideBackwards(t *testing.T) {
	f := newOrderFixture(t)
	f.orders.orders["ord_1"] = domain.Order{
		ID: "ord_1", UserID: "buyer-1", Status: domain.OrderStatusShipped,
		RefundStatus: domain.RefundStatusNone, StoreIDs: []string{"store-1"},
	}

	order, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID: "ord_1", Actor: adminActor, TargetStatus: domain.OrderStatusProcessing,
	})
	if err != nil {
		t.Fatalf("expected admin override to succeed, got %v", err)
	}
	if order.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected processing, got %s", order.Status)
	}
}

func TestOrderUpdateStatusTerminalRejectsEveryone(t *testing.T) {
	f := newOrderFixture(t)
	f.orders.orders["ord_1"] = domain.Order{
		ID: "ord_1", UserID: "buyer-1", Status: domain.OrderStatusDelivered,
		RefundStatus: domain.RefundStatusNone, StoreIDs: []string{"store-1"},
	}

	for _, actor := range []Actor{sellerActor, adminActor} {
		_, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
			OrderID: "ord_1", Actor: actor, TargetStatus: domain.OrderStatusCancelled,
		})
		if !errors.Is(err, ErrOrderInvalidTransition) {
			t.Fatalf("actor %s: expected ErrOrderInvalidTransition, got %v", actor.ID, err)
		}
	}
}

func TestOrderUpdateStatusForeignStoreForbidden(t *testing.T) {
	f := newOrderFixture(t)

	_, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID: "ord_1", Actor: otherSellerActor, TargetStatus: domain.OrderStatusProcessing,
	})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
}

func TestOrderUpdateStatusBuyerForbidden(t *testing.T) {
	f := newOrderFixture(t)

	_, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID: "ord_1", Actor: buyerActor, TargetStatus: domain.OrderStatusProcessing,
	})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
}

func TestOrderUpdateTrackingAfterDelivery(t *testing.T) {
	f := newOrderFixture(t)
	f.orders.orders["ord_1"] = domain.Order{
		ID: "ord_1", UserID: "buyer-1", Status: domain.OrderStatusDelivered,
		RefundStatus: domain.RefundStatusNone, StoreIDs: []string{"store-1"},
	}

	tracking := "CA123456789"
	notes := "Left at the <b>front desk</b>"
	order, err := f.svc.UpdateTracking(context.Background(), UpdateTrackingCommand{
		OrderID: "ord_1", Actor: sellerActor, TrackingNumber: &tracking, SellerNotes: &notes,
	})
	if err != nil {
		t.Fatalf("UpdateTracking returned error: %v", err)
	}
	if order.TrackingNumber == nil || *order.TrackingNumber != "CA123456789" {
		t.Fatalf("unexpected tracking number %v", order.TrackingNumber)
	}
	if order.SellerNotes == nil || strings.Contains(*order.SellerNotes, "<b>") {
		t.Fatalf("expected markup stripped from notes, got %v", order.SellerNotes)
	}
}

func TestOrderUpdateTrackingRequiresPayload(t *testing.T) {
	f := newOrderFixture(t)

	_, err := f.svc.UpdateTracking(context.Background(), UpdateTrackingCommand{
		OrderID: "ord_1", Actor: sellerActor,
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestOrderBulkUpdatePartialSuccess(t *testing.T) {
	f := newOrderFixture(t)

	results, err := f.svc.BulkUpdateStatus(context.Background(), BulkUpdateStatusCommand{
		OrderIDs:     []string{"ord_1", "ord_2", "ord_missing"},
		Actor:        sellerActor,
		TargetStatus: domain.OrderStatusProcessing,
	})
	if err != nil {
		t.Fatalf("BulkUpdateStatus returned error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	if results[0].Err != nil || results[0].Order == nil || results[0].Order.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected ord_1 to succeed, got %+v", results[0])
	}
	// ord_2 belongs to another seller's store.
	if !errors.Is(results[1].Err, ErrOrderForbidden) {
		t.Fatalf("expected ord_2 forbidden, got %v", results[1].Err)
	}
	if !errors.Is(results[2].Err, ErrOrderNotFound) {
		t.Fatalf("expected ord_missing not found, got %v", results[2].Err)
	}

	// The forbidden order must be untouched.
	if got := f.orders.orders["ord_2"].Status; got != domain.OrderStatusProcessing {
		t.Fatalf("ord_2 should remain processing, got %s", got)
	}
}

func TestOrderRequestCancellation(t *testing.T) {
	f := newOrderFixture(t)

	order, err := f.svc.RequestCancellation(context.Background(), RequestCancellationCommand{
		OrderID: "ord_1", BuyerID: "buyer-1", Reason: "changed my mind",
	})
	if err != nil {
		t.Fatalf("RequestCancellation returned error: %v", err)
	}
	if order.RefundStatus != domain.RefundStatusRequested {
		t.Fatalf("expected requested, got %s", order.RefundStatus)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("cancellation request must not change status, got %s", order.Status)
	}
	if order.CancellationReason == nil || *order.CancellationReason != "changed my mind" {
		t.Fatalf("unexpected reason %v", order.CancellationReason)
	}
	if order.RefundRequestedAt == nil {
		t.Fatal("expected RefundRequestedAt stamped")
	}
	if len(f.events.events) != 1 || f.events.events[0].Type != "order.refund.changed" {
		t.Fatalf("expected refund event, got %+v", f.events.events)
	}
}

func TestOrderRequestCancellationGuards(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(order domain.Order) domain.Order
		cmd     RequestCancellationCommand
		wantErr error
	}{
		{
			name:    "missing reason",
			cmd:     RequestCancellationCommand{OrderID: "ord_1", BuyerID: "buyer-1"},
			wantErr: ErrOrderInvalidInput,
		},
		{
			name:    "wrong buyer",
			cmd:     RequestCancellationCommand{OrderID: "ord_1", BuyerID: "buyer-9", Reason: "nope"},
			wantErr: ErrOrderForbidden,
		},
		{
			name: "already requested",
			mutate: func(order domain.Order) domain.Order {
				order.RefundStatus = domain.RefundStatusRequested
				return order
			},
			cmd:     RequestCancellationCommand{OrderID: "ord_1", BuyerID: "buyer-1", Reason: "again"},
			wantErr: ErrOrderRefundAlreadyRequested,
		},
		{
			name: "already shipped",
			mutate: func(order domain.Order) domain.Order {
				order.Status = domain.OrderStatusShipped
				return order
			},
			cmd:     RequestCancellationCommand{OrderID: "ord_1", BuyerID: "buyer-1", Reason: "too late"},
			wantErr: ErrOrderCancellationClosed,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newOrderFixture(t)
			if tc.mutate != nil {
				f.orders.orders["ord_1"] = tc.mutate(f.orders.orders["ord_1"])
			}
			if _, err := f.svc.RequestCancellation(context.Background(), tc.cmd); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestOrderAdjudicateRefundApprove(t *testing.T) {
	f := newOrderFixture(t)
	order := f.orders.orders["ord_1"]
	order.RefundStatus = domain.RefundStatusRequested
	f.orders.orders["ord_1"] = order

	updated, err := f.svc.AdjudicateRefund(context.Background(), AdjudicateRefundCommand{
		OrderID: "ord_1", Actor: sellerActor, Decision: RefundDecisionApprove,
	})
	if err != nil {
		t.Fatalf("AdjudicateRefund returned error: %v", err)
	}
	if updated.RefundStatus != domain.RefundStatusApproved {
		t.Fatalf("expected approved, got %s", updated.RefundStatus)
	}
	if updated.Status != domain.OrderStatusCancelled {
		t.Fatalf("approval must cancel the order, got %s", updated.Status)
	}
	if updated.CancelledAt == nil || !updated.CancelledAt.Equal(f.now) {
		t.Fatalf("expected CancelledAt stamped, got %v", updated.CancelledAt)
	}
	if updated.RefundResolvedAt == nil {
		t.Fatal("expected RefundResolvedAt stamped")
	}

	var types []string
	for _, event := range f.events.events {
		types = append(types, event.Type)
	}
	if len(types) != 2 || types[0] != "order.refund.changed" || types[1] != "order.status.changed" {
		t.Fatalf("expected refund+status events, got %v", types)
	}
}

func TestOrderAdjudicateRefundReject(t *testing.T) {
	f := newOrderFixture(t)
	order := f.orders.orders["ord_1"]
	order.RefundStatus = domain.RefundStatusRequested
	f.orders.orders["ord_1"] = order

	if _, err := f.svc.AdjudicateRefund(context.Background(), AdjudicateRefundCommand{
		OrderID: "ord_1", Actor: sellerActor, Decision: RefundDecisionReject,
	}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("rejection without notes should fail, got %v", err)
	}

	updated, err := f.svc.AdjudicateRefund(context.Background(), AdjudicateRefundCommand{
		OrderID: "ord_1", Actor: sellerActor, Decision: RefundDecisionReject, Notes: "already packed",
	})
	if err != nil {
		t.Fatalf("AdjudicateRefund returned error: %v", err)
	}
	if updated.RefundStatus != domain.RefundStatusRejected {
		t.Fatalf("expected rejected, got %s", updated.RefundStatus)
	}
	if updated.Status != domain.OrderStatusPending {
		t.Fatalf("rejection must leave status unchanged, got %s", updated.Status)
	}
	if updated.RefundNotes == nil || *updated.RefundNotes != "already packed" {
		t.Fatalf("unexpected notes %v", updated.RefundNotes)
	}
}

func TestOrderAdjudicateRefundRequiresRequestedState(t *testing.T) {
	f := newOrderFixture(t)

	_, err := f.svc.AdjudicateRefund(context.Background(), AdjudicateRefundCommand{
		OrderID: "ord_1", Actor: sellerActor, Decision: RefundDecisionApprove,
	})
	if !errors.Is(err, ErrOrderInvalidRefundState) {
		t.Fatalf("expected ErrOrderInvalidRefundState, got %v", err)
	}
}

func TestOrderCompleteRefund(t *testing.T) {
	f := newOrderFixture(t)
	order := f.orders.orders["ord_1"]
	order.Status = domain.OrderStatusCancelled
	order.RefundStatus = domain.RefundStatusApproved
	f.orders.orders["ord_1"] = order

	updated, err := f.svc.CompleteRefund(context.Background(), CompleteRefundCommand{
		OrderID: "ord_1", Actor: adminActor,
	})
	if err != nil {
		t.Fatalf("CompleteRefund returned error: %v", err)
	}
	if updated.RefundStatus != domain.RefundStatusCompleted {
		t.Fatalf("expected completed, got %s", updated.RefundStatus)
	}
	if updated.Status != domain.OrderStatusCancelled {
		t.Fatalf("completion must not touch status, got %s", updated.Status)
	}
}

func TestOrderCompleteRefundRequiresApproval(t *testing.T) {
	f := newOrderFixture(t)
	order := f.orders.orders["ord_1"]
	order.RefundStatus = domain.RefundStatusRequested
	f.orders.orders["ord_1"] = order

	_, err := f.svc.CompleteRefund(context.Background(), CompleteRefundCommand{
		OrderID: "ord_1", Actor: adminActor,
	})
	if !errors.Is(err, ErrOrderInvalidRefundState) {
		t.Fatalf("expected ErrOrderInvalidRefundState, got %v", err)
	}
}

func TestOrderGetOrderPermissions(t *testing.T) {
	f := newOrderFixture(t)

	if _, err := f.svc.GetOrder(context.Background(), buyerActor, "ord_1"); err != nil {
		t.Fatalf("buyer should read own order: %v", err)
	}
	if _, err := f.svc.GetOrder(context.Background(), sellerActor, "ord_1"); err != nil {
		t.Fatalf("owning seller should read order: %v", err)
	}
	if _, err := f.svc.GetOrder(context.Background(), adminActor, "ord_2"); err != nil {
		t.Fatalf("admin should read any order: %v", err)
	}
	if _, err := f.svc.GetOrder(context.Background(), buyerActor, "ord_2"); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden for foreign order, got %v", err)
	}
	if _, err := f.svc.GetOrder(context.Background(), sellerActor, "ord_2"); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden for foreign store, got %v", err)
	}
}

func TestOrderListSellerOrdersWithoutStores(t *testing.T) {
	f := newOrderFixture(t)
	f.stores.stores = map[string][]domain.Store{}

	page, err := f.svc.ListSellerOrders(context.Background(), sellerActor, OrderListQuery{})
	if err != nil {
		t.Fatalf("ListSellerOrders returned error: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("expected empty page for storeless seller, got %d items", len(page.Items))
	}
}

func TestOrderListSellerOrdersRequiresRole(t *testing.T) {
	f := newOrderFixture(t)

	if _, err := f.svc.ListSellerOrders(context.Background(), buyerActor, OrderListQuery{}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
}

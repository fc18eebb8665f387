package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/maplemarket/api/internal/domain"
	"github.com/maplemarket/api/internal/repositories"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderForbidden indicates the actor does not own the order or lacks the role.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderInvalidTransition indicates an illegal status transition was attempted.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderCancellationClosed indicates the order left the window in which the buyer may request cancellation.
	ErrOrderCancellationClosed = errors.New("order: cancellation window closed")
	// ErrOrderRefundAlreadyRequested indicates a cancellation request already exists for the order.
	ErrOrderRefundAlreadyRequested = errors.New("order: refund already requested")
	// ErrOrderInvalidRefundState indicates an illegal refund sub-state transition was attempted.
	ErrOrderInvalidRefundState = errors.New("order: invalid refund transition")
	// ErrOrderConflict indicates optimistic concurrency conflicts.
	ErrOrderConflict = errors.New("order: conflict")
)

// orderStateTransitions lists the forward edges of the fulfillment state
// machine. Skipping ahead is legal (a seller may mark a pending order
// delivered); moving backwards is not, except through the admin override.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusDelivered, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered},
	domain.OrderStatusDelivered:  {},
	domain.OrderStatusCancelled:  {},
}

var orderFreeTextPolicy = bluemonday.StrictPolicy()

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Stores      repositories.StoreRepository
	Audit       AuditLogService
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders repositories.OrderRepository
	stores repositories.StoreRepository
	audit  AuditLogService
	clock  func() time.Time
	newID  func() string
	events OrderEventPublisher
	logger func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Stores == nil {
		return nil, errors.New("order service: store repository is required")
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

	return &orderService{
		orders: deps.Orders,
		stores: deps.Stores,
		audit:  deps.Audit,
		clock:  func() time.Time { return clock().UTC() },
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, actor Actor, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if err := s.authorizeRead(ctx, actor, order); err != nil {
		return Order{}, err
	}
	return order, nil
}

// ListOrders returns the actor's own purchase history.
func (s *orderService) ListOrders(ctx context.Context, actor Actor, filter OrderListQuery) (domain.CursorPage[Order], error) {
	if strings.TrimSpace(actor.ID) == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: actor id is required", ErrOrderInvalidInput)
	}
	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:       actor.ID,
		Status:       filter.Status,
		RefundStatus: filter.RefundStatus,
		Search:       filter.Search,
		DateRange:    filter.DateRange,
		Pagination:   filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// ListSellerOrders returns orders containing at least one item from a store
// the actor owns. Admins see all stores.
func (s *orderService) ListSellerOrders(ctx context.Context, actor Actor, filter OrderListQuery) (domain.CursorPage[Order], error) {
	if !actor.IsSeller() && !actor.IsAdmin() {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: seller role required", ErrOrderForbidden)
	}

	repoFilter := repositories.OrderListFilter{
		Status:       filter.Status,
		RefundStatus: filter.RefundStatus,
		Search:       filter.Search,
		DateRange:    filter.DateRange,
		Pagination:   filter.Pagination,
	}
	if !actor.IsAdmin() {
		storeIDs, err := s.ownedStoreIDs(ctx, actor.ID)
		if err != nil {
			return domain.CursorPage[Order]{}, err
		}
		if len(storeIDs) == 0 {
			return domain.CursorPage[Order]{}, nil
		}
		repoFilter.StoreIDs = storeIDs
	}

	page, err := s.orders.List(ctx, repoFilter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// UpdateStatus advances (or, for admins, forces) the fulfillment status of an
// order. The transition runs as a compare-and-swap: guards are re-evaluated
// against the stored order inside the storage transaction.
func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !isKnownStatus(cmd.TargetStatus) {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.TargetStatus)
	}
	if !cmd.Actor.IsSeller() && !cmd.Actor.IsAdmin() {
		return Order{}, fmt.Errorf("%w: seller role required", ErrOrderForbidden)
	}

	storeIDs, err := s.managementScope(ctx, cmd.Actor)
	if err != nil {
		return Order{}, err
	}

	var previous domain.OrderStatus
	updated, err := s.orders.Transition(ctx, orderID, func(order domain.Order) (domain.Order, error) {
		if err := authorizeManage(cmd.Actor, storeIDs, order); err != nil {
			return domain.Order{}, err
		}
		previous = order.Status
		return s.applyStatusTransition(order, cmd.TargetStatus, cmd.Actor)
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	now := s.clock()
	s.publishStatusChanged(ctx, updated, previous, cmd.Actor.ID, now)
	s.recordAudit(ctx, cmd.Actor, "order.status.updated", updated.ID, map[string]any{
		"from": string(previous),
		"to":   string(updated.Status),
	})
	return updated, nil
}

// UpdateTracking sets the tracking number and seller notes. Unlike status,
// this is pure bookkeeping and stays writable after the order reaches a
// terminal state.
func (s *orderService) UpdateTracking(ctx context.Context, cmd UpdateTrackingCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.TrackingNumber == nil && cmd.SellerNotes == nil {
		return Order{}, fmt.Errorf("%w: nothing to update", ErrOrderInvalidInput)
	}
	if !cmd.Actor.IsSeller() && !cmd.Actor.IsAdmin() {
		return Order{}, fmt.Errorf("%w: seller role required", ErrOrderForbidden)
	}

	storeIDs, err := s.managementScope(ctx, cmd.Actor)
	if err != nil {
		return Order{}, err
	}

	updated, err := s.orders.Transition(ctx, orderID, func(order domain.Order) (domain.Order, error) {
		if err := authorizeManage(cmd.Actor, storeIDs, order); err != nil {
			return domain.Order{}, err
		}
		if cmd.TrackingNumber != nil {
			order.TrackingNumber = sanitizedText(*cmd.TrackingNumber)
		}
		if cmd.SellerNotes != nil {
			order.SellerNotes = sanitizedText(*cmd.SellerNotes)
		}
		order.UpdatedAt = s.clock()
		return order, nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.recordAudit(ctx, cmd.Actor, "order.tracking.updated", updated.ID, nil)
	return updated, nil
}

// BulkUpdateStatus applies one target status across many orders. Each order is
// validated and committed independently; one failure never rolls back the
// others, and every ID gets its own outcome in the result slice.
func (s *orderService) BulkUpdateStatus(ctx context.Context, cmd BulkUpdateStatusCommand) ([]BulkUpdateResult, error) {
	if len(cmd.OrderIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one order id is required", ErrOrderInvalidInput)
	}
	if !isKnownStatus(cmd.TargetStatus) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.TargetStatus)
	}
	if !cmd.Actor.IsSeller() && !cmd.Actor.IsAdmin() {
		return nil, fmt.Errorf("%w: seller role required", ErrOrderForbidden)
	}

	storeIDs, err := s.managementScope(ctx, cmd.Actor)
	if err != nil {
		return nil, err
	}

	results := make([]BulkUpdateResult, 0, len(cmd.OrderIDs))
	succeeded := 0
	for _, rawID := range cmd.OrderIDs {
		orderID := strings.TrimSpace(rawID)
		if orderID == "" {
			results = append(results, BulkUpdateResult{OrderID: rawID, Err: fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)})
			continue
		}

		var previous domain.OrderStatus
		updated, err := s.orders.Transition(ctx, orderID, func(order domain.Order) (domain.Order, error) {
			if err := authorizeManage(cmd.Actor, storeIDs, order); err != nil {
				return domain.Order{}, err
			}
			previous = order.Status
			return s.applyStatusTransition(order, cmd.TargetStatus, cmd.Actor)
		})
		if err != nil {
			results = append(results, BulkUpdateResult{OrderID: orderID, Err: s.mapRepositoryError(err)})
			continue
		}

		succeeded++
		order := updated
		results = append(results, BulkUpdateResult{OrderID: orderID, Order: &order})
		s.publishStatusChanged(ctx, updated, previous, cmd.Actor.ID, s.clock())
	}

	s.recordAudit(ctx, cmd.Actor, "order.status.bulk_updated", "", map[string]any{
		"target":    string(cmd.TargetStatus),
		"requested": len(cmd.OrderIDs),
		"succeeded": succeeded,
	})
	s.logger(ctx, "order.bulk_update.finished", map[string]any{
		"actor":     cmd.Actor.ID,
		"target":    string(cmd.TargetStatus),
		"requested": len(cmd.OrderIDs),
		"succeeded": succeeded,
	})
	return results, nil
}

// RequestCancellation opens a refund request on behalf of the buyer. The order
// must still be pending and must not already carry a request. Status is left
// untouched: a cancellation is a request until a seller or admin adjudicates
// it.
func (s *orderService) RequestCancellation(ctx context.Context, cmd RequestCancellationCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	buyerID := strings.TrimSpace(cmd.BuyerID)
	reason := strings.TrimSpace(orderFreeTextPolicy.Sanitize(cmd.Reason))
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if buyerID == "" {
		return Order{}, fmt.Errorf("%w: buyer id is required", ErrOrderInvalidInput)
	}
	if reason == "" {
		return Order{}, fmt.Errorf("%w: cancellation reason is required", ErrOrderInvalidInput)
	}

	updated, err := s.orders.Transition(ctx, orderID, func(order domain.Order) (domain.Order, error) {
		if order.UserID != buyerID {
			return domain.Order{}, fmt.Errorf("%w: order belongs to another buyer", ErrOrderForbidden)
		}
		if order.RefundStatus != domain.RefundStatusNone {
			return domain.Order{}, ErrOrderRefundAlreadyRequested
		}
		if order.Status != domain.OrderStatusPending {
			return domain.Order{}, fmt.Errorf("%w: order is %s", ErrOrderCancellationClosed, order.Status)
		}

		now := s.clock()
		order.RefundStatus = domain.RefundStatusRequested
		order.CancellationReason = &reason
		order.RefundRequestedAt = &now
		order.UpdatedAt = now
		return order, nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishRefundChanged(ctx, updated, buyerID)
	return updated, nil
}

// AdjudicateRefund resolves a pending cancellation request. Approval cancels
// the order in the same write; rejection requires notes and lets fulfillment
// proceed.
func (s *orderService) AdjudicateRefund(ctx context.Context, cmd AdjudicateRefundCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	notes := strings.TrimSpace(orderFreeTextPolicy.Sanitize(cmd.Notes))
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.Decision != RefundDecisionApprove && cmd.Decision != RefundDecisionReject {
		return Order{}, fmt.Errorf("%w: unknown decision %q", ErrOrderInvalidInput, cmd.Decision)
	}
	if cmd.Decision == RefundDecisionReject && notes == "" {
		return Order{}, fmt.Errorf("%w: rejection requires notes", ErrOrderInvalidInput)
	}
	if !cmd.Actor.IsSeller() && !cmd.Actor.IsAdmin() {
		return Order{}, fmt.Errorf("%w: seller role required", ErrOrderForbidden)
	}

	storeIDs, err := s.managementScope(ctx, cmd.Actor)
	if err != nil {
		return Order{}, err
	}

	var previous domain.OrderStatus
	updated, err := s.orders.Transition(ctx, orderID, func(order domain.Order) (domain.Order, error) {
		if err := authorizeManage(cmd.Actor, storeIDs, order); err != nil {
			return domain.Order{}, err
		}
		if order.RefundStatus != domain.RefundStatusRequested {
			return domain.Order{}, fmt.Errorf("%w: refund is %s", ErrOrderInvalidRefundState, order.RefundStatus)
		}

		now := s.clock()
		previous = order.Status
		switch cmd.Decision {
		case RefundDecisionApprove:
			order.RefundStatus = domain.RefundStatusApproved
			order.Status = domain.OrderStatusCancelled
			order.CancelledAt = &now
		case RefundDecisionReject:
			order.RefundStatus = domain.RefundStatusRejected
		}
		if notes != "" {
			order.RefundNotes = &notes
		}
		order.RefundResolvedAt = &now
		order.UpdatedAt = now
		return order, nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishRefundChanged(ctx, updated, cmd.Actor.ID)
	if updated.Status != previous {
		s.publishStatusChanged(ctx, updated, previous, cmd.Actor.ID, s.clock())
	}
	s.recordAudit(ctx, cmd.Actor, "order.refund.adjudicated", updated.ID, map[string]any{
		"decision": string(cmd.Decision),
	})
	return updated, nil
}

// CompleteRefund records that an approved refund has been paid out-of-band.
// It is bookkeeping only and never touches the fulfillment status.
func (s *orderService) CompleteRefund(ctx context.Context, cmd CompleteRefundCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !cmd.Actor.IsSeller() && !cmd.Actor.IsAdmin() {
		return Order{}, fmt.Errorf("%w: seller role required", ErrOrderForbidden)
	}

	storeIDs, err := s.managementScope(ctx, cmd.Actor)
	if err != nil {
		return Order{}, err
	}

	updated, err := s.orders.Transition(ctx, orderID, func(order domain.Order) (domain.Order, error) {
		if err := authorizeManage(cmd.Actor, storeIDs, order); err != nil {
			return domain.Order{}, err
		}
		if order.RefundStatus != domain.RefundStatusApproved {
			return domain.Order{}, fmt.Errorf("%w: refund is %s", ErrOrderInvalidRefundState, order.RefundStatus)
		}

		now := s.clock()
		order.RefundStatus = domain.RefundStatusCompleted
		order.RefundResolvedAt = &now
		order.UpdatedAt = now
		return order, nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishRefundChanged(ctx, updated, cmd.Actor.ID)
	s.recordAudit(ctx, cmd.Actor, "order.refund.completed", updated.ID, nil)
	return updated, nil
}

// applyStatusTransition validates the target against the transition table and
// stamps the lifecycle timestamps. Admins may force any state as long as the
// order has not already reached a terminal one.
func (s *orderService) applyStatusTransition(order domain.Order, target domain.OrderStatus, actor Actor) (domain.Order, error) {
	if order.Status == target {
		return domain.Order{}, fmt.Errorf("%w: order is already %s", ErrOrderInvalidTransition, target)
	}
	if order.Status.IsTerminal() {
		return domain.Order{}, fmt.Errorf("%w: order is %s", ErrOrderInvalidTransition, order.Status)
	}
	if !canTransition(order.Status, target) && !actor.IsAdmin() {
		return domain.Order{}, fmt.Errorf("%w: %s to %s", ErrOrderInvalidTransition, order.Status, target)
	}

	now := s.clock()
	order.Status = target
	order.UpdatedAt = now
	switch target {
	case domain.OrderStatusShipped:
		order.ShippedAt = &now
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	case domain.OrderStatusCancelled:
		order.CancelledAt = &now
	}
	return order, nil
}

func canTransition(from, to domain.OrderStatus) bool {
	return slices.Contains(orderStateTransitions[from], to)
}

func isKnownStatus(status domain.OrderStatus) bool {
	_, ok := orderStateTransitions[status]
	return ok
}

// authorizeRead gates single-order reads: the buyer who placed the order, a
// seller owning one of its stores, or an admin.
func (s *orderService) authorizeRead(ctx context.Context, actor Actor, order domain.Order) error {
	if actor.IsAdmin() || order.UserID == actor.ID {
		return nil
	}
	if actor.IsSeller() {
		storeIDs, err := s.ownedStoreIDs(ctx, actor.ID)
		if err != nil {
			return err
		}
		if orderTouchesStores(order, storeIDs) {
			return nil
		}
	}
	return fmt.Errorf("%w: order belongs to another buyer", ErrOrderForbidden)
}

// managementScope resolves the store set a mutation may touch. Admins get an
// unrestricted scope expressed as nil.
func (s *orderService) managementScope(ctx context.Context, actor Actor) ([]string, error) {
	if actor.IsAdmin() {
		return nil, nil
	}
	return s.ownedStoreIDs(ctx, actor.ID)
}

func (s *orderService) ownedStoreIDs(ctx context.Context, ownerID string) ([]string, error) {
	stores, err := s.stores.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	ids := make([]string, 0, len(stores))
	for _, store := range stores {
		ids = append(ids, store.ID)
	}
	return ids, nil
}

func authorizeManage(actor Actor, storeIDs []string, order domain.Order) error {
	if actor.IsAdmin() {
		return nil
	}
	if orderTouchesStores(order, storeIDs) {
		return nil
	}
	return fmt.Errorf("%w: order does not involve your stores", ErrOrderForbidden)
}

func orderTouchesStores(order domain.Order, storeIDs []string) bool {
	for _, id := range order.StoreIDs {
		if slices.Contains(storeIDs, id) {
			return true
		}
	}
	return false
}

func sanitizedText(value string) *string {
	cleaned := strings.TrimSpace(orderFreeTextPolicy.Sanitize(value))
	if cleaned == "" {
		return nil
	}
	return &cleaned
}

func (s *orderService) publishStatusChanged(ctx context.Context, order domain.Order, previous domain.OrderStatus, actorID string, at time.Time) {
	s.publishEvent(ctx, OrderEvent{
		ID:             eventIDPrefix + s.newID(),
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		PreviousStatus: string(previous),
		Status:         string(order.Status),
		RefundStatus:   string(order.RefundStatus),
		ActorID:        actorID,
		OccurredAt:     at,
	})
}

func (s *orderService) publishRefundChanged(ctx context.Context, order domain.Order, actorID string) {
	s.publishEvent(ctx, OrderEvent{
		ID:           eventIDPrefix + s.newID(),
		Type:         orderEventRefundChanged,
		OrderID:      order.ID,
		OrderNumber:  order.OrderNumber,
		UserID:       order.UserID,
		Status:       string(order.Status),
		RefundStatus: string(order.RefundStatus),
		ActorID:      actorID,
		OccurredAt:   s.clock(),
	})
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
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

func (s *orderService) recordAudit(ctx context.Context, actor Actor, action, targetID string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	role := "seller"
	if actor.IsAdmin() {
		role = "admin"
	}
	err := s.audit.Record(ctx, RecordAuditCommand{
		ActorID:    actor.ID,
		ActorRole:  role,
		Action:     action,
		TargetType: "order",
		TargetID:   targetID,
		Metadata:   metadata,
	})
	if err != nil {
		s.logger(ctx, "order.audit.record.failed", map[string]any{
			"action": action,
			"target": targetID,
			"error":  err.Error(),
		})
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}
	return err
}

package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	domain "github.com/maplemarket/api/internal/domain"
	"github.com/maplemarket/api/internal/repositories"
)

const (
	analyticsPageSize      = 200
	analyticsTopProducts   = 5
	analyticsMonthlyWindow = 12
)

var (
	// ErrAnalyticsForbidden indicates the actor lacks the role for the report.
	ErrAnalyticsForbidden = errors.New("analytics: forbidden")
	// ErrAnalyticsInvalidInput signals invalid report parameters.
	ErrAnalyticsInvalidInput = errors.New("analytics: invalid input")
)

// AnalyticsServiceDeps bundles collaborators for the reporting projector.
type AnalyticsServiceDeps struct {
	Orders repositories.OrderRepository
	Stores repositories.StoreRepository
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type analyticsService struct {
	orders repositories.OrderRepository
	stores repositories.StoreRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewAnalyticsService wires the read-only reporting service. All figures are
// recomputed from committed orders on every call; the projector holds no state
// of its own and can always be rebuilt from source rows.
func NewAnalyticsService(deps AnalyticsServiceDeps) (AnalyticsService, error) {
	if deps.Orders == nil {
		return nil, errors.New("analytics service: order repository is required")
	}
	if deps.Stores == nil {
		return nil, errors.New("analytics service: store repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &analyticsService{
		orders: deps.Orders,
		stores: deps.Stores,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

// SellerAnalytics replays the seller's order stream into dashboard figures.
// Cancelled orders count toward order totals but never toward revenue.
// Revenue is attributed per line item, so an order spanning several stores
// only credits this seller with their own lines.
func (s *analyticsService) SellerAnalytics(ctx context.Context, actor Actor) (SellerAnalytics, error) {
	if !actor.IsSeller() && !actor.IsAdmin() {
		return SellerAnalytics{}, fmt.Errorf("%w: seller role required", ErrAnalyticsForbidden)
	}

	stores, err := s.stores.ListByOwner(ctx, actor.ID)
	if err != nil {
		return SellerAnalytics{}, err
	}
	storeIDs := make([]string, 0, len(stores))
	storeSet := make(map[string]struct{}, len(stores))
	for _, store := range stores {
		storeIDs = append(storeIDs, store.ID)
		storeSet[store.ID] = struct{}{}
	}
	if len(storeIDs) == 0 {
		return SellerAnalytics{}, nil
	}

	report := SellerAnalytics{}
	monthly := map[string]*MonthlyRevenue{}
	products := map[string]*ProductSales{}
	windowStart := s.clock().AddDate(0, -analyticsMonthlyWindow, 0)
	revenueOrders := 0

	err = s.forEachOrder(ctx, repositories.OrderListFilter{StoreIDs: storeIDs}, func(order domain.Order) {
		if !validReportRow(order) {
			s.logger(ctx, "analytics.row.skipped", map[string]any{"order": order.ID})
			return
		}

		report.TotalOrders++
		switch order.Status {
		case domain.OrderStatusDelivered:
			report.CompletedOrders++
		case domain.OrderStatusCancelled:
			report.CancelledOrders++
		default:
			report.PendingOrders++
		}
		if order.Status == domain.OrderStatusCancelled {
			return
		}

		var orderRevenue int64
		for _, item := range order.Items {
			if _, owned := storeSet[item.StoreID]; !owned {
				continue
			}
			orderRevenue += item.LineTotal

			sales, ok := products[item.ProductID]
			if !ok {
				sales = &ProductSales{ProductID: item.ProductID, Name: item.Name}
				products[item.ProductID] = sales
			}
			sales.Units += item.Quantity
			sales.Revenue += item.LineTotal
		}
		if orderRevenue == 0 {
			return
		}

		report.TotalRevenue += orderRevenue
		revenueOrders++

		if order.CreatedAt.After(windowStart) {
			month := order.CreatedAt.Format("2006-01")
			bucket, ok := monthly[month]
			if !ok {
				bucket = &MonthlyRevenue{Month: month}
				monthly[month] = bucket
			}
			bucket.Revenue += orderRevenue
			bucket.Orders++
		}
	})
	if err != nil {
		return SellerAnalytics{}, err
	}

	if revenueOrders > 0 {
		report.AverageOrderValue = report.TotalRevenue / int64(revenueOrders)
	}
	report.RevenueByMonth = sortedMonths(monthly)
	report.TopProducts = topProducts(products, analyticsTopProducts)
	return report, nil
}

// PlatformStats aggregates marketplace-wide totals. Role gating happens at the
// transport layer; the projector itself is read-only.
func (s *analyticsService) PlatformStats(ctx context.Context) (PlatformStats, error) {
	stats := PlatformStats{
		OrdersByStatus:  map[domain.OrderStatus]int{},
		RefundsByStatus: map[domain.RefundStatus]int{},
	}

	err := s.forEachOrder(ctx, repositories.OrderListFilter{}, func(order domain.Order) {
		if !validReportRow(order) {
			s.logger(ctx, "analytics.row.skipped", map[string]any{"order": order.ID})
			return
		}
		stats.TotalOrders++
		stats.OrdersByStatus[order.Status]++
		if order.RefundStatus != domain.RefundStatusNone {
			stats.RefundsByStatus[order.RefundStatus]++
		}
		if order.RefundStatus == domain.RefundStatusRequested {
			stats.PendingRefunds++
		}
		if order.Status != domain.OrderStatusCancelled {
			stats.TotalRevenue += order.Total
		}
	})
	if err != nil {
		return PlatformStats{}, err
	}
	return stats, nil
}

// orderExportHeader leads with the five columns downstream consumers read
// positionally: order_id, date, status, total, item_count. Extra columns are
// appended after and may grow; the leading five never move.
var orderExportHeader = []string{
	"order_id", "date", "status", "total", "item_count",
	"order_number", "buyer_id", "refund_status", "currency",
	"subtotal", "discount", "tracking_number", "updated_at",
}

// ExportSellerOrdersCSV streams the seller's filtered order set as CSV rows.
// Admins export across all stores.
func (s *analyticsService) ExportSellerOrdersCSV(ctx context.Context, actor Actor, filter OrderListQuery, w io.Writer) error {
	if !actor.IsSeller() && !actor.IsAdmin() {
		return fmt.Errorf("%w: seller role required", ErrAnalyticsForbidden)
	}

	repoFilter := repositories.OrderListFilter{
		Status:       filter.Status,
		RefundStatus: filter.RefundStatus,
		Search:       filter.Search,
		DateRange:    filter.DateRange,
	}
	if !actor.IsAdmin() {
		stores, err := s.stores.ListByOwner(ctx, actor.ID)
		if err != nil {
			return err
		}
		if len(stores) == 0 {
			repoFilter.StoreIDs = []string{}
		}
		for _, store := range stores {
			repoFilter.StoreIDs = append(repoFilter.StoreIDs, store.ID)
		}
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(orderExportHeader); err != nil {
		return err
	}
	if !actor.IsAdmin() && len(repoFilter.StoreIDs) == 0 {
		writer.Flush()
		return writer.Error()
	}

	err := s.forEachOrder(ctx, repoFilter, func(order domain.Order) {
		_ = writer.Write(exportRow(order))
	})
	if err != nil {
		return err
	}

	writer.Flush()
	return writer.Error()
}

func exportRow(order domain.Order) []string {
	tracking := ""
	if order.TrackingNumber != nil {
		tracking = *order.TrackingNumber
	}
	return []string{
		order.ID,
		order.CreatedAt.Format(time.RFC3339),
		string(order.Status),
		strconv.FormatInt(order.Total, 10),
		strconv.Itoa(len(order.Items)),
		order.OrderNumber,
		order.UserID,
		string(order.RefundStatus),
		order.Currency,
		strconv.FormatInt(order.Subtotal, 10),
		strconv.FormatInt(order.Discount, 10),
		tracking,
		order.UpdatedAt.Format(time.RFC3339),
	}
}

// forEachOrder pages through the repository and feeds each order to fn.
func (s *analyticsService) forEachOrder(ctx context.Context, filter repositories.OrderListFilter, fn func(domain.Order)) error {
	token := ""
	for {
		filter.Pagination = domain.Pagination{PageSize: analyticsPageSize, PageToken: token}
		page, err := s.orders.List(ctx, filter)
		if err != nil {
			return err
		}
		for _, order := range page.Items {
			fn(order)
		}
		if page.NextPageToken == "" {
			return nil
		}
		token = page.NextPageToken
	}
}

// validReportRow drops rows the projector cannot trust rather than poisoning
// the aggregates.
func validReportRow(order domain.Order) bool {
	if order.ID == "" {
		return false
	}
	if order.Total < 0 || order.Subtotal < 0 || order.Discount < 0 {
		return false
	}
	if _, known := orderStateTransitions[order.Status]; !known {
		return false
	}
	return true
}

func sortedMonths(monthly map[string]*MonthlyRevenue) []MonthlyRevenue {
	if len(monthly) == 0 {
		return nil
	}
	out := make([]MonthlyRevenue, 0, len(monthly))
	for _, bucket := range monthly {
		out = append(out, *bucket)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out
}

func topProducts(products map[string]*ProductSales, n int) []ProductSales {
	if len(products) == 0 {
		return nil
	}
	out := make([]ProductSales, 0, len(products))
	for _, sales := range products {
		out = append(out, *sales)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Revenue != out[j].Revenue {
			return out[i].Revenue > out[j].Revenue
		}
		return out[i].ProductID < out[j].ProductID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maplemarket/api/internal/platform/config"
	"github.com/maplemarket/api/internal/repositories"
	"github.com/maplemarket/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Promotions services.PromotionService
	Cart       services.CartService
	Checkout   services.CheckoutService
	Orders     services.OrderService
	Analytics  services.AnalyticsService
	Audit      services.AuditLogService
}

// Container wires repositories, services, and supporting infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// Option customises container assembly.
type Option func(*containerOptions)

type containerOptions struct {
	events services.OrderEventPublisher
	logger func(ctx context.Context, event string, fields map[string]any)
}

// WithEventPublisher attaches the order event publisher. When absent the
// services run without emitting lifecycle events.
func WithEventPublisher(pub services.OrderEventPublisher) Option {
	return func(o *containerOptions) {
		o.events = pub
	}
}

// WithServiceLogger routes service-level structured events to the given sink.
func WithServiceLogger(logger func(ctx context.Context, event string, fields map[string]any)) Option {
	return func(o *containerOptions) {
		o.logger = logger
	}
}

// NewContainer constructs the runtime dependencies. Production wiring provides the
// Firestore registry, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	options := containerOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	svc, err := buildServices(ctx, reg, options)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, options containerOptions) (Services, error) {
	var svc Services

	auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		Repository: reg.AuditLogs(),
		Clock:      time.Now,
		Logger:     options.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build audit log service: %w", err)
	}
	svc.Audit = auditSvc

	promotionSvc, err := services.NewPromotionService(services.PromotionServiceDeps{
		Promotions: reg.Promotions(),
		Clock:      time.Now,
		Logger:     options.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build promotion service: %w", err)
	}
	svc.Promotions = promotionSvc

	cartSvc, err := services.NewCartService(services.CartServiceDeps{
		Carts:   reg.Carts(),
		Catalog: reg.Catalog(),
		Clock:   time.Now,
		Logger:  options.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}
	svc.Cart = cartSvc

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Orders:     reg.Orders(),
		Carts:      reg.Carts(),
		Catalog:    reg.Catalog(),
		Counters:   reg.Counters(),
		Promotions: promotionSvc,
		Clock:      time.Now,
		Events:     options.events,
		Logger:     options.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: reg.Orders(),
		Stores: reg.Stores(),
		Audit:  auditSvc,
		Clock:  time.Now,
		Events: options.events,
		Logger: options.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	analyticsSvc, err := services.NewAnalyticsService(services.AnalyticsServiceDeps{
		Orders: reg.Orders(),
		Stores: reg.Stores(),
		Clock:  time.Now,
		Logger: options.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build analytics service: %w", err)
	}
	svc.Analytics = analyticsSvc

	return svc, nil
}

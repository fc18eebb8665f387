package firestore

import (
	"context"
	"errors"
	"fmt"

	pfirestore "github.com/maplemarket/api/internal/platform/firestore"
	"github.com/maplemarket/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract.
type Registry struct {
	provider *pfirestore.Provider

	carts      *CartRepository
	orders     *OrderRepository
	promotions *PromotionRepository
	catalog    *CatalogRepository
	stores     *StoreRepository
	auditLogs  *AuditLogRepository
	counters   *CounterRepository
}

// NewRegistry wires every repository against a shared provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	reg := &Registry{provider: provider}
	var err error
	if reg.carts, err = NewCartRepository(provider); err != nil {
		return nil, fmt.Errorf("build cart repository: %w", err)
	}
	if reg.orders, err = NewOrderRepository(provider); err != nil {
		return nil, fmt.Errorf("build order repository: %w", err)
	}
	if reg.promotions, err = NewPromotionRepository(provider); err != nil {
		return nil, fmt.Errorf("build promotion repository: %w", err)
	}
	if reg.catalog, err = NewCatalogRepository(provider); err != nil {
		return nil, fmt.Errorf("build catalog repository: %w", err)
	}
	if reg.stores, err = NewStoreRepository(provider); err != nil {
		return nil, fmt.Errorf("build store repository: %w", err)
	}
	if reg.auditLogs, err = NewAuditLogRepository(provider); err != nil {
		return nil, fmt.Errorf("build audit log repository: %w", err)
	}
	if reg.counters, err = NewCounterRepository(provider); err != nil {
		return nil, fmt.Errorf("build counter repository: %w", err)
	}
	return reg, nil
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Carts() repositories.CartRepository           { return r.carts }
func (r *Registry) Orders() repositories.OrderRepository         { return r.orders }
func (r *Registry) Promotions() repositories.PromotionRepository { return r.promotions }
func (r *Registry) Catalog() repositories.CatalogRepository      { return r.catalog }
func (r *Registry) Stores() repositories.StoreRepository         { return r.stores }
func (r *Registry) AuditLogs() repositories.AuditLogRepository   { return r.auditLogs }
func (r *Registry) Counters() repositories.CounterRepository     { return r.counters }

// RunInTx groups repository calls in one request-scoped unit. The compound
// order operations already carry their own transactions, so the registry's
// unit of work is a pass-through rather than a second transaction layer.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("registry: transaction function is required")
	}
	return fn(ctx)
}

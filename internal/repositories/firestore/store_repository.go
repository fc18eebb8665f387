package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/maplemarket/api/internal/domain"
	pfirestore "github.com/maplemarket/api/internal/platform/firestore"
)

const storesCollection = "stores"

// StoreRepository resolves store ownership for seller permission checks.
type StoreRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[storeDocument]
}

// NewStoreRepository constructs a Firestore-backed store reader.
func NewStoreRepository(provider *pfirestore.Provider) (*StoreRepository, error) {
	if provider == nil {
		return nil, errors.New("store repository requires firestore provider")
	}
	return &StoreRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[storeDocument](provider, storesCollection, nil, nil),
	}, nil
}

// FindByID loads one store document.
func (r *StoreRepository) FindByID(ctx context.Context, storeID string) (domain.Store, error) {
	if r == nil || r.base == nil {
		return domain.Store{}, errors.New("store repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(storeID))
	if err != nil {
		return domain.Store{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ListByOwner returns every store owned by the given user. Sellers typically
// own one store; the slice form keeps multi-store sellers cheap to support.
func (r *StoreRepository) ListByOwner(ctx context.Context, ownerID string) ([]domain.Store, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("store repository not initialised")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, nil
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("stores.listByOwner", err)
	}

	iter := client.Collection(storesCollection).
		Where("ownerId", "==", ownerID).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var stores []domain.Store
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("stores.listByOwner", err)
		}
		var doc storeDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode store %s: %w", snap.Ref.ID, err)
		}
		stores = append(stores, doc.toDomain(snap.Ref.ID))
	}
	return stores, nil
}

type storeDocument struct {
	OwnerID   string    `firestore:"ownerId"`
	Name      string    `firestore:"name"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func (d storeDocument) toDomain(id string) domain.Store {
	return domain.Store{
		ID:        id,
		OwnerID:   d.OwnerID,
		Name:      d.Name,
		CreatedAt: d.CreatedAt,
	}
}

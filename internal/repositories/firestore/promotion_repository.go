package firestore

import (
	"context"
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
	promotionsCollection = "promotions"

	maxPromotionPageSize     = 100
	defaultPromotionPageSize = 50
)

// PromotionRepository stores promotion definitions keyed by the folded code,
// which makes code uniqueness a storage-level guarantee: two admins creating
// the same code race on a single document.
type PromotionRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[promotionDocument]
}

// NewPromotionRepository constructs a Firestore-backed promotion repository.
func NewPromotionRepository(provider *pfirestore.Provider) (*PromotionRepository, error) {
	if provider == nil {
		return nil, errors.New("promotion repository requires firestore provider")
	}
	return &PromotionRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[promotionDocument](provider, promotionsCollection, nil, nil),
	}, nil
}

// Insert creates the promotion document; an existing code surfaces as a
// conflict.
func (r *PromotionRepository) Insert(ctx context.Context, promotion domain.Promotion) error {
	if r == nil || r.base == nil {
		return errors.New("promotion repository not initialised")
	}
	code := strings.TrimSpace(promotion.Code)
	if code == "" {
		return errors.New("promotion repository: code is required")
	}

	ref, err := r.base.DocumentRef(ctx, code)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newPromotionDocument(promotion)); err != nil {
		return pfirestore.WrapError("promotions.insert", err)
	}
	return nil
}

// Update overwrites an existing promotion document.
func (r *PromotionRepository) Update(ctx context.Context, promotion domain.Promotion) error {
	if r == nil || r.base == nil {
		return errors.New("promotion repository not initialised")
	}
	code := strings.TrimSpace(promotion.Code)
	if code == "" {
		return errors.New("promotion repository: code is required")
	}
	if _, err := r.base.Set(ctx, code, newPromotionDocument(promotion)); err != nil {
		return err
	}
	return nil
}

// Delete removes a promotion by its internal ID. Documents are keyed by code,
// so deletion resolves the code first.
func (r *PromotionRepository) Delete(ctx context.Context, promotionID string) error {
	if r == nil || r.provider == nil {
		return errors.New("promotion repository not initialised")
	}
	promotionID = strings.TrimSpace(promotionID)
	if promotionID == "" {
		return errors.New("promotion repository: promotion id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return pfirestore.WrapError("promotions.delete", err)
	}

	iter := client.Collection(promotionsCollection).
		Where("id", "==", promotionID).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return pfirestore.WrapError("promotions.delete", notFoundError(fmt.Sprintf("promotion %s not found", promotionID)))
	}
	if err != nil {
		return pfirestore.WrapError("promotions.delete", err)
	}
	if _, err := snap.Ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("promotions.delete", err)
	}
	return nil
}

// FindByCode loads a promotion by its folded code.
func (r *PromotionRepository) FindByCode(ctx context.Context, code string) (domain.Promotion, error) {
	if r == nil || r.base == nil {
		return domain.Promotion{}, errors.New("promotion repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(code))
	if err != nil {
		return domain.Promotion{}, err
	}
	return doc.Data.toDomain(), nil
}

// List pages promotions ordered by code.
func (r *PromotionRepository) List(ctx context.Context, filter repositories.PromotionListFilter) (domain.CursorPage[domain.Promotion], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Promotion]{}, errors.New("promotion repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = defaultPromotionPageSize
	}
	if pageSize > maxPromotionPageSize {
		pageSize = maxPromotionPageSize
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Promotion]{}, pfirestore.WrapError("promotions.list", err)
	}

	query := client.Collection(promotionsCollection).Query
	if filter.ActiveOnly {
		query = query.Where("isActive", "==", true)
	}
	query = query.OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		query = query.StartAfter(token)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var promotions []domain.Promotion
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Promotion]{}, pfirestore.WrapError("promotions.list", err)
		}
		var doc promotionDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Promotion]{}, fmt.Errorf("decode promotion %s: %w", snap.Ref.ID, err)
		}
		promotions = append(promotions, doc.toDomain())
	}

	hasMore := len(promotions) > pageSize
	if hasMore {
		promotions = promotions[:pageSize]
	}
	var nextToken string
	if hasMore && len(promotions) > 0 {
		nextToken = promotions[len(promotions)-1].Code
	}

	return domain.CursorPage[domain.Promotion]{Items: promotions, NextPageToken: nextToken}, nil
}

func notFoundError(msg string) error {
	return status.Error(codes.NotFound, msg)
}

type promotionDocument struct {
	ID                string     `firestore:"id"`
	Code              string     `firestore:"code"`
	Description       string     `firestore:"description,omitempty"`
	DiscountType      string     `firestore:"discountType"`
	DiscountValue     int64      `firestore:"discountValue"`
	MinPurchaseAmount int64      `firestore:"minPurchaseAmount"`
	MaxDiscountAmount *int64     `firestore:"maxDiscountAmount,omitempty"`
	UsageLimit        *int       `firestore:"usageLimit,omitempty"`
	UsageCount        int        `firestore:"usageCount"`
	ValidFrom         time.Time  `firestore:"validFrom"`
	ValidUntil        *time.Time `firestore:"validUntil,omitempty"`
	IsActive          bool       `firestore:"isActive"`
	CreatedAt         time.Time  `firestore:"createdAt"`
	UpdatedAt         time.Time  `firestore:"updatedAt"`
}

func newPromotionDocument(p domain.Promotion) promotionDocument {
	return promotionDocument{
		ID:                p.ID,
		Code:              p.Code,
		Description:       p.Description,
		DiscountType:      string(p.DiscountType),
		DiscountValue:     p.DiscountValue,
		MinPurchaseAmount: p.MinPurchaseAmount,
		MaxDiscountAmount: p.MaxDiscountAmount,
		UsageLimit:        p.UsageLimit,
		UsageCount:        p.UsageCount,
		ValidFrom:         p.ValidFrom.UTC(),
		ValidUntil:        p.ValidUntil,
		IsActive:          p.IsActive,
		CreatedAt:         p.CreatedAt.UTC(),
		UpdatedAt:         p.UpdatedAt.UTC(),
	}
}

func (d promotionDocument) toDomain() domain.Promotion {
	return domain.Promotion{
		ID:                d.ID,
		Code:              d.Code,
		Description:       d.Description,
		DiscountType:      domain.DiscountType(d.DiscountType),
		DiscountValue:     d.DiscountValue,
		MinPurchaseAmount: d.MinPurchaseAmount,
		MaxDiscountAmount: d.MaxDiscountAmount,
		UsageLimit:        d.UsageLimit,
		UsageCount:        d.UsageCount,
		ValidFrom:         d.ValidFrom,
		ValidUntil:        d.ValidUntil,
		IsActive:          d.IsActive,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

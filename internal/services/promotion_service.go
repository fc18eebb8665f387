package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	domain "github.com/maplemarket/api/internal/domain"
	"github.com/maplemarket/api/internal/repositories"
)

const promotionIDPrefix = "promo_"

var promoCodeFolder = cases.Upper(language.Und)

// NormalizePromoCode folds a promotion code to its canonical stored form.
func NormalizePromoCode(code string) string {
	return promoCodeFolder.String(strings.TrimSpace(code))
}

// PromotionServiceDeps bundles dependencies required to construct a PromotionService implementation.
type PromotionServiceDeps struct {
	Promotions  repositories.PromotionRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type promotionService struct {
	repo   repositories.PromotionRepository
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewPromotionService wires a PromotionService backed by the provided repositories.
func NewPromotionService(deps PromotionServiceDeps) (PromotionService, error) {
	if deps.Promotions == nil {
		return nil, ErrPromotionRepositoryMissing
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
	return &promotionService{
		repo:   deps.Promotions,
		clock:  func() time.Time { return clock().UTC() },
		newID:  idGen,
		logger: logger,
	}, nil
}

// Evaluate checks a code against the current clock and cart total. It fails
// closed: any reason the promotion cannot apply yields Valid=false with a
// message the storefront can show verbatim. Usage is never consumed here.
func (s *promotionService) Evaluate(ctx context.Context, code string, cartTotal int64) (PromotionQuote, error) {
	if cartTotal < 0 {
		return PromotionQuote{}, fmt.Errorf("%w: cart total must not be negative", ErrPromotionInvalidInput)
	}

	normalized := NormalizePromoCode(code)
	if normalized == "" {
		return invalidQuote(normalized, "Promotion code is required."), nil
	}

	promotion, err := s.repo.FindByCode(ctx, normalized)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return invalidQuote(normalized, "Unknown promotion code."), nil
		}
		return PromotionQuote{}, s.mapRepositoryError(err)
	}

	now := s.clock()
	if reason := disqualifyPromotion(promotion, cartTotal, now); reason != "" {
		return invalidQuote(normalized, reason), nil
	}

	return PromotionQuote{
		Code:           normalized,
		Valid:          true,
		DiscountAmount: DiscountFor(promotion, cartTotal),
	}, nil
}

// DiscountFor computes the discount a promotion grants on the given total.
// The result is clamped to [0, cartTotal]; percentage discounts additionally
// honour MaxDiscountAmount.
func DiscountFor(promotion Promotion, cartTotal int64) int64 {
	var discount int64
	switch promotion.DiscountType {
	case domain.DiscountTypePercentage:
		discount = cartTotal * promotion.DiscountValue / 100
		if promotion.MaxDiscountAmount != nil && discount > *promotion.MaxDiscountAmount {
			discount = *promotion.MaxDiscountAmount
		}
	case domain.DiscountTypeFixed:
		discount = promotion.DiscountValue
	}
	if discount > cartTotal {
		discount = cartTotal
	}
	if discount < 0 {
		discount = 0
	}
	return discount
}

func disqualifyPromotion(promotion Promotion, cartTotal int64, now time.Time) string {
	if !promotion.IsActive {
		return "This promotion is not active."
	}
	if now.Before(promotion.ValidFrom) {
		return "This promotion has not started yet."
	}
	if promotion.ValidUntil != nil && now.After(*promotion.ValidUntil) {
		return "This promotion has expired."
	}
	if promotion.UsageLimit != nil && promotion.UsageCount >= *promotion.UsageLimit {
		return "This promotion has been fully redeemed."
	}
	if cartTotal < promotion.MinPurchaseAmount {
		return fmt.Sprintf("A minimum purchase of %d is required for this promotion.", promotion.MinPurchaseAmount)
	}
	return ""
}

func invalidQuote(code, message string) PromotionQuote {
	return PromotionQuote{Code: code, Valid: false, Message: message}
}

func (s *promotionService) CreatePromotion(ctx context.Context, cmd UpsertPromotionCommand) (Promotion, error) {
	promotion, err := s.buildPromotion(cmd)
	if err != nil {
		return Promotion{}, err
	}

	now := s.clock()
	promotion.ID = promotionIDPrefix + s.newID()
	promotion.CreatedAt = now
	promotion.UpdatedAt = now

	if err := s.repo.Insert(ctx, promotion); err != nil {
		return Promotion{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "promotion.created", map[string]any{
		"promotion": promotion.ID,
		"code":      promotion.Code,
		"actor":     cmd.ActorID,
	})
	return promotion, nil
}

func (s *promotionService) UpdatePromotion(ctx context.Context, cmd UpsertPromotionCommand) (Promotion, error) {
	promotionID := strings.TrimSpace(cmd.PromotionID)
	if promotionID == "" {
		return Promotion{}, fmt.Errorf("%w: promotion id is required", ErrPromotionInvalidInput)
	}

	promotion, err := s.buildPromotion(cmd)
	if err != nil {
		return Promotion{}, err
	}

	existing, err := s.repo.FindByCode(ctx, promotion.Code)
	if err != nil {
		return Promotion{}, s.mapRepositoryError(err)
	}
	// The code in the body must resolve to the promotion being addressed;
	// otherwise an update aimed at one promotion would silently edit another.
	if existing.ID != promotionID {
		return Promotion{}, fmt.Errorf("%w: code %s belongs to a different promotion", ErrPromotionInvalidInput, promotion.Code)
	}

	promotion.ID = existing.ID
	promotion.UsageCount = existing.UsageCount
	promotion.CreatedAt = existing.CreatedAt
	promotion.UpdatedAt = s.clock()

	if err := s.repo.Update(ctx, promotion); err != nil {
		return Promotion{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "promotion.updated", map[string]any{
		"promotion": promotion.ID,
		"code":      promotion.Code,
		"actor":     cmd.ActorID,
	})
	return promotion, nil
}

func (s *promotionService) DeletePromotion(ctx context.Context, promotionID string) error {
	promotionID = strings.TrimSpace(promotionID)
	if promotionID == "" {
		return fmt.Errorf("%w: promotion id is required", ErrPromotionInvalidInput)
	}
	if err := s.repo.Delete(ctx, promotionID); err != nil {
		return s.mapRepositoryError(err)
	}
	s.logger(ctx, "promotion.deleted", map[string]any{"promotion": promotionID})
	return nil
}

func (s *promotionService) ListPromotions(ctx context.Context, filter PromotionListFilter) (domain.CursorPage[Promotion], error) {
	page, err := s.repo.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Promotion]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *promotionService) buildPromotion(cmd UpsertPromotionCommand) (Promotion, error) {
	code := NormalizePromoCode(cmd.Code)
	if code == "" {
		return Promotion{}, fmt.Errorf("%w: code is required", ErrPromotionInvalidInput)
	}
	switch cmd.DiscountType {
	case domain.DiscountTypePercentage:
		if cmd.DiscountValue <= 0 || cmd.DiscountValue > 100 {
			return Promotion{}, fmt.Errorf("%w: percentage value must be between 1 and 100", ErrPromotionInvalidInput)
		}
	case domain.DiscountTypeFixed:
		if cmd.DiscountValue <= 0 {
			return Promotion{}, fmt.Errorf("%w: fixed value must be positive", ErrPromotionInvalidInput)
		}
	default:
		return Promotion{}, fmt.Errorf("%w: unknown discount type %q", ErrPromotionInvalidInput, cmd.DiscountType)
	}
	if cmd.MinPurchaseAmount < 0 {
		return Promotion{}, fmt.Errorf("%w: minimum purchase must not be negative", ErrPromotionInvalidInput)
	}
	if cmd.MaxDiscountAmount != nil && *cmd.MaxDiscountAmount <= 0 {
		return Promotion{}, fmt.Errorf("%w: maximum discount must be positive", ErrPromotionInvalidInput)
	}
	if cmd.UsageLimit != nil && *cmd.UsageLimit <= 0 {
		return Promotion{}, fmt.Errorf("%w: usage limit must be positive", ErrPromotionInvalidInput)
	}
	if cmd.ValidUntil != nil && !cmd.ValidUntil.After(cmd.ValidFrom) {
		return Promotion{}, fmt.Errorf("%w: valid until must be after valid from", ErrPromotionInvalidInput)
	}

	return Promotion{
		ID:                strings.TrimSpace(cmd.PromotionID),
		Code:              code,
		Description:       strings.TrimSpace(cmd.Description),
		DiscountType:      cmd.DiscountType,
		DiscountValue:     cmd.DiscountValue,
		MinPurchaseAmount: cmd.MinPurchaseAmount,
		MaxDiscountAmount: cmd.MaxDiscountAmount,
		UsageLimit:        cmd.UsageLimit,
		ValidFrom:         cmd.ValidFrom.UTC(),
		ValidUntil:        cmd.ValidUntil,
		IsActive:          cmd.IsActive,
	}, nil
}

func (s *promotionService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrPromotionNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrPromotionConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("promotion service: repository unavailable: %w", err)
		}
	}
	return err
}

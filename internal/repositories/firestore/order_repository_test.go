package firestore

import (
	"strings"
	"testing"
	"time"

	"github.com/maplemarket/api/internal/repositories"
)

func TestCheckPromotionRedeemable(t *testing.T) {
	now := time.Date(2025, time.June, 15, 10, 0, 0, 0, time.UTC)
	limit := 10
	expired := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	base := func() promotionDocument {
		return promotionDocument{
			ID:         "WELCOME10",
			Code:       "WELCOME10",
			UsageLimit: &limit,
			UsageCount: 3,
			ValidFrom:  now.Add(-24 * time.Hour),
			ValidUntil: &future,
			IsActive:   true,
		}
	}

	if err := checkPromotionRedeemable(base(), now); err != nil {
		t.Fatalf("expected redeemable promotion, got %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*promotionDocument)
		message string
	}{
		{
			name:    "deactivated since evaluation",
			mutate:  func(doc *promotionDocument) { doc.IsActive = false },
			message: "no longer active",
		},
		{
			name:    "not yet valid",
			mutate:  func(doc *promotionDocument) { doc.ValidFrom = future },
			message: "not yet valid",
		},
		{
			name:    "expired since evaluation",
			mutate:  func(doc *promotionDocument) { doc.ValidUntil = &expired },
			message: "has expired",
		},
		{
			name:    "usage drained",
			mutate:  func(doc *promotionDocument) { doc.UsageCount = limit },
			message: "fully redeemed",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := base()
			tc.mutate(&doc)

			err := checkPromotionRedeemable(doc, now)
			if err == nil {
				t.Fatal("expected checkout error")
			}
			if err.Code != repositories.CheckoutErrorPromotionExhausted {
				t.Fatalf("unexpected code %s", err.Code)
			}
			if !strings.Contains(err.Message, tc.message) {
				t.Fatalf("expected message containing %q, got %q", tc.message, err.Message)
			}
		})
	}
}

func TestCheckPromotionRedeemableWithoutLimitOrExpiry(t *testing.T) {
	now := time.Date(2025, time.June, 15, 10, 0, 0, 0, time.UTC)
	doc := promotionDocument{
		ID:        "EVERGREEN",
		Code:      "EVERGREEN",
		ValidFrom: now.Add(-time.Hour),
		IsActive:  true,
	}

	if err := checkPromotionRedeemable(doc, now); err != nil {
		t.Fatalf("expected open-ended promotion to be redeemable, got %v", err)
	}
}

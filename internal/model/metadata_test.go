package model

import (
	"testing"
	"time"
)

func TestDecodeMetadata_Earn(t *testing.T) {
	raw, err := EncodeMetadata(EarnMetadata{
		OriginApp:    "pos-terminal",
		CriteriaCode: "WELCOME",
		BatchID:      "b-1",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeMetadata(TransactionEarn, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	meta, ok := got.(*EarnMetadata)
	if !ok {
		t.Fatalf("decoded type = %T, want *EarnMetadata", got)
	}
	if meta.CriteriaCode != "WELCOME" || meta.BatchID != "b-1" {
		t.Errorf("unexpected metadata: %+v", meta)
	}
}

func TestDecodeMetadata_Redeem(t *testing.T) {
	earnedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	raw, err := EncodeMetadata(RedeemMetadata{
		OriginApp: "mobile-app",
		Consumed: []ConsumedEntry{
			{EntryID: 1, OriginalPoints: 50, PointsUsed: 50, FullyRedeemed: true, EarnedAt: earnedAt},
			{EntryID: 2, OriginalPoints: 100, PointsUsed: 10, EarnedAt: earnedAt.AddDate(0, 0, 4)},
		},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeMetadata(TransactionRedeem, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	meta, ok := got.(*RedeemMetadata)
	if !ok {
		t.Fatalf("decoded type = %T, want *RedeemMetadata", got)
	}
	if len(meta.Consumed) != 2 {
		t.Fatalf("consumed entries = %d, want 2", len(meta.Consumed))
	}
	if !meta.Consumed[0].FullyRedeemed || meta.Consumed[1].PointsUsed != 10 {
		t.Errorf("unexpected consumption: %+v", meta.Consumed)
	}
}

func TestDecodeMetadata_TierChangeTypes(t *testing.T) {
	raw, err := EncodeMetadata(TierChangeMetadata{
		FromTierID: 3,
		ToTierID:   2,
		FromLevel:  3,
		ToLevel:    2,
		Reason:     "retention criteria not met",
		RunID:      "run-1",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	for _, typ := range []TransactionType{TransactionTierUpgrade, TransactionTierDowngrade, TransactionTierProtection} {
		got, err := DecodeMetadata(typ, raw)
		if err != nil {
			t.Fatalf("decode %s: %v", typ, err)
		}
		meta, ok := got.(*TierChangeMetadata)
		if !ok {
			t.Fatalf("decoded type for %s = %T, want *TierChangeMetadata", typ, got)
		}
		if meta.FromTierID != 3 || meta.ToTierID != 2 {
			t.Errorf("unexpected metadata for %s: %+v", typ, meta)
		}
	}
}

func TestDecodeMetadata_UnknownType(t *testing.T) {
	if _, err := DecodeMetadata(TransactionType("refund"), []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown transaction type")
	}
}

func TestDecodeMetadata_Empty(t *testing.T) {
	got, err := DecodeMetadata(TransactionEarn, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != nil {
		t.Fatalf("decoded = %v, want nil for empty metadata", got)
	}
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"merchantd/amount"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("sqlite", fmt.Sprintf("file:storage_test_%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestMoneyRoundTrip(t *testing.T) {
	a := amount.MustParse("KUDOS:12.75")
	if got := MoneyFrom(a).Amount(); got != a {
		t.Fatalf("round trip %+v != %+v", got, a)
	}
	if !(Money{}).Amount().IsZero() {
		t.Fatalf("zero money should convert to zero amount")
	}
}

func TestInstanceLookup(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	inst := Instance{
		ID:        "default",
		Name:      "Shop",
		PublicKey: "PUB",
		Accounts: []BankAccount{
			{PaytoURI: "payto://iban/DE1", WireHash: "H1", Active: true},
		},
	}
	if err := store.DB(ctx).Create(&inst).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.GetInstance(ctx, "default")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Accounts) != 1 || got.Accounts[0].PaytoURI != "payto://iban/DE1" {
		t.Fatalf("accounts not loaded: %+v", got.Accounts)
	}
	if _, err := store.GetInstance(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeletedInstanceHidden(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.DB(ctx).Create(&Instance{ID: "gone", Deleted: true}).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.GetInstance(ctx, "gone"); !IsNotFound(err) {
		t.Fatalf("deleted instance visible: %v", err)
	}
}

func TestListOrdersCursor(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		ord := Order{
			InstanceID: "default",
			OrderID:    fmt.Sprintf("2026.100-%02d", i),
			Status:     StatusProposed,
			CreatedAt:  time.Now().UTC(),
		}
		if err := store.DB(ctx).Create(&ord).Error; err != nil {
			t.Fatalf("create order %d: %v", i, err)
		}
	}

	forward, err := store.ListOrders(ctx, "default", OrderFilter{Delta: 2})
	if err != nil {
		t.Fatalf("list forward: %v", err)
	}
	if len(forward) != 2 || forward[0].OrderID != "2026.100-01" {
		t.Fatalf("forward page = %+v", forward)
	}

	next, err := store.ListOrders(ctx, "default", OrderFilter{Delta: 2, Cursor: forward[1].RowID})
	if err != nil {
		t.Fatalf("list next: %v", err)
	}
	if len(next) != 2 || next[0].OrderID != "2026.100-03" {
		t.Fatalf("next page = %+v", next)
	}

	back, err := store.ListOrders(ctx, "default", OrderFilter{Delta: -2, Cursor: next[0].RowID})
	if err != nil {
		t.Fatalf("list back: %v", err)
	}
	if len(back) != 2 || back[0].OrderID != "2026.100-02" {
		t.Fatalf("back page = %+v", back)
	}
}

func TestIdempotencyKeepsFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	first := IdempotencyRecord{Fingerprint: "FP", InstanceID: "default", Status: 200, Body: []byte(`{"ok":true}`)}
	if err := store.SaveIdempotency(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}
	second := first
	second.Status = 500
	if err := store.SaveIdempotency(ctx, second); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, err := store.LookupIdempotency(ctx, "FP")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Status != 200 {
		t.Fatalf("first write not kept: %+v", got)
	}
}

func TestDepositUniquePerOrderCoin(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	dep := Deposit{InstanceID: "default", OrderID: "o1", CoinPub: "COIN", ExchangeURL: "https://x"}
	if err := store.DB(ctx).Create(&dep).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := Deposit{InstanceID: "default", OrderID: "o1", CoinPub: "COIN", ExchangeURL: "https://x"}
	if err := store.DB(ctx).Create(&dup).Error; !IsDuplicate(err) {
		t.Fatalf("duplicate coin accepted: %v", err)
	}
}

func TestWithTransactionRetriesSoftFailures(t *testing.T) {
	store := openTestStore(t)
	attempts := 0
	err := store.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		attempts++
		if attempts < 3 {
			return errors.New("write conflict (SQLSTATE 40001)")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d", attempts)
	}
}

func TestWithTransactionStopsOnHardFailure(t *testing.T) {
	store := openTestStore(t)
	attempts := 0
	hard := errors.New("boom")
	err := store.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		attempts++
		return hard
	})
	if !errors.Is(err, hard) {
		t.Fatalf("err = %v", err)
	}
	if attempts != 1 {
		t.Fatalf("hard failure retried %d times", attempts)
	}
}

func TestRetireDenominationOnlyWhenReferenced(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.RetireDenomination(ctx, "https://x", "DENOM", []byte("{}")); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if _, err := store.HistoricDenomination(ctx, "https://x", "DENOM"); !IsNotFound(err) {
		t.Fatalf("unreferenced denomination retained: %v", err)
	}
	dep := Deposit{InstanceID: "default", OrderID: "o1", CoinPub: "C", DenomPub: "DENOM", ExchangeURL: "https://x"}
	if err := store.DB(ctx).Create(&dep).Error; err != nil {
		t.Fatalf("create deposit: %v", err)
	}
	if err := store.RetireDenomination(ctx, "https://x", "DENOM", []byte("{}")); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if _, err := store.HistoricDenomination(ctx, "https://x", "DENOM"); err != nil {
		t.Fatalf("referenced denomination not retained: %v", err)
	}
}

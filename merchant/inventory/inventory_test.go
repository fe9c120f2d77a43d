package inventory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/text/language"
	"gorm.io/gorm"

	"merchantd/amount"
	"merchantd/storage"
)

func newTestService(t *testing.T, now *time.Time) (*Service, *storage.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:inventory_%s?mode=memory&cache=shared", t.Name())
	store, err := storage.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	svc := NewService(store, WithClock(func() time.Time { return *now }))
	return svc, store
}

func testProduct(id string, stock int64) ProductSpec {
	return ProductSpec{
		ProductID:   id,
		Description: "bottle of sparkling water",
		Unit:        "bottle",
		Price:       amount.MustParse("KUDOS:1.5"),
		TotalStock:  stock,
	}
}

func TestUpsertAndMonotonicCounters(t *testing.T) {
	now := time.Now().UTC()
	svc, store := newTestService(t, &now)
	ctx := context.Background()

	if err := svc.Upsert(ctx, "default", testProduct("water", 10)); err != nil {
		t.Fatalf("create: %v", err)
	}
	spec := testProduct("water", 12)
	spec.TotalLost = 2
	if err := svc.Upsert(ctx, "default", spec); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Lost must not shrink.
	spec.TotalLost = 1
	if err := svc.Upsert(ctx, "default", spec); !errors.Is(err, ErrShrink) {
		t.Fatalf("lost decreased: %v", err)
	}

	// Stock must cover sold + lost.
	if err := store.DB(ctx).Model(&storage.Product{}).
		Where("instance_id = ? AND product_id = ?", "default", "water").
		Update("total_sold", 5).Error; err != nil {
		t.Fatalf("seed sold: %v", err)
	}
	spec.TotalLost = 2
	spec.TotalStock = 6
	if err := svc.Upsert(ctx, "default", spec); !errors.Is(err, ErrShrink) {
		t.Fatalf("stock below sold+lost accepted: %v", err)
	}
}

func TestShrinkGuardCountsLiveLocks(t *testing.T) {
	now := time.Now().UTC()
	svc, _ := newTestService(t, &now)
	ctx := context.Background()

	if err := svc.Upsert(ctx, "default", testProduct("water", 10)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Lock(ctx, "default", "water", "lock-a", 4, now.Add(time.Hour)); err != nil {
		t.Fatalf("lock: %v", err)
	}

	// Shrinking below the locked quantity would let a later commit push
	// sold past stocked.
	if err := svc.Upsert(ctx, "default", testProduct("water", 3)); !errors.Is(err, ErrShrink) {
		t.Fatalf("shrink below locked accepted: %v", err)
	}
	if err := svc.Upsert(ctx, "default", testProduct("water", 4)); err != nil {
		t.Fatalf("shrink to locked quantity: %v", err)
	}

	// Once the lock expires the same shrink goes through.
	now = now.Add(2 * time.Hour)
	if err := svc.Upsert(ctx, "default", testProduct("water", 3)); err != nil {
		t.Fatalf("shrink after lock expiry: %v", err)
	}
}

func TestLockRespectsAvailability(t *testing.T) {
	now := time.Now().UTC()
	svc, _ := newTestService(t, &now)
	ctx := context.Background()
	if err := svc.Upsert(ctx, "default", testProduct("water", 10)); err != nil {
		t.Fatalf("create: %v", err)
	}
	expiry := now.Add(time.Hour)

	if err := svc.Lock(ctx, "default", "water", "lock-a", 6, expiry); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if err := svc.Lock(ctx, "default", "water", "lock-b", 5, expiry); !errors.Is(err, ErrOutOfStock) {
		t.Fatalf("overlock accepted: %v", err)
	}
	// Same uuid replaces, it does not stack.
	if err := svc.Lock(ctx, "default", "water", "lock-a", 8, expiry); err != nil {
		t.Fatalf("resize lock: %v", err)
	}
	if got, _ := svc.LockedQuantity(ctx, "default", "water"); got != 8 {
		t.Fatalf("locked = %d, want 8", got)
	}
	// Quantity zero releases.
	if err := svc.Lock(ctx, "default", "water", "lock-a", 0, expiry); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, _ := svc.LockedQuantity(ctx, "default", "water"); got != 0 {
		t.Fatalf("locked after release = %d", got)
	}
}

func TestExpiredLocksArePruned(t *testing.T) {
	now := time.Now().UTC()
	svc, _ := newTestService(t, &now)
	ctx := context.Background()
	if err := svc.Upsert(ctx, "default", testProduct("water", 10)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Lock(ctx, "default", "water", "lock-a", 10, now.Add(time.Minute)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := svc.Lock(ctx, "default", "water", "lock-b", 10, now.Add(time.Hour)); !errors.Is(err, ErrOutOfStock) {
		t.Fatalf("overlock accepted: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := svc.Lock(ctx, "default", "water", "lock-b", 10, now.Add(time.Hour)); err != nil {
		t.Fatalf("lock after expiry: %v", err)
	}
}

func TestInfiniteStockAlwaysLockable(t *testing.T) {
	now := time.Now().UTC()
	svc, _ := newTestService(t, &now)
	ctx := context.Background()
	if err := svc.Upsert(ctx, "default", testProduct("stream", -1)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Lock(ctx, "default", "stream", "lock-a", 1_000_000, now.Add(time.Hour)); err != nil {
		t.Fatalf("infinite stock lock: %v", err)
	}
}

func TestCommitLocksConvertsToSold(t *testing.T) {
	now := time.Now().UTC()
	svc, store := newTestService(t, &now)
	ctx := context.Background()
	if err := svc.Upsert(ctx, "default", testProduct("water", 10)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Lock(ctx, "default", "water", "lock-a", 3, now.Add(time.Hour)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	err := store.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := BindLocksToOrder(tx, "default", "2026.100-01", []string{"lock-a"}); err != nil {
			return err
		}
		return CommitLocks(tx, "default", "2026.100-01", now)
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	p, err := svc.Get(ctx, "default", "water")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.TotalSold != 3 {
		t.Fatalf("sold = %d, want 3", p.TotalSold)
	}
	if got, _ := svc.LockedQuantity(ctx, "default", "water"); got != 0 {
		t.Fatalf("locks left after commit: %d", got)
	}
}

func TestDeleteBlockedByLiveLocks(t *testing.T) {
	now := time.Now().UTC()
	svc, _ := newTestService(t, &now)
	ctx := context.Background()
	if err := svc.Upsert(ctx, "default", testProduct("water", 10)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Lock(ctx, "default", "water", "lock-a", 1, now.Add(time.Hour)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := svc.Delete(ctx, "default", "water"); err == nil {
		t.Fatalf("delete succeeded with live lock")
	}
	now = now.Add(2 * time.Hour)
	if err := svc.Delete(ctx, "default", "water"); err != nil {
		t.Fatalf("delete after expiry: %v", err)
	}
	if _, err := svc.Get(ctx, "default", "water"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("product still present: %v", err)
	}
}

func TestBestDescription(t *testing.T) {
	p := &storage.Product{
		Description:     "sparkling water",
		DescriptionI18n: []byte(`{"de":"Sprudelwasser","fr":"eau gazeuse"}`),
	}
	if got := BestDescription(p, []language.Tag{language.German}); got != "Sprudelwasser" {
		t.Fatalf("de = %q", got)
	}
	if got := BestDescription(p, []language.Tag{language.MustParse("fr-CH")}); got != "eau gazeuse" {
		t.Fatalf("fr-CH = %q", got)
	}
	if got := BestDescription(p, []language.Tag{language.Japanese}); got != "sparkling water" {
		t.Fatalf("fallback = %q", got)
	}
	if got := BestDescription(p, nil); got != "sparkling water" {
		t.Fatalf("no tags = %q", got)
	}
}

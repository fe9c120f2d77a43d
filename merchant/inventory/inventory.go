// Package inventory tracks products and the stock locks that reserve units
// for not-yet-paid orders.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/text/language"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"merchantd/amount"
	"merchantd/storage"
)

var (
	// ErrNotFound is returned for unknown products.
	ErrNotFound = errors.New("inventory: product not found")

	// ErrOutOfStock is returned when a lock would exceed available stock.
	ErrOutOfStock = errors.New("inventory: insufficient stock")

	// ErrShrink is returned when an update would lower a monotonic counter.
	ErrShrink = errors.New("inventory: sold and lost only grow")
)

// ProductSpec is the write form of a product.
type ProductSpec struct {
	ProductID       string
	Description     string
	DescriptionI18n map[string]string
	Unit            string
	Price           amount.Amount
	Image           string
	Taxes           json.RawMessage
	TotalStock      int64 // -1 means infinite
	TotalLost       int64
	Location        string
	NextRestock     time.Time
}

// Service mediates product and stock-lock state.
type Service struct {
	store *storage.Store
	nowFn func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.nowFn = now }
}

// NewService wraps the store.
func NewService(store *storage.Store, opts ...Option) *Service {
	s := &Service{store: store, nowFn: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert creates or updates a product. Sold and lost counters are monotonic
// and stock can never drop below what is already sold or lost.
func (s *Service) Upsert(ctx context.Context, instanceID string, spec ProductSpec) error {
	if spec.ProductID == "" {
		return fmt.Errorf("product id required")
	}
	for tag := range spec.DescriptionI18n {
		if _, err := language.Parse(tag); err != nil {
			return fmt.Errorf("invalid language tag %q: %w", tag, err)
		}
	}
	i18n, err := json.Marshal(spec.DescriptionI18n)
	if err != nil {
		return fmt.Errorf("encode i18n descriptions: %w", err)
	}
	now := s.nowFn()
	return s.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		var existing storage.Product
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&existing, "instance_id = ? AND product_id = ?", instanceID, spec.ProductID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec := storage.Product{
				InstanceID:      instanceID,
				ProductID:       spec.ProductID,
				Description:     spec.Description,
				DescriptionI18n: i18n,
				Unit:            spec.Unit,
				Price:           storage.MoneyFrom(spec.Price),
				Image:           spec.Image,
				Taxes:           spec.Taxes,
				TotalStock:      spec.TotalStock,
				TotalLost:       spec.TotalLost,
				Location:        spec.Location,
				NextRestock:     spec.NextRestock,
			}
			return tx.Create(&rec).Error
		case err != nil:
			return err
		}
		if spec.TotalLost < existing.TotalLost {
			return ErrShrink
		}
		if spec.TotalStock >= 0 {
			// Live locks hold their units too: shrinking below them would
			// let a later lock commit push sold past stocked.
			var locked int64
			if err := tx.Model(&storage.StockLock{}).
				Where("instance_id = ? AND product_id = ? AND expiry > ?",
					instanceID, spec.ProductID, now).
				Select("COALESCE(SUM(quantity), 0)").Scan(&locked).Error; err != nil {
				return err
			}
			if spec.TotalStock < existing.TotalSold+spec.TotalLost+locked {
				return fmt.Errorf("%w: stock %d below sold %d + lost %d + locked %d",
					ErrShrink, spec.TotalStock, existing.TotalSold, spec.TotalLost, locked)
			}
		}
		existing.Description = spec.Description
		existing.DescriptionI18n = i18n
		existing.Unit = spec.Unit
		existing.Price = storage.MoneyFrom(spec.Price)
		existing.Image = spec.Image
		existing.Taxes = spec.Taxes
		existing.TotalStock = spec.TotalStock
		existing.TotalLost = spec.TotalLost
		existing.Location = spec.Location
		existing.NextRestock = spec.NextRestock
		return tx.Save(&existing).Error
	})
}

// Get loads one product.
func (s *Service) Get(ctx context.Context, instanceID, productID string) (*storage.Product, error) {
	var p storage.Product
	err := s.store.DB(ctx).First(&p, "instance_id = ? AND product_id = ?", instanceID, productID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load product: %w", err)
	}
	return &p, nil
}

// List returns all products of an instance.
func (s *Service) List(ctx context.Context, instanceID string) ([]storage.Product, error) {
	var out []storage.Product
	if err := s.store.DB(ctx).Where("instance_id = ?", instanceID).
		Order("product_id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return out, nil
}

// Delete removes a product that has no live stock locks.
func (s *Service) Delete(ctx context.Context, instanceID, productID string) error {
	now := s.nowFn()
	return s.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		var locked int64
		if err := tx.Model(&storage.StockLock{}).
			Where("instance_id = ? AND product_id = ? AND expiry > ?", instanceID, productID, now).
			Count(&locked).Error; err != nil {
			return err
		}
		if locked > 0 {
			return fmt.Errorf("%w: %d units still locked", ErrOutOfStock, locked)
		}
		res := tx.Where("instance_id = ? AND product_id = ?", instanceID, productID).
			Delete(&storage.Product{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Lock reserves quantity units under the caller-chosen uuid. Repeating the
// call with the same uuid replaces the reservation; quantity zero releases it.
func (s *Service) Lock(ctx context.Context, instanceID, productID, lockUUID string, quantity int64, expiry time.Time) error {
	now := s.nowFn()
	return s.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		return LockTx(tx, now, instanceID, productID, lockUUID, "", quantity, expiry)
	})
}

// LockTx is the transactional core of Lock. The order engine calls it inside
// its own proposal transaction, passing the order id the lock belongs to.
func LockTx(tx *gorm.DB, now time.Time, instanceID, productID, lockUUID, orderID string, quantity int64, expiry time.Time) error {
	if quantity < 0 {
		return fmt.Errorf("negative lock quantity")
	}
	var p storage.Product
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&p, "instance_id = ? AND product_id = ?", instanceID, productID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := tx.Where("instance_id = ? AND product_id = ? AND expiry <= ?",
		instanceID, productID, now).Delete(&storage.StockLock{}).Error; err != nil {
		return err
	}
	if quantity == 0 {
		return tx.Where("instance_id = ? AND product_id = ? AND lock_uuid = ?",
			instanceID, productID, lockUUID).Delete(&storage.StockLock{}).Error
	}
	if p.TotalStock >= 0 {
		var otherLocked int64
		if err := tx.Model(&storage.StockLock{}).
			Where("instance_id = ? AND product_id = ? AND lock_uuid <> ?", instanceID, productID, lockUUID).
			Select("COALESCE(SUM(quantity), 0)").Scan(&otherLocked).Error; err != nil {
			return err
		}
		available := p.TotalStock - p.TotalSold - p.TotalLost - otherLocked
		if quantity > available {
			return fmt.Errorf("%w: want %d, available %d", ErrOutOfStock, quantity, available)
		}
	}
	lock := storage.StockLock{
		InstanceID: instanceID,
		ProductID:  productID,
		LockUUID:   lockUUID,
		OrderID:    orderID,
		Quantity:   quantity,
		Expiry:     expiry,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instance_id"}, {Name: "product_id"}, {Name: "lock_uuid"}},
		DoUpdates: clause.AssignmentColumns([]string{"quantity", "expiry", "order_id"}),
	}).Create(&lock).Error
}

// BindLocksToOrder ties an order's product locks to its order id so payment
// completion can find them. Runs inside the caller's transaction.
func BindLocksToOrder(tx *gorm.DB, instanceID, orderID string, lockUUIDs []string) error {
	if len(lockUUIDs) == 0 {
		return nil
	}
	return tx.Model(&storage.StockLock{}).
		Where("instance_id = ? AND lock_uuid IN ?", instanceID, lockUUIDs).
		Update("order_id", orderID).Error
}

// CommitLocks converts the order's live locks into sold units and drops the
// lock rows. Runs inside the payment commit transaction.
func CommitLocks(tx *gorm.DB, instanceID, orderID string, now time.Time) error {
	var locks []storage.StockLock
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("instance_id = ? AND order_id = ? AND expiry > ?", instanceID, orderID, now).
		Find(&locks).Error; err != nil {
		return err
	}
	for _, lock := range locks {
		res := tx.Model(&storage.Product{}).
			Where("instance_id = ? AND product_id = ?", instanceID, lock.ProductID).
			Update("total_sold", gorm.Expr("total_sold + ?", lock.Quantity))
		if res.Error != nil {
			return res.Error
		}
	}
	return tx.Where("instance_id = ? AND order_id = ?", instanceID, orderID).
		Delete(&storage.StockLock{}).Error
}

// LockedQuantity sums the live locks on a product.
func (s *Service) LockedQuantity(ctx context.Context, instanceID, productID string) (int64, error) {
	var total int64
	err := s.store.DB(ctx).Model(&storage.StockLock{}).
		Where("instance_id = ? AND product_id = ? AND expiry > ?", instanceID, productID, s.nowFn()).
		Select("COALESCE(SUM(quantity), 0)").Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("sum locks: %w", err)
	}
	return total, nil
}

// BestDescription picks the translation best matching the caller's Accept-
// Language tags, falling back to the default description.
func BestDescription(p *storage.Product, tags []language.Tag) string {
	if len(p.DescriptionI18n) == 0 || len(tags) == 0 {
		return p.Description
	}
	var i18n map[string]string
	if err := json.Unmarshal(p.DescriptionI18n, &i18n); err != nil || len(i18n) == 0 {
		return p.Description
	}
	keys := make([]string, 0, len(i18n))
	for tag := range i18n {
		keys = append(keys, tag)
	}
	sort.Strings(keys)
	supported := make([]language.Tag, 0, len(i18n)+1)
	texts := make([]string, 0, len(i18n)+1)
	supported = append(supported, language.Und)
	texts = append(texts, p.Description)
	for _, tag := range keys {
		parsed, err := language.Parse(tag)
		if err != nil {
			continue
		}
		supported = append(supported, parsed)
		texts = append(texts, i18n[tag])
	}
	matcher := language.NewMatcher(supported)
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No || idx >= len(texts) {
		return p.Description
	}
	return texts[idx]
}

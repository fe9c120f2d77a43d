package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetInstance loads one live instance.
func (s *Store) GetInstance(ctx context.Context, id string) (*Instance, error) {
	var inst Instance
	err := s.db.WithContext(ctx).Preload("Accounts").First(&inst, "id = ? AND deleted = ?", id, false).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load instance: %w", err)
	}
	return &inst, nil
}

// ListInstances returns all live instances.
func (s *Store) ListInstances(ctx context.Context) ([]Instance, error) {
	var out []Instance
	if err := s.db.WithContext(ctx).Preload("Accounts").Where("deleted = ?", false).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return out, nil
}

// GetOrder loads one order.
func (s *Store) GetOrder(ctx context.Context, instanceID, orderID string) (*Order, error) {
	var ord Order
	err := s.db.WithContext(ctx).First(&ord, "instance_id = ? AND order_id = ?", instanceID, orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	return &ord, nil
}

// OrderForUpdate loads one order under a row lock within tx.
func OrderForUpdate(tx *gorm.DB, instanceID, orderID string) (*Order, error) {
	var ord Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&ord, "instance_id = ? AND order_id = ?", instanceID, orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock order: %w", err)
	}
	return &ord, nil
}

// OrderFilter narrows ListOrders. Delta selects direction and page size: a
// positive delta walks forward from the cursor, a negative one backwards.
type OrderFilter struct {
	Status OrderStatus
	Date   time.Time
	Cursor uint64
	Delta  int
}

// ListOrders pages through an instance's orders by row id.
func (s *Store) ListOrders(ctx context.Context, instanceID string, f OrderFilter) ([]Order, error) {
	limit := f.Delta
	if limit == 0 {
		limit = 20
	}
	q := s.db.WithContext(ctx).Where("instance_id = ?", instanceID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.Date.IsZero() {
		q = q.Where("created_at >= ?", f.Date)
	}
	if limit > 0 {
		if f.Cursor > 0 {
			q = q.Where("row_id > ?", f.Cursor)
		}
		q = q.Order("row_id ASC").Limit(limit)
	} else {
		if f.Cursor > 0 {
			q = q.Where("row_id < ?", f.Cursor)
		}
		q = q.Order("row_id DESC").Limit(-limit)
	}
	var out []Order
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return out, nil
}

// DepositsForOrder returns all deposits recorded for an order.
func (s *Store) DepositsForOrder(ctx context.Context, instanceID, orderID string) ([]Deposit, error) {
	var out []Deposit
	if err := s.db.WithContext(ctx).Where("instance_id = ? AND order_id = ?", instanceID, orderID).
		Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list deposits: %w", err)
	}
	return out, nil
}

// RefundsForOrder returns all refund permissions recorded for an order.
func (s *Store) RefundsForOrder(ctx context.Context, instanceID, orderID string) ([]Refund, error) {
	var out []Refund
	if err := s.db.WithContext(ctx).Where("instance_id = ? AND order_id = ?", instanceID, orderID).
		Order("rtransaction_id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	return out, nil
}

// LookupIdempotency returns the stored response for a fingerprint, or
// ErrNotFound.
func (s *Store) LookupIdempotency(ctx context.Context, fingerprint string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := s.db.WithContext(ctx).First(&rec, "fingerprint = ?", fingerprint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency: %w", err)
	}
	return &rec, nil
}

// SaveIdempotency stores the response for later replay. Concurrent saves of
// the same fingerprint keep the first row.
func (s *Store) SaveIdempotency(ctx context.Context, rec IdempotencyRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save idempotency: %w", err)
	}
	return nil
}

// WireTransferByWTID returns the cached aggregation receipt, or ErrNotFound.
func (s *Store) WireTransferByWTID(ctx context.Context, instanceID, wtid, exchangeURL string) (*WireTransfer, error) {
	var wt WireTransfer
	err := s.db.WithContext(ctx).Preload("Items").
		First(&wt, "instance_id = ? AND wtid = ? AND exchange_url = ?", instanceID, wtid, exchangeURL).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load wire transfer: %w", err)
	}
	return &wt, nil
}

// WireTransfersForOrder returns the transfers that covered an order.
func (s *Store) WireTransfersForOrder(ctx context.Context, instanceID, orderID string) ([]WireTransfer, error) {
	var ids []uint64
	if err := s.db.WithContext(ctx).Model(&WireTransferItem{}).
		Where("instance_id = ? AND order_id = ?", instanceID, orderID).
		Distinct("wire_transfer_id").Pluck("wire_transfer_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("map order transfers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var out []WireTransfer
	if err := s.db.WithContext(ctx).Preload("Items").Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load wire transfers: %w", err)
	}
	return out, nil
}

// RetireDenomination keeps a rotated-out denomination when committed deposits
// still reference it.
func (s *Store) RetireDenomination(ctx context.Context, exchangeURL, denomPub string, raw []byte) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Deposit{}).
		Where("exchange_url = ? AND denom_pub = ?", exchangeURL, denomPub).
		Count(&count).Error; err != nil {
		return fmt.Errorf("count deposits: %w", err)
	}
	if count == 0 {
		return nil
	}
	rec := HistoricDenomination{
		ExchangeURL: exchangeURL,
		DenomPub:    denomPub,
		Raw:         raw,
		RetiredAt:   time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
		return fmt.Errorf("retire denomination: %w", err)
	}
	return nil
}

// HistoricDenomination returns a retired denomination, or ErrNotFound.
func (s *Store) HistoricDenomination(ctx context.Context, exchangeURL, denomPub string) (*HistoricDenomination, error) {
	var rec HistoricDenomination
	err := s.db.WithContext(ctx).First(&rec, "exchange_url = ? AND denom_pub = ?", exchangeURL, denomPub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load historic denomination: %w", err)
	}
	return &rec, nil
}

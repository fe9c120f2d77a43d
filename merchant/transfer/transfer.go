// Package transfer reconciles exchange wire transfers against orders.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"merchantd/amount"
	"merchantd/exchange"
	"merchantd/storage"
)

var (
	// ErrNotFound is returned for unknown orders or exchanges.
	ErrNotFound = errors.New("transfer: not found")

	// ErrWireMismatch is returned when a transfer's wire hash matches none of
	// the instance's accounts.
	ErrWireMismatch = errors.New("transfer: wire hash matches no account")

	// ErrUnknownContract is returned when a transfer credits a contract this
	// instance never issued.
	ErrUnknownContract = errors.New("transfer: unknown contract hash")
)

// Backend is the slice of the exchange client the tracker needs.
type Backend interface {
	TrackTransfer(ctx context.Context, wtid string) (*exchange.TransferResponse, error)
}

// Tracker resolves wire transfer identifiers into the orders they settled and
// caches the signed receipts.
type Tracker struct {
	store    *storage.Store
	backends map[string]Backend
	log      *slog.Logger
	nowFn    func() time.Time
}

// Option customises the tracker.
type Option func(*Tracker)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.nowFn = now }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// NewTracker wires the reconciliation service.
func NewTracker(store *storage.Store, backends map[string]Backend, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		backends: backends,
		log:      slog.Default(),
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track resolves a wire transfer id at the given exchange. Resolved transfers
// are cached, so repeated tracking of the same wtid never hits the exchange
// again.
func (t *Tracker) Track(ctx context.Context, inst *storage.Instance, wtid, exchangeURL string) (*storage.WireTransfer, error) {
	cached, err := t.store.WireTransferByWTID(ctx, inst.ID, wtid, exchangeURL)
	if err == nil {
		return cached, nil
	}
	if !storage.IsNotFound(err) {
		return nil, err
	}

	backend, ok := t.backends[exchangeURL]
	if !ok {
		return nil, fmt.Errorf("%w: exchange %s", ErrNotFound, exchangeURL)
	}
	resp, err := backend.TrackTransfer(ctx, wtid)
	if err != nil {
		return nil, err
	}
	if !t.wireHashKnown(inst, resp.HWire) {
		return nil, fmt.Errorf("%w: %s", ErrWireMismatch, resp.HWire)
	}
	total, err := amount.Parse(resp.Total)
	if err != nil {
		return nil, fmt.Errorf("transfer %s: total: %w", wtid, err)
	}
	wireFee, err := amount.Parse(resp.WireFee)
	if err != nil {
		return nil, fmt.Errorf("transfer %s: wire_fee: %w", wtid, err)
	}

	wt := storage.WireTransfer{
		InstanceID:    inst.ID,
		WTID:          wtid,
		ExchangeURL:   exchangeURL,
		Total:         storage.MoneyFrom(total),
		WireFee:       storage.MoneyFrom(wireFee),
		WireHash:      resp.HWire,
		ExchangePub:   resp.ExchangePub,
		ExchangeSig:   resp.ExchangeSig,
		ExecutionTime: resp.ExecutionTime,
	}
	err = t.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		items := make([]storage.WireTransferItem, 0, len(resp.Deposits))
		for _, dep := range resp.Deposits {
			var ord storage.Order
			err := tx.First(&ord, "instance_id = ? AND contract_hash = ?", inst.ID, dep.HContractTerms).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownContract, dep.HContractTerms)
			}
			if err != nil {
				return err
			}
			value, err := amount.Parse(dep.DepositValue)
			if err != nil {
				return fmt.Errorf("transfer %s: deposit_value: %w", wtid, err)
			}
			fee, err := amount.Parse(dep.DepositFee)
			if err != nil {
				return fmt.Errorf("transfer %s: deposit_fee: %w", wtid, err)
			}
			items = append(items, storage.WireTransferItem{
				InstanceID:   inst.ID,
				OrderID:      ord.OrderID,
				CoinPub:      dep.CoinPub,
				DepositValue: storage.MoneyFrom(value),
				DepositFee:   storage.MoneyFrom(fee),
			})
		}
		if err := tx.Create(&wt).Error; err != nil {
			return err
		}
		for i := range items {
			items[i].WireTransferID = wt.ID
		}
		if len(items) > 0 {
			if err := tx.Create(&items).Error; err != nil {
				return err
			}
		}
		wt.Items = items
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.log.Info("wire transfer reconciled",
		"instance", inst.ID, "wtid", wtid, "exchange", exchangeURL,
		"deposits", len(wt.Items), "total", total.String())
	return &wt, nil
}

// TransferRef summarises one transfer that settled (part of) an order.
type TransferRef struct {
	WTID          string    `json:"wtid"`
	ExchangeURL   string    `json:"exchange_url"`
	Total         string    `json:"total"`
	ExecutionTime time.Time `json:"execution_time"`
}

// OrderWireStatus reports whether an order's funds have arrived.
type OrderWireStatus struct {
	Transfers []TransferRef `json:"transfers"`

	// Overdue is set when no transfer covered the order and the exchange's
	// wire deadline has already passed.
	Overdue bool `json:"overdue"`
}

// TrackOrder lists the transfers that settled an order. An order with no
// transfers past its wire deadline is flagged overdue.
func (t *Tracker) TrackOrder(ctx context.Context, inst *storage.Instance, orderID string) (*OrderWireStatus, error) {
	ord, err := t.store.GetOrder(ctx, inst.ID, orderID)
	if storage.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	transfers, err := t.store.WireTransfersForOrder(ctx, inst.ID, orderID)
	if err != nil {
		return nil, err
	}
	out := &OrderWireStatus{Transfers: make([]TransferRef, 0, len(transfers))}
	for _, wt := range transfers {
		out.Transfers = append(out.Transfers, TransferRef{
			WTID:          wt.WTID,
			ExchangeURL:   wt.ExchangeURL,
			Total:         wt.Total.Amount().String(),
			ExecutionTime: wt.ExecutionTime,
		})
	}
	if len(out.Transfers) == 0 && !ord.WireDeadline.IsZero() && t.nowFn().After(ord.WireDeadline) {
		out.Overdue = true
	}
	return out, nil
}

func (t *Tracker) wireHashKnown(inst *storage.Instance, hWire string) bool {
	for _, acct := range inst.Accounts {
		if acct.WireHash == hWire {
			return true
		}
	}
	return false
}

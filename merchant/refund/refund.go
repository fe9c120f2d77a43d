// Package refund implements refund increases over paid orders and the tip
// engine backed by pre-funded reserves.
package refund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"merchantd/amount"
	"merchantd/crypto"
	"merchantd/exchange"
	"merchantd/keystate"
	"merchantd/merchant/instance"
	"merchantd/merchant/longpoll"
	"merchantd/merchant/payment"
	"merchantd/observability"
	"merchantd/storage"
)

var (
	// ErrNotFound is returned for unknown orders, tips or reserves.
	ErrNotFound = errors.New("refund: not found")

	// ErrNotPaid is returned when refunding an order that is not paid.
	ErrNotPaid = errors.New("refund: order not paid")

	// ErrExceedsPaid is returned when the requested refund exceeds the paid
	// amount.
	ErrExceedsPaid = errors.New("refund: amount exceeds paid total")

	// ErrExpired is returned for tips or reserves past their expiry.
	ErrExpired = errors.New("refund: expired")

	// ErrInsufficientReserve is returned when a reserve cannot cover a tip.
	ErrInsufficientReserve = errors.New("refund: reserve balance insufficient")

	// ErrInsufficientTip is returned when planchets exceed a tip's remainder.
	ErrInsufficientTip = errors.New("refund: tip balance insufficient")
)

// Backend is the slice of the exchange client the tip engine needs.
type Backend interface {
	Withdraw(ctx context.Context, reservePub string, req *exchange.WithdrawRequest) (*exchange.WithdrawResponse, error)
}

// Engine grants refunds and tips.
type Engine struct {
	store    *storage.Store
	keys     *keystate.Service
	backends map[string]Backend
	waker    *longpoll.Coordinator
	metrics  *observability.MerchantMetrics
	log      *slog.Logger
	nowFn    func() time.Time
}

// Option customises the engine.
type Option func(*Engine)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.nowFn = now }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine wires the refund/tip engine. backends maps exchange base URLs to
// their clients.
func NewEngine(store *storage.Store, keys *keystate.Service, backends map[string]Backend, waker *longpoll.Coordinator, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		keys:     keys,
		backends: backends,
		waker:    waker,
		metrics:  observability.Merchant(),
		log:      slog.Default(),
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result reports the refund state of an order after an increase.
type Result struct {
	RefundTotal amount.Amount              `json:"refund_total"`
	Permissions []payment.RefundPermission `json:"refunds"`
}

// Increase raises the order's refund to target. Equal or lower targets are
// idempotent successes; targets above the paid total are conflicts. The delta
// is spread pro rata across the order's coins, each increment getting a fresh
// rtransaction id.
func (e *Engine) Increase(ctx context.Context, inst *storage.Instance, orderID string, target amount.Amount, reason string) (*Result, error) {
	key, err := instance.SigningKey(inst)
	if err != nil {
		return nil, err
	}
	var out *Result
	granted := false
	err = e.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		granted = false
		ord, err := storage.OrderForUpdate(tx, inst.ID, orderID)
		if storage.IsNotFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if ord.Status != storage.StatusPaid && ord.Status != storage.StatusRefunded {
			return ErrNotPaid
		}
		total := ord.Total.Amount()
		if target.Currency != total.Currency {
			return fmt.Errorf("%w: %s vs %s", amount.ErrCurrencyMismatch, target.Currency, total.Currency)
		}
		current := ord.RefundTotal.Amount()
		if cmp, _ := target.Cmp(current); cmp <= 0 {
			out = &Result{RefundTotal: current}
			return e.loadPermissions(tx, inst.ID, ord, out)
		}
		if cmp, _ := target.Cmp(total); cmp > 0 {
			return ErrExceedsPaid
		}
		delta, err := target.Subtract(current)
		if err != nil {
			return err
		}

		var deposits []storage.Deposit
		if err := tx.Where("instance_id = ? AND order_id = ?", inst.ID, orderID).
			Order("id").Find(&deposits).Error; err != nil {
			return err
		}
		refunded, err := e.refundedPerCoin(tx, inst.ID, orderID)
		if err != nil {
			return err
		}
		for _, dep := range deposits {
			if delta.IsZero() {
				break
			}
			paid := dep.AmountWithFee.Amount()
			already := refunded[dep.CoinPub]
			if already.Currency == "" {
				already = amount.Zero(total.Currency)
			}
			headroom, err := paid.Subtract(already)
			if err != nil || headroom.IsZero() {
				continue
			}
			grant := headroom
			if cmp, _ := delta.Cmp(headroom); cmp < 0 {
				grant = delta
			}
			coinTotal, err := already.Add(grant)
			if err != nil {
				return err
			}
			ord.LastRtxID++
			payload, err := payment.RefundPayload(ord.ContractHash, dep.CoinPub, ord.LastRtxID, coinTotal)
			if err != nil {
				return err
			}
			sig := key.Sign(crypto.PurposeRefundOK, payload)
			rec := storage.Refund{
				InstanceID:     inst.ID,
				OrderID:        orderID,
				CoinPub:        dep.CoinPub,
				RtransactionID: ord.LastRtxID,
				Amount:         storage.MoneyFrom(coinTotal),
				RefundFee:      dep.RefundFee,
				Reason:         reason,
				MerchantSig:    sig.String(),
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
			if delta, err = delta.Subtract(grant); err != nil {
				return err
			}
		}
		if !delta.IsZero() {
			// Deposits cannot cover the target; the invariant check above
			// should have caught this.
			return ErrExceedsPaid
		}
		ord.RefundTotal = storage.MoneyFrom(target)
		if cmp, _ := target.Cmp(total); cmp == 0 {
			ord.Status = storage.StatusRefunded
		}
		if err := tx.Save(ord).Error; err != nil {
			return err
		}
		granted = true
		out = &Result{RefundTotal: target}
		return e.loadPermissions(tx, inst.ID, ord, out)
	})
	if err != nil {
		return nil, err
	}
	if granted {
		e.metrics.RecordRefund()
		e.waker.Wake(longpoll.OrderKey(inst.ID, orderID))
	}
	return out, nil
}

// loadPermissions fills the result with the latest permission per coin.
func (e *Engine) loadPermissions(tx *gorm.DB, instanceID string, ord *storage.Order, out *Result) error {
	var rows []storage.Refund
	if err := tx.Where("instance_id = ? AND order_id = ?", instanceID, ord.OrderID).
		Order("rtransaction_id").Find(&rows).Error; err != nil {
		return err
	}
	latest := make(map[string]storage.Refund, len(rows))
	order := make([]string, 0, len(rows))
	for _, r := range rows {
		if _, seen := latest[r.CoinPub]; !seen {
			order = append(order, r.CoinPub)
		}
		latest[r.CoinPub] = r
	}
	out.Permissions = make([]payment.RefundPermission, 0, len(latest))
	for _, coin := range order {
		r := latest[coin]
		out.Permissions = append(out.Permissions, payment.RefundPermission{
			CoinPub:        r.CoinPub,
			RtransactionID: r.RtransactionID,
			Amount:         r.Amount.Amount().String(),
			RefundFee:      r.RefundFee.Amount().String(),
			MerchantSig:    r.MerchantSig,
		})
	}
	return nil
}

// refundedPerCoin maps each coin to its current cumulative refund.
func (e *Engine) refundedPerCoin(tx *gorm.DB, instanceID, orderID string) (map[string]amount.Amount, error) {
	var rows []storage.Refund
	if err := tx.Where("instance_id = ? AND order_id = ?", instanceID, orderID).
		Order("rtransaction_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]amount.Amount)
	for _, r := range rows {
		out[r.CoinPub] = r.Amount.Amount() // rows ordered, last wins
	}
	return out, nil
}

// CreateReserve registers a pre-funded tip reserve.
func (e *Engine) CreateReserve(ctx context.Context, inst *storage.Instance, reservePub, exchangeURL string, funded amount.Amount, expiry time.Time) error {
	rec := storage.TipReserve{
		ReservePub:  reservePub,
		InstanceID:  inst.ID,
		ExchangeURL: exchangeURL,
		Authorized:  storage.MoneyFrom(funded),
		PickedUp:    storage.MoneyFrom(amount.Zero(funded.Currency)),
		Expiry:      expiry,
	}
	return e.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		return tx.Create(&rec).Error
	})
}

// AuthorizeTip debits the reserve and mints a tip id the wallet can pick up.
func (e *Engine) AuthorizeTip(ctx context.Context, inst *storage.Instance, reservePub string, tip amount.Amount, justification string) (*storage.Tip, error) {
	now := e.nowFn()
	var out *storage.Tip
	err := e.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		var reserve storage.TipReserve
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&reserve, "reserve_pub = ? AND instance_id = ?", reservePub, inst.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !reserve.Expiry.After(now) {
			return fmt.Errorf("%w: reserve %s", ErrExpired, reservePub)
		}
		committed, err := reserve.PickedUp.Amount().Add(tip)
		if err != nil {
			return err
		}
		if cmp, err := committed.Cmp(reserve.Authorized.Amount()); err != nil || cmp > 0 {
			return ErrInsufficientReserve
		}
		reserve.PickedUp = storage.MoneyFrom(committed)
		if err := tx.Save(&reserve).Error; err != nil {
			return err
		}
		rec := storage.Tip{
			TipID:         uuid.NewString(),
			InstanceID:    inst.ID,
			ReservePub:    reservePub,
			ExchangeURL:   reserve.ExchangeURL,
			Amount:        storage.MoneyFrom(tip),
			Remaining:     storage.MoneyFrom(tip),
			Justification: justification,
			Expiry:        reserve.Expiry,
		}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		out = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetTip returns a tip's public state.
func (e *Engine) GetTip(ctx context.Context, tipID string) (*storage.Tip, error) {
	var tip storage.Tip
	err := e.store.DB(ctx).First(&tip, "tip_id = ?", tipID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tip, nil
}

// Planchet is one blinded coin a wallet submits at pickup.
type Planchet struct {
	DenomPub   string `json:"denom_pub"`
	CoinEv     string `json:"coin_ev"`
	ReserveSig string `json:"reserve_sig"`
}

// PickupResult carries the blind signatures for a completed pickup.
type PickupResult struct {
	PickupID   string   `json:"pickup_id"`
	BlindSigs  []string `json:"blind_sigs"`
	TotalDrawn string   `json:"total"`
}

// Pickup withdraws the planchets against the tip's reserve. All-or-nothing:
// if any withdraw fails, nothing is persisted and the tip remains available.
func (e *Engine) Pickup(ctx context.Context, tipID string, planchets []Planchet) (*PickupResult, error) {
	if len(planchets) == 0 {
		return nil, fmt.Errorf("%w: no planchets", ErrInsufficientTip)
	}
	now := e.nowFn()
	tip, err := e.GetTip(ctx, tipID)
	if err != nil {
		return nil, err
	}
	if !tip.Expiry.After(now) {
		return nil, fmt.Errorf("%w: tip %s", ErrExpired, tipID)
	}
	backend, ok := e.backends[tip.ExchangeURL]
	if !ok {
		return nil, fmt.Errorf("%w: exchange %s", ErrNotFound, tip.ExchangeURL)
	}

	// Price the batch: every denomination must be WITHDRAW-valid right now.
	total := amount.Zero(tip.Amount.Currency)
	for _, pl := range planchets {
		denom, snap, err := e.keys.FindDenomination(ctx, tip.ExchangeURL, pl.DenomPub, keystate.UseWithdraw)
		if err != nil {
			return nil, err
		}
		cost, cerr := denom.Value.Add(denom.FeeWithdraw)
		snap.Release()
		if cerr != nil {
			return nil, cerr
		}
		if total, err = total.Add(cost); err != nil {
			return nil, err
		}
	}
	if cmp, err := total.Cmp(tip.Remaining.Amount()); err != nil || cmp > 0 {
		return nil, ErrInsufficientTip
	}

	// Withdraw before persisting anything. One failure aborts the pickup.
	sigs := make([]string, len(planchets))
	for i, pl := range planchets {
		resp, err := backend.Withdraw(ctx, tip.ReservePub, &exchange.WithdrawRequest{
			DenomPub:   pl.DenomPub,
			CoinEv:     pl.CoinEv,
			ReserveSig: pl.ReserveSig,
		})
		if err != nil {
			return nil, err
		}
		sigs[i] = resp.EvSig
	}

	pickupID := uuid.NewString()
	err = e.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		var locked storage.Tip
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&locked, "tip_id = ?", tipID).Error; err != nil {
			return err
		}
		remaining, err := locked.Remaining.Amount().Subtract(total)
		if err != nil {
			return ErrInsufficientTip
		}
		locked.Remaining = storage.MoneyFrom(remaining)
		if err := tx.Save(&locked).Error; err != nil {
			return err
		}
		return tx.Create(&storage.TipPickup{
			TipID:     tipID,
			PickupID:  pickupID,
			Total:     storage.MoneyFrom(total),
			Planchets: len(planchets),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	e.waker.Wake(longpoll.TipKey(tip.InstanceID, tipID))
	return &PickupResult{PickupID: pickupID, BlindSigs: sigs, TotalDrawn: total.String()}, nil
}

// Package payment implements the multi-coin deposit pipeline: coin
// verification, parallel deposit RPC fan-out, the single PAID commit and the
// abort-and-refund escape hatch.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"merchantd/amount"
	"merchantd/crypto"
	"merchantd/exchange"
	"merchantd/keystate"
	"merchantd/merchant/instance"
	"merchantd/merchant/inventory"
	"merchantd/merchant/longpoll"
	"merchantd/observability"
	"merchantd/storage"
)

var (
	// ErrNotFound is returned for unknown orders.
	ErrNotFound = errors.New("payment: order not found")

	// ErrUnclaimed is returned when paying an order no wallet has claimed.
	ErrUnclaimed = errors.New("payment: order not claimed")

	// ErrAborted is returned when paying an aborted order.
	ErrAborted = errors.New("payment: order aborted")

	// ErrExpired is returned when the pay deadline has passed.
	ErrExpired = errors.New("payment: pay deadline passed")

	// ErrAlreadyPaid is returned when aborting a fully paid order.
	ErrAlreadyPaid = errors.New("payment: order already paid")
)

// Outcome classifies one coin's fate within a pay request.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeUnauthorized Outcome = "unauthorized"
	OutcomeInsufficient Outcome = "insufficient_funds"
	OutcomeExchange     Outcome = "exchange_failed"
	OutcomeDoubleSpend  Outcome = "double_spend"
	OutcomeUnreachable  Outcome = "exchange_unreachable"
)

// CoinDeposit is one coin the wallet spends on an order.
type CoinDeposit struct {
	CoinPub          string `json:"coin_pub"`
	DenomPub         string `json:"denom_pub"`
	UbSig            string `json:"ub_sig"`
	CoinSig          string `json:"coin_sig"`
	AmountWithFee    string `json:"contribution"`
	AmountWithoutFee string `json:"contribution_without_fee"`
	ExchangeURL      string `json:"exchange_url"`
}

// PayRequest is the body of POST /orders/{id}/pay.
type PayRequest struct {
	SessionID string        `json:"session_id,omitempty"`
	Coins     []CoinDeposit `json:"coins"`
}

// CoinResult is the per-coin diagnostic of a failed pay.
type CoinResult struct {
	CoinPub       string          `json:"coin_pub"`
	Outcome       Outcome         `json:"outcome"`
	Hint          string          `json:"hint,omitempty"`
	ExchangeReply json.RawMessage `json:"exchange_reply,omitempty"`
}

// PayError is the combined failure of a pay request, carrying one diagnostic
// per coin. Class is the worst outcome observed.
type PayError struct {
	Class Outcome
	Coins []CoinResult
}

func (e *PayError) Error() string {
	return fmt.Sprintf("payment failed: %s (%d coins)", e.Class, len(e.Coins))
}

// Receipt is the merchant-signed confirmation of a completed payment. The
// signature is deterministic, so replays return byte-equal receipts.
type Receipt struct {
	OrderID      string `json:"order_id"`
	ContractHash string `json:"h_contract_terms"`
	SessionID    string `json:"session_id,omitempty"`
	MerchantSig  string `json:"sig"`
}

// Backend is the slice of the exchange client the pipeline needs.
type Backend interface {
	Deposit(ctx context.Context, coinPub string, req *exchange.DepositRequest) (*exchange.DepositConfirmation, error)
	Refund(ctx context.Context, req *exchange.RefundRequest) (*exchange.RefundResponse, error)
}

// Pipeline drives pay and abort for claimed orders.
type Pipeline struct {
	store    *storage.Store
	keys     *keystate.Service
	backends map[string]Backend
	waker    *longpoll.Coordinator
	metrics  *observability.MerchantMetrics
	log      *slog.Logger
	nowFn    func() time.Time

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// Option customises the pipeline.
type Option func(*Pipeline)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.nowFn = now }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// NewPipeline wires the payment pipeline. backends maps exchange base URLs to
// their clients.
func NewPipeline(store *storage.Store, keys *keystate.Service, backends map[string]Backend, waker *longpoll.Coordinator, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    store,
		keys:     keys,
		backends: backends,
		waker:    waker,
		metrics:  observability.Merchant(),
		log:      slog.Default(),
		nowFn:    func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Pay runs the deposit pipeline for one order. Concurrent pays for the same
// order are serialized so retries observe the first attempt's outcome.
func (p *Pipeline) Pay(ctx context.Context, inst *storage.Instance, orderID string, req *PayRequest) (*Receipt, error) {
	release, err := p.enter(ctx, inst.ID+"/"+orderID)
	if err != nil {
		return nil, err
	}
	defer release()
	return p.pay(ctx, inst, orderID, req)
}

// enter serializes pay attempts per (instance, order).
func (p *Pipeline) enter(ctx context.Context, key string) (func(), error) {
	for {
		p.mu.Lock()
		ch, busy := p.inflight[key]
		if !busy {
			done := make(chan struct{})
			p.inflight[key] = done
			p.mu.Unlock()
			return func() {
				p.mu.Lock()
				delete(p.inflight, key)
				p.mu.Unlock()
				close(done)
			}, nil
		}
		p.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pipeline) pay(ctx context.Context, inst *storage.Instance, orderID string, req *PayRequest) (*Receipt, error) {
	ord, err := p.store.GetOrder(ctx, inst.ID, orderID)
	if storage.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	now := p.nowFn()
	switch ord.Status {
	case storage.StatusPaid:
		return p.receipt(inst, ord, req.SessionID)
	case storage.StatusAborted:
		return nil, ErrAborted
	case storage.StatusClaimed:
	default:
		return nil, ErrUnclaimed
	}
	if now.After(ord.PayDeadline) {
		return nil, ErrExpired
	}
	if len(req.Coins) == 0 {
		return nil, &PayError{Class: OutcomeInsufficient}
	}

	total := ord.Total.Amount()
	if err := p.checkCoverage(total, req.Coins); err != nil {
		return nil, err
	}

	plans, payErr := p.verifyCoins(ctx, inst, ord, req.Coins)
	if payErr != nil {
		return nil, payErr
	}

	results := p.fanOut(ctx, inst, ord, plans)

	// Persist every successful deposit even when the request as a whole
	// fails: the exchange has already seen those coins, and an abort or a
	// retry must find them.
	if err := p.persistDeposits(ctx, inst, ord, plans, results, req.SessionID, now); err != nil {
		return nil, err
	}

	worst := worstOutcome(results)
	if worst != OutcomeOK {
		p.log.Warn("payment failed", "instance", inst.ID, "order", orderID,
			"class", string(worst), "coins", len(results))
		return nil, &PayError{Class: worst, Coins: results}
	}
	p.metrics.RecordPaid()
	p.waker.Wake(longpoll.OrderKey(inst.ID, orderID))
	ord.Status = storage.StatusPaid
	ord.PaidSessionID = req.SessionID
	return p.receipt(inst, ord, req.SessionID)
}

// checkCoverage rejects requests whose declared net contributions cannot
// cover the contract total, before any exchange is contacted.
func (p *Pipeline) checkCoverage(total amount.Amount, coins []CoinDeposit) error {
	sum := amount.Zero(total.Currency)
	results := make([]CoinResult, 0, len(coins))
	for _, c := range coins {
		net, err := amount.Parse(c.AmountWithoutFee)
		if err != nil {
			return &PayError{Class: OutcomeUnauthorized, Coins: []CoinResult{{
				CoinPub: c.CoinPub, Outcome: OutcomeUnauthorized, Hint: "bad contribution_without_fee",
			}}}
		}
		if sum, err = sum.Add(net); err != nil {
			return &PayError{Class: OutcomeUnauthorized, Coins: []CoinResult{{
				CoinPub: c.CoinPub, Outcome: OutcomeUnauthorized, Hint: err.Error(),
			}}}
		}
		results = append(results, CoinResult{CoinPub: c.CoinPub, Outcome: OutcomeInsufficient})
	}
	if cmp, err := sum.Cmp(total); err != nil || cmp < 0 {
		return &PayError{Class: OutcomeInsufficient, Coins: results}
	}
	return nil
}

// depositPlan is one fully verified coin ready for its RPC.
type depositPlan struct {
	coin    CoinDeposit
	denom   *keystate.Denomination
	request *exchange.DepositRequest
	net     amount.Amount
	// settled is true when a previous attempt already deposited this coin.
	settled  bool
	stored   storage.Deposit
	backend  Backend
	payload  []byte
	coinPub  crypto.EddsaPublicKey
	coinSig  crypto.Signature
	merchSig crypto.Signature
}

// verifyCoins resolves denominations and checks every coin signature before
// any exchange is contacted. A single bad coin fails the whole request.
func (p *Pipeline) verifyCoins(ctx context.Context, inst *storage.Instance, ord *storage.Order, coins []CoinDeposit) ([]depositPlan, *PayError) {
	key, err := instance.SigningKey(inst)
	if err != nil {
		return nil, &PayError{Class: OutcomeUnauthorized, Coins: []CoinResult{{Hint: "instance has no signing key"}}}
	}
	existing, err := p.store.DepositsForOrder(ctx, inst.ID, ord.OrderID)
	if err != nil {
		return nil, &PayError{Class: OutcomeExchange, Coins: []CoinResult{{Hint: err.Error()}}}
	}
	settled := make(map[string]storage.Deposit, len(existing))
	for _, d := range existing {
		settled[d.CoinPub] = d
	}

	plans := make([]depositPlan, 0, len(coins))
	for _, c := range coins {
		plan := depositPlan{coin: c}
		if prior, ok := settled[c.CoinPub]; ok {
			plan.settled = true
			plan.stored = prior
			net := prior.AmountWithoutFee.Amount()
			plan.net = net
			plans = append(plans, plan)
			continue
		}
		backend, ok := p.backends[c.ExchangeURL]
		if !ok {
			return nil, &PayError{Class: OutcomeExchange, Coins: []CoinResult{{
				CoinPub: c.CoinPub, Outcome: OutcomeExchange, Hint: "unknown exchange " + c.ExchangeURL,
			}}}
		}
		denom, snap, err := p.keys.FindDenomination(ctx, c.ExchangeURL, c.DenomPub, keystate.UseDeposit)
		if err != nil {
			outcome := OutcomeUnauthorized
			if errors.Is(err, exchange.ErrUnreachable) {
				outcome = OutcomeUnreachable
			}
			return nil, &PayError{Class: outcome, Coins: []CoinResult{{
				CoinPub: c.CoinPub, Outcome: outcome, Hint: err.Error(),
			}}}
		}
		snap.Release()

		withFee, err := amount.Parse(c.AmountWithFee)
		if err != nil || withFee.Currency != ord.Total.Currency {
			return nil, unauthorizedCoin(c.CoinPub, "bad contribution amount")
		}
		net, err := withFee.Subtract(denom.FeeDeposit)
		if err != nil {
			return nil, unauthorizedCoin(c.CoinPub, "contribution below deposit fee")
		}
		declared, err := amount.Parse(c.AmountWithoutFee)
		if err != nil {
			return nil, unauthorizedCoin(c.CoinPub, "bad contribution_without_fee")
		}
		if cmp, err := net.Cmp(declared); err != nil || cmp != 0 {
			return nil, unauthorizedCoin(c.CoinPub, "declared net contribution does not match denomination fee")
		}
		coinPub, err := crypto.DecodePublicKey(c.CoinPub)
		if err != nil {
			return nil, unauthorizedCoin(c.CoinPub, "bad coin_pub")
		}
		coinSig, err := crypto.DecodeSignature(c.CoinSig)
		if err != nil {
			return nil, unauthorizedCoin(c.CoinPub, "bad coin_sig")
		}
		acct, err := instance.ActiveAccount(inst)
		if err != nil {
			return nil, unauthorizedCoin(c.CoinPub, err.Error())
		}
		payload, err := DepositPayload(ord.ContractHash, acct.WireHash, ord.Timestamp,
			ord.RefundDeadline, inst.PublicKey, withFee, denom.FeeDeposit, c.CoinPub)
		if err != nil {
			return nil, unauthorizedCoin(c.CoinPub, err.Error())
		}
		if !crypto.Verify(crypto.PurposeDepositConfirm, payload, coinSig, coinPub) {
			return nil, unauthorizedCoin(c.CoinPub, "coin signature invalid")
		}
		merchSig := key.Sign(crypto.PurposeDepositConfirm, payload)
		plan.denom = denom
		plan.net = net
		plan.backend = backend
		plan.payload = payload
		plan.coinPub = coinPub
		plan.coinSig = coinSig
		plan.merchSig = merchSig
		plan.request = &exchange.DepositRequest{
			ContribWithFee: c.AmountWithFee,
			DenomPub:       c.DenomPub,
			UbSig:          c.UbSig,
			CoinSig:        c.CoinSig,
			HContractTerms: ord.ContractHash,
			HWire:          acct.WireHash,
			Timestamp:      ord.Timestamp.UTC(),
			RefundDeadline: ord.RefundDeadline.UTC(),
			WireDeadline:   ord.WireDeadline.UTC(),
			MerchantPub:    inst.PublicKey,
			MerchantSig:    merchSig.String(),
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func unauthorizedCoin(coinPub, hint string) *PayError {
	return &PayError{Class: OutcomeUnauthorized, Coins: []CoinResult{{
		CoinPub: coinPub, Outcome: OutcomeUnauthorized, Hint: hint,
	}}}
}

// fanOut fires all deposit RPCs in parallel and joins before returning. Coins
// already settled by a previous attempt are reported ok without a new RPC.
func (p *Pipeline) fanOut(ctx context.Context, inst *storage.Instance, ord *storage.Order, plans []depositPlan) []CoinResult {
	results := make([]CoinResult, len(plans))
	var wg sync.WaitGroup
	for i := range plans {
		plan := &plans[i]
		if plan.settled {
			results[i] = CoinResult{CoinPub: plan.coin.CoinPub, Outcome: OutcomeOK}
			continue
		}
		wg.Add(1)
		go func(i int, plan *depositPlan) {
			defer wg.Done()
			conf, err := plan.backend.Deposit(ctx, plan.coin.CoinPub, plan.request)
			if err == nil {
				plan.stored = storage.Deposit{
					InstanceID:       inst.ID,
					OrderID:          ord.OrderID,
					CoinPub:          plan.coin.CoinPub,
					DenomPub:         plan.coin.DenomPub,
					ExchangeURL:      plan.coin.ExchangeURL,
					AmountWithFee:    storage.MoneyFrom(mustAmount(plan.coin.AmountWithFee)),
					AmountWithoutFee: storage.MoneyFrom(plan.net),
					DepositFee:       storage.MoneyFrom(plan.denom.FeeDeposit),
					RefundFee:        storage.MoneyFrom(plan.denom.FeeRefund),
					WireHash:         plan.request.HWire,
					CoinSig:          plan.coin.CoinSig,
					MerchantSig:      plan.merchSig.String(),
					ExchangeSig:      conf.ExchangeSig,
					ExchangePub:      conf.ExchangePub,
				}
				results[i] = CoinResult{CoinPub: plan.coin.CoinPub, Outcome: OutcomeOK}
				p.metrics.RecordDepositRPC(plan.coin.ExchangeURL, "ok")
				return
			}
			results[i] = p.classifyDepositError(plan.coin, err)
		}(i, plan)
	}
	wg.Wait()
	return results
}

func (p *Pipeline) classifyDepositError(coin CoinDeposit, err error) CoinResult {
	var remote *exchange.RemoteError
	switch {
	case errors.As(err, &remote):
		outcome := OutcomeExchange
		if remote.Status == 409 {
			outcome = OutcomeDoubleSpend
		}
		p.metrics.RecordDepositRPC(coin.ExchangeURL, string(outcome))
		return CoinResult{
			CoinPub:       coin.CoinPub,
			Outcome:       outcome,
			ExchangeReply: remote.Body,
		}
	case errors.Is(err, exchange.ErrUnreachable):
		p.metrics.RecordDepositRPC(coin.ExchangeURL, "unreachable")
		return CoinResult{CoinPub: coin.CoinPub, Outcome: OutcomeUnreachable, Hint: err.Error()}
	default:
		p.metrics.RecordDepositRPC(coin.ExchangeURL, "error")
		return CoinResult{CoinPub: coin.CoinPub, Outcome: OutcomeExchange, Hint: err.Error()}
	}
}

// persistDeposits commits the join's outcome: successful deposit rows always,
// the PAID transition plus stock conversion only when every coin succeeded.
func (p *Pipeline) persistDeposits(ctx context.Context, inst *storage.Instance, ord *storage.Order, plans []depositPlan, results []CoinResult, sessionID string, now time.Time) error {
	allOK := worstOutcome(results) == OutcomeOK
	return p.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		locked, err := storage.OrderForUpdate(tx, inst.ID, ord.OrderID)
		if err != nil {
			return err
		}
		if locked.Status == storage.StatusPaid {
			return nil
		}
		for i := range plans {
			if results[i].Outcome != OutcomeOK || plans[i].settled {
				continue
			}
			dep := plans[i].stored
			dep.Timestamp = now
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&dep).Error; err != nil {
				return err
			}
		}
		if !allOK {
			return nil
		}
		locked.Status = storage.StatusPaid
		locked.PaidSessionID = sessionID
		if err := tx.Save(locked).Error; err != nil {
			return err
		}
		return inventory.CommitLocks(tx, inst.ID, ord.OrderID, now)
	})
}

func worstOutcome(results []CoinResult) Outcome {
	worst := OutcomeOK
	rank := map[Outcome]int{
		OutcomeOK: 0, OutcomeInsufficient: 1, OutcomeUnreachable: 2,
		OutcomeExchange: 3, OutcomeDoubleSpend: 4, OutcomeUnauthorized: 5,
	}
	for _, r := range results {
		if rank[r.Outcome] > rank[worst] {
			worst = r.Outcome
		}
	}
	return worst
}

// receipt builds the deterministic merchant-signed paid confirmation.
func (p *Pipeline) receipt(inst *storage.Instance, ord *storage.Order, sessionID string) (*Receipt, error) {
	key, err := instance.SigningKey(inst)
	if err != nil {
		return nil, err
	}
	payload, err := receiptPayload(ord.OrderID, ord.ContractHash)
	if err != nil {
		return nil, err
	}
	return &Receipt{
		OrderID:      ord.OrderID,
		ContractHash: ord.ContractHash,
		SessionID:    sessionID,
		MerchantSig:  key.Sign(crypto.PurposeDepositConfirm, payload).String(),
	}, nil
}

func receiptPayload(orderID, contractHash string) ([]byte, error) {
	raw, err := json.Marshal(map[string]string{
		"order_id":         orderID,
		"h_contract_terms": contractHash,
	})
	if err != nil {
		return nil, err
	}
	return crypto.CanonicalJSON(raw)
}

// DepositPayload is the byte string both the coin and the merchant sign to
// authorize one deposit.
func DepositPayload(contractHash, wireHash string, timestamp, refundDeadline time.Time, merchantPub string, amountWithFee, depositFee amount.Amount, coinPub string) ([]byte, error) {
	raw, err := json.Marshal(map[string]interface{}{
		"h_contract_terms": contractHash,
		"h_wire":           wireHash,
		"timestamp":        timestamp.UTC().Format(time.RFC3339Nano),
		"refund_deadline":  refundDeadline.UTC().Format(time.RFC3339Nano),
		"merchant_pub":     merchantPub,
		"contribution":     amountWithFee.String(),
		"deposit_fee":      depositFee.String(),
		"coin_pub":         coinPub,
	})
	if err != nil {
		return nil, err
	}
	return crypto.CanonicalJSON(raw)
}

func mustAmount(s string) amount.Amount {
	a, err := amount.Parse(s)
	if err != nil {
		return amount.Amount{}
	}
	return a
}

// RefundPermission is one signed permission issued by abort.
type RefundPermission struct {
	CoinPub        string `json:"coin_pub"`
	RtransactionID int64  `json:"rtransaction_id"`
	Amount         string `json:"refund_amount"`
	RefundFee      string `json:"refund_fee"`
	MerchantSig    string `json:"merchant_sig"`
}

// AbortResult lists the refund permissions issued for deposited coins.
type AbortResult struct {
	Refunds []RefundPermission `json:"refunds"`
}

// Abort lets a wallet recover coins from a half-paid order. Deposited coins
// get refund permissions; an abort that finds no deposits changes nothing.
func (p *Pipeline) Abort(ctx context.Context, inst *storage.Instance, orderID string) (*AbortResult, error) {
	key, err := instance.SigningKey(inst)
	if err != nil {
		return nil, err
	}
	out := &AbortResult{Refunds: []RefundPermission{}}
	err = p.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		ord, err := storage.OrderForUpdate(tx, inst.ID, orderID)
		if storage.IsNotFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		switch ord.Status {
		case storage.StatusPaid:
			return ErrAlreadyPaid
		case storage.StatusAborted:
		case storage.StatusClaimed:
		default:
			return ErrUnclaimed
		}
		var deposits []storage.Deposit
		if err := tx.Where("instance_id = ? AND order_id = ?", inst.ID, orderID).
			Order("id").Find(&deposits).Error; err != nil {
			return err
		}
		if len(deposits) == 0 {
			return nil
		}
		for _, dep := range deposits {
			withFee := dep.AmountWithFee.Amount()
			payload, err := RefundPayload(ord.ContractHash, dep.CoinPub, 0, withFee)
			if err != nil {
				return err
			}
			sig := key.Sign(crypto.PurposeRefundOK, payload)
			out.Refunds = append(out.Refunds, RefundPermission{
				CoinPub:        dep.CoinPub,
				RtransactionID: 0,
				Amount:         withFee.String(),
				RefundFee:      dep.RefundFee.Amount().String(),
				MerchantSig:    sig.String(),
			})
		}
		if ord.Status != storage.StatusAborted {
			ord.Status = storage.StatusAborted
			if err := tx.Save(ord).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RefundPayload is the byte string signed for one refund permission. Shared
// with the refund engine so abort and regular refunds verify identically.
func RefundPayload(contractHash, coinPub string, rtransactionID int64, refundAmount amount.Amount) ([]byte, error) {
	raw, err := json.Marshal(map[string]interface{}{
		"h_contract_terms": contractHash,
		"coin_pub":         coinPub,
		"rtransaction_id":  rtransactionID,
		"refund_amount":    refundAmount.String(),
	})
	if err != nil {
		return nil, err
	}
	return crypto.CanonicalJSON(raw)
}

// Package order implements the proposal/claim half of the order lifecycle:
// validating proposals, freezing contract terms at claim time and signing
// them with the instance key.
package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"merchantd/amount"
	"merchantd/crypto"
	"merchantd/merchant/instance"
	"merchantd/merchant/inventory"
	"merchantd/storage"
)

var (
	// ErrNotFound is returned for unknown orders.
	ErrNotFound = errors.New("order: not found")

	// ErrMalformed is returned for invalid proposals.
	ErrMalformed = errors.New("order: malformed proposal")

	// ErrProposalReplayed means an identical proposal already exists; the
	// gateway answers 204.
	ErrProposalReplayed = errors.New("order: proposal already stored")

	// ErrProposalConflict means a different proposal holds the order id.
	ErrProposalConflict = errors.New("order: order id taken by a different proposal")

	// ErrNonceMismatch is returned when a claim or lookup presents a nonce
	// other than the one bound at claim time.
	ErrNonceMismatch = errors.New("order: claim nonce mismatch")
)

// Default deadlines applied when the proposal and the instance give none.
const (
	defaultPayDelay  = time.Hour
	defaultWireDelay = 48 * time.Hour
)

// ProductEntry is one line item of a proposal. Entries referencing a managed
// product (ProductID set, Quantity > 0) reserve stock until the pay deadline.
type ProductEntry struct {
	ProductID   string `json:"product_id,omitempty"`
	Description string `json:"description,omitempty"`
	Quantity    int64  `json:"quantity,omitempty"`
	Price       string `json:"price,omitempty"`
}

// Proposal is the merchant-submitted order skeleton.
type Proposal struct {
	OrderID        string         `json:"order_id,omitempty"`
	Amount         string         `json:"amount"`
	MaxFee         string         `json:"max_fee,omitempty"`
	Summary        string         `json:"summary"`
	FulfillmentURL string         `json:"fulfillment_url"`
	Products       []ProductEntry `json:"products,omitempty"`
	PayDeadline    time.Time      `json:"pay_deadline,omitempty"`
	RefundDeadline time.Time      `json:"refund_deadline,omitempty"`
	WireDeadline   time.Time      `json:"wire_transfer_deadline,omitempty"`
}

// ExchangeRef names one trusted exchange inside contract terms.
type ExchangeRef struct {
	URL       string `json:"url"`
	MasterPub string `json:"master_pub"`
}

// AuditorRef names one accepted auditor inside contract terms.
type AuditorRef struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	AuditorPub string `json:"auditor_pub"`
}

// MerchantInfo is the merchant block frozen into contract terms.
type MerchantInfo struct {
	Name         string          `json:"name"`
	Address      json.RawMessage `json:"address,omitempty"`
	Jurisdiction json.RawMessage `json:"jurisdiction,omitempty"`
}

// ContractTerms is the frozen offer signed at claim time. Every field is
// populated before hashing and signing.
type ContractTerms struct {
	OrderID        string         `json:"order_id"`
	Summary        string         `json:"summary"`
	Amount         string         `json:"amount"`
	MaxFee         string         `json:"max_fee"`
	FulfillmentURL string         `json:"fulfillment_url"`
	Products       []ProductEntry `json:"products,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	PayDeadline    time.Time      `json:"pay_deadline"`
	RefundDeadline time.Time      `json:"refund_deadline"`
	WireDeadline   time.Time      `json:"wire_transfer_deadline"`
	MerchantPub    string         `json:"merchant_pub"`
	HWire          string         `json:"h_wire"`
	Nonce          string         `json:"nonce"`
	Exchanges      []ExchangeRef  `json:"exchanges"`
	Auditors       []AuditorRef   `json:"auditors"`
	Merchant       MerchantInfo   `json:"merchant"`
}

// Config carries the deployment facts frozen into every contract.
type Config struct {
	Currency  string
	Exchanges []ExchangeRef
	Auditors  []AuditorRef
}

// Engine is the order/contract state machine.
type Engine struct {
	store *storage.Store
	cfg   Config
	nowFn func() time.Time
}

// Option customises the engine.
type Option func(*Engine)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.nowFn = now }
}

// NewEngine wires the engine.
func NewEngine(store *storage.Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{store: store, cfg: cfg, nowFn: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateProposal validates and stores a proposal in PROPOSED state. A repeat
// of a byte-identical proposal returns ErrProposalReplayed; a different
// proposal under the same order id returns ErrProposalConflict.
func (e *Engine) CreateProposal(ctx context.Context, inst *storage.Instance, raw json.RawMessage) (string, error) {
	var p Proposal
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	now := e.nowFn()
	total, maxFee, err := e.validateAmounts(inst, &p)
	if err != nil {
		return "", err
	}
	if err := e.fillDeadlines(inst, &p, now); err != nil {
		return "", err
	}
	orderID := p.OrderID
	if orderID == "" {
		orderID = generateOrderID(now)
	}
	canon, err := crypto.CanonicalJSON(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	rec := storage.Order{
		InstanceID:     inst.ID,
		OrderID:        orderID,
		Status:         storage.StatusProposed,
		Proposal:       canon,
		Total:          storage.MoneyFrom(total),
		MaxFee:         storage.MoneyFrom(maxFee),
		RefundTotal:    storage.MoneyFrom(amount.Zero(total.Currency)),
		FulfillmentURL: p.FulfillmentURL,
		Timestamp:      now,
		PayDeadline:    p.PayDeadline,
		RefundDeadline: p.RefundDeadline,
		WireDeadline:   p.WireDeadline,
	}
	err = e.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		var existing storage.Order
		err := tx.First(&existing, "instance_id = ? AND order_id = ?", inst.ID, orderID).Error
		switch {
		case err == nil:
			if string(existing.Proposal) == string(canon) {
				return ErrProposalReplayed
			}
			return ErrProposalConflict
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		for _, item := range p.Products {
			if item.ProductID == "" || item.Quantity <= 0 {
				continue
			}
			err := inventory.LockTx(tx, now, inst.ID, item.ProductID,
				uuid.NewString(), orderID, item.Quantity, p.PayDeadline)
			if err != nil {
				return err
			}
		}
		return tx.Create(&rec).Error
	})
	if err != nil {
		return orderID, err
	}
	return orderID, nil
}

func (e *Engine) validateAmounts(inst *storage.Instance, p *Proposal) (amount.Amount, amount.Amount, error) {
	if p.Summary == "" {
		return amount.Amount{}, amount.Amount{}, fmt.Errorf("%w: summary required", ErrMalformed)
	}
	if p.FulfillmentURL == "" {
		return amount.Amount{}, amount.Amount{}, fmt.Errorf("%w: fulfillment_url required", ErrMalformed)
	}
	total, err := amount.Parse(p.Amount)
	if err != nil {
		return amount.Amount{}, amount.Amount{}, fmt.Errorf("%w: amount: %v", ErrMalformed, err)
	}
	if total.Currency != e.cfg.Currency {
		return amount.Amount{}, amount.Amount{}, fmt.Errorf("%w: amount currency %s, this merchant handles %s",
			ErrMalformed, total.Currency, e.cfg.Currency)
	}
	maxFee := inst.MaxDepositFee.Amount()
	if maxFee.Currency == "" {
		maxFee = amount.Zero(total.Currency)
	}
	if p.MaxFee != "" {
		if maxFee, err = amount.Parse(p.MaxFee); err != nil {
			return amount.Amount{}, amount.Amount{}, fmt.Errorf("%w: max_fee: %v", ErrMalformed, err)
		}
		if maxFee.Currency != total.Currency {
			return amount.Amount{}, amount.Amount{}, fmt.Errorf("%w: max_fee currency mismatch", ErrMalformed)
		}
	}
	return total, maxFee, nil
}

func (e *Engine) fillDeadlines(inst *storage.Instance, p *Proposal, now time.Time) error {
	payDelay := time.Duration(inst.PayDelay) * time.Second
	if payDelay <= 0 {
		payDelay = defaultPayDelay
	}
	wireDelay := time.Duration(inst.WireTransferDelay) * time.Second
	if wireDelay <= 0 {
		wireDelay = defaultWireDelay
	}
	if p.PayDeadline.IsZero() {
		p.PayDeadline = now.Add(payDelay)
	}
	if p.RefundDeadline.IsZero() {
		p.RefundDeadline = p.PayDeadline
	}
	if p.WireDeadline.IsZero() {
		p.WireDeadline = p.RefundDeadline.Add(wireDelay)
	}
	if !p.PayDeadline.After(now) {
		return fmt.Errorf("%w: pay_deadline in the past", ErrMalformed)
	}
	if p.WireDeadline.Before(p.RefundDeadline) {
		return fmt.Errorf("%w: wire_transfer_deadline before refund_deadline", ErrMalformed)
	}
	return nil
}

// generateOrderID builds "YYYY.DDD-XXXXXXXXXXXX": ordinal date plus a random
// base32 suffix.
func generateOrderID(now time.Time) string {
	u := uuid.New()
	suffix := crypto.EncodeBase32(u[:8])
	if len(suffix) > 12 {
		suffix = suffix[:12]
	}
	return fmt.Sprintf("%04d.%03d-%s", now.Year(), now.YearDay(), suffix)
}

// Claim transitions PROPOSED to CLAIMED exactly once, binding the nonce and
// freezing the signed contract terms. Re-claiming with the bound nonce
// returns the stored bytes; any other nonce is a conflict.
func (e *Engine) Claim(ctx context.Context, inst *storage.Instance, orderID, nonce string) (json.RawMessage, string, error) {
	if nonce == "" {
		return nil, "", fmt.Errorf("%w: empty nonce", ErrMalformed)
	}
	var terms json.RawMessage
	var hash string
	err := e.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		ord, err := storage.OrderForUpdate(tx, inst.ID, orderID)
		if storage.IsNotFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if ord.Status != storage.StatusProposed {
			if ord.ClaimNonce != nonce {
				return ErrNonceMismatch
			}
			terms = append(json.RawMessage(nil), ord.ContractTerms...)
			hash = ord.ContractHash
			return nil
		}
		frozen, err := e.freezeContract(inst, ord, nonce)
		if err != nil {
			return err
		}
		canon, err := crypto.CanonicalJSON(frozen)
		if err != nil {
			return fmt.Errorf("canonicalise contract: %w", err)
		}
		contractHash := crypto.HashBytes(canon)
		key, err := instance.SigningKey(inst)
		if err != nil {
			return err
		}
		// The signature is computed only after the full contract, max_fee
		// included, is frozen into its canonical bytes.
		sig := key.Sign(crypto.PurposeContract, canon)

		ord.Status = storage.StatusClaimed
		ord.ClaimNonce = nonce
		ord.ContractTerms = canon
		ord.ContractHash = contractHash.String()
		ord.MerchantSig = sig.String()
		if err := tx.Save(ord).Error; err != nil {
			return err
		}
		terms = canon
		hash = ord.ContractHash
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return terms, hash, nil
}

// freezeContract builds the fully populated contract terms for an order.
func (e *Engine) freezeContract(inst *storage.Instance, ord *storage.Order, nonce string) ([]byte, error) {
	acct, err := instance.ActiveAccount(inst)
	if err != nil {
		return nil, err
	}
	var p Proposal
	if err := json.Unmarshal(ord.Proposal, &p); err != nil {
		return nil, fmt.Errorf("stored proposal corrupt: %w", err)
	}
	terms := ContractTerms{
		OrderID:        ord.OrderID,
		Summary:        p.Summary,
		Amount:         ord.Total.Amount().String(),
		MaxFee:         ord.MaxFee.Amount().String(),
		FulfillmentURL: ord.FulfillmentURL,
		Products:       p.Products,
		Timestamp:      ord.Timestamp.UTC(),
		PayDeadline:    ord.PayDeadline.UTC(),
		RefundDeadline: ord.RefundDeadline.UTC(),
		WireDeadline:   ord.WireDeadline.UTC(),
		MerchantPub:    inst.PublicKey,
		HWire:          acct.WireHash,
		Nonce:          nonce,
		Exchanges:      e.cfg.Exchanges,
		Auditors:       e.cfg.Auditors,
		Merchant: MerchantInfo{
			Name:         inst.Name,
			Address:      inst.Address,
			Jurisdiction: inst.Jurisdiction,
		},
	}
	if terms.Exchanges == nil {
		terms.Exchanges = []ExchangeRef{}
	}
	if terms.Auditors == nil {
		terms.Auditors = []AuditorRef{}
	}
	return json.Marshal(terms)
}

// LookupResult is the claimant or anonymous view of an order.
type LookupResult struct {
	Status       storage.OrderStatus
	ContractHash string
	MerchantSig  string
	RefundTotal  amount.Amount
	// PaidSessionID is the session the order was paid under, if any.
	PaidSessionID string
	// Terms is only populated for the claimant (matching nonce).
	Terms json.RawMessage
}

// Lookup returns the order's state. With the bound nonce the full contract
// terms are included; without a nonce only hash and status; a wrong nonce is
// rejected.
func (e *Engine) Lookup(ctx context.Context, instanceID, orderID, nonce string) (*LookupResult, error) {
	ord, err := e.store.GetOrder(ctx, instanceID, orderID)
	if storage.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	res := &LookupResult{
		Status:        ord.Status,
		ContractHash:  ord.ContractHash,
		RefundTotal:   ord.RefundTotal.Amount(),
		PaidSessionID: ord.PaidSessionID,
	}
	if nonce == "" {
		return res, nil
	}
	if ord.ClaimNonce != nonce {
		return nil, ErrNonceMismatch
	}
	res.Terms = append(json.RawMessage(nil), ord.ContractTerms...)
	res.MerchantSig = ord.MerchantSig
	return res, nil
}

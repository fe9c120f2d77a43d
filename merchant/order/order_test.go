package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"merchantd/amount"
	"merchantd/crypto"
	"merchantd/merchant/instance"
	"merchantd/merchant/inventory"
	"merchantd/storage"
)

func newTestEngine(t *testing.T) (*Engine, *storage.Store, *storage.Instance) {
	t.Helper()
	dsn := fmt.Sprintf("file:order_%s?mode=memory&cache=shared", t.Name())
	store, err := storage.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	inst, err := instance.NewManager(store).Create(context.Background(), instance.Spec{
		ID:       "default",
		Name:     "Test Shop",
		Accounts: []string{"payto://iban/DE89370400440532013000"},
		Defaults: instance.Defaults{
			MaxDepositFee: amount.MustParse("KUDOS:0.1"),
			PayDelay:      time.Hour,
		},
	})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	engine := NewEngine(store, Config{
		Currency: "KUDOS",
		Exchanges: []ExchangeRef{
			{URL: "https://exchange.test", MasterPub: "MASTERPUB"},
		},
	})
	return engine, store, inst
}

func proposalJSON(orderID string) json.RawMessage {
	p := map[string]interface{}{
		"amount":          "KUDOS:10",
		"summary":         "a year of coffee",
		"fulfillment_url": "https://shop.test/thanks",
	}
	if orderID != "" {
		p["order_id"] = orderID
	}
	data, _ := json.Marshal(p)
	return data
}

func TestCreateProposalAndClaim(t *testing.T) {
	engine, _, inst := newTestEngine(t)
	ctx := context.Background()

	orderID, err := engine.CreateProposal(ctx, inst, proposalJSON("2026.100-01"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if orderID != "2026.100-01" {
		t.Fatalf("order id = %s", orderID)
	}

	terms, hash, err := engine.Claim(ctx, inst, orderID, "NONCE-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	var ct ContractTerms
	if err := json.Unmarshal(terms, &ct); err != nil {
		t.Fatalf("terms not JSON: %v", err)
	}
	if ct.MerchantPub != inst.PublicKey {
		t.Fatalf("merchant_pub = %s", ct.MerchantPub)
	}
	if ct.HWire != inst.Accounts[0].WireHash {
		t.Fatalf("h_wire does not match active account")
	}
	if ct.Nonce != "NONCE-1" || ct.Amount != "KUDOS:10" {
		t.Fatalf("terms incomplete: %+v", ct)
	}
	if ct.MaxFee != "KUDOS:0.1" {
		t.Fatalf("max_fee = %s, want instance default", ct.MaxFee)
	}
	want, err := crypto.ContractHash(terms)
	if err != nil || want.String() != hash {
		t.Fatalf("hash mismatch: %v", err)
	}
}

func TestContractSignatureCoversMaxFee(t *testing.T) {
	engine, store, inst := newTestEngine(t)
	ctx := context.Background()
	orderID, err := engine.CreateProposal(ctx, inst, proposalJSON(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	terms, _, err := engine.Claim(ctx, inst, orderID, "NONCE-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	ord, err := store.GetOrder(ctx, inst.ID, orderID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sig, err := crypto.DecodeSignature(ord.MerchantSig)
	if err != nil {
		t.Fatalf("decode sig: %v", err)
	}
	pub, err := crypto.DecodePublicKey(inst.PublicKey)
	if err != nil {
		t.Fatalf("decode pub: %v", err)
	}
	if !crypto.Verify(crypto.PurposeContract, terms, sig, pub) {
		t.Fatalf("signature does not cover frozen terms")
	}
	// A contract with a different max_fee must not verify under the same
	// signature.
	var ct map[string]interface{}
	_ = json.Unmarshal(terms, &ct)
	ct["max_fee"] = "KUDOS:99"
	tampered, _ := json.Marshal(ct)
	canon, _ := crypto.CanonicalJSON(tampered)
	if crypto.Verify(crypto.PurposeContract, canon, sig, pub) {
		t.Fatalf("signature survives max_fee tampering")
	}
}

func TestClaimIdempotentPerNonce(t *testing.T) {
	engine, _, inst := newTestEngine(t)
	ctx := context.Background()
	orderID, _ := engine.CreateProposal(ctx, inst, proposalJSON("2026.100-02"))

	first, _, err := engine.Claim(ctx, inst, orderID, "NONCE-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	second, _, err := engine.Claim(ctx, inst, orderID, "NONCE-1")
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("re-claim returned different bytes")
	}
	if _, _, err := engine.Claim(ctx, inst, orderID, "NONCE-2"); !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("different nonce accepted: %v", err)
	}
	// The failed claim must not have mutated the binding.
	third, _, err := engine.Claim(ctx, inst, orderID, "NONCE-1")
	if err != nil || string(third) != string(first) {
		t.Fatalf("binding mutated by rejected claim: %v", err)
	}
}

func TestProposalIdempotency(t *testing.T) {
	engine, _, inst := newTestEngine(t)
	ctx := context.Background()
	raw := proposalJSON("2026.100-03")
	if _, err := engine.CreateProposal(ctx, inst, raw); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.CreateProposal(ctx, inst, raw); !errors.Is(err, ErrProposalReplayed) {
		t.Fatalf("equal repeat: %v", err)
	}
	other := proposalJSON("2026.100-03")
	var m map[string]interface{}
	_ = json.Unmarshal(other, &m)
	m["amount"] = "KUDOS:11"
	other, _ = json.Marshal(m)
	if _, err := engine.CreateProposal(ctx, inst, other); !errors.Is(err, ErrProposalConflict) {
		t.Fatalf("different proposal: %v", err)
	}
}

func TestProposalValidation(t *testing.T) {
	engine, _, inst := newTestEngine(t)
	ctx := context.Background()
	for name, body := range map[string]string{
		"bad amount":        `{"amount":"ten","summary":"s","fulfillment_url":"https://x"}`,
		"wrong currency":    `{"amount":"EUR:10","summary":"s","fulfillment_url":"https://x"}`,
		"missing summary":   `{"amount":"KUDOS:10","fulfillment_url":"https://x"}`,
		"unknown field":     `{"amount":"KUDOS:10","summary":"s","fulfillment_url":"https://x","bogus":1}`,
		"fee currency":      `{"amount":"KUDOS:10","max_fee":"EUR:1","summary":"s","fulfillment_url":"https://x"}`,
		"past pay deadline": `{"amount":"KUDOS:10","summary":"s","fulfillment_url":"https://x","pay_deadline":"2000-01-01T00:00:00Z"}`,
	} {
		if _, err := engine.CreateProposal(ctx, inst, json.RawMessage(body)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s accepted: %v", name, err)
		}
	}
}

func TestProposalLocksStock(t *testing.T) {
	engine, store, inst := newTestEngine(t)
	ctx := context.Background()
	inv := inventory.NewService(store)
	if err := inv.Upsert(ctx, inst.ID, inventory.ProductSpec{
		ProductID:   "coffee",
		Description: "a bag of beans",
		Price:       amount.MustParse("KUDOS:5"),
		TotalStock:  3,
	}); err != nil {
		t.Fatalf("product: %v", err)
	}
	body := json.RawMessage(`{"amount":"KUDOS:10","summary":"beans","fulfillment_url":"https://x",` +
		`"products":[{"product_id":"coffee","quantity":2}]}`)
	orderID, err := engine.CreateProposal(ctx, inst, body)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got, _ := inv.LockedQuantity(ctx, inst.ID, "coffee"); got != 2 {
		t.Fatalf("locked = %d", got)
	}
	var lock storage.StockLock
	if err := store.DB(ctx).First(&lock, "instance_id = ? AND order_id = ?", inst.ID, orderID).Error; err != nil {
		t.Fatalf("lock not bound to order: %v", err)
	}

	over := json.RawMessage(`{"amount":"KUDOS:10","summary":"beans","fulfillment_url":"https://x",` +
		`"products":[{"product_id":"coffee","quantity":2}]}`)
	if _, err := engine.CreateProposal(ctx, inst, over); !errors.Is(err, inventory.ErrOutOfStock) {
		t.Fatalf("overlock accepted: %v", err)
	}
}

func TestGeneratedOrderIDFormat(t *testing.T) {
	engine, _, inst := newTestEngine(t)
	ctx := context.Background()
	orderID, err := engine.CreateProposal(ctx, inst, proposalJSON(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var year, day int
	var suffix string
	if _, err := fmt.Sscanf(orderID, "%4d.%3d-%s", &year, &day, &suffix); err != nil {
		t.Fatalf("order id %q does not match YYYY.DDD-suffix: %v", orderID, err)
	}
	if len(suffix) != 12 {
		t.Fatalf("suffix %q length %d", suffix, len(suffix))
	}
}

func TestLookupViews(t *testing.T) {
	engine, _, inst := newTestEngine(t)
	ctx := context.Background()
	orderID, _ := engine.CreateProposal(ctx, inst, proposalJSON("2026.100-04"))
	terms, hash, err := engine.Claim(ctx, inst, orderID, "NONCE-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	anon, err := engine.Lookup(ctx, inst.ID, orderID, "")
	if err != nil {
		t.Fatalf("anonymous lookup: %v", err)
	}
	if anon.Terms != nil || anon.ContractHash != hash || anon.Status != storage.StatusClaimed {
		t.Fatalf("anonymous view leaks terms: %+v", anon)
	}

	owned, err := engine.Lookup(ctx, inst.ID, orderID, "NONCE-1")
	if err != nil {
		t.Fatalf("claimant lookup: %v", err)
	}
	if string(owned.Terms) != string(terms) {
		t.Fatalf("claimant terms mismatch")
	}

	if _, err := engine.Lookup(ctx, inst.ID, orderID, "NONCE-2"); !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("wrong nonce accepted: %v", err)
	}
	if _, err := engine.Lookup(ctx, inst.ID, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing order: %v", err)
	}
}

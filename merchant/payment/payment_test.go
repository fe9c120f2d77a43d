package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"merchantd/amount"
	"merchantd/crypto"
	"merchantd/exchange"
	"merchantd/keystate"
	"merchantd/merchant/instance"
	"merchantd/merchant/longpoll"
	"merchantd/merchant/order"
	"merchantd/storage"
)

const exchangeURL = "https://exchange.test"

// fakeBackend scripts per-coin deposit outcomes and counts calls.
type fakeBackend struct {
	mu       sync.Mutex
	calls    int
	failWith map[string]error // coin_pub -> error
}

func (f *fakeBackend) Deposit(ctx context.Context, coinPub string, req *exchange.DepositRequest) (*exchange.DepositConfirmation, error) {
	f.mu.Lock()
	f.calls++
	err := f.failWith[coinPub]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &exchange.DepositConfirmation{Status: "DEPOSIT_OK", ExchangeSig: "XSIG", ExchangePub: "XPUB"}, nil
}

func (f *fakeBackend) Refund(ctx context.Context, req *exchange.RefundRequest) (*exchange.RefundResponse, error) {
	return &exchange.RefundResponse{Status: "REFUND_OK"}, nil
}

func (f *fakeBackend) depositCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeKeysSource struct {
	url  string
	keys *exchange.KeysResponse
}

func (f *fakeKeysSource) BaseURL() string { return f.url }
func (f *fakeKeysSource) Keys(ctx context.Context) (*exchange.KeysResponse, error) {
	return f.keys, nil
}

// signDenom produces a master-signed denomination the keystate service will
// accept.
func signDenom(t *testing.T, master *crypto.PrivateKey, pub string, start time.Time) exchange.DenominationKey {
	t.Helper()
	dk := exchange.DenominationKey{
		DenomPub:       pub,
		Value:          "KUDOS:5",
		FeeWithdraw:    "KUDOS:0.01",
		FeeDeposit:     "KUDOS:0.01",
		FeeRefresh:     "KUDOS:0.01",
		FeeRefund:      "KUDOS:0.01",
		Start:          start,
		ExpireWithdraw: start.Add(24 * time.Hour),
		ExpireDeposit:  start.Add(48 * time.Hour),
		ExpireLegal:    start.Add(30 * 24 * time.Hour),
	}
	stripped := dk
	stripped.MasterSignature = ""
	raw, err := json.Marshal(stripped)
	if err != nil {
		t.Fatalf("marshal denom: %v", err)
	}
	payload, err := crypto.CanonicalJSON(raw)
	if err != nil {
		t.Fatalf("canonicalise denom: %v", err)
	}
	dk.MasterSignature = master.Sign(crypto.PurposeKeySet, payload).String()
	return dk
}

type fixture struct {
	pipeline *Pipeline
	store    *storage.Store
	inst     *storage.Instance
	ord      *storage.Order
	backend  *fakeBackend
	waker    *longpoll.Coordinator
	coins    []CoinDeposit
	keys     map[string]*crypto.PrivateKey // coin_pub -> coin key
}

// newFixture builds a claimed KUDOS:10 order and two verified 5-KUDOS-net
// coins ready to pay it.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:payment_%s?mode=memory&cache=shared", t.Name())
	store, err := storage.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	inst, err := instance.NewManager(store).Create(context.Background(), instance.Spec{
		ID:       "default",
		Name:     "Test Shop",
		Accounts: []string{"payto://iban/DE89370400440532013000"},
		Defaults: instance.Defaults{PayDelay: time.Hour},
	})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}

	engine := order.NewEngine(store, order.Config{Currency: "KUDOS"})
	raw := json.RawMessage(`{"order_id":"2026.100-01","amount":"KUDOS:10","summary":"s","fulfillment_url":"https://x"}`)
	orderID, err := engine.CreateProposal(context.Background(), inst, raw)
	if err != nil {
		t.Fatalf("proposal: %v", err)
	}
	if _, _, err := engine.Claim(context.Background(), inst, orderID, "NONCE"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	ord, err := store.GetOrder(context.Background(), inst.ID, orderID)
	if err != nil {
		t.Fatalf("load order: %v", err)
	}

	master, _ := crypto.GeneratePrivateKey()
	src := &fakeKeysSource{url: exchangeURL, keys: &exchange.KeysResponse{
		Denoms: []exchange.DenominationKey{
			signDenom(t, master, "DENOM-5", time.Now().UTC().Add(-time.Hour)),
		},
	}}
	keysvc := keystate.NewService(map[string]keystate.ExchangeEntry{
		exchangeURL: {Source: src, MasterPub: master.PubKey(), Trusted: true},
	}, nil, false)

	backend := &fakeBackend{failWith: map[string]error{}}
	waker := longpoll.New()
	pipeline := NewPipeline(store, keysvc, map[string]Backend{exchangeURL: backend}, waker)

	f := &fixture{
		pipeline: pipeline, store: store, inst: inst, ord: ord,
		backend: backend, waker: waker, keys: map[string]*crypto.PrivateKey{},
	}
	f.coins = []CoinDeposit{f.makeCoin(t), f.makeCoin(t)}
	return f
}

// makeCoin mints a coin worth KUDOS:5.01 gross / KUDOS:5 net with a valid
// deposit signature for the fixture order.
func (f *fixture) makeCoin(t *testing.T) CoinDeposit {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("coin key: %v", err)
	}
	coinPub := key.PubKey().String()
	f.keys[coinPub] = key
	withFee := amount.MustParse("KUDOS:5.01")
	fee := amount.MustParse("KUDOS:0.01")
	payload, err := DepositPayload(f.ord.ContractHash, f.inst.Accounts[0].WireHash,
		f.ord.Timestamp, f.ord.RefundDeadline, f.inst.PublicKey, withFee, fee, coinPub)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	return CoinDeposit{
		CoinPub:          coinPub,
		DenomPub:         "DENOM-5",
		UbSig:            "UBSIG",
		CoinSig:          key.Sign(crypto.PurposeDepositConfirm, payload).String(),
		AmountWithFee:    "KUDOS:5.01",
		AmountWithoutFee: "KUDOS:5",
		ExchangeURL:      exchangeURL,
	}
}

func TestPayHappyPathAndReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := &PayRequest{SessionID: "sess-1", Coins: f.coins}

	receipt, err := f.pipeline.Pay(ctx, f.inst, f.ord.OrderID, req)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if receipt.ContractHash != f.ord.ContractHash {
		t.Fatalf("receipt hash mismatch")
	}
	sig, err := crypto.DecodeSignature(receipt.MerchantSig)
	if err != nil {
		t.Fatalf("receipt sig: %v", err)
	}
	pub, _ := crypto.DecodePublicKey(f.inst.PublicKey)
	payload, _ := receiptPayload(f.ord.OrderID, f.ord.ContractHash)
	if !crypto.Verify(crypto.PurposeDepositConfirm, payload, sig, pub) {
		t.Fatalf("receipt signature invalid")
	}

	ord, _ := f.store.GetOrder(ctx, f.inst.ID, f.ord.OrderID)
	if ord.Status != storage.StatusPaid || ord.PaidSessionID != "sess-1" {
		t.Fatalf("order = %s/%s", ord.Status, ord.PaidSessionID)
	}
	deposits, _ := f.store.DepositsForOrder(ctx, f.inst.ID, f.ord.OrderID)
	if len(deposits) != 2 {
		t.Fatalf("deposits = %d", len(deposits))
	}

	// Replay returns a byte-equal receipt without new RPCs.
	calls := f.backend.depositCalls()
	again, err := f.pipeline.Pay(ctx, f.inst, f.ord.OrderID, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	first, _ := json.Marshal(receipt)
	second, _ := json.Marshal(again)
	if string(first) != string(second) {
		t.Fatalf("replay not byte-equal:\n%s\n%s", first, second)
	}
	if f.backend.depositCalls() != calls {
		t.Fatalf("replay issued new deposit RPCs")
	}
}

func TestPayInsufficientCoins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	short := f.coins[:1] // 5 < 10

	_, err := f.pipeline.Pay(ctx, f.inst, f.ord.OrderID, &PayRequest{Coins: short})
	var payErr *PayError
	if !errors.As(err, &payErr) || payErr.Class != OutcomeInsufficient {
		t.Fatalf("err = %v", err)
	}
	if f.backend.depositCalls() != 0 {
		t.Fatalf("exchange contacted despite insufficient coverage")
	}
	deposits, _ := f.store.DepositsForOrder(ctx, f.inst.ID, f.ord.OrderID)
	if len(deposits) != 0 {
		t.Fatalf("deposits persisted: %d", len(deposits))
	}
}

func TestPayBadCoinSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	coins := make([]CoinDeposit, len(f.coins))
	copy(coins, f.coins)
	other, _ := crypto.GeneratePrivateKey()
	coins[1].CoinSig = other.Sign(crypto.PurposeDepositConfirm, []byte("forged")).String()

	_, err := f.pipeline.Pay(ctx, f.inst, f.ord.OrderID, &PayRequest{Coins: coins})
	var payErr *PayError
	if !errors.As(err, &payErr) || payErr.Class != OutcomeUnauthorized {
		t.Fatalf("err = %v", err)
	}
	if f.backend.depositCalls() != 0 {
		t.Fatalf("exchange contacted despite invalid coin signature")
	}
}

func TestPayDoubleSpendThenAbort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := json.RawMessage(`{"code":1001,"hint":"insufficient funds","history":[]}`)
	f.backend.failWith[f.coins[1].CoinPub] = &exchange.RemoteError{Status: http.StatusConflict, Body: body}

	_, err := f.pipeline.Pay(ctx, f.inst, f.ord.OrderID, &PayRequest{Coins: f.coins})
	var payErr *PayError
	if !errors.As(err, &payErr) || payErr.Class != OutcomeDoubleSpend {
		t.Fatalf("err = %v", err)
	}
	var spent *CoinResult
	for i := range payErr.Coins {
		if payErr.Coins[i].Outcome == OutcomeDoubleSpend {
			spent = &payErr.Coins[i]
		}
	}
	if spent == nil || string(spent.ExchangeReply) != string(body) {
		t.Fatalf("exchange reply not passed through verbatim: %+v", payErr.Coins)
	}

	// The good coin's deposit survives the failed request.
	deposits, _ := f.store.DepositsForOrder(ctx, f.inst.ID, f.ord.OrderID)
	if len(deposits) != 1 || deposits[0].CoinPub != f.coins[0].CoinPub {
		t.Fatalf("deposits = %+v", deposits)
	}
	ord, _ := f.store.GetOrder(ctx, f.inst.ID, f.ord.OrderID)
	if ord.Status != storage.StatusClaimed {
		t.Fatalf("status = %s", ord.Status)
	}

	// Abort issues a verifiable refund permission for the deposited coin.
	res, err := f.pipeline.Abort(ctx, f.inst, f.ord.OrderID)
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if len(res.Refunds) != 1 || res.Refunds[0].CoinPub != f.coins[0].CoinPub {
		t.Fatalf("refunds = %+v", res.Refunds)
	}
	sig, err := crypto.DecodeSignature(res.Refunds[0].MerchantSig)
	if err != nil {
		t.Fatalf("refund sig: %v", err)
	}
	payload, _ := RefundPayload(f.ord.ContractHash, f.coins[0].CoinPub, 0, amount.MustParse("KUDOS:5.01"))
	pub, _ := crypto.DecodePublicKey(f.inst.PublicKey)
	if !crypto.Verify(crypto.PurposeRefundOK, payload, sig, pub) {
		t.Fatalf("refund permission invalid")
	}
	ord, _ = f.store.GetOrder(ctx, f.inst.ID, f.ord.OrderID)
	if ord.Status != storage.StatusAborted {
		t.Fatalf("status after abort = %s", ord.Status)
	}
	if _, err := f.pipeline.Pay(ctx, f.inst, f.ord.OrderID, &PayRequest{Coins: f.coins}); !errors.Is(err, ErrAborted) {
		t.Fatalf("pay after abort: %v", err)
	}
}

func TestAbortWithoutDepositsIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.pipeline.Abort(ctx, f.inst, f.ord.OrderID)
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if len(res.Refunds) != 0 {
		t.Fatalf("refunds issued: %+v", res.Refunds)
	}
	ord, _ := f.store.GetOrder(ctx, f.inst.ID, f.ord.OrderID)
	if ord.Status != storage.StatusClaimed {
		t.Fatalf("no-op abort changed status to %s", ord.Status)
	}
}

func TestPayUnreachableExchange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.failWith[f.coins[0].CoinPub] = fmt.Errorf("%w: connection refused", exchange.ErrUnreachable)

	_, err := f.pipeline.Pay(ctx, f.inst, f.ord.OrderID, &PayRequest{Coins: f.coins})
	var payErr *PayError
	if !errors.As(err, &payErr) || payErr.Class != OutcomeUnreachable {
		t.Fatalf("err = %v", err)
	}
}

func TestPayWakesLongPollers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	woken := make(chan bool, 1)
	go func() {
		woken <- f.waker.Wait(ctx, longpoll.OrderKey(f.inst.ID, f.ord.OrderID), 5*time.Second)
	}()
	time.Sleep(50 * time.Millisecond)

	if _, err := f.pipeline.Pay(ctx, f.inst, f.ord.OrderID, &PayRequest{Coins: f.coins}); err != nil {
		t.Fatalf("pay: %v", err)
	}
	select {
	case ok := <-woken:
		if !ok {
			t.Fatalf("waiter timed out instead of waking")
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not woken by pay")
	}
}

func TestPayRejectsUnclaimedOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	engine := order.NewEngine(f.store, order.Config{Currency: "KUDOS"})
	raw := json.RawMessage(`{"order_id":"2026.100-99","amount":"KUDOS:10","summary":"s","fulfillment_url":"https://x"}`)
	if _, err := engine.CreateProposal(ctx, f.inst, raw); err != nil {
		t.Fatalf("proposal: %v", err)
	}
	if _, err := f.pipeline.Pay(ctx, f.inst, "2026.100-99", &PayRequest{Coins: f.coins}); !errors.Is(err, ErrUnclaimed) {
		t.Fatalf("err = %v", err)
	}
	if _, err := f.pipeline.Pay(ctx, f.inst, "missing", &PayRequest{Coins: f.coins}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

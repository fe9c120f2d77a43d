package instance

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"merchantd/amount"
	"merchantd/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:instance_%s?mode=memory&cache=shared", t.Name())
	store, err := storage.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testSpec(id string) Spec {
	return Spec{
		ID:       id,
		Name:     "Test Shop",
		Accounts: []string{"payto://iban/DE89370400440532013000"},
		Defaults: Defaults{
			MaxWireFee:          amount.MustParse("KUDOS:0.5"),
			MaxDepositFee:       amount.MustParse("KUDOS:0.1"),
			WireFeeAmortization: 10,
			WireTransferDelay:   48 * time.Hour,
			PayDelay:            time.Hour,
		},
	}
}

func TestCreateGeneratesKeyAndWireHash(t *testing.T) {
	m := NewManager(openTestStore(t))
	inst, err := m.Create(context.Background(), testSpec("default"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(inst.PrivateKey) == 0 || inst.PublicKey == "" {
		t.Fatalf("no signing keypair generated")
	}
	if len(inst.Accounts) != 1 {
		t.Fatalf("accounts = %d", len(inst.Accounts))
	}
	acct := inst.Accounts[0]
	if !acct.Active || len(acct.Salt) == 0 || acct.WireHash == "" {
		t.Fatalf("account not initialized: %+v", acct)
	}
	key, err := SigningKey(inst)
	if err != nil {
		t.Fatalf("signing key: %v", err)
	}
	if key.PubKey().String() != inst.PublicKey {
		t.Fatalf("stored public key mismatch")
	}
}

func TestCreateRejectsDuplicates(t *testing.T) {
	m := NewManager(openTestStore(t))
	if _, err := m.Create(context.Background(), testSpec("default")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Create(context.Background(), testSpec("default")); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate id accepted: %v", err)
	}
	spec := testSpec("other")
	spec.Accounts = append(spec.Accounts, spec.Accounts[0])
	if _, err := m.Create(context.Background(), spec); !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("duplicate payto accepted: %v", err)
	}
}

func TestPatchAccountsFlipsActive(t *testing.T) {
	m := NewManager(openTestStore(t))
	ctx := context.Background()
	if _, err := m.Create(ctx, testSpec("default")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := m.Update(ctx, "default", Patch{
		Accounts: []string{"payto://iban/GB33BUKB20201555555555"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	inst, err := m.Get(ctx, "default")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(inst.Accounts) != 2 {
		t.Fatalf("accounts = %d, want old row preserved", len(inst.Accounts))
	}
	byURI := map[string]storage.BankAccount{}
	for _, a := range inst.Accounts {
		byURI[a.PaytoURI] = a
	}
	if byURI["payto://iban/DE89370400440532013000"].Active {
		t.Fatalf("replaced account still active")
	}
	repl := byURI["payto://iban/GB33BUKB20201555555555"]
	if !repl.Active || len(repl.Salt) == 0 {
		t.Fatalf("new account not initialized")
	}
	active, err := ActiveAccount(inst)
	if err != nil || active.PaytoURI != "payto://iban/GB33BUKB20201555555555" {
		t.Fatalf("active account = %v, %v", active, err)
	}
}

func TestSoftDeleteErasesKey(t *testing.T) {
	m := NewManager(openTestStore(t))
	ctx := context.Background()
	if _, err := m.Create(ctx, testSpec("default")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Delete(ctx, "default"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(ctx, "default"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted instance still visible: %v", err)
	}
	if err := m.Delete(ctx, "default"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestPurgeRemovesRows(t *testing.T) {
	store := openTestStore(t)
	m := NewManager(store)
	ctx := context.Background()
	if _, err := m.Create(ctx, testSpec("default")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Purge(ctx, "default"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	var count int64
	if err := store.DB(ctx).Model(&storage.BankAccount{}).
		Where("instance_id = ?", "default").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("accounts left behind: %d", count)
	}
	if err := m.Purge(ctx, "default"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second purge: %v", err)
	}
}

func TestAuthTokenRoundTrip(t *testing.T) {
	m := NewManager(openTestStore(t))
	ctx := context.Background()
	spec := testSpec("default")
	spec.AuthToken = "secret-token"
	if _, err := m.Create(ctx, spec); err != nil {
		t.Fatalf("create: %v", err)
	}
	inst, err := m.Get(ctx, "default")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if inst.AuthTokenHash != HashAuthToken("secret-token") {
		t.Fatalf("auth token hash mismatch")
	}
	if inst.AuthTokenHash == HashAuthToken("other") {
		t.Fatalf("hash does not depend on token")
	}
}

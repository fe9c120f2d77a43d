// Package instance manages merchant tenants: per-instance signing keys, bank
// accounts with salted wire hashes, and default limits.
package instance

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"merchantd/amount"
	"merchantd/crypto"
	"merchantd/storage"
)

var (
	// ErrExists is returned when creating an instance whose id is taken.
	ErrExists = errors.New("instance: already exists")

	// ErrNotFound is returned for unknown instances.
	ErrNotFound = errors.New("instance: not found")

	// ErrDuplicateAccount is returned when two accounts share a payto URI.
	ErrDuplicateAccount = errors.New("instance: duplicate payto URI")

	// ErrNoActiveAccount is returned when an instance has no active account.
	ErrNoActiveAccount = errors.New("instance: no active bank account")
)

// Defaults are the per-instance fee and deadline limits.
type Defaults struct {
	MaxWireFee          amount.Amount
	MaxDepositFee       amount.Amount
	WireFeeAmortization int64
	WireTransferDelay   time.Duration
	PayDelay            time.Duration
}

// Spec describes a new or patched instance.
type Spec struct {
	ID           string
	Name         string
	Accounts     []string // payto URIs
	Address      map[string]string
	Jurisdiction map[string]string
	AuthToken    string
	Defaults     Defaults
}

// Manager mediates instance CRUD against the store.
type Manager struct {
	store *storage.Store
}

// NewManager wraps the store.
func NewManager(store *storage.Store) *Manager {
	return &Manager{store: store}
}

// Create inserts a new instance with a fresh signing keypair and salted wire
// hashes for every account.
func (m *Manager) Create(ctx context.Context, spec Spec) (*storage.Instance, error) {
	if strings.TrimSpace(spec.ID) == "" {
		return nil, fmt.Errorf("instance id required")
	}
	if err := checkAccounts(spec.Accounts); err != nil {
		return nil, err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate instance key: %w", err)
	}
	rec, err := buildRecord(spec, key)
	if err != nil {
		return nil, err
	}
	err = m.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		var existing storage.Instance
		if err := tx.First(&existing, "id = ?", spec.ID).Error; err == nil {
			return ErrExists
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(rec).Error
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func buildRecord(spec Spec, key *crypto.PrivateKey) (*storage.Instance, error) {
	address, err := json.Marshal(spec.Address)
	if err != nil {
		return nil, fmt.Errorf("encode address: %w", err)
	}
	jurisdiction, err := json.Marshal(spec.Jurisdiction)
	if err != nil {
		return nil, fmt.Errorf("encode jurisdiction: %w", err)
	}
	rec := &storage.Instance{
		ID:                  spec.ID,
		Name:                spec.Name,
		Address:             address,
		Jurisdiction:        jurisdiction,
		PrivateKey:          key.Bytes(),
		PublicKey:           key.PubKey().String(),
		MaxWireFee:          storage.MoneyFrom(spec.Defaults.MaxWireFee),
		MaxDepositFee:       storage.MoneyFrom(spec.Defaults.MaxDepositFee),
		WireFeeAmortization: spec.Defaults.WireFeeAmortization,
		WireTransferDelay:   int64(spec.Defaults.WireTransferDelay / time.Second),
		PayDelay:            int64(spec.Defaults.PayDelay / time.Second),
	}
	if spec.AuthToken != "" {
		rec.AuthTokenHash = HashAuthToken(spec.AuthToken)
	}
	for _, payto := range spec.Accounts {
		acct, err := newAccount(spec.ID, payto)
		if err != nil {
			return nil, err
		}
		rec.Accounts = append(rec.Accounts, *acct)
	}
	return rec, nil
}

func newAccount(instanceID, payto string) (*storage.BankAccount, error) {
	if !strings.HasPrefix(payto, "payto://") {
		return nil, fmt.Errorf("invalid payto URI %q", payto)
	}
	salt := make([]byte, crypto.WireSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return &storage.BankAccount{
		InstanceID: instanceID,
		PaytoURI:   payto,
		Salt:       salt,
		WireHash:   crypto.WireHash(payto, salt).String(),
		Active:     true,
	}, nil
}

func checkAccounts(accounts []string) error {
	if len(accounts) == 0 {
		return fmt.Errorf("at least one bank account required")
	}
	seen := make(map[string]bool, len(accounts))
	for _, payto := range accounts {
		if seen[payto] {
			return fmt.Errorf("%w: %s", ErrDuplicateAccount, payto)
		}
		seen[payto] = true
	}
	return nil
}

// Patch updates mutable instance fields. New accounts get fresh salts; payto
// URIs no longer listed have their active flag cleared but keep their rows so
// old contracts stay verifiable.
type Patch struct {
	Name         *string
	Accounts     []string
	Address      map[string]string
	Jurisdiction map[string]string
	AuthToken    *string
	Defaults     *Defaults
}

// Update applies a PATCH to an existing instance.
func (m *Manager) Update(ctx context.Context, id string, patch Patch) error {
	return m.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		var inst storage.Instance
		if err := tx.Preload("Accounts").First(&inst, "id = ? AND deleted = ?", id, false).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if patch.Name != nil {
			inst.Name = *patch.Name
		}
		if patch.Address != nil {
			data, err := json.Marshal(patch.Address)
			if err != nil {
				return err
			}
			inst.Address = data
		}
		if patch.Jurisdiction != nil {
			data, err := json.Marshal(patch.Jurisdiction)
			if err != nil {
				return err
			}
			inst.Jurisdiction = data
		}
		if patch.AuthToken != nil {
			inst.AuthTokenHash = HashAuthToken(*patch.AuthToken)
		}
		if patch.Defaults != nil {
			inst.MaxWireFee = storage.MoneyFrom(patch.Defaults.MaxWireFee)
			inst.MaxDepositFee = storage.MoneyFrom(patch.Defaults.MaxDepositFee)
			inst.WireFeeAmortization = patch.Defaults.WireFeeAmortization
			inst.WireTransferDelay = int64(patch.Defaults.WireTransferDelay / time.Second)
			inst.PayDelay = int64(patch.Defaults.PayDelay / time.Second)
		}
		if err := tx.Omit("Accounts").Save(&inst).Error; err != nil {
			return err
		}
		if patch.Accounts != nil {
			if err := checkAccounts(patch.Accounts); err != nil {
				return err
			}
			return m.reconcileAccounts(tx, &inst, patch.Accounts)
		}
		return nil
	})
}

func (m *Manager) reconcileAccounts(tx *gorm.DB, inst *storage.Instance, wanted []string) error {
	keep := make(map[string]bool, len(wanted))
	for _, payto := range wanted {
		keep[payto] = true
	}
	existing := make(map[string]*storage.BankAccount, len(inst.Accounts))
	for i := range inst.Accounts {
		existing[inst.Accounts[i].PaytoURI] = &inst.Accounts[i]
	}
	for _, acct := range inst.Accounts {
		active := keep[acct.PaytoURI]
		if acct.Active != active {
			if err := tx.Model(&storage.BankAccount{}).Where("id = ?", acct.ID).
				Update("active", active).Error; err != nil {
				return err
			}
		}
	}
	for _, payto := range wanted {
		if _, ok := existing[payto]; ok {
			continue
		}
		acct, err := newAccount(inst.ID, payto)
		if err != nil {
			return err
		}
		if err := tx.Create(acct).Error; err != nil {
			return err
		}
	}
	return nil
}

// Delete soft-deletes the instance: the signing private key is erased but
// audit rows are preserved.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&storage.Instance{}).Where("id = ? AND deleted = ?", id, false).
			Updates(map[string]interface{}{"private_key": []byte(nil), "deleted": true})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Purge removes the instance and every row it owns.
func (m *Manager) Purge(ctx context.Context, id string) error {
	return m.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		var inst storage.Instance
		if err := tx.First(&inst, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		for _, model := range []interface{}{
			&storage.BankAccount{}, &storage.Product{}, &storage.StockLock{},
			&storage.Order{}, &storage.Deposit{}, &storage.Refund{},
			&storage.TipReserve{}, &storage.Tip{}, &storage.WireTransfer{},
			&storage.IdempotencyRecord{},
		} {
			if err := tx.Where("instance_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&inst).Error
	})
}

// Get loads one live instance.
func (m *Manager) Get(ctx context.Context, id string) (*storage.Instance, error) {
	inst, err := m.store.GetInstance(ctx, id)
	if storage.IsNotFound(err) {
		return nil, ErrNotFound
	}
	return inst, err
}

// List returns all live instances.
func (m *Manager) List(ctx context.Context) ([]storage.Instance, error) {
	return m.store.ListInstances(ctx)
}

// ActiveAccount returns the instance's current active bank account.
func ActiveAccount(inst *storage.Instance) (*storage.BankAccount, error) {
	for i := range inst.Accounts {
		if inst.Accounts[i].Active {
			return &inst.Accounts[i], nil
		}
	}
	return nil, ErrNoActiveAccount
}

// SigningKey rebuilds the instance's private key. Soft-deleted instances have
// none.
func SigningKey(inst *storage.Instance) (*crypto.PrivateKey, error) {
	if len(inst.PrivateKey) == 0 {
		return nil, fmt.Errorf("instance %s has no signing key", inst.ID)
	}
	return crypto.PrivateKeyFromBytes(inst.PrivateKey)
}

// HashAuthToken derives the at-rest form of an instance auth token.
func HashAuthToken(token string) string {
	return crypto.HashBytes([]byte("merchantd-auth:" + token)).String()
}

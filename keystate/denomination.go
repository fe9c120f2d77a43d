// Package keystate caches the denomination and signing keys of every known
// exchange as reference-counted, atomically swappable snapshots.
package keystate

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"merchantd/amount"
	"merchantd/crypto"
	"merchantd/exchange"
)

// Use selects which validity window of a denomination applies.
type Use int

const (
	UseWithdraw Use = iota
	UseDeposit
	UseRefresh
	UseRefund
)

func (u Use) String() string {
	switch u {
	case UseWithdraw:
		return "withdraw"
	case UseDeposit:
		return "deposit"
	case UseRefresh:
		return "refresh"
	case UseRefund:
		return "refund"
	}
	return "unknown"
}

var (
	// ErrUnknownDenomination is returned when no matching, currently valid
	// denomination exists.
	ErrUnknownDenomination = errors.New("keystate: unknown denomination")

	// ErrUnknownExchange is returned when no snapshot exists for the exchange.
	ErrUnknownExchange = errors.New("keystate: unknown exchange")

	// ErrNoSigningKey is returned when the exchange has no currently valid
	// signing key.
	ErrNoSigningKey = errors.New("keystate: no current signing key")
)

// Auditor is one accepted auditor, parsed once from configuration.
type Auditor struct {
	Name      string
	URL       string
	PublicKey crypto.EddsaPublicKey
}

// Denomination is one validated denomination key of an exchange.
type Denomination struct {
	DenomPub       string
	Value          amount.Amount
	FeeWithdraw    amount.Amount
	FeeDeposit     amount.Amount
	FeeRefresh     amount.Amount
	FeeRefund      amount.Amount
	Start          time.Time
	ExpireWithdraw time.Time
	ExpireDeposit  time.Time
	ExpireLegal    time.Time
	MasterSig      crypto.Signature
	AuditorNames   []string
	raw            exchange.DenominationKey
}

// ValidFor reports whether the denomination may be used for the given purpose
// at the given time.
func (d *Denomination) ValidFor(use Use, at time.Time) bool {
	if at.Before(d.Start) {
		return false
	}
	switch use {
	case UseWithdraw:
		return at.Before(d.ExpireWithdraw)
	case UseDeposit, UseRefresh:
		return at.Before(d.ExpireDeposit)
	case UseRefund:
		return at.Before(d.ExpireLegal)
	}
	return false
}

// Raw returns the wire-format record the denomination was parsed from.
func (d *Denomination) Raw() []byte {
	data, _ := json.Marshal(d.raw)
	return data
}

// denomSignedPayload is the byte string the exchange master key signs for one
// denomination. Canonical JSON keeps it stable across field ordering.
func denomSignedPayload(dk exchange.DenominationKey) ([]byte, error) {
	stripped := dk
	stripped.MasterSignature = ""
	data, err := json.Marshal(stripped)
	if err != nil {
		return nil, err
	}
	return crypto.CanonicalJSON(data)
}

// parseDenomination validates amounts and the master signature.
func parseDenomination(dk exchange.DenominationKey, masterPub crypto.EddsaPublicKey) (*Denomination, error) {
	d := &Denomination{
		DenomPub:       dk.DenomPub,
		Start:          dk.Start,
		ExpireWithdraw: dk.ExpireWithdraw,
		ExpireDeposit:  dk.ExpireDeposit,
		ExpireLegal:    dk.ExpireLegal,
		raw:            dk,
	}
	var err error
	if d.Value, err = amount.Parse(dk.Value); err != nil {
		return nil, fmt.Errorf("denomination %s: value: %w", dk.DenomPub, err)
	}
	if d.FeeWithdraw, err = amount.Parse(dk.FeeWithdraw); err != nil {
		return nil, fmt.Errorf("denomination %s: fee_withdraw: %w", dk.DenomPub, err)
	}
	if d.FeeDeposit, err = amount.Parse(dk.FeeDeposit); err != nil {
		return nil, fmt.Errorf("denomination %s: fee_deposit: %w", dk.DenomPub, err)
	}
	if d.FeeRefresh, err = amount.Parse(dk.FeeRefresh); err != nil {
		return nil, fmt.Errorf("denomination %s: fee_refresh: %w", dk.DenomPub, err)
	}
	if d.FeeRefund, err = amount.Parse(dk.FeeRefund); err != nil {
		return nil, fmt.Errorf("denomination %s: fee_refund: %w", dk.DenomPub, err)
	}
	sig, err := crypto.DecodeSignature(dk.MasterSignature)
	if err != nil {
		return nil, fmt.Errorf("denomination %s: master_sig: %w", dk.DenomPub, err)
	}
	payload, err := denomSignedPayload(dk)
	if err != nil {
		return nil, fmt.Errorf("denomination %s: payload: %w", dk.DenomPub, err)
	}
	if !crypto.Verify(crypto.PurposeKeySet, payload, sig, masterPub) {
		return nil, fmt.Errorf("denomination %s: master signature invalid", dk.DenomPub)
	}
	d.MasterSig = sig
	return d, nil
}

// SigningKey is one validated online signing key.
type SigningKey struct {
	Key    crypto.EddsaPublicKey
	Start  time.Time
	Expire time.Time
}

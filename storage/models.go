package storage

import (
	"time"

	"gorm.io/gorm"

	"merchantd/amount"
)

// OrderStatus represents a state in the order lifecycle.
type OrderStatus string

// All lifecycle states.
const (
	StatusProposed OrderStatus = "PROPOSED"
	StatusClaimed  OrderStatus = "CLAIMED"
	StatusPaid     OrderStatus = "PAID"
	StatusRefunded OrderStatus = "REFUNDED"
	StatusAborted  OrderStatus = "ABORTED"
)

// Money is the persisted form of an amount: currency, integer units and a
// fraction where 10^8 equals one unit.
type Money struct {
	Currency string `gorm:"size:16"`
	Value    int64
	Fraction int32
}

// MoneyFrom converts an amount into its persisted form.
func MoneyFrom(a amount.Amount) Money {
	return Money{Currency: a.Currency, Value: int64(a.Value), Fraction: int32(a.Fraction)}
}

// Amount converts back into the arithmetic form.
func (m Money) Amount() amount.Amount {
	if m.Currency == "" {
		return amount.Amount{}
	}
	return amount.Amount{Currency: m.Currency, Value: uint64(m.Value), Fraction: uint32(m.Fraction)}
}

// Instance is one merchant tenant with its own signing key and accounts.
type Instance struct {
	ID                  string `gorm:"primaryKey;size:64"`
	Name                string
	Address             []byte `gorm:"type:text"`
	Jurisdiction        []byte `gorm:"type:text"`
	PrivateKey          []byte
	PublicKey           string `gorm:"size:64;index"`
	AuthTokenHash       string `gorm:"size:64"`
	MaxWireFee          Money  `gorm:"embedded;embeddedPrefix:max_wire_fee_"`
	MaxDepositFee       Money  `gorm:"embedded;embeddedPrefix:max_deposit_fee_"`
	WireFeeAmortization int64
	WireTransferDelay   int64 // seconds
	PayDelay            int64 // seconds
	Deleted             bool  `gorm:"index"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
	Accounts            []BankAccount `gorm:"foreignKey:InstanceID"`
}

// BankAccount stores one payto target plus its salted wire hash. Accounts are
// immutable rows; instance PATCH inserts new rows and flips Active.
type BankAccount struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	InstanceID string `gorm:"size:64;index:idx_account_instance_payto,unique"`
	PaytoURI   string `gorm:"size:255;index:idx_account_instance_payto,unique"`
	Salt       []byte
	WireHash   string `gorm:"size:64;index"`
	Active     bool
	CreatedAt  time.Time
}

// Product is inventory state for one (instance, product) pair.
type Product struct {
	InstanceID      string `gorm:"primaryKey;size:64"`
	ProductID       string `gorm:"primaryKey;size:128"`
	Description     string `gorm:"type:text"`
	DescriptionI18n []byte `gorm:"type:text"`
	Unit            string `gorm:"size:32"`
	Price           Money  `gorm:"embedded;embeddedPrefix:price_"`
	Image           string `gorm:"type:text"`
	Taxes           []byte `gorm:"type:text"`
	TotalStock      int64  // -1 means infinite
	TotalSold       int64
	TotalLost       int64
	Location        string
	NextRestock     time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StockLock reserves product quantity for a not-yet-paid order.
type StockLock struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	InstanceID string `gorm:"size:64;index:idx_lock_uuid,unique"`
	ProductID  string `gorm:"size:128;index:idx_lock_uuid,unique"`
	LockUUID   string `gorm:"size:64;index:idx_lock_uuid,unique"`
	OrderID    string `gorm:"size:64;index"`
	Quantity   int64
	Expiry     time.Time `gorm:"index"`
}

// Order carries the proposal and, once claimed, the frozen contract terms.
type Order struct {
	RowID          uint64      `gorm:"primaryKey;autoIncrement"`
	InstanceID     string      `gorm:"size:64;uniqueIndex:idx_order_id"`
	OrderID        string      `gorm:"size:64;uniqueIndex:idx_order_id"`
	Status         OrderStatus `gorm:"size:16;index"`
	Proposal       []byte      `gorm:"type:text"`
	ContractTerms  []byte      `gorm:"type:text"`
	ContractHash   string      `gorm:"size:64;index"`
	ClaimNonce     string      `gorm:"size:64"`
	MerchantSig    string      `gorm:"size:128"`
	Total          Money       `gorm:"embedded;embeddedPrefix:total_"`
	MaxFee         Money       `gorm:"embedded;embeddedPrefix:max_fee_"`
	RefundTotal    Money       `gorm:"embedded;embeddedPrefix:refund_total_"`
	LastRtxID      int64
	FulfillmentURL string
	PaidSessionID  string `gorm:"size:128"`
	Timestamp      time.Time
	PayDeadline    time.Time
	RefundDeadline time.Time
	WireDeadline   time.Time
	CreatedAt      time.Time `gorm:"index"`
	UpdatedAt      time.Time
}

// Deposit is one coin successfully deposited for an order.
type Deposit struct {
	ID               uint64 `gorm:"primaryKey;autoIncrement"`
	InstanceID       string `gorm:"size:64;index:idx_deposit_coin,unique"`
	OrderID          string `gorm:"size:64;index:idx_deposit_coin,unique"`
	CoinPub          string `gorm:"size:64;index:idx_deposit_coin,unique"`
	DenomPub         string `gorm:"size:64;index"`
	ExchangeURL      string `gorm:"size:255;index"`
	AmountWithFee    Money  `gorm:"embedded;embeddedPrefix:with_fee_"`
	AmountWithoutFee Money  `gorm:"embedded;embeddedPrefix:without_fee_"`
	DepositFee       Money  `gorm:"embedded;embeddedPrefix:deposit_fee_"`
	RefundFee        Money  `gorm:"embedded;embeddedPrefix:refund_fee_"`
	WireHash         string `gorm:"size:64"`
	CoinSig          string `gorm:"size:128"`
	MerchantSig      string `gorm:"size:128"`
	ExchangeSig      string `gorm:"size:128"`
	ExchangePub      string `gorm:"size:64"`
	Timestamp        time.Time
}

// Refund records one signed refund permission for a coin.
type Refund struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	InstanceID     string `gorm:"size:64;index:idx_refund_rtx,unique"`
	OrderID        string `gorm:"size:64;index:idx_refund_rtx,unique"`
	CoinPub        string `gorm:"size:64;index:idx_refund_rtx,unique"`
	RtransactionID int64  `gorm:"index:idx_refund_rtx,unique"`
	Amount         Money  `gorm:"embedded;embeddedPrefix:amount_"`
	RefundFee      Money  `gorm:"embedded;embeddedPrefix:fee_"`
	Reason         string `gorm:"type:text"`
	MerchantSig    string `gorm:"size:128"`
	CreatedAt      time.Time
}

// TipReserve is a pre-funded reserve tips are drawn from.
type TipReserve struct {
	ReservePub  string `gorm:"primaryKey;size:64"`
	InstanceID  string `gorm:"size:64;index"`
	ExchangeURL string `gorm:"size:255"`
	Authorized  Money  `gorm:"embedded;embeddedPrefix:authorized_"`
	PickedUp    Money  `gorm:"embedded;embeddedPrefix:picked_up_"`
	Expiry      time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Tip is one authorized tip; pickups debit Remaining.
type Tip struct {
	TipID         string `gorm:"primaryKey;size:64"`
	InstanceID    string `gorm:"size:64;index"`
	ReservePub    string `gorm:"size:64;index"`
	ExchangeURL   string `gorm:"size:255"`
	Amount        Money  `gorm:"embedded;embeddedPrefix:amount_"`
	Remaining     Money  `gorm:"embedded;embeddedPrefix:remaining_"`
	Justification string `gorm:"type:text"`
	Expiry        time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TipPickup records one successful planchet batch withdrawal.
type TipPickup struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	TipID     string `gorm:"size:64;index:idx_pickup,unique"`
	PickupID  string `gorm:"size:64;index:idx_pickup,unique"`
	Total     Money  `gorm:"embedded;embeddedPrefix:total_"`
	Planchets int
	CreatedAt time.Time
}

// WireTransfer caches one exchange-signed aggregation receipt.
type WireTransfer struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	InstanceID    string `gorm:"size:64;index:idx_wtid,unique"`
	WTID          string `gorm:"column:wtid;size:64;index:idx_wtid,unique"`
	ExchangeURL   string `gorm:"size:255;index:idx_wtid,unique"`
	Total         Money  `gorm:"embedded;embeddedPrefix:total_"`
	WireFee       Money  `gorm:"embedded;embeddedPrefix:wire_fee_"`
	WireHash      string `gorm:"size:64"`
	ExchangePub   string `gorm:"size:64"`
	ExchangeSig   string `gorm:"size:128"`
	ExecutionTime time.Time
	CreatedAt     time.Time
	Items         []WireTransferItem `gorm:"foreignKey:WireTransferID"`
}

// WireTransferItem maps one coin within a wire transfer back to its order.
type WireTransferItem struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	WireTransferID uint64 `gorm:"index"`
	InstanceID     string `gorm:"size:64;index:idx_wt_item_order"`
	OrderID        string `gorm:"size:64;index:idx_wt_item_order"`
	CoinPub        string `gorm:"size:64"`
	DepositValue   Money  `gorm:"embedded;embeddedPrefix:value_"`
	DepositFee     Money  `gorm:"embedded;embeddedPrefix:fee_"`
}

// IdempotencyRecord replays a stored response for a repeated request.
type IdempotencyRecord struct {
	Fingerprint string `gorm:"primaryKey;size:64"`
	InstanceID  string `gorm:"size:64;index"`
	Method      string `gorm:"size:8"`
	Path        string `gorm:"size:255"`
	Status      int
	Body        []byte `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"index"`
}

// HistoricDenomination retains denominations referenced by committed deposits
// after they rotate out of the live key state, so audits and refunds keep
// working.
type HistoricDenomination struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	ExchangeURL string `gorm:"size:255;index:idx_historic_denom,unique"`
	DenomPub    string `gorm:"size:64;index:idx_historic_denom,unique"`
	Raw         []byte `gorm:"type:text"`
	RetiredAt   time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Instance{},
		&BankAccount{},
		&Product{},
		&StockLock{},
		&Order{},
		&Deposit{},
		&Refund{},
		&TipReserve{},
		&Tip{},
		&TipPickup{},
		&WireTransfer{},
		&WireTransferItem{},
		&IdempotencyRecord{},
		&HistoricDenomination{},
	)
}

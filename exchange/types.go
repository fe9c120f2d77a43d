package exchange

import (
	"encoding/json"
	"time"
)

// KeysResponse is the body of GET /keys. Binary fields are base32 strings.
type KeysResponse struct {
	MasterPublicKey string            `json:"master_public_key"`
	ListIssueDate   time.Time         `json:"list_issue_date"`
	Denoms          []DenominationKey `json:"denoms"`
	SignKeys        []SigningKey      `json:"signkeys"`
	Auditors        []AuditorKeys     `json:"auditors"`
	EddsaSig        string            `json:"eddsa_sig"`
}

// DenominationKey describes one coin denomination offered by the exchange.
type DenominationKey struct {
	DenomPub        string    `json:"denom_pub"`
	Value           string    `json:"value"`
	FeeWithdraw     string    `json:"fee_withdraw"`
	FeeDeposit      string    `json:"fee_deposit"`
	FeeRefresh      string    `json:"fee_refresh"`
	FeeRefund       string    `json:"fee_refund"`
	Start           time.Time `json:"stamp_start"`
	ExpireWithdraw  time.Time `json:"stamp_expire_withdraw"`
	ExpireDeposit   time.Time `json:"stamp_expire_deposit"`
	ExpireLegal     time.Time `json:"stamp_expire_legal"`
	MasterSignature string    `json:"master_sig"`
}

// SigningKey is one online signing key of the exchange.
type SigningKey struct {
	Key             string    `json:"key"`
	Start           time.Time `json:"stamp_start"`
	Expire          time.Time `json:"stamp_expire"`
	ExpireLegal     time.Time `json:"stamp_end"`
	MasterSignature string    `json:"master_sig"`
}

// AuditorKeys carries one auditor's cross-signatures over denominations.
type AuditorKeys struct {
	AuditorPub string             `json:"auditor_pub"`
	AuditorURL string             `json:"auditor_url"`
	DenomSigs  []AuditorDenomSig  `json:"denomination_keys"`
}

// AuditorDenomSig is an auditor's signature over a single denomination.
type AuditorDenomSig struct {
	DenomPub   string `json:"denom_pub"`
	AuditorSig string `json:"auditor_sig"`
}

// DepositRequest is the body of POST /coins/{coin_pub}/deposit.
type DepositRequest struct {
	ContribWithFee string    `json:"contribution"`
	DenomPub       string    `json:"denom_pub"`
	UbSig          string    `json:"ub_sig"`
	CoinSig        string    `json:"coin_sig"`
	HContractTerms string    `json:"h_contract_terms"`
	HWire          string    `json:"h_wire"`
	Timestamp      time.Time `json:"timestamp"`
	RefundDeadline time.Time `json:"refund_deadline"`
	WireDeadline   time.Time `json:"wire_transfer_deadline"`
	MerchantPub    string    `json:"merchant_pub"`
	MerchantSig    string    `json:"merchant_sig"`
}

// DepositConfirmation is the exchange's signed acknowledgement of a deposit.
type DepositConfirmation struct {
	Status      string `json:"status"`
	ExchangeSig string `json:"sig"`
	ExchangePub string `json:"pub"`
}

// TransferResponse is the body of GET /transfers/{wtid}.
type TransferResponse struct {
	Total         string         `json:"total"`
	WireFee       string         `json:"wire_fee"`
	MerchantPub   string         `json:"merchant_pub"`
	HWire         string         `json:"h_wire"`
	ExecutionTime time.Time      `json:"execution_time"`
	Deposits      []TransferItem `json:"deposits"`
	ExchangeSig   string         `json:"exchange_sig"`
	ExchangePub   string         `json:"exchange_pub"`
}

// TransferItem maps one aggregated coin back to its contract.
type TransferItem struct {
	HContractTerms string `json:"h_contract_terms"`
	CoinPub        string `json:"coin_pub"`
	DepositValue   string `json:"deposit_value"`
	DepositFee     string `json:"deposit_fee"`
}

// WithdrawRequest is the body of POST /reserves/{pub}/withdraw.
type WithdrawRequest struct {
	DenomPub   string `json:"denom_pub"`
	CoinEv     string `json:"coin_ev"`
	ReserveSig string `json:"reserve_sig"`
}

// WithdrawResponse carries the blind signature over the planchet.
type WithdrawResponse struct {
	EvSig string `json:"ev_sig"`
}

// RefundRequest is the body of POST /refund.
type RefundRequest struct {
	Amount         string `json:"refund_amount"`
	RefundFee      string `json:"refund_fee"`
	HContractTerms string `json:"h_contract_terms"`
	CoinPub        string `json:"coin_pub"`
	RtransactionID int64  `json:"rtransaction_id"`
	MerchantPub    string `json:"merchant_pub"`
	MerchantSig    string `json:"merchant_sig"`
}

// RefundResponse is the exchange's acknowledgement of a refund permission.
type RefundResponse struct {
	Status      string `json:"status"`
	ExchangeSig string `json:"sig"`
	ExchangePub string `json:"pub"`
}

// ErrorDetail attempts to decode the stable numeric code from an exchange
// error body.
func (e *RemoteError) ErrorDetail() (int, string) {
	var detail struct {
		Code int    `json:"code"`
		Hint string `json:"hint"`
	}
	if err := json.Unmarshal(e.Body, &detail); err != nil {
		return 0, ""
	}
	return detail.Code, detail.Hint
}

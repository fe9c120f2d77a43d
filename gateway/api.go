package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"merchantd/amount"
	"merchantd/exchange"
	"merchantd/merchant/instance"
	"merchantd/merchant/inventory"
	"merchantd/merchant/order"
	"merchantd/merchant/payment"
	"merchantd/merchant/refund"
	"merchantd/merchant/transfer"
	"merchantd/storage"
)

// ErrorCode is the stable numeric identifier carried in every non-2xx
// response body. Values are part of the wire protocol: wallets switch on
// them, so a code is never renumbered or reused.
type ErrorCode int

const (
	CodeInternalError ErrorCode = 1000
	CodeMalformed     ErrorCode = 1001
	CodeNotFound      ErrorCode = 1002
	CodeUnauthorized  ErrorCode = 1003
	CodeBodyTooLarge  ErrorCode = 1004
	CodeConflict      ErrorCode = 1005
	CodeExpired       ErrorCode = 1006

	CodeProposalConflict    ErrorCode = 2000
	CodeClaimNonceMismatch  ErrorCode = 2001
	CodeOutOfStock          ErrorCode = 2002
	CodeReserveInsufficient ErrorCode = 2003

	CodePaymentInsufficient        ErrorCode = 2100
	CodePaymentUnauthorized        ErrorCode = 2101
	CodePaymentDoubleSpend         ErrorCode = 2102
	CodePaymentExchangeFailed      ErrorCode = 2103
	CodePaymentExchangeUnreachable ErrorCode = 2104

	CodeExchangeError       ErrorCode = 2200
	CodeExchangeUnreachable ErrorCode = 2201
)

// apiError is the wire form of every non-2xx response. Code is the stable
// numeric identifier, Hint is for humans. ExchangeReply carries the upstream
// exchange's body verbatim when the failure originated there.
type apiError struct {
	Code          ErrorCode            `json:"code"`
	Hint          string               `json:"hint,omitempty"`
	Coins         []payment.CoinResult `json:"coins,omitempty"`
	ExchangeReply json.RawMessage      `json:"exchange_reply,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, hint string) {
	writeJSON(w, status, apiError{Code: code, Hint: hint})
}

// decodeBody parses a JSON request body into dst. Bodies are capped by
// maxBody upstream; exceeding the cap surfaces as 413.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, CodeBodyTooLarge, "request body exceeds limit")
		return false
	}
	writeError(w, http.StatusBadRequest, CodeMalformed, err.Error())
	return false
}

// respondError maps domain errors onto the HTTP status taxonomy.
func respondError(w http.ResponseWriter, err error) {
	var payErr *payment.PayError
	if errors.As(err, &payErr) {
		respondPayError(w, payErr)
		return
	}
	var remote *exchange.RemoteError
	if errors.As(err, &remote) {
		writeJSON(w, http.StatusFailedDependency, apiError{
			Code:          CodeExchangeError,
			Hint:          "the exchange rejected the request",
			ExchangeReply: remote.Body,
		})
		return
	}

	switch {
	case errors.Is(err, exchange.ErrUnreachable):
		writeError(w, http.StatusServiceUnavailable, CodeExchangeUnreachable, "the exchange did not respond")
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, payment.ErrNotFound),
		errors.Is(err, refund.ErrNotFound),
		errors.Is(err, transfer.ErrNotFound),
		errors.Is(err, instance.ErrNotFound),
		errors.Is(err, inventory.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, order.ErrMalformed),
		errors.Is(err, amount.ErrInvalid),
		errors.Is(err, amount.ErrCurrencyMismatch):
		writeError(w, http.StatusBadRequest, CodeMalformed, err.Error())
	case errors.Is(err, order.ErrNonceMismatch):
		writeError(w, http.StatusConflict, CodeClaimNonceMismatch, "order is claimed under a different nonce")
	case errors.Is(err, order.ErrProposalConflict):
		writeError(w, http.StatusConflict, CodeProposalConflict, err.Error())
	case errors.Is(err, payment.ErrUnclaimed),
		errors.Is(err, payment.ErrAborted),
		errors.Is(err, payment.ErrAlreadyPaid),
		errors.Is(err, refund.ErrNotPaid),
		errors.Is(err, refund.ErrExceedsPaid),
		errors.Is(err, refund.ErrInsufficientTip),
		errors.Is(err, transfer.ErrWireMismatch),
		errors.Is(err, transfer.ErrUnknownContract),
		errors.Is(err, instance.ErrExists),
		errors.Is(err, instance.ErrDuplicateAccount),
		errors.Is(err, inventory.ErrShrink):
		writeError(w, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, inventory.ErrOutOfStock):
		writeError(w, http.StatusConflict, CodeOutOfStock, err.Error())
	case errors.Is(err, payment.ErrExpired), errors.Is(err, refund.ErrExpired):
		writeError(w, http.StatusGone, CodeExpired, err.Error())
	case errors.Is(err, refund.ErrInsufficientReserve):
		writeError(w, http.StatusForbidden, CodeReserveInsufficient, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, CodeInternalError, "internal server error")
	}
}

func respondPayError(w http.ResponseWriter, payErr *payment.PayError) {
	body := apiError{Coins: payErr.Coins}
	status := http.StatusBadRequest
	switch payErr.Class {
	case payment.OutcomeUnauthorized:
		status = http.StatusForbidden
		body.Code = CodePaymentUnauthorized
		body.Hint = "coin signature verification failed"
	case payment.OutcomeInsufficient:
		status = http.StatusPaymentRequired
		body.Code = CodePaymentInsufficient
		body.Hint = "coins do not cover the contract amount"
	case payment.OutcomeDoubleSpend:
		status = http.StatusConflict
		body.Code = CodePaymentDoubleSpend
		body.Hint = "one or more coins were already spent"
	case payment.OutcomeExchange:
		status = http.StatusFailedDependency
		body.Code = CodePaymentExchangeFailed
		body.Hint = "the exchange rejected one or more deposits"
		for _, coin := range payErr.Coins {
			if len(coin.ExchangeReply) > 0 {
				body.ExchangeReply = coin.ExchangeReply
				break
			}
		}
	case payment.OutcomeUnreachable:
		status = http.StatusServiceUnavailable
		body.Code = CodePaymentExchangeUnreachable
		body.Hint = "the exchange did not respond"
	}
	writeJSON(w, status, body)
}

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"merchantd/amount"
	"merchantd/merchant/longpoll"
	"merchantd/merchant/order"
	"merchantd/merchant/payment"
	"merchantd/merchant/refund"
	"merchantd/storage"
)

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"currency": s.cfg.Currency,
		"version":  Version,
	})
}

type orderStatusResponse struct {
	OrderStatus    storage.OrderStatus `json:"order_status"`
	HContractTerms string              `json:"h_contract_terms"`
	MerchantSig    string              `json:"merchant_sig,omitempty"`
	RefundTotal    string              `json:"refund_total,omitempty"`
	ContractTerms  json.RawMessage     `json:"contract_terms,omitempty"`

	// PayURI is set while the order still awaits payment so wallets can
	// re-prompt after a poll timeout.
	PayURI string `json:"pay_uri,omitempty"`
}

func orderStatusFrom(res *order.LookupResult) orderStatusResponse {
	out := orderStatusResponse{
		OrderStatus:    res.Status,
		HContractTerms: res.ContractHash,
		MerchantSig:    res.MerchantSig,
		ContractTerms:  res.Terms,
	}
	if !res.RefundTotal.IsZero() {
		out.RefundTotal = res.RefundTotal.String()
	}
	return out
}

// handlePublicOrder reports an order's state to the wallet. With timeout_ms
// the request suspends until payment (or, with min_refund, until the refund
// total reaches the threshold) or the timeout elapses.
func (s *Server) handlePublicOrder(w http.ResponseWriter, r *http.Request) {
	inst := s.publicInstance(w, r)
	if inst == nil {
		return
	}
	orderID := chi.URLParam(r, "order")
	q := r.URL.Query()
	nonce := q.Get("nonce")
	sessionID := q.Get("session_id")

	var minRefund amount.Amount
	if raw := q.Get("min_refund"); raw != "" {
		parsed, err := amount.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeMalformed, "min_refund: "+err.Error())
			return
		}
		minRefund = parsed
	}
	timeout := time.Duration(0)
	if raw := q.Get("timeout_ms"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			writeError(w, http.StatusBadRequest, CodeMalformed, "timeout_ms must be a non-negative integer")
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
		if timeout > maxLongPoll {
			timeout = maxLongPoll
		}
	}

	satisfied := func(res *order.LookupResult) bool {
		if !minRefund.IsZero() {
			cmp, err := res.RefundTotal.Cmp(minRefund)
			return err == nil && cmp >= 0
		}
		if res.Status != storage.StatusPaid && res.Status != storage.StatusRefunded {
			return false
		}
		// A session-scoped poll only settles for a payment made under the
		// same session.
		return sessionID == "" || res.PaidSessionID == sessionID
	}

	res, err := s.orders.Lookup(r.Context(), inst.ID, orderID, nonce)
	if err != nil {
		respondError(w, err)
		return
	}
	if timeout > 0 && !satisfied(res) {
		res, err = s.pollOrder(r.Context(), inst.ID, orderID, nonce, timeout, satisfied)
		if err != nil {
			respondError(w, err)
			return
		}
	}
	out := orderStatusFrom(res)
	if res.Status == storage.StatusProposed || res.Status == storage.StatusClaimed {
		out.PayURI = s.payURI(r, orderID, sessionID)
	}
	writeJSON(w, http.StatusOK, out)
}

// payURI builds the wallet deep link for an unpaid order.
func (s *Server) payURI(r *http.Request, orderID, sessionID string) string {
	uri := "taler://pay/" + r.Host
	if inst := chi.URLParam(r, "instance"); inst != "" {
		uri += "/instances/" + inst
	}
	uri += "/" + orderID
	if sessionID != "" {
		uri += "/" + sessionID
	}
	return uri
}

// pollOrder suspends until the predicate holds or the timeout elapses,
// re-reading the store after every wake. Registration happens before each
// re-check so a wake between check and wait cannot be lost.
func (s *Server) pollOrder(ctx context.Context, instanceID, orderID, nonce string, timeout time.Duration, satisfied func(*order.LookupResult) bool) (*order.LookupResult, error) {
	key := longpoll.OrderKey(instanceID, orderID)
	deadline := time.Now().Add(timeout)

	s.metrics.LongPollStarted()
	defer s.metrics.LongPollFinished()

	for {
		ch, cancel := s.waker.Register(key)
		res, err := s.orders.Lookup(ctx, instanceID, orderID, nonce)
		if err != nil {
			cancel()
			return nil, err
		}
		remaining := time.Until(deadline)
		if satisfied(res) || remaining <= 0 {
			cancel()
			return res, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
			cancel()
		case <-timer.C:
			cancel()
			return s.orders.Lookup(ctx, instanceID, orderID, nonce)
		case <-ctx.Done():
			timer.Stop()
			cancel()
			return nil, ctx.Err()
		}
	}
}

type claimRequest struct {
	Nonce string `json:"nonce"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	inst := s.publicInstance(w, r)
	if inst == nil {
		return
	}
	var req claimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Nonce == "" {
		writeError(w, http.StatusBadRequest, CodeMalformed, "nonce required")
		return
	}
	terms, hash, err := s.orders.Claim(r.Context(), inst, chi.URLParam(r, "order"), req.Nonce)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"contract_terms":   json.RawMessage(terms),
		"h_contract_terms": hash,
	})
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	inst := s.publicInstance(w, r)
	if inst == nil {
		return
	}
	var req payment.PayRequest
	if !decodeBody(w, r, &req) {
		return
	}
	receipt, err := s.payments.Pay(r.Context(), inst, chi.URLParam(r, "order"), &req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	inst := s.publicInstance(w, r)
	if inst == nil {
		return
	}
	res, err := s.payments.Abort(r.Context(), inst, chi.URLParam(r, "order"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTip(w http.ResponseWriter, r *http.Request) {
	tip, err := s.refunds.GetTip(r.Context(), chi.URLParam(r, "tip"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tip_id":       tip.TipID,
		"amount":       tip.Amount.Amount().String(),
		"remaining":    tip.Remaining.Amount().String(),
		"exchange_url": tip.ExchangeURL,
		"expiry":       tip.Expiry,
	})
}

type pickupRequest struct {
	Planchets []refund.Planchet `json:"planchets"`
}

func (s *Server) handleTipPickup(w http.ResponseWriter, r *http.Request) {
	var req pickupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.refunds.Pickup(r.Context(), chi.URLParam(r, "tip"), req.Planchets)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

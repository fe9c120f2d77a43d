package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"merchantd/amount"
	"merchantd/merchant/instance"
	"merchantd/merchant/inventory"
	"merchantd/merchant/order"
	"merchantd/storage"
)

// amountField parses an optional amount string from a request body.
func amountField(w http.ResponseWriter, field, raw string) (amount.Amount, bool) {
	if raw == "" {
		return amount.Amount{}, true
	}
	parsed, err := amount.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeMalformed, field+": "+err.Error())
		return amount.Amount{}, false
	}
	return parsed, true
}

type instanceDefaults struct {
	MaxWireFee          string `json:"max_wire_fee,omitempty"`
	MaxDepositFee       string `json:"max_deposit_fee,omitempty"`
	WireFeeAmortization int64  `json:"wire_fee_amortization,omitempty"`
	WireTransferDelayS  int64  `json:"wire_transfer_delay_s,omitempty"`
	PayDelayS           int64  `json:"pay_delay_s,omitempty"`
}

func (d instanceDefaults) toDomain(w http.ResponseWriter) (instance.Defaults, bool) {
	out := instance.Defaults{
		WireFeeAmortization: d.WireFeeAmortization,
		WireTransferDelay:   time.Duration(d.WireTransferDelayS) * time.Second,
		PayDelay:            time.Duration(d.PayDelayS) * time.Second,
	}
	var ok bool
	if out.MaxWireFee, ok = amountField(w, "max_wire_fee", d.MaxWireFee); !ok {
		return out, false
	}
	if out.MaxDepositFee, ok = amountField(w, "max_deposit_fee", d.MaxDepositFee); !ok {
		return out, false
	}
	return out, true
}

type instanceRequest struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Accounts     []string          `json:"accounts"`
	Address      map[string]string `json:"address,omitempty"`
	Jurisdiction map[string]string `json:"jurisdiction,omitempty"`
	AuthToken    string            `json:"auth_token,omitempty"`
	Defaults     instanceDefaults  `json:"defaults"`
}

type accountView struct {
	PaytoURI string `json:"payto_uri"`
	HWire    string `json:"h_wire"`
	Active   bool   `json:"active"`
}

type instanceView struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	PublicKey    string            `json:"merchant_pub"`
	Accounts     []accountView     `json:"accounts"`
	Address      map[string]string `json:"address,omitempty"`
	Jurisdiction map[string]string `json:"jurisdiction,omitempty"`
}

func viewInstance(inst *storage.Instance) instanceView {
	out := instanceView{
		ID:        inst.ID,
		Name:      inst.Name,
		PublicKey: inst.PublicKey,
		Accounts:  make([]accountView, 0, len(inst.Accounts)),
	}
	for _, acct := range inst.Accounts {
		out.Accounts = append(out.Accounts, accountView{
			PaytoURI: acct.PaytoURI,
			HWire:    acct.WireHash,
			Active:   acct.Active,
		})
	}
	if len(inst.Address) > 0 {
		_ = json.Unmarshal(inst.Address, &out.Address)
	}
	if len(inst.Jurisdiction) > 0 {
		_ = json.Unmarshal(inst.Jurisdiction, &out.Jurisdiction)
	}
	return out
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	list, err := s.instances.List(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	views := make([]instanceView, 0, len(list))
	for i := range list {
		views = append(views, viewInstance(&list[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instances": views})
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req instanceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	defaults, ok := req.Defaults.toDomain(w)
	if !ok {
		return
	}
	inst, err := s.instances.Create(r.Context(), instance.Spec{
		ID:           req.ID,
		Name:         req.Name,
		Accounts:     req.Accounts,
		Address:      req.Address,
		Jurisdiction: req.Jurisdiction,
		AuthToken:    req.AuthToken,
		Defaults:     defaults,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewInstance(inst))
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst := InstanceFromContext(r.Context())
	writeJSON(w, http.StatusOK, viewInstance(inst))
}

type instancePatch struct {
	Name         *string           `json:"name,omitempty"`
	Accounts     []string          `json:"accounts,omitempty"`
	Address      map[string]string `json:"address,omitempty"`
	Jurisdiction map[string]string `json:"jurisdiction,omitempty"`
	AuthToken    *string           `json:"auth_token,omitempty"`
	Defaults     *instanceDefaults `json:"defaults,omitempty"`
}

func (s *Server) handleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	inst := InstanceFromContext(r.Context())
	var req instancePatch
	if !decodeBody(w, r, &req) {
		return
	}
	patch := instance.Patch{
		Name:         req.Name,
		Accounts:     req.Accounts,
		Address:      req.Address,
		Jurisdiction: req.Jurisdiction,
		AuthToken:    req.AuthToken,
	}
	if req.Defaults != nil {
		defaults, ok := req.Defaults.toDomain(w)
		if !ok {
			return
		}
		patch.Defaults = &defaults
	}
	if err := s.instances.Update(r.Context(), inst.ID, patch); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	inst := InstanceFromContext(r.Context())
	if err := s.instances.Delete(r.Context(), inst.ID); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePurgeInstance(w http.ResponseWriter, r *http.Request) {
	inst := InstanceFromContext(r.Context())
	if err := s.instances.Purge(r.Context(), inst.ID); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type productRequest struct {
	ProductID       string            `json:"product_id"`
	Description     string            `json:"description"`
	DescriptionI18n map[string]string `json:"description_i18n,omitempty"`
	Unit            string            `json:"unit,omitempty"`
	Price           string            `json:"price"`
	Image           string            `json:"image,omitempty"`
	Taxes           json.RawMessage   `json:"taxes,omitempty"`
	TotalStock      int64             `json:"total_stock"`
	TotalLost       int64             `json:"total_lost,omitempty"`
	Location        string            `json:"location,omitempty"`
	NextRestock     time.Time         `json:"next_restock,omitempty"`
}

type productView struct {
	ProductID   string    `json:"product_id"`
	Description string    `json:"description"`
	Unit        string    `json:"unit,omitempty"`
	Price       string    `json:"price"`
	TotalStock  int64     `json:"total_stock"`
	TotalSold   int64     `json:"total_sold"`
	TotalLost   int64     `json:"total_lost"`
	Location    string    `json:"location,omitempty"`
	NextRestock time.Time `json:"next_restock,omitempty"`
}

func viewProduct(p *storage.Product) productView {
	return productView{
		ProductID:   p.ProductID,
		Description: p.Description,
		Unit:        p.Unit,
		Price:       p.Price.Amount().String(),
		TotalStock:  p.TotalStock,
		TotalSold:   p.TotalSold,
		TotalLost:   p.TotalLost,
		Location:    p.Location,
		NextRestock: p.NextRestock,
	}
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	inst := InstanceFromContext(r.Context())
	list, err := s.inventory.List(r.Context(), inst.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	views := make([]productView, 0, len(list))
	for i := range list {
		views = append(views, viewProduct(&list[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"products": views})
}

func (s *Server) handleUpsertProduct(w http.ResponseWriter, r *http.Request) {
	inst := InstanceFromContext(r.Context())
	var req productRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProductID == "" {
		req.ProductID = chi.URLParam(r, "product")
	}
	price, ok := amountField(w, "price", req.Price)
	if !ok {
		return
	}
	err := s.inventory.Upsert(r.Context(), inst.ID, inventory.ProductSpec{
		ProductID:       req.ProductID,
		Description:     req.Description,
		DescriptionI18n: req.DescriptionI18n,
		Unit:            req.Unit,
		Price:           price,
		Image:           req.Image,
		Taxes:           req.Taxes,
		TotalStock:      req.TotalStock,
		TotalLost:       req.TotalLost,
		Location:        req.Location,
		NextRestock:     req.NextRestock,
	})
	if err != nil {
		if errors.Is(err, inventory.ErrShrink) {
			respondError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, CodeMalformed, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	inst := InstanceFromContext(r.Context())
	p, err := s.inventory.Get(r.Context(), inst.ID, chi.URLParam(r, "product"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewProduct(p))
}

func (s *Server) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	inst := InstanceFromContext(r.Context())
	if err := s.inventory.Delete(r.Context(), inst.ID, chi.URLParam(r, "product")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type lockRequest struct {
	LockUUID string `json:"lock_uuid"`
	Quantity int64  `json:"quantity"`
	// Duration in seconds the reservation is held.
	DurationS int64 `json:"duration_s"`
}

func (s *Server) handleLockProduct(w http.ResponseWriter, r *http.Request) {
	inst := InstanceFromContext(r.Context())
	var req lockRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.LockUUID == "" {
		writeError(w, http.StatusBadRequest, CodeMalformed, "lock_uuid required")
		return
	}
	expiry := time.Now().UTC().Add(time.Duration(req.DurationS) * time.Second)
	err := s.inventory.Lock(r.Context(), inst.ID, chi.URLParam(r, "product"), req.LockUUID, req.Quantity, expiry)
	if err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	inst := InstanceFromContext(r.Context())
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, CodeBodyTooLarge, "request body exceeds limit")
			return
		}
		writeError(w, http.StatusBadRequest, CodeMalformed, err.Error())
		return
	}
	orderID, err := s.orders.CreateProposal(r.Context(), inst, raw)
	if errors.Is(err, order.ErrProposalReplayed) {
		// Equal proposal for an existing order: nothing to create.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": orderID})
}

type orderSummary struct {
	OrderID   string              `json:"order_id"`
	Status    storage.OrderStatus `json:"status"`
	Amount    string              `json:"amount"`
	RowID     uint64              `json:"row_id"`
	Timestamp time.Time           `json:"timestamp"`
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	inst := InstanceFromContext(r.Context())
	q := r.URL.Query()
	filter := storage.OrderFilter{}
	if raw := q.Get("status"); raw != "" {
		filter.Status = storage.OrderStatus(raw)
	}
	if raw := q.Get("date"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeMalformed, "date: "+err.Error())
			return
		}
		filter.Date = parsed
	}
	if raw := q.Get("start"); raw != "" {
		cursor, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeMalformed, "start must be a row id")
			return
		}
		filter.Cursor = cursor
	}
	if raw := q.Get("delta"); raw != "" {
		delta, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeMalformed, "delta must be an integer")
			return
		}
		filter.Delta = delta
	}
	list, err := s.store.ListOrders(r.Context(), inst.ID, filter)
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]orderSummary, 0, len(list))
	for _, ord := range list {
		out = append(out, orderSummary{
			OrderID:   ord.OrderID,
			Status:    ord.Status,
			Amount:    ord.Total.Amount().String(),
			RowID:     ord.RowID,
			Timestamp: ord.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": out})
}

func (s *Server) handlePrivateOrder(w http.ResponseWriter, r *http.Request) {
	inst := InstanceFromContext(r.Context())
	orderID := chi.URLParam(r, "order")
	ord, err := s.store.GetOrder(r.Context(), inst.ID, orderID)
	if err != nil {
		respondError(w, err)
		return
	}
	deposits, err := s.store.DepositsForOrder(r.Context(), inst.ID, orderID)
	if err != nil {
		respondError(w, err)
		return
	}
	body := map[string]interface{}{
		"order_id":         ord.OrderID,
		"status":           ord.Status,
		"amount":           ord.Total.Amount().String(),
		"h_contract_terms": ord.ContractHash,
		"deposits":         len(deposits),
	}
	if len(ord.ContractTerms) > 0 {
		body["contract_terms"] = json.RawMessage(ord.ContractTerms)
	}
	if refundTotal := ord.RefundTotal.Amount(); !refundTotal.IsZero() {
		body["refund_total"] = refundTotal.String()
	}
	writeJSON(w, http.StatusOK, body)
}

type refundRequest struct {
	Refund string `json:"refund"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	inst := InstanceFromContext(r.Context())
	var req refundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	target, err := amount.Parse(req.Refund)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeMalformed, "refund: "+err.Error())
		return
	}
	res, err := s.refunds.Increase(r.Context(), inst, chi.URLParam(r, "order"), target, req.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type reserveRequest struct {
	ReservePub  string    `json:"reserve_pub"`
	ExchangeURL string    `json:"exchange_url"`
	Funded      string    `json:"funded"`
	Expiry      time.Time `json:"expiry"`
}

func (s *Server) handleCreateReserve(w http.ResponseWriter, r *http.Request) {
	inst := InstanceFromContext(r.Context())
	var req reserveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	funded, err := amount.Parse(req.Funded)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeMalformed, "funded: "+err.Error())
		return
	}
	if err := s.refunds.CreateReserve(r.Context(), inst, req.ReservePub, req.ExchangeURL, funded, req.Expiry); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type tipRequest struct {
	ReservePub    string `json:"reserve_pub"`
	Amount        string `json:"amount"`
	Justification string `json:"justification,omitempty"`
}

func (s *Server) handleAuthorizeTip(w http.ResponseWriter, r *http.Request) {
	inst := InstanceFromContext(r.Context())
	var req tipRequest
	if !decodeBody(w, r, &req) {
		return
	}
	value, err := amount.Parse(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeMalformed, "amount: "+err.Error())
		return
	}
	tip, err := s.refunds.AuthorizeTip(r.Context(), inst, req.ReservePub, value, req.Justification)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tip_id": tip.TipID,
		"expiry": tip.Expiry,
	})
}

func (s *Server) handleTrackTransfer(w http.ResponseWriter, r *http.Request) {
	inst := InstanceFromContext(r.Context())
	q := r.URL.Query()
	wtid := q.Get("wtid")
	exchangeURL := q.Get("exchange")
	if wtid == "" || exchangeURL == "" {
		writeError(w, http.StatusBadRequest, CodeMalformed, "wtid and exchange are required")
		return
	}
	wt, err := s.transfers.Track(r.Context(), inst, wtid, exchangeURL)
	if err != nil {
		respondError(w, err)
		return
	}
	orders := make([]string, 0, len(wt.Items))
	seen := map[string]bool{}
	for _, item := range wt.Items {
		if !seen[item.OrderID] {
			seen[item.OrderID] = true
			orders = append(orders, item.OrderID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"wtid":           wt.WTID,
		"exchange_url":   wt.ExchangeURL,
		"total":          wt.Total.Amount().String(),
		"wire_fee":       wt.WireFee.Amount().String(),
		"execution_time": wt.ExecutionTime,
		"orders":         orders,
	})
}

func (s *Server) handleOrderTransfers(w http.ResponseWriter, r *http.Request) {
	inst := InstanceFromContext(r.Context())
	status, err := s.transfers.TrackOrder(r.Context(), inst, chi.URLParam(r, "order"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

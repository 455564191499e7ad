package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"nftmarket/crypto"
	"nftmarket/native/bank"
	"nftmarket/native/marketplace"
	"nftmarket/observability"
)

type listingView struct {
	AssetID   uint64 `json:"assetId"`
	State     string `json:"state"`
	Seller    string `json:"seller"`
	Owner     string `json:"owner"`
	Price     string `json:"price"`
	Fee       string `json:"fee"`
	Sold      bool   `json:"sold"`
	Relisted  bool   `json:"relisted"`
	Version   uint64 `json:"version"`
	CreatedAt uint64 `json:"createdAt"`
	UpdatedAt uint64 `json:"updatedAt"`
}

type receiptView struct {
	Receipt      string `json:"receipt"`
	AssetID      uint64 `json:"assetId"`
	Buyer        string `json:"buyer"`
	Seller       string `json:"seller"`
	Price        string `json:"price"`
	Fee          string `json:"fee"`
	FeeRecipient string `json:"feeRecipient"`
	SoldAt       uint64 `json:"soldAt"`
}

type statsView struct {
	Minted     uint64 `json:"minted"`
	Sold       uint64 `json:"sold"`
	Listed     uint64 `json:"listed"`
	NextID     uint64 `json:"nextId"`
	ListingFee string `json:"listingFee"`
}

type eventView struct {
	Sequence   uint64            `json:"sequence"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func (s *Server) listingView(l *marketplace.Listing) listingView {
	return listingView{
		AssetID:   l.ID,
		State:     s.engine.State(l).String(),
		Seller:    address(l.Seller),
		Owner:     address(l.Owner),
		Price:     l.Price.String(),
		Fee:       l.Fee.String(),
		Sold:      l.Sold,
		Relisted:  l.Relisted(),
		Version:   l.Version,
		CreatedAt: l.CreatedAt,
		UpdatedAt: l.UpdatedAt,
	}
}

func (s *Server) listingViews(listings []*marketplace.Listing) []listingView {
	out := make([]listingView, 0, len(listings))
	for _, l := range listings {
		out = append(out, s.listingView(l))
	}
	return out
}

func receiptViewFrom(r *marketplace.Receipt) receiptView {
	return receiptView{
		Receipt:      hexutil.Encode(r.ID[:]),
		AssetID:      r.AssetID,
		Buyer:        address(r.Buyer),
		Seller:       address(r.Seller),
		Price:        r.Price.String(),
		Fee:          r.Fee.String(),
		FeeRecipient: address(r.FeeRecipient),
		SoldAt:       r.SoldAt,
	}
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var req struct {
		ContentRef string `json:"contentRef"`
		Price      string `json:"price"`
		FeePaid    string `json:"feePaid"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	price, ok := parseAmountField(w, "price", req.Price)
	if !ok {
		return
	}
	fee, ok := parseAmountField(w, "feePaid", req.FeePaid)
	if !ok {
		return
	}
	start := time.Now()
	id, err := s.engine.CreateListing(r.Context(), caller, req.ContentRef, price, fee)
	s.observe("create_listing", start, err)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"assetId": id})
}

func (s *Server) handleRelist(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := parseAssetID(w, r)
	if !ok {
		return
	}
	var req struct {
		Price   string `json:"price"`
		FeePaid string `json:"feePaid"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	price, ok := parseAmountField(w, "price", req.Price)
	if !ok {
		return
	}
	fee, ok := parseAmountField(w, "feePaid", req.FeePaid)
	if !ok {
		return
	}
	start := time.Now()
	err := s.engine.RelistItem(r.Context(), caller, id, price, fee)
	s.observe("relist_item", start, err)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := parseAssetID(w, r)
	if !ok {
		return
	}
	var req struct {
		Payment string `json:"payment"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	payment, ok := parseAmountField(w, "payment", req.Payment)
	if !ok {
		return
	}
	start := time.Now()
	receipt, err := s.engine.Purchase(r.Context(), caller, id, payment)
	s.observe("purchase", start, err)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	observability.Marketplace().RecordSale(receipt.Price)
	writeJSON(w, http.StatusOK, receiptViewFrom(receipt))
}

func (s *Server) handleSetFee(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var req struct {
		Fee string `json:"fee"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	fee, ok := parseAmountField(w, "fee", req.Fee)
	if !ok {
		return
	}
	start := time.Now()
	err := s.engine.SetListingFee(r.Context(), caller, fee)
	s.observe("set_listing_fee", start, err)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fee": fee.String()})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	if !s.authorizer.Authorized(caller, marketplace.RoleFeeAdmin) {
		writeError(w, http.StatusForbidden, string(marketplace.KindUnauthorized), "caller may not fund accounts")
		return
	}
	var req struct {
		Account string `json:"account"`
		Amount  string `json:"amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	account, err := parseIdentity(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidRequest, "account: "+err.Error())
		return
	}
	amount, ok := parseAmountField(w, "amount", req.Amount)
	if !ok {
		return
	}
	if err := s.ledger.Deposit(r.Context(), account, amount); err != nil {
		switch {
		case errors.Is(err, bank.ErrInvalidAmount), errors.Is(err, bank.ErrZeroRecipient), errors.Is(err, bank.ErrBalanceOverflow):
			writeError(w, http.StatusBadRequest, kindInvalidRequest, err.Error())
		default:
			s.logger.Error("marketd: deposit failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, string(marketplace.KindStorage), "deposit failed")
		}
		return
	}
	balance, err := s.ledger.Balance(account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(marketplace.KindStorage), "load balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": address(account), "balance": balance.String()})
}

func (s *Server) handleListed(w http.ResponseWriter, r *http.Request) {
	listings, err := s.engine.ListedItems()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.listingViews(listings)})
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	id, ok := parseAssetID(w, r)
	if !ok {
		return
	}
	listing, err := s.engine.Listing(id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.listingView(listing))
}

func (s *Server) handleOwnedItems(w http.ResponseWriter, r *http.Request) {
	who, ok := parseAddressParam(w, r)
	if !ok {
		return
	}
	listings, err := s.engine.ItemsOwnedBy(who)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.listingViews(listings)})
}

func (s *Server) handleSellerItems(w http.ResponseWriter, r *http.Request) {
	who, ok := parseAddressParam(w, r)
	if !ok {
		return
	}
	listings, err := s.engine.ItemsListedBy(who)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.listingViews(listings)})
}

func (s *Server) handleGetFee(w http.ResponseWriter, r *http.Request) {
	fee, err := s.engine.ListingFee()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fee": fee.String()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	observability.Marketplace().SetLedger(stats.Minted, stats.Listed, stats.Sold)
	writeJSON(w, http.StatusOK, statsView{
		Minted:     stats.Minted,
		Sold:       stats.Sold,
		Listed:     stats.Listed,
		NextID:     stats.NextID,
		ListingFee: stats.ListingFee.String(),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	who, ok := parseAddressParam(w, r)
	if !ok {
		return
	}
	balance, err := s.ledger.Balance(who)
	if err != nil {
		s.logger.Error("marketd: load balance failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, string(marketplace.KindStorage), "load balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": address(who), "balance": balance.String()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var after uint64
	if raw := strings.TrimSpace(query.Get("after")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, kindInvalidRequest, "after must be an unsigned integer")
			return
		}
		after = parsed
	}
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, kindInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	rows, err := s.audit.List(r.Context(), after, limit)
	if err != nil {
		s.logger.Error("marketd: list events failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, string(marketplace.KindStorage), "list events")
		return
	}
	out := make([]eventView, 0, len(rows))
	for _, row := range rows {
		decoded, err := row.Decode()
		if err != nil {
			writeError(w, http.StatusInternalServerError, string(marketplace.KindStorage), err.Error())
			return
		}
		out = append(out, eventView{
			Sequence:   row.Sequence,
			ID:         row.ID,
			Type:       decoded.Type,
			Attributes: decoded.Attributes,
			CreatedAt:  row.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

// observe records the outcome of an engine call and refreshes the ledger
// gauges after successful mutations.
func (s *Server) observe(op string, start time.Time, err error) {
	metrics := observability.Marketplace()
	outcome := "ok"
	if err != nil {
		outcome = string(marketplace.KindOf(err))
	}
	metrics.Observe(op, outcome, time.Since(start))
	if err != nil {
		return
	}
	if stats, statsErr := s.engine.Stats(); statsErr == nil {
		metrics.SetLedger(stats.Minted, stats.Listed, stats.Sold)
	}
}

func (s *Server) requireCaller(w http.ResponseWriter, r *http.Request) ([20]byte, bool) {
	caller, ok := s.caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, string(marketplace.KindUnauthorized), "caller identity required")
		return [20]byte{}, false
	}
	return caller, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidRequest, "invalid payload: "+err.Error())
		return false
	}
	return true
}

func parseAmountField(w http.ResponseWriter, field, raw string) (*big.Int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "0"
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, kindInvalidRequest, fmt.Sprintf("%s must be a decimal integer", field))
		return nil, false
	}
	return value, true
}

func parseAssetID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidRequest, "asset id must be an unsigned integer")
		return 0, false
	}
	return id, true
}

func parseAddressParam(w http.ResponseWriter, r *http.Request) ([20]byte, bool) {
	who, err := parseIdentity(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidRequest, "address: "+err.Error())
		return [20]byte{}, false
	}
	return who, true
}

func parseIdentity(raw string) ([20]byte, error) {
	return crypto.ParseIdentity(strings.TrimSpace(raw))
}

func address(id [20]byte) string {
	return crypto.FromIdentity(id).String()
}

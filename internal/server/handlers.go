package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"titlescrow/internal/sale"
	"titlescrow/internal/sigauth"
)

type listRequest struct {
	AssetID            uint64 `json:"assetId"`
	Buyer              string `json:"buyer"`
	PurchasePrice      string `json:"purchasePrice"`
	CollateralRequired string `json:"collateralRequired"`
}

type verificationRequest struct {
	Passed *bool `json:"passed"`
}

type depositRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req listRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.Buyer) {
		badRequest(w, "buyer must be an address")
		return
	}
	price, err := parseAmount("purchasePrice", req.PurchasePrice)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	collateral, err := parseAmount("collateralRequired", req.CollateralRequired)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	rec, err := s.ledger.List(r.Context(), caller, req.AssetID, common.HexToAddress(req.Buyer), price, collateral)
	s.metrics.incSaleOp("list", resultLabel(err))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, newSaleView(rec))
}

func (s *Server) handleVerification(w http.ResponseWriter, r *http.Request) {
	caller, assetID, ok := s.saleTarget(w, r)
	if !ok {
		return
	}
	var req verificationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Passed == nil {
		badRequest(w, "passed is required")
		return
	}

	rec, err := s.ledger.SetVerification(r.Context(), caller, assetID, *req.Passed)
	s.metrics.incSaleOp("verify", resultLabel(err))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, newSaleView(rec))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, assetID, ok := s.saleTarget(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	rec, err := s.engine.DepositCollateral(r.Context(), caller, assetID, amount)
	s.metrics.incSaleOp("deposit", resultLabel(err))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	s.metrics.setBalance(s.ledger.Balance())
	writeJSON(w, http.StatusOK, newSaleView(rec))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	caller, assetID, ok := s.saleTarget(w, r)
	if !ok {
		return
	}
	rec, err := s.ledger.Approve(r.Context(), caller, assetID)
	s.metrics.incSaleOp("approve", resultLabel(err))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, newSaleView(rec))
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	caller, assetID, ok := s.saleTarget(w, r)
	if !ok {
		return
	}
	rec, err := s.engine.Finalize(r.Context(), caller, assetID)
	s.settled("finalize", w, rec, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	caller, assetID, ok := s.saleTarget(w, r)
	if !ok {
		return
	}
	rec, err := s.engine.Cancel(r.Context(), caller, assetID)
	s.settled("cancel", w, rec, err)
}

// settled reports a finalize or cancel. A custody failure after payout still
// carries the closed record and is dead-lettered for resume.
func (s *Server) settled(op string, w http.ResponseWriter, rec *sale.SaleRecord, err error) {
	s.metrics.incSaleOp(op, resultLabel(err))
	s.metrics.setBalance(s.ledger.Balance())
	if err != nil {
		if errors.Is(err, sale.ErrCustodyTransferFailed) && rec != nil {
			s.dlq.write(op, rec, err)
			s.updateDLQDepth()
		}
		writeError(w, err, rec)
		return
	}
	writeJSON(w, http.StatusOK, newSaleView(rec))
}

func (s *Server) handleResumeCustody(w http.ResponseWriter, r *http.Request) {
	caller, assetID, ok := s.saleTarget(w, r)
	if !ok {
		return
	}
	rec, err := s.engine.ResumeCustody(r.Context(), caller, assetID)
	s.metrics.incSaleOp("resume_custody", resultLabel(err))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	s.dlq.clear(rec.AssetID, rec.Round)
	s.updateDLQDepth()
	writeJSON(w, http.StatusOK, newSaleView(rec))
}

func (s *Server) handleGetSale(w http.ResponseWriter, r *http.Request) {
	assetID, ok := assetParam(w, r)
	if !ok {
		return
	}
	rec, err := s.ledger.Record(assetID)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, newSaleView(rec))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	assetID, ok := assetParam(w, r)
	if !ok {
		return
	}
	history := s.ledger.History(assetID)
	if len(history) == 0 {
		writeError(w, sale.ErrNoSuchSale, nil)
		return
	}
	rounds := make([]*saleView, 0, len(history))
	for _, rec := range history {
		rounds = append(rounds, newSaleView(rec))
	}
	writeJSON(w, http.StatusOK, struct {
		AssetID uint64      `json:"assetId"`
		Rounds  []*saleView `json:"rounds"`
	}{AssetID: assetID, Rounds: rounds})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance := s.ledger.Balance()
	s.metrics.setBalance(balance)
	writeJSON(w, http.StatusOK, struct {
		Balance string `json:"balance"`
		Policy  string `json:"policy"`
	}{Balance: balance.String(), Policy: s.ledger.Policy().String()})
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	roles := s.ledger.Roles()
	resp := struct {
		Seller   string `json:"seller"`
		Verifier string `json:"verifier"`
		Lender   string `json:"lender,omitempty"`
		Escrow   string `json:"escrow"`
	}{
		Seller:   roles.Seller().Hex(),
		Verifier: roles.Verifier().Hex(),
		Escrow:   s.ledger.EscrowAddress().Hex(),
	}
	if roles.Lender() != (common.Address{}) {
		resp.Lender = roles.Lender().Hex()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) saleTarget(w http.ResponseWriter, r *http.Request) (common.Address, uint64, bool) {
	caller, ok := callerOf(w, r)
	if !ok {
		return common.Address{}, 0, false
	}
	assetID, ok := assetParam(w, r)
	if !ok {
		return common.Address{}, 0, false
	}
	return caller, assetID, true
}

func callerOf(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	caller, ok := sigauth.CallerFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Code: "unauthenticated"})
		return common.Address{}, false
	}
	return caller, true
}

func assetParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	assetID, err := strconv.ParseUint(chi.URLParam(r, "assetId"), 10, 64)
	if err != nil {
		badRequest(w, "assetId must be an unsigned integer")
		return 0, false
	}
	return assetID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large", Code: "too_large"})
			return false
		}
		badRequest(w, "invalid json payload")
		return false
	}
	return true
}

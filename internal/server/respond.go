package server

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"titlescrow/internal/idempotency"
	"titlescrow/internal/sale"
)

type errorBody struct {
	Error string    `json:"error"`
	Code  string    `json:"code"`
	Sale  *saleView `json:"sale,omitempty"`
}

type saleView struct {
	AssetID            uint64     `json:"assetId"`
	Round              uint64     `json:"round"`
	Seller             string     `json:"seller"`
	Buyer              string     `json:"buyer"`
	PurchasePrice      string     `json:"purchasePrice"`
	CollateralRequired string     `json:"collateralRequired"`
	Status             string     `json:"status"`
	Outcome            string     `json:"outcome,omitempty"`
	Listed             bool       `json:"listed"`
	VerificationPassed bool       `json:"verificationPassed"`
	Approvals          []string   `json:"approvals"`
	Deposited          string     `json:"deposited"`
	Escrowed           string     `json:"escrowed"`
	Payee              string     `json:"payee,omitempty"`
	Payout             string     `json:"payout"`
	ListingTx          string     `json:"listingTx,omitempty"`
	PayoutTx           string     `json:"payoutTx,omitempty"`
	CustodyTx          string     `json:"custodyTx,omitempty"`
	ListedAt           time.Time  `json:"listedAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	ClosedAt           *time.Time `json:"closedAt,omitempty"`
}

func newSaleView(rec *sale.SaleRecord) *saleView {
	if rec == nil {
		return nil
	}
	v := &saleView{
		AssetID:            rec.AssetID,
		Round:              rec.Round,
		Seller:             rec.Seller.Hex(),
		Buyer:              rec.Buyer.Hex(),
		PurchasePrice:      amountString(rec.PurchasePrice),
		CollateralRequired: amountString(rec.CollateralRequired),
		Status:             rec.Status.String(),
		Listed:             rec.Listed(),
		VerificationPassed: rec.VerificationPassed,
		Approvals:          make([]string, 0, len(rec.Approvals)),
		Deposited:          amountString(rec.Deposited),
		Escrowed:           amountString(rec.Escrowed),
		Payout:             amountString(rec.Payout),
		ListingTx:          rec.ListingTx,
		PayoutTx:           rec.PayoutTx,
		CustodyTx:          rec.CustodyTx,
		ListedAt:           rec.ListedAt,
		UpdatedAt:          rec.UpdatedAt,
	}
	if rec.Outcome != 0 {
		v.Outcome = rec.Outcome.String()
	}
	if rec.Payee != (common.Address{}) {
		v.Payee = rec.Payee.Hex()
	}
	for _, a := range rec.Approvals {
		v.Approvals = append(v.Approvals, a.Hex())
	}
	if !rec.ClosedAt.IsZero() {
		closed := rec.ClosedAt
		v.ClosedAt = &closed
	}
	return v
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// parseAmount accepts a base-10 integer string.
func parseAmount(field, raw string) (*big.Int, error) {
	if raw == "" {
		return nil, errors.New(field + " is required")
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, errors.New(field + " must be a base-10 integer")
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error, rec *sale.SaleRecord) {
	status, code := statusFor(err)
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code, Sale: newSaleView(rec)})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "invalid_request"})
}

// statusFor maps domain errors onto HTTP status codes and stable error codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, sale.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, sale.ErrAlreadyListed):
		return http.StatusConflict, "already_listed"
	case errors.Is(err, sale.ErrNoSuchSale):
		return http.StatusNotFound, "no_such_sale"
	case errors.Is(err, sale.ErrInsufficientCollateral):
		return http.StatusUnprocessableEntity, "insufficient_collateral"
	case errors.Is(err, sale.ErrNotVerified):
		return http.StatusUnprocessableEntity, "not_verified"
	case errors.Is(err, sale.ErrApprovalMissing):
		return http.StatusUnprocessableEntity, "approval_missing"
	case errors.Is(err, sale.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, sale.ErrPaymentFailed):
		return http.StatusBadGateway, "payment_failed"
	case errors.Is(err, sale.ErrCustodyTransferFailed):
		return http.StatusBadGateway, "custody_transfer_failed"
	case errors.Is(err, sale.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, idempotency.ErrRequestMismatch):
		return http.StatusConflict, "idempotency_mismatch"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	_, code := statusFor(err)
	return code
}

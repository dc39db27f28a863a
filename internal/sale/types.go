// Package sale implements the conditional escrow for title sales: the sale
// ledger, the fixed role checks, and the settlement engine that pays out and
// moves custody once every condition holds.
package sale

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle position of a sale round.
type Status uint8

const (
	// StatusListing holds the asset while custody moves into escrow.
	StatusListing Status = iota + 1
	StatusListed
	// StatusSettling holds the sale while a payout is in flight.
	StatusSettling
	StatusFinalized
	StatusCanceled
	// StatusCustodyPending means funds were paid out but the title could not
	// be delivered yet. ResumeCustody completes it.
	StatusCustodyPending
)

var statusNames = map[Status]string{
	StatusListing:        "listing",
	StatusListed:         "listed",
	StatusSettling:       "settling",
	StatusFinalized:      "finalized",
	StatusCanceled:       "canceled",
	StatusCustodyPending: "custody_pending",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseStatus is the inverse of String.
func ParseStatus(v string) (Status, error) {
	for status, name := range statusNames {
		if name == strings.ToLower(strings.TrimSpace(v)) {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown sale status %q", v)
}

// Closed reports whether the round can no longer be relisted over. Only
// finalized and canceled rounds free the asset.
func (s Status) Closed() bool {
	return s == StatusFinalized || s == StatusCanceled
}

// SaleRecord is one listing round of an asset.
type SaleRecord struct {
	AssetID            uint64
	Round              uint64
	Seller             common.Address
	Buyer              common.Address
	PurchasePrice      *big.Int
	CollateralRequired *big.Int
	Status             Status
	// Outcome is the terminal status a settlement is heading for. It is set
	// when a payout is claimed and tells ResumeCustody where the title goes.
	Outcome            Status
	VerificationPassed bool
	Approvals          []common.Address

	// Deposited is every collateral credit the round received; Escrowed is the
	// part still held for it.
	Deposited *big.Int
	Escrowed  *big.Int

	Payee     common.Address
	Payout    *big.Int
	PayoutTx  string
	ListingTx string
	CustodyTx string

	ListedAt  time.Time
	UpdatedAt time.Time
	ClosedAt  time.Time
}

// Listed reports whether the sale is open for collateral, approvals and
// settlement.
func (r *SaleRecord) Listed() bool {
	return r != nil && r.Status == StatusListed
}

// HasApproval reports whether addr has approved this round.
func (r *SaleRecord) HasApproval(addr common.Address) bool {
	i := sort.Search(len(r.Approvals), func(i int) bool {
		return bytes.Compare(r.Approvals[i][:], addr[:]) >= 0
	})
	return i < len(r.Approvals) && r.Approvals[i] == addr
}

func (r *SaleRecord) addApproval(addr common.Address) {
	if r.HasApproval(addr) {
		return
	}
	r.Approvals = append(r.Approvals, addr)
	sort.Slice(r.Approvals, func(i, j int) bool {
		return bytes.Compare(r.Approvals[i][:], r.Approvals[j][:]) < 0
	})
}

// CustodyRecipient is where the title goes when the round settles.
func (r *SaleRecord) CustodyRecipient() common.Address {
	if r.Outcome == StatusCanceled {
		return r.Seller
	}
	return r.Buyer
}

// Clone returns a deep copy so callers can hold on to a record without
// observing later ledger changes.
func (r *SaleRecord) Clone() *SaleRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.PurchasePrice = cloneBigInt(r.PurchasePrice)
	clone.CollateralRequired = cloneBigInt(r.CollateralRequired)
	clone.Deposited = cloneBigInt(r.Deposited)
	clone.Escrowed = cloneBigInt(r.Escrowed)
	clone.Payout = cloneBigInt(r.Payout)
	clone.Approvals = append([]common.Address(nil), r.Approvals...)
	return &clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// BalancePolicy decides which funds a sale settles against.
type BalancePolicy uint8

const (
	// PolicyPerAsset settles each sale against the collateral credited to it.
	PolicyPerAsset BalancePolicy = iota
	// PolicyPooled settles every sale against the whole escrow balance and
	// drains it on each payout, as the original single-contract escrow did.
	PolicyPooled
)

func (p BalancePolicy) String() string {
	switch p {
	case PolicyPerAsset:
		return "per-asset"
	case PolicyPooled:
		return "pooled"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParseBalancePolicy accepts "per-asset" (default when empty) or "pooled".
func ParseBalancePolicy(v string) (BalancePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "per-asset", "per_asset":
		return PolicyPerAsset, nil
	case "pooled":
		return PolicyPooled, nil
	default:
		return 0, fmt.Errorf("unknown balance policy %q", v)
	}
}

package sale

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Roles holds the role addresses bound when the escrow is created. They never
// change afterwards. The buyer is per sale and lives on the record.
type Roles struct {
	seller   common.Address
	verifier common.Address
	lender   common.Address
}

// NewRoles binds the fixed roles. The lender is optional.
func NewRoles(seller, verifier, lender common.Address) (Roles, error) {
	if seller == (common.Address{}) {
		return Roles{}, fmt.Errorf("seller address is required")
	}
	if verifier == (common.Address{}) {
		return Roles{}, fmt.Errorf("verifier address is required")
	}
	return Roles{seller: seller, verifier: verifier, lender: lender}, nil
}

func (r Roles) Seller() common.Address   { return r.seller }
func (r Roles) Verifier() common.Address { return r.verifier }
func (r Roles) Lender() common.Address   { return r.lender }

func (r Roles) RequireSeller(caller common.Address) error {
	if caller != r.seller {
		return fmt.Errorf("%w: seller only", ErrUnauthorized)
	}
	return nil
}

func (r Roles) RequireVerifier(caller common.Address) error {
	if caller != r.verifier {
		return fmt.Errorf("%w: verifier only", ErrUnauthorized)
	}
	return nil
}

// RequireBuyer checks caller against the buyer recorded for the sale.
func (r Roles) RequireBuyer(rec *SaleRecord, caller common.Address) error {
	if rec == nil || caller != rec.Buyer {
		return fmt.Errorf("%w: buyer only", ErrUnauthorized)
	}
	return nil
}

// RequireParty admits the seller, the sale's buyer and the verifier.
func (r Roles) RequireParty(rec *SaleRecord, caller common.Address) error {
	if caller == r.seller || caller == r.verifier {
		return nil
	}
	if rec != nil && caller == rec.Buyer {
		return nil
	}
	return fmt.Errorf("%w: sale parties only", ErrUnauthorized)
}

// IsLender reports whether caller is the configured lender. A zero lender
// matches nobody.
func (r Roles) IsLender(caller common.Address) bool {
	return r.lender != (common.Address{}) && caller == r.lender
}

package sale

import "errors"

var (
	ErrUnauthorized           = errors.New("sale: caller lacks the required role")
	ErrAlreadyListed          = errors.New("sale: asset already has an active sale")
	ErrNoSuchSale             = errors.New("sale: no active sale for asset")
	ErrInsufficientCollateral = errors.New("sale: deposit below required collateral")
	ErrNotVerified            = errors.New("sale: asset verification has not passed")
	ErrApprovalMissing        = errors.New("sale: buyer and seller approval required")
	ErrInsufficientBalance    = errors.New("sale: escrow balance below purchase price")
	ErrCustodyTransferFailed  = errors.New("sale: custody transfer failed")
	ErrPaymentFailed          = errors.New("sale: payment failed")
	ErrInvalidArgument        = errors.New("sale: invalid argument")
)

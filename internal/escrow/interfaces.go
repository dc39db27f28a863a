package escrow

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Receipt identifies a completed transfer on an external system.
type Receipt struct {
	TxHash string
}

// Custody moves exclusive custody of a title between addresses. A call either
// fully succeeds or leaves custody with the original holder.
type Custody interface {
	TransferCustody(ctx context.Context, assetID uint64, from, to common.Address) (Receipt, error)
}

// Payments moves settlement funds in and out of escrow. Collect pulls amount
// from a payer into escrow; Pay sends escrowed funds out. A nil error means
// the funds arrived.
type Payments interface {
	Collect(ctx context.Context, from common.Address, amount *big.Int) (Receipt, error)
	Pay(ctx context.Context, to common.Address, amount *big.Int) (Receipt, error)
}

// HealthChecker is implemented by boundaries that can check their backend.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

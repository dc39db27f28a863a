package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNotHolder         = errors.New("transfer source does not hold the asset")
	ErrInsufficientFunds = errors.New("payer balance too low")
)

// FakeRegistry is an in-memory title registry for local runs and tests.
type FakeRegistry struct {
	mu      sync.Mutex
	holders map[uint64]common.Address
	seq     int

	// OpenMint treats an unregistered asset as held by whoever first moves
	// it. Local runs use it in place of a real registry.
	OpenMint bool

	// BeforeTransfer, when set, runs ahead of every transfer; a non-nil error
	// fails the transfer without moving custody.
	BeforeTransfer func(assetID uint64, from, to common.Address) error
}

func NewFakeRegistry() *FakeRegistry {
	return &FakeRegistry{holders: make(map[uint64]common.Address)}
}

// Mint assigns initial custody of an asset.
func (r *FakeRegistry) Mint(assetID uint64, holder common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.holders[assetID] = holder
}

func (r *FakeRegistry) HolderOf(_ context.Context, assetID uint64) (common.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	holder, ok := r.holders[assetID]
	if !ok {
		return common.Address{}, fmt.Errorf("asset %d not registered", assetID)
	}
	return holder, nil
}

func (r *FakeRegistry) TransferCustody(_ context.Context, assetID uint64, from, to common.Address) (Receipt, error) {
	if hook := r.BeforeTransfer; hook != nil {
		if err := hook(assetID, from, to); err != nil {
			return Receipt{}, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	holder, ok := r.holders[assetID]
	if !ok && r.OpenMint {
		holder = from
	}
	if holder != from {
		return Receipt{}, fmt.Errorf("asset %d: %w", assetID, ErrNotHolder)
	}
	r.holders[assetID] = to
	r.seq++
	return Receipt{TxHash: fakeHash(fmt.Sprintf("custody:%d:%s:%s:%d", assetID, from.Hex(), to.Hex(), r.seq))}, nil
}

// FakeBank keeps payer balances and payouts in memory instead of moving real
// funds.
type FakeBank struct {
	mu       sync.Mutex
	paid     map[common.Address]*big.Int
	balances map[common.Address]*big.Int
	seq      int

	// OpenFunding lets any payer cover any collection. Local runs use it in
	// place of a funded token.
	OpenFunding bool

	// BeforeCollect, when set, runs ahead of every collection; a non-nil
	// error fails it without debiting the payer.
	BeforeCollect func(from common.Address, amount *big.Int) error

	// BeforePay, when set, runs ahead of every payment; a non-nil error fails
	// the payment. It may call back into the service to simulate reentrancy.
	BeforePay func(to common.Address, amount *big.Int) error
}

func NewFakeBank() *FakeBank {
	return &FakeBank{
		paid:     make(map[common.Address]*big.Int),
		balances: make(map[common.Address]*big.Int),
	}
}

// Fund credits a payer's spendable balance.
func (b *FakeBank) Fund(addr common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[addr] = new(big.Int).Add(b.balanceLocked(addr), amount)
}

// BalanceOf reports a payer's spendable balance.
func (b *FakeBank) BalanceOf(addr common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balanceLocked(addr)
}

func (b *FakeBank) balanceLocked(addr common.Address) *big.Int {
	if bal, ok := b.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (b *FakeBank) Collect(_ context.Context, from common.Address, amount *big.Int) (Receipt, error) {
	if amount == nil || amount.Sign() <= 0 {
		return Receipt{}, fmt.Errorf("invalid collection amount")
	}
	if hook := b.BeforeCollect; hook != nil {
		if err := hook(from, amount); err != nil {
			return Receipt{}, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bal := b.balanceLocked(from)
	if !b.OpenFunding {
		if bal.Cmp(amount) < 0 {
			return Receipt{}, fmt.Errorf("%s has %s, needs %s: %w", from.Hex(), bal, amount, ErrInsufficientFunds)
		}
		b.balances[from] = bal.Sub(bal, amount)
	}
	b.seq++
	return Receipt{TxHash: fakeHash(fmt.Sprintf("collect:%s:%s:%d", from.Hex(), amount, b.seq))}, nil
}

func (b *FakeBank) Pay(_ context.Context, to common.Address, amount *big.Int) (Receipt, error) {
	if amount == nil || amount.Sign() < 0 {
		return Receipt{}, fmt.Errorf("invalid payment amount")
	}
	if hook := b.BeforePay; hook != nil {
		if err := hook(to, amount); err != nil {
			return Receipt{}, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	total, ok := b.paid[to]
	if !ok {
		total = new(big.Int)
	}
	b.paid[to] = new(big.Int).Add(total, amount)
	b.balances[to] = new(big.Int).Add(b.balanceLocked(to), amount)
	b.seq++
	return Receipt{TxHash: fakeHash(fmt.Sprintf("pay:%s:%s:%d", to.Hex(), amount, b.seq))}, nil
}

// PaidTo reports the total paid to an address so far.
func (b *FakeBank) PaidTo(addr common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if total, ok := b.paid[addr]; ok {
		return new(big.Int).Set(total)
	}
	return new(big.Int)
}

func fakeHash(input string) string {
	return crypto.Keccak256Hash([]byte(input)).Hex()
}

package sale

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"titlescrow/internal/escrow"
)

var (
	sellerAddr   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	buyerAddr    = common.HexToAddress("0x1000000000000000000000000000000000000002")
	verifierAddr = common.HexToAddress("0x1000000000000000000000000000000000000003")
	lenderAddr   = common.HexToAddress("0x1000000000000000000000000000000000000004")
	strangerAddr = common.HexToAddress("0x1000000000000000000000000000000000000005")
	escrowAddr   = common.HexToAddress("0x10000000000000000000000000000000000000ee")
)

type harness struct {
	ledger   *Ledger
	engine   *Engine
	registry *escrow.FakeRegistry
	bank     *escrow.FakeBank
	store    Store
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	roles, err := NewRoles(sellerAddr, verifierAddr, lenderAddr)
	require.NoError(t, err)

	registry := escrow.NewFakeRegistry()
	for id := uint64(1); id <= 8; id++ {
		registry.Mint(id, sellerAddr)
	}
	bank := escrow.NewFakeBank()
	bank.Fund(buyerAddr, big.NewInt(1_000_000))
	store := NewMemoryStore()

	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithStore(store),
		WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }),
	}
	ledger, err := NewLedger(roles, escrowAddr, registry, append(base, opts...)...)
	require.NoError(t, err)
	engine, err := NewEngine(ledger, bank)
	require.NoError(t, err)

	return &harness{ledger: ledger, engine: engine, registry: registry, bank: bank, store: store}
}

func (h *harness) list(t *testing.T, assetID uint64, price, collateral int64) *SaleRecord {
	t.Helper()
	rec, err := h.ledger.List(context.Background(), sellerAddr, assetID, buyerAddr, big.NewInt(price), big.NewInt(collateral))
	require.NoError(t, err)
	return rec
}

func (h *harness) deposit(t *testing.T, assetID uint64, amount int64) {
	t.Helper()
	_, err := h.engine.DepositCollateral(context.Background(), buyerAddr, assetID, big.NewInt(amount))
	require.NoError(t, err)
}

// ready lists the asset and satisfies every finalize condition.
func (h *harness) ready(t *testing.T, assetID uint64) {
	t.Helper()
	ctx := context.Background()
	h.list(t, assetID, 100, 20)
	h.deposit(t, assetID, 20)
	h.deposit(t, assetID, 80)
	_, err := h.ledger.SetVerification(ctx, verifierAddr, assetID, true)
	require.NoError(t, err)
	_, err = h.ledger.Approve(ctx, buyerAddr, assetID)
	require.NoError(t, err)
	_, err = h.ledger.Approve(ctx, sellerAddr, assetID)
	require.NoError(t, err)
}

func (h *harness) holder(t *testing.T, assetID uint64) common.Address {
	t.Helper()
	holder, err := h.registry.HolderOf(context.Background(), assetID)
	require.NoError(t, err)
	return holder
}

func (h *harness) record(t *testing.T, assetID uint64) *SaleRecord {
	t.Helper()
	rec, err := h.ledger.Record(assetID)
	require.NoError(t, err)
	return rec
}

type failingStore struct {
	*MemoryStore
	err error
}

func (s *failingStore) Commit(ctx context.Context, records ...*SaleRecord) error {
	if s.err != nil {
		return s.err
	}
	return s.MemoryStore.Commit(ctx, records...)
}

var errBoom = errors.New("boom")

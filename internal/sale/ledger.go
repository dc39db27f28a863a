package sale

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"titlescrow/internal/escrow"
)

// Ledger owns the sale records and the escrow balance. All reads and writes
// of ledger state happen under mu; external calls never do. A sale that has
// an external call in flight is held in StatusListing or StatusSettling, which
// is what excludes concurrent and reentrant operations on the same asset.
type Ledger struct {
	mu      sync.Mutex
	roles   Roles
	escrow  common.Address
	custody escrow.Custody
	store   Store
	policy  BalancePolicy
	logger  *slog.Logger
	nowFn   func() time.Time

	// rounds[asset][i] is round i+1 of that asset.
	rounds map[uint64][]*SaleRecord
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithStore(store Store) Option {
	return func(l *Ledger) {
		if store != nil {
			l.store = store
		}
	}
}

func WithPolicy(policy BalancePolicy) Option {
	return func(l *Ledger) { l.policy = policy }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the time source, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.nowFn = now
		}
	}
}

// NewLedger creates an empty ledger. escrowAddr is the address that holds
// titles while they are listed.
func NewLedger(roles Roles, escrowAddr common.Address, custody escrow.Custody, opts ...Option) (*Ledger, error) {
	if escrowAddr == (common.Address{}) {
		return nil, fmt.Errorf("escrow address is required")
	}
	if custody == nil {
		return nil, fmt.Errorf("custody boundary is required")
	}
	l := &Ledger{
		roles:   roles,
		escrow:  escrowAddr,
		custody: custody,
		store:   NewMemoryStore(),
		policy:  PolicyPerAsset,
		logger:  slog.Default(),
		nowFn:   time.Now,
		rounds:  make(map[uint64][]*SaleRecord),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Ledger) Roles() Roles                  { return l.roles }
func (l *Ledger) EscrowAddress() common.Address { return l.escrow }
func (l *Ledger) Policy() BalancePolicy         { return l.policy }

// Recover loads every persisted round. Rounds left mid-settlement by a crash
// stay blocked: whether their payout went out is unknown to the ledger.
func (l *Ledger) Recover(ctx context.Context) error {
	records, err := l.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("sale ledger: load: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].AssetID != records[j].AssetID {
			return records[i].AssetID < records[j].AssetID
		}
		return records[i].Round < records[j].Round
	})

	rounds := make(map[uint64][]*SaleRecord)
	for _, rec := range records {
		existing := rounds[rec.AssetID]
		if rec.Round != uint64(len(existing))+1 {
			return fmt.Errorf("sale ledger: asset %d: round %d out of sequence", rec.AssetID, rec.Round)
		}
		if rec.Status == StatusSettling {
			l.logger.Warn("sale recovered mid-settlement; manual review required",
				"asset", rec.AssetID, "round", rec.Round)
		}
		rounds[rec.AssetID] = append(existing, rec.Clone())
	}

	l.mu.Lock()
	l.rounds = rounds
	l.mu.Unlock()
	l.logger.Info("sale ledger recovered", "records", len(records), "policy", l.policy.String())
	return nil
}

// List opens a sale of assetID to buyer. Custody moves from the seller into
// escrow first; without it no record is created.
func (l *Ledger) List(ctx context.Context, caller common.Address, assetID uint64, buyer common.Address, price, collateral *big.Int) (*SaleRecord, error) {
	if err := l.roles.RequireSeller(caller); err != nil {
		return nil, err
	}
	if buyer == (common.Address{}) {
		return nil, fmt.Errorf("%w: buyer address required", ErrInvalidArgument)
	}
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: purchase price must be positive", ErrInvalidArgument)
	}
	if collateral == nil || collateral.Sign() < 0 {
		return nil, fmt.Errorf("%w: collateral must be non-negative", ErrInvalidArgument)
	}

	l.mu.Lock()
	if prev := l.lastLocked(assetID); prev != nil && !prev.Status.Closed() {
		l.mu.Unlock()
		return nil, ErrAlreadyListed
	}
	now := l.nowFn().UTC()
	reservation := &SaleRecord{
		AssetID:            assetID,
		Round:              uint64(len(l.rounds[assetID])) + 1,
		Seller:             l.roles.Seller(),
		Buyer:              buyer,
		PurchasePrice:      cloneBigInt(price),
		CollateralRequired: cloneBigInt(collateral),
		Status:             StatusListing,
		Deposited:          big.NewInt(0),
		Escrowed:           big.NewInt(0),
		Payout:             big.NewInt(0),
		ListedAt:           now,
		UpdatedAt:          now,
	}
	l.rounds[assetID] = append(l.rounds[assetID], reservation)
	l.mu.Unlock()

	receipt, err := l.custody.TransferCustody(ctx, assetID, reservation.Seller, l.escrow)

	l.mu.Lock()
	if err != nil {
		l.dropReservationLocked(reservation)
		l.mu.Unlock()
		l.logger.Warn("listing custody transfer failed", "asset", assetID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrCustodyTransferFailed, err)
	}

	listed := reservation.Clone()
	listed.Status = StatusListed
	listed.ListingTx = receipt.TxHash
	if err := l.commitLocked(ctx, listed); err != nil {
		l.dropReservationLocked(reservation)
		l.mu.Unlock()
		l.returnCustody(ctx, assetID, reservation.Seller)
		return nil, err
	}
	l.mu.Unlock()

	l.logger.Info("sale listed", "asset", assetID, "round", listed.Round,
		"buyer", buyer.Hex(), "price", price.String(), "collateral", collateral.String(), "tx", receipt.TxHash)
	return listed.Clone(), nil
}

// returnCustody hands a title back to the seller after a listing could not be
// recorded.
func (l *Ledger) returnCustody(ctx context.Context, assetID uint64, seller common.Address) {
	if _, err := l.custody.TransferCustody(ctx, assetID, l.escrow, seller); err != nil {
		l.logger.Error("title stranded in escrow after failed listing", "asset", assetID, "error", err)
	}
}

// SetVerification records the verifier's verdict. Last write wins.
func (l *Ledger) SetVerification(ctx context.Context, caller common.Address, assetID uint64, passed bool) (*SaleRecord, error) {
	if err := l.roles.RequireVerifier(caller); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	rec, err := l.activeLocked(assetID)
	if err != nil {
		return nil, err
	}
	next := rec.Clone()
	next.VerificationPassed = passed
	next.UpdatedAt = l.nowFn().UTC()
	if err := l.commitLocked(ctx, next); err != nil {
		return nil, err
	}
	l.logger.Info("sale verification recorded", "asset", assetID, "round", next.Round, "passed", passed)
	return next.Clone(), nil
}

// checkDeposit validates a buyer deposit against the asset's current sale
// and returns the round it would be credited to. Each deposit must on its own
// cover the required collateral.
func (l *Ledger) checkDeposit(caller common.Address, assetID uint64, amount *big.Int) (uint64, error) {
	if amount == nil || amount.Sign() < 0 {
		return 0, fmt.Errorf("%w: deposit must be non-negative", ErrInvalidArgument)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.latestLocked(assetID)
	if rec == nil {
		return 0, ErrNoSuchSale
	}
	if err := l.roles.RequireBuyer(rec, caller); err != nil {
		return 0, err
	}
	if !rec.Listed() {
		return 0, ErrNoSuchSale
	}
	if amount.Cmp(rec.CollateralRequired) < 0 {
		return 0, ErrInsufficientCollateral
	}
	if amount.Sign() == 0 {
		return 0, fmt.Errorf("%w: deposit must be positive", ErrInvalidArgument)
	}
	return rec.Round, nil
}

// creditDeposit adds collected funds to round. The round must still be the
// listed one; otherwise the caller owns the collected funds.
func (l *Ledger) creditDeposit(ctx context.Context, assetID, round uint64, amount *big.Int, tx string) (*SaleRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.roundLocked(assetID, round)
	if !rec.Listed() || l.latestLocked(assetID) != rec {
		return nil, ErrNoSuchSale
	}
	next := rec.Clone()
	next.Deposited.Add(next.Deposited, amount)
	next.Escrowed.Add(next.Escrowed, amount)
	next.UpdatedAt = l.nowFn().UTC()
	if err := l.commitLocked(ctx, next); err != nil {
		return nil, err
	}
	l.logger.Info("collateral deposited", "asset", assetID, "round", next.Round,
		"amount", amount.String(), "escrowed", next.Escrowed.String(), "tx", tx)
	return next.Clone(), nil
}

// Approve adds caller to the sale's approval set. Anyone may approve; only
// the buyer's and seller's entries gate settlement.
func (l *Ledger) Approve(ctx context.Context, caller common.Address, assetID uint64) (*SaleRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, err := l.activeLocked(assetID)
	if err != nil {
		return nil, err
	}
	if rec.HasApproval(caller) {
		return rec.Clone(), nil
	}
	next := rec.Clone()
	next.addApproval(caller)
	next.UpdatedAt = l.nowFn().UTC()
	if err := l.commitLocked(ctx, next); err != nil {
		return nil, err
	}
	l.logger.Info("sale approved", "asset", assetID, "round", next.Round, "caller", caller.Hex())
	return next.Clone(), nil
}

// RequireBuyer checks caller against the buyer of the asset's current sale.
func (l *Ledger) RequireBuyer(assetID uint64, caller common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.roles.RequireBuyer(l.latestLocked(assetID), caller)
}

// Record returns the asset's latest round, closed or not.
func (l *Ledger) Record(assetID uint64) (*SaleRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.latestLocked(assetID)
	if rec == nil {
		return nil, ErrNoSuchSale
	}
	return rec.Clone(), nil
}

// History returns every recorded round of the asset, oldest first.
func (l *Ledger) History(assetID uint64) []*SaleRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*SaleRecord, 0, len(l.rounds[assetID]))
	for _, rec := range l.rounds[assetID] {
		if rec.Status == StatusListing {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out
}

// Balance is the total currently held in escrow across all sales.
func (l *Ledger) Balance() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.poolLocked()
}

func (l *Ledger) poolLocked() *big.Int {
	total := new(big.Int)
	for _, rounds := range l.rounds {
		for _, rec := range rounds {
			total.Add(total, rec.Escrowed)
		}
	}
	return total
}

// availableLocked is what rec may settle against under the ledger's policy.
func (l *Ledger) availableLocked(rec *SaleRecord) *big.Int {
	if l.policy == PolicyPooled {
		return l.poolLocked()
	}
	return cloneBigInt(rec.Escrowed)
}

// latestLocked returns the newest round that finished listing.
func (l *Ledger) latestLocked(assetID uint64) *SaleRecord {
	rounds := l.rounds[assetID]
	for i := len(rounds) - 1; i >= 0; i-- {
		if rounds[i].Status != StatusListing {
			return rounds[i]
		}
	}
	return nil
}

// lastLocked returns the newest round including one still listing.
func (l *Ledger) lastLocked(assetID uint64) *SaleRecord {
	rounds := l.rounds[assetID]
	if len(rounds) == 0 {
		return nil
	}
	return rounds[len(rounds)-1]
}

func (l *Ledger) activeLocked(assetID uint64) (*SaleRecord, error) {
	rec := l.latestLocked(assetID)
	if !rec.Listed() {
		return nil, ErrNoSuchSale
	}
	return rec, nil
}

func (l *Ledger) dropReservationLocked(reservation *SaleRecord) {
	rounds := l.rounds[reservation.AssetID]
	if n := len(rounds); n > 0 && rounds[n-1] == reservation {
		l.rounds[reservation.AssetID] = rounds[:n-1]
	}
	if len(l.rounds[reservation.AssetID]) == 0 {
		delete(l.rounds, reservation.AssetID)
	}
}

// commitLocked persists the records and only then swaps them into memory, so
// a store failure leaves the ledger untouched.
func (l *Ledger) commitLocked(ctx context.Context, records ...*SaleRecord) error {
	if err := l.store.Commit(ctx, records...); err != nil {
		return fmt.Errorf("sale ledger: persist: %w", err)
	}
	l.applyLocked(records...)
	return nil
}

// forceLocked records a transition that already happened outside the ledger.
// Memory always follows; a store failure is logged for reconciliation.
func (l *Ledger) forceLocked(ctx context.Context, records ...*SaleRecord) {
	if err := l.store.Commit(ctx, records...); err != nil {
		for _, rec := range records {
			l.logger.Error("sale ledger persist failed after external transfer",
				"asset", rec.AssetID, "round", rec.Round, "status", rec.Status.String(), "error", err)
		}
	}
	l.applyLocked(records...)
}

func (l *Ledger) applyLocked(records ...*SaleRecord) {
	for _, rec := range records {
		idx := int(rec.Round) - 1
		rounds := l.rounds[rec.AssetID]
		if idx < 0 || idx >= len(rounds) {
			continue
		}
		rounds[idx] = rec.Clone()
	}
}

func (l *Ledger) roundLocked(assetID, round uint64) *SaleRecord {
	rounds := l.rounds[assetID]
	idx := int(round) - 1
	if idx < 0 || idx >= len(rounds) {
		return nil
	}
	return rounds[idx]
}

package sale

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"titlescrow/internal/escrow"
)

// Engine settles listed sales: Finalize pays the seller and delivers the
// title to the buyer, Cancel refunds and returns the title to the seller.
type Engine struct {
	ledger   *Ledger
	payments escrow.Payments
	logger   *slog.Logger

	// resuming marks custody moves of pending rounds in flight, keyed by asset.
	resuming map[uint64]bool
}

func NewEngine(ledger *Ledger, payments escrow.Payments) (*Engine, error) {
	if ledger == nil {
		return nil, fmt.Errorf("sale ledger is required")
	}
	if payments == nil {
		return nil, fmt.Errorf("payments boundary is required")
	}
	return &Engine{
		ledger:   ledger,
		payments: payments,
		logger:   ledger.logger,
		resuming: make(map[uint64]bool),
	}, nil
}

func (e *Engine) Ledger() *Ledger { return e.ledger }

// claim is a payout reserved under the ledger lock: the target round is in
// StatusSettling and the drained balances are remembered for rollback.
type claim struct {
	assetID uint64
	round   uint64
	amount  *big.Int
	drained map[roundKey]*big.Int
}

// claimLocked moves rec to StatusSettling and takes its funds out of the
// balance before any external call is made.
func (l *Ledger) claimLocked(ctx context.Context, rec *SaleRecord, outcome Status) (*claim, error) {
	c := &claim{
		assetID: rec.AssetID,
		round:   rec.Round,
		amount:  new(big.Int),
		drained: make(map[roundKey]*big.Int),
	}
	now := l.nowFn().UTC()

	target := rec.Clone()
	target.Status = StatusSettling
	target.Outcome = outcome
	target.UpdatedAt = now

	updates := []*SaleRecord{target}
	take := func(r *SaleRecord) {
		if r.Escrowed.Sign() == 0 {
			return
		}
		c.drained[roundKey{asset: r.AssetID, round: r.Round}] = cloneBigInt(r.Escrowed)
		c.amount.Add(c.amount, r.Escrowed)
		r.Escrowed = big.NewInt(0)
	}
	take(target)

	if l.policy == PolicyPooled {
		for assetID, rounds := range l.rounds {
			for _, other := range rounds {
				if assetID == rec.AssetID && other.Round == rec.Round {
					continue
				}
				if other.Escrowed.Sign() == 0 {
					continue
				}
				drained := other.Clone()
				drained.UpdatedAt = now
				take(drained)
				updates = append(updates, drained)
			}
		}
	}

	if err := l.commitLocked(ctx, updates...); err != nil {
		return nil, err
	}
	return c, nil
}

// rollbackLocked undoes a claim after its payout failed. Deposits credited to
// other sales in the meantime are kept. Funds drained from a round that is no
// longer listed go to the claiming round, since a closed or settling round
// must not change.
func (l *Ledger) rollbackLocked(ctx context.Context, c *claim) {
	now := l.nowFn().UTC()
	target := l.roundLocked(c.assetID, c.round)
	if target == nil {
		return
	}
	restored := target.Clone()
	restored.Status = StatusListed
	restored.Outcome = 0
	restored.UpdatedAt = now

	updates := []*SaleRecord{restored}
	for key, amount := range c.drained {
		if key.asset == c.assetID && key.round == c.round {
			restored.Escrowed.Add(restored.Escrowed, amount)
			continue
		}
		cur := l.roundLocked(key.asset, key.round)
		if !cur.Listed() {
			restored.Escrowed.Add(restored.Escrowed, amount)
			l.logger.Warn("pooled funds moved to relisted sale", "asset", c.assetID, "round", c.round,
				"from_asset", key.asset, "from_round", key.round, "amount", amount.String())
			continue
		}
		next := cur.Clone()
		next.Escrowed.Add(next.Escrowed, amount)
		next.UpdatedAt = now
		updates = append(updates, next)
	}
	l.forceLocked(ctx, updates...)
}

// DepositCollateral pulls amount from the buyer into escrow and credits it to
// the asset's sale. A failed pull leaves the balance unchanged. If the sale
// stops being listed while the funds are in flight they are sent back.
func (e *Engine) DepositCollateral(ctx context.Context, caller common.Address, assetID uint64, amount *big.Int) (*SaleRecord, error) {
	l := e.ledger
	round, err := l.checkDeposit(caller, assetID, amount)
	if err != nil {
		return nil, err
	}

	receipt, err := e.payments.Collect(ctx, caller, amount)
	if err != nil {
		e.logger.Warn("collateral collection failed", "asset", assetID, "round", round,
			"buyer", caller.Hex(), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPaymentFailed, err)
	}

	rec, err := l.creditDeposit(ctx, assetID, round, amount, receipt.TxHash)
	if err != nil {
		e.returnDeposit(ctx, caller, assetID, amount, receipt.TxHash)
		return nil, err
	}
	return rec, nil
}

func (e *Engine) returnDeposit(ctx context.Context, buyer common.Address, assetID uint64, amount *big.Int, collectTx string) {
	if _, err := e.payments.Pay(ctx, buyer, amount); err != nil {
		e.logger.Error("collected deposit could not be returned", "asset", assetID, "buyer", buyer.Hex(),
			"amount", amount.String(), "collect_tx", collectTx, "error", err)
		return
	}
	e.logger.Warn("deposit returned to buyer", "asset", assetID, "buyer", buyer.Hex(), "amount", amount.String())
}

// Finalize settles the sale once it is verified, approved by both buyer and
// seller, and funded to at least the purchase price. The seller is paid
// before the title moves; if the title transfer then fails the round is left
// in StatusCustodyPending with the error returned, and ResumeCustody finishes
// it.
func (e *Engine) Finalize(ctx context.Context, caller common.Address, assetID uint64) (*SaleRecord, error) {
	l := e.ledger

	l.mu.Lock()
	rec, err := l.activeLocked(assetID)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if !rec.VerificationPassed {
		l.mu.Unlock()
		return nil, ErrNotVerified
	}
	if !rec.HasApproval(rec.Buyer) || !rec.HasApproval(rec.Seller) {
		l.mu.Unlock()
		return nil, ErrApprovalMissing
	}
	if l.availableLocked(rec).Cmp(rec.PurchasePrice) < 0 {
		l.mu.Unlock()
		return nil, ErrInsufficientBalance
	}
	c, err := l.claimLocked(ctx, rec, StatusFinalized)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	seller, buyer := rec.Seller, rec.Buyer
	l.mu.Unlock()

	e.logger.Info("finalizing sale", "asset", assetID, "round", c.round,
		"caller", caller.Hex(), "payout", c.amount.String())

	payReceipt, err := e.pay(ctx, seller, c.amount)
	if err != nil {
		l.mu.Lock()
		l.rollbackLocked(ctx, c)
		l.mu.Unlock()
		e.logger.Warn("finalize payment failed; sale relisted", "asset", assetID, "round", c.round, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPaymentFailed, err)
	}

	custodyReceipt, custodyErr := l.custody.TransferCustody(ctx, assetID, l.escrow, buyer)

	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.roundLocked(assetID, c.round).Clone()
	next.Payee = seller
	next.Payout = cloneBigInt(c.amount)
	next.PayoutTx = payReceipt.TxHash
	next.UpdatedAt = l.nowFn().UTC()
	next.ClosedAt = next.UpdatedAt
	if custodyErr != nil {
		next.Status = StatusCustodyPending
		l.forceLocked(ctx, next)
		e.logger.Error("seller paid but title delivery failed", "asset", assetID, "round", c.round,
			"buyer", buyer.Hex(), "error", custodyErr)
		return next.Clone(), fmt.Errorf("%w: %w", ErrCustodyTransferFailed, custodyErr)
	}
	next.Status = StatusFinalized
	next.CustodyTx = custodyReceipt.TxHash
	l.forceLocked(ctx, next)
	e.logger.Info("sale finalized", "asset", assetID, "round", c.round,
		"seller", seller.Hex(), "buyer", buyer.Hex(), "payout", c.amount.String())
	return next.Clone(), nil
}

// Cancel ends a listed sale. Funds go back to the buyer when verification
// has not passed and to the seller otherwise; the title returns to the seller.
func (e *Engine) Cancel(ctx context.Context, caller common.Address, assetID uint64) (*SaleRecord, error) {
	l := e.ledger

	l.mu.Lock()
	rec := l.latestLocked(assetID)
	if rec == nil {
		l.mu.Unlock()
		return nil, ErrNoSuchSale
	}
	if err := l.roles.RequireParty(rec, caller); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if !rec.Listed() {
		l.mu.Unlock()
		return nil, ErrNoSuchSale
	}
	payee := rec.Seller
	if !rec.VerificationPassed {
		payee = rec.Buyer
	}
	c, err := l.claimLocked(ctx, rec, StatusCanceled)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	seller := rec.Seller
	l.mu.Unlock()

	e.logger.Info("canceling sale", "asset", assetID, "round", c.round,
		"caller", caller.Hex(), "refund_to", payee.Hex(), "refund", c.amount.String())

	payReceipt, err := e.pay(ctx, payee, c.amount)
	if err != nil {
		l.mu.Lock()
		l.rollbackLocked(ctx, c)
		l.mu.Unlock()
		e.logger.Warn("cancel refund failed; sale relisted", "asset", assetID, "round", c.round, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPaymentFailed, err)
	}

	l.mu.Lock()
	next := l.roundLocked(assetID, c.round).Clone()
	next.Status = StatusCustodyPending
	next.Payee = payee
	next.Payout = cloneBigInt(c.amount)
	next.PayoutTx = payReceipt.TxHash
	next.UpdatedAt = l.nowFn().UTC()
	next.ClosedAt = next.UpdatedAt
	l.forceLocked(ctx, next)
	e.resuming[assetID] = true
	l.mu.Unlock()

	custodyReceipt, custodyErr := l.custody.TransferCustody(ctx, assetID, l.escrow, seller)

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(e.resuming, assetID)
	next = l.roundLocked(assetID, c.round).Clone()
	if custodyErr != nil {
		e.logger.Error("sale canceled but title return failed", "asset", assetID, "round", c.round, "error", custodyErr)
		return next.Clone(), fmt.Errorf("%w: %w", ErrCustodyTransferFailed, custodyErr)
	}
	next.Status = StatusCanceled
	next.CustodyTx = custodyReceipt.TxHash
	l.forceLocked(ctx, next)
	e.logger.Info("sale canceled", "asset", assetID, "round", c.round, "refund_to", payee.Hex())
	return next.Clone(), nil
}

// ResumeCustody retries the title transfer of a settled round whose custody
// move failed.
func (e *Engine) ResumeCustody(ctx context.Context, caller common.Address, assetID uint64) (*SaleRecord, error) {
	l := e.ledger

	l.mu.Lock()
	rec := l.latestLocked(assetID)
	if rec == nil || rec.Status != StatusCustodyPending || e.resuming[assetID] {
		l.mu.Unlock()
		return nil, ErrNoSuchSale
	}
	if err := l.roles.RequireParty(rec, caller); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	e.resuming[assetID] = true
	round, to, outcome := rec.Round, rec.CustodyRecipient(), rec.Outcome
	l.mu.Unlock()

	receipt, err := l.custody.TransferCustody(ctx, assetID, l.escrow, to)

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(e.resuming, assetID)
	if err != nil {
		e.logger.Warn("custody resume failed", "asset", assetID, "round", round, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrCustodyTransferFailed, err)
	}
	next := l.roundLocked(assetID, round).Clone()
	next.Status = outcome
	next.CustodyTx = receipt.TxHash
	next.UpdatedAt = l.nowFn().UTC()
	l.forceLocked(ctx, next)
	e.logger.Info("custody delivered", "asset", assetID, "round", round, "to", to.Hex(), "status", outcome.String())
	return next.Clone(), nil
}

// pay skips the boundary for an empty payout.
func (e *Engine) pay(ctx context.Context, to common.Address, amount *big.Int) (escrow.Receipt, error) {
	if amount.Sign() == 0 {
		return escrow.Receipt{}, nil
	}
	return e.payments.Pay(ctx, to, amount)
}

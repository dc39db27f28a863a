package sale

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sale rounds in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createSaleTableSQL = `
CREATE TABLE IF NOT EXISTS sale_records (
    asset_id NUMERIC(20, 0) NOT NULL,
    round BIGINT NOT NULL,
    seller TEXT NOT NULL,
    buyer TEXT NOT NULL,
    purchase_price NUMERIC(78, 0) NOT NULL,
    collateral_required NUMERIC(78, 0) NOT NULL,
    status TEXT NOT NULL,
    outcome TEXT NOT NULL DEFAULT '',
    verification_passed BOOLEAN NOT NULL DEFAULT FALSE,
    approvals TEXT[] NOT NULL DEFAULT '{}',
    deposited NUMERIC(78, 0) NOT NULL DEFAULT 0,
    escrowed NUMERIC(78, 0) NOT NULL DEFAULT 0,
    payee TEXT NOT NULL DEFAULT '',
    payout NUMERIC(78, 0) NOT NULL DEFAULT 0,
    payout_tx TEXT NOT NULL DEFAULT '',
    listing_tx TEXT NOT NULL DEFAULT '',
    custody_tx TEXT NOT NULL DEFAULT '',
    listed_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    closed_at TIMESTAMPTZ,
    PRIMARY KEY (asset_id, round)
);
`

const upsertSaleSQL = `
INSERT INTO sale_records (
    asset_id, round, seller, buyer, purchase_price, collateral_required, status, outcome,
    verification_passed, approvals, deposited, escrowed, payee, payout, payout_tx,
    listing_tx, custody_tx, listed_at, updated_at, closed_at
)
VALUES ($1::numeric, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11::numeric,
        $12::numeric, $13, $14::numeric, $15, $16, $17, $18, $19, $20)
ON CONFLICT (asset_id, round) DO UPDATE
SET status = EXCLUDED.status,
    outcome = EXCLUDED.outcome,
    verification_passed = EXCLUDED.verification_passed,
    approvals = EXCLUDED.approvals,
    deposited = EXCLUDED.deposited,
    escrowed = EXCLUDED.escrowed,
    payee = EXCLUDED.payee,
    payout = EXCLUDED.payout,
    payout_tx = EXCLUDED.payout_tx,
    listing_tx = EXCLUDED.listing_tx,
    custody_tx = EXCLUDED.custody_tx,
    updated_at = EXCLUDED.updated_at,
    closed_at = EXCLUDED.closed_at
`

const selectSalesSQL = `
SELECT asset_id::text, round, seller, buyer, purchase_price::text, collateral_required::text,
       status, outcome, verification_passed, approvals, deposited::text, escrowed::text,
       payee, payout::text, payout_tx, listing_tx, custody_tx, listed_at, updated_at, closed_at
FROM sale_records
ORDER BY asset_id, round
`

// NewPostgresStore connects using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createSaleTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Commit(ctx context.Context, records ...*SaleRecord) error {
	if len(records) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for _, rec := range records {
			if _, err := tx.Exec(ctx, upsertSaleSQL, saleRow(rec)...); err != nil {
				return fmt.Errorf("upsert asset %d round %d: %w", rec.AssetID, rec.Round, err)
			}
		}
		return nil
	})
}

func saleRow(rec *SaleRecord) []any {
	approvals := make([]string, 0, len(rec.Approvals))
	for _, addr := range rec.Approvals {
		approvals = append(approvals, addr.Hex())
	}
	outcome := ""
	if rec.Outcome != 0 {
		outcome = rec.Outcome.String()
	}
	payee := ""
	if rec.Payee != (common.Address{}) {
		payee = rec.Payee.Hex()
	}
	var closedAt *time.Time
	if !rec.ClosedAt.IsZero() {
		t := rec.ClosedAt
		closedAt = &t
	}
	return []any{
		strconv.FormatUint(rec.AssetID, 10),
		int64(rec.Round),
		rec.Seller.Hex(),
		rec.Buyer.Hex(),
		cloneBigInt(rec.PurchasePrice).String(),
		cloneBigInt(rec.CollateralRequired).String(),
		rec.Status.String(),
		outcome,
		rec.VerificationPassed,
		approvals,
		cloneBigInt(rec.Deposited).String(),
		cloneBigInt(rec.Escrowed).String(),
		payee,
		cloneBigInt(rec.Payout).String(),
		rec.PayoutTx,
		rec.ListingTx,
		rec.CustodyTx,
		rec.ListedAt,
		rec.UpdatedAt,
		closedAt,
	}
}

func (p *PostgresStore) Load(ctx context.Context) ([]*SaleRecord, error) {
	rows, err := p.pool.Query(ctx, selectSalesSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SaleRecord
	for rows.Next() {
		var (
			assetID, seller, buyer, price, collateral  string
			status, outcome, deposited, escrowed       string
			payee, payout, payoutTx, listingTx, custTx string
			round                                      int64
			verified                                   bool
			approvals                                  []string
			listedAt, updatedAt                        time.Time
			closedAt                                   *time.Time
		)
		if err := rows.Scan(&assetID, &round, &seller, &buyer, &price, &collateral, &status, &outcome,
			&verified, &approvals, &deposited, &escrowed, &payee, &payout, &payoutTx, &listingTx,
			&custTx, &listedAt, &updatedAt, &closedAt); err != nil {
			return nil, err
		}

		rec := &SaleRecord{
			Round:              uint64(round),
			Seller:             common.HexToAddress(seller),
			Buyer:              common.HexToAddress(buyer),
			VerificationPassed: verified,
			PayoutTx:           payoutTx,
			ListingTx:          listingTx,
			CustodyTx:          custTx,
			ListedAt:           listedAt,
			UpdatedAt:          updatedAt,
		}
		if rec.AssetID, err = strconv.ParseUint(assetID, 10, 64); err != nil {
			return nil, fmt.Errorf("asset id %q: %w", assetID, err)
		}
		if rec.Status, err = ParseStatus(status); err != nil {
			return nil, err
		}
		if outcome != "" {
			if rec.Outcome, err = ParseStatus(outcome); err != nil {
				return nil, err
			}
		}
		for _, field := range []struct {
			dst **big.Int
			raw string
		}{
			{&rec.PurchasePrice, price},
			{&rec.CollateralRequired, collateral},
			{&rec.Deposited, deposited},
			{&rec.Escrowed, escrowed},
			{&rec.Payout, payout},
		} {
			v, ok := new(big.Int).SetString(field.raw, 10)
			if !ok {
				return nil, fmt.Errorf("asset %d round %d: invalid amount %q", rec.AssetID, rec.Round, field.raw)
			}
			*field.dst = v
		}
		for _, addr := range approvals {
			rec.Approvals = append(rec.Approvals, common.HexToAddress(addr))
		}
		if payee != "" {
			rec.Payee = common.HexToAddress(payee)
		}
		if closedAt != nil {
			rec.ClosedAt = *closedAt
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

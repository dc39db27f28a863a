package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"titlescrow/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const defaultReceiptTimeout = 2 * time.Minute

// ErrReverted is returned when a transaction was mined but failed.
var ErrReverted = errors.New("transaction reverted")

// EthClient signs transactions with the escrow operator key. The operator
// address is the escrow address that holds titles and funds.
type EthClient struct {
	client         *ethclient.Client
	chainID        *big.Int
	transacts      *bind.TransactOpts
	receiptTimeout time.Duration
	pollInterval   time.Duration
}

type EthClientConfig struct {
	RPCURL         string
	PrivateKeyHex  string
	ReceiptTimeout time.Duration
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for escrow transfers")
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate

	timeout := cfg.ReceiptTimeout
	if timeout <= 0 {
		timeout = defaultReceiptTimeout
	}

	return &EthClient{
		client:         cli,
		chainID:        chainID,
		transacts:      txOpts,
		receiptTimeout: timeout,
		pollInterval:   2 * time.Second,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Address returns the operator (escrow) address.
func (c *EthClient) Address() common.Address {
	return c.transacts.From
}

func (c *EthClient) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthClient) bindContract(address string, rawABI []byte) (*bind.BoundContract, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid contract address %q", address)
	}
	parsed, err := abi.JSON(strings.NewReader(string(rawABI)))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	return bind.NewBoundContract(common.HexToAddress(address), parsed, c.client, c.client, c.client), nil
}

// transact sends the call and blocks until it is mined. Only a successful
// receipt counts as success.
func (c *EthClient) transact(ctx context.Context, contract *bind.BoundContract, method string, args ...interface{}) (Receipt, error) {
	opts := *c.transacts
	opts.Context = ctx

	tx, err := contract.Transact(&opts, method, args...)
	if err != nil {
		return Receipt{}, fmt.Errorf("%s tx: %w", method, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()
	receipt, err := WaitForReceipt(waitCtx, c.client, tx, c.pollInterval)
	if err != nil {
		return Receipt{TxHash: tx.Hash().Hex()}, fmt.Errorf("%s receipt %s: %w", method, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Receipt{TxHash: tx.Hash().Hex()}, fmt.Errorf("%s %s: %w", method, tx.Hash().Hex(), ErrReverted)
	}
	return Receipt{TxHash: tx.Hash().Hex()}, nil
}

// EthCustody moves titles through the ERC-721 title registry.
type EthCustody struct {
	eth      *EthClient
	registry *bind.BoundContract
}

func NewEthCustody(eth *EthClient, registryAddress string) (*EthCustody, error) {
	bound, err := eth.bindContract(registryAddress, contracts.TitleRegistryABI)
	if err != nil {
		return nil, fmt.Errorf("title registry: %w", err)
	}
	return &EthCustody{eth: eth, registry: bound}, nil
}

// TransferCustody calls transferFrom as the operator. Listing relies on the
// seller having approved the operator for the token beforehand.
func (c *EthCustody) TransferCustody(ctx context.Context, assetID uint64, from, to common.Address) (Receipt, error) {
	return c.eth.transact(ctx, c.registry, "transferFrom", from, to, new(big.Int).SetUint64(assetID))
}

func (c *EthCustody) HolderOf(ctx context.Context, assetID uint64) (common.Address, error) {
	var out []interface{}
	if err := c.registry.Call(&bind.CallOpts{Context: ctx}, &out, "ownerOf", new(big.Int).SetUint64(assetID)); err != nil {
		return common.Address{}, fmt.Errorf("ownerOf %d: %w", assetID, err)
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("ownerOf %d: unexpected result", assetID)
	}
	holder, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("ownerOf %d: unexpected result type %T", assetID, out[0])
	}
	return holder, nil
}

func (c *EthCustody) Ping(ctx context.Context) error {
	return c.eth.Ping(ctx)
}

// ErrAllowance is returned when a payer has not approved enough tokens for
// the operator to collect.
var ErrAllowance = errors.New("insufficient token allowance")

// EthPayments pays out of the operator's settlement token balance.
type EthPayments struct {
	eth   *EthClient
	token *bind.BoundContract
}

func NewEthPayments(eth *EthClient, tokenAddress string) (*EthPayments, error) {
	bound, err := eth.bindContract(tokenAddress, contracts.SettlementTokenABI)
	if err != nil {
		return nil, fmt.Errorf("settlement token: %w", err)
	}
	return &EthPayments{eth: eth, token: bound}, nil
}

func (p *EthPayments) Pay(ctx context.Context, to common.Address, amount *big.Int) (Receipt, error) {
	if amount == nil || amount.Sign() < 0 {
		return Receipt{}, fmt.Errorf("invalid payment amount")
	}
	return p.eth.transact(ctx, p.token, "transfer", to, amount)
}

// Collect pulls amount from the payer into the operator's balance with
// transferFrom. The payer must have approved the operator beforehand.
func (p *EthPayments) Collect(ctx context.Context, from common.Address, amount *big.Int) (Receipt, error) {
	if amount == nil || amount.Sign() <= 0 {
		return Receipt{}, fmt.Errorf("invalid collection amount")
	}
	allowed, err := p.allowance(ctx, from)
	if err != nil {
		return Receipt{}, err
	}
	if allowed.Cmp(amount) < 0 {
		return Receipt{}, fmt.Errorf("%s approved %s of %s: %w", from.Hex(), allowed, amount, ErrAllowance)
	}
	return p.eth.transact(ctx, p.token, "transferFrom", from, p.eth.Address(), amount)
}

func (p *EthPayments) allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	var out []interface{}
	if err := p.token.Call(&bind.CallOpts{Context: ctx}, &out, "allowance", owner, p.eth.Address()); err != nil {
		return nil, fmt.Errorf("allowance %s: %w", owner.Hex(), err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("allowance %s: unexpected result", owner.Hex())
	}
	allowed, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("allowance %s: unexpected result type %T", owner.Hex(), out[0])
	}
	return allowed, nil
}

func (p *EthPayments) Ping(ctx context.Context) error {
	return p.eth.Ping(ctx)
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, client *ethclient.Client, tx *types.Transaction, interval time.Duration) (*types.Receipt, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

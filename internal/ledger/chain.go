package ledger

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/mattiacalastri/btc-predictions/internal/blockchain"
	"github.com/mattiacalastri/btc-predictions/internal/contract"
	"github.com/mattiacalastri/btc-predictions/internal/fingerprint"
	"github.com/mattiacalastri/btc-predictions/internal/metrics"
	"github.com/mattiacalastri/btc-predictions/pkg/logger"
)

// ChainConfig tunes how the chain backend signs and settles writes.
type ChainConfig struct {
	GasLimit       uint64
	GasPriceGwei   int64
	ReceiptTimeout time.Duration
	ReceiptPoll    time.Duration
}

// Chain is the ledger backend over the deployed audit contract on Polygon
// PoS. Writes go through the signing flow (nonce, gas, sign, broadcast, wait
// for receipt); reads are plain contract calls.
type Chain struct {
	contract *contract.AuditContract
	client   *blockchain.Client
	nonces   *blockchain.NonceManager

	gasLimit       uint64
	gasPrice       *big.Int
	receiptTimeout time.Duration
	receiptPoll    time.Duration
}

// NewChain creates a chain-backed ledger handle.
func NewChain(auditContract *contract.AuditContract, client *blockchain.Client, nonces *blockchain.NonceManager, cfg *ChainConfig) *Chain {
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 80000
	}

	gasPriceGwei := cfg.GasPriceGwei
	if gasPriceGwei == 0 {
		gasPriceGwei = 30
	}

	receiptTimeout := cfg.ReceiptTimeout
	if receiptTimeout == 0 {
		receiptTimeout = 2 * time.Minute
	}

	receiptPoll := cfg.ReceiptPoll
	if receiptPoll == 0 {
		receiptPoll = 2 * time.Second
	}

	return &Chain{
		contract:       auditContract,
		client:         client,
		nonces:         nonces,
		gasLimit:       gasLimit,
		gasPrice:       new(big.Int).Mul(big.NewInt(gasPriceGwei), big.NewInt(1e9)),
		receiptTimeout: receiptTimeout,
		receiptPoll:    receiptPoll,
	}
}

// Commit writes the commit fingerprint for betID on-chain.
func (c *Chain) Commit(ctx context.Context, betID uint64, commitHash fingerprint.Hash) (*WriteReceipt, error) {
	if commitHash.IsZero() {
		return nil, ErrInvalidHash
	}

	data, err := c.contract.PackCommit(new(big.Int).SetUint64(betID), commitHash)
	if err != nil {
		return nil, err
	}

	return c.submit(ctx, data)
}

// Resolve writes the resolve fingerprint and outcome flag for betID on-chain.
func (c *Chain) Resolve(ctx context.Context, betID uint64, resolveHash fingerprint.Hash, won bool) (*WriteReceipt, error) {
	if resolveHash.IsZero() {
		return nil, ErrInvalidHash
	}

	data, err := c.contract.PackResolve(new(big.Int).SetUint64(betID), resolveHash, won)
	if err != nil {
		return nil, err
	}

	return c.submit(ctx, data)
}

// TransferOwnership hands the contract to newOwner.
func (c *Chain) TransferOwnership(ctx context.Context, newOwner common.Address) (*WriteReceipt, error) {
	if newOwner == (common.Address{}) {
		return nil, ErrInvalidOwner
	}

	data, err := c.contract.PackTransferOwnership(newOwner)
	if err != nil {
		return nil, err
	}

	return c.submit(ctx, data)
}

// submit runs the full write flow for packed calldata: simulate to surface
// revert reasons early, then nonce, sign, broadcast, and wait for the receipt.
func (c *Chain) submit(ctx context.Context, data []byte) (*WriteReceipt, error) {
	// Simulation catches precondition reverts (already committed, wrong
	// caller) before gas is spent.
	if err := c.simulate(ctx, data); err != nil {
		return nil, err
	}

	nonce, err := c.nonces.AcquireNonce(ctx)
	if err != nil {
		return nil, err
	}

	tx := types.NewTransaction(
		nonce,
		c.contract.Address(),
		big.NewInt(0),
		c.gasLimit,
		c.gasPrice,
		data,
	)

	signed, err := c.client.SignTransaction(tx)
	if err != nil {
		c.nonces.ReleaseNonce(ctx, nonce)
		return nil, err
	}

	if err := c.client.SendTransaction(ctx, signed); err != nil {
		c.nonces.ReleaseNonce(ctx, nonce)
		metrics.BlockchainTxTotal.WithLabelValues("failed").Inc()
		if isNonceTooLow(err) {
			if syncErr := c.nonces.HandleNonceTooLow(ctx); syncErr != nil {
				logger.Warn("nonce resync failed", zap.Error(syncErr))
			}
		}
		return nil, mapRevert(err)
	}

	metrics.BlockchainNonceGauge.Set(float64(nonce))

	txHash := signed.Hash()
	if err := c.nonces.ConfirmNonce(ctx, nonce, txHash.Hex()); err != nil {
		logger.Warn("failed to record pending nonce", zap.Uint64("nonce", nonce), zap.Error(err))
	}

	receipt, err := c.client.WaitForReceipt(ctx, txHash, c.receiptPoll, c.receiptTimeout)
	if err != nil {
		// Broadcast but never mined within the timeout.
		metrics.BlockchainTxTotal.WithLabelValues("pending").Inc()
		return nil, err
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		c.nonces.OnTxFailed(ctx, nonce, txHash.Hex())
		metrics.BlockchainTxTotal.WithLabelValues("failed").Inc()
		return nil, blockchain.ErrTxFailed
	}
	c.nonces.OnTxConfirmed(ctx, nonce, txHash.Hex())
	metrics.BlockchainTxTotal.WithLabelValues("success").Inc()
	metrics.BlockchainGasUsed.Observe(float64(receipt.GasUsed))

	return &WriteReceipt{
		TxHash:      txHash.Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
		Timestamp:   time.Now().Unix(),
	}, nil
}

// simulate runs the calldata as an eth_call from the signer address.
func (c *Chain) simulate(ctx context.Context, data []byte) error {
	to := c.contract.Address()
	msg := ethereum.CallMsg{
		From: c.client.Address(),
		To:   &to,
		Data: data,
	}
	if _, err := c.client.CallContract(ctx, msg, nil); err != nil {
		return mapRevert(err)
	}
	return nil
}

// GetCommit returns the on-chain commit hash, zero if unknown.
func (c *Chain) GetCommit(ctx context.Context, betID uint64) (fingerprint.Hash, error) {
	raw, err := c.contract.GetCommit(ctx, new(big.Int).SetUint64(betID))
	if err != nil {
		return fingerprint.Hash{}, err
	}
	return fingerprint.Hash(raw), nil
}

// GetResolve returns the on-chain resolve entry, zero-valued if unknown.
func (c *Chain) GetResolve(ctx context.Context, betID uint64) (Resolution, error) {
	entry, err := c.contract.GetResolve(ctx, new(big.Int).SetUint64(betID))
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{
		Hash: fingerprint.Hash(entry.ResolveHash),
		Won:  entry.Won,
	}, nil
}

// IsCommitted reports whether betID has an on-chain commit entry.
func (c *Chain) IsCommitted(ctx context.Context, betID uint64) (bool, error) {
	return c.contract.IsCommitted(ctx, new(big.Int).SetUint64(betID))
}

// IsResolved reports whether betID has an on-chain resolve entry.
func (c *Chain) IsResolved(ctx context.Context, betID uint64) (bool, error) {
	return c.contract.IsResolved(ctx, new(big.Int).SetUint64(betID))
}

// Owner returns the current contract owner.
func (c *Chain) Owner(ctx context.Context) (common.Address, error) {
	return c.contract.Owner(ctx)
}

// mapRevert translates contract revert reasons carried in RPC errors into
// ledger errors. Unrecognized errors pass through unchanged.
func mapRevert(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not the owner") || strings.Contains(msg, "not owner"):
		return ErrUnauthorized
	case strings.Contains(msg, "already committed"):
		return ErrAlreadyCommitted
	case strings.Contains(msg, "already resolved"):
		return ErrAlreadyResolved
	case strings.Contains(msg, "not committed"):
		return ErrNotCommitted
	case strings.Contains(msg, "invalid hash") || strings.Contains(msg, "zero hash"):
		return ErrInvalidHash
	case strings.Contains(msg, "invalid owner") || strings.Contains(msg, "zero address"):
		return ErrInvalidOwner
	}
	return err
}

func isNonceTooLow(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

var _ Ledger = (*Chain)(nil)

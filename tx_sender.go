package taskarmy

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	jarviscommon "github.com/tranvictor/jarvis/common"
)

// feeQuote is the fee data used to build one transaction
type feeQuote struct {
	TxType     uint8
	GasPrice   float64 // gwei, the fee cap for dynamic fee txs
	TipCapGwei float64
	// MaxPerGas is the worst case price per gas unit in wei
	MaxPerGas *big.Int
}

var gwei = big.NewInt(1_000_000_000)

// getWalletLock returns the send lock for a wallet on a chain, creating it if necessary
func (e *Executor) getWalletLock(wallet common.Address, chainID uint64) *sync.Mutex {
	key := fmt.Sprintf("%d:%s", chainID, wallet.Hex())
	lock, _ := e.walletLocks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// quoteFees prefers EIP-1559 fee data (fee cap = 2 * base fee + tip). When the node can't
// provide it the legacy gas price is used, and when that fails too a fixed 1 gwei price.
func (e *Executor) quoteFees(ctx context.Context, client ChainClient) feeQuote {
	tip, tipErr := client.SuggestGasTipCap(ctx)
	header, headerErr := client.HeaderByNumber(ctx, nil)
	if tipErr == nil && headerErr == nil && header != nil && header.BaseFee != nil {
		feeCap := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
		feeCap.Add(feeCap, tip)
		return feeQuote{
			TxType:     types.DynamicFeeTxType,
			GasPrice:   jarviscommon.BigToFloat(feeCap, 9),
			TipCapGwei: jarviscommon.BigToFloat(tip, 9),
			MaxPerGas:  feeCap,
		}
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err == nil && gasPrice != nil {
		return feeQuote{
			TxType:    types.LegacyTxType,
			GasPrice:  jarviscommon.BigToFloat(gasPrice, 9),
			MaxPerGas: gasPrice,
		}
	}

	logger.WithFields(logger.Fields{
		"tip_error":       tipErr,
		"header_error":    headerErr,
		"gas_price_error": err,
	}).Warn("Fee estimation unavailable, falling back to fixed gas price")
	return feeQuote{
		TxType:    types.LegacyTxType,
		GasPrice:  DefaultFallbackGasPrice,
		MaxPerGas: new(big.Int).Mul(big.NewInt(DefaultFallbackGasPrice), gwei),
	}
}

func (e *Executor) chainID(ctx context.Context, conn *Connection) (uint64, error) {
	if conn.Endpoint.ChainID != 0 {
		return conn.Endpoint.ChainID, nil
	}
	id, err := conn.Client.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("couldn't get chain id: %w", err)
	}
	return id.Uint64(), nil
}

// sendAndWait builds, signs and submits one transaction from wallet and waits for its receipt.
// Sends from the same wallet on the same chain are serialised so pending nonces don't collide.
func (e *Executor) sendAndWait(
	ctx context.Context,
	conn *Connection,
	wallet *Wallet,
	to common.Address,
	value *big.Int,
	data []byte,
) (*types.Transaction, *types.Receipt, error) {
	client := conn.Client
	chainID, err := e.chainID(ctx, conn)
	if err != nil {
		return nil, nil, err
	}
	if value == nil {
		value = big.NewInt(0)
	}

	lock := e.getWalletLock(wallet.Address(), chainID)
	lock.Lock()
	defer lock.Unlock()

	nonce, err := client.PendingNonceAt(ctx, wallet.Address())
	if err != nil {
		return nil, nil, fmt.Errorf("couldn't get pending nonce: %w", err)
	}

	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From:  wallet.Address(),
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		if len(data) > 0 {
			return nil, nil, fmt.Errorf("estimate gas failed: %w", e.errDecoder.explain(err))
		}
		gasLimit = NativeTransferGas
	} else {
		gasLimit = uint64(float64(gasLimit) * GasLimitMultiplier)
	}

	fees := e.quoteFees(ctx, client)
	tx := jarviscommon.BuildExactTx(
		fees.TxType,
		nonce,
		to.Hex(),
		value,
		gasLimit,
		fees.GasPrice,
		fees.TipCapGwei,
		data,
		chainID,
	)

	chainIDBig := new(big.Int).SetUint64(chainID)
	signedTx, err := wallet.SignTx(tx, chainIDBig)
	if err != nil {
		return nil, nil, fmt.Errorf("couldn't sign tx: %w", err)
	}
	if signer, err := jarviscommon.GetSignerAddressFromTx(signedTx, chainIDBig); err != nil || signer != wallet.Address() {
		return nil, nil, fmt.Errorf("signed tx sender mismatch for wallet %s", wallet)
	}

	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return signedTx, nil, fmt.Errorf("couldn't broadcast tx: %w", err)
	}

	logger.WithFields(logger.Fields{
		"tx_hash":   signedTx.Hash().Hex(),
		"wallet":    wallet.String(),
		"nonce":     signedTx.Nonce(),
		"gas_limit": gasLimit,
		"gas_price": jarviscommon.BigToFloat(signedTx.GasFeeCap(), 9),
		"tip_cap":   jarviscommon.BigToFloat(signedTx.GasTipCap(), 9),
		"chain_id":  chainID,
	}).Info("Tx broadcasted, waiting for receipt")

	receipt, err := e.waitReceipt(ctx, client, signedTx.Hash())
	if err != nil {
		return signedTx, nil, err
	}
	return signedTx, receipt, nil
}

// waitReceipt polls for the receipt every pollInterval until receiptTimeout elapses.
func (e *Executor) waitReceipt(ctx context.Context, client ChainClient, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.receiptTimeout)
	defer cancel()

	for {
		receipt, err := client.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			logger.WithFields(logger.Fields{
				"tx_hash": hash.Hex(),
				"error":   err,
			}).Debug("Receipt query failed, will poll again")
		}
		if err := e.sleep(waitCtx, e.pollInterval); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
		}
	}
}

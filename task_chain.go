package taskarmy

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

const (
	nativeDecimals      = 18
	swapDeadline        = 20 * time.Minute
	defaultSlippage     = 0.5 // percent
	defaultDeployMethod = "deploy()"
)

// probeTokens keeps the tokens that have contract code on chain
func (e *Executor) probeTokens(ctx context.Context, client ChainClient, tokens []Token) ([]Token, error) {
	tradable := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		code, err := client.CodeAt(ctx, t.Address, nil)
		if err != nil {
			return nil, fmt.Errorf("code probe for %s failed: %w", t.Symbol, err)
		}
		if len(code) == 0 {
			logger.WithFields(logger.Fields{
				"token":   t.Symbol,
				"address": t.Address.Hex(),
			}).Warn("Token has no contract code, ignoring it")
			continue
		}
		tradable = append(tradable, t)
	}
	return tradable, nil
}

func (e *Executor) callToken(ctx context.Context, client ChainClient, token common.Address, method string, args ...any) ([]any, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return erc20ABI.Unpack(method, out)
}

// tokenBalance returns the raw ERC-20 balance of owner
func (e *Executor) tokenBalance(ctx context.Context, client ChainClient, token common.Address, owner common.Address) (*big.Int, error) {
	vals, err := e.callToken(ctx, client, token, "balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("balanceOf failed: %w", err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("balanceOf returned %d values", len(vals))
	}
	return vals[0].(*big.Int), nil
}

func (e *Executor) tokenAllowance(ctx context.Context, client ChainClient, token, owner, spender common.Address) (*big.Int, error) {
	vals, err := e.callToken(ctx, client, token, "allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("allowance failed: %w", err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("allowance returned %d values", len(vals))
	}
	return vals[0].(*big.Int), nil
}

// receiptOutcome maps the receipt status: 1 is success, anything else failed
func receiptOutcome(task Task, tx *types.Transaction, receipt *types.Receipt, details map[string]string) Outcome {
	out := task.outcome(StatusSuccess, "")
	out.TxHash = tx.Hash().Hex()
	for k, v := range details {
		out.Details[k] = v
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		out.Status = StatusFailed
		out.Reason = "transaction reverted"
	}
	if receipt.BlockNumber != nil {
		out.Details["block"] = receipt.BlockNumber.String()
	}
	return out
}

// sendError maps a failed send to an error outcome, keeping the hash when the tx was built
func sendError(task Task, tx *types.Transaction, err error, details map[string]string) Outcome {
	out := task.outcome(StatusError, err.Error())
	if tx != nil {
		out.TxHash = tx.Hash().Hex()
	}
	for k, v := range details {
		out.Details[k] = v
	}
	return out
}

// Swap picks the first eligible token pair, preferring the last successful one, and swaps
// the trial amount through the network's UniswapV2 style router.
func (e *Executor) Swap(ctx context.Context, task Task, conn *Connection) Outcome {
	client := conn.Client
	network := task.Network
	wallet := task.Wallet

	tradable, err := e.probeTokens(ctx, client, network.Tokens)
	if err != nil {
		return task.outcome(StatusError, err.Error())
	}
	if len(tradable) < 2 {
		return task.outcome(StatusFailed, ErrNotEnoughTokens.Error())
	}

	candidates := buildPairs(tradable)
	last, found, err := e.pairs.LastPair(ctx, network.Name)
	if err != nil {
		logger.WithFields(logger.Fields{
			"network": network.Name,
			"error":   err,
		}).Warn("Couldn't load last swap pair, using generation order")
	} else if found {
		candidates = preferPair(candidates, last)
	}

	settings := e.Settings()
	sel, err := selectPair(ctx, candidates,
		func(t Token) decimal.Decimal {
			return trialAmount(settings.Swap, t, e.rand)
		},
		func(ctx context.Context, t Token) (decimal.Decimal, error) {
			raw, err := e.tokenBalance(ctx, client, t.Address, wallet.Address())
			if err != nil {
				return decimal.Zero, err
			}
			return decimal.NewFromBigInt(raw, -t.Decimals), nil
		},
	)
	if errors.Is(err, ErrNoEligiblePair) {
		return task.outcome(StatusFailed, err.Error())
	}
	if err != nil {
		return task.outcome(StatusError, err.Error())
	}

	details := map[string]string{
		"fromToken": sel.Pair.From.Symbol,
		"toToken":   sel.Pair.To.Symbol,
		"direction": sel.Pair.Direction(),
		"amount":    sel.Amount.String(),
	}

	if task.Simulate {
		e.rememberPair(ctx, network.Name, sel.Pair)
		out := task.outcome(StatusSimulated, "")
		out.Details = details
		return out
	}

	tx, receipt, err := e.executeSwap(ctx, task, conn, sel)
	if err != nil {
		return sendError(task, tx, err, details)
	}
	out := receiptOutcome(task, tx, receipt, details)
	if out.Status == StatusSuccess {
		e.rememberPair(ctx, network.Name, sel.Pair)
	}
	return out
}

func (e *Executor) rememberPair(ctx context.Context, network string, pair SwapPair) {
	if err := e.pairs.RememberPair(ctx, network, pair); err != nil {
		logger.WithFields(logger.Fields{
			"network": network,
			"pair":    pair.Direction(),
			"error":   err,
		}).Warn("Couldn't remember swap pair")
	}
}

func (e *Executor) executeSwap(ctx context.Context, task Task, conn *Connection, sel pairSelection) (*types.Transaction, *types.Receipt, error) {
	client := conn.Client
	router := task.Network.Router
	owner := task.Wallet.Address()
	if router == (common.Address{}) {
		return nil, nil, fmt.Errorf("router is not configured for %s", task.Network.Name)
	}

	from, to := sel.Pair.From, sel.Pair.To
	amountIn := sel.Amount.Shift(from.Decimals).BigInt()

	allowance, err := e.tokenAllowance(ctx, client, from.Address, owner, router)
	if err != nil {
		return nil, nil, err
	}
	if allowance.Cmp(amountIn) < 0 {
		approveData, err := erc20ABI.Pack("approve", router, amountIn)
		if err != nil {
			return nil, nil, err
		}
		approveTx, approveReceipt, err := e.sendAndWait(ctx, conn, task.Wallet, from.Address, nil, approveData)
		if err != nil {
			return approveTx, nil, fmt.Errorf("approve failed: %w", err)
		}
		if approveReceipt.Status != types.ReceiptStatusSuccessful {
			return approveTx, approveReceipt, nil
		}
	}

	path := []common.Address{from.Address, to.Address}
	quoteData, err := routerABI.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, nil, err
	}
	raw, err := client.CallContract(ctx, ethereum.CallMsg{To: &router, Data: quoteData}, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("getAmountsOut failed: %w", err)
	}
	vals, err := routerABI.Unpack("getAmountsOut", raw)
	if err != nil {
		return nil, nil, fmt.Errorf("decode getAmountsOut: %w", err)
	}
	amounts, ok := vals[0].([]*big.Int)
	if !ok || len(amounts) < 2 {
		return nil, nil, fmt.Errorf("unexpected getAmountsOut result")
	}

	slippage := from.Slippage
	if slippage <= 0 {
		slippage = defaultSlippage
	}
	amountOutMin := decimal.NewFromBigInt(amounts[len(amounts)-1], 0).
		Mul(decimal.NewFromFloat(100 - slippage)).
		Div(decimal.NewFromInt(100)).
		Truncate(0).
		BigInt()
	deadline := big.NewInt(e.now().Add(swapDeadline).Unix())

	swapData, err := routerABI.Pack("swapExactTokensForTokens", amountIn, amountOutMin, path, owner, deadline)
	if err != nil {
		return nil, nil, err
	}
	return e.sendAndWait(ctx, conn, task.Wallet, router, nil, swapData)
}

// transferAmount draws from [Min, Max] when a range is set, otherwise uses Fixed
// and falls back to the default micro amount.
func (e *Executor) transferAmount(s TransferSettings) decimal.Decimal {
	v := s.Fixed
	if s.Max > s.Min && s.Max > 0 {
		v = uniform(s.Min, s.Max, e.rand)
	}
	if v <= 0 {
		v = DefaultTransferAmount
	}
	return decimal.NewFromFloat(v).Truncate(nativeDecimals)
}

// Transfer sends a small native amount to the configured receiver.
// An insufficient balance asks the prompter whether the run should continue.
func (e *Executor) Transfer(ctx context.Context, task Task, conn *Connection) Outcome {
	client := conn.Client
	settings := e.Settings().Transfer

	receiver := settings.Receiver
	if task.Receiver != nil {
		receiver = task.Receiver
	}
	if receiver == nil || *receiver == (common.Address{}) {
		return task.outcome(StatusFailed, ErrNoReceiver.Error())
	}

	amount := e.transferAmount(settings)
	value := amount.Shift(nativeDecimals).BigInt()
	details := map[string]string{
		"receiver": receiver.Hex(),
		"amount":   amount.String(),
	}

	balance, err := client.BalanceAt(ctx, task.Wallet.Address(), nil)
	if err != nil {
		return sendError(task, nil, fmt.Errorf("balance query failed: %w", err), details)
	}
	fees := e.quoteFees(ctx, client)
	needed := new(big.Int).Mul(fees.MaxPerGas, big.NewInt(NativeTransferGas))
	needed.Add(needed, value)

	if balance.Cmp(needed) < 0 {
		reason := fmt.Sprintf("%s: have %s, need %s native",
			ErrInsufficientBalance,
			decimal.NewFromBigInt(balance, -nativeDecimals).String(),
			decimal.NewFromBigInt(needed, -nativeDecimals).String(),
		)
		out := e.askToContinue(ctx, task, reason)
		for k, v := range details {
			out.Details[k] = v
		}
		return out
	}

	if task.Simulate {
		out := task.outcome(StatusSimulated, "")
		out.Details = details
		return out
	}

	tx, receipt, err := e.sendAndWait(ctx, conn, task.Wallet, *receiver, value, nil)
	if err != nil {
		return sendError(task, tx, err, details)
	}
	return receiptOutcome(task, tx, receipt, details)
}

// askToContinue turns a recoverable failure into skipped or, when the user declines, stopped.
func (e *Executor) askToContinue(ctx context.Context, task Task, reason string) Outcome {
	if e.prompter == nil {
		return task.outcome(StatusSkipped, reason)
	}
	proceed, err := e.prompter.ConfirmContinue(ctx, reason)
	if err != nil {
		return task.outcome(StatusError, fmt.Sprintf("%s (prompt failed: %v)", reason, err))
	}
	if !proceed {
		return task.outcome(StatusStopped, reason)
	}
	return task.outcome(StatusSkipped, reason)
}

// Deploy invokes the fixed no-argument contract method configured for the network.
func (e *Executor) Deploy(ctx context.Context, task Task, conn *Connection) Outcome {
	call := task.Network.Contract
	if call == nil || call.Address == (common.Address{}) {
		return task.outcome(StatusSkipped, ErrNoContract.Error())
	}
	signature := call.Signature
	if signature == "" {
		signature = defaultDeployMethod
	}
	data := crypto.Keccak256([]byte(signature))[:4]
	value := decimal.NewFromFloat(call.Value).Shift(nativeDecimals).BigInt()
	details := map[string]string{
		"contract": call.Address.Hex(),
		"method":   signature,
	}

	if task.Simulate {
		out := task.outcome(StatusSimulated, "")
		out.Details = details
		return out
	}

	tx, receipt, err := e.sendAndWait(ctx, conn, task.Wallet, call.Address, value, data)
	if err != nil {
		return sendError(task, tx, err, details)
	}
	return receiptOutcome(task, tx, receipt, details)
}

// Package dexagg implements the venue adapter for an on-chain DEX
// aggregator. There is no resting order book: a "place order" broadcasts a
// swap transaction along the best route and the fill is the mined receipt.
// Quotes come from the router's read-only getAmountsOut.
package dexagg

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// routerABI is the subset of the aggregator router this venue calls.
const routerABI = `[
  {"name":"getAmountsOut","type":"function","stateMutability":"view",
   "inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],
   "outputs":[{"name":"amounts","type":"uint256[]"}]},
  {"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},
             {"name":"path","type":"address[]"},{"name":"to","type":"address"},
             {"name":"deadline","type":"uint256"}],
   "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

// erc20ABI is the token subset needed for approvals and balances.
const erc20ABI = `[
  {"name":"approve","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"name":"balanceOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

// Router wraps one chain connection plus the aggregator's router contract.
type Router struct {
	client    *ethclient.Client
	chainID   *big.Int
	router    common.Address
	routerABI abi.ABI
	erc20ABI  abi.ABI
}

// DialRouter connects to the chain RPC and binds the router address.
func DialRouter(ctx context.Context, rpcURL, routerAddr string) (*Router, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	rABI, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}
	eABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return &Router{
		client:    client,
		chainID:   chainID,
		router:    common.HexToAddress(routerAddr),
		routerABI: rABI,
		erc20ABI:  eABI,
	}, nil
}

// Close releases the RPC connection.
func (r *Router) Close() { r.client.Close() }

// AmountsOut quotes amountIn along path, returning the final output amount.
func (r *Router) AmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	input, err := r.routerABI.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, fmt.Errorf("pack getAmountsOut: %w", err)
	}
	raw, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.router, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call getAmountsOut: %w", err)
	}
	outputs, err := r.routerABI.Unpack("getAmountsOut", raw)
	if err != nil {
		return nil, fmt.Errorf("unpack getAmountsOut: %w", err)
	}
	amounts, ok := outputs[0].([]*big.Int)
	if !ok || len(amounts) == 0 {
		return nil, fmt.Errorf("unexpected getAmountsOut result")
	}
	return amounts[len(amounts)-1], nil
}

// BalanceOf reads an ERC20 balance.
func (r *Router) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	input, err := r.erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	raw, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	outputs, err := r.erc20ABI.Unpack("balanceOf", raw)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	balance, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result")
	}
	return balance, nil
}

// sendTx signs and broadcasts one contract call.
func (r *Router) sendTx(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, input []byte) (common.Hash, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := r.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}
	gas, err := r.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: input})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}

	tx := ethtypes.NewTransaction(nonce, to, big.NewInt(0), gas, gasPrice, input)
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(r.chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := r.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	return signed.Hash(), nil
}

// Approve lets the router spend amount of token.
func (r *Router) Approve(ctx context.Context, key *ecdsa.PrivateKey, token common.Address, amount *big.Int) (common.Hash, error) {
	input, err := r.erc20ABI.Pack("approve", r.router, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack approve: %w", err)
	}
	return r.sendTx(ctx, key, token, input)
}

// Swap broadcasts swapExactTokensForTokens along path.
func (r *Router) Swap(ctx context.Context, key *ecdsa.PrivateKey, amountIn, amountOutMin *big.Int, path []common.Address, deadline *big.Int) (common.Hash, error) {
	to := crypto.PubkeyToAddress(key.PublicKey)
	input, err := r.routerABI.Pack("swapExactTokensForTokens", amountIn, amountOutMin, path, to, deadline)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack swap: %w", err)
	}
	return r.sendTx(ctx, key, r.router, input)
}

// WaitMined polls for the transaction receipt until mined or ctx expires.
func (r *Router) WaitMined(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	for {
		receipt, err := r.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := sleepCtx(ctx); err != nil {
			return nil, err
		}
	}
}

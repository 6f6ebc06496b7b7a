// Package vault talks to the on-chain value-transfer contract: batched
// withdrawal remittance, fee drains, and deposit event observation.
package vault

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"moonride/internal/domain"
)

const (
	// Gas limits (conservative upper bounds)
	withdrawGasLimit    = uint64(120_000)
	distributeBaseGas   = uint64(100_000)
	distributePerRecGas = uint64(35_000)
	receiptPollInterval = 3 * time.Second
	depositPollInterval = 10 * time.Second
	fallbackGasPriceWei = int64(30_000_000_000) // 30 gwei
)

var vaultABI abi.ABI

func init() {
	var err error
	vaultABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "withdraw",
			"type": "function",
			"inputs": [
				{"name": "amount", "type": "uint256"},
				{"name": "to", "type": "address"}
			],
			"outputs": []
		},
		{
			"name": "distribute",
			"type": "function",
			"inputs": [
				{"name": "recipients", "type": "address[]"},
				{"name": "amounts", "type": "uint256[]"}
			],
			"outputs": []
		},
		{
			"name": "Deposit",
			"type": "event",
			"inputs": [
				{"name": "account", "type": "address", "indexed": true},
				{"name": "amount", "type": "uint256", "indexed": false}
			]
		}
	]`))
	if err != nil {
		panic("vault abi parse: " + err.Error())
	}
}

// Client signs and submits vault transactions from the operator key and
// polls the contract's Deposit events.
type Client struct {
	client     *ethclient.Client
	privateKey []byte
	operator   common.Address
	vault      common.Address
	fees       common.Address
	chainID    *big.Int

	receiptTimeout time.Duration
}

// NewClient dials the RPC endpoint and prepares the operator signer.
// privateKeyHex may carry a 0x prefix.
func NewClient(rpcURL, vaultAddress, feesAddress, privateKeyHex string, chainID int64, receiptTimeout time.Duration) (*Client, error) {
	pkBytes, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("vault: decode private key: %w", err)
	}

	privKey, err := crypto.ToECDSA(pkBytes)
	if err != nil {
		return nil, fmt.Errorf("vault: invalid private key: %w", err)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("vault: dial rpc %s: %w", rpcURL, err)
	}

	return &Client{
		client:         client,
		privateKey:     pkBytes,
		operator:       crypto.PubkeyToAddress(privKey.PublicKey),
		vault:          common.HexToAddress(vaultAddress),
		fees:           common.HexToAddress(feesAddress),
		chainID:        big.NewInt(chainID),
		receiptTimeout: receiptTimeout,
	}, nil
}

// Operator returns the signer address.
func (c *Client) Operator() common.Address { return c.operator }

// Withdraw drains accrued commission from the vault to the fee address.
// Blocks until the receipt confirms; the caller only clears the fee
// bucket after this returns nil.
func (c *Client) Withdraw(ctx context.Context, amount decimal.Decimal) (string, error) {
	callData, err := vaultABI.Pack("withdraw", toWei(amount), c.fees)
	if err != nil {
		return "", &domain.ChainError{Op: "withdraw", Err: err, Retriable: false}
	}

	txHash, err := c.submit(ctx, callData, withdrawGasLimit)
	if err != nil {
		return "", domain.NewChainError("withdraw", txHash, err)
	}

	if err := c.awaitReceipt(ctx, txHash); err != nil {
		return txHash, err
	}
	return txHash, nil
}

// Distribute remits one withdrawal batch in a single transaction. The
// returned hash is set whenever a transaction was actually submitted,
// even when the receipt wait fails afterward.
func (c *Client) Distribute(ctx context.Context, recipients []string, amounts []decimal.Decimal) (string, error) {
	if len(recipients) != len(amounts) {
		return "", &domain.ChainError{
			Op:        "distribute",
			Err:       fmt.Errorf("recipients/amounts length mismatch: %d vs %d", len(recipients), len(amounts)),
			Retriable: false,
		}
	}

	addrs := make([]common.Address, len(recipients))
	for i, r := range recipients {
		addrs[i] = common.HexToAddress(r)
	}
	wei := make([]*big.Int, len(amounts))
	for i, a := range amounts {
		wei[i] = toWei(a)
	}

	callData, err := vaultABI.Pack("distribute", addrs, wei)
	if err != nil {
		return "", &domain.ChainError{Op: "distribute", Err: err, Retriable: false}
	}

	gasLimit := distributeBaseGas + distributePerRecGas*uint64(len(recipients))
	txHash, err := c.submit(ctx, callData, gasLimit)
	if err != nil {
		return "", domain.NewChainError("distribute", txHash, err)
	}

	if err := c.awaitReceipt(ctx, txHash); err != nil {
		return txHash, err
	}
	return txHash, nil
}

// submit signs and sends a vault transaction, returning its hash.
func (c *Client) submit(ctx context.Context, callData []byte, gasLimit uint64) (string, error) {
	privKey, err := crypto.ToECDSA(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("private key: %w", err)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.operator)
	if err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		gasPrice = big.NewInt(fallbackGasPriceWei)
	}

	// Estimate actual gas, keep the static limit as fallback
	estimate, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     c.operator,
		To:       &c.vault,
		GasPrice: gasPrice,
		Data:     callData,
	})
	if err != nil {
		estimate = gasLimit
		slog.Warn("Vault gas estimate failed, using default",
			slog.Any("error", err),
			slog.Uint64("limit", gasLimit))
	}
	// Add 20% buffer
	estimate = estimate * 12 / 10

	tx := types.NewTransaction(nonce, c.vault, big.NewInt(0), estimate, gasPrice, callData)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), privKey)
	if err != nil {
		return "", fmt.Errorf("sign tx: %w", err)
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("send tx: %w", err)
	}

	return signedTx.Hash().Hex(), nil
}

// awaitReceipt polls until the transaction confirms. A missing receipt
// inside the window is retriable; a reverted one is not.
func (c *Client) awaitReceipt(ctx context.Context, txHash string) error {
	receiptCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-receiptCtx.Done():
			return domain.NewChainError("receipt", txHash, receiptCtx.Err())
		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(receiptCtx, hash)
			if err != nil {
				continue // not yet mined
			}
			if receipt.Status != types.ReceiptStatusSuccessful {
				return &domain.ChainError{
					Op:        "receipt",
					TxHash:    txHash,
					Err:       domain.ErrReceiptReverted,
					Retriable: false,
				}
			}
			return nil
		}
	}
}

// WatchDeposits polls the vault's Deposit logs and delivers each event
// once per observation. Dedup across restarts lives with the consumer,
// keyed on transaction hash.
func (c *Client) WatchDeposits(ctx context.Context, out chan<- domain.Deposit) {
	depositTopic := vaultABI.Events["Deposit"].ID

	var fromBlock *big.Int
	if head, err := c.client.BlockNumber(ctx); err == nil {
		fromBlock = new(big.Int).SetUint64(head)
	}

	ticker := time.NewTicker(depositPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Vault deposit watcher stopped")
			return
		case <-ticker.C:
		}

		head, err := c.client.BlockNumber(ctx)
		if err != nil {
			slog.Warn("Vault head fetch failed", slog.Any("error", err))
			continue
		}
		headBig := new(big.Int).SetUint64(head)
		if fromBlock == nil {
			fromBlock = headBig
			continue
		}
		if fromBlock.Cmp(headBig) > 0 {
			continue
		}

		logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: fromBlock,
			ToBlock:   headBig,
			Addresses: []common.Address{c.vault},
			Topics:    [][]common.Hash{{depositTopic}},
		})
		if err != nil {
			slog.Warn("Vault log fetch failed", slog.Any("error", err))
			continue
		}

		for _, lg := range logs {
			dep, err := c.parseDeposit(lg)
			if err != nil {
				slog.Warn("Vault deposit parse failed",
					slog.String("tx", lg.TxHash.Hex()),
					slog.Any("error", err))
				continue
			}
			select {
			case out <- dep:
			case <-ctx.Done():
				return
			}
		}

		fromBlock = new(big.Int).Add(headBig, big.NewInt(1))
	}
}

func (c *Client) parseDeposit(lg types.Log) (domain.Deposit, error) {
	if len(lg.Topics) < 2 {
		return domain.Deposit{}, fmt.Errorf("missing indexed account topic")
	}

	vals, err := vaultABI.Unpack("Deposit", lg.Data)
	if err != nil || len(vals) == 0 {
		return domain.Deposit{}, fmt.Errorf("unpack: %w", err)
	}
	amountWei, ok := vals[0].(*big.Int)
	if !ok {
		return domain.Deposit{}, fmt.Errorf("unexpected amount type %T", vals[0])
	}

	return domain.Deposit{
		Account: common.HexToAddress(lg.Topics[1].Hex()).Hex(),
		Amount:  FromWei(amountWei),
		TxHash:  lg.TxHash.Hex(),
	}, nil
}

var weiPerToken = decimal.New(1, 18)

// toWei converts a token-unit amount to its wei representation, flooring
// anything below one wei.
func toWei(amount decimal.Decimal) *big.Int {
	return amount.Mul(weiPerToken).Floor().BigInt()
}

// FromWei converts a wei amount to token units.
func FromWei(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, 0).Div(weiPerToken)
}

// Package evm adapts an EVM-hosted task rewards contract to the
// taskpay.Ledger interface. All receipt and return-data parsing stays
// behind this boundary; callers only see typed confirmations.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/taskpay-protocol/taskpay"
)

// taskRewardsABI is the fixed operation set of the task rewards contract:
// authorize, distribute, the verification reads and the work-proof log.
const taskRewardsABI = `[
  {"name":"authorizeReward","type":"function","stateMutability":"nonpayable","inputs":[{"name":"valueHash","type":"bytes32"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"name":"distributeReward","type":"function","stateMutability":"nonpayable","inputs":[{"name":"valueHash","type":"bytes32"},{"name":"recipient","type":"address"}],"outputs":[]},
  {"name":"authorizedAmount","type":"function","stateMutability":"view","inputs":[{"name":"valueHash","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"valueHashUsed","type":"function","stateMutability":"view","inputs":[{"name":"valueHash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"rewardAuthority","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"name":"submitWorkProof","type":"function","stateMutability":"nonpayable","inputs":[{"name":"taskId","type":"string"},{"name":"toolName","type":"string"},{"name":"inputSize","type":"uint256"},{"name":"outputSize","type":"uint256"},{"name":"executionTime","type":"uint256"},{"name":"timestamp","type":"uint256"},{"name":"proofHash","type":"bytes32"}],"outputs":[]},
  {"name":"userWorkload","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"totalTasks","type":"uint256"},{"name":"totalTokens","type":"uint256"},{"name":"lastActivity","type":"uint256"}]}
]`

const (
	defaultGasLimit        = uint64(300_000)
	defaultReceiptInterval = time.Second
)

// ContractBackend is the subset of ethclient.Client the adapter needs.
type ContractBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client implements taskpay.Ledger against a task rewards contract.
type Client struct {
	backend  ContractBackend
	contract common.Address
	key      *ecdsa.PrivateKey
	address  common.Address
	abi      abi.ABI

	gasLimit        uint64
	receiptInterval time.Duration

	chainIDOnce sync.Once
	chainID     *big.Int
	chainIDErr  error
}

// Option configures the client.
type Option func(*Client)

// WithGasLimit overrides the gas limit used for mutating calls.
func WithGasLimit(limit uint64) Option {
	return func(c *Client) {
		c.gasLimit = limit
	}
}

// WithReceiptInterval sets the poll interval while waiting for a receipt.
func WithReceiptInterval(d time.Duration) Option {
	return func(c *Client) {
		c.receiptInterval = d
	}
}

// NewClient creates a ledger client over an existing backend.
//
// privateKeyHex is the reward authority's hex-encoded ECDSA key, with or
// without the "0x" prefix.
func NewClient(backend ContractBackend, contractAddress, privateKeyHex string, opts ...Option) (*Client, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", contractAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(taskRewardsABI))
	if err != nil {
		return nil, fmt.Errorf("parsing contract ABI: %w", err)
	}

	c := &Client{
		backend:         backend,
		contract:        common.HexToAddress(contractAddress),
		key:             key,
		address:         crypto.PubkeyToAddress(key.PublicKey),
		abi:             parsed,
		gasLimit:        defaultGasLimit,
		receiptInterval: defaultReceiptInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dial connects to an RPC endpoint and creates a ledger client.
func Dial(ctx context.Context, rpcURL, contractAddress, privateKeyHex string, opts ...Option) (*Client, error) {
	backend, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing ledger rpc: %w", err)
	}
	return NewClient(backend, contractAddress, privateKeyHex, opts...)
}

// Address returns the signer address used for mutating calls.
func (c *Client) Address() string {
	return c.address.Hex()
}

// IsValueHashUsed implements taskpay.Ledger.
func (c *Client) IsValueHashUsed(ctx context.Context, valueHash string) (bool, error) {
	out, err := c.call(ctx, "valueHashUsed", common.HexToHash(valueHash))
	if err != nil {
		return false, err
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected valueHashUsed result type %T", out[0])
	}
	return used, nil
}

// RewardAuthority implements taskpay.Ledger.
func (c *Client) RewardAuthority(ctx context.Context) (string, error) {
	out, err := c.call(ctx, "rewardAuthority")
	if err != nil {
		return "", err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("unexpected rewardAuthority result type %T", out[0])
	}
	return addr.Hex(), nil
}

// AuthorizeAmount implements taskpay.Ledger.
func (c *Client) AuthorizeAmount(ctx context.Context, valueHash string, amount *big.Int) (string, error) {
	return c.transact(ctx, "authorizeReward", common.HexToHash(valueHash), amount)
}

// GetAuthorizedAmount implements taskpay.Ledger.
func (c *Client) GetAuthorizedAmount(ctx context.Context, valueHash string) (*big.Int, error) {
	out, err := c.call(ctx, "authorizedAmount", common.HexToHash(valueHash))
	if err != nil {
		return nil, err
	}
	amount, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected authorizedAmount result type %T", out[0])
	}
	return amount, nil
}

// DistributeTokens implements taskpay.Ledger.
func (c *Client) DistributeTokens(ctx context.Context, valueHash, recipient string) (string, error) {
	if !common.IsHexAddress(recipient) {
		return "", fmt.Errorf("invalid recipient address %q", recipient)
	}
	return c.transact(ctx, "distributeReward", common.HexToHash(valueHash), common.HexToAddress(recipient))
}

// BalanceOf implements taskpay.Ledger.
func (c *Client) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	out, err := c.call(ctx, "balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", out[0])
	}
	return balance, nil
}

// WaitForConfirmation implements taskpay.Ledger. It polls for the receipt
// until the transaction is mined or ctx is cancelled.
func (c *Client) WaitForConfirmation(ctx context.Context, txRef string) (*taskpay.TxConfirmation, error) {
	hash := common.HexToHash(txRef)
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			conf := &taskpay.TxConfirmation{
				TxRef:   txRef,
				Status:  receipt.Status,
				GasUsed: receipt.GasUsed,
			}
			if receipt.BlockNumber != nil {
				conf.BlockNumber = receipt.BlockNumber.Uint64()
			}
			return conf, nil
		}
		if err != ethereum.NotFound {
			return nil, fmt.Errorf("fetching receipt %s: %w", txRef, err)
		}

		timer := time.NewTimer(c.receiptInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// SubmitWorkProof implements taskpay.Ledger.
func (c *Client) SubmitWorkProof(ctx context.Context, proof taskpay.WorkProof, proofHash string) (string, error) {
	return c.transact(ctx, "submitWorkProof",
		proof.TaskID,
		proof.ToolName,
		big.NewInt(proof.InputSize),
		big.NewInt(proof.OutputSize),
		big.NewInt(proof.ExecutionTimeMs),
		big.NewInt(proof.Timestamp),
		common.HexToHash(proofHash),
	)
}

// GetUserWorkload implements taskpay.Ledger.
func (c *Client) GetUserWorkload(ctx context.Context, address string) (*taskpay.UserWorkload, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	out, err := c.call(ctx, "userWorkload", common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	if len(out) != 3 {
		return nil, fmt.Errorf("unexpected userWorkload result length %d", len(out))
	}
	totalTasks, ok1 := out[0].(*big.Int)
	totalTokens, ok2 := out[1].(*big.Int)
	lastActivity, ok3 := out[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("unexpected userWorkload result types")
	}
	return &taskpay.UserWorkload{
		TotalTasks:        totalTasks.Uint64(),
		TotalTokensEarned: taskpay.FromBaseUnits(totalTokens),
		LastActivity:      int64(lastActivity.Uint64()),
	}, nil
}

// call executes a read-only contract method and unpacks the result.
func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", method, err)
	}
	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	out, err := c.abi.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("unpacking %s: %w", method, err)
	}
	return out, nil
}

// transact signs and submits a mutating contract call, returning the
// transaction hash as the reference.
func (c *Client) transact(ctx context.Context, method string, args ...interface{}) (string, error) {
	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return "", err
	}
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("packing %s: %w", method, err)
	}
	nonce, err := c.backend.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", fmt.Errorf("fetching nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), c.gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("signing %s: %w", method, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("sending %s: %w", method, err)
	}
	return signed.Hash().Hex(), nil
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.chainIDOnce.Do(func() {
		c.chainID, c.chainIDErr = c.backend.ChainID(ctx)
	})
	if c.chainIDErr != nil {
		return nil, fmt.Errorf("resolving chain id: %w", c.chainIDErr)
	}
	return c.chainID, nil
}

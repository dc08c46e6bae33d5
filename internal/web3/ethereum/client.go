package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"NexusAgent/internal/web3"
)

// Backend is the subset of the go-ethereum client API the custody core
// needs. Both *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name           string
	RPCURL         string
	Notes          string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name           string
	notes          string
	backend        Backend
	closer         func()
	confirmTimeout time.Duration
	pollInterval   time.Duration

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	client := NewBackendClient(cfg, eth)
	client.closer = eth.Close
	return client, nil
}

// NewBackendClient wraps an existing backend, typically a simulated chain in
// tests.
func NewBackendClient(cfg Config, backend Backend) *Client {
	c := &Client{
		name:           cfg.Name,
		notes:          cfg.Notes,
		backend:        backend,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
	}
	if c.confirmTimeout <= 0 {
		c.confirmTimeout = 2 * time.Minute
	}
	if c.pollInterval <= 0 {
		c.pollInterval = time.Second
	}
	return c
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

// Snapshot reports the chain id and head block.
func (c *Client) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", head),
		Notes:       c.notes,
	}, nil
}

// ChainID returns the cached chain id, fetching it on first use.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// Balance returns the balance of account in ether.
func (c *Client) Balance(ctx context.Context, account string) (float64, error) {
	if !common.IsHexAddress(account) {
		return 0, fmt.Errorf("无效的地址: %s", account)
	}
	wei, err := c.backend.BalanceAt(ctx, common.HexToAddress(account), nil)
	if err != nil {
		return 0, fmt.Errorf("查询余额失败: %w", err)
	}
	return FromWei(wei), nil
}

// Broadcast decodes the signed payload and submits it to the node.
func (c *Client) Broadcast(ctx context.Context, payload web3.SignedPayload) (string, error) {
	if len(payload.Raw) == 0 {
		return "", errors.New("签名交易为空")
	}
	var tx coretypes.Transaction
	if err := tx.UnmarshalBinary(payload.Raw); err != nil {
		return "", fmt.Errorf("解析签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, &tx); err != nil {
		return "", fmt.Errorf("发送交易失败: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// Confirm polls for the receipt of pendingRef until it is mined, the
// confirmation timeout elapses or ctx is cancelled. A reverted transaction
// is reported as an error.
func (c *Client) Confirm(ctx context.Context, pendingRef string) (string, error) {
	hash := common.HexToHash(pendingRef)
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != coretypes.ReceiptStatusSuccessful {
				return "", fmt.Errorf("交易 %s 执行失败 (区块 %s)", pendingRef, receipt.BlockNumber)
			}
			return hash.Hex(), nil
		case !errors.Is(err, gethcore.NotFound):
			return "", fmt.Errorf("查询交易回执失败: %w", err)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("等待交易 %s 确认超时: %w", pendingRef, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Account binds a hex encoded private key to this client.
func (c *Client) Account(privateKeyHex string) (web3.Ledger, error) {
	account, err := NewAccount(c, privateKeyHex)
	if err != nil {
		return nil, err
	}
	return account, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)

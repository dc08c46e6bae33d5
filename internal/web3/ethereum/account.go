package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"NexusAgent/internal/web3"
)

const transferGas = 21_000

// Account signs EIP-1559 transfers for a single key and broadcasts them
// through its Client.
type Account struct {
	client  *Client
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewAccount parses privateKeyHex, with or without 0x prefix.
func NewAccount(client *Client, privateKeyHex string) (*Account, error) {
	if client == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	return NewKeyedAccount(client, key), nil
}

// NewKeyedAccount wraps an already parsed key.
func NewKeyedAccount(client *Client, key *ecdsa.PrivateKey) *Account {
	return &Account{client: client, key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address returns the checksummed account address.
func (a *Account) Address() string {
	return a.address.Hex()
}

// Sign builds and signs a dynamic fee transaction for intent. The nonce is
// read from the pending state, so callers serialise Sign and Broadcast per
// account.
func (a *Account) Sign(ctx context.Context, intent web3.TransferIntent) (web3.SignedPayload, error) {
	if intent.From != "" && !strings.EqualFold(intent.From, a.address.Hex()) {
		return web3.SignedPayload{}, fmt.Errorf("转出地址 %s 与签名账户 %s 不一致", intent.From, a.address.Hex())
	}
	if !common.IsHexAddress(intent.To) {
		return web3.SignedPayload{}, fmt.Errorf("无效的收款地址: %s", intent.To)
	}
	value, err := ToWei(intent.Amount)
	if err != nil {
		return web3.SignedPayload{}, err
	}

	backend := a.client.backend
	to := common.HexToAddress(intent.To)

	chainID, err := a.client.ChainID(ctx)
	if err != nil {
		return web3.SignedPayload{}, err
	}
	nonce, err := backend.PendingNonceAt(ctx, a.address)
	if err != nil {
		return web3.SignedPayload{}, fmt.Errorf("查询交易计数失败: %w", err)
	}
	tip, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return web3.SignedPayload{}, fmt.Errorf("获取小费建议失败: %w", err)
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.SignedPayload{}, fmt.Errorf("获取最新区块头失败: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))

	gas := uint64(transferGas)
	if len(intent.Data) > 0 {
		gas, err = backend.EstimateGas(ctx, gethcore.CallMsg{From: a.address, To: &to, Value: value, Data: intent.Data})
		if err != nil {
			return web3.SignedPayload{}, fmt.Errorf("估算 gas 失败: %w", err)
		}
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      intent.Data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), a.key)
	if err != nil {
		return web3.SignedPayload{}, fmt.Errorf("签名交易失败: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return web3.SignedPayload{}, fmt.Errorf("序列化交易失败: %w", err)
	}
	return web3.SignedPayload{Raw: raw, Hash: signed.Hash().Hex(), From: a.address.Hex()}, nil
}

// Broadcast implements web3.Broadcaster.
func (a *Account) Broadcast(ctx context.Context, payload web3.SignedPayload) (string, error) {
	return a.client.Broadcast(ctx, payload)
}

// Confirm implements web3.Broadcaster.
func (a *Account) Confirm(ctx context.Context, pendingRef string) (string, error) {
	return a.client.Confirm(ctx, pendingRef)
}

var _ web3.Ledger = (*Account)(nil)

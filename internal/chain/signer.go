package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"gridswap/internal/config"
)

// Signer 抽象交易签名能力，core 之外的钱包管理实现该接口。
type Signer interface {
	Address(walletID string) (common.Address, error)
	SignTx(walletID string, tx *types.Transaction) (*types.Transaction, error)
}

// KeyringSigner 在内存中持有已解密的私钥，按钱包 id 签名。
type KeyringSigner struct {
	chainID *big.Int
	keys    map[string]*ecdsa.PrivateKey
	addrs   map[string]common.Address
}

var _ Signer = (*KeyringSigner)(nil)

// NewKeyringSigner 从配置加载各钱包私钥。
func NewKeyringSigner(chainID int64, wallets []config.WalletConfig) (*KeyringSigner, error) {
	s := &KeyringSigner{
		chainID: big.NewInt(chainID),
		keys:    make(map[string]*ecdsa.PrivateKey, len(wallets)),
		addrs:   make(map[string]common.Address, len(wallets)),
	}

	for _, w := range wallets {
		raw := strings.TrimPrefix(strings.TrimSpace(w.PrivateKey), "0x")
		if raw == "" {
			return nil, fmt.Errorf("钱包 %q: %w", w.ID, ErrKeyUnavailable)
		}
		key, err := crypto.HexToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("钱包 %q 私钥解析失败: %w", w.ID, ErrKeyUnavailable)
		}
		s.keys[w.ID] = key
		s.addrs[w.ID] = crypto.PubkeyToAddress(key.PublicKey)
	}

	return s, nil
}

// NewEphemeralSigner 为每个钱包 id 生成一次性私钥，用于模拟模式，
// 配置中无需提供真实私钥。
func NewEphemeralSigner(chainID int64, walletIDs []string) (*KeyringSigner, error) {
	s := &KeyringSigner{
		chainID: big.NewInt(chainID),
		keys:    make(map[string]*ecdsa.PrivateKey, len(walletIDs)),
		addrs:   make(map[string]common.Address, len(walletIDs)),
	}

	for _, id := range walletIDs {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("钱包 %q 生成临时私钥失败: %w", id, err)
		}
		s.keys[id] = key
		s.addrs[id] = crypto.PubkeyToAddress(key.PublicKey)
	}

	return s, nil
}

// Address 返回钱包对应的链上地址。
func (s *KeyringSigner) Address(walletID string) (common.Address, error) {
	addr, ok := s.addrs[walletID]
	if !ok {
		return common.Address{}, fmt.Errorf("钱包 %q: %w", walletID, ErrUnknownWallet)
	}
	return addr, nil
}

// SignTx 使用钱包私钥对交易签名。
func (s *KeyringSigner) SignTx(walletID string, tx *types.Transaction) (*types.Transaction, error) {
	key, ok := s.keys[walletID]
	if !ok {
		return nil, fmt.Errorf("钱包 %q: %w", walletID, ErrKeyUnavailable)
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), key)
	if err != nil {
		return nil, fmt.Errorf("交易签名失败: %w", err)
	}
	return signed, nil
}

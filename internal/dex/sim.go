package dex

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// SimBackend 以常数乘积做市公式在内存中模拟 AMM，兼作 PathPricer 与 Backend，
// 用于模拟模式与测试。每次广播立即"挖出"一个新区块。
type SimBackend struct {
	mu       sync.Mutex
	pools    map[string]*simPool
	head     uint64
	receipts map[common.Hash]*coretypes.Receipt
	nonces   map[common.Address]uint64
	native   map[common.Address]*big.Int
	tokens   map[string]*big.Int
	feeBps   int64
	gasPrice *big.Int
	gasLimit uint64
}

type simPool struct {
	token0   common.Address
	token1   common.Address
	reserve0 *big.Int
	reserve1 *big.Int
}

// NewSimBackend 创建空的模拟后端。
func NewSimBackend() *SimBackend {
	return &SimBackend{
		pools:    make(map[string]*simPool),
		receipts: make(map[common.Hash]*coretypes.Receipt),
		nonces:   make(map[common.Address]uint64),
		native:   make(map[common.Address]*big.Int),
		tokens:   make(map[string]*big.Int),
		head:     1,
		feeBps:   30,
		gasPrice: big.NewInt(1_000_000_000),
		gasLimit: 180_000,
	}
}

// AddPool 注册一个交易对及其初始储备。
func (s *SimBackend) AddPool(token0, token1 common.Address, reserve0, reserve1 *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[poolKey(token0, token1)] = &simPool{
		token0:   token0,
		token1:   token1,
		reserve0: new(big.Int).Set(reserve0),
		reserve1: new(big.Int).Set(reserve1),
	}
}

var _ PathPricer = (*SimBackend)(nil)
var _ Backend = (*SimBackend)(nil)

// AmountsOut 沿路径逐跳计算常数乘积产出。
func (s *SimBackend) AmountsOut(_ context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	amounts := make([]*big.Int, 0, len(path))
	amounts = append(amounts, new(big.Int).Set(amountIn))
	current := amountIn
	for i := 0; i+1 < len(path); i++ {
		pool, ok := s.pools[poolKey(path[i], path[i+1])]
		if !ok {
			return nil, fmt.Errorf("dex: 模拟池不存在 %s/%s", path[i].Hex(), path[i+1].Hex())
		}
		out := pool.amountOut(current, path[i], s.feeBps)
		if out.Sign() <= 0 {
			return nil, fmt.Errorf("dex: 模拟池储备不足 %s/%s", path[i].Hex(), path[i+1].Hex())
		}
		amounts = append(amounts, out)
		current = out
	}
	return amounts, nil
}

// SuggestGasPrice 返回固定的模拟 gas 价格。
func (s *SimBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.gasPrice), nil
}

// EstimateGas 返回固定的模拟 gas 用量。
func (s *SimBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return s.gasLimit, nil
}

// SendTransaction 接收交易并立刻挖出新区块生成回执。
func (s *SimBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		s.nonces[sender] = tx.Nonce() + 1
	}

	s.head++
	s.receipts[tx.Hash()] = &coretypes.Receipt{
		Status:      coretypes.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(s.head),
		GasUsed:     s.gasLimit,
	}
	return nil
}

// FundNative 设置钱包的原生币余额。
func (s *SimBackend) FundNative(owner common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.native[owner] = new(big.Int).Set(amount)
}

// FundToken 设置钱包的代币余额。
func (s *SimBackend) FundToken(token, owner common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[balanceKey(token, owner)] = new(big.Int).Set(amount)
}

// PendingNonceAt 返回钱包的下一个 nonce。
func (s *SimBackend) PendingNonceAt(_ context.Context, wallet common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[wallet], nil
}

// BalanceAt 返回钱包的原生币余额，未注资的钱包为零。
func (s *SimBackend) BalanceAt(_ context.Context, wallet common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bal, ok := s.native[wallet]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

// TokenBalance 返回钱包的代币余额，未注资的钱包为零。
func (s *SimBackend) TokenBalance(_ context.Context, token, owner common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bal, ok := s.tokens[balanceKey(token, owner)]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

// TransactionReceipt 返回已记录的回执。
func (s *SimBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	receipt, ok := s.receipts[hash]
	if !ok {
		return nil, gethcore.NotFound
	}
	return receipt, nil
}

// BlockNumber 返回模拟链头高度。
func (s *SimBackend) BlockNumber(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, nil
}

// AdvanceBlocks 人为推进区块高度，便于满足确认数要求。
func (s *SimBackend) AdvanceBlocks(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head += n
}

func (p *simPool) amountOut(amountIn *big.Int, tokenIn common.Address, feeBps int64) *big.Int {
	reserveIn, reserveOut := p.reserve0, p.reserve1
	if tokenIn == p.token1 {
		reserveIn, reserveOut = p.reserve1, p.reserve0
	}

	// out = reserveOut * inWithFee / (reserveIn + inWithFee)
	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(10000-feeBps))
	inWithFee.Div(inWithFee, big.NewInt(10000))

	numerator := new(big.Int).Mul(reserveOut, inWithFee)
	denominator := new(big.Int).Add(reserveIn, inWithFee)
	if denominator.Sign() == 0 {
		return big.NewInt(0)
	}
	return numerator.Div(numerator, denominator)
}

func balanceKey(token, owner common.Address) string {
	return token.Hex() + "|" + owner.Hex()
}

func poolKey(a, b common.Address) string {
	if a.Hex() > b.Hex() {
		a, b = b, a
	}
	return a.Hex() + "/" + b.Hex()
}

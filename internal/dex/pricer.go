package dex

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// contractCaller 为只读合约调用的最小依赖。
type contractCaller interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg) ([]byte, error)
}

// OnChainPricer 通过路由合约的 getAmountsOut 做链上路径询价。
type OnChainPricer struct {
	caller contractCaller
	router common.Address
	abi    abi.ABI
}

var _ PathPricer = (*OnChainPricer)(nil)

// NewOnChainPricer 创建链上询价器。
func NewOnChainPricer(caller contractCaller, router common.Address) (*OnChainPricer, error) {
	if caller == nil {
		return nil, errors.New("dex: caller 不能为空")
	}
	parsed, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		return nil, fmt.Errorf("dex: 解析路由 ABI 失败: %w", err)
	}
	return &OnChainPricer{
		caller: caller,
		router: router,
		abi:    parsed,
	}, nil
}

// AmountsOut 返回路径上每一跳的产出数量。
func (p *OnChainPricer) AmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	input, err := p.abi.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, fmt.Errorf("dex: 编码 getAmountsOut 失败: %w", err)
	}

	output, err := p.caller.CallContract(ctx, gethcore.CallMsg{To: &p.router, Data: input})
	if err != nil {
		return nil, err
	}

	values, err := p.abi.Unpack("getAmountsOut", output)
	if err != nil {
		return nil, fmt.Errorf("dex: 解码 getAmountsOut 返回失败: %w", err)
	}
	amounts, ok := values[0].([]*big.Int)
	if !ok {
		return nil, errors.New("dex: getAmountsOut 返回类型异常")
	}
	return amounts, nil
}

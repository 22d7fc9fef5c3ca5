// Package eip1559 suggests fee caps for new user operations.
package eip1559

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// FeeSource is the part of an ethclient.Client fee suggestion needs.
type FeeSource interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Policy bounds the suggestion from below.
type Policy struct {
	// TipBufferPercent is added on top of the suggested tip
	TipBufferPercent int64
	MinTip           *big.Int
	MinMaxFee        *big.Int
}

var DefaultPolicy = Policy{
	TipBufferPercent: 13,
	MinTip:           big.NewInt(2_000_000_000),  // 2 gwei
	MinMaxFee:        big.NewInt(20_000_000_000), // 20 gwei
}

// SuggestFee returns (maxFeePerGas, maxPriorityFeePerGas) with DefaultPolicy.
func SuggestFee(ctx context.Context, client FeeSource) (*big.Int, *big.Int, error) {
	return DefaultPolicy.SuggestFee(ctx, client)
}

func (p Policy) SuggestFee(ctx context.Context, client FeeSource) (*big.Int, *big.Int, error) {
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}

	buffer := new(big.Int).Div(tipCap, big.NewInt(100))
	buffer.Mul(buffer, big.NewInt(p.TipBufferPercent))
	maxPriorityFeePerGas := new(big.Int).Add(tipCap, buffer)
	if p.MinTip != nil && maxPriorityFeePerGas.Cmp(p.MinTip) < 0 {
		maxPriorityFeePerGas = new(big.Int).Set(p.MinTip)
	}

	if header.BaseFee == nil {
		// legacy chain: equal caps mean a fixed gas price
		return new(big.Int).Set(maxPriorityFeePerGas), maxPriorityFeePerGas, nil
	}

	// 2x base fee leaves room for the base fee to double before inclusion
	maxFeePerGas := new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), maxPriorityFeePerGas)
	if p.MinMaxFee != nil && maxFeePerGas.Cmp(p.MinMaxFee) < 0 {
		maxFeePerGas = new(big.Int).Set(p.MinMaxFee)
	}
	return maxFeePerGas, maxPriorityFeePerGas, nil
}

// StaticFeeSource answers with fixed values. A nil BaseFee is a legacy chain.
type StaticFeeSource struct {
	BaseFee *big.Int
	Tip     *big.Int
}

func (s StaticFeeSource) SuggestGasTipCap(context.Context) (*big.Int, error) {
	if s.Tip == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(s.Tip), nil
}

func (s StaticFeeSource) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	header := &types.Header{}
	if s.BaseFee != nil {
		header.BaseFee = new(big.Int).Set(s.BaseFee)
	}
	return header, nil
}

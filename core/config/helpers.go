package config

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

func convertToAddressSlice(addresses []string) []common.Address {
	return lo.Map(addresses, func(addr string, _ int) common.Address {
		return common.HexToAddress(addr)
	})
}

func parseWei(v string) (*big.Int, error) {
	if v == "" {
		return new(big.Int), nil
	}
	wei, ok := new(big.Int).SetString(v, 10)
	if !ok || wei.Sign() < 0 {
		return nil, fmt.Errorf("invalid wei amount %q", v)
	}
	return wei, nil
}

func parseEther(v string) (*big.Int, error) {
	if v == "" {
		return new(big.Int), nil
	}
	ether, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("invalid ether amount %q: %w", v, err)
	}
	wei := ether.Shift(18)
	if wei.IsNegative() || !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("invalid ether amount %q", v)
	}
	return wei.BigInt(), nil
}

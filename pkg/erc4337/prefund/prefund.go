// Package prefund computes the gas budget and the native token prefund an account
// owes the relayer for a user operation.
package prefund

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/safe4337/pkg/erc4337/userop"
)

// DefaultPaymasterVerificationMultiplier budgets verification gas for the account
// validation plus up to two paymaster callbacks.
const DefaultPaymasterVerificationMultiplier = 3

// Accountant prices user operations. The zero value is not useful, use
// DefaultAccountant or New.
type Accountant struct {
	PaymasterVerificationMultiplier uint64
}

var DefaultAccountant = Accountant{PaymasterVerificationMultiplier: DefaultPaymasterVerificationMultiplier}

// New returns an accountant using multiplier for sponsored operations. A zero
// multiplier falls back to the default.
func New(multiplier uint64) Accountant {
	if multiplier == 0 {
		multiplier = DefaultPaymasterVerificationMultiplier
	}
	return Accountant{PaymasterVerificationMultiplier: multiplier}
}

func (a Accountant) multiplier(op *userop.UserOperation) *big.Int {
	if !op.HasPaymaster() {
		return big.NewInt(1)
	}
	if a.PaymasterVerificationMultiplier == 0 {
		return big.NewInt(DefaultPaymasterVerificationMultiplier)
	}
	return new(big.Int).SetUint64(a.PaymasterVerificationMultiplier)
}

// RequiredGas is callGas + verificationGas*mul + preVerificationGas.
func (a Accountant) RequiredGas(op *userop.UserOperation) *big.Int {
	gas := new(big.Int).Mul(orZero(op.VerificationGas), a.multiplier(op))
	gas.Add(gas, orZero(op.CallGas))
	gas.Add(gas, orZero(op.PreVerificationGas))
	return gas
}

// EffectiveGasPrice caps the price the relayer may charge by what the signer
// authorized. Equal fee caps mean a legacy fixed price.
func (a Accountant) EffectiveGasPrice(op *userop.UserOperation, baseFee, networkGasPrice *big.Int) *big.Int {
	maxFee := orZero(op.MaxFeePerGas)
	maxPriority := orZero(op.MaxPriorityFeePerGas)

	if maxFee.Cmp(maxPriority) == 0 {
		return new(big.Int).Set(math.BigMin(orZero(networkGasPrice), maxFee))
	}

	tipped := new(big.Int).Add(maxPriority, orZero(baseFee))
	return new(big.Int).Set(math.BigMin(orZero(networkGasPrice), math.BigMin(maxFee, tipped)))
}

// RequiredPrefund is RequiredGas * EffectiveGasPrice, in wei.
func (a Accountant) RequiredPrefund(op *userop.UserOperation, baseFee, networkGasPrice *big.Int) *big.Int {
	return new(big.Int).Mul(a.RequiredGas(op), a.EffectiveGasPrice(op, baseFee, networkGasPrice))
}

// RequiredGas prices op with the default accountant.
func RequiredGas(op *userop.UserOperation) *big.Int {
	return DefaultAccountant.RequiredGas(op)
}

// EffectiveGasPrice prices op with the default accountant.
func EffectiveGasPrice(op *userop.UserOperation, baseFee, networkGasPrice *big.Int) *big.Int {
	return DefaultAccountant.EffectiveGasPrice(op, baseFee, networkGasPrice)
}

// RequiredPrefund prices op with the default accountant.
func RequiredPrefund(op *userop.UserOperation, baseFee, networkGasPrice *big.Int) *big.Int {
	return DefaultAccountant.RequiredPrefund(op, baseFee, networkGasPrice)
}

// ToEther converts a wei amount to ether for display.
func ToEther(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(orZero(wei), -18)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

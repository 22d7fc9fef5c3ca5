package module

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Storage slots in the account, not in the module. They must never change or
// a validated but unexecuted operation could be replayed after an upgrade.
var (
	NonceSlot      = crypto.Keccak256Hash([]byte("safe4337.diatomic.nonce"))
	CommitmentSlot = crypto.Keccak256Hash([]byte("safe4337.diatomic.execution"))
)

// Phase is where an account stands between validation and execution.
type Phase uint8

const (
	// Idle accounts have nothing authorized to execute.
	Idle Phase = iota
	// Committed accounts have exactly one validated call waiting.
	Committed
)

func (p Phase) String() string {
	if p == Committed {
		return "committed"
	}
	return "idle"
}

func PhaseOf(commitment common.Hash) Phase {
	if commitment == (common.Hash{}) {
		return Idle
	}
	return Committed
}

// Commitment binds the single call an account may execute next:
// keccak256(callData ‖ uint256(nonce) ‖ entryPoint ‖ uint256(chainId)).
func Commitment(callData []byte, nonce *big.Int, entryPoint common.Address, chainID *big.Int) common.Hash {
	return crypto.Keccak256Hash(
		callData,
		common.BigToHash(orZero(nonce)).Bytes(),
		entryPoint.Bytes(),
		common.BigToHash(orZero(chainID)).Bytes(),
	)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

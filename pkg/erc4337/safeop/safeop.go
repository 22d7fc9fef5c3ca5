// Package safeop computes the EIP-712 digest Safe owners sign for a user operation.
//
// The signed struct is a narrower view of the user operation (SafeOp): it binds
// callData, nonce and the gas budget, but leaves out initCode and paymaster data so
// those can change after signing without invalidating the owners' signatures.
package safeop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/safe4337/pkg/erc4337/userop"
)

const (
	DomainType = "EIP712Domain(uint256 chainId,address verifyingContract)"
	SafeOpType = "SafeOp(address safe,bytes callData,uint256 nonce,uint256 verificationGas,uint256 preVerificationGas,uint256 maxFeePerGas,uint256 maxPriorityFeePerGas,uint256 callGas,address entryPoint)"
)

var (
	DomainSeparatorTypeHash = crypto.Keccak256Hash([]byte(DomainType))
	SafeOpTypeHash          = crypto.Keccak256Hash([]byte(SafeOpType))

	addressType, _ = abi.NewType("address", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
	bytes32Type, _ = abi.NewType("bytes32", "", nil)

	domainArgs = abi.Arguments{
		{Name: "typeHash", Type: bytes32Type},
		{Name: "chainId", Type: uint256Type},
		{Name: "verifyingContract", Type: addressType},
	}

	safeOpArgs = abi.Arguments{
		{Name: "typeHash", Type: bytes32Type},
		{Name: "safe", Type: addressType},
		{Name: "callData", Type: bytes32Type},
		{Name: "nonce", Type: uint256Type},
		{Name: "verificationGas", Type: uint256Type},
		{Name: "preVerificationGas", Type: uint256Type},
		{Name: "maxFeePerGas", Type: uint256Type},
		{Name: "maxPriorityFeePerGas", Type: uint256Type},
		{Name: "callGas", Type: uint256Type},
		{Name: "entryPoint", Type: addressType},
	}
)

// SafeOperation is the signer-facing subset of a user operation.
type SafeOperation struct {
	Safe                 common.Address
	CallData             []byte
	Nonce                *big.Int
	VerificationGas      *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	CallGas              *big.Int
	EntryPoint           common.Address
}

// FromUserOperation derives the SafeOperation an owner signs for op when it is
// relayed through entryPoint.
func FromUserOperation(op *userop.UserOperation, entryPoint common.Address) *SafeOperation {
	return &SafeOperation{
		Safe:                 op.Sender,
		CallData:             op.CallData,
		Nonce:                op.Nonce,
		VerificationGas:      op.VerificationGas,
		PreVerificationGas:   op.PreVerificationGas,
		MaxFeePerGas:         op.MaxFeePerGas,
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
		CallGas:              op.CallGas,
		EntryPoint:           entryPoint,
	}
}

// DomainSeparator binds a digest to a chain and to the verifying contract.
func DomainSeparator(chainID *big.Int, verifyingContract common.Address) common.Hash {
	encoded, err := domainArgs.Pack(DomainSeparatorTypeHash, orZero(chainID), verifyingContract)
	if err != nil {
		// static types only, packing cannot fail for in-range values
		panic(err)
	}
	return crypto.Keccak256Hash(encoded)
}

// StructHash is hashStruct(SafeOp) with callData hashed rather than embedded.
func (op *SafeOperation) StructHash() common.Hash {
	encoded, err := safeOpArgs.Pack(
		SafeOpTypeHash,
		op.Safe,
		crypto.Keccak256Hash(op.CallData),
		orZero(op.Nonce),
		orZero(op.VerificationGas),
		orZero(op.PreVerificationGas),
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		orZero(op.CallGas),
		op.EntryPoint,
	)
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(encoded)
}

// EncodeOperationData returns 0x19 0x01 ‖ domainSeparator ‖ structHash. The
// verifying contract is the Safe itself.
func EncodeOperationData(chainID *big.Int, op *SafeOperation) []byte {
	domain := DomainSeparator(chainID, op.Safe)
	structHash := op.StructHash()

	out := make([]byte, 0, 2+32+32)
	out = append(out, 0x19, 0x01)
	out = append(out, domain.Bytes()...)
	out = append(out, structHash.Bytes()...)
	return out
}

// OperationHash is the digest the Safe owners sign.
func OperationHash(chainID *big.Int, op *SafeOperation) common.Hash {
	return crypto.Keccak256Hash(EncodeOperationData(chainID, op))
}

// UserOperationHash is a shortcut for OperationHash(chainID, FromUserOperation(op, entryPoint)).
func UserOperationHash(chainID *big.Int, op *userop.UserOperation, entryPoint common.Address) common.Hash {
	return OperationHash(chainID, FromUserOperation(op, entryPoint))
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

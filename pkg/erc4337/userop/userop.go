// Package userop holds the wire-level UserOperation and its canonical encoding.
package userop

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation represents an EIP-4337 style operation for a Safe account.
// Field order matters: it is the ABI tuple order used by Pack/Encode and the
// signature has to stay last.
type UserOperation struct {
	Sender               common.Address `validate:"required"`
	Nonce                *big.Int       `validate:"required"`
	InitCode             []byte
	CallData             []byte
	CallGas              *big.Int `validate:"required"`
	VerificationGas      *big.Int `validate:"required"`
	PreVerificationGas   *big.Int `validate:"required"`
	MaxFeePerGas         *big.Int `validate:"required"`
	MaxPriorityFeePerGas *big.Int `validate:"required"`
	Paymaster            common.Address
	PaymasterData        []byte
	Signature            []byte
}

var (
	addressType, _ = abi.NewType("address", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
	bytesType, _   = abi.NewType("bytes", "", nil)
	bytes32Type, _ = abi.NewType("bytes32", "", nil)

	userOpArgs = abi.Arguments{
		{Name: "sender", Type: addressType},
		{Name: "nonce", Type: uint256Type},
		{Name: "initCode", Type: bytesType},
		{Name: "callData", Type: bytesType},
		{Name: "callGas", Type: uint256Type},
		{Name: "verificationGas", Type: uint256Type},
		{Name: "preVerificationGas", Type: uint256Type},
		{Name: "maxFeePerGas", Type: uint256Type},
		{Name: "maxPriorityFeePerGas", Type: uint256Type},
		{Name: "paymaster", Type: addressType},
		{Name: "paymasterData", Type: bytesType},
		{Name: "signature", Type: bytesType},
	}

	requestIDArgs = abi.Arguments{
		{Name: "opHash", Type: bytes32Type},
		{Name: "entryPoint", Type: addressType},
		{Name: "chainId", Type: uint256Type},
	}
)

// HasPaymaster reports whether a fee sponsor is set. The zero address means none.
func (op *UserOperation) HasPaymaster() bool {
	return op.Paymaster != (common.Address{})
}

// Encode returns the full ABI tuple encoding of the operation, signature included.
func Encode(op *UserOperation) ([]byte, error) {
	return userOpArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		orEmpty(op.InitCode),
		orEmpty(op.CallData),
		orZero(op.CallGas),
		orZero(op.VerificationGas),
		orZero(op.PreVerificationGas),
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		op.Paymaster,
		orEmpty(op.PaymasterData),
		orEmpty(op.Signature),
	)
}

// Pack returns the compact encoding used as the hash preimage: the ABI tuple
// encoding cut right before the signature's length word. The signature is the
// last tail of the tuple so its length is implied by the buffer size.
func Pack(op *UserOperation) ([]byte, error) {
	full, err := Encode(op)
	if err != nil {
		return nil, err
	}
	cut := len(full) - 32 - paddedLen(len(op.Signature))
	return full[:cut], nil
}

// Decode parses a full ABI tuple encoding produced by Encode.
func Decode(data []byte) (*UserOperation, error) {
	values, err := userOpArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("cannot decode user operation: %w", err)
	}
	if len(values) != len(userOpArgs) {
		return nil, fmt.Errorf("cannot decode user operation: got %d fields", len(values))
	}

	return &UserOperation{
		Sender:               values[0].(common.Address),
		Nonce:                values[1].(*big.Int),
		InitCode:             values[2].([]byte),
		CallData:             values[3].([]byte),
		CallGas:              values[4].(*big.Int),
		VerificationGas:      values[5].(*big.Int),
		PreVerificationGas:   values[6].(*big.Int),
		MaxFeePerGas:         values[7].(*big.Int),
		MaxPriorityFeePerGas: values[8].(*big.Int),
		Paymaster:            values[9].(common.Address),
		PaymasterData:        values[10].([]byte),
		Signature:            values[11].([]byte),
	}, nil
}

// Unpack parses a compact encoding produced by Pack. The signature is not part
// of the compact form so it comes back empty.
func Unpack(packed []byte) (*UserOperation, error) {
	// an empty signature is a single zero length word at the signature offset
	full := make([]byte, len(packed)+32)
	copy(full, packed)
	return Decode(full)
}

// Hash returns keccak256 of the compact encoding.
func Hash(op *UserOperation) (common.Hash, error) {
	packed, err := Pack(op)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// RequestID is the identifier an entry point assigns to an operation:
// keccak256(abi.encode(Hash(op), entryPoint, chainId)).
func RequestID(op *UserOperation, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	opHash, err := Hash(op)
	if err != nil {
		return common.Hash{}, err
	}

	encoded, err := requestIDArgs.Pack(opHash, entryPoint, orZero(chainID))
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

func paddedLen(n int) int {
	return (n + 31) / 32 * 32
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func orEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

package module

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/safe4337/core/account"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/userop"
)

const handlerABIJSON = `[
  {
    "type": "function",
    "name": "validateUserOp",
    "stateMutability": "nonpayable",
    "inputs": [
      {
        "name": "userOp",
        "type": "tuple",
        "components": [
          {"name": "sender", "type": "address"},
          {"name": "nonce", "type": "uint256"},
          {"name": "initCode", "type": "bytes"},
          {"name": "callData", "type": "bytes"},
          {"name": "callGas", "type": "uint256"},
          {"name": "verificationGas", "type": "uint256"},
          {"name": "preVerificationGas", "type": "uint256"},
          {"name": "maxFeePerGas", "type": "uint256"},
          {"name": "maxPriorityFeePerGas", "type": "uint256"},
          {"name": "paymaster", "type": "address"},
          {"name": "paymasterData", "type": "bytes"},
          {"name": "signature", "type": "bytes"}
        ]
      },
      {"name": "requestId", "type": "bytes32"},
      {"name": "requiredPrefund", "type": "uint256"}
    ],
    "outputs": [{"name": "validationData", "type": "uint256"}]
  },
  {
    "type": "function",
    "name": "execTransaction",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "to", "type": "address"},
      {"name": "value", "type": "uint256"},
      {"name": "data", "type": "bytes"},
      {"name": "operation", "type": "uint8"}
    ],
    "outputs": []
  }
]`

var handlerABI = mustParseABI(handlerABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

type validateUserOpArgs struct {
	UserOp          userop.UserOperation
	RequestId       [32]byte
	RequiredPrefund *big.Int
}

// PackValidateUserOp builds the calldata an entry point sends to an account to
// validate op and collect prefund.
func PackValidateUserOp(op *userop.UserOperation, requestID common.Hash, prefund *big.Int) ([]byte, error) {
	return handlerABI.Pack("validateUserOp", normalize(op), [32]byte(requestID), orZero(prefund))
}

// PackExecTransaction builds the account calldata that asks the module to run
// one transaction. This is what goes in a user operation's callData.
func PackExecTransaction(to common.Address, value *big.Int, data []byte, operation account.Operation) ([]byte, error) {
	if data == nil {
		data = []byte{}
	}
	return handlerABI.Pack("execTransaction", to, orZero(value), data, uint8(operation))
}

// MustPackExecTransaction is PackExecTransaction for inputs known to be valid.
func MustPackExecTransaction(to common.Address, value *big.Int, data []byte, operation account.Operation) []byte {
	packed, err := PackExecTransaction(to, value, data, operation)
	if err != nil {
		panic(err)
	}
	return packed
}

func unpackValidateUserOp(data []byte) (*validateUserOpArgs, error) {
	var args validateUserOpArgs
	if err := unpackInputs("validateUserOp", data, &args); err != nil {
		return nil, err
	}
	return &args, nil
}

type execTransactionArgs struct {
	To        common.Address
	Value     *big.Int
	Data      []byte
	Operation uint8
}

func unpackExecTransaction(data []byte) (*execTransactionArgs, error) {
	var args execTransactionArgs
	if err := unpackInputs("execTransaction", data, &args); err != nil {
		return nil, err
	}
	return &args, nil
}

// unpackInputs decodes the arguments of method, selector stripped, into out.
func unpackInputs(method string, data []byte, out interface{}) error {
	in := handlerABI.Methods[method].Inputs
	values, err := in.Unpack(data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", method, err)
	}
	if err := in.Copy(out, values); err != nil {
		return fmt.Errorf("decode %s: %w", method, err)
	}
	return nil
}

// normalize returns a copy of op with nil numbers and bytes replaced by zero
// values so it can be ABI packed.
func normalize(op *userop.UserOperation) userop.UserOperation {
	n := *op
	n.Nonce = orZero(op.Nonce)
	n.CallGas = orZero(op.CallGas)
	n.VerificationGas = orZero(op.VerificationGas)
	n.PreVerificationGas = orZero(op.PreVerificationGas)
	n.MaxFeePerGas = orZero(op.MaxFeePerGas)
	n.MaxPriorityFeePerGas = orZero(op.MaxPriorityFeePerGas)
	for _, b := range []*[]byte{&n.InitCode, &n.CallData, &n.PaymasterData, &n.Signature} {
		if *b == nil {
			*b = []byte{}
		}
	}
	return n
}

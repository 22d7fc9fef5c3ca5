package userop

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// userOperationJSON is the hex encoded shape used by the relayer JSON-RPC API.
type userOperationJSON struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGas              *hexutil.Big   `json:"callGas"`
	VerificationGas      *hexutil.Big   `json:"verificationGas"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	Paymaster            common.Address `json:"paymaster"`
	PaymasterData        hexutil.Bytes  `json:"paymasterData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

func (op UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(userOperationJSON{
		Sender:               op.Sender,
		Nonce:                (*hexutil.Big)(orZero(op.Nonce)),
		InitCode:             orEmpty(op.InitCode),
		CallData:             orEmpty(op.CallData),
		CallGas:              (*hexutil.Big)(orZero(op.CallGas)),
		VerificationGas:      (*hexutil.Big)(orZero(op.VerificationGas)),
		PreVerificationGas:   (*hexutil.Big)(orZero(op.PreVerificationGas)),
		MaxFeePerGas:         (*hexutil.Big)(orZero(op.MaxFeePerGas)),
		MaxPriorityFeePerGas: (*hexutil.Big)(orZero(op.MaxPriorityFeePerGas)),
		Paymaster:            op.Paymaster,
		PaymasterData:        orEmpty(op.PaymasterData),
		Signature:            orEmpty(op.Signature),
	})
}

func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var raw userOperationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*op = UserOperation{
		Sender:               raw.Sender,
		Nonce:                (*big.Int)(raw.Nonce),
		InitCode:             raw.InitCode,
		CallData:             raw.CallData,
		CallGas:              (*big.Int)(raw.CallGas),
		VerificationGas:      (*big.Int)(raw.VerificationGas),
		PreVerificationGas:   (*big.Int)(raw.PreVerificationGas),
		MaxFeePerGas:         (*big.Int)(raw.MaxFeePerGas),
		MaxPriorityFeePerGas: (*big.Int)(raw.MaxPriorityFeePerGas),
		Paymaster:            raw.Paymaster,
		PaymasterData:        raw.PaymasterData,
		Signature:            raw.Signature,
	}
	return nil
}

// Validate checks that every required field of a submitted operation is present.
func (op *UserOperation) Validate() error {
	if err := validate.Struct(op); err != nil {
		return fmt.Errorf("invalid user operation: %w", err)
	}
	for name, v := range map[string]*big.Int{
		"nonce":                op.Nonce,
		"callGas":              op.CallGas,
		"verificationGas":      op.VerificationGas,
		"preVerificationGas":   op.PreVerificationGas,
		"maxFeePerGas":         op.MaxFeePerGas,
		"maxPriorityFeePerGas": op.MaxPriorityFeePerGas,
	} {
		if v.Sign() < 0 || v.BitLen() > 256 {
			return fmt.Errorf("invalid user operation: %s out of uint256 range", name)
		}
	}
	return nil
}

package bundler

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AvaProtocol/safe4337/pkg/erc4337/userop"
)

// GasEstimation is the budget a relayer requires for an operation.
type GasEstimation struct {
	CallGas            *big.Int
	VerificationGas    *big.Int
	PreVerificationGas *big.Int
	RequiredPrefund    *big.Int
}

type gasEstimationJSON struct {
	CallGas            *hexutil.Big `json:"callGas"`
	VerificationGas    *hexutil.Big `json:"verificationGas"`
	PreVerificationGas *hexutil.Big `json:"preVerificationGas"`
	RequiredPrefund    *hexutil.Big `json:"requiredPrefund"`
}

func (g GasEstimation) MarshalJSON() ([]byte, error) {
	return json.Marshal(gasEstimationJSON{
		CallGas:            (*hexutil.Big)(g.CallGas),
		VerificationGas:    (*hexutil.Big)(g.VerificationGas),
		PreVerificationGas: (*hexutil.Big)(g.PreVerificationGas),
		RequiredPrefund:    (*hexutil.Big)(g.RequiredPrefund),
	})
}

func (g *GasEstimation) UnmarshalJSON(data []byte) error {
	var raw gasEstimationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*g = GasEstimation{
		CallGas:            (*big.Int)(raw.CallGas),
		VerificationGas:    (*big.Int)(raw.VerificationGas),
		PreVerificationGas: (*big.Int)(raw.PreVerificationGas),
		RequiredPrefund:    (*big.Int)(raw.RequiredPrefund),
	}
	return nil
}

// Apply copies the estimated limits into op. Fee caps are left alone.
func (g *GasEstimation) Apply(op *userop.UserOperation) {
	if g.CallGas != nil {
		op.CallGas = new(big.Int).Set(g.CallGas)
	}
	if g.VerificationGas != nil {
		op.VerificationGas = new(big.Int).Set(g.VerificationGas)
	}
	if g.PreVerificationGas != nil {
		op.PreVerificationGas = new(big.Int).Set(g.PreVerificationGas)
	}
}

// UserOperationReceipt is the relayer's record of a handled operation.
type UserOperationReceipt struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	Sender        common.Address `json:"sender"`
	Nonce         *hexutil.Big   `json:"nonce"`
	Paymaster     common.Address `json:"paymaster"`
	ActualGasCost *hexutil.Big   `json:"actualGasCost"`
	Success       bool           `json:"success"`
	Reason        string         `json:"reason,omitempty"`
	EntryPoint    common.Address `json:"entryPoint"`
	Beneficiary   common.Address `json:"beneficiary"`
	BlockNumber   hexutil.Uint64 `json:"blockNumber"`
}

package entrypoint

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Receipt is the outcome of one user operation in a handled bundle.
type Receipt struct {
	UserOpHash    common.Hash
	Sender        common.Address
	Nonce         *big.Int
	Paymaster     common.Address
	ActualGasCost *big.Int
	Success       bool
	Reason        string
	EntryPoint    common.Address
	Beneficiary   common.Address
	BlockNumber   uint64
}

type receiptJSON struct {
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

func (r Receipt) MarshalJSON() ([]byte, error) {
	return json.Marshal(receiptJSON{
		UserOpHash:    r.UserOpHash,
		Sender:        r.Sender,
		Nonce:         (*hexutil.Big)(orZero(r.Nonce)),
		Paymaster:     r.Paymaster,
		ActualGasCost: (*hexutil.Big)(orZero(r.ActualGasCost)),
		Success:       r.Success,
		Reason:        r.Reason,
		EntryPoint:    r.EntryPoint,
		Beneficiary:   r.Beneficiary,
		BlockNumber:   hexutil.Uint64(r.BlockNumber),
	})
}

func (r *Receipt) UnmarshalJSON(data []byte) error {
	var raw receiptJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Receipt{
		UserOpHash:    raw.UserOpHash,
		Sender:        raw.Sender,
		Nonce:         (*big.Int)(raw.Nonce),
		Paymaster:     raw.Paymaster,
		ActualGasCost: (*big.Int)(raw.ActualGasCost),
		Success:       raw.Success,
		Reason:        raw.Reason,
		EntryPoint:    raw.EntryPoint,
		Beneficiary:   raw.Beneficiary,
		BlockNumber:   uint64(raw.BlockNumber),
	}
	return nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

package module

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/safe4337/core/chain"
	"github.com/AvaProtocol/safe4337/core/state"
)

// AccountState is the committed protocol state of one account.
type AccountState struct {
	Nonce      *big.Int
	Commitment common.Hash
	Phase      Phase
}

// Inspect reads the committed nonce and commitment of addr. Changes pending in
// a running host transaction are not visible.
func Inspect(host *chain.Host, addr common.Address) (*AccountState, error) {
	var out AccountState
	err := host.View(func(s *state.StateDB) error {
		out.Nonce = s.GetState(addr, NonceSlot).Big()
		out.Commitment = s.GetState(addr, CommitmentSlot)
		out.Phase = PhaseOf(out.Commitment)
		return s.Error()
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

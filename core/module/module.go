// Package module is the diatomic ERC-4337 module for the Safe. It is both an
// enabled module of the account and its fallback handler: the entry point calls
// the account, the account forwards the call here with the entry point address
// appended, and this package validates the operation or executes the call it
// committed to.
//
// Validation checks caller, nonce, prefund and owner signatures, then stores a
// commitment to the exact callData in the account. Execution recomputes that
// commitment from the calldata it actually received, clears it and only then
// runs the transaction. All account state is written through the account's
// authorization, never directly.
package module

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/safe4337/core/account"
	"github.com/AvaProtocol/safe4337/core/chain"
	"github.com/AvaProtocol/safe4337/pkg/byte4"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/prefund"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/safeop"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/userop"
	"github.com/AvaProtocol/safe4337/pkg/logger"
)

type Module struct {
	address    common.Address
	accountant prefund.Accountant
	logger     logger.Logger
}

func New(address common.Address, accountant prefund.Accountant, log logger.Logger) *Module {
	return &Module{
		address:    address,
		accountant: accountant,
		logger:     logger.EnsureLogger(log).With("module", address.Hex()),
	}
}

func (m *Module) Address() common.Address {
	return m.address
}

// Run dispatches calldata forwarded by an account's fallback. The last 20
// bytes are the address that called the account, which is the entry point.
func (m *Module) Run(host *chain.Host, msg *chain.Message) ([]byte, error) {
	if len(msg.Data) < 4+common.AddressLength {
		return nil, fmt.Errorf("%w: calldata too short", ErrUnknownMethod)
	}

	cut := len(msg.Data) - common.AddressLength
	frame := chain.Frame{
		Caller:     msg.From,
		EntryPoint: common.BytesToAddress(msg.Data[cut:]),
		CallData:   msg.Data[:cut],
	}

	method, err := byte4.GetMethodFromCalldata(handlerABI, frame.CallData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownMethod, err)
	}

	switch method.Name {
	case "validateUserOp":
		args, err := unpackValidateUserOp(frame.CallData[4:])
		if err != nil {
			return nil, err
		}
		if err := m.ValidateUserOp(host, frame, &args.UserOp, args.RequiredPrefund); err != nil {
			return nil, err
		}
		// validationData 0: valid signature, no time range
		return common.Hash{}.Bytes(), nil

	case "execTransaction":
		args, err := unpackExecTransaction(frame.CallData[4:])
		if err != nil {
			return nil, err
		}
		return nil, m.Execute(host, frame, args.To, args.Value, args.Data, account.Operation(args.Operation))
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method.Name)
}

func (m *Module) safeAt(host *chain.Host, addr common.Address) (*account.Safe, error) {
	safe, ok := host.Contract(addr).(*account.Safe)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an account", ErrInvalidCaller, addr.Hex())
	}
	return safe, nil
}

// ValidateUserOp authorizes op for the account that forwarded the call. On
// success the account nonce is advanced, the commitment for op.CallData is
// stored and quotedPrefund is paid to the entry point. Any error leaves the
// caller to revert everything.
func (m *Module) ValidateUserOp(host *chain.Host, frame chain.Frame, op *userop.UserOperation, quotedPrefund *big.Int) error {
	if frame.Caller != op.Sender {
		return fmt.Errorf("%w: called by %s for sender %s", ErrInvalidCaller, frame.Caller.Hex(), op.Sender.Hex())
	}

	safe, err := m.safeAt(host, frame.Caller)
	if err != nil {
		return err
	}

	quoted := orZero(quotedPrefund)
	chainID := host.ChainID()

	return safe.ExecFromModule(host, m.address, func(auth *account.Authorization) error {
		nonce := safe.Storage(host, NonceSlot).Big()
		if nonce.Cmp(orZero(op.Nonce)) != 0 {
			return &InvalidNonceError{Proposed: orZero(op.Nonce), Expected: nonce}
		}
		next := new(big.Int).Add(nonce, big.NewInt(1))
		if err := safe.SetStorage(host, auth, NonceSlot, common.BigToHash(next)); err != nil {
			return err
		}

		required := m.accountant.RequiredPrefund(op, host.BaseFee(), host.GasPrice())
		if quoted.Cmp(required) > 0 {
			return fmt.Errorf("%w: quoted %s exceeds required %s", ErrInvalidPrefund, quoted, required)
		}

		digest := safeop.UserOperationHash(chainID, op, frame.EntryPoint)
		if err := safe.CheckSignatures(digest, op.Signature); err != nil {
			return err
		}

		commitment := Commitment(op.CallData, nonce, frame.EntryPoint, chainID)
		if err := safe.SetStorage(host, auth, CommitmentSlot, commitment); err != nil {
			return err
		}

		if quoted.Sign() != 0 {
			if err := safe.Pay(host, auth, frame.EntryPoint, quoted); err != nil {
				return fmt.Errorf("pay prefund: %w", err)
			}
		}

		m.logger.Debug("validated user operation",
			"safe", op.Sender.Hex(),
			"nonce", nonce.String(),
			"entryPoint", frame.EntryPoint.Hex(),
			"prefund", quoted.String())
		return nil
	})
}

// Execute runs the transaction the account committed to during validation.
// frame.CallData must be exactly the callData that was validated.
func (m *Module) Execute(host *chain.Host, frame chain.Frame, to common.Address, value *big.Int, data []byte, operation account.Operation) error {
	safe, err := m.safeAt(host, frame.Caller)
	if err != nil {
		return err
	}

	chainID := host.ChainID()

	return safe.ExecFromModule(host, m.address, func(auth *account.Authorization) error {
		nonce := safe.Storage(host, NonceSlot).Big()
		if nonce.Sign() == 0 {
			return fmt.Errorf("%w: nothing validated", ErrInvalidTransaction)
		}
		expectedNonce := nonce.Sub(nonce, big.NewInt(1))

		stored := safe.Storage(host, CommitmentSlot)
		if PhaseOf(stored) != Committed || stored != Commitment(frame.CallData, expectedNonce, frame.EntryPoint, chainID) {
			return fmt.Errorf("%w: calldata does not match the commitment", ErrInvalidTransaction)
		}

		if err := safe.SetStorage(host, auth, CommitmentSlot, common.Hash{}); err != nil {
			return err
		}

		ok, err := safe.ExecTransactionFromModule(host, auth, to, value, data, operation)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s to %s", ErrExecutionFailure, operation, to.Hex())
		}

		m.logger.Debug("executed user operation",
			"safe", frame.Caller.Hex(),
			"nonce", expectedNonce.String(),
			"to", to.Hex(),
			"operation", operation.String())
		return nil
	})
}

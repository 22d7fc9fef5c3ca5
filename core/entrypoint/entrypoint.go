// Package entrypoint is the relayer side contract of the protocol. It calls
// each account to validate a user operation and collect its prefund, then
// calls the account again with the operation's callData, and finally pays the
// collected prefund to the bundle beneficiary.
package entrypoint

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/safe4337/core/chain"
	"github.com/AvaProtocol/safe4337/core/module"
	"github.com/AvaProtocol/safe4337/metrics"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/prefund"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/userop"
	"github.com/AvaProtocol/safe4337/pkg/logger"
)

var (
	ErrEmptyBundle     = errors.New("entrypoint: no user operations")
	ErrNotDeployed     = errors.New("entrypoint: account not deployed")
	ErrPrefundNotPaid  = errors.New("entrypoint: didn't pay prefund")
	ErrUnexpectedInput = errors.New("entrypoint: does not accept calldata")
)

// FailedOpError aborts a whole bundle because one operation did not validate.
type FailedOpError struct {
	OpIndex int
	Reason  string
	Err     error
}

func (e *FailedOpError) Error() string {
	return fmt.Sprintf("FailedOp(%d, %s): %v", e.OpIndex, e.Reason, e.Err)
}

func (e *FailedOpError) Unwrap() error {
	return e.Err
}

// ExecutionRevertedError is a validated operation whose call failed.
type ExecutionRevertedError struct {
	RequestID common.Hash
	Err       error
}

func (e *ExecutionRevertedError) Error() string {
	return fmt.Sprintf("execution reverted: %v", e.Err)
}

func (e *ExecutionRevertedError) Unwrap() error {
	return e.Err
}

// ValidationResult is what a simulated validation reports back to a relayer.
type ValidationResult struct {
	RequestID       common.Hash
	RequiredPrefund *big.Int
}

type Config struct {
	Address    common.Address
	Accountant prefund.Accountant
}

type EntryPoint struct {
	// serializes top level host transactions started from here
	mu sync.Mutex

	address    common.Address
	host       *chain.Host
	accountant prefund.Accountant

	logger  logger.Logger
	metrics metrics.MetricsGenerator
}

func New(cfg Config, host *chain.Host, log logger.Logger, m metrics.MetricsGenerator) *EntryPoint {
	if m == nil {
		m = metrics.NewNoopMetrics()
	}
	if cfg.Accountant.PaymasterVerificationMultiplier == 0 {
		cfg.Accountant = prefund.DefaultAccountant
	}

	return &EntryPoint{
		address:    cfg.Address,
		host:       host,
		accountant: cfg.Accountant,
		logger:     logger.EnsureLogger(log).With("entryPoint", cfg.Address.Hex()),
		metrics:    m,
	}
}

func (ep *EntryPoint) Address() common.Address {
	return ep.address
}

func (ep *EntryPoint) Host() *chain.Host {
	return ep.host
}

// Run lets accounts pay the entry point. It has no callable methods.
func (ep *EntryPoint) Run(host *chain.Host, msg *chain.Message) ([]byte, error) {
	if len(msg.Data) > 0 {
		return nil, ErrUnexpectedInput
	}
	return nil, nil
}

// GetRequestID is the id this entry point assigns to op on its chain.
func (ep *EntryPoint) GetRequestID(op *userop.UserOperation) (common.Hash, error) {
	return userop.RequestID(op, ep.address, ep.host.ChainID())
}

// RequiredPrefund is the prefund the entry point asks op's account for at the
// current fees.
func (ep *EntryPoint) RequiredPrefund(op *userop.UserOperation) *big.Int {
	return ep.accountant.RequiredPrefund(op, ep.host.BaseFee(), ep.host.GasPrice())
}

// SimulateValidation runs the validation phase of op against current state and
// throws every change away.
func (ep *EntryPoint) SimulateValidation(op *userop.UserOperation) (*ValidationResult, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	var result *ValidationResult
	err := ep.host.Simulate(func() error {
		requestID, required, err := ep.validate(op)
		if err != nil {
			return &FailedOpError{OpIndex: 0, Reason: reason(err), Err: err}
		}
		result = &ValidationResult{RequestID: requestID, RequiredPrefund: required}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SimulateHandleOp runs validation then execution of op against current state
// and throws every change away. A failed execution is an *ExecutionRevertedError.
func (ep *EntryPoint) SimulateHandleOp(op *userop.UserOperation) (*ValidationResult, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	var result *ValidationResult
	err := ep.host.Simulate(func() error {
		requestID, required, err := ep.validate(op)
		if err != nil {
			return &FailedOpError{OpIndex: 0, Reason: reason(err), Err: err}
		}
		result = &ValidationResult{RequestID: requestID, RequiredPrefund: required}

		if _, err := ep.host.Call(&chain.Message{From: ep.address, To: op.Sender, Data: op.CallData}); err != nil {
			return &ExecutionRevertedError{RequestID: requestID, Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HandleOps validates every operation first and aborts the bundle on the first
// failure. Then it executes them in order. An execution failure does not
// abort: it is recorded in that operation's receipt and its prefund is kept.
// Everything collected goes to beneficiary.
func (ep *EntryPoint) HandleOps(ops []*userop.UserOperation, beneficiary common.Address) ([]*Receipt, error) {
	if len(ops) == 0 {
		return nil, ErrEmptyBundle
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	var receipts []*Receipt
	err := ep.host.Transact(func() error {
		receipts = make([]*Receipt, len(ops))
		block := ep.host.BlockNumber() + 1

		for i, op := range ops {
			requestID, required, err := ep.validate(op)
			if err != nil {
				ep.metrics.IncValidation("failed")
				ep.logger.Info("user operation rejected", "index", i, "sender", op.Sender.Hex(), "error", err)
				return &FailedOpError{OpIndex: i, Reason: reason(err), Err: err}
			}
			ep.metrics.IncValidation("success")

			receipts[i] = &Receipt{
				UserOpHash:    requestID,
				Sender:        op.Sender,
				Nonce:         new(big.Int).Set(op.Nonce),
				Paymaster:     op.Paymaster,
				ActualGasCost: required,
				EntryPoint:    ep.address,
				Beneficiary:   beneficiary,
				BlockNumber:   block,
			}
		}

		collected := new(big.Int)
		for i, op := range ops {
			_, err := ep.host.Call(&chain.Message{From: ep.address, To: op.Sender, Data: op.CallData})
			if err != nil {
				ep.metrics.IncExecution("failed")
				receipts[i].Reason = err.Error()
				ep.logger.Info("user operation reverted", "index", i, "sender", op.Sender.Hex(), "error", err)
			} else {
				ep.metrics.IncExecution("success")
				receipts[i].Success = true
			}
			collected.Add(collected, receipts[i].ActualGasCost)
		}

		if collected.Sign() > 0 {
			if _, err := ep.host.Call(&chain.Message{From: ep.address, To: beneficiary, Value: collected}); err != nil {
				return fmt.Errorf("compensate beneficiary %s: %w", beneficiary.Hex(), err)
			}
		}

		ep.metrics.AddPrefundCollected(collected)
		ep.logger.Info("handled bundle",
			"ops", len(ops),
			"beneficiary", beneficiary.Hex(),
			"collected", prefund.ToEther(collected).String())
		return nil
	})
	if err != nil {
		return nil, err
	}

	ep.metrics.IncBundle()
	return receipts, nil
}

// validate runs the account's validation for op and checks that the account
// paid what was asked. Must run inside a host transaction.
func (ep *EntryPoint) validate(op *userop.UserOperation) (common.Hash, *big.Int, error) {
	if op == nil {
		return common.Hash{}, nil, fmt.Errorf("nil user operation")
	}
	if err := op.Validate(); err != nil {
		return common.Hash{}, nil, err
	}
	if ep.host.Contract(op.Sender) == nil {
		return common.Hash{}, nil, fmt.Errorf("%w: %s", ErrNotDeployed, op.Sender.Hex())
	}

	requestID, err := ep.GetRequestID(op)
	if err != nil {
		return common.Hash{}, nil, err
	}
	required := ep.RequiredPrefund(op)

	data, err := module.PackValidateUserOp(op, requestID, required)
	if err != nil {
		return common.Hash{}, nil, err
	}

	before := ep.host.State().GetBalance(ep.address)
	if _, err := ep.host.Call(&chain.Message{From: ep.address, To: op.Sender, Data: data}); err != nil {
		return common.Hash{}, nil, err
	}
	paid := new(big.Int).Sub(ep.host.State().GetBalance(ep.address), before)
	if paid.Cmp(required) < 0 {
		return common.Hash{}, nil, fmt.Errorf("%w: paid %s of %s", ErrPrefundNotPaid, paid, required)
	}

	return requestID, required, nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrNotDeployed):
		return "account not deployed"
	case errors.Is(err, ErrPrefundNotPaid):
		return "didn't pay prefund"
	case errors.Is(err, module.ErrInvalidNonce):
		return "invalid nonce"
	case errors.Is(err, module.ErrInvalidPrefund):
		return "invalid prefund"
	case errors.Is(err, module.ErrInvalidCaller):
		return "invalid caller"
	}
	return "account validation failed"
}

// Package account implements the Safe smart account: a multi owner wallet that
// forwards unknown calls to a fallback handler and lets enabled modules act on
// its behalf through an explicit authorization.
package account

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/safe4337/core/chain"
	"github.com/AvaProtocol/safe4337/pkg/logger"
)

// Operation selects how ExecTransactionFromModule reaches its target.
type Operation uint8

const (
	Call         Operation = 0
	DelegateCall Operation = 1
)

func (o Operation) Valid() bool {
	return o == Call || o == DelegateCall
}

func (o Operation) String() string {
	switch o {
	case Call:
		return "call"
	case DelegateCall:
		return "delegatecall"
	default:
		return fmt.Sprintf("operation(%d)", uint8(o))
	}
}

// Authorization is the capability a module holds while the Safe runs it through
// ExecFromModule. It only opens the Safe's write paths for that one call.
type Authorization struct {
	safe   common.Address
	module common.Address
}

func (a *Authorization) Module() common.Address {
	return a.module
}

type Config struct {
	Address         common.Address
	Policy          SignaturePolicy
	Modules         []common.Address
	FallbackHandler common.Address
}

type Safe struct {
	address         common.Address
	policy          SignaturePolicy
	modules         map[common.Address]bool
	fallbackHandler common.Address

	active *Authorization

	logger logger.Logger
}

func New(cfg Config, log logger.Logger) (*Safe, error) {
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("safe address is required")
	}
	if cfg.Policy == nil {
		return nil, fmt.Errorf("safe %s: signature policy is required", cfg.Address.Hex())
	}

	s := &Safe{
		address:         cfg.Address,
		policy:          cfg.Policy,
		modules:         make(map[common.Address]bool),
		fallbackHandler: cfg.FallbackHandler,
		logger:          logger.EnsureLogger(log).With("safe", cfg.Address.Hex()),
	}
	for _, m := range cfg.Modules {
		s.modules[m] = true
	}
	return s, nil
}

func (s *Safe) Address() common.Address {
	return s.address
}

func (s *Safe) Policy() SignaturePolicy {
	return s.policy
}

func (s *Safe) EnableModule(module common.Address) {
	s.modules[module] = true
}

func (s *Safe) DisableModule(module common.Address) {
	delete(s.modules, module)
}

func (s *Safe) IsModuleEnabled(module common.Address) bool {
	return s.modules[module]
}

func (s *Safe) SetFallbackHandler(handler common.Address) {
	s.fallbackHandler = handler
}

func (s *Safe) FallbackHandler() common.Address {
	return s.fallbackHandler
}

// Run is the Safe's entry for calls from the host. Plain value transfers are
// accepted. Anything else goes to the fallback handler with the original
// sender appended as the last 20 bytes of calldata.
func (s *Safe) Run(host *chain.Host, msg *chain.Message) ([]byte, error) {
	if len(msg.Data) == 0 {
		return nil, nil
	}
	if s.fallbackHandler == (common.Address{}) {
		return nil, ErrNoFallbackHandler
	}

	data := make([]byte, 0, len(msg.Data)+common.AddressLength)
	data = append(data, msg.Data...)
	data = append(data, msg.From.Bytes()...)

	return host.Call(&chain.Message{
		From: s.address,
		To:   s.fallbackHandler,
		Data: data,
	})
}

// CheckSignatures verifies owner signatures over digest with the Safe's policy.
func (s *Safe) CheckSignatures(digest common.Hash, signatures []byte) error {
	return s.policy.Verify(digest, signatures)
}

// ExecFromModule runs fn with an authorization for module. The module must be
// enabled and must be the code currently running on the host. The
// authorization is only honoured until fn returns.
func (s *Safe) ExecFromModule(host *chain.Host, module common.Address, fn func(auth *Authorization) error) error {
	if !s.modules[module] {
		return fmt.Errorf("%w: %s", ErrModuleNotEnabled, module.Hex())
	}
	if host.Self() != module {
		return fmt.Errorf("%w: running code is %s, not module %s", ErrUnauthorized, host.Self().Hex(), module.Hex())
	}

	prev := s.active
	auth := &Authorization{safe: s.address, module: module}
	s.active = auth
	defer func() { s.active = prev }()

	return fn(auth)
}

func (s *Safe) authorized(auth *Authorization) error {
	if auth == nil || auth != s.active || auth.safe != s.address {
		return ErrUnauthorized
	}
	if !s.modules[auth.module] {
		return fmt.Errorf("%w: %s", ErrModuleNotEnabled, auth.module.Hex())
	}
	return nil
}

// Storage reads one of the Safe's storage slots.
func (s *Safe) Storage(host *chain.Host, slot common.Hash) common.Hash {
	return host.State().GetState(s.address, slot)
}

// SetStorage writes one of the Safe's storage slots.
func (s *Safe) SetStorage(host *chain.Host, auth *Authorization, slot, value common.Hash) error {
	if err := s.authorized(auth); err != nil {
		return err
	}
	host.State().SetState(s.address, slot, value)
	return nil
}

// Pay sends amount of native currency from the Safe to to.
func (s *Safe) Pay(host *chain.Host, auth *Authorization, to common.Address, amount *big.Int) error {
	if err := s.authorized(auth); err != nil {
		return err
	}
	_, err := host.Call(&chain.Message{From: s.address, To: to, Value: amount})
	return err
}

// ExecTransactionFromModule is the Safe's low level execution primitive. The
// bool reports whether the inner call succeeded; a failing call is reverted
// and reported, not returned as an error. The error is reserved for calls the
// Safe refuses to make at all.
func (s *Safe) ExecTransactionFromModule(host *chain.Host, auth *Authorization, to common.Address, value *big.Int, data []byte, operation Operation) (bool, error) {
	if err := s.authorized(auth); err != nil {
		return false, err
	}

	var err error
	switch operation {
	case Call:
		_, err = host.Call(&chain.Message{From: s.address, To: to, Value: value, Data: data})
	case DelegateCall:
		_, err = host.DelegateCall(s.address, s.address, to, data)
	default:
		return false, fmt.Errorf("%w: %s", ErrInvalidOperation, operation)
	}

	if err != nil {
		s.logger.Info("module transaction failed", "module", auth.module.Hex(), "to", to.Hex(), "operation", operation.String(), "error", err)
		return false, nil
	}
	return true, nil
}

// Package chain is the execution host the Safe, its module and the entry point
// run on. It routes calls between registered contracts, moves native value and
// gives every top level transaction all-or-nothing semantics over core/state.
package chain

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/safe4337/core/state"
	"github.com/AvaProtocol/safe4337/pkg/logger"
	"github.com/AvaProtocol/safe4337/storage"
	"github.com/AvaProtocol/safe4337/storage/schema"
)

const MaxCallDepth = 64

var (
	ErrNoTransaction      = errors.New("call outside of a transaction")
	ErrNestedTransaction  = errors.New("transaction already in progress")
	ErrCallDepth          = errors.New("max call depth exceeded")
	ErrContractRegistered = errors.New("address already has code")
)

// Contract is code living at an address. Run executes one message against it;
// a returned error reverts every change the message made.
type Contract interface {
	Run(host *Host, msg *Message) ([]byte, error)
}

// Message is a single call between two addresses.
type Message struct {
	From  common.Address
	To    common.Address
	Value *big.Int
	Data  []byte
}

// Frame is the call context the dispatch layer hands to a handler: the address
// that called it and, for calls forwarded by an account, the entry point that
// originally called the account.
type Frame struct {
	Caller     common.Address
	EntryPoint common.Address
	CallData   []byte
}

type callFrame struct {
	self   common.Address
	code   common.Address
	caller common.Address
}

type Config struct {
	ChainID  *big.Int
	BaseFee  *big.Int
	GasPrice *big.Int
}

// Host runs one transaction at a time. Starting a transaction while another
// one is active fails with ErrNestedTransaction instead of waiting, so callers
// sharing a host across goroutines serialize themselves. Reads through View
// never block.
type Host struct {
	mu sync.RWMutex

	chainID  *big.Int
	baseFee  *big.Int
	gasPrice *big.Int

	db        storage.Storage
	state     *state.StateDB
	contracts map[common.Address]Contract

	inTx  atomic.Bool
	stack []callFrame
	block atomic.Uint64

	logger logger.Logger
}

var blockCounterKey = schema.CounterKey("block")

func NewHost(cfg Config, db storage.Storage, log logger.Logger) (*Host, error) {
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("invalid chain id %v", cfg.ChainID)
	}

	block, err := db.GetCounter(blockCounterKey, 0)
	if err != nil {
		return nil, fmt.Errorf("read block number: %w", err)
	}

	h := &Host{
		chainID:   new(big.Int).Set(cfg.ChainID),
		baseFee:   orZero(cfg.BaseFee),
		gasPrice:  orZero(cfg.GasPrice),
		db:        db,
		state:     state.New(db),
		contracts: make(map[common.Address]Contract),
		logger:    logger.EnsureLogger(log),
	}
	h.block.Store(block)
	return h, nil
}

// Register deploys c at addr.
func (h *Host) Register(addr common.Address, c Contract) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.contracts[addr]; ok {
		return fmt.Errorf("%w: %s", ErrContractRegistered, addr.Hex())
	}
	h.contracts[addr] = c
	return nil
}

// Contract returns the code at addr, or nil for a plain account.
func (h *Host) Contract(addr common.Address) Contract {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.contracts[addr]
}

func (h *Host) ChainID() *big.Int {
	return new(big.Int).Set(h.chainID)
}

func (h *Host) BaseFee() *big.Int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return new(big.Int).Set(h.baseFee)
}

func (h *Host) GasPrice() *big.Int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return new(big.Int).Set(h.gasPrice)
}

// SetFees updates the fee market seen by subsequent transactions.
func (h *Host) SetFees(baseFee, gasPrice *big.Int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.baseFee = orZero(baseFee)
	h.gasPrice = orZero(gasPrice)
}

func (h *Host) BlockNumber() uint64 {
	return h.block.Load()
}

// InTransaction reports whether a transaction or simulation is running.
func (h *Host) InTransaction() bool {
	return h.inTx.Load()
}

// State gives direct access to the pending ledger of the running transaction.
// Only valid inside Transact or Simulate.
func (h *Host) State() *state.StateDB {
	return h.state
}

// Self is the address whose storage the running code operates on.
func (h *Host) Self() common.Address {
	if len(h.stack) == 0 {
		return common.Address{}
	}
	return h.stack[len(h.stack)-1].self
}

// Caller is the sender of the running call.
func (h *Host) Caller() common.Address {
	if len(h.stack) == 0 {
		return common.Address{}
	}
	return h.stack[len(h.stack)-1].caller
}

// Transact runs fn as one top level transaction. Every change is committed
// when fn returns nil and discarded otherwise.
func (h *Host) Transact(fn func() error) error {
	if err := h.begin(); err != nil {
		return err
	}
	defer h.end()

	if err := fn(); err != nil {
		h.state.Discard()
		return err
	}

	if err := h.state.Commit(); err != nil {
		h.state.Discard()
		return err
	}

	block, err := h.db.IncCounter(blockCounterKey, 0)
	if err != nil {
		h.logger.Error("cannot persist block number", "error", err)
		h.block.Add(1)
	} else {
		h.block.Store(block)
	}
	return nil
}

// Simulate runs fn like Transact but always throws the changes away.
func (h *Host) Simulate(fn func() error) error {
	if err := h.begin(); err != nil {
		return err
	}
	defer h.end()
	defer h.state.Discard()

	if err := fn(); err != nil {
		return err
	}
	return h.state.Error()
}

// View runs a read only function against committed state. Inside a
// transaction it still sees only what was committed before it started.
func (h *Host) View(fn func(s *state.StateDB) error) error {
	return fn(state.New(h.db))
}

func (h *Host) begin() error {
	if !h.inTx.CompareAndSwap(false, true) {
		return ErrNestedTransaction
	}
	h.stack = h.stack[:0]
	return nil
}

func (h *Host) end() {
	h.stack = h.stack[:0]
	h.inTx.Store(false)
}

// Call sends msg. Value moves first, then the code at msg.To runs. When the
// call fails every change it made is reverted and the error is returned.
func (h *Host) Call(msg *Message) ([]byte, error) {
	return h.call(msg, msg.To, true)
}

// DelegateCall runs the code at codeAddr against the storage and balance of
// self, with caller as the sender. No value moves.
func (h *Host) DelegateCall(self, caller, codeAddr common.Address, data []byte) ([]byte, error) {
	return h.call(&Message{From: caller, To: self, Data: data}, codeAddr, false)
}

func (h *Host) call(msg *Message, codeAddr common.Address, transfer bool) ([]byte, error) {
	if !h.inTx.Load() {
		return nil, ErrNoTransaction
	}
	if len(h.stack) >= MaxCallDepth {
		return nil, ErrCallDepth
	}

	snap := h.state.Snapshot()

	if transfer && msg.Value != nil && msg.Value.Sign() != 0 {
		if err := h.state.Transfer(msg.From, msg.To, msg.Value); err != nil {
			h.state.RevertToSnapshot(snap)
			return nil, err
		}
	}

	c := h.Contract(codeAddr)
	if c == nil {
		// plain account, nothing to run
		return nil, nil
	}

	h.stack = append(h.stack, callFrame{self: msg.To, code: codeAddr, caller: msg.From})
	ret, err := c.Run(h, msg)
	h.stack = h.stack[:len(h.stack)-1]

	if err != nil {
		h.state.RevertToSnapshot(snap)
		return nil, err
	}
	return ret, nil
}

// Balance reads the committed balance of addr.
func (h *Host) Balance(addr common.Address) (*big.Int, error) {
	var bal *big.Int
	err := h.View(func(s *state.StateDB) error {
		bal = s.GetBalance(addr)
		return s.Error()
	})
	return bal, err
}

// StorageAt reads a committed storage slot of addr.
func (h *Host) StorageAt(addr common.Address, slot common.Hash) (common.Hash, error) {
	var v common.Hash
	err := h.View(func(s *state.StateDB) error {
		v = s.GetState(addr, slot)
		return s.Error()
	})
	return v, err
}

// Fund credits addr with amount in its own transaction.
func (h *Host) Fund(addr common.Address, amount *big.Int) error {
	return h.Transact(func() error {
		h.state.AddBalance(addr, amount)
		return nil
	})
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

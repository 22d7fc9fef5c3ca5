package testutil

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sort"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/safe4337/core/account"
	"github.com/AvaProtocol/safe4337/core/chain"
	"github.com/AvaProtocol/safe4337/core/chainio/signer"
	"github.com/AvaProtocol/safe4337/core/entrypoint"
	"github.com/AvaProtocol/safe4337/core/module"
	"github.com/AvaProtocol/safe4337/pkg/byte4"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/prefund"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/safeop"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/userop"
	"github.com/AvaProtocol/safe4337/storage"
)

var (
	ChainID  = big.NewInt(31337)
	BaseFee  = big.NewInt(params.GWei)
	GasPrice = big.NewInt(2 * params.GWei)

	EntryPointAddress  = common.HexToAddress("0x0576a174D229E3cFA37253523E645A78A0C91B57")
	ModuleAddress      = common.HexToAddress("0x00000000000000000000000000000000000d1a70")
	SafeAddress        = common.HexToAddress("0x00000000000000000000000000000000005afe01")
	CounterAddress     = common.HexToAddress("0x00000000000000000000000000000000000c0017")
	BeneficiaryAddress = common.HexToAddress("0x00000000000000000000000000000000000be4ef")

	// SafeBalance is what every test safe starts with.
	SafeBalance = big.NewInt(params.Ether)

	IncrementSelector = byte4.Selector("increment()")
	FailSelector      = byte4.Selector("fail()")

	ErrCounterFailed = errors.New("counter: fail() called")
)

// CounterSlot holds the counter value in the counter's own storage.
var CounterSlot = common.Hash{}

// Counter is a tiny target contract: increment() bumps CounterSlot of the
// context it runs in and fail() always reverts.
type Counter struct{}

func (Counter) Run(host *chain.Host, msg *chain.Message) ([]byte, error) {
	if len(msg.Data) < 4 {
		return nil, nil
	}
	switch {
	case bytes.Equal(msg.Data[:4], IncrementSelector):
		n := host.State().GetState(host.Self(), CounterSlot).Big()
		n.Add(n, big.NewInt(1))
		host.State().SetState(host.Self(), CounterSlot, common.BigToHash(n))
		return common.BigToHash(n).Bytes(), nil
	case bytes.Equal(msg.Data[:4], FailSelector):
		return nil, ErrCounterFailed
	}
	return nil, errors.New("counter: unknown method")
}

// Env is a funded 2 of 3 safe with the module enabled, an entry point and a
// counter target, all on one in-memory ledger.
type Env struct {
	T          testing.TB
	DB         storage.Storage
	Host       *chain.Host
	Module     *module.Module
	EntryPoint *entrypoint.EntryPoint
	Safe       *account.Safe
	Owners     []*ecdsa.PrivateKey
}

func NewEnv(t testing.TB) *Env {
	t.Helper()

	db := TestMustMemoryDB()
	t.Cleanup(func() { db.Close() })

	host, err := chain.NewHost(chain.Config{ChainID: ChainID, BaseFee: BaseFee, GasPrice: GasPrice}, db, nil)
	require.NoError(t, err)

	keys, owners := SortedKeys(t, 3)
	policy, err := account.NewOwnerThreshold(owners, 2)
	require.NoError(t, err)

	safe, err := account.New(account.Config{
		Address:         SafeAddress,
		Policy:          policy,
		Modules:         []common.Address{ModuleAddress},
		FallbackHandler: ModuleAddress,
	}, nil)
	require.NoError(t, err)

	mod := module.New(ModuleAddress, prefund.DefaultAccountant, nil)
	ep := entrypoint.New(entrypoint.Config{Address: EntryPointAddress}, host, nil, nil)

	require.NoError(t, host.Register(SafeAddress, safe))
	require.NoError(t, host.Register(ModuleAddress, mod))
	require.NoError(t, host.Register(EntryPointAddress, ep))
	require.NoError(t, host.Register(CounterAddress, Counter{}))
	require.NoError(t, host.Fund(SafeAddress, SafeBalance))

	return &Env{
		T:          t,
		DB:         db,
		Host:       host,
		Module:     mod,
		EntryPoint: ep,
		Safe:       safe,
		Owners:     keys,
	}
}

// SortedKeys generates n keys ordered by ascending address.
func SortedKeys(t testing.TB, n int) ([]*ecdsa.PrivateKey, []common.Address) {
	t.Helper()
	keys := make([]*ecdsa.PrivateKey, n)
	for i := range keys {
		k, err := crypto.GenerateKey()
		require.NoError(t, err)
		keys[i] = k
	}
	sort.Slice(keys, func(i, j int) bool {
		a := crypto.PubkeyToAddress(keys[i].PublicKey)
		b := crypto.PubkeyToAddress(keys[j].PublicKey)
		return bytes.Compare(a.Bytes(), b.Bytes()) < 0
	})

	owners := make([]common.Address, n)
	for i, k := range keys {
		owners[i] = crypto.PubkeyToAddress(k.PublicKey)
	}
	return keys, owners
}

// IncrementCallData asks the module to call increment() on the counter.
func IncrementCallData() []byte {
	return module.MustPackExecTransaction(CounterAddress, nil, IncrementSelector, account.Call)
}

// FailCallData asks the module to call fail() on the counter.
func FailCallData() []byte {
	return module.MustPackExecTransaction(CounterAddress, nil, FailSelector, account.Call)
}

// NewOp builds an unsigned operation for the env safe.
func (e *Env) NewOp(nonce int64, callData []byte) *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               SafeAddress,
		Nonce:                big.NewInt(nonce),
		CallData:             callData,
		CallGas:              big.NewInt(100_000),
		VerificationGas:      big.NewInt(150_000),
		PreVerificationGas:   big.NewInt(21_000),
		MaxFeePerGas:         big.NewInt(3 * params.GWei),
		MaxPriorityFeePerGas: big.NewInt(params.GWei),
	}
}

// Sign sets op.Signature from the first two owners.
func (e *Env) Sign(op *userop.UserOperation) *userop.UserOperation {
	e.T.Helper()
	digest := safeop.UserOperationHash(ChainID, op, EntryPointAddress)
	sig, err := signer.SignSafeOperation(digest, e.Owners[0], e.Owners[1])
	require.NoError(e.T, err)
	op.Signature = sig
	return op
}

// SignedOp is NewOp followed by Sign.
func (e *Env) SignedOp(nonce int64, callData []byte) *userop.UserOperation {
	return e.Sign(e.NewOp(nonce, callData))
}

// Counter reads the committed counter value.
func (e *Env) Counter() int64 {
	e.T.Helper()
	v, err := e.Host.StorageAt(CounterAddress, CounterSlot)
	require.NoError(e.T, err)
	return v.Big().Int64()
}

// State reads the committed module state of the safe.
func (e *Env) State() *module.AccountState {
	e.T.Helper()
	st, err := module.Inspect(e.Host, SafeAddress)
	require.NoError(e.T, err)
	return st
}

// Balance reads the committed balance of addr.
func (e *Env) Balance(addr common.Address) *big.Int {
	e.T.Helper()
	bal, err := e.Host.Balance(addr)
	require.NoError(e.T, err)
	return bal
}

// Validate calls validateUserOp on the safe as the entry point would, in its
// own transaction.
func (e *Env) Validate(op *userop.UserOperation, quoted *big.Int) error {
	requestID, err := userop.RequestID(op, EntryPointAddress, ChainID)
	require.NoError(e.T, err)
	data, err := module.PackValidateUserOp(op, requestID, quoted)
	require.NoError(e.T, err)
	return e.Host.Transact(func() error {
		_, err := e.Host.Call(&chain.Message{From: EntryPointAddress, To: op.Sender, Data: data})
		return err
	})
}

// Execute sends callData to the safe as the entry point would, in its own
// transaction.
func (e *Env) Execute(callData []byte) error {
	return e.Host.Transact(func() error {
		_, err := e.Host.Call(&chain.Message{From: EntryPointAddress, To: SafeAddress, Data: callData})
		return err
	})
}

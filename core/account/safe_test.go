package account

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/safe4337/core/chain"
	"github.com/AvaProtocol/safe4337/storage"
)

var (
	safeAddr   = common.HexToAddress("0x00000000000000000000000000000000000005af")
	moduleAddr = common.HexToAddress("0x000000000000000000000000000000000000d1a7")
	handler    = common.HexToAddress("0x000000000000000000000000000000000000fa11")
	target     = common.HexToAddress("0x0000000000000000000000000000000000007a26")
	user       = common.HexToAddress("0x00000000000000000000000000000000000000aa")

	slot    = common.HexToHash("0x01")
	errFail = errors.New("target failed")
)

// funcContract runs fn for every call
type funcContract struct {
	fn func(h *chain.Host, msg *chain.Message) ([]byte, error)
}

func (c *funcContract) Run(h *chain.Host, msg *chain.Message) ([]byte, error) {
	return c.fn(h, msg)
}

// recorder remembers the last message and bumps a slot of whatever context it runs in
type recorder struct {
	last *chain.Message
	fail bool
}

func (r *recorder) Run(h *chain.Host, msg *chain.Message) ([]byte, error) {
	r.last = msg
	n := h.State().GetState(h.Self(), slot).Big()
	h.State().SetState(h.Self(), slot, common.BigToHash(n.Add(n, big.NewInt(1))))
	if r.fail {
		return nil, errFail
	}
	return []byte("ok"), nil
}

type fixture struct {
	host   *chain.Host
	safe   *Safe
	target *recorder
}

func newFixture(t *testing.T, module func(h *chain.Host, msg *chain.Message) ([]byte, error)) *fixture {
	t.Helper()
	db, err := storage.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	host, err := chain.NewHost(chain.Config{ChainID: big.NewInt(1)}, db, nil)
	require.NoError(t, err)

	_, owners := sortedKeys(t, 1)
	policy, err := NewOwnerThreshold(owners, 1)
	require.NoError(t, err)

	safe, err := New(Config{Address: safeAddr, Policy: policy, Modules: []common.Address{moduleAddr}, FallbackHandler: handler}, nil)
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, host.Register(safeAddr, safe))
	require.NoError(t, host.Register(moduleAddr, &funcContract{fn: module}))
	require.NoError(t, host.Register(target, rec))
	return &fixture{host: host, safe: safe, target: rec}
}

func (f *fixture) call(from, to common.Address, data []byte) error {
	return f.host.Transact(func() error {
		_, err := f.host.Call(&chain.Message{From: from, To: to, Data: data})
		return err
	})
}

func TestNewRequiresAddressAndPolicy(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
	_, err = New(Config{Address: safeAddr}, nil)
	assert.Error(t, err)
}

func TestFallbackAppendsSender(t *testing.T) {
	f := newFixture(t, nil)
	fallback := &recorder{}
	require.NoError(t, f.host.Register(handler, fallback))

	require.NoError(t, f.call(user, safeAddr, []byte{0xca, 0xfe}))
	require.NotNil(t, fallback.last)
	assert.Equal(t, safeAddr, fallback.last.From)
	assert.Equal(t, append([]byte{0xca, 0xfe}, user.Bytes()...), fallback.last.Data)

	// plain transfers do not reach the handler
	fallback.last = nil
	require.NoError(t, f.host.Fund(user, big.NewInt(5)))
	err := f.host.Transact(func() error {
		_, err := f.host.Call(&chain.Message{From: user, To: safeAddr, Value: big.NewInt(5)})
		return err
	})
	require.NoError(t, err)
	assert.Nil(t, fallback.last)

	f.safe.SetFallbackHandler(common.Address{})
	assert.ErrorIs(t, f.call(user, safeAddr, []byte{1}), ErrNoFallbackHandler)
}

func TestModuleWritesThroughAuthorization(t *testing.T) {
	var f *fixture
	f = newFixture(t, func(h *chain.Host, msg *chain.Message) ([]byte, error) {
		return nil, f.safe.ExecFromModule(h, moduleAddr, func(auth *Authorization) error {
			assert.Equal(t, moduleAddr, auth.Module())
			return f.safe.SetStorage(h, auth, slot, common.HexToHash("0x2a"))
		})
	})

	require.NoError(t, f.call(user, moduleAddr, nil))
	v, err := f.host.StorageAt(safeAddr, slot)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0x2a"), v)
}

func TestStaleAuthorizationIsRefused(t *testing.T) {
	var f *fixture
	var kept *Authorization
	f = newFixture(t, func(h *chain.Host, msg *chain.Message) ([]byte, error) {
		if kept != nil {
			return nil, f.safe.SetStorage(h, kept, slot, common.HexToHash("0x01"))
		}
		return nil, f.safe.ExecFromModule(h, moduleAddr, func(auth *Authorization) error {
			kept = auth
			return nil
		})
	})

	require.NoError(t, f.call(user, moduleAddr, nil))
	assert.ErrorIs(t, f.call(user, moduleAddr, nil), ErrUnauthorized)

	forged := &Authorization{safe: safeAddr, module: moduleAddr}
	err := f.host.Transact(func() error {
		return f.safe.SetStorage(f.host, forged, slot, common.HexToHash("0x01"))
	})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestExecFromModuleChecksCaller(t *testing.T) {
	f := newFixture(t, nil)

	// not running as the module
	err := f.host.Transact(func() error {
		return f.safe.ExecFromModule(f.host, moduleAddr, func(*Authorization) error { return nil })
	})
	assert.ErrorIs(t, err, ErrUnauthorized)

	f.safe.DisableModule(moduleAddr)
	assert.False(t, f.safe.IsModuleEnabled(moduleAddr))
	err = f.host.Transact(func() error {
		return f.safe.ExecFromModule(f.host, moduleAddr, func(*Authorization) error { return nil })
	})
	assert.ErrorIs(t, err, ErrModuleNotEnabled)
}

func TestExecTransactionFromModule(t *testing.T) {
	var f *fixture
	var ok bool
	op := Call
	f = newFixture(t, func(h *chain.Host, msg *chain.Message) ([]byte, error) {
		return nil, f.safe.ExecFromModule(h, moduleAddr, func(auth *Authorization) error {
			var err error
			ok, err = f.safe.ExecTransactionFromModule(h, auth, target, nil, []byte{1}, op)
			return err
		})
	})

	require.NoError(t, f.call(user, moduleAddr, nil))
	assert.True(t, ok)
	assert.Equal(t, safeAddr, f.target.last.From)
	v, _ := f.host.StorageAt(target, slot)
	assert.Equal(t, int64(1), v.Big().Int64())

	op = DelegateCall
	require.NoError(t, f.call(user, moduleAddr, nil))
	assert.True(t, ok)
	v, _ = f.host.StorageAt(safeAddr, slot)
	assert.Equal(t, int64(1), v.Big().Int64(), "delegate call runs against the safe storage")

	op = Call
	f.target.fail = true
	require.NoError(t, f.call(user, moduleAddr, nil))
	assert.False(t, ok)
	v, _ = f.host.StorageAt(target, slot)
	assert.Equal(t, int64(1), v.Big().Int64(), "failed inner call is reverted")

	op = Operation(7)
	assert.ErrorIs(t, f.call(user, moduleAddr, nil), ErrInvalidOperation)
}

func TestPay(t *testing.T) {
	var f *fixture
	f = newFixture(t, func(h *chain.Host, msg *chain.Message) ([]byte, error) {
		return nil, f.safe.ExecFromModule(h, moduleAddr, func(auth *Authorization) error {
			return f.safe.Pay(h, auth, user, big.NewInt(40))
		})
	})
	require.NoError(t, f.host.Fund(safeAddr, big.NewInt(100)))

	require.NoError(t, f.call(user, moduleAddr, nil))
	bal, _ := f.host.Balance(safeAddr)
	assert.Equal(t, big.NewInt(60), bal)
	bal, _ = f.host.Balance(user)
	assert.Equal(t, big.NewInt(40), bal)
}

func TestOperationString(t *testing.T) {
	assert.Equal(t, "call", Call.String())
	assert.Equal(t, "delegatecall", DelegateCall.String())
	assert.False(t, Operation(2).Valid())
}

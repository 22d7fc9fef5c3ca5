package relayer_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/safe4337/core/backup"
	"github.com/AvaProtocol/safe4337/core/chainio/signer"
	"github.com/AvaProtocol/safe4337/core/config"
	"github.com/AvaProtocol/safe4337/core/migrator"
	"github.com/AvaProtocol/safe4337/core/module"
	tu "github.com/AvaProtocol/safe4337/core/testutil"
	"github.com/AvaProtocol/safe4337/migrations"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/bundler"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/prefund"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/safeop"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/userop"
	"github.com/AvaProtocol/safe4337/relayer"
	"github.com/AvaProtocol/safe4337/storage"
	"github.com/AvaProtocol/safe4337/storage/schema"
)

type fixture struct {
	t      *testing.T
	db     storage.Storage
	cfg    *config.Config
	keys   []*ecdsa.PrivateKey
	r      *relayer.Relayer
	srv    *httptest.Server
	client *bundler.BundlerClient
}

func testConfig(owners []common.Address) *config.Config {
	return &config.Config{
		ChainID:         tu.ChainID,
		BaseFee:         tu.BaseFee,
		GasPrice:        tu.GasPrice,
		EntryPoint:      tu.EntryPointAddress,
		Module:          tu.ModuleAddress,
		Beneficiary:     tu.BeneficiaryAddress,
		HttpBindAddress: "127.0.0.1:0",
		VacuumInterval:  time.Minute,
		Accountant:      prefund.DefaultAccountant,
		Safes: []config.SafeConfig{{
			Address:   tu.SafeAddress,
			Owners:    owners,
			Threshold: 2,
			Balance:   tu.SafeBalance,
		}},
	}
}

func newFixture(t *testing.T) *fixture {
	db := tu.TestMustMemoryDB()
	t.Cleanup(func() { db.Close() })

	keys, owners := tu.SortedKeys(t, 3)
	cfg := testConfig(owners)

	r, err := relayer.New(cfg, db)
	require.NoError(t, err)
	require.NoError(t, r.Host().Register(tu.CounterAddress, tu.Counter{}))

	srv := httptest.NewServer(r.Handler())
	t.Cleanup(srv.Close)

	return &fixture{
		t:      t,
		db:     db,
		cfg:    cfg,
		keys:   keys,
		r:      r,
		srv:    srv,
		client: bundler.NewBundlerClient(srv.URL, tu.GetDefaultCache(), nil),
	}
}

func (f *fixture) op(nonce int64, callData []byte) *userop.UserOperation {
	op := &userop.UserOperation{
		Sender:               tu.SafeAddress,
		Nonce:                big.NewInt(nonce),
		CallData:             callData,
		CallGas:              big.NewInt(100_000),
		VerificationGas:      big.NewInt(150_000),
		PreVerificationGas:   big.NewInt(21_000),
		MaxFeePerGas:         big.NewInt(3 * params.GWei),
		MaxPriorityFeePerGas: big.NewInt(params.GWei),
	}
	sig, err := signer.SignSafeOperation(safeop.UserOperationHash(tu.ChainID, op, tu.EntryPointAddress), f.keys[0], f.keys[1])
	require.NoError(f.t, err)
	op.Signature = sig
	return op
}

func (f *fixture) counter() int64 {
	v, err := f.r.Host().StorageAt(tu.CounterAddress, tu.CounterSlot)
	require.NoError(f.t, err)
	return v.Big().Int64()
}

func rpcCode(t *testing.T, err error) int {
	var rpcErr *bundler.RPCError
	require.True(t, errors.As(err, &rpcErr), "expected a JSON-RPC error, got %v", err)
	return rpcErr.Code
}

func TestDiscovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entryPoints, err := f.client.SupportedEntryPoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{tu.EntryPointAddress}, entryPoints)

	chainID, err := f.client.ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, tu.ChainID, chainID)

	nonce, err := f.client.GetNonce(ctx, tu.SafeAddress)
	require.NoError(t, err)
	assert.Equal(t, int64(0), nonce.Int64())
}

func TestSendUserOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op := f.op(0, tu.IncrementCallData())

	requestID, err := f.client.SendUserOperation(ctx, op, tu.EntryPointAddress)
	require.NoError(t, err)

	expected, err := f.r.EntryPoint().GetRequestID(op)
	require.NoError(t, err)
	assert.Equal(t, expected, requestID)

	receipt, err := f.client.GetUserOperationReceipt(ctx, requestID)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.True(t, receipt.Success)
	assert.Equal(t, tu.SafeAddress, receipt.Sender)
	assert.Equal(t, tu.BeneficiaryAddress, receipt.Beneficiary)
	assert.Equal(t, prefund.RequiredPrefund(op, tu.BaseFee, tu.GasPrice), receipt.ActualGasCost.ToInt())

	assert.Equal(t, int64(1), f.counter())

	nonce, err := f.client.GetNonce(ctx, tu.SafeAddress)
	require.NoError(t, err)
	assert.Equal(t, int64(1), nonce.Int64())

	entries, err := f.r.Journal().List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, relayer.JournalIncluded, entries[0].Status)
	assert.Equal(t, requestID, entries[0].RequestID)

	// submitting the same operation again is a replay
	_, err = f.client.SendUserOperation(ctx, op, tu.EntryPointAddress)
	assert.Equal(t, bundler.CodeRejectedByAccount, rpcCode(t, err))

	var state relayer.AccountStateResult
	require.NoError(t, f.client.Call(ctx, &state, "safe4337_getAccountState", tu.SafeAddress))
	assert.Equal(t, int64(1), state.Nonce.ToInt().Int64())
	assert.Equal(t, module.Idle.String(), state.Phase)
	assert.Equal(t, common.Hash{}, state.Commitment)
	assert.Equal(t, int64(1), f.counter())
}

func TestSendRejectedOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op := f.op(3, tu.IncrementCallData())

	_, err := f.client.SendUserOperation(ctx, op, tu.EntryPointAddress)
	assert.Equal(t, bundler.CodeRejectedByAccount, rpcCode(t, err))
	assert.Contains(t, err.Error(), "invalid nonce")

	requestID, err := f.r.EntryPoint().GetRequestID(op)
	require.NoError(t, err)
	receipt, err := f.client.GetUserOperationReceipt(ctx, requestID)
	require.NoError(t, err)
	assert.Nil(t, receipt)

	entries, err := f.r.Journal().List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, relayer.JournalRejected, entries[0].Status)
	assert.NotEmpty(t, entries[0].Error)
}

func TestSendRevertedOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	requestID, err := f.client.SendUserOperation(ctx, f.op(0, tu.FailCallData()), tu.EntryPointAddress)
	require.NoError(t, err)

	receipt, err := f.client.GetUserOperationReceipt(ctx, requestID)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.False(t, receipt.Success)
	assert.Contains(t, receipt.Reason, module.ErrExecutionFailure.Error())

	entries, err := f.r.Journal().List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, relayer.JournalReverted, entries[0].Status)
}

// receiptlessDB refuses to store receipts.
type receiptlessDB struct {
	storage.Storage
}

func (d receiptlessDB) Set(key, value []byte) error {
	if bytes.HasPrefix(key, schema.ReceiptPrefix()) {
		return errors.New("disk full")
	}
	return d.Storage.Set(key, value)
}

func TestSendClosesJournalWhenReceiptIsLost(t *testing.T) {
	db := tu.TestMustMemoryDB()
	defer db.Close()

	keys, owners := tu.SortedKeys(t, 3)
	r, err := relayer.New(testConfig(owners), receiptlessDB{db})
	require.NoError(t, err)
	require.NoError(t, r.Host().Register(tu.CounterAddress, tu.Counter{}))

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	f := &fixture{t: t, keys: keys, r: r}
	client := bundler.NewBundlerClient(srv.URL, tu.GetDefaultCache(), nil)

	_, err = client.SendUserOperation(context.Background(), f.op(0, tu.IncrementCallData()), tu.EntryPointAddress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	entries, err := r.Journal().List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, relayer.JournalIncluded, entries[0].Status, "the operation landed")
	assert.Contains(t, entries[0].Error, "disk full")
	assert.Equal(t, int64(1), f.counter())
}

func TestSendRejectsBadParams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.SendUserOperation(ctx, f.op(0, tu.IncrementCallData()), tu.ModuleAddress)
	assert.Equal(t, bundler.CodeInvalidParams, rpcCode(t, err))

	op := f.op(0, tu.IncrementCallData())
	op.Sender = common.Address{}
	_, err = f.client.SendUserOperation(ctx, op, tu.EntryPointAddress)
	assert.Equal(t, bundler.CodeInvalidParams, rpcCode(t, err))

	entries, err := f.r.Journal().List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEstimateUserOperationGas(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	op := f.op(0, tu.IncrementCallData())
	op.Signature = nil
	estimation, err := f.client.EstimateUserOperationGas(ctx, op, tu.EntryPointAddress)
	require.NoError(t, err)
	assert.Equal(t, prefund.RequiredPrefund(op, tu.BaseFee, tu.GasPrice), estimation.RequiredPrefund)
	assert.Equal(t, op.CallGas, estimation.CallGas)

	_, err = f.client.EstimateUserOperationGas(ctx, f.op(0, tu.FailCallData()), tu.EntryPointAddress)
	assert.Equal(t, bundler.CodeExecutionReverted, rpcCode(t, err))

	_, err = f.client.EstimateUserOperationGas(ctx, f.op(9, tu.IncrementCallData()), tu.EntryPointAddress)
	assert.Equal(t, bundler.CodeRejectedByAccount, rpcCode(t, err))

	assert.Equal(t, int64(0), f.counter(), "estimation never commits")
}

func TestGenesisFundingOnce(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.SendUserOperation(context.Background(), f.op(0, tu.IncrementCallData()), tu.EntryPointAddress)
	require.NoError(t, err)

	spent, err := f.r.Host().Balance(tu.SafeAddress)
	require.NoError(t, err)
	require.True(t, spent.Cmp(tu.SafeBalance) < 0)

	// a restart on the same db keeps balances and module state
	again, err := relayer.New(f.cfg, f.db)
	require.NoError(t, err)
	bal, err := again.Host().Balance(tu.SafeAddress)
	require.NoError(t, err)
	assert.Equal(t, spent, bal)

	st, err := module.Inspect(again.Host(), tu.SafeAddress)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Nonce.Int64())
}

func TestBackupBeforeMigrations(t *testing.T) {
	db := tu.TestMustMemoryDB()
	defer db.Close()

	_, owners := tu.SortedKeys(t, 3)
	cfg := testConfig(owners)
	cfg.BackupDir = t.TempDir()

	_, err := relayer.New(cfg, db)
	require.NoError(t, err)
	files, err := filepath.Glob(filepath.Join(cfg.BackupDir, "*", backup.FileName))
	require.NoError(t, err)
	require.Len(t, files, 1)

	// nothing pending on restart, so no new backup
	_, err = relayer.New(cfg, db)
	require.NoError(t, err)
	files, err = filepath.Glob(filepath.Join(cfg.BackupDir, "*", backup.FileName))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	applied, err := migrator.Applied(db, migrations.GenesisFunding)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestHttpEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/up")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	_, err = f.client.ChainID(context.Background())
	require.NoError(t, err)

	resp, err = http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `safe4337_num_rpc_request_total{method="eth_chainId",status="ok"} 1`)

	resp, err = http.Get(f.srv.URL + "/journal")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartStopsWithContext(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.r.Start(ctx) }()

	assert.Eventually(t, func() bool {
		resp, err := http.Get(f.srv.URL + "/up")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	assert.False(t, f.r.IsShutdown())
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("relayer did not shut down")
	}
	assert.True(t, f.r.IsShutdown())
}

package bundler

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/safe4337/core/testutil"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/userop"
)

var entryPoint = common.HexToAddress("0x0576a174D229E3cFA37253523E645A78A0C91B57")

type fakeRelayer struct {
	calls   map[string]*atomic.Int32
	handler func(method string, params []json.RawMessage) (interface{}, *RPCError)
}

func newFakeRelayer(t *testing.T, handler func(method string, params []json.RawMessage) (interface{}, *RPCError)) (*httptest.Server, *fakeRelayer) {
	f := &fakeRelayer{calls: map[string]*atomic.Int32{}, handler: handler}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if f.calls[req.Method] == nil {
			f.calls[req.Method] = &atomic.Int32{}
		}
		f.calls[req.Method].Add(1)

		result, rpcErr := f.handler(req.Method, req.Params)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv, f
}

func (f *fakeRelayer) count(method string) int32 {
	if c := f.calls[method]; c != nil {
		return c.Load()
	}
	return 0
}

func TestSendUserOperation(t *testing.T) {
	requestID := common.HexToHash("0x1234")
	var got userop.UserOperation
	srv, _ := newFakeRelayer(t, func(method string, params []json.RawMessage) (interface{}, *RPCError) {
		require.Equal(t, "eth_sendUserOperation", method)
		require.Len(t, params, 2)
		require.NoError(t, json.Unmarshal(params[0], &got))
		var ep common.Address
		require.NoError(t, json.Unmarshal(params[1], &ep))
		assert.Equal(t, entryPoint, ep)
		return requestID, nil
	})

	op := &userop.UserOperation{
		Sender:               common.HexToAddress("0x5afe"),
		Nonce:                big.NewInt(4),
		CallData:             []byte{1, 2},
		CallGas:              big.NewInt(1),
		VerificationGas:      big.NewInt(2),
		PreVerificationGas:   big.NewInt(3),
		MaxFeePerGas:         big.NewInt(4),
		MaxPriorityFeePerGas: big.NewInt(5),
		Signature:            []byte{7},
	}

	client := NewBundlerClient(srv.URL, nil, nil)
	id, err := client.SendUserOperation(context.Background(), op, entryPoint)
	require.NoError(t, err)
	assert.Equal(t, requestID, id)
	assert.Equal(t, op.Sender, got.Sender)
	assert.Equal(t, op.CallData, got.CallData)
	assert.Equal(t, int64(4), got.Nonce.Int64())
}

func TestRPCErrorIsReturned(t *testing.T) {
	srv, _ := newFakeRelayer(t, func(string, []json.RawMessage) (interface{}, *RPCError) {
		return nil, &RPCError{Code: -32500, Message: "module: invalid nonce"}
	})

	client := NewBundlerClient(srv.URL, nil, nil)
	_, err := client.SendUserOperation(context.Background(), &userop.UserOperation{}, entryPoint)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32500, rpcErr.Code)
	assert.Contains(t, err.Error(), "invalid nonce")
}

func TestDiscoveryIsCached(t *testing.T) {
	srv, fake := newFakeRelayer(t, func(method string, _ []json.RawMessage) (interface{}, *RPCError) {
		switch method {
		case "eth_chainId":
			return "0x7a69", nil
		case "eth_supportedEntryPoints":
			return []common.Address{entryPoint}, nil
		}
		return nil, &RPCError{Code: -32601, Message: "method not found"}
	})

	client := NewBundlerClient(srv.URL, testutil.GetDefaultCache(), nil)
	for i := 0; i < 3; i++ {
		chainID, err := client.ChainID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(31337), chainID.Int64())

		eps, err := client.SupportedEntryPoints(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []common.Address{entryPoint}, eps)
	}

	assert.Equal(t, int32(1), fake.count("eth_chainId"))
	assert.Equal(t, int32(1), fake.count("eth_supportedEntryPoints"))
}

func TestEstimateAndReceipt(t *testing.T) {
	srv, _ := newFakeRelayer(t, func(method string, _ []json.RawMessage) (interface{}, *RPCError) {
		switch method {
		case "eth_estimateUserOperationGas":
			return map[string]string{
				"callGas":            "0x10",
				"verificationGas":    "0x20",
				"preVerificationGas": "0x30",
				"requiredPrefund":    "0x40",
			}, nil
		case "eth_getUserOperationReceipt":
			return map[string]interface{}{
				"userOpHash":    common.HexToHash("0x01"),
				"sender":        common.HexToAddress("0x5afe"),
				"nonce":         "0x2",
				"actualGasCost": "0x40",
				"success":       true,
				"blockNumber":   "0x9",
			}, nil
		case "safe4337_getNonce":
			return "0x3", nil
		}
		return nil, &RPCError{Code: -32601, Message: "method not found"}
	})
	client := NewBundlerClient(srv.URL, nil, nil)
	ctx := context.Background()

	est, err := client.EstimateUserOperationGas(ctx, &userop.UserOperation{}, entryPoint)
	require.NoError(t, err)
	assert.Equal(t, int64(0x40), est.RequiredPrefund.Int64())

	op := &userop.UserOperation{}
	est.Apply(op)
	assert.Equal(t, int64(0x10), op.CallGas.Int64())
	assert.Equal(t, int64(0x20), op.VerificationGas.Int64())
	assert.Equal(t, int64(0x30), op.PreVerificationGas.Int64())

	receipt, err := client.GetUserOperationReceipt(ctx, common.HexToHash("0x01"))
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.True(t, receipt.Success)
	assert.Equal(t, uint64(9), uint64(receipt.BlockNumber))

	nonce, err := client.GetNonce(ctx, common.HexToAddress("0x5afe"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), nonce.Int64())
}

func TestMissingReceiptIsNil(t *testing.T) {
	srv, _ := newFakeRelayer(t, func(string, []json.RawMessage) (interface{}, *RPCError) {
		return nil, nil
	})
	client := NewBundlerClient(srv.URL, nil, nil)
	receipt, err := client.GetUserOperationReceipt(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Nil(t, receipt)
}

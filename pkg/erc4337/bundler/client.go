// Provide primitive to work with a relayer JSON-RPC endpoint
// The relayer RPC is stateless, only discovery answers are cached
package bundler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"

	"github.com/AvaProtocol/safe4337/pkg/erc4337/userop"
	"github.com/AvaProtocol/safe4337/pkg/logger"
)

const (
	cacheKeyChainID     = "bundler:chainid"
	cacheKeyEntryPoints = "bundler:entrypoints"
)

// JSON-RPC error codes of the relayer API.
const (
	CodeInvalidParams     = -32602
	CodeRejectedByAccount = -32500
	CodeExecutionReverted = -32521
)

// RPCError is a JSON-RPC error object returned by the relayer.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// BundlerClient talks to a relayer over HTTP JSON-RPC.
type BundlerClient struct {
	http   *resty.Client
	url    string
	cache  *bigcache.BigCache
	nextID atomic.Uint64
	logger logger.Logger
}

// NewBundlerClient creates a client for the relayer at url. cache is optional
// and only holds chain id and supported entry points.
func NewBundlerClient(url string, cache *bigcache.BigCache, log logger.Logger) *BundlerClient {
	httpClient := resty.New().
		SetTimeout(30*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &BundlerClient{
		http:   httpClient,
		url:    url,
		cache:  cache,
		logger: logger.EnsureLogger(log),
	}
}

func (bc *BundlerClient) URL() string {
	return bc.url
}

// Call performs one JSON-RPC call and decodes the result into result.
func (bc *BundlerClient) Call(ctx context.Context, result interface{}, method string, params ...interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	req := rpcRequest{JSONRPC: "2.0", ID: bc.nextID.Add(1), Method: method, Params: params}

	var resp rpcResponse
	r, err := bc.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(bc.url)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if r.IsError() {
		return fmt.Errorf("%s: %d %s", method, r.StatusCode(), r.String())
	}

	bc.logger.Debug("relayer call", "method", method, "id", req.ID, "status", r.StatusCode())

	if resp.Error != nil {
		return resp.Error
	}
	if result == nil {
		return nil
	}
	if len(resp.Result) == 0 {
		return fmt.Errorf("%s: missing result in JSON-RPC response", method)
	}
	return json.Unmarshal(resp.Result, result)
}

// SendUserOperation submits op to the relayer and returns its request id.
func (bc *BundlerClient) SendUserOperation(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (common.Hash, error) {
	var requestID common.Hash
	if err := bc.Call(ctx, &requestID, "eth_sendUserOperation", op, entryPoint); err != nil {
		return common.Hash{}, err
	}
	return requestID, nil
}

// EstimateUserOperationGas asks the relayer what budget it requires for op.
// The signature is ignored by the relayer.
func (bc *BundlerClient) EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (*GasEstimation, error) {
	var estimation GasEstimation
	if err := bc.Call(ctx, &estimation, "eth_estimateUserOperationGas", op, entryPoint); err != nil {
		return nil, err
	}
	return &estimation, nil
}

// GetUserOperationReceipt returns the receipt for requestID, or nil while the
// operation has not been handled.
func (bc *BundlerClient) GetUserOperationReceipt(ctx context.Context, requestID common.Hash) (*UserOperationReceipt, error) {
	var receipt *UserOperationReceipt
	if err := bc.Call(ctx, &receipt, "eth_getUserOperationReceipt", requestID); err != nil {
		return nil, err
	}
	return receipt, nil
}

// GetNonce reads the committed module nonce of a safe.
func (bc *BundlerClient) GetNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	var nonce hexutil.Big
	if err := bc.Call(ctx, &nonce, "safe4337_getNonce", sender); err != nil {
		return nil, err
	}
	return nonce.ToInt(), nil
}

// ChainID returns the relayer's chain id.
func (bc *BundlerClient) ChainID(ctx context.Context) (*big.Int, error) {
	if cached, ok := bc.cached(cacheKeyChainID); ok {
		return new(big.Int).SetBytes(cached), nil
	}

	var chainID hexutil.Big
	if err := bc.Call(ctx, &chainID, "eth_chainId"); err != nil {
		return nil, err
	}
	bc.store(cacheKeyChainID, chainID.ToInt().Bytes())
	return chainID.ToInt(), nil
}

// SupportedEntryPoints lists the entry points the relayer accepts.
func (bc *BundlerClient) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	if cached, ok := bc.cached(cacheKeyEntryPoints); ok {
		var entryPoints []common.Address
		if err := json.Unmarshal(cached, &entryPoints); err == nil {
			return entryPoints, nil
		}
	}

	var entryPoints []common.Address
	if err := bc.Call(ctx, &entryPoints, "eth_supportedEntryPoints"); err != nil {
		return nil, err
	}
	if encoded, err := json.Marshal(entryPoints); err == nil {
		bc.store(cacheKeyEntryPoints, encoded)
	}
	return entryPoints, nil
}

func (bc *BundlerClient) cached(key string) ([]byte, bool) {
	if bc.cache == nil {
		return nil, false
	}
	v, err := bc.cache.Get(bc.url + key)
	if err != nil {
		return nil, false
	}
	return v, true
}

func (bc *BundlerClient) store(key string, v []byte) {
	if bc.cache == nil {
		return
	}
	if err := bc.cache.Set(bc.url+key, v); err != nil {
		bc.logger.Warn("cannot cache relayer answer", "key", key, "error", err)
	}
}

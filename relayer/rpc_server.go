package relayer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AvaProtocol/safe4337/core/entrypoint"
	"github.com/AvaProtocol/safe4337/core/module"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/bundler"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/prefund"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/userop"
	"github.com/AvaProtocol/safe4337/storage"
	"github.com/AvaProtocol/safe4337/storage/schema"
)

// EthAPI is the eth_ namespace of the ERC-4337 relayer API.
type EthAPI struct {
	relayer *Relayer
}

// SendUserOperation handles op right away in a bundle of its own. A revert of
// the operation's call still returns its request id; the receipt tells the
// outcome.
func (api *EthAPI) SendUserOperation(ctx context.Context, op userop.UserOperation, entryPoint common.Address) (common.Hash, error) {
	const method = "eth_sendUserOperation"
	r := api.relayer

	if err := r.checkOperation(&op, entryPoint); err != nil {
		r.metrics.IncRPCRequest(method, "invalid")
		return common.Hash{}, err
	}

	requestID, err := r.entryPoint.GetRequestID(&op)
	if err != nil {
		r.metrics.IncRPCRequest(method, "invalid")
		return common.Hash{}, invalidParams(err)
	}

	entry, err := r.journal.Open(requestID, op.Sender, (*hexutil.Big)(op.Nonce))
	if err != nil {
		return common.Hash{}, fmt.Errorf("journal: %w", err)
	}

	receipts, err := r.entryPoint.HandleOps([]*userop.UserOperation{&op}, r.config.Beneficiary)
	if err != nil {
		r.metrics.IncRPCRequest(method, "rejected")
		r.logger.Info("user operation rejected", "requestId", requestID.Hex(), "sender", op.Sender.Hex(), "error", err)
		if jerr := r.journal.Close(entry, JournalRejected, err); jerr != nil {
			r.logger.Error("failed to update journal", "id", entry.ID, "error", jerr)
		}
		return common.Hash{}, toRPCError(err)
	}

	receipt := receipts[0]
	status := JournalIncluded
	var cause error
	if !receipt.Success {
		status = JournalReverted
		cause = fmt.Errorf("%s", receipt.Reason)
	}

	if err := r.storeReceipt(receipt); err != nil {
		r.metrics.IncRPCRequest(method, "error")
		r.logger.Error("user operation handled but receipt not stored", "requestId", requestID.Hex(), "error", err)
		if jerr := r.journal.Close(entry, status, err); jerr != nil {
			r.logger.Error("failed to update journal", "id", entry.ID, "error", jerr)
		}
		return common.Hash{}, err
	}

	if err := r.journal.Close(entry, status, cause); err != nil {
		r.logger.Error("failed to update journal", "id", entry.ID, "error", err)
	}

	r.metrics.IncRPCRequest(method, string(status))
	r.logger.Info("user operation handled",
		"requestId", requestID.Hex(),
		"sender", op.Sender.Hex(),
		"nonce", op.Nonce.String(),
		"success", receipt.Success,
		"cost", prefund.ToEther(receipt.ActualGasCost).String())
	return requestID, nil
}

// EstimateUserOperationGas returns the budget the entry point will charge for
// op at current fees. A signed op is also simulated, so a rejection or revert
// surfaces here instead of on submission.
func (api *EthAPI) EstimateUserOperationGas(ctx context.Context, op userop.UserOperation, entryPoint common.Address) (*bundler.GasEstimation, error) {
	const method = "eth_estimateUserOperationGas"
	r := api.relayer

	if err := r.checkOperation(&op, entryPoint); err != nil {
		r.metrics.IncRPCRequest(method, "invalid")
		return nil, err
	}

	if len(op.Signature) > 0 {
		if _, err := r.entryPoint.SimulateHandleOp(&op); err != nil {
			r.metrics.IncRPCRequest(method, "rejected")
			return nil, toRPCError(err)
		}
	}

	r.metrics.IncRPCRequest(method, "ok")
	return &bundler.GasEstimation{
		CallGas:            op.CallGas,
		VerificationGas:    op.VerificationGas,
		PreVerificationGas: op.PreVerificationGas,
		RequiredPrefund:    r.entryPoint.RequiredPrefund(&op),
	}, nil
}

// GetUserOperationReceipt returns nil for unknown request ids.
func (api *EthAPI) GetUserOperationReceipt(ctx context.Context, requestID common.Hash) (*entrypoint.Receipt, error) {
	api.relayer.metrics.IncRPCRequest("eth_getUserOperationReceipt", "ok")
	return api.relayer.Receipt(requestID)
}

func (api *EthAPI) SupportedEntryPoints(ctx context.Context) []common.Address {
	api.relayer.metrics.IncRPCRequest("eth_supportedEntryPoints", "ok")
	return []common.Address{api.relayer.config.EntryPoint}
}

func (api *EthAPI) ChainId(ctx context.Context) *hexutil.Big {
	api.relayer.metrics.IncRPCRequest("eth_chainId", "ok")
	return (*hexutil.Big)(api.relayer.host.ChainID())
}

// SafeAPI is the safe4337_ namespace: reads of the module state kept by each
// safe.
type SafeAPI struct {
	relayer *Relayer
}

type AccountStateResult struct {
	Nonce      *hexutil.Big `json:"nonce"`
	Commitment common.Hash  `json:"commitment"`
	Phase      string       `json:"phase"`
}

// GetNonce returns the next nonce the module accepts for sender.
func (api *SafeAPI) GetNonce(ctx context.Context, sender common.Address) (*hexutil.Big, error) {
	st, err := module.Inspect(api.relayer.host, sender)
	if err != nil {
		api.relayer.metrics.IncRPCRequest("safe4337_getNonce", "error")
		return nil, err
	}
	api.relayer.metrics.IncRPCRequest("safe4337_getNonce", "ok")
	return (*hexutil.Big)(st.Nonce), nil
}

func (api *SafeAPI) GetAccountState(ctx context.Context, sender common.Address) (*AccountStateResult, error) {
	st, err := module.Inspect(api.relayer.host, sender)
	if err != nil {
		api.relayer.metrics.IncRPCRequest("safe4337_getAccountState", "error")
		return nil, err
	}
	api.relayer.metrics.IncRPCRequest("safe4337_getAccountState", "ok")
	return &AccountStateResult{
		Nonce:      (*hexutil.Big)(st.Nonce),
		Commitment: st.Commitment,
		Phase:      st.Phase.String(),
	}, nil
}

func (r *Relayer) checkOperation(op *userop.UserOperation, entryPoint common.Address) error {
	if entryPoint != r.config.EntryPoint {
		return invalidParams(fmt.Errorf("unsupported entry point %s", entryPoint.Hex()))
	}
	if err := op.Validate(); err != nil {
		return invalidParams(err)
	}
	return nil
}

func (r *Relayer) storeReceipt(receipt *entrypoint.Receipt) error {
	raw, err := json.Marshal(receipt)
	if err != nil {
		return err
	}
	if err := r.db.Set(schema.ReceiptKey(receipt.UserOpHash), raw); err != nil {
		return fmt.Errorf("store receipt %s: %w", receipt.UserOpHash.Hex(), err)
	}
	return nil
}

// Receipt loads the stored receipt of requestID, nil when there is none.
func (r *Relayer) Receipt(requestID common.Hash) (*entrypoint.Receipt, error) {
	raw, err := r.db.GetKey(schema.ReceiptKey(requestID))
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var receipt entrypoint.Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, fmt.Errorf("decode receipt %s: %w", requestID.Hex(), err)
	}
	return &receipt, nil
}

package relayer

import (
	"errors"

	"github.com/AvaProtocol/safe4337/core/entrypoint"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/bundler"
)

// rpcError carries a JSON-RPC error code and optional data back through the
// go-ethereum rpc server.
type rpcError struct {
	code int
	msg  string
	data interface{}
}

func (e *rpcError) Error() string          { return e.msg }
func (e *rpcError) ErrorCode() int         { return e.code }
func (e *rpcError) ErrorData() interface{} { return e.data }

type failedOpData struct {
	OpIndex int    `json:"opIndex"`
	Reason  string `json:"reason"`
}

func invalidParams(err error) error {
	return &rpcError{code: bundler.CodeInvalidParams, msg: err.Error()}
}

// toRPCError maps entry point errors to their JSON-RPC codes.
func toRPCError(err error) error {
	var failed *entrypoint.FailedOpError
	if errors.As(err, &failed) {
		return &rpcError{
			code: bundler.CodeRejectedByAccount,
			msg:  failed.Error(),
			data: failedOpData{OpIndex: failed.OpIndex, Reason: failed.Reason},
		}
	}

	var reverted *entrypoint.ExecutionRevertedError
	if errors.As(err, &reverted) {
		return &rpcError{code: bundler.CodeExecutionReverted, msg: reverted.Error(), data: reverted.RequestID}
	}

	if errors.Is(err, entrypoint.ErrEmptyBundle) {
		return invalidParams(err)
	}
	return err
}

package module

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrInvalidCaller      = errors.New("module: invalid caller")
	ErrInvalidNonce       = errors.New("module: invalid nonce")
	ErrInvalidPrefund     = errors.New("module: invalid prefund")
	ErrInvalidTransaction = errors.New("module: invalid transaction")
	ErrExecutionFailure   = errors.New("module: execution failure")

	ErrUnknownMethod = errors.New("module: unknown method")
)

// InvalidNonceError carries both sides of a nonce mismatch. It matches
// ErrInvalidNonce with errors.Is.
type InvalidNonceError struct {
	Proposed *big.Int
	Expected *big.Int
}

func (e *InvalidNonceError) Error() string {
	return fmt.Sprintf("%s: proposed %s, expected %s", ErrInvalidNonce, e.Proposed, e.Expected)
}

func (e *InvalidNonceError) Is(target error) bool {
	return target == ErrInvalidNonce
}

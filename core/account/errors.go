package account

import "errors"

var (
	ErrUnauthorized      = errors.New("account: write not authorized by the account")
	ErrModuleNotEnabled  = errors.New("account: module not enabled")
	ErrNoFallbackHandler = errors.New("account: no fallback handler")
	ErrInvalidOperation  = errors.New("account: invalid operation")

	ErrInvalidOwners     = errors.New("account: invalid owner set")
	ErrThresholdNotMet   = errors.New("account: signatures data too short for threshold")
	ErrInvalidSignatures = errors.New("account: invalid owner signature")
)

// Package preset builds, signs and submits user operations for a Safe using
// the diatomic module, through a relayer.
package preset

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/safe4337/core/chainio/signer"
	"github.com/AvaProtocol/safe4337/pkg/eip1559"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/bundler"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/safeop"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/userop"
	"github.com/AvaProtocol/safe4337/pkg/logger"
)

var (
	// Gas limits used when the relayer can not estimate
	DefaultCallGas            = big.NewInt(200_000)
	DefaultVerificationGas    = big.NewInt(300_000)
	DefaultPreVerificationGas = big.NewInt(50_000)

	ErrReceiptTimeout = errors.New("timed out waiting for user operation receipt")
)

const defaultMaxRetries = 3

type Config struct {
	EntryPoint common.Address
	// Owners sign every operation. Their count must reach the safe threshold.
	Owners []*ecdsa.PrivateKey
	// FeeSource is usually an ethclient.Client
	FeeSource eip1559.FeeSource
	FeePolicy *eip1559.Policy

	MaxRetries int
}

// Sender submits operations for any safe the configured owners control and
// tracks pending nonces per safe.
type Sender struct {
	bundler    *bundler.BundlerClient
	nonces     *bundler.NonceManager
	entryPoint common.Address
	owners     []*ecdsa.PrivateKey
	fees       eip1559.FeeSource
	policy     eip1559.Policy
	maxRetries int

	logger logger.Logger
}

func NewSender(bc *bundler.BundlerClient, cfg Config, log logger.Logger) (*Sender, error) {
	if len(cfg.Owners) == 0 {
		return nil, fmt.Errorf("at least one owner key is required")
	}
	if cfg.FeeSource == nil {
		return nil, fmt.Errorf("fee source is required")
	}

	policy := eip1559.DefaultPolicy
	if cfg.FeePolicy != nil {
		policy = *cfg.FeePolicy
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	log = logger.EnsureLogger(log)
	return &Sender{
		bundler:    bc,
		nonces:     bundler.NewNonceManager(bc.GetNonce, log),
		entryPoint: cfg.EntryPoint,
		owners:     cfg.Owners,
		fees:       cfg.FeeSource,
		policy:     policy,
		maxRetries: maxRetries,
		logger:     log,
	}, nil
}

func (s *Sender) EntryPoint() common.Address {
	return s.entryPoint
}

// BuildUserOp fills nonce, fee caps and gas limits for callData sent from
// sender. The result is unsigned.
func (s *Sender) BuildUserOp(ctx context.Context, sender common.Address, callData []byte) (*userop.UserOperation, error) {
	nonce, err := s.nonces.GetNextNonce(ctx, sender)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce for %s: %w", sender.Hex(), err)
	}

	maxFee, tip, err := s.policy.SuggestFee(ctx, s.fees)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest fees: %w", err)
	}

	op := &userop.UserOperation{
		Sender:               sender,
		Nonce:                nonce,
		CallData:             callData,
		CallGas:              new(big.Int).Set(DefaultCallGas),
		VerificationGas:      new(big.Int).Set(DefaultVerificationGas),
		PreVerificationGas:   new(big.Int).Set(DefaultPreVerificationGas),
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tip,
	}

	gas, err := s.bundler.EstimateUserOperationGas(ctx, op, s.entryPoint)
	if err != nil {
		s.logger.Warn("gas estimation failed, using default limits", "sender", sender.Hex(), "error", err)
		return op, nil
	}
	gas.Apply(op)
	s.logger.Debug("gas estimated",
		"callGas", op.CallGas.String(),
		"verificationGas", op.VerificationGas.String(),
		"preVerificationGas", op.PreVerificationGas.String(),
		"requiredPrefund", gas.RequiredPrefund.String())
	return op, nil
}

// Sign sets op.Signature from every owner key over the SafeOp digest.
func (s *Sender) Sign(ctx context.Context, op *userop.UserOperation) error {
	chainID, err := s.bundler.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain id: %w", err)
	}

	sig, err := signer.SignSafeOperation(safeop.UserOperationHash(chainID, op, s.entryPoint), s.owners...)
	if err != nil {
		return fmt.Errorf("failed to sign user operation: %w", err)
	}
	op.Signature = sig
	return nil
}

// Send builds, signs and submits callData from sender. A nonce conflict drops
// the pending nonce and rebuilds the operation.
func (s *Sender) Send(ctx context.Context, sender common.Address, callData []byte) (*userop.UserOperation, common.Hash, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		op, err := s.BuildUserOp(ctx, sender, callData)
		if err != nil {
			return nil, common.Hash{}, err
		}
		if err := s.Sign(ctx, op); err != nil {
			return nil, common.Hash{}, err
		}

		requestID, err := s.bundler.SendUserOperation(ctx, op, s.entryPoint)
		if err == nil {
			s.nonces.IncrementNonce(sender, op.Nonce)
			s.logger.Info("user operation sent",
				"requestId", requestID.Hex(),
				"sender", sender.Hex(),
				"nonce", op.Nonce.String(),
				"attempt", attempt)
			return op, requestID, nil
		}

		lastErr = err
		if !IsNonceConflict(err) {
			break
		}
		s.logger.Info("nonce conflict, refetching nonce", "sender", sender.Hex(), "nonce", op.Nonce.String(), "attempt", attempt)
		s.nonces.ResetNonce(sender)
	}

	return nil, common.Hash{}, fmt.Errorf("error sending user operation to relayer: %w", lastErr)
}

// IsNonceConflict reports whether the relayer rejected an operation because
// its nonce was not the next one.
func IsNonceConflict(err error) bool {
	var rpcErr *bundler.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Code == bundler.CodeRejectedByAccount && strings.Contains(rpcErr.Message, "invalid nonce")
}

// WaitOptions configures receipt polling. The interval grows by Backoff after
// each miss, up to MaxInterval.
type WaitOptions struct {
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Backoff         float64
}

var DefaultWaitOptions = WaitOptions{
	Timeout:         30 * time.Second,
	InitialInterval: 1 * time.Second,
	MaxInterval:     5 * time.Second,
	Backoff:         1.5,
}

// withDefaults fills every unset field from DefaultWaitOptions. A backoff
// below 1 would shrink the interval, so it is replaced too.
func (o WaitOptions) withDefaults() WaitOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultWaitOptions.Timeout
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = DefaultWaitOptions.InitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = DefaultWaitOptions.MaxInterval
	}
	if o.Backoff < 1 {
		o.Backoff = DefaultWaitOptions.Backoff
	}
	return o
}

// WaitForReceipt polls the relayer until the receipt for requestID shows up.
// Polling errors are logged and retried.
func (s *Sender) WaitForReceipt(ctx context.Context, requestID common.Hash, opts WaitOptions) (*bundler.UserOperationReceipt, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	interval := opts.InitialInterval
	for attempt := 1; ; attempt++ {
		receipt, err := s.bundler.GetUserOperationReceipt(ctx, requestID)
		if err != nil {
			s.logger.Warn("receipt polling error", "requestId", requestID.Hex(), "attempt", attempt, "error", err)
		}
		if receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s after %d attempts", ErrReceiptTimeout, requestID.Hex(), attempt)
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * opts.Backoff)
		if interval > opts.MaxInterval {
			interval = opts.MaxInterval
		}
	}
}

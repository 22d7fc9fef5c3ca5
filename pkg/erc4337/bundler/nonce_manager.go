package bundler

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/safe4337/pkg/logger"
)

// NonceFetcher reads the committed nonce of a sender.
type NonceFetcher func(ctx context.Context, sender common.Address) (*big.Int, error)

// NonceManager hands out nonces for operations that are submitted but not yet
// handled by the relayer. It keeps the next expected nonce per sender and
// combines it with the committed nonce.
type NonceManager struct {
	pendingNonces map[common.Address]*big.Int
	fetch         NonceFetcher
	mu            sync.Mutex
	logger        logger.Logger
}

func NewNonceManager(fetch NonceFetcher, log logger.Logger) *NonceManager {
	return &NonceManager{
		pendingNonces: make(map[common.Address]*big.Int),
		fetch:         fetch,
		logger:        logger.EnsureLogger(log),
	}
}

// GetNextNonce returns max(committed nonce, cached pending nonce).
func (nm *NonceManager) GetNextNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	onChainNonce, err := nm.fetch(ctx, sender)
	if err != nil {
		return nil, err
	}

	cachedNonce, hasCached := nm.pendingNonces[sender]
	if !hasCached || onChainNonce.Cmp(cachedNonce) > 0 {
		// first use, or pending operations were handled or dropped
		nm.logger.Debug("using committed nonce", "sender", sender.Hex(), "nonce", onChainNonce.String())
		return new(big.Int).Set(onChainNonce), nil
	}

	nm.logger.Debug("using pending nonce", "sender", sender.Hex(), "nonce", cachedNonce.String(), "committed", onChainNonce.String())
	return new(big.Int).Set(cachedNonce), nil
}

// IncrementNonce records that currentNonce was submitted.
func (nm *NonceManager) IncrementNonce(sender common.Address, currentNonce *big.Int) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.pendingNonces[sender] = new(big.Int).Add(currentNonce, big.NewInt(1))
}

// ResetNonce forgets the pending nonce so the next call reads committed state.
// Use this after a nonce conflict.
func (nm *NonceManager) ResetNonce(sender common.Address) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	delete(nm.pendingNonces, sender)
}

// GetCachedNonce returns the pending nonce for sender without fetching.
func (nm *NonceManager) GetCachedNonce(sender common.Address) (*big.Int, bool) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nonce, ok := nm.pendingNonces[sender]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(nonce), true
}

package account

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/samber/lo"
)

// SignatureLength is the size of one owner signature: r ‖ s ‖ v.
const SignatureLength = 65

// SignaturePolicy decides whether signatures authorize digest. A nil error
// means they do.
type SignaturePolicy interface {
	Verify(digest common.Hash, signatures []byte) error
}

// OwnerThreshold is the Safe owner scheme: threshold ECDSA signatures by
// distinct owners, concatenated in ascending signer address order.
//
// v = 27/28 signs the digest directly. v = 31/32 signs its EIP-191 message
// hash, as produced by eth_sign.
type OwnerThreshold struct {
	owners    []common.Address
	threshold int
}

func NewOwnerThreshold(owners []common.Address, threshold int) (*OwnerThreshold, error) {
	if len(owners) == 0 {
		return nil, fmt.Errorf("%w: no owners", ErrInvalidOwners)
	}
	if threshold < 1 || threshold > len(owners) {
		return nil, fmt.Errorf("%w: threshold %d with %d owners", ErrInvalidOwners, threshold, len(owners))
	}
	if lo.Contains(owners, common.Address{}) {
		return nil, fmt.Errorf("%w: zero address owner", ErrInvalidOwners)
	}
	if len(lo.Uniq(owners)) != len(owners) {
		return nil, fmt.Errorf("%w: duplicate owner", ErrInvalidOwners)
	}

	return &OwnerThreshold{
		owners:    append([]common.Address(nil), owners...),
		threshold: threshold,
	}, nil
}

func (p *OwnerThreshold) Owners() []common.Address {
	return append([]common.Address(nil), p.owners...)
}

func (p *OwnerThreshold) Threshold() int {
	return p.threshold
}

func (p *OwnerThreshold) IsOwner(addr common.Address) bool {
	return lo.Contains(p.owners, addr)
}

// Verify checks the first threshold signatures. Extra trailing bytes are
// ignored.
func (p *OwnerThreshold) Verify(digest common.Hash, signatures []byte) error {
	if len(signatures) < p.threshold*SignatureLength {
		return fmt.Errorf("%w: got %d bytes, need %d", ErrThresholdNotMet, len(signatures), p.threshold*SignatureLength)
	}

	var last common.Address
	for i := 0; i < p.threshold; i++ {
		sig := signatures[i*SignatureLength : (i+1)*SignatureLength]
		signer, err := recoverSigner(digest, sig)
		if err != nil {
			return fmt.Errorf("%w: signature %d: %v", ErrInvalidSignatures, i, err)
		}
		if bytes.Compare(signer.Bytes(), last.Bytes()) <= 0 {
			return fmt.Errorf("%w: signature %d: signers must be unique and ascending", ErrInvalidSignatures, i)
		}
		if !p.IsOwner(signer) {
			return fmt.Errorf("%w: signature %d: %s is not an owner", ErrInvalidSignatures, i, signer.Hex())
		}
		last = signer
	}
	return nil
}

func recoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	rsv := make([]byte, SignatureLength)
	copy(rsv, sig)

	hash := digest.Bytes()
	v := sig[64]
	switch {
	case v == 27 || v == 28:
		rsv[64] = v - 27
	case v == 31 || v == 32:
		hash = accounts.TextHash(hash)
		rsv[64] = v - 31
	default:
		return common.Address{}, fmt.Errorf("unsupported signature type v=%d", v)
	}

	pub, err := crypto.SigToPub(hash, rsv)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

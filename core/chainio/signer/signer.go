// Package signer produces owner signatures in the layout the Safe signature
// policy expects.
package signer

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PrivateKeyFromHex parses a hex encoded secp256k1 key, with or without 0x.
func PrivateKeyFromHex(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
}

// SignDigest signs digest as is. v is 27 or 28.
func SignDigest(key *ecdsa.PrivateKey, digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// SignDigestEthSign signs the EIP-191 message hash of digest, the way a wallet
// answering eth_sign does. v is shifted by 4 (31 or 32) so the Safe knows to
// apply the same prefix when verifying.
func SignDigestEthSign(key *ecdsa.PrivateKey, digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(digest.Bytes()), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 31
	return sig, nil
}

// SignSafeOperation signs digest with every key and concatenates the
// signatures in ascending owner address order.
func SignSafeOperation(digest common.Hash, keys ...*ecdsa.PrivateKey) ([]byte, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no signing keys")
	}

	signatures := make(map[common.Address][]byte, len(keys))
	for _, key := range keys {
		sig, err := SignDigest(key, digest)
		if err != nil {
			return nil, err
		}
		signatures[crypto.PubkeyToAddress(key.PublicKey)] = sig
	}
	return Concat(signatures), nil
}

// Concat joins signatures keyed by owner in ascending owner order.
func Concat(signatures map[common.Address][]byte) []byte {
	owners := make([]common.Address, 0, len(signatures))
	for owner := range signatures {
		owners = append(owners, owner)
	}
	sort.Slice(owners, func(i, j int) bool {
		return bytes.Compare(owners[i].Bytes(), owners[j].Bytes()) < 0
	})

	var out []byte
	for _, owner := range owners {
		out = append(out, signatures[owner]...)
	}
	return out
}

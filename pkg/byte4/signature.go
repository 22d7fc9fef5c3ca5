package byte4

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrNoMethod = errors.New("no matching method")

// Selector returns the 4-byte function selector of a canonical signature such
// as "transfer(address,uint256)".
func Selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

// Signature rebuilds the canonical signature of method from its inputs.
// Tuples are expanded to their component types.
func Signature(method abi.Method) string {
	types := make([]string, 0, len(method.Inputs))
	for _, input := range method.Inputs {
		types = append(types, input.Type.String())
	}
	return fmt.Sprintf("%s(%s)", method.RawName, strings.Join(types, ","))
}

// GetMethodFromCalldata returns the ABI method whose selector prefixes calldata.
func GetMethodFromCalldata(parsedABI abi.ABI, calldata []byte) (*abi.Method, error) {
	if len(calldata) < 4 {
		return nil, fmt.Errorf("invalid selector length: %d", len(calldata))
	}
	methodID := calldata[:4]

	for _, method := range parsedABI.Methods {
		if bytes.Equal(Selector(Signature(method)), methodID) {
			return &method, nil
		}
	}

	return nil, fmt.Errorf("%w for selector 0x%x", ErrNoMethod, methodID)
}

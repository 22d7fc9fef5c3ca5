package prefund

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"github.com/AvaProtocol/safe4337/pkg/erc4337/userop"
)

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

func op(maxFee, maxPriority *big.Int) *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               common.HexToAddress("0x804e49e8C4eDb560AE7c48B554f6d2e27Bb81557"),
		Nonce:                big.NewInt(0),
		CallGas:              big.NewInt(100000),
		VerificationGas:      big.NewInt(200000),
		PreVerificationGas:   big.NewInt(50000),
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: maxPriority,
	}
}

func TestRequiredGas(t *testing.T) {
	plain := op(gwei(10), gwei(1))
	assert.Equal(t, big.NewInt(100000+200000+50000), RequiredGas(plain))

	sponsored := op(gwei(10), gwei(1))
	sponsored.Paymaster = common.HexToAddress("0xB985af5f96EF2722DC99aEBA573520903B86505e")
	assert.Equal(t, big.NewInt(100000+3*200000+50000), RequiredGas(sponsored))

	assert.Equal(t, big.NewInt(100000+5*200000+50000), New(5).RequiredGas(sponsored))
	assert.Equal(t, big.NewInt(100000+200000+50000), New(5).RequiredGas(plain), "multiplier only applies with a paymaster")
	assert.Equal(t, RequiredGas(sponsored), Accountant{}.RequiredGas(sponsored))
}

func TestEffectiveGasPrice(t *testing.T) {
	tests := []struct {
		name     string
		maxFee   *big.Int
		maxPrio  *big.Int
		baseFee  *big.Int
		network  *big.Int
		expected *big.Int
	}{
		{"legacy network cheaper", gwei(20), gwei(20), gwei(100), gwei(15), gwei(15)},
		{"legacy capped by signer", gwei(20), gwei(20), gwei(0), gwei(30), gwei(20)},
		{"tip plus base fee below cap", gwei(50), gwei(2), gwei(10), gwei(40), gwei(12)},
		{"max fee below tip plus base", gwei(11), gwei(2), gwei(10), gwei(40), gwei(11)},
		{"network below everything", gwei(50), gwei(2), gwei(10), gwei(5), gwei(5)},
		{"no base fee", gwei(50), gwei(3), nil, gwei(40), gwei(3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EffectiveGasPrice(op(tt.maxFee, tt.maxPrio), tt.baseFee, tt.network)
			assert.Equal(t, 0, tt.expected.Cmp(got), "expected %s got %s", tt.expected, got)
		})
	}
}

func TestRequiredPrefund(t *testing.T) {
	o := op(gwei(20), gwei(20))
	got := RequiredPrefund(o, gwei(1), gwei(10))
	want := new(big.Int).Mul(big.NewInt(350000), gwei(10))
	assert.Equal(t, 0, want.Cmp(got))

	// inputs are not mutated
	assert.Equal(t, gwei(20), o.MaxFeePerGas)
}

func TestToEther(t *testing.T) {
	assert.Equal(t, "1.5", ToEther(new(big.Int).Mul(big.NewInt(15), big.NewInt(1e17))).String())
	assert.Equal(t, "0.0035", ToEther(new(big.Int).Mul(big.NewInt(350000), gwei(10))).String())
	assert.Equal(t, "0", ToEther(nil).String())
}

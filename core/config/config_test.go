package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
environment: development
chain_id: 31337
base_fee: "1000000000"
gas_price: "2000000000"
entry_point: "0x0576a174D229E3cFA37253523E645A78A0C91B57"
module: "0x00000000000000000000000000000000000d1a70"
db_path: /tmp/safe4337-test
http_bind_address: "localhost:14337"
paymaster_verification_multiplier: 4
vacuum_interval: 30s
backup_dir: /tmp/safe4337-backup
backup_interval: 1h
safes:
  - address: "0x00000000000000000000000000000000005afe01"
    owners:
      - "0x1111111111111111111111111111111111111111"
      - "0x2222222222222222222222222222222222222222"
    threshold: 2
    balance: "1.5"
`

func TestNewConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	c, err := NewConfig(path)
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(31337), c.ChainID)
	assert.Equal(t, big.NewInt(1_000_000_000), c.BaseFee)
	assert.Equal(t, big.NewInt(2_000_000_000), c.GasPrice)
	assert.Equal(t, common.HexToAddress("0x0576a174D229E3cFA37253523E645A78A0C91B57"), c.EntryPoint)
	assert.Equal(t, c.EntryPoint, c.Beneficiary, "beneficiary defaults to the entry point")
	assert.Equal(t, "localhost:14337", c.HttpBindAddress)
	assert.Equal(t, 30*time.Second, c.VacuumInterval)
	assert.Equal(t, "/tmp/safe4337-backup", c.BackupDir)
	assert.Equal(t, time.Hour, c.BackupInterval)
	assert.Equal(t, uint64(4), c.Accountant.PaymasterVerificationMultiplier)
	assert.NotNil(t, c.Logger)

	require.Len(t, c.Safes, 1)
	s := c.Safes[0]
	assert.Equal(t, 2, s.Threshold)
	assert.Equal(t, common.HexToAddress("0x2222222222222222222222222222222222222222"), s.Owners[1])
	expected, _ := new(big.Int).SetString("1500000000000000000", 10)
	assert.Equal(t, expected, s.Balance)
}

func TestParseDefaults(t *testing.T) {
	c, err := Parse([]byte(`
chain_id: 1
entry_point: "0x0576a174D229E3cFA37253523E645A78A0C91B57"
module: "0x00000000000000000000000000000000000d1a70"
`))
	require.NoError(t, err)
	assert.Equal(t, DefaultDbPath, c.DbPath)
	assert.Equal(t, DefaultHttpBindAddress, c.HttpBindAddress)
	assert.Equal(t, DefaultVacuumInterval, c.VacuumInterval)
	assert.Empty(t, c.BackupDir)
	assert.Equal(t, uint64(3), c.Accountant.PaymasterVerificationMultiplier)
	assert.Equal(t, int64(0), c.BaseFee.Int64())
}

func TestParseRejects(t *testing.T) {
	base := "chain_id: 1\nentry_point: \"0x0576a174D229E3cFA37253523E645A78A0C91B57\"\nmodule: \"0x00000000000000000000000000000000000d1a70\"\n"

	tests := []struct {
		name string
		yaml string
	}{
		{"missing chain id", "entry_point: \"0x0576a174D229E3cFA37253523E645A78A0C91B57\"\nmodule: \"0x00000000000000000000000000000000000d1a70\"\n"},
		{"bad entry point", "chain_id: 1\nentry_point: nope\nmodule: \"0x00000000000000000000000000000000000d1a70\"\n"},
		{"same module and entry point", "chain_id: 1\nentry_point: \"0x0576a174D229E3cFA37253523E645A78A0C91B57\"\nmodule: \"0x0576a174D229E3cFA37253523E645A78A0C91B57\"\n"},
		{"bad environment", base + "environment: staging\n"},
		{"negative fee", base + "base_fee: \"-1\"\n"},
		{"threshold above owners", base + "safes:\n  - address: \"0x00000000000000000000000000000000005afe01\"\n    owners: [\"0x1111111111111111111111111111111111111111\"]\n    threshold: 2\n"},
		{"duplicate owner", base + "safes:\n  - address: \"0x00000000000000000000000000000000005afe01\"\n    owners: [\"0x1111111111111111111111111111111111111111\", \"0x1111111111111111111111111111111111111111\"]\n    threshold: 1\n"},
		{"sub wei balance", base + "safes:\n  - address: \"0x00000000000000000000000000000000005afe01\"\n    owners: [\"0x1111111111111111111111111111111111111111\"]\n    threshold: 1\n    balance: \"0.0000000000000000001\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

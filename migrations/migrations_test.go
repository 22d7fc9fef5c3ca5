package migrations

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/safe4337/core/chain"
	"github.com/AvaProtocol/safe4337/core/config"
	"github.com/AvaProtocol/safe4337/core/migrator"
	"github.com/AvaProtocol/safe4337/core/testutil"
)

func TestGenesisFundingRunsOnce(t *testing.T) {
	db := testutil.TestMustMemoryDB()
	defer db.Close()

	host, err := chain.NewHost(chain.Config{ChainID: testutil.ChainID, BaseFee: testutil.BaseFee, GasPrice: testutil.GasPrice}, db, nil)
	require.NoError(t, err)

	funded := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	empty := common.HexToAddress("0x00000000000000000000000000000000000000a2")
	c := &config.Config{Safes: []config.SafeConfig{
		{Address: funded, Balance: big.NewInt(params.Ether)},
		{Address: empty},
	}}

	for i := 0; i < 2; i++ {
		require.NoError(t, migrator.NewMigrator(db, nil, Migrations(host, c), testutil.GetLogger()).Run())
	}

	balance, err := host.Balance(funded)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(params.Ether), balance)

	balance, err = host.Balance(empty)
	require.NoError(t, err)
	assert.Zero(t, balance.Sign())

	record, err := db.GetKey([]byte("migration:" + GenesisFunding))
	require.NoError(t, err)
	assert.Contains(t, string(record), "records=1,")
}

package migrations

import (
	"github.com/AvaProtocol/safe4337/core/chain"
	"github.com/AvaProtocol/safe4337/core/config"
	"github.com/AvaProtocol/safe4337/core/migrator"
)

// GenesisFunding is recorded once the configured safe balances are credited.
const GenesisFunding = "20261016-000000-genesis-funding"

// Migrations returns the ledger migrations for host in the order they must be
// applied. Names are stored in the database, so never rename an entry once it
// has shipped.
func Migrations(host *chain.Host, c *config.Config) []migrator.Migration {
	return []migrator.Migration{
		{
			Name:     GenesisFunding,
			Function: FundGenesisSafes(host, c.Safes),
		},
	}
}

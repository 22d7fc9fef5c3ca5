package migrations

import (
	"github.com/AvaProtocol/safe4337/core/chain"
	"github.com/AvaProtocol/safe4337/core/config"
	"github.com/AvaProtocol/safe4337/core/migrator"
	"github.com/AvaProtocol/safe4337/storage"
)

// FundGenesisSafes credits the configured balance of every safe in a single
// ledger transaction.
func FundGenesisSafes(host *chain.Host, safes []config.SafeConfig) migrator.MigrationFunc {
	return func(db storage.Storage) (int, error) {
		funded := 0
		err := host.Transact(func() error {
			for _, sc := range safes {
				if sc.Balance == nil || sc.Balance.Sign() <= 0 {
					continue
				}
				host.State().AddBalance(sc.Address, sc.Balance)
				funded++
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
		return funded, nil
	}
}

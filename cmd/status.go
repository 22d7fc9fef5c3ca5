package cmd

import (
	"fmt"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/safe4337/core/chain"
	coreconfig "github.com/AvaProtocol/safe4337/core/config"
	"github.com/AvaProtocol/safe4337/core/module"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/prefund"
	"github.com/AvaProtocol/safe4337/relayer"
	"github.com/AvaProtocol/safe4337/storage"
	"github.com/AvaProtocol/safe4337/storage/schema"
)

const statusJournalTail = 10

var (
	statusDbPath string

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Display relayer ledger status",
		Long: `Display the module state of every configured safe and the latest relayer
submissions, read straight from the relayer database.

The relayer holds a lock on its database: stop it first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := coreconfig.NewConfig(config)
			if err != nil {
				return err
			}
			path := c.DbPath
			if statusDbPath != "" {
				path = statusDbPath
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Relayer Status Report\n")
			fmt.Fprintf(out, "=====================\n\n")
			fmt.Fprintf(out, "Using database path: %s\n\n", path)

			db, err := storage.NewWithPath(path)
			if err != nil {
				return fmt.Errorf("failed to open database (is the relayer still running?): %w", err)
			}
			defer db.Close()

			host, err := chain.NewHost(chain.Config{ChainID: c.ChainID, BaseFee: c.BaseFee, GasPrice: c.GasPrice}, db, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Block number: %d\n\n", host.BlockNumber())

			fmt.Fprintf(out, "Safes:\n")
			for _, safe := range c.Safes {
				st, err := module.Inspect(host, safe.Address)
				if err != nil {
					return err
				}
				balance, err := host.Balance(safe.Address)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "   %s nonce=%s phase=%s balance=%s ether\n",
					safe.Address.Hex(), st.Nonce.String(), st.Phase, prefund.ToEther(balance).String())
				if st.Phase == module.Committed {
					fmt.Fprintf(out, "      pending commitment %s\n", st.Commitment.Hex())
				}
			}

			receipts, err := db.CountKeysByPrefix(schema.ReceiptPrefix())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nReceipts: %d\n", receipts)

			entries, err := relayer.ListJournal(db)
			if err != nil {
				return err
			}
			counts := lo.CountValuesBy(entries, func(e *relayer.JournalEntry) relayer.JournalStatus { return e.Status })
			fmt.Fprintf(out, "Submissions: %d (included %d, reverted %d, rejected %d, pending %d)\n",
				len(entries),
				counts[relayer.JournalIncluded],
				counts[relayer.JournalReverted],
				counts[relayer.JournalRejected],
				counts[relayer.JournalPending])

			for _, e := range lo.Subset(entries, -statusJournalTail, statusJournalTail) {
				fmt.Fprintf(out, "   %s %s %s nonce=%s %s", e.ID, e.Status, e.Sender.Hex(), e.Nonce.ToInt().String(), e.RequestID.Hex())
				if e.Error != "" {
					fmt.Fprintf(out, " error=%q", e.Error)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
)

func init() {
	statusCmd.Flags().StringVar(&statusDbPath, "db-path", "", "Override db_path from config")
	rootCmd.AddCommand(statusCmd)
}

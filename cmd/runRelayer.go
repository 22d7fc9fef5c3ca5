package cmd

import (
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/safe4337/relayer"
)

var (
	runRelayerCmd = &cobra.Command{
		Use:   "relayer",
		Short: "Run relayer",
		Long: `Initialize and run the relayer: a ledger with the module, the entry point
and the safes from config, served over JSON-RPC.

Use --config=path-to-your-config-file. default is=./config/relayer.yaml `,
		RunE: func(cmd *cobra.Command, args []string) error {
			return relayer.RunWithConfig(config)
		},
	}
)

func init() {
	rootCmd.AddCommand(runRelayerCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	coreconfig "github.com/AvaProtocol/safe4337/core/config"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/bundler"
)

var entryPointsCmd = &cobra.Command{
	Use:   "entrypoints",
	Short: "Query the relayer chain id and entry points",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := coreconfig.NewConfig(config)
		if err != nil {
			return err
		}
		bc := bundler.NewBundlerClient(bundlerURL(c), nil, c.Logger)

		chainID, err := bc.ChainID(cmd.Context())
		if err != nil {
			return err
		}
		entryPoints, err := bc.SupportedEntryPoints(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "relayer: %s\n", bc.URL())
		fmt.Fprintf(out, "chainId: %s\n", chainID.String())
		for i, ep := range entryPoints {
			fmt.Fprintf(out, "entryPoint[%d]: %s\n", i, ep.Hex())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(entryPointsCmd)
}

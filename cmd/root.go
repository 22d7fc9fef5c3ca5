package cmd

import (
	"os"

	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	config  = "./config/relayer.yaml"
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "safe4337",
		Short: "Safe ERC-4337 diatomic module tools",
		Long: `Run a development relayer for Safes using the diatomic 4337 module,
and build, hash and submit user operations against it.

Such as "safe4337 relayer" or "safe4337 send" and so on
`,
		SilenceUsage: true,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// dump prints v in detail when --verbose is set.
func dump(cmd *cobra.Command, v interface{}) {
	if !verbose {
		return
	}
	printer := pp.New()
	printer.SetOutput(cmd.OutOrStdout())
	printer.SetColoringEnabled(false)
	printer.Println(v)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config, "config", "c", "config/relayer.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "dump full structs")
}

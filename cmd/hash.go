package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	coreconfig "github.com/AvaProtocol/safe4337/core/config"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/prefund"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/safeop"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/userop"
)

var (
	opFile string

	hashCmd = &cobra.Command{
		Use:   "hash",
		Short: "Print the hashes of a user operation",
		Long: `Print the SafeOp digest owners sign, the request id the entry point assigns
and the prefund the entry point will ask for, for the user operation in --op.

Chain id, entry point and fees are read from --config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := coreconfig.NewConfig(config)
			if err != nil {
				return err
			}
			op, err := readUserOperation(opFile)
			if err != nil {
				return err
			}

			opHash, err := userop.Hash(op)
			if err != nil {
				return err
			}
			requestID, err := userop.RequestID(op, c.EntryPoint, c.ChainID)
			if err != nil {
				return err
			}
			required := c.Accountant.RequiredPrefund(op, c.BaseFee, c.GasPrice)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "safeOperationHash: %s\n", safeop.UserOperationHash(c.ChainID, op, c.EntryPoint).Hex())
			fmt.Fprintf(out, "userOpHash:        %s\n", opHash.Hex())
			fmt.Fprintf(out, "requestId:         %s\n", requestID.Hex())
			fmt.Fprintf(out, "requiredGas:       %s\n", c.Accountant.RequiredGas(op).String())
			fmt.Fprintf(out, "requiredPrefund:   %s wei (%s ether)\n", required.String(), prefund.ToEther(required).String())

			dump(cmd, safeop.FromUserOperation(op, c.EntryPoint))
			return nil
		},
	}
)

func readUserOperation(path string) (*userop.UserOperation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read user operation: %w", err)
	}
	var op userop.UserOperation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("decode user operation %s: %w", path, err)
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return &op, nil
}

func init() {
	hashCmd.Flags().StringVar(&opFile, "op", "", "Path to a user operation JSON file (required)")
	hashCmd.MarkFlagRequired("op")
	rootCmd.AddCommand(hashCmd)
}

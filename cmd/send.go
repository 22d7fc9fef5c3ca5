package cmd

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/safe4337/core/account"
	"github.com/AvaProtocol/safe4337/core/chainio/signer"
	coreconfig "github.com/AvaProtocol/safe4337/core/config"
	"github.com/AvaProtocol/safe4337/core/module"
	"github.com/AvaProtocol/safe4337/pkg/eip1559"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/bundler"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/preset"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/userop"
)

type sendOptions struct {
	OpFile       string
	Safe         string
	To           string
	Value        string
	Data         string
	DelegateCall bool
	OwnerKeys    []string
	Wait         bool
}

var (
	sendOpts = sendOptions{}

	sendCmd = &cobra.Command{
		Use:   "send",
		Short: "Sign and submit a user operation",
		Long: `Sign a user operation with owner keys and submit it to the relayer.

Either pass a prepared operation with --op, which is signed as is, or let the
command build one from --safe, --to, --value and --data. Built operations get
their nonce from the relayer, fees from eth_rpc_url (or config fees) and gas
limits from eth_estimateUserOperationGas.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, sendOpts)
		},
	}
)

func runSend(cmd *cobra.Command, opts sendOptions) error {
	c, err := coreconfig.NewConfig(config)
	if err != nil {
		return err
	}
	keys, err := parseOwnerKeys(opts.OwnerKeys)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	fees, closeFees, err := feeSource(ctx, c)
	if err != nil {
		return err
	}
	defer closeFees()

	bc := bundler.NewBundlerClient(bundlerURL(c), nil, c.Logger)
	sender, err := preset.NewSender(bc, preset.Config{
		EntryPoint: c.EntryPoint,
		Owners:     keys,
		FeeSource:  fees,
	}, c.Logger)
	if err != nil {
		return err
	}

	var (
		op        *userop.UserOperation
		requestID common.Hash
	)
	if opts.OpFile != "" {
		op, err = readUserOperation(opts.OpFile)
		if err != nil {
			return err
		}
		if err := sender.Sign(ctx, op); err != nil {
			return err
		}
		requestID, err = bc.SendUserOperation(ctx, op, c.EntryPoint)
	} else {
		var callData []byte
		callData, err = buildCallData(opts)
		if err != nil {
			return err
		}
		op, requestID, err = sender.Send(ctx, common.HexToAddress(opts.Safe), callData)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "requestId: %s\n", requestID.Hex())
	fmt.Fprintf(out, "nonce:     %s\n", op.Nonce.String())
	dump(cmd, op)

	if !opts.Wait {
		return nil
	}
	receipt, err := sender.WaitForReceipt(ctx, requestID, preset.DefaultWaitOptions)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "success:   %t\n", receipt.Success)
	if receipt.Reason != "" {
		fmt.Fprintf(out, "reason:    %s\n", receipt.Reason)
	}
	fmt.Fprintf(out, "gas cost:  %s wei\n", receipt.ActualGasCost.ToInt().String())
	dump(cmd, receipt)
	return nil
}

func buildCallData(opts sendOptions) ([]byte, error) {
	if !common.IsHexAddress(opts.Safe) || !common.IsHexAddress(opts.To) {
		return nil, fmt.Errorf("--safe and --to must be hex addresses")
	}

	value := new(big.Int)
	if opts.Value != "" {
		if _, ok := value.SetString(opts.Value, 10); !ok {
			return nil, fmt.Errorf("invalid --value %q, expected wei in base 10", opts.Value)
		}
	}

	var data []byte
	if opts.Data != "" {
		var err error
		if data, err = hexutil.Decode(opts.Data); err != nil {
			return nil, fmt.Errorf("invalid --data: %w", err)
		}
	}

	operation := account.Call
	if opts.DelegateCall {
		operation = account.DelegateCall
	}
	return module.PackExecTransaction(common.HexToAddress(opts.To), value, data, operation)
}

func parseOwnerKeys(raw []string) ([]*ecdsa.PrivateKey, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("at least one --owner-key is required")
	}
	keys := make([]*ecdsa.PrivateKey, 0, len(raw))
	for i, k := range raw {
		key, err := signer.PrivateKeyFromHex(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("owner key #%d: %w", i+1, err)
		}
		keys = append(keys, key)
	}
	return lo.UniqBy(keys, func(k *ecdsa.PrivateKey) string { return k.D.String() }), nil
}

func bundlerURL(c *coreconfig.Config) string {
	if c.BundlerURL != "" {
		return c.BundlerURL
	}
	return "http://" + c.HttpBindAddress
}

// feeSource reads fees from eth_rpc_url when configured, otherwise from the
// fees of the local ledger.
func feeSource(ctx context.Context, c *coreconfig.Config) (eip1559.FeeSource, func(), error) {
	if c.EthRpcUrl != "" {
		client, err := ethclient.DialContext(ctx, c.EthRpcUrl)
		if err != nil {
			return nil, nil, fmt.Errorf("dial %s: %w", c.EthRpcUrl, err)
		}
		return client, client.Close, nil
	}

	tip := new(big.Int).Sub(c.GasPrice, c.BaseFee)
	if tip.Sign() < 0 {
		tip.SetInt64(0)
	}
	return eip1559.StaticFeeSource{BaseFee: c.BaseFee, Tip: tip}, func() {}, nil
}

func init() {
	sendCmd.Flags().StringVar(&sendOpts.OpFile, "op", "", "Path to a user operation JSON file to sign and send")
	sendCmd.Flags().StringVar(&sendOpts.Safe, "safe", "", "Safe sending the operation")
	sendCmd.Flags().StringVar(&sendOpts.To, "to", "", "Call target")
	sendCmd.Flags().StringVar(&sendOpts.Value, "value", "0", "Value in wei")
	sendCmd.Flags().StringVar(&sendOpts.Data, "data", "", "Hex call data for the target")
	sendCmd.Flags().BoolVar(&sendOpts.DelegateCall, "delegatecall", false, "Run the target code in the safe context")
	sendCmd.Flags().StringSliceVarP(&sendOpts.OwnerKeys, "owner-key", "k", nil, "Owner private key, repeat for each signer")
	sendCmd.Flags().BoolVar(&sendOpts.Wait, "wait", false, "Wait for the receipt")
	sendCmd.MarkFlagsMutuallyExclusive("op", "safe")
	rootCmd.AddCommand(sendCmd)
}

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/spf13/cobra"

	"github.com/vultisig/mpc-coordinator/api"
	"github.com/vultisig/mpc-coordinator/descriptor"
	"github.com/vultisig/mpc-coordinator/internal/types"
)

const (
	flagVault       = "vault"
	flagChain       = "chain"
	flagDestination = "to"
	flagAmount      = "amount"
)

func signCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "prepare a transfer and start the signing ceremony",
		RunE: func(cmd *cobra.Command, _ []string) error {
			coord, _, cleanup, err := buildCoordinator(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			vaultID, _ := cmd.Flags().GetString(flagVault)
			chain, _ := cmd.Flags().GetString(flagChain)
			destination, _ := cmd.Flags().GetString(flagDestination)
			amountStr, _ := cmd.Flags().GetString(flagAmount)
			passphrase, _ := cmd.Flags().GetString(flagPassphrase)
			server, _ := cmd.Flags().GetString(flagServer)

			amount, ok := new(big.Int).SetString(amountStr, 10)
			if !ok {
				return fmt.Errorf("invalid amount: %s", amountStr)
			}

			ctx := context.Background()
			intent, err := coord.PrepareSigning(ctx, vaultID, destination, amount, chain)
			if err != nil {
				return fmt.Errorf("fail to prepare signing: %w", err)
			}
			if server != "" {
				// Fast vault: the server party approves through its API
				// rather than by scanning the descriptor.
				client := api.NewClient(server)
				desc := intent.Descriptor
				if _, err := client.SignMessages(ctx, types.KeysignRequest{
					VaultID:          intent.VaultID,
					PublicKey:        desc.PublicKey,
					Chain:            intent.Chain,
					Destination:      intent.Destination,
					Amount:           intent.Amount.String(),
					RawTx:            hex.EncodeToString(intent.Payload.Unsigned),
					Messages:         intent.Payload.Hashes,
					SessionID:        intent.SessionID,
					HexEncryptionKey: intent.HexEncryptionKey,
					DerivePath:       intent.DerivePath,
					VaultPassword:    passphrase,
				}); err != nil {
					return fmt.Errorf("fail to request server approval: %w", err)
				}
			}
			if err := coord.InitiateSigning(ctx, intent, passphrase); err != nil {
				return fmt.Errorf("fail to sign: %w", err)
			}
			fmt.Printf("transaction broadcast: %s\n", intent.TxID)
			return nil
		},
	}
	cmd.Flags().String(flagVault, "", "vault id")
	cmd.Flags().String(flagChain, "Ethereum", "chain name")
	cmd.Flags().String(flagDestination, "", "destination address")
	cmd.Flags().String(flagAmount, "", "amount in the chain's base unit")
	_ = cmd.MarkFlagRequired(flagVault)
	_ = cmd.MarkFlagRequired(flagDestination)
	_ = cmd.MarkFlagRequired(flagAmount)
	return cmd
}

func approveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "approve an in-progress signing ceremony from its descriptor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			coord, _, cleanup, err := buildCoordinator(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			encoded, _ := cmd.Flags().GetString(flagDescriptor)
			desc, err := descriptor.Decode(encoded)
			if err != nil {
				return fmt.Errorf("fail to decode descriptor: %w", err)
			}
			passphrase, _ := cmd.Flags().GetString(flagPassphrase)

			fmt.Printf("signing %s to %s on %s\n",
				desc.Amount, desc.Destination, desc.Chain)
			intent, err := coord.ApproveSigning(context.Background(), desc, passphrase)
			if err != nil {
				return fmt.Errorf("fail to approve signing: %w", err)
			}
			fmt.Printf("transaction broadcast: %s\n", intent.TxID)
			return nil
		},
	}
	cmd.Flags().String(flagDescriptor, "", "encoded session descriptor")
	_ = cmd.MarkFlagRequired(flagDescriptor)
	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vultisig/mpc-coordinator/api"
	"github.com/vultisig/mpc-coordinator/coordinator"
	"github.com/vultisig/mpc-coordinator/descriptor"
	"github.com/vultisig/mpc-coordinator/internal/types"
	"github.com/vultisig/mpc-coordinator/registry"
)

const (
	flagName         = "name"
	flagKind         = "kind"
	flagThreshold    = "threshold"
	flagParticipants = "participants"
	flagDescriptor   = "descriptor"
)

func vaultCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "create, join, list and delete vaults",
	}
	cmd.AddCommand(
		vaultCreateCommand(),
		vaultJoinCommand(),
		vaultListCommand(),
		vaultDeleteCommand(),
	)
	return cmd
}

func vaultCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "start a keygen ceremony and wait for the other devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			coord, obs, cleanup, err := buildCoordinator(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			name, _ := cmd.Flags().GetString(flagName)
			kind, _ := cmd.Flags().GetString(flagKind)
			threshold, _ := cmd.Flags().GetInt(flagThreshold)
			participants, _ := cmd.Flags().GetInt(flagParticipants)
			passphrase, _ := cmd.Flags().GetString(flagPassphrase)
			server, _ := cmd.Flags().GetString(flagServer)

			ctx := context.Background()
			if server != "" {
				kind = string(registry.KindFast)
				// The server enrollment needs the minted vault and
				// session ids, which only the descriptor carries.
				go func() {
					desc := <-obs.ready
					if err := enrollServer(ctx, server, desc, passphrase); err != nil {
						fmt.Fprintf(os.Stderr, "fail to enroll server party: %v\n", err)
					}
				}()
			}

			vault, err := coord.CreateVault(ctx, coordinator.CreateVaultParams{
				Name:         name,
				Kind:         registry.VaultKind(kind),
				Threshold:    threshold,
				Participants: participants,
				Passphrase:   passphrase,
			})
			if err != nil {
				return fmt.Errorf("fail to create vault: %w", err)
			}
			fmt.Printf("vault %s created\n", vault.ID)
			fmt.Printf("ecdsa public key: %s\n", vault.PublicKeyECDSA)
			fmt.Printf("eddsa public key: %s\n", vault.PublicKeyEdDSA)
			return nil
		},
	}
	cmd.Flags().String(flagName, "", "vault display name")
	cmd.Flags().String(flagKind, string(registry.KindSecure), "vault kind: fast or secure")
	cmd.Flags().Int(flagThreshold, 2, "signing threshold t")
	cmd.Flags().Int(flagParticipants, 2, "total participants n")
	_ = cmd.MarkFlagRequired(flagName)
	return cmd
}

// enrollServer asks a fast-vault server to join the announced keygen
// session as the co-signing party.
func enrollServer(ctx context.Context, server string, desc *descriptor.Descriptor, passphrase string) error {
	client := api.NewClient(server)
	return client.CreateVault(ctx, types.VaultCreateRequest{
		Name:               desc.VaultName,
		VaultID:            desc.VaultID,
		SessionID:          desc.SessionID,
		HexEncryptionKey:   desc.HexEncryptionKey,
		HexChainCode:       desc.HexChainCode,
		Threshold:          desc.Threshold,
		Participants:       desc.Participants,
		EncryptionPassword: passphrase,
	})
}

func vaultJoinCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join",
		Short: "join a keygen ceremony from a session descriptor",
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

			vault, err := coord.JoinVault(context.Background(), desc, passphrase)
			if err != nil {
				return fmt.Errorf("fail to join vault: %w", err)
			}
			fmt.Printf("vault %s joined\n", vault.ID)
			fmt.Printf("ecdsa public key: %s\n", vault.PublicKeyECDSA)
			return nil
		},
	}
	cmd.Flags().String(flagDescriptor, "", "encoded session descriptor")
	_ = cmd.MarkFlagRequired(flagDescriptor)
	return cmd
}

func vaultListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list registered vaults",
		RunE: func(cmd *cobra.Command, _ []string) error {
			coord, _, cleanup, err := buildCoordinator(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			vaults, err := coord.Vaults(context.Background())
			if err != nil {
				return fmt.Errorf("fail to list vaults: %w", err)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tKIND\tCOMMITTEE\tCREATED")
			for _, v := range vaults {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d of %d\t%s\n",
					v.ID, v.Name, v.Kind, v.Threshold, v.Participants,
					v.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func vaultDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [vault-id]",
		Short: "delete the local key share and registry entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, _, cleanup, err := buildCoordinator(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := coord.DeleteVault(context.Background(), args[0]); err != nil {
				return fmt.Errorf("fail to delete vault: %w", err)
			}
			fmt.Printf("vault %s deleted\n", args[0])
			return nil
		},
	}
}

// mpcctl is the operator CLI: it drives keygen and signing ceremonies from
// a terminal, prints session descriptors for the other devices to scan or
// paste, and can run a standalone relay.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/vultisig/mpc-coordinator/ceremony"
	"github.com/vultisig/mpc-coordinator/config"
	"github.com/vultisig/mpc-coordinator/coordinator"
	"github.com/vultisig/mpc-coordinator/descriptor"
	"github.com/vultisig/mpc-coordinator/internal/bootstrap"
	"github.com/vultisig/mpc-coordinator/keyshare"
	"github.com/vultisig/mpc-coordinator/mpc/gg20"
	"github.com/vultisig/mpc-coordinator/registry"
	"github.com/vultisig/mpc-coordinator/relay"
)

const (
	flagRelay      = "relay"
	flagParty      = "party"
	flagShareDir   = "share_dir"
	flagRegistry   = "registry_path"
	flagPassphrase = "passphrase"
	flagChunkSize  = "chunk_size"
	flagEthRPC     = "eth_rpc"
	flagChainID    = "chain_id"
	flagServer     = "server"
)

var rootCmd = &cobra.Command{
	Use:   "mpcctl",
	Short: "threshold-signing coordinator cli",
}

func init() {
	rootCmd.PersistentFlags().String(flagRelay, "http://127.0.0.1:8090", "relay server URL")
	rootCmd.PersistentFlags().String(flagParty, "", "local party id (defaults to hostname)")
	rootCmd.PersistentFlags().String(flagShareDir, "shares", "directory for sealed key shares")
	rootCmd.PersistentFlags().String(flagRegistry, "registry.db", "path of the local vault registry")
	rootCmd.PersistentFlags().String(flagPassphrase, "", "vault passphrase")
	rootCmd.PersistentFlags().Int(flagChunkSize, 256, "descriptor chunk size for QR frames")
	rootCmd.PersistentFlags().String(flagEthRPC, "", "ethereum RPC endpoint, enables EVM signing")
	rootCmd.PersistentFlags().Int64(flagChainID, 1, "EVM chain id")
	rootCmd.PersistentFlags().String(flagServer, "", "fast-vault server URL; enrolls the server as co-signer")
}

func main() {
	rootCmd.AddCommand(
		vaultCommand(),
		signCommand(),
		approveCommand(),
		relayCommand(),
	)
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("fail to execute command: %v", err)
	}
}

// cliObserver narrates ceremony progress on stderr and prints the session
// descriptor, whole and chunked, for the other devices. The ready channel
// hands the descriptor to flows that forward it programmatically, such as
// fast-vault server enrollment.
type cliObserver struct {
	chunkSize int
	ready     chan *descriptor.Descriptor
}

func (o *cliObserver) OnStatusChanged(vaultID, sessionID string, phase ceremony.Phase) {
	fmt.Fprintf(os.Stderr, "session %s: %s\n", sessionID, phase)
}

func (o *cliObserver) OnSessionReady(desc *descriptor.Descriptor) {
	encoded, err := desc.Encode()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fail to encode descriptor: %v\n", err)
		return
	}
	fmt.Printf("share this descriptor with the other devices:\n%s\n", encoded)
	chunks, err := descriptor.ToChunks(encoded, o.chunkSize)
	if err == nil && len(chunks) > 1 {
		fmt.Fprintln(os.Stderr, "descriptor frames:")
		for _, chunk := range chunks {
			fmt.Fprintln(os.Stderr, chunk)
		}
	}
	select {
	case o.ready <- desc:
	default:
	}
}

func (o *cliObserver) OnParticipantJoined(sessionID, partyID string, joined, required int) {
	fmt.Fprintf(os.Stderr, "%s joined session %s (%d/%d)\n", partyID, sessionID, joined, required)
}

// buildCoordinator wires a device-local coordinator: file share store,
// leveldb registry, relay transport and the gg20 engine.
func buildCoordinator(cmd *cobra.Command) (*coordinator.Coordinator, *cliObserver, func(), error) {
	relayServer, err := cmd.Flags().GetString(flagRelay)
	if err != nil {
		return nil, nil, nil, err
	}
	partyID, err := cmd.Flags().GetString(flagParty)
	if err != nil {
		return nil, nil, nil, err
	}
	if partyID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("fail to derive party id: %w", err)
		}
		partyID = hostname
	}
	shareDir, err := cmd.Flags().GetString(flagShareDir)
	if err != nil {
		return nil, nil, nil, err
	}
	registryPath, err := cmd.Flags().GetString(flagRegistry)
	if err != nil {
		return nil, nil, nil, err
	}
	chunkSize, err := cmd.Flags().GetInt(flagChunkSize)
	if err != nil {
		return nil, nil, nil, err
	}

	ethRPC, err := cmd.Flags().GetString(flagEthRPC)
	if err != nil {
		return nil, nil, nil, err
	}
	chainID, err := cmd.Flags().GetInt64(flagChainID)
	if err != nil {
		return nil, nil, nil, err
	}

	var chainCfg config.Config
	chainCfg.Chain.EthereumRPC = ethRPC
	chainCfg.Chain.ChainID = chainID
	codecs, broadcasters, err := bootstrap.BuildChainSet(&chainCfg)
	if err != nil {
		return nil, nil, nil, err
	}

	shares, err := keyshare.NewFileStore(shareDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("fail to open share store: %w", err)
	}
	reg, err := registry.NewLevelDBRegistry(registryPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("fail to open vault registry: %w", err)
	}
	cleanup := func() {
		if err := reg.Close(); err != nil {
			log.Printf("fail to close registry: %v", err)
		}
	}

	obs := &cliObserver{
		chunkSize: chunkSize,
		ready:     make(chan *descriptor.Descriptor, 4),
	}
	coord, err := coordinator.New(coordinator.Config{
		LocalPartyID: partyID,
		RelayServer:  relayServer,
		Transport:    relay.NewRelayClient(relayServer),
		Engine:       gg20.NewEngine(),
		Registry:     reg,
		Shares:       shares,
		Codecs:       codecs,
		Broadcasters: broadcasters,
		Observer:     obs,
	})
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	return coord, obs, cleanup, nil
}

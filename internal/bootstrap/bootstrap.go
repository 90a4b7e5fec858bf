// Package bootstrap assembles the configured backends the binaries share:
// the vault registry and the per-chain codec and broadcaster sets.
package bootstrap

import (
	"fmt"
	"log"
	"math/big"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/vultisig/mpc-coordinator/broadcast"
	"github.com/vultisig/mpc-coordinator/config"
	"github.com/vultisig/mpc-coordinator/registry"
	"github.com/vultisig/mpc-coordinator/registry/postgres"
	"github.com/vultisig/mpc-coordinator/txcodec"
)

// OpenRegistry returns the configured vault registry plus its close
// function. Postgres backends run their embedded migrations on open.
func OpenRegistry(cfg *config.Config) (registry.Registry, func(), error) {
	switch cfg.Registry.Backend {
	case "memory":
		return registry.NewMemoryRegistry(), func() {}, nil
	case "leveldb":
		reg, err := registry.NewLevelDBRegistry(cfg.Registry.Path)
		if err != nil {
			return nil, nil, err
		}
		return reg, func() {
			if err := reg.Close(); err != nil {
				log.Printf("fail to close registry: %v", err)
			}
		}, nil
	case "postgres":
		backend, err := postgres.NewBackend(cfg.Registry.DSN)
		if err != nil {
			return nil, nil, err
		}
		return backend, func() {
			if err := backend.Close(); err != nil {
				log.Printf("fail to close registry: %v", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry backend: %s", cfg.Registry.Backend)
	}
}

// BuildChainSet dials the configured chain RPCs and returns the codec and
// broadcaster sets. With no RPC configured both sets are empty; signing
// then fails on codec lookup rather than at startup.
func BuildChainSet(cfg *config.Config) (*txcodec.Set, *broadcast.Set, error) {
	codecs := txcodec.NewSet()
	broadcasters := broadcast.NewSet()
	if cfg.Chain.EthereumRPC == "" {
		return codecs, broadcasters, nil
	}
	client, err := ethclient.Dial(cfg.Chain.EthereumRPC)
	if err != nil {
		return nil, nil, fmt.Errorf("fail to dial ethereum rpc: %w", err)
	}
	chainID := big.NewInt(cfg.Chain.ChainID)
	codecs = txcodec.NewSet(txcodec.NewEVM("Ethereum", chainID, client))
	broadcasters = broadcast.NewSet(broadcast.NewEVM("Ethereum", client))
	return codecs, broadcasters, nil
}

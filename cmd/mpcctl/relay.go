package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/vultisig/mpc-coordinator/config"
	"github.com/vultisig/mpc-coordinator/relay"
)

const (
	flagPort   = "port"
	flagConfig = "config"
)

func relayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "run the rendezvous relay",
	}
	cmd.AddCommand(relayServeCommand())
	return cmd
}

func relayServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve the relay; in-memory sessions unless a config points at redis",
		RunE: func(cmd *cobra.Command, _ []string) error {
			port, _ := cmd.Flags().GetInt64(flagPort)
			configName, _ := cmd.Flags().GetString(flagConfig)

			var store relay.SessionStore = relay.NewInMemorySessionStore()
			if configName != "" {
				cfg, err := config.ReadConfig(configName)
				if err != nil {
					return fmt.Errorf("fail to read config: %w", err)
				}
				redisStore, err := relay.NewRedisSessionStore(cfg)
				if err != nil {
					return fmt.Errorf("fail to connect to redis: %w", err)
				}
				defer func() {
					if err := redisStore.Close(); err != nil {
						log.Printf("fail to close session store: %v", err)
					}
				}()
				store = redisStore
			}

			server := relay.NewServer(port, store)
			return server.StartServer()
		},
	}
	cmd.Flags().Int64(flagPort, 8090, "listen port")
	cmd.Flags().String(flagConfig, "", "config file name for a redis-backed store")
	return cmd
}

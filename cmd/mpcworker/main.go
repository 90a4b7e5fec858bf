// mpcworker drains the ceremony queue mpcd fills: each task joins a relay
// session as the server party and drives it to completion.
package main

import (
	"flag"
	"log"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/mpc-coordinator/config"
	"github.com/vultisig/mpc-coordinator/internal/bootstrap"
	"github.com/vultisig/mpc-coordinator/internal/tasks"
	"github.com/vultisig/mpc-coordinator/keyshare"
	"github.com/vultisig/mpc-coordinator/mpc/gg20"
	"github.com/vultisig/mpc-coordinator/relay"
	"github.com/vultisig/mpc-coordinator/storage"
	"github.com/vultisig/mpc-coordinator/worker"
)

func main() {
	configName := flag.String("config", "config", "config file name (without extension)")
	flag.Parse()

	cfg, err := config.ReadConfig(*configName)
	if err != nil {
		log.Fatalf("fail to read config: %v", err)
	}

	sdClient, err := statsd.New(cfg.Datadog.Host + ":" + cfg.Datadog.Port)
	if err != nil {
		log.Fatalf("fail to create statsd client: %v", err)
	}

	blob, err := storage.NewBlockStorage(cfg)
	if err != nil {
		log.Fatalf("fail to open block storage: %v", err)
	}

	vaults, closeRegistry, err := bootstrap.OpenRegistry(cfg)
	if err != nil {
		log.Fatalf("fail to open vault registry: %v", err)
	}
	defer closeRegistry()

	codecs, broadcasters, err := bootstrap.BuildChainSet(cfg)
	if err != nil {
		log.Fatalf("fail to set up chain clients: %v", err)
	}

	svc, err := worker.NewService(worker.Config{
		RelayServer:  cfg.Relay.Server,
		LocalPartyID: cfg.Server.LocalPartyID,
		Transport:    relay.NewRelayClient(cfg.Relay.Server),
		Engine:       gg20.NewEngine(),
		Registry:     vaults,
		Shares:       keyshare.NewBlockStore(blob),
		Codecs:       codecs,
		Broadcasters: broadcasters,
		RoundTimeout: cfg.Ceremony.RoundTimeout,
		JoinTimeout:  cfg.Ceremony.JoinTimeout,
	}, sdClient)
	if err != nil {
		log.Fatalf("fail to create worker service: %v", err)
	}

	redisAddr := cfg.Redis.Host + ":" + cfg.Redis.Port
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     redisAddr,
			Username: cfg.Redis.User,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				tasks.QUEUE_NAME: 6,
				"default":        3,
				"low":            1,
			},
		},
	)

	logrus.WithFields(logrus.Fields{
		"redis": redisAddr,
		"relay": cfg.Relay.Server,
	}).Info("starting ceremony worker")

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeKeyGeneration, svc.HandleKeyGeneration)
	mux.HandleFunc(tasks.TypeKeySign, svc.HandleKeySign)

	if err := srv.Run(mux); err != nil {
		log.Fatalf("fail to run worker: %v", err)
	}
}

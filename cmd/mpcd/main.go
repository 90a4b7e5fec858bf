// mpcd is the fast-vault server: the HTTP surface client devices call to
// have the always-on party take part in their ceremonies. It only enqueues
// work; mpcworker runs the ceremonies.
package main

import (
	"flag"
	"log"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"

	"github.com/vultisig/mpc-coordinator/api"
	"github.com/vultisig/mpc-coordinator/config"
	"github.com/vultisig/mpc-coordinator/internal/bootstrap"
	"github.com/vultisig/mpc-coordinator/storage"
)

func main() {
	configName := flag.String("config", "config", "config file name (without extension)")
	flag.Parse()

	cfg, err := config.ReadConfig(*configName)
	if err != nil {
		log.Fatalf("fail to read config: %v", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	client := asynq.NewClient(redisOpt)
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("fail to close asynq client: %v", err)
		}
	}()
	inspector := asynq.NewInspector(redisOpt)

	sdClient, err := statsd.New(cfg.Datadog.Host + ":" + cfg.Datadog.Port)
	if err != nil {
		log.Fatalf("fail to create statsd client: %v", err)
	}

	redisStorage, err := storage.NewRedisStorage(cfg)
	if err != nil {
		log.Fatalf("fail to connect to redis: %v", err)
	}
	defer func() {
		if err := redisStorage.Close(); err != nil {
			log.Printf("fail to close redis storage: %v", err)
		}
	}()

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

	server := api.NewServer(
		cfg.Server.Port,
		redisStorage,
		client,
		inspector,
		sdClient,
		blob,
		vaults,
		codecs,
		broadcasters,
		cfg.Server.JwtSecret,
		cfg.Server.Admin.Username,
		cfg.Server.Admin.Password,
	)
	if err := server.StartServer(); err != nil {
		log.Fatalf("fail to start server: %v", err)
	}
}

package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Host             string
		Port             int64
		VaultsFilePath   string
		EncryptionSecret string
		JwtSecret        string
		LocalPartyID     string
		Admin            struct {
			Username string
			Password string
		}
	}

	Relay struct {
		Server string
	}

	Redis struct {
		Host     string
		Port     string
		User     string
		Password string
		DB       int
	}

	BlockStorage struct {
		Host      string
		Region    string
		AccessKey string
		SecretKey string
		Bucket    string
	}

	Datadog struct {
		Host string
		Port string
	}

	Registry struct {
		Backend string // memory, leveldb or postgres
		Path    string
		DSN     string
	}

	Ceremony struct {
		RoundTimeout time.Duration
		JoinTimeout  time.Duration
	}

	Chain struct {
		EthereumRPC string
		ChainID     int64
	}
}

func ReadConfig(configName string) (*Config, error) {
	viper.SetConfigName(configName)
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("Server.Host", "0.0.0.0")
	viper.SetDefault("Server.Port", 8080)
	viper.SetDefault("Server.VaultsFilePath", "vaults")
	viper.SetDefault("Relay.Server", "http://127.0.0.1:8090")
	viper.SetDefault("Redis.Host", "127.0.0.1")
	viper.SetDefault("Redis.Port", "6379")
	viper.SetDefault("Registry.Backend", "leveldb")
	viper.SetDefault("Registry.Path", "registry.db")
	viper.SetDefault("Ceremony.RoundTimeout", 45*time.Second)
	viper.SetDefault("Ceremony.JoinTimeout", 60*time.Second)
	viper.SetDefault("Chain.ChainID", 1)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("fail to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("fail to unmarshal config: %w", err)
	}
	return &cfg, nil
}

package broadcast

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	gcommon "github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// EVMClient is the slice of ethclient.Client the broadcaster consumes.
type EVMClient interface {
	SendTransaction(ctx context.Context, tx *gtypes.Transaction) error
	BalanceAt(ctx context.Context, account gcommon.Address, blockNumber *big.Int) (*big.Int, error)
}

type EVM struct {
	chain  string
	client EVMClient
	logger *logrus.Logger
}

var _ Broadcaster = (*EVM)(nil)

func NewEVM(chain string, client EVMClient) *EVM {
	return &EVM{
		chain:  chain,
		client: client,
		logger: logrus.WithField("service", "broadcast").Logger,
	}
}

func (b *EVM) Chain() string {
	return b.chain
}

func (b *EVM) Broadcast(ctx context.Context, raw []byte) (string, error) {
	tx := new(gtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", fmt.Errorf("fail to decode signed transaction: %w", err)
	}
	if err := b.client.SendTransaction(ctx, tx); err != nil {
		if isAlreadyKnown(err) {
			b.logger.WithField("hash", tx.Hash().Hex()).Info("transaction already known")
			return tx.Hash().Hex(), nil
		}
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}
	b.logger.WithField("hash", tx.Hash().Hex()).Info("transaction broadcast")
	return tx.Hash().Hex(), nil
}

// isAlreadyKnown matches the node errors that mean the transaction made it
// into the pool on an earlier attempt.
func isAlreadyKnown(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "transaction already exists") ||
		strings.Contains(msg, "already in the TxPool")
}

func (b *EVM) Balance(ctx context.Context, address string) (*big.Int, error) {
	if !gcommon.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address: %s", address)
	}
	balance, err := b.client.BalanceAt(ctx, gcommon.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("fail to query balance: %w", err)
	}
	return balance, nil
}

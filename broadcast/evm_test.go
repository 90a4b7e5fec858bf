package broadcast

import (
	"context"
	"errors"
	"math/big"
	"testing"

	gcommon "github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEVMClient struct {
	sendErr error
	balance *big.Int
	sent    []*gtypes.Transaction
}

func (f *fakeEVMClient) SendTransaction(_ context.Context, tx *gtypes.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEVMClient) BalanceAt(context.Context, gcommon.Address, *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func signedRawTx(t *testing.T) []byte {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := gcommon.HexToAddress("0x9f8F72aA9304c8B593d555F12eF6589cC3A579A2")
	tx, err := gtypes.SignNewTx(key, gtypes.NewLondonSigner(big.NewInt(1)), &gtypes.LegacyTx{
		Nonce:    1,
		GasPrice: big.NewInt(2),
		Gas:      21000,
		To:       &to,
		Value:    big.NewInt(10),
	})
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return raw
}

func TestEVMBroadcast(t *testing.T) {
	client := &fakeEVMClient{}
	b := NewEVM("Ethereum", client)

	hash, err := b.Broadcast(context.Background(), signedRawTx(t))
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.Len(t, client.sent, 1)
}

func TestEVMBroadcastAlreadyKnownIsSuccess(t *testing.T) {
	client := &fakeEVMClient{sendErr: errors.New("already known")}
	b := NewEVM("Ethereum", client)

	hash, err := b.Broadcast(context.Background(), signedRawTx(t))
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
}

func TestEVMBroadcastRejection(t *testing.T) {
	client := &fakeEVMClient{sendErr: errors.New("insufficient funds for gas * price + value")}
	b := NewEVM("Ethereum", client)

	_, err := b.Broadcast(context.Background(), signedRawTx(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
}

func TestEVMBalance(t *testing.T) {
	b := NewEVM("Ethereum", &fakeEVMClient{balance: big.NewInt(77)})

	balance, err := b.Balance(context.Background(), "0x9f8F72aA9304c8B593d555F12eF6589cC3A579A2")
	require.NoError(t, err)
	assert.Zero(t, balance.Cmp(big.NewInt(77)))

	_, err = b.Balance(context.Background(), "nope")
	assert.Error(t, err)
}

func TestMemoryBroadcaster(t *testing.T) {
	m := NewMemory("Testnet")

	hash, err := m.Broadcast(context.Background(), []byte("signed"))
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.Len(t, m.Sent(), 1)

	m.SetReject(true)
	_, err = m.Broadcast(context.Background(), []byte("signed"))
	assert.True(t, errors.Is(err, ErrRejected))

	m.SetBalance("addr", big.NewInt(5))
	balance, err := m.Balance(context.Background(), "addr")
	require.NoError(t, err)
	assert.Zero(t, balance.Cmp(big.NewInt(5)))

	balance, err = m.Balance(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Zero(t, balance.Sign())
}

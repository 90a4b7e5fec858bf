package txcodec

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"strconv"
	"testing"

	gcommon "github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/mpc-coordinator/mpc"
)

type fakeBackend struct {
	baseFee  *big.Int
	nonce    uint64
	gasPrice *big.Int
	tip      *big.Int
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*gtypes.Header, error) {
	return &gtypes.Header{BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, gcommon.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return f.tip, nil
}

func testKey(t *testing.T) (*ecdsa.PrivateKey, string, string) {
	t.Helper()
	key, err := crypto.ToECDSA(gcommon.FromHex("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"))
	require.NoError(t, err)
	pubHex := hex.EncodeToString(crypto.CompressPubkey(&key.PublicKey))
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	return key, pubHex, addr
}

func signDigest(t *testing.T, key *ecdsa.PrivateKey, digestHex string) *mpc.Signature {
	t.Helper()
	digest, err := hex.DecodeString(digestHex)
	require.NoError(t, err)
	raw, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	return &mpc.Signature{
		R:          hex.EncodeToString(raw[:32]),
		S:          hex.EncodeToString(raw[32:64]),
		RecoveryID: strconv.Itoa(int(raw[64])),
	}
}

func TestEVMBuildAndAttachDynamicFee(t *testing.T) {
	key, _, addr := testKey(t)
	codec := NewEVM("Ethereum", big.NewInt(1), &fakeBackend{
		baseFee: big.NewInt(7),
		nonce:   3,
		tip:     big.NewInt(2),
	})
	dest := "0x9f8F72aA9304c8B593d555F12eF6589cC3A579A2"

	payload, err := codec.BuildTransfer(context.Background(), TransferRequest{
		Chain:       "Ethereum",
		From:        addr,
		Destination: dest,
		Amount:      big.NewInt(1_000_000_000_000_000),
	})
	require.NoError(t, err)
	require.Len(t, payload.Hashes, 1)

	sig := signDigest(t, key, payload.Hashes[0])
	raw, err := codec.AttachSignatures(payload, map[string]*mpc.Signature{payload.Hashes[0]: sig})
	require.NoError(t, err)

	var tx gtypes.Transaction
	require.NoError(t, tx.UnmarshalBinary(raw))
	assert.Equal(t, uint8(gtypes.DynamicFeeTxType), tx.Type())
	assert.Equal(t, uint64(3), tx.Nonce())
	assert.Equal(t, gcommon.HexToAddress(dest), *tx.To())
	assert.Equal(t, uint64(transferGas), tx.Gas())
	assert.Zero(t, tx.Value().Cmp(big.NewInt(1_000_000_000_000_000)))

	sender, err := gtypes.NewLondonSigner(big.NewInt(1)).Sender(&tx)
	require.NoError(t, err)
	assert.Equal(t, gcommon.HexToAddress(addr), sender)
}

func TestEVMBuildLegacyWithoutBaseFee(t *testing.T) {
	key, _, addr := testKey(t)
	codec := NewEVM("Ethereum", big.NewInt(1), &fakeBackend{
		nonce:    9,
		gasPrice: big.NewInt(5),
	})

	payload, err := codec.BuildTransfer(context.Background(), TransferRequest{
		From:        addr,
		Destination: "0x9f8F72aA9304c8B593d555F12eF6589cC3A579A2",
		Amount:      big.NewInt(42),
	})
	require.NoError(t, err)

	sig := signDigest(t, key, payload.Hashes[0])
	raw, err := codec.AttachSignatures(payload, map[string]*mpc.Signature{payload.Hashes[0]: sig})
	require.NoError(t, err)

	var tx gtypes.Transaction
	require.NoError(t, tx.UnmarshalBinary(raw))
	assert.Equal(t, uint8(gtypes.LegacyTxType), tx.Type())
	assert.Zero(t, tx.GasPrice().Cmp(big.NewInt(5)))
}

func TestEVMRejectsForeignSigner(t *testing.T) {
	key, _, addr := testKey(t)
	codec := NewEVM("Ethereum", big.NewInt(1), &fakeBackend{gasPrice: big.NewInt(5)})

	payload, err := codec.BuildTransfer(context.Background(), TransferRequest{
		From:        addr,
		Destination: "0x9f8F72aA9304c8B593d555F12eF6589cC3A579A2",
		Amount:      big.NewInt(1),
	})
	require.NoError(t, err)

	// claim a different sender than the key that signed
	payload.From = "0x0000000000000000000000000000000000000001"
	sig := signDigest(t, key, payload.Hashes[0])
	_, err = codec.AttachSignatures(payload, map[string]*mpc.Signature{payload.Hashes[0]: sig})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestEVMValidation(t *testing.T) {
	codec := NewEVM("Ethereum", big.NewInt(1), &fakeBackend{gasPrice: big.NewInt(5)})

	assert.NoError(t, codec.ValidateDestination("0x9f8F72aA9304c8B593d555F12eF6589cC3A579A2"))
	assert.Error(t, codec.ValidateDestination(""))
	assert.Error(t, codec.ValidateDestination("not-an-address"))

	_, err := codec.BuildTransfer(context.Background(), TransferRequest{
		From:        "0x9f8F72aA9304c8B593d555F12eF6589cC3A579A2",
		Destination: "0x9f8F72aA9304c8B593d555F12eF6589cC3A579A2",
		Amount:      big.NewInt(0),
	})
	assert.Error(t, err)

	_, err = codec.AttachSignatures(&Payload{Hashes: []string{"aa"}}, nil)
	assert.Error(t, err)
}

func TestEVMAddressFromPublicKey(t *testing.T) {
	_, pubHex, addr := testKey(t)
	codec := NewEVM("Ethereum", big.NewInt(1), &fakeBackend{})

	derived, err := codec.AddressFromPublicKey(pubHex)
	require.NoError(t, err)
	assert.Equal(t, addr, derived)

	_, err = codec.AddressFromPublicKey("zz")
	assert.Error(t, err)
}

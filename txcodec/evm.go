package txcodec

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"

	gcommon "github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vultisig/mpc-coordinator/internal/sigutil"
	"github.com/vultisig/mpc-coordinator/mpc"
)

// transferGas is the intrinsic gas of a plain value transfer.
const transferGas = 21000

// EVMBackend is the slice of ethclient.Client the codec consumes.
type EVMBackend interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*gtypes.Header, error)
	PendingNonceAt(ctx context.Context, account gcommon.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

// EVM encodes value transfers for an EVM chain. Post-London chains get a
// dynamic-fee transaction, older ones a legacy gas-price transaction; the
// chain head's base fee decides which.
type EVM struct {
	chain   string
	chainID *big.Int
	client  EVMBackend
	signer  gtypes.Signer
}

var _ Codec = (*EVM)(nil)

func NewEVM(chain string, chainID *big.Int, client EVMBackend) *EVM {
	return &EVM{
		chain:   chain,
		chainID: chainID,
		client:  client,
		signer:  gtypes.NewLondonSigner(chainID),
	}
}

func (e *EVM) Chain() string {
	return e.chain
}

func (e *EVM) ValidateDestination(destination string) error {
	if !gcommon.IsHexAddress(destination) {
		return fmt.Errorf("invalid %s address: %s", e.chain, destination)
	}
	return nil
}

func (e *EVM) AddressFromPublicKey(publicKeyHex string) (string, error) {
	raw, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return "", fmt.Errorf("fail to decode public key: %w", err)
	}
	pub, err := crypto.DecompressPubkey(raw)
	if err != nil {
		return "", fmt.Errorf("fail to decompress public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

func (e *EVM) BuildTransfer(ctx context.Context, req TransferRequest) (*Payload, error) {
	if err := e.ValidateDestination(req.Destination); err != nil {
		return nil, err
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	if !gcommon.IsHexAddress(req.From) {
		return nil, fmt.Errorf("invalid sender address: %s", req.From)
	}
	from := gcommon.HexToAddress(req.From)
	to := gcommon.HexToAddress(req.Destination)

	head, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fail to fetch chain head: %w", err)
	}
	nonce, err := e.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("fail to get nonce: %w", err)
	}

	var tx *gtypes.Transaction
	if head.BaseFee != nil {
		tip, err := e.client.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("fail to get gas tip cap: %w", err)
		}
		// fee cap covers a doubling of the base fee plus the tip
		feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
		tx = gtypes.NewTx(&gtypes.DynamicFeeTx{
			ChainID:   e.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       transferGas,
			To:        &to,
			Value:     req.Amount,
		})
	} else {
		gasPrice, err := e.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("fail to get gas price: %w", err)
		}
		tx = gtypes.NewTx(&gtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      transferGas,
			To:       &to,
			Value:    req.Amount,
		})
	}

	unsigned, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("fail to encode unsigned transaction: %w", err)
	}
	hash := e.signer.Hash(tx)
	return &Payload{
		Chain:    e.chain,
		From:     req.From,
		Unsigned: unsigned,
		Hashes:   []string{hex.EncodeToString(hash[:])},
	}, nil
}

func (e *EVM) AttachSignatures(payload *Payload, sigs map[string]*mpc.Signature) ([]byte, error) {
	if len(payload.Hashes) != 1 {
		return nil, fmt.Errorf("expected one signing digest, got %d", len(payload.Hashes))
	}
	sig, ok := sigs[payload.Hashes[0]]
	if !ok {
		return nil, fmt.Errorf("missing signature for digest %s", payload.Hashes[0])
	}
	r, s, recoveryID, err := sigutil.ParseSignature(sig)
	if err != nil {
		return nil, fmt.Errorf("fail to parse signature: %w", err)
	}

	tx := new(gtypes.Transaction)
	if err := tx.UnmarshalBinary(payload.Unsigned); err != nil {
		return nil, fmt.Errorf("fail to decode unsigned transaction: %w", err)
	}
	signedTx, err := tx.WithSignature(e.signer, sigutil.RawSignature(r, s, recoveryID))
	if err != nil {
		return nil, fmt.Errorf("fail to attach signature: %w", err)
	}

	sender, err := e.signer.Sender(signedTx)
	if err != nil {
		return nil, fmt.Errorf("fail to recover sender: %w", err)
	}
	if payload.From != "" && sender != gcommon.HexToAddress(payload.From) {
		return nil, fmt.Errorf("recovered sender %s does not match %s", sender.Hex(), payload.From)
	}

	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("fail to encode signed transaction: %w", err)
	}
	return raw, nil
}

package txcodec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/vultisig/mpc-coordinator/mpc"
)

// Simple is a JSON envelope codec for chains that have no native encoder
// here. Local simulation and tests run transfers through it; the signed
// artifact is the canonical transfer body plus the signatures, which a
// matching broadcaster can relay or record.
type Simple struct {
	chain string
}

var _ Codec = (*Simple)(nil)

func NewSimple(chain string) *Simple {
	return &Simple{chain: chain}
}

type simpleTransfer struct {
	Chain       string `json:"chain"`
	From        string `json:"from"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

type simpleSigned struct {
	Transfer   json.RawMessage           `json:"transfer"`
	Signatures map[string]*mpc.Signature `json:"signatures"`
}

func (c *Simple) Chain() string {
	return c.chain
}

func (c *Simple) ValidateDestination(destination string) error {
	if destination == "" {
		return fmt.Errorf("destination is empty")
	}
	return nil
}

// AddressFromPublicKey is the identity on this codec: the hex public key is
// the address.
func (c *Simple) AddressFromPublicKey(publicKeyHex string) (string, error) {
	if _, err := hex.DecodeString(publicKeyHex); err != nil {
		return "", fmt.Errorf("fail to decode public key: %w", err)
	}
	return publicKeyHex, nil
}

func (c *Simple) BuildTransfer(_ context.Context, req TransferRequest) (*Payload, error) {
	if err := c.ValidateDestination(req.Destination); err != nil {
		return nil, err
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	body, err := json.Marshal(simpleTransfer{
		Chain:       c.chain,
		From:        req.From,
		Destination: req.Destination,
		Amount:      req.Amount.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("fail to encode transfer: %w", err)
	}
	sum := sha256.Sum256(body)
	return &Payload{
		Chain:    c.chain,
		From:     req.From,
		Unsigned: body,
		Hashes:   []string{hex.EncodeToString(sum[:])},
	}, nil
}

func (c *Simple) AttachSignatures(payload *Payload, sigs map[string]*mpc.Signature) ([]byte, error) {
	signed := simpleSigned{
		Transfer:   json.RawMessage(payload.Unsigned),
		Signatures: make(map[string]*mpc.Signature, len(payload.Hashes)),
	}
	for _, digest := range payload.Hashes {
		sig, ok := sigs[digest]
		if !ok {
			return nil, fmt.Errorf("missing signature for digest %s", digest)
		}
		signed.Signatures[digest] = sig
	}
	raw, err := json.Marshal(signed)
	if err != nil {
		return nil, fmt.Errorf("fail to encode signed transfer: %w", err)
	}
	return raw, nil
}

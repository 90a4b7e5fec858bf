// Package txcodec turns transfer requests into unsigned transactions and
// signing digests, and assembles threshold signatures back into
// broadcast-ready raw transactions. One codec per chain family.
package txcodec

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/vultisig/mpc-coordinator/mpc"
)

// ErrUnsupportedChain is returned by Set.ForChain for chain names no codec
// claims.
var ErrUnsupportedChain = errors.New("unsupported chain")

// TransferRequest describes one value transfer to encode. Amount is in the
// chain's base unit (wei on EVM chains).
type TransferRequest struct {
	Chain       string
	From        string
	Destination string
	Amount      *big.Int
}

// Payload is an unsigned transaction plus the digests a signing ceremony
// must produce signatures for. Hashes are hex-encoded and ordered; the
// signature map handed to AttachSignatures is keyed by these strings.
type Payload struct {
	Chain    string   `json:"chain"`
	From     string   `json:"from"`
	Unsigned []byte   `json:"unsigned"`
	Hashes   []string `json:"hashes"`
}

type Codec interface {
	Chain() string
	// ValidateDestination rejects malformed destination addresses before
	// any session or RPC work happens.
	ValidateDestination(destination string) error
	// AddressFromPublicKey derives the chain address of a vault's ECDSA
	// public key (33-byte compressed, hex).
	AddressFromPublicKey(publicKeyHex string) (string, error)
	BuildTransfer(ctx context.Context, req TransferRequest) (*Payload, error)
	// AttachSignatures assembles the signed raw transaction. Every digest
	// in payload.Hashes must have a verified signature in sigs.
	AttachSignatures(payload *Payload, sigs map[string]*mpc.Signature) ([]byte, error)
}

// Set routes by chain name, case-insensitively.
type Set struct {
	codecs map[string]Codec
}

func NewSet(codecs ...Codec) *Set {
	s := &Set{codecs: make(map[string]Codec, len(codecs))}
	for _, c := range codecs {
		s.codecs[strings.ToLower(c.Chain())] = c
	}
	return s
}

func (s *Set) ForChain(chain string) (Codec, error) {
	c, ok := s.codecs[strings.ToLower(chain)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, chain)
	}
	return c, nil
}

// Chains lists the registered chain names.
func (s *Set) Chains() []string {
	names := make([]string, 0, len(s.codecs))
	for _, c := range s.codecs {
		names = append(names, c.Chain())
	}
	return names
}

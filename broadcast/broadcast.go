// Package broadcast relays signed raw transactions to their networks and
// answers balance queries. A rejection keeps the signed bytes usable: the
// caller can re-broadcast without running another signing ceremony.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrRejected is returned when the network refused the transaction.
var ErrRejected = errors.New("transaction rejected by the network")

// ErrUnsupportedChain is returned by Set.ForChain for chain names no
// broadcaster claims.
var ErrUnsupportedChain = errors.New("unsupported chain")

type Broadcaster interface {
	Chain() string
	// Broadcast relays the signed raw transaction and returns its hash.
	// A transaction the network already knows counts as success.
	Broadcast(ctx context.Context, raw []byte) (string, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
}

// Set routes by chain name, case-insensitively.
type Set struct {
	broadcasters map[string]Broadcaster
}

func NewSet(broadcasters ...Broadcaster) *Set {
	s := &Set{broadcasters: make(map[string]Broadcaster, len(broadcasters))}
	for _, b := range broadcasters {
		s.broadcasters[strings.ToLower(b.Chain())] = b
	}
	return s
}

func (s *Set) ForChain(chain string) (Broadcaster, error) {
	b, ok := s.broadcasters[strings.ToLower(chain)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, chain)
	}
	return b, nil
}

package broadcast

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
)

// Memory records transactions instead of relaying them. Tests and local
// simulation wire it behind the coordinator; SetReject flips it into a
// rejecting network.
type Memory struct {
	chain string

	mu       sync.Mutex
	sent     [][]byte
	balances map[string]*big.Int
	reject   bool
}

var _ Broadcaster = (*Memory)(nil)

func NewMemory(chain string) *Memory {
	return &Memory{
		chain:    chain,
		balances: make(map[string]*big.Int),
	}
}

func (m *Memory) Chain() string {
	return m.chain
}

func (m *Memory) SetReject(reject bool) {
	m.mu.Lock()
	m.reject = reject
	m.mu.Unlock()
}

func (m *Memory) SetBalance(address string, amount *big.Int) {
	m.mu.Lock()
	m.balances[address] = new(big.Int).Set(amount)
	m.mu.Unlock()
}

// Sent returns the raw transactions accepted so far.
func (m *Memory) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *Memory) Broadcast(_ context.Context, raw []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reject {
		return "", fmt.Errorf("%w: node offline", ErrRejected)
	}
	buf := make([]byte, len(raw))
	copy(buf, raw)
	m.sent = append(m.sent, buf)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func (m *Memory) Balance(_ context.Context, address string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if balance, ok := m.balances[address]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

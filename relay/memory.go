package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/vultisig/mpc-coordinator/common"
	"github.com/vultisig/mpc-coordinator/mpc"
)

// MemoryTransport is a Transport that never leaves the process. It shares
// SessionStore semantics with the HTTP relay so ceremonies behave the same
// against either, and it can be switched offline to exercise transport
// failure paths.
type MemoryTransport struct {
	store   SessionStore
	offline atomic.Bool
	poll    time.Duration
}

var _ Transport = (*MemoryTransport)(nil)

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		store: NewInMemorySessionStore(),
		poll:  20 * time.Millisecond,
	}
}

// SetOffline makes every subsequent call fail with ErrTransportUnavailable.
func (m *MemoryTransport) SetOffline(offline bool) {
	m.offline.Store(offline)
}

func (m *MemoryTransport) check() error {
	if m.offline.Load() {
		return fmt.Errorf("%w: transport is offline", ErrTransportUnavailable)
	}
	return nil
}

func (m *MemoryTransport) RegisterSession(ctx context.Context, sessionID, partyID string) error {
	if err := m.check(); err != nil {
		return err
	}
	return m.store.AppendParties(ctx, sessionID, []string{partyID})
}

func (m *MemoryTransport) GetSession(ctx context.Context, sessionID string) ([]string, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	return m.store.Parties(ctx, sessionID)
}

func (m *MemoryTransport) StartSession(ctx context.Context, sessionID string, parties []string) error {
	if err := m.check(); err != nil {
		return err
	}
	return m.store.SetStarted(ctx, sessionID, parties)
}

func (m *MemoryTransport) WaitForSessionStart(ctx context.Context, sessionID string) ([]string, error) {
	for {
		if err := m.check(); err != nil {
			return nil, err
		}
		parties, err := m.store.Started(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if len(parties) > 1 {
			return parties, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.poll):
		}
	}
}

func (m *MemoryTransport) SendMessage(ctx context.Context, msg Message) error {
	if err := m.check(); err != nil {
		return err
	}
	if msg.From == "" || len(msg.To) == 0 || msg.Body == "" || msg.Hash == "" {
		return fmt.Errorf("invalid message")
	}
	for _, recipient := range msg.To {
		if recipient == msg.From {
			continue
		}
		if err := m.store.PushMessage(ctx, msg.SessionID, recipient, msg.MessageID, msg); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryTransport) DownloadMessages(ctx context.Context, sessionID, partyID, messageID string) ([]Message, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	messages, err := m.store.Messages(ctx, sessionID, partyID, messageID)
	if err != nil {
		return nil, err
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].SequenceNo < messages[j].SequenceNo
	})
	return messages, nil
}

func (m *MemoryTransport) DeleteMessage(ctx context.Context, sessionID, partyID, hash, messageID string) error {
	if err := m.check(); err != nil {
		return err
	}
	return m.store.DeleteMessage(ctx, sessionID, partyID, messageID, hash)
}

func (m *MemoryTransport) UploadSetupMessage(ctx context.Context, sessionID, messageID, payload string) error {
	if err := m.check(); err != nil {
		return err
	}
	return m.store.SetSetupMessage(ctx, sessionID, messageID, payload)
}

func (m *MemoryTransport) WaitForSetupMessage(ctx context.Context, sessionID, messageID string) (string, error) {
	for {
		if err := m.check(); err != nil {
			return "", err
		}
		payload, err := m.store.SetupMessage(ctx, sessionID, messageID)
		if err == nil && payload != "" {
			return payload, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.poll):
		}
	}
}

func (m *MemoryTransport) CompleteSession(ctx context.Context, sessionID, partyID string) error {
	if err := m.check(); err != nil {
		return err
	}
	return m.store.AppendCompleted(ctx, sessionID, []string{partyID})
}

func (m *MemoryTransport) CheckCompletedParties(ctx context.Context, sessionID string, parties []string) (bool, error) {
	deadline := time.Now().Add(time.Minute)
	for time.Now().Before(deadline) {
		if err := m.check(); err != nil {
			return false, err
		}
		completed, err := m.store.Completed(ctx, sessionID)
		if err != nil {
			return false, err
		}
		if len(completed) > 0 && common.IsSubset(parties, completed) {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(m.poll):
		}
	}
	return false, nil
}

func (m *MemoryTransport) MarkKeysignComplete(ctx context.Context, sessionID, messageID string, sig mpc.Signature) error {
	if err := m.check(); err != nil {
		return err
	}
	buf, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return m.store.SetKeysignResult(ctx, sessionID, messageID, string(buf))
}

func (m *MemoryTransport) CheckKeysignComplete(ctx context.Context, sessionID, messageID string) (*mpc.Signature, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	payload, err := m.store.KeysignResult(ctx, sessionID, messageID)
	if err != nil {
		return nil, err
	}
	var sig mpc.Signature
	if err := json.Unmarshal([]byte(payload), &sig); err != nil {
		return nil, err
	}
	return &sig, nil
}

func (m *MemoryTransport) EndSession(ctx context.Context, sessionID string) error {
	if err := m.check(); err != nil {
		return err
	}
	return m.store.DropSession(ctx, sessionID)
}

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound reports a missing session artifact (setup message, keysign
// result). The server maps it to 404.
var ErrNotFound = errors.New("not found")

// SessionStore holds relay-side session state: who registered, the frozen
// start list, completion marks, queued envelopes and setup payloads.
// Entries are short-lived; backends expire them after sessionTTL.
type SessionStore interface {
	AppendParties(ctx context.Context, sessionID string, parties []string) error
	Parties(ctx context.Context, sessionID string) ([]string, error)

	SetStarted(ctx context.Context, sessionID string, parties []string) error
	Started(ctx context.Context, sessionID string) ([]string, error)

	AppendCompleted(ctx context.Context, sessionID string, parties []string) error
	Completed(ctx context.Context, sessionID string) ([]string, error)

	SetKeysignResult(ctx context.Context, sessionID, messageID, payload string) error
	KeysignResult(ctx context.Context, sessionID, messageID string) (string, error)

	PushMessage(ctx context.Context, sessionID, recipient, messageID string, msg Message) error
	Messages(ctx context.Context, sessionID, recipient, messageID string) ([]Message, error)
	DeleteMessage(ctx context.Context, sessionID, recipient, messageID, hash string) error

	SetSetupMessage(ctx context.Context, sessionID, messageID, payload string) error
	SetupMessage(ctx context.Context, sessionID, messageID string) (string, error)

	DropSession(ctx context.Context, sessionID string) error
}

const sessionTTL = 5 * time.Minute

func partiesKey(sessionID string) string  { return fmt.Sprintf("session-%s", sessionID) }
func startedKey(sessionID string) string  { return fmt.Sprintf("session-%s-start", sessionID) }
func completeKey(sessionID string) string { return fmt.Sprintf("session-%s-complete", sessionID) }
func keysignKey(sessionID, messageID string) string {
	return fmt.Sprintf("session-%s-complete-keysign-%s", sessionID, messageID)
}
func messagesKey(sessionID, recipient, messageID string) string {
	if messageID != "" {
		return fmt.Sprintf("session-%s-msg-%s-%s", sessionID, recipient, messageID)
	}
	return fmt.Sprintf("session-%s-msg-%s", sessionID, recipient)
}
func setupKey(sessionID, messageID string) string {
	if messageID != "" {
		return fmt.Sprintf("session-%s-setup-%s", sessionID, messageID)
	}
	return fmt.Sprintf("session-%s-setup", sessionID)
}

type memoryEntry struct {
	parties  []string
	value    string
	messages []Message
	expires  time.Time
}

// InMemorySessionStore keeps relay state in process. Suitable for tests and
// single-node relays.
type InMemorySessionStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

var _ SessionStore = (*InMemorySessionStore)(nil)

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{
		entries: make(map[string]*memoryEntry),
	}
}

func (s *InMemorySessionStore) get(key string) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if time.Now().After(e.expires) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *InMemorySessionStore) upsert(key string) *memoryEntry {
	e := s.get(key)
	if e == nil {
		e = &memoryEntry{}
		s.entries[key] = e
	}
	e.expires = time.Now().Add(sessionTTL)
	return e
}

func appendUnique(existing []string, extra []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, p := range existing {
		seen[p] = true
	}
	for _, p := range extra {
		if p == "" || seen[p] {
			continue
		}
		existing = append(existing, p)
		seen[p] = true
	}
	return existing
}

func (s *InMemorySessionStore) AppendParties(_ context.Context, sessionID string, parties []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.upsert(partiesKey(sessionID))
	e.parties = appendUnique(e.parties, parties)
	return nil
}

func (s *InMemorySessionStore) Parties(_ context.Context, sessionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(partiesKey(sessionID))
	if e == nil {
		return []string{}, nil
	}
	return append([]string{}, e.parties...), nil
}

func (s *InMemorySessionStore) SetStarted(_ context.Context, sessionID string, parties []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.upsert(startedKey(sessionID))
	e.parties = append([]string{}, parties...)
	return nil
}

func (s *InMemorySessionStore) Started(_ context.Context, sessionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(startedKey(sessionID))
	if e == nil {
		return []string{}, nil
	}
	return append([]string{}, e.parties...), nil
}

func (s *InMemorySessionStore) AppendCompleted(_ context.Context, sessionID string, parties []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.upsert(completeKey(sessionID))
	e.parties = appendUnique(e.parties, parties)
	return nil
}

func (s *InMemorySessionStore) Completed(_ context.Context, sessionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(completeKey(sessionID))
	if e == nil {
		return []string{}, nil
	}
	return append([]string{}, e.parties...), nil
}

func (s *InMemorySessionStore) SetKeysignResult(_ context.Context, sessionID, messageID, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.upsert(keysignKey(sessionID, messageID))
	e.value = payload
	return nil
}

func (s *InMemorySessionStore) KeysignResult(_ context.Context, sessionID, messageID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(keysignKey(sessionID, messageID))
	if e == nil || e.value == "" {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *InMemorySessionStore) PushMessage(_ context.Context, sessionID, recipient, messageID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.upsert(messagesKey(sessionID, recipient, messageID))
	for _, existing := range e.messages {
		if existing.Hash == msg.Hash && existing.From == msg.From {
			return nil
		}
	}
	e.messages = append(e.messages, msg)
	return nil
}

func (s *InMemorySessionStore) Messages(_ context.Context, sessionID, recipient, messageID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(messagesKey(sessionID, recipient, messageID))
	if e == nil {
		return []Message{}, nil
	}
	return append([]Message{}, e.messages...), nil
}

func (s *InMemorySessionStore) DeleteMessage(_ context.Context, sessionID, recipient, messageID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(messagesKey(sessionID, recipient, messageID))
	if e == nil {
		return nil
	}
	kept := e.messages[:0]
	for _, msg := range e.messages {
		if msg.Hash != hash {
			kept = append(kept, msg)
		}
	}
	e.messages = kept
	return nil
}

func (s *InMemorySessionStore) SetSetupMessage(_ context.Context, sessionID, messageID, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.upsert(setupKey(sessionID, messageID))
	e.value = payload
	return nil
}

func (s *InMemorySessionStore) SetupMessage(_ context.Context, sessionID, messageID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(setupKey(sessionID, messageID))
	if e == nil || e.value == "" {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *InMemorySessionStore) DropSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := fmt.Sprintf("session-%s", sessionID)
	for key := range s.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(s.entries, key)
		}
	}
	return nil
}

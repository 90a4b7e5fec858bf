// Package ceremony drives one threshold-signature ceremony per Session: a
// typed phase machine around a send-then-barrier round loop. The protocol
// math stays behind mpc.Session; this package only moves sealed payloads
// and enforces liveness.
package ceremony

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vultisig/mpc-coordinator/common"
)

type Kind string

const (
	KindKeygen  Kind = "keygen"
	KindKeysign Kind = "sign"
)

type Phase string

const (
	PhaseAwaitingParticipants Phase = "awaiting-participants"
	PhaseComputing            Phase = "computing"
	PhaseFinalizing           Phase = "finalizing"
	PhaseCompleted            Phase = "completed"
	PhaseAborted              Phase = "aborted"
)

// Terminal reports whether no further transition can happen.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseAborted
}

// ErrAborted is the single failure mode a ceremony surfaces. The proximate
// cause is always attached in the wrap chain.
var ErrAborted = errors.New("ceremony aborted")

var validTransitions = map[Phase][]Phase{
	PhaseAwaitingParticipants: {PhaseComputing, PhaseAborted},
	PhaseComputing:            {PhaseFinalizing, PhaseAborted},
	PhaseFinalizing:           {PhaseCompleted, PhaseAborted},
}

// Params describes a ceremony to create. A zero SessionID or
// HexEncryptionKey means this party initiates and fresh values are drawn;
// joiners carry both over from the session descriptor.
type Params struct {
	SessionID        string
	Kind             Kind
	Required         int
	LocalPartyID     string
	HexEncryptionKey string
}

// Session is one party's view of a ceremony. Required is the exact
// participant count for keygen and the minimum for signing.
type Session struct {
	ID               string
	Kind             Kind
	Required         int
	LocalPartyID     string
	HexEncryptionKey string

	// OnPhase and OnJoined, when set, are invoked synchronously on every
	// transition and accepted join. Set them before the ceremony starts.
	OnPhase  func(phase Phase)
	OnJoined func(partyID string, joined, required int)

	mu     sync.Mutex
	phase  Phase
	joined []string
}

func NewSession(p Params) (*Session, error) {
	if p.Kind != KindKeygen && p.Kind != KindKeysign {
		return nil, fmt.Errorf("invalid ceremony kind: %s", p.Kind)
	}
	if p.Required < 2 {
		return nil, fmt.Errorf("ceremony requires at least 2 participants, got %d", p.Required)
	}
	if p.LocalPartyID == "" {
		return nil, fmt.Errorf("local party id is required")
	}
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	} else if _, err := uuid.Parse(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session id: %w", err)
	}
	encKey := p.HexEncryptionKey
	if encKey == "" {
		var err error
		encKey, err = common.GenerateHexEncryptionKey()
		if err != nil {
			return nil, err
		}
	} else if _, err := hex.DecodeString(encKey); err != nil {
		return nil, fmt.Errorf("invalid hex encryption key: %w", err)
	}
	return &Session{
		ID:               sessionID,
		Kind:             p.Kind,
		Required:         p.Required,
		LocalPartyID:     p.LocalPartyID,
		HexEncryptionKey: encKey,
		phase:            PhaseAwaitingParticipants,
	}, nil
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Joined returns the accepted participant set in join order.
func (s *Session) Joined() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.joined...)
}

// Join admits a participant. Joins are only accepted while the session is
// awaiting participants; duplicates are no-ops; for keygen a join beyond
// the required count is refused.
func (s *Session) Join(partyID string) error {
	if partyID == "" {
		return fmt.Errorf("party id is empty")
	}
	s.mu.Lock()
	if s.phase != PhaseAwaitingParticipants {
		phase := s.phase
		s.mu.Unlock()
		return fmt.Errorf("join rejected: session is %s", phase)
	}
	for _, p := range s.joined {
		if p == partyID {
			s.mu.Unlock()
			return nil
		}
	}
	if s.Kind == KindKeygen && len(s.joined) >= s.Required {
		s.mu.Unlock()
		return fmt.Errorf("join rejected: session already has %d participants", s.Required)
	}
	s.joined = append(s.joined, partyID)
	count := len(s.joined)
	onJoined := s.OnJoined
	s.mu.Unlock()

	if onJoined != nil {
		onJoined(partyID, count, s.Required)
	}
	return nil
}

// ready reports whether the start condition holds: keygen needs the exact
// participant count, signing needs at least the threshold.
func (s *Session) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Kind == KindKeygen {
		return len(s.joined) == s.Required
	}
	return len(s.joined) >= s.Required
}

func (s *Session) setPhase(to Phase) error {
	s.mu.Lock()
	from := s.phase
	if from == to {
		s.mu.Unlock()
		return nil
	}
	allowed := false
	for _, next := range validTransitions[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		s.mu.Unlock()
		return fmt.Errorf("illegal phase transition %s -> %s", from, to)
	}
	s.phase = to
	onPhase := s.OnPhase
	s.mu.Unlock()

	if onPhase != nil {
		onPhase(to)
	}
	return nil
}

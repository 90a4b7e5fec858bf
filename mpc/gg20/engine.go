// Package gg20 adapts the mobile GG20 implementation to the round-driven
// engine seam. The library runs each protocol as one blocking call that
// emits messages through a messenger callback and swallows peer traffic via
// ApplyData; the adapter turns that into explicit rounds by running the
// blocking call on its own goroutine and batching whatever the callback
// produced since the last advance.
package gg20

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vultisig/mobile-tss-lib/tss"

	"github.com/vultisig/mpc-coordinator/internal/sigutil"
	"github.com/vultisig/mpc-coordinator/mpc"
)

// localShare is the keyshare blob this engine produces: both derived key
// states keyed by their public key, exactly what the library needs back at
// signing time.
type localShare struct {
	PublicKeyECDSA string            `json:"public_key_ecdsa"`
	PublicKeyEdDSA string            `json:"public_key_eddsa"`
	ChainCodeHex   string            `json:"hex_chain_code"`
	LocalStates    map[string]string `json:"local_states"`
}

type Engine struct {
	logger *logrus.Logger

	// first message grace and the batch quiet window; the defaults suit
	// relay latencies, tests may shorten them
	FirstWait   time.Duration
	QuietWindow time.Duration
}

var _ mpc.Engine = (*Engine)(nil)

func NewEngine() *Engine {
	return &Engine{
		logger:      logrus.WithField("service", "gg20").Logger,
		FirstWait:   2 * time.Second,
		QuietWindow: 200 * time.Millisecond,
	}
}

// stateAccessor keeps the library's per-key local states in memory for the
// lifetime of one session; the coordinator seals them afterwards.
type stateAccessor struct {
	mu     sync.Mutex
	states map[string]string
}

var _ tss.LocalStateAccessor = (*stateAccessor)(nil)

func newStateAccessor(states map[string]string) *stateAccessor {
	if states == nil {
		states = make(map[string]string)
	}
	return &stateAccessor{states: states}
}

func (a *stateAccessor) GetLocalState(pubKey string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.states[pubKey]
	if !ok {
		return "", fmt.Errorf("no local state for key %s", pubKey)
	}
	return state, nil
}

func (a *stateAccessor) SaveLocalState(pubKey, localState string) error {
	a.mu.Lock()
	a.states[pubKey] = localState
	a.mu.Unlock()
	return nil
}

// messengerShim captures the library's outbound traffic. Send is called
// from library goroutines; the buffered channel keeps them from stalling
// between advances.
type messengerShim struct {
	out chan mpc.Outbound
}

func newMessengerShim() *messengerShim {
	return &messengerShim{out: make(chan mpc.Outbound, 256)}
}

func (m *messengerShim) Send(from, to, body string) error {
	if body == "" {
		return fmt.Errorf("body is empty")
	}
	m.out <- mpc.Outbound{To: []string{to}, Body: []byte(body)}
	return nil
}

// session is the shared pump for keygen and keysign.
type session struct {
	svc       *tss.ServiceImpl
	messenger *messengerShim
	accessor  *stateAccessor

	firstWait time.Duration
	quiet     time.Duration

	start    func() error // the blocking protocol call
	once     sync.Once
	done     chan struct{}
	runErr   error
	finished bool
}

func (s *session) begin() {
	s.once.Do(func() {
		s.done = make(chan struct{})
		go func() {
			defer close(s.done)
			s.runErr = s.start()
		}()
	})
}

// Advance feeds the inbound payloads to the library, then batches outbound
// traffic: wait up to firstWait for something to appear, then keep draining
// until the channel stays quiet. Done is reported once the blocking call
// returned and the channel is drained.
func (s *session) Advance(ctx context.Context, incoming [][]byte) (*mpc.RoundResult, error) {
	if s.finished {
		return nil, fmt.Errorf("session already finished")
	}
	s.begin()

	for _, raw := range incoming {
		if err := s.svc.ApplyData(string(raw)); err != nil {
			return nil, fmt.Errorf("fail to apply round data: %w", err)
		}
	}

	var out []mpc.Outbound
	select {
	case msg := <-s.messenger.out:
		out = append(out, msg)
	case <-s.done:
		return s.finish(out)
	case <-time.After(s.firstWait):
		// nothing to say this round; the barrier still runs
		return &mpc.RoundResult{Outbound: out}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// keep pulling while the library is mid-burst
	for {
		select {
		case msg := <-s.messenger.out:
			out = append(out, msg)
		case <-s.done:
			return s.finish(out)
		case <-time.After(s.quiet):
			return &mpc.RoundResult{Outbound: out}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// finish drains stragglers emitted just before the blocking call returned.
func (s *session) finish(out []mpc.Outbound) (*mpc.RoundResult, error) {
	for {
		select {
		case msg := <-s.messenger.out:
			out = append(out, msg)
		default:
			if s.runErr != nil {
				return nil, s.runErr
			}
			s.finished = true
			return &mpc.RoundResult{Outbound: out, Done: true}, nil
		}
	}
}

func (s *session) Free() {
	s.accessor = nil
}

// --- keygen ---

type keygenSession struct {
	session
	params    mpc.KeygenParams
	ecdsaResp *tss.KeygenResponse
	eddsaResp *tss.KeygenResponse
}

var _ mpc.KeygenSession = (*keygenSession)(nil)

func (e *Engine) NewKeygenSession(params mpc.KeygenParams) (mpc.KeygenSession, error) {
	if params.LocalPartyID == "" || len(params.Parties) < 2 {
		return nil, fmt.Errorf("invalid keygen params")
	}
	if params.ChainCodeHex == "" {
		return nil, fmt.Errorf("chain code is required")
	}
	messenger := newMessengerShim()
	accessor := newStateAccessor(nil)
	svc, err := tss.NewService(messenger, accessor, true)
	if err != nil {
		return nil, fmt.Errorf("create TSS service: %w", err)
	}
	e.logger.WithFields(logrus.Fields{
		"local_party_id": params.LocalPartyID,
		"parties":        params.Parties,
	}).Info("start keygen session")

	ks := &keygenSession{
		session: session{
			svc:       svc,
			messenger: messenger,
			accessor:  accessor,
			firstWait: e.FirstWait,
			quiet:     e.QuietWindow,
		},
		params: params,
	}
	ks.session.start = func() error {
		req := &tss.KeygenRequest{
			LocalPartyID: params.LocalPartyID,
			AllParties:   strings.Join(params.Parties, ","),
			ChainCodeHex: params.ChainCodeHex,
		}
		resp, err := svc.KeygenECDSA(req)
		if err != nil {
			return fmt.Errorf("generate ECDSA key: %w", err)
		}
		ks.ecdsaResp = resp
		respEdDSA, err := svc.KeygenEdDSA(req)
		if err != nil {
			return fmt.Errorf("generate EdDSA key: %w", err)
		}
		ks.eddsaResp = respEdDSA
		return nil
	}
	return ks, nil
}

func (s *keygenSession) Result() (*mpc.KeygenResult, error) {
	if !s.finished || s.ecdsaResp == nil || s.eddsaResp == nil {
		return nil, fmt.Errorf("keygen has not completed")
	}
	s.accessor.mu.Lock()
	states := make(map[string]string, len(s.accessor.states))
	for pub, state := range s.accessor.states {
		states[pub] = state
	}
	s.accessor.mu.Unlock()

	blob, err := json.Marshal(localShare{
		PublicKeyECDSA: s.ecdsaResp.PubKey,
		PublicKeyEdDSA: s.eddsaResp.PubKey,
		ChainCodeHex:   s.params.ChainCodeHex,
		LocalStates:    states,
	})
	if err != nil {
		return nil, fmt.Errorf("fail to marshal keyshare: %w", err)
	}
	return &mpc.KeygenResult{
		PublicKeyECDSA: s.ecdsaResp.PubKey,
		PublicKeyEdDSA: s.eddsaResp.PubKey,
		ChainCodeHex:   s.params.ChainCodeHex,
		Keyshare:       blob,
	}, nil
}

// --- keysign ---

type keysignSession struct {
	session
	resp *tss.KeysignResponse
}

var _ mpc.KeysignSession = (*keysignSession)(nil)

func (e *Engine) NewKeysignSession(params mpc.KeysignParams) (mpc.KeysignSession, error) {
	if params.LocalPartyID == "" || len(params.Parties) < 2 {
		return nil, fmt.Errorf("invalid keysign params")
	}
	if len(params.MessageHash) == 0 {
		return nil, fmt.Errorf("message hash is required")
	}
	var share localShare
	if err := json.Unmarshal(params.Keyshare, &share); err != nil {
		return nil, fmt.Errorf("fail to parse keyshare: %w", err)
	}
	pubKey := params.PublicKeyHex
	if pubKey == "" {
		pubKey = share.PublicKeyECDSA
	}
	if pubKey != share.PublicKeyECDSA && pubKey != share.PublicKeyEdDSA {
		return nil, fmt.Errorf("keyshare holds no state for key %s", pubKey)
	}

	messenger := newMessengerShim()
	accessor := newStateAccessor(share.LocalStates)
	svc, err := tss.NewService(messenger, accessor, false)
	if err != nil {
		return nil, fmt.Errorf("create TSS service: %w", err)
	}
	e.logger.WithFields(logrus.Fields{
		"local_party_id": params.LocalPartyID,
		"committee":      params.Parties,
	}).Info("start keysign session")

	ks := &keysignSession{
		session: session{
			svc:       svc,
			messenger: messenger,
			accessor:  accessor,
			firstWait: e.FirstWait,
			quiet:     e.QuietWindow,
		},
	}
	ks.session.start = func() error {
		req := &tss.KeysignRequest{
			PubKey:               pubKey,
			MessageToSign:        base64.StdEncoding.EncodeToString(params.MessageHash),
			LocalPartyKey:        params.LocalPartyID,
			KeysignCommitteeKeys: strings.Join(params.Parties, ","),
			DerivePath:           params.DerivePath,
		}
		var (
			resp *tss.KeysignResponse
			err  error
		)
		if isEdDSAKey(pubKey) {
			resp, err = svc.KeysignEdDSA(req)
		} else {
			resp, err = svc.KeysignECDSA(req)
		}
		if err != nil {
			return fmt.Errorf("fail to key sign: %w", err)
		}
		ks.resp = resp
		return nil
	}
	return ks, nil
}

// isEdDSAKey tells the schemes apart by the key encoding: ed25519 keys are
// 32 bytes, compressed secp256k1 keys 33.
func isEdDSAKey(pubKeyHex string) bool {
	raw, err := hex.DecodeString(pubKeyHex)
	return err == nil && len(raw) == 32
}

func (s *keysignSession) Result() (*mpc.Signature, error) {
	if !s.finished || s.resp == nil {
		return nil, fmt.Errorf("keysign has not completed")
	}
	return &mpc.Signature{
		MsgHash:      s.resp.Msg,
		R:            s.resp.R,
		S:            s.resp.S,
		DerSignature: s.resp.DerSignature,
		RecoveryID:   s.resp.RecoveryID,
	}, nil
}

// VerifySignature checks the signature against the group key with the same
// rules as every other engine.
func (e *Engine) VerifySignature(publicKeyHex string, msgHash []byte, sig *mpc.Signature) error {
	return sigutil.VerifySignature(publicKeyHex, msgHash, sig)
}

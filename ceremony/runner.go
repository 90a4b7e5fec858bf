package ceremony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/mpc-coordinator/mpc"
	"github.com/vultisig/mpc-coordinator/relay"
)

const (
	wireTypeRound = "round"
	wireTypeAbort = "abort"
)

// wireMessage is the plaintext a relay envelope carries after decryption.
// Items holds the engine payloads for one round; an abort carries only the
// reason.
type wireMessage struct {
	Type   string   `json:"type"`
	Round  int      `json:"round,omitempty"`
	Items  []string `json:"items,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

type peerAbortError struct {
	from   string
	reason string
}

func (e *peerAbortError) Error() string {
	return fmt.Sprintf("aborted by %s: %s", e.from, e.reason)
}

// Runner executes ceremonies over a Transport. One Runner serves any number
// of sessions; per-ceremony state lives on the Session.
type Runner struct {
	transport    relay.Transport
	logger       *logrus.Logger
	roundTimeout time.Duration
	joinTimeout  time.Duration
	pollInterval time.Duration
}

func NewRunner(transport relay.Transport, roundTimeout, joinTimeout time.Duration) *Runner {
	if roundTimeout <= 0 {
		roundTimeout = 45 * time.Second
	}
	if joinTimeout <= 0 {
		joinTimeout = 60 * time.Second
	}
	return &Runner{
		transport:    transport,
		logger:       logrus.WithField("service", "ceremony").Logger,
		roundTimeout: roundTimeout,
		joinTimeout:  joinTimeout,
		pollInterval: 100 * time.Millisecond,
	}
}

func (r *Runner) registerWithRetry(ctx context.Context, s *Session) error {
	var err error
	for i := 0; i < 3; i++ {
		if err = r.transport.RegisterSession(ctx, s.ID, s.LocalPartyID); err == nil {
			return nil
		}
		r.logger.WithFields(logrus.Fields{
			"session": s.ID,
			"attempt": i,
			"error":   err,
		}).Error("Failed to register session")
		time.Sleep(100 * time.Millisecond)
	}
	return err
}

// WaitForParties runs the awaiting-participants phase for the initiating
// party: register, watch the relay roster until the start condition holds,
// then freeze the committee and signal start. The returned list is the
// committee every party will use.
func (r *Runner) WaitForParties(ctx context.Context, s *Session) ([]string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.joinTimeout)
	defer cancel()

	if err := r.registerWithRetry(waitCtx, s); err != nil {
		return nil, err
	}
	if err := s.Join(s.LocalPartyID); err != nil {
		return nil, err
	}

	for !s.ready() {
		select {
		case <-waitCtx.Done():
			cause := fmt.Errorf("timed out waiting for participants: %d of %d joined", len(s.Joined()), s.Required)
			_ = s.setPhase(PhaseAborted)
			return nil, fmt.Errorf("%w: %w", ErrAborted, cause)
		case <-time.After(r.pollInterval):
		}
		parties, err := r.transport.GetSession(waitCtx, s.ID)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"session": s.ID,
				"error":   err,
			}).Error("fail to poll session roster")
			continue
		}
		for _, party := range parties {
			if err := s.Join(party); err != nil {
				r.logger.WithFields(logrus.Fields{
					"session": s.ID,
					"party":   party,
				}).Warn(err.Error())
			}
		}
	}

	committee := s.Joined()
	if err := r.transport.StartSession(waitCtx, s.ID, committee); err != nil {
		_ = s.setPhase(PhaseAborted)
		return nil, fmt.Errorf("%w: fail to start session: %w", ErrAborted, err)
	}
	if err := s.setPhase(PhaseComputing); err != nil {
		return nil, err
	}
	return committee, nil
}

// JoinSession runs the awaiting-participants phase for a joining party:
// register and block until the initiator freezes the committee. A party
// that registered too late is not part of the committee and is turned away.
func (r *Runner) JoinSession(ctx context.Context, s *Session) ([]string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.joinTimeout)
	defer cancel()

	if err := r.registerWithRetry(waitCtx, s); err != nil {
		return nil, err
	}
	committee, err := r.transport.WaitForSessionStart(waitCtx, s.ID)
	if err != nil {
		_ = s.setPhase(PhaseAborted)
		return nil, fmt.Errorf("%w: waiting for session start: %w", ErrAborted, err)
	}

	included := false
	for _, party := range committee {
		if party == s.LocalPartyID {
			included = true
		}
		if err := s.Join(party); err != nil {
			r.logger.WithFields(logrus.Fields{
				"session": s.ID,
				"party":   party,
			}).Warn(err.Error())
		}
	}
	if !included {
		_ = s.setPhase(PhaseAborted)
		return nil, fmt.Errorf("%w: local party %s is not part of the started session", ErrAborted, s.LocalPartyID)
	}
	if err := s.setPhase(PhaseComputing); err != nil {
		return nil, err
	}
	return committee, nil
}

// RunRounds drives one engine session through the computing phase: advance
// the engine, send this round's sealed payloads, then hold at the barrier
// until every other committee member's round message arrived. messageID
// scopes the relay traffic when a ceremony signs several hashes over the
// same session; keygen passes "". The session stays in computing so the
// caller can run further engine sessions before Finalize. On failure the
// session is aborted and the cause is wrapped into ErrAborted.
func (r *Runner) RunRounds(ctx context.Context, s *Session, messageID string, roundSession mpc.Session) error {
	if s.Phase() != PhaseComputing {
		return fmt.Errorf("session is %s, expected %s", s.Phase(), PhaseComputing)
	}
	committee := s.Joined()
	peers := make([]string, 0, len(committee)-1)
	for _, p := range committee {
		if p != s.LocalPartyID {
			peers = append(peers, p)
		}
	}
	messenger := relay.NewMessenger(r.transport, s.ID, s.HexEncryptionKey, messageID)

	logger := r.logger.WithFields(logrus.Fields{
		"session":        s.ID,
		"kind":           s.Kind,
		"local_party_id": s.LocalPartyID,
	})

	// future-round arrivals parked until their round opens
	buffered := make(map[int]map[string][]string)
	seen := make(map[string]bool)
	var incoming [][]byte

	for round := 1; ; round++ {
		result, err := roundSession.Advance(ctx, incoming)
		if err != nil {
			return r.abort(s, messenger, peers, fmt.Errorf("round %d: engine failed: %w", round, err))
		}

		if len(result.Outbound) > 0 || !result.Done {
			perPeer := make(map[string][]string, len(peers))
			for _, out := range result.Outbound {
				targets := out.To
				if len(targets) == 0 {
					targets = peers
				}
				encoded := base64.StdEncoding.EncodeToString(out.Body)
				for _, to := range targets {
					if to == s.LocalPartyID {
						continue
					}
					perPeer[to] = append(perPeer[to], encoded)
				}
			}
			// every peer gets exactly one envelope per round, even when the
			// engine had nothing for it: the barrier counts envelopes
			for _, peer := range peers {
				wm := wireMessage{Type: wireTypeRound, Round: round, Items: perPeer[peer]}
				body, err := json.Marshal(wm)
				if err != nil {
					return r.abort(s, messenger, peers, fmt.Errorf("round %d: marshal: %w", round, err))
				}
				if err := messenger.Send(ctx, s.LocalPartyID, []string{peer}, body); err != nil {
					return r.abort(s, messenger, peers, fmt.Errorf("round %d: send: %w", round, err))
				}
			}
		}

		if result.Done {
			logger.WithField("rounds", round).Info("ceremony computation finished")
			return nil
		}

		incoming, err = r.barrier(ctx, s, messenger, messageID, round, peers, buffered, seen)
		if err != nil {
			return r.abort(s, messenger, peers, err)
		}
	}
}

// barrier collects exactly one round message from every peer. Future-round
// messages are buffered, duplicates dropped, stale rounds discarded. The
// round timeout is the ceremony's liveness guarantee: a peer that
// disconnects mid-computation stalls the barrier until the deadline aborts
// the ceremony for everyone still present.
func (r *Runner) barrier(ctx context.Context, s *Session, messenger *relay.Messenger, messageID string, round int, peers []string, buffered map[int]map[string][]string, seen map[string]bool) ([][]byte, error) {
	barrierCtx, cancel := context.WithTimeout(ctx, r.roundTimeout)
	defer cancel()

	arrived := make(map[string][]string, len(peers))
	if parked, ok := buffered[round]; ok {
		for from, items := range parked {
			arrived[from] = items
		}
		delete(buffered, round)
	}

	complete := func() bool {
		for _, peer := range peers {
			if _, ok := arrived[peer]; !ok {
				return false
			}
		}
		return true
	}

	for !complete() {
		select {
		case <-barrierCtx.Done():
			if ctx.Err() != nil {
				return nil, fmt.Errorf("round %d: %w", round, ctx.Err())
			}
			missing := make([]string, 0, len(peers))
			for _, peer := range peers {
				if _, ok := arrived[peer]; !ok {
					missing = append(missing, peer)
				}
			}
			return nil, fmt.Errorf("round %d timed out after %s waiting for %v", round, r.roundTimeout, missing)
		case <-time.After(r.pollInterval):
		}

		messages, err := r.transport.DownloadMessages(barrierCtx, s.ID, s.LocalPartyID, messageID)
		if err != nil {
			// transient relay failures are tolerated inside the round
			// window; a sustained outage hits the barrier deadline
			r.logger.WithFields(logrus.Fields{
				"session": s.ID,
				"round":   round,
				"error":   err,
			}).Error("fail to download messages")
			continue
		}

		for _, msg := range messages {
			if msg.From == s.LocalPartyID {
				continue
			}
			cacheKey := fmt.Sprintf("%s-%s-%s", s.ID, msg.From, msg.Hash)
			if messageID != "" {
				cacheKey = messageID + "-" + cacheKey
			}
			if seen[cacheKey] {
				r.deleteQuietly(s, messageID, msg.Hash)
				continue
			}
			seen[cacheKey] = true
			r.deleteQuietly(s, messageID, msg.Hash)

			body, err := messenger.Open(msg)
			if err != nil {
				return nil, fmt.Errorf("round %d: malformed message from %s: %w", round, msg.From, err)
			}
			var wm wireMessage
			if err := json.Unmarshal(body, &wm); err != nil {
				return nil, fmt.Errorf("round %d: malformed message from %s: %w", round, msg.From, err)
			}

			switch wm.Type {
			case wireTypeAbort:
				return nil, &peerAbortError{from: msg.From, reason: wm.Reason}
			case wireTypeRound:
				switch {
				case wm.Round < round:
					// stale replay of an already completed round
				case wm.Round == round:
					if _, ok := arrived[msg.From]; !ok {
						arrived[msg.From] = wm.Items
					}
				default:
					parked, ok := buffered[wm.Round]
					if !ok {
						parked = make(map[string][]string)
						buffered[wm.Round] = parked
					}
					if _, ok := parked[msg.From]; !ok {
						parked[msg.From] = wm.Items
					}
				}
			default:
				return nil, fmt.Errorf("round %d: unknown message type %q from %s", round, wm.Type, msg.From)
			}
		}
	}

	var payloads [][]byte
	for _, peer := range peers {
		for _, item := range arrived[peer] {
			raw, err := base64.StdEncoding.DecodeString(item)
			if err != nil {
				return nil, fmt.Errorf("round %d: malformed payload from %s: %w", round, peer, err)
			}
			payloads = append(payloads, raw)
		}
	}
	return payloads, nil
}

func (r *Runner) deleteQuietly(s *Session, messageID, hash string) {
	deleteCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.transport.DeleteMessage(deleteCtx, s.ID, s.LocalPartyID, hash, messageID); err != nil {
		r.logger.WithFields(logrus.Fields{
			"session": s.ID,
			"hash":    hash,
		}).Debugf("fail to delete message: %v", err)
	}
}

// Abort fails a session from outside the round loop, for callers whose own
// step (engine setup, signature verification) failed between rounds. Peers
// are notified like on any internal abort.
func (r *Runner) Abort(s *Session, messageID string, cause error) error {
	var peers []string
	for _, p := range s.Joined() {
		if p != s.LocalPartyID {
			peers = append(peers, p)
		}
	}
	messenger := relay.NewMessenger(r.transport, s.ID, s.HexEncryptionKey, messageID)
	return r.abort(s, messenger, peers, cause)
}

// abort transitions to aborted and tells the peers, unless the abort came
// from a peer in the first place. The notification uses a fresh context:
// the ceremony context is usually already expired when we get here.
func (r *Runner) abort(s *Session, messenger *relay.Messenger, peers []string, cause error) error {
	_ = s.setPhase(PhaseAborted)

	var peerAbort *peerAbortError
	if !errors.As(cause, &peerAbort) && len(peers) > 0 {
		wm := wireMessage{Type: wireTypeAbort, Reason: cause.Error()}
		if body, err := json.Marshal(wm); err == nil {
			notifyCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := messenger.Send(notifyCtx, s.LocalPartyID, peers, body); err != nil {
				r.logger.WithFields(logrus.Fields{
					"session": s.ID,
					"error":   err,
				}).Error("fail to notify peers about abort")
			}
			cancel()
		}
	}

	r.logger.WithFields(logrus.Fields{
		"session": s.ID,
		"kind":    s.Kind,
		"cause":   cause,
	}).Error("ceremony aborted")
	return fmt.Errorf("%w: %w", ErrAborted, cause)
}

// Finalize moves the session from computing into finalizing, persists the
// ceremony artifact, then runs the completion rendezvous. persist must be
// idempotent; a crash between persist and the completion mark is recovered
// by running Finalize again on a fresh session.
func (r *Runner) Finalize(ctx context.Context, s *Session, persist func(context.Context) error) error {
	if err := s.setPhase(PhaseFinalizing); err != nil {
		return err
	}
	if persist != nil {
		if err := persist(ctx); err != nil {
			_ = s.setPhase(PhaseAborted)
			return fmt.Errorf("%w: finalize: %w", ErrAborted, err)
		}
	}
	if err := r.transport.CompleteSession(ctx, s.ID, s.LocalPartyID); err != nil {
		r.logger.WithFields(logrus.Fields{
			"session": s.ID,
			"error":   err,
		}).Error("fail to mark session complete")
	}
	committee := s.Joined()
	if ok, err := r.transport.CheckCompletedParties(ctx, s.ID, committee); err != nil || !ok {
		r.logger.WithFields(logrus.Fields{
			"session": s.ID,
			"error":   err,
		}).Error("not all parties confirmed completion")
	}
	return s.setPhase(PhaseCompleted)
}

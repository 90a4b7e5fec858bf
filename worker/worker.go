// Package worker runs the server party's side of queued ceremonies. The API
// process only enqueues; every relay round trip and engine round happens
// here. Each task gets its own coordinator so concurrent ceremonies join
// under the party id their request names while sharing the heavy
// dependencies behind it.
package worker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/mpc-coordinator/broadcast"
	"github.com/vultisig/mpc-coordinator/ceremony"
	"github.com/vultisig/mpc-coordinator/contexthelper"
	"github.com/vultisig/mpc-coordinator/coordinator"
	"github.com/vultisig/mpc-coordinator/descriptor"
	"github.com/vultisig/mpc-coordinator/internal/types"
	"github.com/vultisig/mpc-coordinator/keyshare"
	"github.com/vultisig/mpc-coordinator/mpc"
	"github.com/vultisig/mpc-coordinator/registry"
	"github.com/vultisig/mpc-coordinator/relay"
	"github.com/vultisig/mpc-coordinator/txcodec"
)

// Config carries the ceremony dependencies shared by every task. All of
// them are safe for concurrent use; the party id is the only per-task piece.
type Config struct {
	// RelayServer is the URL the transport dials and the one written into
	// descriptors built here.
	RelayServer string
	// LocalPartyID is the fallback party id for keygen requests that do
	// not name one.
	LocalPartyID string

	Transport    relay.Transport
	Engine       mpc.Engine
	Registry     registry.Registry
	Shares       keyshare.Store
	Codecs       *txcodec.Set
	Broadcasters *broadcast.Set

	// Zero values fall back to the ceremony runner defaults.
	RoundTimeout time.Duration
	JoinTimeout  time.Duration
}

type Service struct {
	cfg      Config
	logger   *logrus.Logger
	sdClient *statsd.Client
}

// KeyGenerationTaskResult is written to the task result once the server
// party holds its share of the new vault.
type KeyGenerationTaskResult struct {
	ECDSAPublicKey string `json:"ecdsa_public_key"`
	EDDSAPublicKey string `json:"eddsa_public_key"`
}

// KeySignTaskResult carries the threshold signatures of one signing
// ceremony, keyed by the hex digest they sign. TxID and RawSigned are set
// when the signed transaction was assembled and broadcast.
type KeySignTaskResult struct {
	Signatures map[string]*mpc.Signature `json:"signatures"`
	RawSigned  string                    `json:"raw_signed,omitempty"` // hex
	TxID       string                    `json:"tx_id,omitempty"`
}

func NewService(cfg Config, sdClient *statsd.Client) (*Service, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Shares == nil {
		return nil, fmt.Errorf("share store is required")
	}
	if sdClient == nil {
		return nil, fmt.Errorf("sdClient is nil")
	}
	return &Service{
		cfg:      cfg,
		logger:   logrus.WithField("service", "worker").Logger,
		sdClient: sdClient,
	}, nil
}

func (s *Service) incCounter(name string, tags []string) {
	if err := s.sdClient.Count(name, 1, tags, 1); err != nil {
		s.logger.Errorf("fail to count metric, err: %v", err)
	}
}

func (s *Service) measureTime(name string, start time.Time, tags []string) {
	if err := s.sdClient.Timing(name, time.Since(start), tags, 1); err != nil {
		s.logger.Errorf("fail to measure time, err: %v", err)
	}
}

// coordinatorFor builds a coordinator joining under partyID. Keygen requests
// name the server's party id themselves; when absent the configured default
// applies, and as a last resort a generated one keeps the roster unambiguous.
func (s *Service) coordinatorFor(partyID string) (*coordinator.Coordinator, error) {
	if partyID == "" {
		partyID = s.cfg.LocalPartyID
	}
	if partyID == "" {
		partyID = fmt.Sprintf("Server-%04d", rand.Intn(10000))
	}
	return coordinator.New(coordinator.Config{
		LocalPartyID: partyID,
		RelayServer:  s.cfg.RelayServer,
		Transport:    s.cfg.Transport,
		Engine:       s.cfg.Engine,
		Registry:     s.cfg.Registry,
		Shares:       s.cfg.Shares,
		Codecs:       s.cfg.Codecs,
		Broadcasters: s.cfg.Broadcasters,
		RoundTimeout: s.cfg.RoundTimeout,
		JoinTimeout:  s.cfg.JoinTimeout,
	})
}

// JoinKeyGeneration joins the keygen ceremony the request names and returns
// the new vault once the server's sealed share is stored.
func (s *Service) JoinKeyGeneration(ctx context.Context, req types.VaultCreateRequest) (*registry.Vault, error) {
	coord, err := s.coordinatorFor(req.LocalPartyID)
	if err != nil {
		return nil, fmt.Errorf("fail to create coordinator: %w", err)
	}
	return coord.JoinVault(ctx, &descriptor.Descriptor{
		SessionID:        req.SessionID,
		Kind:             string(ceremony.KindKeygen),
		RelayServer:      s.cfg.RelayServer,
		HexEncryptionKey: req.HexEncryptionKey,
		VaultID:          req.VaultID,
		VaultName:        req.Name,
		VaultKind:        string(registry.KindFast),
		Threshold:        req.Threshold,
		Participants:     req.Participants,
		HexChainCode:     req.HexChainCode,
	}, req.EncryptionPassword)
}

// JoinKeySign co-signs the request's digests. The vault row supplies the
// party id and committee size recorded at keygen; the request must name the
// public key the vault was created with. On a broadcast failure the returned
// intent still carries the signatures alongside the error.
func (s *Service) JoinKeySign(ctx context.Context, req types.KeysignRequest) (*coordinator.SigningIntent, error) {
	vault, err := s.cfg.Registry.Find(ctx, req.VaultID)
	if err != nil {
		return nil, fmt.Errorf("fail to find vault %s: %w", req.VaultID, err)
	}
	if vault.PublicKeyECDSA != req.PublicKey {
		return nil, fmt.Errorf("public key does not belong to vault %s", req.VaultID)
	}

	coord, err := s.coordinatorFor(vault.LocalPartyID)
	if err != nil {
		return nil, fmt.Errorf("fail to create coordinator: %w", err)
	}
	return coord.ApproveSigning(ctx, &descriptor.Descriptor{
		SessionID:        req.SessionID,
		Kind:             string(ceremony.KindKeysign),
		RelayServer:      s.cfg.RelayServer,
		HexEncryptionKey: req.HexEncryptionKey,
		VaultID:          req.VaultID,
		Threshold:        vault.Threshold,
		PublicKey:        req.PublicKey,
		Chain:            req.Chain,
		Destination:      req.Destination,
		Amount:           req.Amount,
		RawTx:            req.RawTx,
		Messages:         req.Messages,
		DerivePath:       req.DerivePath,
	}, req.VaultPassword)
}

// HandleKeyGeneration joins the keygen ceremony named by the queued request.
// Keygen needs every party present at once, so failures are permanent: the
// initiating device starts over with a fresh session instead of the queue
// replaying a ceremony the other parties already abandoned.
func (s *Service) HandleKeyGeneration(ctx context.Context, t *asynq.Task) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	defer s.measureTime("worker.vault.create.latency", time.Now(), []string{})

	var req types.VaultCreateRequest
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	s.incCounter("worker.vault.create", []string{})
	s.logger.WithFields(logrus.Fields{
		"name":           req.Name,
		"vault":          req.VaultID,
		"session":        req.SessionID,
		"local_party_id": req.LocalPartyID,
	}).Info("joining keygen ceremony")
	if err := req.IsValid(); err != nil {
		return fmt.Errorf("invalid vault create request: %s: %w", err, asynq.SkipRetry)
	}

	vault, err := s.JoinKeyGeneration(ctx, req)
	if err != nil {
		s.incCounter("worker.vault.create.error", []string{})
		return fmt.Errorf("fail to join keygen ceremony: %v: %w", err, asynq.SkipRetry)
	}

	resultBytes, err := json.Marshal(KeyGenerationTaskResult{
		ECDSAPublicKey: vault.PublicKeyECDSA,
		EDDSAPublicKey: vault.PublicKeyEdDSA,
	})
	if err != nil {
		return fmt.Errorf("json.Marshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if _, err := t.ResultWriter().Write(resultBytes); err != nil {
		return fmt.Errorf("t.ResultWriter.Write failed: %v: %w", err, asynq.SkipRetry)
	}
	return nil
}

// HandleKeySign co-signs a prepared transaction and writes the signatures to
// the task result for the polling client.
func (s *Service) HandleKeySign(ctx context.Context, t *asynq.Task) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	defer s.measureTime("worker.vault.sign.latency", time.Now(), []string{})

	var req types.KeysignRequest
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	s.incCounter("worker.vault.sign", []string{})
	s.logger.WithFields(logrus.Fields{
		"vault":    req.VaultID,
		"session":  req.SessionID,
		"chain":    req.Chain,
		"messages": req.Messages,
	}).Info("joining signing ceremony")
	if err := req.IsValid(); err != nil {
		return fmt.Errorf("invalid keysign request: %s: %w", err, asynq.SkipRetry)
	}

	intent, err := s.JoinKeySign(ctx, req)
	if err != nil && intent == nil {
		s.incCounter("worker.vault.sign.error", []string{})
		return fmt.Errorf("fail to join signing ceremony: %v: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		// Signed but not broadcast. Hand the signatures back anyway; the
		// holder of the raw transaction can rebroadcast it.
		s.incCounter("worker.vault.sign.broadcast_error", []string{})
		s.logger.WithFields(logrus.Fields{
			"vault":   req.VaultID,
			"session": req.SessionID,
		}).Errorf("fail to broadcast signed transaction: %v", err)
	}

	result := KeySignTaskResult{
		Signatures: intent.Signatures,
		TxID:       intent.TxID,
	}
	if len(intent.RawSigned) > 0 {
		result.RawSigned = hex.EncodeToString(intent.RawSigned)
	}
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("json.Marshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if _, err := t.ResultWriter().Write(resultBytes); err != nil {
		return fmt.Errorf("t.ResultWriter.Write failed: %v: %w", err, asynq.SkipRetry)
	}
	return nil
}

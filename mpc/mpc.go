// Package mpc defines the seam between the ceremony coordinator and the
// underlying threshold-signature engine. The coordinator only sees opaque
// round payloads; key material never crosses this boundary unencrypted
// except inside the engine's own results.
package mpc

import (
	"context"
)

// Outbound is one routed payload produced by a round. An empty To slice
// means broadcast to every other participant.
type Outbound struct {
	To   []string
	Body []byte
}

// RoundResult carries everything a single advance produced.
type RoundResult struct {
	Outbound []Outbound
	Done     bool
}

// Session is one party's handle on a running protocol instance. Advance
// consumes the payloads received for the current round and yields the
// payloads to send for the next one. After Done is reported the session
// result becomes available and no further Advance calls are legal.
type Session interface {
	Advance(ctx context.Context, incoming [][]byte) (*RoundResult, error)
	Free()
}

type KeygenSession interface {
	Session
	Result() (*KeygenResult, error)
}

type KeysignSession interface {
	Session
	Result() (*Signature, error)
}

type KeygenParams struct {
	SessionID    string
	LocalPartyID string
	Parties      []string
	Threshold    int
	ChainCodeHex string
}

type KeysignParams struct {
	SessionID    string
	LocalPartyID string
	Parties      []string
	PublicKeyHex string
	ChainCodeHex string
	Keyshare     []byte
	MessageHash  []byte
	DerivePath   string
}

// KeygenResult is the artifact of a completed key generation: the group
// public keys plus this party's share, ready for encrypted persistence.
type KeygenResult struct {
	PublicKeyECDSA string
	PublicKeyEdDSA string
	ChainCodeHex   string
	Keyshare       []byte
}

// Signature mirrors the wire form mobile clients exchange on the
// completion rendezvous.
type Signature struct {
	MsgHash      string `json:"msg,omitempty"`
	R            string `json:"r,omitempty"`
	S            string `json:"s,omitempty"`
	DerSignature string `json:"der_signature,omitempty"`
	RecoveryID   string `json:"recovery_id,omitempty"`
}

// Engine creates protocol sessions and verifies their outputs. Signature
// combination happens inside the engine before Result returns, so a
// returned Signature is already the full threshold signature.
type Engine interface {
	NewKeygenSession(params KeygenParams) (KeygenSession, error)
	NewKeysignSession(params KeysignParams) (KeysignSession, error)
	VerifySignature(publicKeyHex string, msgHash []byte, sig *Signature) error
}

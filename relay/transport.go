package relay

import (
	"context"
	"errors"

	"github.com/vultisig/mpc-coordinator/mpc"
)

// ErrTransportUnavailable reports that the relay could not be reached or
// refused the operation. Callers see it unchanged; nothing below this layer
// retries past the bounded register backoff.
var ErrTransportUnavailable = errors.New("transport unavailable")

// Transport is the session channel between ceremony participants. The HTTP
// Client talks to a relay server; MemoryTransport serves hermetic tests and
// single-process simulations. Message bodies are already sealed by the time
// they reach a Transport.
type Transport interface {
	// RegisterSession announces a party on a session channel.
	RegisterSession(ctx context.Context, sessionID, partyID string) error
	// GetSession lists the parties currently registered.
	GetSession(ctx context.Context, sessionID string) ([]string, error)
	// StartSession freezes the participant list and signals ceremony start.
	StartSession(ctx context.Context, sessionID string, parties []string) error
	// WaitForSessionStart blocks until the session has been started,
	// returning the frozen participant list.
	WaitForSessionStart(ctx context.Context, sessionID string) ([]string, error)

	SendMessage(ctx context.Context, msg Message) error
	// DownloadMessages returns the pending envelopes addressed to partyID,
	// ordered by sender sequence number. messageID scopes concurrent
	// signing flows within one session; empty outside keysign.
	DownloadMessages(ctx context.Context, sessionID, partyID, messageID string) ([]Message, error)
	DeleteMessage(ctx context.Context, sessionID, partyID, hash, messageID string) error

	UploadSetupMessage(ctx context.Context, sessionID, messageID, payload string) error
	WaitForSetupMessage(ctx context.Context, sessionID, messageID string) (string, error)

	CompleteSession(ctx context.Context, sessionID, partyID string) error
	CheckCompletedParties(ctx context.Context, sessionID string, parties []string) (bool, error)
	MarkKeysignComplete(ctx context.Context, sessionID, messageID string, sig mpc.Signature) error
	CheckKeysignComplete(ctx context.Context, sessionID, messageID string) (*mpc.Signature, error)

	EndSession(ctx context.Context, sessionID string) error
}

package coordinator

import (
	"errors"

	"github.com/vultisig/mpc-coordinator/broadcast"
	"github.com/vultisig/mpc-coordinator/ceremony"
	"github.com/vultisig/mpc-coordinator/keyshare"
	"github.com/vultisig/mpc-coordinator/registry"
	"github.com/vultisig/mpc-coordinator/relay"
)

// The coordinator's stable error surface. Callers match with errors.Is;
// most sentinels originate in the layer that detects the condition and are
// re-exported here so hosts only import this package.
var (
	// ErrInvalidTransactionParams rejects a signing request before any
	// session or network work happens: zero or negative amount, malformed
	// destination, or a chain no codec supports.
	ErrInvalidTransactionParams = errors.New("invalid transaction parameters")

	ErrTransportUnavailable  = relay.ErrTransportUnavailable
	ErrCeremonyAborted       = ceremony.ErrAborted
	ErrPasswordDenied        = keyshare.ErrPasswordDenied
	ErrStoreIO               = keyshare.ErrStoreIO
	ErrShareNotFound         = keyshare.ErrNotFound
	ErrVaultNotFound         = registry.ErrNotFound
	ErrCeremonyAlreadyActive = registry.ErrCeremonyAlreadyActive
	ErrBroadcastRejected     = broadcast.ErrRejected
)

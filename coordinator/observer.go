package coordinator

import (
	"github.com/sirupsen/logrus"

	"github.com/vultisig/mpc-coordinator/ceremony"
	"github.com/vultisig/mpc-coordinator/descriptor"
)

// Observer receives ceremony lifecycle events for UI or metrics. Callbacks
// are fire-and-forget: each runs on its own goroutine, panics are recovered
// and logged, and nothing an observer does can block or fail a ceremony.
type Observer interface {
	OnStatusChanged(vaultID, sessionID string, phase ceremony.Phase)
	OnSessionReady(desc *descriptor.Descriptor)
	OnParticipantJoined(sessionID, partyID string, joined, required int)
}

type notifier struct {
	observer Observer
	logger   *logrus.Logger
}

func newNotifier(observer Observer, logger *logrus.Logger) *notifier {
	return &notifier{observer: observer, logger: logger}
}

func (n *notifier) dispatch(fn func()) {
	if n.observer == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				n.logger.WithField("panic", r).Error("observer callback panicked")
			}
		}()
		fn()
	}()
}

func (n *notifier) statusChanged(vaultID, sessionID string, phase ceremony.Phase) {
	n.dispatch(func() { n.observer.OnStatusChanged(vaultID, sessionID, phase) })
}

func (n *notifier) sessionReady(desc *descriptor.Descriptor) {
	n.dispatch(func() { n.observer.OnSessionReady(desc) })
}

func (n *notifier) participantJoined(sessionID, partyID string, joined, required int) {
	n.dispatch(func() { n.observer.OnParticipantJoined(sessionID, partyID, joined, required) })
}

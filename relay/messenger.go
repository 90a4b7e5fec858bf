package relay

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/mpc-coordinator/common"
)

// Messenger seals ceremony payloads with the session key and hands them to
// a Transport. Sequence numbers are per-messenger and strictly increasing,
// so receivers can restore sender order after polling. messageID is empty
// for keygen and carries the signed hash's id during keysign.
type Messenger struct {
	transport        Transport
	sessionID        string
	hexEncryptionKey string
	messageID        string
	logger           *logrus.Logger
	sequenceNo       int64
}

func NewMessenger(transport Transport, sessionID, hexEncryptionKey, messageID string) *Messenger {
	return &Messenger{
		transport:        transport,
		sessionID:        sessionID,
		hexEncryptionKey: hexEncryptionKey,
		messageID:        messageID,
		logger:           logrus.WithField("service", "messenger").Logger,
	}
}

// Send encrypts body and posts one envelope addressed to every party in to.
func (m *Messenger) Send(ctx context.Context, from string, to []string, body []byte) error {
	if len(body) == 0 {
		return fmt.Errorf("body is empty")
	}
	sealed, err := common.EncryptGCM(string(body), m.hexEncryptionKey)
	if err != nil {
		return fmt.Errorf("fail to encrypt message body: %w", err)
	}
	hash := md5.Sum([]byte(sealed))
	hashStr := hex.EncodeToString(hash[:])

	msg := Message{
		SessionID:  m.sessionID,
		From:       from,
		To:         to,
		Body:       sealed,
		Hash:       hashStr,
		SequenceNo: atomic.AddInt64(&m.sequenceNo, 1),
		MessageID:  m.messageID,
	}
	if err := m.transport.SendMessage(ctx, msg); err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
		"hash": hashStr,
	}).Debug("message sent")
	return nil
}

// Open decrypts a downloaded envelope body.
func (m *Messenger) Open(msg Message) ([]byte, error) {
	plaintext, err := common.DecryptGCM(msg.Body, m.hexEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("fail to decrypt message body: %w", err)
	}
	return []byte(plaintext), nil
}

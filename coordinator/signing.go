package coordinator

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/mpc-coordinator/ceremony"
	"github.com/vultisig/mpc-coordinator/common"
	"github.com/vultisig/mpc-coordinator/descriptor"
	"github.com/vultisig/mpc-coordinator/keyshare"
	"github.com/vultisig/mpc-coordinator/mpc"
	"github.com/vultisig/mpc-coordinator/txcodec"
)

// SigningIntent carries one prepared transaction through announcement,
// approval and broadcast. Signatures and RawSigned are filled in by the
// signing ceremony; after a broadcast rejection RawSigned stays valid for
// re-broadcast without another ceremony.
type SigningIntent struct {
	VaultID          string
	SessionID        string
	HexEncryptionKey string
	Chain            string
	Destination      string
	Amount           *big.Int
	DerivePath       string

	Payload    *txcodec.Payload
	Descriptor *descriptor.Descriptor

	Signatures map[string]*mpc.Signature
	RawSigned  []byte
	TxID       string
}

// MessageID scopes relay traffic to one signed hash; concurrent hashes of
// the same session stay separated. The derivation is fixed by the wire
// protocol the mobile clients speak.
func MessageID(msgHex string) string {
	return hex.EncodeToString(md5.New().Sum([]byte(msgHex)))
}

// PrepareSigning validates the transfer, builds the unsigned transaction
// and mints the signing session. Parameter violations surface as
// ErrInvalidTransactionParams before any session or registry work; only the
// transaction build itself talks to the chain RPC.
func (c *Coordinator) PrepareSigning(ctx context.Context, vaultID, destination string, amount *big.Int, chain string) (*SigningIntent, error) {
	codec, err := c.codecs.ForChain(chain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransactionParams, err)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidTransactionParams)
	}
	if err := codec.ValidateDestination(destination); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransactionParams, err)
	}

	vault, err := c.registry.Find(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	from, err := codec.AddressFromPublicKey(vault.PublicKeyECDSA)
	if err != nil {
		return nil, fmt.Errorf("fail to derive sender address: %w", err)
	}
	payload, err := codec.BuildTransfer(ctx, txcodec.TransferRequest{
		Chain:       chain,
		From:        from,
		Destination: destination,
		Amount:      amount,
	})
	if err != nil {
		return nil, fmt.Errorf("fail to build transaction: %w", err)
	}

	encKey, err := common.GenerateHexEncryptionKey()
	if err != nil {
		return nil, fmt.Errorf("fail to generate encryption key: %w", err)
	}
	sessionID := uuid.New().String()

	desc := &descriptor.Descriptor{
		SessionID:        sessionID,
		Kind:             string(ceremony.KindKeysign),
		RelayServer:      c.relayServer,
		HexEncryptionKey: encKey,
		VaultID:          vault.ID,
		VaultName:        vault.Name,
		VaultKind:        string(vault.Kind),
		Threshold:        vault.Threshold,
		Participants:     vault.Participants,
		InitiatedBy:      c.localPartyID,
		HexChainCode:     vault.HexChainCode,
		PublicKey:        vault.PublicKeyECDSA,
		Chain:            chain,
		Destination:      destination,
		Amount:           amount.String(),
		RawTx:            hex.EncodeToString(payload.Unsigned),
		Messages:         payload.Hashes,
	}
	return &SigningIntent{
		VaultID:          vault.ID,
		SessionID:        sessionID,
		HexEncryptionKey: encKey,
		Chain:            chain,
		Destination:      destination,
		Amount:           amount,
		Payload:          payload,
		Descriptor:       desc,
	}, nil
}

// InitiateSigning runs the initiating side of a signing ceremony: announce
// the session, wait for a threshold of shareholders, sign every payload
// digest, then broadcast.
func (c *Coordinator) InitiateSigning(ctx context.Context, intent *SigningIntent, passphrase string) error {
	vault, err := c.registry.Find(ctx, intent.VaultID)
	if err != nil {
		return err
	}
	passphrase, err = c.resolvePassphrase(ctx, intent.VaultID, passphrase)
	if err != nil {
		return err
	}
	share, err := c.shares.Get(ctx, intent.VaultID, passphrase)
	if err != nil {
		return err
	}

	session, err := ceremony.NewSession(ceremony.Params{
		SessionID:        intent.SessionID,
		Kind:             ceremony.KindKeysign,
		Required:         vault.Threshold,
		LocalPartyID:     c.localPartyID,
		HexEncryptionKey: intent.HexEncryptionKey,
	})
	if err != nil {
		return err
	}
	if err := c.registry.AcquireCeremony(ctx, intent.VaultID, session.ID); err != nil {
		return err
	}
	defer c.releaseLease(intent.VaultID, session.ID)
	c.watch(session, intent.VaultID)
	c.notify.sessionReady(intent.Descriptor)

	committee, err := c.runner.WaitForParties(ctx, session)
	if err != nil {
		return err
	}
	if err := c.signRounds(ctx, session, committee, share, intent); err != nil {
		return err
	}
	if _, err := c.Broadcast(ctx, intent); err != nil {
		return err
	}
	return nil
}

// ApproveSigning runs the joining side: rebuild the intent from the
// descriptor, load the share, take part in the ceremony and broadcast the
// result. Networks dedup the double broadcast; a transaction the initiator
// already sent counts as success.
func (c *Coordinator) ApproveSigning(ctx context.Context, desc *descriptor.Descriptor, passphrase string) (*SigningIntent, error) {
	if desc == nil || desc.Kind != string(ceremony.KindKeysign) {
		return nil, fmt.Errorf("descriptor is not a signing invitation")
	}
	intent, err := c.intentFromDescriptor(desc)
	if err != nil {
		return nil, err
	}
	passphrase, err = c.resolvePassphrase(ctx, desc.VaultID, passphrase)
	if err != nil {
		return nil, err
	}
	share, err := c.shares.Get(ctx, desc.VaultID, passphrase)
	if err != nil {
		return nil, err
	}

	session, err := ceremony.NewSession(ceremony.Params{
		SessionID:        desc.SessionID,
		Kind:             ceremony.KindKeysign,
		Required:         desc.Threshold,
		LocalPartyID:     c.localPartyID,
		HexEncryptionKey: desc.HexEncryptionKey,
	})
	if err != nil {
		return nil, err
	}
	if err := c.registry.AcquireCeremony(ctx, desc.VaultID, session.ID); err != nil {
		return nil, err
	}
	defer c.releaseLease(desc.VaultID, session.ID)
	c.watch(session, desc.VaultID)

	committee, err := c.runner.JoinSession(ctx, session)
	if err != nil {
		return nil, err
	}
	if err := c.signRounds(ctx, session, committee, share, intent); err != nil {
		return nil, err
	}
	if _, err := c.Broadcast(ctx, intent); err != nil {
		return intent, err
	}
	return intent, nil
}

// intentFromDescriptor reconstructs the initiator's intent on a joining
// device from the out-of-band payload alone.
func (c *Coordinator) intentFromDescriptor(desc *descriptor.Descriptor) (*SigningIntent, error) {
	if len(desc.Messages) == 0 {
		return nil, fmt.Errorf("%w: descriptor carries no signing digests", ErrInvalidTransactionParams)
	}
	unsigned, err := hex.DecodeString(desc.RawTx)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed raw transaction: %v", ErrInvalidTransactionParams, err)
	}
	codec, err := c.codecs.ForChain(desc.Chain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransactionParams, err)
	}
	from, err := codec.AddressFromPublicKey(desc.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("fail to derive sender address: %w", err)
	}
	amount := new(big.Int)
	if desc.Amount != "" {
		if _, ok := amount.SetString(desc.Amount, 10); !ok {
			return nil, fmt.Errorf("%w: malformed amount %q", ErrInvalidTransactionParams, desc.Amount)
		}
	}
	return &SigningIntent{
		VaultID:          desc.VaultID,
		SessionID:        desc.SessionID,
		HexEncryptionKey: desc.HexEncryptionKey,
		Chain:            desc.Chain,
		Destination:      desc.Destination,
		Amount:           amount,
		DerivePath:       desc.DerivePath,
		Payload: &txcodec.Payload{
			Chain:    desc.Chain,
			From:     from,
			Unsigned: unsigned,
			Hashes:   desc.Messages,
		},
		Descriptor: desc,
	}, nil
}

// signRounds signs every payload digest in its own engine session, all
// inside one ceremony session: the relay traffic of each digest is scoped
// by its message id. The ceremony finalizes once, after the last digest.
func (c *Coordinator) signRounds(ctx context.Context, session *ceremony.Session, committee []string, share *keyshare.Share, intent *SigningIntent) error {
	intent.Signatures = make(map[string]*mpc.Signature, len(intent.Payload.Hashes))

	for _, msgHex := range intent.Payload.Hashes {
		messageID := MessageID(msgHex)
		hash, err := hex.DecodeString(msgHex)
		if err != nil {
			return c.runner.Abort(session, messageID, fmt.Errorf("malformed signing digest %s: %w", msgHex, err))
		}

		keysignSession, err := c.engine.NewKeysignSession(mpc.KeysignParams{
			SessionID:    session.ID,
			LocalPartyID: c.localPartyID,
			Parties:      committee,
			PublicKeyHex: share.PublicKeyECDSA,
			ChainCodeHex: share.HexChainCode,
			Keyshare:     share.Material,
			MessageHash:  hash,
			DerivePath:   intent.DerivePath,
		})
		if err != nil {
			return c.runner.Abort(session, messageID, fmt.Errorf("fail to create keysign session: %w", err))
		}

		if err := c.runner.RunRounds(ctx, session, messageID, keysignSession); err != nil {
			keysignSession.Free()
			return err
		}
		sig, err := keysignSession.Result()
		keysignSession.Free()
		if err != nil {
			return c.runner.Abort(session, messageID, fmt.Errorf("fail to collect signature: %w", err))
		}
		if err := c.engine.VerifySignature(share.PublicKeyECDSA, hash, sig); err != nil {
			return c.runner.Abort(session, messageID, fmt.Errorf("signature verification failed: %w", err))
		}
		if err := c.transport.MarkKeysignComplete(ctx, session.ID, messageID, *sig); err != nil {
			c.logger.WithFields(logrus.Fields{
				"session": session.ID,
				"error":   err,
			}).Debug("fail to mark keysign complete")
		}
		intent.Signatures[msgHex] = sig
	}

	if err := c.runner.Finalize(ctx, session, nil); err != nil {
		return err
	}
	if err := c.transport.EndSession(ctx, session.ID); err != nil {
		c.logger.WithField("session", session.ID).Debugf("fail to end session: %v", err)
	}

	codec, err := c.codecs.ForChain(intent.Chain)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransactionParams, err)
	}
	raw, err := codec.AttachSignatures(intent.Payload, intent.Signatures)
	if err != nil {
		return fmt.Errorf("fail to attach signatures: %w", err)
	}
	intent.RawSigned = raw
	c.logger.WithFields(logrus.Fields{
		"session": session.ID,
		"vault":   intent.VaultID,
		"chain":   intent.Chain,
		"digests": len(intent.Payload.Hashes),
	}).Info("transaction signed")
	return nil
}

// Broadcast relays the signed transaction. On ErrBroadcastRejected the
// intent keeps RawSigned so the caller can retry without re-signing.
func (c *Coordinator) Broadcast(ctx context.Context, intent *SigningIntent) (string, error) {
	if len(intent.RawSigned) == 0 {
		return "", fmt.Errorf("intent carries no signed transaction")
	}
	b, err := c.broadcasters.ForChain(intent.Chain)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTransactionParams, err)
	}
	txID, err := b.Broadcast(ctx, intent.RawSigned)
	if err != nil {
		return "", err
	}
	intent.TxID = txID
	c.logger.WithFields(logrus.Fields{
		"vault": intent.VaultID,
		"chain": intent.Chain,
		"tx":    txID,
	}).Info("transaction broadcast")
	return txID, nil
}

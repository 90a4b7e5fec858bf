package types

import (
	"fmt"

	"github.com/google/uuid"
)

// KeysignRequest asks the server party to co-sign a prepared transaction.
// The fields mirror the signing invitation the initiating device shows as a
// QR code: the server rebuilds the same unsigned transaction from RawTx and
// refuses to sign digests that do not belong to it.
type KeysignRequest struct {
	VaultID          string   `json:"vault_id"`           // vault whose share signs
	PublicKey        string   `json:"public_key"`         // vault public key ECDSA
	Chain            string   `json:"chain"`              // chain the transaction targets
	Destination      string   `json:"destination"`        // transfer recipient
	Amount           string   `json:"amount"`             // transfer amount, base-10 integer string
	RawTx            string   `json:"raw_tx"`             // unsigned transaction, hex
	Messages         []string `json:"messages"`           // digests to sign, hex
	SessionID        string   `json:"session"`            // ceremony session id
	HexEncryptionKey string   `json:"hex_encryption_key"` // hex encryption key for relay traffic
	DerivePath       string   `json:"derive_path"`        // optional key derivation path
	VaultPassword    string   `json:"vault_password"`     // password that opens the server's share
}

func (req *KeysignRequest) IsValid() error {
	if req.VaultID == "" {
		return fmt.Errorf("vault_id is required")
	}
	if _, err := uuid.Parse(req.VaultID); err != nil {
		return fmt.Errorf("vault_id is not valid")
	}
	if req.PublicKey == "" {
		return fmt.Errorf("public_key is required")
	}
	if !isValidHexString(req.PublicKey) {
		return fmt.Errorf("public_key is not valid")
	}
	if req.Chain == "" {
		return fmt.Errorf("chain is required")
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("messages is required")
	}
	for _, msg := range req.Messages {
		if !isValidHexString(msg) {
			return fmt.Errorf("message %s is not valid", msg)
		}
	}
	if req.SessionID == "" {
		return fmt.Errorf("session is required")
	}
	if _, err := uuid.Parse(req.SessionID); err != nil {
		return fmt.Errorf("session is not valid")
	}
	if req.HexEncryptionKey == "" {
		return fmt.Errorf("hex_encryption_key is required")
	}
	if !isValidHexString(req.HexEncryptionKey) {
		return fmt.Errorf("hex_encryption_key is not valid")
	}
	if req.RawTx != "" && !isValidHexString(req.RawTx) {
		return fmt.Errorf("raw_tx is not valid")
	}
	return nil
}

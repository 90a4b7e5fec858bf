package types

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VaultCreateRequest asks the server party to join a keygen ceremony that a
// client device has already announced on the relay. The client mints the
// vault id and session id; the server joins under LocalPartyID and seals its
// share with EncryptionPassword.
type VaultCreateRequest struct {
	Name               string `json:"name"`                // name of the vault
	VaultID            string `json:"vault_id"`            // vault id minted by the initiating device
	SessionID          string `json:"session_id"`          // ceremony session id
	HexEncryptionKey   string `json:"hex_encryption_key"`  // hex encryption key for relay traffic
	HexChainCode       string `json:"hex_chain_code"`      // hex chain code
	LocalPartyID       string `json:"local_party_id"`      // party id the server should join under
	Threshold          int    `json:"threshold"`           // signatures needed later
	Participants       int    `json:"participants"`        // total share holders, server included
	EncryptionPassword string `json:"encryption_password"` // password used to seal the server's share
}

func (req *VaultCreateRequest) IsValid() error {
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}
	if req.VaultID == "" {
		return fmt.Errorf("vault_id is required")
	}
	if _, err := uuid.Parse(req.VaultID); err != nil {
		return fmt.Errorf("vault_id is not valid")
	}
	if req.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if _, err := uuid.Parse(req.SessionID); err != nil {
		return fmt.Errorf("session_id is not valid")
	}
	if req.HexEncryptionKey == "" {
		return fmt.Errorf("hex_encryption_key is required")
	}
	if !isValidHexString(req.HexEncryptionKey) {
		return fmt.Errorf("hex_encryption_key is not valid")
	}
	if req.HexChainCode == "" {
		return fmt.Errorf("hex_chain_code is required")
	}
	if !isValidHexString(req.HexChainCode) {
		return fmt.Errorf("hex_chain_code is not valid")
	}
	if req.Participants < 2 {
		return fmt.Errorf("participants must be at least 2")
	}
	if req.Threshold < 2 || req.Threshold > req.Participants {
		return fmt.Errorf("threshold must be between 2 and participants")
	}
	if req.EncryptionPassword == "" {
		return fmt.Errorf("encryption_password is required")
	}
	return nil
}

// VaultGetResponse is the vault metadata returned to clients. Key material
// never leaves the store unencrypted; only public keys and roster appear
// here.
type VaultGetResponse struct {
	Name           string    `json:"name"`
	VaultID        string    `json:"vault_id"`
	PublicKeyECDSA string    `json:"public_key_ecdsa"`
	PublicKeyEdDSA string    `json:"public_key_eddsa"`
	HexChainCode   string    `json:"hex_chain_code"`
	LocalPartyID   string    `json:"local_party_id"`
	Threshold      int       `json:"threshold"`
	Signers        []string  `json:"signers"`
	CreatedAt      time.Time `json:"created_at"`
}

// BalanceResponse reports the native-token balance of the vault's address
// on one chain.
type BalanceResponse struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	Balance string `json:"balance"`
}

func isValidHexString(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

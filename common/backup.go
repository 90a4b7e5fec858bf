package common

import (
	"encoding/base64"
	"fmt"
	"strings"

	vaultType "github.com/vultisig/commondata/go/vultisig/vault/v1"
	"google.golang.org/protobuf/proto"
)

// GetVaultName builds the user-facing backup file name, matching what
// mobile clients produce on export.
func GetVaultName(name, publicKeyECDSA, localPartyID string, signers []string) string {
	keyTail := publicKeyECDSA
	if len(keyTail) > 4 {
		keyTail = keyTail[len(keyTail)-4:]
	}
	partIndex := 0
	for idx, item := range signers {
		if item == localPartyID {
			partIndex = idx
			break
		}
	}
	return fmt.Sprintf("%s-%s-part%dof%d.vult", name, keyTail, partIndex+1, len(signers))
}

// EncryptVaultToBackup packs a vault into the portable backup form: the vault
// proto is sealed with the user's password, wrapped in a VaultContainer and
// base64 encoded. Mobile clients read the same format.
func EncryptVaultToBackup(password string, vault *vaultType.Vault) ([]byte, error) {
	if vault == nil {
		return nil, fmt.Errorf("vault is nil")
	}
	vaultData, err := proto.Marshal(vault)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal vault: %w", err)
	}
	isEncrypted := password != ""
	vaultStr := base64.StdEncoding.EncodeToString(vaultData)
	if isEncrypted {
		sealed, err := EncryptVault(password, vaultData)
		if err != nil {
			return nil, fmt.Errorf("common.EncryptVault failed: %w", err)
		}
		vaultStr = base64.StdEncoding.EncodeToString(sealed)
	}
	container := &vaultType.VaultContainer{
		Version:     1,
		Vault:       vaultStr,
		IsEncrypted: isEncrypted,
	}
	containerData, err := proto.Marshal(container)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal vault container: %w", err)
	}
	return []byte(base64.StdEncoding.EncodeToString(containerData)), nil
}

// DecryptVaultFromBackup is the inverse of EncryptVaultToBackup.
func DecryptVaultFromBackup(password string, content []byte) (*vaultType.Vault, error) {
	containerData, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(content)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode vault container: %w", err)
	}
	var container vaultType.VaultContainer
	if err := proto.Unmarshal(containerData, &container); err != nil {
		return nil, fmt.Errorf("failed to unmarshal vault container: %w", err)
	}
	vaultData, err := base64.StdEncoding.DecodeString(container.Vault)
	if err != nil {
		return nil, fmt.Errorf("failed to decode vault data: %w", err)
	}
	if container.IsEncrypted {
		vaultData, err = DecryptVault(password, vaultData)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt vault: %w", err)
		}
	}
	var vault vaultType.Vault
	if err := proto.Unmarshal(vaultData, &vault); err != nil {
		return nil, fmt.Errorf("failed to unmarshal vault: %w", err)
	}
	return &vault, nil
}

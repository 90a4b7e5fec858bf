package common

import (
	"encoding/hex"
	"testing"

	vaultType "github.com/vultisig/commondata/go/vultisig/vault/v1"
)

func TestEncryptDecryptGCM(t *testing.T) {
	key := hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	body := "round one payload"

	sealed, err := EncryptGCM(body, key)
	if err != nil {
		t.Fatal(err)
	}

	opened, err := DecryptGCM(sealed, key)
	if err != nil {
		t.Fatal(err)
	}
	if opened != body {
		t.Fatalf("decrypted: %s, expected: %s", opened, body)
	}

	otherKey := hex.EncodeToString([]byte("ffffffffffffffffffffffffffffffff"))
	if _, err := DecryptGCM(sealed, otherKey); err == nil {
		t.Fatal("expected authentication failure with the wrong key")
	}
}

func TestVaultEncryption(t *testing.T) {
	password := "password"
	src := "vault_bytes"
	encrypted, err := EncryptVault(password, []byte(src))
	if err != nil {
		t.Fatal(err)
	}

	decrypted, err := DecryptVault(password, encrypted)
	if err != nil {
		t.Fatal(err)
	}

	if string(decrypted) != src {
		t.Fatalf("decrypted: %s, expected: %s", decrypted, src)
	}
}

func TestDataCompression(t *testing.T) {
	data := "message"
	compressedData, err := CompressData([]byte(data))
	if err != nil {
		t.Fatal(err)
	}

	decompressedData, err := DecompressData(compressedData)
	if err != nil {
		t.Fatal(err)
	}

	if string(decompressedData) != data {
		t.Fatalf("decompressed: %s, expected: %s", decompressedData, data)
	}
}

func TestVaultBackupRoundTrip(t *testing.T) {
	vault := &vaultType.Vault{
		Name:           "unit test vault",
		PublicKeyEcdsa: "027e897b0b23a4c736fc27ed304fe8a5bd0b2e0cdf62a8717e9e2b083221a9bf0c",
		PublicKeyEddsa: "4fdf4a4b2d3b0e4a1f3a2d5c6b7a8190a1b2c3d4e5f60718293a4b5c6d7e8f90",
		LocalPartyId:   "server-1234",
		Signers:        []string{"server-1234", "iphone-5678"},
		HexChainCode:   "8d1f2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8",
	}

	content, err := EncryptVaultToBackup("secret", vault)
	if err != nil {
		t.Fatal(err)
	}

	restored, err := DecryptVaultFromBackup("secret", content)
	if err != nil {
		t.Fatal(err)
	}
	if restored.PublicKeyEcdsa != vault.PublicKeyEcdsa {
		t.Fatalf("public key mismatch: %s", restored.PublicKeyEcdsa)
	}
	if restored.LocalPartyId != vault.LocalPartyId {
		t.Fatalf("local party mismatch: %s", restored.LocalPartyId)
	}

	if _, err := DecryptVaultFromBackup("wrong", content); err == nil {
		t.Fatal("expected decrypt failure with the wrong password")
	}
}

func TestGetVaultName(t *testing.T) {
	got := GetVaultName("My Vault", "027e897b0b23a4c736fc27ed304fe8a5bd0b2e0cdf62a8717e9e2b083221a9bf0c",
		"iphone-5678", []string{"server-1234", "iphone-5678"})
	if got != "My Vault-bf0c-part2of2.vult" {
		t.Fatalf("unexpected vault name: %s", got)
	}
}

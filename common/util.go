package common

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// IsSubset reports whether every element of subset appears in superset.
func IsSubset(subset, superset []string) bool {
	set := make(map[string]bool, len(superset))
	for _, item := range superset {
		set[item] = true
	}
	for _, item := range subset {
		if !set[item] {
			return false
		}
	}
	return true
}

// GenerateHexEncryptionKey returns a fresh AES-256 key, hex encoded, for
// sealing session traffic.
func GenerateHexEncryptionKey() (string, error) {
	return generateHexBytes(32)
}

// GenerateHexChainCode returns a fresh 32-byte chain code, hex encoded.
func GenerateHexChainCode() (string, error) {
	return generateHexBytes(32)
}

func generateHexBytes(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("fail to generate random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

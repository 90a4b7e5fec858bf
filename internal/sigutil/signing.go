// Package sigutil bundles the signature plumbing shared by the engines and
// the transaction codecs: parsing the wire signature form, packing the raw
// 65-byte representation and verifying outputs against group public keys.
package sigutil

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vultisig/mpc-coordinator/mpc"
)

// ParseSignature pulls R, S and the recovery id out of the wire form.
func ParseSignature(sig *mpc.Signature) (r, s *big.Int, recoveryID uint8, err error) {
	if sig == nil {
		return nil, nil, 0, fmt.Errorf("signature is nil")
	}
	r, ok := new(big.Int).SetString(sig.R, 16)
	if !ok {
		return nil, nil, 0, fmt.Errorf("failed to parse R")
	}
	s, ok = new(big.Int).SetString(sig.S, 16)
	if !ok {
		return nil, nil, 0, fmt.Errorf("failed to parse S")
	}
	recID, err := strconv.ParseInt(sig.RecoveryID, 10, 8)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to parse recovery ID: %w", err)
	}
	if recID < 0 || recID > 3 {
		return nil, nil, 0, fmt.Errorf("recovery ID out of range: %d", recID)
	}
	return r, s, uint8(recID), nil
}

// RawSignature packs r || s || v into the 65-byte form the EVM signers
// expect.
func RawSignature(r, s *big.Int, recoveryID uint8) []byte {
	var signature [65]byte
	r.FillBytes(signature[0:32])
	s.FillBytes(signature[32:64])
	signature[64] = byte(recoveryID)
	return signature[:]
}

// VerifySignature checks sig over msgHash against the group public key. The
// key encoding decides the scheme: 33-byte compressed keys verify as ECDSA
// over secp256k1, 32-byte keys as ed25519.
func VerifySignature(publicKeyHex string, msgHash []byte, sig *mpc.Signature) error {
	pubKey, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return fmt.Errorf("invalid public key encoding: %w", err)
	}
	switch len(pubKey) {
	case 33:
		return verifyECDSA(pubKey, msgHash, sig)
	case ed25519.PublicKeySize:
		return verifyEdDSA(pubKey, msgHash, sig)
	default:
		return fmt.Errorf("unsupported public key length %d", len(pubKey))
	}
}

func verifyECDSA(pubKey, msgHash []byte, sig *mpc.Signature) error {
	r, s, _, err := ParseSignature(sig)
	if err != nil {
		return err
	}
	rs := RawSignature(r, s, 0)[:64]
	if !crypto.VerifySignature(pubKey, msgHash, rs) {
		return fmt.Errorf("signature does not verify against the group key")
	}
	return nil
}

func verifyEdDSA(pubKey, msg []byte, sig *mpc.Signature) error {
	r, err := hex.DecodeString(sig.R)
	if err != nil {
		return fmt.Errorf("failed to parse R: %w", err)
	}
	s, err := hex.DecodeString(sig.S)
	if err != nil {
		return fmt.Errorf("failed to parse S: %w", err)
	}
	var raw bytes.Buffer
	raw.Write(r)
	raw.Write(s)
	if raw.Len() != ed25519.SignatureSize {
		return fmt.Errorf("invalid ed25519 signature length %d", raw.Len())
	}
	if !ed25519.Verify(ed25519.PublicKey(pubKey), msg, raw.Bytes()) {
		return fmt.Errorf("signature does not verify against the group key")
	}
	return nil
}

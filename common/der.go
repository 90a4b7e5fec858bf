package common

import (
	"encoding/asn1"
	"math/big"
)

// ECDSASignature is the ASN.1 sequence form of an ECDSA signature.
type ECDSASignature struct {
	R, S *big.Int
}

// GetDerSignature DER-encodes the raw r and s scalars. Bitcoin-style
// chains and most verifier tooling consume this form rather than r||s.
func GetDerSignature(r, s []byte) ([]byte, error) {
	sig := ECDSASignature{
		R: new(big.Int).SetBytes(r),
		S: new(big.Int).SetBytes(s),
	}
	return asn1.Marshal(sig)
}

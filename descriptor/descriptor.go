// Package descriptor encodes the session rendezvous payload participants
// exchange out of band, usually as a QR code or deep link. A descriptor
// carries everything a joining device needs to find the session on the
// relay and take part: ids, the shared encryption key, committee sizing and,
// for signing, the material to re-derive and display what is being signed.
//
// The relay never sees a descriptor; in particular the hex encryption key
// travels only on this side channel.
package descriptor

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
)

// Descriptor is the out-of-band invitation for one ceremony session.
type Descriptor struct {
	SessionID        string `json:"session_id"`
	Kind             string `json:"kind"` // keygen or sign
	RelayServer      string `json:"relay_server"`
	HexEncryptionKey string `json:"hex_encryption_key"`

	VaultID      string `json:"vault_id"`
	VaultName    string `json:"vault_name,omitempty"`
	VaultKind    string `json:"vault_kind,omitempty"` // fast or secure
	Threshold    int    `json:"threshold"`
	Participants int    `json:"participants,omitempty"`
	InitiatedBy  string `json:"initiated_by"`
	HexChainCode string `json:"hex_chain_code,omitempty"`

	// signing only
	PublicKey   string   `json:"public_key,omitempty"`
	Chain       string   `json:"chain,omitempty"`
	Destination string   `json:"destination,omitempty"`
	Amount      string   `json:"amount,omitempty"`
	RawTx       string   `json:"raw_tx,omitempty"`      // hex, unsigned
	Messages    []string `json:"messages,omitempty"`    // hex hashes to sign
	DerivePath  string   `json:"derive_path,omitempty"` // engine key derivation
}

func (d *Descriptor) validate() error {
	if d.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if d.Kind != "keygen" && d.Kind != "sign" {
		return fmt.Errorf("invalid descriptor kind: %s", d.Kind)
	}
	if d.HexEncryptionKey == "" {
		return fmt.Errorf("hex encryption key is required")
	}
	if d.VaultID == "" {
		return fmt.Errorf("vault id is required")
	}
	return nil
}

// Encode serializes the descriptor to a compact base64 string: JSON,
// gzip at best compression, then standard base64.
func (d *Descriptor) Encode() (string, error) {
	if err := d.validate(); err != nil {
		return "", fmt.Errorf("invalid descriptor: %w", err)
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("fail to marshal descriptor: %w", err)
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return "", fmt.Errorf("fail to create compression writer: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("fail to write compressed descriptor: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("fail to finalize compressed descriptor: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode reverses Encode and validates the result.
func Decode(payload string) (*Descriptor, error) {
	compressed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("fail to decode descriptor: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("fail to decompress descriptor: %w", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("fail to decompress descriptor: %w", err)
	}
	if err := zr.Close(); err != nil {
		return nil, fmt.Errorf("fail to decompress descriptor: %w", err)
	}
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("fail to unmarshal descriptor: %w", err)
	}
	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("invalid descriptor: %w", err)
	}
	return &d, nil
}

// chunk is one QR frame of a descriptor too large for a single code.
type chunk struct {
	Data  []byte `json:"data"`
	Index uint   `json:"index"`
	Total uint   `json:"total"`
}

// ToChunks splits an encoded descriptor into frames of at most chunkSize
// payload bytes, each a self-describing base64 JSON chunk. Frames may be
// scanned in any order.
func ToChunks(encoded string, chunkSize int) ([]string, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	data := []byte(encoded)
	total := uint(math.Ceil(float64(len(data)) / float64(chunkSize)))
	chunks := make([]string, 0, total)

	index := uint(0)
	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		raw, err := json.Marshal(chunk{
			Data:  data[offset:end],
			Index: index,
			Total: total,
		})
		if err != nil {
			return nil, fmt.Errorf("fail to encode chunk: %w", err)
		}
		chunks = append(chunks, base64.StdEncoding.EncodeToString(raw))
		index++
	}
	return chunks, nil
}

// FromChunks reassembles an encoded descriptor from scanned frames.
// Duplicates are tolerated, order is ignored; a missing frame or a total
// mismatch is an error.
func FromChunks(frames []string) (string, error) {
	if len(frames) == 0 {
		return "", fmt.Errorf("no chunks provided")
	}
	var total uint
	parts := make(map[uint][]byte)
	for _, frame := range frames {
		raw, err := base64.StdEncoding.DecodeString(frame)
		if err != nil {
			return "", fmt.Errorf("fail to decode chunk: %w", err)
		}
		var c chunk
		if err := json.Unmarshal(raw, &c); err != nil {
			return "", fmt.Errorf("fail to unmarshal chunk: %w", err)
		}
		if c.Total == 0 {
			return "", fmt.Errorf("chunk %d carries zero total", c.Index)
		}
		if total == 0 {
			total = c.Total
		} else if c.Total != total {
			return "", fmt.Errorf("chunk total mismatch: %d != %d", c.Total, total)
		}
		if c.Index >= total {
			return "", fmt.Errorf("chunk index %d out of range, total %d", c.Index, total)
		}
		if existing, ok := parts[c.Index]; ok {
			if !bytes.Equal(existing, c.Data) {
				return "", fmt.Errorf("conflicting data for chunk %d", c.Index)
			}
			continue
		}
		parts[c.Index] = c.Data
	}
	if uint(len(parts)) != total {
		return "", fmt.Errorf("incomplete descriptor: %d of %d chunks", len(parts), total)
	}
	var buf bytes.Buffer
	for i := uint(0); i < total; i++ {
		buf.Write(parts[i])
	}
	return buf.String(), nil
}

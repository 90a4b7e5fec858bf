package common

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
)

func CompressData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("fail to create xz writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("fail to compress data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("fail to close xz writer: %w", err)
	}
	return buf.Bytes(), nil
}

func DecompressData(data []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("fail to create xz reader: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("fail to decompress data: %w", err)
	}
	return out, nil
}

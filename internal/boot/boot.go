// Package boot loads guest boot images: flat binaries, optionally
// gzip-compressed.
package boot

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
)

// ReadImage reads a boot image from r. Gzip-compressed images are
// detected by their magic bytes and decompressed transparently.
func ReadImage(r io.Reader) ([]byte, error) {
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	// Check if gzip compressed
	if len(payload) >= 2 && payload[0] == 0x1f && payload[1] == 0x8b {
		decompressed, err := decompressGzip(payload)
		if err != nil {
			return nil, fmt.Errorf("decompress image: %w", err)
		}
		payload = decompressed
	}

	return payload, nil
}

// LoadImage reads the boot image at path.
func LoadImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	return ReadImage(f)
}

// decompressGzip decompresses a gzip-compressed byte slice.
func decompressGzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

package archive

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrTooLarge is returned when streamed content exceeds the allowed size
var ErrTooLarge = errors.New("content exceeds maximum size")

// Uploads up to this size stay in memory; larger ones spill to a temp file.
const memoryBlobThreshold = 8 * 1024 * 1024

// Blob is buffered upload content with its size and SHA-256 digest,
// readable multiple times. Close releases any backing temp file.
type Blob struct {
	size     int64
	sha256   string
	data     []byte // nil when spilled
	filePath string
}

// ReadBounded streams r into a Blob, enforcing maxSize as it copies and
// computing the SHA-256 digest incrementally. Content is held in memory up
// to a threshold and written to a temp file beyond it.
func ReadBounded(r io.Reader, maxSize int64) (*Blob, error) {
	hasher := sha256.New()
	limited := io.LimitReader(r, maxSize+1)

	var buf bytes.Buffer
	n, err := io.Copy(io.MultiWriter(&buf, hasher), io.LimitReader(limited, memoryBlobThreshold))
	if err != nil {
		return nil, fmt.Errorf("failed to buffer content: %w", err)
	}

	blob := &Blob{size: n}

	if n == memoryBlobThreshold {
		// Possibly more content; spill to disk.
		tmp, err := os.CreateTemp("", "pubvault-upload-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp file: %w", err)
		}
		blob.filePath = tmp.Name()

		if _, err := tmp.Write(buf.Bytes()); err != nil {
			tmp.Close()
			blob.Close()
			return nil, fmt.Errorf("failed to write temp file: %w", err)
		}

		rest, err := io.Copy(io.MultiWriter(tmp, hasher), limited)
		tmp.Close()
		if err != nil {
			blob.Close()
			return nil, fmt.Errorf("failed to write temp file: %w", err)
		}
		blob.size += rest
	} else {
		blob.data = buf.Bytes()
	}

	if blob.size > maxSize {
		blob.Close()
		return nil, ErrTooLarge
	}

	blob.sha256 = hex.EncodeToString(hasher.Sum(nil))
	return blob, nil
}

// Size returns the content length in bytes
func (b *Blob) Size() int64 { return b.size }

// SHA256 returns the hex digest of the content
func (b *Blob) SHA256() string { return b.sha256 }

// Open returns a fresh reader over the content
func (b *Blob) Open() (io.ReadCloser, error) {
	if b.filePath != "" {
		return os.Open(b.filePath)
	}
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

// Close releases the backing temp file, if any
func (b *Blob) Close() error {
	if b.filePath != "" {
		path := b.filePath
		b.filePath = ""
		return os.Remove(path)
	}
	return nil
}

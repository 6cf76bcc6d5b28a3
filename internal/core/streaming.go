package core

// streaming.go provides the readers stacked under the parser so files are
// processed in O(buffer) memory:
//
//   - checksumReader: hashes and counts the raw bytes for checksum verification
//   - skipBOM: drops the UTF-8 BOM (0xEF 0xBB 0xBF) Windows programs prepend
//   - cappedReader: bounds inputs that must be buffered whole

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// checksumReader hashes every byte read from the underlying reader.
type checksumReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

func newChecksumReader(r io.Reader) *checksumReader {
	return &checksumReader{r: r, h: sha256.New()}
}

func (c *checksumReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.h.Write(p[:n])
		c.n += int64(n)
	}
	return n, err
}

// Sum returns the lowercase hex SHA-256 of the bytes read so far.
func (c *checksumReader) Sum() string {
	return hex.EncodeToString(c.h.Sum(nil))
}

// BytesRead returns the number of raw bytes consumed.
func (c *checksumReader) BytesRead() int64 { return c.n }

// Verify compares the digest with the declared one. An empty expectation
// skips verification.
func (c *checksumReader) Verify(expected string) error {
	if expected == "" {
		return nil
	}
	if got := c.Sum(); !strings.EqualFold(got, expected) {
		return fmt.Errorf("%w: declared %s, computed %s", ErrChecksumMismatch, expected, got)
	}
	return nil
}

// skipBOM discards a leading UTF-8 BOM.
func skipBOM(br *bufio.Reader) error {
	head, err := br.Peek(len(utf8BOM))
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return err
	}
	if bytes.Equal(head, utf8BOM) {
		_, err = br.Discard(len(utf8BOM))
		return err
	}
	return nil
}

// cappedReader fails with ErrPayloadTooLarge once more than left bytes have
// been read.
type cappedReader struct {
	r    io.Reader
	left int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.left < 0 {
		return 0, ErrPayloadTooLarge
	}
	if int64(len(p)) > c.left+1 {
		p = p[:c.left+1]
	}
	n, err := c.r.Read(p)
	c.left -= int64(n)
	if c.left < 0 {
		return n, ErrPayloadTooLarge
	}
	return n, err
}

// Package encryption provides a transparent page-level AES transform for
// data and log streams.
package encryption

import (
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/sushant-115/gojolite/core/storage_engine/common"
)

// Marker is the first byte of an encrypted file.
const Marker byte = 1

// Stream is the page store being wrapped.
type Stream interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Size() (int64, error)
	Close() error
}

// AesStream hides the physical salt page: logical offset 0 maps to physical
// offset PageSize. Reads and writes must cover whole pages.
type AesStream struct {
	inner  Stream
	cipher *PageCipher
}

// IsEncrypted reports whether the stream starts with the encryption marker.
func IsEncrypted(s Stream) (bool, error) {
	size, err := s.Size()
	if err != nil {
		return false, err
	}
	if size == 0 {
		return false, nil
	}
	var b [1]byte
	if _, err := s.ReadAt(b[:], 0); err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("%w: read marker: %w", common.ErrIO, err)
	}
	return b[0] == Marker, nil
}

// Open wraps inner. An empty inner stream gets a fresh salt page; otherwise
// the stored verifier must match password.
func Open(inner Stream, password string) (*AesStream, error) {
	size, err := inner.Size()
	if err != nil {
		return nil, err
	}

	header := make([]byte, common.PageSize)
	if size == 0 {
		salt := make([]byte, SaltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		c, err := NewPageCipher(password, salt)
		if err != nil {
			return nil, err
		}
		header[0] = Marker
		copy(header[1:], salt)
		copy(header[1+SaltSize:], c.Verifier())
		if _, err := inner.WriteAt(header, 0); err != nil {
			return nil, fmt.Errorf("%w: write salt page: %w", common.ErrIO, err)
		}
		if err := inner.Sync(); err != nil {
			return nil, fmt.Errorf("%w: sync salt page: %w", common.ErrIO, err)
		}
		return &AesStream{inner: inner, cipher: c}, nil
	}

	if _, err := inner.ReadAt(header, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: read salt page: %w", common.ErrIO, err)
	}
	if header[0] != Marker {
		return nil, fmt.Errorf("%w: file is not encrypted", common.ErrInvalidPassword)
	}
	c, err := NewPageCipher(password, header[1:1+SaltSize])
	if err != nil {
		return nil, err
	}
	stored := header[1+SaltSize : 1+SaltSize+VerifierSize]
	if !hmac.Equal(stored, c.Verifier()) {
		return nil, common.ErrInvalidPassword
	}
	return &AesStream{inner: inner, cipher: c}, nil
}

func checkAligned(off int64, n int) error {
	if off%common.PageSize != 0 || n%common.PageSize != 0 {
		return fmt.Errorf("%w: offset %d length %d", common.ErrPositionNotAlign, off, n)
	}
	return nil
}

// ReadAt decrypts whole pages starting at logical offset off.
func (s *AesStream) ReadAt(p []byte, off int64) (int, error) {
	if err := checkAligned(off, len(p)); err != nil {
		return 0, err
	}
	n, err := s.inner.ReadAt(p, off+common.PageSize)
	full := n - n%common.PageSize
	for i := 0; i < full; i += common.PageSize {
		page := p[i : i+common.PageSize]
		s.cipher.XORPage(page, page, uint64(off+int64(i))/common.PageSize)
	}
	if full != n && err == nil {
		err = io.ErrUnexpectedEOF
	}
	return full, err
}

// WriteAt encrypts whole pages into logical offset off. p is not modified.
func (s *AesStream) WriteAt(p []byte, off int64) (int, error) {
	if err := checkAligned(off, len(p)); err != nil {
		return 0, err
	}
	buf := make([]byte, len(p))
	for i := 0; i < len(p); i += common.PageSize {
		s.cipher.XORPage(buf[i:i+common.PageSize], p[i:i+common.PageSize], uint64(off+int64(i))/common.PageSize)
	}
	return s.inner.WriteAt(buf, off+common.PageSize)
}

func (s *AesStream) Truncate(size int64) error {
	return s.inner.Truncate(size + common.PageSize)
}

// Size is the logical length, without the salt page.
func (s *AesStream) Size() (int64, error) {
	n, err := s.inner.Size()
	if err != nil {
		return 0, err
	}
	return max(n-common.PageSize, 0), nil
}

func (s *AesStream) Sync() error { return s.inner.Sync() }

func (s *AesStream) Close() error { return s.inner.Close() }

package encryption

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
)

type memStream struct {
	mu   sync.Mutex
	data []byte
}

func (m *memStream) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memStream) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end := int(off) + len(p); end > len(m.data) {
		m.data = append(m.data, make([]byte, end-len(m.data))...)
	}
	return copy(m.data[off:], p), nil
}

func (m *memStream) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = m.data[:size]
	return nil
}

func (m *memStream) Sync() error  { return nil }
func (m *memStream) Close() error { return nil }
func (m *memStream) Size() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data)), nil
}

func page(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, common.PageSize)
}

func TestAesStream_RoundTripAndHiddenSaltPage(t *testing.T) {
	inner := &memStream{}
	s, err := Open(inner, "secret")
	require.NoError(t, err)

	size, err := s.Size()
	require.NoError(t, err)
	require.Zero(t, size)
	require.Equal(t, Marker, inner.data[0])

	plain := append(page(0x11), page(0x22)...)
	_, err = s.WriteAt(plain, 0)
	require.NoError(t, err)

	size, err = s.Size()
	require.NoError(t, err)
	require.Equal(t, int64(2*common.PageSize), size)
	require.Len(t, inner.data, 3*common.PageSize)

	// Ciphertext differs from plain text and between identical pages.
	require.NotEqual(t, page(0x11), inner.data[common.PageSize:2*common.PageSize])

	got := make([]byte, common.PageSize)
	_, err = s.ReadAt(got, common.PageSize)
	require.NoError(t, err)
	require.Equal(t, page(0x22), got)

	encrypted, err := IsEncrypted(inner)
	require.NoError(t, err)
	require.True(t, encrypted)
}

func TestAesStream_SamePageDifferentOffsets(t *testing.T) {
	inner := &memStream{}
	s, err := Open(inner, "pw")
	require.NoError(t, err)

	_, err = s.WriteAt(append(page(0), page(0)...), 0)
	require.NoError(t, err)
	require.NotEqual(t,
		inner.data[common.PageSize:2*common.PageSize],
		inner.data[2*common.PageSize:3*common.PageSize])
}

func TestAesStream_Reopen(t *testing.T) {
	inner := &memStream{}
	s, err := Open(inner, "secret")
	require.NoError(t, err)
	_, err = s.WriteAt(page(0x5A), 0)
	require.NoError(t, err)

	_, err = Open(inner, "wrong")
	require.ErrorIs(t, err, common.ErrInvalidPassword)

	again, err := Open(inner, "secret")
	require.NoError(t, err)
	got := make([]byte, common.PageSize)
	_, err = again.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, page(0x5A), got)
}

func TestAesStream_Unaligned(t *testing.T) {
	s, err := Open(&memStream{}, "pw")
	require.NoError(t, err)
	_, err = s.WriteAt(make([]byte, 10), 0)
	require.ErrorIs(t, err, common.ErrPositionNotAlign)
	_, err = s.ReadAt(make([]byte, common.PageSize), 3)
	require.ErrorIs(t, err, common.ErrPositionNotAlign)
}

func TestAesStream_PlainFileRejected(t *testing.T) {
	inner := &memStream{data: page(0)}
	_, err := Open(inner, "pw")
	require.ErrorIs(t, err, common.ErrInvalidPassword)

	encrypted, err := IsEncrypted(inner)
	require.NoError(t, err)
	require.False(t, encrypted)
}

func TestAesStream_Truncate(t *testing.T) {
	inner := &memStream{}
	s, err := Open(inner, "pw")
	require.NoError(t, err)
	_, err = s.WriteAt(append(page(1), page(2)...), 0)
	require.NoError(t, err)

	require.NoError(t, s.Truncate(0))
	size, err := s.Size()
	require.NoError(t, err)
	require.Zero(t, size)
	require.Len(t, inner.data, common.PageSize)
}

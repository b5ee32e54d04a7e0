package bufferio

import (
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojolite/core/value"
)

// BufferReader reads little-endian values from a lazily pulled sequence of
// slices. The first failure is sticky: later reads return zero values and
// Err reports it.
type BufferReader struct {
	next func() ([]byte, bool)
	stop func()

	current  []byte
	pos      int
	position int
	eof      bool
	err      error
	scratch  [16]byte
}

// NewReader starts reading source. Close releases it.
func NewReader(source iter.Seq[[]byte]) *BufferReader {
	next, stop := iter.Pull(source)
	r := &BufferReader{next: next, stop: stop}
	r.advance()
	return r
}

// NewBytesReader reads a single slice.
func NewBytesReader(b []byte) *BufferReader {
	return NewReader(Single(b))
}

// advance moves to the next non-empty slice.
func (r *BufferReader) advance() bool {
	for {
		b, ok := r.next()
		if !ok {
			r.current = nil
			r.pos = 0
			r.eof = true
			return false
		}
		if len(b) > 0 {
			r.current = b
			r.pos = 0
			return true
		}
	}
}

// Position is the number of bytes consumed so far.
func (r *BufferReader) Position() int { return r.position }

// Err returns the first error hit by a read.
func (r *BufferReader) Err() error { return r.err }

// IsEOF reports whether every source slice is consumed.
func (r *BufferReader) IsEOF() bool {
	if r.eof {
		return true
	}
	if r.pos < len(r.current) {
		return false
	}
	return !r.advance()
}

// Close stops the source sequence.
func (r *BufferReader) Close() {
	if r.stop != nil {
		r.stop()
		r.stop = nil
	}
}

func (r *BufferReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Read implements io.Reader across slice boundaries.
func (r *BufferReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	n := 0
	for n < len(p) {
		if r.pos >= len(r.current) && !r.advance() {
			break
		}
		c := copy(p[n:], r.current[r.pos:])
		r.pos += c
		n += c
	}
	r.position += n
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// take returns n bytes: a view when they sit inside the current slice,
// otherwise a copy assembled in buf.
func (r *BufferReader) take(n int, buf []byte) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos >= len(r.current) {
		r.advance()
	}
	if r.pos+n <= len(r.current) {
		b := r.current[r.pos : r.pos+n]
		r.pos += n
		r.position += n
		return b
	}
	if buf == nil {
		buf = make([]byte, n)
	}
	got, _ := r.Read(buf[:n])
	if got < n {
		r.fail(fmt.Errorf("bufferio: need %d bytes, got %d: %w", n, got, io.ErrUnexpectedEOF))
		return nil
	}
	return buf[:n]
}

// Skip discards n bytes.
func (r *BufferReader) Skip(n int) {
	for n > 0 && r.err == nil {
		if r.pos >= len(r.current) && !r.advance() {
			r.fail(fmt.Errorf("bufferio: skip past end: %w", io.ErrUnexpectedEOF))
			return
		}
		c := min(n, len(r.current)-r.pos)
		r.pos += c
		r.position += c
		n -= c
	}
}

// ReadBytes returns a fresh copy of the next n bytes.
func (r *BufferReader) ReadBytes(n int) []byte {
	out := make([]byte, n)
	if got, _ := r.Read(out); got < n {
		r.fail(fmt.Errorf("bufferio: need %d bytes, got %d: %w", n, got, io.ErrUnexpectedEOF))
		return nil
	}
	return out
}

func (r *BufferReader) ReadUint8() uint8 {
	b := r.take(1, r.scratch[:1])
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *BufferReader) ReadBool() bool { return r.ReadUint8() != 0 }

func (r *BufferReader) ReadUint16() uint16 {
	b := r.take(2, r.scratch[:2])
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *BufferReader) ReadUint32() uint32 {
	b := r.take(4, r.scratch[:4])
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *BufferReader) ReadInt32() int32 { return int32(r.ReadUint32()) }

func (r *BufferReader) ReadUint64() uint64 {
	b := r.take(8, r.scratch[:8])
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *BufferReader) ReadInt64() int64 { return int64(r.ReadUint64()) }

func (r *BufferReader) ReadFloat64() float64 { return math.Float64frombits(r.ReadUint64()) }

// ReadDateTime reads microseconds since the unix epoch.
func (r *BufferReader) ReadDateTime() time.Time {
	return time.UnixMicro(r.ReadInt64()).UTC()
}

// ReadString reads n bytes as a string.
func (r *BufferReader) ReadString(n int) string {
	b := r.take(n, nil)
	return string(b)
}

// ReadCString reads up to a zero terminator.
func (r *BufferReader) ReadCString() string {
	var out []byte
	for r.err == nil {
		if r.pos >= len(r.current) && !r.advance() {
			r.fail(fmt.Errorf("bufferio: unterminated cstring: %w", io.ErrUnexpectedEOF))
			return ""
		}
		c := r.current[r.pos]
		r.pos++
		r.position++
		if c == 0 {
			return string(out)
		}
		out = append(out, c)
	}
	return ""
}

// ReadIndexKey reads a key written by BufferWriter.WriteIndexKey.
func (r *BufferReader) ReadIndexKey() value.Value {
	kind := value.Kind(r.ReadUint8())
	switch kind {
	case value.KindMinValue:
		return value.MinValue()
	case value.KindMaxValue:
		return value.MaxValue()
	case value.KindNull:
		return value.Null()
	case value.KindInt32:
		return value.Int32(r.ReadInt32())
	case value.KindInt64:
		return value.Int64(r.ReadInt64())
	case value.KindDouble:
		return value.Double(r.ReadFloat64())
	case value.KindString:
		n := int(r.ReadUint16())
		return value.String(r.ReadString(n))
	case value.KindBinary:
		n := int(r.ReadUint16())
		return value.Binary(r.take(n, nil))
	case value.KindGuid:
		g, err := uuid.FromBytes(r.ReadBytes(16))
		if err != nil {
			r.fail(fmt.Errorf("bufferio: invalid guid key: %w", err))
			return value.Null()
		}
		return value.Guid(g)
	case value.KindBoolean:
		return value.Boolean(r.ReadBool())
	case value.KindDateTime:
		return value.DateTime(r.ReadDateTime())
	}
	r.fail(fmt.Errorf("bufferio: unknown key kind %d", kind))
	return value.Null()
}

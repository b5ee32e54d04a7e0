package bufferio

import (
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"math"
	"time"

	"github.com/sushant-115/gojolite/core/value"
)

// BufferWriter is the writing counterpart of BufferReader. Writes past the
// last slice of the source fail with io.ErrShortWrite.
type BufferWriter struct {
	next func() ([]byte, bool)
	stop func()

	current  []byte
	pos      int
	position int
	err      error
	scratch  [16]byte
}

// NewWriter starts writing into source. Slices are pulled only when the
// previous one is full, so the source may allocate them on demand.
func NewWriter(source iter.Seq[[]byte]) *BufferWriter {
	next, stop := iter.Pull(source)
	return &BufferWriter{next: next, stop: stop}
}

// NewBytesWriter writes into a single slice.
func NewBytesWriter(b []byte) *BufferWriter {
	return NewWriter(Single(b))
}

func (w *BufferWriter) Position() int { return w.position }

func (w *BufferWriter) Err() error { return w.err }

// Close stops the source sequence.
func (w *BufferWriter) Close() {
	if w.stop != nil {
		w.stop()
		w.stop = nil
	}
}

func (w *BufferWriter) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *BufferWriter) advance() bool {
	for {
		b, ok := w.next()
		if !ok {
			w.current = nil
			w.pos = 0
			return false
		}
		if len(b) > 0 {
			w.current = b
			w.pos = 0
			return true
		}
	}
}

// Write implements io.Writer across slice boundaries.
func (w *BufferWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n := 0
	for n < len(p) {
		if w.pos >= len(w.current) && !w.advance() {
			w.fail(fmt.Errorf("bufferio: %d bytes left unwritten: %w", len(p)-n, io.ErrShortWrite))
			break
		}
		c := copy(w.current[w.pos:], p[n:])
		w.pos += c
		n += c
	}
	w.position += n
	return n, w.err
}

// Skip advances n bytes without writing.
func (w *BufferWriter) Skip(n int) {
	for n > 0 && w.err == nil {
		if w.pos >= len(w.current) && !w.advance() {
			w.fail(fmt.Errorf("bufferio: skip past end: %w", io.ErrShortWrite))
			return
		}
		c := min(n, len(w.current)-w.pos)
		w.pos += c
		w.position += c
		n -= c
	}
}

// Consume pulls the rest of the source so lazy producers run to completion.
func (w *BufferWriter) Consume() {
	for w.err == nil && w.advance() {
		w.position += len(w.current) - w.pos
		w.pos = len(w.current)
	}
}

func (w *BufferWriter) WriteBytes(b []byte) { _, _ = w.Write(b) }

func (w *BufferWriter) WriteUint8(v uint8) {
	w.scratch[0] = v
	_, _ = w.Write(w.scratch[:1])
}

func (w *BufferWriter) WriteBool(v bool) {
	if v {
		w.WriteUint8(1)
		return
	}
	w.WriteUint8(0)
}

func (w *BufferWriter) WriteUint16(v uint16) {
	binary.LittleEndian.PutUint16(w.scratch[:2], v)
	_, _ = w.Write(w.scratch[:2])
}

func (w *BufferWriter) WriteUint32(v uint32) {
	binary.LittleEndian.PutUint32(w.scratch[:4], v)
	_, _ = w.Write(w.scratch[:4])
}

func (w *BufferWriter) WriteInt32(v int32) { w.WriteUint32(uint32(v)) }

func (w *BufferWriter) WriteUint64(v uint64) {
	binary.LittleEndian.PutUint64(w.scratch[:8], v)
	_, _ = w.Write(w.scratch[:8])
}

func (w *BufferWriter) WriteInt64(v int64) { w.WriteUint64(uint64(v)) }

func (w *BufferWriter) WriteFloat64(v float64) { w.WriteUint64(math.Float64bits(v)) }

func (w *BufferWriter) WriteDateTime(t time.Time) { w.WriteInt64(t.UTC().UnixMicro()) }

// WriteString writes s without length or terminator.
func (w *BufferWriter) WriteString(s string) { _, _ = w.Write([]byte(s)) }

// WriteCString writes s followed by a zero byte.
func (w *BufferWriter) WriteCString(s string) {
	w.WriteString(s)
	w.WriteUint8(0)
}

// WriteIndexKey writes the kind byte followed by the key payload. Strings
// and binaries carry a uint16 length prefix.
func (w *BufferWriter) WriteIndexKey(v value.Value) {
	w.WriteUint8(uint8(v.Kind()))
	switch v.Kind() {
	case value.KindInt32:
		w.WriteInt32(int32(v.AsInt64()))
	case value.KindInt64:
		w.WriteInt64(v.AsInt64())
	case value.KindDouble:
		w.WriteFloat64(v.AsDouble())
	case value.KindString:
		s := v.AsString()
		w.WriteUint16(uint16(len(s)))
		w.WriteString(s)
	case value.KindBinary:
		b := v.AsBinary()
		w.WriteUint16(uint16(len(b)))
		w.WriteBytes(b)
	case value.KindGuid:
		g := v.AsGuid()
		w.WriteBytes(g[:])
	case value.KindBoolean:
		w.WriteBool(v.AsBool())
	case value.KindDateTime:
		w.WriteDateTime(v.AsTime())
	}
}

// KeyLength is the serialized size of v as written by WriteIndexKey.
func KeyLength(v value.Value) int {
	switch v.Kind() {
	case value.KindInt32:
		return 1 + 4
	case value.KindInt64, value.KindDouble, value.KindDateTime:
		return 1 + 8
	case value.KindString:
		return 1 + 2 + len(v.AsString())
	case value.KindBinary:
		return 1 + 2 + len(v.AsBinary())
	case value.KindGuid:
		return 1 + 16
	case value.KindBoolean:
		return 1 + 1
	}
	return 1
}

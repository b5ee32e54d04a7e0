package flushmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sushant-115/gojolite/core/storage_engine/common"
)

// Stream is a random-access page store.
type Stream interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Size() (int64, error)
	Close() error
}

// StreamFactory creates the stream behind one file. Swapping the factory
// moves a database to another medium without touching the layers above.
type StreamFactory interface {
	Name() string
	Exists() bool
	Open(readOnly bool) (Stream, error)
	Delete() error
}

// LogFilename derives the log file name from the data file name:
// "data.db" becomes "data-log.db".
func LogFilename(dataFile string) string {
	ext := filepath.Ext(dataFile)
	return strings.TrimSuffix(dataFile, ext) + "-log" + ext
}

// --- File streams ---

type fileStream struct {
	*os.File
}

func (f fileStream) Size() (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %w", common.ErrIO, f.Name(), err)
	}
	return fi.Size(), nil
}

// FileStreamFactory opens streams on the local file system.
type FileStreamFactory struct {
	path string
}

func NewFileStreamFactory(path string) *FileStreamFactory {
	return &FileStreamFactory{path: path}
}

func (f *FileStreamFactory) Name() string { return f.path }

func (f *FileStreamFactory) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

func (f *FileStreamFactory) Open(readOnly bool) (Stream, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(f.path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", common.ErrIO, f.path, err)
	}
	return fileStream{file}, nil
}

func (f *FileStreamFactory) Delete() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: delete %s: %w", common.ErrIO, f.path, err)
	}
	return nil
}

// --- Memory streams ---

// MemoryStream keeps the whole file in memory.
type MemoryStream struct {
	mu   sync.RWMutex
	data []byte
}

func (m *MemoryStream) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemoryStream) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	}
	return copy(m.data[off:], p), nil
}

func (m *MemoryStream) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size < int64(len(m.data)) {
		m.data = m.data[:size]
	} else {
		m.data = append(m.data, make([]byte, size-int64(len(m.data)))...)
	}
	return nil
}

func (m *MemoryStream) Size() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data)), nil
}

func (m *MemoryStream) Sync() error { return nil }

// Close is a no-op; the bytes stay with the factory.
func (m *MemoryStream) Close() error { return nil }

// MemoryStreamFactory hands out the same in-memory file on every Open.
type MemoryStreamFactory struct {
	name   string
	stream *MemoryStream
}

func NewMemoryStreamFactory(name string) *MemoryStreamFactory {
	return &MemoryStreamFactory{name: name, stream: &MemoryStream{}}
}

func (m *MemoryStreamFactory) Name() string { return m.name }

func (m *MemoryStreamFactory) Exists() bool {
	n, _ := m.stream.Size()
	return n > 0
}

func (m *MemoryStreamFactory) Open(bool) (Stream, error) { return m.stream, nil }

func (m *MemoryStreamFactory) Delete() error {
	return m.stream.Truncate(0)
}

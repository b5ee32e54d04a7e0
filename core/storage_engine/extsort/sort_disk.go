// Package extsort sorts (key, address) pairs that may not fit in memory.
// Items are buffered into fixed-size containers; full containers are
// sorted and spilled to a temporary sort file, then merged back in order.
package extsort

import (
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	"go.uber.org/zap"
)

// SortDisk hands out container-sized regions of one temporary stream.
// Regions returned by a finished sort are reused by the next one.
type SortDisk struct {
	logger        *zap.Logger
	factory       flushmanager.StreamFactory
	containerSize int

	mu       sync.Mutex
	stream   flushmanager.Stream
	free     []int64
	lastPos  int64
	released bool
}

// NewSortDisk prepares a sort file over factory. Nothing is created until
// the first container spills.
func NewSortDisk(factory flushmanager.StreamFactory, containerSize int, logger *zap.Logger) (*SortDisk, error) {
	if containerSize <= 0 || containerSize%common.PageSize != 0 {
		return nil, fmt.Errorf("%w: %d", common.ErrSortContainerSize, containerSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SortDisk{
		logger:        logger.Named("sort_disk"),
		factory:       factory,
		containerSize: containerSize,
	}, nil
}

// TempFactory returns a file factory for a uniquely named sort file in dir,
// or an in-memory one when dir is empty.
func TempFactory(dir string) flushmanager.StreamFactory {
	name := "gojolite-sort-" + uuid.NewString() + ".tmp"
	if dir == "" {
		return flushmanager.NewMemoryStreamFactory(name)
	}
	return flushmanager.NewFileStreamFactory(filepath.Join(dir, name))
}

// TempDir is the directory next to the data file used for sort files.
func TempDir(dataFile string) string {
	if dataFile == "" {
		return ""
	}
	dir := filepath.Dir(dataFile)
	if _, err := os.Stat(dir); err != nil {
		return os.TempDir()
	}
	return dir
}

func (d *SortDisk) ContainerSize() int { return d.containerSize }

func (d *SortDisk) open() (flushmanager.Stream, error) {
	if d.released {
		return nil, common.ErrStreamClosed
	}
	if d.stream == nil {
		s, err := d.factory.Open(false)
		if err != nil {
			return nil, fmt.Errorf("open sort file %s: %w", d.factory.Name(), err)
		}
		d.stream = s
		d.logger.Debug("sort file created", zap.String("name", d.factory.Name()))
	}
	return d.stream, nil
}

// Allocate reserves a container region and returns its position.
func (d *SortDisk) Allocate() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := len(d.free); n > 0 {
		pos := d.free[n-1]
		d.free = d.free[:n-1]
		return pos
	}
	pos := d.lastPos
	d.lastPos += int64(d.containerSize)
	return pos
}

// Return gives a region back for reuse.
func (d *SortDisk) Return(position int64) {
	d.mu.Lock()
	d.free = append(d.free, position)
	d.mu.Unlock()
}

// Write stores a container image at position.
func (d *SortDisk) Write(position int64, buf []byte) error {
	if len(buf) > d.containerSize {
		return fmt.Errorf("%w: container image of %d bytes", common.ErrSortContainerSize, len(buf))
	}
	d.mu.Lock()
	s, err := d.open()
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if _, err := s.WriteAt(buf, position); err != nil {
		return fmt.Errorf("%w: write sort container at %d: %w", common.ErrIO, position, err)
	}
	return nil
}

// Pages reads the container at position one page at a time. The same page
// buffer is reused between iterations. A failed read is yielded once and
// ends the sequence.
func (d *SortDisk) Pages(position int64) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		d.mu.Lock()
		s, err := d.open()
		d.mu.Unlock()
		if err != nil {
			yield(nil, err)
			return
		}
		buf := make([]byte, common.PageSize)
		for off := int64(0); off < int64(d.containerSize); off += common.PageSize {
			if _, err := s.ReadAt(buf, position+off); err != nil {
				d.logger.Error("read sort container", zap.Int64("position", position+off), zap.Error(err))
				yield(nil, fmt.Errorf("%w: read sort container at %d: %w", common.ErrIO, position+off, err))
				return
			}
			if !yield(buf, nil) {
				return
			}
		}
	}
}

// Close removes the sort file.
func (d *SortDisk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil
	}
	d.released = true
	if d.stream == nil {
		return nil
	}
	if err := d.stream.Close(); err != nil {
		return err
	}
	return d.factory.Delete()
}

// Package flushmanager owns the data and log files. Pages enter the log in
// caller order, are fsynced as one batch, and are later copied to their
// home position in the data file by a checkpoint.
package flushmanager

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/sushant-115/gojolite/core/security/encryption"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/write_engine/memcache"
	"go.uber.org/zap"
)

// Options selects the streams and access mode of a DiskService.
type Options struct {
	Data     StreamFactory
	Log      StreamFactory
	Password string
	ReadOnly bool
}

// DiskService converts page buffers to and from the two backing files.
type DiskService struct {
	logger   *zap.Logger
	cache    *memcache.MemoryCache
	opts     Options
	data     Stream
	log      Stream
	readOnly bool

	logMu     sync.Mutex
	logLength atomic.Int64

	reads  atomic.Int64
	writes atomic.Int64
	closed atomic.Bool
}

// NewDiskService opens both streams. An encrypted data file requires the
// matching password; a plain file rejects one.
func NewDiskService(opts Options, cache *memcache.MemoryCache, logger *zap.Logger) (*DiskService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &DiskService{
		logger:   logger.Named("disk"),
		cache:    cache,
		opts:     opts,
		readOnly: opts.ReadOnly,
	}

	data, err := d.openStream(opts.Data, true)
	if err != nil {
		return nil, err
	}
	d.data = data

	log, err := d.openStream(opts.Log, false)
	if err != nil {
		data.Close()
		return nil, err
	}
	d.log = log

	size, err := log.Size()
	if err != nil {
		d.closeStreams()
		return nil, err
	}
	// A torn trailing page is ignored; it was never acknowledged.
	d.logLength.Store(size - size%common.PageSize)

	d.logger.Debug("disk service opened",
		zap.String("data", opts.Data.Name()),
		zap.String("log", opts.Log.Name()),
		zap.Int64("logBytes", d.logLength.Load()),
		zap.Bool("encrypted", opts.Password != ""),
		zap.Bool("readOnly", opts.ReadOnly))
	return d, nil
}

func (d *DiskService) openStream(f StreamFactory, isData bool) (Stream, error) {
	if d.readOnly && !f.Exists() {
		if isData {
			return nil, fmt.Errorf("%w: %s does not exist", common.ErrInvalidDatafile, f.Name())
		}
		return &MemoryStream{}, nil
	}

	s, err := f.Open(d.readOnly)
	if err != nil {
		return nil, err
	}

	if isData && d.opts.Password == "" {
		encrypted, err := encryption.IsEncrypted(s)
		if err != nil {
			s.Close()
			return nil, err
		}
		if encrypted {
			s.Close()
			return nil, fmt.Errorf("%w: %s is encrypted", common.ErrInvalidPassword, f.Name())
		}
	}
	if d.opts.Password == "" {
		return s, nil
	}

	aes, err := encryption.Open(s, d.opts.Password)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open %s: %w", f.Name(), err)
	}
	return aes, nil
}

// Cache exposes the frame pool shared with the snapshots.
func (d *DiskService) Cache() *memcache.MemoryCache { return d.cache }

// IsEmpty reports a brand new data file.
func (d *DiskService) IsEmpty() (bool, error) {
	n, err := d.data.Size()
	return n == 0, err
}

// NewPage returns an exclusive zeroed frame.
func (d *DiskService) NewPage() *memcache.PageBuffer {
	return d.cache.NewPage()
}

// DiscardPage returns an unwritten exclusive frame to the cache.
func (d *DiskService) DiscardPage(page *memcache.PageBuffer) {
	d.cache.DiscardPage(page)
}

func (d *DiskService) stream(origin memcache.FileOrigin) Stream {
	if origin == memcache.OriginLog {
		return d.log
	}
	return d.data
}

// readInto is the cache factory for both files.
func (d *DiskService) readInto(position int64, origin memcache.FileOrigin, buf []byte) error {
	if d.closed.Load() {
		return common.ErrStreamClosed
	}
	n, err := d.stream(origin).ReadAt(buf, position)
	d.reads.Add(1)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: read %s page at %d: %w", common.ErrIO, origin, position, err)
}

// GetReader returns a page reader over both files.
func (d *DiskService) GetReader() *DiskReader {
	return &DiskReader{disk: d}
}

// WriteLogDisk appends pages to the log in order and fsyncs once. On
// failure the log is cut back to its previous length and the buffers stay
// with the caller. On success the buffers belong to the cache and the
// returned slice holds the log position of each page.
func (d *DiskService) WriteLogDisk(pages []*memcache.PageBuffer) ([]int64, error) {
	if d.readOnly {
		return nil, common.ErrReadOnly
	}
	if len(pages) == 0 {
		return nil, nil
	}

	d.logMu.Lock()
	defer d.logMu.Unlock()

	start := d.logLength.Load()
	positions := make([]int64, len(pages))
	for i, page := range pages {
		if !page.IsWritable() {
			return nil, fmt.Errorf("log write of shared %s", page)
		}
		pos := start + int64(i)*common.PageSize
		if _, err := d.log.WriteAt(page.Array, pos); err != nil {
			d.cropLog(start)
			return nil, fmt.Errorf("%w: write log page at %d: %w", common.ErrIO, pos, err)
		}
		positions[i] = pos
	}
	if err := d.log.Sync(); err != nil {
		d.cropLog(start)
		return nil, fmt.Errorf("%w: sync log: %w", common.ErrIO, err)
	}
	d.logLength.Store(start + int64(len(pages))*common.PageSize)
	d.writes.Add(int64(len(pages)))

	for i, page := range pages {
		page.Position = positions[i]
		page.Origin = memcache.OriginLog
		if !d.cache.TryMoveToReadable(page) {
			d.cache.DiscardPage(page)
		}
	}
	return positions, nil
}

func (d *DiskService) cropLog(length int64) {
	if err := d.log.Truncate(length); err != nil {
		d.logger.Error("failed to crop log after write error", zap.Int64("length", length), zap.Error(err))
	}
}

// WriteDataDisk writes each page at its own Position in the data file, then
// fsyncs. Buffer ownership does not change.
func (d *DiskService) WriteDataDisk(pages iter.Seq[*memcache.PageBuffer]) (int, error) {
	if d.readOnly {
		return 0, common.ErrReadOnly
	}
	count := 0
	for page := range pages {
		if _, err := d.data.WriteAt(page.Array, page.Position); err != nil {
			return count, fmt.Errorf("%w: write data page at %d: %w", common.ErrIO, page.Position, err)
		}
		count++
	}
	if err := d.data.Sync(); err != nil {
		return count, fmt.Errorf("%w: sync data: %w", common.ErrIO, err)
	}
	d.writes.Add(int64(count))
	return count, nil
}

// ReadFull walks every page of a file in position order. The yielded buffer
// is reused between iterations and never belongs to the cache.
func (d *DiskService) ReadFull(origin memcache.FileOrigin) iter.Seq2[*memcache.PageBuffer, error] {
	return func(yield func(*memcache.PageBuffer, error) bool) {
		length, err := d.GetFileLength(origin)
		if err != nil {
			yield(nil, err)
			return
		}
		buf := memcache.NewPageBuffer()
		for pos := int64(0); pos+common.PageSize <= length; pos += common.PageSize {
			if err := d.readInto(pos, origin, buf.Array); err != nil {
				yield(nil, err)
				return
			}
			buf.Position = pos
			buf.Origin = origin
			if !yield(buf, nil) {
				return
			}
		}
	}
}

// GetFileLength returns the length in bytes of one file.
func (d *DiskService) GetFileLength(origin memcache.FileOrigin) (int64, error) {
	if origin == memcache.OriginLog {
		return d.logLength.Load(), nil
	}
	return d.data.Size()
}

// ResetLogPosition rewinds the log after a checkpoint. With crop the file
// is also truncated.
func (d *DiskService) ResetLogPosition(crop bool) error {
	d.logMu.Lock()
	defer d.logMu.Unlock()

	d.logLength.Store(0)
	if crop && !d.readOnly {
		if err := d.log.Truncate(0); err != nil {
			return fmt.Errorf("%w: truncate log: %w", common.ErrIO, err)
		}
	}
	return nil
}

// SetDataLength truncates or extends the data file.
func (d *DiskService) SetDataLength(length int64) error {
	if err := d.data.Truncate(length); err != nil {
		return fmt.Errorf("%w: truncate data: %w", common.ErrIO, err)
	}
	return nil
}

// Counters returns page reads and writes since open.
func (d *DiskService) Counters() (reads, writes int64) {
	return d.reads.Load(), d.writes.Load()
}

// Close releases both streams. An empty log file is removed.
func (d *DiskService) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := d.closeStreams()
	if !d.readOnly && d.logLength.Load() == 0 && d.opts.Log.Exists() {
		if derr := d.opts.Log.Delete(); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}

func (d *DiskService) closeStreams() error {
	var errs []error
	if d.data != nil {
		errs = append(errs, d.data.Close())
	}
	if d.log != nil {
		errs = append(errs, d.log.Close())
	}
	return errors.Join(errs...)
}

// DiskReader reads pages through the cache.
type DiskReader struct {
	disk *DiskService
}

// ReadPage returns a shared frame, or an exclusive copy when writable is
// set. Shared frames must be released by the caller.
func (r *DiskReader) ReadPage(position int64, writable bool, origin memcache.FileOrigin) (*memcache.PageBuffer, error) {
	if writable {
		return r.disk.cache.GetWritablePage(position, origin, r.disk.readInto)
	}
	return r.disk.cache.GetReadablePage(position, origin, r.disk.readInto)
}

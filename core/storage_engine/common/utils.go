package common

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// chunkSize is the size of each read/write chunk and the limiter burst.
const chunkSize = 1 << 20

var bufPool = sync.Pool{
	New: func() any { return make([]byte, chunkSize) },
}

// CopyThrottled copies srcPath into dstPath at no more than rateBytesPerSec
// (unlimited when <= 0). When verify is set, the destination is re-read and
// its sha256 compared against the source stream. The returned slice is the
// source checksum, or nil when verify is false.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64, verify bool) ([]byte, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), chunkSize)
	}

	sum := sha256.New()
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	var off int64
	for {
		n, rerr := src.ReadAt(buf, off)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return nil, fmt.Errorf("rate limiter: %w", err)
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return nil, fmt.Errorf("%w: write dst: %w", ErrIO, err)
			}
			if verify {
				sum.Write(buf[:n])
			}
			off += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: read src: %w", ErrIO, rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return nil, fmt.Errorf("%w: sync dst: %w", ErrIO, err)
	}
	if !verify {
		return nil, nil
	}

	expected := sum.Sum(nil)
	actual, err := FileChecksum(dstPath)
	if err != nil {
		return nil, err
	}
	if string(actual) != string(expected) {
		return nil, fmt.Errorf("%w: checksum mismatch after copy to %s", ErrIO, dstPath)
	}
	return expected, nil
}

// FileChecksum returns the sha256 of the whole file at path.
func FileChecksum(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return nil, fmt.Errorf("%w: hash %s: %w", ErrIO, path, err)
	}
	return h.Sum(nil), nil
}

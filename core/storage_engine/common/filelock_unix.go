//go:build unix

package common

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func flock(f *os.File, shared bool) error {
	how := unix.LOCK_EX
	if shared {
		how = unix.LOCK_SH
	}
	err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return fmt.Errorf("%w: %s", ErrDatabaseLocked, f.Name())
	}
	if err != nil {
		return fmt.Errorf("%w: flock %s: %w", ErrIO, f.Name(), err)
	}
	return nil
}

func funlock(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("%w: unlock %s: %w", ErrIO, f.Name(), err)
	}
	return nil
}

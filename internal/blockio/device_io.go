package blockio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PreadAt reads len(buf) bytes from fd at the given byte offset, retrying
// short reads. Used by the devsim backend for bucket-aligned journal I/O.
func PreadAt(fd int, buf []byte, off int64) error {
	for len(buf) > 0 {
		n, err := unix.Pread(fd, buf, off)
		if err != nil {
			return fmt.Errorf("pread at %d: %w", off, err)
		}

		if n == 0 {
			return fmt.Errorf("pread at %d: short read, %d bytes remaining", off, len(buf))
		}

		buf = buf[n:]
		off += int64(n)
	}

	return nil
}

// PwriteAt writes buf to fd at the given byte offset, retrying short writes.
func PwriteAt(fd int, buf []byte, off int64) error {
	for len(buf) > 0 {
		n, err := unix.Pwrite(fd, buf, off)
		if err != nil {
			return fmt.Errorf("pwrite at %d: %w", off, err)
		}

		if n == 0 {
			return fmt.Errorf("pwrite at %d: short write, %d bytes remaining", off, len(buf))
		}

		buf = buf[n:]
		off += int64(n)
	}

	return nil
}

// PageSize returns the host page size. Nothing in this module calls it:
// devsim devices always take an explicit bucket size.
func PageSize() int {
	return unix.Getpagesize()
}

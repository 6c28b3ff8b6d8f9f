//go:build linux

package eventloop

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	EFD_CLOEXEC  = unix.EFD_CLOEXEC
	EFD_NONBLOCK = unix.EFD_NONBLOCK
)

// createWakeFd creates an eventfd for wake-up notifications.
func createWakeFd(initval uint, flags int) (int, error) {
	return unix.Eventfd(initval, flags)
}

// writeWakeFd increments the eventfd counter, making it readable.
func writeWakeFd(fd int) error {
	// Native endianness, as required by eventfd
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	_, err := writeFD(fd, buf)
	if err == unix.EAGAIN {
		// counter saturated, which means it's readable anyway
		return nil
	}
	return err
}

// drainWakeFd resets the eventfd counter.
func drainWakeFd(fd int) {
	var buf [8]byte
	for {
		if _, err := readFD(fd, buf[:]); err != nil {
			break
		}
	}
}

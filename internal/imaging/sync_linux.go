//go:build linux
// +build linux

package imaging

import (
	"os"

	"golang.org/x/sys/unix"
)

// deviceSync forces written blocks out to the physical device.
func deviceSync(f *os.File) error {
	return unix.Fsync(int(f.Fd()))
}

//go:build darwin
// +build darwin

package imaging

import (
	"os"

	"golang.org/x/sys/unix"
)

// deviceSync forces written blocks out to the physical device. On
// darwin a plain fsync only reaches the drive cache; F_FULLFSYNC asks
// the drive to commit to permanent storage.
func deviceSync(f *os.File) error {
	if _, err := unix.FcntlInt(f.Fd(), unix.F_FULLFSYNC, 0); err != nil {
		// Some external enclosures reject F_FULLFSYNC.
		return f.Sync()
	}
	return nil
}

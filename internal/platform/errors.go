package platform

import "errors"

var (
	// ErrDeviceInfoUnavailable means the OS disk-info tool could not
	// describe the device at all.
	ErrDeviceInfoUnavailable = errors.New("device info unavailable")

	// ErrDeviceInfoParseFailed means the disk-info tool answered but its
	// output had no usable device-identifier field.
	ErrDeviceInfoParseFailed = errors.New("device info parse failed")

	// ErrRawPathNotFound means no raw device node could be derived for
	// the volume by either resolution tier.
	ErrRawPathNotFound = errors.New("raw device path not found")
)

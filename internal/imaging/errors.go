package imaging

import (
	"errors"
	"fmt"
)

var (
	// ErrJobActive is returned when an imaging request arrives while
	// another job is still running.
	ErrJobActive = errors.New("imaging job already active")

	// ErrSourceNotFound means the source image is missing or unreadable.
	ErrSourceNotFound = errors.New("source image not found")

	// ErrImageTooLarge means the source image does not fit on the
	// target device.
	ErrImageTooLarge = errors.New("image larger than target device")

	// ErrDeviceUnmountFailed means the volume could not be unmounted
	// before a raw write.
	ErrDeviceUnmountFailed = errors.New("device unmount failed")

	// ErrCopyFailed is a generic block-copy failure.
	ErrCopyFailed = errors.New("copy failed")

	// ErrSyncFailed means the post-write flush against the raw device
	// did not complete, so committed writes are not guaranteed.
	ErrSyncFailed = errors.New("device sync failed")

	// ErrPermissionDenied distinguishes privilege problems from generic
	// failures; the remedy is elevation, not a retry.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrCancelled is the terminal error of a job stopped by the caller.
	ErrCancelled = errors.New("job cancelled")
)

// Stage names the step of an imaging flow a failure belongs to.
type Stage string

const (
	StageValidate Stage = "validate"
	StageResolve  Stage = "resolve"
	StageProbe    Stage = "probe"
	StageUnmount  Stage = "unmount"
	StagePrepare  Stage = "prepare"
	StageCopy     Stage = "copy"
	StageSync     Stage = "sync"
)

// StageError annotates a flow failure with the stage that produced it.
// Every job surfaces exactly one StageError as its terminal error.
type StageError struct {
	Err   error
	Stage Stage
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

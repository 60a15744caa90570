package imaging

import (
	"context"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/tkoram/rawburn/internal/platform"
)

// Direction selects which way an imaging job moves bytes.
type Direction int

const (
	WriteToDevice Direction = iota
	ReadFromDevice
)

func (d Direction) String() string {
	switch d {
	case WriteToDevice:
		return "write-to-device"
	case ReadFromDevice:
		return "read-from-device"
	default:
		return "unknown"
	}
}

// Status is the lifecycle state of a job. Terminal states are final.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Job is one end-to-end imaging operation. It is owned by the
// orchestrator for its duration; callers observe it through the
// accessor methods and the Done channel.
type Job struct {
	ID        string
	Direction Direction
	Device    platform.Device
	ImagePath string

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	status   Status
	progress float64
	err      error
}

func newJob(direction Direction, dev platform.Device, imagePath string, cancel context.CancelFunc) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Direction: direction,
		Device:    dev,
		ImagePath: imagePath,
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusPending,
	}
}

// Status returns the job's current lifecycle state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Progress returns the last observed progress value in [0, 1].
func (j *Job) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Err returns the terminal error, or nil while running or on success.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job terminates or the context expires, then
// returns the job's terminal error.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests prompt termination of the job's copy. The job ends in
// StatusCancelled; cancelling a terminal job is a no-op.
func (j *Job) Cancel() {
	j.cancel()
}

func (j *Job) setRunning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = StatusRunning
}

// observe records a progress sample, keeping the sequence monotonic.
func (j *Job) observe(p float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if math.IsNaN(p) || p < j.progress {
		return
	}
	j.progress = math.Min(p, 1)
}

func (j *Job) finish(status Status, err error) {
	j.mu.Lock()
	j.status = status
	j.err = err
	j.mu.Unlock()
	// Release the job's context so it does not stay registered on the
	// caller's parent for the life of the process.
	j.cancel()
	close(j.done)
}

package imaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/tkoram/rawburn/internal/platform"
)

// Orchestrator composes the resolver, mount controller and copy engine
// into the two imaging flows. At most one job is active at a time; a
// request arriving while a job runs fails with ErrJobActive and leaves
// the running job untouched.
type Orchestrator struct {
	fs       afero.Fs
	resolver platform.Resolver
	mounter  platform.Mounter
	engine   *Engine

	mu     sync.Mutex
	active *Job
}

func NewOrchestrator(fs afero.Fs, resolver platform.Resolver, mounter platform.Mounter, engine *Engine) *Orchestrator {
	return &Orchestrator{
		fs:       fs,
		resolver: resolver,
		mounter:  mounter,
		engine:   engine,
	}
}

// BeginWrite starts a write-image-to-device job and returns it without
// waiting for completion. The returned job is already registered as the
// active one.
func (o *Orchestrator) BeginWrite(ctx context.Context, imagePath string, dev platform.Device, onProgress ProgressFunc) (*Job, error) {
	job, jobCtx, err := o.begin(ctx, WriteToDevice, dev, imagePath)
	if err != nil {
		return nil, err
	}
	go o.runWrite(jobCtx, job, imagePath, dev, onProgress)
	return job, nil
}

// BeginRead starts a read-device-to-image job. maxBytes caps the
// captured size; zero captures the device's full enumerated capacity.
func (o *Orchestrator) BeginRead(ctx context.Context, dev platform.Device, outputPath string, maxBytes int64, onProgress ProgressFunc) (*Job, error) {
	job, jobCtx, err := o.begin(ctx, ReadFromDevice, dev, outputPath)
	if err != nil {
		return nil, err
	}
	go o.runRead(jobCtx, job, outputPath, dev, maxBytes, onProgress)
	return job, nil
}

// Active returns the most recent job, which may already be terminal.
func (o *Orchestrator) Active() *Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// CancelActive cancels the running job, if any.
func (o *Orchestrator) CancelActive() {
	o.mu.Lock()
	job := o.active
	o.mu.Unlock()
	if job != nil && !job.Status().Terminal() {
		job.Cancel()
	}
}

func (o *Orchestrator) begin(ctx context.Context, direction Direction, dev platform.Device, imagePath string) (*Job, context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil && !o.active.Status().Terminal() {
		return nil, nil, ErrJobActive
	}
	jobCtx, cancel := context.WithCancel(ctx)
	job := newJob(direction, dev, imagePath, cancel)
	o.active = job
	return job, jobCtx, nil
}

// runWrite executes the write flow. Ordering matters: the source check
// runs before anything destructive, and raw-path resolution happens
// before unmount because resolution reads volume metadata that
// disappears once the volume is unmounted.
func (o *Orchestrator) runWrite(ctx context.Context, job *Job, imagePath string, dev platform.Device, onProgress ProgressFunc) {
	job.setRunning()
	logger := log.With().Str("job", job.ID).Stringer("direction", job.Direction).
		Str("device", dev.ID).Logger()
	logger.Info().Str("image", imagePath).Msg("write job started")

	info, err := o.fs.Stat(imagePath)
	if err != nil {
		o.fail(job, StageValidate, fmt.Errorf("%w: %w", ErrSourceNotFound, err))
		return
	}
	if info.Size() == 0 {
		o.fail(job, StageValidate, fmt.Errorf("%w: image is empty", ErrSourceNotFound))
		return
	}
	if dev.SizeBytes > 0 && uint64(info.Size()) > dev.SizeBytes {
		o.fail(job, StageValidate, fmt.Errorf("%w: image is %d bytes, device holds %d",
			ErrImageTooLarge, info.Size(), dev.SizeBytes))
		return
	}

	rawPath, err := o.resolver.Resolve(dev)
	if err != nil {
		o.fail(job, StageResolve, err)
		return
	}
	logger.Info().Str("raw", rawPath).Msg("raw device resolved")

	// Innocuous read probe before the destructive unmount: if the raw
	// node is not even readable, the write cannot succeed and the
	// caller should elevate instead.
	if err := probeReadAccess(rawPath); err != nil {
		o.fail(job, StageProbe, fmt.Errorf("%w: %w", ErrPermissionDenied, err))
		return
	}

	if o.cancelled(ctx, job, StageUnmount) {
		return
	}
	if err := o.mounter.Unmount(dev); err != nil {
		o.fail(job, StageUnmount, fmt.Errorf("%w: %w", ErrDeviceUnmountFailed, err))
		return
	}
	logger.Info().Str("mount", dev.MountPoint).Msg("volume unmounted")

	err = o.engine.Copy(ctx, CopyRequest{
		Source:     Endpoint{Path: imagePath},
		Dest:       Endpoint{Path: rawPath, RawDevice: true},
		TotalBytes: info.Size(),
		OnProgress: o.observeProgress(job, onProgress),
	})
	o.finishCopy(job, logger, err)
}

// runRead executes the read flow. Reading does not unmount the volume;
// the asymmetry with the write flow is deliberate.
func (o *Orchestrator) runRead(ctx context.Context, job *Job, outputPath string, dev platform.Device, maxBytes int64, onProgress ProgressFunc) {
	job.setRunning()
	logger := log.With().Str("job", job.ID).Stringer("direction", job.Direction).
		Str("device", dev.ID).Logger()
	logger.Info().Str("output", outputPath).Msg("read job started")

	rawPath, err := o.resolver.Resolve(dev)
	if err != nil {
		o.fail(job, StageResolve, err)
		return
	}
	logger.Info().Str("raw", rawPath).Msg("raw device resolved")

	if dir := filepath.Dir(outputPath); dir != "." {
		if err := o.fs.MkdirAll(dir, 0o755); err != nil {
			o.fail(job, StagePrepare, err)
			return
		}
	}

	total := maxBytes
	if total <= 0 {
		total = int64(dev.SizeBytes)
	}

	err = o.engine.Copy(ctx, CopyRequest{
		Source:     Endpoint{Path: rawPath, RawDevice: true},
		Dest:       Endpoint{Path: outputPath},
		TotalBytes: total,
		MaxBytes:   total,
		OnProgress: o.observeProgress(job, onProgress),
	})
	o.finishCopy(job, logger, err)
}

func (o *Orchestrator) observeProgress(job *Job, onProgress ProgressFunc) ProgressFunc {
	return func(p float64) {
		job.observe(p)
		if onProgress != nil {
			onProgress(p)
		}
	}
}

func (o *Orchestrator) cancelled(ctx context.Context, job *Job, stage Stage) bool {
	if ctx.Err() == nil {
		return false
	}
	job.finish(StatusCancelled, &StageError{Stage: stage, Err: ErrCancelled})
	return true
}

func (o *Orchestrator) fail(job *Job, stage Stage, err error) {
	log.Error().Str("job", job.ID).Str("stage", string(stage)).Err(err).Msg("imaging job failed")
	job.finish(StatusFailed, &StageError{Stage: stage, Err: err})
}

func (o *Orchestrator) finishCopy(job *Job, logger zerolog.Logger, err error) {
	switch {
	case err == nil:
		logger.Info().Msg("imaging job succeeded")
		job.finish(StatusSucceeded, nil)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		logger.Info().Msg("imaging job cancelled")
		job.finish(StatusCancelled, &StageError{Stage: StageCopy, Err: ErrCancelled})
	case errors.Is(err, ErrSyncFailed):
		logger.Error().Err(err).Msg("device sync failed")
		job.finish(StatusFailed, &StageError{Stage: StageSync, Err: err})
	default:
		logger.Error().Err(err).Msg("copy failed")
		job.finish(StatusFailed, &StageError{Stage: StageCopy, Err: err})
	}
}

// probeReadAccess attempts an innocuous open and read of the raw node.
func probeReadAccess(rawPath string) error {
	f, err := os.Open(rawPath)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 512)
	if _, err := f.Read(buf); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

package imaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBlockSize is the fixed transfer block size. Large blocks
	// keep raw-device throughput up; the copy never buffers more than
	// one block.
	DefaultBlockSize = 1 << 20

	MinBlockSize = 64 << 10
	MaxBlockSize = 32 << 20

	// DefaultSampleInterval is the cadence of progress callbacks.
	DefaultSampleInterval = 100 * time.Millisecond
)

// ProgressFunc receives progress samples in [0, 1]. Callbacks run on
// the engine's worker; marshaling to a UI context is the caller's
// concern.
type ProgressFunc func(float64)

// Endpoint names one side of a copy. RawDevice endpoints are opened
// directly on the host filesystem and flushed with a device sync after
// a write; file endpoints go through the engine's afero filesystem.
type Endpoint struct {
	Path      string
	RawDevice bool
}

// CopyRequest describes one streaming copy.
type CopyRequest struct {
	Source Endpoint
	Dest   Endpoint

	// TotalBytes is the progress denominator. Zero disables sampled
	// progress; the terminal 1.0 is still delivered on success.
	TotalBytes int64

	// MaxBytes caps the bytes read from the source. Zero means read to
	// EOF. Device captures set this to the device capacity, since a raw
	// node is not guaranteed to EOF cleanly on every platform.
	MaxBytes int64

	OnProgress ProgressFunc
}

// Engine performs byte-for-byte streaming copies between image files
// and raw devices.
type Engine struct {
	fs             afero.Fs
	clock          clockwork.Clock
	blockSize      int
	sampleInterval time.Duration
}

// NewEngine creates an engine. Block size is clamped to
// [MinBlockSize, MaxBlockSize]; zero values select the defaults.
func NewEngine(fs afero.Fs, clock clockwork.Clock, blockSize int, sampleInterval time.Duration) *Engine {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize < MinBlockSize {
		blockSize = MinBlockSize
	}
	if blockSize > MaxBlockSize {
		blockSize = MaxBlockSize
	}
	if sampleInterval <= 0 {
		sampleInterval = DefaultSampleInterval
	}
	return &Engine{
		fs:             fs,
		clock:          clock,
		blockSize:      blockSize,
		sampleInterval: sampleInterval,
	}
}

type syncFile interface {
	io.WriteCloser
	Sync() error
}

// Copy streams the source to the destination in fixed-size blocks.
// Progress samples are emitted at the engine's interval while data
// moves, strictly below 1.0; exactly one callback with 1.0 follows a
// fully flushed, successful copy. A context cancellation aborts the
// transfer promptly and is returned unwrapped.
func (e *Engine) Copy(ctx context.Context, req CopyRequest) error {
	src, err := e.openSource(req.Source)
	if err != nil {
		return classifyCopyError(err)
	}
	defer src.Close()

	dst, rawDst, err := e.openDest(req.Dest)
	if err != nil {
		return classifyCopyError(err)
	}

	var reader io.Reader = src
	if req.MaxBytes > 0 {
		reader = io.LimitReader(src, req.MaxBytes)
	}

	var transferred atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	copyDone := make(chan struct{})

	if req.OnProgress != nil && req.TotalBytes > 0 {
		g.Go(func() error {
			e.sampleProgress(gctx, copyDone, &transferred, req)
			return nil
		})
	}

	g.Go(func() error {
		defer close(copyDone)
		return e.transfer(gctx, reader, dst, &transferred)
	})

	if err := g.Wait(); err != nil {
		_ = dst.Close()
		return err
	}

	// A process exit does not commit writes to external media; flush
	// explicitly before reporting success.
	if err := e.flush(dst, rawDst); err != nil {
		_ = dst.Close()
		return fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}
	if err := dst.Close(); err != nil {
		return classifyCopyError(err)
	}

	if req.OnProgress != nil {
		req.OnProgress(1)
	}
	return nil
}

func (e *Engine) sampleProgress(ctx context.Context, copyDone <-chan struct{}, transferred *atomic.Int64, req CopyRequest) {
	ticker := e.clock.NewTicker(e.sampleInterval)
	defer ticker.Stop()

	var last float64
	for {
		select {
		case <-ctx.Done():
			return
		case <-copyDone:
			return
		case <-ticker.Chan():
			p := float64(transferred.Load()) / float64(req.TotalBytes)
			// 1.0 is reserved for the terminal callback after flush.
			if p >= 1 || p <= last {
				continue
			}
			last = p
			req.OnProgress(p)
		}
	}
}

func (e *Engine) transfer(ctx context.Context, src io.Reader, dst io.Writer, transferred *atomic.Int64) error {
	buf := make([]byte, e.blockSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return classifyCopyError(writeErr)
			}
			transferred.Add(int64(n))
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return classifyCopyError(readErr)
		}
	}
}

func (e *Engine) openSource(ep Endpoint) (io.ReadCloser, error) {
	if ep.RawDevice {
		return os.Open(ep.Path)
	}
	return e.fs.Open(ep.Path)
}

// openDest opens the destination for writing. Raw devices must already
// exist; image files are created or truncated.
func (e *Engine) openDest(ep Endpoint) (syncFile, *os.File, error) {
	if ep.RawDevice {
		f, err := os.OpenFile(ep.Path, os.O_WRONLY, 0)
		if err != nil {
			return nil, nil, err
		}
		return f, f, nil
	}
	f, err := e.fs.OpenFile(ep.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, nil, nil
}

func (e *Engine) flush(dst syncFile, rawDst *os.File) error {
	if rawDst != nil {
		return deviceSync(rawDst)
	}
	return dst.Sync()
}

// classifyCopyError separates privilege problems from generic copy
// failures; they drive different user remedies.
func classifyCopyError(err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %w", ErrCopyFailed, err)
}

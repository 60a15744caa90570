package imaging

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tkoram/rawburn/internal/platform"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeResolver struct {
	rawPath string
	err     error

	mu    sync.Mutex
	calls int
}

func (r *fakeResolver) Resolve(platform.Device) (string, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	return r.rawPath, nil
}

type fakeMounter struct {
	unmountErr error
	// gate, when set, blocks Unmount until released so tests can hold a
	// job in its running state. entered, when set, receives a signal as
	// soon as the worker reaches Unmount.
	gate    chan struct{}
	entered chan struct{}

	mu       sync.Mutex
	unmounts int
	mounts   int
}

func (m *fakeMounter) Unmount(platform.Device) error {
	if m.entered != nil {
		select {
		case m.entered <- struct{}{}:
		default:
		}
	}
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	m.unmounts++
	m.mu.Unlock()
	return m.unmountErr
}

func (m *fakeMounter) Mount(platform.Device) error {
	m.mu.Lock()
	m.mounts++
	m.mu.Unlock()
	return nil
}

func (m *fakeMounter) unmountCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unmounts
}

func newRawDevice(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rawdisk")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func testDevice() platform.Device {
	return platform.Device{
		ID:         "disk4s1",
		Name:       "MYUSB",
		MountPoint: "/Volumes/MYUSB",
		SizeBytes:  1 << 30,
	}
}

func newTestOrchestrator(fs afero.Fs, resolver platform.Resolver, mounter platform.Mounter) *Orchestrator {
	engine := NewEngine(fs, clockwork.NewRealClock(), MinBlockSize, time.Hour)
	return NewOrchestrator(fs, resolver, mounter, engine)
}

func TestOrchestrator_WriteFlow(t *testing.T) {
	t.Parallel()

	t.Run("success_writes_image_and_reports_full_progress", func(t *testing.T) {
		t.Parallel()

		payload := make([]byte, MinBlockSize+99)
		_, err := rand.Read(payload)
		require.NoError(t, err)

		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/boot.iso", payload, 0o644))

		rawPath := newRawDevice(t, nil)
		resolver := &fakeResolver{rawPath: rawPath}
		mounter := &fakeMounter{}
		orch := newTestOrchestrator(fs, resolver, mounter)

		var progress []float64
		job, err := orch.BeginWrite(context.Background(), "/boot.iso", testDevice(), func(p float64) {
			progress = append(progress, p)
		})
		require.NoError(t, err)
		require.NoError(t, job.Wait(context.Background()))

		assert.Equal(t, StatusSucceeded, job.Status())
		assert.Equal(t, 1.0, job.Progress())
		assert.Equal(t, 1, mounter.unmountCount())
		assert.Equal(t, 1.0, progress[len(progress)-1])

		written, err := os.ReadFile(rawPath)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(payload, written))
	})

	t.Run("missing_source_fails_before_unmount", func(t *testing.T) {
		t.Parallel()

		mounter := &fakeMounter{}
		orch := newTestOrchestrator(afero.NewMemMapFs(), &fakeResolver{rawPath: "/dev/rdisk4"}, mounter)

		job, err := orch.BeginWrite(context.Background(), "/no/such.iso", testDevice(), nil)
		require.NoError(t, err)

		err = job.Wait(context.Background())
		require.ErrorIs(t, err, ErrSourceNotFound)
		assert.Equal(t, StatusFailed, job.Status())
		assert.Equal(t, 0, mounter.unmountCount(), "unmount must not run for a missing source")

		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StageValidate, stageErr.Stage)
	})

	t.Run("oversized_image_fails_before_unmount", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/huge.iso", make([]byte, 4096), 0o644))

		mounter := &fakeMounter{}
		orch := newTestOrchestrator(fs, &fakeResolver{rawPath: "/dev/rdisk4"}, mounter)

		dev := testDevice()
		dev.SizeBytes = 1024

		job, err := orch.BeginWrite(context.Background(), "/huge.iso", dev, nil)
		require.NoError(t, err)

		err = job.Wait(context.Background())
		require.ErrorIs(t, err, ErrImageTooLarge)
		assert.Equal(t, 0, mounter.unmountCount())
	})

	t.Run("resolver_failure_surfaces_with_stage", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/boot.iso", []byte("payload"), 0o644))

		resolver := &fakeResolver{err: platform.ErrRawPathNotFound}
		orch := newTestOrchestrator(fs, resolver, &fakeMounter{})

		job, err := orch.BeginWrite(context.Background(), "/boot.iso", testDevice(), nil)
		require.NoError(t, err)

		err = job.Wait(context.Background())
		require.ErrorIs(t, err, platform.ErrRawPathNotFound)

		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StageResolve, stageErr.Stage)
	})

	t.Run("unreadable_raw_node_reports_permission_denied", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/boot.iso", []byte("payload"), 0o644))

		resolver := &fakeResolver{rawPath: filepath.Join(t.TempDir(), "missing-node")}
		mounter := &fakeMounter{}
		orch := newTestOrchestrator(fs, resolver, mounter)

		job, err := orch.BeginWrite(context.Background(), "/boot.iso", testDevice(), nil)
		require.NoError(t, err)

		err = job.Wait(context.Background())
		require.ErrorIs(t, err, ErrPermissionDenied)
		assert.Equal(t, 0, mounter.unmountCount(), "probe failure must precede unmount")

		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StageProbe, stageErr.Stage)
	})

	t.Run("unmount_failure_aborts_flow", func(t *testing.T) {
		t.Parallel()

		payload := []byte("payload")
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/boot.iso", payload, 0o644))

		rawPath := newRawDevice(t, nil)
		mounter := &fakeMounter{unmountErr: errors.New("exit status 1")}
		orch := newTestOrchestrator(fs, &fakeResolver{rawPath: rawPath}, mounter)

		job, err := orch.BeginWrite(context.Background(), "/boot.iso", testDevice(), nil)
		require.NoError(t, err)

		err = job.Wait(context.Background())
		require.ErrorIs(t, err, ErrDeviceUnmountFailed)

		written, readErr := os.ReadFile(rawPath)
		require.NoError(t, readErr)
		assert.Empty(t, written, "no bytes may reach the device after a failed unmount")
	})
}

func TestOrchestrator_ReadFlow(t *testing.T) {
	t.Parallel()

	t.Run("captures_device_and_creates_output_dirs", func(t *testing.T) {
		t.Parallel()

		payload := make([]byte, 4096)
		_, err := rand.Read(payload)
		require.NoError(t, err)

		fs := afero.NewMemMapFs()
		rawPath := newRawDevice(t, payload)
		mounter := &fakeMounter{}

		dev := testDevice()
		dev.SizeBytes = uint64(len(payload))
		orch := newTestOrchestrator(fs, &fakeResolver{rawPath: rawPath}, mounter)

		job, err := orch.BeginRead(context.Background(), dev, "/captures/nested/usb.iso", 0, nil)
		require.NoError(t, err)
		require.NoError(t, job.Wait(context.Background()))

		assert.Equal(t, StatusSucceeded, job.Status())
		assert.Equal(t, 0, mounter.unmountCount(), "reading must not unmount the volume")

		captured, err := afero.ReadFile(fs, "/captures/nested/usb.iso")
		require.NoError(t, err)
		assert.True(t, bytes.Equal(payload, captured))
	})

	t.Run("size_override_caps_capture", func(t *testing.T) {
		t.Parallel()

		payload := make([]byte, 4096)
		_, err := rand.Read(payload)
		require.NoError(t, err)

		fs := afero.NewMemMapFs()
		rawPath := newRawDevice(t, payload)
		orch := newTestOrchestrator(fs, &fakeResolver{rawPath: rawPath}, &fakeMounter{})

		job, err := orch.BeginRead(context.Background(), testDevice(), "/usb.iso", 1024, nil)
		require.NoError(t, err)
		require.NoError(t, job.Wait(context.Background()))

		captured, err := afero.ReadFile(fs, "/usb.iso")
		require.NoError(t, err)
		assert.Equal(t, payload[:1024], captured)
	})
}

func TestOrchestrator_SingleJob(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/boot.iso", []byte("payload"), 0o644))

	rawPath := newRawDevice(t, nil)
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	mounter := &fakeMounter{gate: gate, entered: entered}
	orch := newTestOrchestrator(fs, &fakeResolver{rawPath: rawPath}, mounter)

	first, err := orch.BeginWrite(context.Background(), "/boot.iso", testDevice(), nil)
	require.NoError(t, err)

	// Wait for the worker to park inside Unmount; the job is running by
	// then, and a second request must be rejected without disturbing it.
	<-entered
	_, err = orch.BeginWrite(context.Background(), "/boot.iso", testDevice(), nil)
	require.ErrorIs(t, err, ErrJobActive)
	assert.Equal(t, StatusRunning, first.Status())

	close(gate)
	require.NoError(t, first.Wait(context.Background()))
	assert.Equal(t, StatusSucceeded, first.Status())

	// With the first job terminal, a new one is accepted.
	second, err := orch.BeginWrite(context.Background(), "/boot.iso", testDevice(), nil)
	require.NoError(t, err)
	require.NoError(t, second.Wait(context.Background()))
}

func TestOrchestrator_Cancellation(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/boot.iso", []byte("payload"), 0o644))

	rawPath := newRawDevice(t, nil)
	gate := make(chan struct{})
	mounter := &fakeMounter{gate: gate}
	orch := newTestOrchestrator(fs, &fakeResolver{rawPath: rawPath}, mounter)

	var progress []float64
	job, err := orch.BeginWrite(context.Background(), "/boot.iso", testDevice(), func(p float64) {
		progress = append(progress, p)
	})
	require.NoError(t, err)

	orch.CancelActive()
	close(gate)

	err = job.Wait(context.Background())
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StatusCancelled, job.Status())
	assert.NotContains(t, progress, 1.0, "a cancelled job must not report completion")

	written, readErr := os.ReadFile(rawPath)
	require.NoError(t, readErr)
	assert.Empty(t, written)
}

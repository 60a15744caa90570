package platform

import "fmt"

// Device is a snapshot of one removable volume at enumeration time.
// Descriptors are immutable; a refresh replaces the whole list rather
// than diffing against a previous one.
type Device struct {
	// ID uniquely selects one physical device for the lifetime of a
	// refresh cycle. On darwin this is the diskutil device identifier
	// of the mounted partition (e.g. "disk4s1"), on linux the partition
	// device node (e.g. "/dev/sdb1").
	ID         string
	Name       string
	MountPoint string
	// Capacity is formatted for display only. Size math must use
	// SizeBytes, never parse this string.
	Capacity  string
	SizeBytes uint64
	Removable bool
}

// Catalog enumerates removable storage volumes currently known to the OS.
type Catalog interface {
	// List returns the removable volumes mounted right now. Enumeration
	// failures are non-fatal and yield an empty list; an empty device
	// list is a valid state for callers.
	List() []Device
}

// Resolver maps a mounted-volume descriptor to the raw (unbuffered)
// whole-disk device node. Raw paths are resolved immediately before each
// imaging operation and never cached across operations, since device
// node assignment can change across mount/unmount cycles.
type Resolver interface {
	Resolve(dev Device) (string, error)
}

// Mounter changes the OS mount state for a volume. Success is a plain
// exit-status check on the underlying disk-management command; there
// are no retries.
type Mounter interface {
	Unmount(dev Device) error
	Mount(dev Device) error
}

// ResolverOptions tunes raw-path resolution behavior.
type ResolverOptions struct {
	// AllowLastDiskFallback enables the last-resort heuristic of picking
	// the final whole disk from the disk listing when no name match is
	// found. Off by default: guessing a target for a destructive write
	// is worse than failing.
	AllowLastDiskFallback bool
}

// NewCatalog creates a platform-specific device catalog.
func NewCatalog() Catalog {
	return newCatalog(&RealExecutor{})
}

// NewResolver creates a platform-specific raw-path resolver.
func NewResolver(opts ResolverOptions) Resolver {
	return newResolver(&RealExecutor{}, opts)
}

// NewMounter creates a platform-specific mount controller.
func NewMounter() Mounter {
	return newMounter(&RealExecutor{})
}

// FormatBytes renders a byte count for display.
func FormatBytes(n uint64) string {
	const unit = 1000
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

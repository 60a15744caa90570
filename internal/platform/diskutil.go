package platform

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"howett.net/plist"
)

// rawDevicePrefix is the unbuffered device namespace on darwin. Imaging
// must go through /dev/rdiskN, not /dev/diskN: the buffered node routes
// writes through the kernel buffer cache, which cripples block-aligned
// throughput and can serve stale reads after a write.
const rawDevicePrefix = "/dev/r"

const diskToolTimeout = 30 * time.Second

// partitionSuffix matches a trailing diskutil partition index such as
// the "s1" in "disk4s1". Applied repeatedly it also reduces APFS
// snapshot-style identifiers ("disk3s1s1") to the whole disk.
var partitionSuffix = regexp.MustCompile(`s\d+$`)

// wholeDiskIdentifier reduces a diskutil identifier to its enclosing
// whole disk: "disk4s1" -> "disk4".
func wholeDiskIdentifier(id string) string {
	for partitionSuffix.MatchString(id) {
		id = partitionSuffix.ReplaceAllString(id, "")
	}
	return id
}

// diskutilCatalog enumerates external physical disks via diskutil's
// plist output.
type diskutilCatalog struct {
	exec Executor
}

type diskutilPartition struct {
	DeviceIdentifier string `plist:"DeviceIdentifier"`
	VolumeName       string `plist:"VolumeName"`
	MountPoint       string `plist:"MountPoint"`
	Size             uint64 `plist:"Size"`
}

type diskutilListing struct {
	AllDisksAndPartitions []struct {
		DeviceIdentifier string              `plist:"DeviceIdentifier"`
		Size             uint64              `plist:"Size"`
		Partitions       []diskutilPartition `plist:"Partitions"`
	} `plist:"AllDisksAndPartitions"`
}

func (c *diskutilCatalog) List() []Device {
	ctx, cancel := context.WithTimeout(context.Background(), diskToolTimeout)
	defer cancel()

	// "external physical" already restricts the listing to removable
	// and ejectable media.
	out, err := c.exec.Output(ctx, "diskutil", "list", "-plist", "external", "physical")
	if err != nil {
		log.Warn().Err(err).Msg("diskutil list failed, no devices reported")
		return nil
	}

	var listing diskutilListing
	if _, err := plist.Unmarshal(out, &listing); err != nil {
		log.Warn().Err(err).Msg("diskutil list output unreadable, no devices reported")
		return nil
	}

	var devices []Device
	for _, disk := range listing.AllDisksAndPartitions {
		for _, part := range disk.Partitions {
			if part.MountPoint == "" {
				continue
			}
			name := part.VolumeName
			if name == "" {
				name = "Untitled"
			}
			devices = append(devices, Device{
				ID:         part.DeviceIdentifier,
				Name:       name,
				MountPoint: part.MountPoint,
				Capacity:   FormatBytes(disk.Size),
				SizeBytes:  disk.Size,
				Removable:  true,
			})
		}
	}
	return devices
}

// diskutilResolver derives the raw whole-disk node for a volume. The
// primary tier asks diskutil to describe the mounted path; the fallback
// tier scans the full disk listing, since diskutil info is known to fail
// intermittently for freshly attached media.
type diskutilResolver struct {
	exec Executor
	opts ResolverOptions
}

func (r *diskutilResolver) Resolve(dev Device) (string, error) {
	id, err := r.identifierFromInfo(dev.MountPoint)
	if err != nil {
		log.Debug().Err(err).Str("mount", dev.MountPoint).
			Msg("diskutil info resolution failed, scanning disk listing")
		id, err = r.identifierFromListing(dev)
		if err != nil {
			return "", err
		}
	}
	return rawDevicePrefix + wholeDiskIdentifier(id), nil
}

// identifierFromInfo parses "diskutil info <mountpoint>" key/value text
// for the Device Identifier field.
func (r *diskutilResolver) identifierFromInfo(mountPoint string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), diskToolTimeout)
	defer cancel()

	out, err := r.exec.Output(ctx, "diskutil", "info", mountPoint)
	if err != nil {
		return "", fmt.Errorf("%w: diskutil info %s: %w", ErrDeviceInfoUnavailable, mountPoint, err)
	}

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(key) == "Device Identifier" {
			if id := strings.TrimSpace(value); id != "" {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no device identifier in diskutil info output", ErrDeviceInfoParseFailed)
}

// identifierFromListing scans the plain-text "diskutil list" output for
// a disk group naming the volume. Groups are keyed by lines starting
// with /dev/disk.
func (r *diskutilResolver) identifierFromListing(dev Device) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), diskToolTimeout)
	defer cancel()

	out, err := r.exec.Output(ctx, "diskutil", "list")
	if err != nil {
		return "", fmt.Errorf("%w: diskutil list: %w", ErrDeviceInfoUnavailable, err)
	}

	var current, match, last string
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "/dev/disk") {
			current = strings.TrimPrefix(strings.Fields(line)[0], "/dev/")
			last = current
			continue
		}
		if current == "" || dev.Name == "" {
			continue
		}
		if match == "" && strings.Contains(line, dev.Name) {
			match = current
		}
	}

	if match != "" {
		return match, nil
	}
	if r.opts.AllowLastDiskFallback && last != "" {
		log.Warn().Str("disk", last).Str("volume", dev.Name).
			Msg("no name match in disk listing, falling back to last enumerated disk")
		return last, nil
	}
	return "", fmt.Errorf("%w: volume %q not found in disk listing", ErrRawPathNotFound, dev.Name)
}

// diskutilMounter wraps diskutil's mount state commands.
type diskutilMounter struct {
	exec Executor
}

func (m *diskutilMounter) Unmount(dev Device) error {
	ctx, cancel := context.WithTimeout(context.Background(), diskToolTimeout)
	defer cancel()
	if err := m.exec.Run(ctx, "diskutil", "unmount", dev.MountPoint); err != nil {
		return fmt.Errorf("diskutil unmount %s: %w", dev.MountPoint, err)
	}
	return nil
}

func (m *diskutilMounter) Mount(dev Device) error {
	ctx, cancel := context.WithTimeout(context.Background(), diskToolTimeout)
	defer cancel()
	if err := m.exec.Run(ctx, "diskutil", "mount", dev.ID); err != nil {
		return fmt.Errorf("diskutil mount %s: %w", dev.ID, err)
	}
	return nil
}

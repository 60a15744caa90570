package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/disk"
)

// linuxWholeDisk reduces a partition device name to its whole disk:
// "sdb1" -> "sdb", "mmcblk0p1" -> "mmcblk0", "nvme0n1p2" -> "nvme0n1".
func linuxWholeDisk(name string) string {
	name = strings.TrimPrefix(name, "/dev/")
	if strings.HasPrefix(name, "mmcblk") || strings.HasPrefix(name, "nvme") {
		if i := strings.LastIndex(name, "p"); i > 0 {
			if _, err := strconv.Atoi(name[i+1:]); err == nil {
				return name[:i]
			}
		}
		return name
	}
	return strings.TrimRight(name, "0123456789")
}

// sysblockCatalog enumerates mounted partitions with gopsutil and keeps
// those whose parent disk carries the sysfs removable flag.
type sysblockCatalog struct {
	// partitions is swappable for tests; defaults to disk.Partitions.
	partitions func(all bool) ([]disk.PartitionStat, error)
	sysBlock   string
}

func (c *sysblockCatalog) List() []Device {
	parts, err := c.partitions(false)
	if err != nil {
		log.Warn().Err(err).Msg("partition enumeration failed, no devices reported")
		return nil
	}

	var devices []Device
	for _, part := range parts {
		if !strings.HasPrefix(part.Device, "/dev/") {
			continue
		}
		base := linuxWholeDisk(part.Device)
		if !c.isRemovable(base) {
			continue
		}
		size := c.diskSizeBytes(base)
		name := c.deviceModel(base)
		if name == "" {
			name = "Untitled"
		}
		devices = append(devices, Device{
			ID:         part.Device,
			Name:       name,
			MountPoint: part.Mountpoint,
			Capacity:   FormatBytes(size),
			SizeBytes:  size,
			Removable:  true,
		})
	}
	return devices
}

func (c *sysblockCatalog) isRemovable(base string) bool {
	data, err := os.ReadFile(filepath.Join(c.sysBlock, base, "removable"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "1"
}

// diskSizeBytes reads the whole-disk sector count from sysfs. The sysfs
// size attribute is always in 512-byte units regardless of the device's
// logical block size.
func (c *sysblockCatalog) diskSizeBytes(base string) uint64 {
	data, err := os.ReadFile(filepath.Join(c.sysBlock, base, "size"))
	if err != nil {
		return 0
	}
	sectors, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return sectors * 512
}

func (c *sysblockCatalog) deviceModel(base string) string {
	if data, err := os.ReadFile(filepath.Join(c.sysBlock, base, "device", "model")); err == nil {
		return strings.TrimSpace(string(data))
	}

	vendor := ""
	product := ""
	if data, err := os.ReadFile(filepath.Join(c.sysBlock, base, "device", "vendor")); err == nil {
		vendor = strings.TrimSpace(string(data))
	}
	if data, err := os.ReadFile(filepath.Join(c.sysBlock, base, "device", "product")); err == nil {
		product = strings.TrimSpace(string(data))
	}
	if vendor != "" && product != "" {
		return vendor + " " + product
	}
	return ""
}

// findmntResolver derives the whole-disk node for a mounted volume.
// Linux has no separate raw device namespace; the whole-disk node is
// already the direct target for imaging.
type findmntResolver struct {
	exec Executor
	opts ResolverOptions
}

func (r *findmntResolver) Resolve(dev Device) (string, error) {
	source, err := r.sourceFromFindmnt(dev.MountPoint)
	if err != nil {
		log.Debug().Err(err).Str("mount", dev.MountPoint).
			Msg("findmnt resolution failed, scanning block device listing")
		source, err = r.sourceFromLsblk(dev)
		if err != nil {
			return "", err
		}
	}
	return "/dev/" + linuxWholeDisk(source), nil
}

func (r *findmntResolver) sourceFromFindmnt(mountPoint string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), diskToolTimeout)
	defer cancel()

	out, err := r.exec.Output(ctx, "findmnt", "-nr", "-o", "SOURCE", "--target", mountPoint)
	if err != nil {
		return "", fmt.Errorf("%w: findmnt %s: %w", ErrDeviceInfoUnavailable, mountPoint, err)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "/dev/") {
			return line, nil
		}
	}
	return "", fmt.Errorf("%w: no /dev source for mount %s", ErrDeviceInfoParseFailed, mountPoint)
}

// sourceFromLsblk scans lsblk rows for a partition labeled with the
// volume name.
func (r *findmntResolver) sourceFromLsblk(dev Device) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), diskToolTimeout)
	defer cancel()

	out, err := r.exec.Output(ctx, "lsblk", "-nr", "-o", "NAME,LABEL,TYPE")
	if err != nil {
		return "", fmt.Errorf("%w: lsblk: %w", ErrDeviceInfoUnavailable, err)
	}

	var match, last string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		typ := fields[len(fields)-1]
		if typ == "disk" {
			last = fields[0]
			continue
		}
		if typ != "part" || dev.Name == "" || match != "" {
			continue
		}
		label := strings.Join(fields[1:len(fields)-1], " ")
		if label == dev.Name {
			match = fields[0]
		}
	}

	if match != "" {
		return match, nil
	}
	if r.opts.AllowLastDiskFallback && last != "" {
		log.Warn().Str("disk", last).Str("volume", dev.Name).
			Msg("no label match in block device listing, falling back to last enumerated disk")
		return last, nil
	}
	return "", fmt.Errorf("%w: volume %q not found in block device listing", ErrRawPathNotFound, dev.Name)
}

// cliMounter shells the standard mount tools. Mount is exposed for
// symmetry and testing; the imaging flow only ever unmounts.
type cliMounter struct {
	exec Executor
}

func (m *cliMounter) Unmount(dev Device) error {
	ctx, cancel := context.WithTimeout(context.Background(), diskToolTimeout)
	defer cancel()
	if err := m.exec.Run(ctx, "umount", dev.MountPoint); err != nil {
		return fmt.Errorf("umount %s: %w", dev.MountPoint, err)
	}
	return nil
}

func (m *cliMounter) Mount(dev Device) error {
	ctx, cancel := context.WithTimeout(context.Background(), diskToolTimeout)
	defer cancel()
	// Removable media rarely has an fstab entry; udisks picks a
	// mountpoint under /run/media itself.
	if err := m.exec.Run(ctx, "udisksctl", "mount", "-b", dev.ID); err != nil {
		return fmt.Errorf("udisksctl mount %s: %w", dev.ID, err)
	}
	return nil
}

package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tkoram/rawburn/internal/config"
	"github.com/tkoram/rawburn/internal/imaging"
	"github.com/tkoram/rawburn/internal/platform"
)

func newOrchestrator() *imaging.Orchestrator {
	cfg := config.GetConfig()
	fs := afero.NewOsFs()
	engine := imaging.NewEngine(fs, clockwork.NewRealClock(), cfg.BlockSizeBytes, cfg.SampleInterval())
	resolver := platform.NewResolver(platform.ResolverOptions{
		AllowLastDiskFallback: cfg.AllowLastDiskFallback,
	})
	return imaging.NewOrchestrator(fs, resolver, platform.NewMounter(), engine)
}

func NewListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List removable devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			devices := platform.NewCatalog().List()
			if len(devices) == 0 {
				cmd.Println("No removable devices found.")
				return nil
			}

			cmd.Println("Removable devices:")
			for i, dev := range devices {
				cmd.Printf("%d. %s (%s)\n", i+1, dev.Name, dev.ID)
				cmd.Printf("   Capacity: %s\n", dev.Capacity)
				cmd.Printf("   Mount: %s\n\n", dev.MountPoint)
			}
			return nil
		},
	}
}

func NewWriteCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "write [image-file] [device]",
		Short: "Write a disk image to a removable device",
		Long:  "Writes an image file byte-for-byte onto a removable device, destroying all data on it. The device may be given by identifier or volume name.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			imagePath, target := args[0], args[1]

			dev, err := findDevice(target)
			if err != nil {
				return err
			}

			if ext := strings.ToLower(filepath.Ext(imagePath)); ext != ".iso" && ext != ".img" {
				cmd.Printf("Warning: %s does not look like a disk image (.iso/.img)\n", imagePath)
			}

			if !yes && !confirm(cmd, fmt.Sprintf(
				"About to overwrite %s (%s, %s). This destroys all data on the device.",
				dev.Name, dev.ID, dev.Capacity)) {
				cmd.Println("Aborted.")
				return nil
			}

			return runJob(cmd, "Writing", func(ctx context.Context, onProgress imaging.ProgressFunc) (*imaging.Job, error) {
				return newOrchestrator().BeginWrite(ctx, imagePath, dev, onProgress)
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func NewReadCommand() *cobra.Command {
	var sizeBytes int64

	cmd := &cobra.Command{
		Use:   "read [device] [output-file]",
		Short: "Capture a removable device into a disk image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, outputPath := args[0], args[1]

			dev, err := findDevice(target)
			if err != nil {
				return err
			}

			return runJob(cmd, "Reading", func(ctx context.Context, onProgress imaging.ProgressFunc) (*imaging.Job, error) {
				return newOrchestrator().BeginRead(ctx, dev, outputPath, sizeBytes, onProgress)
			})
		},
	}

	cmd.Flags().Int64Var(&sizeBytes, "size", 0, "bytes to capture (default: full device capacity)")
	return cmd
}

func NewInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info [device]",
		Short: "Show the raw device path for a removable device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := findDevice(args[0])
			if err != nil {
				return err
			}

			cfg := config.GetConfig()
			resolver := platform.NewResolver(platform.ResolverOptions{
				AllowLastDiskFallback: cfg.AllowLastDiskFallback,
			})
			rawPath, err := resolver.Resolve(dev)
			if err != nil {
				return err
			}

			cmd.Printf("Device:   %s (%s)\n", dev.Name, dev.ID)
			cmd.Printf("Mount:    %s\n", dev.MountPoint)
			cmd.Printf("Capacity: %s (%d bytes)\n", dev.Capacity, dev.SizeBytes)
			cmd.Printf("Raw path: %s\n", rawPath)
			return nil
		},
	}
}

// findDevice matches a device by identifier first, then by volume name,
// against a fresh enumeration.
func findDevice(target string) (platform.Device, error) {
	devices := platform.NewCatalog().List()
	for _, dev := range devices {
		if dev.ID == target {
			return dev, nil
		}
	}
	for _, dev := range devices {
		if dev.Name == target {
			return dev, nil
		}
	}

	var known []string
	for _, dev := range devices {
		known = append(known, dev.ID)
	}
	return platform.Device{}, fmt.Errorf("no removable device %q (available: %s)",
		target, strings.Join(known, ", "))
}

func confirm(cmd *cobra.Command, warning string) bool {
	cmd.Println(warning)
	cmd.Print("Type 'yes' to continue: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(line) == "yes"
}

// runJob starts an imaging job with SIGINT wired to cancellation and
// renders its progress until the terminal state.
func runJob(cmd *cobra.Command, verb string, begin func(context.Context, imaging.ProgressFunc) (*imaging.Job, error)) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	onProgress := func(p float64) {
		fmt.Printf("\r%s... %3.0f%%", verb, p*100)
	}

	job, err := begin(ctx, onProgress)
	if err != nil {
		return err
	}

	err = job.Wait(context.Background())
	fmt.Println()
	switch {
	case err == nil:
		cmd.Println("Done.")
		return nil
	case errors.Is(err, imaging.ErrCancelled):
		cmd.Println("Cancelled.")
		return nil
	default:
		return err
	}
}

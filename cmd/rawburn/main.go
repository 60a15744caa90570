package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tkoram/rawburn/internal/app"
	"github.com/tkoram/rawburn/internal/config"
	"github.com/tkoram/rawburn/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "rawburn",
	Short: "Image raw block devices to and from disk-image files",
	Long:  "Rawburn writes ISO images onto removable USB devices and captures raw device contents back into image files.",
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(
		app.NewListCommand(),
		app.NewWriteCommand(),
		app.NewReadCommand(),
		app.NewInfoCommand(),
	)
}

func main() {
	if err := config.InitConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not load config: %v\n", err)
	}
	cfg := config.GetConfig()
	if err := logging.Init(cfg.LogDir, cfg.Verbose); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not set up logging: %v\n", err)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

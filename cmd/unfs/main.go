// Command unfs formats, checks and browses UNFS filesystems.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	deviceName string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "unfs",
		Short: "User-space flat-namespace filesystem utility",
		Long: `unfs manages UNFS filesystems on raw page-addressable devices.

The device is selected with --device or the DEVICE environment variable:
a path names a raw file or block device, mem:<pages> an in-memory backing,
and a PCI address in XX:XX.X form the NVMe user-driver backend.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&deviceName, "device", "d", os.Getenv("DEVICE"),
		"device name (default $DEVICE)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"log progress to stderr")

	root.AddCommand(newFormatCmd(), newCheckCmd(), newInfoCmd(), newShellCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// logger builds the CLI logger: human-readable, stderr, Debug level and up
// when verbose, silent otherwise.
func logger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	cfg := zap.NewDevelopmentConfig()
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/unfsio/unfs"
)

func newFormatCmd() *cobra.Command {
	var label string
	var force bool
	cmd := &cobra.Command{
		Use:   "format",
		Short: "Create an empty filesystem on the device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				fmt.Fprintf(os.Stderr, "format %s, destroying its contents? [y/N] ", deviceName)
				line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
				if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
					return errors.New("aborted")
				}
			}
			if err := unfs.Format(deviceName, label, unfs.WithLogger(logger())); err != nil {
				return errors.Wrap(err, "format")
			}
			fmt.Printf("formatted %s label %q\n", deviceName, label)
			return nil
		},
	}
	cmd.Flags().StringVarP(&label, "label", "l", "", "filesystem label (63 bytes max)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip the confirmation prompt")
	return cmd
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify filesystem consistency",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unfs.Check(deviceName, unfs.WithLogger(logger())); err != nil {
				return errors.Wrap(err, "check")
			}
			fmt.Printf("%s: ok\n", deviceName)
			return nil
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the filesystem header",
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := unfs.Open(deviceName, unfs.WithLogger(logger()))
			if err != nil {
				return errors.Wrap(err, "open")
			}
			defer fs.Close()
			hdr, err := fs.Stat()
			if err != nil {
				return err
			}
			fmt.Printf("label:      %s\n", hdr.Label)
			fmt.Printf("version:    %s\n", hdr.Version)
			fmt.Printf("pages:      %d x %d bytes\n", hdr.PageCount, hdr.PageSize)
			fmt.Printf("blocks:     %d x %d bytes\n", hdr.BlockCount, hdr.BlockSize)
			fmt.Printf("data start: page %d\n", hdr.DataPage)
			fmt.Printf("free:       %d pages\n", hdr.PageFree)
			fmt.Printf("entries:    %d (%d directories)\n", hdr.FDCount, hdr.DirCount)
			fmt.Printf("del stack:  %d of %d\n", len(hdr.DelStack), hdr.DelMax)
			return nil
		},
	}
}

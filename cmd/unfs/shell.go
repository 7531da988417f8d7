package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/unfsio/unfs"
)

func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Browse the filesystem interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := unfs.Open(deviceName, unfs.WithLogger(logger()))
			if err != nil {
				return errors.Wrap(err, "open")
			}
			defer fs.Close()
			return runShell(fs)
		},
	}
}

const shellHelp = `commands:
  ls [dir]          list directory (default /)
  mkdir <dir>       create directory, with parents
  touch <file>      create empty file
  rm <file>         remove file
  rmdir <dir>       remove empty directory
  mv <src> <dst>    rename, overwriting dst
  put <local> <f>   copy local file in
  get <f> <local>   copy file out
  cat <file>        print file contents
  sum <file>        print file checksum
  df                print header summary
  sync              flush metadata
  help              this text
  exit              close and leave`

func runShell(fs *unfs.FileSystem) error {
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 64*1024), 64*1024)
	for {
		fmt.Print("unfs> ")
		if !in.Scan() {
			return in.Err()
		}
		fields := strings.Fields(in.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]
		if cmd == "exit" || cmd == "quit" {
			return nil
		}
		if err := shellCommand(fs, cmd, args); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		}
	}
}

func shellCommand(fs *unfs.FileSystem, cmd string, args []string) error {
	switch cmd {
	case "help":
		fmt.Println(shellHelp)
		return nil

	case "ls":
		dir := "/"
		if len(args) > 0 {
			dir = args[0]
		}
		list, err := fs.DirList(dir)
		if err != nil {
			return err
		}
		for _, e := range list {
			kind := "-"
			if e.IsDir {
				kind = "d"
			}
			fmt.Printf("%s %12d  %s\n", kind, e.Size, e.Name)
		}
		return nil

	case "mkdir":
		if len(args) != 1 {
			return errors.New("usage: mkdir <dir>")
		}
		return fs.Create(args[0], true, true)

	case "touch":
		if len(args) != 1 {
			return errors.New("usage: touch <file>")
		}
		return fs.Create(args[0], false, false)

	case "rm":
		if len(args) != 1 {
			return errors.New("usage: rm <file>")
		}
		return fs.Remove(args[0], false)

	case "rmdir":
		if len(args) != 1 {
			return errors.New("usage: rmdir <dir>")
		}
		return fs.Remove(args[0], true)

	case "mv":
		if len(args) != 2 {
			return errors.New("usage: mv <src> <dst>")
		}
		return fs.Rename(args[0], args[1], true)

	case "put":
		if len(args) != 2 {
			return errors.New("usage: put <local> <file>")
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		f := fs.FileOpen(args[1], unfs.OpenCreate)
		if err := f.Err(); err != nil {
			return err
		}
		defer f.Close()
		if err := f.Resize(0); err != nil {
			return err
		}
		_, err = f.Write(data, 0)
		return err

	case "get":
		if len(args) != 2 {
			return errors.New("usage: get <file> <local>")
		}
		data, err := readAll(fs, args[0])
		if err != nil {
			return err
		}
		return os.WriteFile(args[1], data, 0644)

	case "cat":
		if len(args) != 1 {
			return errors.New("usage: cat <file>")
		}
		data, err := readAll(fs, args[0])
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		return nil

	case "sum":
		if len(args) != 1 {
			return errors.New("usage: sum <file>")
		}
		f := fs.FileOpen(args[0], unfs.OpenReadOnly)
		if err := f.Err(); err != nil {
			return err
		}
		defer f.Close()
		sum, err := f.Checksum()
		if err != nil {
			return err
		}
		size, _ := f.Stat()
		fmt.Printf("%016x  %s bytes\n", sum, strconv.FormatUint(size, 10))
		return nil

	case "df":
		hdr, err := fs.Stat()
		if err != nil {
			return err
		}
		fmt.Println(hdr)
		return nil

	case "sync":
		return fs.Sync()

	default:
		return errors.Errorf("unknown command %q (try help)", cmd)
	}
}

func readAll(fs *unfs.FileSystem, name string) ([]byte, error) {
	f := fs.FileOpen(name, unfs.OpenReadOnly)
	if err := f.Err(); err != nil {
		return nil, err
	}
	defer f.Close()
	size, err := f.Stat()
	if err != nil {
		return nil, err
	}
	data := make([]byte, size)
	if _, err := f.Read(data, 0); err != nil {
		return nil, err
	}
	return data, nil
}

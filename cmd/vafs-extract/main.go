// Command vafs-extract recreates a VaFs image's tree on the host
// filesystem.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/vafs-project/vafs"
	"github.com/vafs-project/vafs/internal/vimage"
)

const help = `vafs-extract [-flags] <image>

Extracts a VaFs image onto the host filesystem.

Example:
  % vafs-extract -out /srv/rootfs rootfs.vafs
`

func usage(fset *flag.FlagSet, helpText string) func() {
	return func() {
		fmt.Fprintln(os.Stderr, helpText)
		fmt.Fprintf(os.Stderr, "Flags for %s:\n", fset.Name())
		fset.PrintDefaults()
	}
}

func main() {
	log.SetFlags(0)
	if err := run(os.Args[1:]); err != nil {
		log.Println("vafs-extract:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fset := flag.NewFlagSet("vafs-extract", flag.ExitOnError)
	var (
		out     = fset.String("out", ".", "destination directory")
		verbose = fset.Bool("v", false, "verbose logging")
	)
	fset.Usage = usage(fset, help)
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() != 1 {
		fset.Usage()
		os.Exit(2)
	}

	img, err := vimage.OpenFile(fset.Arg(0), vafs.StandardRegistry(), vimage.Config{})
	if err != nil {
		return err
	}
	defer img.Close()

	if err := os.MkdirAll(*out, 0755); err != nil {
		return err
	}
	return extractDir(img.Root(), *out, *verbose)
}

func extractDir(dir *vimage.DirHandle, hostPath string, verbose bool) error {
	names, err := dir.Entries()
	if err != nil {
		return err
	}
	for _, name := range names {
		stat, err := dir.Stat(name)
		if err != nil {
			return err
		}
		dest := filepath.Join(hostPath, name)
		if verbose {
			log.Println(dest)
		}
		switch stat.Type {
		case vimage.TypeDirectory:
			sub, err := dir.OpenDirectory(name)
			if err != nil {
				return err
			}
			if err := os.Mkdir(dest, os.FileMode(stat.Permissions)); err != nil && !os.IsExist(err) {
				return err
			}
			if err := extractDir(sub, dest, verbose); err != nil {
				return err
			}
		case vimage.TypeSymlink:
			target, err := dir.ReadSymlink(name)
			if err != nil {
				return err
			}
			if err := os.Symlink(target, dest); err != nil {
				return err
			}
		case vimage.TypeFile:
			if err := extractFile(dir, name, dest, stat); err != nil {
				return err
			}
		}
	}
	return nil
}

func extractFile(dir *vimage.DirHandle, name, dest string, stat vimage.Stat) error {
	fh, err := dir.OpenFile(name)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(stat.Permissions))
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 256*1024)
	for {
		n, rerr := fh.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if vimage.KindOf(rerr) == vimage.EndOfStream {
			return nil
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

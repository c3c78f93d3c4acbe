// Command vafs-mount mounts a VaFs image read-only via FUSE.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jacobsa/fuse"

	"github.com/vafs-project/vafs"
	"github.com/vafs-project/vafs/internal/vfuse"
	"github.com/vafs-project/vafs/internal/vimage"
)

const help = `vafs-mount [-flags] <image> <mountpoint>

Mounts a VaFs image read-only at mountpoint. Blocks until interrupted
or the filesystem is unmounted externally (fusermount -u mountpoint).

Example:
  % vafs-mount rootfs.vafs /mnt/rootfs
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
		log.Println("vafs-mount:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fset := flag.NewFlagSet("vafs-mount", flag.ExitOnError)
	fset.Usage = usage(fset, help)
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() != 2 {
		fset.Usage()
		os.Exit(2)
	}
	imagePath, mountpoint := fset.Arg(0), fset.Arg(1)

	img, err := vimage.OpenFile(imagePath, vafs.StandardRegistry(), vimage.Config{})
	if err != nil {
		return err
	}
	defer img.Close()

	ctx, cancel := vafs.InterruptibleContext()
	defer cancel()

	join, err := vfuse.Mount(ctx, img, mountpoint)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		log.Println("vafs-mount: unmounting", mountpoint)
		if err := fuse.Unmount(mountpoint); err != nil {
			log.Println("vafs-mount: unmount:", err)
		}
	}()

	// join returns once the filesystem is unmounted, by the goroutine above
	// or externally.
	return join(context.Background())
}

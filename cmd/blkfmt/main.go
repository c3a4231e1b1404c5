// blkfmt writes a fresh block-device image to a file: a superblock and an
// empty inode block followed by nr_blocks-2 data blocks, all linked into a
// single Free list. It runs before anything mounts the file, the way mkfs
// runs before a filesystem is ever mounted, and is deliberately kept outside
// pkg/blockdev's mountable surface.
//
// Usage:
//
//	blkfmt --block-size 4096 --nr-blocks 256 <path>
package main

import (
	"bytes"
	"fmt"
	"os"

	natefinchatomic "github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"

	"github.com/blockdev-project/blockdev/pkg/blockdev"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "blkfmt: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("blkfmt", flag.ExitOnError)

	blockSize := fs.Int("block-size", 4096, "bytes per block")
	nrBlocks := fs.Int("nr-blocks", 256, "number of blocks, including the superblock and inode block")
	force := fs.Bool("force", false, "overwrite path if it already exists")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: blkfmt [flags] <path>\n\nFlags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("expected exactly one path argument, got %d", fs.NArg())
	}

	path := fs.Arg(0)

	if !*force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	image, err := buildImage(*blockSize, *nrBlocks)
	if err != nil {
		return err
	}

	// The whole image is built in memory and swapped into place in one
	// rename, so a process kill mid-write never leaves a half-written
	// device file behind for a later Mount to trip over.
	if err := natefinchatomic.WriteFile(path, bytes.NewReader(image)); err != nil {
		return fmt.Errorf("writing image atomically: %w", err)
	}

	fmt.Printf("formatted %s: %d blocks of %d bytes (%d data blocks)\n",
		path, *nrBlocks, *blockSize, *nrBlocks-blockdev.StartDataIndex)

	return nil
}

// buildImage lays out the same on-disk structure [blockdev.Format] would
// produce on a mounted device, but as one contiguous in-memory buffer
// suitable for a single atomic file write rather than a sequence of
// block-granular ones.
func buildImage(blockSize, nrBlocks int) ([]byte, error) {
	dev := newMemDevice(blockSize, nrBlocks)

	if err := blockdev.Format(dev); err != nil {
		return nil, fmt.Errorf("building image: %w", err)
	}

	return dev.bytes(), nil
}

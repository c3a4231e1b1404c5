package blockdev

import (
	"fmt"

	"github.com/blockdev-project/blockdev/pkg/blockio"
)

// Format lays out a fresh on-disk image on dev: an empty inode block, every
// data block linked into a single Free list in index order, and a clean
// superblock pointing at it. It is the one operation in this package that
// is not part of the mounted service surface — formatting happens before
// any [Mount], the way a filesystem's mkfs runs before the filesystem is
// ever mounted. [cmd/blkfmt] is the external tool that drives this.
func Format(dev blockio.Device) error {
	nrBlocks := dev.NRBlocks()
	if nrBlocks <= StartDataIndex {
		return fmt.Errorf("blockdev: format: nr_blocks %d leaves no data blocks", nrBlocks)
	}

	store := newBlockStore(dev)

	inode := make([]byte, store.blockSize)
	if err := dev.WriteBlock(InodeIndex, inode); err != nil {
		return fmt.Errorf("%w: format: writing inode block: %w", ErrIOFault, err)
	}

	heads := emptyListHeads()

	for i := StartDataIndex; i < nrBlocks; i++ {
		b := Block{
			Index: i,
			State: Invalid,
			Prev:  i - 1,
			Next:  i + 1,
		}

		if i == StartDataIndex {
			b.Prev = NIL
			heads.first = i
		}

		if i == nrBlocks-1 {
			b.Next = NIL
			heads.last = i
		}

		if err := store.writeBlock(b); err != nil {
			return fmt.Errorf("%w: format: writing block %d: %w", ErrIOFault, i, err)
		}
	}

	buf := make([]byte, store.blockSize)

	sb := superblock{nrBlocks: nrBlocks, free: heads, used: emptyListHeads(), clean: true}
	if err := encodeSuperblock(buf, sb); err != nil {
		return err
	}

	if err := dev.WriteBlock(SuperblockIndex, buf); err != nil {
		return fmt.Errorf("%w: format: writing superblock: %w", ErrIOFault, err)
	}

	return dev.Flush()
}

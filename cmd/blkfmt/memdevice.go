package main

import (
	"fmt"

	"github.com/blockdev-project/blockdev/pkg/blockio"
)

// memDevice is a [blockio.Device] backed by a plain in-memory buffer. It
// exists only so [blockdev.Format] can lay out a full image before blkfmt
// hands the finished bytes to a single atomic whole-file write — there is no
// backing file open yet at format time.
type memDevice struct {
	blockSize int
	nrBlocks  int
	buf       []byte
}

func newMemDevice(blockSize, nrBlocks int) *memDevice {
	return &memDevice{
		blockSize: blockSize,
		nrBlocks:  nrBlocks,
		buf:       make([]byte, blockSize*nrBlocks),
	}
}

func (d *memDevice) checkIndex(index int) error {
	if index < 0 || index >= d.nrBlocks {
		return fmt.Errorf("%w: index %d, nr_blocks %d", blockio.ErrOutOfRange, index, d.nrBlocks)
	}

	return nil
}

func (d *memDevice) ReadBlock(index int) ([]byte, error) {
	if err := d.checkIndex(index); err != nil {
		return nil, err
	}

	off := index * d.blockSize
	out := make([]byte, d.blockSize)
	copy(out, d.buf[off:off+d.blockSize])

	return out, nil
}

func (d *memDevice) WriteBlock(index int, buf []byte) error {
	if err := d.checkIndex(index); err != nil {
		return err
	}

	if len(buf) != d.blockSize {
		return fmt.Errorf("%w: write buffer is %d bytes, want %d", blockio.ErrIOFault, len(buf), d.blockSize)
	}

	off := index * d.blockSize
	copy(d.buf[off:off+d.blockSize], buf)

	return nil
}

func (d *memDevice) Flush() error   { return nil }
func (d *memDevice) BlockSize() int { return d.blockSize }
func (d *memDevice) NRBlocks() int  { return d.nrBlocks }
func (d *memDevice) Close() error   { return nil }
func (d *memDevice) bytes() []byte  { return d.buf }

package blockdev

import (
	"fmt"

	"github.com/blockdev-project/blockdev/pkg/blockio"
)

// blockStore is the codec-aware layer above a raw [blockio.Device]: it reads
// and writes whole [Block] values instead of byte slices, and owns the one
// block-sized scratch buffer reused across sequential operations under the
// writer mutex.
//
// blockStore itself does no locking; callers ([listManager], [Service])
// serialize access to it per the same rules they apply to the device.
type blockStore struct {
	dev          blockio.Device
	blockSize    int
	nrBlocks     int
	dataCapacity int
	scratch      []byte
}

func newBlockStore(dev blockio.Device) *blockStore {
	blockSize := dev.BlockSize()

	return &blockStore{
		dev:          dev,
		blockSize:    blockSize,
		nrBlocks:     dev.NRBlocks(),
		dataCapacity: dataCapacity(blockSize),
		scratch:      make([]byte, blockSize),
	}
}

func (s *blockStore) checkDataIndex(index int) error {
	if index < StartDataIndex || index >= s.nrBlocks {
		return fmt.Errorf("%w: index %d, data range [%d, %d)", ErrOutOfRange, index, StartDataIndex, s.nrBlocks)
	}

	return nil
}

// readBlock reads and decodes the block at index, which must be a data
// block (not the superblock or inode). The returned Block's Payload is a
// freshly allocated copy, safe to retain.
func (s *blockStore) readBlock(index int) (Block, error) {
	if err := s.checkDataIndex(index); err != nil {
		return Block{}, err
	}

	raw, err := s.dev.ReadBlock(index)
	if err != nil {
		return Block{}, fmt.Errorf("%w: %w", ErrIOFault, err)
	}

	b, err := decodeBlock(raw)
	if err != nil {
		return Block{}, err
	}

	payload := make([]byte, len(b.Payload))
	copy(payload, b.Payload)
	b.Payload = payload

	return b, nil
}

// writeBlock encodes b and writes it to its own Index. b.Index must already
// be the target slot.
func (s *blockStore) writeBlock(b Block) error {
	if err := s.checkDataIndex(b.Index); err != nil {
		return err
	}

	if err := encodeBlock(s.scratch, b); err != nil {
		return err
	}

	if err := s.dev.WriteBlock(b.Index, s.scratch); err != nil {
		return fmt.Errorf("%w: %w", ErrIOFault, err)
	}

	return nil
}

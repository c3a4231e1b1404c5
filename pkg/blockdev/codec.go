package blockdev

import (
	"encoding/binary"
	"fmt"
)

// On-disk block header layout, little-endian throughout (a stand-in for
// "host endianness" — this module only ever reads back its own writes).
//
//	offset  size  field
//	0       4     index     (int32)
//	4       1     state     (uint8)
//	5       3     —         (padding, always zero on write, ignored on read)
//	8       4     prev      (int32)
//	12      4     next      (int32)
//	16      4     data_size (uint32)
const (
	headerSize = 20

	offIndex    = 0
	offState    = 4
	offPrev     = 8
	offNext     = 12
	offDataSize = 16
)

// dataCapacity returns the number of payload bytes a block of blockSize
// bytes can hold once the header is accounted for.
func dataCapacity(blockSize int) int {
	return blockSize - headerSize
}

// encodeBlock serializes b into buf, which must be exactly blockSize bytes
// (the caller's block-sized scratch buffer). Payload bytes beyond b.DataSize
// in buf[headerSize:] are left untouched, so callers that reuse buffers
// across blocks get the "written as-is" trailing-garbage behavior spec.md
// describes rather than implicit zeroing.
func encodeBlock(buf []byte, b Block) error {
	if len(buf) < headerSize {
		return fmt.Errorf("blockdev: block buffer of %d bytes too small for header", len(buf))
	}

	capacity := dataCapacity(len(buf))
	if b.DataSize > capacity {
		return fmt.Errorf("%w: data size %d exceeds capacity %d", ErrPayloadTooLarge, b.DataSize, capacity)
	}

	binary.LittleEndian.PutUint32(buf[offIndex:], uint32(int32(b.Index)))
	buf[offState] = byte(b.State)
	buf[offState+1], buf[offState+2], buf[offState+3] = 0, 0, 0
	binary.LittleEndian.PutUint32(buf[offPrev:], uint32(int32(b.Prev)))
	binary.LittleEndian.PutUint32(buf[offNext:], uint32(int32(b.Next)))
	binary.LittleEndian.PutUint32(buf[offDataSize:], uint32(b.DataSize))

	if b.DataSize > 0 {
		copy(buf[headerSize:headerSize+b.DataSize], b.Payload)
	}

	return nil
}

// decodeBlock parses buf (exactly blockSize bytes, as read from a
// [pkg/blockio.Device]) into a Block. The returned Block's Payload aliases
// buf[headerSize:]; callers that retain the Block beyond the lifetime of buf
// must copy it first.
func decodeBlock(buf []byte) (Block, error) {
	if len(buf) < headerSize {
		return Block{}, fmt.Errorf("blockdev: block buffer of %d bytes too small for header", len(buf))
	}

	b := Block{
		Index:    int(int32(binary.LittleEndian.Uint32(buf[offIndex:]))),
		State:    State(buf[offState]),
		Prev:     int(int32(binary.LittleEndian.Uint32(buf[offPrev:]))),
		Next:     int(int32(binary.LittleEndian.Uint32(buf[offNext:]))),
		DataSize: int(binary.LittleEndian.Uint32(buf[offDataSize:])),
		Payload:  buf[headerSize:],
	}

	capacity := dataCapacity(len(buf))
	if b.DataSize > capacity {
		return Block{}, fmt.Errorf("%w: decoded data size %d exceeds capacity %d", ErrCorrupt, b.DataSize, capacity)
	}

	return b, nil
}

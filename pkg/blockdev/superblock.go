package blockdev

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Superblock magic, per spec.md §6.
const superblockMagic uint64 = 0x42424242

// Superblock layout (block 0), little-endian:
//
//	offset  size  field
//	0       8     magic
//	8       4     nr_blocks
//	12      4     free.first
//	16      4     free.last
//	20      4     used.first
//	24      4     used.last
//	28      1     clean  (1 = unmounted cleanly, scrub may be skipped)
//	29..32  3     —      (padding)
//	32      4     header_crc32c (CRC32-C, Castagnoli, over bytes [0, 32))
//
// The Clean flag and its CRC are additions beyond the minimum field set
// spec.md's §6 lists, kept so mount can distinguish "definitely clean" from
// "unknown, must scrub" without reading every data block when unnecessary.
const (
	sbOffMagic     = 0
	sbOffNRBlocks  = 8
	sbOffFreeFirst = 12
	sbOffFreeLast  = 16
	sbOffUsedFirst = 20
	sbOffUsedLast  = 24
	sbOffClean     = 28
	sbOffCRC       = 32
	sbCRCRegion    = 32
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

type superblock struct {
	nrBlocks int
	free     listHeads
	used     listHeads
	clean    bool
}

func encodeSuperblock(buf []byte, sb superblock) error {
	if len(buf) < sbOffCRC+4 {
		return fmt.Errorf("blockdev: block buffer too small for superblock")
	}

	binary.LittleEndian.PutUint64(buf[sbOffMagic:], superblockMagic)
	binary.LittleEndian.PutUint32(buf[sbOffNRBlocks:], uint32(sb.nrBlocks))
	binary.LittleEndian.PutUint32(buf[sbOffFreeFirst:], uint32(int32(sb.free.first)))
	binary.LittleEndian.PutUint32(buf[sbOffFreeLast:], uint32(int32(sb.free.last)))
	binary.LittleEndian.PutUint32(buf[sbOffUsedFirst:], uint32(int32(sb.used.first)))
	binary.LittleEndian.PutUint32(buf[sbOffUsedLast:], uint32(int32(sb.used.last)))

	if sb.clean {
		buf[sbOffClean] = 1
	} else {
		buf[sbOffClean] = 0
	}

	buf[sbOffClean+1], buf[sbOffClean+2], buf[sbOffClean+3] = 0, 0, 0

	crc := crc32.Checksum(buf[:sbCRCRegion], crc32cTable)
	binary.LittleEndian.PutUint32(buf[sbOffCRC:], crc)

	for i := sbOffCRC + 4; i < len(buf); i++ {
		buf[i] = 0
	}

	return nil
}

func decodeSuperblock(buf []byte) (superblock, error) {
	if len(buf) < sbOffCRC+4 {
		return superblock{}, fmt.Errorf("%w: block buffer too small for superblock", ErrCorrupt)
	}

	magic := binary.LittleEndian.Uint64(buf[sbOffMagic:])
	if magic != superblockMagic {
		return superblock{}, fmt.Errorf("%w: bad magic %#x", ErrCorrupt, magic)
	}

	wantCRC := binary.LittleEndian.Uint32(buf[sbOffCRC:])
	gotCRC := crc32.Checksum(buf[:sbCRCRegion], crc32cTable)

	if wantCRC != gotCRC {
		return superblock{}, fmt.Errorf("%w: header checksum mismatch", ErrCorrupt)
	}

	return superblock{
		nrBlocks: int(binary.LittleEndian.Uint32(buf[sbOffNRBlocks:])),
		free: listHeads{
			first: int(int32(binary.LittleEndian.Uint32(buf[sbOffFreeFirst:]))),
			last:  int(int32(binary.LittleEndian.Uint32(buf[sbOffFreeLast:]))),
		},
		used: listHeads{
			first: int(int32(binary.LittleEndian.Uint32(buf[sbOffUsedFirst:]))),
			last:  int(int32(binary.LittleEndian.Uint32(buf[sbOffUsedLast:]))),
		},
		clean: buf[sbOffClean] == 1,
	}, nil
}

// Package blockio provides the persistence shim for the block layer: a
// blocking, synchronous, fixed-size block I/O abstraction over a backing
// device file.
//
// [Device] is intentionally small (read/write/flush by index, plus the two
// geometry accessors) so that it can be satisfied by a real file, or by one
// of [pkg/fs]'s fault-injecting wrappers in tests.
package blockio

import "errors"

// Sentinel errors returned by [Device] implementations.
//
// Callers should use [errors.Is] to check error types.
var (
	// ErrOutOfRange indicates a block index outside [0, NRBlocks()).
	ErrOutOfRange = errors.New("blockio: index out of range")

	// ErrIOFault indicates the underlying device read or write failed.
	ErrIOFault = errors.New("blockio: io fault")

	// ErrClosed indicates the device has already been closed.
	ErrClosed = errors.New("blockio: closed")
)

// Device is a blocking, synchronous, fixed-size block I/O abstraction.
//
// Implementations must be safe for concurrent use by multiple goroutines:
// the block layer issues reads and writes to distinct indices concurrently,
// relying on the device to serialize access to a given index itself (or to
// make concurrent access to distinct indices safe, which is the common case
// for a plain file opened once and addressed by offset).
type Device interface {
	// ReadBlock reads the block at index into a buffer of exactly BlockSize()
	// bytes and returns it. Returns [ErrOutOfRange] if index is out of
	// bounds, [ErrIOFault] wrapping the underlying error otherwise.
	ReadBlock(index int) ([]byte, error)

	// WriteBlock writes buf (which must be exactly BlockSize() bytes) to the
	// block at index. Returns [ErrOutOfRange] if index is out of bounds,
	// [ErrIOFault] wrapping the underlying error otherwise.
	//
	// WriteBlock is atomic at block granularity: a caller observing a
	// completed WriteBlock never sees a torn mix of old and new bytes at
	// that index from a subsequent ReadBlock, whether or not Flush was
	// called. This is a property of the backing device (a single block sits
	// within one page / one sector-aligned region); see [FileDevice] for how
	// it is delivered on top of a plain file.
	WriteBlock(index int, buf []byte) error

	// Flush commits previously written blocks to stable storage. Devices
	// opened in write-back mode buffer writes in the OS page cache until
	// Flush (or Close); in write-through mode every WriteBlock has already
	// synced, so Flush adds no durability there.
	Flush() error

	// BlockSize returns the fixed size, in bytes, of every block.
	BlockSize() int

	// NRBlocks returns the number of blocks in the device's fixed array.
	NRBlocks() int

	// Close releases any resources held by the device (open file handles).
	// After Close, all other methods return [ErrClosed].
	Close() error
}

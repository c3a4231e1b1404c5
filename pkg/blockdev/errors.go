package blockdev

import "errors"

// Sentinel errors returned by [Service] and its supporting types.
//
// Callers should use [errors.Is] to check error kinds.
var (
	// ErrOutOfRange indicates an index outside the data block range
	// [StartDataIndex, NRBlocks), or a reserved index passed to an operation
	// that requires a data block.
	ErrOutOfRange = errors.New("blockdev: index out of range")

	// ErrNoData indicates the target block is currently Invalid: [Fetch] of
	// an invalid block, or [Invalidate] of an already-invalid block.
	ErrNoData = errors.New("blockdev: no data")

	// ErrNoSpace indicates [Place] found no block in the Free list.
	ErrNoSpace = errors.New("blockdev: no space")

	// ErrPayloadTooLarge indicates a [Place] payload exceeds DataCapacity.
	ErrPayloadTooLarge = errors.New("blockdev: payload too large")

	// ErrIOFault wraps an underlying [pkg/blockio.Device] read/write failure.
	ErrIOFault = errors.New("blockdev: io fault")

	// ErrNotMounted indicates a service primitive was called while the
	// service is not in the Mounted state.
	ErrNotMounted = errors.New("blockdev: not mounted")

	// ErrAlreadyMounted indicates a second [Mount] was attempted on a
	// device already mounted by this process.
	ErrAlreadyMounted = errors.New("blockdev: already mounted")

	// ErrInterrupted is the error kind for an interrupted wait. No method of
	// this package returns it: writer mutex acquisition and grace-period
	// waits cannot be interrupted or canceled.
	ErrInterrupted = errors.New("blockdev: interrupted")

	// ErrDegraded indicates a structural move failed and its local rollback
	// also failed, leaving list reachability potentially inconsistent. The
	// service refuses further mutations until [Service.Unmount]; reads
	// continue to work as long as reachability is intact.
	ErrDegraded = errors.New("blockdev: degraded, refusing further mutations")

	// ErrCorrupt indicates on-disk data failed validation: a superblock with
	// bad magic, a checksum mismatch or an unacceptable block count (Mount
	// fails at once; no scrub is attempted), or a block header whose
	// data_size exceeds the block's capacity.
	ErrCorrupt = errors.New("blockdev: corrupt superblock")
)

package blockdev

import (
	"fmt"
	"sync"

	"github.com/blockdev-project/blockdev/pkg/blockio"
)

// mountState is the state machine of spec.md §4.6: Unmounted → Mounting →
// Mounted → Unmounting → Unmounted.
type mountState uint8

const (
	stateUnmounted mountState = iota
	stateMounting
	stateMounted
	stateUnmounting
)

// Options configures a [Mount] call.
type Options struct {
	// MaxBlocks rejects a device whose superblock reports more blocks than
	// this. Zero means no limit.
	MaxBlocks int
}

// mountRegistry tracks which [blockio.Device] values are currently mounted
// by this process, so a second [Mount] of the same device is rejected with
// [ErrAlreadyMounted] instead of silently racing a second Service against
// the first's in-memory list heads. Keyed on the Device interface value
// itself: every Device this package has seen (*blockio.FileDevice, the
// fs.Chaos/fs.Crash-wrapped variants, test doubles) is built on a pointer
// receiver, so interface equality reduces to pointer identity here.
var mountRegistry = struct {
	mu      sync.Mutex
	mounted map[blockio.Device]struct{}
}{mounted: make(map[blockio.Device]struct{})}

func registerMount(dev blockio.Device) error {
	mountRegistry.mu.Lock()
	defer mountRegistry.mu.Unlock()

	if _, ok := mountRegistry.mounted[dev]; ok {
		return ErrAlreadyMounted
	}

	mountRegistry.mounted[dev] = struct{}{}

	return nil
}

func unregisterMount(dev blockio.Device) {
	mountRegistry.mu.Lock()
	defer mountRegistry.mu.Unlock()

	delete(mountRegistry.mounted, dev)
}

// Service is a mounted instance of the block-level append-and-invalidate
// data service. There is at most one Service per backing [blockio.Device]
// within a process, enforced by [Mount] itself via [mountRegistry]; a
// second concurrent [Mount] of the same Device value returns
// [ErrAlreadyMounted]. Two distinct Device values addressing the same
// backing file (e.g. two separate [blockio.OpenFileDevice] calls on the
// same path) are outside what this package can observe and remain the
// caller's responsibility, same as two processes opening the same file.
//
// All exported methods are safe for concurrent use. See doc.go for the
// concurrency model.
type Service struct {
	dev     blockio.Device
	store   *blockStore
	listMgr *listManager

	blockEpoch *epoch
	sessions   *sessionRegistry

	writerMu sync.Mutex // global writer mutex (§4.4a)

	mountMu sync.Mutex // guards state; never held across I/O
	state   mountState
	active  sync.WaitGroup // drains on Unmount before final checkpoint

	degraded bool

	opts Options
}

// Mount brings up a Service over dev. Exactly one mount of a given Device
// value is permitted per process; a second concurrent call with the same
// dev returns [ErrAlreadyMounted] (see [mountRegistry]). The caller is still
// responsible for not opening the same backing file twice as two distinct
// Device values.
func Mount(dev blockio.Device, opts Options) (*Service, error) {
	if err := registerMount(dev); err != nil {
		return nil, err
	}

	svc, err := mount(dev, opts)
	if err != nil {
		unregisterMount(dev)
		return nil, err
	}

	return svc, nil
}

func mount(dev blockio.Device, opts Options) (*Service, error) {
	store := newBlockStore(dev)

	raw, err := dev.ReadBlock(SuperblockIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: reading superblock: %w", ErrIOFault, err)
	}

	sb, err := decodeSuperblock(raw)
	if err != nil {
		return nil, err
	}

	if opts.MaxBlocks > 0 && sb.nrBlocks > opts.MaxBlocks {
		return nil, fmt.Errorf("%w: superblock reports %d blocks, configured max is %d", ErrCorrupt, sb.nrBlocks, opts.MaxBlocks)
	}

	if sb.nrBlocks != dev.NRBlocks() {
		return nil, fmt.Errorf("%w: superblock nr_blocks %d does not match device %d", ErrCorrupt, sb.nrBlocks, dev.NRBlocks())
	}

	blockEpoch := newEpoch()
	listMgr := newListManager(store, blockEpoch)
	listMgr.free = sb.free
	listMgr.used = sb.used

	svc := &Service{
		dev:        dev,
		store:      store,
		listMgr:    listMgr,
		blockEpoch: blockEpoch,
		sessions:   newSessionRegistry(),
		state:      stateMounting,
		opts:       opts,
	}
	svc.listMgr.onHeadsChanged = svc.checkpoint

	if !sb.clean {
		if err := svc.scrub(); err != nil {
			return nil, fmt.Errorf("blockdev: mount-time scrub: %w", err)
		}
	}

	// The superblock is marked not-clean as soon as we're mounted, so a
	// crash before the next clean unmount always forces a scrub on the
	// subsequent mount.
	if err := svc.writeSuperblock(false); err != nil {
		return nil, fmt.Errorf("blockdev: writing mount superblock: %w", err)
	}

	svc.state = stateMounted

	return svc, nil
}

// scrub rebuilds both lists from each block's own state field, in index
// order, ignoring whatever prev/next links were left on disk. It is
// idempotent: run twice in a row it produces the same lists both times,
// since ordering is derived solely from index order and state, neither of
// which scrub itself changes.
func (s *Service) scrub() error {
	nrBlocks := s.store.nrBlocks

	blocks := make(map[int]Block, nrBlocks-StartDataIndex)

	var freeIdx, usedIdx []int

	for i := StartDataIndex; i < nrBlocks; i++ {
		b, err := s.store.readBlock(i)
		if err != nil {
			return fmt.Errorf("%w: scrub reading block %d: %w", ErrIOFault, i, err)
		}

		blocks[i] = b

		if b.State == Valid {
			usedIdx = append(usedIdx, i)
		} else {
			freeIdx = append(freeIdx, i)
		}
	}

	relink := func(idxs []int, state State) (listHeads, error) {
		heads := emptyListHeads()

		for pos, idx := range idxs {
			b := blocks[idx]
			b.State = state

			if pos == 0 {
				b.Prev = NIL
				heads.first = idx
			} else {
				b.Prev = idxs[pos-1]
			}

			if pos == len(idxs)-1 {
				b.Next = NIL
				heads.last = idx
			} else {
				b.Next = idxs[pos+1]
			}

			if err := s.store.writeBlock(b); err != nil {
				return listHeads{}, fmt.Errorf("%w: scrub rewriting block %d: %w", ErrIOFault, idx, err)
			}
		}

		return heads, nil
	}

	freeHeads, err := relink(freeIdx, Invalid)
	if err != nil {
		return err
	}

	usedHeads, err := relink(usedIdx, Valid)
	if err != nil {
		return err
	}

	s.listMgr.free = freeHeads
	s.listMgr.used = usedHeads

	return nil
}

// checkpoint persists the in-memory head pointers to the superblock, marked
// not-clean (the service is still mounted). Wired as listManager's
// onHeadsChanged callback.
func (s *Service) checkpoint() error {
	return s.writeSuperblock(false)
}

func (s *Service) writeSuperblock(clean bool) error {
	buf := make([]byte, s.store.blockSize)

	sb := superblock{
		nrBlocks: s.store.nrBlocks,
		free:     s.listMgr.free,
		used:     s.listMgr.used,
		clean:    clean,
	}

	if err := encodeSuperblock(buf, sb); err != nil {
		return err
	}

	if err := s.dev.WriteBlock(SuperblockIndex, buf); err != nil {
		return fmt.Errorf("%w: writing superblock: %w", ErrIOFault, err)
	}

	return nil
}

// enter admits the caller as an active user if the service is Mounted, and
// must be paired with leave. It returns [ErrNotMounted] in every other
// state.
func (s *Service) enter() error {
	s.mountMu.Lock()
	defer s.mountMu.Unlock()

	if s.state != stateMounted {
		return ErrNotMounted
	}

	s.active.Add(1)

	return nil
}

func (s *Service) leave() {
	s.active.Done()
}

// Unmount flips the service out of service, drains active callers, writes a
// final clean checkpoint, and closes the backing device.
func (s *Service) Unmount() error {
	s.mountMu.Lock()

	if s.state != stateMounted {
		s.mountMu.Unlock()
		return ErrNotMounted
	}

	s.state = stateUnmounting
	s.mountMu.Unlock()

	s.active.Wait()

	s.writerMu.Lock()
	err := s.writeSuperblock(true)
	s.writerMu.Unlock()

	s.mountMu.Lock()
	s.state = stateUnmounted
	s.mountMu.Unlock()

	unregisterMount(s.dev)

	if closeErr := s.dev.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("%w: closing device on unmount: %w", ErrIOFault, closeErr)
	}

	return err
}

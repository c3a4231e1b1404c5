package blockdev

import "fmt"

// listHeads is the in-memory cache of one list's entry points. It is the
// "head pointers" spec.md refers to — redundant with what a full scan of
// per-block prev/next would rediscover, kept for O(1) access and persisted
// to the superblock on every checkpoint.
type listHeads struct {
	first, last int
}

func emptyListHeads() listHeads { return listHeads{first: NIL, last: NIL} }

// listManager owns the Free and Used list head pointers and implements the
// move algorithm of spec.md §4.3. It does no locking of its own: callers
// hold the service's writer mutex for the duration of any call into
// listManager, and blockEpoch.waitGrace() inside move is the only place
// listManager itself suspends.
//
// onHeadsChanged is invoked after every successful move, once the in-memory
// head pointers reflect the new state (§4.3 step 7's "on-write callback");
// [Service] wires it to the superblock checkpoint.
type listManager struct {
	store      *blockStore
	blockEpoch *epoch

	free, used listHeads

	onHeadsChanged func() error
}

func newListManager(store *blockStore, blockEpoch *epoch) *listManager {
	return &listManager{
		store:      store,
		blockEpoch: blockEpoch,
		free:       emptyListHeads(),
		used:       emptyListHeads(),
	}
}

func (m *listManager) headsFor(l list) *listHeads {
	if l == usedList {
		return &m.used
	}

	return &m.free
}

// popHead reads and returns the block at the head of l, without unlinking
// it. Returns ErrNoSpace if l is empty (the only caller that pops, place,
// only ever pops Free, so this also serves as place's NoSpace check).
func (m *listManager) popHead(l list) (Block, error) {
	heads := m.headsFor(l)
	if heads.first == NIL {
		return Block{}, ErrNoSpace
	}

	return m.store.readBlock(heads.first)
}

// move relocates b (already read by the caller, with b.State matching
// L_from) from L_from to the tail of L_to, setting its state to newState.
// See spec.md §4.3 for the numbered steps this follows exactly.
func (m *listManager) move(b Block, from, to list, newState State) error {
	fromHeads := m.headsFor(from)
	toHeads := m.headsFor(to)

	p, n := b.Prev, b.Next
	t := toHeads.last // captured before the move, per the algorithm

	// Step 1: unlink from predecessor.
	if p != NIL {
		pb, err := m.store.readBlock(p)
		if err != nil {
			return fmt.Errorf("move: reading prev block %d: %w", p, err)
		}

		pb.Next = n

		if err := m.store.writeBlock(pb); err != nil {
			return fmt.Errorf("move: writing prev block %d: %w", p, err)
		}
	}

	// Step 2: unlink from successor.
	if n != NIL {
		nb, err := m.store.readBlock(n)
		if err != nil {
			return fmt.Errorf("move: reading next block %d: %w", n, err)
		}

		nb.Prev = p

		if err := m.store.writeBlock(nb); err != nil {
			return fmt.Errorf("move: writing next block %d: %w", n, err)
		}
	}

	// Step 3: grace-point A. No new reader starting after this point can
	// reach b via L_from's old links; b's own bytes are not yet rewritten,
	// so readers already in flight that dereferenced b before this point
	// still see a consistent (old) state if they race past here.
	m.blockEpoch.waitGrace()

	// Step 4: rewrite b in place, now unreachable from either list.
	b.Prev = t
	b.Next = NIL
	b.State = newState

	if err := m.store.writeBlock(b); err != nil {
		return fmt.Errorf("move: writing block %d: %w", b.Index, err)
	}

	// Step 5: link the old tail of L_to to b.
	if t != NIL {
		tb, err := m.store.readBlock(t)
		if err != nil {
			return fmt.Errorf("move: reading tail block %d: %w", t, err)
		}

		tb.Next = b.Index

		if err := m.store.writeBlock(tb); err != nil {
			return fmt.Errorf("move: writing tail block %d: %w", t, err)
		}
	}

	// Step 6: update head pointers in memory.
	if fromHeads.first == b.Index {
		fromHeads.first = n
	}

	if fromHeads.last == b.Index {
		fromHeads.last = p
	}

	if toHeads.last == NIL {
		toHeads.first = b.Index
	}

	toHeads.last = b.Index

	// Step 7: checkpoint callback.
	if m.onHeadsChanged != nil {
		if err := m.onHeadsChanged(); err != nil {
			return fmt.Errorf("move: checkpoint: %w", err)
		}
	}

	return nil
}

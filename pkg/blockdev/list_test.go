package blockdev

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockdev-project/blockdev/pkg/blockio"
	"github.com/blockdev-project/blockdev/pkg/fs"
)

// newTestListManager formats nrBlocks data blocks (indices StartDataIndex..N)
// into a single Free list, in index order, and returns a listManager ready
// for move() calls.
func newTestListManager(t *testing.T, nrBlocks int) *listManager {
	t.Helper()

	dev, err := blockio.OpenFileDevice(fs.NewReal(), filepath.Join(t.TempDir(), "dev.img"),
		testBlockSize, nrBlocks, true, blockio.WritebackAsync)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	store := newBlockStore(dev)
	mgr := newListManager(store, newEpoch())

	first, last := NIL, NIL

	for i := StartDataIndex; i < nrBlocks; i++ {
		b := Block{Index: i, State: Invalid, Prev: i - 1, Next: i + 1}
		if i == StartDataIndex {
			b.Prev = NIL
			first = i
		}

		if i == nrBlocks-1 {
			b.Next = NIL
			last = i
		}

		require.NoError(t, store.writeBlock(b))
	}

	mgr.free = listHeads{first: first, last: last}
	mgr.used = emptyListHeads()

	return mgr
}

func Test_Move_Pops_Head_And_Appends_To_Empty_Target(t *testing.T) {
	mgr := newTestListManager(t, 6) // data blocks 2..5

	b, err := mgr.popHead(freeList)
	require.NoError(t, err)
	require.Equal(t, 2, b.Index)

	require.NoError(t, mgr.move(b, freeList, usedList, Valid))

	require.Equal(t, 2, mgr.used.first)
	require.Equal(t, 2, mgr.used.last)
	require.Equal(t, 3, mgr.free.first)
	require.Equal(t, 5, mgr.free.last)

	moved, err := mgr.store.readBlock(2)
	require.NoError(t, err)
	require.Equal(t, Valid, moved.State)
	require.Equal(t, NIL, moved.Prev)
	require.Equal(t, NIL, moved.Next)

	newFreeHead, err := mgr.store.readBlock(3)
	require.NoError(t, err)
	require.Equal(t, NIL, newFreeHead.Prev)
}

func Test_Move_Appends_To_Nonempty_Target_Tail(t *testing.T) {
	mgr := newTestListManager(t, 6)

	for _, idx := range []int{2, 3} {
		b, err := mgr.popHead(freeList)
		require.NoError(t, err)
		require.Equal(t, idx, b.Index)
		require.NoError(t, mgr.move(b, freeList, usedList, Valid))
	}

	require.Equal(t, 2, mgr.used.first)
	require.Equal(t, 3, mgr.used.last)

	first, err := mgr.store.readBlock(2)
	require.NoError(t, err)
	require.Equal(t, 3, first.Next)

	second, err := mgr.store.readBlock(3)
	require.NoError(t, err)
	require.Equal(t, 2, second.Prev)
	require.Equal(t, NIL, second.Next)
}

func Test_Move_Draining_Entire_List_Leaves_Empty_Source(t *testing.T) {
	mgr := newTestListManager(t, 4) // data blocks 2, 3

	for i := 0; i < 2; i++ {
		b, err := mgr.popHead(freeList)
		require.NoError(t, err)
		require.NoError(t, mgr.move(b, freeList, usedList, Valid))
	}

	require.Equal(t, NIL, mgr.free.first)
	require.Equal(t, NIL, mgr.free.last)

	_, err := mgr.popHead(freeList)
	require.ErrorIs(t, err, ErrNoSpace)
}

func Test_Move_Middle_Of_List_Unlinks_Correctly(t *testing.T) {
	mgr := newTestListManager(t, 7) // data blocks 2,3,4,5,6

	mid, err := mgr.store.readBlock(4)
	require.NoError(t, err)

	require.NoError(t, mgr.move(mid, freeList, usedList, Valid))

	require.Equal(t, 2, mgr.free.first)
	require.Equal(t, 6, mgr.free.last)

	b3, err := mgr.store.readBlock(3)
	require.NoError(t, err)
	require.Equal(t, 5, b3.Next)

	b5, err := mgr.store.readBlock(5)
	require.NoError(t, err)
	require.Equal(t, 3, b5.Prev)
}

func Test_OnHeadsChanged_Callback_Fires_After_Move(t *testing.T) {
	mgr := newTestListManager(t, 4)

	calls := 0
	mgr.onHeadsChanged = func() error {
		calls++
		return nil
	}

	b, err := mgr.popHead(freeList)
	require.NoError(t, err)
	require.NoError(t, mgr.move(b, freeList, usedList, Valid))

	require.Equal(t, 1, calls)
}

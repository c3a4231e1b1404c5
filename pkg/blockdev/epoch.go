package blockdev

import "sync"

// epoch is a reader grace-period barrier: an SRCU-like primitive where
// readers announce begin/end around their critical section (lightweight, no
// mutual exclusion among readers) and a writer can wait for "all readers
// active right now to finish" without blocking readers that start later.
//
// Two independent instances are used by [Service]: one guarding block-list
// traversal (§4.3 grace-point A) and one guarding the open-session list
// (§4.4's "cursor list barrier"). They must never be shared between the two
// roles — waiting on the wrong epoch would block on, or fail to block on,
// the wrong set of readers.
type epoch struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active map[uint64]struct{}
	next   uint64
}

func newEpoch() *epoch {
	e := &epoch{active: make(map[uint64]struct{})}
	e.cond = sync.NewCond(&e.mu)

	return e
}

// begin announces the start of a read critical section and returns a token
// that must be passed to end exactly once.
func (e *epoch) begin() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	tok := e.next
	e.next++
	e.active[tok] = struct{}{}

	return tok
}

// end announces the end of the read critical section identified by tok.
func (e *epoch) end(tok uint64) {
	e.mu.Lock()
	delete(e.active, tok)
	// Waiters are woken on every end, not only when one of their watched
	// tokens finishes; broadcasting unconditionally is simpler and cheap
	// relative to block I/O, so no further bookkeeping is worth it here.
	e.cond.Broadcast()
	e.mu.Unlock()
}

// waitGrace blocks until every reader whose begin() preceded this call has
// called end(). Readers that call begin() after waitGrace() is entered are
// not waited on, even if they are still active when waitGrace returns.
func (e *epoch) waitGrace() {
	e.mu.Lock()
	defer e.mu.Unlock()

	watch := make(map[uint64]struct{}, len(e.active))
	for tok := range e.active {
		watch[tok] = struct{}{}
	}

	for len(watch) > 0 {
		e.cond.Wait()

		for tok := range watch {
			if _, stillActive := e.active[tok]; !stillActive {
				delete(watch, tok)
			}
		}
	}
}

// reader is a convenience scope for a single begin/end pair.
type reader struct {
	e   *epoch
	tok uint64
}

func (e *epoch) enter() reader {
	return reader{e: e, tok: e.begin()}
}

func (r reader) exit() {
	r.e.end(r.tok)
}

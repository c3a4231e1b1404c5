package blockdev

import (
	"sync"

	"github.com/google/uuid"
)

// Session is an opaque handle to an open streaming-read cursor, returned by
// [Service.OpenSession] and passed back to [Service.StreamRead] and
// [Service.CloseSession]. The id is a UUID rather than a sequence number so
// handles stay unique across remounts and can be logged or passed to a
// collaborator without leaking internal ordering.
type Session struct {
	id uuid.UUID
}

// cursor is the per-session state described in spec.md §4.4: how far the
// session has progressed through the logical concatenation of Valid
// payloads, and where to resume traversal of the Used list.
type cursor struct {
	mu sync.Mutex

	// streamCursor is bytes-so-far consumed from the logical concatenation.
	streamCursor int64

	// offsetLastObserved is the caller's byte offset at the last
	// successful StreamRead return; used to detect a backwards seek.
	offsetLastObserved int64

	// nextBlockIndex is where traversal resumes: the block that
	// immediately follows the last one fully consumed.
	nextBlockIndex int
}

// sessionRegistry tracks all open sessions. Structural changes (open/close)
// happen under mu. Open and patchCursors are called with the service's
// writer mutex held; close and lookup are not. Traversal for the purpose of patching cursors
// during invalidate is bracketed by listEpoch's begin/end, so close can
// confirm (via waitGrace) that no in-flight traversal still depends on the
// entry it just removed.
type sessionRegistry struct {
	mu        sync.Mutex
	listEpoch *epoch

	sessions map[uuid.UUID]*cursor
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		listEpoch: newEpoch(),
		sessions:  make(map[uuid.UUID]*cursor),
	}
}

// open registers a new session with its cursor initialized to
// (0, 0, usedFirst), per spec.md §6's open_session contract.
func (r *sessionRegistry) open(usedFirst int) Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New()

	r.sessions[id] = &cursor{nextBlockIndex: usedFirst}

	return Session{id: id}
}

// lookup returns the cursor for sess, or nil if it is not (or no longer)
// open.
func (r *sessionRegistry) lookup(sess Session) *cursor {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.sessions[sess.id]
}

// close removes sess from the registry, deferring to the grace barrier so
// that a concurrent patchCursors call that began before removal (and so may
// still hold a snapshot including this cursor) completes before close
// returns — "close defers cursor teardown via the cursor grace barrier".
func (r *sessionRegistry) close(sess Session) {
	r.mu.Lock()
	delete(r.sessions, sess.id)
	r.mu.Unlock()

	r.listEpoch.waitGrace()
}

// patchCursors is invalidate's duty toward cursors (§4.4): for every open
// session whose nextBlockIndex equals the block just invalidated, advance it
// to nextAfter (that block's old Next, captured before the move) and bump
// streamCursor by contributedBytes, the number of bytes the invalidated
// block had contributed (or would have) to the stream.
//
// offsetLastObserved is deliberately left untouched here: it mirrors the
// caller's own *fileOffset variable, which invalidate has no way to change
// out from under the caller. Bumping it ahead of the caller's real offset
// would make the caller's next StreamRead call look like a backwards seek
// and reset the cursor to used.first, losing the resume point. The "start
// offset within the next block" the caller actually needs is re-derived each
// call from *fileOffset - blockStart, so nothing is lost by leaving
// offsetLastObserved alone.
func (r *sessionRegistry) patchCursors(invalidated, nextAfter int, contributedBytes int64) {
	tok := r.listEpoch.begin()
	defer r.listEpoch.end(tok)

	r.mu.Lock()
	cursors := make([]*cursor, 0, len(r.sessions))
	for _, c := range r.sessions {
		cursors = append(cursors, c)
	}
	r.mu.Unlock()

	for _, c := range cursors {
		c.mu.Lock()

		if c.nextBlockIndex == invalidated {
			c.nextBlockIndex = nextAfter
			c.streamCursor += contributedBytes
		}

		c.mu.Unlock()
	}
}

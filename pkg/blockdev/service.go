package blockdev

import "fmt"

// Place deposits payload into any free block and returns its index.
// Contract per spec.md §4.5.
func (s *Service) Place(payload []byte) (int, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()

	if len(payload) > s.store.dataCapacity {
		return 0, fmt.Errorf("%w: payload of %d bytes, capacity %d", ErrPayloadTooLarge, len(payload), s.store.dataCapacity)
	}

	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	if s.degraded {
		return 0, ErrDegraded
	}

	b, err := s.listMgr.popHead(freeList)
	if err != nil {
		return 0, err
	}

	idx := b.Index
	b.DataSize = len(payload)
	b.Payload = payload

	if err := s.listMgr.move(b, freeList, usedList, Valid); err != nil {
		if rbErr := s.reinsertAtHead(b, &s.listMgr.free, Invalid); rbErr != nil {
			s.degraded = true
			return 0, fmt.Errorf("%w: place: rollback after %v failed: %v", ErrDegraded, err, rbErr)
		}

		return 0, err
	}

	return idx, nil
}

// Fetch reads the payload of the block at index, if it currently carries
// valid data. Contract per spec.md §4.5.
func (s *Service) Fetch(index int, out []byte) (int, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()

	if index < StartDataIndex || index >= s.store.nrBlocks {
		return 0, fmt.Errorf("%w: fetch index %d", ErrOutOfRange, index)
	}

	r := s.blockEpoch.enter()
	defer r.exit()

	b, err := s.store.readBlock(index)
	if err != nil {
		return 0, err
	}

	if b.State != Valid {
		return 0, ErrNoData
	}

	n := b.DataSize
	if n > len(out) {
		n = len(out)
	}

	copy(out, b.Payload[:n])

	return n, nil
}

// Invalidate marks the block at index as no longer carrying valid data and
// returns it to the Free list. Contract per spec.md §4.5.
func (s *Service) Invalidate(index int) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()

	if index < StartDataIndex || index >= s.store.nrBlocks {
		return fmt.Errorf("%w: invalidate index %d", ErrOutOfRange, index)
	}

	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	if s.degraded {
		return ErrDegraded
	}

	b, err := s.store.readBlock(index)
	if err != nil {
		return err
	}

	if b.State != Valid {
		return ErrNoData
	}

	nextAfter := b.Next
	contributed := int64(b.DataSize)

	// Patch concurrent sessions' cursors before the move so that any
	// stream_read that observes the block as already-invalid treats its
	// bytes as consumed, per §4.4.
	s.sessions.patchCursors(index, nextAfter, contributed)

	if err := s.listMgr.move(b, usedList, freeList, Invalid); err != nil {
		if rbErr := s.reinsertAtHead(b, &s.listMgr.used, Valid); rbErr != nil {
			s.degraded = true
			return fmt.Errorf("%w: invalidate: rollback after %v failed: %v", ErrDegraded, err, rbErr)
		}

		return err
	}

	return nil
}

// reinsertAtHead is the transient-I/O rollback path: re-link b at the head
// of the given list, independent of whatever partial state the aborted move
// left its neighbors in. It does not attempt to reconstruct b's original
// position; invariant (I3) only requires the block end up back in the
// correct list, not at a particular position in it.
func (s *Service) reinsertAtHead(b Block, onto *listHeads, state State) error {
	b.State = state

	if state == Invalid {
		b.DataSize = 0
	}

	head := onto.first
	b.Prev = NIL
	b.Next = head

	if err := s.store.writeBlock(b); err != nil {
		return err
	}

	if head != NIL {
		hb, err := s.store.readBlock(head)
		if err != nil {
			return err
		}

		hb.Prev = b.Index

		if err := s.store.writeBlock(hb); err != nil {
			return err
		}
	}

	onto.first = b.Index
	if onto.last == NIL {
		onto.last = b.Index
	}

	return nil
}

// OpenSession opens a new streaming-read session, its cursor initialized to
// the current head of the Used list.
func (s *Service) OpenSession() (Session, error) {
	if err := s.enter(); err != nil {
		return Session{}, err
	}
	defer s.leave()

	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	return s.sessions.open(s.listMgr.used.first), nil
}

// CloseSession closes sess, releasing its cursor once any in-flight cursor
// patch that may still reference it has completed.
func (s *Service) CloseSession(sess Session) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()

	s.sessions.close(sess)

	return nil
}

// StreamRead presents the concatenation of payloads of all currently-Valid
// blocks, in Used-list order, as a byte stream. Contract and algorithm per
// spec.md §4.5.
func (s *Service) StreamRead(sess Session, out []byte, fileOffset *int64) (int, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()

	c := s.sessions.lookup(sess)
	if c == nil {
		return 0, fmt.Errorf("%w: stream_read: unknown or closed session", ErrOutOfRange)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r := s.blockEpoch.enter()
	defer r.exit()

	if *fileOffset < c.offsetLastObserved {
		// Caller seeked backwards; the cursor is stale relative to the
		// logical stream, so restart traversal from the beginning.
		c.streamCursor = 0
		c.offsetLastObserved = 0
		c.nextBlockIndex = s.listMgr.used.first
	}

	cur := c.nextBlockIndex
	streamCursor := c.streamCursor
	bytesRead := 0

	for cur != NIL && bytesRead < len(out) {
		blockStart := streamCursor

		b, err := s.store.readBlock(cur)
		if err != nil {
			// I/O fault on a block: skip it, returning whatever has been
			// copied so far. We cannot discover this block's Next without
			// reading it, so traversal simply stops here; the cursor is
			// left pointing at the failed block so a later call can retry.
			break
		}

		if b.State != Valid {
			// Crossed the begin-read fence with a concurrent invalidation
			// that patchCursors did not catch (e.g. reached via normal
			// traversal rather than as the session's direct resume point).
			// Skip it; it contributes no bytes to the stream.
			cur = b.Next
			continue
		}

		streamEnd := blockStart + int64(b.DataSize)

		if streamEnd < *fileOffset {
			streamCursor = streamEnd
			cur = b.Next

			continue
		}

		start := int64(0)
		if *fileOffset > blockStart {
			start = *fileOffset - blockStart
		}

		avail := int64(b.DataSize) - start
		if avail < 0 {
			avail = 0
		}

		remaining := int64(len(out) - bytesRead)

		n := avail
		if remaining < n {
			n = remaining
		}

		if n > 0 {
			copy(out[bytesRead:bytesRead+int(n)], b.Payload[start:start+n])
			bytesRead += int(n)
			*fileOffset += n
		}

		if n == avail {
			// Fully consumed this block's remaining contribution; advance.
			streamCursor = streamEnd
			cur = b.Next

			continue
		}

		// Output buffer filled mid-block; resume here next call.
		streamCursor = blockStart

		break
	}

	c.nextBlockIndex = cur
	c.streamCursor = streamCursor
	c.offsetLastObserved = *fileOffset

	return bytesRead, nil
}

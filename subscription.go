// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package reliabledispatch

import (
	"sync/atomic"
)

// noSegmentAcked is the cursor's true initial sentinel: a cursor initialized
// to 0 would make segment 0 eligible for reclamation the instant any
// subscription acknowledges anything, including before that subscription has
// consumed segment 0. Starting at -1 ("no segment acknowledged yet") means
// segment 0 is only reclaimable once a subscription has explicitly
// acknowledged it. See DESIGN.md for the full rationale.
const noSegmentAcked int64 = -1

// SubscriptionDispatch is a per-subscription read cursor over a TopicStore.
// NextMessage pulls messages in segment-index order, then offset order,
// within the current segment; Acknowledge advances the shared cursor so the
// lifecycle task observes progress.
type SubscriptionDispatch struct {
	store  *TopicStore
	cursor *atomic.Int64

	currentSegment *Segment
	nextMsgIndex   int
}

// NewSubscriptionDispatch returns a dispatch bound to store and cursor. The
// cursor is shared with the owning ReliableDispatch so Acknowledge is
// visible to the lifecycle task's reclamation pass.
func NewSubscriptionDispatch(store *TopicStore, cursor *atomic.Int64) *SubscriptionDispatch {
	return &SubscriptionDispatch{store: store, cursor: cursor}
}

// DispatchResult is returned by NextMessage.
type DispatchResult struct {
	Message StreamMessage
	// Empty is true when there is currently nothing to deliver: either the
	// topic has no segments yet, or the cursor's segment has reached the
	// end of the index (caught up).
	Empty bool
}

// NextMessage returns the next undelivered message for this subscription, in
// order. If the current segment is exhausted (and closed) or not yet set, it
// asks the TopicStore for the successor of the segment it last read, or of
// the acknowledged cursor when it has not read a segment yet. A cursor
// naming an already-reclaimed segment surfaces as SegmentNotFoundError — the
// caller decides whether to Seek(segmentID) and retry or to abort.
func (d *SubscriptionDispatch) NextMessage() (DispatchResult, error) {
	for {
		if d.currentSegment != nil {
			msgs := d.currentSegment.Messages()
			if d.nextMsgIndex < len(msgs) {
				m := msgs[d.nextMsgIndex]
				d.nextMsgIndex++
				d.store.metrics.messagesRead.Inc()
				return DispatchResult{Message: m}, nil
			}
			// Exhausted; fall through to advance to the successor segment,
			// but only once the current segment has actually closed -
			// otherwise a writer may still append more messages to it.
			if d.currentSegment.CloseTime() == 0 {
				return DispatchResult{Empty: true}, nil
			}
		}

		var cursorArg *int64
		if d.currentSegment != nil || d.cursor.Load() != noSegmentAcked {
			id := d.cursorSegmentID()
			cursorArg = &id
		}

		seg, status, err := d.store.GetNextSegment(cursorArg)
		if err != nil {
			return DispatchResult{}, err
		}
		switch status {
		case nextSegmentCaughtUp:
			return DispatchResult{Empty: true}, nil
		case nextSegmentCursorUnknown:
			return DispatchResult{}, &SegmentNotFoundError{ID: *cursorArg}
		}

		d.currentSegment = seg
		d.nextMsgIndex = 0
	}
}

// cursorSegmentID returns the segment id this dispatch last asked
// GetNextSegment to advance past: either the currently loaded segment, or
// the acknowledged cursor if no segment has been loaded yet.
func (d *SubscriptionDispatch) cursorSegmentID() int64 {
	if d.currentSegment != nil {
		return d.currentSegment.ID()
	}
	return d.cursor.Load()
}

// Acknowledge sets the cursor to max(cursor, segmentID) with release-store
// semantics so the lifecycle task observes progress.
func (d *SubscriptionDispatch) Acknowledge(segmentID int64) {
	for {
		cur := d.cursor.Load()
		if segmentID <= cur {
			return
		}
		if d.cursor.CompareAndSwap(cur, segmentID) {
			return
		}
	}
}

// Seek forces the cursor to segmentID without requiring an ack, for use
// after a SegmentNotFoundError when the caller chooses to rewind rather than
// abort. Passing noSegmentAcked (via SeekToStart) rewinds to the very first
// indexed segment.
func (d *SubscriptionDispatch) Seek(segmentID int64) {
	d.cursor.Store(segmentID)
	d.currentSegment = nil
	d.nextMsgIndex = 0
}

// SeekToStart rewinds the dispatch to read from the first currently indexed
// segment, as if no segment had ever been acknowledged.
func (d *SubscriptionDispatch) SeekToStart() {
	d.Seek(noSegmentAcked)
}

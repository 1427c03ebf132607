// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package reliabledispatch

import (
	"sync"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// segmentIndexEntry is one (segment_id, close_time) pair in a topic's
// segment index. close_time == 0 means the segment is still writable.
type segmentIndexEntry struct {
	id        int64
	closeTime int64
}

// TopicStore owns the ordered segment index of one topic, directs writes to
// the current writable segment, rolls over when full, and exposes
// read-by-successor for dispatchers.
type TopicStore struct {
	topicName           string
	cache               *TopicCache
	segmentSizeBytes    int
	retentionPeriodSecs int64
	metrics             *dispatchMetrics
	logger              log.Logger
	now                 func() time.Time

	// indexMu guards index, the ordered (segment_id, close_time) list.
	// Readers (get_next_segment, lifecycle inspection) and writers
	// (rollover, reclamation) both take this; the lock is never held while
	// acquiring currentSegMu or a Segment's lock (lock order: current
	// segment id -> hot segment -> segment -> segments index).
	indexMu sync.RWMutex
	index   []segmentIndexEntry

	// currentSegMu guards currentSegmentID and hotSegment together: exactly
	// one segment is writable at a time, and the hot slot is a
	// denormalization of TopicCache kept to avoid a cache lookup on every
	// append. It must never hold a closed segment; it is replaced at
	// rollover.
	currentSegMu     sync.Mutex
	currentSegmentID int64
	hotSegment       *Segment
}

// NewTopicStore constructs a TopicStore for topicName. segmentSizeBytes is
// the raw payload threshold at which a segment rolls over;
// retentionPeriodSecs is used only by the RetainUntilExpire lifecycle
// policy.
func NewTopicStore(topicName string, cache *TopicCache, segmentSizeBytes int, retentionPeriodSecs int64, metrics *dispatchMetrics, logger log.Logger) *TopicStore {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &TopicStore{
		topicName:           topicName,
		cache:               cache,
		segmentSizeBytes:    segmentSizeBytes,
		retentionPeriodSecs: retentionPeriodSecs,
		metrics:             metrics,
		logger:              logger,
		now:                 time.Now,
	}
}

// StoreMessage assigns segment_id/segment_offset to message, appends it to
// the current writable segment, and rolls over to a new segment if the
// current one is full.
func (s *TopicStore) StoreMessage(message StreamMessage) error {
	s.currentSegMu.Lock()
	defer s.currentSegMu.Unlock()

	segmentID, segment, err := s.getOrCreateSegmentLocked()
	if err != nil {
		return err
	}

	if segment.IsFull(s.segmentSizeBytes) {
		closeTime := s.now().Unix()
		segment.Close(closeTime)
		return s.handleSegmentFullLocked(segmentID, segment, closeTime, message)
	}

	if err := segment.AddMessage(message); err != nil {
		return err
	}
	s.metrics.messagesStored.Inc()
	s.metrics.messageBytesStored.Add(float64(message.approxWireSize()))
	return nil
}

// getOrCreateSegmentLocked returns the current writable segment, creating an
// empty one and indexing it if none exists yet. Caller must hold
// currentSegMu.
func (s *TopicStore) getOrCreateSegmentLocked() (int64, *Segment, error) {
	if s.hotSegment != nil {
		return s.currentSegmentID, s.hotSegment, nil
	}

	id := s.currentSegmentID
	seg, _, err := s.cache.GetSegment(s.topicName, id)
	if err != nil {
		return 0, nil, newStorageError("get-segment", err)
	}
	if seg == nil {
		seg = NewSegment(id, s.now().Unix())
		if err := s.cache.PutSegment(s.topicName, id, seg); err != nil {
			return 0, nil, err
		}
		s.appendIndexEntry(id, 0)
	}
	s.hotSegment = seg
	return id, seg, nil
}

// handleSegmentFullLocked closes out segmentID, writes it through to
// storage, rolls over to segmentID+1, and appends the pending message to the
// new segment. Caller must hold currentSegMu.
func (s *TopicStore) handleSegmentFullLocked(segmentID int64, segment *Segment, closeTime int64, message StreamMessage) error {
	if err := s.cache.PutSegment(s.topicName, segmentID, segment); err != nil {
		return err
	}
	s.setIndexCloseTime(segmentID, closeTime)
	s.metrics.lastSegmentAgeSeconds.Set(float64(closeTime - segment.CreateTime()))
	s.metrics.segmentRollovers.Inc()

	newID := segmentID + 1
	newSegment := NewSegment(newID, closeTime)
	s.appendIndexEntry(newID, 0)

	s.hotSegment = newSegment
	s.currentSegmentID = newID

	if err := newSegment.AddMessage(message); err != nil {
		return err
	}
	s.metrics.messagesStored.Inc()
	s.metrics.messageBytesStored.Add(float64(message.approxWireSize()))
	return nil
}

// nextSegmentStatus classifies the outcome of GetNextSegment.
type nextSegmentStatus int

const (
	// nextSegmentFound means Segment is the successor and is usable.
	nextSegmentFound nextSegmentStatus = iota
	// nextSegmentCaughtUp means the requested cursor is the last entry in
	// the index (or the index is empty): there is nothing new yet, but the
	// cursor itself is still valid.
	nextSegmentCaughtUp
	// nextSegmentCursorUnknown means the requested cursor does not name any
	// entry in the index — it was most likely reclaimed out from under the
	// caller. The caller decides whether to rewind or abort.
	nextSegmentCursorUnknown
)

// GetNextSegment returns the segment immediately after cursor in the index.
// cursor == nil means "give me the first indexed segment".
func (s *TopicStore) GetNextSegment(cursor *int64) (*Segment, nextSegmentStatus, error) {
	s.indexMu.RLock()
	idx := s.index
	s.indexMu.RUnlock()

	var targetID int64
	if cursor == nil {
		if len(idx) == 0 {
			return nil, nextSegmentCaughtUp, nil
		}
		targetID = idx[0].id
	} else {
		pos := -1
		for i, e := range idx {
			if e.id == *cursor {
				pos = i
				break
			}
		}
		if pos < 0 {
			return nil, nextSegmentCursorUnknown, nil
		}
		if pos+1 >= len(idx) {
			return nil, nextSegmentCaughtUp, nil
		}
		targetID = idx[pos+1].id
	}

	seg, err := s.segmentByID(targetID)
	if err != nil {
		return nil, nextSegmentFound, err
	}
	if seg == nil {
		// Indexed but not resolvable (e.g. reclaimed between the index read
		// and the cache lookup): treat the same as caught up rather than
		// erroring, since the next tick's index read will simply omit it.
		return nil, nextSegmentCaughtUp, nil
	}
	return seg, nextSegmentFound, nil
}

// segmentByID resolves a segment id via the hot slot if it names the
// current writable segment, otherwise via TopicCache.
func (s *TopicStore) segmentByID(id int64) (*Segment, error) {
	s.currentSegMu.Lock()
	if id == s.currentSegmentID && s.hotSegment != nil {
		seg := s.hotSegment
		s.currentSegMu.Unlock()
		return seg, nil
	}
	s.currentSegMu.Unlock()

	seg, hit, err := s.cache.GetSegment(s.topicName, id)
	if err != nil {
		return nil, newStorageError("get-segment", err)
	}
	if hit {
		s.metrics.cacheHits.Inc()
	} else if seg != nil {
		s.metrics.cacheMisses.Inc()
	}
	return seg, nil
}

func (s *TopicStore) appendIndexEntry(id, closeTime int64) {
	s.indexMu.Lock()
	s.index = append(s.index, segmentIndexEntry{id: id, closeTime: closeTime})
	s.indexMu.Unlock()
}

func (s *TopicStore) setIndexCloseTime(id, closeTime int64) {
	s.indexMu.Lock()
	for i := range s.index {
		if s.index[i].id == id {
			s.index[i].closeTime = closeTime
			break
		}
	}
	s.indexMu.Unlock()
}

// IndexSnapshot returns a point-in-time, immutable view of the segment index
// as an ordered map from segment id to close time (0 = open). Callers can
// range over the returned map without holding any TopicStore lock; this
// mirrors the snapshot-under-lock-then-release pattern used for WAL state
// in the project this package is descended from.
func (s *TopicStore) IndexSnapshot() *immutable.SortedMap[int64, int64] {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()

	m := &immutable.SortedMap[int64, int64]{}
	for _, e := range s.index {
		m = m.Set(e.id, e.closeTime)
	}
	return m
}

// reclaimSegments removes the segments named in ids from the cache/backend
// and from the index, in one pass. A per-segment removal failure is logged
// and the entry retained for retry on the next lifecycle tick; it does not
// abort the remaining removals.
func (s *TopicStore) reclaimSegments(ids map[int64]struct{}) int {
	removed := make(map[int64]struct{}, len(ids))
	for id := range ids {
		if err := s.cache.RemoveSegment(s.topicName, id); err != nil {
			level.Warn(s.logger).Log("msg", "failed to reclaim segment", "topic", s.topicName, "segment_id", id, "err", err)
			s.metrics.reclaimFailures.Inc()
			continue
		}
		removed[id] = struct{}{}
		level.Debug(s.logger).Log("msg", "reclaimed segment", "topic", s.topicName, "segment_id", id)
	}

	if len(removed) == 0 {
		return 0
	}

	s.indexMu.Lock()
	kept := s.index[:0:0]
	for _, e := range s.index {
		if _, gone := removed[e.id]; !gone {
			kept = append(kept, e)
		}
	}
	s.index = kept
	s.indexMu.Unlock()

	return len(removed)
}

// segmentsEligibleForAck returns the ids of every closed segment with
// id <= minAck.
func (s *TopicStore) segmentsEligibleForAck(minAck int64) map[int64]struct{} {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()

	out := make(map[int64]struct{})
	for _, e := range s.index {
		if e.closeTime > 0 && e.id <= minAck {
			out[e.id] = struct{}{}
		}
	}
	return out
}

// segmentsEligibleForExpiry returns the ids of every closed segment whose
// age (now - close_time) is at least retentionPeriodSecs.
func (s *TopicStore) segmentsEligibleForExpiry(now int64) map[int64]struct{} {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()

	out := make(map[int64]struct{})
	for _, e := range s.index {
		if e.closeTime > 0 && (now-e.closeTime) >= s.retentionPeriodSecs {
			out[e.id] = struct{}{}
		}
	}
	return out
}

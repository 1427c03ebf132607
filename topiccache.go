// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package reliabledispatch

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// TopicCache is a two-tier cache: a bounded, idle-expiring in-memory map in
// front of a StorageBackend. It is write-through for closed segments only:
// open segments mutate on every append and writing them through every time
// would be prohibitive, so closing is the single commit point to the
// backend.
type TopicCache struct {
	memory  *lru.LRU[string, *Segment]
	backend StorageBackend
}

// NewTopicCache constructs a TopicCache fronting storage with an in-memory
// tier bounded to maxCapacity entries, each expiring idleTime after its last
// access.
func NewTopicCache(storage StorageBackend, maxCapacity int, idleTime time.Duration) *TopicCache {
	return &TopicCache{
		memory:  lru.NewLRU[string, *Segment](maxCapacity, nil, idleTime),
		backend: storage,
	}
}

// GetSegment consults the memory cache first; on a miss it asks the backend
// and, on a backend hit, populates the memory cache before returning.
func (c *TopicCache) GetSegment(topic string, id int64) (*Segment, bool, error) {
	key := segmentKey(topic, id)
	if seg, ok := c.memory.Get(key); ok {
		// Re-adding renews the entry's TTL, so expiry counts from last access.
		c.memory.Add(key, seg)
		return seg, true, nil
	}

	seg, err := c.backend.GetSegment(topic, id)
	if err != nil {
		return nil, false, err
	}
	if seg == nil {
		return nil, false, nil
	}
	c.memory.Add(key, seg)
	return seg, false, nil
}

// PutSegment always updates the memory cache. It additionally writes through
// to the backend if and only if the segment is closed (close_time > 0),
// preserving the invariant that the backend only ever holds immutable,
// write-once segments.
func (c *TopicCache) PutSegment(topic string, id int64, segment *Segment) error {
	key := segmentKey(topic, id)
	c.memory.Add(key, segment)

	if segment.CloseTime() > 0 {
		return c.backend.PutSegment(topic, id, segment)
	}
	return nil
}

// RemoveSegment evicts (topic, id) from the memory cache and deletes it from
// the backend. A not-found result from the backend is success.
func (c *TopicCache) RemoveSegment(topic string, id int64) error {
	key := segmentKey(topic, id)
	c.memory.Remove(key)
	return c.backend.RemoveSegment(topic, id)
}

// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package reliabledispatch

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func freshCursor() *atomic.Int64 {
	c := &atomic.Int64{}
	c.Store(noSegmentAcked)
	return c
}

func TestSubscriptionDispatchDeliversInOrderAcrossSegments(t *testing.T) {
	store := newTestTopicStore(t, "orders", 10, 3600)
	require.NoError(t, store.StoreMessage(StreamMessage{Payload: []byte("0123456789")}))
	require.NoError(t, store.StoreMessage(StreamMessage{Payload: []byte("second")}))
	require.NoError(t, store.StoreMessage(StreamMessage{Payload: []byte("0123456789")}))
	require.NoError(t, store.StoreMessage(StreamMessage{Payload: []byte("third")}))

	dispatch := NewSubscriptionDispatch(store, freshCursor())

	var payloads []string
	for i := 0; i < 3; i++ {
		res, err := dispatch.NextMessage()
		require.NoError(t, err)
		require.False(t, res.Empty)
		payloads = append(payloads, string(res.Message.Payload))
	}
	require.Equal(t, []string{"0123456789", "second", "0123456789"}, payloads)
}

func TestSubscriptionDispatchEmptyWhenCaughtUpOnOpenSegment(t *testing.T) {
	store := newTestTopicStore(t, "orders", 1<<20, 3600)
	require.NoError(t, store.StoreMessage(StreamMessage{Payload: []byte("only")}))

	dispatch := NewSubscriptionDispatch(store, freshCursor())

	res, err := dispatch.NextMessage()
	require.NoError(t, err)
	require.False(t, res.Empty)

	res, err = dispatch.NextMessage()
	require.NoError(t, err)
	require.True(t, res.Empty, "open segment must not be treated as caught-up forever, but there is nothing new yet")
}

func TestSubscriptionDispatchAcknowledgeIsMonotonic(t *testing.T) {
	dispatch := NewSubscriptionDispatch(nil, freshCursor())
	dispatch.Acknowledge(5)
	require.Equal(t, int64(5), dispatch.cursor.Load())

	dispatch.Acknowledge(2)
	require.Equal(t, int64(5), dispatch.cursor.Load(), "acknowledge must never move the cursor backwards")

	dispatch.Acknowledge(9)
	require.Equal(t, int64(9), dispatch.cursor.Load())
}

func TestSubscriptionDispatchSurfacesSegmentNotFoundOnReclaimedCursor(t *testing.T) {
	store := newTestTopicStore(t, "orders", 5, 3600)
	require.NoError(t, store.StoreMessage(StreamMessage{Payload: []byte("aaaaa")}))
	require.NoError(t, store.StoreMessage(StreamMessage{Payload: []byte("bbbbb")}))

	cursor := freshCursor()
	cursor.Store(0)
	dispatch := NewSubscriptionDispatch(store, cursor)

	removed := store.reclaimSegments(map[int64]struct{}{0: {}})
	require.Equal(t, 1, removed)

	_, err := dispatch.NextMessage()
	require.Error(t, err)
	var notFound *SegmentNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, int64(0), notFound.ID)
}

func TestSubscriptionDispatchSeekToStartRewinds(t *testing.T) {
	store := newTestTopicStore(t, "orders", 5, 3600)
	require.NoError(t, store.StoreMessage(StreamMessage{Payload: []byte("aaaaa")}))
	require.NoError(t, store.StoreMessage(StreamMessage{Payload: []byte("bbbbb")}))

	cursor := freshCursor()
	cursor.Store(0)
	dispatch := NewSubscriptionDispatch(store, cursor)

	dispatch.SeekToStart()
	res, err := dispatch.NextMessage()
	require.NoError(t, err)
	require.False(t, res.Empty)
	require.Equal(t, "aaaaa", string(res.Message.Payload))
}

func TestSubscriptionDispatchWaitsForSegmentCloseBeforeAdvancing(t *testing.T) {
	store := newTestTopicStore(t, "orders", 1<<20, 3600)
	require.NoError(t, store.StoreMessage(StreamMessage{Payload: []byte("one")}))

	dispatch := NewSubscriptionDispatch(store, freshCursor())
	_, err := dispatch.NextMessage()
	require.NoError(t, err)

	res, err := dispatch.NextMessage()
	require.NoError(t, err)
	require.True(t, res.Empty)

	time.Sleep(time.Millisecond)
	require.NoError(t, store.StoreMessage(StreamMessage{Payload: []byte("two")}))

	res, err = dispatch.NextMessage()
	require.NoError(t, err)
	require.False(t, res.Empty)
	require.Equal(t, "two", string(res.Message.Payload))
}
